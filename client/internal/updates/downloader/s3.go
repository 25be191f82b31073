package downloader

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	log "github.com/sirupsen/logrus"

	nberrors "github.com/netbirdio/updates/client/errors"
)

// S3API is the subset of the S3 client used by S3Fetcher
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Fetcher fetches s3://bucket/key locations from an S3 compatible object store
type S3Fetcher struct {
	client S3API
	limit  int64
}

// NewS3Fetcher creates an S3Fetcher on top of client
func NewS3Fetcher(client S3API) *S3Fetcher {
	return &S3Fetcher{
		client: client,
		limit:  DefaultSizeLimit,
	}
}

// NewDefaultS3Fetcher creates an S3Fetcher from the default AWS configuration chain.
// AWS_ENDPOINT_URL selects a non AWS endpoint, path style addressing is used in that case.
func NewDefaultS3Fetcher(ctx context.Context) (*S3Fetcher, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if cfg.BaseEndpoint != nil {
			o.UsePathStyle = true
			o.BaseEndpoint = cfg.BaseEndpoint
		}
	})
	return NewS3Fetcher(client), nil
}

// Fetch downloads the object addressed by location
func (f *S3Fetcher) Fetch(ctx context.Context, location string) ([]byte, error) {
	bucket, key, err := parseS3URL(location)
	if err != nil {
		return nil, nberrors.Wrap(nberrors.NetworkError, err, "download %s", location)
	}

	log.WithContext(ctx).Debugf("starting download of object %s from bucket %s", key, bucket)

	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, nberrors.Wrap(nberrors.NetworkError, err, "download %s", location)
	}
	defer func() {
		if cerr := out.Body.Close(); cerr != nil {
			log.Warnf("error closing object body: %v", cerr)
		}
	}()

	data, err := readLimited(out.Body, f.limit)
	if err != nil {
		return nil, nberrors.Wrap(nberrors.NetworkError, err, "download %s", location)
	}
	return data, nil
}

func parseS3URL(location string) (bucket, key string, err error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("location %q must have the form s3://bucket/key", location)
	}
	return u.Host, key, nil
}
