package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	nberrors "github.com/netbirdio/updates/client/errors"
	"github.com/netbirdio/updates/version"
)

const (
	DefaultRetryDelay = 500 * time.Millisecond
	DefaultRetries    = 2
	// DefaultSizeLimit bounds manifests and assets kept in memory
	DefaultSizeLimit = 256 << 20
	// DefaultRequestTimeout bounds a single attempt, including reading the body
	DefaultRequestTimeout = time.Minute
)

// Fetcher retrieves the content stored at a location.
// Failures are reported as NetworkError.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPFetcher fetches content over HTTP(S) and retries transient failures with exponential backoff
type HTTPFetcher struct {
	client     *http.Client
	headers    http.Header
	retries    int
	retryDelay time.Duration
	timeout    time.Duration
	limit      int64
}

// Option configures an HTTPFetcher
type Option func(*HTTPFetcher)

// WithClient sets the HTTP client used for requests
func WithClient(client *http.Client) Option {
	return func(f *HTTPFetcher) {
		f.client = client
	}
}

// WithHeaders adds static headers to every request
func WithHeaders(headers map[string]string) Option {
	return func(f *HTTPFetcher) {
		for k, v := range headers {
			f.headers.Set(k, v)
		}
	}
}

// WithRetries sets how many times a failed request is retried. Zero disables retries.
func WithRetries(retries int, delay time.Duration) Option {
	return func(f *HTTPFetcher) {
		f.retries = retries
		f.retryDelay = delay
	}
}

// WithTimeout bounds every attempt. A timed out attempt is retried like a transport error.
// Zero disables the bound.
func WithTimeout(timeout time.Duration) Option {
	return func(f *HTTPFetcher) {
		f.timeout = timeout
	}
}

// WithSizeLimit sets the maximum accepted body size
func WithSizeLimit(limit int64) Option {
	return func(f *HTTPFetcher) {
		f.limit = limit
	}
}

// NewHTTPFetcher creates an HTTPFetcher
func NewHTTPFetcher(opts ...Option) *HTTPFetcher {
	f := &HTTPFetcher{
		client:     http.DefaultClient,
		headers:    make(http.Header),
		retries:    DefaultRetries,
		retryDelay: DefaultRetryDelay,
		timeout:    DefaultRequestTimeout,
		limit:      DefaultSizeLimit,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads url into memory
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	log.WithContext(ctx).Debugf("starting download from %s", url)

	var data []byte
	operation := func() error {
		var err error
		data, err = f.fetchOnce(ctx, url)
		return err
	}

	err := backoff.RetryNotify(operation, f.backoff(ctx), func(err error, d time.Duration) {
		log.WithContext(ctx).Warnf("download of %s failed, retrying after %v: %v", url, d, err)
	})
	if err != nil {
		return nil, nberrors.Wrap(nberrors.NetworkError, err, "download %s", url)
	}

	log.WithContext(ctx).Debugf("downloaded %d bytes from %s", len(data), url)
	return data, nil
}

func (f *HTTPFetcher) backoff(ctx context.Context) backoff.BackOff {
	expBackOff := &backoff.ExponentialBackOff{
		InitialInterval:     f.retryDelay,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	retries := f.retries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(expBackOff, uint64(retries)), ctx)
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	reqCtx := ctx
	if f.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
	}

	for k, v := range f.headers {
		req.Header[k] = v
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, fmt.Errorf("failed to perform HTTP request: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			log.Warnf("error closing response body: %v", cerr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected HTTP status: %d", resp.StatusCode)
		if !retryableStatus(resp.StatusCode) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	data, err := readLimited(resp.Body, f.limit)
	if err != nil && ctx.Err() != nil {
		return nil, backoff.Permanent(err)
	}
	return data, err
}

func retryableStatus(code int) bool {
	return code >= http.StatusInternalServerError || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, backoff.Permanent(fmt.Errorf("response body exceeds %d bytes", limit))
	}
	return data, nil
}
