package loader

import (
	"context"
	"io/fs"
	"net/url"

	nberrors "github.com/netbirdio/updates/client/errors"
	"github.com/netbirdio/updates/client/internal/updates/downloader"
	"github.com/netbirdio/updates/client/internal/updates/types"
)

// EmbeddedManifestName is the manifest file at the root of an embedded bundle
const EmbeddedManifestName = "app.manifest"

// Source provides a manifest and the content of the assets it lists
type Source interface {
	// Name identifies the source in logs
	Name() string
	Manifest(ctx context.Context) ([]byte, error)
	Asset(ctx context.Context, asset *types.Asset) ([]byte, error)
}

// RemoteSource serves the manifest at a URL. Relative asset URLs are resolved against it.
type RemoteSource struct {
	manifestURL string
	fetcher     downloader.Fetcher
}

// NewRemoteSource creates a RemoteSource fetching through fetcher
func NewRemoteSource(manifestURL string, fetcher downloader.Fetcher) *RemoteSource {
	return &RemoteSource{
		manifestURL: manifestURL,
		fetcher:     fetcher,
	}
}

func (s *RemoteSource) Name() string {
	return s.manifestURL
}

func (s *RemoteSource) Manifest(ctx context.Context) ([]byte, error) {
	return s.fetcher.Fetch(ctx, s.manifestURL)
}

func (s *RemoteSource) Asset(ctx context.Context, asset *types.Asset) ([]byte, error) {
	if asset.URL == "" {
		return nil, nberrors.Errorf(nberrors.NetworkError, "asset %s has no url", asset.Hash)
	}

	location, err := s.resolve(asset.URL)
	if err != nil {
		return nil, nberrors.Wrap(nberrors.NetworkError, err, "resolve url of asset %s", asset.Hash)
	}
	return s.fetcher.Fetch(ctx, location)
}

func (s *RemoteSource) resolve(ref string) (string, error) {
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	if refURL.IsAbs() {
		return ref, nil
	}

	base, err := url.Parse(s.manifestURL)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(refURL).String(), nil
}

// EmbeddedSource serves the manifest and assets shipped with the binary
type EmbeddedSource struct {
	fsys fs.FS
}

// NewEmbeddedSource creates an EmbeddedSource reading from fsys
func NewEmbeddedSource(fsys fs.FS) *EmbeddedSource {
	return &EmbeddedSource{fsys: fsys}
}

func (s *EmbeddedSource) Name() string {
	return "embedded"
}

func (s *EmbeddedSource) Manifest(_ context.Context) ([]byte, error) {
	data, err := fs.ReadFile(s.fsys, EmbeddedManifestName)
	if err != nil {
		return nil, nberrors.Wrap(nberrors.NotFound, err, "read embedded manifest")
	}
	return data, nil
}

// Asset reads the asset from its embedded path, falling back to its file name
func (s *EmbeddedSource) Asset(_ context.Context, asset *types.Asset) ([]byte, error) {
	name := asset.EmbeddedPath
	if name == "" {
		name = asset.FileName()
	}

	data, err := fs.ReadFile(s.fsys, name)
	if err != nil {
		return nil, nberrors.Wrap(nberrors.MissingAsset, err, "read embedded asset %s", asset.Hash)
	}
	return data, nil
}
