package downloader

import (
	"context"
	"net/url"
	"strings"

	nberrors "github.com/netbirdio/updates/client/errors"
)

// Router dispatches a fetch to the Fetcher registered for the location's scheme
type Router struct {
	fetchers map[string]Fetcher
}

// NewRouter creates a Router that serves http and https through httpFetcher
func NewRouter(httpFetcher Fetcher) *Router {
	return &Router{
		fetchers: map[string]Fetcher{
			"http":  httpFetcher,
			"https": httpFetcher,
		},
	}
}

// Register routes locations with the given scheme to fetcher
func (r *Router) Register(scheme string, fetcher Fetcher) {
	r.fetchers[strings.ToLower(scheme)] = fetcher
}

// Fetch implements Fetcher
func (r *Router) Fetch(ctx context.Context, location string) ([]byte, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, nberrors.Wrap(nberrors.NetworkError, err, "parse location %q", location)
	}

	fetcher, ok := r.fetchers[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, nberrors.Errorf(nberrors.NetworkError, "no fetcher for scheme %q of %s", u.Scheme, location)
	}
	return fetcher.Fetch(ctx, location)
}
