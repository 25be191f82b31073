package updates

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/updates/client/internal/config"
	"github.com/netbirdio/updates/client/internal/updates/downloader"
)

// NewFetcher returns the fetcher for manifests and assets: HTTP(S) with the configured headers
// retries and per attempt timeout, plus s3:// locations when an AWS configuration can be loaded
func NewFetcher(ctx context.Context, cfg *config.Config) *downloader.Router {
	router := downloader.NewRouter(downloader.NewHTTPFetcher(
		downloader.WithHeaders(cfg.ManifestHeaders()),
		downloader.WithRetries(cfg.DownloadRetries, downloader.DefaultRetryDelay),
		downloader.WithTimeout(cfg.DownloadTimeout),
	))

	s3Fetcher, err := downloader.NewDefaultS3Fetcher(ctx)
	if err != nil {
		log.Warnf("s3 locations are disabled: %v", err)
		return router
	}
	router.Register("s3", s3Fetcher)
	return router
}
