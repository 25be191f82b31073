package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// UpdatesMetrics counts loader and launcher activity
type UpdatesMetrics struct {
	ctx              context.Context
	assetsDownloaded metric.Int64Counter
	assetsReused     metric.Int64Counter
	assetFailures    metric.Int64Counter
	bytesDownloaded  metric.Int64Counter
	loadDurationMs   metric.Int64Histogram
	launches         metric.Int64Counter
	collectedAssets  metric.Int64Counter
	collectedUpdates metric.Int64Counter
}

// NewUpdatesMetrics creates an instance of UpdatesMetrics
func NewUpdatesMetrics(ctx context.Context, meter metric.Meter) (*UpdatesMetrics, error) {
	assetsDownloaded, err := meter.Int64Counter("updates.loader.assets.downloaded.counter",
		metric.WithDescription("Number of assets fetched from the network or the embedded bundle"))
	if err != nil {
		return nil, err
	}

	assetsReused, err := meter.Int64Counter("updates.loader.assets.reused.counter",
		metric.WithDescription("Number of assets linked from the store without fetching"))
	if err != nil {
		return nil, err
	}

	assetFailures, err := meter.Int64Counter("updates.loader.assets.failed.counter",
		metric.WithDescription("Number of assets that failed to download or verify"))
	if err != nil {
		return nil, err
	}

	bytesDownloaded, err := meter.Int64Counter("updates.loader.bytes.downloaded.counter",
		metric.WithUnit("bytes"))
	if err != nil {
		return nil, err
	}

	loadDurationMs, err := meter.Int64Histogram("updates.loader.load.duration.ms",
		metric.WithUnit("milliseconds"))
	if err != nil {
		return nil, err
	}

	launches, err := meter.Int64Counter("updates.launcher.launch.counter",
		metric.WithDescription("Number of launch attempts labelled by outcome"))
	if err != nil {
		return nil, err
	}

	collectedAssets, err := meter.Int64Counter("updates.launcher.gc.assets.counter")
	if err != nil {
		return nil, err
	}

	collectedUpdates, err := meter.Int64Counter("updates.launcher.gc.updates.counter")
	if err != nil {
		return nil, err
	}

	return &UpdatesMetrics{
		ctx:              ctx,
		assetsDownloaded: assetsDownloaded,
		assetsReused:     assetsReused,
		assetFailures:    assetFailures,
		bytesDownloaded:  bytesDownloaded,
		loadDurationMs:   loadDurationMs,
		launches:         launches,
		collectedAssets:  collectedAssets,
		collectedUpdates: collectedUpdates,
	}, nil
}

// CountAssetDownloaded counts one fetched asset of the given size
func (m *UpdatesMetrics) CountAssetDownloaded(size int) {
	if m == nil {
		return
	}
	m.assetsDownloaded.Add(m.ctx, 1)
	m.bytesDownloaded.Add(m.ctx, int64(size))
}

// CountAssetReused counts one asset satisfied by deduplication
func (m *UpdatesMetrics) CountAssetReused() {
	if m == nil {
		return
	}
	m.assetsReused.Add(m.ctx, 1)
}

// CountAssetFailure counts one asset that failed to load
func (m *UpdatesMetrics) CountAssetFailure() {
	if m == nil {
		return
	}
	m.assetFailures.Add(m.ctx, 1)
}

// CountLoadDuration records how long a load attempt took and whether it succeeded
func (m *UpdatesMetrics) CountLoadDuration(duration time.Duration, success bool) {
	if m == nil {
		return
	}
	m.loadDurationMs.Record(m.ctx, duration.Milliseconds(),
		metric.WithAttributes(attribute.Bool("success", success)))
}

// CountLaunch counts a launch attempt; emergency marks launches that fell back to the emergency path
func (m *UpdatesMetrics) CountLaunch(success, emergency bool) {
	if m == nil {
		return
	}
	m.launches.Add(m.ctx, 1, metric.WithAttributes(
		attribute.Bool("success", success),
		attribute.Bool("emergency", emergency),
	))
}

// CountGarbageCollected counts assets and updates removed by a collection pass
func (m *UpdatesMetrics) CountGarbageCollected(assets, updates int) {
	if m == nil {
		return
	}
	m.collectedAssets.Add(m.ctx, int64(assets))
	m.collectedUpdates.Add(m.ctx, int64(updates))
}
