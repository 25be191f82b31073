package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const (
	defaultEndpoint = "/metrics"
	meterName       = "updates"
	shutdownTimeout = 5 * time.Second
)

// AppMetrics owns the meters of the loader, launcher and store.
// A nil *AppMetrics is valid and records nothing.
type AppMetrics struct {
	Meter metric.Meter

	provider *sdkmetric.MeterProvider
	registry *promclient.Registry
	server   *http.Server
	addr     net.Addr

	store   *StoreMetrics
	updates *UpdatesMetrics
}

// StoreMetrics returns the metrics of the update database
func (m *AppMetrics) StoreMetrics() *StoreMetrics {
	if m == nil {
		return nil
	}
	return m.store
}

// UpdatesMetrics returns the metrics of the loader and launcher
func (m *AppMetrics) UpdatesMetrics() *UpdatesMetrics {
	if m == nil {
		return nil
	}
	return m.updates
}

// Addr is the address of the metrics endpoint, nil until Expose succeeds
func (m *AppMetrics) Addr() net.Addr {
	if m == nil {
		return nil
	}
	return m.addr
}

// Close stops the metrics endpoint and flushes the meter provider
func (m *AppMetrics) Close() error {
	if m == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var serverErr, providerErr error
	if m.server != nil {
		serverErr = m.server.Shutdown(ctx)
	}
	if m.provider != nil {
		providerErr = m.provider.Shutdown(ctx)
	}
	return errors.Join(serverErr, providerErr)
}

// Expose serves the metrics in the Prometheus text format on 127.0.0.1:port at endpoint,
// /metrics when endpoint is empty. Port 0 picks a free port, see Addr.
func (m *AppMetrics) Expose(ctx context.Context, port int, endpoint string) error {
	if m.registry == nil {
		return errors.New("metrics are not backed by a prometheus registry")
	}
	if endpoint == "" {
		endpoint = defaultEndpoint
	}

	router := mux.NewRouter()
	router.Handle(endpoint, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})).
		Methods(http.MethodGet)

	listener, err := net.Listen("tcp4", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("listen for metrics: %w", err)
	}

	m.addr = listener.Addr()
	m.server = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := m.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithContext(ctx).Errorf("metrics server error: %v", err)
			return
		}
		log.WithContext(ctx).Debug("metrics server stopped")
	}()

	log.WithContext(ctx).Infof("exposing update metrics on http://%s%s", m.addr, endpoint)
	return nil
}

// NewDefaultAppMetrics creates AppMetrics exported through a dedicated Prometheus registry
func NewDefaultAppMetrics(ctx context.Context) (*AppMetrics, error) {
	registry := promclient.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	appMetrics, err := NewAppMetricsWithMeter(ctx, provider.Meter(meterName))
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, err
	}
	appMetrics.provider = provider
	appMetrics.registry = registry
	return appMetrics, nil
}

// NewAppMetricsWithMeter creates AppMetrics on a meter owned by the caller
func NewAppMetricsWithMeter(ctx context.Context, meter metric.Meter) (*AppMetrics, error) {
	store, err := NewStoreMetrics(ctx, meter)
	if err != nil {
		return nil, fmt.Errorf("store metrics: %w", err)
	}

	updates, err := NewUpdatesMetrics(ctx, meter)
	if err != nil {
		return nil, fmt.Errorf("updates metrics: %w", err)
	}

	return &AppMetrics{
		Meter:   meter,
		store:   store,
		updates: updates,
	}, nil
}
