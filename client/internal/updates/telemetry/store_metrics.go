package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// StoreMetrics records how long the update database makes callers wait
type StoreMetrics struct {
	ctx             context.Context
	lockWaitMicro   metric.Int64Histogram
	persistMicro    metric.Int64Histogram
	writeLockOption metric.MeasurementOption
	readLockOption  metric.MeasurementOption
}

// NewStoreMetrics registers the store instruments on meter
func NewStoreMetrics(ctx context.Context, meter metric.Meter) (*StoreMetrics, error) {
	lockWait, err := meter.Int64Histogram("updates.store.lock.acquisition.duration.micro",
		metric.WithUnit("microseconds"),
		metric.WithDescription("Time spent waiting for the store lock"))
	if err != nil {
		return nil, err
	}

	persist, err := meter.Int64Histogram("updates.store.persistence.duration.micro",
		metric.WithUnit("microseconds"),
		metric.WithDescription("Duration of store write transactions"))
	if err != nil {
		return nil, err
	}

	return &StoreMetrics{
		ctx:             ctx,
		lockWaitMicro:   lockWait,
		persistMicro:    persist,
		writeLockOption: metric.WithAttributes(attribute.String("lock", "write")),
		readLockOption:  metric.WithAttributes(attribute.String("lock", "read")),
	}, nil
}

// CountWriteLockAcquisitionDuration records the wait for the exclusive store lock
func (m *StoreMetrics) CountWriteLockAcquisitionDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.lockWaitMicro.Record(m.ctx, duration.Microseconds(), m.writeLockOption)
}

// CountReadLockAcquisitionDuration records the wait for the shared store lock
func (m *StoreMetrics) CountReadLockAcquisitionDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.lockWaitMicro.Record(m.ctx, duration.Microseconds(), m.readLockOption)
}

// CountPersistenceDuration records the duration of a write transaction
func (m *StoreMetrics) CountPersistenceDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.persistMicro.Record(m.ctx, duration.Microseconds())
}
