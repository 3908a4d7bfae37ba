package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/ssoportal"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Auth gate metrics
	GateDecisionsTotal metric.Int64Counter
	GateLookupDuration metric.Float64Histogram

	// Logout metrics
	LogoutEventsTotal   metric.Int64Counter
	MarkersWrittenTotal metric.Int64Counter
	MarkersClearedTotal metric.Int64Counter

	// Login metrics
	LoginsTotal        metric.Int64Counter
	LoginFailuresTotal metric.Int64Counter

	// Store metrics
	StoreErrorsTotal metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// RecordStoreError counts a failed invalidation or session store call.
func (m *Metrics) RecordStoreError(ctx context.Context, op string) {
	m.StoreErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.GateDecisionsTotal, _ = meter.Int64Counter(
		"portal.gate.decisions.total",
		metric.WithDescription("Total number of auth gate decisions by outcome"),
		metric.WithUnit("{decision}"),
	)

	m.GateLookupDuration, _ = meter.Float64Histogram(
		"portal.gate.lookup.duration",
		metric.WithDescription("Duration of invalidation marker lookups made by the auth gate"),
		metric.WithUnit("ms"),
	)

	m.LogoutEventsTotal, _ = meter.Int64Counter(
		"portal.logout.events.total",
		metric.WithDescription("Total number of logout notifications by channel"),
		metric.WithUnit("{event}"),
	)

	m.MarkersWrittenTotal, _ = meter.Int64Counter(
		"portal.markers.written.total",
		metric.WithDescription("Total number of invalidation markers written"),
		metric.WithUnit("{marker}"),
	)

	m.MarkersClearedTotal, _ = meter.Int64Counter(
		"portal.markers.cleared.total",
		metric.WithDescription("Total number of invalidation markers cleared"),
		metric.WithUnit("{marker}"),
	)

	m.LoginsTotal, _ = meter.Int64Counter(
		"portal.logins.total",
		metric.WithDescription("Total number of completed logins"),
		metric.WithUnit("{login}"),
	)

	m.LoginFailuresTotal, _ = meter.Int64Counter(
		"portal.logins.failures.total",
		metric.WithDescription("Total number of failed login callbacks"),
		metric.WithUnit("{login}"),
	)

	m.StoreErrorsTotal, _ = meter.Int64Counter(
		"portal.store.errors.total",
		metric.WithDescription("Total number of store operation errors"),
		metric.WithUnit("{error}"),
	)

	return m
}
