package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/keelhq/sessiond"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Refresh metrics
	RefreshAttemptsTotal  metric.Int64Counter
	RefreshErrorsTotal    metric.Int64Counter
	RefreshDuration       metric.Float64Histogram
	RefreshCollapsedTotal metric.Int64Counter

	// Recovery metrics
	RescueAttemptsTotal metric.Int64Counter
	RescueSuccessTotal  metric.Int64Counter
	DegradedTokensTotal metric.Int64Counter

	// Request metrics
	AuthenticatedRequestsTotal metric.Int64Counter
	UnauthorizedRetriesTotal   metric.Int64Counter
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

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.RefreshAttemptsTotal, _ = meter.Int64Counter(
		"sessiond.refresh.attempts.total",
		metric.WithDescription("Total number of token refresh attempts"),
		metric.WithUnit("{attempt}"),
	)

	m.RefreshErrorsTotal, _ = meter.Int64Counter(
		"sessiond.refresh.errors.total",
		metric.WithDescription("Total number of token refresh failures"),
		metric.WithUnit("{error}"),
	)

	m.RefreshDuration, _ = meter.Float64Histogram(
		"sessiond.refresh.duration",
		metric.WithDescription("Duration of token refresh operations"),
		metric.WithUnit("ms"),
	)

	m.RefreshCollapsedTotal, _ = meter.Int64Counter(
		"sessiond.refresh.collapsed.total",
		metric.WithDescription("Total number of refresh callers that joined an in-flight refresh"),
		metric.WithUnit("{caller}"),
	)

	m.RescueAttemptsTotal, _ = meter.Int64Counter(
		"sessiond.rescue.attempts.total",
		metric.WithDescription("Total number of durable-store rescue attempts"),
		metric.WithUnit("{attempt}"),
	)

	m.RescueSuccessTotal, _ = meter.Int64Counter(
		"sessiond.rescue.success.total",
		metric.WithDescription("Total number of successful durable-store rescues"),
		metric.WithUnit("{rescue}"),
	)

	m.DegradedTokensTotal, _ = meter.Int64Counter(
		"sessiond.tokens.degraded.total",
		metric.WithDescription("Total number of still-valid tokens returned after a failed refresh"),
		metric.WithUnit("{token}"),
	)

	m.AuthenticatedRequestsTotal, _ = meter.Int64Counter(
		"sessiond.requests.authenticated.total",
		metric.WithDescription("Total number of authenticated requests issued"),
		metric.WithUnit("{request}"),
	)

	m.UnauthorizedRetriesTotal, _ = meter.Int64Counter(
		"sessiond.requests.unauthorized_retries.total",
		metric.WithDescription("Total number of requests retried after a 401 response"),
		metric.WithUnit("{request}"),
	)

	return m
}
