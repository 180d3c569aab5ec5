package observability

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// PipelineMetrics records job pipeline and breaker signals through an
// OpenTelemetry meter exported in Prometheus format.
type PipelineMetrics struct {
	jobDuration      metric.Float64Histogram
	jobsCompleted    metric.Int64Counter
	jobsRetried      metric.Int64Counter
	jobsFailed       metric.Int64Counter
	jobsStalled      metric.Int64Counter
	deadLetterAlarms metric.Int64Counter
	breakerChanges   metric.Int64Counter
	breakerCalls     metric.Int64Counter

	deadLetterSize atomic.Int64
}

// NewPipelineMetrics registers every instrument with a Prometheus exporter
// and returns the handler serving /metrics.
func NewPipelineMetrics() (*PipelineMetrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m, err := newPipelineMetrics(provider.Meter("slotwise"))
	if err != nil {
		return nil, nil, err
	}
	return m, promhttp.Handler(), nil
}

func newPipelineMetrics(meter metric.Meter) (*PipelineMetrics, error) {
	m := &PipelineMetrics{}
	var err error

	m.jobDuration, err = meter.Float64Histogram(
		"queue_job_duration_seconds",
		metric.WithDescription("Handler execution time of completed jobs"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.jobsCompleted, "queue_jobs_completed_total", "Jobs that completed successfully"},
		{&m.jobsRetried, "queue_jobs_retried_total", "Failed attempts scheduled for retry"},
		{&m.jobsFailed, "queue_jobs_failed_total", "Jobs that failed terminally and were dead-lettered"},
		{&m.jobsStalled, "queue_jobs_stalled_total", "Active jobs returned to waiting after the stall window"},
		{&m.deadLetterAlarms, "dead_letter_threshold_alarms_total", "Times the dead-letter size crossed its alert threshold"},
		{&m.breakerChanges, "breaker_state_changes_total", "Circuit breaker state transitions"},
		{&m.breakerCalls, "breaker_calls_total", "Calls through circuit breakers by outcome"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}

	_, err = meter.Int64ObservableGauge(
		"dead_letter_size",
		metric.WithDescription("Entries currently held in the dead-letter store"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.deadLetterSize.Load())
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func jobAttrs(lane, jobType string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("lane", lane), attribute.String("job_type", jobType))
}

// JobCompleted records a successful job.
func (m *PipelineMetrics) JobCompleted(ctx context.Context, lane, jobType string, d time.Duration) {
	attrs := jobAttrs(lane, jobType)
	m.jobsCompleted.Add(ctx, 1, attrs)
	m.jobDuration.Record(ctx, d.Seconds(), attrs)
}

// JobRetried records a failed attempt that will be retried after delay.
func (m *PipelineMetrics) JobRetried(ctx context.Context, lane, jobType string, attempt int, delay time.Duration) {
	m.jobsRetried.Add(ctx, 1, jobAttrs(lane, jobType))
}

// JobFailed records a terminal job failure.
func (m *PipelineMetrics) JobFailed(ctx context.Context, lane, jobType string, attempts int, terminal bool) {
	m.jobsFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("lane", lane),
		attribute.String("job_type", jobType),
		attribute.Bool("non_retryable", terminal),
	))
}

// JobsStalled records jobs recovered by stall detection.
func (m *PipelineMetrics) JobsStalled(ctx context.Context, lane string, n int) {
	m.jobsStalled.Add(ctx, int64(n), metric.WithAttributes(attribute.String("lane", lane)))
}

// DeadLetterSize updates the dead-letter gauge.
func (m *PipelineMetrics) DeadLetterSize(_ context.Context, size int) {
	m.deadLetterSize.Store(int64(size))
}

// DeadLetterThresholdCrossed records an alert threshold crossing.
func (m *PipelineMetrics) DeadLetterThresholdCrossed(ctx context.Context, size, threshold int) {
	m.deadLetterSize.Store(int64(size))
	m.deadLetterAlarms.Add(ctx, 1)
}

// BreakerStateChanged records a circuit breaker transition.
func (m *PipelineMetrics) BreakerStateChanged(name, from, to string) {
	m.breakerChanges.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("breaker", name),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// BreakerCall records the outcome of one breaker-protected call.
func (m *PipelineMetrics) BreakerCall(name, outcome string) {
	m.breakerCalls.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("breaker", name),
		attribute.String("outcome", outcome),
	))
}
