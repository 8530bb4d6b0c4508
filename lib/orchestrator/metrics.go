package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	outcomeRecordHit   = "record_hit"
	outcomeRegistryHit = "registry_hit"
	outcomeBuilt       = "built"
	outcomeFailed      = "failed"

	statusSuccess = "success"
	statusFailed  = "failed"
)

// Metrics provides OTel metrics for the orchestrator.
type Metrics struct {
	resolvesTotal      metric.Int64Counter
	buildDuration      metric.Float64Histogram
	existsRetriesTotal metric.Int64Counter
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	resolvesTotal, err := meter.Int64Counter(
		"kiln_resolves_total",
		metric.WithDescription("Total number of image spec resolutions by outcome"),
	)
	if err != nil {
		return nil, err
	}

	buildDuration, err := meter.Float64Histogram(
		"kiln_build_duration_seconds",
		metric.WithDescription("Duration of delegated image builds in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	existsRetriesTotal, err := meter.Int64Counter(
		"kiln_exists_retries_total",
		metric.WithDescription("Total number of retried registry existence checks"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		resolvesTotal:      resolvesTotal,
		buildDuration:      buildDuration,
		existsRetriesTotal: existsRetriesTotal,
	}, nil
}

func (o *Orchestrator) recordResolve(ctx context.Context, outcome string) {
	if o.metrics == nil {
		return
	}
	o.metrics.resolvesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

func (o *Orchestrator) recordBuild(ctx context.Context, builderID, status string, duration time.Duration) {
	if o.metrics == nil {
		return
	}
	o.metrics.buildDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("builder", builderID),
		attribute.String("status", status),
	))
}

func (o *Orchestrator) recordExistsRetry(ctx context.Context) {
	if o.metrics == nil {
		return
	}
	o.metrics.existsRetriesTotal.Add(ctx, 1)
}
