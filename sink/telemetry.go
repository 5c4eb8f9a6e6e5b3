package sink

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/riskprov/sink")
var meter = otel.Meter("github.com/go-digitaltwin/riskprov/sink")

// outcomeKey labels each push record with its final Outcome.
const outcomeKey = "outcome"

var (
	// pushDuration measures how long it took a document to reach its final
	// outcome, retries included.
	pushDuration metric.Float64Histogram
	// pushFailures counts documents that were not delivered, labelled by
	// outcome: retriable (retries exhausted) or fatal (rejected).
	pushFailures metric.Int64Counter
	// pushRetries counts individual retried attempts.
	pushRetries metric.Int64Counter
)

func init() {
	var err error
	pushDuration, err = meter.Float64Histogram(
		"sink.push.duration",
		metric.WithDescription("The time it took a document to reach its final push outcome, retries included."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("sink: failed to init 'sink.push.duration' instrument")
	}

	pushFailures, err = meter.Int64Counter(
		"sink.push.failures",
		metric.WithDescription("The number of documents that were not delivered."),
	)
	if err != nil {
		panic("sink: failed to init 'sink.push.failures' instrument")
	}

	pushRetries, err = meter.Int64Counter(
		"sink.push.retries",
		metric.WithDescription("The number of push attempts that were retried."),
	)
	if err != nil {
		panic("sink: failed to init 'sink.push.retries' instrument")
	}
}

func measurePush(ctx context.Context, outcome Outcome, d time.Duration) {
	attrs := attribute.NewSet(attribute.String(outcomeKey, outcome.String()))
	pushDuration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributeSet(attrs))
	if outcome != Ok {
		pushFailures.Add(ctx, 1, metric.WithAttributeSet(attrs))
	}
}
