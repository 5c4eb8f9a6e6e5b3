package riskprov

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/go-digitaltwin/riskprov/stream"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/riskprov")
var meter = otel.Meter("github.com/go-digitaltwin/riskprov")

// Attribute keys of the correlator's measurements.
const (
	// matchKey tells full correlations apart from partial (one-sided) ones.
	matchKey = "match"
	// streamKey labels records with the input stream an event came from.
	streamKey = "stream"
	// graphKindKey labels graph builds with what they describe: a risk
	// record or an entity update.
	graphKindKey = "kind"
)

var (
	// correlationsEmitted counts correlations the joins emitted, labelled by
	// matchKey.
	correlationsEmitted metric.Int64Counter
	// lateEvents counts events that arrived after their window closed.
	lateEvents metric.Int64Counter
	// suppressedGraphs counts degraded graphs that were not published.
	suppressedGraphs metric.Int64Counter
	// malformedEvents counts messages that did not decode into events.
	malformedEvents metric.Int64Counter
	// buildDuration measures building a single provenance graph.
	buildDuration metric.Float64Histogram
)

func init() {
	var err error
	correlationsEmitted, err = meter.Int64Counter(
		"correlation.emitted",
		metric.WithDescription("The number of correlations emitted by the windowed join."),
	)
	if err != nil {
		panic("riskprov: failed to init 'correlation.emitted' instrument")
	}

	lateEvents, err = meter.Int64Counter(
		"correlation.late",
		metric.WithDescription("The number of events dropped because their window had already closed."),
	)
	if err != nil {
		panic("riskprov: failed to init 'correlation.late' instrument")
	}

	suppressedGraphs, err = meter.Int64Counter(
		"correlation.suppressed",
		metric.WithDescription("The number of degraded provenance graphs that were not published."),
	)
	if err != nil {
		panic("riskprov: failed to init 'correlation.suppressed' instrument")
	}

	malformedEvents, err = meter.Int64Counter(
		"events.malformed",
		metric.WithDescription("The number of received messages that could not be decoded into events."),
	)
	if err != nil {
		panic("riskprov: failed to init 'events.malformed' instrument")
	}

	buildDuration, err = meter.Float64Histogram(
		"graph.build.duration",
		metric.WithDescription("The duration of building a single provenance graph."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("riskprov: failed to init 'graph.build.duration' instrument")
	}
}

var (
	fullMatch    = attribute.NewSet(attribute.String(matchKey, "full"))
	partialMatch = attribute.NewSet(attribute.String(matchKey, "partial"))
)

func measureCorrelation(ctx context.Context, complete bool) {
	attrs := partialMatch
	if complete {
		attrs = fullMatch
	}
	correlationsEmitted.Add(ctx, 1, metric.WithAttributeSet(attrs))
}

func measureLate(ctx context.Context, k stream.Kind) {
	lateEvents.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(attribute.String(streamKey, k.String()))))
}

func measureMalformed(ctx context.Context, k stream.Kind) {
	malformedEvents.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(attribute.String(streamKey, k.String()))))
}

func measureSuppressed(ctx context.Context) {
	suppressedGraphs.Add(ctx, 1)
}

func measureBuild(ctx context.Context, kind string, d time.Duration) {
	attrs := attribute.NewSet(attribute.String(graphKindKey, kind))
	buildDuration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributeSet(attrs))
}
