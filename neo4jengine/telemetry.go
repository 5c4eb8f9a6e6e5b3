package neo4jengine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/riskprov/neo4jengine")
var meter = otel.Meter("github.com/go-digitaltwin/riskprov/neo4jengine")

var (
	// documentsWritten counts documents committed to the graph, labelled by
	// whether the document had been written before (a redelivery).
	documentsWritten metric.Int64Counter
	// writeDuration measures a single write transaction, retries by the driver
	// included.
	writeDuration metric.Float64Histogram
	// corruptions counts how often a write found the graph in a state it could
	// not have written itself. Each occurrence is followed by a panic.
	corruptions metric.Int64Counter
)

func init() {
	// A failure here is a programming error in the instrument options.
	var err error
	documentsWritten, err = meter.Int64Counter(
		"neo4j.documents.written",
		metric.WithDescription("The number of provenance documents committed to neo4j."),
	)
	if err != nil {
		panic(fmt.Sprintf("neo4jengine: failed to init 'neo4j.documents.written' instrument: %v", err))
	}

	writeDuration, err = meter.Float64Histogram(
		"neo4j.write.duration",
		metric.WithDescription("The time it took to write a provenance document to neo4j."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic(fmt.Sprintf("neo4jengine: failed to init 'neo4j.write.duration' instrument: %v", err))
	}

	corruptions, err = meter.Int64Counter(
		"neo4j.graph.corruptions",
		metric.WithDescription("The number of writes that found the provenance graph corrupted."),
	)
	if err != nil {
		panic(fmt.Sprintf("neo4jengine: failed to init 'neo4j.graph.corruptions' instrument: %v", err))
	}
}

func measureWrite(ctx context.Context, duplicate bool, d time.Duration) {
	attrs := attribute.NewSet(attribute.Bool("duplicate", duplicate))
	documentsWritten.Add(ctx, 1, metric.WithAttributeSet(attrs))
	writeDuration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributeSet(attrs))
}
