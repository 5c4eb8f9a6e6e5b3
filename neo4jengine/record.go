package neo4jengine

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/danielorbach/go-component"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// This error is returned when a record is missing a property we expect our
// Cypher queries to return. Expect a panic eventually.
var errPropertyNotFound = errors.New("property not found")

// An unexpectedPropertyTypeError occurs when a returned property has a runtime
// type that is different from the one our code expects. The error message
// contains the effective type of the property at runtime.
//
// Like errPropertyNotFound, this most likely means a Cypher query was changed
// without modifying dependent code.
type unexpectedPropertyTypeError struct {
	Type reflect.Type // Effective type encountered at runtime.
}

func (e unexpectedPropertyTypeError) Error() string {
	return "unexpected property type: " + e.Type.String()
}

// The recordProperty interface lists the value types getRecordProperty may
// extract. It guards against types the driver never returns, like int or
// uint32. Add a type here when a query needs it.
type recordProperty interface {
	int64 | string | bool | []interface{}
}

func getRecordProperty[T recordProperty](record *neo4j.Record, key string) (value T, err error) {
	prop, exists := record.Get(key)
	if !exists {
		return value, errPropertyNotFound
	}
	v, ok := prop.(T)
	if !ok {
		return value, unexpectedPropertyTypeError{Type: reflect.TypeOf(prop)}
	}
	return v, nil
}

// panicOnDeveloperError panics when err signals a query that no longer returns
// what its caller reads.
func panicOnDeveloperError(ctx context.Context, err error) {
	if errors.Is(err, errPropertyNotFound) || errors.As(err, &unexpectedPropertyTypeError{}) {
		component.Logger(ctx).Error("A Cypher query was modified without care", "error", err)
		panic(fmt.Errorf("seek developer attention: neo4j cypher query: %w", err))
	}
}

// A write that touches an unexpected number of graph elements means the stored
// graph no longer matches what we wrote into it, so we stop operating on it.
func panicWithCorruptedGraph(ctx context.Context, reason string) {
	component.Logger(ctx).ErrorContext(ctx, "Encountered a corrupted provenance graph in neo4j", "error", reason)
	trace.SpanFromContext(ctx).SetStatus(codes.Error, reason)
	corruptions.Add(ctx, 1)
	panic(fmt.Errorf("neo4j provenance graph is corrupted: %v", reason))
}
