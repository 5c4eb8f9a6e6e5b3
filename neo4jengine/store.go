package neo4jengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-digitaltwin/riskprov/provgraph"
	"github.com/go-digitaltwin/riskprov/sink"
)

// A Store writes provenance documents into a Neo4j database. It implements
// sink.Sink.
//
// The database must have been prepared with BootstrapDatabase.
type Store struct {
	driver   neo4j.DriverWithContext
	database string
}

// NewStore returns a Store writing to the named database through d.
func NewStore(d neo4j.DriverWithContext, database string) *Store {
	return &Store{driver: d, database: database}
}

var _ sink.Sink = (*Store)(nil)

// Push decodes a Turtle document and writes its graph. A document that does
// not decode is rejected. Empty documents are skipped.
func (s *Store) Push(ctx context.Context, doc []byte) error {
	if len(doc) == 0 {
		return nil
	}
	g, err := provgraph.Decode(doc)
	if err != nil {
		return sink.Rejected(fmt.Errorf("decode document: %w", err))
	}
	return s.Write(ctx, g, provgraph.Digest(doc))
}

// Write merges g into the database in a single transaction, recording digest
// as the identity of the document it came from. Either the whole graph is
// written or nothing is.
//
// Errors the driver deems retryable, and connectivity loss, are transient.
// Errors caused by the request itself, like a constraint violation, reject
// the document.
//
// Write panics in two scenarios:
//
//   - The stored graph is corrupted, i.e. a merge matched a number of nodes or
//     relationships it could not have created.
//
//   - A Cypher query was changed without the code reading its results.
func (s *Store) Write(ctx context.Context, g provgraph.Graph, digest string) (err error) {
	ctx, span := tracer.Start(ctx, "Write", trace.WithAttributes(
		attribute.String("neo4j.database", s.database),
		attribute.String("doc.digest", digest),
		attribute.Int("doc.nodes", len(g.Nodes)),
		attribute.Int("doc.edges", len(g.Edges)),
	))
	defer span.End()
	logger := component.Logger(ctx).With("neo4j.database", s.database, "digest", digest)

	if g.Degraded {
		return sink.Rejected(provgraph.ErrDegraded)
	}

	// A session per write keeps any session-specific failure contained.
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: s.database,
		AccessMode:   neo4j.AccessModeWrite,
	})
	defer func() {
		if err := session.Close(ctx); err != nil {
			logger.Error("Failed to close session", "error", err, "mode", "write")
		}
	}()

	start := time.Now()
	// Managed transactions let the driver retry on its own deadlocks and leader
	// switches before we see an error.
	seen, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return writeGraph(ctx, provWriter{tx: tx}, g, digest)
	})
	if err != nil {
		panicOnDeveloperError(ctx, err)
		span.SetStatus(codes.Error, err.Error())
		return classify(fmt.Errorf("neo4j execute: %w", err))
	}

	duplicate := seen.(int64) > 0
	measureWrite(ctx, duplicate, time.Since(start))
	if duplicate {
		logger.Debug("Provenance document was already written", "seen", seen)
	}
	return nil
}

func writeGraph(ctx context.Context, w provWriter, g provgraph.Graph, digest string) (int64, error) {
	seen, err := w.recordDocument(ctx, digest, g)
	if err != nil {
		return 0, fmt.Errorf("record document: %w", err)
	}
	// Merging is idempotent, so a redelivered document is written again rather
	// than trusting that its first write is still intact.
	for _, n := range g.Nodes {
		if err := w.mergeNode(ctx, g.Namespace, n); err != nil {
			return 0, fmt.Errorf("merge node %v: %w", n.ID, err)
		}
	}
	var err2 error
	g.VisitEdges(func(e provgraph.Edge, from, to provgraph.Node) bool {
		if err := w.mergeEdge(ctx, e, from, to); err != nil {
			err2 = fmt.Errorf("merge edge %v: %w", e, err)
			return false
		}
		return true
	})
	if err2 != nil {
		return 0, err2
	}
	return seen, nil
}

// classify wraps err as sink.Transient or sink.Rejected.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return sink.Transient(err)
	}
	if neo4j.IsRetryable(err) || neo4j.IsConnectivityError(err) {
		return sink.Transient(err)
	}
	var dbErr *neo4j.Neo4jError
	if errors.As(err, &dbErr) && dbErr.Classification() == "ClientError" {
		return sink.Rejected(err)
	}
	return sink.Transient(err)
}

// Lineage returns the entities the given entity was derived from, directly or
// transitively, ordered by qualified name. It returns an empty slice for an
// entity with no recorded derivation, including one that was never written.
func (s *Store) Lineage(ctx context.Context, id provgraph.QualifiedName) (lineage []provgraph.QualifiedName, err error) {
	ctx, span := tracer.Start(ctx, "Lineage", trace.WithAttributes(
		attribute.String("neo4j.database", s.database),
		attribute.String("prov.qname", id.String()),
	))
	defer span.End()

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: s.database,
		AccessMode:   neo4j.AccessModeRead,
	})
	defer func() {
		if err := session.Close(ctx); err != nil {
			component.Logger(ctx).Error("Failed to close session", "error", err, "mode", "read")
		}
	}()

	names, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			MATCH (:Entity {qname: $qname})-[:WAS_DERIVED_FROM*1..]->(m:Entity)
			RETURN DISTINCT m.qname AS qname
			ORDER BY qname
		`, map[string]any{"qname": id.String()})
		if err != nil {
			return nil, fmt.Errorf("run cypher: %w", err)
		}
		var names []string
		for result.Next(ctx) {
			name, err := getRecordProperty[string](result.Record(), "qname")
			if err != nil {
				return nil, fmt.Errorf("get qname: %w", err)
			}
			names = append(names, name)
		}
		return names, result.Err()
	})
	if err != nil {
		panicOnDeveloperError(ctx, err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("neo4j execute: %w", err)
	}

	lineage = []provgraph.QualifiedName{}
	for _, name := range names.([]string) {
		prefix, local, ok := strings.Cut(name, ":")
		if !ok {
			panicWithCorruptedGraph(ctx, fmt.Sprintf("qname %q has no prefix", name))
		}
		lineage = append(lineage, provgraph.QualifiedName{Prefix: prefix, Local: local})
	}
	return lineage, nil
}
