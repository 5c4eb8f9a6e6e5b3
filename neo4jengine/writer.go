package neo4jengine

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/go-digitaltwin/riskprov/provgraph"
)

// relationshipTypes names the Neo4j relationship type of every PROV relation.
var relationshipTypes = map[provgraph.Relation]string{
	provgraph.WasGeneratedBy:    "WAS_GENERATED_BY",
	provgraph.WasDerivedFrom:    "WAS_DERIVED_FROM",
	provgraph.WasAssociatedWith: "WAS_ASSOCIATED_WITH",
	provgraph.WasStartedBy:      "WAS_STARTED_BY",
	provgraph.WasEndedBy:        "WAS_ENDED_BY",
	provgraph.SpecializationOf:  "SPECIALIZATION_OF",
	provgraph.Used:              "USED",
}

// A provWriter executes Cypher queries that merge a provenance graph into the
// database, all within a single transaction.
type provWriter struct {
	tx neo4j.ManagedTransaction
}

// recordDocument marks the document with the given digest as written and
// reports how many times it had been written before.
func (w provWriter) recordDocument(ctx context.Context, digest string, g provgraph.Graph) (seen int64, err error) {
	query := `
		MERGE (d:` + documentLabel + ` {digest: $digest})
		ON CREATE SET d._created_at = datetime(), d.namespace = $namespace, d.nodes = $nodes, d.edges = $edges, d.seen = 0
		ON MATCH SET d.seen = d.seen + 1, d._last_modified = datetime()
		RETURN d.seen AS seen
	`
	result, err := w.tx.Run(ctx, query, map[string]any{
		"digest":    digest,
		"namespace": g.Namespace.IRI,
		"nodes":     len(g.Nodes),
		"edges":     len(g.Edges),
	})
	if err != nil {
		return 0, fmt.Errorf("run cypher: %w", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return 0, fmt.Errorf("query single result: %w", err)
	}
	return getRecordProperty[int64](record, "seen")
}

func (w provWriter) mergeNode(ctx context.Context, ns provgraph.Namespace, n provgraph.Node) error {
	props := map[string]any{
		"iri": ns.IRI + n.ID.Local,
	}
	if n.Label != "" {
		props["label"] = n.Label
	}
	if !n.StartedAt.IsZero() {
		props["startedAt"] = n.StartedAt.UTC()
	}
	if !n.EndedAt.IsZero() {
		props["endedAt"] = n.EndedAt.UTC()
	}

	query := `
		MERGE (n:` + n.Kind.String() + ` {qname: $qname})
		ON CREATE SET n._created_at = datetime()
		SET n += $props, n._last_modified = datetime()
		RETURN count(n) AS nodes
	`
	result, err := w.tx.Run(ctx, query, map[string]any{
		"qname": n.ID.String(),
		"props": props,
	})
	if err != nil {
		return fmt.Errorf("run cypher: %w", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return fmt.Errorf("query single result: %w", err)
	}

	nodes, err := getRecordProperty[int64](record, "nodes")
	if err != nil {
		return fmt.Errorf("get nodes: %w", err)
	}
	// The node key constraint makes a qualified name identify exactly one node.
	if nodes != 1 {
		panicWithCorruptedGraph(ctx, fmt.Sprintf("merge-node %v matched %v nodes instead of 1", n.ID, nodes))
	}
	return nil
}

// mergeEdge connects two nodes that were merged earlier in the same
// transaction.
func (w provWriter) mergeEdge(ctx context.Context, e provgraph.Edge, from, to provgraph.Node) error {
	rel, ok := relationshipTypes[e.Relation]
	if !ok {
		return fmt.Errorf("unknown relation %v", e.Relation)
	}

	query := `
		MATCH (s:` + from.Kind.String() + ` {qname: $from})
		MATCH (d:` + to.Kind.String() + ` {qname: $to})
		MERGE (s)-[e:` + rel + `]->(d)
		ON CREATE SET e._created_at = datetime()
		RETURN count(e) AS edges
	`
	result, err := w.tx.Run(ctx, query, map[string]any{
		"from": from.ID.String(),
		"to":   to.ID.String(),
	})
	if err != nil {
		return fmt.Errorf("run cypher: %w", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return fmt.Errorf("query single result: %w", err)
	}

	edges, err := getRecordProperty[int64](record, "edges")
	if err != nil {
		return fmt.Errorf("get edges: %w", err)
	}
	// Both endpoints were merged moments ago, so anything but a single edge
	// means they vanished or were duplicated underneath us.
	if edges != 1 {
		panicWithCorruptedGraph(ctx, fmt.Sprintf("merge-edge %v matched %v edges instead of 1", e, edges))
	}
	return nil
}
