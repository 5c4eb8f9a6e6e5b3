// Package provgraph models provenance graphs: typed nodes (entities, activities
// and agents) connected by typed, directed relations, as used to record how a
// risk record came to exist.
//
// Graphs are built with a Builder, which guarantees they are self-contained:
// every edge connects two nodes declared in the same graph, and the endpoint
// kinds agree with the relation. Encode renders a graph as a Turtle document
// and Decode parses it back.
package provgraph

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// A Namespace binds a short prefix to an IRI. All qualified names of a graph
// share a single namespace.
type Namespace struct {
	Prefix string
	IRI    string
}

// DefaultNamespace is the namespace used unless configured otherwise.
var DefaultNamespace = Namespace{Prefix: "swl", IRI: "http://semanticweblondon.com/"}

// ErrInvalidNamespace is returned for a namespace that cannot be written to a
// document.
var ErrInvalidNamespace = errors.New("invalid namespace")

// Validate reports whether ns can name the nodes of an encoded graph. The
// prefix must be an ASCII letter followed by letters, digits, '_' or '-', and
// must not be one of the vocabulary prefixes prov, rdfs and xsd. The IRI must
// be set and differ from the vocabularies' IRIs.
func (ns Namespace) Validate() error {
	switch ns.Prefix {
	case "":
		return fmt.Errorf("%w: empty prefix", ErrInvalidNamespace)
	case "prov", "rdfs", "xsd":
		return fmt.Errorf("%w: prefix %q is reserved", ErrInvalidNamespace, ns.Prefix)
	}
	for i := 0; i < len(ns.Prefix); i++ {
		c := ns.Prefix[i]
		letter := 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z'
		if i == 0 && !letter || !isAlnum(c) && c != '_' && c != '-' {
			return fmt.Errorf("%w: prefix %q is not a Turtle prefix name", ErrInvalidNamespace, ns.Prefix)
		}
	}
	switch ns.IRI {
	case "":
		return fmt.Errorf("%w: empty IRI", ErrInvalidNamespace)
	case provIRI, rdfsIRI, xsdIRI, rdfIRI:
		return fmt.Errorf("%w: IRI %q is a vocabulary", ErrInvalidNamespace, ns.IRI)
	}
	return nil
}

// QName returns the qualified name of the given local name within ns. The local
// name is escaped with LocalName.
func (ns Namespace) QName(local string) QualifiedName {
	return QualifiedName{Prefix: ns.Prefix, Local: LocalName(local)}
}

// A QualifiedName identifies a node: a namespace prefix and a local name.
type QualifiedName struct {
	Prefix string
	Local  string
}

func (q QualifiedName) String() string {
	return q.Prefix + ":" + q.Local
}

// Compare orders qualified names lexicographically, prefix first.
func (q QualifiedName) Compare(o QualifiedName) int {
	if c := strings.Compare(q.Prefix, o.Prefix); c != 0 {
		return c
	}
	return strings.Compare(q.Local, o.Local)
}

// NodeKind is the provenance type of a node.
type NodeKind int

const (
	Entity NodeKind = iota + 1
	Activity
	Agent
)

func (k NodeKind) String() string {
	switch k {
	case Entity:
		return "Entity"
	case Activity:
		return "Activity"
	case Agent:
		return "Agent"
	default:
		return fmt.Sprintf("NodeKind(%d)", int(k))
	}
}

// A Node is a vertex of a provenance graph.
type Node struct {
	ID    QualifiedName
	Kind  NodeKind
	Label string
	// StartedAt and EndedAt bound an Activity; they are zero for other kinds.
	StartedAt time.Time
	EndedAt   time.Time
}

// Relation is the type of a directed edge.
type Relation int

const (
	WasGeneratedBy    Relation = iota + 1 // Entity -> Activity
	WasDerivedFrom                        // Entity -> Entity
	WasAssociatedWith                     // Activity -> Agent
	WasStartedBy                          // Activity -> Agent
	WasEndedBy                            // Activity -> Agent
	SpecializationOf                      // Entity -> Entity
	Used                                  // Activity -> Entity
)

// relations lists every Relation in the order Encode writes them.
var relations = []Relation{
	WasGeneratedBy,
	WasDerivedFrom,
	SpecializationOf,
	Used,
	WasAssociatedWith,
	WasStartedBy,
	WasEndedBy,
}

func (r Relation) String() string {
	switch r {
	case WasGeneratedBy:
		return "wasGeneratedBy"
	case WasDerivedFrom:
		return "wasDerivedFrom"
	case WasAssociatedWith:
		return "wasAssociatedWith"
	case WasStartedBy:
		return "wasStartedBy"
	case WasEndedBy:
		return "wasEndedBy"
	case SpecializationOf:
		return "specializationOf"
	case Used:
		return "used"
	default:
		return fmt.Sprintf("Relation(%d)", int(r))
	}
}

// Endpoints returns the node kinds a relation connects.
func (r Relation) Endpoints() (from, to NodeKind) {
	switch r {
	case WasGeneratedBy:
		return Entity, Activity
	case WasDerivedFrom, SpecializationOf:
		return Entity, Entity
	case WasAssociatedWith, WasStartedBy, WasEndedBy:
		return Activity, Agent
	case Used:
		return Activity, Entity
	default:
		return 0, 0
	}
}

// An Edge is a typed, directed relation between two nodes of the same graph.
type Edge struct {
	Relation Relation
	From     QualifiedName
	To       QualifiedName
}

func (e Edge) String() string {
	return fmt.Sprintf("%v(%v, %v)", e.Relation, e.From, e.To)
}

// Compare orders edges by source, then relation, then target.
func (e Edge) Compare(o Edge) int {
	if c := e.From.Compare(o.From); c != 0 {
		return c
	}
	if c := int(e.Relation) - int(o.Relation); c != 0 {
		return c
	}
	return e.To.Compare(o.To)
}

// A Graph is an immutable provenance graph. Nodes are sorted by ID and edges by
// (From, Relation, To); do not modify them.
type Graph struct {
	Namespace Namespace
	Nodes     []Node
	Edges     []Edge
	// Degraded marks a graph built from incomplete input. Such a graph carries
	// an explanatory label on its primary entity and must not be transported.
	Degraded bool
}

// Transportable reports whether the graph may be handed to a sink.
func (g Graph) Transportable() bool {
	return !g.Degraded
}

// Node looks up a node by its qualified name.
func (g Graph) Node(id QualifiedName) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// EdgesOf returns the edges of the given relation leaving the given node.
func (g Graph) EdgesOf(from QualifiedName, r Relation) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.From == from && e.Relation == r {
			out = append(out, e)
		}
	}
	return out
}

// VisitEdges calls fn for every edge with its resolved endpoints, in order,
// until fn returns false.
func (g Graph) VisitEdges(fn func(e Edge, from, to Node) bool) {
	index := make(map[QualifiedName]Node, len(g.Nodes))
	for _, n := range g.Nodes {
		index[n.ID] = n
	}
	for _, e := range g.Edges {
		if !fn(e, index[e.From], index[e.To]) {
			return
		}
	}
}

// Format returns a human-readable representation of the graph. The indent
// string is prepended to each line.
func Format(g Graph, indent string) string {
	var b strings.Builder
	if g.Degraded {
		fmt.Fprintf(&b, "%sdegraded graph\n", indent)
	}
	for _, n := range g.Nodes {
		fmt.Fprintf(&b, "%s%v %v %q\n", indent, n.Kind, n.ID, n.Label)
	}
	g.VisitEdges(func(e Edge, _, _ Node) bool {
		fmt.Fprintf(&b, "%s  %v -%v-> %v\n", indent, e.From, e.Relation, e.To)
		return true
	})
	return b.String()
}
