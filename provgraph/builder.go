package provgraph

import (
	"errors"
	"fmt"
	"slices"
	"time"
	"unicode/utf8"
	"unsafe"
)

// Errors reported by Builder.Build.
var (
	ErrUndeclaredNode = errors.New("edge endpoint is not a declared node")
	ErrKindMismatch   = errors.New("edge endpoint has the wrong kind")
	ErrKindConflict   = errors.New("node declared with conflicting kinds")
	ErrForeignName    = errors.New("qualified name outside the graph namespace")
	ErrEmptyName      = errors.New("empty local name")
	ErrInvalidName    = errors.New("local name is not escaped")
	ErrInvalidLabel   = errors.New("label is not valid UTF-8")
)

// A Builder is used to safely and elegantly build a Graph using fluent calls.
//
// Node declarations accept plain local names, which the Builder escapes and
// qualifies with its namespace (DefaultNamespace unless set). Declaring the same
// node twice merges the declarations; a later non-empty label or interval wins.
//
// The zero value is ready to use. Do not copy a non-zero Builder.
type Builder struct {
	ns       Namespace
	nsSet    bool
	nodes    map[QualifiedName]Node
	edges    map[Edge]struct{}
	degraded bool
	err      error
	// address of receiver - to detect copies by value.
	// see copyCheck below for details.
	addr *Builder
}

// Namespace sets the namespace of the graph. It should be called before any
// node is declared.
func (b *Builder) Namespace(ns Namespace) *Builder {
	b.copyCheck()
	b.ns = ns
	b.nsSet = true
	return b
}

// QName qualifies a local name with b's namespace.
func (b *Builder) QName(local string) QualifiedName {
	return b.namespace().QName(local)
}

// Entity declares an entity node.
func (b *Builder) Entity(local, label string) *Builder {
	return b.Add(Node{ID: b.QName(local), Kind: Entity, Label: label})
}

// Activity declares an activity node that started and ended at the given
// instants.
func (b *Builder) Activity(local, label string, start, end time.Time) *Builder {
	return b.Add(Node{ID: b.QName(local), Kind: Activity, Label: label, StartedAt: start, EndedAt: end})
}

// Agent declares an agent node.
func (b *Builder) Agent(local, label string) *Builder {
	return b.Add(Node{ID: b.QName(local), Kind: Agent, Label: label})
}

// declare declares a node by an already escaped local name.
func (b *Builder) declare(kind NodeKind, local, label string) *Builder {
	return b.Add(Node{ID: QualifiedName{Prefix: b.namespace().Prefix, Local: local}, Kind: kind, Label: label})
}

// link connects two nodes given by already escaped local names.
func (b *Builder) link(r Relation, from, to string) *Builder {
	ns := b.namespace()
	return b.Connect(r, QualifiedName{Prefix: ns.Prefix, Local: from}, QualifiedName{Prefix: ns.Prefix, Local: to})
}

// Relate connects two nodes, given by their local names, with a directed edge.
// The nodes may be declared before or after the edge.
func (b *Builder) Relate(r Relation, from, to string) *Builder {
	return b.Connect(r, b.QName(from), b.QName(to))
}

// Add declares a node by its qualified name as is. Its local name must already
// be escaped, as by LocalName; Build rejects it otherwise.
func (b *Builder) Add(n Node) *Builder {
	b.copyCheck()
	if b.nodes == nil {
		b.nodes = make(map[QualifiedName]Node)
	}
	prev, ok := b.nodes[n.ID]
	if !ok {
		b.nodes[n.ID] = n
		return b
	}
	if prev.Kind != n.Kind {
		b.fail(fmt.Errorf("%w: %v is both %v and %v", ErrKindConflict, n.ID, prev.Kind, n.Kind))
		return b
	}
	if n.Label != "" {
		prev.Label = n.Label
	}
	if !n.StartedAt.IsZero() {
		prev.StartedAt = n.StartedAt
	}
	if !n.EndedAt.IsZero() {
		prev.EndedAt = n.EndedAt
	}
	b.nodes[n.ID] = prev
	return b
}

// Connect adds a directed edge between two qualified names. Duplicate edges are
// collapsed.
func (b *Builder) Connect(r Relation, from, to QualifiedName) *Builder {
	b.copyCheck()
	if b.edges == nil {
		b.edges = make(map[Edge]struct{})
	}
	b.edges[Edge{Relation: r, From: from, To: to}] = struct{}{}
	return b
}

// Degrade marks the graph as built from incomplete input.
func (b *Builder) Degrade() *Builder {
	b.copyCheck()
	b.degraded = true
	return b
}

// Hint grows b's internal maps, if necessary, to guarantee space for n more
// nodes and e more edges. If either n or e is negative, Hint panics.
func (b *Builder) Hint(n, e int) *Builder {
	b.copyCheck()
	if n < 0 {
		panic("provgraph.Builder.Hint: negative node count")
	}
	if e < 0 {
		panic("provgraph.Builder.Hint: negative edge count")
	}
	if b.nodes == nil {
		b.nodes = make(map[QualifiedName]Node, n)
	}
	if b.edges == nil {
		b.edges = make(map[Edge]struct{}, e)
	}
	return b
}

// Reset resets the Builder to be empty.
func (b *Builder) Reset() {
	*b = Builder{}
}

// Build validates the accumulated declarations and returns the graph. Nodes
// and edges are sorted, so equal declarations always produce equal graphs
// regardless of the order they were made in. The Builder can keep being used
// after Build.
//
// A graph that builds can always be encoded, unless it is degraded, and
// decodes back to an equal graph.
func (b *Builder) Build() (Graph, error) {
	if b.err != nil {
		return Graph{}, b.err
	}
	ns := b.namespace()
	if err := ns.Validate(); err != nil {
		return Graph{}, err
	}
	g := Graph{Namespace: ns, Degraded: b.degraded}

	if len(b.nodes) != 0 {
		g.Nodes = make([]Node, 0, len(b.nodes))
		for _, n := range b.nodes {
			if n.ID.Local == "" {
				return Graph{}, fmt.Errorf("%w: %v node %q", ErrEmptyName, n.Kind, n.Label)
			}
			if n.ID.Prefix != ns.Prefix {
				return Graph{}, fmt.Errorf("%w: %v (graph namespace is %q)", ErrForeignName, n.ID, ns.Prefix)
			}
			if escapeLocal(n.ID.Local, true) != n.ID.Local {
				return Graph{}, fmt.Errorf("%w: %q", ErrInvalidName, n.ID.Local)
			}
			if !utf8.ValidString(n.Label) {
				return Graph{}, fmt.Errorf("%w: %v label %q", ErrInvalidLabel, n.ID, n.Label)
			}
			g.Nodes = append(g.Nodes, n)
		}
		slices.SortFunc(g.Nodes, func(a, b Node) int { return a.ID.Compare(b.ID) })
	}

	if len(b.edges) != 0 {
		g.Edges = make([]Edge, 0, len(b.edges))
		for e := range b.edges {
			if err := b.checkEdge(e); err != nil {
				return Graph{}, err
			}
			g.Edges = append(g.Edges, e)
		}
		slices.SortFunc(g.Edges, Edge.Compare)
	}
	return g, nil
}

// MustBuild is like Build but panics if the graph is invalid. It is meant for
// code paths that always declare well-formed graphs.
func (b *Builder) MustBuild() Graph {
	g, err := b.Build()
	if err != nil {
		panic(fmt.Sprintf("provgraph: invalid graph: %v", err))
	}
	return g
}

func (b *Builder) checkEdge(e Edge) error {
	wantFrom, wantTo := e.Relation.Endpoints()
	if wantFrom == 0 {
		return fmt.Errorf("unknown relation in %v", e)
	}
	from, ok := b.nodes[e.From]
	if !ok {
		return fmt.Errorf("%w: %v in %v", ErrUndeclaredNode, e.From, e)
	}
	to, ok := b.nodes[e.To]
	if !ok {
		return fmt.Errorf("%w: %v in %v", ErrUndeclaredNode, e.To, e)
	}
	if from.Kind != wantFrom || to.Kind != wantTo {
		return fmt.Errorf("%w: %v connects %v to %v, got %v to %v", ErrKindMismatch, e.Relation, wantFrom, wantTo, from.Kind, to.Kind)
	}
	return nil
}

func (b *Builder) namespace() Namespace {
	if b.nsSet {
		return b.ns
	}
	return DefaultNamespace
}

// fail records the first declaration error; Build reports it.
func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// noescape hides a pointer from escape analysis.
// It is the identity function, but escape analysis does not think the
// output depends on the input.
// This was copied from the runtime; see issues 23382 and 7921 (github.com/golang/go).
//
//go:nosplit
//go:nocheckptr
func noescape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0) //nolint:govet,staticcheck,gosec // copied from the standard library
}

func (b *Builder) copyCheck() {
	if b.addr == nil {
		// This hack works around a failing of Go's escape analysis
		// that was causing b to escape and be heap-allocated.
		// See issue 23382 (github.com/golang/go).
		b.addr = (*Builder)(noescape(unsafe.Pointer(b)))
	} else if b.addr != b {
		panic("provgraph: illegal use of non-zero Builder copied by value")
	}
}
