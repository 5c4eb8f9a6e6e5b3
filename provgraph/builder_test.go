package provgraph

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// based on stdlib strings/builder_test.go
func TestBuilderCopyPanic(t *testing.T) {
	tests := []struct {
		name      string
		fn        func()
		wantPanic bool
	}{
		{
			name:      "Build",
			wantPanic: false,
			fn: func() {
				var a Builder
				a.Entity("x", "")
				b := a
				_, _ = b.Build() // appease vet
			},
		},
		{
			name:      "Reset",
			wantPanic: false,
			fn: func() {
				var a Builder
				a.Entity("x", "")
				b := a
				b.Reset()
				b.Entity("y", "")
			},
		},
		{
			name:      "Entity",
			wantPanic: true,
			fn: func() {
				var a Builder
				a.Entity("x", "")
				b := a
				b.Entity("y", "")
			},
		},
		{
			name:      "Relate",
			wantPanic: true,
			fn: func() {
				var a Builder
				a.Entity("x", "")
				b := a
				b.Relate(WasDerivedFrom, "x", "y")
			},
		},
		{
			name:      "Hint",
			wantPanic: true,
			fn: func() {
				var a Builder
				a.Hint(1, 1)
				b := a
				b.Hint(2, 2)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			didPanic := make(chan bool)
			go func() {
				defer func() { didPanic <- recover() != nil }()
				tt.fn()
			}()
			if got := <-didPanic; got != tt.wantPanic {
				t.Errorf("panic = %v; want %v", got, tt.wantPanic)
			}
		})
	}
}

func TestBuilderValidation(t *testing.T) {
	at := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		build   func(b *Builder) *Builder
		wantErr error
	}{
		{
			name: "Valid",
			build: func(b *Builder) *Builder {
				return b.Entity("e", "").Activity("a", "", at, at).Agent("g", "").
					Relate(WasGeneratedBy, "e", "a").
					Relate(WasAssociatedWith, "a", "g")
			},
		},
		{
			name: "EdgeBeforeNodes",
			build: func(b *Builder) *Builder {
				return b.Relate(Used, "a", "e").Activity("a", "", at, at).Entity("e", "")
			},
		},
		{
			name: "DanglingTarget",
			build: func(b *Builder) *Builder {
				return b.Entity("e", "").Relate(WasDerivedFrom, "e", "missing")
			},
			wantErr: ErrUndeclaredNode,
		},
		{
			name: "DanglingSource",
			build: func(b *Builder) *Builder {
				return b.Agent("g", "").Relate(WasStartedBy, "missing", "g")
			},
			wantErr: ErrUndeclaredNode,
		},
		{
			name: "WrongTargetKind",
			build: func(b *Builder) *Builder {
				return b.Entity("e", "").Entity("f", "").Relate(WasGeneratedBy, "e", "f")
			},
			wantErr: ErrKindMismatch,
		},
		{
			name: "WrongSourceKind",
			build: func(b *Builder) *Builder {
				return b.Agent("g", "").Entity("e", "").Relate(Used, "g", "e")
			},
			wantErr: ErrKindMismatch,
		},
		{
			name: "ConflictingKinds",
			build: func(b *Builder) *Builder {
				return b.Entity("x", "").Agent("x", "")
			},
			wantErr: ErrKindConflict,
		},
		{
			name: "ForeignPrefix",
			build: func(b *Builder) *Builder {
				return b.Add(Node{ID: QualifiedName{Prefix: "other", Local: "x"}, Kind: Entity})
			},
			wantErr: ErrForeignName,
		},
		{
			name: "EmptyLocalName",
			build: func(b *Builder) *Builder {
				return b.Entity("", "nameless")
			},
			wantErr: ErrEmptyName,
		},
		{
			name: "UnescapedLocalName",
			build: func(b *Builder) *Builder {
				return b.Add(Node{ID: QualifiedName{Prefix: "swl", Local: "trade 1"}, Kind: Entity})
			},
			wantErr: ErrInvalidName,
		},
		{
			name: "LeadingDash",
			build: func(b *Builder) *Builder {
				return b.Add(Node{ID: QualifiedName{Prefix: "swl", Local: "-x"}, Kind: Entity})
			},
			wantErr: ErrInvalidName,
		},
		{
			name: "EscapedLocalName",
			build: func(b *Builder) *Builder {
				return b.Add(Node{ID: QualifiedName{Prefix: "swl", Local: "trade%201"}, Kind: Entity})
			},
		},
		{
			name: "InvalidUTF8Label",
			build: func(b *Builder) *Builder {
				return b.Entity("e", "bad \xff label")
			},
			wantErr: ErrInvalidLabel,
		},
		{
			name: "ReservedPrefix",
			build: func(b *Builder) *Builder {
				return b.Namespace(Namespace{Prefix: "prov", IRI: "http://example.com/"}).Entity("e", "")
			},
			wantErr: ErrInvalidNamespace,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b Builder
			_, err := tt.build(&b).Build()
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Build() = %v; want no error", err)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Build() = %v; want %v", err, tt.wantErr)
			}
		})
	}
}

// Declaration order must not leak into the built graph.
func TestBuilderDeterministic(t *testing.T) {
	var a, b Builder
	a.Entity("e1", "one").Entity("e2", "two").
		Relate(WasDerivedFrom, "e2", "e1").
		Relate(SpecializationOf, "e2", "e1")
	b.Relate(SpecializationOf, "e2", "e1").
		Entity("e2", "two").
		Relate(WasDerivedFrom, "e2", "e1").
		Relate(WasDerivedFrom, "e2", "e1"). // duplicate
		Entity("e1", "one")

	ga, err := a.Build()
	if err != nil {
		t.Fatal(err)
	}
	gb, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(ga, gb); diff != "" {
		t.Errorf("graphs differ (-a +b):\n%s", diff)
	}
	if n := len(gb.Edges); n != 2 {
		t.Errorf("got %d edges; want duplicates collapsed into 2", n)
	}
}

func TestBuilderMergesDeclarations(t *testing.T) {
	at := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	var b Builder
	b.Activity("a", "", at, time.Time{}).Activity("a", "labelled", time.Time{}, at.Add(time.Second))
	g := b.MustBuild()

	want := []Node{{
		ID:        DefaultNamespace.QName("a"),
		Kind:      Activity,
		Label:     "labelled",
		StartedAt: at,
		EndedAt:   at.Add(time.Second),
	}}
	if diff := cmp.Diff(want, g.Nodes); diff != "" {
		t.Errorf("nodes mismatch (-want +got):\n%s", diff)
	}
}

func TestBuilderReusable(t *testing.T) {
	var b Builder
	b.Entity("e1", "")
	first := b.MustBuild()
	b.Entity("e2", "")
	second := b.MustBuild()
	if len(first.Nodes) != 1 || len(second.Nodes) != 2 {
		t.Errorf("Build() after more declarations: got %d then %d nodes; want 1 then 2", len(first.Nodes), len(second.Nodes))
	}
}

func TestMustBuildPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustBuild() of an invalid graph did not panic")
		}
	}()
	var b Builder
	b.Relate(Used, "a", "e").MustBuild()
}

func TestBuilderNamespace(t *testing.T) {
	ns := Namespace{Prefix: "ex", IRI: "http://example.com/"}
	var b Builder
	g := b.Namespace(ns).Entity("e", "").MustBuild()
	if g.Namespace != ns {
		t.Errorf("Namespace = %v; want %v", g.Namespace, ns)
	}
	if want := (QualifiedName{Prefix: "ex", Local: "e"}); g.Nodes[0].ID != want {
		t.Errorf("node id = %v; want %v", g.Nodes[0].ID, want)
	}
}

func TestNamespaceValidate(t *testing.T) {
	tests := []struct {
		ns    Namespace
		valid bool
	}{
		{DefaultNamespace, true},
		{Namespace{Prefix: "risk-ns_2", IRI: "urn:risk:"}, true},
		{Namespace{Prefix: "", IRI: "http://example.com/"}, false},
		{Namespace{Prefix: "ex", IRI: ""}, false},
		{Namespace{Prefix: "prov", IRI: "http://example.com/"}, false},
		{Namespace{Prefix: "rdfs", IRI: "http://example.com/"}, false},
		{Namespace{Prefix: "xsd", IRI: "http://example.com/"}, false},
		{Namespace{Prefix: "2ex", IRI: "http://example.com/"}, false},
		{Namespace{Prefix: "e x", IRI: "http://example.com/"}, false},
		{Namespace{Prefix: "ex:", IRI: "http://example.com/"}, false},
		{Namespace{Prefix: "ex", IRI: provIRI}, false},
	}
	for _, tt := range tests {
		err := tt.ns.Validate()
		if tt.valid && err != nil {
			t.Errorf("%+v.Validate() = %v; want nil", tt.ns, err)
		}
		if !tt.valid && !errors.Is(err, ErrInvalidNamespace) {
			t.Errorf("%+v.Validate() = %v; want %v", tt.ns, err, ErrInvalidNamespace)
		}
	}
}

// Whatever a Builder accepts survives a round trip through Turtle.
func TestBuiltGraphsRoundTrip(t *testing.T) {
	var b Builder
	g := b.Add(Node{ID: QualifiedName{Prefix: "swl", Local: "trade%201"}, Kind: Entity, Label: "tab\tquote\" é"}).
		Entity("trade 2", "").
		Relate(WasDerivedFrom, "trade 2", "trade 1").
		MustBuild()

	doc, err := Encode(g)
	if err != nil {
		t.Fatalf("Encode() = %v", err)
	}
	back, err := Decode(doc)
	if err != nil {
		t.Fatalf("Decode() = %v\n%s", err, doc)
	}
	if !Equal(g, back) {
		t.Errorf("Decode(Encode(g)) != g:\n%s\n%s", Format(g, "\t"), Format(back, "\t"))
	}
}
