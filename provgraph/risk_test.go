package provgraph

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/go-digitaltwin/riskprov/ledger"
	"github.com/go-digitaltwin/riskprov/stream"
)

func newCalculator() *RiskCalculator {
	return &RiskCalculator{
		Trades:         ledger.New(0),
		Counterparties: ledger.New(0),
		Risks:          ledger.New(0),
	}
}

func correlation(tradeID, cptyID string, tradeSec, cptySec int) stream.Correlation {
	epoch := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	c := stream.Correlation{Key: cptyID}
	if tradeID != "" {
		c.Trade = &stream.Event{Kind: stream.Trade, Key: cptyID, EntityID: tradeID, Timestamp: epoch.Add(time.Duration(tradeSec) * time.Second)}
		c.ObservedAt = c.Trade.Timestamp
	}
	if cptyID != "" {
		c.Counterparty = &stream.Event{Kind: stream.Counterparty, Key: cptyID, EntityID: cptyID, Timestamp: epoch.Add(time.Duration(cptySec) * time.Second)}
		if c.Counterparty.Timestamp.After(c.ObservedAt) {
			c.ObservedAt = c.Counterparty.Timestamp
		}
	}
	return c
}

// T1 at t=10 and C1 at t=12 correlate into the first version of risk T1|C1.
func TestRiskScenario(t *testing.T) {
	rc := newCalculator()
	g, err := rc.Build(correlation("T1", "C1", 10, 12))
	if err != nil {
		t.Fatal(err)
	}
	if g.Degraded || !g.Transportable() {
		t.Fatal("graph of a full correlation is degraded")
	}
	if v, _ := rc.Risks.Current(RiskKey("T1", "C1")); v.Number != 1 || v.HasPrevious {
		t.Errorf("risk version = %+v; want 0 -> 1", v)
	}
	if len(g.Nodes) < 3 || len(g.Edges) < 6 {
		t.Errorf("graph has %d nodes and %d edges; want at least 3 and 6:\n%s", len(g.Nodes), len(g.Edges), Format(g, "\t"))
	}

	q := DefaultNamespace.QName
	risk := rc.RiskVersion("T1", "C1", 1)
	calc := q("risk-calculation-T1-C1-1")
	agent := q(DefaultCalculator)
	for _, e := range []Edge{
		{WasGeneratedBy, risk, calc},
		{WasAssociatedWith, calc, agent},
		{WasStartedBy, calc, agent},
		{WasEndedBy, calc, agent},
		{WasDerivedFrom, risk, q("trade-T1-0")},
		{WasDerivedFrom, risk, q("cpty-C1-0")},
		{Used, calc, q("trade-T1-0")},
		{SpecializationOf, risk, q("risk-T1-C1")},
	} {
		if !hasEdge(g, e) {
			t.Errorf("graph lacks %v", e)
		}
	}

	act, ok := g.Node(calc)
	if !ok {
		t.Fatalf("graph lacks the calculation activity %v", calc)
	}
	wantAt := correlation("T1", "C1", 10, 12).ObservedAt
	if !act.StartedAt.Equal(wantAt) || !act.EndedAt.Equal(wantAt) {
		t.Errorf("calculation ran [%v, %v]; want both at %v", act.StartedAt, act.EndedAt, wantAt)
	}
}

// The trade and counterparty a risk derives from are the versions current in
// their ledgers when the risk is built.
func TestRiskDerivationLinkage(t *testing.T) {
	rc := newCalculator()
	for i := 0; i < 3; i++ {
		rc.Trades.Advance("T1")
	}
	rc.Counterparties.Advance("C1")

	g, err := rc.Build(correlation("T1", "C1", 0, 0))
	if err != nil {
		t.Fatal(err)
	}
	var got []QualifiedName
	for _, e := range g.EdgesOf(rc.RiskVersion("T1", "C1", 1), WasDerivedFrom) {
		got = append(got, e.To)
	}
	want := []QualifiedName{DefaultNamespace.QName("cpty-C1-1"), DefaultNamespace.QName("trade-T1-3")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("derivations mismatch (-want +got):\n%s", diff)
	}
}

func TestRiskPreviousVersion(t *testing.T) {
	rc := newCalculator()
	if _, err := rc.Build(correlation("T1", "C1", 0, 0)); err != nil {
		t.Fatal(err)
	}
	g, err := rc.Build(correlation("T1", "C1", 5, 5))
	if err != nil {
		t.Fatal(err)
	}
	second, first := rc.RiskVersion("T1", "C1", 2), rc.RiskVersion("T1", "C1", 1)
	if !hasEdge(g, Edge{WasDerivedFrom, second, first}) {
		t.Errorf("second risk version does not derive from the first:\n%s", Format(g, "\t"))
	}
	if _, ok := g.Node(rc.RiskVersion("T1", "C1", 0)); ok {
		t.Error("graph refers to the seed version, which never existed")
	}
}

func TestRiskDegraded(t *testing.T) {
	for name, c := range map[string]stream.Correlation{
		"MissingCounterparty": correlation("T1", "", 0, 0),
		"MissingTrade":        correlation("", "C1", 0, 0),
	} {
		t.Run(name, func(t *testing.T) {
			rc := newCalculator()
			g, err := rc.Build(c)
			if err != nil {
				t.Fatal(err)
			}
			if !g.Degraded || g.Transportable() {
				t.Error("graph of a partial correlation is transportable")
			}
			if len(g.Nodes) != 1 || g.Nodes[0].Kind != Entity || g.Nodes[0].Label != MissingSideLabel {
				t.Errorf("degraded graph = %+v; want a single entity labelled %q", g.Nodes, MissingSideLabel)
			}
			if len(g.Edges) != 0 {
				t.Errorf("degraded graph has %d edges; want none", len(g.Edges))
			}
			if _, ok := rc.Risks.Current(RiskKey(c.TradeID(), c.CounterpartyID())); ok {
				t.Error("a partial correlation advanced the risk ledger")
			}
		})
	}
}

// Every concurrent build of the same pair gets its own risk version.
func TestRiskConcurrentBuilds(t *testing.T) {
	const builds = 32
	rc := newCalculator()
	seen := make(map[QualifiedName]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < builds; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := rc.Build(correlation("T1", "C1", 0, 0))
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, n := range g.Nodes {
				if n.Kind == Activity {
					seen[n.ID] = true
				}
			}
		}()
	}
	wg.Wait()
	if len(seen) != builds {
		t.Errorf("%d builds produced %d distinct calculations; want %d", builds, len(seen), builds)
	}
}

func TestRiskCustomNames(t *testing.T) {
	rc := newCalculator()
	rc.Namespace = Namespace{Prefix: "ex", IRI: "http://example.com/"}
	rc.Calculator = "engine-7"
	g, err := rc.Build(correlation("T|1", "C1", 0, 0))
	if err != nil {
		t.Fatal(err)
	}
	if g.Namespace != rc.Namespace {
		t.Errorf("Namespace = %v; want %v", g.Namespace, rc.Namespace)
	}
	if _, ok := g.Node(QualifiedName{Prefix: "ex", Local: "engine-7"}); !ok {
		t.Error("graph lacks the configured calculator agent")
	}
	if _, ok := g.Node(QualifiedName{Prefix: "ex", Local: "risk-T%7C1-C1-1"}); !ok {
		t.Errorf("graph lacks the escaped risk version:\n%s", Format(g, "\t"))
	}
	if _, err := Encode(g); err != nil {
		t.Errorf("Encode() = %v", err)
	}
}

func hasEdge(g Graph, want Edge) bool {
	for _, e := range g.Edges {
		if e == want {
			return true
		}
	}
	return false
}

// Ids holding the separator never make two records share a name or a key.
func TestRiskNamesAreDistinct(t *testing.T) {
	rc := newCalculator()
	plain, err := rc.Build(correlation("x", "y", 0, 0))
	if err != nil {
		t.Fatal(err)
	}
	dashed, err := rc.Build(correlation("x", "y-1", 0, 0))
	if err != nil {
		t.Fatal(err)
	}

	names := make(map[QualifiedName]NodeKind)
	for _, n := range plain.Nodes {
		names[n.ID] = n.Kind
	}
	for _, n := range dashed.Nodes {
		// Both risks refer to the same trade and calculator.
		if n.Kind == Agent || strings.HasPrefix(n.ID.Local, "trade-") {
			continue
		}
		if _, ok := names[n.ID]; ok {
			t.Errorf("risk x|y and risk x|y-1 both name a node %v", n.ID)
		}
	}
	if want := (QualifiedName{Prefix: "swl", Local: "risk-x-y%2D1"}); !hasNode(dashed, want) {
		t.Errorf("graph lacks %v:\n%s", want, Format(dashed, "\t"))
	}

	if RiskKey("a|b", "c") == RiskKey("a", "b|c") {
		t.Errorf("RiskKey() maps two pairs to %q", RiskKey("a", "b|c"))
	}
	if got := RiskKey("T1", "C1"); got != "T1|C1" {
		t.Errorf("RiskKey(T1, C1) = %q; want T1|C1", got)
	}
}

func hasNode(g Graph, id QualifiedName) bool {
	_, ok := g.Node(id)
	return ok
}
