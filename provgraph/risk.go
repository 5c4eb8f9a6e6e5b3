package provgraph

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-digitaltwin/riskprov/ledger"
	"github.com/go-digitaltwin/riskprov/stream"
)

// MissingSideLabel labels the single entity of a degraded risk graph.
const MissingSideLabel = "ERROR: missing trade or counterparty"

// DefaultCalculator is the local name of the agent credited with risk
// calculations.
const DefaultCalculator = "risk-calculator-1"

// RiskKey returns the ledger key of the risk record derived from a trade and a
// counterparty: both ids joined by '|'. A '|' or '%' inside an id is
// percent-encoded, so different pairs never share a key.
func RiskKey(tradeID, counterpartyID string) string {
	return keyEscaper.Replace(tradeID) + "|" + keyEscaper.Replace(counterpartyID)
}

var keyEscaper = strings.NewReplacer("%", "%25", "|", "%7C")

// A RiskCalculator derives risk records from correlations and describes each
// one with a provenance graph.
//
// The ledgers are shared with whoever records trade and counterparty updates;
// the calculator only reads their current versions and advances Risks.
type RiskCalculator struct {
	Namespace      Namespace
	Trades         *ledger.Ledger
	Counterparties *ledger.Ledger
	Risks          *ledger.Ledger
	// Calculator is the local name of the agent; DefaultCalculator if empty.
	Calculator string
}

// Build returns the provenance graph of the risk record derived from c.
//
// A correlation missing either side yields a degraded graph holding a single
// entity labelled MissingSideLabel, and no ledger is touched. Otherwise the
// risk ledger advances and the graph states that the new risk version was
// generated by a calculation, run by the calculator agent, that used (and
// derived the risk from) the current trade and counterparty versions.
//
// An error is only possible for entity ids that make two different nodes share
// a qualified name.
func (rc *RiskCalculator) Build(c stream.Correlation) (Graph, error) {
	var b Builder
	b.Namespace(rc.namespace())

	if !c.Complete() {
		local := compose("risk", orNone(c.TradeID()), orNone(c.CounterpartyID()))
		return b.declare(Entity, local, MissingSideLabel).Degrade().Build()
	}

	t, cp := c.TradeID(), c.CounterpartyID()
	v := rc.Risks.Advance(RiskKey(t, cp))
	tv, _ := rc.Trades.Current(t)
	cv, _ := rc.Counterparties.Current(cp)

	var (
		risk        = compose("risk", t, cp)
		riskVersion = versioned(risk, v.Number)
		calculation = versioned(compose("risk-calculation", t, cp), v.Number)
		tradeRef    = versioned(compose(entityStem(stream.Trade), t), tv.Number)
		cptyRef     = versioned(compose(entityStem(stream.Counterparty), cp), cv.Number)
		calculator  = LocalName(rc.calculator())
		observed    = c.ObservedAt.UTC()
	)

	b.Hint(7, 11)
	b.declare(Entity, risk, fmt.Sprintf("Risk for trade %s counterparty %s", t, cp)).
		declare(Entity, riskVersion, fmt.Sprintf("Risk for trade %s counterparty %s version %d", t, cp, v.Number)).
		declare(Entity, tradeRef, fmt.Sprintf("Trade %s version %d", t, tv.Number)).
		declare(Entity, cptyRef, fmt.Sprintf("Counterparty %s version %d", cp, cv.Number)).
		declare(Agent, calculator, "Risk calculator").
		Add(Node{
			ID:        QualifiedName{Prefix: rc.namespace().Prefix, Local: calculation},
			Kind:      Activity,
			Label:     "Risk calculation at " + observed.Format("15:04:05"),
			StartedAt: observed,
			EndedAt:   observed,
		})

	b.link(WasGeneratedBy, riskVersion, calculation).
		link(WasAssociatedWith, calculation, calculator).
		link(WasStartedBy, calculation, calculator).
		link(WasEndedBy, calculation, calculator).
		link(WasDerivedFrom, riskVersion, tradeRef).
		link(WasDerivedFrom, riskVersion, cptyRef).
		link(Used, calculation, tradeRef).
		link(Used, calculation, cptyRef).
		link(SpecializationOf, riskVersion, risk)

	if v.HasPrevious {
		previous := versioned(risk, v.Previous)
		b.declare(Entity, previous, fmt.Sprintf("Risk for trade %s counterparty %s version %d", t, cp, v.Previous)).
			link(WasDerivedFrom, riskVersion, previous).
			link(SpecializationOf, previous, risk)
	}
	return b.Build()
}

// RiskVersion returns the qualified name of the given risk version.
func (rc *RiskCalculator) RiskVersion(tradeID, counterpartyID string, n uint64) QualifiedName {
	return QualifiedName{Prefix: rc.namespace().Prefix, Local: versioned(compose("risk", tradeID, counterpartyID), n)}
}

func (rc *RiskCalculator) namespace() Namespace {
	if rc.Namespace == (Namespace{}) {
		return DefaultNamespace
	}
	return rc.Namespace
}

func (rc *RiskCalculator) calculator() string {
	if rc.Calculator == "" {
		return DefaultCalculator
	}
	return rc.Calculator
}

// compose returns the escaped local name made of stem followed by ids, all
// separated by '-'. Each id is escaped with LocalName, and so is any '-' it
// holds, so names composed from different ids never coincide.
func compose(stem string, ids ...string) string {
	var b strings.Builder
	b.WriteString(stem)
	for _, id := range ids {
		b.WriteByte('-')
		b.WriteString(strings.ReplaceAll(LocalName(id), "-", "%2D"))
	}
	return b.String()
}

func versioned(local string, n uint64) string {
	return local + "-" + strconv.FormatUint(n, 10)
}

func orNone(id string) string {
	if id == "" {
		return "none"
	}
	return id
}
