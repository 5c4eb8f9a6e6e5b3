package provgraph

import (
	"fmt"

	"github.com/go-digitaltwin/riskprov/ledger"
	"github.com/go-digitaltwin/riskprov/stream"
)

// An EntityRecorder describes how a trade or counterparty event turned into a
// new version of its entity.
type EntityRecorder struct {
	Namespace Namespace
}

// Processor returns the local name and label of the agent that processes
// events of the given kind.
func Processor(k stream.Kind) (local, label string) {
	if k == stream.Trade {
		return "trade-event-processor", "Trade Event Processor"
	}
	return "cpty-event-processor", "Counterparty Event Processor"
}

// entityStem returns the stem of the local names of entities of the given
// kind, as used by the versions a risk graph refers to.
func entityStem(k stream.Kind) string {
	if k == stream.Trade {
		return "trade"
	}
	return "cpty"
}

// Build returns the provenance graph of version v of the entity that ev
// updated. The graph holds the entity, its new version (and the superseded one
// when v has a previous version), the update activity timed at the event, and
// the processor agent that ran it.
//
// The update was started and ended by the event's initiator, an agent named
// agent-<initiator>. Events without an initiator credit the processor.
func (r EntityRecorder) Build(ev stream.Event, v ledger.Version) (Graph, error) {
	var b Builder
	if r.Namespace != (Namespace{}) {
		b.Namespace(r.Namespace)
	}

	var (
		noun           = nounOf(ev.Kind)
		entity         = compose(entityStem(ev.Kind), ev.EntityID)
		version        = versioned(entity, v.Number)
		update         = versioned(compose(entityStem(ev.Kind)+"-update", ev.EntityID), v.Number)
		agent, agentAs = Processor(ev.Kind)
		initiator      = agent
		at             = ev.Timestamp.UTC()
	)
	if ev.Initiator != "" {
		initiator = compose("agent", ev.Initiator)
		b.declare(Agent, initiator, ev.Initiator)
	}

	b.declare(Entity, entity, fmt.Sprintf("%s %s", noun, ev.EntityID)).
		declare(Entity, version, fmt.Sprintf("%s %s version %d", noun, ev.EntityID, v.Number)).
		Add(Node{
			ID:        QualifiedName{Prefix: b.namespace().Prefix, Local: update},
			Kind:      Activity,
			Label:     fmt.Sprintf("%s update on %s", noun, at.Format("2006-01-02T15:04:05Z07:00")),
			StartedAt: at,
			EndedAt:   at,
		}).
		Agent(agent, agentAs).
		link(SpecializationOf, version, entity).
		link(WasGeneratedBy, version, update).
		link(WasAssociatedWith, update, agent).
		link(WasStartedBy, update, initiator).
		link(WasEndedBy, update, initiator)

	if v.HasPrevious {
		previous := versioned(entity, v.Previous)
		b.declare(Entity, previous, fmt.Sprintf("%s %s version %d", noun, ev.EntityID, v.Previous)).
			link(SpecializationOf, previous, entity).
			link(WasDerivedFrom, version, previous)
	}
	return b.Build()
}

func nounOf(k stream.Kind) string {
	if k == stream.Trade {
		return "Trade"
	}
	return "Counterparty"
}
