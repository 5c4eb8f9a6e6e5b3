// Package stream defines the events flowing into the risk correlator and the
// correlations it produces.
//
// Two logical channels feed the correlator: trade lifecycle events and
// counterparty lifecycle events. Both carry opaque payloads; the correlator only
// cares about which side an event belongs to, its join key, the identity of the
// entity it mutates, and when it happened.
package stream

import (
	"fmt"
	"time"
)

// Kind tells apart the two sides of the join.
type Kind int

const (
	Trade Kind = iota + 1
	Counterparty
)

func (k Kind) String() string {
	switch k {
	case Trade:
		return "trade"
	case Counterparty:
		return "counterparty"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Opposite returns the other side of the join.
func (k Kind) Opposite() Kind {
	if k == Trade {
		return Counterparty
	}
	return Trade
}

// Event is a single observation from one of the input channels. Events are
// immutable once observed.
type Event struct {
	Kind Kind
	// Key is the join key shared by the trade and counterparty streams (e.g. the
	// counterparty identifier a trade is booked against).
	Key string
	// EntityID identifies the logical entity this event mutates. When a producer
	// does not set it, it equals Key.
	EntityID string
	// Initiator names whoever made the change, such as a trader. It is optional.
	Initiator string
	// Payload is never parsed by the correlator.
	Payload   []byte
	Timestamp time.Time
}

func (e Event) String() string {
	return fmt.Sprintf("%v(%s/%s@%s)", e.Kind, e.Key, e.EntityID, e.Timestamp.UTC().Format(time.RFC3339Nano))
}

// Correlation is the output of the windowed join. At least one side is present;
// a correlation with a single side is a degraded (partial) match and is
// represented as data rather than as an error.
type Correlation struct {
	Key          string
	Trade        *Event
	Counterparty *Event
	// ObservedAt is the event-time instant at which the correlation was
	// finalized. It never decreases for correlations sharing the same Key.
	ObservedAt time.Time
}

// Complete reports whether both sides are present.
func (c Correlation) Complete() bool {
	return c.Trade != nil && c.Counterparty != nil
}

// TradeID returns the trade entity identifier, or "" when the trade side is
// missing.
func (c Correlation) TradeID() string {
	if c.Trade == nil {
		return ""
	}
	return c.Trade.EntityID
}

// CounterpartyID returns the counterparty entity identifier, or "" when the
// counterparty side is missing.
func (c Correlation) CounterpartyID() string {
	if c.Counterparty == nil {
		return ""
	}
	return c.Counterparty.EntityID
}
