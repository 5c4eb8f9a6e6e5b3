// Package ledger tracks version numbers of logical entities.
//
// Every mutation of an entity yields a new version whose number is exactly one
// greater than the previous one. Versions are never deleted, but only the latest
// number is retained; older versions are referenced by number rather than by a
// stored object.
package ledger

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Version describes the outcome of advancing an entity.
type Version struct {
	EntityID string
	// Number of the version just created (or the current one, see Ledger.Current).
	Number uint64
	// Previous is the version Number superseded. It equals the ledger's seed for
	// the first version of an entity.
	Previous uint64
	// HasPrevious is false for the first version of an entity, whose Previous
	// number refers to the seed and was never created. Derivations must not point
	// at such a version.
	HasPrevious bool
}

func (v Version) String() string {
	return fmt.Sprintf("%s@%d", v.EntityID, v.Number)
}

// Ledger holds the current version number of every entity it has seen.
//
// The zero value is a ready-to-use ledger seeded at 0.
//
// A Ledger is safe for concurrent use. Advancing the same entity is serialized,
// so no two callers ever observe the same previous version; advancing different
// entities never contends on a shared lock.
type Ledger struct {
	seed    uint64
	entries sync.Map // map[string]*atomic.Uint64
}

// New returns a Ledger whose entities start at the given seed, i.e. the first
// call to Advance for an entity returns seed+1.
func New(seed uint64) *Ledger {
	return &Ledger{seed: seed}
}

// Advance creates a new version of the given entity and returns it along with
// the version it supersedes. An entity that was never seen starts at the seed.
func (l *Ledger) Advance(id string) Version {
	counter := l.counter(id)
	// The increment is the serialization point: every caller gets a distinct
	// new value, hence a distinct previous value.
	n := counter.Add(1)
	return Version{
		EntityID:    id,
		Number:      n,
		Previous:    n - 1,
		HasPrevious: n-1 > l.seed,
	}
}

// Current returns the latest version of the given entity. If the entity was
// never advanced, Current returns the seed version and ok == false.
func (l *Ledger) Current(id string) (v Version, ok bool) {
	c, ok := l.entries.Load(id)
	if !ok {
		return Version{EntityID: id, Number: l.seed, Previous: l.seed}, false
	}
	n := c.(*atomic.Uint64).Load()
	return Version{
		EntityID:    id,
		Number:      n,
		Previous:    n - 1,
		HasPrevious: n-1 > l.seed,
	}, true
}

// Seed returns the base version number of this ledger.
func (l *Ledger) Seed() uint64 { return l.seed }

func (l *Ledger) counter(id string) *atomic.Uint64 {
	if c, ok := l.entries.Load(id); ok {
		return c.(*atomic.Uint64)
	}
	fresh := new(atomic.Uint64)
	fresh.Store(l.seed)
	// Concurrent first-time callers race here; LoadOrStore elects exactly one
	// counter for the entity.
	c, _ := l.entries.LoadOrStore(id, fresh)
	return c.(*atomic.Uint64)
}
