// Package window implements a windowed outer join over the trade and
// counterparty streams.
//
// Each event opens a window [t, t+Window] on its join key. While the window is
// open, the event pairs with every event from the opposite stream on the same
// key whose timestamp lies within Window of its own. When the window closes,
// an event that never paired is emitted on its own as a degraded (one-sided)
// correlation; this captures "trade exists but counterparty unknown" and vice
// versa.
//
// Windows close as soon as time moves past them, either because a newer event
// arrives on the same key (stream time) or because the owner calls Expire with
// the current watermark. Events whose window has already closed by the time
// they arrive are late and dropped.
package window

import (
	"slices"
	"strings"
	"time"

	"github.com/go-digitaltwin/riskprov/stream"
)

// Options configure a Joiner.
type Options struct {
	// Window is the maximum distance between the timestamps of two events that
	// may still be correlated. It must be positive.
	Window time.Duration
	// Grace delays closing a window (and hence dropping late events) to tolerate
	// out-of-order arrivals. Zero closes windows immediately.
	Grace time.Duration
}

// A Joiner holds the per-key buffers of the join.
//
// A Joiner is not safe for concurrent use. Callers shard keys across Joiners
// and feed each Joiner from a single goroutine, which also gives them the
// per-key ordering guarantee: correlations of a key are returned in
// non-decreasing ObservedAt order.
type Joiner struct {
	window time.Duration
	grace  time.Duration
	keys   map[string]*keyState
	// watermark is the latest instant passed to Expire.
	watermark time.Time
}

type keyState struct {
	// streamTime is the latest event timestamp seen on the key.
	streamTime time.Time
	// lastEmitted is the ObservedAt of the latest correlation emitted on the
	// key.
	lastEmitted time.Time
	trades      []*pending
	cptys       []*pending
}

type pending struct {
	event   stream.Event
	matched bool
}

// NewJoiner returns an empty Joiner. It panics if opts.Window is not positive.
func NewJoiner(opts Options) *Joiner {
	if opts.Window <= 0 {
		panic("window: non-positive join window")
	}
	if opts.Grace < 0 {
		panic("window: negative grace period")
	}
	return &Joiner{
		window: opts.Window,
		grace:  opts.Grace,
		keys:   make(map[string]*keyState),
	}
}

// Arrive feeds an event into the join. It returns the correlations this event
// triggered: windows on the same key that closed because stream time moved
// forward, followed by a full correlation for every opposite-side event the
// new event pairs with.
//
// If the event is late, Arrive drops it and returns accepted == false.
func (j *Joiner) Arrive(ev stream.Event) (out []stream.Correlation, accepted bool) {
	ks := j.keys[ev.Key]
	reference := j.watermark
	if ks != nil && ks.streamTime.After(reference) {
		reference = ks.streamTime
	}
	if j.closed(ev.Timestamp, reference) {
		return nil, false
	}

	if ks == nil {
		ks = &keyState{}
		// Expire forgets keys once all their windows closed. Everything emitted
		// for a forgotten key was observed before watermark-grace, so that
		// instant is a safe floor for whatever the key emits next.
		if !j.watermark.IsZero() {
			ks.lastEmitted = j.watermark.Add(-j.grace)
		}
		j.keys[ev.Key] = ks
	}
	if ev.Timestamp.After(ks.streamTime) {
		ks.streamTime = ev.Timestamp
	}
	out = j.closeWindows(ev.Key, ks, ks.streamTime, out)

	p := &pending{event: ev}
	for _, o := range ks.opposite(ev.Kind) {
		if !j.within(o.event.Timestamp, ev.Timestamp) {
			continue
		}
		o.matched = true
		p.matched = true
		out = append(out, ks.emit(pair(ev.Key, o.event, ev)))
	}
	ks.append(p)
	return out, true
}

// Expire closes every window that ended before now and returns a one-sided
// correlation for each closed event that never paired. Keys left without
// buffered events are forgotten.
func (j *Joiner) Expire(now time.Time) (out []stream.Correlation) {
	if now.After(j.watermark) {
		j.watermark = now
	}
	// Visit keys in a stable order so that identical inputs produce identical
	// outputs.
	keys := make([]string, 0, len(j.keys))
	for k := range j.keys {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		ks := j.keys[k]
		out = j.closeWindows(k, ks, j.watermark, out)
		if len(ks.trades) == 0 && len(ks.cptys) == 0 {
			delete(j.keys, k)
		}
	}
	return out
}

// Len returns the number of events currently buffered.
func (j *Joiner) Len() (n int) {
	for _, ks := range j.keys {
		n += len(ks.trades) + len(ks.cptys)
	}
	return n
}

// closeWindows removes from ks every event whose window closed before the
// reference instant, appending a one-sided correlation to out for each one that
// never paired. Closed events are emitted in timestamp order.
func (j *Joiner) closeWindows(key string, ks *keyState, reference time.Time, out []stream.Correlation) []stream.Correlation {
	var closed []*pending
	keep := func(buf []*pending) []*pending {
		return slices.DeleteFunc(buf, func(p *pending) bool {
			if j.closed(p.event.Timestamp, reference) {
				closed = append(closed, p)
				return true
			}
			return false
		})
	}
	ks.trades = keep(ks.trades)
	ks.cptys = keep(ks.cptys)

	slices.SortStableFunc(closed, func(a, b *pending) int {
		if c := a.event.Timestamp.Compare(b.event.Timestamp); c != 0 {
			return c
		}
		if c := int(a.event.Kind) - int(b.event.Kind); c != 0 {
			return c
		}
		return strings.Compare(a.event.EntityID, b.event.EntityID)
	})
	for _, p := range closed {
		if p.matched {
			continue
		}
		c := stream.Correlation{Key: key, ObservedAt: p.event.Timestamp.Add(j.window)}
		ev := p.event
		if ev.Kind == stream.Trade {
			c.Trade = &ev
		} else {
			c.Counterparty = &ev
		}
		out = append(out, ks.emit(c))
	}
	return out
}

// closed reports whether the window opened at t has closed (grace included)
// relative to the reference instant.
func (j *Joiner) closed(t, reference time.Time) bool {
	if reference.IsZero() {
		return false
	}
	return t.Add(j.window + j.grace).Before(reference)
}

func (j *Joiner) within(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= j.window
}

func pair(key string, a, b stream.Event) stream.Correlation {
	c := stream.Correlation{Key: key, ObservedAt: a.Timestamp}
	if b.Timestamp.After(c.ObservedAt) {
		c.ObservedAt = b.Timestamp
	}
	for _, e := range []stream.Event{a, b} {
		e := e
		if e.Kind == stream.Trade {
			c.Trade = &e
		} else {
			c.Counterparty = &e
		}
	}
	return c
}

// emit clamps the correlation's ObservedAt so that it never precedes a
// correlation already emitted on the same key.
func (ks *keyState) emit(c stream.Correlation) stream.Correlation {
	if c.ObservedAt.Before(ks.lastEmitted) {
		c.ObservedAt = ks.lastEmitted
	}
	ks.lastEmitted = c.ObservedAt
	return c
}

func (ks *keyState) opposite(k stream.Kind) []*pending {
	if k == stream.Trade {
		return ks.cptys
	}
	return ks.trades
}

func (ks *keyState) append(p *pending) {
	if p.event.Kind == stream.Trade {
		ks.trades = append(ks.trades, p)
	} else {
		ks.cptys = append(ks.cptys, p)
	}
}
