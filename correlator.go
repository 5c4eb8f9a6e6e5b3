package riskprov

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/danielorbach/go-component"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gocloud.dev/pubsub"
	"golang.org/x/sync/errgroup"

	"github.com/go-digitaltwin/riskprov/ledger"
	"github.com/go-digitaltwin/riskprov/provgraph"
	"github.com/go-digitaltwin/riskprov/sink"
	"github.com/go-digitaltwin/riskprov/stream"
	"github.com/go-digitaltwin/riskprov/window"
)

// Values of the sink.MetadataKind metadata on prov messages.
const (
	KindRisk   = "risk"
	KindUpdate = "update"
)

// Options configure a Correlator.
type Options struct {
	// Window is the maximum distance between a trade and a counterparty event
	// that still correlate.
	Window time.Duration
	// Grace tolerates out-of-order events by delaying the closing of windows.
	Grace time.Duration
	// Shards is the number of independent joins events are spread across.
	Shards int
	// ExpiryInterval is how often each shard closes windows that ended without
	// a newer event on their key.
	ExpiryInterval time.Duration
	// VersionSeed is the version every entity starts at; its first mutation
	// creates VersionSeed+1.
	VersionSeed uint64
	// Namespace of every provenance node.
	Namespace provgraph.Namespace
	// Calculator is the local name of the agent credited with risk
	// calculations.
	Calculator string
	// RecordUpdates publishes a provenance graph for every trade and
	// counterparty event, besides the risk graphs.
	RecordUpdates bool
	// Clock returns the watermark passed to the joins on expiry. It defaults
	// to time.Now.
	Clock func() time.Time
}

// DefaultOptions returns the options a Correlator uses for zero fields, with
// RecordUpdates enabled.
func DefaultOptions() Options {
	return Options{
		Window:         60 * time.Second,
		Shards:         8,
		ExpiryInterval: time.Second,
		Namespace:      provgraph.DefaultNamespace,
		Calculator:     provgraph.DefaultCalculator,
		RecordUpdates:  true,
		Clock:          time.Now,
	}
}

// A Correlator joins trade and counterparty events and publishes the
// provenance of the outcome to a topic.
//
// Events are spread across shards by their join key. Each shard owns a join
// and handles its events one at a time in arrival order, so the correlations
// of a key, and the graphs describing them, are published in order. Shards
// run in parallel; the entity ledgers, and the publishing of entity updates,
// are serialized per entity.
type Correlator struct {
	trades         *pubsub.Subscription
	counterparties *pubsub.Subscription
	prov           *pubsub.Topic
	opts           Options

	ledgers  map[stream.Kind]*ledger.Ledger
	risks    *provgraph.RiskCalculator
	recorder provgraph.EntityRecorder

	// entities serializes the versioning of an entity, and the publishing of
	// its update, across shards. An entity maps to a stripe by its id.
	entities [entityStripes]sync.Mutex
}

const entityStripes = 64

// NewCorrelator returns a [component.Procedure] correlating the events of the
// given subscriptions and publishing provenance documents to prov.
//
// It panics if opts.Window is negative or opts.Namespace is invalid.
func NewCorrelator(trades, counterparties *pubsub.Subscription, prov *pubsub.Topic, opts Options) *Correlator {
	def := DefaultOptions()
	if opts.Window == 0 {
		opts.Window = def.Window
	}
	if opts.Shards <= 0 {
		opts.Shards = def.Shards
	}
	if opts.ExpiryInterval <= 0 {
		opts.ExpiryInterval = def.ExpiryInterval
	}
	if opts.Namespace == (provgraph.Namespace{}) {
		opts.Namespace = def.Namespace
	}
	if opts.Calculator == "" {
		opts.Calculator = def.Calculator
	}
	if opts.Clock == nil {
		opts.Clock = def.Clock
	}
	if opts.Window < 0 {
		panic("riskprov: negative join window")
	}
	if err := opts.Namespace.Validate(); err != nil {
		panic(fmt.Sprintf("riskprov: %v", err))
	}

	tradeLedger := ledger.New(opts.VersionSeed)
	cptyLedger := ledger.New(opts.VersionSeed)
	return &Correlator{
		trades:         trades,
		counterparties: counterparties,
		prov:           prov,
		opts:           opts,
		ledgers: map[stream.Kind]*ledger.Ledger{
			stream.Trade:        tradeLedger,
			stream.Counterparty: cptyLedger,
		},
		risks: &provgraph.RiskCalculator{
			Namespace:      opts.Namespace,
			Trades:         tradeLedger,
			Counterparties: cptyLedger,
			Risks:          ledger.New(opts.VersionSeed),
			Calculator:     opts.Calculator,
		},
		recorder: provgraph.EntityRecorder{Namespace: opts.Namespace},
	}
}

// Ledger returns the ledger versioning entities of the given kind.
func (c *Correlator) Ledger(k stream.Kind) *ledger.Ledger {
	return c.ledgers[k]
}

// Risks returns the ledger versioning risk records, keyed by
// provgraph.RiskKey.
func (c *Correlator) Risks() *ledger.Ledger {
	return c.risks.Risks
}

func (c *Correlator) Exec(l *component.L) {
	if err := c.Run(l.GraceContext(), l.Context()); err != nil {
		l.Fatal(err)
	}
}

// Run receives events until recv is done. Then it stops the shards, which
// finish the events already dispatched to them and publish under work.
//
// Run returns the first error that stopped it early: a subscription that can
// no longer receive, or a topic that can no longer send.
func (c *Correlator) Run(recv, work context.Context) error {
	logger := component.Logger(work)

	// A shard that stops early stops the receivers, which would otherwise block
	// on its inbox forever.
	recv, stop := context.WithCancel(recv)
	defer stop()

	shards := make([]*shard, c.opts.Shards)
	var workers errgroup.Group
	for i := range shards {
		s := &shard{
			id:    i,
			c:     c,
			inbox: make(chan stream.Event, shardBacklog),
			join:  window.NewJoiner(window.Options{Window: c.opts.Window, Grace: c.opts.Grace}),
		}
		shards[i] = s
		workers.Go(func() error {
			defer stop()
			if err := s.run(work); err != nil {
				return fmt.Errorf("shard %d: %w", s.id, err)
			}
			return nil
		})
	}

	dispatch := func(ctx context.Context, ev stream.Event) error {
		s := shards[xxhash.Sum64String(ev.Key)%uint64(len(shards))]
		select {
		case s.inbox <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var receivers errgroup.Group
	for _, source := range []EventSource{
		NewEventSource(c.trades, stream.Trade),
		NewEventSource(c.counterparties, stream.Counterparty),
	} {
		receivers.Go(func() error {
			err := source.Stream(recv, dispatch)
			if err != nil {
				stop()
			}
			return err
		})
	}
	rerr := receivers.Wait()

	logger.Debug("Correlator stopped receiving, draining shards...")
	for _, s := range shards {
		close(s.inbox)
	}
	werr := workers.Wait()
	return errors.Join(rerr, werr)
}

// shardBacklog bounds the events waiting for a busy shard before receiving
// pauses.
const shardBacklog = 64

type shard struct {
	id    int
	c     *Correlator
	inbox chan stream.Event
	join  *window.Joiner
}

// run handles the shard's events in arrival order and periodically expires
// its windows, until the inbox closes.
func (s *shard) run(ctx context.Context) error {
	logger := component.Logger(ctx).With(slog.Int("shard", s.id))
	ctx = component.InjectLogger(ctx, logger)

	ticker := time.NewTicker(s.c.opts.ExpiryInterval)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-s.inbox:
			if !ok {
				if n := s.join.Len(); n > 0 {
					logger.Info("Shard stopped with open windows", slog.Int("buffered", n))
				}
				return nil
			}
			if err := s.handle(ctx, ev); err != nil {
				return s.interrupted(ctx, err)
			}
		case <-ticker.C:
			for _, corr := range s.join.Expire(s.c.opts.Clock()) {
				if err := s.c.correlate(ctx, corr); err != nil {
					return s.interrupted(ctx, err)
				}
			}
		}
	}
}

// interrupted swallows err when it is the outcome of a hard stop.
func (s *shard) interrupted(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		component.Logger(ctx).Info("Shard interrupted before publishing everything", slog.Any("error", err))
		return nil
	}
	return err
}

// handle versions the entity ev mutated and feeds ev to the join.
func (s *shard) handle(ctx context.Context, ev stream.Event) error {
	logger := component.Logger(ctx).With(slog.String("key", ev.Key), slog.String("entity", ev.EntityID))

	v, err := s.c.advance(ctx, ev)
	if err != nil {
		return err
	}
	logger.Debug("Entity advanced", slog.String("kind", ev.Kind.String()), slog.Uint64("version", v.Number))

	out, accepted := s.join.Arrive(ev)
	if !accepted {
		logger.Info("Late event dropped", slog.String("kind", ev.Kind.String()), slog.Time("timestamp", ev.Timestamp))
		measureLate(ctx, ev.Kind)
	}
	for _, corr := range out {
		if err := s.c.correlate(ctx, corr); err != nil {
			return err
		}
	}
	return nil
}

// advance versions the entity ev mutated and, if enabled, publishes the
// update. Events of one entity may reach different shards under different join
// keys; the entity's stripe keeps its updates published in version order.
func (c *Correlator) advance(ctx context.Context, ev stream.Event) (ledger.Version, error) {
	mu := &c.entities[xxhash.Sum64String(ev.EntityID)%entityStripes]
	mu.Lock()
	defer mu.Unlock()

	v := c.ledgers[ev.Kind].Advance(ev.EntityID)
	if c.opts.RecordUpdates {
		if err := c.record(ctx, ev, v); err != nil {
			return v, err
		}
	}
	return v, nil
}

// correlate derives the risk record of corr and publishes its provenance. A
// degraded correlation is counted and suppressed.
func (c *Correlator) correlate(ctx context.Context, corr stream.Correlation) error {
	logger := component.Logger(ctx).With(
		slog.String("key", corr.Key),
		slog.String("trade", corr.TradeID()),
		slog.String("counterparty", corr.CounterpartyID()),
	)
	measureCorrelation(ctx, corr.Complete())

	start := time.Now()
	g, err := c.risks.Build(corr)
	measureBuild(ctx, KindRisk, time.Since(start))
	if err != nil {
		// Only entity ids that collide once escaped get here. Dropping the record
		// keeps the stream going.
		logger.Error("Failed to build risk provenance, correlation dropped", slog.Any("error", err))
		return nil
	}
	if !g.Transportable() {
		logger.Info("Partial correlation suppressed", slog.Time("observed-at", corr.ObservedAt))
		measureSuppressed(ctx)
		return nil
	}

	riskKey := provgraph.RiskKey(corr.TradeID(), corr.CounterpartyID())
	return c.publish(component.InjectLogger(ctx, logger.With(slog.String("risk-key", riskKey))), g, riskKey, KindRisk)
}

// record publishes the provenance of version v of the entity ev mutated.
func (c *Correlator) record(ctx context.Context, ev stream.Event, v ledger.Version) error {
	start := time.Now()
	g, err := c.recorder.Build(ev, v)
	measureBuild(ctx, KindUpdate, time.Since(start))
	if err != nil {
		component.Logger(ctx).Error("Failed to build update provenance, update not recorded", slog.Any("error", err))
		return nil
	}
	return c.publish(ctx, g, ev.EntityID, KindUpdate)
}

// publish encodes g and sends it to the prov topic.
func (c *Correlator) publish(ctx context.Context, g provgraph.Graph, key, kind string) error {
	ctx, span := tracer.Start(ctx, "correlator.publish", trace.WithAttributes(
		attribute.String("prov.key", key),
		attribute.String("prov.kind", kind),
	))
	defer span.End()
	logger := component.Logger(ctx)

	doc, err := provgraph.Encode(g)
	if err != nil {
		// The builder already validated g, so a failure here is a bug.
		logger.Error("Failed to encode a validated provenance graph", slog.Any("error", err))
		panic(fmt.Errorf("riskprov: encode provenance graph: %w", err))
	}

	digest := provgraph.Digest(doc)
	msg := &pubsub.Message{
		Body: doc,
		Metadata: map[string]string{
			sink.MetadataKey:        key,
			sink.MetadataDigest:     digest,
			sink.MetadataDocumentID: uuid.NewString(),
			sink.MetadataKind:       kind,
		},
	}
	if err := c.prov.Send(ctx, msg); err != nil {
		err := fmt.Errorf("send: %w", err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	logger.Debug("Provenance document published", slog.String("digest", digest), slog.String("kind", kind))
	return nil
}
