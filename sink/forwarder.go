package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/danielorbach/go-component"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gocloud.dev/pubsub"
)

// Metadata keys the forwarder reads from provenance messages for logging.
const (
	MetadataDigest     = "digest"
	MetadataDocumentID = "document-id"
	MetadataKind       = "kind"
	MetadataKey        = "key"
)

// ForwarderOptions configure a Forwarder.
type ForwarderOptions struct {
	// Workers bounds the number of concurrent pushes.
	Workers int
	// InitialInterval is the delay before the first retry of a transient
	// failure. It grows exponentially between retries.
	InitialInterval time.Duration
	// MaxElapsed bounds the time spent retrying a single document. Zero retries
	// until the forwarder stops.
	MaxElapsed time.Duration
}

// DefaultForwarderOptions returns the options used for zero fields.
func DefaultForwarderOptions() ForwarderOptions {
	return ForwarderOptions{
		Workers:         8,
		InitialInterval: 500 * time.Millisecond,
		MaxElapsed:      5 * time.Minute,
	}
}

// A Forwarder drains a subscription of encoded provenance documents into a Sink.
//
// Documents are pushed concurrently on a bounded worker pool; when every
// worker is busy, receiving pauses. A transient failure is retried with the
// same bytes until it succeeds or MaxElapsed runs out; a rejected document is
// logged and dropped. Either way the message is acknowledged once its outcome
// is final, so no single document holds up the stream.
type Forwarder struct {
	source *pubsub.Subscription
	sink   Sink
	opts   ForwarderOptions
}

// NewForwarder returns a [component.Procedure] forwarding documents received
// from source to s.
func NewForwarder(source *pubsub.Subscription, s Sink, opts ForwarderOptions) *Forwarder {
	def := DefaultForwarderOptions()
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = def.InitialInterval
	}
	return &Forwarder{source: source, sink: s, opts: opts}
}

func (f *Forwarder) Exec(l *component.L) {
	if err := f.Run(l.GraceContext(), l.Context()); err != nil {
		l.Fatal(err)
	}
}

// Run receives documents until recv is done, then waits for in-flight pushes,
// which run under work, to complete.
func (f *Forwarder) Run(recv, work context.Context) error {
	logger := component.Logger(work)

	pool, err := ants.NewPool(f.opts.Workers,
		ants.WithPanicHandler(func(p any) {
			logger.Error("Push panicked, document left unacknowledged", slog.Any("panic", p))
		}),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(10*time.Second),
	)
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}
	defer pool.Release()

	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		msg, err := f.source.Receive(recv)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				logger.Debug("Forwarder stopped receiving, waiting for in-flight pushes...")
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}

		inflight.Add(1)
		err = pool.Submit(func() {
			defer inflight.Done()
			f.forward(work, logger, msg)
		})
		if err != nil {
			inflight.Done()
			if msg.Nackable() {
				msg.Nack()
			}
			return fmt.Errorf("submit push: %w", err)
		}
	}
}

// forward pushes a single message and settles it according to the outcome.
func (f *Forwarder) forward(ctx context.Context, logger *slog.Logger, msg *pubsub.Message) {
	ctx, span := tracer.Start(ctx, "forwarder.forward", trace.WithAttributes(
		attribute.String("msg.id", msg.LoggableID),
		attribute.String("doc.digest", msg.Metadata[MetadataDigest]),
	))
	defer span.End()

	logger = logger.With(
		slog.String("document-id", msg.Metadata[MetadataDocumentID]),
		slog.String("digest", msg.Metadata[MetadataDigest]),
		slog.String("key", msg.Metadata[MetadataKey]),
	)
	if len(msg.Body) == 0 {
		logger.Info("Empty provenance document skipped")
		msg.Ack()
		return
	}

	start := time.Now()
	err := f.push(ctx, logger, msg.Body)
	outcome := Classify(err)
	if ctx.Err() != nil && outcome != Ok {
		// Shutting down mid-retry: leave the document for redelivery.
		logger.Info("Push interrupted by shutdown", slog.Any("error", err))
		if msg.Nackable() {
			msg.Nack()
		}
		return
	}
	measurePush(ctx, outcome, time.Since(start))

	switch outcome {
	case Ok:
		logger.Info("Provenance document delivered", slog.String("kind", msg.Metadata[MetadataKind]))
	case Fatal:
		span.SetStatus(codes.Error, err.Error())
		logger.Error("Sink rejected provenance document, dropping it", slog.Any("error", err))
	case Retriable:
		span.SetStatus(codes.Error, err.Error())
		logger.Error("Gave up pushing provenance document", slog.Any("error", err), slog.Duration("max-elapsed", f.opts.MaxElapsed))
	}
	msg.Ack()
}

// push retries transient failures with an exponential backoff and returns the
// last error.
func (f *Forwarder) push(ctx context.Context, logger *slog.Logger, doc []byte) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.opts.InitialInterval
	b.MaxElapsedTime = f.opts.MaxElapsed

	attempt := 0
	op := func() error {
		attempt++
		err := f.sink.Push(ctx, doc)
		if Classify(err) == Fatal {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		pushRetries.Add(ctx, 1)
		logger.Debug("Push failed, retrying...", slog.Int("attempt", attempt), slog.Duration("wait", wait), slog.Any("error", err))
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}
