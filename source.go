package riskprov

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/danielorbach/go-component"
	"gocloud.dev/pubsub"

	"github.com/go-digitaltwin/riskprov/stream"
)

// EventSource wraps a pubsub subscription and decodes incoming messages into
// events of a single kind.
type EventSource struct {
	subscription *pubsub.Subscription
	kind         stream.Kind
	// now stamps events whose producer left out a timestamp.
	now func() time.Time
}

// NewEventSource returns an EventSource decoding messages received from sub as
// events of the given kind.
func NewEventSource(sub *pubsub.Subscription, kind stream.Kind) EventSource {
	return EventSource{subscription: sub, kind: kind, now: time.Now}
}

// EventHandler processes a decoded event. An error stops the stream.
type EventHandler func(ctx context.Context, ev stream.Event) error

// Stream receives messages until ctx is done, passing each decoded event to h.
//
// A message that does not decode is logged, acknowledged and skipped, so a
// single malformed message never blocks the stream. Other messages are
// acknowledged once h returns successfully; when h fails, the message is left
// for redelivery and Stream returns the error.
//
// Stream returns nil when ctx is done.
func (s EventSource) Stream(ctx context.Context, h EventHandler) error {
	logger := component.Logger(ctx).With(slog.String("stream", s.kind.String()))
	for {
		msg, err := s.subscription.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				// we're shutting down
				return nil
			}
			// A Receive error is either non-retryable or ctx is done. We cannot
			// recreate the subscription, so we stop.
			return fmt.Errorf("receive %v: %w", s.kind, err)
		}

		ev, err := stream.Decode(s.kind, msg, s.now())
		if err != nil {
			logger.Info("Malformed event skipped", slog.String("msg.id", msg.LoggableID), slog.Any("error", err))
			measureMalformed(ctx, s.kind)
			msg.Ack()
			continue
		}

		if err := h(ctx, ev); err != nil {
			if msg.Nackable() {
				msg.Nack()
			}
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("handle %v: %w", ev, err)
		}
		msg.Ack()
	}
}
