// Package sink delivers encoded provenance documents to external stores.
//
// A Sink accepts one document per Push and reports the outcome through the
// returned error: nil on success, an error wrapping ErrTransient when the same
// document may succeed if pushed again later, or an error wrapping ErrRejected
// when it never will. The Forwarder drains the provenance channel into a Sink,
// retrying transient failures with an exponential backoff.
package sink

import (
	"context"
	"errors"
	"fmt"
)

// A Sink pushes encoded documents to a store. Implementations must be safe for
// concurrent use.
type Sink interface {
	Push(ctx context.Context, doc []byte) error
}

// SinkFunc adapts an ordinary function to the Sink interface.
type SinkFunc func(ctx context.Context, doc []byte) error

func (f SinkFunc) Push(ctx context.Context, doc []byte) error { return f(ctx, doc) }

var (
	// ErrTransient marks failures worth retrying with the same document.
	ErrTransient = errors.New("transient sink failure")
	// ErrRejected marks documents the store refused for good.
	ErrRejected = errors.New("document rejected")
)

// Transient wraps err as a retriable failure.
func Transient(err error) error {
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Rejected wraps err as a fatal failure.
func Rejected(err error) error {
	return fmt.Errorf("%w: %w", ErrRejected, err)
}

// Outcome classifies the result of a push.
type Outcome int

const (
	Ok Outcome = iota
	Retriable
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Ok:
		return "ok"
	case Retriable:
		return "retriable"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Classify maps the error returned by Push to an Outcome. Errors that wrap
// neither sentinel are treated as retriable, so a misbehaving Sink delays
// documents rather than losing them.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return Ok
	case errors.Is(err, ErrRejected):
		return Fatal
	default:
		return Retriable
	}
}
