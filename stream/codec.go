package stream

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"gocloud.dev/pubsub"
)

// Metadata keys carried by messages on the trades and counterparties channels.
//
// The join key is deliberately named "key" so that Kafka-backed topics can be
// opened with ?key_name=key, which keeps all events of a join key on the same
// partition (and thus in order).
const (
	MetadataKey       = "key"
	MetadataEntity    = "entity"
	MetadataTimestamp = "timestamp"
	MetadataInitiator = "initiator"
)

// Errors returned by Decode.
var (
	ErrMissingKey = errors.New("message has no join key")
	ErrInvalidID  = errors.New("join key, entity id or initiator is not valid UTF-8")
)

// Encode returns a message carrying the given event. The payload travels as the
// message body, everything else as metadata.
func Encode(e Event) *pubsub.Message {
	md := map[string]string{
		MetadataKey: e.Key,
	}
	if e.EntityID != "" && e.EntityID != e.Key {
		md[MetadataEntity] = e.EntityID
	}
	if !e.Timestamp.IsZero() {
		md[MetadataTimestamp] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	if e.Initiator != "" {
		md[MetadataInitiator] = e.Initiator
	}
	return &pubsub.Message{Body: e.Payload, Metadata: md}
}

// Decode reconstructs an event of the given kind from a received message.
//
// Producers may omit the entity id (it then equals the join key), the
// initiator, and the timestamp (it then falls back to receivedAt, the
// consumer's wall clock).
func Decode(kind Kind, msg *pubsub.Message, receivedAt time.Time) (Event, error) {
	key := msg.Metadata[MetadataKey]
	if key == "" {
		return Event{}, ErrMissingKey
	}
	e := Event{
		Kind:      kind,
		Key:       key,
		EntityID:  key,
		Initiator: msg.Metadata[MetadataInitiator],
		Payload:   msg.Body,
		Timestamp: receivedAt,
	}
	if id := msg.Metadata[MetadataEntity]; id != "" {
		e.EntityID = id
	}
	if !utf8.ValidString(e.Key) || !utf8.ValidString(e.EntityID) || !utf8.ValidString(e.Initiator) {
		return Event{}, ErrInvalidID
	}
	if ts := msg.Metadata[MetadataTimestamp]; ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return Event{}, fmt.Errorf("parse timestamp: %w", err)
		}
		e.Timestamp = t
	}
	return e, nil
}
