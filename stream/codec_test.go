package stream

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gocloud.dev/pubsub"
)

func TestDecode(t *testing.T) {
	received := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	stamped := time.Date(2026, 10, 15, 8, 59, 58, 500, time.UTC)

	tests := []struct {
		name string
		kind Kind
		msg  *pubsub.Message
		want Event
	}{
		{
			name: "KeyOnly",
			kind: Counterparty,
			msg:  &pubsub.Message{Body: []byte("rating AA"), Metadata: map[string]string{"key": "C1"}},
			want: Event{Kind: Counterparty, Key: "C1", EntityID: "C1", Payload: []byte("rating AA"), Timestamp: received},
		},
		{
			name: "EntityAndTimestamp",
			kind: Trade,
			msg: &pubsub.Message{Body: []byte("correction"), Metadata: map[string]string{
				"key":       "C1",
				"entity":    "T1",
				"timestamp": stamped.Format(time.RFC3339Nano),
			}},
			want: Event{Kind: Trade, Key: "C1", EntityID: "T1", Payload: []byte("correction"), Timestamp: stamped},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.kind, tt.msg, received)
			if err != nil {
				t.Fatal("Decode():", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Decode() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode(Trade, &pubsub.Message{Metadata: map[string]string{"entity": "T1"}}, time.Now())
	if !errors.Is(err, ErrMissingKey) {
		t.Errorf("Decode() without key = %v; want ErrMissingKey", err)
	}

	_, err = Decode(Trade, &pubsub.Message{Metadata: map[string]string{"key": "C1", "timestamp": "yesterday"}}, time.Now())
	if err == nil {
		t.Error("Decode() with malformed timestamp = nil; want error")
	}

	_, err = Decode(Trade, &pubsub.Message{Metadata: map[string]string{"key": "C1", "entity": "T\xff1"}}, time.Now())
	if !errors.Is(err, ErrInvalidID) {
		t.Errorf("Decode() with a non-UTF-8 entity id = %v; want ErrInvalidID", err)
	}
	_, err = Decode(Trade, &pubsub.Message{Metadata: map[string]string{"key": "C\xff1"}}, time.Now())
	if !errors.Is(err, ErrInvalidID) {
		t.Errorf("Decode() with a non-UTF-8 key = %v; want ErrInvalidID", err)
	}
}

func TestEncodeDecode(t *testing.T) {
	e := Event{
		Kind:      Trade,
		Key:       "C1",
		EntityID:  "T1",
		Initiator: "johnsmith",
		Payload:   []byte("new trade"),
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC),
	}
	got, err := Decode(Trade, Encode(e), time.Time{})
	if err != nil {
		t.Fatal("Decode():", err)
	}
	if diff := cmp.Diff(e, got); diff != "" {
		t.Errorf("Decode(Encode()) mismatch (-want +got):\n%s", diff)
	}
}
