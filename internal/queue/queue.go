// Package queue carries finalize and feedback work off the request path with
// at-least-once delivery: a message is removed only after its handler
// succeeds, so handlers must tolerate seeing a message twice.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message kinds.
const (
	KindFinalize = "finalize"
	KindFeedback = "feedback"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("queue closed")

// Message is one unit of background work.
type Message struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	OwnerID    string          `json:"owner_id"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	// Attempt counts deliveries, starting at 1.
	Attempt int `json:"attempt"`
}

// NewMessage encodes payload into a message of the given kind.
func NewMessage(kind, ownerID string, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Message{
		ID:         uuid.New().String(),
		Kind:       kind,
		OwnerID:    ownerID,
		Payload:    data,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Kind, err)
	}
	return nil
}

// Handler processes one message. A non-nil error leaves the message for
// redelivery.
type Handler func(ctx context.Context, msg Message) error

// Queue is a durable or in-process work queue.
type Queue interface {
	Publish(ctx context.Context, msg Message) error
	// Consume runs handler on delivered messages until ctx is done.
	Consume(ctx context.Context, handler Handler) error
	Depth(ctx context.Context) (int, error)
	Close() error
}
