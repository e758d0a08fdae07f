// Package queue defines the outbound event queue and its consumer side.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/transaction-ingest/internal/domain"
)

// ErrClosed is returned by Publish after Close or Stop.
var ErrClosed = errors.New("queue is closed")

// Message is one delivered payload.
type Message struct {
	// ID is assigned by the queue.
	ID string

	// Payload is the serialized event.
	Payload []byte

	// Attempt is 1 on first delivery and grows on redelivery.
	Attempt int

	// PublishedAt is when the queue accepted the message.
	PublishedAt time.Time
}

// Publisher delivers payloads to the queue at least once. No ordering is
// guaranteed across messages and no dedup key is attached.
type Publisher interface {
	// Publish enqueues one payload.
	Publish(ctx context.Context, payload []byte) error

	// Close closes the publisher and releases resources.
	Close() error
}

// Consumer reads messages from the queue.
type Consumer interface {
	// Start begins consuming messages. The handler is called for each one.
	Start(ctx context.Context, handler Handler) error

	// Stop stops consuming and waits for in-flight messages to complete.
	Stop(ctx context.Context) error
}

// Handler processes a message. A non-nil error leaves the message eligible
// for redelivery.
type Handler func(ctx context.Context, msg *Message) error

// EncodeEvent serializes an event in its wire form.
func EncodeEvent(ev *domain.TransactionEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding event %s: %w", ev.TransactionID, err)
	}
	return data, nil
}

// DecodeEvent parses a payload produced by EncodeEvent.
func DecodeEvent(payload []byte) (*domain.TransactionEvent, error) {
	var ev domain.TransactionEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}
	return &ev, nil
}
