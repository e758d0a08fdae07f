package pipeline

import (
	"context"
	"sync"

	"github.com/dvloznov/transaction-ingest/internal/domain"
	"github.com/dvloznov/transaction-ingest/internal/queue"
)

// MockPublisher records published payloads.
type MockPublisher struct {
	mu          sync.Mutex
	PublishFunc func(ctx context.Context, payload []byte) error
	Events      []*domain.TransactionEvent
}

func (m *MockPublisher) Publish(ctx context.Context, payload []byte) error {
	if m.PublishFunc != nil {
		if err := m.PublishFunc(ctx, payload); err != nil {
			return err
		}
	}
	ev, err := queue.DecodeEvent(payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, ev)
	return nil
}

func (m *MockPublisher) Close() error {
	return nil
}

// MockSink records quarantined records.
type MockSink struct {
	mu        sync.Mutex
	StoreFunc func(ctx context.Context, rec domain.RejectedRecord) error
	Records   []domain.RejectedRecord
}

func (m *MockSink) Store(ctx context.Context, rec domain.RejectedRecord) error {
	m.mu.Lock()
	m.Records = append(m.Records, rec)
	m.mu.Unlock()
	if m.StoreFunc != nil {
		return m.StoreFunc(ctx, rec)
	}
	return nil
}

func (m *MockSink) Reasons() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Records))
	for i, r := range m.Records {
		out[i] = r.Reason.String()
	}
	return out
}
