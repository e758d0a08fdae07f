package inmemory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dvloznov/transaction-ingest/internal/logger"
	"github.com/dvloznov/transaction-ingest/internal/queue"
	"github.com/google/uuid"
)

const (
	defaultWorkers    = 5
	defaultMaxRetries = 3
)

// Queue is an in-memory implementation of queue.Publisher and queue.Consumer.
// It uses a buffered channel for distribution and is safe for concurrent use.
// Messages do not survive a restart, so it suits tests and single-process
// runs only.
type Queue struct {
	msgChan   chan *queue.Message
	closeChan chan struct{}
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool

	workers    int
	maxRetries int
	backoff    func(attempt int) time.Duration
}

// NewQueue creates a new in-memory queue. bufferSize determines how many
// messages can be queued before Publish blocks.
func NewQueue(bufferSize, workers int) *Queue {
	if workers < 1 {
		workers = defaultWorkers
	}
	return &Queue{
		msgChan:    make(chan *queue.Message, bufferSize),
		closeChan:  make(chan struct{}),
		workers:    workers,
		maxRetries: defaultMaxRetries,
		backoff: func(attempt int) time.Duration {
			return time.Duration(attempt) * time.Second
		},
	}
}

// Publish implements queue.Publisher.
func (q *Queue) Publish(ctx context.Context, payload []byte) error {
	msg := &queue.Message{
		ID:          uuid.New().String(),
		Payload:     payload,
		Attempt:     1,
		PublishedAt: time.Now(),
	}
	return q.enqueue(ctx, msg)
}

func (q *Queue) enqueue(ctx context.Context, msg *queue.Message) error {
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()

	if closed {
		return queue.ErrClosed
	}

	select {
	case q.msgChan <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closeChan:
		return queue.ErrClosed
	}
}

// Len returns the number of messages waiting for a worker.
func (q *Queue) Len() int {
	return len(q.msgChan)
}

// Start implements queue.Consumer.
func (q *Queue) Start(ctx context.Context, handler queue.Handler) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return queue.ErrClosed
	}

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, handler)
	}
	return nil
}

func (q *Queue) worker(ctx context.Context, handler queue.Handler) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closeChan:
			return
		case msg := <-q.msgChan:
			if msg == nil {
				return
			}
			q.process(ctx, msg, handler)
		}
	}
}

// process runs the handler and re-enqueues failed messages with a linear
// backoff until maxRetries is exhausted.
func (q *Queue) process(ctx context.Context, msg *queue.Message, handler queue.Handler) {
	log := logger.FromContext(ctx).With().Str("message_id", msg.ID).Int("attempt", msg.Attempt).Logger()

	err := handler(ctx, msg)
	if err == nil {
		return
	}

	if msg.Attempt > q.maxRetries {
		log.Error().Err(err).Msg("Message failed, retries exhausted")
		return
	}

	log.Warn().Err(err).Msg("Message failed, scheduling retry")
	retry := *msg
	retry.Attempt++
	time.AfterFunc(q.backoff(msg.Attempt), func() {
		if err := q.enqueue(ctx, &retry); err != nil {
			log.Error().Err(err).Msg("Failed to re-enqueue message")
		}
	})
}

// Stop implements queue.Consumer.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closeChan)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for workers: %w", ctx.Err())
	}
}

// Close implements queue.Publisher.
func (q *Queue) Close() error {
	return q.Stop(context.Background())
}

// Ensure Queue implements both Publisher and Consumer interfaces.
var _ queue.Publisher = (*Queue)(nil)
var _ queue.Consumer = (*Queue)(nil)
