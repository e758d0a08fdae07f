package redisstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dvloznov/transaction-ingest/internal/logger"
	"github.com/dvloznov/transaction-ingest/internal/queue"
	"github.com/redis/go-redis/v9"
)

const (
	defaultBlock     = 5 * time.Second
	defaultBatch     = 10
	defaultClaimIdle = time.Minute
)

// Consumer reads a stream as one member of a consumer group. Entries are
// acknowledged only after the handler succeeds; failed entries stay pending
// and are reclaimed once idle for ClaimIdle.
type Consumer struct {
	client   redis.Cmdable
	stream   string
	group    string
	consumer string

	Block     time.Duration
	Batch     int64
	ClaimIdle time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// NewConsumer creates a group consumer.
func NewConsumer(client *redis.Client, stream, group, consumer string) *Consumer {
	return &Consumer{
		client:    client,
		stream:    stream,
		group:     group,
		consumer:  consumer,
		Block:     defaultBlock,
		Batch:     defaultBatch,
		ClaimIdle: defaultClaimIdle,
	}
}

// Start implements queue.Consumer. It creates the group if needed and
// reads in a background goroutine until Stop or ctx cancellation.
func (c *Consumer) Start(ctx context.Context, handler queue.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return queue.ErrClosed
	}
	if c.done != nil {
		return fmt.Errorf("consumer already started")
	}

	if err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err(); err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create group %s on %s: %w", c.group, c.stream, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.loop(runCtx, handler)
	return nil
}

func (c *Consumer) loop(ctx context.Context, handler queue.Handler) {
	defer close(c.done)
	log := logger.FromContext(ctx).With().Str("stream", c.stream).Str("group", c.group).Logger()

	for ctx.Err() == nil {
		c.reclaim(ctx, handler)

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.stream, ">"},
			Count:    c.Batch,
			Block:    c.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			log.Error().Err(err).Msg("XREADGROUP failed")
			sleep(ctx, time.Second)
			continue
		}

		for _, s := range streams {
			for _, entry := range s.Messages {
				c.handle(ctx, entry, 1, handler)
			}
		}
	}
}

// reclaim takes over entries left pending too long by any group member.
func (c *Consumer) reclaim(ctx context.Context, handler queue.Handler) {
	if c.ClaimIdle <= 0 {
		return
	}

	entries, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  c.ClaimIdle,
		Start:    "0-0",
		Count:    c.Batch,
	}).Result()
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, redis.Nil) {
			log := logger.FromContext(ctx)
			log.Warn().Err(err).Str("stream", c.stream).Msg("XAUTOCLAIM failed")
		}
		return
	}

	for _, entry := range entries {
		c.handle(ctx, entry, 2, handler)
	}
}

func (c *Consumer) handle(ctx context.Context, entry redis.XMessage, attempt int, handler queue.Handler) {
	log := logger.FromContext(ctx).With().Str("message_id", entry.ID).Logger()

	msg, err := toMessage(entry, attempt)
	if err != nil {
		// A malformed entry can never succeed; ack it so it is not reclaimed forever.
		log.Error().Err(err).Msg("Dropping malformed stream entry")
		c.ack(ctx, entry.ID)
		return
	}

	if err := handler(ctx, msg); err != nil {
		log.Warn().Err(err).Int("attempt", attempt).Msg("Handler failed, leaving entry pending")
		return
	}
	c.ack(ctx, entry.ID)
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.client.XAck(ctx, c.stream, c.group, id).Err(); err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Str("message_id", id).Msg("XACK failed")
	}
}

// Stop implements queue.Consumer.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for consumer: %w", ctx.Err())
	}
}

func toMessage(entry redis.XMessage, attempt int) (*queue.Message, error) {
	payload, err := streamPayload(entry.Values)
	if err != nil {
		return nil, err
	}
	return &queue.Message{
		ID:          entry.ID,
		Payload:     payload,
		Attempt:     attempt,
		PublishedAt: entryTime(entry.ID),
	}, nil
}

// entryTime decodes the millisecond timestamp in a stream ID ("<ms>-<seq>").
func entryTime(id string) time.Time {
	ms, _, ok := strings.Cut(id, "-")
	if !ok {
		return time.Time{}
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Ensure Consumer implements queue.Consumer.
var _ queue.Consumer = (*Consumer)(nil)
