package redisstream

import (
	"context"
	"fmt"

	"github.com/dvloznov/transaction-ingest/internal/queue"
	"github.com/redis/go-redis/v9"
)

// Publisher appends events to a stream with XADD.
type Publisher struct {
	client redis.Cmdable
	closer func() error
	stream string
	maxLen int64
}

// NewPublisher creates a publisher on stream. maxLen > 0 caps the stream
// approximately at that many entries.
func NewPublisher(client *redis.Client, stream string, maxLen int64) *Publisher {
	return &Publisher{
		client: client,
		closer: client.Close,
		stream: stream,
		maxLen: maxLen,
	}
}

func (p *Publisher) addArgs(payload []byte) *redis.XAddArgs {
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{payloadField: payload},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	return args
}

// Publish implements queue.Publisher.
func (p *Publisher) Publish(ctx context.Context, payload []byte) error {
	if err := p.client.XAdd(ctx, p.addArgs(payload)).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}

// Close implements queue.Publisher.
func (p *Publisher) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}

// Ensure Publisher implements queue.Publisher.
var _ queue.Publisher = (*Publisher)(nil)
