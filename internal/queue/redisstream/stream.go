// Package redisstream implements the event queue on Redis Streams.
package redisstream

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// payloadField is the stream entry field holding the serialized event.
const payloadField = "payload"

// Connect parses url, opens a client and pings it.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// streamPayload extracts the payload field from a stream entry.
func streamPayload(values map[string]interface{}) ([]byte, error) {
	raw, ok := values[payloadField]
	if !ok {
		return nil, fmt.Errorf("stream entry has no %q field", payloadField)
	}

	switch v := raw.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	case fmt.Stringer:
		return []byte(v.String()), nil
	default:
		return nil, fmt.Errorf("payload type %T is not supported", raw)
	}
}
