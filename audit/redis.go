package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStreamSink appends records to a Redis stream.
type RedisStreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

const defaultRedisStream = "mcphost:audit"

// OpenRedisStream connects to addr. An empty stream uses mcphost:audit; a positive maxLen
// trims the stream approximately to that length.
func OpenRedisStream(ctx context.Context, addr, password string, db int, stream string, maxLen int64) (*RedisStreamSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if stream == "" {
		stream = defaultRedisStream
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}, nil
}

// Write implements Sink. The batch is sent in one pipeline.
func (s *RedisStreamSink) Write(ctx context.Context, records []Record) error {
	pipe := s.client.Pipeline()
	for _, r := range records {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.stream,
			MaxLen: s.maxLen,
			Approx: s.maxLen > 0,
			Values: map[string]any{
				"id":            r.ID,
				"channel":       r.Channel,
				"serverName":    r.ServerName,
				"correlationId": r.CorrelationID,
				"instanceId":    r.InstanceID,
				"timestamp":     r.Timestamp.Format(time.RFC3339Nano),
				"payload":       string(r.Payload),
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append audit records: %w", err)
	}
	return nil
}

// Close implements Sink.
func (s *RedisStreamSink) Close() error {
	return s.client.Close()
}
