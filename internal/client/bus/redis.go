package bus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisTransport uses a Redis Pub/Sub channel.
type RedisTransport struct {
	rdb     redis.UniversalClient
	channel string
}

func NewRedisTransport(rdb redis.UniversalClient, channel string) *RedisTransport {
	return &RedisTransport{rdb: rdb, channel: channel}
}

func (t *RedisTransport) Publish(ctx context.Context, data []byte) error {
	if err := t.rdb.Publish(ctx, t.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", t.channel, err)
	}
	return nil
}

func (t *RedisTransport) Subscribe(ctx context.Context) (<-chan []byte, error) {
	ps := t.rdb.Subscribe(ctx, t.channel)
	// wait for the subscription confirmation so nothing published after
	// Subscribe returns is missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", t.channel, err)
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		defer ps.Close()

		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(m.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
