package bus

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresTransport uses LISTEN/NOTIFY on one channel. NOTIFY payloads are
// limited to 8000 bytes, which session events stay well below.
type PostgresTransport struct {
	pool    *pgxpool.Pool
	channel string
}

func NewPostgresTransport(pool *pgxpool.Pool, channel string) *PostgresTransport {
	return &PostgresTransport{pool: pool, channel: channel}
}

func (t *PostgresTransport) Publish(ctx context.Context, data []byte) error {
	if _, err := t.pool.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, t.channel, string(data)); err != nil {
		return fmt.Errorf("pg_notify %s: %w", t.channel, err)
	}
	return nil
}

// Subscribe holds one pooled connection for as long as ctx lives.
func (t *PostgresTransport) Subscribe(ctx context.Context) (<-chan []byte, error) {
	conn, err := t.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire conn: %w", err)
	}

	quoted := pgx.Identifier{t.channel}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+quoted); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", t.channel, err)
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		defer func() {
			if _, err := conn.Exec(context.Background(), "UNLISTEN "+quoted); err != nil {
				// the connection state is unknown; do not return it to the pool
				_ = conn.Conn().Close(context.Background())
			}
			conn.Release()
		}()

		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				return
			}
			select {
			case out <- []byte(n.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
