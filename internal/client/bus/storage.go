package bus

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/fleetsession/internal/dbx"
	"github.com/dmitrijs2005/fleetsession/internal/logging"
	"github.com/oklog/ulid/v2"
)

const (
	DefaultStoragePollInterval = 250 * time.Millisecond
	DefaultStorageRetention    = 5 * time.Second
)

// StorageTransport is the degraded transport for processes that share only
// the client database. Each message is a row keyed by a ULID; rows older
// than the retention window are pruned by publishers and ignored by
// readers, who poll for rows they have not seen yet.
type StorageTransport struct {
	db        *sql.DB
	interval  time.Duration
	retention time.Duration
	log       logging.Logger
	now       func() time.Time

	// entropy is monotonic so ids from one publisher sort in send order
	// within a millisecond.
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

type StorageOption func(*StorageTransport)

func WithPollInterval(d time.Duration) StorageOption {
	return func(t *StorageTransport) { t.interval = d }
}

func WithRetention(d time.Duration) StorageOption {
	return func(t *StorageTransport) { t.retention = d }
}

func WithStorageLogger(l logging.Logger) StorageOption {
	return func(t *StorageTransport) { t.log = l }
}

// NewStorageTransport expects db to carry the bus_messages table from the
// client migrations.
func NewStorageTransport(db *sql.DB, opts ...StorageOption) *StorageTransport {
	t := &StorageTransport{
		db:        db,
		interval:  DefaultStoragePollInterval,
		retention: DefaultStorageRetention,
		log:       logging.Discard(),
		now:       time.Now,
		entropy:   ulid.Monotonic(rand.Reader, 0),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// floorID is the smallest ULID at ts.
func floorID(ts time.Time) string {
	var id ulid.ULID
	_ = id.SetTime(ulid.Timestamp(ts))
	return id.String()
}

func (t *StorageTransport) Publish(ctx context.Context, data []byte) error {
	t.mu.Lock()
	now := t.now()
	id, err := ulid.New(ulid.Timestamp(now), t.entropy)
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("storage publish: %w", err)
	}

	err = dbx.WithTx(ctx, t.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO bus_messages (id, payload) VALUES (?, ?)`, id.String(), data); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM bus_messages WHERE id < ?`, floorID(now.Add(-t.retention)))
		return err
	})
	if err != nil {
		return fmt.Errorf("storage publish: %w", err)
	}
	return nil
}

func (t *StorageTransport) Subscribe(ctx context.Context) (<-chan []byte, error) {
	if err := t.db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("storage subscribe: %w", err)
	}

	start := floorID(t.now())
	out := make(chan []byte)

	go func() {
		defer close(out)

		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		// ids of different publishers interleave within a millisecond, so a
		// cursor alone would skip rows committed late within a read millisecond
		seen := make(map[string]time.Time)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			rows, err := t.poll(ctx, start, seen)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				t.log.Warn(ctx, "storage bus poll failed", "error", err)
				continue
			}
			for _, data := range rows {
				select {
				case out <- data:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (t *StorageTransport) poll(ctx context.Context, start string, seen map[string]time.Time) ([][]byte, error) {
	now := t.now()
	lower := floorID(now.Add(-t.retention))
	if start > lower {
		lower = start
	}

	// a pruned id is always older than lower, so it cannot come back
	for id, ts := range seen {
		if now.Sub(ts) > t.retention+time.Second {
			delete(seen, id)
		}
	}

	rows, err := t.db.QueryContext(ctx, `SELECT id, payload FROM bus_messages WHERE id >= ? ORDER BY id`, lower)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var (
			id      string
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		if _, ok := seen[id]; ok {
			continue
		}
		parsed, err := ulid.ParseStrict(id)
		if err != nil {
			continue
		}
		seen[id] = ulid.Time(parsed.Time())
		out = append(out, payload)
	}
	return out, rows.Err()
}
