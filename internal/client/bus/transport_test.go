package bus

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/dmitrijs2005/fleetsession/internal/client/client"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseTransports checks the Bus contract over two independent
// transport instances that share a backend.
func exerciseTransports(t *testing.T, ta, tb Transport) {
	t.Helper()
	a := startBus(t, ta, nil)
	b := startBus(t, tb, nil)

	var got recorder
	b.Listen(EventLogin, got.add)

	require.NoError(t, a.Send(context.Background(), EventLogin, map[string]string{"id": "u1"}))
	require.NoError(t, a.Send(context.Background(), EventLogin, map[string]string{"id": "u1"}))
	flush(t, a, b)

	require.Equal(t, 1, got.len())
	assert.Equal(t, a.TabID(), got.all()[0].Origin)
}

func TestStorageTransport_BetweenDatabaseHandles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "client.db")

	dbA, err := client.InitDatabase(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dbA.Close() })
	dbB, err := client.InitDatabase(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dbB.Close() })

	exerciseTransports(t,
		NewStorageTransport(dbA, WithPollInterval(10*time.Millisecond)),
		NewStorageTransport(dbB, WithPollInterval(10*time.Millisecond)),
	)
}

func TestStorageTransport_PrunesOldRows(t *testing.T) {
	ctx := context.Background()
	db, err := client.InitDatabase(ctx, filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	now := time.Unix(1_700_000_000, 0)
	tr := NewStorageTransport(db, WithRetention(time.Second))
	tr.now = func() time.Time { return now }

	require.NoError(t, tr.Publish(ctx, []byte("old")))
	now = now.Add(2 * time.Second)
	require.NoError(t, tr.Publish(ctx, []byte("new")))

	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bus_messages`).Scan(&n))
	assert.Equal(t, 1, n, "rows older than the retention window are removed on publish")
}

func TestStorageTransport_SubscriberIgnoresBacklog(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := client.InitDatabase(ctx, filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	tr := NewStorageTransport(db, WithPollInterval(5*time.Millisecond))
	require.NoError(t, tr.Publish(ctx, []byte("before")))
	time.Sleep(5 * time.Millisecond)

	ch, err := tr.Subscribe(ctx)
	require.NoError(t, err)
	require.NoError(t, tr.Publish(ctx, []byte("after")))

	select {
	case got := <-ch:
		assert.Equal(t, "after", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
	}

	select {
	case got := <-ch:
		t.Fatalf("unexpected redelivery %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStorageTransport_KeepsSendOrderWithinMillisecond(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := client.InitDatabase(ctx, filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	now := time.UnixMilli(1_700_000_000_123)
	tr := NewStorageTransport(db, WithPollInterval(5*time.Millisecond))
	tr.now = func() time.Time { return now }

	ch, err := tr.Subscribe(ctx)
	require.NoError(t, err)

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, tr.Publish(ctx, []byte(strconv.Itoa(i))))
	}
	for i := 0; i < n; i++ {
		select {
		case got := <-ch:
			require.Equal(t, strconv.Itoa(i), string(got))
		case <-time.After(2 * time.Second):
			t.Fatalf("message %d not delivered", i)
		}
	}
}

func TestFloorID_SortsBeforeRandomIDsOfSameMillisecond(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_123)
	assert.Less(t, floorID(ts), floorID(ts.Add(time.Millisecond)))
	assert.Len(t, floorID(ts), 26)
}

func TestRedisTransport(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	channel := "fleetsession-test:" + uuid.NewString()
	exerciseTransports(t, NewRedisTransport(rdb, channel), NewRedisTransport(rdb, channel))
}

func TestPostgresTransport(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	channel := "fleetsession_test_" + uuid.NewString()
	exerciseTransports(t, NewPostgresTransport(pool, channel), NewPostgresTransport(pool, channel))
}
