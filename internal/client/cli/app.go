package cli

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dmitrijs2005/fleetsession/internal/client/api"
	"github.com/dmitrijs2005/fleetsession/internal/client/bus"
	"github.com/dmitrijs2005/fleetsession/internal/client/client"
	"github.com/dmitrijs2005/fleetsession/internal/client/config"
	"github.com/dmitrijs2005/fleetsession/internal/client/metrics"
	"github.com/dmitrijs2005/fleetsession/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/fleetsession/internal/client/repositories/rediskv"
	"github.com/dmitrijs2005/fleetsession/internal/client/securestore"
	"github.com/dmitrijs2005/fleetsession/internal/client/session"
	"github.com/dmitrijs2005/fleetsession/internal/filex"
	"github.com/dmitrijs2005/fleetsession/internal/logging"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// DatabaseFile is the name of the shared client database inside the data
// directory.
const DatabaseFile = "session.db"

type Mode string

const (
	ModeOffline Mode = "offline"
	ModeOnline  Mode = "online"
)

type App struct {
	config   *config.Config
	log      logging.Logger
	registry *prometheus.Registry

	session  *session.Manager
	pipeline *api.Pipeline
	bus      *bus.Bus
	grpc     *client.GRPCClient

	reader *bufio.Reader
	out    io.Writer

	mu      sync.Mutex
	mode    Mode
	watches []func()

	closers []func() error
}

// NewApp opens the client database, builds the store, bus, session manager
// and request pipeline from c, and links them together. Nothing is started
// until Run.
func NewApp(ctx context.Context, c *config.Config, log logging.Logger) (*App, error) {
	a := &App{
		config:   c,
		log:      log,
		registry: prometheus.NewRegistry(),
		reader:   bufio.NewReader(os.Stdin),
		out:      os.Stdout,
	}
	if err := a.wire(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	c := a.config
	m := metrics.New(a.registry)

	dir, err := filex.EnsureDir(c.DataDir)
	if err != nil {
		return err
	}

	db, err := client.InitDatabase(ctx, filepath.Join(dir, DatabaseFile))
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	a.closers = append(a.closers, db.Close)

	var rdb redis.UniversalClient
	if c.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: c.RedisAddr})
		a.closers = append(a.closers, rdb.Close)
	}

	repo, err := a.repository(db, rdb)
	if err != nil {
		return err
	}

	policy, err := securestore.ParseFallbackPolicy(c.StoreFallback)
	if err != nil {
		return err
	}
	store := securestore.New(repo, securestore.NewFileKeyProvider(dir, c.StorePassphrase),
		securestore.WithFallback(policy),
		securestore.WithLogger(a.log.With("component", "store")),
	)

	primary, fallback, err := a.transports(ctx, db, rdb)
	if err != nil {
		return err
	}
	a.bus, err = bus.New(primary, fallback,
		bus.WithLogger(a.log.With("component", "bus")),
		bus.WithMetrics(m),
		bus.WithDedup(c.DedupWindow, c.DedupHistory),
	)
	if err != nil {
		return err
	}

	a.pipeline, err = api.New(c.ServerURL,
		api.WithLogger(a.log.With("component", "api")),
		api.WithMetrics(m),
		api.WithTimeout(c.RequestTimeout),
		api.WithRetry(c.MaxRetries, c.RetryBaseDelay, c.RetryMaxDelay),
	)
	if err != nil {
		return err
	}

	opts := []session.Option{
		session.WithLogger(a.log.With("component", "session")),
		session.WithMetrics(m),
		session.WithRenewalThreshold(c.RenewalThreshold),
		session.WithRenewalTimeout(c.RenewalTimeout),
	}
	if c.LegacyKeys {
		opts = append(opts, session.WithLegacyRepository(repo))
	}
	a.session = session.New(api.NewAuthAPI(a.pipeline), store, a.bus, opts...)
	a.pipeline.SetCredentialSource(a.session)

	if c.GRPCAddr != "" {
		a.grpc, err = client.NewGRPCClient(c.GRPCAddr, a.session,
			[]client.GRPCOption{client.WithGRPCLogger(a.log.With("component", "grpc"))})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, a.grpc.Close)
	}

	return nil
}

func (a *App) repository(db *sql.DB, rdb redis.UniversalClient) (metadata.Repository, error) {
	switch a.config.StoreBackend {
	case config.StoreRedis:
		if rdb == nil {
			return nil, errors.New("redis store requires a redis address")
		}
		return rediskv.NewRepository(rdb, a.config.RedisNamespace), nil
	default:
		return metadata.NewSQLiteRepository(db), nil
	}
}

// transports returns the primary and fallback bus transports. The SQLite
// table is the fallback for every primary except "none", which keeps events
// inside this process.
func (a *App) transports(ctx context.Context, db *sql.DB, rdb redis.UniversalClient) (bus.Transport, bus.Transport, error) {
	c := a.config
	storage := bus.NewStorageTransport(db,
		bus.WithPollInterval(c.BusPollInterval),
		bus.WithStorageLogger(a.log.With("component", "bus-storage")),
	)

	switch c.BusTransport {
	case config.BusNone:
		return bus.NewMemoryHub().Endpoint(), nil, nil
	case config.BusRedis:
		if rdb == nil {
			return nil, nil, errors.New("redis bus requires a redis address")
		}
		return bus.NewRedisTransport(rdb, c.BusChannel), storage, nil
	case config.BusPostgres:
		pool, err := pgxpool.New(ctx, c.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres bus: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		return bus.NewPostgresTransport(pool, c.BusChannel), storage, nil
	default:
		return nil, storage, nil
	}
}

// Start subscribes to the bus and restores any persisted session.
func (a *App) Start(ctx context.Context) error {
	if err := a.bus.Start(ctx); err != nil {
		return err
	}
	return a.session.Initialize(ctx)
}

// Run starts the app and blocks in the REPL until the user exits or ctx is
// cancelled.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	if err := a.Start(ctx); err != nil {
		return err
	}

	if a.config.MetricsAddr != "" {
		go a.serveMetrics(ctx)
	}
	go a.StartOnlineStatusWatcher(ctx, a.config.OnlineCheckInterval)

	fmt.Fprintln(a.out, "Welcome to fleetsession CLI (type 'help' for commands)")
	runREPL(ctx, a, a.getStatus, a.reader)
	return nil
}

func (a *App) serveMetrics(ctx context.Context) {
	srv := &http.Server{
		Addr:              a.config.MetricsAddr,
		Handler:           promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.log.Error(ctx, "metrics server stopped", "error", err)
	}
}

// Close releases every resource in reverse order of acquisition.
func (a *App) Close() error {
	a.mu.Lock()
	for _, unsubscribe := range a.watches {
		unsubscribe()
	}
	a.watches = nil
	a.mu.Unlock()

	if a.session != nil {
		a.session.Close()
	}
	if a.bus != nil {
		a.bus.Close()
	}

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) isLoggedIn() bool {
	return a.session.IsAuthenticated()
}

func (a *App) Mode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

func (a *App) setMode(ctx context.Context, mode Mode) {
	a.mu.Lock()
	changed := a.mode != mode
	a.mode = mode
	a.mu.Unlock()

	if changed {
		a.log.Info(ctx, "connectivity changed", "mode", string(mode))
	}
}

func (a *App) getStatus() string {
	s := ""
	if subj, ok := a.session.Subject(); ok {
		s = subj.ID + " "
	}
	s += string(a.Mode())
	if s != "" {
		s = fmt.Sprintf("(%s)", s)
	}
	return s
}

// StartOnlineStatusWatcher pings the backend every interval and records
// whether it answered.
func (a *App) StartOnlineStatusWatcher(ctx context.Context, interval time.Duration) {
	a.checkOnline(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.checkOnline(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) checkOnline(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := a.ping(ctx); err != nil {
		a.setMode(ctx, ModeOffline)
		return
	}
	a.setMode(ctx, ModeOnline)
}
