package config

import (
	"fmt"
	"os"
	"time"
)

// Config holds runtime settings for the fleetsession CLI.
type Config struct {
	ServerURL string `env:"SERVER_URL"`
	GRPCAddr  string `env:"GRPC_ADDR"`
	DataDir   string `env:"DATA_DIR"`

	StoreBackend    string `env:"STORE_BACKEND"`
	StoreFallback   string `env:"STORE_FALLBACK"`
	StorePassphrase string `env:"STORE_PASSPHRASE"`
	LegacyKeys      bool   `env:"LEGACY_KEYS"`

	BusTransport    string        `env:"BUS_TRANSPORT"`
	BusChannel      string        `env:"BUS_CHANNEL"`
	BusPollInterval time.Duration `env:"BUS_POLL_INTERVAL"`
	DedupWindow     time.Duration `env:"DEDUP_WINDOW"`
	DedupHistory    int           `env:"DEDUP_HISTORY"`

	RedisAddr      string `env:"REDIS_ADDR"`
	RedisNamespace string `env:"REDIS_NAMESPACE"`
	PostgresDSN    string `env:"POSTGRES_DSN"`

	RenewalThreshold time.Duration `env:"RENEWAL_THRESHOLD"`
	RenewalTimeout   time.Duration `env:"RENEWAL_TIMEOUT"`
	RequestTimeout   time.Duration `env:"REQUEST_TIMEOUT"`
	MaxRetries       int           `env:"MAX_RETRIES"`
	RetryBaseDelay   time.Duration `env:"RETRY_BASE_DELAY"`
	RetryMaxDelay    time.Duration `env:"RETRY_MAX_DELAY"`

	OnlineCheckInterval time.Duration `env:"ONLINE_CHECK_INTERVAL"`

	LogLevel    string `env:"LOG_LEVEL"`
	LogFormat   string `env:"LOG_FORMAT"`
	MetricsAddr string `env:"METRICS_ADDR"`
}

// Store backends and bus transports understood by the CLI.
const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"

	BusStorage  = "storage"
	BusRedis    = "redis"
	BusPostgres = "postgres"
	BusNone     = "none"
)

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerURL = "http://127.0.0.1:8080"
	c.DataDir = "fleetsession_data"

	c.StoreBackend = StoreSQLite
	c.StoreFallback = "fail"
	c.LegacyKeys = true

	c.BusTransport = BusStorage
	c.BusChannel = "fleetsession.auth"
	c.BusPollInterval = 250 * time.Millisecond
	c.DedupWindow = time.Second
	c.DedupHistory = 100

	c.RedisNamespace = "fleetsession"

	c.RenewalThreshold = 5 * time.Minute
	c.RenewalTimeout = 15 * time.Second
	c.RequestTimeout = 30 * time.Second
	c.MaxRetries = 3
	c.RetryBaseDelay = time.Second
	c.RetryMaxDelay = 10 * time.Second

	c.OnlineCheckInterval = 10 * time.Second

	c.LogLevel = "info"
	c.LogFormat = "text"
}

// Validate rejects combinations the CLI cannot start with.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreSQLite:
	case StoreRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("store backend %q needs a redis address", c.StoreBackend)
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}

	switch c.BusTransport {
	case BusStorage, BusNone:
	case BusRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("bus transport %q needs a redis address", c.BusTransport)
		}
	case BusPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("bus transport %q needs a postgres dsn", c.BusTransport)
		}
	default:
		return fmt.Errorf("unknown bus transport %q", c.BusTransport)
	}

	if c.RenewalThreshold <= 0 {
		return fmt.Errorf("renewal threshold must be positive, got %s", c.RenewalThreshold)
	}
	if c.OnlineCheckInterval <= 0 {
		return fmt.Errorf("online check interval must be positive, got %s", c.OnlineCheckInterval)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	}
	return nil
}

// Load builds a Config from defaults, then the JSON file named by -c or
// -config, then the environment (and .env), then flags. Later sources take
// precedence over earlier ones.
func Load(args []string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()

	if err := parseJSON(cfg, args); err != nil {
		return nil, err
	}
	if err := parseEnv(cfg, ".env"); err != nil {
		return nil, err
	}
	if err := parseFlags(cfg, args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig is Load over the process arguments.
func LoadConfig() (*Config, error) {
	return Load(os.Args[1:])
}
