package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dmitrijs2005/fleetsession/internal/flagx"
	"github.com/dmitrijs2005/fleetsession/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. Durations
// use timex.Duration so a file may say "5m" or give nanoseconds.
type JsonConfig struct {
	ServerURL string `json:"server_url"`
	GRPCAddr  string `json:"grpc_addr"`
	DataDir   string `json:"data_dir"`

	StoreBackend    string `json:"store_backend"`
	StoreFallback   string `json:"store_fallback"`
	StorePassphrase string `json:"store_passphrase"`
	LegacyKeys      *bool  `json:"legacy_keys"`

	BusTransport    string         `json:"bus_transport"`
	BusChannel      string         `json:"bus_channel"`
	BusPollInterval timex.Duration `json:"bus_poll_interval"`
	DedupWindow     timex.Duration `json:"dedup_window"`
	DedupHistory    int            `json:"dedup_history"`

	RedisAddr      string `json:"redis_addr"`
	RedisNamespace string `json:"redis_namespace"`
	PostgresDSN    string `json:"postgres_dsn"`

	RenewalThreshold timex.Duration `json:"renewal_threshold"`
	RenewalTimeout   timex.Duration `json:"renewal_timeout"`
	RequestTimeout   timex.Duration `json:"request_timeout"`
	MaxRetries       *int           `json:"max_retries"`
	RetryBaseDelay   timex.Duration `json:"retry_base_delay"`
	RetryMaxDelay    timex.Duration `json:"retry_max_delay"`

	OnlineCheckInterval timex.Duration `json:"online_check_interval"`

	LogLevel    string `json:"log_level"`
	LogFormat   string `json:"log_format"`
	MetricsAddr string `json:"metrics_addr"`
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v timex.Duration) {
	if v.Duration != 0 {
		*dst = v.Duration
	}
}

// parseJSON overlays cfg with the fields present in the JSON file named by
// -c or -config. Without either flag it does nothing.
func parseJSON(cfg *Config, args []string) error {
	path := flagx.ConfigPath(args)
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var jc JsonConfig
	if err := json.Unmarshal(data, &jc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&cfg.ServerURL, jc.ServerURL)
	setString(&cfg.GRPCAddr, jc.GRPCAddr)
	setString(&cfg.DataDir, jc.DataDir)
	setString(&cfg.StoreBackend, jc.StoreBackend)
	setString(&cfg.StoreFallback, jc.StoreFallback)
	setString(&cfg.StorePassphrase, jc.StorePassphrase)
	if jc.LegacyKeys != nil {
		cfg.LegacyKeys = *jc.LegacyKeys
	}

	setString(&cfg.BusTransport, jc.BusTransport)
	setString(&cfg.BusChannel, jc.BusChannel)
	setDuration(&cfg.BusPollInterval, jc.BusPollInterval)
	setDuration(&cfg.DedupWindow, jc.DedupWindow)
	if jc.DedupHistory > 0 {
		cfg.DedupHistory = jc.DedupHistory
	}

	setString(&cfg.RedisAddr, jc.RedisAddr)
	setString(&cfg.RedisNamespace, jc.RedisNamespace)
	setString(&cfg.PostgresDSN, jc.PostgresDSN)

	setDuration(&cfg.RenewalThreshold, jc.RenewalThreshold)
	setDuration(&cfg.RenewalTimeout, jc.RenewalTimeout)
	setDuration(&cfg.RequestTimeout, jc.RequestTimeout)
	if jc.MaxRetries != nil {
		cfg.MaxRetries = *jc.MaxRetries
	}
	setDuration(&cfg.RetryBaseDelay, jc.RetryBaseDelay)
	setDuration(&cfg.RetryMaxDelay, jc.RetryMaxDelay)
	setDuration(&cfg.OnlineCheckInterval, jc.OnlineCheckInterval)

	setString(&cfg.LogLevel, jc.LogLevel)
	setString(&cfg.LogFormat, jc.LogFormat)
	setString(&cfg.MetricsAddr, jc.MetricsAddr)
	return nil
}
