// Package config holds all configuration types and loading logic for relayfeed.
// Config structure never shrinks: fields are only added, never renamed or removed.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr/nip19"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a relayfeed instance.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Account AccountConfig `yaml:"account"`
	Relays  []string      `yaml:"relays"`
	Relay   RelayConfig   `yaml:"relay"`
	Storage StorageConfig `yaml:"storage"`
	Feed    FeedConfig    `yaml:"feed"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

// NodeConfig holds the local feed server settings.
type NodeConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
	// APIKey, when set, is required in X-Api-Key on every request but /healthz.
	APIKey string `yaml:"api_key"`
}

// AccountConfig identifies whose feeds are built.
type AccountConfig struct {
	// Pubkey is hex or npub. Validate normalises it to hex.
	Pubkey string `yaml:"pubkey"`
	// Follows is used until a contact list is known.
	Follows []string `yaml:"follows"`
	Blocked []string `yaml:"blocked"`
	Muted   []string `yaml:"muted"`
}

// RelayConfig tunes the relay pool.
type RelayConfig struct {
	SendRate         float64 `yaml:"send_rate"`
	SendBurst        int     `yaml:"send_burst"`
	DialTimeoutMs    int     `yaml:"dial_timeout_ms"`
	PingIntervalMs   int     `yaml:"ping_interval_ms"`
	MaxDialRetries   int     `yaml:"max_dial_retries"`
	RetryBaseDelayMs int     `yaml:"retry_base_delay_ms"`
	RetryMaxDelayMs  int     `yaml:"retry_max_delay_ms"`
}

// StorageConfig controls the local event store.
type StorageConfig struct {
	// Path is the store directory. Empty means <data_dir>/events.
	Path         string `yaml:"path"`
	CacheEntries int    `yaml:"cache_entries"`
	NoSync       bool   `yaml:"no_sync"`
}

// FeedConfig holds the pipeline tunables shared by every feed.
type FeedConfig struct {
	DisplayLimit      int    `yaml:"display_limit"`
	RequestIDsLimit   int    `yaml:"request_ids_limit"`
	DebounceMs        int    `yaml:"debounce_ms"`
	TaskTimeoutMs     int    `yaml:"task_timeout_ms"`
	WatchdogTimeoutMs int    `yaml:"watchdog_timeout_ms"`
	LookbackHours     int    `yaml:"lookback_hours"`
	StaleAfter        string `yaml:"stale_after"`
	FollowsCap        int    `yaml:"follows_cap"`
	PrefetchBatch     int    `yaml:"prefetch_batch"`
	FetchCounts       bool   `yaml:"fetch_counts"`
	Emoji             string `yaml:"emoji"`
	// Enabled lists the feeds served. Empty means every feed.
	Enabled []string `yaml:"enabled"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Host:    "127.0.0.1",
			Port:    8080,
			DataDir: "./data",
		},
		Relays: []string{
			"wss://relay.damus.io",
			"wss://nos.lol",
		},
		Relay: RelayConfig{
			SendRate:         10,
			SendBurst:        20,
			DialTimeoutMs:    10_000,
			PingIntervalMs:   30_000,
			MaxDialRetries:   5,
			RetryBaseDelayMs: 500,
			RetryMaxDelayMs:  30_000,
		},
		Storage: StorageConfig{
			CacheEntries: 4096,
		},
		Feed: FeedConfig{
			DisplayLimit:      75,
			RequestIDsLimit:   500,
			DebounceMs:        500,
			TaskTimeoutMs:     5_000,
			WatchdogTimeoutMs: 12_000,
			LookbackHours:     12,
			StaleAfter:        "10m",
			FollowsCap:        2000,
			PrefetchBatch:     5,
			FetchCounts:       true,
			Emoji:             "😂",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error.
//
// After loading the file, environment variables are applied as overrides:
//
//	RELAYFEED_DATA_DIR    sets node.data_dir
//	RELAYFEED_PORT        sets node.port
//	RELAYFEED_RELAYS      comma separated, replaces relays
//	RELAYFEED_PUBKEY      sets account.pubkey
//	RELAYFEED_LOG_LEVEL   sets log.level
//	RELAYFEED_API_KEY     sets node.api_key
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("RELAYFEED_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("RELAYFEED_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Node.Port = p
		}
	}
	if v := os.Getenv("RELAYFEED_RELAYS"); v != "" {
		var urls []string
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		cfg.Relays = urls
	}
	if v := os.Getenv("RELAYFEED_PUBKEY"); v != "" {
		cfg.Account.Pubkey = v
	}
	if v := os.Getenv("RELAYFEED_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("RELAYFEED_API_KEY"); v != "" {
		cfg.Node.APIKey = v
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges, normalising npub keys to hex. It returns the first error found.
func (c *Config) Validate() error {
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return errors.New("node.port must be between 1 and 65535")
	}
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	for _, u := range c.Relays {
		if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
			return fmt.Errorf("relays: %q is not a ws:// or wss:// url", u)
		}
	}
	if c.Account.Pubkey != "" {
		pk, err := NormalizePubkey(c.Account.Pubkey)
		if err != nil {
			return fmt.Errorf("account.pubkey: %w", err)
		}
		c.Account.Pubkey = pk
	}
	for i, f := range c.Account.Follows {
		pk, err := NormalizePubkey(f)
		if err != nil {
			return fmt.Errorf("account.follows[%d]: %w", i, err)
		}
		c.Account.Follows[i] = pk
	}
	if c.Relay.SendRate <= 0 {
		return errors.New("relay.send_rate must be positive")
	}
	if c.Relay.SendBurst < 1 {
		return errors.New("relay.send_burst must be at least 1")
	}
	if c.Relay.MaxDialRetries < 0 {
		return errors.New("relay.max_dial_retries must be >= 0")
	}
	if c.Feed.DisplayLimit < 1 {
		return errors.New("feed.display_limit must be at least 1")
	}
	if c.Feed.RequestIDsLimit < 1 {
		return errors.New("feed.request_ids_limit must be at least 1")
	}
	if c.Feed.LookbackHours < 1 {
		return errors.New("feed.lookback_hours must be at least 1")
	}
	if c.Feed.TaskTimeoutMs < 1 || c.Feed.WatchdogTimeoutMs < 1 {
		return errors.New("feed timeouts must be positive")
	}
	if c.Feed.WatchdogTimeoutMs < c.Feed.TaskTimeoutMs {
		return errors.New("feed.watchdog_timeout_ms must not be below feed.task_timeout_ms")
	}
	if _, err := time.ParseDuration(c.Feed.StaleAfter); err != nil {
		return fmt.Errorf("feed.stale_after: %w", err)
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	if c.Metrics.Enabled && c.Metrics.Port == c.Node.Port {
		return errors.New("metrics.port must differ from node.port")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return errors.New(`log.format must be one of "json", "text"`)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New(`log.level must be one of "debug", "info", "warn", "error"`)
	}
	return nil
}

// NormalizePubkey accepts a 64-char hex key or an npub and returns hex.
func NormalizePubkey(s string) (string, error) {
	if strings.HasPrefix(s, "npub1") {
		prefix, v, err := nip19.Decode(s)
		if err != nil {
			return "", fmt.Errorf("decode %q: %w", s, err)
		}
		hexKey, ok := v.(string)
		if prefix != "npub" || !ok {
			return "", fmt.Errorf("%q is not an npub", s)
		}
		return hexKey, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return "", fmt.Errorf("%q is not a 32-byte hex key", s)
	}
	return strings.ToLower(s), nil
}

// StoragePath returns the bbolt directory for the event store.
func (c *Config) StoragePath() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	return filepath.Join(c.Node.DataDir, "events")
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// Debounce returns feed.debounce_ms as a duration.
func (f FeedConfig) Debounce() time.Duration { return ms(f.DebounceMs) }

// TaskTimeout returns feed.task_timeout_ms as a duration.
func (f FeedConfig) TaskTimeout() time.Duration { return ms(f.TaskTimeoutMs) }

// WatchdogTimeout returns feed.watchdog_timeout_ms as a duration.
func (f FeedConfig) WatchdogTimeout() time.Duration { return ms(f.WatchdogTimeoutMs) }

// Lookback returns feed.lookback_hours as a duration.
func (f FeedConfig) Lookback() time.Duration { return time.Duration(f.LookbackHours) * time.Hour }

// StaleAfterDuration parses feed.stale_after. Invalid values yield 0, which
// the pipeline treats as its default.
func (f FeedConfig) StaleAfterDuration() time.Duration {
	d, _ := time.ParseDuration(f.StaleAfter)
	return d
}

// DialTimeout returns relay.dial_timeout_ms as a duration.
func (r RelayConfig) DialTimeout() time.Duration { return ms(r.DialTimeoutMs) }

// PingInterval returns relay.ping_interval_ms as a duration.
func (r RelayConfig) PingInterval() time.Duration { return ms(r.PingIntervalMs) }

// RetryBaseDelay returns relay.retry_base_delay_ms as a duration.
func (r RelayConfig) RetryBaseDelay() time.Duration { return ms(r.RetryBaseDelayMs) }

// RetryMaxDelay returns relay.retry_max_delay_ms as a duration.
func (r RelayConfig) RetryMaxDelay() time.Duration { return ms(r.RetryMaxDelayMs) }
