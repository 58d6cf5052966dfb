package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/snehjoshi/relayfeed/internal/config"
)

const (
	fiatjafHex  = "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"
	fiatjafNpub = "npub180cvv07tjdrrgpa0j7j7tmnyl2yr6yr7l8j4s3evf6u64th6gkwsyjh6w6"
)

func TestDefault_HasSensibleValues(t *testing.T) {
	cfg := config.Default()

	if cfg.Node.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Node.Port)
	}
	if cfg.Node.DataDir != "./data" {
		t.Errorf("expected default data_dir ./data, got %s", cfg.Node.DataDir)
	}
	if cfg.Feed.DisplayLimit != 75 {
		t.Errorf("expected display_limit 75, got %d", cfg.Feed.DisplayLimit)
	}
	if cfg.Feed.RequestIDsLimit != 500 {
		t.Errorf("expected request_ids_limit 500, got %d", cfg.Feed.RequestIDsLimit)
	}
	if cfg.Feed.Debounce() != 500*time.Millisecond {
		t.Errorf("expected 500ms debounce, got %s", cfg.Feed.Debounce())
	}
	if cfg.Feed.Lookback() != 12*time.Hour {
		t.Errorf("expected 12h lookback, got %s", cfg.Feed.Lookback())
	}
	if cfg.Feed.StaleAfterDuration() != 10*time.Minute {
		t.Errorf("expected stale_after 10m, got %s", cfg.Feed.StaleAfterDuration())
	}
	if len(cfg.Relays) == 0 {
		t.Error("expected default relays")
	}
	if got := cfg.StoragePath(); got != filepath.Join("./data", "events") {
		t.Errorf("unexpected storage path %s", got)
	}
}

func TestLoad_MissingFile_ReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got: %v", err)
	}
	if cfg.Node.Port != 8080 {
		t.Errorf("expected default port for missing file, got %d", cfg.Node.Port)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	yaml := `
node:
  port: 9999
  data_dir: "/tmp/relayfeed_test"
relays:
  - "wss://relay.example.com"
feed:
  display_limit: 30
  lookback_hours: 48
storage:
  path: "/var/lib/relayfeed"
`
	path := writeTempYAML(t, yaml)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Node.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Node.Port)
	}
	if len(cfg.Relays) != 1 || cfg.Relays[0] != "wss://relay.example.com" {
		t.Errorf("expected relays to be replaced, got %v", cfg.Relays)
	}
	if cfg.Feed.DisplayLimit != 30 {
		t.Errorf("expected display_limit 30, got %d", cfg.Feed.DisplayLimit)
	}
	if cfg.Feed.Lookback() != 48*time.Hour {
		t.Errorf("expected 48h lookback, got %s", cfg.Feed.Lookback())
	}
	if cfg.StoragePath() != "/var/lib/relayfeed" {
		t.Errorf("expected explicit storage path, got %s", cfg.StoragePath())
	}
	// Unset fields keep their defaults.
	if cfg.Feed.RequestIDsLimit != 500 {
		t.Errorf("expected default request_ids_limit 500 (unchanged), got %d", cfg.Feed.RequestIDsLimit)
	}
}

func TestLoad_InvalidYAML_ReturnsError(t *testing.T) {
	path := writeTempYAML(t, "node: [invalid: yaml: {{{}}")
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RELAYFEED_DATA_DIR", "/tmp/env_dir")
	t.Setenv("RELAYFEED_PORT", "7070")
	t.Setenv("RELAYFEED_RELAYS", "wss://a.example, wss://b.example,")
	t.Setenv("RELAYFEED_PUBKEY", fiatjafNpub)
	t.Setenv("RELAYFEED_LOG_LEVEL", "debug")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Node.DataDir != "/tmp/env_dir" || cfg.Node.Port != 7070 {
		t.Errorf("node overrides not applied: %+v", cfg.Node)
	}
	if strings.Join(cfg.Relays, " ") != "wss://a.example wss://b.example" {
		t.Errorf("unexpected relays %v", cfg.Relays)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected debug level, got %s", cfg.Log.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if cfg.Account.Pubkey != fiatjafHex {
		t.Errorf("npub not normalised, got %s", cfg.Account.Pubkey)
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := config.Default().Validate(); err != nil {
		t.Errorf("Default config should be valid, got: %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]func(*config.Config){
		"port 0":              func(c *config.Config) { c.Node.Port = 0 },
		"port 99999":          func(c *config.Config) { c.Node.Port = 99999 },
		"empty data dir":      func(c *config.Config) { c.Node.DataDir = "" },
		"http relay":          func(c *config.Config) { c.Relays = []string{"https://relay.example"} },
		"bad pubkey":          func(c *config.Config) { c.Account.Pubkey = "not-a-key" },
		"short hex follow":    func(c *config.Config) { c.Account.Follows = []string{"abcd"} },
		"zero send rate":      func(c *config.Config) { c.Relay.SendRate = 0 },
		"zero display":        func(c *config.Config) { c.Feed.DisplayLimit = 0 },
		"zero lookback":       func(c *config.Config) { c.Feed.LookbackHours = 0 },
		"watchdog below task": func(c *config.Config) { c.Feed.WatchdogTimeoutMs = 100 },
		"bad stale_after":     func(c *config.Config) { c.Feed.StaleAfter = "soon" },
		"metrics port clash":  func(c *config.Config) { c.Metrics.Port = c.Node.Port },
		"bad log format":      func(c *config.Config) { c.Log.Format = "xml" },
		"bad log level":       func(c *config.Config) { c.Log.Level = "loud" },
	}
	for name, mutate := range cases {
		cfg := config.Default()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestNormalizePubkey(t *testing.T) {
	got, err := config.NormalizePubkey(strings.ToUpper(fiatjafHex))
	if err != nil || got != fiatjafHex {
		t.Errorf("hex: got %q, %v", got, err)
	}
	got, err = config.NormalizePubkey(fiatjafNpub)
	if err != nil || got != fiatjafHex {
		t.Errorf("npub: got %q, %v", got, err)
	}
	if _, err := config.NormalizePubkey("npub1garbage"); err == nil {
		t.Error("expected error for malformed npub")
	}
}

// writeTempYAML writes content to a temp file and returns its path.
func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writeTempYAML: %v", err)
	}
	return path
}
