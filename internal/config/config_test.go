package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != DefaultHTTPAddr {
		t.Errorf("addr = %q, want %q", cfg.Server.Addr, DefaultHTTPAddr)
	}
	if cfg.Postgres.Database != DefaultPGDatabase {
		t.Errorf("database = %q, want %q", cfg.Postgres.Database, DefaultPGDatabase)
	}
	if cfg.RTM.ViewerQueueSize != 64 {
		t.Errorf("viewer queue size = %d, want 64", cfg.RTM.ViewerQueueSize)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[server]
addr = ":9090"

[rtm]
endpoint = "wss://rtm.test/connect"
watchdog_interval = "10s"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q, want :9090", cfg.Server.Addr)
	}
	if cfg.RTM.Endpoint != "wss://rtm.test/connect" {
		t.Errorf("endpoint = %q", cfg.RTM.Endpoint)
	}
	if got := Duration(cfg.RTM.WatchdogInterval, 20*time.Second); got != 10*time.Second {
		t.Errorf("watchdog interval = %v, want 10s", got)
	}
}

func TestDurationFallback(t *testing.T) {
	if got := Duration("", 5*time.Second); got != 5*time.Second {
		t.Errorf("empty duration = %v, want 5s", got)
	}
	if got := Duration("nonsense", 5*time.Second); got != 5*time.Second {
		t.Errorf("invalid duration = %v, want 5s", got)
	}
	if got := Duration("250ms", 5*time.Second); got != 250*time.Millisecond {
		t.Errorf("duration = %v, want 250ms", got)
	}
}
