package core

import (
	"path/filepath"
	"testing"
)

func TestLoadConfigUsesDefaultWhenMissing(t *testing.T) {
	var cfg Config
	status, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), &cfg)
	if status != ExitSuccess || err != nil {
		t.Fatalf("expected default config to load cleanly, got status=%d err=%v", status, err)
	}
	if cfg.ListenWorkers != 2 {
		t.Fatalf("expected default ListenWorkers=2, got %d", cfg.ListenWorkers)
	}
	if cfg.MaxRelays != 3 {
		t.Fatalf("expected default MaxRelays=3, got %d", cfg.MaxRelays)
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "config.yaml")

	var cfg Config
	if status, err := LoadConfig(filename, &cfg); status != ExitSuccess || err != nil {
		t.Fatalf("initial load failed: status=%d err=%v", status, err)
	}
	cfg.PrivateKeyX509 = "deadbeef"
	if err := SaveConfig(&cfg); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	var reloaded Config
	if status, err := LoadConfig(filename, &reloaded); status != ExitSuccess || err != nil {
		t.Fatalf("reload failed: status=%d err=%v", status, err)
	}
	if reloaded.PrivateKeyX509 != "deadbeef" {
		t.Fatalf("expected persisted private key to round-trip, got %q", reloaded.PrivateKeyX509)
	}
}

func TestFiltersSetDefaultsIsSafeWithoutNilChecks(t *testing.T) {
	var f Filters
	f.setDefaults()

	f.LogError("test", "message %d", 1)
	f.RelayAdded("1.2.3.4")
	f.RelayRemoved("1.2.3.4")
}
