package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConcurrency(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ReadConcurrency != 40 {
		t.Errorf("ReadConcurrency = %d, want 40", cfg.ReadConcurrency)
	}
	if cfg.WriteConcurrency != 80 {
		t.Errorf("WriteConcurrency = %d, want 80", cfg.WriteConcurrency)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snsync.yaml")
	data := `
instance: acme
username: sync_user
password: hunter2
read_concurrency: 10
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Instance != "acme" {
		t.Errorf("Instance = %q, want acme", cfg.Instance)
	}
	if cfg.ReadConcurrency != 10 {
		t.Errorf("ReadConcurrency = %d, want 10", cfg.ReadConcurrency)
	}
	if cfg.WriteConcurrency != 80 {
		t.Errorf("WriteConcurrency = %d, want default 80", cfg.WriteConcurrency)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.BaseURL() != "https://acme.service-now.com" {
		t.Errorf("BaseURL = %q", cfg.BaseURL())
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SNSYNC_INSTANCE", "other")
	t.Setenv("SNSYNC_USERNAME", "u")
	t.Setenv("SNSYNC_PASSWORD", "p")
	t.Setenv("SNSYNC_READ_ONLY", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Instance != "other" {
		t.Errorf("Instance = %q, want other", cfg.Instance)
	}
	if !cfg.ReadOnly {
		t.Error("expected ReadOnly from env")
	}
}

func TestValidateMissingCredentials(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Instance = "acme"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing credentials")
	}
}

func TestValidateMissingInstance(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing instance")
	}
}

func TestFakeSentinel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Instance = FakeInstance
	if err := cfg.Validate(); err != nil {
		t.Fatalf("fake instance should not require credentials: %v", err)
	}
	if !cfg.Fake() {
		t.Error("expected Fake() for sentinel instance without credentials")
	}

	cfg.Username = "real"
	cfg.Password = "creds"
	if cfg.Fake() {
		t.Error("credentials against the sentinel instance must use the real transport")
	}
}

func TestValidateBadLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Instance = FakeInstance
	cfg.Logging.Level = "loud"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid log level")
	}
}
