package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	for _, key := range []string{"PORT", "DB_DSN", "STORE_DRIVER", "AVG_SERVICE_SECONDS", "CONFLICT_RETRIES", "NOTIFY_BUFFER"} {
		t.Setenv(key, "")
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" || cfg.StoreDriver != DriverMemory {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.AverageServiceTime != 5*time.Minute || cfg.ConflictRetries != 3 || cfg.NotifyBuffer != 256 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	content := "STORE_DRIVER=postgres\nDB_DSN=postgres://localhost/qms\nAVG_SERVICE_SECONDS=90\nCONFLICT_RETRIES=not-a-number\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	for _, key := range []string{"STORE_DRIVER", "DB_DSN", "AVG_SERVICE_SECONDS", "CONFLICT_RETRIES"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreDriver != DriverPostgres || cfg.DatabaseURL != "postgres://localhost/qms" {
		t.Fatalf("env file not applied: %+v", cfg)
	}
	if cfg.AverageServiceTime != 90*time.Second {
		t.Fatalf("expected 90s, got %v", cfg.AverageServiceTime)
	}
	if cfg.ConflictRetries != 3 {
		t.Fatalf("malformed values should fall back, got %d", cfg.ConflictRetries)
	}
}

func TestLoadMissingEnvFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Fatalf("expected error for a missing explicit env file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "postgres without dsn", cfg: Config{StoreDriver: DriverPostgres, ConflictRetries: 1, NotifyBuffer: 1}, want: "DB_DSN"},
		{name: "unknown driver", cfg: Config{StoreDriver: "redis", ConflictRetries: 1, NotifyBuffer: 1}, want: "STORE_DRIVER"},
		{name: "no retries", cfg: Config{StoreDriver: DriverMemory, NotifyBuffer: 1}, want: "CONFLICT_RETRIES"},
		{name: "valid", cfg: Config{StoreDriver: DriverMemory, ConflictRetries: 1, NotifyBuffer: 1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %s, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadCounters(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "counters.yaml")
	content := `counters:
  - counter_id: C-01
    name: Front desk
    active: true
  - counter_id: C-02
    active: false
  - counter_id: C-03
    name: Annex
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write counters: %v", err)
	}

	counters, err := LoadCounters(path)
	if err != nil {
		t.Fatalf("load counters: %v", err)
	}
	if len(counters) != 3 {
		t.Fatalf("expected 3 counters, got %d", len(counters))
	}
	if counters[0].Name != "Front desk" || !counters[0].Active {
		t.Fatalf("unexpected first counter: %+v", counters[0])
	}
	if counters[1].Name != "C-02" || counters[1].Active {
		t.Fatalf("unexpected second counter: %+v", counters[1])
	}
	if counters[2].Name != "Annex" || !counters[2].Active {
		t.Fatalf("counter without an active key should open active: %+v", counters[2])
	}
}

func TestLoadCountersRejectsDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counters.yaml")
	content := "counters:\n  - counter_id: C-01\n  - counter_id: C-01\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write counters: %v", err)
	}
	if _, err := LoadCounters(path); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}
