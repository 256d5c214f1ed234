package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
		"storage": {"driver": "sqlite", "path": "./push.db"},
		"queue": {"queue_size": 100, "throttle": "250ms", "sweep_every": "30s"},
		"gcm": {"timeout": "10s", "concurrency": 2}
	}`)

	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q", cfg.Logging.Level)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("storage.driver = %q", cfg.Storage.Driver)
	}

	throttle, sweep, err := cfg.Queue.Durations()
	if err != nil {
		t.Fatalf("durations: %v", err)
	}
	if throttle != 250*time.Millisecond || sweep != 30*time.Second {
		t.Errorf("durations = %v, %v", throttle, sweep)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", strings.Join([]string{
		"logging:",
		"  level: info",
		"  console: true",
		"  file:",
		"    enabled: false",
		"    path: \"\"",
		"storage:",
		"  driver: memory",
		"  path: \"\"",
		"queue:",
		"  throttle: 1s",
	}, "\n"))

	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Driver != "memory" {
		t.Errorf("storage.driver = %q", cfg.Storage.Driver)
	}
	throttle, sweep, err := cfg.Queue.Durations()
	if err != nil {
		t.Fatalf("durations: %v", err)
	}
	if throttle != time.Second {
		t.Errorf("throttle = %v", throttle)
	}
	if sweep != time.Minute {
		t.Errorf("sweep default = %v, want 1m", sweep)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown top level", `{"logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}}, "storage": {"driver": "memory", "path": ""}, "queue": {}, "mystery": 1}`},
		{"unknown nested", `{"logging": {"level": "info", "console": true, "verbosity": 9, "file": {"enabled": false, "path": ""}}, "storage": {"driver": "memory", "path": ""}, "queue": {}}`},
		{"trailing data", `{"logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}}, "storage": {"driver": "memory", "path": ""}, "queue": {}} {}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, "config.json", tc.body)
			if _, err := NewManager(path).Parse(); err == nil {
				t.Fatal("expected a parse error")
			}
		})
	}
}

func TestBadDurationSurfaces(t *testing.T) {
	q := QueueConfig{Throttle: "fast"}
	if _, _, err := q.Durations(); err == nil {
		t.Fatal("expected a duration error")
	}
}
