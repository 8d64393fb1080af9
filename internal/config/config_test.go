package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "facegate.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("POSTGRES_HOST", "")
	t.Setenv("FACEGATE_DATABASE_URL", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Camera.Width != 640 || cfg.Camera.Height != 480 || cfg.Camera.FailureThreshold != 10 {
		t.Errorf("Unexpected camera defaults: %+v", cfg.Camera)
	}
	if cfg.Recognition.FrameSkip != 3 || cfg.Recognition.Tolerance != 0.6 || cfg.Recognition.SnapshotMaxAge != time.Hour {
		t.Errorf("Unexpected recognition defaults: %+v", cfg.Recognition)
	}
	if cfg.Database.URL != defaultDatabaseURL {
		t.Errorf("Unexpected database url %q", cfg.Database.URL)
	}
}

func TestYAMLOverrides(t *testing.T) {
	path := writeConfig(t, `
camera:
  index: 2
  width: 1280
  height: 720
recognition:
  frame_skip: 5
  cooldown: 3s
  snapshot_path: /tmp/cache.snap
worker:
  command: /opt/venv/bin/python
  args: ["-u", "worker.py"]
status:
  enabled: true
  addr: ":9000"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Camera.Index != 2 || cfg.Camera.Width != 1280 || cfg.Camera.FPS != 30 {
		t.Errorf("Unexpected camera config: %+v", cfg.Camera)
	}
	if cfg.Recognition.FrameSkip != 5 || cfg.Recognition.Cooldown != 3*time.Second || cfg.Recognition.Tolerance != 0.6 {
		t.Errorf("Unexpected recognition config: %+v", cfg.Recognition)
	}
	if cfg.Worker.Command != "/opt/venv/bin/python" || len(cfg.Worker.Args) != 2 {
		t.Errorf("Unexpected worker config: %+v", cfg.Worker)
	}
	if !cfg.Status.Enabled || cfg.Status.Addr != ":9000" {
		t.Errorf("Unexpected status config: %+v", cfg.Status)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "recognition:\n  tolerance: 0.5\n")
	t.Setenv("FACEGATE_TOLERANCE", "0.45")
	t.Setenv("FACEGATE_COOLDOWN", "1500ms")
	t.Setenv("FACEGATE_WORKER_COMMAND", "python3 -u other.py")
	t.Setenv("FACEGATE_STATUS_ADDR", "0.0.0.0:8000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Recognition.Tolerance != 0.45 || cfg.Recognition.Cooldown != 1500*time.Millisecond {
		t.Errorf("Env did not override: %+v", cfg.Recognition)
	}
	if cfg.Worker.Command != "python3" || strings.Join(cfg.Worker.Args, " ") != "-u other.py" {
		t.Errorf("Unexpected worker: %+v", cfg.Worker)
	}
	if !cfg.Status.Enabled {
		t.Error("Setting a status address should enable the server")
	}
}

func TestDatabaseURLFromPostgresEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_USER", "gate")
	t.Setenv("POSTGRES_PASSWORD", "secret")
	t.Setenv("POSTGRES_DB", "facegate")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database.URL != "postgres://gate:secret@db:5432/facegate" {
		t.Errorf("Unexpected url %q", cfg.Database.URL)
	}

	t.Setenv("DATABASE_URL", "postgres://explicit/db")
	cfg, _ = Load("")
	if cfg.Database.URL != "postgres://explicit/db" {
		t.Errorf("DATABASE_URL should win over POSTGRES_*, got %q", cfg.Database.URL)
	}
}

func TestInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		file string
	}{
		{"BadInt", map[string]string{"FACEGATE_FRAME_SKIP": "three"}, ""},
		{"BadDuration", map[string]string{"FACEGATE_COOLDOWN": "soon"}, ""},
		{"ZeroSkip", map[string]string{"FACEGATE_FRAME_SKIP": "0"}, ""},
		{"BadYAML", nil, "camera: [unclosed"},
		{"StatusWithoutAddr", nil, "status:\n  enabled: true\n  addr: \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.file != "" {
				path = writeConfig(t, tt.file)
			}
			if _, err := Load(path); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}

func TestMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Expected an error for a missing config file")
	}
}
