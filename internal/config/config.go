// Package config assembles runtime settings from defaults, an optional YAML file and
// the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/andresmejia3/facegate/internal/camera"
	"github.com/andresmejia3/facegate/internal/recognition"
	"gopkg.in/yaml.v3"
)

const defaultDatabaseURL = "postgres://localhost:5432/facegate"

type Config struct {
	Camera      camera.Config      `yaml:"camera"`
	Recognition recognition.Config `yaml:"recognition"`
	Database    DatabaseConfig     `yaml:"database"`
	Worker      WorkerConfig       `yaml:"worker"`
	Status      StatusConfig       `yaml:"status"`
	Recorder    RecorderConfig     `yaml:"recorder"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"` // PostgreSQL connection URL, or "memory" for a throwaway in-process store
}

// WorkerConfig describes the embedding worker process.
type WorkerConfig struct {
	Command string        `yaml:"command"`
	Args    []string      `yaml:"args"`
	Timeout time.Duration `yaml:"timeout"`
}

type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type RecorderConfig struct {
	QueueSize     int           `yaml:"queue_size"`
	RecordTimeout time.Duration `yaml:"record_timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Camera:      camera.DefaultConfig(),
		Recognition: recognition.DefaultConfig(),
		Database:    DatabaseConfig{URL: defaultDatabaseURL},
		Worker: WorkerConfig{
			Command: "python3",
			Args:    []string{"-u", "python/worker.py"},
			Timeout: 10 * time.Second,
		},
		Status:   StatusConfig{Addr: "127.0.0.1:8089"},
		Recorder: RecorderConfig{QueueSize: 64, RecordTimeout: 5 * time.Second},
	}
}

// Load applies, in order: defaults, the YAML file at path (skipped when path is
// empty), and environment overrides. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c Config) Validate() error {
	var errs []error
	errs = append(errs, c.Camera.Validate(), c.Recognition.Validate())
	if c.Database.URL == "" {
		errs = append(errs, errors.New("config: database url is empty"))
	}
	if c.Worker.Command == "" {
		errs = append(errs, errors.New("config: worker command is empty"))
	}
	if c.Status.Enabled && c.Status.Addr == "" {
		errs = append(errs, errors.New("config: status server enabled without an address"))
	}
	return errors.Join(errs...)
}

// databaseURLFromEnv mirrors the POSTGRES_* convention used by the compose files.
func databaseURLFromEnv() string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	user := os.Getenv("POSTGRES_USER")
	pass := os.Getenv("POSTGRES_PASSWORD")
	name := os.Getenv("POSTGRES_DB")
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
}

func (c *Config) applyEnv() error {
	if url := databaseURLFromEnv(); url != "" {
		c.Database.URL = url
	}
	if url := os.Getenv("FACEGATE_DATABASE_URL"); url != "" {
		c.Database.URL = url
	}

	var errs []error
	envInt("FACEGATE_CAMERA_INDEX", &c.Camera.Index, &errs)
	envInt("FACEGATE_CAMERA_WIDTH", &c.Camera.Width, &errs)
	envInt("FACEGATE_CAMERA_HEIGHT", &c.Camera.Height, &errs)
	envFloat("FACEGATE_CAMERA_FPS", &c.Camera.FPS, &errs)
	envInt("FACEGATE_FRAME_SKIP", &c.Recognition.FrameSkip, &errs)
	envFloat("FACEGATE_RESIZE_RATIO", &c.Recognition.ResizeRatio, &errs)
	envFloat("FACEGATE_TOLERANCE", &c.Recognition.Tolerance, &errs)
	envDuration("FACEGATE_COOLDOWN", &c.Recognition.Cooldown, &errs)
	envInt("FACEGATE_MAX_CACHE_SIZE", &c.Recognition.MaxCacheSize, &errs)
	envDuration("FACEGATE_SNAPSHOT_MAX_AGE", &c.Recognition.SnapshotMaxAge, &errs)
	envDuration("FACEGATE_WORKER_TIMEOUT", &c.Worker.Timeout, &errs)

	if v := os.Getenv("FACEGATE_SNAPSHOT_PATH"); v != "" {
		c.Recognition.SnapshotPath = v
	}
	if v := os.Getenv("FACEGATE_WORKER_COMMAND"); v != "" {
		fields := strings.Fields(v)
		c.Worker.Command, c.Worker.Args = fields[0], fields[1:]
	}
	if v := os.Getenv("FACEGATE_STATUS_ADDR"); v != "" {
		c.Status.Enabled = true
		c.Status.Addr = v
	}
	return errors.Join(errs...)
}

func envInt(key string, dst *int, errs *[]error) {
	s := os.Getenv(key)
	if s == "" {
		return
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("config: %s: %w", key, err))
		return
	}
	*dst = n
}

func envFloat(key string, dst *float64, errs *[]error) {
	s := os.Getenv(key)
	if s == "" {
		return
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("config: %s: %w", key, err))
		return
	}
	*dst = f
}

func envDuration(key string, dst *time.Duration, errs *[]error) {
	s := os.Getenv(key)
	if s == "" {
		return
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("config: %s: %w", key, err))
		return
	}
	*dst = d
}
