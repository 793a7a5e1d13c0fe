package app

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/studyforge/coursegen-backend/internal/platform/envutil"
	"github.com/studyforge/coursegen-backend/internal/platform/logger"
)

// Duration lets YAML carry Go duration strings ("90s", "2m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config is the process configuration: defaults, overridden by an optional
// YAML file (CONFIG_FILE), overridden by environment variables. Env wins so
// a containerized deploy can tweak one knob without shipping a new file.
type Config struct {
	Env            string   `yaml:"env"`
	HTTPAddr       string   `yaml:"http_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	Redis struct {
		Addr    string `yaml:"addr"`
		Channel string `yaml:"channel"`
	} `yaml:"redis"`

	ContentAPI struct {
		BaseURL        string `yaml:"base_url"`
		APIKey         string `yaml:"api_key"`
		Model          string `yaml:"model"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"content_api"`

	Worker struct {
		Concurrency  int      `yaml:"concurrency"`
		PollInterval Duration `yaml:"poll_interval"`
		StaleRunning Duration `yaml:"stale_running"`
	} `yaml:"worker"`

	Orchestrator struct {
		Concurrency     int      `yaml:"concurrency"`
		PollInterval    Duration `yaml:"poll_interval"`
		DefaultMaxRetry int      `yaml:"default_max_retry"`
	} `yaml:"orchestrator"`

	Runner struct {
		BaseBackoff Duration `yaml:"base_backoff"`
		MaxBackoff  Duration `yaml:"max_backoff"`
		TaskTimeout Duration `yaml:"task_timeout"`
	} `yaml:"runner"`

	Health struct {
		StallAfter    Duration `yaml:"stall_after"`
		AbandonAfter  Duration `yaml:"abandon_after"`
		StuckAttempts int      `yaml:"stuck_attempts"`
		ScanInterval  Duration `yaml:"scan_interval"`
	} `yaml:"health"`
}

func defaults() Config {
	var c Config
	c.Env = "dev"
	c.HTTPAddr = ":8080"
	c.Redis.Channel = "job-events"
	c.ContentAPI.TimeoutSeconds = 180
	c.Worker.Concurrency = 2
	c.Worker.PollInterval = Duration(time.Second)
	c.Worker.StaleRunning = Duration(2 * time.Minute)
	c.Orchestrator.Concurrency = 4
	c.Orchestrator.PollInterval = Duration(2 * time.Second)
	c.Orchestrator.DefaultMaxRetry = 3
	c.Runner.BaseBackoff = Duration(2 * time.Second)
	c.Runner.MaxBackoff = Duration(60 * time.Second)
	c.Runner.TaskTimeout = Duration(5 * time.Minute)
	c.Health.StallAfter = Duration(2 * time.Minute)
	c.Health.AbandonAfter = Duration(10 * time.Minute)
	c.Health.StuckAttempts = 3
	c.Health.ScanInterval = Duration(30 * time.Second)
	return c
}

func LoadConfig(log *logger.Logger) Config {
	cfg := defaults()

	path := envutil.GetEnv("CONFIG_FILE", "", log)
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			log.Warn("config file unreadable, using defaults", "path", path, "error", err)
		} else if err := yaml.Unmarshal(raw, &cfg); err != nil {
			log.Warn("config file invalid, using defaults", "path", path, "error", err)
			cfg = defaults()
		}
	}

	cfg.Env = envutil.GetEnv("APP_ENV", cfg.Env, log)
	cfg.HTTPAddr = envutil.GetEnv("HTTP_ADDR", cfg.HTTPAddr, log)

	cfg.Redis.Addr = envutil.GetEnv("REDIS_ADDR", cfg.Redis.Addr, log)
	cfg.Redis.Channel = envutil.GetEnv("REDIS_CHANNEL", cfg.Redis.Channel, log)

	cfg.ContentAPI.BaseURL = envutil.GetEnv("CONTENT_API_BASE_URL", cfg.ContentAPI.BaseURL, log)
	cfg.ContentAPI.APIKey = envutil.GetEnv("CONTENT_API_KEY", cfg.ContentAPI.APIKey, log)
	cfg.ContentAPI.Model = envutil.GetEnv("CONTENT_API_MODEL", cfg.ContentAPI.Model, log)
	cfg.ContentAPI.TimeoutSeconds = envutil.GetEnvAsInt("CONTENT_API_TIMEOUT_SECONDS", cfg.ContentAPI.TimeoutSeconds, log)

	cfg.Worker.Concurrency = envutil.GetEnvAsInt("WORKER_CONCURRENCY", cfg.Worker.Concurrency, log)
	cfg.Worker.PollInterval = envDuration("WORKER_POLL_INTERVAL", cfg.Worker.PollInterval, log)
	cfg.Worker.StaleRunning = envDuration("WORKER_STALE_RUNNING", cfg.Worker.StaleRunning, log)

	cfg.Orchestrator.Concurrency = envutil.GetEnvAsInt("ORCHESTRATOR_CONCURRENCY", cfg.Orchestrator.Concurrency, log)
	cfg.Orchestrator.PollInterval = envDuration("ORCHESTRATOR_POLL_INTERVAL", cfg.Orchestrator.PollInterval, log)
	cfg.Orchestrator.DefaultMaxRetry = envutil.GetEnvAsInt("TASK_MAX_RETRY", cfg.Orchestrator.DefaultMaxRetry, log)

	cfg.Runner.BaseBackoff = envDuration("TASK_BASE_BACKOFF", cfg.Runner.BaseBackoff, log)
	cfg.Runner.MaxBackoff = envDuration("TASK_MAX_BACKOFF", cfg.Runner.MaxBackoff, log)
	cfg.Runner.TaskTimeout = envDuration("TASK_TIMEOUT", cfg.Runner.TaskTimeout, log)

	cfg.Health.StallAfter = envDuration("HEALTH_STALL_AFTER", cfg.Health.StallAfter, log)
	cfg.Health.AbandonAfter = envDuration("HEALTH_ABANDON_AFTER", cfg.Health.AbandonAfter, log)
	cfg.Health.StuckAttempts = envutil.GetEnvAsInt("HEALTH_STUCK_ATTEMPTS", cfg.Health.StuckAttempts, log)
	cfg.Health.ScanInterval = envDuration("HEALTH_SCAN_INTERVAL", cfg.Health.ScanInterval, log)

	return cfg
}

func envDuration(key string, def Duration, log *logger.Logger) Duration {
	return Duration(envutil.GetEnvAsDuration(key, time.Duration(def), log))
}
