// Package config loads CoachPipe's tuning file and applies environment
// overrides on top of it.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/CoachPipe/internal/pipeline"
	"github.com/BTreeMap/CoachPipe/internal/scheduler"
	"github.com/BTreeMap/CoachPipe/internal/suppression"
	"github.com/BTreeMap/CoachPipe/internal/util"
)

// Config is the runtime tuning of the coaching service.
type Config struct {
	// Timezone evaluates cron specs; per-user times use each profile's zone.
	Timezone      string            `yaml:"timezone"`
	ProtocolsPath string            `yaml:"protocols_path"`
	Recipients    map[string]string `yaml:"recipients"` // user id -> phone
	Lookback      time.Duration     `yaml:"lookback"`

	Suppression suppression.Settings `yaml:"suppression"`
	Generation  Generation           `yaml:"generation"`
	Schedule    scheduler.Specs      `yaml:"schedule"`
	Workers     Workers              `yaml:"workers"`
}

// Generation tunes text generation and batch fan-out.
type Generation struct {
	Model            string        `yaml:"model"`
	Timeout          time.Duration `yaml:"timeout"`
	BatchConcurrency int           `yaml:"batch_concurrency"`
}

// Workers tunes the durable job runner and outbox sender.
type Workers struct {
	JobPollInterval    time.Duration `yaml:"job_poll_interval"`
	OutboxPollInterval time.Duration `yaml:"outbox_poll_interval"`
	StaleThreshold     time.Duration `yaml:"stale_threshold"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Timezone:    "UTC",
		Lookback:    30 * 24 * time.Hour,
		Suppression: suppression.DefaultSettings(),
		Generation: Generation{
			Timeout:          pipeline.DefaultGenerationTimeout,
			BatchConcurrency: pipeline.DefaultBatchConcurrency,
		},
		Schedule: scheduler.DefaultSpecs(),
		Workers: Workers{
			JobPollInterval:    10 * time.Second,
			OutboxPollInterval: 5 * time.Second,
			StaleThreshold:     5 * time.Minute,
		},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
		slog.Debug("config.Load: file loaded", "path", path)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from COACHPIPE_* environment variables.
func (c *Config) ApplyEnv() {
	c.Timezone = util.GetEnv("COACHPIPE_TIMEZONE", c.Timezone)
	c.ProtocolsPath = util.GetEnv("COACHPIPE_PROTOCOLS", c.ProtocolsPath)
	c.Lookback = util.ParseDurationEnv("COACHPIPE_LOOKBACK", c.Lookback)

	c.Suppression.DailyCap = util.ParseIntEnv("COACHPIPE_DAILY_CAP", c.Suppression.DailyCap)
	c.Suppression.Cooldown = util.ParseDurationEnv("COACHPIPE_COOLDOWN", c.Suppression.Cooldown)
	c.Suppression.ConfidenceThreshold = util.ParseFloatEnv("COACHPIPE_CONFIDENCE_THRESHOLD", c.Suppression.ConfidenceThreshold)

	c.Generation.Model = util.GetEnv("OPENAI_MODEL", c.Generation.Model)
	c.Generation.Timeout = util.ParseDurationEnv("COACHPIPE_GENERATION_TIMEOUT", c.Generation.Timeout)
	c.Generation.BatchConcurrency = util.ParseIntEnv("COACHPIPE_BATCH_CONCURRENCY", c.Generation.BatchConcurrency)

	c.Schedule.MVDSweep = util.GetEnv("COACHPIPE_MVD_SWEEP_CRON", c.Schedule.MVDSweep)
	c.Schedule.NudgeTick = util.GetEnv("COACHPIPE_NUDGE_TICK_CRON", c.Schedule.NudgeTick)
	if util.ParseBoolEnv("COACHPIPE_DISABLE_NUDGE_TICK", false) {
		c.Schedule.NudgeTick = ""
	}

	c.Workers.JobPollInterval = util.ParseDurationEnv("COACHPIPE_JOB_POLL", c.Workers.JobPollInterval)
	c.Workers.OutboxPollInterval = util.ParseDurationEnv("COACHPIPE_OUTBOX_POLL", c.Workers.OutboxPollInterval)
}

// Validate checks ranges and the timezone name.
func (c Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Suppression.DailyCap < 1 {
		return fmt.Errorf("config: daily_cap must be positive, got %d", c.Suppression.DailyCap)
	}
	if c.Suppression.ConfidenceThreshold < 0 || c.Suppression.ConfidenceThreshold > 1 {
		return fmt.Errorf("config: confidence_threshold must be within [0,1], got %v", c.Suppression.ConfidenceThreshold)
	}
	if c.Generation.BatchConcurrency < 1 {
		return fmt.Errorf("config: batch_concurrency must be positive, got %d", c.Generation.BatchConcurrency)
	}
	return nil
}

// Location resolves Timezone.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: unknown timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}
