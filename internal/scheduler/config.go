package scheduler

import (
	"time"

	"github.com/smallbiznis/entitlements/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval  time.Duration
	ResetBatch   int
	RolloverScan int
	JobTimeout   time.Duration
	EnabledJobs  []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:  time.Minute,
		ResetBatch:   200,
		RolloverScan: 500,
		JobTimeout:   2 * time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:  cfg.Scheduler.RunInterval,
		ResetBatch:   cfg.Scheduler.ResetBatch,
		RolloverScan: cfg.Scheduler.RolloverScan,
		JobTimeout:   cfg.Scheduler.JobTimeout,
		EnabledJobs:  cfg.Scheduler.EnabledJobs,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.ResetBatch <= 0 {
		c.ResetBatch = defaults.ResetBatch
	}
	if c.RolloverScan <= 0 {
		c.RolloverScan = defaults.RolloverScan
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}
