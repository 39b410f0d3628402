// Package config loads the TOML configuration surface for the pool, the
// reaper and the demo workload.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	Pool      PoolSection      `toml:"pool"`
	Reaper    ReaperSection    `toml:"reaper"`
	KeepAlive KeepAliveSection `toml:"keepalive"`
	Workers   WorkersSection   `toml:"workers"`
	Metrics   MetricsSection   `toml:"metrics"`
	Log       LogSection       `toml:"log"`
}

type PoolSection struct {
	PerRouteMax      int  `toml:"per_route_max"`      // Max leased+idle connections per route
	TotalMax         int  `toml:"total_max"`          // Max leased connections across all routes
	AcquireTimeoutMs int  `toml:"acquire_timeout_ms"` // Bounded wait for a slot, in milliseconds
	FailFast         bool `toml:"fail_fast"`          // Return an error instead of blocking
}

type ReaperSection struct {
	IntervalSec      int `toml:"interval_sec"`       // Sweep interval in seconds
	IdleThresholdSec int `toml:"idle_threshold_sec"` // Evict connections idle this long, in seconds
}

type KeepAliveSection struct {
	// DefaultSec applies when the server advertises no timeout. The 1s
	// default is deliberately conservative; production should set this
	// explicitly.
	DefaultSec int `toml:"default_sec"`
}

type WorkersSection struct {
	Count   int      `toml:"count"`   // Concurrent request workers (independent of connection caps)
	Targets []string `toml:"targets"` // Request URLs, round-robin
}

type MetricsSection struct {
	Enabled     bool `toml:"enabled"`      // Socket-state sampling on/off
	IntervalSec int  `toml:"interval_sec"` // Sample interval in seconds
}

type LogSection struct {
	Level string `toml:"level"` // Log level: debug, info, warn, error
	Dir   string `toml:"dir"`   // Log directory
}

// Load reads the TOML file at path, fills defaults for optional fields and
// validates the rest.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
	}

	if cfg.Pool.PerRouteMax == 0 {
		cfg.Pool.PerRouteMax = 5
	}
	if cfg.Pool.TotalMax == 0 {
		cfg.Pool.TotalMax = 5
	}
	if cfg.Pool.AcquireTimeoutMs == 0 {
		cfg.Pool.AcquireTimeoutMs = 10000
	}
	if cfg.Reaper.IntervalSec == 0 {
		cfg.Reaper.IntervalSec = 5
	}
	if cfg.Reaper.IdleThresholdSec == 0 {
		cfg.Reaper.IdleThresholdSec = 30
	}
	if cfg.KeepAlive.DefaultSec == 0 {
		cfg.KeepAlive.DefaultSec = 1
	}
	if cfg.Workers.Count == 0 {
		cfg.Workers.Count = 15
	}
	if !md.IsDefined("metrics", "enabled") {
		cfg.Metrics.Enabled = true
	}
	if cfg.Metrics.IntervalSec == 0 {
		cfg.Metrics.IntervalSec = 5
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Dir == "" {
		cfg.Log.Dir = "./logs"
	}

	if cfg.Pool.PerRouteMax < 0 || cfg.Pool.TotalMax < 0 {
		return nil, fmt.Errorf("pool caps must be positive (per_route_max=%d, total_max=%d)",
			cfg.Pool.PerRouteMax, cfg.Pool.TotalMax)
	}
	if len(cfg.Workers.Targets) == 0 {
		log.Warnf("no worker targets specified in %s; the pool will start but issue no requests", path)
	}

	return &cfg, nil
}

func (s PoolSection) AcquireTimeout() time.Duration {
	return time.Duration(s.AcquireTimeoutMs) * time.Millisecond
}

func (s ReaperSection) Interval() time.Duration {
	return time.Duration(s.IntervalSec) * time.Second
}

func (s ReaperSection) IdleThreshold() time.Duration {
	return time.Duration(s.IdleThresholdSec) * time.Second
}

func (s KeepAliveSection) Default() time.Duration {
	return time.Duration(s.DefaultSec) * time.Second
}

func (s MetricsSection) Interval() time.Duration {
	return time.Duration(s.IntervalSec) * time.Second
}
