package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ovidian/loom/loom"
)

// fileConfig mirrors spec.md §6's configuration enumeration, with
// mapstructure tags for viper and Go-idiomatic durations (viper parses "30s" style
// strings into time.Duration via mapstructure's duration hook).
type fileConfig struct {
	DataDir string `mapstructure:"data_dir"`
	Listen  string `mapstructure:"listen"`

	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout    time.Duration `mapstructure:"heartbeat_timeout"`
	WorkerDeadThreshold time.Duration `mapstructure:"worker_dead_threshold"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`

	DispatchActiveTick  time.Duration `mapstructure:"dispatch_active_tick"`
	DispatchIdleTick    time.Duration `mapstructure:"dispatch_idle_tick"`
	MaxReserveAttempts  int           `mapstructure:"max_reserve_attempts"`
	NoCapacityThreshold int           `mapstructure:"no_capacity_threshold"`

	StuckJobSweepInterval time.Duration `mapstructure:"stuck_job_sweep_interval"`

	DefaultLeaseSlack float64       `mapstructure:"default_lease_slack"`
	MinLease          time.Duration `mapstructure:"min_lease"`
	MaxLease          time.Duration `mapstructure:"max_lease"`

	RetryInitialDelay time.Duration `mapstructure:"retry_initial_delay"`
	RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay"`
	RetryMultiplier   float64       `mapstructure:"retry_multiplier"`
	RetryJitter       float64       `mapstructure:"retry_jitter"`

	PriorityBandHigh   int64 `mapstructure:"priority_band_high"`
	PriorityBandNormal int64 `mapstructure:"priority_band_normal"`
	PriorityBandLow    int64 `mapstructure:"priority_band_low"`
	AgeWeight          int64 `mapstructure:"age_weight"`
	RetryPenalty       int64 `mapstructure:"retry_penalty"`

	DependencyMaxDepth int `mapstructure:"dependency_max_depth"`

	DLQRetention     time.Duration `mapstructure:"dlq_retention"`
	DLQSweepInterval time.Duration `mapstructure:"dlq_sweep_interval"`
}

func defaultFileConfig() fileConfig {
	d := loom.DefaultConfig()
	return fileConfig{
		DataDir: "./data",
		Listen:  ":9090",

		HeartbeatInterval:   d.HeartbeatInterval,
		HeartbeatTimeout:    d.HeartbeatTimeout,
		WorkerDeadThreshold: d.WorkerDeadThreshold,
		HealthCheckInterval: d.HealthCheckInterval,

		DispatchActiveTick:  d.DispatchActiveTick,
		DispatchIdleTick:    d.DispatchIdleTick,
		MaxReserveAttempts:  d.MaxReserveAttempts,
		NoCapacityThreshold: d.NoCapacityThreshold,

		StuckJobSweepInterval: d.StuckJobSweepInterval,

		DefaultLeaseSlack: d.DefaultLeaseSlack,
		MinLease:          d.MinLease,
		MaxLease:          d.MaxLease,

		RetryInitialDelay: d.RetryInitialDelay,
		RetryMaxDelay:     d.RetryMaxDelay,
		RetryMultiplier:   d.RetryMultiplier,
		RetryJitter:       d.RetryJitter,

		PriorityBandHigh:   d.PriorityBandHigh,
		PriorityBandNormal: d.PriorityBandNormal,
		PriorityBandLow:    d.PriorityBandLow,
		AgeWeight:          d.AgeWeight,
		RetryPenalty:       d.RetryPenalty,

		DependencyMaxDepth: d.DependencyMaxDepth,

		DLQRetention:     d.DLQRetention,
		DLQSweepInterval: d.DLQSweepInterval,
	}
}

// loadConfig layers, in increasing priority: built-in defaults, an
// optional YAML file, then LOOM_-prefixed environment variables and the
// --data-dir/--listen flags already bound onto v.
func loadConfig(v *viper.Viper, configPath string) (fileConfig, error) {
	cfg := defaultFileConfig()

	v.SetEnvPrefix("loom")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return fileConfig{}, fmt.Errorf("loomd: read config %s: %w", configPath, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return fileConfig{}, fmt.Errorf("loomd: parse config: %w", err)
	}
	return cfg, nil
}

func (f fileConfig) toLoomConfig() loom.Config {
	return loom.Config{
		HeartbeatInterval:   f.HeartbeatInterval,
		HeartbeatTimeout:    f.HeartbeatTimeout,
		WorkerDeadThreshold: f.WorkerDeadThreshold,
		HealthCheckInterval: f.HealthCheckInterval,

		DispatchActiveTick:  f.DispatchActiveTick,
		DispatchIdleTick:    f.DispatchIdleTick,
		MaxReserveAttempts:  f.MaxReserveAttempts,
		NoCapacityThreshold: f.NoCapacityThreshold,

		StuckJobSweepInterval: f.StuckJobSweepInterval,

		DefaultLeaseSlack: f.DefaultLeaseSlack,
		MinLease:          f.MinLease,
		MaxLease:          f.MaxLease,

		RetryInitialDelay: f.RetryInitialDelay,
		RetryMaxDelay:     f.RetryMaxDelay,
		RetryMultiplier:   f.RetryMultiplier,
		RetryJitter:       f.RetryJitter,

		PriorityBandHigh:   f.PriorityBandHigh,
		PriorityBandNormal: f.PriorityBandNormal,
		PriorityBandLow:    f.PriorityBandLow,
		AgeWeight:          f.AgeWeight,
		RetryPenalty:       f.RetryPenalty,

		DependencyMaxDepth: f.DependencyMaxDepth,

		DLQRetention:     f.DLQRetention,
		DLQSweepInterval: f.DLQSweepInterval,
	}
}
