package loom

import (
	"time"

	"github.com/ovidian/loom/dispatch"
	"github.com/ovidian/loom/failure"
	"github.com/ovidian/loom/queue"
)

// Config enumerates every tunable named by the scheduler's configuration
// surface. Start from DefaultConfig for the documented defaults; New uses
// the fields as given and only replaces a nil Classify with
// failure.DefaultClassify.
type Config struct {
	HeartbeatInterval   time.Duration
	HeartbeatTimeout    time.Duration
	WorkerDeadThreshold time.Duration
	HealthCheckInterval time.Duration

	DispatchActiveTick time.Duration
	DispatchIdleTick   time.Duration
	MaxReserveAttempts int
	NoCapacityThreshold int

	StuckJobSweepInterval time.Duration

	DefaultLeaseSlack float64
	MinLease          time.Duration
	MaxLease          time.Duration

	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	RetryMultiplier   float64
	RetryJitter       float64

	PriorityBandHigh   int64
	PriorityBandNormal int64
	PriorityBandLow    int64
	AgeWeight          int64
	RetryPenalty       int64

	DependencyMaxDepth int

	DLQRetention    time.Duration
	DLQSweepInterval time.Duration

	// Classify overrides the retryable/non-retryable predicate applied
	// to explicit failure reports that carry no outcome signal of their
	// own (lease-expiry, worker-dead, orphaned lease at startup); cancel
	// bypasses it. ReportOutcome's own
	// retryable flag always takes precedence over this. Defaults to
	// treating everything as retryable.
	Classify failure.ClassifyFunc
}

// DefaultConfig mirrors the scheduler's documented defaults (spec §6).
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:   30 * time.Second,
		HeartbeatTimeout:    2 * time.Minute,
		WorkerDeadThreshold: 10 * time.Minute,
		HealthCheckInterval: 30 * time.Second,

		DispatchActiveTick:  50 * time.Millisecond,
		DispatchIdleTick:    time.Second,
		MaxReserveAttempts:  3,
		NoCapacityThreshold: 5,

		StuckJobSweepInterval: 10 * time.Minute,

		DefaultLeaseSlack: 2.0,
		MinLease:          30 * time.Second,
		MaxLease:          24 * time.Hour,

		RetryInitialDelay: 30 * time.Second,
		RetryMaxDelay:     time.Hour,
		RetryMultiplier:   2.0,
		RetryJitter:       0.25,

		PriorityBandHigh:   0,
		PriorityBandNormal: 1000,
		PriorityBandLow:    2000,
		AgeWeight:          1,
		RetryPenalty:       100,

		DependencyMaxDepth: 10000,

		DLQRetention:     7 * 24 * time.Hour,
		DLQSweepInterval: time.Hour,

		Classify: failure.DefaultClassify,
	}
}

// scoreConfig converts to queue.ScoreConfig.
func (c Config) scoreConfig() queue.ScoreConfig {
	return queue.ScoreConfig{
		BandHigh:     c.PriorityBandHigh,
		BandNormal:   c.PriorityBandNormal,
		BandLow:      c.PriorityBandLow,
		AgeWeight:    c.AgeWeight,
		RetryPenalty: c.RetryPenalty,
	}
}

// dispatchConfig converts to dispatch.Config.
func (c Config) dispatchConfig() dispatch.Config {
	return dispatch.Config{
		ActiveTick:          c.DispatchActiveTick,
		IdleTick:            c.DispatchIdleTick,
		LeaseSlack:          c.DefaultLeaseSlack,
		MinLease:            c.MinLease,
		MaxLease:            c.MaxLease,
		MaxReserveAttempts:  c.MaxReserveAttempts,
		NoCapacityThreshold: c.NoCapacityThreshold,
	}
}

// failureConfig converts to failure.Config.
func (c Config) failureConfig() failure.Config {
	classify := c.Classify
	if classify == nil {
		classify = failure.DefaultClassify
	}
	return failure.Config{
		Backoff: failure.BackoffConfig{
			InitialDelay:   c.RetryInitialDelay,
			MaxDelay:       c.RetryMaxDelay,
			Multiplier:     c.RetryMultiplier,
			JitterFraction: c.RetryJitter,
		},
		Classify:      classify,
		SweepInterval: c.StuckJobSweepInterval,
	}
}
