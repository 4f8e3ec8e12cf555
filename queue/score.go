package queue

import (
	"time"

	"github.com/ovidian/loom/job"
)

// ScoreConfig parameterizes the priority score formula. Defaults mirror
// the configuration enumerated by the scheduler: priority_band_high/
// normal/low, age_weight, retry_penalty.
type ScoreConfig struct {
	BandHigh   int64
	BandNormal int64
	BandLow    int64

	// AgeWeight is subtracted per minute of job age (starvation mitigation).
	AgeWeight int64

	// RetryPenalty is added per attempt already made.
	RetryPenalty int64
}

// DefaultScoreConfig returns the documented defaults.
func DefaultScoreConfig() ScoreConfig {
	return ScoreConfig{
		BandHigh:     0,
		BandNormal:   1000,
		BandLow:      2000,
		AgeWeight:    1,
		RetryPenalty: 100,
	}
}

func (c ScoreConfig) bandBase(b job.Band) int64 {
	switch b {
	case job.High:
		return c.BandHigh
	case job.Low:
		return c.BandLow
	default:
		return c.BandNormal
	}
}

// Score computes the priority score for j at time now. Lower scores
// dispatch earlier. The score is deterministic given (band, createdAt,
// attempts, scheduledAt, now) and is only ever computed at enqueue time —
// it must never be recomputed while the job sits in the queue.
func Score(j *job.Job, now time.Time) int64 {
	return ScoreWith(DefaultScoreConfig(), j, now)
}

// ScoreWith computes the priority score using an explicit configuration.
func ScoreWith(cfg ScoreConfig, j *job.Job, now time.Time) int64 {
	score := cfg.bandBase(j.Band)

	ageMinutes := int64(now.Sub(j.CreatedAt) / time.Minute)
	if ageMinutes > 0 {
		score -= ageMinutes * cfg.AgeWeight
	}

	score += int64(j.Attempts) * cfg.RetryPenalty

	if !j.ScheduledAt.IsZero() && now.After(j.ScheduledAt) {
		overdueMinutes := int64(now.Sub(j.ScheduledAt) / time.Minute)
		score -= overdueMinutes
	}

	return score
}
