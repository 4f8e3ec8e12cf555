package job

import (
	"time"

	"github.com/google/uuid"
	hset "github.com/hashicorp/go-set/v3"
)

// Job is a unit of schedulable work together with its delivery state.
//
// Job instances returned by loom/store.Store are snapshots; mutating a field directly does not change underlying
// storage. Transitions must go through the owning component (the Store for
// durable state, the DependencyGraph for edge bookkeeping).
type Job struct {
	Id uuid.UUID

	Name    string
	Payload []byte

	Status Status

	BasePriority int // 1..1000, lower is more urgent
	Band         Band

	RequiredCapabilities *hset.Set[string]

	CreatedAt   time.Time
	UpdatedAt   time.Time
	ScheduledAt time.Time // once passed, lowers the queue score (overdue bonus); dispatch does not wait for it

	Attempts    uint32
	MaxAttempts uint32
	LastError   string

	EstimatedDuration time.Duration
}

// NewJob builds a Job in the Pending state with a freshly generated id.
func NewJob(name string, basePriority int, payload []byte, maxAttempts uint32) *Job {
	now := time.Now()
	return &Job{
		Id:                   uuid.New(),
		Name:                 name,
		Payload:              payload,
		Status:               Pending,
		BasePriority:         basePriority,
		Band:                 BandOf(basePriority),
		RequiredCapabilities: hset.New[string](0),
		CreatedAt:            now,
		UpdatedAt:            now,
		MaxAttempts:          maxAttempts,
	}
}

// RemainingAttempts reports how many further attempts the job may take
// before it must be dead-lettered.
func (j *Job) RemainingAttempts() uint32 {
	if j.Attempts >= j.MaxAttempts {
		return 0
	}
	return j.MaxAttempts - j.Attempts
}
