package sql

import (
	"time"

	"github.com/google/uuid"
	hset "github.com/hashicorp/go-set/v3"
	"github.com/uptrace/bun"

	"github.com/ovidian/loom/job"
	"github.com/ovidian/loom/lease"
	"github.com/ovidian/loom/worker"
)

type jobModel struct {
	bun.BaseModel `bun:"table:jobs"`
	Id            uuid.UUID `bun:"id,pk,type:uuid"`

	Name    string `bun:"name,notnull"`
	Payload []byte `bun:"payload,type:blob"`

	Status Status `bun:"status,notnull,default:0"`

	BasePriority int   `bun:"base_priority,notnull"`
	Band         uint8 `bun:"band,notnull"`

	RequiredCapabilities []string `bun:"required_capabilities,type:jsonb"`

	CreatedAt   time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt   time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
	ScheduledAt time.Time `bun:"scheduled_at,nullzero"`

	Attempts    uint32 `bun:"attempts,notnull,default:0"`
	MaxAttempts uint32 `bun:"max_attempts,notnull"`
	LastError   string `bun:"last_error"`

	EstimatedDurationNs int64 `bun:"estimated_duration_ns,notnull,default:0"`
}

// Status is a type alias of job.Status, used for the jobs table's status
// column.
type Status = job.Status

func (jm *jobModel) toJob() *job.Job {
	caps := hset.New[string](len(jm.RequiredCapabilities))
	caps.InsertSlice(jm.RequiredCapabilities)
	return &job.Job{
		Id:                   jm.Id,
		Name:                 jm.Name,
		Payload:              jm.Payload,
		Status:               jm.Status,
		BasePriority:         jm.BasePriority,
		Band:                 job.Band(jm.Band),
		RequiredCapabilities: caps,
		CreatedAt:            jm.CreatedAt,
		UpdatedAt:            jm.UpdatedAt,
		ScheduledAt:          jm.ScheduledAt,
		Attempts:             jm.Attempts,
		MaxAttempts:          jm.MaxAttempts,
		LastError:            jm.LastError,
		EstimatedDuration:    time.Duration(jm.EstimatedDurationNs),
	}
}

func fromJob(j *job.Job) *jobModel {
	var caps []string
	if j.RequiredCapabilities != nil {
		caps = j.RequiredCapabilities.Slice()
	}
	return &jobModel{
		Id:                   j.Id,
		Name:                 j.Name,
		Payload:              j.Payload,
		Status:               j.Status,
		BasePriority:         j.BasePriority,
		Band:                 uint8(j.Band),
		RequiredCapabilities: caps,
		CreatedAt:            j.CreatedAt,
		UpdatedAt:            j.UpdatedAt,
		ScheduledAt:          j.ScheduledAt,
		Attempts:             j.Attempts,
		MaxAttempts:          j.MaxAttempts,
		LastError:            j.LastError,
		EstimatedDurationNs:  int64(j.EstimatedDuration),
	}
}

type dependencyModel struct {
	bun.BaseModel `bun:"table:dependencies"`
	Parent        uuid.UUID `bun:"parent,pk,type:uuid"`
	Child         uuid.UUID `bun:"child,pk,type:uuid"`
	Type          uint8     `bun:"type,notnull"`
}

type workerModel struct {
	bun.BaseModel `bun:"table:workers"`
	Id            string `bun:"id,pk"`

	Locator                   string   `bun:"locator,notnull"`
	Capabilities              []string `bun:"capabilities,type:jsonb"`
	MaxSlots                  int      `bun:"max_slots,notnull"`
	ReservedHighPrioritySlots int      `bun:"reserved_high_priority_slots,notnull,default:0"`
	LoadFactor                float64  `bun:"load_factor,notnull,default:0"`
	PriorityThreshold         int      `bun:"priority_threshold,notnull,default:0"`

	Status        uint8     `bun:"status,notnull,default:0"`
	LastHeartbeat time.Time `bun:"last_heartbeat,nullzero"`
	Epoch         uint64    `bun:"epoch,notnull,default:0"`

	LifetimeAssigned  uint64 `bun:"lifetime_assigned,notnull,default:0"`
	LifetimeSucceeded uint64 `bun:"lifetime_succeeded,notnull,default:0"`
	LifetimeFailed    uint64 `bun:"lifetime_failed,notnull,default:0"`
}

func (wm *workerModel) toSpec() worker.Spec {
	return worker.Spec{
		Id:                        wm.Id,
		Locator:                   wm.Locator,
		Capabilities:              wm.Capabilities,
		MaxSlots:                  wm.MaxSlots,
		ReservedHighPrioritySlots: wm.ReservedHighPrioritySlots,
		LoadFactor:                wm.LoadFactor,
		PriorityThreshold:         wm.PriorityThreshold,
	}
}

type leaseModel struct {
	bun.BaseModel `bun:"table:leases"`
	Id            uuid.UUID `bun:"id,pk,type:uuid"`

	// JobId is deliberately not a unique column: a job is dispatched
	// under a sequence of leases across retries, and only one of them is
	// ever active ("at most one ACTIVE lease per job", spec invariant 4)
	// — a table-wide unique constraint would reject the second lease
	// issued to a job that already has one completed or released row.
	// Uniqueness among *active* rows is enforced by IssueLease's explicit
	// active-lease check inside its transaction, not by a DB constraint.
	JobId       uuid.UUID `bun:"job_id,notnull"`
	WorkerId    string    `bun:"worker_id,notnull"`
	WorkerEpoch uint64    `bun:"worker_epoch,notnull"`
	Attempt     uint32    `bun:"attempt,notnull"`

	IssuedAt time.Time `bun:"issued_at,notnull"`
	Deadline time.Time `bun:"deadline,notnull"`

	// Completed is non-nil once CompleteLease has been called, making
	// the call idempotent: a repeat with the same outcome is a no-op, a
	// repeat with a different outcome is a conflict.
	CompletedOutcome *uint8 `bun:"completed_outcome,nullzero"`
	// ReleasedAt is non-nil once ReleaseLease has resolved this lease
	// without an outcome (worker death, lease expiry, cancellation,
	// startup orphan recovery). A lease with either field set is no
	// longer active.
	ReleasedAt *time.Time `bun:"released_at,nullzero"`
}

func (lm *leaseModel) toLease() *lease.Lease {
	return &lease.Lease{
		Id:          lm.Id,
		JobId:       lm.JobId,
		WorkerId:    lm.WorkerId,
		WorkerEpoch: lm.WorkerEpoch,
		Attempt:     lm.Attempt,
		IssuedAt:    lm.IssuedAt,
		Deadline:    lm.Deadline,
	}
}

type historyModel struct {
	bun.BaseModel `bun:"table:history"`
	Seq           int64 `bun:"seq,pk,autoincrement"`

	JobId     uuid.UUID `bun:"job_id,notnull,type:uuid"`
	Attempt   uint32    `bun:"attempt,notnull"`
	FromState uint8     `bun:"from_state,notnull"`
	ToState   uint8     `bun:"to_state,notnull"`
	Error     string    `bun:"error"`
	WorkerId  string    `bun:"worker_id"`
	Timestamp time.Time `bun:"timestamp,notnull"`
}

type dlqModel struct {
	bun.BaseModel `bun:"table:dlq_entries"`
	JobId         uuid.UUID `bun:"job_id,pk,type:uuid"`

	FinalError string    `bun:"final_error"`
	DeadAt     time.Time `bun:"dead_at,notnull"`
}
