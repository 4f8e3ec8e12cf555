// Package store defines the persistence contract the scheduler core runs
// against. All mutation that must survive a crash goes through a Store;
// in-memory components (graph, queue, registry) are rebuilt from it at
// startup.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ovidian/loom/job"
	"github.com/ovidian/loom/lease"
	"github.com/ovidian/loom/worker"
)

var (
	// ErrNotFound is returned when a lookup by id finds nothing.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a compare-and-set precondition does
	// not hold (stale expected status, lease already completed, etc).
	ErrConflict = errors.New("store: conflict")
	// ErrDuplicate is returned when an insert collides with an existing
	// primary key or unique edge.
	ErrDuplicate = errors.New("store: duplicate")
	// ErrUnavailable wraps underlying transport/driver failures that the
	// caller should treat as transient.
	ErrUnavailable = errors.New("store: unavailable")
)

// HistoryEntry records one state transition of a job, for audit and the
// DLQ's "full attempt history" requirement.
type HistoryEntry struct {
	JobId     uuid.UUID
	Attempt   uint32
	From      job.Status
	To        job.Status
	Error     string
	WorkerId  string
	Timestamp time.Time
}

// DLQEntry is a dead-lettered job together with its terminal failure and
// full attempt history.
type DLQEntry struct {
	JobId      uuid.UUID
	Job        *job.Job
	FinalError string
	History    []HistoryEntry
	DeadAt     time.Time
}

// Page requests one page of a listing.
type Page struct {
	Offset int
	Limit  int
}

// DependencyEdge is a persisted edge between two jobs.
type DependencyEdge struct {
	Parent uuid.UUID
	Child  uuid.UUID
	Type   job.DependencyType
}

// LeaseOutcome is the terminal result a worker reports for a lease.
type LeaseOutcome uint8

const (
	OutcomeSucceeded LeaseOutcome = iota
	OutcomeFailedRetryable
	OutcomeFailedNonRetryable
	OutcomeCancelled
)

// Store is the persistence contract. Implementations must make
// UpdateJobStatus, IssueLease and CompleteLease atomic with respect to
// concurrent callers; every other method may use ordinary transactions.
type Store interface {
	// PutJob inserts a new job. ErrDuplicate if the id already exists.
	PutJob(ctx context.Context, j *job.Job) error
	// GetJob fetches a job by id. ErrNotFound if absent.
	GetJob(ctx context.Context, id uuid.UUID) (*job.Job, error)
	// ListJobs returns a page of jobs matching status, if non-nil.
	ListJobs(ctx context.Context, status *job.Status, page Page) ([]*job.Job, error)
	// UpdateJobStatus performs a compare-and-set: it succeeds only if the
	// job's current status equals expected. ErrConflict otherwise.
	UpdateJobStatus(ctx context.Context, id uuid.UUID, expected, next job.Status) error

	// AddDependency persists an edge. ErrDuplicate if it already exists.
	AddDependency(ctx context.Context, parent, child uuid.UUID, typ job.DependencyType) error
	// RemoveDependency deletes an edge. ErrNotFound if it does not exist.
	RemoveDependency(ctx context.Context, parent, child uuid.UUID) error
	// ListDependencies returns the edges where jobId is a parent
	// (asChild=false) or a child (asChild=true).
	ListDependencies(ctx context.Context, jobId uuid.UUID, asChild bool) ([]DependencyEdge, error)

	// PutWorker registers or re-registers a worker's persisted spec.
	PutWorker(ctx context.Context, spec worker.Spec) error
	// ListWorkers returns every persisted worker spec, for startup
	// recovery of the in-memory WorkerRegistry.
	ListWorkers(ctx context.Context) ([]worker.Spec, error)
	// UpdateWorkerHeartbeat stamps the worker's last-seen time.
	UpdateWorkerHeartbeat(ctx context.Context, id string, now time.Time) error
	// UpdateWorkerStatus performs a compare-and-set on worker status.
	UpdateWorkerStatus(ctx context.Context, id string, expected, next worker.Status) error

	// IssueLease grants a lease, succeeding only if the job is Ready and
	// holds no active lease; on success the job transitions to Running.
	IssueLease(ctx context.Context, jobId uuid.UUID, workerId string, workerEpoch uint64, deadline time.Time) (*lease.Lease, error)
	// CompleteLease reports a terminal outcome for a lease. It is
	// idempotent keyed by (leaseId, outcome): a repeat call with the same
	// outcome is a no-op success; a repeat call with a different outcome
	// is ErrConflict.
	CompleteLease(ctx context.Context, leaseId uuid.UUID, outcome LeaseOutcome, errMsg string) error
	// GetLease fetches the active lease for a job, if any.
	GetLease(ctx context.Context, jobId uuid.UUID) (*lease.Lease, error)
	// ReleaseLease resolves the active lease for a job, if any, without
	// recording an outcome or touching the job's own status. Every path
	// that surrenders a job out of Running other than ReportOutcome
	// (worker death, lease expiry, cancellation, startup orphan recovery)
	// must call this before the job is returned to Ready, or a later
	// IssueLease for the same job id conflicts against the abandoned
	// lease forever. A no-op if the job has no active lease.
	ReleaseLease(ctx context.Context, jobId uuid.UUID) error
	// GetLeaseByID fetches a lease by its own id, active or completed, so
	// ReportOutcome(leaseId, ...) callers can resolve the job and worker
	// without already knowing them.
	GetLeaseByID(ctx context.Context, leaseId uuid.UUID) (*lease.Lease, error)
	// ExpireLeases returns leases whose deadline is before now and have
	// not yet been completed, so the caller can reclaim them.
	ExpireLeases(ctx context.Context, now time.Time) ([]*lease.Lease, error)

	// AppendHistory records one transition for audit/DLQ replay.
	AppendHistory(ctx context.Context, entry HistoryEntry) error
	// PutDLQ persists a dead-lettered job and its history.
	PutDLQ(ctx context.Context, entry DLQEntry) error
	// ListDLQ returns a page of dead-lettered entries.
	ListDLQ(ctx context.Context, page Page) ([]DLQEntry, error)
	// Retry clears a DLQ entry and returns its job to Ready. If
	// resetAttempts, the attempt counter is zeroed.
	Retry(ctx context.Context, jobId uuid.UUID, resetAttempts bool) error
	// Discard permanently removes a DLQ entry without rescheduling.
	Discard(ctx context.Context, jobId uuid.UUID) error
}
