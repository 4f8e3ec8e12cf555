package loom

import "errors"

// Sentinel errors returned by the public API, checked with errors.Is.
// They mirror the error kinds enumerated by the external interface
// table: validation errors flow back to the caller unchanged, never
// retried internally.
var (
	// ErrCycle indicates a dependency edge would have introduced a cycle.
	ErrCycle = errors.New("loom: dependency cycle")
	// ErrUnknownJob indicates a referenced job id is not registered.
	ErrUnknownJob = errors.New("loom: unknown job")
	// ErrUnknownDependency indicates a parent id named in SubmitJob does
	// not exist.
	ErrUnknownDependency = errors.New("loom: unknown dependency")
	// ErrUnknownWorker indicates a referenced worker id is not registered.
	ErrUnknownWorker = errors.New("loom: unknown worker")
	// ErrDuplicateJob indicates a job id collided with an existing one.
	ErrDuplicateJob = errors.New("loom: duplicate job")
	// ErrDuplicate indicates a dependency edge already exists.
	ErrDuplicate = errors.New("loom: duplicate dependency")
	// ErrUnsatisfiable indicates a MustSucceed edge was requested against
	// a parent that has already terminated in a state that can never
	// satisfy it.
	ErrUnsatisfiable = errors.New("loom: dependency unsatisfiable")
	// ErrNotFound indicates a lookup by id found nothing.
	ErrNotFound = errors.New("loom: not found")
	// ErrConflict indicates a compare-and-set precondition did not hold,
	// or a worker has active leases and Deregister was not forced.
	ErrConflict = errors.New("loom: conflict")
	// ErrUnavailable wraps a transient failure in an underlying
	// collaborator (Store, worker RPC) that the caller may retry.
	ErrUnavailable = errors.New("loom: unavailable")
	// ErrAlreadyTerminal indicates CancelJob was called on a job that has
	// already reached a terminal state.
	ErrAlreadyTerminal = errors.New("loom: job already terminal")
	// ErrUnknownLease indicates ReportOutcome named a lease id that does
	// not exist.
	ErrUnknownLease = errors.New("loom: unknown lease")
	// ErrAlreadyReported indicates ReportOutcome was called twice for the
	// same lease with two different outcomes.
	ErrAlreadyReported = errors.New("loom: lease outcome already reported")
	// ErrGraphCorrupt is raised when startup recovery finds the persisted
	// dependency edges do not form a DAG. The engine halts admission
	// rather than run against a corrupt graph.
	ErrGraphCorrupt = errors.New("loom: dependency graph failed acyclic validation")
)
