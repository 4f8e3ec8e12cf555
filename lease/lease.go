// Package lease defines the at-most-one-concurrent-execution grant a
// dispatcher holds on a job while a worker runs it.
package lease

import (
	"time"

	"github.com/google/uuid"
)

// Lease is the bookkeeping record created when a job is dispatched to a
// worker. A job has at most one live lease at a time; the Store enforces
// this with a compare-and-swap on the job's status.
type Lease struct {
	Id uuid.UUID

	JobId    uuid.UUID
	WorkerId string

	// WorkerEpoch pins the lease to the worker incarnation that accepted
	// it. A re-registration bumps the worker's epoch, which invalidates
	// leases issued to the prior incarnation even if it resumes
	// heartbeating under the same id.
	WorkerEpoch uint64

	Attempt uint32

	IssuedAt time.Time
	Deadline time.Time
}

// Expired reports whether the lease's deadline has passed at now.
func (l Lease) Expired(now time.Time) bool {
	return now.After(l.Deadline)
}
