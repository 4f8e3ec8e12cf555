// Package storetest provides an in-memory store.Store used by the
// scheduler's own test suites, so component tests don't need a live
// database to exercise CAS and idempotency behavior.
package storetest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ovidian/loom/job"
	"github.com/ovidian/loom/lease"
	"github.com/ovidian/loom/store"
	"github.com/ovidian/loom/worker"
)

// Store is a mutex-guarded in-memory implementation of store.Store.
type Store struct {
	mu sync.Mutex

	jobs    map[uuid.UUID]*job.Job
	deps    []store.DependencyEdge
	workers map[string]worker.Spec
	leases    map[uuid.UUID]*lease.Lease
	completed map[uuid.UUID]store.LeaseOutcome
	released  map[uuid.UUID]bool
	history   []store.HistoryEntry
	dlq       map[uuid.UUID]store.DLQEntry
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		jobs:    make(map[uuid.UUID]*job.Job),
		workers:   make(map[string]worker.Spec),
		leases:    make(map[uuid.UUID]*lease.Lease),
		completed: make(map[uuid.UUID]store.LeaseOutcome),
		released:  make(map[uuid.UUID]bool),
		dlq:       make(map[uuid.UUID]store.DLQEntry),
	}
}

func clone(j *job.Job) *job.Job {
	cp := *j
	return &cp
}

func (s *Store) PutJob(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.Id]; ok {
		return store.ErrDuplicate
	}
	s.jobs[j.Id] = clone(j)
	return nil
}

func (s *Store) GetJob(_ context.Context, id uuid.UUID) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(j), nil
}

func (s *Store) ListJobs(_ context.Context, status *job.Status, page store.Page) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*job.Job
	for _, j := range s.jobs {
		if status != nil && j.Status != *status {
			continue
		}
		out = append(out, clone(j))
	}
	return out, nil
}

func (s *Store) UpdateJobStatus(_ context.Context, id uuid.UUID, expected, next job.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if j.Status != expected {
		return store.ErrConflict
	}
	j.Status = next
	j.UpdatedAt = time.Now()
	return nil
}

func (s *Store) AddDependency(_ context.Context, parent, child uuid.UUID, typ job.DependencyType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.deps {
		if e.Parent == parent && e.Child == child {
			return store.ErrDuplicate
		}
	}
	s.deps = append(s.deps, store.DependencyEdge{Parent: parent, Child: child, Type: typ})
	return nil
}

func (s *Store) RemoveDependency(_ context.Context, parent, child uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.deps {
		if e.Parent == parent && e.Child == child {
			s.deps = append(s.deps[:i], s.deps[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *Store) ListDependencies(_ context.Context, jobId uuid.UUID, asChild bool) ([]store.DependencyEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.DependencyEdge
	for _, e := range s.deps {
		if asChild && e.Child == jobId {
			out = append(out, e)
		}
		if !asChild && e.Parent == jobId {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) PutWorker(_ context.Context, spec worker.Spec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[spec.Id] = spec
	return nil
}

func (s *Store) ListWorkers(_ context.Context) ([]worker.Spec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]worker.Spec, 0, len(s.workers))
	for _, spec := range s.workers {
		out = append(out, spec)
	}
	return out, nil
}

func (s *Store) UpdateWorkerHeartbeat(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workers[id]; !ok {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateWorkerStatus(_ context.Context, id string, expected, next worker.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workers[id]; !ok {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) IssueLease(_ context.Context, jobId uuid.UUID, workerId string, workerEpoch uint64, deadline time.Time) (*lease.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobId]
	if !ok {
		return nil, store.ErrNotFound
	}
	if j.Status != job.Ready {
		return nil, store.ErrConflict
	}
	for _, l := range s.leases {
		if l.JobId != jobId {
			continue
		}
		if _, done := s.completed[l.Id]; done {
			continue
		}
		if s.released[l.Id] {
			continue
		}
		return nil, store.ErrConflict
	}
	j.Status = job.Running
	l := &lease.Lease{
		Id: uuid.New(), JobId: jobId, WorkerId: workerId, WorkerEpoch: workerEpoch,
		Attempt: j.Attempts + 1, IssuedAt: time.Now(), Deadline: deadline,
	}
	s.leases[l.Id] = l
	return l, nil
}

func (s *Store) CompleteLease(_ context.Context, leaseId uuid.UUID, outcome store.LeaseOutcome, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[leaseId]
	if !ok {
		return store.ErrNotFound
	}
	if prior, done := s.completed[leaseId]; done {
		if prior == outcome {
			return nil // idempotent repeat
		}
		return store.ErrConflict
	}
	j := s.jobs[l.JobId]
	switch outcome {
	case store.OutcomeSucceeded:
		j.Status = job.Completed
	case store.OutcomeCancelled:
		j.Status = job.Cancelled
	default:
		j.Status = job.Failed
	}
	j.LastError = errMsg
	s.completed[leaseId] = outcome
	return nil
}

// ReleaseLease marks the active lease for jobId, if any, as resolved
// without recording an outcome or touching the job's status, so a
// surrendering caller (worker death, lease expiry, cancel, startup
// orphan recovery) can return the job to Ready without IssueLease
// tripping over the stale lease forever. A no-op if jobId has no active
// lease.
func (s *Store) ReleaseLease(_ context.Context, jobId uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.leases {
		if l.JobId != jobId {
			continue
		}
		if _, done := s.completed[l.Id]; done {
			continue
		}
		if s.released[l.Id] {
			continue
		}
		s.released[l.Id] = true
		return nil
	}
	return nil
}

func (s *Store) GetLease(_ context.Context, jobId uuid.UUID) (*lease.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.leases {
		if l.JobId == jobId {
			if _, done := s.completed[l.Id]; done {
				continue
			}
			if s.released[l.Id] {
				continue
			}
			return l, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetLeaseByID(_ context.Context, leaseId uuid.UUID) (*lease.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[leaseId]
	if !ok {
		return nil, store.ErrNotFound
	}
	return l, nil
}

func (s *Store) ExpireLeases(_ context.Context, now time.Time) ([]*lease.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*lease.Lease
	for _, l := range s.leases {
		if _, done := s.completed[l.Id]; done {
			continue
		}
		if s.released[l.Id] {
			continue
		}
		if now.After(l.Deadline) {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *Store) AppendHistory(_ context.Context, entry store.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, entry)
	return nil
}

func (s *Store) PutDLQ(_ context.Context, entry store.DLQEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dlq[entry.JobId] = entry
	return nil
}

func (s *Store) ListDLQ(_ context.Context, page store.Page) ([]store.DLQEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.DLQEntry, 0, len(s.dlq))
	for _, e := range s.dlq {
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) Retry(_ context.Context, jobId uuid.UUID, resetAttempts bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dlq[jobId]; !ok {
		return store.ErrNotFound
	}
	delete(s.dlq, jobId)
	j := s.jobs[jobId]
	j.Status = job.Ready
	if resetAttempts {
		j.Attempts = 0
	}
	return nil
}

func (s *Store) Discard(_ context.Context, jobId uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dlq[jobId]; !ok {
		return store.ErrNotFound
	}
	delete(s.dlq, jobId)
	return nil
}

var _ store.Store = (*Store)(nil)
