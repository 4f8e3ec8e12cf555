// Package worker owns the live worker table: registration, heartbeat
// health, capacity accounting and candidate scoring for dispatch.
package worker

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	hset "github.com/hashicorp/go-set/v3"

	"github.com/ovidian/loom/job"
)

var (
	// ErrUnknownWorker indicates the referenced worker id is not
	// registered.
	ErrUnknownWorker = errors.New("unknown worker")
	// ErrHasLeases indicates Deregister was called without force on a
	// worker that still owns active leases.
	ErrHasLeases = errors.New("worker has active leases")
	// ErrSlotConflict indicates Reserve found no available slot, or the
	// worker's status changed between candidate selection and reserve.
	ErrSlotConflict = errors.New("slot conflict")
)

// Registry owns the live worker table. A global RWMutex guards membership
// (Register/Deregister/snapshot listing); each Worker carries its own
// mutex for slot and heartbeat accounting, so concurrent Reserve/Release
// calls against different workers never contend on the global lock.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*Worker
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]*Worker)}
}

// Register adds or re-registers a worker. Re-registration (an id already
// present) preserves lifetime counters and increments the epoch, which
// invalidates any lease issued under a prior epoch.
func (r *Registry) Register(spec Spec) (epoch uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.workers[spec.Id]; ok {
		existing.mu.Lock()
		existing.Locator = spec.Locator
		existing.Capabilities = hset.From(spec.Capabilities)
		existing.MaxSlots = spec.MaxSlots
		existing.ReservedHighPrioritySlots = spec.ReservedHighPrioritySlots
		existing.LoadFactor = spec.LoadFactor
		existing.PriorityThreshold = spec.PriorityThreshold
		existing.Status = Active
		existing.LastHeartbeat = time.Now()
		existing.Epoch++
		epoch = existing.Epoch
		existing.mu.Unlock()
		return epoch
	}

	w := &Worker{
		Id:                        spec.Id,
		Locator:                   spec.Locator,
		Capabilities:              hset.From(spec.Capabilities),
		MaxSlots:                  spec.MaxSlots,
		ReservedHighPrioritySlots: spec.ReservedHighPrioritySlots,
		AssignedJobIDs:            hset.New[uuid.UUID](0),
		LoadFactor:                spec.LoadFactor,
		PriorityThreshold:         spec.PriorityThreshold,
		Status:                    Active,
		LastHeartbeat:             time.Now(),
		Epoch:                     0,
	}
	r.workers[spec.Id] = w
	return 0
}

func (r *Registry) get(workerId string) (*Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[workerId]
	if !ok {
		return nil, ErrUnknownWorker
	}
	return w, nil
}

// Heartbeat records a liveness signal and resource snapshot. A worker
// previously Unreachable transitions back to Active.
func (r *Registry) Heartbeat(workerId string, snap HeartbeatSnapshot) error {
	w, err := r.get(workerId)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.LastHeartbeat = time.Now()
	if snap.LoadFactor > 0 {
		w.LoadFactor = snap.LoadFactor
	}
	if w.Status == Unreachable {
		w.Status = Active
	}
	return nil
}

// Deregister removes a worker. If it still holds active leases, Deregister
// refuses unless force is true, in which case the assigned job ids are
// returned so the caller can surrender them to the FailureHandler.
func (r *Registry) Deregister(workerId string, force bool) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerId]
	if !ok {
		return nil, ErrUnknownWorker
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.AssignedJobIDs.Size() > 0 && !force {
		return nil, ErrHasLeases
	}
	surrendered := w.AssignedJobIDs.Slice()
	delete(r.workers, workerId)
	return surrendered, nil
}

// Reserve atomically claims a slot for jobID on workerId.
func (r *Registry) Reserve(workerId string, jobID uuid.UUID) error {
	w, err := r.get(workerId)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Status != Active {
		return ErrSlotConflict
	}
	if w.AssignedJobIDs.Size() >= w.MaxSlots {
		return ErrSlotConflict
	}
	w.AssignedJobIDs.Insert(jobID)
	w.LifetimeAssigned++
	return nil
}

// Release gives back a previously reserved slot.
func (r *Registry) Release(workerId string, jobID uuid.UUID) error {
	w, err := r.get(workerId)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.AssignedJobIDs.Remove(jobID)
	return nil
}

// RecordOutcome updates lifetime counters after a lease completes,
// feeding the success-rate and average-execution-time scoring terms.
func (r *Registry) RecordOutcome(workerId string, jobID uuid.UUID, succeeded bool, execTime time.Duration) error {
	w, err := r.get(workerId)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.AssignedJobIDs.Remove(jobID)
	if succeeded {
		w.LifetimeSucceeded++
		w.totalExecTime += execTime
	} else {
		w.LifetimeFailed++
	}
	return nil
}

// SelectCandidates returns a ranked list of workers eligible to run j.
func (r *Registry) SelectCandidates(j *job.Job) []Candidate {
	r.mu.RLock()
	snapshot := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		w.mu.Lock()
		cp := w.snapshot()
		w.mu.Unlock()
		snapshot = append(snapshot, &cp)
	}
	r.mu.RUnlock()
	return SelectCandidates(snapshot, j)
}

// Get returns a snapshot copy of the worker, or ErrUnknownWorker.
func (r *Registry) Get(workerId string) (Worker, error) {
	w, err := r.get(workerId)
	if err != nil {
		return Worker{}, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshot(), nil
}

// Count returns the number of registered workers, for GetStats.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// SurrenderedLease describes a lease that must be handed to the
// FailureHandler because its worker went Unreachable -> Dead.
type SurrenderedLease struct {
	WorkerId string
	JobIDs   []uuid.UUID
}

// RunHealthCheck scans all workers for missed heartbeats. Active workers
// past heartbeatTimeout become Unreachable (reported in becameUnreachable);
// Unreachable workers past deadThreshold (measured from their last
// heartbeat) become Dead and surrender every assigned job.
func (r *Registry) RunHealthCheck(now time.Time, heartbeatTimeout, deadThreshold time.Duration) (dead []SurrenderedLease, becameUnreachable []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, w := range r.workers {
		w.mu.Lock()
		idle := now.Sub(w.LastHeartbeat)
		switch w.Status {
		case Active:
			if idle > heartbeatTimeout {
				w.Status = Unreachable
				becameUnreachable = append(becameUnreachable, w.Id)
			}
		case Unreachable:
			if idle > deadThreshold {
				w.Status = Dead
				jobs := w.AssignedJobIDs.Slice()
				w.AssignedJobIDs = hset.New[uuid.UUID](0)
				if len(jobs) > 0 {
					dead = append(dead, SurrenderedLease{WorkerId: w.Id, JobIDs: jobs})
				}
			}
		}
		w.mu.Unlock()
	}
	return dead, becameUnreachable
}
