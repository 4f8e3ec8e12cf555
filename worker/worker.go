package worker

import (
	"sync"
	"time"

	"github.com/google/uuid"
	hset "github.com/hashicorp/go-set/v3"
)

// Spec describes a worker as supplied to Register.
type Spec struct {
	Id                        string
	Locator                   string
	Capabilities              []string
	MaxSlots                  int
	ReservedHighPrioritySlots int
	LoadFactor                float64
	PriorityThreshold         int
}

// HeartbeatSnapshot carries the resource metrics a worker reports with
// each heartbeat. The fields are opaque to the registry beyond LoadFactor,
// which feeds into candidate scoring.
type HeartbeatSnapshot struct {
	LoadFactor float64
}

// Worker is the live, in-memory view of a registered worker. Ownership is
// the Registry's; callers receive snapshots via Registry.Get.
type Worker struct {
	mu sync.Mutex

	Id           string
	Locator      string
	Capabilities *hset.Set[string]

	MaxSlots                  int
	ReservedHighPrioritySlots int
	AssignedJobIDs            *hset.Set[uuid.UUID]

	LoadFactor        float64
	PriorityThreshold int

	Status        Status
	LastHeartbeat time.Time
	Epoch         uint64

	LifetimeAssigned  uint64
	LifetimeSucceeded uint64
	LifetimeFailed    uint64

	totalExecTime time.Duration // sum of observed execution durations, for average-time scoring
}

// snapshot returns a copy of w safe to read without holding w.mu,
// omitting the mutex itself so the copy is not flagged as a locked value
// passed by value.
func (w *Worker) snapshot() Worker {
	return Worker{
		Id:                        w.Id,
		Locator:                   w.Locator,
		Capabilities:              w.Capabilities,
		MaxSlots:                  w.MaxSlots,
		ReservedHighPrioritySlots: w.ReservedHighPrioritySlots,
		AssignedJobIDs:            w.AssignedJobIDs.Copy(),
		LoadFactor:                w.LoadFactor,
		PriorityThreshold:         w.PriorityThreshold,
		Status:                    w.Status,
		LastHeartbeat:             w.LastHeartbeat,
		Epoch:                     w.Epoch,
		LifetimeAssigned:          w.LifetimeAssigned,
		LifetimeSucceeded:         w.LifetimeSucceeded,
		LifetimeFailed:            w.LifetimeFailed,
		totalExecTime:             w.totalExecTime,
	}
}

// AvailableSlots returns the number of slots not currently assigned.
func (w *Worker) AvailableSlots() int {
	avail := w.MaxSlots - w.AssignedJobIDs.Size()
	if avail < 0 {
		return 0
	}
	return avail
}

// successRate returns lifetime success fraction, defaulting to 1.0 (no
// evidence against the worker) when it has no completed attempts yet.
func (w *Worker) successRate() float64 {
	total := w.LifetimeSucceeded + w.LifetimeFailed
	if total == 0 {
		return 1.0
	}
	return float64(w.LifetimeSucceeded) / float64(total)
}

// averageExecTime returns the worker's mean observed execution duration,
// or zero if it has none yet.
func (w *Worker) averageExecTime() time.Duration {
	if w.LifetimeSucceeded == 0 {
		return 0
	}
	return w.totalExecTime / time.Duration(w.LifetimeSucceeded)
}
