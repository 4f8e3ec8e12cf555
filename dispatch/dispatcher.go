// Package dispatch drives the match between the head of the priority
// queue and viable workers: it is the scheduler's single dispatch loop.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ovidian/loom/clock"
	"github.com/ovidian/loom/internal"
	"github.com/ovidian/loom/job"
	"github.com/ovidian/loom/observe"
	"github.com/ovidian/loom/queue"
	"github.com/ovidian/loom/store"
	"github.com/ovidian/loom/worker"
)

// Config parameterizes tick cadence and lease sizing.
type Config struct {
	ActiveTick time.Duration // cadence while the queue has work
	IdleTick   time.Duration // cadence while the queue is empty

	LeaseSlack float64 // multiplies estimated_duration; default_lease_slack
	MinLease   time.Duration
	MaxLease   time.Duration

	MaxReserveAttempts int
	// NoCapacityThreshold is how many consecutive no-candidate requeues
	// of the same job trigger a queue-blocked event.
	NoCapacityThreshold int
}

// DefaultConfig mirrors the scheduler's documented defaults.
func DefaultConfig() Config {
	return Config{
		ActiveTick:          50 * time.Millisecond,
		IdleTick:            time.Second,
		LeaseSlack:          2.0,
		MinLease:            30 * time.Second,
		MaxLease:            24 * time.Hour,
		MaxReserveAttempts:  3,
		NoCapacityThreshold: 5,
	}
}

// Dispatcher owns the single cooperative dispatch loop.
type Dispatcher struct {
	lc internal.Lifecycle

	cfg      Config
	store    store.Store
	queue    *queue.PriorityQueue
	registry *worker.Registry
	clock    clock.Clock
	sink     observe.Sink
	log      *slog.Logger

	mu         sync.Mutex
	noCapacity map[uuid.UUID]int
	stopCh     chan struct{}
	loopDone   chan struct{}
}

// New builds a Dispatcher. sink and log may be nil.
func New(cfg Config, st store.Store, q *queue.PriorityQueue, reg *worker.Registry, ck clock.Clock, sink observe.Sink, log *slog.Logger) *Dispatcher {
	if sink == nil {
		sink = observe.Noop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		cfg:        cfg,
		store:      st,
		queue:      q,
		registry:   reg,
		clock:      ck,
		sink:       sink,
		log:        log,
		noCapacity: make(map[uuid.UUID]int),
	}
}

// Start launches the dispatch loop. The loop cadence adapts between
// ActiveTick (while dispatching) and IdleTick (while the queue is
// empty), which a fixed-interval ticker cannot express, so the loop is
// a plain goroutine rather than internal.TimerTask.
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.lc.TryStart(); err != nil {
		return err
	}
	d.stopCh = make(chan struct{})
	d.loopDone = make(chan struct{})
	go d.run(ctx)
	return nil
}

// Stop cancels the dispatch loop and waits up to timeout for it to exit.
func (d *Dispatcher) Stop(timeout time.Duration) error {
	return d.lc.TryStop(timeout, func() internal.DoneChan {
		close(d.stopCh)
		ret := make(internal.DoneChan)
		go func() {
			<-d.loopDone
			close(ret)
		}()
		return ret
	})
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.loopDone)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-timer.C:
		}
		worked := d.Tick(ctx)
		if worked {
			timer.Reset(d.cfg.ActiveTick)
		} else {
			timer.Reset(d.cfg.IdleTick)
		}
	}
}

// Tick performs one bounded unit of dispatch work: pop the top job, find
// a candidate worker, and attempt a two-phase Reserve+IssueLease commit.
// It reports whether it found work to do.
func (d *Dispatcher) Tick(ctx context.Context) bool {
	jobId, ok := d.queue.Pop()
	if !ok {
		return false
	}

	j, err := d.store.GetJob(ctx, jobId)
	if err != nil {
		d.log.Warn("dispatch: job vanished", "job_id", jobId, "err", err)
		return true
	}
	if j.Status != job.Ready {
		return true // raced with a cancel or external transition; drop silently
	}

	// Each attempt re-runs SelectCandidates rather than reusing the first
	// ranked slice: a candidate's slot can be claimed by a concurrent
	// dispatch between one attempt and the next, which changes the
	// ranking. Spec's "retry from step 2" includes re-selecting
	// candidates, not just retrying the same one.
	for attempt := 0; attempt < d.cfg.MaxReserveAttempts; attempt++ {
		candidates := d.registry.SelectCandidates(j)
		if len(candidates) == 0 {
			d.requeueNoCapacity(j)
			return true
		}
		if d.tryAssign(ctx, j, candidates[0].WorkerId) {
			d.clearNoCapacity(j.Id)
			return true
		}
	}
	d.requeueNoCapacity(j)
	return true
}

func (d *Dispatcher) tryAssign(ctx context.Context, j *job.Job, workerId string) bool {
	if err := d.registry.Reserve(workerId, j.Id); err != nil {
		return false
	}
	w, err := d.registry.Get(workerId)
	if err != nil {
		d.registry.Release(workerId, j.Id)
		return false
	}

	deadline := d.clock.Now().Add(leaseDuration(d.cfg, j.EstimatedDuration))
	_, err = d.store.IssueLease(ctx, j.Id, workerId, w.Epoch, deadline)
	if err != nil {
		d.registry.Release(workerId, j.Id)
		if !errors.Is(err, store.ErrConflict) {
			d.log.Warn("dispatch: issue lease failed", "job_id", j.Id, "worker_id", workerId, "err", err)
		}
		return false
	}

	d.sink.Emit(observe.Event{
		Kind: observe.JobDispatched, Timestamp: d.clock.Now(),
		JobId: j.Id.String(), WorkerId: workerId,
	})
	return true
}

func leaseDuration(cfg Config, estimated time.Duration) time.Duration {
	d := time.Duration(float64(estimated) * cfg.LeaseSlack)
	if d < cfg.MinLease {
		return cfg.MinLease
	}
	if d > cfg.MaxLease {
		return cfg.MaxLease
	}
	return d
}

func (d *Dispatcher) requeueNoCapacity(j *job.Job) {
	now := d.clock.Now()
	d.queue.Push(j.Id, queue.Score(j, now))

	d.mu.Lock()
	d.noCapacity[j.Id]++
	count := d.noCapacity[j.Id]
	d.mu.Unlock()

	if count == d.cfg.NoCapacityThreshold {
		d.sink.Emit(observe.Event{Kind: observe.QueueBlocked, Timestamp: now, JobId: j.Id.String()})
	}
}

func (d *Dispatcher) clearNoCapacity(id uuid.UUID) {
	d.mu.Lock()
	delete(d.noCapacity, id)
	d.mu.Unlock()
}
