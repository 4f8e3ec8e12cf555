package loom

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	hset "github.com/hashicorp/go-set/v3"

	"github.com/ovidian/loom/clock"
	"github.com/ovidian/loom/dispatch"
	"github.com/ovidian/loom/failure"
	"github.com/ovidian/loom/graph"
	"github.com/ovidian/loom/internal"
	"github.com/ovidian/loom/job"
	"github.com/ovidian/loom/observe"
	"github.com/ovidian/loom/queue"
	"github.com/ovidian/loom/store"
	"github.com/ovidian/loom/worker"
)

// JobSpec describes a job submission: everything SubmitJob needs beyond
// what the Store assigns itself (id, timestamps).
type JobSpec struct {
	Name                 string
	BasePriority         int
	Payload              []byte
	RequiredCapabilities []string
	MaxAttempts          uint32
	ScheduledAt          time.Time
	EstimatedDuration    time.Duration
	Parents              []ParentDependency
}

// ParentDependency names one edge a submitted job depends on.
type ParentDependency struct {
	ParentId uuid.UUID
	Type     job.DependencyType
}

// Stats is a point-in-time snapshot returned by GetStats.
type Stats struct {
	QueueLength    int
	RegisteredWorkers int
}

// Core is the SchedulerCore: it owns the in-memory DependencyGraph,
// PriorityQueue and WorkerRegistry, drives the Dispatcher and
// FailureHandler background loops, and persists every durable
// transition through a store.Store. A Core is constructed once with New
// and is safe for concurrent use by many callers.
type Core struct {
	lc internal.Lifecycle

	cfg   Config
	store store.Store
	clock clock.Clock
	sink  observe.Sink
	log   *slog.Logger

	graph    *graph.DependencyGraph
	queue    *queue.PriorityQueue
	registry *worker.Registry

	dispatcher *dispatch.Dispatcher
	failures   *failure.Handler

	healthTask internal.TimerTask
	dlqTask    internal.TimerTask
}

// New builds a Core around the given Store. clock, sink and log may be
// nil, defaulting to the system clock, a no-op sink and slog.Default.
func New(cfg Config, st store.Store, ck clock.Clock, sink observe.Sink, log *slog.Logger) *Core {
	if ck == nil {
		ck = clock.System{}
	}
	if sink == nil {
		sink = observe.Noop{}
	}
	if log == nil {
		log = slog.Default()
	}

	g := graph.New(cfg.DependencyMaxDepth)
	q := queue.New()
	reg := worker.NewRegistry()

	return &Core{
		cfg:        cfg,
		store:      st,
		clock:      ck,
		sink:       sink,
		log:        log,
		graph:      g,
		queue:      q,
		registry:   reg,
		dispatcher: dispatch.New(cfg.dispatchConfig(), st, q, reg, ck, sink, log),
		failures:   failure.New(cfg.failureConfig(), st, g, q, ck, sink, log),
	}
}

// SubmitJob validates and persists a new job together with its parent
// dependency edges. Either the job and every edge commit, or none do.
func (c *Core) SubmitJob(ctx context.Context, spec JobSpec) (uuid.UUID, error) {
	j := job.NewJob(spec.Name, spec.BasePriority, spec.Payload, spec.MaxAttempts)
	// NewJob stamps CreatedAt/UpdatedAt from the wall clock; overwrite with
	// the Core's clock so age-based scoring and recovery agree with
	// whatever clock.Clock a caller (or test) injected.
	now := c.clock.Now()
	j.CreatedAt = now
	j.UpdatedAt = now
	if len(spec.RequiredCapabilities) > 0 {
		j.RequiredCapabilities = hset.From(spec.RequiredCapabilities)
	}
	j.ScheduledAt = spec.ScheduledAt
	j.EstimatedDuration = spec.EstimatedDuration

	c.graph.AddJob(j.Id, job.Pending)

	var linked []uuid.UUID
	for _, p := range spec.Parents {
		switch c.graph.AddEdge(p.ParentId, j.Id, p.Type) {
		case graph.Ok:
			linked = append(linked, p.ParentId)
		case graph.Duplicate:
			// the same parent named twice in one submission; the first
			// occurrence already linked it.
			continue
		case graph.UnknownJob:
			c.rollbackSubmit(j.Id, linked)
			return uuid.Nil, ErrUnknownDependency
		case graph.Cycle:
			c.rollbackSubmit(j.Id, linked)
			return uuid.Nil, ErrCycle
		case graph.Unsatisfiable:
			c.rollbackSubmit(j.Id, linked)
			return uuid.Nil, ErrUnsatisfiable
		}
	}

	if err := c.store.PutJob(ctx, j); err != nil {
		c.rollbackSubmit(j.Id, linked)
		if errors.Is(err, store.ErrDuplicate) {
			return uuid.Nil, ErrDuplicateJob
		}
		return uuid.Nil, err
	}
	for _, p := range spec.Parents {
		if err := c.store.AddDependency(ctx, p.ParentId, j.Id, p.Type); err != nil {
			c.log.Warn("submit job: persist dependency failed", "job_id", j.Id, "parent_id", p.ParentId, "err", err)
		}
	}

	c.sink.Emit(observe.Event{Kind: observe.JobSubmitted, Timestamp: now, JobId: j.Id.String()})

	if c.graph.UnsatisfiedCount(j.Id) == 0 {
		if err := c.store.UpdateJobStatus(ctx, j.Id, job.Pending, job.Ready); err != nil {
			c.log.Warn("submit job: ready transition failed", "job_id", j.Id, "err", err)
		} else {
			j.Status = job.Ready
			c.graph.AddJob(j.Id, job.Ready)
			c.queue.Push(j.Id, queue.ScoreWith(c.cfg.scoreConfig(), j, now))
			c.sink.Emit(observe.Event{Kind: observe.JobReady, Timestamp: now, JobId: j.Id.String()})
		}
	}
	return j.Id, nil
}

// rollbackSubmit undoes the in-memory graph registration of a job whose
// persistence failed partway through, so SubmitJob commits all-or-nothing.
func (c *Core) rollbackSubmit(childId uuid.UUID, linkedParents []uuid.UUID) {
	for _, p := range linkedParents {
		c.graph.RemoveEdge(p, childId)
	}
	c.graph.Forget(childId)
}

// AddDependency adds a dependency edge to an already-submitted job.
func (c *Core) AddDependency(ctx context.Context, parent, child uuid.UUID, typ job.DependencyType) error {
	switch c.graph.AddEdge(parent, child, typ) {
	case graph.Ok:
	case graph.UnknownJob:
		return ErrUnknownJob
	case graph.Duplicate:
		return ErrDuplicate
	case graph.Cycle:
		return ErrCycle
	case graph.Unsatisfiable:
		return ErrUnsatisfiable
	}

	if err := c.store.AddDependency(ctx, parent, child, typ); err != nil {
		c.graph.RemoveEdge(parent, child)
		if errors.Is(err, store.ErrDuplicate) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// CancelJob cancels a non-terminal job. There is no worker RPC surface
// in this engine to signal an in-flight worker, so cancellation of a
// Running job is applied immediately rather than deferred to the
// worker's next report; a real deployment with a push channel to
// workers would instead mark intent and let ReportOutcome or lease
// expiry resolve it, per spec's "best-effort" wording.
func (c *Core) CancelJob(ctx context.Context, id uuid.UUID) error {
	j, err := c.store.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if j.Status.Terminal() {
		return ErrAlreadyTerminal
	}
	c.queue.Remove(id)
	return c.failures.Handle(ctx, id, failure.ReasonCancelled, "cancel requested")
}

// GetJob returns a single job by id.
func (c *Core) GetJob(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	j, err := c.store.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return j, nil
}

// ListJobs returns a page of jobs, optionally filtered by status.
func (c *Core) ListJobs(ctx context.Context, status *job.Status, page store.Page) ([]*job.Job, error) {
	return c.store.ListJobs(ctx, status, page)
}

// GetStats returns a point-in-time snapshot of queue depth and worker
// count.
func (c *Core) GetStats() Stats {
	return Stats{
		QueueLength:       c.queue.Len(),
		RegisteredWorkers: c.registry.Count(),
	}
}

// RegisterWorker registers or re-registers a worker, returning its
// (possibly incremented) epoch.
func (c *Core) RegisterWorker(ctx context.Context, spec worker.Spec) (uint64, error) {
	epoch := c.registry.Register(spec)
	if err := c.store.PutWorker(ctx, spec); err != nil {
		c.log.Warn("register worker: persist failed", "worker_id", spec.Id, "err", err)
	}
	c.sink.Emit(observe.Event{Kind: observe.WorkerRegistered, Timestamp: c.clock.Now(), WorkerId: spec.Id})
	return epoch, nil
}

// Heartbeat records liveness for workerId.
func (c *Core) Heartbeat(ctx context.Context, workerId string, snap worker.HeartbeatSnapshot) error {
	if err := c.registry.Heartbeat(workerId, snap); err != nil {
		return ErrUnknownWorker
	}
	if err := c.store.UpdateWorkerHeartbeat(ctx, workerId, c.clock.Now()); err != nil {
		c.log.Warn("heartbeat: persist failed", "worker_id", workerId, "err", err)
	}
	return nil
}

// Deregister removes a worker, surrendering its active leases to the
// FailureHandler if force is set.
func (c *Core) Deregister(ctx context.Context, workerId string, force bool) error {
	surrendered, err := c.registry.Deregister(workerId, force)
	if err != nil {
		if errors.Is(err, worker.ErrHasLeases) {
			return ErrConflict
		}
		return ErrUnknownWorker
	}
	for _, jobID := range surrendered {
		if err := c.failures.Handle(ctx, jobID, failure.ReasonWorkerDead, "worker deregistered"); err != nil {
			c.log.Warn("deregister: surrender failed", "job_id", jobID, "worker_id", workerId, "err", err)
		}
	}
	return nil
}

// ReportOutcome records the terminal result a worker reports for a
// lease. It is idempotent: repeating the same outcome for an
// already-resolved lease is a no-op success; repeating with a different
// outcome returns ErrAlreadyReported.
func (c *Core) ReportOutcome(ctx context.Context, leaseId uuid.UUID, outcome store.LeaseOutcome, errMsg string, execTime time.Duration) error {
	l, err := c.store.GetLeaseByID(ctx, leaseId)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUnknownLease
		}
		return err
	}

	j, err := c.store.GetJob(ctx, l.JobId)
	if err != nil {
		return err
	}
	// A lease that is no longer the job's active lease has already been
	// resolved (completed or released), whatever the job's status now is.
	active, err := c.store.GetLease(ctx, l.JobId)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	alreadyResolved := j.Status.Terminal() || active == nil || active.Id != leaseId

	if err := c.store.CompleteLease(ctx, leaseId, outcome, errMsg); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return ErrAlreadyReported
		}
		return err
	}
	if alreadyResolved {
		return nil
	}

	if err := c.registry.RecordOutcome(l.WorkerId, l.JobId, outcome == store.OutcomeSucceeded, execTime); err != nil {
		c.log.Warn("report outcome: registry update failed", "job_id", l.JobId, "worker_id", l.WorkerId, "err", err)
	}
	return c.failures.HandleOutcome(ctx, l.JobId, outcome, errMsg)
}

// Start runs startup recovery and launches every background loop:
// the dispatcher, the failure handler's stuck-job sweep, the worker
// health check, and the DLQ retention sweep.
func (c *Core) Start(ctx context.Context) error {
	if err := c.lc.TryStart(); err != nil {
		return err
	}
	if err := c.recover(ctx); err != nil {
		return err
	}
	if err := c.dispatcher.Start(ctx); err != nil {
		return err
	}
	if err := c.failures.Start(ctx); err != nil {
		return err
	}
	c.healthTask.Start(ctx, func(ctx context.Context) { c.runHealthCheck(ctx) }, c.cfg.HealthCheckInterval)
	c.dlqTask.Start(ctx, func(ctx context.Context) { c.sweepDLQRetention(ctx) }, c.cfg.DLQSweepInterval)
	return nil
}

// Stop cancels every background loop and waits up to timeout for them
// to drain.
func (c *Core) Stop(timeout time.Duration) error {
	return c.lc.TryStop(timeout, func() internal.DoneChan {
		combined := internal.Combine(c.healthTask.Stop(), c.dlqTask.Stop())
		done := make(internal.DoneChan)
		go func() {
			<-combined
			if err := c.dispatcher.Stop(timeout); err != nil {
				c.log.Warn("stop: dispatcher", "err", err)
			}
			if err := c.failures.Stop(timeout); err != nil {
				c.log.Warn("stop: failure handler", "err", err)
			}
			close(done)
		}()
		return done
	})
}

// recover rebuilds every in-memory structure from the Store: (1) loads
// all jobs and workers, (2) rebuilds the DependencyGraph and validates
// it, (3) re-populates the PriorityQueue from Ready jobs, (4) reconciles
// Running jobs against their leases.
func (c *Core) recover(ctx context.Context) error {
	jobs, err := c.store.ListJobs(ctx, nil, store.Page{})
	if err != nil {
		return err
	}
	// All jobs, not only non-terminal ones, must be registered with the
	// graph first: edges whose parent already terminated need that
	// parent present so AddEdge can resolve them against its status
	// instead of spuriously rejecting with UnknownJob.
	for _, j := range jobs {
		c.graph.AddJob(j.Id, j.Status)
	}
	for _, j := range jobs {
		deps, err := c.store.ListDependencies(ctx, j.Id, true)
		if err != nil {
			return err
		}
		for _, e := range deps {
			c.graph.AddEdge(e.Parent, e.Child, e.Type)
		}
	}
	if !c.graph.ValidateAcyclic() {
		return ErrGraphCorrupt
	}

	workers, err := c.store.ListWorkers(ctx)
	if err != nil {
		return err
	}
	for _, spec := range workers {
		c.registry.Register(spec)
	}

	now := c.clock.Now()
	scoreCfg := c.cfg.scoreConfig()
	for _, j := range jobs {
		if j.Status == job.Ready {
			c.queue.Push(j.Id, queue.ScoreWith(scoreCfg, j, now))
		}
	}
	// A crash between the graph's own promotion and the matching Store
	// write can leave a job Pending in the Store despite having no
	// unsatisfied parents; ReadySet surfaces those so they aren't lost.
	for _, id := range c.graph.ReadySet() {
		j, err := c.store.GetJob(ctx, id)
		if err != nil {
			c.log.Warn("recover: reload ready job failed", "job_id", id, "err", err)
			continue
		}
		if err := c.store.UpdateJobStatus(ctx, id, job.Pending, job.Ready); err != nil {
			c.log.Warn("recover: promote ready job failed", "job_id", id, "err", err)
			continue
		}
		j.Status = job.Ready
		c.queue.Push(id, queue.ScoreWith(scoreCfg, j, now))
	}

	for _, j := range jobs {
		if j.Status != job.Running {
			continue
		}
		orphaned := false
		l, err := c.store.GetLease(ctx, j.Id)
		switch {
		case err != nil:
			orphaned = true
		case l.Expired(now):
			orphaned = true
		default:
			if _, werr := c.registry.Get(l.WorkerId); werr != nil {
				orphaned = true
			}
		}
		if orphaned {
			if err := c.failures.Handle(ctx, j.Id, failure.ReasonOrphaned, "lease orphaned at startup"); err != nil {
				c.log.Warn("recover: reconcile running job failed", "job_id", j.Id, "err", err)
			}
		}
	}
	return nil
}

func (c *Core) runHealthCheck(ctx context.Context) {
	now := c.clock.Now()
	dead, unreachable := c.registry.RunHealthCheck(now, c.cfg.HeartbeatTimeout, c.cfg.WorkerDeadThreshold)
	for _, workerId := range unreachable {
		c.sink.Emit(observe.Event{Kind: observe.WorkerUnreach, Timestamp: now, WorkerId: workerId})
	}
	for _, d := range dead {
		c.sink.Emit(observe.Event{Kind: observe.WorkerDead, Timestamp: now, WorkerId: d.WorkerId})
		for _, jobID := range d.JobIDs {
			if err := c.failures.Handle(ctx, jobID, failure.ReasonWorkerDead, "worker dead"); err != nil {
				c.log.Warn("health check: surrender failed", "job_id", jobID, "worker_id", d.WorkerId, "err", err)
			}
		}
	}
}

// sweepDLQRetention discards dead-lettered entries older than
// DLQRetention, freeing Store space for jobs nobody is coming back to
// retry.
func (c *Core) sweepDLQRetention(ctx context.Context) {
	now := c.clock.Now()
	entries, err := c.store.ListDLQ(ctx, store.Page{})
	if err != nil {
		c.log.Warn("dlq retention sweep: list failed", "err", err)
		return
	}
	for _, e := range entries {
		if now.Sub(e.DeadAt) < c.cfg.DLQRetention {
			continue
		}
		if err := c.store.Discard(ctx, e.JobId); err != nil {
			c.log.Warn("dlq retention sweep: discard failed", "job_id", e.JobId, "err", err)
		}
	}
}
