// Package failure implements every path that takes a job out of Running
// without a clean Completed: explicit worker failure reports, lease
// expiry, worker death, and cancellation, plus the retry/dead-letter
// policy and the periodic stuck-job sweep.
package failure

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ovidian/loom/clock"
	"github.com/ovidian/loom/graph"
	"github.com/ovidian/loom/internal"
	"github.com/ovidian/loom/job"
	"github.com/ovidian/loom/observe"
	"github.com/ovidian/loom/queue"
	"github.com/ovidian/loom/store"
)

// Reason classifies why a job left Running.
type Reason string

const (
	ReasonExplicit   Reason = "explicit"
	ReasonLeaseLost  Reason = "lease-expired"
	ReasonWorkerDead Reason = "worker-dead"
	ReasonCancelled  Reason = "cancelled"
	ReasonOrphaned   Reason = "lease-orphaned"
)

// Config parameterizes the handler's policies.
type Config struct {
	Backoff       BackoffConfig
	Classify      ClassifyFunc
	SweepInterval time.Duration
}

// DefaultConfig mirrors the scheduler's documented defaults.
func DefaultConfig() Config {
	return Config{
		Backoff:       DefaultBackoffConfig(),
		Classify:      DefaultClassify,
		SweepInterval: 10 * time.Minute,
	}
}

// Handler routes jobs leaving Running to a retry, a cancellation, or the
// dead-letter queue, and propagates DAG effects through the graph.
type Handler struct {
	lc internal.Lifecycle

	cfg    Config
	store  store.Store
	graph  *graph.DependencyGraph
	queue  *queue.PriorityQueue
	clock  clock.Clock
	sink   observe.Sink
	log    *slog.Logger
	backoff backoffCounter

	task internal.TimerTask
}

// New builds a Handler. sink and log may be nil; they default to no-ops.
func New(cfg Config, st store.Store, g *graph.DependencyGraph, q *queue.PriorityQueue, ck clock.Clock, sink observe.Sink, log *slog.Logger) *Handler {
	if sink == nil {
		sink = observe.Noop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		cfg:     cfg,
		store:   st,
		graph:   g,
		queue:   q,
		clock:   ck,
		sink:    sink,
		log:     log,
		backoff: backoffCounter{cfg.Backoff},
	}
}

// Handle processes one job leaving Running for reason, with errMsg set
// for failures. It performs the retry-or-DLQ decision, persists the
// outcome, and propagates dependency effects.
func (h *Handler) Handle(ctx context.Context, jobId uuid.UUID, reason Reason, errMsg string) error {
	j, err := h.store.GetJob(ctx, jobId)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return nil // already resolved, e.g. by a racing ReportOutcome
	}

	// Every reason Handle is called for surrenders the job out of Running
	// without going through ReportOutcome's CompleteLease, so the lease it
	// was dispatched under is still active as far as the Store is
	// concerned. Release it before the job goes back to Ready/Cancelled/
	// DeadLettered, or the next IssueLease for this job id conflicts
	// against the abandoned lease forever.
	if err := h.store.ReleaseLease(ctx, jobId); err != nil {
		h.log.Warn("handle: release lease failed", "job_id", jobId, "reason", reason, "err", err)
	}

	if reason == ReasonCancelled {
		return h.finalize(ctx, j, job.Cancelled, errMsg)
	}

	return h.resolve(ctx, j, h.cfg.Classify(errMsg), errMsg)
}

// HandleOutcome processes an explicit outcome reported by a worker via
// ReportOutcome, whose retryable/non-retryable classification is already
// known rather than inferred from the error text.
func (h *Handler) HandleOutcome(ctx context.Context, jobId uuid.UUID, outcome store.LeaseOutcome, errMsg string) error {
	j, err := h.store.GetJob(ctx, jobId)
	if err != nil {
		return err
	}
	// CompleteLease has already written Completed or Cancelled for those
	// outcomes, so a terminal status that matches the outcome still needs
	// finalize to propagate through the graph.
	if j.Status.Terminal() &&
		!(outcome == store.OutcomeSucceeded && j.Status == job.Completed) &&
		!(outcome == store.OutcomeCancelled && j.Status == job.Cancelled) {
		return nil
	}

	switch outcome {
	case store.OutcomeSucceeded:
		return h.finalize(ctx, j, job.Completed, "")
	case store.OutcomeCancelled:
		return h.finalize(ctx, j, job.Cancelled, errMsg)
	case store.OutcomeFailedNonRetryable:
		return h.resolve(ctx, j, NonRetryable, errMsg)
	default:
		return h.resolve(ctx, j, Retryable, errMsg)
	}
}

// resolve applies the retry-or-dead-letter decision given an already
// determined classification.
func (h *Handler) resolve(ctx context.Context, j *job.Job, classification Classification, errMsg string) error {
	remaining := j.RemainingAttempts()
	if remaining > 0 && classification == Retryable {
		return h.retry(ctx, j, errMsg)
	}
	return h.finalize(ctx, j, job.DeadLettered, errMsg)
}

func (h *Handler) retry(ctx context.Context, j *job.Job, errMsg string) error {
	attempt := j.Attempts + 1
	delay := h.backoff.next(attempt)
	now := h.clock.Now()

	// j.Status is Running when called via Handle (lease-expired, worker-dead,
	// explicit failure before CompleteLease) and already Failed when called
	// via HandleOutcome, since CompleteLease has already written that
	// transition; the CAS degrades to a same-state no-op in the latter case.
	if err := h.store.UpdateJobStatus(ctx, j.Id, j.Status, job.Failed); err != nil {
		return err
	}
	if err := h.store.AppendHistory(ctx, store.HistoryEntry{
		JobId: j.Id, Attempt: attempt, From: job.Running, To: job.Failed, Error: errMsg, Timestamp: now,
	}); err != nil {
		return err
	}

	if err := h.store.UpdateJobStatus(ctx, j.Id, job.Failed, job.Ready); err != nil {
		return err
	}
	j.Attempts = attempt
	j.LastError = errMsg
	j.ScheduledAt = now.Add(delay)
	h.queue.Push(j.Id, queue.Score(j, now))
	h.sink.Emit(observe.Event{Kind: observe.JobFailed, Timestamp: now, JobId: j.Id.String(), Details: errMsg})
	return nil
}

func (h *Handler) finalize(ctx context.Context, j *job.Job, terminal job.Status, errMsg string) error {
	now := h.clock.Now()
	if err := h.store.UpdateJobStatus(ctx, j.Id, j.Status, terminal); err != nil {
		// the job may have already been moved concurrently (e.g. a racing
		// ReportOutcome); treat as resolved rather than erroring the sweep.
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return err
	}
	if err := h.store.AppendHistory(ctx, store.HistoryEntry{
		JobId: j.Id, Attempt: j.Attempts, From: j.Status, To: terminal, Error: errMsg, Timestamp: now,
	}); err != nil {
		return err
	}

	if terminal == job.DeadLettered {
		if err := h.store.PutDLQ(ctx, store.DLQEntry{
			JobId: j.Id, Job: j, FinalError: errMsg, DeadAt: now,
		}); err != nil {
			return err
		}
		h.sink.Emit(observe.Event{Kind: observe.JobDeadLettered, Timestamp: now, JobId: j.Id.String(), Details: errMsg})
	}
	if terminal == job.Completed {
		h.sink.Emit(observe.Event{Kind: observe.JobCompleted, Timestamp: now, JobId: j.Id.String()})
	}

	effect := h.graph.OnJobTerminal(j.Id, terminal)
	for _, readyId := range effect.Ready {
		h.propagateReady(ctx, readyId, now)
	}
	for _, cancelId := range effect.Unsatisfiable {
		h.cancelUnsatisfiable(ctx, cancelId, now)
	}
	return nil
}

func (h *Handler) propagateReady(ctx context.Context, id uuid.UUID, now time.Time) {
	if err := h.store.UpdateJobStatus(ctx, id, job.Pending, job.Ready); err != nil {
		h.log.Warn("propagate ready failed", "job_id", id, "err", err)
		return
	}
	j, err := h.store.GetJob(ctx, id)
	if err != nil {
		h.log.Warn("propagate ready: reload failed", "job_id", id, "err", err)
		return
	}
	h.queue.Push(id, queue.Score(j, now))
	h.sink.Emit(observe.Event{Kind: observe.JobReady, Timestamp: now, JobId: id.String()})
}

func (h *Handler) cancelUnsatisfiable(ctx context.Context, id uuid.UUID, now time.Time) {
	j, err := h.store.GetJob(ctx, id)
	if err != nil {
		h.log.Warn("cancel propagation: load failed", "job_id", id, "err", err)
		return
	}
	if j.Status.Terminal() {
		return
	}
	if err := h.finalize(ctx, j, job.Cancelled, "dependency unsatisfiable"); err != nil {
		h.log.Warn("cancel propagation failed", "job_id", id, "err", err)
	}
}

// SweepStuck scans Running jobs whose lease deadline has passed without
// an outcome and routes them through Handle with ReasonLeaseLost.
func (h *Handler) SweepStuck(ctx context.Context) {
	expired, err := h.store.ExpireLeases(ctx, h.clock.Now())
	if err != nil {
		h.log.Warn("stuck-job sweep: list expired leases failed", "err", err)
		return
	}
	for _, l := range expired {
		if err := h.Handle(ctx, l.JobId, ReasonLeaseLost, "lease deadline exceeded"); err != nil {
			h.log.Warn("stuck-job sweep: handle failed", "job_id", l.JobId, "err", err)
		}
	}
}

// Start launches the periodic stuck-job sweep on the configured
// interval, running once immediately.
func (h *Handler) Start(ctx context.Context) error {
	if err := h.lc.TryStart(); err != nil {
		return err
	}
	h.task.Start(ctx, func(ctx context.Context) { h.SweepStuck(ctx) }, h.cfg.SweepInterval)
	return nil
}

// Stop cancels the sweep loop and waits up to timeout for it to exit.
func (h *Handler) Stop(timeout time.Duration) error {
	return h.lc.TryStop(timeout, func() internal.DoneChan { return h.task.Stop() })
}
