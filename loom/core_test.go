package loom

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ovidian/loom/clock/clocktest"
	"github.com/ovidian/loom/job"
	"github.com/ovidian/loom/queue"
	"github.com/ovidian/loom/store"
	"github.com/ovidian/loom/store/storetest"
	"github.com/ovidian/loom/worker"
)

func newTestCore(t *testing.T) (*Core, *clocktest.Fake) {
	t.Helper()
	ck := clocktest.New(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(DefaultConfig(), storetest.New(), ck, nil, nil), ck
}

func mustDispatch(t *testing.T, c *Core) bool {
	t.Helper()
	return c.dispatcher.Tick(context.Background())
}

func requireStatus(t *testing.T, c *Core, id uuid.UUID, want job.Status) {
	t.Helper()
	j, err := c.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("get job %s: %v", id, err)
	}
	if j.Status != want {
		t.Fatalf("job %s: status = %s, want %s", id, j.Status, want)
	}
}

// Scenario A — linear chain succeeds.
func TestScenarioLinearChainSucceeds(t *testing.T) {
	c, _ := newTestCore(t)
	ctx := context.Background()

	j1, err := c.SubmitJob(ctx, JobSpec{Name: "j1", BasePriority: 500, MaxAttempts: 1})
	if err != nil {
		t.Fatalf("submit j1: %v", err)
	}
	j2, err := c.SubmitJob(ctx, JobSpec{Name: "j2", BasePriority: 500, MaxAttempts: 1,
		Parents: []ParentDependency{{ParentId: j1, Type: job.MustComplete}}})
	if err != nil {
		t.Fatalf("submit j2: %v", err)
	}
	j3, err := c.SubmitJob(ctx, JobSpec{Name: "j3", BasePriority: 500, MaxAttempts: 1,
		Parents: []ParentDependency{{ParentId: j2, Type: job.MustComplete}}})
	if err != nil {
		t.Fatalf("submit j3: %v", err)
	}

	if _, err := c.RegisterWorker(ctx, worker.Spec{Id: "w1", MaxSlots: 1}); err != nil {
		t.Fatalf("register worker: %v", err)
	}

	runToCompletion := func(id uuid.UUID) {
		t.Helper()
		if !mustDispatch(t, c) {
			t.Fatalf("expected dispatch work for %s", id)
		}
		requireStatus(t, c, id, job.Running)
		l, err := c.store.GetLease(ctx, id)
		if err != nil {
			t.Fatalf("get lease for %s: %v", id, err)
		}
		if err := c.ReportOutcome(ctx, l.Id, store.OutcomeSucceeded, "", time.Second); err != nil {
			t.Fatalf("report outcome for %s: %v", id, err)
		}
		requireStatus(t, c, id, job.Completed)
	}

	runToCompletion(j1)
	runToCompletion(j2)
	runToCompletion(j3)

	if n := c.queue.Len(); n != 0 {
		t.Fatalf("queue not drained: %d jobs remain", n)
	}
}

// Scenario B — cycle rejected.
func TestScenarioCycleRejected(t *testing.T) {
	c, _ := newTestCore(t)
	ctx := context.Background()

	j1, err := c.SubmitJob(ctx, JobSpec{Name: "j1", BasePriority: 500, MaxAttempts: 1})
	if err != nil {
		t.Fatalf("submit j1: %v", err)
	}
	j2, err := c.SubmitJob(ctx, JobSpec{Name: "j2", BasePriority: 500, MaxAttempts: 1,
		Parents: []ParentDependency{{ParentId: j1, Type: job.MustComplete}}})
	if err != nil {
		t.Fatalf("submit j2: %v", err)
	}

	if err := c.AddDependency(ctx, j2, j1, job.MustComplete); !errors.Is(err, ErrCycle) {
		t.Fatalf("AddDependency(j2, j1) = %v, want ErrCycle", err)
	}

	requireStatus(t, c, j1, job.Ready)
	requireStatus(t, c, j2, job.Pending)
}

// Scenario C — worker dies mid-flight.
func TestScenarioWorkerDiesMidFlight(t *testing.T) {
	c, ck := newTestCore(t)
	ctx := context.Background()

	if _, err := c.RegisterWorker(ctx, worker.Spec{Id: "w1", MaxSlots: 1}); err != nil {
		t.Fatalf("register w1: %v", err)
	}
	j1, err := c.SubmitJob(ctx, JobSpec{Name: "j1", BasePriority: 500, MaxAttempts: 3})
	if err != nil {
		t.Fatalf("submit j1: %v", err)
	}

	if !mustDispatch(t, c) {
		t.Fatalf("expected dispatch")
	}
	requireStatus(t, c, j1, job.Running)

	ck.Advance(c.cfg.HeartbeatTimeout + time.Second)
	c.runHealthCheck(ctx)
	w1, err := c.registry.Get("w1")
	if err != nil {
		t.Fatalf("get w1: %v", err)
	}
	if w1.Status != worker.Unreachable {
		t.Fatalf("w1 status = %s, want Unreachable", w1.Status)
	}

	ck.Advance(c.cfg.WorkerDeadThreshold + time.Second)
	c.runHealthCheck(ctx)
	w1, err = c.registry.Get("w1")
	if err != nil {
		t.Fatalf("get w1: %v", err)
	}
	if w1.Status != worker.Dead {
		t.Fatalf("w1 status = %s, want Dead", w1.Status)
	}

	requireStatus(t, c, j1, job.Ready)
	j1Job, err := c.GetJob(ctx, j1)
	if err != nil {
		t.Fatalf("get j1: %v", err)
	}
	if j1Job.Attempts != 1 {
		t.Fatalf("j1 attempts = %d, want 1", j1Job.Attempts)
	}

	if _, err := c.RegisterWorker(ctx, worker.Spec{Id: "w2", MaxSlots: 1}); err != nil {
		t.Fatalf("register w2: %v", err)
	}
	if !mustDispatch(t, c) {
		t.Fatalf("expected redispatch to w2")
	}
	requireStatus(t, c, j1, job.Running)
	l, err := c.store.GetLease(ctx, j1)
	if err != nil {
		t.Fatalf("get lease: %v", err)
	}
	if l.WorkerId != "w2" {
		t.Fatalf("lease worker = %s, want w2", l.WorkerId)
	}
	if err := c.ReportOutcome(ctx, l.Id, store.OutcomeSucceeded, "", time.Second); err != nil {
		t.Fatalf("report outcome: %v", err)
	}
	requireStatus(t, c, j1, job.Completed)
}

// Scenario D — MustSucceed propagation.
func TestScenarioMustSucceedPropagation(t *testing.T) {
	c, _ := newTestCore(t)
	ctx := context.Background()

	j1, err := c.SubmitJob(ctx, JobSpec{Name: "j1", BasePriority: 500, MaxAttempts: 1})
	if err != nil {
		t.Fatalf("submit j1: %v", err)
	}
	j2, err := c.SubmitJob(ctx, JobSpec{Name: "j2", BasePriority: 500, MaxAttempts: 1,
		Parents: []ParentDependency{{ParentId: j1, Type: job.MustSucceed}}})
	if err != nil {
		t.Fatalf("submit j2: %v", err)
	}
	j3, err := c.SubmitJob(ctx, JobSpec{Name: "j3", BasePriority: 500, MaxAttempts: 1,
		Parents: []ParentDependency{{ParentId: j1, Type: job.MustComplete}}})
	if err != nil {
		t.Fatalf("submit j3: %v", err)
	}

	if _, err := c.RegisterWorker(ctx, worker.Spec{Id: "w1", MaxSlots: 2}); err != nil {
		t.Fatalf("register w1: %v", err)
	}

	if !mustDispatch(t, c) {
		t.Fatalf("expected dispatch j1")
	}
	l1, err := c.store.GetLease(ctx, j1)
	if err != nil {
		t.Fatalf("get lease j1: %v", err)
	}
	if err := c.ReportOutcome(ctx, l1.Id, store.OutcomeFailedNonRetryable, "boom", time.Second); err != nil {
		t.Fatalf("report outcome j1: %v", err)
	}

	requireStatus(t, c, j1, job.DeadLettered)
	requireStatus(t, c, j2, job.Cancelled)
	requireStatus(t, c, j3, job.Ready)

	if !mustDispatch(t, c) {
		t.Fatalf("expected dispatch j3")
	}
	requireStatus(t, c, j3, job.Running)
	l3, err := c.store.GetLease(ctx, j3)
	if err != nil {
		t.Fatalf("get lease j3: %v", err)
	}
	if err := c.ReportOutcome(ctx, l3.Id, store.OutcomeSucceeded, "", time.Second); err != nil {
		t.Fatalf("report outcome j3: %v", err)
	}
	requireStatus(t, c, j3, job.Completed)
}

// Scenario E — priority and starvation: band dominates age at short
// horizons, but enough age lets a Low job outrank a freshly submitted
// Normal job without ever crossing into the High band's range.
func TestScenarioPriorityAndStarvation(t *testing.T) {
	c, ck := newTestCore(t)
	ctx := context.Background()

	jLow, err := c.SubmitJob(ctx, JobSpec{Name: "low", BasePriority: 900, MaxAttempts: 1})
	if err != nil {
		t.Fatalf("submit low: %v", err)
	}
	ck.Advance(2 * time.Hour)
	jHigh, err := c.SubmitJob(ctx, JobSpec{Name: "high", BasePriority: 10, MaxAttempts: 1})
	if err != nil {
		t.Fatalf("submit high: %v", err)
	}

	if top, ok := c.queue.PeekTop(); !ok || top != jHigh {
		t.Fatalf("expected high-priority job at the head of the queue, got %s (ok=%v)", top, ok)
	}
	_ = jLow

	jNormal, err := c.SubmitJob(ctx, JobSpec{Name: "normal", BasePriority: 500, MaxAttempts: 1})
	if err != nil {
		t.Fatalf("submit normal: %v", err)
	}
	jLow2, err := c.SubmitJob(ctx, JobSpec{Name: "low2", BasePriority: 900, MaxAttempts: 1})
	if err != nil {
		t.Fatalf("submit low2: %v", err)
	}

	normalJob, err := c.GetJob(ctx, jNormal)
	if err != nil {
		t.Fatalf("get normal: %v", err)
	}
	low2Job, err := c.GetJob(ctx, jLow2)
	if err != nil {
		t.Fatalf("get low2: %v", err)
	}
	highJob, err := c.GetJob(ctx, jHigh)
	if err != nil {
		t.Fatalf("get high: %v", err)
	}
	scoreCfg := c.cfg.scoreConfig()

	soon := ck.Now().Add(time.Minute)
	if queue.ScoreWith(scoreCfg, low2Job, soon) <= queue.ScoreWith(scoreCfg, normalJob, soon) {
		t.Fatalf("a freshly submitted low job must not yet outrank a freshly submitted normal job")
	}

	aged := ck.Now().Add(24 * time.Hour)
	freshNormal := *normalJob
	freshNormal.CreatedAt = aged
	if queue.ScoreWith(scoreCfg, low2Job, aged) >= queue.ScoreWith(scoreCfg, &freshNormal, aged) {
		t.Fatalf("an aged low job must eventually outrank a younger normal job")
	}
	if queue.ScoreWith(scoreCfg, low2Job, aged) <= queue.ScoreWith(scoreCfg, highJob, aged) {
		t.Fatalf("band must never invert: an aged low job must not outrank a high job")
	}
}

// Scenario F — capacity and capability filtering.
func TestScenarioCapacityAndCapabilityFiltering(t *testing.T) {
	c, _ := newTestCore(t)
	ctx := context.Background()

	if _, err := c.RegisterWorker(ctx, worker.Spec{Id: "w1", Capabilities: []string{"cpu"}, MaxSlots: 2}); err != nil {
		t.Fatalf("register w1: %v", err)
	}
	if _, err := c.RegisterWorker(ctx, worker.Spec{Id: "w2", Capabilities: []string{"gpu"}, MaxSlots: 1}); err != nil {
		t.Fatalf("register w2: %v", err)
	}

	jg, err := c.SubmitJob(ctx, JobSpec{Name: "gpu-job", BasePriority: 500, MaxAttempts: 1, RequiredCapabilities: []string{"gpu"}})
	if err != nil {
		t.Fatalf("submit jg: %v", err)
	}
	jc1, err := c.SubmitJob(ctx, JobSpec{Name: "cpu-1", BasePriority: 500, MaxAttempts: 1, RequiredCapabilities: []string{"cpu"}})
	if err != nil {
		t.Fatalf("submit jc1: %v", err)
	}
	jc2, err := c.SubmitJob(ctx, JobSpec{Name: "cpu-2", BasePriority: 500, MaxAttempts: 1, RequiredCapabilities: []string{"cpu"}})
	if err != nil {
		t.Fatalf("submit jc2: %v", err)
	}

	for i := 0; i < 3; i++ {
		if !mustDispatch(t, c) {
			t.Fatalf("expected dispatch #%d", i)
		}
	}

	requireWorker := func(id uuid.UUID, want string) {
		t.Helper()
		l, err := c.store.GetLease(ctx, id)
		if err != nil {
			t.Fatalf("get lease for %s: %v", id, err)
		}
		if l.WorkerId != want {
			t.Fatalf("job %s dispatched to %s, want %s", id, l.WorkerId, want)
		}
	}
	requireWorker(jg, "w2")
	requireWorker(jc1, "w1")
	requireWorker(jc2, "w1")

	jc3, err := c.SubmitJob(ctx, JobSpec{Name: "cpu-3", BasePriority: 500, MaxAttempts: 1, RequiredCapabilities: []string{"cpu"}})
	if err != nil {
		t.Fatalf("submit jc3: %v", err)
	}
	mustDispatch(t, c) // no free cpu slot; requeues without assigning
	requireStatus(t, c, jc3, job.Ready)

	l1, err := c.store.GetLease(ctx, jc1)
	if err != nil {
		t.Fatalf("get lease jc1: %v", err)
	}
	if err := c.ReportOutcome(ctx, l1.Id, store.OutcomeSucceeded, "", time.Second); err != nil {
		t.Fatalf("report outcome jc1: %v", err)
	}

	if !mustDispatch(t, c) {
		t.Fatalf("expected jc3 to dispatch once a cpu slot freed up")
	}
	requireStatus(t, c, jc3, job.Running)
}
