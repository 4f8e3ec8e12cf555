package failure_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ovidian/loom/clock/clocktest"
	"github.com/ovidian/loom/failure"
	"github.com/ovidian/loom/graph"
	"github.com/ovidian/loom/job"
	"github.com/ovidian/loom/queue"
	"github.com/ovidian/loom/store"
	"github.com/ovidian/loom/store/storetest"
	"github.com/ovidian/loom/worker"
)

func setup(t *testing.T) (*storetest.Store, *graph.DependencyGraph, *queue.PriorityQueue, *clocktest.Fake, *failure.Handler) {
	t.Helper()
	st := storetest.New()
	g := graph.New(graph.DefaultMaxDepth)
	q := queue.New()
	ck := clocktest.New(time.Now())
	h := failure.New(failure.DefaultConfig(), st, g, q, ck, nil, nil)
	return st, g, q, ck, h
}

func putRunning(t *testing.T, ctx context.Context, st *storetest.Store, g *graph.DependencyGraph, maxAttempts uint32) *job.Job {
	t.Helper()
	j := job.NewJob("demo", 500, nil, maxAttempts)
	require.NoError(t, st.PutJob(ctx, j))
	g.AddJob(j.Id, job.Pending)
	require.NoError(t, st.UpdateJobStatus(ctx, j.Id, job.Pending, job.Ready))
	require.NoError(t, st.UpdateJobStatus(ctx, j.Id, job.Ready, job.Running))
	return j
}

func TestHandleRetriesWhenAttemptsRemain(t *testing.T) {
	ctx := context.Background()
	st, g, q, _, h := setup(t)
	j := putRunning(t, ctx, st, g, 3)

	require.NoError(t, h.Handle(ctx, j.Id, failure.ReasonExplicit, "boom"))

	got, err := st.GetJob(ctx, j.Id)
	require.NoError(t, err)
	require.Equal(t, job.Ready, got.Status)
	require.Equal(t, uint32(1), got.Attempts)
	require.Equal(t, 1, q.Len())
}

func TestHandleDeadLettersWhenAttemptsExhausted(t *testing.T) {
	ctx := context.Background()
	st, g, _, _, h := setup(t)
	j := job.NewJob("demo", 500, nil, 1)
	j.Attempts = 1
	require.NoError(t, st.PutJob(ctx, j))
	g.AddJob(j.Id, job.Pending)
	require.NoError(t, st.UpdateJobStatus(ctx, j.Id, job.Pending, job.Ready))
	require.NoError(t, st.UpdateJobStatus(ctx, j.Id, job.Ready, job.Running))

	require.NoError(t, h.Handle(ctx, j.Id, failure.ReasonExplicit, "fatal"))

	got, err := st.GetJob(ctx, j.Id)
	require.NoError(t, err)
	require.Equal(t, job.DeadLettered, got.Status)

	entries, err := st.ListDLQ(ctx, store.Page{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestMustSucceedPropagatesCancelOnDeadLetter(t *testing.T) {
	ctx := context.Background()
	st, g, _, _, h := setup(t)

	parent := job.NewJob("parent", 500, nil, 1)
	parent.Attempts = 1
	require.NoError(t, st.PutJob(ctx, parent))
	g.AddJob(parent.Id, job.Pending)
	require.NoError(t, st.UpdateJobStatus(ctx, parent.Id, job.Pending, job.Ready))
	require.NoError(t, st.UpdateJobStatus(ctx, parent.Id, job.Ready, job.Running))

	child := job.NewJob("child", 500, nil, 1)
	require.NoError(t, st.PutJob(ctx, child))
	g.AddJob(child.Id, job.Pending)
	require.Equal(t, graph.Ok, g.AddEdge(parent.Id, child.Id, job.MustSucceed))

	require.NoError(t, h.Handle(ctx, parent.Id, failure.ReasonExplicit, "fatal"))

	got, err := st.GetJob(ctx, child.Id)
	require.NoError(t, err)
	require.Equal(t, job.Cancelled, got.Status)
}

func TestCancelReasonGoesStraightToCancelled(t *testing.T) {
	ctx := context.Background()
	st, g, _, _, h := setup(t)
	j := putRunning(t, ctx, st, g, 3)

	require.NoError(t, h.Handle(ctx, j.Id, failure.ReasonCancelled, ""))

	got, err := st.GetJob(ctx, j.Id)
	require.NoError(t, err)
	require.Equal(t, job.Cancelled, got.Status)
}

func TestSweepStuckHandlesExpiredLease(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	g := graph.New(graph.DefaultMaxDepth)
	q := queue.New()
	ck := clocktest.New(time.Now())
	h := failure.New(failure.DefaultConfig(), st, g, q, ck, nil, nil)

	j := job.NewJob("demo", 500, nil, 3)
	require.NoError(t, st.PutJob(ctx, j))
	g.AddJob(j.Id, job.Pending)
	require.NoError(t, st.UpdateJobStatus(ctx, j.Id, job.Pending, job.Ready))
	require.NoError(t, st.PutWorker(ctx, workerSpec("w1")))

	_, err := st.IssueLease(ctx, j.Id, "w1", 0, ck.Now().Add(time.Minute))
	require.NoError(t, err)

	ck.Advance(2 * time.Minute)
	h.SweepStuck(ctx)

	got, err := st.GetJob(ctx, j.Id)
	require.NoError(t, err)
	require.Equal(t, job.Ready, got.Status)
}

func TestHandleReleasesLeaseSoJobCanBeReissued(t *testing.T) {
	ctx := context.Background()
	st, g, q, ck, h := setup(t)

	j := job.NewJob("demo", 500, nil, 3)
	require.NoError(t, st.PutJob(ctx, j))
	g.AddJob(j.Id, job.Pending)
	require.NoError(t, st.UpdateJobStatus(ctx, j.Id, job.Pending, job.Ready))
	require.NoError(t, st.PutWorker(ctx, workerSpec("w1")))

	_, err := st.IssueLease(ctx, j.Id, "w1", 0, ck.Now().Add(time.Minute))
	require.NoError(t, err)

	require.NoError(t, h.Handle(ctx, j.Id, failure.ReasonWorkerDead, "worker dead"))

	got, err := st.GetJob(ctx, j.Id)
	require.NoError(t, err)
	require.Equal(t, job.Ready, got.Status)
	require.Equal(t, 1, q.Len())

	// The abandoned w1 lease must no longer block a fresh dispatch to w2.
	require.NoError(t, st.PutWorker(ctx, workerSpec("w2")))
	l2, err := st.IssueLease(ctx, j.Id, "w2", 0, ck.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, "w2", l2.WorkerId)
}

func workerSpec(id string) worker.Spec {
	return worker.Spec{Id: id, Locator: id + ":9000", MaxSlots: 4}
}
