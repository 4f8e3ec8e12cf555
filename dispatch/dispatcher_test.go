package dispatch_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ovidian/loom/clock/clocktest"
	"github.com/ovidian/loom/dispatch"
	"github.com/ovidian/loom/job"
	"github.com/ovidian/loom/queue"
	"github.com/ovidian/loom/store/storetest"
	"github.com/ovidian/loom/worker"
)

func readyJob(t *testing.T, ctx context.Context, st *storetest.Store, q *queue.PriorityQueue, priority int, caps []string) *job.Job {
	t.Helper()
	j := job.NewJob("demo", priority, nil, 3)
	if caps != nil {
		j.RequiredCapabilities.InsertSlice(caps)
	}
	require.NoError(t, st.PutJob(ctx, j))
	require.NoError(t, st.UpdateJobStatus(ctx, j.Id, job.Pending, job.Ready))
	q.Push(j.Id, queue.Score(j, time.Now()))
	return j
}

func TestTickAssignsToEligibleWorker(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	q := queue.New()
	reg := worker.NewRegistry()
	ck := clocktest.New(time.Now())
	d := dispatch.New(dispatch.DefaultConfig(), st, q, reg, ck, nil, nil)

	reg.Register(worker.Spec{Id: "w1", Locator: "w1:9000", MaxSlots: 1})
	require.NoError(t, st.PutWorker(ctx, worker.Spec{Id: "w1", MaxSlots: 1}))
	j := readyJob(t, ctx, st, q, 500, nil)

	worked := d.Tick(ctx)
	require.True(t, worked)

	got, err := st.GetJob(ctx, j.Id)
	require.NoError(t, err)
	require.Equal(t, job.Running, got.Status)

	l, err := st.GetLease(ctx, j.Id)
	require.NoError(t, err)
	require.Equal(t, "w1", l.WorkerId)
}

func TestTickRequeuesWhenNoCapableWorker(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	q := queue.New()
	reg := worker.NewRegistry()
	ck := clocktest.New(time.Now())
	d := dispatch.New(dispatch.DefaultConfig(), st, q, reg, ck, nil, nil)

	reg.Register(worker.Spec{Id: "w1", Locator: "w1:9000", Capabilities: []string{"cpu"}, MaxSlots: 1})
	j := readyJob(t, ctx, st, q, 500, []string{"gpu"})

	worked := d.Tick(ctx)
	require.True(t, worked)

	require.Equal(t, 1, q.Len())
	got, err := st.GetJob(ctx, j.Id)
	require.NoError(t, err)
	require.Equal(t, job.Ready, got.Status)
}

func TestTickReturnsFalseOnEmptyQueue(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	q := queue.New()
	reg := worker.NewRegistry()
	ck := clocktest.New(time.Now())
	d := dispatch.New(dispatch.DefaultConfig(), st, q, reg, ck, nil, nil)

	require.False(t, d.Tick(ctx))
}

func TestTickFillsCapacityConcurrently(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	q := queue.New()
	reg := worker.NewRegistry()
	ck := clocktest.New(time.Now())
	d := dispatch.New(dispatch.DefaultConfig(), st, q, reg, ck, nil, nil)

	reg.Register(worker.Spec{Id: "w1", Locator: "w1:9000", Capabilities: []string{"cpu"}, MaxSlots: 2})
	require.NoError(t, st.PutWorker(ctx, worker.Spec{Id: "w1", MaxSlots: 2}))

	j1 := readyJob(t, ctx, st, q, 500, []string{"cpu"})
	j2 := readyJob(t, ctx, st, q, 500, []string{"cpu"})

	require.True(t, d.Tick(ctx))
	require.True(t, d.Tick(ctx))

	g1, err := st.GetJob(ctx, j1.Id)
	require.NoError(t, err)
	g2, err := st.GetJob(ctx, j2.Id)
	require.NoError(t, err)
	require.Equal(t, job.Running, g1.Status)
	require.Equal(t, job.Running, g2.Status)
}
