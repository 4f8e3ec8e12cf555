package graph_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ovidian/loom/graph"
	"github.com/ovidian/loom/job"
)

func newIds(n int) []uuid.UUID {
	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = uuid.New()
	}
	return ids
}

func TestAddEdgeRejectsCycle(t *testing.T) {
	g := graph.New(0)
	ids := newIds(2)
	j1, j2 := ids[0], ids[1]
	g.AddJob(j1, job.Pending)
	g.AddJob(j2, job.Pending)

	// j1 depends on j2: edge j2 -> j1.
	require.Equal(t, graph.Ok, g.AddEdge(j2, j1, job.MustComplete))

	// Adding j1 -> j2 would close the cycle.
	require.Equal(t, graph.Cycle, g.AddEdge(j1, j2, job.MustComplete))

	require.True(t, g.ValidateAcyclic())
}

func TestAddEdgeUnknownJob(t *testing.T) {
	g := graph.New(0)
	ids := newIds(2)
	g.AddJob(ids[0], job.Pending)
	require.Equal(t, graph.UnknownJob, g.AddEdge(ids[0], ids[1], job.MustComplete))
	require.Equal(t, graph.UnknownJob, g.AddEdge(ids[1], ids[0], job.MustComplete))
}

func TestAddEdgeDuplicate(t *testing.T) {
	g := graph.New(0)
	ids := newIds(2)
	g.AddJob(ids[0], job.Pending)
	g.AddJob(ids[1], job.Pending)
	require.Equal(t, graph.Ok, g.AddEdge(ids[0], ids[1], job.MustComplete))
	require.Equal(t, graph.Duplicate, g.AddEdge(ids[0], ids[1], job.MustComplete))
}

func TestMustSucceedUnsatisfiableOnTerminalParent(t *testing.T) {
	g := graph.New(0)
	ids := newIds(2)
	parent, child := ids[0], ids[1]
	g.AddJob(parent, job.DeadLettered)
	g.AddJob(child, job.Pending)
	require.Equal(t, graph.Unsatisfiable, g.AddEdge(parent, child, job.MustSucceed))
}

func TestMustCompleteSatisfiedByDeadLettered(t *testing.T) {
	g := graph.New(0)
	ids := newIds(2)
	parent, child := ids[0], ids[1]
	g.AddJob(parent, job.DeadLettered)
	g.AddJob(child, job.Pending)
	require.Equal(t, graph.Ok, g.AddEdge(parent, child, job.MustComplete))
	require.Equal(t, 0, g.UnsatisfiedCount(child))
}

func TestOnJobTerminalReleasesReadyJob(t *testing.T) {
	g := graph.New(0)
	ids := newIds(3)
	j1, j2, j3 := ids[0], ids[1], ids[2]
	g.AddJob(j1, job.Pending)
	g.AddJob(j2, job.Pending)
	g.AddJob(j3, job.Pending)
	require.Equal(t, graph.Ok, g.AddEdge(j1, j2, job.MustComplete))
	require.Equal(t, graph.Ok, g.AddEdge(j2, j3, job.MustComplete))

	require.Empty(t, g.ReadySet())

	effect := g.OnJobTerminal(j1, job.Completed)
	require.Equal(t, []uuid.UUID{j2}, effect.Ready)
	require.Empty(t, effect.Unsatisfiable)

	effect = g.OnJobTerminal(j2, job.Completed)
	require.Equal(t, []uuid.UUID{j3}, effect.Ready)
}

func TestMustSucceedPropagatesUnsatisfiable(t *testing.T) {
	g := graph.New(0)
	ids := newIds(3)
	j1, j2, j3 := ids[0], ids[1], ids[2]
	g.AddJob(j1, job.Pending)
	g.AddJob(j2, job.Pending)
	g.AddJob(j3, job.Pending)
	require.Equal(t, graph.Ok, g.AddEdge(j1, j2, job.MustSucceed))
	require.Equal(t, graph.Ok, g.AddEdge(j1, j3, job.MustComplete))

	effect := g.OnJobTerminal(j1, job.DeadLettered)
	require.ElementsMatch(t, []uuid.UUID{j3}, effect.Ready)
	require.ElementsMatch(t, []uuid.UUID{j2}, effect.Unsatisfiable)
}

func TestRemoveEdgeReleasesReady(t *testing.T) {
	g := graph.New(0)
	ids := newIds(2)
	parent, child := ids[0], ids[1]
	g.AddJob(parent, job.Pending)
	g.AddJob(child, job.Pending)
	require.Equal(t, graph.Ok, g.AddEdge(parent, child, job.MustComplete))

	becameReady, ok := g.RemoveEdge(parent, child)
	require.True(t, ok)
	require.True(t, becameReady)
}
