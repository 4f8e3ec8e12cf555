// Package graph implements the in-memory dependency DAG mirror described by
// the scheduling engine: forward/reverse adjacency, unsatisfied-parent
// counts per job, cycle detection on admission, and ready-set derivation.
//
// The structure is grounded on the RWMutex-guarded adjacency-map style of
// workflow dependency resolvers in the wild (parent/child maps kept
// consistent under a single lock, writers only during mutation), adapted
// here from name-keyed workflow steps to uuid-keyed jobs.
package graph

import (
	"sync"

	"github.com/google/uuid"

	"github.com/ovidian/loom/job"
)

// DefaultMaxDepth bounds the DFS cycle check, per the spec's
// dependency_max_depth configuration default.
const DefaultMaxDepth = 10000

type edge struct {
	parent        uuid.UUID
	child         uuid.UUID
	typ           job.DependencyType
	satisfied     bool
	unsatisfiable bool
}

// TerminalEffect reports the consequences of a job reaching a terminal
// status, as computed by OnJobTerminal.
type TerminalEffect struct {
	// Ready lists job ids whose last unsatisfied dependency was just
	// cleared; they are now eligible for the PriorityQueue.
	Ready []uuid.UUID
	// Unsatisfiable lists job ids that can never become Ready because a
	// MustSucceed dependency just became permanently broken. The caller
	// (failure.Handler) is responsible for transitioning these to
	// Cancelled and propagating further via repeated OnJobTerminal calls.
	Unsatisfiable []uuid.UUID
}

// DependencyGraph is the in-memory mirror of the persisted dependency
// edges. It is safe for concurrent use.
type DependencyGraph struct {
	mu sync.RWMutex

	// forward[parent][child] and reverse[child][parent] point at the same
	// edge value, kept in sync under mu.
	forward map[uuid.UUID]map[uuid.UUID]*edge
	reverse map[uuid.UUID]map[uuid.UUID]*edge

	// unsatisfied counts incoming edges that are neither satisfied nor
	// unsatisfiable. A job is ready when its count reaches zero.
	unsatisfied map[uuid.UUID]int

	status map[uuid.UUID]job.Status

	maxDepth int
}

// New creates an empty DependencyGraph. maxDepth <= 0 uses DefaultMaxDepth.
func New(maxDepth int) *DependencyGraph {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &DependencyGraph{
		forward:     make(map[uuid.UUID]map[uuid.UUID]*edge),
		reverse:     make(map[uuid.UUID]map[uuid.UUID]*edge),
		unsatisfied: make(map[uuid.UUID]int),
		status:      make(map[uuid.UUID]job.Status),
		maxDepth:    maxDepth,
	}
}

// AddJob registers a job id with the graph so that edges may reference it.
// Re-registering an existing id updates its tracked status.
func (g *DependencyGraph) AddJob(id uuid.UUID, status job.Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.forward[id]; !ok {
		g.forward[id] = make(map[uuid.UUID]*edge)
	}
	if _, ok := g.reverse[id]; !ok {
		g.reverse[id] = make(map[uuid.UUID]*edge)
	}
	g.status[id] = status
}

// Forget removes a job and its edges from the graph entirely. Callers must
// ensure the job is terminal and has no remaining dependents before calling
// Forget; it does not adjust unsatisfied counts of jobs that still
// reference it.
func (g *DependencyGraph) Forget(id uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.forward, id)
	delete(g.reverse, id)
	delete(g.unsatisfied, id)
	delete(g.status, id)
}

// reaches runs a bounded DFS from start along forward edges looking for
// target. Must be called with mu held (read or write).
func (g *DependencyGraph) reaches(start, target uuid.UUID) bool {
	visited := make(map[uuid.UUID]bool)
	stack := []uuid.UUID{start}
	visited[start] = true
	count := 0
	for len(stack) > 0 {
		count++
		if count > g.maxDepth {
			// Conservatively treat an oversized traversal as a cycle: we
			// cannot prove acyclicity within the configured budget.
			return true
		}
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == target {
			return true
		}
		for c := range g.forward[n] {
			if !visited[c] {
				visited[c] = true
				stack = append(stack, c)
			}
		}
	}
	return false
}

// AddEdge adds a parent -> child dependency edge of the given type.
//
// Before mutating, a cycle check runs: starting from child, DFS over
// forward edges; if parent is reached, the edge is rejected with Cycle.
// If parent is already registered as terminal, the edge is immediately
// marked satisfied (if the parent's terminal status satisfies the type) or
// the call returns Unsatisfiable (if the type is MustSucceed and the
// parent ended Failed/DeadLettered/Cancelled).
func (g *DependencyGraph) AddEdge(parent, child uuid.UUID, typ job.DependencyType) EdgeResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.forward[parent]; !ok {
		return UnknownJob
	}
	if _, ok := g.forward[child]; !ok {
		return UnknownJob
	}
	if _, ok := g.forward[parent][child]; ok {
		return Duplicate
	}
	if parent == child || g.reaches(child, parent) {
		return Cycle
	}

	e := &edge{parent: parent, child: child, typ: typ}

	parentStatus := g.status[parent]
	if parentStatus.Terminal() {
		if typ.Unsatisfiable(parentStatus) {
			return Unsatisfiable
		}
		if typ.SatisfiedBy(parentStatus) {
			e.satisfied = true
		}
	}

	g.forward[parent][child] = e
	g.reverse[child][parent] = e
	if !e.satisfied {
		g.unsatisfied[child]++
	}
	return Ok
}

// RemoveEdge deletes the parent -> child edge if present. If the edge was
// still unsatisfied, removing it decrements the child's unsatisfied count
// and may transition the child to Ready (reported via the returned bool).
func (g *DependencyGraph) RemoveEdge(parent, child uuid.UUID) (becameReady bool, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, exists := g.forward[parent][child]
	if !exists {
		return false, false
	}
	delete(g.forward[parent], child)
	delete(g.reverse[child], parent)
	if !e.satisfied && !e.unsatisfiable {
		g.unsatisfied[child]--
		if g.unsatisfied[child] <= 0 && g.status[child] == job.Pending {
			return true, true
		}
	}
	return false, true
}

// OnJobTerminal applies the consequences of id reaching terminalStatus to
// every edge where id is the parent. For each such edge, the type's rule
// is applied: if satisfied, the child's unsatisfied count is decremented,
// becoming Ready when it reaches zero; if the edge can never be satisfied,
// the child is marked permanently Unsatisfiable.
func (g *DependencyGraph) OnJobTerminal(id uuid.UUID, terminalStatus job.Status) TerminalEffect {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.status[id] = terminalStatus

	var effect TerminalEffect
	for child, e := range g.forward[id] {
		if e.satisfied || e.unsatisfiable {
			continue
		}
		switch {
		case e.typ.Unsatisfiable(terminalStatus):
			e.unsatisfiable = true
			effect.Unsatisfiable = append(effect.Unsatisfiable, child)
		case e.typ.SatisfiedBy(terminalStatus):
			e.satisfied = true
			g.unsatisfied[child]--
			if g.unsatisfied[child] <= 0 && g.status[child] == job.Pending {
				effect.Ready = append(effect.Ready, child)
			}
		default:
			// Neither satisfied nor unsatisfiable: reached by a
			// MustComplete edge whose parent ended Cancelled. The edge
			// stays counted in the child's unsatisfied total.
		}
	}
	return effect
}

// ReadySet returns a snapshot of job ids whose unsatisfied-parent count is
// zero and whose tracked status is still Pending.
func (g *DependencyGraph) ReadySet() []uuid.UUID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []uuid.UUID
	for id, status := range g.status {
		if status == job.Pending && g.unsatisfied[id] <= 0 {
			ready = append(ready, id)
		}
	}
	return ready
}

// ValidateAcyclic performs a full integrity check using Kahn's algorithm.
// It returns true iff every registered job can be reduced to an empty
// frontier, i.e. the graph currently contains no cycle.
func (g *DependencyGraph) ValidateAcyclic() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	indegree := make(map[uuid.UUID]int, len(g.forward))
	for id := range g.forward {
		indegree[id] = 0
	}
	for _, children := range g.forward {
		for child := range children {
			indegree[child]++
		}
	}

	var frontier []uuid.UUID
	for id, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}

	visited := 0
	for len(frontier) > 0 {
		n := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		visited++
		for child := range g.forward[n] {
			indegree[child]--
			if indegree[child] == 0 {
				frontier = append(frontier, child)
			}
		}
	}
	return visited == len(g.forward)
}

// UnsatisfiedCount reports the current unsatisfied-parent count for id,
// for diagnostics and tests.
func (g *DependencyGraph) UnsatisfiedCount(id uuid.UUID) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.unsatisfied[id]
}
