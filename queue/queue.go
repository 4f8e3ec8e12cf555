// Package queue implements the priority-ordered ready set described by the
// scheduling engine: a mutex-guarded binary heap keyed by a priority score
// with insertion-order as a stable tie-break.
//
// container/heap is used rather than a third-party priority-queue library;
// no example repository in the retrieval pack imports one as a direct
// dependency, while container/heap is exactly the tool reached for
// elsewhere in the pack for deterministic ordered graph traversal.
package queue

import (
	"container/heap"
	"sync"

	"github.com/google/uuid"
)

type entry struct {
	jobID uuid.UUID
	score int64
	seq   uint64
	index int
}

// minHeap implements heap.Interface ordered by score, ties broken by
// ascending enqueue sequence (stable FIFO for equal scores).
type minHeap []*entry

func (h minHeap) Len() int { return len(h) }

func (h minHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score < h[j].score
	}
	return h[i].seq < h[j].seq
}

func (h minHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *minHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// PriorityQueue is an ordered multiset of Ready job ids keyed by priority
// score. Lower score dispatches first. Safe for concurrent use.
type PriorityQueue struct {
	mu      sync.Mutex
	h       minHeap
	byJobID map[uuid.UUID]*entry
	nextSeq uint64
}

// New creates an empty PriorityQueue.
func New() *PriorityQueue {
	return &PriorityQueue{
		byJobID: make(map[uuid.UUID]*entry),
	}
}

// Push inserts jobID with the given score. If jobID is already present,
// Push is a no-op (use Reprioritize to change an enqueued job's score).
func (q *PriorityQueue) Push(jobID uuid.UUID, score int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.byJobID[jobID]; ok {
		return
	}
	e := &entry{jobID: jobID, score: score, seq: q.nextSeq}
	q.nextSeq++
	heap.Push(&q.h, e)
	q.byJobID[jobID] = e
}

// Pop removes and returns the lowest-score job id. ok is false if the
// queue is empty.
func (q *PriorityQueue) Pop() (jobID uuid.UUID, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.h.Len() == 0 {
		return uuid.UUID{}, false
	}
	e := heap.Pop(&q.h).(*entry)
	delete(q.byJobID, e.jobID)
	return e.jobID, true
}

// Remove deletes jobID from the queue if present, reporting whether it was
// found.
func (q *PriorityQueue) Remove(jobID uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byJobID[jobID]
	if !ok {
		return false
	}
	heap.Remove(&q.h, e.index)
	delete(q.byJobID, jobID)
	return true
}

// Reprioritize changes jobID's score, implemented as Remove+Push so the
// job receives a fresh enqueue sequence (it goes to the back of its new
// score's tie-break order). Reports whether jobID was present.
func (q *PriorityQueue) Reprioritize(jobID uuid.UUID, newScore int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byJobID[jobID]
	if !ok {
		return false
	}
	heap.Remove(&q.h, e.index)
	delete(q.byJobID, jobID)
	ne := &entry{jobID: jobID, score: newScore, seq: q.nextSeq}
	q.nextSeq++
	heap.Push(&q.h, ne)
	q.byJobID[jobID] = ne
	return true
}

// PeekTop returns the lowest-score job id without removing it.
func (q *PriorityQueue) PeekTop() (jobID uuid.UUID, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.h.Len() == 0 {
		return uuid.UUID{}, false
	}
	return q.h[0].jobID, true
}

// Len reports the number of jobs currently enqueued.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

// Snapshot returns up to limit job ids in dispatch order without mutating
// the queue. limit <= 0 returns the full contents.
func (q *PriorityQueue) Snapshot(limit int) []uuid.UUID {
	q.mu.Lock()
	defer q.mu.Unlock()

	cp := make(minHeap, len(q.h))
	for i, e := range q.h {
		dup := *e
		cp[i] = &dup
	}
	ordered := make([]uuid.UUID, 0, len(cp))
	for cp.Len() > 0 {
		e := heap.Pop(&cp).(*entry)
		ordered = append(ordered, e.jobID)
		if limit > 0 && len(ordered) >= limit {
			break
		}
	}
	return ordered
}
