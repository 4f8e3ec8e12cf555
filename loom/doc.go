// Package loom implements the core of a distributed job scheduler: a
// dependency-aware admission path, a priority-ordered dispatch loop over
// a heterogeneous worker pool, heartbeat-driven failure detection, and
// bounded-retry recovery with dead-lettering.
//
// Core ties together loom/graph, loom/queue and loom/worker in memory,
// persisting every durable transition through a loom/store.Store.
// loom/dispatch and loom/failure run as independent background loops
// started and stopped alongside Core's own health-check and DLQ-retention
// sweeps. Every component accepts its collaborators as interfaces
// (loom/clock.Clock, loom/observe.Sink) so tests can substitute fakes
// without touching real time or a real sink.
package loom
