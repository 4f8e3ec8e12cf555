// Package observe defines the abstract event sink the scheduler writes
// to; implementations forward to a logging or metrics backend without
// the core depending on either directly.
package observe

import "time"

// EventKind names one of the typed events the engine emits.
type EventKind string

const (
	JobSubmitted     EventKind = "job-submitted"
	JobReady         EventKind = "job-ready"
	JobDispatched    EventKind = "job-dispatched"
	JobCompleted     EventKind = "job-completed"
	JobFailed        EventKind = "job-failed"
	JobDeadLettered  EventKind = "job-dead-lettered"
	WorkerRegistered EventKind = "worker-registered"
	WorkerUnreach    EventKind = "worker-unreachable"
	WorkerDead       EventKind = "worker-dead"
	QueueBlocked     EventKind = "queue-blocked"
)

// Event is one occurrence reported to a Sink. JobId and WorkerId are
// opaque strings (stringified uuid.UUID or worker id) so the sink
// package carries no dependency on the domain types.
type Event struct {
	Kind      EventKind
	Timestamp time.Time
	JobId     string
	WorkerId  string
	Details   string
}

// Sink receives scheduler events. Implementations must not block the
// caller meaningfully; slow sinks should buffer internally.
type Sink interface {
	Emit(e Event)
}

// Noop discards every event. It is the zero-dependency default so
// components never need a nil check before emitting.
type Noop struct{}

func (Noop) Emit(Event) {}
