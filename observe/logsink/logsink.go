// Package logsink implements observe.Sink on top of log/slog, the
// dependency-free default observability backend.
package logsink

import (
	"log/slog"

	"github.com/ovidian/loom/observe"
)

// Sink logs every event at Info level with structured fields.
type Sink struct {
	log *slog.Logger
}

// New wraps log as an observe.Sink. A nil log uses slog.Default().
func New(log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	return &Sink{log: log}
}

func (s *Sink) Emit(e observe.Event) {
	attrs := []any{"kind", string(e.Kind)}
	if e.JobId != "" {
		attrs = append(attrs, "job_id", e.JobId)
	}
	if e.WorkerId != "" {
		attrs = append(attrs, "worker_id", e.WorkerId)
	}
	if e.Details != "" {
		attrs = append(attrs, "details", e.Details)
	}
	s.log.Info("scheduler event", attrs...)
}
