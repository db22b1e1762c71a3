// Package history records gateway lifecycle events (starts, stops, restores,
// backups, orphan reaps) and exports them to configured sinks.
package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/loykin/gatekeeper/internal/logger"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart       EventType = "start"
	EventStartFailed EventType = "start_failed"
	EventStop        EventType = "stop"
	EventRestore     EventType = "restore"
	EventBackup      EventType = "backup"
	EventReap        EventType = "reap"
)

// Event is one lifecycle occurrence to be exported.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	PID        int       `json:"pid,omitempty"`
	Port       int       `json:"port,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events. Implementations must be safe
// for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

// Recorder fans events out to sinks. Sends are best-effort: a failing sink
// logs a warning and never blocks the lifecycle operation that produced the
// event.
type Recorder struct {
	sinks []Sink
	log   *slog.Logger
}

// NewRecorder builds a Recorder over the given sinks.
func NewRecorder(log *slog.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{sinks: sinks, log: log}
}

// Record stamps and sends e to every sink.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	for _, s := range r.sinks {
		logger.Advisory(r.log, "history sink send", s.Send(ctx, e), "type", string(e.Type))
	}
}

// Close closes every sink, returning the first error.
func (r *Recorder) Close() error {
	var first error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
