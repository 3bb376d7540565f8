// Package audit is the event sink the persistence core reports to.
//
// The core's only coupling to auditing is the single-method Recorder
// contract. Recording is strictly observational: a sink that fails must
// never fail the operation being audited, so implementations here swallow
// their own errors after logging them.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an audit event.
type Kind string

const (
	KindLockAcquired        Kind = "lock_acquired"
	KindLockBusy            Kind = "lock_busy"
	KindLockReclaimed       Kind = "lock_reclaimed"
	KindBackupCreated       Kind = "backup_created"
	KindBackupPruned        Kind = "backup_pruned"
	KindBackupFailed        Kind = "backup_failed"
	KindCommitSucceeded     Kind = "commit_succeeded"
	KindCommitFailed        Kind = "commit_failed"
	KindValidationRejected  Kind = "validation_rejected"
	KindRecordInserted      Kind = "record_inserted"
	KindRecordUpdated       Kind = "record_updated"
	KindRecordDeleted       Kind = "record_deleted"
)

// Event is one observed occurrence in the life of a dataset.
type Event struct {
	ID      string            `json:"id"`
	Time    time.Time         `json:"time"`
	Kind    Kind              `json:"kind"`
	Dataset string            `json:"dataset"`          // path or name of the roster involved
	Fields  map[string]string `json:"fields,omitempty"` // kind-specific detail
}

// New builds an event for the given dataset with a fresh id and timestamp.
func New(kind Kind, dataset string, fields map[string]string) Event {
	return Event{
		ID:      uuid.NewString(),
		Time:    time.Now().UTC(),
		Kind:    kind,
		Dataset: dataset,
		Fields:  fields,
	}
}

// Recorder receives audit events. Implementations must be safe to call from
// the single-threaded core and must not propagate their own failures.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

// Nop discards all events. Useful as a default and in tests.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}

// Slog writes events to a structured logger.
type Slog struct {
	Logger *slog.Logger
}

// NewSlog returns a Slog recorder; a nil logger means slog.Default.
func NewSlog(logger *slog.Logger) *Slog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Slog{Logger: logger}
}

func (s *Slog) Record(ctx context.Context, ev Event) {
	args := []any{"audit_id", ev.ID, "kind", string(ev.Kind), "dataset", ev.Dataset}
	for k, v := range ev.Fields {
		args = append(args, k, v)
	}
	s.Logger.InfoContext(ctx, "audit", args...)
}

// Multi fans events out to several recorders in order.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, ev Event) {
	for _, r := range m {
		r.Record(ctx, ev)
	}
}
