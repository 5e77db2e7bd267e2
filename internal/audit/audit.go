// Package audit appends immutable audit records. Every state change to
// an appointment or payment writes exactly one record inside the same
// transaction as the change; the callers treat a failed append as fatal
// to the whole unit of work.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/medconsult/booking-engine/internal/db"
)

// SystemActor identifies transitions driven by the engine itself rather
// than a user action.
const SystemActor = "system"

const (
	SubjectAppointment = "appointment"
	SubjectPayment     = "payment"
)

type Record struct {
	ID          int64
	Actor       string
	SubjectType string
	SubjectID   uuid.UUID
	EventKind   string
	BeforeState string
	AfterState  string
	CreatedAt   time.Time
}

// Emitter persists audit records. Append-only: there is no update or
// delete path, and no read path beyond external selectors.
type Emitter interface {
	Record(ctx context.Context, dbx db.DBTX, rec Record) error
}

type PgEmitter struct{}

func NewPgEmitter() *PgEmitter {
	return &PgEmitter{}
}

func (e *PgEmitter) Record(ctx context.Context, dbx db.DBTX, rec Record) error {
	_, err := dbx.Exec(ctx, `
		INSERT INTO audit_records
			(actor, subject_type, subject_id, event_kind, before_state, after_state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, now()))
	`, rec.Actor, rec.SubjectType, rec.SubjectID, rec.EventKind,
		rec.BeforeState, rec.AfterState, nullableTime(rec.CreatedAt))
	if err != nil {
		return db.Persistence("insert audit record", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
