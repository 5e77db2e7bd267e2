package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/medconsult/booking-engine/internal/availability"
	"github.com/medconsult/booking-engine/internal/db"
)

var ErrAppointmentNotFound = errors.New("appointment not found")

// Repository contains all appointment persistence needed by the
// allocator and the state machine. Methods take a db.DBTX so the same
// repository serves reads from the pool and writes inside a transaction.
type Repository interface {
	GetByID(ctx context.Context, dbx db.DBTX, id uuid.UUID) (*Appointment, error)

	// GetByIDForUpdate locks the row for the duration of the enclosing
	// transaction.
	GetByIDForUpdate(ctx context.Context, dbx db.DBTX, id uuid.UUID) (*Appointment, error)

	// Insert creates a new appointment. A storage-level overlap
	// violation surfaces as ConflictError{ConflictSlotTaken}.
	Insert(ctx context.Context, dbx db.DBTX, a Appointment) (*Appointment, error)

	// Transition moves the appointment to a new status iff the stored
	// version still equals expectedVersion, bumping the version.
	// Mismatch yields StaleStateError.
	Transition(ctx context.Context, dbx db.DBTX, id uuid.UUID, expectedVersion int64, to Status) (*Appointment, error)

	SetPaymentID(ctx context.Context, dbx db.DBTX, id, paymentID uuid.UUID) error

	// HasOverlapping reports whether a calendar-occupying appointment
	// overlaps the interval for the doctor.
	HasOverlapping(ctx context.Context, dbx db.DBTX, doctorID uuid.UUID, iv availability.Interval) (bool, error)

	// ListOccupied implements availability.BusyLister.
	ListOccupied(ctx context.Context, dbx db.DBTX, doctorID uuid.UUID, from, to time.Time) ([]availability.Interval, error)

	// ListStalePendingPayment returns appointments stuck in
	// PENDING_PAYMENT since before the cutoff. Used by the expiry worker.
	ListStalePendingPayment(ctx context.Context, dbx db.DBTX, cutoff time.Time) ([]Appointment, error)

	ListByPatient(ctx context.Context, dbx db.DBTX, patientID uuid.UUID, limit, offset int) ([]Appointment, error)
	ListByDoctor(ctx context.Context, dbx db.DBTX, doctorID uuid.UUID, from, to time.Time) ([]Appointment, error)
}
