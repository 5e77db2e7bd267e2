package availability

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/medconsult/booking-engine/internal/db"
)

var (
	ErrDoctorNotFound  = errors.New("doctor not found")
	ErrPatientNotFound = errors.New("patient not found")
	ErrWindowNotFound  = errors.New("availability window not found")

	// Window-editing guards. Future windows belong to the owning doctor;
	// past windows are immutable.
	ErrNotWindowOwner      = errors.New("availability window belongs to another doctor")
	ErrPastWindowImmutable = errors.New("past availability windows cannot be changed")
	ErrWindowOverlap       = errors.New("availability window overlaps an existing one")
)

// Repository contains the window and directory lookups the index needs.
type Repository interface {
	GetDoctorByID(ctx context.Context, dbx db.DBTX, id uuid.UUID) (*Doctor, error)
	GetPatientByID(ctx context.Context, dbx db.DBTX, id uuid.UUID) (*Patient, error)

	// ListWindows returns every window that could produce slots between
	// the from and to dates (inclusive), recurring and override alike.
	ListWindows(ctx context.Context, dbx db.DBTX, doctorID uuid.UUID, from, to time.Time) ([]Window, error)
	GetWindowByID(ctx context.Context, dbx db.DBTX, id uuid.UUID) (*Window, error)
	InsertWindow(ctx context.Context, dbx db.DBTX, w Window) (*Window, error)
	DeleteWindow(ctx context.Context, dbx db.DBTX, id uuid.UUID) error
}

// BusyLister reports intervals already held by calendar-occupying
// appointments. Implemented by the appointment repository.
type BusyLister interface {
	ListOccupied(ctx context.Context, dbx db.DBTX, doctorID uuid.UUID, from, to time.Time) ([]Interval, error)
}
