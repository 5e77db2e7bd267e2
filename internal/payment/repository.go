package payment

import (
	"context"

	"github.com/google/uuid"

	"github.com/medconsult/booking-engine/internal/db"
)

// Repository persists payments and their raw event ledger. Only the
// reconciler mutates payment state.
type Repository interface {
	// CreatePending inserts a new payment awaiting checkout. Satisfies
	// the appointment package's PaymentCreator. The new row's attempts
	// counter is seeded from the appointment's failed payments so the
	// retry budget accumulates across re-approvals.
	CreatePending(ctx context.Context, dbx db.DBTX, appointmentID uuid.UUID, amountCents int64, currency string) (uuid.UUID, error)

	GetByID(ctx context.Context, dbx db.DBTX, id uuid.UUID) (*Payment, error)

	// GetByProviderRefForUpdate locks the payment row for the enclosing
	// transaction, serializing event application per payment.
	GetByProviderRefForUpdate(ctx context.Context, dbx db.DBTX, providerRef string) (*Payment, error)

	// GetPendingByAppointmentForUpdate finds the open payment attached
	// to an appointment at checkout time.
	GetPendingByAppointmentForUpdate(ctx context.Context, dbx db.DBTX, appointmentID uuid.UUID) (*Payment, error)

	AttachProviderRef(ctx context.Context, dbx db.DBTX, id uuid.UUID, providerRef string) (*Payment, error)

	UpdateStatus(ctx context.Context, dbx db.DBTX, id uuid.UUID, to Status, attempts int) (*Payment, error)

	// InsertEvent appends to the raw ledger. Returns false when the
	// provider event id was already recorded for this payment.
	InsertEvent(ctx context.Context, dbx db.DBTX, paymentID uuid.UUID, ev Event) (bool, error)
}
