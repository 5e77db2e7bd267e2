package payment

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/medconsult/booking-engine/internal/db"
)

const paymentColumns = `id, appointment_id, provider_ref, status,
	amount_cents, currency, attempts, created_at, updated_at`

type PgRepository struct{}

func NewPgRepository() *PgRepository {
	return &PgRepository{}
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	var providerRef *string

	err := row.Scan(
		&p.ID,
		&p.AppointmentID,
		&providerRef,
		&p.Status,
		&p.AmountCents,
		&p.Currency,
		&p.Attempts,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, db.Persistence("scan payment", err)
	}

	p.ProviderRef = providerRef
	return &p, nil
}

func (r *PgRepository) CreatePending(ctx context.Context, dbx db.DBTX, appointmentID uuid.UUID, amountCents int64, currency string) (uuid.UUID, error) {
	id := uuid.New()
	// attempts starts at the count of the appointment's already-failed
	// payments: the retry budget spans re-approvals, not one payment row.
	_, err := dbx.Exec(ctx, `
		INSERT INTO payments
			(id, appointment_id, provider_ref, status, amount_cents, currency, attempts, created_at, updated_at)
		VALUES ($1, $2, NULL, $3, $4, $5,
			(SELECT count(*) FROM payments WHERE appointment_id = $2 AND status = $6),
			now(), now())
	`, id, appointmentID, StatusPending, amountCents, currency, StatusFailed)
	if err != nil {
		return uuid.Nil, db.Persistence("insert payment", err)
	}
	return id, nil
}

func (r *PgRepository) GetByID(ctx context.Context, dbx db.DBTX, id uuid.UUID) (*Payment, error) {
	row := dbx.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE id = $1
	`, id)
	return scanPayment(row)
}

func (r *PgRepository) GetByProviderRefForUpdate(ctx context.Context, dbx db.DBTX, providerRef string) (*Payment, error) {
	row := dbx.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE provider_ref = $1
		FOR UPDATE
	`, providerRef)
	return scanPayment(row)
}

func (r *PgRepository) GetPendingByAppointmentForUpdate(ctx context.Context, dbx db.DBTX, appointmentID uuid.UUID) (*Payment, error) {
	row := dbx.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE appointment_id = $1
		  AND status = $2
		ORDER BY created_at DESC
		LIMIT 1
		FOR UPDATE
	`, appointmentID, StatusPending)
	return scanPayment(row)
}

func (r *PgRepository) AttachProviderRef(ctx context.Context, dbx db.DBTX, id uuid.UUID, providerRef string) (*Payment, error) {
	row := dbx.QueryRow(ctx, `
		UPDATE payments
		SET provider_ref = $2,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+paymentColumns+`
	`, id, providerRef)
	return scanPayment(row)
}

func (r *PgRepository) UpdateStatus(ctx context.Context, dbx db.DBTX, id uuid.UUID, to Status, attempts int) (*Payment, error) {
	row := dbx.QueryRow(ctx, `
		UPDATE payments
		SET status = $2,
		    attempts = $3,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+paymentColumns+`
	`, id, to, attempts)
	return scanPayment(row)
}

func (r *PgRepository) InsertEvent(ctx context.Context, dbx db.DBTX, paymentID uuid.UUID, ev Event) (bool, error) {
	tag, err := dbx.Exec(ctx, `
		INSERT INTO payment_events
			(payment_id, provider_event_id, status, amount_cents, currency, occurred_at, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (payment_id, provider_event_id) DO NOTHING
	`, paymentID, ev.ProviderEventID, ev.Status, ev.AmountCents, ev.Currency, ev.OccurredAt)
	if err != nil {
		return false, db.Persistence("insert payment event", err)
	}
	return tag.RowsAffected() > 0, nil
}
