package payment

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var paymentMockColumns = []string{
	"id", "appointment_id", "provider_ref", "status",
	"amount_cents", "currency", "attempts", "created_at", "updated_at",
}

func stubPayment() Payment {
	now := time.Date(2026, time.September, 1, 12, 0, 0, 0, time.UTC)
	return Payment{
		ID:            uuid.New(),
		AppointmentID: uuid.New(),
		Status:        StatusPending,
		AmountCents:   5000,
		Currency:      "usd",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func paymentRow(p Payment) *pgxmock.Rows {
	return pgxmock.NewRows(paymentMockColumns).AddRow(
		p.ID, p.AppointmentID, p.ProviderRef, p.Status,
		p.AmountCents, p.Currency, p.Attempts, p.CreatedAt, p.UpdatedAt,
	)
}

func TestPgCreatePending(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	appointmentID := uuid.New()
	mock.ExpectExec(`INSERT INTO payments`).
		WithArgs(pgxmock.AnyArg(), appointmentID, StatusPending, int64(5000), "usd", StatusFailed).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	repo := NewPgRepository()
	id, err := repo.CreatePending(context.Background(), mock, appointmentID, 5000, "usd")
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgGetByProviderRefNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`SELECT .+ FROM payments\s+WHERE provider_ref = \$1`).
		WithArgs("prov_unknown").
		WillReturnError(pgx.ErrNoRows)

	repo := NewPgRepository()
	_, err = repo.GetByProviderRefForUpdate(context.Background(), mock, "prov_unknown")
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestPgAttachProviderRef(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	want := stubPayment()
	ref := "prov_abc"
	want.ProviderRef = &ref

	mock.ExpectQuery(`UPDATE payments\s+SET provider_ref = \$2`).
		WithArgs(want.ID, ref).
		WillReturnRows(paymentRow(want))

	repo := NewPgRepository()
	got, err := repo.AttachProviderRef(context.Background(), mock, want.ID, ref)
	require.NoError(t, err)
	require.NotNil(t, got.ProviderRef)
	assert.Equal(t, ref, *got.ProviderRef)
}

func TestPgInsertEventReportsDuplicates(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPgRepository()
	paymentID := uuid.New()
	ev := Event{
		ProviderEventID: "evt_1",
		PaymentRef:      "prov_abc",
		Status:          string(StatusSucceeded),
		AmountCents:     5000,
		Currency:        "usd",
		OccurredAt:      time.Now().UTC(),
	}

	// First delivery lands a ledger row.
	mock.ExpectExec(`INSERT INTO payment_events`).
		WithArgs(paymentID, ev.ProviderEventID, ev.Status, ev.AmountCents, ev.Currency, ev.OccurredAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	inserted, err := repo.InsertEvent(context.Background(), mock, paymentID, ev)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Redelivery hits ON CONFLICT DO NOTHING and affects no rows.
	mock.ExpectExec(`INSERT INTO payment_events`).
		WithArgs(paymentID, ev.ProviderEventID, ev.Status, ev.AmountCents, ev.Currency, ev.OccurredAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	inserted, err = repo.InsertEvent(context.Background(), mock, paymentID, ev)
	require.NoError(t, err)
	assert.False(t, inserted)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgUpdateStatus(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	want := stubPayment()
	want.Status = StatusSucceeded
	want.Attempts = 1

	mock.ExpectQuery(`UPDATE payments\s+SET status = \$2`).
		WithArgs(want.ID, StatusSucceeded, 1).
		WillReturnRows(paymentRow(want))

	repo := NewPgRepository()
	got, err := repo.UpdateStatus(context.Background(), mock, want.ID, StatusSucceeded, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)
	assert.Equal(t, 1, got.Attempts)
}
