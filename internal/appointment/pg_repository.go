package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/medconsult/booking-engine/internal/availability"
	"github.com/medconsult/booking-engine/internal/db"
)

const apptColumns = `id, doctor_id, patient_id, start_at, end_at, status,
	payment_id, rescheduled_from, version, created_at, updated_at`

type PgRepository struct{}

func NewPgRepository() *PgRepository {
	return &PgRepository{}
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var paymentID, rescheduledFrom *uuid.UUID

	err := row.Scan(
		&a.ID,
		&a.DoctorID,
		&a.PatientID,
		&a.Start,
		&a.End,
		&a.Status,
		&paymentID,
		&rescheduledFrom,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, db.Persistence("scan appointment", err)
	}

	a.PaymentID = paymentID
	a.RescheduledFrom = rescheduledFrom
	return &a, nil
}

func (r *PgRepository) GetByID(ctx context.Context, dbx db.DBTX, id uuid.UUID) (*Appointment, error) {
	row := dbx.QueryRow(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) GetByIDForUpdate(ctx context.Context, dbx db.DBTX, id uuid.UUID) (*Appointment, error) {
	row := dbx.QueryRow(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) Insert(ctx context.Context, dbx db.DBTX, a Appointment) (*Appointment, error) {
	row := dbx.QueryRow(ctx, `
		INSERT INTO appointments
			(id, doctor_id, patient_id, start_at, end_at, status,
			 payment_id, rescheduled_from, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, now(), now())
		RETURNING `+apptColumns+`
	`, a.ID, a.DoctorID, a.PatientID, a.Start, a.End, a.Status,
		a.PaymentID, a.RescheduledFrom)

	created, err := scanAppointment(row)
	if err != nil {
		if isOverlapViolation(err) {
			return nil, &ConflictError{Reason: ConflictSlotTaken}
		}
		return nil, err
	}
	return created, nil
}

func (r *PgRepository) Transition(ctx context.Context, dbx db.DBTX, id uuid.UUID, expectedVersion int64, to Status) (*Appointment, error) {
	row := dbx.QueryRow(ctx, `
		UPDATE appointments
		SET status = $3,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1
		  AND version = $2
		RETURNING `+apptColumns+`
	`, id, expectedVersion, to)

	updated, err := scanAppointment(row)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, ErrAppointmentNotFound) {
		if isOverlapViolation(err) {
			return nil, &ConflictError{Reason: ConflictSlotTaken}
		}
		return nil, err
	}

	// No row matched: distinguish a missing appointment from a version
	// mismatch.
	if _, getErr := r.GetByID(ctx, dbx, id); getErr != nil {
		return nil, getErr
	}
	return nil, &StaleStateError{AppointmentID: id, ExpectedVersion: expectedVersion}
}

func (r *PgRepository) SetPaymentID(ctx context.Context, dbx db.DBTX, id, paymentID uuid.UUID) error {
	tag, err := dbx.Exec(ctx, `
		UPDATE appointments
		SET payment_id = $2,
		    updated_at = now()
		WHERE id = $1
	`, id, paymentID)
	if err != nil {
		return db.Persistence("set appointment payment", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgRepository) HasOverlapping(ctx context.Context, dbx db.DBTX, doctorID uuid.UUID, iv availability.Interval) (bool, error) {
	var exists bool
	err := dbx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM appointments
			WHERE doctor_id = $1
			  AND status = ANY($2)
			  AND start_at < $4
			  AND end_at > $3
		)
	`, doctorID, occupyingStatusStrings(), iv.Start, iv.End).Scan(&exists)
	if err != nil {
		return false, db.Persistence("check overlapping appointment", err)
	}
	return exists, nil
}

func (r *PgRepository) ListOccupied(ctx context.Context, dbx db.DBTX, doctorID uuid.UUID, from, to time.Time) ([]availability.Interval, error) {
	rows, err := dbx.Query(ctx, `
		SELECT start_at, end_at
		FROM appointments
		WHERE doctor_id = $1
		  AND status = ANY($2)
		  AND start_at < $4
		  AND end_at > $3
		ORDER BY start_at
	`, doctorID, occupyingStatusStrings(), from, to)
	if err != nil {
		return nil, db.Persistence("list occupied intervals", err)
	}
	defer rows.Close()

	var result []availability.Interval
	for rows.Next() {
		var iv availability.Interval
		if err := rows.Scan(&iv.Start, &iv.End); err != nil {
			return nil, db.Persistence("scan occupied interval", err)
		}
		result = append(result, iv)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Persistence("list occupied intervals", err)
	}

	return result, nil
}

func (r *PgRepository) ListStalePendingPayment(ctx context.Context, dbx db.DBTX, cutoff time.Time) ([]Appointment, error) {
	rows, err := dbx.Query(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE status = $1
		  AND updated_at < $2
	`, StatusPendingPayment, cutoff)
	if err != nil {
		return nil, db.Persistence("list stale pending-payment appointments", err)
	}
	defer rows.Close()

	return collectAppointments(rows)
}

func (r *PgRepository) ListByPatient(ctx context.Context, dbx db.DBTX, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	rows, err := dbx.Query(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY start_at DESC
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
	if err != nil {
		return nil, db.Persistence("list appointments by patient", err)
	}
	defer rows.Close()

	return collectAppointments(rows)
}

func (r *PgRepository) ListByDoctor(ctx context.Context, dbx db.DBTX, doctorID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	rows, err := dbx.Query(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE doctor_id = $1
		  AND start_at >= $2
		  AND start_at < $3
		ORDER BY start_at
	`, doctorID, from, to)
	if err != nil {
		return nil, db.Persistence("list appointments by doctor", err)
	}
	defer rows.Close()

	return collectAppointments(rows)
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Persistence("collect appointments", err)
	}
	return result, nil
}

func occupyingStatusStrings() []string {
	statuses := OccupyingStatuses()
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// isOverlapViolation matches the exclusion constraint guarding one
// doctor's calendar (and any unique fallback) when two transactions
// race for overlapping intervals.
func isOverlapViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23P01" || pgErr.Code == "23505"
}
