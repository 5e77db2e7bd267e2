package availability

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/medconsult/booking-engine/internal/db"
)

type PgRepository struct{}

func NewPgRepository() *PgRepository {
	return &PgRepository{}
}

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	var specialty *string

	err := row.Scan(
		&d.ID,
		&d.Name,
		&specialty,
		&d.Timezone,
		&d.Verified,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, db.Persistence("scan doctor", err)
	}

	d.Specialty = specialty
	return &d, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var email *string

	err := row.Scan(
		&p.ID,
		&p.Name,
		&email,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, db.Persistence("scan patient", err)
	}

	p.Email = email
	return &p, nil
}

func scanWindow(row pgx.Row) (*Window, error) {
	var w Window
	var weekday *int16
	var overrideDate, effectiveUntil *time.Time

	err := row.Scan(
		&w.ID,
		&w.DoctorID,
		&weekday,
		&overrideDate,
		&w.StartMinute,
		&w.EndMinute,
		&w.EffectiveFrom,
		&effectiveUntil,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWindowNotFound
		}
		return nil, db.Persistence("scan availability window", err)
	}

	if weekday != nil {
		wd := time.Weekday(*weekday)
		w.Weekday = &wd
	}
	w.OverrideDate = overrideDate
	w.EffectiveUntil = effectiveUntil
	return &w, nil
}

func (r *PgRepository) GetDoctorByID(ctx context.Context, dbx db.DBTX, id uuid.UUID) (*Doctor, error) {
	row := dbx.QueryRow(ctx, `
		SELECT id, name, specialty, timezone, verified, created_at, updated_at
		FROM doctors
		WHERE id = $1
	`, id)
	return scanDoctor(row)
}

func (r *PgRepository) GetPatientByID(ctx context.Context, dbx db.DBTX, id uuid.UUID) (*Patient, error) {
	row := dbx.QueryRow(ctx, `
		SELECT id, name, email, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) ListWindows(ctx context.Context, dbx db.DBTX, doctorID uuid.UUID, from, to time.Time) ([]Window, error) {
	rows, err := dbx.Query(ctx, `
		SELECT id, doctor_id, weekday, override_date, start_minute, end_minute,
		       effective_from, effective_until, created_at, updated_at
		FROM availability_windows
		WHERE doctor_id = $1
		  AND (
			(override_date IS NOT NULL AND override_date BETWEEN $2::date AND $3::date)
			OR
			(weekday IS NOT NULL
				AND effective_from <= $3::date
				AND (effective_until IS NULL OR effective_until >= $2::date))
		  )
		ORDER BY effective_from, start_minute
	`, doctorID, from, to)
	if err != nil {
		return nil, db.Persistence("list availability windows", err)
	}
	defer rows.Close()

	var result []Window
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Persistence("list availability windows", err)
	}

	return result, nil
}

func (r *PgRepository) GetWindowByID(ctx context.Context, dbx db.DBTX, id uuid.UUID) (*Window, error) {
	row := dbx.QueryRow(ctx, `
		SELECT id, doctor_id, weekday, override_date, start_minute, end_minute,
		       effective_from, effective_until, created_at, updated_at
		FROM availability_windows
		WHERE id = $1
	`, id)
	return scanWindow(row)
}

func (r *PgRepository) InsertWindow(ctx context.Context, dbx db.DBTX, w Window) (*Window, error) {
	var weekday *int16
	if w.Weekday != nil {
		wd := int16(*w.Weekday)
		weekday = &wd
	}

	row := dbx.QueryRow(ctx, `
		INSERT INTO availability_windows
			(id, doctor_id, weekday, override_date, start_minute, end_minute,
			 effective_from, effective_until, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		RETURNING id, doctor_id, weekday, override_date, start_minute, end_minute,
		          effective_from, effective_until, created_at, updated_at
	`, w.ID, w.DoctorID, weekday, w.OverrideDate, w.StartMinute, w.EndMinute,
		w.EffectiveFrom, w.EffectiveUntil)

	return scanWindow(row)
}

func (r *PgRepository) DeleteWindow(ctx context.Context, dbx db.DBTX, id uuid.UUID) error {
	tag, err := dbx.Exec(ctx, `
		DELETE FROM availability_windows
		WHERE id = $1
	`, id)
	if err != nil {
		return db.Persistence("delete availability window", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrWindowNotFound
	}
	return nil
}
