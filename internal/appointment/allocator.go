package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/medconsult/booking-engine/internal/audit"
	"github.com/medconsult/booking-engine/internal/availability"
	"github.com/medconsult/booking-engine/internal/db"
	redisclient "github.com/medconsult/booking-engine/internal/redis"
)

// Allocator atomically claims a bookable interval for a patient. At
// most one of any set of racing claims for overlapping intervals on
// the same doctor can succeed; the losers get ConflictError. The
// storage-layer overlap constraint is the source of truth, the
// per-doctor calendar lock narrows the race and bounds the wait.
type Allocator struct {
	repo    Repository
	avail   availability.Repository
	index   *availability.Index
	emitter audit.Emitter
	locker  redisclient.Locker
	runner  db.TxRunner
	dbx     db.DBTX

	granularity time.Duration
	maxSpan     time.Duration
	now         func() time.Time
}

type AllocatorConfig struct {
	Granularity time.Duration
	MaxSpan     time.Duration
}

func NewAllocator(
	repo Repository,
	avail availability.Repository,
	index *availability.Index,
	emitter audit.Emitter,
	locker redisclient.Locker,
	runner db.TxRunner,
	dbx db.DBTX,
	cfg AllocatorConfig,
) *Allocator {
	return &Allocator{
		repo:        repo,
		avail:       avail,
		index:       index,
		emitter:     emitter,
		locker:      locker,
		runner:      runner,
		dbx:         dbx,
		granularity: cfg.Granularity,
		maxSpan:     cfg.MaxSpan,
		now:         time.Now,
	}
}

// ClaimSlot validates the interval, then claims it inside a single unit
// of work under the doctor's calendar lock. A claim that loses the race
// is reported, never retried here.
func (al *Allocator) ClaimSlot(ctx context.Context, doctorID, patientID uuid.UUID, iv availability.Interval) (*Appointment, error) {
	if err := al.validateInterval(iv); err != nil {
		return nil, err
	}

	if _, err := al.avail.GetPatientByID(ctx, al.dbx, patientID); err != nil {
		return nil, err
	}

	var created *Appointment
	err := al.locker.WithCalendarLock(ctx, doctorID, func(lockCtx context.Context) error {
		return al.runner.InTx(lockCtx, func(txCtx context.Context, tx db.DBTX) error {
			appt, err := al.claimInTx(txCtx, tx, patientID.String(), doctorID, patientID, iv, nil)
			if err != nil {
				return err
			}
			created = appt
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

// claimInTx performs the claim inside an already-open transaction.
// Reschedule reuses it so cancelling the old appointment and claiming
// the new interval commit or roll back together.
func (al *Allocator) claimInTx(ctx context.Context, tx db.DBTX, actor string, doctorID, patientID uuid.UUID, iv availability.Interval, rescheduledFrom *uuid.UUID) (*Appointment, error) {
	doctor, err := al.avail.GetDoctorByID(ctx, tx, doctorID)
	if err != nil {
		return nil, err
	}
	if !doctor.Verified {
		// Unverified doctors are invisible to booking.
		return nil, availability.ErrDoctorNotFound
	}

	// Availability may have changed since the client listed slots.
	covered, err := al.index.Covers(ctx, tx, doctor, iv)
	if err != nil {
		return nil, err
	}
	if !covered {
		return nil, &ConflictError{Reason: ConflictOutsideAvailability}
	}

	overlapping, err := al.repo.HasOverlapping(ctx, tx, doctorID, iv)
	if err != nil {
		return nil, err
	}
	if overlapping {
		return nil, &ConflictError{Reason: ConflictSlotTaken}
	}

	created, err := al.repo.Insert(ctx, tx, Appointment{
		ID:              uuid.New(),
		DoctorID:        doctorID,
		PatientID:       patientID,
		Start:           iv.Start,
		End:             iv.End,
		Status:          StatusRequested,
		RescheduledFrom: rescheduledFrom,
	})
	if err != nil {
		return nil, err
	}

	err = al.emitter.Record(ctx, tx, audit.Record{
		Actor:       actor,
		SubjectType: audit.SubjectAppointment,
		SubjectID:   created.ID,
		EventKind:   EventClaimed,
		AfterState:  string(StatusRequested),
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

func (al *Allocator) validateInterval(iv availability.Interval) error {
	if !iv.End.After(iv.Start) {
		return &availability.InvalidRangeError{Reason: "interval end must be after start"}
	}
	if !iv.AlignedTo(al.granularity) {
		return &availability.InvalidRangeError{Reason: "interval must align to the slot granularity"}
	}
	if iv.Duration() > al.maxSpan {
		return &availability.InvalidRangeError{Reason: "interval exceeds the maximum claim span"}
	}
	if !iv.Start.After(al.now()) {
		return &availability.InvalidRangeError{Reason: "interval starts in the past"}
	}
	return nil
}
