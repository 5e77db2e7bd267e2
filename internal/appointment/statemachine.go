package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/medconsult/booking-engine/internal/audit"
	"github.com/medconsult/booking-engine/internal/availability"
	"github.com/medconsult/booking-engine/internal/db"
	"github.com/medconsult/booking-engine/internal/notify"
	redisclient "github.com/medconsult/booking-engine/internal/redis"
	"github.com/medconsult/booking-engine/pkg/logging"
)

// PaymentCreator creates the pending payment attached to an
// appointment when approval requires one. Implemented by the payment
// repository; the interface keeps this package free of a payment
// dependency.
type PaymentCreator interface {
	CreatePending(ctx context.Context, dbx db.DBTX, appointmentID uuid.UUID, amountCents int64, currency string) (uuid.UUID, error)
}

// StateMachine owns every appointment lifecycle transition. Each
// operation is one atomic unit of work: status change, version bump and
// audit record commit together or not at all. The notification trigger
// fires only after commit.
type StateMachine struct {
	repo     Repository
	payments PaymentCreator
	emitter  audit.Emitter
	locker   redisclient.Locker
	runner   db.TxRunner
	dbx      db.DBTX
	alloc    *Allocator
	notifier notify.Trigger
	log      *logging.Logger

	cancelCutoff time.Duration
	pendingTTL   time.Duration
	maxAttempts  int
	feeCents     int64
	currency     string
	now          func() time.Time
}

type StateMachineConfig struct {
	CancelCutoff       time.Duration
	PendingPaymentTTL  time.Duration
	PaymentMaxAttempts int
	FeeCents           int64
	Currency           string
}

func NewStateMachine(
	repo Repository,
	payments PaymentCreator,
	emitter audit.Emitter,
	locker redisclient.Locker,
	runner db.TxRunner,
	dbx db.DBTX,
	alloc *Allocator,
	notifier notify.Trigger,
	log *logging.Logger,
	cfg StateMachineConfig,
) *StateMachine {
	if log == nil {
		log = logging.Default()
	}
	return &StateMachine{
		repo:         repo,
		payments:     payments,
		emitter:      emitter,
		locker:       locker,
		runner:       runner,
		dbx:          dbx,
		alloc:        alloc,
		notifier:     notifier,
		log:          log,
		cancelCutoff: cfg.CancelCutoff,
		pendingTTL:   cfg.PendingPaymentTTL,
		maxAttempts:  cfg.PaymentMaxAttempts,
		feeCents:     cfg.FeeCents,
		currency:     cfg.Currency,
		now:          time.Now,
	}
}

// Approve moves a requested appointment forward: to APPROVED when no
// payment is required, to PENDING_PAYMENT (creating the payment) when
// one is. Only the assigned doctor may approve.
func (m *StateMachine) Approve(ctx context.Context, actor Actor, id uuid.UUID, version int64, requiresPayment bool) (*Appointment, error) {
	var updated *Appointment
	err := m.runner.InTx(ctx, func(ctx context.Context, tx db.DBTX) error {
		appt, err := m.lockAndCheck(ctx, tx, id, version)
		if err != nil {
			return err
		}
		if err := requireAssignedDoctor(actor, appt, "approve"); err != nil {
			return err
		}
		if appt.Status != StatusRequested {
			return policyViolation("approve.state", "cannot approve an appointment in status %s", appt.Status)
		}

		to := StatusApproved
		if requiresPayment {
			to = StatusPendingPayment
		}

		updated, err = m.repo.Transition(ctx, tx, id, version, to)
		if err != nil {
			return err
		}

		if requiresPayment {
			paymentID, err := m.payments.CreatePending(ctx, tx, id, m.feeCents, m.currency)
			if err != nil {
				return err
			}
			if err := m.repo.SetPaymentID(ctx, tx, id, paymentID); err != nil {
				return err
			}
			updated.PaymentID = &paymentID
		}

		return m.emitter.Record(ctx, tx, audit.Record{
			Actor:       actor.ID.String(),
			SubjectType: audit.SubjectAppointment,
			SubjectID:   id,
			EventKind:   EventApproved,
			BeforeState: string(StatusRequested),
			AfterState:  string(to),
		})
	})
	if err != nil {
		return nil, err
	}

	m.notifier.AppointmentEvent(context.WithoutCancel(ctx), id, EventApproved)
	return updated, nil
}

// Reject terminates a requested appointment. Only the assigned doctor.
func (m *StateMachine) Reject(ctx context.Context, actor Actor, id uuid.UUID, version int64) (*Appointment, error) {
	var updated *Appointment
	err := m.runner.InTx(ctx, func(ctx context.Context, tx db.DBTX) error {
		appt, err := m.lockAndCheck(ctx, tx, id, version)
		if err != nil {
			return err
		}
		if err := requireAssignedDoctor(actor, appt, "reject"); err != nil {
			return err
		}
		if appt.Status != StatusRequested {
			return policyViolation("reject.state", "cannot reject an appointment in status %s", appt.Status)
		}

		updated, err = m.repo.Transition(ctx, tx, id, version, StatusRejected)
		if err != nil {
			return err
		}

		return m.emitter.Record(ctx, tx, audit.Record{
			Actor:       actor.ID.String(),
			SubjectType: audit.SubjectAppointment,
			SubjectID:   id,
			EventKind:   EventRejected,
			BeforeState: string(StatusRequested),
			AfterState:  string(StatusRejected),
		})
	})
	if err != nil {
		return nil, err
	}

	m.notifier.AppointmentEvent(context.WithoutCancel(ctx), id, EventRejected)
	return updated, nil
}

// Cancel terminates an approved or confirmed appointment. Either party
// may cancel outside the cutoff window.
func (m *StateMachine) Cancel(ctx context.Context, actor Actor, id uuid.UUID, version int64) (*Appointment, error) {
	var updated *Appointment
	err := m.runner.InTx(ctx, func(ctx context.Context, tx db.DBTX) error {
		appt, err := m.lockAndCheck(ctx, tx, id, version)
		if err != nil {
			return err
		}
		if err := requireParty(actor, appt, "cancel"); err != nil {
			return err
		}
		if appt.Status != StatusApproved && appt.Status != StatusConfirmed {
			return policyViolation("cancel.state", "cannot cancel an appointment in status %s", appt.Status)
		}
		if err := m.checkCutoff(actor, appt, "cancel"); err != nil {
			return err
		}

		before := appt.Status
		updated, err = m.repo.Transition(ctx, tx, id, version, StatusCancelled)
		if err != nil {
			return err
		}

		return m.emitter.Record(ctx, tx, audit.Record{
			Actor:       actor.ID.String(),
			SubjectType: audit.SubjectAppointment,
			SubjectID:   id,
			EventKind:   EventCancelled,
			BeforeState: string(before),
			AfterState:  string(StatusCancelled),
		})
	})
	if err != nil {
		return nil, err
	}

	m.notifier.AppointmentEvent(context.WithoutCancel(ctx), id, EventCancelled)
	return updated, nil
}

// Complete marks a confirmed appointment as held. Only the assigned
// doctor, and only once the end time has passed.
func (m *StateMachine) Complete(ctx context.Context, actor Actor, id uuid.UUID, version int64) (*Appointment, error) {
	var updated *Appointment
	err := m.runner.InTx(ctx, func(ctx context.Context, tx db.DBTX) error {
		appt, err := m.lockAndCheck(ctx, tx, id, version)
		if err != nil {
			return err
		}
		if err := requireAssignedDoctor(actor, appt, "complete"); err != nil {
			return err
		}
		if appt.Status != StatusConfirmed {
			return policyViolation("complete.state", "cannot complete an appointment in status %s", appt.Status)
		}
		if m.now().Before(appt.End) {
			return policyViolation("complete.time", "appointment does not end until %s", appt.End)
		}

		updated, err = m.repo.Transition(ctx, tx, id, version, StatusCompleted)
		if err != nil {
			return err
		}

		return m.emitter.Record(ctx, tx, audit.Record{
			Actor:       actor.ID.String(),
			SubjectType: audit.SubjectAppointment,
			SubjectID:   id,
			EventKind:   EventCompleted,
			BeforeState: string(StatusConfirmed),
			AfterState:  string(StatusCompleted),
		})
	})
	if err != nil {
		return nil, err
	}

	m.notifier.AppointmentEvent(context.WithoutCancel(ctx), id, EventCompleted)
	return updated, nil
}

// Reschedule cancels the old appointment and claims the new interval in
// one transaction under the calendar lock. If the new claim fails the
// old appointment is left untouched.
func (m *StateMachine) Reschedule(ctx context.Context, actor Actor, id uuid.UUID, version int64, newIv availability.Interval) (*Appointment, error) {
	if err := m.alloc.validateInterval(newIv); err != nil {
		return nil, err
	}

	// Read outside the lock only to learn which calendar to lock.
	current, err := m.repo.GetByID(ctx, m.dbx, id)
	if err != nil {
		return nil, err
	}

	var replacement *Appointment
	err = m.locker.WithCalendarLock(ctx, current.DoctorID, func(lockCtx context.Context) error {
		return m.runner.InTx(lockCtx, func(ctx context.Context, tx db.DBTX) error {
			appt, err := m.lockAndCheck(ctx, tx, id, version)
			if err != nil {
				return err
			}
			if err := requireParty(actor, appt, "reschedule"); err != nil {
				return err
			}
			if appt.Status != StatusApproved && appt.Status != StatusConfirmed {
				return policyViolation("reschedule.state", "cannot reschedule an appointment in status %s", appt.Status)
			}
			if err := m.checkCutoff(actor, appt, "reschedule"); err != nil {
				return err
			}

			before := appt.Status
			if _, err := m.repo.Transition(ctx, tx, id, version, StatusCancelled); err != nil {
				return err
			}

			err = m.emitter.Record(ctx, tx, audit.Record{
				Actor:       actor.ID.String(),
				SubjectType: audit.SubjectAppointment,
				SubjectID:   id,
				EventKind:   EventRescheduled,
				BeforeState: string(before),
				AfterState:  string(StatusCancelled),
			})
			if err != nil {
				return err
			}

			replacement, err = m.alloc.claimInTx(ctx, tx, actor.ID.String(), appt.DoctorID, appt.PatientID, newIv, &appt.ID)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	m.notifier.AppointmentEvent(context.WithoutCancel(ctx), replacement.ID, EventRescheduled)
	return replacement, nil
}

// ApplyPaymentSucceeded confirms the appointment. Runs inside the
// reconciler's transaction; the reconciler holds the payment row lock,
// so no caller version is involved.
func (m *StateMachine) ApplyPaymentSucceeded(ctx context.Context, tx db.DBTX, appointmentID uuid.UUID) error {
	appt, err := m.repo.GetByIDForUpdate(ctx, tx, appointmentID)
	if err != nil {
		return err
	}

	switch appt.Status {
	case StatusConfirmed:
		return nil // already applied
	case StatusPendingPayment, StatusApproved:
	default:
		return policyViolation("payment.confirm.state", "cannot confirm an appointment in status %s", appt.Status)
	}

	if _, err := m.repo.Transition(ctx, tx, appointmentID, appt.Version, StatusConfirmed); err != nil {
		return err
	}

	return m.emitter.Record(ctx, tx, audit.Record{
		Actor:       audit.SystemActor,
		SubjectType: audit.SubjectAppointment,
		SubjectID:   appointmentID,
		EventKind:   EventConfirmed,
		BeforeState: string(appt.Status),
		AfterState:  string(StatusConfirmed),
	})
}

// ApplyPaymentFailed returns the appointment to REQUESTED for another
// attempt, or cancels it once attempts are exhausted.
func (m *StateMachine) ApplyPaymentFailed(ctx context.Context, tx db.DBTX, appointmentID uuid.UUID, attempts int) error {
	appt, err := m.repo.GetByIDForUpdate(ctx, tx, appointmentID)
	if err != nil {
		return err
	}

	switch appt.Status {
	case StatusRequested, StatusCancelled:
		return nil // a previous failure already handled this
	case StatusPendingPayment:
	default:
		return policyViolation("payment.fail.state", "cannot fail payment for an appointment in status %s", appt.Status)
	}

	to := StatusRequested
	kind := EventPaymentRetry
	if attempts >= m.maxAttempts {
		to = StatusCancelled
		kind = EventPaymentExhausted
	}

	if _, err := m.repo.Transition(ctx, tx, appointmentID, appt.Version, to); err != nil {
		return err
	}

	return m.emitter.Record(ctx, tx, audit.Record{
		Actor:       audit.SystemActor,
		SubjectType: audit.SubjectAppointment,
		SubjectID:   appointmentID,
		EventKind:   kind,
		BeforeState: string(StatusPendingPayment),
		AfterState:  string(to),
	})
}

// ApplyRefund cancels an appointment whose payment was refunded,
// unless the consultation already happened.
func (m *StateMachine) ApplyRefund(ctx context.Context, tx db.DBTX, appointmentID uuid.UUID) error {
	appt, err := m.repo.GetByIDForUpdate(ctx, tx, appointmentID)
	if err != nil {
		return err
	}

	switch appt.Status {
	case StatusCompleted, StatusCancelled, StatusRejected:
		return nil
	}

	if _, err := m.repo.Transition(ctx, tx, appointmentID, appt.Version, StatusCancelled); err != nil {
		return err
	}

	return m.emitter.Record(ctx, tx, audit.Record{
		Actor:       audit.SystemActor,
		SubjectType: audit.SubjectAppointment,
		SubjectID:   appointmentID,
		EventKind:   EventRefundCancelled,
		BeforeState: string(appt.Status),
		AfterState:  string(StatusCancelled),
	})
}

// ExpireStalePendingPayments cancels appointments that have sat in
// PENDING_PAYMENT beyond the configured TTL. Called periodically by the
// expiry worker.
func (m *StateMachine) ExpireStalePendingPayments(ctx context.Context) error {
	cutoff := m.now().Add(-m.pendingTTL)
	stale, err := m.repo.ListStalePendingPayment(ctx, m.dbx, cutoff)
	if err != nil {
		return err
	}

	for _, appt := range stale {
		err := m.runner.InTx(ctx, func(ctx context.Context, tx db.DBTX) error {
			current, err := m.repo.GetByIDForUpdate(ctx, tx, appt.ID)
			if err != nil {
				return err
			}
			if current.Status != StatusPendingPayment || current.UpdatedAt.After(cutoff) {
				return nil // paid or already handled since the listing
			}

			if _, err := m.repo.Transition(ctx, tx, appt.ID, current.Version, StatusCancelled); err != nil {
				return err
			}

			return m.emitter.Record(ctx, tx, audit.Record{
				Actor:       audit.SystemActor,
				SubjectType: audit.SubjectAppointment,
				SubjectID:   appt.ID,
				EventKind:   EventExpired,
				BeforeState: string(StatusPendingPayment),
				AfterState:  string(StatusCancelled),
			})
		})
		if err != nil {
			m.log.Error("failed to expire pending-payment appointment",
				"appointment_id", appt.ID.String(), "error", err)
			continue
		}
		m.notifier.AppointmentEvent(context.WithoutCancel(ctx), appt.ID, EventExpired)
	}

	return nil
}

// GetAppointment reads a single appointment. Read-only; no transition.
func (m *StateMachine) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return m.repo.GetByID(ctx, m.dbx, id)
}

// ListByPatient reads a patient's appointments, newest first.
func (m *StateMachine) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return m.repo.ListByPatient(ctx, m.dbx, patientID, limit, offset)
}

func (m *StateMachine) lockAndCheck(ctx context.Context, tx db.DBTX, id uuid.UUID, version int64) (*Appointment, error) {
	appt, err := m.repo.GetByIDForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if appt.Version != version {
		return nil, &StaleStateError{AppointmentID: id, ExpectedVersion: version}
	}
	return appt, nil
}

// checkCutoff enforces the late-change policy. Admins are exempt so
// support can still unwind an appointment close to its start.
func (m *StateMachine) checkCutoff(actor Actor, appt *Appointment, op string) error {
	if actor.Role == RoleAdmin {
		return nil
	}
	if m.now().Add(m.cancelCutoff).After(appt.Start) {
		return policyViolation(op+".cutoff", "within %s of the appointment start", m.cancelCutoff)
	}
	return nil
}

func requireAssignedDoctor(actor Actor, appt *Appointment, op string) error {
	if actor.Role == RoleAdmin {
		return nil
	}
	if actor.Role != RoleDoctor || actor.ID != appt.DoctorID {
		return policyViolation(op+".actor", "only the assigned doctor may %s", op)
	}
	return nil
}

func requireParty(actor Actor, appt *Appointment, op string) error {
	switch actor.Role {
	case RoleAdmin:
		return nil
	case RoleDoctor:
		if actor.ID == appt.DoctorID {
			return nil
		}
	case RolePatient:
		if actor.ID == appt.PatientID {
			return nil
		}
	}
	return policyViolation(op+".actor", "only the appointment's doctor or patient may %s", op)
}
