package payment

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/medconsult/booking-engine/internal/audit"
	"github.com/medconsult/booking-engine/internal/db"
	"github.com/medconsult/booking-engine/internal/notify"
	"github.com/medconsult/booking-engine/pkg/logging"
)

// AppointmentTransitions is the slice of the state machine the
// reconciler drives. Each call runs inside the reconciler's
// transaction.
type AppointmentTransitions interface {
	ApplyPaymentSucceeded(ctx context.Context, tx db.DBTX, appointmentID uuid.UUID) error
	ApplyPaymentFailed(ctx context.Context, tx db.DBTX, appointmentID uuid.UUID, attempts int) error
	ApplyRefund(ctx context.Context, tx db.DBTX, appointmentID uuid.UUID) error
}

// Reconciler applies provider payment events. Events arrive at least
// once and possibly out of order; application is idempotent per
// provider event id and monotonic over the status lattice.
type Reconciler struct {
	repo     Repository
	appts    AppointmentTransitions
	emitter  audit.Emitter
	runner   db.TxRunner
	dbx      db.DBTX
	notifier notify.Trigger
	log      *logging.Logger
}

func NewReconciler(
	repo Repository,
	appts AppointmentTransitions,
	emitter audit.Emitter,
	runner db.TxRunner,
	dbx db.DBTX,
	notifier notify.Trigger,
	log *logging.Logger,
) *Reconciler {
	if log == nil {
		log = logging.Default()
	}
	return &Reconciler{
		repo:     repo,
		appts:    appts,
		emitter:  emitter,
		runner:   runner,
		dbx:      dbx,
		notifier: notifier,
		log:      log,
	}
}

// GetPayment is a plain read used by the API surface.
func (rc *Reconciler) GetPayment(ctx context.Context, id uuid.UUID) (*Payment, error) {
	return rc.repo.GetByID(ctx, rc.dbx, id)
}

// Apply processes one provider event. Duplicates and lattice
// regressions are recorded in the raw ledger and succeed as no-ops;
// everything else commits the payment update, the appointment
// transition and the audit record atomically.
func (rc *Reconciler) Apply(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	var (
		appointmentID uuid.UUID
		appliedKind   string
	)

	err := rc.runner.InTx(ctx, func(ctx context.Context, tx db.DBTX) error {
		p, err := rc.repo.GetByProviderRefForUpdate(ctx, tx, ev.PaymentRef)
		if err != nil {
			if errors.Is(err, ErrPaymentNotFound) {
				return &UnknownAppointmentError{PaymentRef: ev.PaymentRef}
			}
			return err
		}

		inserted, err := rc.repo.InsertEvent(ctx, tx, p.ID, ev)
		if err != nil {
			return err
		}
		if !inserted {
			rc.log.InfoContext(ctx, "duplicate payment event ignored",
				"payment_id", p.ID.String(),
				"provider_event_id", ev.ProviderEventID,
			)
			return nil
		}

		incoming := Status(ev.Status)
		if !advances(p.Status, incoming) {
			// Late or regressive delivery: keep the raw event, never
			// move the effective status backward.
			rc.log.WarnContext(ctx, "out-of-order payment event retained without effect",
				"payment_id", p.ID.String(),
				"current_status", string(p.Status),
				"event_status", ev.Status,
			)
			return nil
		}

		attempts := p.Attempts
		if incoming == StatusFailed {
			attempts++
		}

		if _, err := rc.repo.UpdateStatus(ctx, tx, p.ID, incoming, attempts); err != nil {
			return err
		}

		switch incoming {
		case StatusSucceeded:
			err = rc.appts.ApplyPaymentSucceeded(ctx, tx, p.AppointmentID)
			appliedKind = EventSucceeded
		case StatusFailed:
			err = rc.appts.ApplyPaymentFailed(ctx, tx, p.AppointmentID, attempts)
			appliedKind = EventFailed
		case StatusRefunded:
			err = rc.appts.ApplyRefund(ctx, tx, p.AppointmentID)
			appliedKind = EventRefunded
		default:
			appliedKind = EventPending
		}
		if err != nil {
			return err
		}

		appointmentID = p.AppointmentID

		return rc.emitter.Record(ctx, tx, audit.Record{
			Actor:       audit.SystemActor,
			SubjectType: audit.SubjectPayment,
			SubjectID:   p.ID,
			EventKind:   appliedKind,
			BeforeState: string(p.Status),
			AfterState:  string(incoming),
		})
	})
	if err != nil {
		return err
	}

	if appliedKind != "" {
		rc.notifier.AppointmentEvent(context.WithoutCancel(ctx), appointmentID, appliedKind)
	}
	return nil
}

// InitiateCheckout attaches the provider's reference to the open
// payment of an appointment once a checkout session has been created
// upstream.
func (rc *Reconciler) InitiateCheckout(ctx context.Context, appointmentID uuid.UUID, providerRef string) (*Payment, error) {
	if providerRef == "" {
		return nil, malformed("missing provider reference")
	}

	var attached *Payment
	err := rc.runner.InTx(ctx, func(ctx context.Context, tx db.DBTX) error {
		p, err := rc.repo.GetPendingByAppointmentForUpdate(ctx, tx, appointmentID)
		if err != nil {
			return err
		}

		attached, err = rc.repo.AttachProviderRef(ctx, tx, p.ID, providerRef)
		if err != nil {
			return err
		}

		return rc.emitter.Record(ctx, tx, audit.Record{
			Actor:       audit.SystemActor,
			SubjectType: audit.SubjectPayment,
			SubjectID:   p.ID,
			EventKind:   EventCheckout,
			BeforeState: string(StatusPending),
			AfterState:  string(StatusPending),
		})
	})
	if err != nil {
		return nil, err
	}

	return attached, nil
}
