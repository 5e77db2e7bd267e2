package payment

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medconsult/booking-engine/internal/audit"
	"github.com/medconsult/booking-engine/internal/db"
)

type memPayRepo struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*Payment
	events   map[string]bool
}

func newMemPayRepo() *memPayRepo {
	return &memPayRepo{
		payments: make(map[uuid.UUID]*Payment),
		events:   make(map[string]bool),
	}
}

func (r *memPayRepo) CreatePending(_ context.Context, _ db.DBTX, appointmentID uuid.UUID, amountCents int64, currency string) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	failed := 0
	for _, p := range r.payments {
		if p.AppointmentID == appointmentID && p.Status == StatusFailed {
			failed++
		}
	}
	id := uuid.New()
	r.payments[id] = &Payment{
		ID:            id,
		AppointmentID: appointmentID,
		Status:        StatusPending,
		AmountCents:   amountCents,
		Currency:      currency,
		Attempts:      failed,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	return id, nil
}

func (r *memPayRepo) GetByID(_ context.Context, _ db.DBTX, id uuid.UUID) (*Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memPayRepo) GetByProviderRefForUpdate(_ context.Context, _ db.DBTX, providerRef string) (*Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.ProviderRef != nil && *p.ProviderRef == providerRef {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (r *memPayRepo) GetPendingByAppointmentForUpdate(_ context.Context, _ db.DBTX, appointmentID uuid.UUID) (*Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.AppointmentID == appointmentID && p.Status == StatusPending {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (r *memPayRepo) AttachProviderRef(_ context.Context, _ db.DBTX, id uuid.UUID, providerRef string) (*Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	p.ProviderRef = &providerRef
	cp := *p
	return &cp, nil
}

func (r *memPayRepo) UpdateStatus(_ context.Context, _ db.DBTX, id uuid.UUID, to Status, attempts int) (*Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	p.Status = to
	p.Attempts = attempts
	p.UpdatedAt = time.Now()
	cp := *p
	return &cp, nil
}

func (r *memPayRepo) InsertEvent(_ context.Context, _ db.DBTX, paymentID uuid.UUID, ev Event) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := paymentID.String() + "|" + ev.ProviderEventID
	if r.events[key] {
		return false, nil
	}
	r.events[key] = true
	return true, nil
}

// fakeTransitions records the appointment-side calls the reconciler
// drives.
type fakeTransitions struct {
	mu        sync.Mutex
	succeeded []uuid.UUID
	failed    []int
	refunded  []uuid.UUID
}

func (f *fakeTransitions) ApplyPaymentSucceeded(_ context.Context, _ db.DBTX, appointmentID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.succeeded = append(f.succeeded, appointmentID)
	return nil
}

func (f *fakeTransitions) ApplyPaymentFailed(_ context.Context, _ db.DBTX, _ uuid.UUID, attempts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, attempts)
	return nil
}

func (f *fakeTransitions) ApplyRefund(_ context.Context, _ db.DBTX, appointmentID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunded = append(f.refunded, appointmentID)
	return nil
}

type recEmitter struct {
	mu      sync.Mutex
	records []audit.Record
}

func (e *recEmitter) Record(_ context.Context, _ db.DBTX, rec audit.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = append(e.records, rec)
	return nil
}

func (e *recEmitter) countKind(kind string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, rec := range e.records {
		if rec.EventKind == kind {
			n++
		}
	}
	return n
}

type passRunner struct{}

func (passRunner) InTx(ctx context.Context, fn func(ctx context.Context, tx db.DBTX) error) error {
	return fn(ctx, nil)
}

type nullTrigger struct{}

func (nullTrigger) AppointmentEvent(context.Context, uuid.UUID, string) {}

type reconcilerFixture struct {
	repo          *memPayRepo
	transitions   *fakeTransitions
	emitter       *recEmitter
	rc            *Reconciler
	appointmentID uuid.UUID
	paymentID     uuid.UUID
	providerRef   string
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()

	f := &reconcilerFixture{
		repo:          newMemPayRepo(),
		transitions:   &fakeTransitions{},
		emitter:       &recEmitter{},
		appointmentID: uuid.New(),
		providerRef:   "prov_" + uuid.NewString(),
	}
	f.rc = NewReconciler(f.repo, f.transitions, f.emitter, passRunner{}, nil, nullTrigger{}, nil)

	id, err := f.repo.CreatePending(context.Background(), nil, f.appointmentID, 5000, "usd")
	require.NoError(t, err)
	f.paymentID = id

	_, err = f.repo.AttachProviderRef(context.Background(), nil, id, f.providerRef)
	require.NoError(t, err)

	return f
}

func (f *reconcilerFixture) event(eventID string, status Status) Event {
	return Event{
		ProviderEventID: eventID,
		PaymentRef:      f.providerRef,
		Status:          string(status),
		AmountCents:     5000,
		Currency:        "usd",
		OccurredAt:      time.Now(),
	}
}

func (f *reconcilerFixture) paymentStatus(t *testing.T) Status {
	t.Helper()
	p, err := f.repo.GetByID(context.Background(), nil, f.paymentID)
	require.NoError(t, err)
	return p.Status
}

func TestApplySucceededConfirmsAppointment(t *testing.T) {
	f := newReconcilerFixture(t)

	err := f.rc.Apply(context.Background(), f.event("evt_1", StatusSucceeded))
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, f.paymentStatus(t))
	require.Len(t, f.transitions.succeeded, 1)
	assert.Equal(t, f.appointmentID, f.transitions.succeeded[0])
	assert.Equal(t, 1, f.emitter.countKind(EventSucceeded))
}

func TestApplyDuplicateEventIsNoOp(t *testing.T) {
	f := newReconcilerFixture(t)
	ev := f.event("evt_1", StatusSucceeded)

	require.NoError(t, f.rc.Apply(context.Background(), ev))
	require.NoError(t, f.rc.Apply(context.Background(), ev))

	assert.Equal(t, StatusSucceeded, f.paymentStatus(t))
	assert.Len(t, f.transitions.succeeded, 1, "duplicate must not re-drive the appointment")
	assert.Equal(t, 1, f.emitter.countKind(EventSucceeded))
}

func TestApplyOutOfOrderEventRetainedWithoutEffect(t *testing.T) {
	f := newReconcilerFixture(t)

	require.NoError(t, f.rc.Apply(context.Background(), f.event("evt_1", StatusSucceeded)))

	// A late pending event with a fresh event id lands in the ledger
	// but must not regress the status.
	require.NoError(t, f.rc.Apply(context.Background(), f.event("evt_0", StatusPending)))

	assert.Equal(t, StatusSucceeded, f.paymentStatus(t))
	assert.Len(t, f.transitions.succeeded, 1)

	// The ledger kept both events.
	assert.True(t, f.repo.events[f.paymentID.String()+"|evt_0"])
	assert.True(t, f.repo.events[f.paymentID.String()+"|evt_1"])
}

func TestApplyRefundedCancelsAppointment(t *testing.T) {
	f := newReconcilerFixture(t)

	require.NoError(t, f.rc.Apply(context.Background(), f.event("evt_1", StatusSucceeded)))
	require.NoError(t, f.rc.Apply(context.Background(), f.event("evt_2", StatusRefunded)))

	assert.Equal(t, StatusRefunded, f.paymentStatus(t))
	require.Len(t, f.transitions.refunded, 1)
	assert.Equal(t, f.appointmentID, f.transitions.refunded[0])
}

func TestApplyFailedCountsAttempts(t *testing.T) {
	f := newReconcilerFixture(t)

	require.NoError(t, f.rc.Apply(context.Background(), f.event("evt_1", StatusFailed)))

	assert.Equal(t, StatusFailed, f.paymentStatus(t))
	require.Len(t, f.transitions.failed, 1)
	assert.Equal(t, 1, f.transitions.failed[0])

	p, err := f.repo.GetByID(context.Background(), nil, f.paymentID)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Attempts)

	// failed is terminal: a later succeeded event for the same payment
	// is retained without effect.
	require.NoError(t, f.rc.Apply(context.Background(), f.event("evt_2", StatusSucceeded)))
	assert.Equal(t, StatusFailed, f.paymentStatus(t))
	assert.Empty(t, f.transitions.succeeded)
}

func TestApplyUnknownPaymentRef(t *testing.T) {
	f := newReconcilerFixture(t)

	ev := f.event("evt_1", StatusSucceeded)
	ev.PaymentRef = "prov_missing"

	err := f.rc.Apply(context.Background(), ev)
	var unknown *UnknownAppointmentError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "prov_missing", unknown.PaymentRef)
}

func TestApplyMalformedEvents(t *testing.T) {
	f := newReconcilerFixture(t)

	tests := []struct {
		name   string
		mutate func(*Event)
	}{
		{"missing event id", func(ev *Event) { ev.ProviderEventID = "" }},
		{"missing payment ref", func(ev *Event) { ev.PaymentRef = "" }},
		{"unknown status", func(ev *Event) { ev.Status = "charged_back" }},
		{"negative amount", func(ev *Event) { ev.AmountCents = -1 }},
		{"missing currency", func(ev *Event) { ev.Currency = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := f.event("evt_bad", StatusSucceeded)
			tt.mutate(&ev)

			err := f.rc.Apply(context.Background(), ev)
			var malformedErr *MalformedEventError
			require.ErrorAs(t, err, &malformedErr)
		})
	}

	assert.Equal(t, StatusPending, f.paymentStatus(t))
}

func TestInitiateCheckout(t *testing.T) {
	repo := newMemPayRepo()
	emitter := &recEmitter{}
	rc := NewReconciler(repo, &fakeTransitions{}, emitter, passRunner{}, nil, nullTrigger{}, nil)

	appointmentID := uuid.New()
	_, err := repo.CreatePending(context.Background(), nil, appointmentID, 5000, "usd")
	require.NoError(t, err)

	p, err := rc.InitiateCheckout(context.Background(), appointmentID, "prov_abc")
	require.NoError(t, err)
	require.NotNil(t, p.ProviderRef)
	assert.Equal(t, "prov_abc", *p.ProviderRef)
	assert.Equal(t, 1, emitter.countKind(EventCheckout))

	_, err = rc.InitiateCheckout(context.Background(), appointmentID, "")
	var malformedErr *MalformedEventError
	require.ErrorAs(t, err, &malformedErr)

	_, err = rc.InitiateCheckout(context.Background(), uuid.New(), "prov_xyz")
	require.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestAdvances(t *testing.T) {
	tests := []struct {
		current, incoming Status
		want              bool
	}{
		{StatusPending, StatusSucceeded, true},
		{StatusPending, StatusRefunded, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusPending, false},
		{StatusSucceeded, StatusRefunded, true},
		{StatusSucceeded, StatusPending, false},
		{StatusSucceeded, StatusFailed, false},
		{StatusSucceeded, StatusSucceeded, false},
		{StatusFailed, StatusSucceeded, false},
		{StatusFailed, StatusRefunded, false},
		{StatusRefunded, StatusSucceeded, false},
		{StatusRefunded, StatusRefunded, false},
	}

	for _, tt := range tests {
		name := fmt.Sprintf("%s to %s", tt.current, tt.incoming)
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, advances(tt.current, tt.incoming))
		})
	}
}
