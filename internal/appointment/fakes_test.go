package appointment

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/medconsult/booking-engine/internal/audit"
	"github.com/medconsult/booking-engine/internal/availability"
	"github.com/medconsult/booking-engine/internal/db"
)

// memRepo is an in-memory Repository that mirrors the storage
// semantics the engine relies on: the overlap constraint over
// calendar-occupying rows and the version check on Transition.
type memRepo struct {
	mu    sync.Mutex
	appts map[uuid.UUID]*Appointment
}

func newMemRepo() *memRepo {
	return &memRepo{appts: make(map[uuid.UUID]*Appointment)}
}

func (r *memRepo) snapshot() map[uuid.UUID]Appointment {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := make(map[uuid.UUID]Appointment, len(r.appts))
	for id, a := range r.appts {
		snap[id] = *a
	}
	return snap
}

func (r *memRepo) restore(snap map[uuid.UUID]Appointment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appts = make(map[uuid.UUID]*Appointment, len(snap))
	for id, a := range snap {
		cp := a
		r.appts[id] = &cp
	}
}

func (r *memRepo) put(a Appointment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := a
	r.appts[a.ID] = &cp
}

func (r *memRepo) GetByID(_ context.Context, _ db.DBTX, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *memRepo) GetByIDForUpdate(ctx context.Context, dbx db.DBTX, id uuid.UUID) (*Appointment, error) {
	return r.GetByID(ctx, dbx, id)
}

func (r *memRepo) Insert(_ context.Context, _ db.DBTX, a Appointment) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	iv := availability.Interval{Start: a.Start, End: a.End}
	for _, other := range r.appts {
		if other.DoctorID == a.DoctorID && other.Status.OccupiesCalendar() && other.Interval().Overlaps(iv) {
			return nil, &ConflictError{Reason: ConflictSlotTaken}
		}
	}

	a.Version = 1
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	cp := a
	r.appts[a.ID] = &cp
	out := a
	return &out, nil
}

func (r *memRepo) Transition(_ context.Context, _ db.DBTX, id uuid.UUID, expectedVersion int64, to Status) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if a.Version != expectedVersion {
		return nil, &StaleStateError{AppointmentID: id, ExpectedVersion: expectedVersion}
	}

	a.Status = to
	a.Version++
	a.UpdatedAt = time.Now()
	cp := *a
	return &cp, nil
}

func (r *memRepo) SetPaymentID(_ context.Context, _ db.DBTX, id, paymentID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appts[id]
	if !ok {
		return ErrAppointmentNotFound
	}
	a.PaymentID = &paymentID
	return nil
}

func (r *memRepo) HasOverlapping(_ context.Context, _ db.DBTX, doctorID uuid.UUID, iv availability.Interval) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.appts {
		if a.DoctorID == doctorID && a.Status.OccupiesCalendar() && a.Interval().Overlaps(iv) {
			return true, nil
		}
	}
	return false, nil
}

func (r *memRepo) ListOccupied(_ context.Context, _ db.DBTX, doctorID uuid.UUID, from, to time.Time) ([]availability.Interval, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	window := availability.Interval{Start: from, End: to}
	var out []availability.Interval
	for _, a := range r.appts {
		if a.DoctorID == doctorID && a.Status.OccupiesCalendar() && a.Interval().Overlaps(window) {
			out = append(out, a.Interval())
		}
	}
	return out, nil
}

func (r *memRepo) ListStalePendingPayment(_ context.Context, _ db.DBTX, cutoff time.Time) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Appointment
	for _, a := range r.appts {
		if a.Status == StatusPendingPayment && !a.UpdatedAt.After(cutoff) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (r *memRepo) ListByPatient(_ context.Context, _ db.DBTX, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Appointment
	for _, a := range r.appts {
		if a.PatientID == patientID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.After(out[j].Start) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) ListByDoctor(_ context.Context, _ db.DBTX, doctorID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	window := availability.Interval{Start: from, End: to}
	var out []Appointment
	for _, a := range r.appts {
		if a.DoctorID == doctorID && a.Interval().Overlaps(window) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// availRepo is an in-memory availability.Repository.
type availRepo struct {
	mu       sync.Mutex
	doctors  map[uuid.UUID]*availability.Doctor
	patients map[uuid.UUID]*availability.Patient
	windows  []availability.Window
}

func newAvailRepo() *availRepo {
	return &availRepo{
		doctors:  make(map[uuid.UUID]*availability.Doctor),
		patients: make(map[uuid.UUID]*availability.Patient),
	}
}

func (r *availRepo) GetDoctorByID(_ context.Context, _ db.DBTX, id uuid.UUID) (*availability.Doctor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.doctors[id]
	if !ok {
		return nil, availability.ErrDoctorNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *availRepo) GetPatientByID(_ context.Context, _ db.DBTX, id uuid.UUID) (*availability.Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.patients[id]
	if !ok {
		return nil, availability.ErrPatientNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *availRepo) ListWindows(_ context.Context, _ db.DBTX, doctorID uuid.UUID, _, _ time.Time) ([]availability.Window, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []availability.Window
	for _, w := range r.windows {
		if w.DoctorID == doctorID {
			out = append(out, w)
		}
	}
	return out, nil
}

func (r *availRepo) GetWindowByID(_ context.Context, _ db.DBTX, id uuid.UUID) (*availability.Window, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.windows {
		if w.ID == id {
			cp := w
			return &cp, nil
		}
	}
	return nil, availability.ErrWindowNotFound
}

func (r *availRepo) InsertWindow(_ context.Context, _ db.DBTX, w availability.Window) (*availability.Window, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.windows = append(r.windows, w)
	cp := w
	return &cp, nil
}

func (r *availRepo) DeleteWindow(_ context.Context, _ db.DBTX, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, w := range r.windows {
		if w.ID == id {
			r.windows = append(r.windows[:i], r.windows[i+1:]...)
			return nil
		}
	}
	return availability.ErrWindowNotFound
}

func (r *availRepo) clearWindows() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.windows = nil
}

// serialLocker serializes sections the same way the redis calendar lock
// does, keyed per doctor.
type serialLocker struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func newSerialLocker() *serialLocker {
	return &serialLocker{locks: make(map[uuid.UUID]*sync.Mutex)}
}

func (l *serialLocker) WithCalendarLock(ctx context.Context, doctorID uuid.UUID, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	m, ok := l.locks[doctorID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[doctorID] = m
	}
	l.mu.Unlock()

	m.Lock()
	defer m.Unlock()
	return fn(ctx)
}

// snapRunner gives the fakes transactional semantics: on error the
// repository and the audit trail roll back to their pre-tx state.
type snapRunner struct {
	mu      sync.Mutex
	repo    *memRepo
	emitter *recEmitter
}

func (r *snapRunner) InTx(ctx context.Context, fn func(ctx context.Context, tx db.DBTX) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	repoSnap := r.repo.snapshot()
	auditSnap := r.emitter.snapshot()
	if err := fn(ctx, nil); err != nil {
		r.repo.restore(repoSnap)
		r.emitter.restore(auditSnap)
		return err
	}
	return nil
}

// recEmitter collects audit records.
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

func (e *recEmitter) snapshot() []audit.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]audit.Record(nil), e.records...)
}

func (e *recEmitter) restore(snap []audit.Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = snap
}

func (e *recEmitter) kinds() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.records))
	for _, rec := range e.records {
		out = append(out, rec.EventKind)
	}
	return out
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

// fakePayments records CreatePending calls.
type fakePayments struct {
	mu    sync.Mutex
	calls []struct {
		AppointmentID uuid.UUID
		AmountCents   int64
		Currency      string
	}
}

func (p *fakePayments) CreatePending(_ context.Context, _ db.DBTX, appointmentID uuid.UUID, amountCents int64, currency string) (uuid.UUID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, struct {
		AppointmentID uuid.UUID
		AmountCents   int64
		Currency      string
	}{appointmentID, amountCents, currency})
	return uuid.New(), nil
}

// countTrigger counts post-commit notification triggers.
type countTrigger struct {
	mu     sync.Mutex
	events []string
}

func (n *countTrigger) AppointmentEvent(_ context.Context, _ uuid.UUID, eventKind string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, eventKind)
}

// fixture wires the allocator and state machine over the fakes with a
// verified doctor who is available around the clock.
type fixture struct {
	repo      *memRepo
	avail     *availRepo
	index     *availability.Index
	alloc     *Allocator
	sm        *StateMachine
	emitter   *recEmitter
	pays      *fakePayments
	notifier  *countTrigger
	doctorID  uuid.UUID
	patientID uuid.UUID
	now       time.Time
}

func (f *fixture) doctor() Actor  { return Actor{ID: f.doctorID, Role: RoleDoctor} }
func (f *fixture) patient() Actor { return Actor{ID: f.patientID, Role: RolePatient} }

var fixtureNow = time.Date(2026, time.September, 1, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		repo:      newMemRepo(),
		avail:     newAvailRepo(),
		emitter:   &recEmitter{},
		pays:      &fakePayments{},
		notifier:  &countTrigger{},
		doctorID:  uuid.New(),
		patientID: uuid.New(),
		now:       fixtureNow,
	}

	f.avail.doctors[f.doctorID] = &availability.Doctor{
		ID:       f.doctorID,
		Name:     "Dr. Okafor",
		Timezone: "UTC",
		Verified: true,
	}
	f.avail.patients[f.patientID] = &availability.Patient{
		ID:   f.patientID,
		Name: "Sam Byrne",
	}

	effectiveFrom := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		day := wd
		f.avail.windows = append(f.avail.windows, availability.Window{
			ID:            uuid.New(),
			DoctorID:      f.doctorID,
			Weekday:       &day,
			StartMinute:   0,
			EndMinute:     24 * 60,
			EffectiveFrom: effectiveFrom,
		})
	}

	runner := &snapRunner{repo: f.repo, emitter: f.emitter}
	locker := newSerialLocker()

	f.index = availability.NewIndex(f.avail, f.repo, nil, 30*time.Minute, 60*24*time.Hour)
	f.alloc = NewAllocator(f.repo, f.avail, f.index, f.emitter, locker, runner, nil, AllocatorConfig{
		Granularity: 30 * time.Minute,
		MaxSpan:     2 * time.Hour,
	})
	f.alloc.now = func() time.Time { return f.now }

	f.sm = NewStateMachine(f.repo, f.pays, f.emitter, locker, runner, nil, f.alloc, f.notifier, nil, StateMachineConfig{
		CancelCutoff:       24 * time.Hour,
		PendingPaymentTTL:  30 * time.Minute,
		PaymentMaxAttempts: 3,
		FeeCents:           5000,
		Currency:           "usd",
	})
	f.sm.now = func() time.Time { return f.now }

	return f
}

// slotAt returns a 30-minute interval n days out from the fixture clock,
// aligned to the half hour.
func (f *fixture) slotAt(days int, hour int) availability.Interval {
	start := time.Date(2026, time.September, 1+days, hour, 0, 0, 0, time.UTC)
	return availability.Interval{Start: start, End: start.Add(30 * time.Minute)}
}
