package appointment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medconsult/booking-engine/internal/availability"
)

func TestClaimSlotCreatesRequestedAppointment(t *testing.T) {
	f := newFixture(t)
	iv := f.slotAt(7, 10)

	appt, err := f.alloc.ClaimSlot(context.Background(), f.doctorID, f.patientID, iv)
	require.NoError(t, err)

	assert.Equal(t, StatusRequested, appt.Status)
	assert.Equal(t, int64(1), appt.Version)
	assert.Equal(t, f.doctorID, appt.DoctorID)
	assert.Equal(t, f.patientID, appt.PatientID)
	assert.Equal(t, iv.Start, appt.Start)
	assert.Equal(t, iv.End, appt.End)
	assert.Nil(t, appt.RescheduledFrom)

	require.Equal(t, 1, f.emitter.countKind(EventClaimed))
	rec := f.emitter.snapshot()[0]
	assert.Equal(t, f.patientID.String(), rec.Actor)
	assert.Equal(t, appt.ID, rec.SubjectID)
}

func TestClaimSlotIntervalValidation(t *testing.T) {
	f := newFixture(t)
	good := f.slotAt(7, 10)

	tests := []struct {
		name string
		iv   availability.Interval
	}{
		{"end before start", availability.Interval{Start: good.End, End: good.Start}},
		{"zero length", availability.Interval{Start: good.Start, End: good.Start}},
		{"off granularity", availability.Interval{Start: good.Start.Add(10 * time.Minute), End: good.End.Add(10 * time.Minute)}},
		{"too long", availability.Interval{Start: good.Start, End: good.Start.Add(3 * time.Hour)}},
		{"in the past", availability.Interval{Start: f.now.Add(-time.Hour), End: f.now.Add(-30 * time.Minute)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.alloc.ClaimSlot(context.Background(), f.doctorID, f.patientID, tt.iv)
			var ire *availability.InvalidRangeError
			require.ErrorAs(t, err, &ire)
		})
	}
}

func TestClaimSlotUnknownPatient(t *testing.T) {
	f := newFixture(t)

	_, err := f.alloc.ClaimSlot(context.Background(), f.doctorID, uuid.New(), f.slotAt(7, 10))
	require.ErrorIs(t, err, availability.ErrPatientNotFound)
}

func TestClaimSlotUnverifiedDoctor(t *testing.T) {
	f := newFixture(t)
	f.avail.doctors[f.doctorID].Verified = false

	_, err := f.alloc.ClaimSlot(context.Background(), f.doctorID, f.patientID, f.slotAt(7, 10))
	require.ErrorIs(t, err, availability.ErrDoctorNotFound)
}

func TestClaimSlotOutsideAvailability(t *testing.T) {
	f := newFixture(t)
	f.avail.clearWindows()

	_, err := f.alloc.ClaimSlot(context.Background(), f.doctorID, f.patientID, f.slotAt(7, 10))

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, ConflictOutsideAvailability, conflict.Reason)

	// Nothing was persisted and no audit record was written.
	assert.Empty(t, f.repo.snapshot())
	assert.Empty(t, f.emitter.snapshot())
}

func TestClaimSlotOverlapConflict(t *testing.T) {
	f := newFixture(t)
	iv := f.slotAt(7, 10)

	_, err := f.alloc.ClaimSlot(context.Background(), f.doctorID, f.patientID, iv)
	require.NoError(t, err)

	// Exact duplicate.
	_, err = f.alloc.ClaimSlot(context.Background(), f.doctorID, f.patientID, iv)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, ConflictSlotTaken, conflict.Reason)

	// Partial overlap: a one-hour claim starting inside the taken slot.
	partial := availability.Interval{Start: iv.Start, End: iv.Start.Add(time.Hour)}
	_, err = f.alloc.ClaimSlot(context.Background(), f.doctorID, f.patientID, partial)
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, ConflictSlotTaken, conflict.Reason)

	// A different doctor's calendar is unaffected.
	otherDoctor := uuid.New()
	f.avail.doctors[otherDoctor] = &availability.Doctor{
		ID: otherDoctor, Timezone: "UTC", Verified: true,
	}
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		day := wd
		f.avail.windows = append(f.avail.windows, availability.Window{
			ID: uuid.New(), DoctorID: otherDoctor, Weekday: &day,
			StartMinute: 0, EndMinute: 24 * 60,
			EffectiveFrom: time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC),
		})
	}
	_, err = f.alloc.ClaimSlot(context.Background(), otherDoctor, f.patientID, iv)
	require.NoError(t, err)
}

func TestConcurrentClaimsOneWinner(t *testing.T) {
	f := newFixture(t)
	iv := f.slotAt(7, 10)

	const racers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.alloc.ClaimSlot(context.Background(), f.doctorID, f.patientID, iv)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			default:
				var conflict *ConflictError
				if errors.As(err, &conflict) {
					conflicts++
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, racers-1, conflicts)
	assert.Equal(t, 1, f.emitter.countKind(EventClaimed))
}
