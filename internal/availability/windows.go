package availability

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const minutesPerDay = 24 * 60

// AddWindow declares a new availability window for a doctor. Only the
// owning doctor may add windows, and only for dates that have not
// passed.
func (ix *Index) AddWindow(ctx context.Context, actorID uuid.UUID, w Window) (*Window, error) {
	if actorID != w.DoctorID {
		return nil, ErrNotWindowOwner
	}
	if err := ix.validateWindowTimes(w); err != nil {
		return nil, err
	}

	doctor, err := ix.repo.GetDoctorByID(ctx, ix.dbx, w.DoctorID)
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(doctor.Timezone)
	if err != nil {
		loc = time.UTC
	}
	today := dateKey(ix.now(), loc)

	if w.OverrideDate != nil {
		if utcDateKey(*w.OverrideDate) < today {
			return nil, ErrPastWindowImmutable
		}
		if err := ix.checkOverrideOverlap(ctx, w); err != nil {
			return nil, err
		}
	} else {
		if utcDateKey(w.EffectiveFrom) < today {
			return nil, ErrPastWindowImmutable
		}
		if err := ix.checkRecurringOverlap(ctx, w); err != nil {
			return nil, err
		}
	}

	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	return ix.repo.InsertWindow(ctx, ix.dbx, w)
}

// RemoveWindow deletes a future window owned by the acting doctor.
func (ix *Index) RemoveWindow(ctx context.Context, actorID, windowID uuid.UUID) error {
	w, err := ix.repo.GetWindowByID(ctx, ix.dbx, windowID)
	if err != nil {
		return err
	}
	if w.DoctorID != actorID {
		return ErrNotWindowOwner
	}

	doctor, err := ix.repo.GetDoctorByID(ctx, ix.dbx, w.DoctorID)
	if err != nil {
		return err
	}
	loc, err := time.LoadLocation(doctor.Timezone)
	if err != nil {
		loc = time.UTC
	}
	today := dateKey(ix.now(), loc)

	if w.OverrideDate != nil && utcDateKey(*w.OverrideDate) < today {
		return ErrPastWindowImmutable
	}
	if w.OverrideDate == nil && w.EffectiveUntil != nil && utcDateKey(*w.EffectiveUntil) < today {
		return ErrPastWindowImmutable
	}

	return ix.repo.DeleteWindow(ctx, ix.dbx, windowID)
}

func (ix *Index) validateWindowTimes(w Window) error {
	if w.StartMinute < 0 || w.EndMinute > minutesPerDay {
		return invalidRange("window minutes must lie within the day")
	}
	if w.StartMinute >= w.EndMinute {
		return invalidRange("window end %d must be after start %d", w.EndMinute, w.StartMinute)
	}

	granMinutes := int(ix.granularity.Minutes())
	if granMinutes > 0 && (w.StartMinute%granMinutes != 0 || w.EndMinute%granMinutes != 0) {
		return invalidRange("window must align to the %s slot granularity", ix.granularity)
	}

	if w.OverrideDate == nil && w.Weekday == nil {
		return invalidRange("window needs either a weekday or an override date")
	}
	if w.OverrideDate != nil && w.Weekday != nil {
		return invalidRange("window cannot have both a weekday and an override date")
	}
	return nil
}

// checkRecurringOverlap rejects a recurring window that collides with an
// existing recurring window on the same weekday. Silent contradictory
// overlap between rules is never allowed; overrides are the one
// sanctioned replacement mechanism.
func (ix *Index) checkRecurringOverlap(ctx context.Context, w Window) error {
	from := w.EffectiveFrom
	to := from.AddDate(0, 0, 7)
	existing, err := ix.repo.ListWindows(ctx, ix.dbx, w.DoctorID, from, to)
	if err != nil {
		return err
	}

	for _, other := range existing {
		if other.Weekday == nil || *other.Weekday != *w.Weekday {
			continue
		}
		if rangesIntersect(w, other) && w.StartMinute < other.EndMinute && other.StartMinute < w.EndMinute {
			return ErrWindowOverlap
		}
	}
	return nil
}

// checkOverrideOverlap rejects an override that collides with another
// override on the same date. Overrides replace the recurring schedule
// wholesale, so only override-vs-override collisions matter here.
func (ix *Index) checkOverrideOverlap(ctx context.Context, w Window) error {
	day := *w.OverrideDate
	existing, err := ix.repo.ListWindows(ctx, ix.dbx, w.DoctorID, day, day.AddDate(0, 0, 1))
	if err != nil {
		return err
	}

	for _, other := range existing {
		if other.OverrideDate == nil || utcDateKey(*other.OverrideDate) != utcDateKey(day) {
			continue
		}
		if w.StartMinute < other.EndMinute && other.StartMinute < w.EndMinute {
			return ErrWindowOverlap
		}
	}
	return nil
}

func rangesIntersect(a, b Window) bool {
	if b.EffectiveUntil != nil && utcDateKey(*b.EffectiveUntil) < utcDateKey(a.EffectiveFrom) {
		return false
	}
	if a.EffectiveUntil != nil && utcDateKey(*a.EffectiveUntil) < utcDateKey(b.EffectiveFrom) {
		return false
	}
	return true
}
