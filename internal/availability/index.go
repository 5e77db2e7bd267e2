package availability

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/medconsult/booking-engine/internal/db"
)

// Index turns declared availability windows into concrete bookable
// slots: recurrence expanded at the configured granularity, overrides
// replacing recurring windows on their date, occupied time subtracted.
// All arithmetic happens in the doctor's timezone; results come back as
// UTC instants.
type Index struct {
	repo        Repository
	busy        BusyLister
	dbx         db.DBTX
	granularity time.Duration
	horizon     time.Duration
	now         func() time.Time
}

func NewIndex(repo Repository, busy BusyLister, dbx db.DBTX, granularity, horizon time.Duration) *Index {
	return &Index{
		repo:        repo,
		busy:        busy,
		dbx:         dbx,
		granularity: granularity,
		horizon:     horizon,
		now:         time.Now,
	}
}

// ListBookableSlots returns the free slots for a doctor between from and
// to, ordered by start time. Unverified doctors expose no slots at all.
func (ix *Index) ListBookableSlots(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]Slot, error) {
	if !to.After(from) {
		return nil, invalidRange("range end %s is not after start %s", to, from)
	}
	if to.Sub(from) > ix.horizon {
		return nil, invalidRange("range exceeds booking horizon of %s", ix.horizon)
	}

	doctor, err := ix.repo.GetDoctorByID(ctx, ix.dbx, doctorID)
	if err != nil {
		return nil, err
	}
	if !doctor.Verified {
		return nil, nil
	}

	loc, err := time.LoadLocation(doctor.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load doctor timezone %q: %w", doctor.Timezone, err)
	}

	open, err := ix.expandWindows(ctx, ix.dbx, doctor, loc, from, to)
	if err != nil {
		return nil, err
	}

	occupied, err := ix.busy.ListOccupied(ctx, ix.dbx, doctorID, from, to)
	if err != nil {
		return nil, err
	}

	now := ix.now()
	var slots []Slot
	for _, window := range open {
		for start := window.Start; !start.Add(ix.granularity).After(window.End); start = start.Add(ix.granularity) {
			slot := Slot{Start: start, End: start.Add(ix.granularity)}
			if slot.Start.Before(from) || slot.End.After(to) {
				continue
			}
			if !slot.Start.After(now) {
				continue
			}
			if overlapsAny(slot, occupied) {
				continue
			}
			slots = append(slots, slot)
		}
	}

	sort.Slice(slots, func(i, j int) bool { return slots[i].Start.Before(slots[j].Start) })
	return slots, nil
}

// Covers reports whether iv lies entirely inside the doctor's current
// availability, ignoring occupancy. Used to re-validate a claim after
// the client's slot listing may have gone stale.
func (ix *Index) Covers(ctx context.Context, dbx db.DBTX, doctor *Doctor, iv Interval) (bool, error) {
	loc, err := time.LoadLocation(doctor.Timezone)
	if err != nil {
		return false, fmt.Errorf("load doctor timezone %q: %w", doctor.Timezone, err)
	}

	// Pad a day on both sides so windows from neighbouring local dates
	// are in scope.
	open, err := ix.expandWindows(ctx, dbx, doctor, loc, iv.Start.Add(-24*time.Hour), iv.End.Add(24*time.Hour))
	if err != nil {
		return false, err
	}

	for _, window := range open {
		if window.Contains(iv) {
			return true, nil
		}
	}
	return false, nil
}

// expandWindows materializes the raw open intervals (not yet chopped to
// granularity) for every local date touching [from, to).
func (ix *Index) expandWindows(ctx context.Context, dbx db.DBTX, doctor *Doctor, loc *time.Location, from, to time.Time) ([]Interval, error) {
	windows, err := ix.repo.ListWindows(ctx, dbx, doctor.ID, from, to)
	if err != nil {
		return nil, err
	}
	if len(windows) == 0 {
		return nil, nil
	}

	var out []Interval
	fromLocal := from.In(loc)
	toLocal := to.In(loc)

	for day := startOfDay(fromLocal); day.Before(toLocal); day = day.AddDate(0, 0, 1) {
		key := dateKey(day, loc)

		var overrides, recurring []Window
		for _, w := range windows {
			if !effectiveOn(w, key) {
				continue
			}
			switch {
			case w.OverrideDate != nil:
				if utcDateKey(*w.OverrideDate) == key {
					overrides = append(overrides, w)
				}
			case w.Weekday != nil:
				if *w.Weekday == day.Weekday() {
					recurring = append(recurring, w)
				}
			}
		}

		// Overrides replace, never merge with, the recurring windows.
		active := recurring
		if len(overrides) > 0 {
			active = overrides
		}

		y, m, d := day.Date()
		for _, w := range active {
			start := time.Date(y, m, d, 0, w.StartMinute, 0, 0, loc).UTC()
			end := time.Date(y, m, d, 0, w.EndMinute, 0, 0, loc).UTC()
			if end.After(start) {
				out = append(out, Interval{Start: start, End: end})
			}
		}
	}

	return mergeIntervals(out), nil
}

func effectiveOn(w Window, key int) bool {
	if utcDateKey(w.EffectiveFrom) > key {
		return false
	}
	if w.EffectiveUntil != nil && utcDateKey(*w.EffectiveUntil) < key {
		return false
	}
	return true
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func overlapsAny(iv Interval, others []Interval) bool {
	for _, o := range others {
		if iv.Overlaps(o) {
			return true
		}
	}
	return false
}

// mergeIntervals sorts and coalesces overlapping or adjacent intervals.
func mergeIntervals(ivs []Interval) []Interval {
	if len(ivs) < 2 {
		return ivs
	}
	sort.Slice(ivs, func(i, j int) bool { return ivs[i].Start.Before(ivs[j].Start) })

	merged := []Interval{ivs[0]}
	for _, iv := range ivs[1:] {
		last := &merged[len(merged)-1]
		if !iv.Start.After(last.End) {
			if iv.End.After(last.End) {
				last.End = iv.End
			}
			continue
		}
		merged = append(merged, iv)
	}
	return merged
}
