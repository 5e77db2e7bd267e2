package availability

import (
	"time"

	"github.com/google/uuid"
)

type Doctor struct {
	ID        uuid.UUID
	Name      string
	Specialty *string
	Timezone  string
	Verified  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Window is one declared availability rule for a doctor. A recurring
// window has Weekday set; a one-off window has OverrideDate set. On a
// date that carries overrides, the overrides replace every recurring
// window for that date.
type Window struct {
	ID             uuid.UUID
	DoctorID       uuid.UUID
	Weekday        *time.Weekday
	OverrideDate   *time.Time // date only, midnight UTC
	StartMinute    int        // minutes after local midnight
	EndMinute      int
	EffectiveFrom  time.Time  // date only, midnight UTC
	EffectiveUntil *time.Time // nil = open-ended
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Interval is a half-open UTC time range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// Slot is a bookable interval derived from availability minus booked time.
type Slot = Interval

func (iv Interval) Overlaps(other Interval) bool {
	return iv.Start.Before(other.End) && other.Start.Before(iv.End)
}

func (iv Interval) Contains(other Interval) bool {
	return !other.Start.Before(iv.Start) && !other.End.After(iv.End)
}

func (iv Interval) Duration() time.Duration {
	return iv.End.Sub(iv.Start)
}

// AlignedTo reports whether both endpoints sit on a granularity boundary.
func (iv Interval) AlignedTo(granularity time.Duration) bool {
	return iv.Start.Truncate(granularity).Equal(iv.Start) &&
		iv.End.Truncate(granularity).Equal(iv.End)
}

// dateKey collapses a moment to a comparable calendar date in loc.
func dateKey(t time.Time, loc *time.Location) int {
	y, m, d := t.In(loc).Date()
	return y*10000 + int(m)*100 + d
}

// utcDateKey is dateKey for date-only values stored at midnight UTC.
func utcDateKey(t time.Time) int {
	y, m, d := t.UTC().Date()
	return y*10000 + int(m)*100 + d
}
