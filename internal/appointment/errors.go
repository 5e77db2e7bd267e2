package appointment

import (
	"fmt"

	"github.com/google/uuid"
)

type ConflictReason string

const (
	// ConflictSlotTaken means another appointment already occupies an
	// overlapping interval. The caller should re-fetch availability and
	// pick a different slot.
	ConflictSlotTaken ConflictReason = "slot_taken"
	// ConflictOutsideAvailability means the interval no longer lies
	// within the doctor's declared availability.
	ConflictOutsideAvailability ConflictReason = "outside_availability"
)

// ConflictError reports a lost slot race or stale availability.
// Recoverable: retry with fresh data. The engine never retries on the
// caller's behalf.
type ConflictError struct {
	Reason ConflictReason
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("slot conflict: %s", e.Reason)
}

// StaleStateError reports an optimistic-concurrency mismatch: the row
// changed since the caller last read it. Recoverable: re-read and retry.
type StaleStateError struct {
	AppointmentID   uuid.UUID
	ExpectedVersion int64
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("appointment %s changed since version %d was observed", e.AppointmentID, e.ExpectedVersion)
}

// PolicyViolationError reports a failed business-rule guard: wrong
// actor, wrong state for the requested transition, or a policy window
// such as the cancellation cutoff. Not retryable.
type PolicyViolationError struct {
	Rule   string
	Detail string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("policy violation (%s): %s", e.Rule, e.Detail)
}

func policyViolation(rule, format string, args ...any) error {
	return &PolicyViolationError{Rule: rule, Detail: fmt.Sprintf(format, args...)}
}
