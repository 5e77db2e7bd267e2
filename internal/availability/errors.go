package availability

import "fmt"

// InvalidRangeError rejects a malformed or out-of-policy time range:
// inverted bounds, a range beyond the booking horizon, or an interval
// that does not sit on the configured slot granularity.
type InvalidRangeError struct {
	Reason string
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid range: %s", e.Reason)
}

func invalidRange(format string, args ...any) error {
	return &InvalidRangeError{Reason: fmt.Sprintf(format, args...)}
}
