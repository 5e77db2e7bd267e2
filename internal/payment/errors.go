package payment

import (
	"errors"
	"fmt"
)

var ErrPaymentNotFound = errors.New("payment not found")

// MalformedEventError marks a provider event that violates the
// envelope schema. Redelivery can never fix it; the caller must not
// retry.
type MalformedEventError struct {
	Detail string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed payment event: %s", e.Detail)
}

func malformed(format string, args ...any) error {
	return &MalformedEventError{Detail: fmt.Sprintf(format, args...)}
}

// UnknownAppointmentError marks an event whose payment reference
// matches no payment, and therefore no appointment. Reported for
// operator investigation, not retried.
type UnknownAppointmentError struct {
	PaymentRef string
}

func (e *UnknownAppointmentError) Error() string {
	return fmt.Sprintf("payment event references unknown payment %q", e.PaymentRef)
}
