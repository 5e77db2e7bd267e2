package payment

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// latticeRank orders the forward chain pending < succeeded < refunded.
// failed sits outside the chain as a terminal sibling of pending.
var latticeRank = map[Status]int{
	StatusPending:   0,
	StatusSucceeded: 1,
	StatusRefunded:  2,
}

// advances reports whether moving from current to incoming goes forward
// in the status lattice. Out-of-order deliveries that would regress the
// status return false and are kept only in the raw event ledger.
func advances(current, incoming Status) bool {
	if current == StatusFailed {
		return false
	}
	if incoming == StatusFailed {
		return current == StatusPending
	}
	return latticeRank[incoming] > latticeRank[current]
}

type Payment struct {
	ID            uuid.UUID
	AppointmentID uuid.UUID
	ProviderRef   *string
	Status        Status
	AmountCents   int64
	Currency      string
	Attempts      int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Event is the provider envelope handed over by the webhook receiver.
// Signature verification has already happened by the time an Event
// reaches the reconciler.
type Event struct {
	ProviderEventID string    `json:"provider_event_id"`
	PaymentRef      string    `json:"payment_ref"`
	Status          string    `json:"status"`
	AmountCents     int64     `json:"amount_cents"`
	Currency        string    `json:"currency"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// Validate rejects envelopes that can never be applied, regardless of
// how often they are redelivered.
func (e Event) Validate() error {
	if e.ProviderEventID == "" {
		return malformed("missing provider_event_id")
	}
	if e.PaymentRef == "" {
		return malformed("missing payment_ref")
	}
	switch Status(e.Status) {
	case StatusPending, StatusSucceeded, StatusFailed, StatusRefunded:
	default:
		return malformed("unknown status %q", e.Status)
	}
	if e.AmountCents < 0 {
		return malformed("negative amount")
	}
	if e.Currency == "" {
		return malformed("missing currency")
	}
	return nil
}

// Audit event kinds for payment transitions.
const (
	EventCheckout  = "payment.checkout"
	EventSucceeded = "payment.succeeded"
	EventFailed    = "payment.failed"
	EventRefunded  = "payment.refunded"
	EventPending   = "payment.pending"
)
