// Package notify holds the trigger hook invoked after a committed
// transition. Delivery mechanics live elsewhere; a failed trigger is
// logged and never affects the already-committed state change.
package notify

import (
	"context"

	"github.com/google/uuid"

	"github.com/medconsult/booking-engine/pkg/logging"
)

// Trigger is invoked once per committed appointment transition.
type Trigger interface {
	AppointmentEvent(ctx context.Context, appointmentID uuid.UUID, eventKind string)
}

// LogTrigger records the trigger in the structured log. It stands in
// for the real notification collaborator in workers and tests.
type LogTrigger struct {
	log *logging.Logger
}

func NewLogTrigger(log *logging.Logger) *LogTrigger {
	if log == nil {
		log = logging.Default()
	}
	return &LogTrigger{log: log}
}

func (t *LogTrigger) AppointmentEvent(ctx context.Context, appointmentID uuid.UUID, eventKind string) {
	t.log.InfoContext(ctx, "notification trigger",
		"appointment_id", appointmentID.String(),
		"event_kind", eventKind,
	)
}
