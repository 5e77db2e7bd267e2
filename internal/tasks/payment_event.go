// Package tasks defines the asynq task types that carry payment
// provider events from the webhook receiver to the reconcile worker.
// asynq's redis-backed queue provides the durable at-least-once
// redelivery the reconciler is built to tolerate.
package tasks

import (
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/medconsult/booking-engine/internal/payment"
)

const TypePaymentEvent = "payment:event"

// NewPaymentEventTask wraps a verified provider event for queueing.
func NewPaymentEventTask(ev payment.Event) (*asynq.Task, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypePaymentEvent, b), nil
}

// DecodePaymentEvent unpacks the task payload on the worker side.
func DecodePaymentEvent(task *asynq.Task) (payment.Event, error) {
	var ev payment.Event
	if err := json.Unmarshal(task.Payload(), &ev); err != nil {
		return payment.Event{}, err
	}
	return ev, nil
}
