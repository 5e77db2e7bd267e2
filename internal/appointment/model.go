package appointment

import (
	"time"

	"github.com/google/uuid"

	"github.com/medconsult/booking-engine/internal/availability"
)

type Status string

const (
	StatusRequested      Status = "requested"
	StatusApproved       Status = "approved"
	StatusPendingPayment Status = "pending_payment"
	StatusConfirmed      Status = "confirmed"
	StatusCompleted      Status = "completed"
	StatusRejected       Status = "rejected"
	StatusCancelled      Status = "cancelled"
)

// OccupiesCalendar reports whether an appointment in this status blocks
// its interval from being booked again.
func (s Status) OccupiesCalendar() bool {
	switch s {
	case StatusRequested, StatusApproved, StatusPendingPayment, StatusConfirmed, StatusCompleted:
		return true
	}
	return false
}

// OccupyingStatuses lists the statuses that count against availability,
// in the order used by queries.
func OccupyingStatuses() []Status {
	return []Status{StatusRequested, StatusApproved, StatusPendingPayment, StatusConfirmed, StatusCompleted}
}

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
)

// Actor identifies who is driving a transition. Identity verification
// happens upstream; the engine only checks role and ownership guards.
type Actor struct {
	ID   uuid.UUID
	Role Role
}

type Appointment struct {
	ID              uuid.UUID
	DoctorID        uuid.UUID
	PatientID       uuid.UUID
	Start           time.Time
	End             time.Time
	Status          Status
	PaymentID       *uuid.UUID
	RescheduledFrom *uuid.UUID
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (a *Appointment) Interval() availability.Interval {
	return availability.Interval{Start: a.Start, End: a.End}
}

// Audit event kinds for appointment transitions.
const (
	EventClaimed          = "appointment.claimed"
	EventApproved         = "appointment.approved"
	EventRejected         = "appointment.rejected"
	EventConfirmed        = "appointment.confirmed"
	EventCompleted        = "appointment.completed"
	EventCancelled        = "appointment.cancelled"
	EventRescheduled      = "appointment.rescheduled"
	EventPaymentRetry     = "appointment.payment_retry"
	EventPaymentExhausted = "appointment.payment_exhausted"
	EventRefundCancelled  = "appointment.refund_cancelled"
	EventExpired          = "appointment.expired"
)
