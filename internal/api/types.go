package api

import (
	"time"

	"github.com/google/uuid"
)

type ClaimSlotRequest struct {
	DoctorID  string    `json:"doctor_id"`
	PatientID string    `json:"patient_id"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

type ApproveRequest struct {
	Version         int64 `json:"version"`
	RequiresPayment bool  `json:"requires_payment"`
}

type TransitionRequest struct {
	Version int64 `json:"version"`
}

type RescheduleRequest struct {
	Version int64     `json:"version"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
}

type CheckoutRequest struct {
	ProviderRef string `json:"provider_ref"`
}

type AddWindowRequest struct {
	Weekday        *int    `json:"weekday,omitempty"`
	OverrideDate   *string `json:"override_date,omitempty"` // YYYY-MM-DD
	StartMinute    int     `json:"start_minute"`
	EndMinute      int     `json:"end_minute"`
	EffectiveFrom  string  `json:"effective_from"` // YYYY-MM-DD
	EffectiveUntil *string `json:"effective_until,omitempty"`
}

type SlotResponse struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type AppointmentResponse struct {
	ID              uuid.UUID  `json:"id"`
	DoctorID        uuid.UUID  `json:"doctor_id"`
	PatientID       uuid.UUID  `json:"patient_id"`
	Start           time.Time  `json:"start"`
	End             time.Time  `json:"end"`
	Status          string     `json:"status"`
	PaymentID       *uuid.UUID `json:"payment_id,omitempty"`
	RescheduledFrom *uuid.UUID `json:"rescheduled_from,omitempty"`
	Version         int64      `json:"version"`
}

type PaymentResponse struct {
	ID            uuid.UUID `json:"id"`
	AppointmentID uuid.UUID `json:"appointment_id"`
	ProviderRef   *string   `json:"provider_ref,omitempty"`
	Status        string    `json:"status"`
	AmountCents   int64     `json:"amount_cents"`
	Currency      string    `json:"currency"`
}

type WindowResponse struct {
	ID             uuid.UUID `json:"id"`
	DoctorID       uuid.UUID `json:"doctor_id"`
	Weekday        *int      `json:"weekday,omitempty"`
	OverrideDate   *string   `json:"override_date,omitempty"`
	StartMinute    int       `json:"start_minute"`
	EndMinute      int       `json:"end_minute"`
	EffectiveFrom  string    `json:"effective_from"`
	EffectiveUntil *string   `json:"effective_until,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
