package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/medconsult/booking-engine/internal/appointment"
	"github.com/medconsult/booking-engine/internal/availability"
	"github.com/medconsult/booking-engine/internal/payment"
	redisclient "github.com/medconsult/booking-engine/internal/redis"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// writeEngineError maps the engine's error taxonomy onto HTTP statuses.
// Retryable conditions (conflict, stale read, busy calendar) come back
// as 409/503 so clients know to re-fetch and retry; policy and
// validation failures are terminal for the request.
func writeEngineError(w http.ResponseWriter, err error) {
	var (
		invalidRange *availability.InvalidRangeError
		conflict     *appointment.ConflictError
		stale        *appointment.StaleStateError
		policy       *appointment.PolicyViolationError
		busy         *redisclient.BusyError
		malformed    *payment.MalformedEventError
		unknownAppt  *payment.UnknownAppointmentError
	)

	switch {
	case errors.As(err, &invalidRange):
		writeError(w, http.StatusBadRequest, "invalid_range", invalidRange.Reason)
	case errors.As(err, &malformed):
		writeError(w, http.StatusBadRequest, "malformed_event", malformed.Detail)
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, "slot_conflict", err.Error())
	case errors.As(err, &stale):
		writeError(w, http.StatusConflict, "stale_state", "appointment changed, re-read and retry")
	case errors.As(err, &policy):
		writeError(w, http.StatusUnprocessableEntity, "policy_violation", policy.Detail)
	case errors.As(err, &busy):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "calendar_busy", "calendar busy, retry shortly")
	case errors.As(err, &unknownAppt):
		writeError(w, http.StatusNotFound, "unknown_payment", err.Error())
	case errors.Is(err, availability.ErrDoctorNotFound):
		writeError(w, http.StatusNotFound, "doctor_not_found", err.Error())
	case errors.Is(err, availability.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, availability.ErrWindowNotFound):
		writeError(w, http.StatusNotFound, "window_not_found", err.Error())
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, payment.ErrPaymentNotFound):
		writeError(w, http.StatusNotFound, "payment_not_found", err.Error())
	case errors.Is(err, availability.ErrNotWindowOwner),
		errors.Is(err, availability.ErrPastWindowImmutable),
		errors.Is(err, availability.ErrWindowOverlap):
		writeError(w, http.StatusUnprocessableEntity, "policy_violation", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected failure")
	}
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:              a.ID,
		DoctorID:        a.DoctorID,
		PatientID:       a.PatientID,
		Start:           a.Start,
		End:             a.End,
		Status:          string(a.Status),
		PaymentID:       a.PaymentID,
		RescheduledFrom: a.RescheduledFrom,
		Version:         a.Version,
	}
}
