package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/medconsult/booking-engine/internal/appointment"
	"github.com/medconsult/booking-engine/internal/availability"
	"github.com/medconsult/booking-engine/internal/metrics"
	"github.com/medconsult/booking-engine/internal/payment"
	"github.com/medconsult/booking-engine/pkg/logging"
)

// Handlers bundles the engine components the HTTP surface fronts.
type Handlers struct {
	Index   *availability.Index
	Alloc   *appointment.Allocator
	SM      *appointment.StateMachine
	Rec     *payment.Reconciler
	Metrics *metrics.BookingMetrics
	Log     *logging.Logger
}

// actorFrom reads the caller identity headers. Authentication proper
// sits in front of this service; these headers carry the already
// authenticated principal.
func actorFrom(r *http.Request) (appointment.Actor, bool) {
	id, err := uuid.Parse(r.Header.Get("X-Actor-ID"))
	if err != nil {
		return appointment.Actor{}, false
	}
	role := appointment.Role(r.Header.Get("X-Actor-Role"))
	switch role {
	case appointment.RolePatient, appointment.RoleDoctor, appointment.RoleAdmin:
	default:
		return appointment.Actor{}, false
	}
	return appointment.Actor{ID: id, Role: role}, true
}

func requireActor(w http.ResponseWriter, r *http.Request) (appointment.Actor, bool) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_actor", "X-Actor-ID and X-Actor-Role headers are required")
	}
	return actor, ok
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handlers) listSlots(w http.ResponseWriter, r *http.Request) {
	doctorID, ok := pathUUID(w, r, "doctorID")
	if !ok {
		return
	}

	from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_from", "from must be RFC3339")
		return
	}
	to, err := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_to", "to must be RFC3339")
		return
	}

	slots, err := h.Index.ListBookableSlots(r.Context(), doctorID, from, to)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	out := make([]SlotResponse, 0, len(slots))
	for _, s := range slots {
		out = append(out, SlotResponse{Start: s.Start, End: s.End})
	}
	writeJSON(w, http.StatusOK, map[string]any{"slots": out})
}

func (h *Handlers) addWindow(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	doctorID, ok := pathUUID(w, r, "doctorID")
	if !ok {
		return
	}

	var req AddWindowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	win := availability.Window{
		DoctorID:    doctorID,
		StartMinute: req.StartMinute,
		EndMinute:   req.EndMinute,
	}
	if req.Weekday != nil {
		wd := time.Weekday(*req.Weekday)
		win.Weekday = &wd
	}
	if req.OverrideDate != nil {
		d, err := time.Parse("2006-01-02", *req.OverrideDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_override_date", "override_date must be YYYY-MM-DD")
			return
		}
		win.OverrideDate = &d
	}
	if req.EffectiveFrom != "" {
		d, err := time.Parse("2006-01-02", req.EffectiveFrom)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_effective_from", "effective_from must be YYYY-MM-DD")
			return
		}
		win.EffectiveFrom = d
	}
	if req.EffectiveUntil != nil {
		d, err := time.Parse("2006-01-02", *req.EffectiveUntil)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_effective_until", "effective_until must be YYYY-MM-DD")
			return
		}
		win.EffectiveUntil = &d
	}

	created, err := h.Index.AddWindow(r.Context(), actor.ID, win)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWindowResponse(created))
}

func (h *Handlers) removeWindow(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	windowID, ok := pathUUID(w, r, "windowID")
	if !ok {
		return
	}

	if err := h.Index.RemoveWindow(r.Context(), actor.ID, windowID); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) claimSlot(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireActor(w, r); !ok {
		return
	}

	var req ClaimSlotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	doctorID, err := uuid.Parse(req.DoctorID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
		return
	}
	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
		return
	}

	started := time.Now()
	appt, err := h.Alloc.ClaimSlot(r.Context(), doctorID, patientID, availability.Interval{Start: req.Start, End: req.End})
	if err != nil {
		h.Metrics.ObserveClaim("error", time.Since(started).Seconds())
		writeEngineError(w, err)
		return
	}
	h.Metrics.ObserveClaim("ok", time.Since(started).Seconds())

	writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
}

func (h *Handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "appointmentID")
	if !ok {
		return
	}
	appt, err := h.SM.GetAppointment(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *Handlers) listPatientAppointments(w http.ResponseWriter, r *http.Request) {
	patientID, ok := pathUUID(w, r, "patientID")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	appts, err := h.SM.ListByPatient(r.Context(), patientID, limit, offset)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	out := make([]AppointmentResponse, 0, len(appts))
	for i := range appts {
		out = append(out, toAppointmentResponse(&appts[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"appointments": out})
}

// transition wraps the state machine operations that share the
// actor+version request shape.
func (h *Handlers) transition(
	op string,
	fn func(r *http.Request, actor appointment.Actor, id uuid.UUID, version int64) (*appointment.Appointment, error),
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, r, "appointmentID")
		if !ok {
			return
		}
		var req TransitionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		appt, err := fn(r, actor, id, req.Version)
		if err != nil {
			h.Metrics.ObserveTransition(op, "error")
			writeEngineError(w, err)
			return
		}
		h.Metrics.ObserveTransition(op, "ok")
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func (h *Handlers) approve(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "appointmentID")
	if !ok {
		return
	}
	var req ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	appt, err := h.SM.Approve(r.Context(), actor, id, req.Version, req.RequiresPayment)
	if err != nil {
		h.Metrics.ObserveTransition("approve", "error")
		writeEngineError(w, err)
		return
	}
	h.Metrics.ObserveTransition("approve", "ok")
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *Handlers) reschedule(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "appointmentID")
	if !ok {
		return
	}
	var req RescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	appt, err := h.SM.Reschedule(r.Context(), actor, id, req.Version, availability.Interval{Start: req.Start, End: req.End})
	if err != nil {
		h.Metrics.ObserveTransition("reschedule", "error")
		writeEngineError(w, err)
		return
	}
	h.Metrics.ObserveTransition("reschedule", "ok")
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *Handlers) checkout(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireActor(w, r); !ok {
		return
	}
	id, ok := pathUUID(w, r, "appointmentID")
	if !ok {
		return
	}
	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	if req.ProviderRef == "" {
		writeError(w, http.StatusBadRequest, "missing_provider_ref", "provider_ref is required")
		return
	}

	pay, err := h.Rec.InitiateCheckout(r.Context(), id, req.ProviderRef)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(pay))
}

func (h *Handlers) getPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "paymentID")
	if !ok {
		return
	}
	pay, err := h.Rec.GetPayment(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(pay))
}

func toPaymentResponse(p *payment.Payment) PaymentResponse {
	return PaymentResponse{
		ID:            p.ID,
		AppointmentID: p.AppointmentID,
		ProviderRef:   p.ProviderRef,
		Status:        string(p.Status),
		AmountCents:   p.AmountCents,
		Currency:      p.Currency,
	}
}

func toWindowResponse(w *availability.Window) WindowResponse {
	resp := WindowResponse{
		ID:            w.ID,
		DoctorID:      w.DoctorID,
		StartMinute:   w.StartMinute,
		EndMinute:     w.EndMinute,
		EffectiveFrom: w.EffectiveFrom.Format("2006-01-02"),
	}
	if w.Weekday != nil {
		wd := int(*w.Weekday)
		resp.Weekday = &wd
	}
	if w.OverrideDate != nil {
		d := w.OverrideDate.Format("2006-01-02")
		resp.OverrideDate = &d
	}
	if w.EffectiveUntil != nil {
		d := w.EffectiveUntil.Format("2006-01-02")
		resp.EffectiveUntil = &d
	}
	return resp
}
