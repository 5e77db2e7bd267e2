package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/hibiken/asynq"

	"github.com/medconsult/booking-engine/internal/metrics"
	"github.com/medconsult/booking-engine/internal/payment"
	"github.com/medconsult/booking-engine/internal/tasks"
	"github.com/medconsult/booking-engine/pkg/logging"
)

const signatureHeader = "X-Payment-Signature"

// Enqueuer is the slice of the task client the webhook needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// WebhookHandler receives provider payment events, verifies the HMAC
// signature over the raw body and hands the envelope to the reconcile
// queue. The provider retries non-2xx responses, so acceptance here
// only means "durably queued", not "applied".
type WebhookHandler struct {
	Secret  string
	Queue   Enqueuer
	Metrics *metrics.BookingMetrics
	Log     *logging.Logger
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable_body", "could not read request body")
		return
	}

	if !h.verify(body, r.Header.Get(signatureHeader)) {
		h.Log.Warn("webhook signature rejected", "remote", r.RemoteAddr)
		writeError(w, http.StatusForbidden, "invalid_signature", "signature verification failed")
		return
	}

	var ev payment.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	if err := ev.Validate(); err != nil {
		h.Metrics.ObservePaymentEvent(ev.Status, "malformed")
		writeEngineError(w, err)
		return
	}

	task, err := tasks.NewPaymentEventTask(ev)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "could not encode event")
		return
	}
	if _, err := h.Queue.EnqueueContext(r.Context(), task); err != nil {
		h.Log.Error("enqueue payment event", "error", err, "provider_event_id", ev.ProviderEventID)
		writeError(w, http.StatusServiceUnavailable, "queue_unavailable", "event not accepted, retry")
		return
	}

	h.Metrics.ObservePaymentEvent(ev.Status, "accepted")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *WebhookHandler) verify(body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.Secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
