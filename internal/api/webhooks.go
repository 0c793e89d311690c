package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rijsilva/smartzap-dispatch/internal/domain"
	"github.com/rijsilva/smartzap-dispatch/internal/engine"
)

// StatusProcessor applies one parsed status callback.
type StatusProcessor interface {
	Process(ctx context.Context, ev engine.StatusEvent) error
}

// OptOutService handles conversational opt-outs from inbound messages.
type OptOutService interface {
	OptOutFromKeyword(ctx context.Context, recipientID, keyword string) error
}

// Inbound keywords that mean "never message me again". Matched
// case-insensitively against the whole trimmed message body.
var optOutKeywords = map[string]struct{}{
	"STOP":     {},
	"PARAR":    {},
	"CANCELAR": {},
	"SAIR":     {},
}

// WebhookHandler receives the provider's callback traffic: the one-time
// subscription verification handshake and the status/message notifications.
type WebhookHandler struct {
	processor   StatusProcessor
	optOuts     OptOutService
	verifyToken string
	logger      *slog.Logger

	// spawn runs the post-ack processing; tests replace it to run inline.
	spawn func(fn func())
}

func NewWebhookHandler(processor StatusProcessor, optOuts OptOutService, verifyToken string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		processor:   processor,
		optOuts:     optOuts,
		verifyToken: verifyToken,
		logger:      logger,
		spawn:       func(fn func()) { go fn() },
	}
}

// Verify answers the provider's GET handshake: echo hub.challenge when the
// verify token matches, 403 otherwise.
func (h *WebhookHandler) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != h.verifyToken {
		respondError(w, http.StatusForbidden, "verification failed")
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(q.Get("hub.challenge")))
}

// Webhook notification payload, reduced to the fields we act on.
type webhookPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Statuses []webhookStatus  `json:"statuses"`
				Messages []webhookMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type webhookStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"` // unix seconds as a string
	RecipientID string `json:"recipient_id"`
	Errors      []struct {
		Code      int    `json:"code"`
		Title     string `json:"title"`
		Message   string `json:"message"`
		ErrorData struct {
			Details string `json:"details"`
		} `json:"error_data"`
	} `json:"errors"`
}

type webhookMessage struct {
	From string `json:"from"`
	Type string `json:"type"`
	Text struct {
		Body string `json:"body"`
	} `json:"text"`
}

// Receive acks the notification immediately and processes it afterwards.
// The provider retries on non-200 and on slow responses, and the processing
// is idempotent, so a fast ack plus background work is the safe shape.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	var payload webhookPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	w.WriteHeader(http.StatusOK)

	h.spawn(func() {
		// The request context dies with the ack; processing gets its own.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		h.handle(ctx, payload)
	})
}

func (h *WebhookHandler) handle(ctx context.Context, payload webhookPayload) {
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, st := range change.Value.Statuses {
				h.handleStatus(ctx, st)
			}
			for _, msg := range change.Value.Messages {
				h.handleMessage(ctx, msg)
			}
		}
	}
}

func (h *WebhookHandler) handleStatus(ctx context.Context, st webhookStatus) {
	status, ok := domain.ParseStatus(st.Status)
	if !ok {
		h.logger.Debug("unknown callback status", "status", st.Status, "provider_message_id", st.ID)
		return
	}

	ev := engine.StatusEvent{
		ProviderMessageID: st.ID,
		Status:            status,
		Timestamp:         parseCallbackTimestamp(st.Timestamp),
	}
	if status == domain.StatusFailed && len(st.Errors) > 0 {
		first := st.Errors[0]
		message := first.Message
		if first.ErrorData.Details != "" {
			message = first.ErrorData.Details
		}
		perr := domain.NewProviderError(first.Code, first.Title, message)
		ev.Error = &perr
	}

	if err := h.processor.Process(ctx, ev); err != nil {
		h.logger.Error("status callback processing failed",
			"error", err,
			"provider_message_id", st.ID,
			"status", st.Status,
		)
	}
}

func (h *WebhookHandler) handleMessage(ctx context.Context, msg webhookMessage) {
	if msg.Type != "text" {
		return
	}
	keyword := strings.ToUpper(strings.TrimSpace(msg.Text.Body))
	if _, ok := optOutKeywords[keyword]; !ok {
		return
	}

	if err := h.optOuts.OptOutFromKeyword(ctx, msg.From, keyword); err != nil {
		h.logger.Error("keyword opt-out failed", "error", err, "from", msg.From)
	}
}

func parseCallbackTimestamp(s string) time.Time {
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil || secs <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}
