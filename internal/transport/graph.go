package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/rijsilva/smartzap-dispatch/internal/domain"
)

// GraphSender sends messages through the WhatsApp Cloud (Graph) API.
// All provider-specific error shapes are normalized here; nothing past this
// boundary inspects a raw Graph payload.
type GraphSender struct {
	httpClient *http.Client
	baseURL    string
	token      string
	logger     *slog.Logger
}

func NewGraphSender(baseURL, token string, timeout time.Duration, logger *slog.Logger) *GraphSender {
	return &GraphSender{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		token:      token,
		logger:     logger,
	}
}

type graphSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		ErrorData struct {
			Details string `json:"details"`
		} `json:"error_data"`
	} `json:"error"`
}

// Send posts one message to {baseURL}/{identity}/messages.
// Network errors and timeouts come back as retryable transient failures; a
// 429 or an explicit throughput code comes back as an overload signal.
func (g *GraphSender) Send(ctx context.Context, identity, recipient string, payload Payload) SendOutcome {
	body := map[string]json.RawMessage{
		"messaging_product": json.RawMessage(`"whatsapp"`),
		"recipient_type":    json.RawMessage(`"individual"`),
		"to":                json.RawMessage(fmt.Sprintf("%q", recipient)),
		"type":              json.RawMessage(fmt.Sprintf("%q", payload.Type)),
		payload.Type:        payload.Body,
	}

	raw, err := json.Marshal(body)
	if err != nil {
		perr := domain.NewTransientError(fmt.Sprintf("encoding request: %v", err))
		perr.Retryable = false // same payload will never encode
		return SendOutcome{Failure: &perr}
	}

	url := fmt.Sprintf("%s/%s/messages", g.baseURL, identity)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		perr := domain.NewTransientError(fmt.Sprintf("building request: %v", err))
		return SendOutcome{Failure: &perr}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.token)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		// Covers timeouts and connection failures; the worker retries these.
		perr := domain.NewTransientError(fmt.Sprintf("request failed: %v", err))
		return SendOutcome{Failure: &perr}
	}
	defer resp.Body.Close()

	// Limit response reads; a misbehaving provider must not balloon memory.
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var parsed graphSendResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		if resp.StatusCode == http.StatusTooManyRequests {
			return SendOutcome{Overload: true}
		}
		perr := domain.NewTransientError(fmt.Sprintf("unreadable response (status %d)", resp.StatusCode))
		return SendOutcome{Failure: &perr}
	}

	if resp.StatusCode < 300 && len(parsed.Messages) > 0 {
		return SendOutcome{ProviderMessageID: parsed.Messages[0].ID}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return SendOutcome{Overload: true}
	}

	if parsed.Error != nil {
		if domain.IsOverloadCode(parsed.Error.Code) {
			g.logger.Warn("provider overload signal",
				"identity", identity,
				"code", parsed.Error.Code,
			)
			return SendOutcome{Overload: true}
		}
		perr := domain.NewProviderError(parsed.Error.Code, parsed.Error.Type, errorMessage(parsed.Error.Message, parsed.Error.ErrorData.Details))
		if perr.Category == domain.CategoryUnknown {
			g.logger.Error("unclassified provider error",
				"code", parsed.Error.Code,
				"type", parsed.Error.Type,
				"message", parsed.Error.Message,
				"details", parsed.Error.ErrorData.Details,
			)
		}
		return SendOutcome{Failure: &perr}
	}

	perr := domain.NewTransientError(fmt.Sprintf("unexpected response (status %d)", resp.StatusCode))
	return SendOutcome{Failure: &perr}
}

func errorMessage(message, details string) string {
	if details != "" {
		return details
	}
	return message
}
