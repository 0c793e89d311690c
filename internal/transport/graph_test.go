package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/rijsilva/smartzap-dispatch/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func textPayload() Payload {
	return Payload{Type: "text", Body: json.RawMessage(`{"body":"hello"}`)}
}

func TestGraphSender_Success(t *testing.T) {
	var gotPath string
	var gotBody map[string]json.RawMessage

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]string{{"id": "wamid.abc123"}},
		})
	}))
	defer server.Close()

	g := NewGraphSender(server.URL, "token", 5*time.Second, testLogger())
	out := g.Send(context.Background(), "555001", "+5511999990000", textPayload())

	if !out.Success() {
		t.Fatalf("expected success, got %+v", out)
	}
	if out.ProviderMessageID != "wamid.abc123" {
		t.Errorf("message id: got %q", out.ProviderMessageID)
	}
	if gotPath != "/555001/messages" {
		t.Errorf("path: got %q", gotPath)
	}
	if string(gotBody["messaging_product"]) != `"whatsapp"` {
		t.Errorf("messaging_product missing from request body: %v", gotBody)
	}
	if _, ok := gotBody["text"]; !ok {
		t.Errorf("payload body not nested under its type: %v", gotBody)
	}
}

func TestGraphSender_HTTP429IsOverload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	g := NewGraphSender(server.URL, "token", 5*time.Second, testLogger())
	out := g.Send(context.Background(), "555001", "+5511999990000", textPayload())

	if !out.Overload {
		t.Fatalf("expected overload outcome, got %+v", out)
	}
}

func TestGraphSender_ThroughputCodeIsOverload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "rate limit hit", "type": "OAuthException", "code": 130429},
		})
	}))
	defer server.Close()

	g := NewGraphSender(server.URL, "token", 5*time.Second, testLogger())
	out := g.Send(context.Background(), "555001", "+5511999990000", textPayload())

	if !out.Overload {
		t.Fatalf("expected overload for code 130429, got %+v", out)
	}
}

func TestGraphSender_ClassifiesProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"message":    "Message Undeliverable.",
				"type":       "OAuthException",
				"code":       131026,
				"error_data": map[string]string{"details": "recipient is not a valid WhatsApp user"},
			},
		})
	}))
	defer server.Close()

	g := NewGraphSender(server.URL, "token", 5*time.Second, testLogger())
	out := g.Send(context.Background(), "555001", "+5511999990000", textPayload())

	if out.Failure == nil {
		t.Fatalf("expected failure, got %+v", out)
	}
	if out.Failure.Code != 131026 {
		t.Errorf("code: got %d", out.Failure.Code)
	}
	if out.Failure.Category != domain.CategoryPermanent {
		t.Errorf("category: got %s, want permanent", out.Failure.Category)
	}
	if out.Failure.Retryable {
		t.Error("permanent errors must not be retryable")
	}
	if out.Failure.Message != "recipient is not a valid WhatsApp user" {
		t.Errorf("message should prefer error_data.details, got %q", out.Failure.Message)
	}
}

func TestGraphSender_NetworkErrorIsRetryableTransient(t *testing.T) {
	// Point at a server that is already closed.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	g := NewGraphSender(server.URL, "token", time.Second, testLogger())
	out := g.Send(context.Background(), "555001", "+5511999990000", textPayload())

	if out.Failure == nil {
		t.Fatalf("expected failure, got %+v", out)
	}
	if out.Failure.Category != domain.CategoryTransient || !out.Failure.Retryable {
		t.Errorf("network failure should be retryable transient, got %+v", out.Failure)
	}
}

func TestGraphSender_TimeoutIsRetryableTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	g := NewGraphSender(server.URL, "token", 5*time.Second, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	out := g.Send(ctx, "555001", "+5511999990000", textPayload())
	if out.Failure == nil || out.Failure.Category != domain.CategoryTransient {
		t.Errorf("timed-out send should be a transient failure, got %+v", out)
	}
}
