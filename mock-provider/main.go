package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

var requestCount atomic.Int64

// Fake Graph API for local development: accepts message sends, periodically
// answers with rate-limit and error responses, and posts the matching status
// callbacks back to the dispatcher when CALLBACK_URL is set.
func main() {
	port := "9090"
	if p := os.Getenv("PORT"); p != "" {
		port = p
	}
	callbackURL := os.Getenv("CALLBACK_URL") // e.g. http://localhost:8080/webhooks/whatsapp

	// Every Nth request gets a 429; every Mth a permanent failure callback.
	rateLimitEvery := envInt("RATE_LIMIT_EVERY", 25)
	failEvery := envInt("FAIL_EVERY", 40)

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/messages") {
			http.NotFound(w, r)
			return
		}
		count := requestCount.Add(1)

		var req struct {
			To string `json:"to"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		if rateLimitEvery > 0 && count%int64(rateLimitEvery) == 0 {
			logRequest(r, count, 429, req.To)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{
					"code":    130429,
					"type":    "OAuthException",
					"message": "(#130429) Rate limit hit",
				},
			})
			return
		}

		messageID := fmt.Sprintf("wamid.mock-%d", count)
		logRequest(r, count, 200, req.To)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"messaging_product": "whatsapp",
			"messages":          []map[string]string{{"id": messageID}},
		})

		if callbackURL != "" {
			fail := failEvery > 0 && count%int64(failEvery) == 0
			go sendCallbacks(callbackURL, messageID, req.To, fail)
		}
	})

	http.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int64{"total_requests": requestCount.Load()})
	})

	log.Printf("Mock provider starting on :%s", port)
	log.Printf("  POST /v19.0/{phone_id}/messages -> message IDs, 429 every %d", rateLimitEvery)
	log.Printf("  GET  /stats                     -> request count")
	if callbackURL != "" {
		log.Printf("  status callbacks -> %s", callbackURL)
	}

	if err := http.ListenAndServe(":"+port, nil); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// sendCallbacks replays the provider's lifecycle for one message: sent, then
// delivered and read, or a single permanent failure.
func sendCallbacks(url, messageID, recipient string, fail bool) {
	post := func(status string, errors []map[string]any) {
		st := map[string]any{
			"id":           messageID,
			"status":       status,
			"timestamp":    strconv.FormatInt(time.Now().Unix(), 10),
			"recipient_id": recipient,
		}
		if errors != nil {
			st["errors"] = errors
		}
		payload := map[string]any{
			"object": "whatsapp_business_account",
			"entry": []map[string]any{{
				"changes": []map[string]any{{
					"field": "messages",
					"value": map[string]any{"statuses": []map[string]any{st}},
				}},
			}},
		}
		body, _ := json.Marshal(payload)
		resp, err := http.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			log.Printf("callback %s for %s failed: %v", status, messageID, err)
			return
		}
		resp.Body.Close()
	}

	time.Sleep(200 * time.Millisecond)
	post("sent", nil)

	if fail {
		time.Sleep(300 * time.Millisecond)
		post("failed", []map[string]any{{
			"code":    131026,
			"title":   "Message undeliverable",
			"message": "Message undeliverable",
			"error_data": map[string]string{
				"details": "Recipient is not a valid WhatsApp user",
			},
		}})
		return
	}

	time.Sleep(500 * time.Millisecond)
	post("delivered", nil)
	time.Sleep(time.Second)
	post("read", nil)
}

func logRequest(r *http.Request, count int64, status int, to string) {
	fmt.Printf("[#%d] %s %s -> %d | to=%s\n", count, r.Method, r.URL.Path, status, to)
}

func envInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}
