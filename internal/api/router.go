package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rijsilva/smartzap-dispatch/internal/config"
	"github.com/rijsilva/smartzap-dispatch/internal/engine"
	"github.com/rijsilva/smartzap-dispatch/internal/store"
	"github.com/rijsilva/smartzap-dispatch/internal/throttle"
	"github.com/rijsilva/smartzap-dispatch/internal/worker"
	ws "github.com/rijsilva/smartzap-dispatch/internal/websocket"
)

// RouterDeps carries everything the HTTP surface needs.
type RouterDeps struct {
	Manager  *worker.Manager
	Postgres *store.PostgresStore
	Redis    *store.RedisStore
	Settings *config.SettingsStore
	Alerts   *engine.AccountAlertSink
	Throttle *throttle.AdaptiveThrottle
	Webhooks *WebhookHandler
	Hub      *ws.Hub
}

// NewRouter creates and configures the HTTP router.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// CORS for dashboard
	r.Use(corsMiddleware)

	campaignHandler := NewCampaignHandler(deps.Manager, deps.Postgres, deps.Redis, deps.Settings)
	alertHandler := NewAlertHandler(deps.Alerts)
	rateHandler := NewRateHandler(deps.Throttle)

	// WebSocket endpoint
	r.Get("/ws", deps.Hub.HandleWebSocket)

	// Provider callbacks live outside the versioned API: their path is
	// registered with the provider and never changes.
	r.Get("/webhooks/whatsapp", deps.Webhooks.Verify)
	r.Post("/webhooks/whatsapp", deps.Webhooks.Receive)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", HealthHandler())

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/dispatch", campaignHandler.Dispatch)
			r.Post("/{id}/pause", campaignHandler.Pause)
			r.Post("/{id}/resume", campaignHandler.Resume)
			r.Delete("/{id}/run", campaignHandler.Cancel)
			r.Get("/{id}/stats", campaignHandler.Stats)
		})

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", alertHandler.List)
			r.Delete("/{category}", alertHandler.Dismiss)
		})

		r.Route("/identities", func(r chi.Router) {
			r.Get("/{id}/rate", rateHandler.Get)
			r.Delete("/{id}/rate", rateHandler.Reset)
		})
	})

	return r
}

// corsMiddleware adds CORS headers for dashboard development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
