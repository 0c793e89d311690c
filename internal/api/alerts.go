package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rijsilva/smartzap-dispatch/internal/engine"
)

type AlertHandler struct {
	alerts *engine.AccountAlertSink
}

func NewAlertHandler(alerts *engine.AccountAlertSink) *AlertHandler {
	return &AlertHandler{alerts: alerts}
}

// List returns the currently raised account alerts.
func (h *AlertHandler) List(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.alerts.Active(r.Context()))
}

// Dismiss clears one alert category by hand.
func (h *AlertHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	h.alerts.Clear(r.Context(), category)
	respondJSON(w, http.StatusOK, map[string]string{"category": category, "status": "dismissed"})
}
