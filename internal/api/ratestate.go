package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rijsilva/smartzap-dispatch/internal/throttle"
)

type RateHandler struct {
	throttle *throttle.AdaptiveThrottle
}

func NewRateHandler(t *throttle.AdaptiveThrottle) *RateHandler {
	return &RateHandler{throttle: t}
}

type rateResponse struct {
	Identity   string  `json:"identity"`
	TargetRate float64 `json:"target_rate"`
}

// Get exposes the identity's current learned rate for the dashboard.
func (h *RateHandler) Get(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "id")
	respondJSON(w, http.StatusOK, rateResponse{
		Identity:   identity,
		TargetRate: h.throttle.TargetRate(r.Context(), identity),
	})
}

// Reset drops the identity's learned state back to the starting rate.
func (h *RateHandler) Reset(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "id")

	if err := h.throttle.Reset(r.Context(), identity); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to reset rate state")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"identity": identity, "status": "reset"})
}
