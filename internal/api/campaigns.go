package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rijsilva/smartzap-dispatch/internal/config"
	"github.com/rijsilva/smartzap-dispatch/internal/store"
	"github.com/rijsilva/smartzap-dispatch/internal/transport"
	"github.com/rijsilva/smartzap-dispatch/internal/worker"
)

type CampaignHandler struct {
	manager  *worker.Manager
	pg       *store.PostgresStore
	flags    *store.RedisStore
	settings *config.SettingsStore
}

func NewCampaignHandler(manager *worker.Manager, pg *store.PostgresStore, flags *store.RedisStore, settings *config.SettingsStore) *CampaignHandler {
	return &CampaignHandler{manager: manager, pg: pg, flags: flags, settings: settings}
}

type dispatchRequest struct {
	CampaignID string             `json:"campaign_id"`
	Identity   string             `json:"identity"` // sending phone number ID
	Recipients []worker.Recipient `json:"recipients"`
	Message    struct {
		Type string          `json:"type"`
		Body json.RawMessage `json:"body"`
	} `json:"message"`
}

type dispatchResponse struct {
	CampaignID string `json:"campaign_id"`
	Recipients int    `json:"recipients"`
	Status     string `json:"status"`
}

// Dispatch validates the request and launches the campaign run in the
// background. Re-submitting a finished campaign is safe: recipients that
// already left pending are skipped by the conditional inserts.
func (h *CampaignHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.CampaignID == "" {
		respondError(w, http.StatusBadRequest, "campaign_id is required")
		return
	}
	if req.Identity == "" {
		respondError(w, http.StatusBadRequest, "identity is required")
		return
	}
	if len(req.Recipients) == 0 {
		respondError(w, http.StatusBadRequest, "at least one recipient is required")
		return
	}
	for _, rec := range req.Recipients {
		if rec.ID == "" || rec.Phone == "" {
			respondError(w, http.StatusBadRequest, "every recipient needs id and phone")
			return
		}
	}
	if req.Message.Type == "" || len(req.Message.Body) == 0 || !json.Valid(req.Message.Body) {
		respondError(w, http.StatusBadRequest, "message needs a type and a valid JSON body")
		return
	}

	// A fresh dispatch always starts unpaused.
	if err := h.flags.SetPaused(r.Context(), req.CampaignID, false); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to clear pause flag")
		return
	}

	settings := h.settings.Load(r.Context())
	payload := transport.Payload{Type: req.Message.Type, Body: req.Message.Body}

	launched := h.manager.Launch(worker.RunInput{
		CampaignID:  req.CampaignID,
		Identity:    req.Identity,
		Recipients:  req.Recipients,
		Payload:     func(worker.Recipient) transport.Payload { return payload },
		Concurrency: settings.Concurrency,
		BatchSize:   settings.BatchSize,
		RetryCount:  settings.RetryCount,
		RetryDelay:  settings.RetryDelay(),
		SendTimeout: settings.SendTimeout(),
	})
	if !launched {
		respondError(w, http.StatusConflict, "campaign already has a run in flight")
		return
	}

	respondJSON(w, http.StatusAccepted, dispatchResponse{
		CampaignID: req.CampaignID,
		Recipients: len(req.Recipients),
		Status:     "dispatching",
	})
}

// Pause raises the pause flag. The running feed stops at the next batch
// boundary; in-flight sends complete and keep their status callbacks.
func (h *CampaignHandler) Pause(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.flags.SetPaused(r.Context(), id, true); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to pause campaign")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"campaign_id": id, "status": "paused"})
}

// Resume clears the pause flag. The caller re-dispatches the remaining
// recipients; already-sent ones are filtered by the conditional inserts.
func (h *CampaignHandler) Resume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.flags.SetPaused(r.Context(), id, false); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to resume campaign")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"campaign_id": id, "status": "resumed"})
}

// Cancel stops the in-flight run entirely.
func (h *CampaignHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if !h.manager.Cancel(id) {
		respondError(w, http.StatusNotFound, "no run in flight for campaign")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"campaign_id": id, "status": "cancelled"})
}

// Stats returns the campaign's counters snapshot.
func (h *CampaignHandler) Stats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	agg, err := h.pg.GetAggregate(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get campaign stats")
		return
	}
	if agg == nil {
		respondError(w, http.StatusNotFound, "campaign not found")
		return
	}

	respondJSON(w, http.StatusOK, agg)
}
