package transport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zaplane/zaplane/internal/dispatch"
	"github.com/zaplane/zaplane/internal/observability"
)

type apiHandler struct {
	orchestrator *dispatch.Orchestrator
	logger       *zap.Logger
}

func (h *apiHandler) createDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatch.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteInvalidInput(w, "malformed dispatch request body")
		return
	}

	d, err := h.orchestrator.Create(r.Context(), req)
	if err != nil {
		WriteError(w, err)
		return
	}
	observability.LoggerFrom(r.Context(), h.logger).Info("dispatch created",
		zap.String("dispatch_id", d.ID),
		zap.String("user_id", d.UserID),
		zap.String("kind", d.Kind),
		zap.Int("leads", d.TotalLeads))
	WriteJSON(w, http.StatusCreated, d)
}

func (h *apiHandler) getDispatch(w http.ResponseWriter, r *http.Request) {
	d, err := h.orchestrator.Get(r.Context(), chi.URLParam(r, "dispatchID"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, d)
}

func (h *apiHandler) controlDispatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteInvalidInput(w, "malformed control request body")
		return
	}

	d, err := h.orchestrator.Control(r.Context(), chi.URLParam(r, "dispatchID"), body.Action)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, d)
}

func (h *apiHandler) retryDispatch(w http.ResponseWriter, r *http.Request) {
	d, err := h.orchestrator.RetryFailed(r.Context(), chi.URLParam(r, "dispatchID"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, d)
}
