package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"nae-runtime/internal/agent"
	"nae-runtime/internal/catalog"
	"nae-runtime/internal/host"
	"nae-runtime/internal/manifest"
	"nae-runtime/internal/validation"
)

type Handler struct {
	Host    *host.Host
	Catalog *catalog.Catalog
	Metrics http.Handler
	Logger  *slog.Logger
	Timeout time.Duration
}

type errorResponse struct {
	Ok      bool                     `json:"ok"`
	Code    string                   `json:"code"`
	Message string                   `json:"message"`
	Details []validation.ErrorDetail `json:"details"`
}

type parametersRequest struct {
	Parameters map[string]string `json:"parameters"`
}

type catalogEntry struct {
	Manifest   manifest.Manifest             `json:"manifest"`
	Parameters manifest.ParameterDefinitions `json:"parameters"`
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics)
	}
	r.Get("/catalog", h.handleCatalog)
	r.Route("/agents", func(r chi.Router) {
		r.Get("/", h.handleAgentsList)
		r.Post("/", h.handleAgentsCreate)
		r.Get("/{id}", h.handleAgentGet)
		r.Delete("/{id}", h.handleAgentDelete)
		r.Put("/{id}/parameters", h.handleAgentParameters)
		r.Post("/{id}/enable", h.handleAgentEnable)
		r.Post("/{id}/disable", h.handleAgentDisable)
		r.Post("/{id}/restart", h.handleAgentRestart)
		r.Get("/{id}/variables", h.handleAgentVariables)
		r.Get("/{id}/reports", h.handleAgentReports)
	})
}

func (h *Handler) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(r.Context(), timeout)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "agents": len(h.Host.List())})
}

func (h *Handler) handleCatalog(w http.ResponseWriter, r *http.Request) {
	items := []catalogEntry{}
	for _, name := range h.Catalog.Names() {
		def, ok := h.Catalog.Lookup(name)
		if !ok {
			continue
		}
		items = append(items, catalogEntry{Manifest: def.Manifest, Parameters: def.Parameters})
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "agents": items})
}

func (h *Handler) handleAgentsList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "agents": h.Host.List()})
}

func (h *Handler) handleAgentsCreate(w http.ResponseWriter, r *http.Request) {
	var req host.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	ctx, cancel := h.requestContext(r)
	defer cancel()
	rec, err := h.Host.Create(ctx, req)
	if err != nil {
		h.writeHostError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "agent": rec})
}

func (h *Handler) handleAgentGet(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Host.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.writeHostError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "agent": snap})
}

func (h *Handler) handleAgentDelete(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()
	if err := h.Host.Delete(ctx, chi.URLParam(r, "id")); err != nil {
		h.writeHostError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleAgentParameters(w http.ResponseWriter, r *http.Request) {
	var req parametersRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	ctx, cancel := h.requestContext(r)
	defer cancel()
	changes, err := h.Host.UpdateParameters(ctx, chi.URLParam(r, "id"), req.Parameters)
	if err != nil {
		h.writeHostError(w, err)
		return
	}
	if changes == nil {
		changes = []manifest.ParamChange{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "changes": changes})
}

func (h *Handler) handleAgentEnable(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()
	if err := h.Host.Enable(ctx, chi.URLParam(r, "id")); err != nil {
		h.writeHostError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "enabled": true})
}

func (h *Handler) handleAgentDisable(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()
	if err := h.Host.Disable(ctx, chi.URLParam(r, "id")); err != nil {
		h.writeHostError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "enabled": false})
}

func (h *Handler) handleAgentRestart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()
	if err := h.Host.Restart(ctx, chi.URLParam(r, "id")); err != nil {
		h.writeHostError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleAgentVariables(w http.ResponseWriter, r *http.Request) {
	vars, err := h.Host.Variables(chi.URLParam(r, "id"))
	if err != nil {
		h.writeHostError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "variables": vars})
}

func (h *Handler) handleAgentReports(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	ctx, cancel := h.requestContext(r)
	defer cancel()
	reports, err := h.Host.Reports(ctx, chi.URLParam(r, "id"), limit)
	if err != nil {
		h.writeHostError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "reports": reports})
}

func (h *Handler) writeHostError(w http.ResponseWriter, err error) {
	var verr *validation.Error
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Ok:      false,
			Code:    verr.Code,
			Message: verr.Message,
			Details: verr.Details,
		})
	case errors.Is(err, host.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": err.Error()})
	case errors.Is(err, host.ErrExists):
		writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "message": err.Error()})
	case errors.Is(err, host.ErrCapacity):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "message": err.Error()})
	case errors.Is(err, agent.ErrDestroyed), errors.Is(err, agent.ErrStopped):
		writeJSON(w, http.StatusGone, map[string]any{"ok": false, "message": err.Error()})
	default:
		if h.Logger != nil {
			h.Logger.Error("agent request failed", slog.String("error", err.Error()))
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "internal error"})
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
