package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ashureev/cardwire/internal/gateway"
	"github.com/ashureev/cardwire/internal/signature"
	"github.com/ashureev/cardwire/internal/store"
	"github.com/go-chi/chi/v5"
)

// ListApps returns every saved app, newest first.
func (h *Handler) ListApps(w http.ResponseWriter, r *http.Request) {
	apps, err := h.repo.ListApps(r.Context())
	if err != nil {
		h.logger.Error("Failed to list apps", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list apps")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"apps": gateway.Summaries(apps)})
}

// GetApp returns one saved app including its template code.
func (h *Handler) GetApp(w http.ResponseWriter, r *http.Request) {
	app, err := h.repo.GetApp(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrAppNotFound) {
		Error(w, http.StatusNotFound, "app not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to load app", "error", err)
		Error(w, http.StatusInternalServerError, "failed to load app")
		return
	}
	JSON(w, http.StatusOK, app)
}

// DeleteApps removes every saved app.
func (h *Handler) DeleteApps(w http.ResponseWriter, r *http.Request) {
	n, err := h.repo.DeleteAllApps(r.Context())
	if err != nil {
		h.logger.Error("Failed to delete apps", "error", err)
		Error(w, http.StatusInternalServerError, "failed to delete apps")
		return
	}
	h.logger.Info("Deleted saved apps via API", "count", n)
	JSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// ListSignatures returns the registered families and signatures, and the
// structural predicates in the order detection tries them.
func (h *Handler) ListSignatures(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"families":   h.registry.Families(),
		"signatures": h.registry.Signatures(),
		"shapes":     signature.ShapePredicates(),
	})
}

type detectRequest struct {
	ToolName string `json:"toolName"`
	Data     any    `json:"data"`
}

type detectResponse struct {
	Found      bool                  `json:"found"`
	Signature  *signature.Signature  `json:"signature,omitempty"`
	CardMode   string                `json:"cardMode,omitempty"`
	Normalized *signature.Normalized `json:"normalized,omitempty"`
}

// DetectSignature classifies a tool name and optional payload.
func (h *Handler) DetectSignature(w http.ResponseWriter, r *http.Request) {
	var req detectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ToolName == "" && req.Data == nil {
		Error(w, http.StatusBadRequest, "toolName or data is required")
		return
	}

	sig, ok := h.registry.Detect(req.ToolName, req.Data)
	if !ok {
		JSON(w, http.StatusOK, detectResponse{})
		return
	}
	resp := detectResponse{Found: true, Signature: &sig, CardMode: sig.CardMode()}
	if req.Data != nil {
		n := signature.Normalize(sig, req.Data)
		resp.Normalized = &n
	}
	JSON(w, http.StatusOK, resp)
}
