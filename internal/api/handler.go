// Package api provides the REST endpoints next to the WebSocket protocol.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ashureev/cardwire/internal/signature"
	"github.com/ashureev/cardwire/internal/store"
	"github.com/go-chi/chi/v5"
)

// maxBodyBytes bounds request bodies of the detect endpoint.
const maxBodyBytes = 1 << 20

// Handler serves saved apps and the signature registry over HTTP.
type Handler struct {
	repo     store.Repository
	registry *signature.Registry
	logger   *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(repo store.Repository, registry *signature.Registry, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{repo: repo, registry: registry, logger: logger}
}

// RegisterRoutes mounts the API under /api.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/apps", h.ListApps)
		r.Delete("/apps", h.DeleteApps)
		r.Get("/apps/{id}", h.GetApp)
		r.Get("/signatures", h.ListSignatures)
		r.Post("/signatures/detect", h.DetectSignature)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
