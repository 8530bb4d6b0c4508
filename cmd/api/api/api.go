// Package api exposes the orchestrator over HTTP for callers that resolve
// image specs remotely (e.g. a workflow registration service).
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/imagekiln/kiln/lib/builder"
	"github.com/imagekiln/kiln/lib/imagespec"
	"github.com/imagekiln/kiln/lib/orchestrator"
	"github.com/imagekiln/kiln/lib/registryclient"
)

// ApiService exposes spec resolution endpoints.
type ApiService struct {
	Orchestrator *orchestrator.Orchestrator
	Logger       *slog.Logger
}

// New creates a new ApiService
func New(o *orchestrator.Orchestrator, log *slog.Logger) *ApiService {
	return &ApiService{Orchestrator: o, Logger: log}
}

// Routes mounts the service endpoints on the router.
func (s *ApiService) Routes(r chi.Router) {
	r.Post("/v1/images/resolve", s.resolveImage)
	r.Get("/healthz", s.healthz)
}

type resolveResponse struct {
	Identity  string `json:"identity"`
	Reference string `json:"reference"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *ApiService) resolveImage(w http.ResponseWriter, r *http.Request) {
	var spec imagespec.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed spec document: " + err.Error()})
		return
	}

	ref, err := s.Orchestrator.ResolveImage(r.Context(), spec)
	if err != nil {
		s.Logger.ErrorContext(r.Context(), "resolve failed", "error", err)
		writeJSON(w, statusForError(err), errorResponse{Error: err.Error()})
		return
	}

	identity, err := spec.Identity()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, resolveResponse{Identity: identity, Reference: ref})
}

func (s *ApiService) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusForError maps the error taxonomy onto HTTP status codes.
func statusForError(err error) int {
	var verr *imagespec.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, builder.ErrUnknownBuilder):
		return http.StatusNotFound
	case errors.Is(err, builder.ErrNoCapableBuilder):
		return http.StatusConflict
	}

	var rerr *registryclient.RegistryError
	if errors.As(err, &rerr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
