package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pnl-tracker/internal/service"
)

// handleListTargets handles GET /api/targets
func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	targets, err := s.targetService.ListTargets(r.Context(), owner)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"targets": targets,
		"count":   len(targets),
	})
}

// handleCreateTarget handles POST /api/targets
func (s *Server) handleCreateTarget(w http.ResponseWriter, r *http.Request) {
	var req service.CreateTargetRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	result, err := s.targetService.CreateTarget(r.Context(), owner, &req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, result)
}

// handleUpdateTarget handles PUT /api/targets/{id}
func (s *Server) handleUpdateTarget(w http.ResponseWriter, r *http.Request) {
	var req service.UpdateTargetRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	result, err := s.targetService.UpdateTarget(r.Context(), owner, mux.Vars(r)["id"], &req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// handleDeleteTarget handles DELETE /api/targets/{id}
func (s *Server) handleDeleteTarget(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	result, err := s.targetService.DeleteTarget(r.Context(), owner, mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// handleListSources handles GET /api/sources?include_inactive=true
func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	includeInactive, _ := strconv.ParseBool(r.URL.Query().Get("include_inactive"))

	sources, err := s.sourceService.ListSources(r.Context(), owner, includeInactive)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"sources": sources,
		"count":   len(sources),
	})
}

// handleCreateSource handles POST /api/sources
func (s *Server) handleCreateSource(w http.ResponseWriter, r *http.Request) {
	var req service.CreateSourceRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	source, err := s.sourceService.CreateSource(r.Context(), owner, &req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, source)
}

// handleUpdateSource handles PUT /api/sources/{id}
func (s *Server) handleUpdateSource(w http.ResponseWriter, r *http.Request) {
	var req service.UpdateSourceRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	source, err := s.sourceService.UpdateSource(r.Context(), owner, mux.Vars(r)["id"], &req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, source)
}

// handleDeleteSource handles DELETE /api/sources/{id}
func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	result, err := s.sourceService.DeleteSource(r.Context(), owner, mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}
