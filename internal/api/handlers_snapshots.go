package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pnl-tracker/internal/service"
)

// handleListSnapshots handles GET /api/snapshots - newest first
func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	// Invalid limits fall back to the default; the service caps large ones
	limit := service.DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}

	snapshots, err := s.snapshotService.ListSnapshots(r.Context(), owner, limit)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"snapshots": snapshots,
		"count":     len(snapshots),
	})
}

// handleCreateSnapshot handles POST /api/snapshots
func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var req service.CreateSnapshotRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	result, err := s.snapshotService.CreateSnapshot(r.Context(), owner, &req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	// A degraded result is still a success; the body carries stale and warning
	respondJSON(w, http.StatusCreated, result)
}

// handleGetLatestSnapshot handles GET /api/snapshots/latest
func (s *Server) handleGetLatestSnapshot(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	snapshot, err := s.snapshotService.GetLatestSnapshot(r.Context(), owner)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, snapshot)
}

// handleGetSnapshot handles GET /api/snapshots/{id}
func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	snapshot, err := s.snapshotService.GetSnapshot(r.Context(), owner, mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, snapshot)
}

// handleUpdateSnapshot handles PUT /api/snapshots/{id}
func (s *Server) handleUpdateSnapshot(w http.ResponseWriter, r *http.Request) {
	var req service.UpdateSnapshotRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	result, err := s.snapshotService.UpdateSnapshot(r.Context(), owner, mux.Vars(r)["id"], &req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// handleDeleteSnapshot handles DELETE /api/snapshots/{id}
func (s *Server) handleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	result, err := s.snapshotService.DeleteSnapshot(r.Context(), owner, mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// handleRecalculate handles POST /api/snapshots/recalculate - full maintenance pass
func (s *Server) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	report, err := s.snapshotService.Recalculate(r.Context(), owner)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, report)
}

// handleGetStats handles GET /api/stats
func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	stats, err := s.snapshotService.GetStats(r.Context(), owner)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, stats)
}
