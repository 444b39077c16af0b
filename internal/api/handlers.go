// Switchcast - Multi-Camera Live Event Streaming
// Copyright 2026 Switchcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/switchcast/switchcast

package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/switchcast/switchcast/internal/director"
	"github.com/switchcast/switchcast/internal/logging"
	"github.com/switchcast/switchcast/internal/models"
	"github.com/switchcast/switchcast/internal/store"
	"github.com/switchcast/switchcast/internal/syncengine"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("failed to encode response")
	}
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, director.ErrCameraNotFound),
		errors.Is(err, syncengine.ErrNoSuchConflict):
		status = http.StatusNotFound
	case errors.Is(err, director.ErrJoinCodeMismatch):
		status = http.StatusForbidden
	case errors.Is(err, director.ErrInvalidTransition):
		status = http.StatusConflict
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// decodeBody parses and validates a JSON request body.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return false
	}
	if err := validate.Struct(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"connected": s.deps.Manager.Stats().Connected,
		"time":      time.Now().UTC().Format(time.RFC3339),
	})
}

type createEventRequest struct {
	Name    string `json:"name" validate:"required"`
	Sport   string `json:"sport"`
	OwnerID string `json:"owner_id" validate:"required"`
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var req createEventRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ev, err := s.deps.Director.CreateEvent(r.Context(), req.Name, req.Sport, req.OwnerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	rec, err := s.deps.Store.Select(r.Context(), store.TableEvents, eventID)
	if err != nil {
		writeError(w, err)
		return
	}
	ev, err := models.EventFromRecord(rec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

type updateStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	eventID := chi.URLParam(r, "eventID")
	if err := s.deps.Director.UpdateStatus(r.Context(), eventID, models.EventStatus(req.Status)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": req.Status})
}

type registerCameraRequest struct {
	JoinCode string `json:"join_code" validate:"required"`
	Label    string `json:"label"`
}

func (s *Server) handleRegisterCamera(w http.ResponseWriter, r *http.Request) {
	var req registerCameraRequest
	if !decodeBody(w, r, &req) {
		return
	}
	eventID := chi.URLParam(r, "eventID")
	cam, err := s.deps.Director.RegisterCamera(r.Context(), eventID, req.JoinCode, req.Label)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cam)
}

func (s *Server) handleListCameras(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	recs, err := s.deps.Store.SelectByParent(r.Context(), store.TableCameras, eventID)
	if err != nil {
		writeError(w, err)
		return
	}
	cameras := make([]models.Camera, 0, len(recs))
	for _, rec := range recs {
		cam, err := models.CameraFromRecord(rec)
		if err != nil {
			logging.Warn().Err(err).Str("event_id", eventID).Msg("skipping malformed camera row")
			continue
		}
		cameras = append(cameras, cam)
	}
	writeJSON(w, http.StatusOK, cameras)
}

type switchCameraRequest struct {
	CameraID string `json:"camera_id" validate:"required"`
}

func (s *Server) handleSwitchCamera(w http.ResponseWriter, r *http.Request) {
	var req switchCameraRequest
	if !decodeBody(w, r, &req) {
		return
	}
	eventID := chi.URLParam(r, "eventID")
	if err := s.deps.Director.SetActiveCamera(r.Context(), eventID, req.CameraID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"active_camera_id": req.CameraID})
}

func (s *Server) handleListSwitches(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	recs, err := s.deps.Store.SelectByParent(r.Context(), store.TableSwitchLogs, eventID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// handleWatch starts projecting an event into the websocket hub. Watching
// is idempotent per event: a second watch request is a no-op.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	s.mu.Lock()
	_, watching := s.watches[eventID]
	s.mu.Unlock()
	if watching {
		writeJSON(w, http.StatusOK, map[string]string{"event_id": eventID})
		return
	}

	cancel, err := s.deps.Projector.Subscribe(r.Context(), eventID, s.deps.Hub.ProjectionHandlers())
	if err != nil {
		writeError(w, err)
		return
	}

	s.mu.Lock()
	s.watches[eventID] = cancel
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, map[string]string{"event_id": eventID})
}

func (s *Server) handleUnwatch(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	s.mu.Lock()
	cancel, ok := s.watches[eventID]
	delete(s.watches, eventID)
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "event is not being watched"})
		return
	}
	cancel()
	w.WriteHeader(http.StatusNoContent)
}

type statsResponse struct {
	Connection connectionStats `json:"connection"`
	Sync       syncStats       `json:"sync"`
	Clients    int             `json:"websocket_clients"`
}

type connectionStats struct {
	Connected         bool   `json:"connected"`
	Quality           string `json:"quality"`
	AverageLatencyMS  int64  `json:"average_latency_ms"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	MessagesReceived  int64  `json:"messages_received"`
	MessagesLost      int64  `json:"messages_lost"`
}

type syncStats struct {
	PendingCount  int    `json:"pending_count"`
	ConflictCount int    `json:"conflict_count"`
	DroppedCount  int    `json:"dropped_count"`
	IsSyncing     bool   `json:"is_syncing"`
	LastSyncTime  string `json:"last_sync_time,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	cs := s.deps.Manager.Stats()
	ss := s.deps.Engine.SyncStats()

	resp := statsResponse{
		Connection: connectionStats{
			Connected:         cs.Connected,
			Quality:           string(cs.Quality),
			AverageLatencyMS:  cs.AverageLatency.Milliseconds(),
			ReconnectAttempts: cs.ReconnectAttempts,
			MessagesReceived:  cs.MessagesReceived,
			MessagesLost:      cs.MessagesLost,
		},
		Sync: syncStats{
			PendingCount:  ss.PendingCount,
			ConflictCount: ss.ConflictCount,
			DroppedCount:  ss.DroppedCount,
			IsSyncing:     ss.IsSyncing,
		},
		Clients: s.deps.Hub.ClientCount(),
	}
	if !ss.LastSyncTime.IsZero() {
		resp.Sync.LastSyncTime = ss.LastSyncTime.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Engine.Conflicts())
}

type resolveConflictRequest struct {
	Resolution string         `json:"resolution" validate:"required,oneof=local remote custom"`
	Data       map[string]any `json:"data"`
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "conflict index must be an integer"})
		return
	}
	var req resolveConflictRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.deps.Engine.ResolveUserConflict(r.Context(), index, req.Resolution, req.Data); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
