package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/whisperd/internal/pending"
	"github.com/mattjoyce/whisperd/internal/supervisor"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap := s.svc.Snapshot()
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		WorkerState:   snap.State,
		Pending:       snap.Pending,
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleStatus handles GET /v1/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.svc.Snapshot())
}

// handleTranscribe handles POST /v1/transcribe. The call blocks until the
// worker answers, the request times out, or the caller goes away.
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	var req TranscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.File = strings.TrimSpace(req.File)
	if req.File == "" {
		s.writeError(w, http.StatusBadRequest, "file is required")
		return
	}

	start := time.Now()
	text, err := s.svc.Transcribe(r.Context(), req.File)
	if err != nil {
		s.logger.Warn("transcription failed", "file", req.File, "error", err)
		s.writeError(w, transcribeStatusCode(err), err.Error())
		return
	}

	respondJSON(w, http.StatusOK, TranscribeResponse{
		Text:       text,
		DurationMs: time.Since(start).Milliseconds(),
	})
}

// transcribeStatusCode maps a transcription failure to an HTTP status.
func transcribeStatusCode(err error) int {
	var werr *supervisor.WorkerError
	switch {
	case errors.Is(err, supervisor.ErrCircuitOpen),
		errors.Is(err, supervisor.ErrNotReady),
		errors.Is(err, supervisor.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, pending.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, supervisor.ErrWorkerExited):
		return http.StatusBadGateway
	case errors.As(err, &werr):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// handleRestart handles POST /v1/restart. An optional body selects a new
// model; the breaker is closed and a fresh worker spawned either way.
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	var req RestartRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	if err := s.svc.Start(req.Model); err != nil {
		s.logger.Error("restart failed", "model", req.Model, "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("worker restart requested via API", "model", req.Model)
	respondJSON(w, http.StatusAccepted, s.svc.Snapshot())
}

// handleStop handles POST /v1/stop.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.svc.Stop()
	s.logger.Info("worker stop requested via API")
	respondJSON(w, http.StatusOK, s.svc.Snapshot())
}

// handleTranscripts handles GET /v1/transcripts?limit=N.
func (s *Server) handleTranscripts(w http.ResponseWriter, r *http.Request) {
	if s.hist == nil {
		s.writeError(w, http.StatusNotFound, "history is disabled")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	rows, err := s.hist.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list transcripts", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list transcripts")
		return
	}

	resp := TranscriptListResponse{Transcripts: make([]TranscriptSummary, 0, len(rows))}
	for _, row := range rows {
		resp.Transcripts = append(resp.Transcripts, summarize(row))
	}
	respondJSON(w, http.StatusOK, resp)
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
