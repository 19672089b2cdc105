package api

import (
	"time"

	"github.com/mattjoyce/whisperd/internal/history"
)

// TranscribeRequest is the JSON body for POST /v1/transcribe
type TranscribeRequest struct {
	File string `json:"file"`
}

// TranscribeResponse is returned on successful transcription
type TranscribeResponse struct {
	Text       string `json:"text"`
	DurationMs int64  `json:"duration_ms"`
}

// RestartRequest is the optional JSON body for POST /v1/restart
type RestartRequest struct {
	Model string `json:"model,omitempty"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	WorkerState   string `json:"worker_state"`
	Pending       int    `json:"pending"`
}

// TranscriptListResponse is returned by GET /v1/transcripts.
type TranscriptListResponse struct {
	Transcripts []TranscriptSummary `json:"transcripts"`
}

// TranscriptSummary is one history row in API form.
type TranscriptSummary struct {
	ID          string    `json:"id"`
	File        string    `json:"file"`
	Model       string    `json:"model"`
	Status      string    `json:"status"`
	Text        string    `json:"text,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

func summarize(t history.Transcript) TranscriptSummary {
	return TranscriptSummary{
		ID:          t.ID,
		File:        t.File,
		Model:       t.Model,
		Status:      string(t.Status),
		Text:        t.Text,
		Error:       t.Error,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
	}
}
