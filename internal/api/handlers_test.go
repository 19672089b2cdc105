package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/whisperd/internal/api/mocks"
	"github.com/mattjoyce/whisperd/internal/events"
	"github.com/mattjoyce/whisperd/internal/history"
	"github.com/mattjoyce/whisperd/internal/pending"
	"github.com/mattjoyce/whisperd/internal/supervisor"
)

const testKey = "test-key-123"

func newTestServer(svc Transcriber, hist HistoryReader) *Server {
	logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	config := Config{
		Listen: "localhost:8080",
		APIKey: testKey,
	}
	return New(config, svc, hist, events.NewHub(16), logger)
}

func doRequest(s *Server, method, path, key string, body string) *httptest.ResponseRecorder {
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rr := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(rr, req)
	return rr
}

func TestHandleHealthz_NoAuth(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	svc := mocks.NewMockTranscriber(ctrl)
	svc.EXPECT().Snapshot().Return(supervisor.Status{State: "ready", Ready: true, Pending: 3})

	rr := doRequest(newTestServer(svc, nil), http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp HealthzResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "ready", resp.WorkerState)
	assert.Equal(t, 3, resp.Pending)
	assert.GreaterOrEqual(t, resp.UptimeSeconds, int64(0))
}

func TestAuthRequired(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	// No expectations: an unauthenticated request must never reach the service.
	svc := mocks.NewMockTranscriber(ctrl)
	s := newTestServer(svc, nil)

	rr := doRequest(s, http.MethodGet, "/v1/status", "", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = doRequest(s, http.MethodGet, "/v1/status", "wrong-key", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHandleStatus(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	svc := mocks.NewMockTranscriber(ctrl)
	svc.EXPECT().Snapshot().Return(supervisor.Status{
		State: "ready", Ready: true, Model: "medium", Pending: 1, PID: 4242,
	})

	rr := doRequest(newTestServer(svc, nil), http.MethodGet, "/v1/status", testKey, "")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp supervisor.Status
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.True(t, resp.Ready)
	assert.Equal(t, "medium", resp.Model)
	assert.Equal(t, 4242, resp.PID)
}

func TestHandleTranscribe_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	svc := mocks.NewMockTranscriber(ctrl)
	svc.EXPECT().Transcribe(gomock.Any(), "/audio/a.wav").Return("hello world", nil)

	rr := doRequest(newTestServer(svc, nil), http.MethodPost, "/v1/transcribe", testKey,
		`{"file": "/audio/a.wav"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp TranscribeResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "hello world", resp.Text)
}

func TestHandleTranscribe_Validation(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	// No expectations: invalid requests must never reach the service.
	svc := mocks.NewMockTranscriber(ctrl)
	s := newTestServer(svc, nil)

	rr := doRequest(s, http.MethodPost, "/v1/transcribe", testKey, `not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doRequest(s, http.MethodPost, "/v1/transcribe", testKey, `{"file": "  "}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestTranscribeStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not ready", supervisor.ErrNotReady, http.StatusServiceUnavailable},
		{"circuit open", supervisor.ErrCircuitOpen, http.StatusServiceUnavailable},
		{"stopped", supervisor.ErrStopped, http.StatusServiceUnavailable},
		{"timeout", pending.ErrTimeout, http.StatusGatewayTimeout},
		{"worker exited", supervisor.ErrWorkerExited, http.StatusBadGateway},
		{"worker error", &supervisor.WorkerError{Msg: "file not found"}, http.StatusUnprocessableEntity},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, transcribeStatusCode(tt.err))
		})
	}
}

func TestHandleTranscribe_WorkerError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	svc := mocks.NewMockTranscriber(ctrl)
	svc.EXPECT().Transcribe(gomock.Any(), "/audio/missing.ogg").
		Return("", &supervisor.WorkerError{Msg: "file not found: /audio/missing.ogg"})

	rr := doRequest(newTestServer(svc, nil), http.MethodPost, "/v1/transcribe", testKey,
		`{"file": "/audio/missing.ogg"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Contains(t, resp.Error, "file not found")
}

func TestHandleRestart(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	svc := mocks.NewMockTranscriber(ctrl)
	svc.EXPECT().Start("large").Return(nil)
	svc.EXPECT().Snapshot().Return(supervisor.Status{State: "starting", Model: "large"})

	rr := doRequest(newTestServer(svc, nil), http.MethodPost, "/v1/restart", testKey,
		`{"model": "large"}`)
	require.Equal(t, http.StatusAccepted, rr.Code)

	var resp supervisor.Status
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "starting", resp.State)
	assert.Equal(t, "large", resp.Model)
}

func TestHandleRestart_NoBodyKeepsModel(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	svc := mocks.NewMockTranscriber(ctrl)
	svc.EXPECT().Start("").Return(nil)
	svc.EXPECT().Snapshot().Return(supervisor.Status{State: "starting"})

	rr := doRequest(newTestServer(svc, nil), http.MethodPost, "/v1/restart", testKey, "")
	assert.Equal(t, http.StatusAccepted, rr.Code)
}

func TestHandleStop(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	svc := mocks.NewMockTranscriber(ctrl)
	svc.EXPECT().Stop()
	svc.EXPECT().Snapshot().Return(supervisor.Status{State: "stopped"})

	rr := doRequest(newTestServer(svc, nil), http.MethodPost, "/v1/stop", testKey, "")
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestHandleTranscripts(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	now := time.Now().UTC()
	svc := mocks.NewMockTranscriber(ctrl)
	hist := mocks.NewMockHistoryReader(ctrl)
	hist.EXPECT().Recent(gomock.Any(), 2).Return([]history.Transcript{
		{ID: "req-2", File: "/b.wav", Model: "medium", Status: history.StatusOK, Text: "later",
			StartedAt: now, CompletedAt: now},
		{ID: "req-1", File: "/a.wav", Model: "medium", Status: history.StatusError, Error: "decode failed",
			StartedAt: now, CompletedAt: now},
	}, nil)

	rr := doRequest(newTestServer(svc, hist), http.MethodGet, "/v1/transcripts?limit=2", testKey, "")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp TranscriptListResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.Len(t, resp.Transcripts, 2)
	assert.Equal(t, "req-2", resp.Transcripts[0].ID)
	assert.Equal(t, "later", resp.Transcripts[0].Text)
	assert.Equal(t, "decode failed", resp.Transcripts[1].Error)
}

func TestHandleTranscripts_BadLimit(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	svc := mocks.NewMockTranscriber(ctrl)
	hist := mocks.NewMockHistoryReader(ctrl)
	s := newTestServer(svc, hist)

	rr := doRequest(s, http.MethodGet, "/v1/transcripts?limit=0", testKey, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doRequest(s, http.MethodGet, "/v1/transcripts?limit=abc", testKey, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleTranscripts_HistoryDisabled(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	svc := mocks.NewMockTranscriber(ctrl)
	rr := doRequest(newTestServer(svc, nil), http.MethodGet, "/v1/transcripts", testKey, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
