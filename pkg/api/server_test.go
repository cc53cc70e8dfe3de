package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrt/aca/pkg/config"
	"github.com/agentrt/aca/pkg/session"
	"github.com/agentrt/aca/pkg/task"
)

func newTestServer(t *testing.T) (*Server, *session.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mgr, err := session.New(t.TempDir(), config.DefaultSessionConfig(), config.DefaultTaskManagerConfig(),
		config.DefaultRecoveryConfig(), config.DefaultSchedulerWeights(), session.RestoreOption{}, slog.Default())
	require.NoError(t, err)
	return NewServer(mgr), mgr
}

func doRequest(t *testing.T, s *Server, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealthEndpoint(t *testing.T) {
	s, mgr := newTestServer(t)
	rec, body := doRequest(t, s, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, mgr.ID(), body["session_id"])
}

func TestStatusReportsTaskCounts(t *testing.T) {
	s, mgr := newTestServer(t)
	_, err := mgr.Tasks().CreateFromSpec(task.Spec{Title: "one"}, nil)
	require.NoError(t, err)
	_, err = mgr.Tasks().CreateFromSpec(task.Spec{Title: "two"}, nil)
	require.NoError(t, err)

	rec, body := doRequest(t, s, http.MethodGet, "/status")
	assert.Equal(t, http.StatusOK, rec.Code)

	tasks, ok := body["tasks"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(2), tasks["total"])
	assert.Equal(t, float64(2), tasks["pending"])
}

func TestCheckpointEndpointCreatesCheckpoint(t *testing.T) {
	s, mgr := newTestServer(t)
	rec, body := doRequest(t, s, http.MethodPost, "/checkpoint")
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, body["checkpoint_id"])

	checkpoints, err := mgr.Store().ListCheckpoints()
	require.NoError(t, err)
	assert.Len(t, checkpoints, 1)
}

func TestUsageEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec, body := doRequest(t, s, http.MethodGet, "/usage")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), body["total_requests"])
}
