package monitor_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medispatch/medispatch/internal/monitor"
	"github.com/medispatch/medispatch/internal/upstream/resilience"
)

func TestOpsRouter_Health(t *testing.T) {
	router := monitor.NewOpsRouter(monitor.OpsServerConfig{
		Version:   "1.2.3",
		BuildTime: "2026-08-27T00:00:00Z",
		Logger:    zerolog.Nop(),
	})

	req := httptest.NewRequest(http.MethodGet, "/ops/health", http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "1.2.3", body["version"])
}

func TestOpsRouter_Upstreams(t *testing.T) {
	registry := resilience.NewRegistry()
	resilience.NewClient(resilience.ClientConfig{
		Name:     "dispatch",
		Timeout:  time.Second,
		Registry: registry,
	})

	router := monitor.NewOpsRouter(monitor.OpsServerConfig{
		Registry: registry,
		Logger:   zerolog.Nop(),
	})

	req := httptest.NewRequest(http.MethodGet, "/ops/upstreams", http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Upstreams []struct {
			Name         string `json:"name"`
			Healthy      bool   `json:"healthy"`
			CircuitState string `json:"circuit_state"`
		} `json:"upstreams"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Upstreams, 1)
	assert.Equal(t, "dispatch", body.Upstreams[0].Name)
	assert.True(t, body.Upstreams[0].Healthy, "fresh circuit starts closed")
}

func TestOpsRouter_Session(t *testing.T) {
	router := monitor.NewOpsRouter(monitor.OpsServerConfig{
		Session: func() monitor.SessionInfo {
			return monitor.SessionInfo{AlertID: "A1", State: "polling"}
		},
		Logger: zerolog.Nop(),
	})

	req := httptest.NewRequest(http.MethodGet, "/ops/session", http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var info monitor.SessionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "A1", info.AlertID)
	assert.Equal(t, "polling", info.State)
}

func TestOpsRouter_SessionDefaultsIdle(t *testing.T) {
	router := monitor.NewOpsRouter(monitor.OpsServerConfig{Logger: zerolog.Nop()})

	req := httptest.NewRequest(http.MethodGet, "/ops/session", http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var info monitor.SessionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "idle", info.State)
	assert.Empty(t, info.AlertID)
}
