// Package monitor hosts the monitor's operational HTTP surface: health,
// upstream circuit state and the currently tracked alert. This is for
// humans and probes, not for dashboards; alert data itself never leaves
// the process through here.
package monitor

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"github.com/medispatch/medispatch/internal/upstream/resilience"
)

// OpsRateLimit bounds probe traffic per client IP.
const OpsRateLimit = 60 // requests per minute

// SessionInfo is what the ops surface reports about tracking activity.
type SessionInfo struct {
	AlertID string `json:"alert_id,omitempty"`
	State   string `json:"state"`
}

// SessionReporter supplies the current tracking state.
type SessionReporter func() SessionInfo

// OpsServerConfig holds configuration for the ops server.
type OpsServerConfig struct {
	Version   string
	BuildTime string
	Registry  *resilience.Registry
	Session   SessionReporter
	Logger    zerolog.Logger
}

// NewOpsRouter builds the ops HTTP handler.
func NewOpsRouter(cfg OpsServerConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(httprate.Limit(OpsRateLimit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByRealIP)))

	r.Get("/ops/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":     "ok",
			"time":       time.Now().UTC().Format(time.RFC3339),
			"version":    cfg.Version,
			"build_time": cfg.BuildTime,
		})
	})

	r.Get("/ops/upstreams", func(w http.ResponseWriter, _ *http.Request) {
		type upstreamStatus struct {
			Name          string     `json:"name"`
			Healthy       bool       `json:"healthy"`
			CircuitState  string     `json:"circuit_state"`
			LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
			LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
			LastError     string     `json:"last_error,omitempty"`
		}

		var statuses []upstreamStatus
		if cfg.Registry != nil {
			for _, h := range cfg.Registry.GetAllHealth() {
				statuses = append(statuses, upstreamStatus{
					Name:          h.Name,
					Healthy:       h.IsHealthy(),
					CircuitState:  h.CircuitState.String(),
					LastSuccessAt: h.LastSuccessAt,
					LastFailureAt: h.LastFailureAt,
					LastError:     h.LastError,
				})
			}
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{"upstreams": statuses})
	})

	r.Get("/ops/session", func(w http.ResponseWriter, _ *http.Request) {
		info := SessionInfo{State: "idle"}
		if cfg.Session != nil {
			info = cfg.Session()
		}
		writeJSON(w, http.StatusOK, info)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
