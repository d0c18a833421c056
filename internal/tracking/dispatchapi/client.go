// Package dispatchapi provides a client for the dispatch backend's alert
// API. It is the production implementation of tracking.Fetcher.
package dispatchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/medispatch/medispatch/internal/tracking"
	"github.com/medispatch/medispatch/internal/upstream/resilience"
)

const (
	// UpstreamName identifies the dispatch backend in the health registry.
	UpstreamName = "dispatch"

	// DefaultTimeout is the default request timeout.
	DefaultTimeout = 5 * time.Second
)

// HTTPDoer is an interface for executing HTTP requests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// TokenSource supplies the bearer token for backend requests.
type TokenSource interface {
	Token() (string, error)
}

// ClientConfig holds configuration for the dispatch API client.
type ClientConfig struct {
	// BaseURL is the dispatch backend base URL (required).
	BaseURL string

	// HTTPClient is the HTTP client to use (optional).
	// If nil, uses a resilient client with defaults.
	HTTPClient HTTPDoer

	// Timeout is the request timeout (optional, defaults to 5s).
	Timeout time.Duration

	// Registry is the upstream registry for health tracking (optional).
	Registry *resilience.Registry

	// TokenSource supplies bearer tokens (optional; requests go out
	// unauthenticated without one, which some deployments allow on a
	// private network).
	TokenSource TokenSource

	// Logger for client operations.
	Logger zerolog.Logger
}

// Client is a dispatch backend API client.
type Client struct {
	baseURL    string
	httpClient HTTPDoer
	tokens     TokenSource
	logger     zerolog.Logger
}

// NewClient creates a new dispatch API client.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		clientCfg := resilience.DefaultClientConfig(UpstreamName)
		clientCfg.Timeout = timeout
		if cfg.Registry != nil {
			clientCfg.Registry = cfg.Registry
		}
		httpClient = resilience.NewClient(clientCfg)
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: httpClient,
		tokens:     cfg.TokenSource,
		logger:     cfg.Logger,
	}
}

// AlertData retrieves the current snapshot for an alert. Implements
// tracking.Fetcher: a missing alert maps to tracking.ErrAlertNotFound,
// everything transient to tracking.ErrBackendUnavailable.
func (c *Client) AlertData(ctx context.Context, alertID string) (*tracking.AlertSnapshot, error) {
	if alertID == "" {
		return nil, &Error{
			Code:    "INVALID_ALERT_ID",
			Message: "alert id is empty",
			Err:     tracking.ErrAlertNotFound,
		}
	}

	body, err := c.get(ctx, fmt.Sprintf("/api/alert/%s/data", alertID))
	if err != nil {
		return nil, err
	}

	snap, err := tracking.DecodeSnapshot(alertID, body)
	if err != nil {
		return nil, err
	}

	c.logger.Debug().
		Str("alert_id", alertID).
		Str("status", string(snap.Status)).
		Msg("alert snapshot fetched")

	return snap, nil
}

// ActiveAlert returns the currently active alert, or nil when there is
// none. The dashboard polls this to decide which alert to track.
func (c *Client) ActiveAlert(ctx context.Context) (*tracking.AlertSummary, error) {
	body, err := c.get(ctx, "/api/alerts/active")
	if err != nil {
		return nil, err
	}

	var resp struct {
		Alert *tracking.AlertSummary `json:"alert"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding active alert: %w", err)
	}
	return resp.Alert, nil
}

// RecentAlerts returns the backend's recent-alerts list for the
// dashboard history table.
func (c *Client) RecentAlerts(ctx context.Context) ([]tracking.AlertSummary, error) {
	body, err := c.get(ctx, "/api/alerts/recent")
	if err != nil {
		return nil, err
	}

	var resp struct {
		Alerts []tracking.AlertSummary `json:"alerts"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding recent alerts: %w", err)
	}
	return resp.Alerts, nil
}

// StatusResult is the response of the status endpoint: the raw alert
// document plus the ETA the backend computed for it.
type StatusResult struct {
	Alert      json.RawMessage `json:"alert"`
	ETAMinutes float64         `json:"eta_minutes"`
}

// AlertStatus retrieves the raw status document for an alert.
func (c *Client) AlertStatus(ctx context.Context, alertID string) (*StatusResult, error) {
	body, err := c.get(ctx, fmt.Sprintf("/api/status/%s", alertID))
	if err != nil {
		return nil, err
	}

	var result StatusResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decoding alert status: %w", err)
	}
	return &result, nil
}

// get executes one GET against the backend and returns the response
// body, with status codes mapped onto the tracking error taxonomy.
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("minting console token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{
			Code:    "REQUEST_FAILED",
			Message: "failed to reach dispatch backend",
			Err:     tracking.ErrBackendUnavailable,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.handleErrorResponse(resp.StatusCode, body)
	}

	return body, nil
}

// handleErrorResponse maps backend error responses to domain errors.
func (c *Client) handleErrorResponse(statusCode int, body []byte) error {
	var backendErr struct {
		Error string `json:"error"`
	}
	// Best effort: the backend's error bodies are {"error": "..."} but a
	// proxy in front of it may answer with HTML.
	_ = json.Unmarshal(body, &backendErr)

	switch {
	case statusCode == http.StatusNotFound:
		msg := backendErr.Error
		if msg == "" {
			msg = "alert not found"
		}
		return &Error{
			Code:    "NOT_FOUND",
			Message: msg,
			Err:     tracking.ErrAlertNotFound,
		}
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return &Error{
			Code:    "UNAUTHORIZED",
			Message: "dispatch backend rejected the console token",
			Err:     tracking.ErrBackendUnavailable,
		}
	case statusCode >= 500:
		return &Error{
			Code:    fmt.Sprintf("SERVER_%d", statusCode),
			Message: "dispatch backend is temporarily unavailable",
			Err:     tracking.ErrBackendUnavailable,
		}
	default:
		return &Error{
			Code:    fmt.Sprintf("HTTP_%d", statusCode),
			Message: backendErr.Error,
			Err:     tracking.ErrBackendUnavailable,
		}
	}
}
