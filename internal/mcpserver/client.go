package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the configuration for connecting to the Clinscale platform.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	TeamID string // Default team id, e.g. "team_..."
}

// ClinscaleClient is a pure HTTP client for the Clinscale platform API.
type ClinscaleClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewClinscaleClient creates a new client for the Clinscale platform.
func NewClinscaleClient(cfg Config) *ClinscaleClient {
	return &ClinscaleClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the platform.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the platform and returns the response body.
func (c *ClinscaleClient) doRequest(ctx context.Context, method, path string, query url.Values) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	// Access denial responses carry the decision body, not an error.
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusForbidden && resp.StatusCode != http.StatusTooManyRequests {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// teamOrDefault falls back to the configured default team id.
func (c *ClinscaleClient) teamOrDefault(teamID string) string {
	if teamID != "" {
		return teamID
	}
	return c.cfg.TeamID
}

// GetTeamBilling returns a team's billing state.
func (c *ClinscaleClient) GetTeamBilling(ctx context.Context, teamID string) (json.RawMessage, error) {
	path := "/v1/teams/" + c.teamOrDefault(teamID) + "/billing"
	return c.doRequest(ctx, http.MethodGet, path, nil)
}

// CheckAccess asks whether a team may use a feature right now.
func (c *ClinscaleClient) CheckAccess(ctx context.Context, teamID, feature string) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("feature", feature)
	path := "/v1/teams/" + c.teamOrDefault(teamID) + "/access"
	return c.doRequest(ctx, http.MethodGet, path, q)
}

// GetUsage returns a team's per-feature usage for the current period.
func (c *ClinscaleClient) GetUsage(ctx context.Context, teamID string) (json.RawMessage, error) {
	path := "/v1/teams/" + c.teamOrDefault(teamID) + "/usage"
	return c.doRequest(ctx, http.MethodGet, path, nil)
}

// ListPlans returns the plan catalogue.
func (c *ClinscaleClient) ListPlans(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/plans", nil)
}
