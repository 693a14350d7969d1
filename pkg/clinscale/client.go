package clinscale

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a Clinscale API server.
type Client struct {
	httpClient *http.Client
	baseURL    string

	// InternalToken authorizes mutating endpoints (checkout initiation
	// and quota consumption). Read endpoints work without it.
	InternalToken string

	// Hooks
	OnDenied func(*Decision) // Called for each denied decision
}

// NewClient creates a client for the API at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// CheckAccess asks whether a team may use a feature right now. A denied
// decision is data, not an error.
func (c *Client) CheckAccess(ctx context.Context, teamID, feature string) (*Decision, error) {
	path := fmt.Sprintf("/v1/teams/%s/access?feature=%s", url.PathEscape(teamID), url.QueryEscape(feature))

	var d Decision
	if err := c.do(ctx, "GET", path, nil, &d); err != nil {
		return nil, err
	}
	if !d.Allowed && c.OnDenied != nil {
		c.OnDenied(&d)
	}
	return &d, nil
}

// Consume atomically grants and records quota units for a feature.
// Requires the internal token. Denials come back as decisions.
func (c *Client) Consume(ctx context.Context, teamID, feature string, amount int64) (*Decision, error) {
	path := fmt.Sprintf("/v1/teams/%s/usage/%s/consume", url.PathEscape(teamID), url.PathEscape(feature))
	body := map[string]int64{"amount": amount}

	req, err := c.newRequest(ctx, "POST", path, body)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var d Decision
		if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
			return nil, fmt.Errorf("failed to parse decision: %w", err)
		}
		return &d, nil
	case http.StatusForbidden, http.StatusTooManyRequests:
		// Denial responses wrap the decision alongside the error code.
		var denied struct {
			Decision *Decision `json:"decision"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&denied); err != nil || denied.Decision == nil {
			return nil, fmt.Errorf("failed to parse denial: %w", err)
		}
		if c.OnDenied != nil {
			c.OnDenied(denied.Decision)
		}
		return denied.Decision, nil
	default:
		return nil, parseError(resp)
	}
}

// GetBilling returns a team's billing state. Teams without a billing
// record read as free/none.
func (c *Client) GetBilling(ctx context.Context, teamID string) (*TeamBilling, error) {
	var tb TeamBilling
	if err := c.do(ctx, "GET", "/v1/teams/"+url.PathEscape(teamID)+"/billing", nil, &tb); err != nil {
		return nil, err
	}
	return &tb, nil
}

// GetUsage returns the team's per-feature usage summary for the current
// period.
func (c *Client) GetUsage(ctx context.Context, teamID string) ([]FeatureUsage, error) {
	var out struct {
		Usage []FeatureUsage `json:"usage"`
	}
	if err := c.do(ctx, "GET", "/v1/teams/"+url.PathEscape(teamID)+"/usage", nil, &out); err != nil {
		return nil, err
	}
	return out.Usage, nil
}

// ListPlans returns the published plan catalog.
func (c *Client) ListPlans(ctx context.Context) ([]Plan, error) {
	var out struct {
		Plans []Plan `json:"plans"`
	}
	if err := c.do(ctx, "GET", "/v1/plans", nil, &out); err != nil {
		return nil, err
	}
	return out.Plans, nil
}

// StartCheckout creates a hosted checkout session moving the team to a
// paid plan. Requires the internal token.
func (c *Client) StartCheckout(ctx context.Context, teamID, plan, interval string) (*CheckoutSession, error) {
	body := map[string]string{
		"teamId":   teamID,
		"plan":     plan,
		"interval": interval,
	}

	var session CheckoutSession
	if err := c.do(ctx, "POST", "/v1/billing/checkout", body, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.InternalToken != "" {
		req.Header.Set("X-Internal-Token", c.InternalToken)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseError(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}
