package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *ClinscaleClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *ClinscaleClient) *Handlers {
	return &Handlers{client: client}
}

// HandleCheckAccess checks whether a team may use a feature.
func (h *Handlers) HandleCheckAccess(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	feature := req.GetString("feature", "")
	if feature == "" {
		return mcp.NewToolResultError("feature is required"), nil
	}
	teamID := req.GetString("team_id", "")

	raw, err := h.client.CheckAccess(ctx, teamID, feature)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check access: %v", err)), nil
	}

	text, err := formatDecision(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse decision: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetTeamBilling returns a team's subscription state.
func (h *Handlers) HandleGetTeamBilling(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	teamID := req.GetString("team_id", "")

	raw, err := h.client.GetTeamBilling(ctx, teamID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get billing state: %v", err)), nil
	}

	text, err := formatBilling(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse billing state: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetUsage returns a team's usage summary.
func (h *Handlers) HandleGetUsage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	teamID := req.GetString("team_id", "")

	raw, err := h.client.GetUsage(ctx, teamID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get usage: %v", err)), nil
	}

	text, err := formatUsage(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse usage: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListPlans returns the plan catalogue.
func (h *Handlers) HandleListPlans(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListPlans(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list plans: %v", err)), nil
	}

	text, err := formatPlans(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse plans: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleRequiredPlan finds the cheapest plan granting a feature.
func (h *Handlers) HandleRequiredPlan(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	feature := req.GetString("feature", "")
	if feature == "" {
		return mcp.NewToolResultError("feature is required"), nil
	}

	raw, err := h.client.ListPlans(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list plans: %v", err)), nil
	}

	plans, err := parsePlans(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse plans: %v", err)), nil
	}

	var cheapest *planInfo
	for i := range plans {
		p := &plans[i]
		if !p.grants(feature) {
			continue
		}
		if cheapest == nil || p.Level < cheapest.Level {
			cheapest = p
		}
	}

	if cheapest == nil {
		return mcp.NewToolResultText(fmt.Sprintf("No plan grants the feature %q.", feature)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"The cheapest plan granting %q is %q (level %d).", feature, cheapest.ID, cheapest.Level)), nil
}

// --- Formatting helpers ---

type planInfo struct {
	ID       string           `json:"id"`
	Level    int              `json:"level"`
	Features []string         `json:"features"`
	Quotas   map[string]int64 `json:"quotas"`
}

func (p *planInfo) grants(feature string) bool {
	for _, f := range p.Features {
		if f == feature {
			return true
		}
	}
	return false
}

func parsePlans(raw json.RawMessage) ([]planInfo, error) {
	var wrapper struct {
		Plans []planInfo `json:"plans"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, err
	}
	if wrapper.Plans == nil {
		return nil, fmt.Errorf("unexpected plans response format")
	}
	return wrapper.Plans, nil
}

func formatPlans(raw json.RawMessage) (string, error) {
	plans, err := parsePlans(raw)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Available plans (%d):\n\n", len(plans)))
	for i, p := range plans {
		sb.WriteString(fmt.Sprintf("%d. %s (level %d)\n", i+1, p.ID, p.Level))
		for _, f := range p.Features {
			if limit, ok := p.Quotas[f]; ok {
				sb.WriteString(fmt.Sprintf("   %s: %d per month\n", f, limit))
			} else {
				sb.WriteString(fmt.Sprintf("   %s: unlimited\n", f))
			}
		}
		if i < len(plans)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func formatDecision(raw json.RawMessage) (string, error) {
	var d struct {
		Allowed      bool   `json:"allowed"`
		Feature      string `json:"feature"`
		Plan         string `json:"plan"`
		Reason       string `json:"reason"`
		RequiredPlan string `json:"requiredPlan"`
		Remaining    *int64 `json:"remaining"`
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return "", err
	}

	var sb strings.Builder
	if d.Allowed {
		sb.WriteString(fmt.Sprintf("Access ALLOWED for %q on plan %q.\n", d.Feature, d.Plan))
		if d.Remaining != nil {
			sb.WriteString(fmt.Sprintf("Remaining this month: %d\n", *d.Remaining))
		}
		return sb.String(), nil
	}

	sb.WriteString(fmt.Sprintf("Access DENIED for %q on plan %q.\n", d.Feature, d.Plan))
	switch d.Reason {
	case "feature_not_in_plan":
		sb.WriteString("Reason: the current plan does not include this feature.\n")
		if d.RequiredPlan != "" {
			sb.WriteString(fmt.Sprintf("Upgrade to %q to unlock it.\n", d.RequiredPlan))
		}
	case "quota_exhausted":
		sb.WriteString("Reason: the monthly quota for this feature is used up.\n")
		sb.WriteString("The quota resets at the start of the next month (UTC).\n")
	default:
		if d.Reason != "" {
			sb.WriteString(fmt.Sprintf("Reason: %s\n", d.Reason))
		}
	}
	return sb.String(), nil
}

func formatBilling(raw json.RawMessage) (string, error) {
	var b struct {
		TeamID        string `json:"teamId"`
		Plan          string `json:"plan"`
		EffectivePlan string `json:"effectivePlan"`
		Status        string `json:"status"`
		PeriodEnd     string `json:"periodEnd"`
	}
	if err := json.Unmarshal(raw, &b); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Team billing state:\n")
	sb.WriteString(fmt.Sprintf("  Team: %s\n", b.TeamID))
	sb.WriteString(fmt.Sprintf("  Effective plan: %s\n", b.EffectivePlan))
	sb.WriteString(fmt.Sprintf("  Subscription status: %s\n", valueOr(b.Status, "none")))
	if b.Plan != "" && b.Plan != b.EffectivePlan {
		sb.WriteString(fmt.Sprintf("  Subscribed plan (not currently entitled): %s\n", b.Plan))
	}
	if b.PeriodEnd != "" {
		sb.WriteString(fmt.Sprintf("  Current period ends: %s\n", b.PeriodEnd))
	}
	return sb.String(), nil
}

func formatUsage(raw json.RawMessage) (string, error) {
	var resp struct {
		TeamID string `json:"teamId"`
		Usage  []struct {
			Feature   string `json:"feature"`
			Granted   bool   `json:"granted"`
			Used      int64  `json:"used"`
			Limit     *int64 `json:"limit"`
			Remaining *int64 `json:"remaining"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Usage for team %s (current month):\n", resp.TeamID))
	for _, u := range resp.Usage {
		if !u.Granted {
			sb.WriteString(fmt.Sprintf("  %s: not in plan\n", u.Feature))
			continue
		}
		if u.Limit == nil {
			sb.WriteString(fmt.Sprintf("  %s: %d used (unlimited)\n", u.Feature, u.Used))
			continue
		}
		remaining := *u.Limit - u.Used
		if u.Remaining != nil {
			remaining = *u.Remaining
		}
		sb.WriteString(fmt.Sprintf("  %s: %d of %d used, %d remaining\n", u.Feature, u.Used, *u.Limit, remaining))
	}
	return sb.String(), nil
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
