package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	cfg := Config{
		APIURL: ts.URL,
		TeamID: "team_0123456789abcdef01234567",
	}
	client := NewClinscaleClient(cfg)
	h := NewHandlers(client)
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

const plansJSON = `{"plans":[
	{"id":"free","level":0,"features":["scale_preview"],"quotas":{"scale_preview":100}},
	{"id":"starter","level":1,"features":["scale_preview","scale_download","api_access"],"quotas":{"scale_preview":2000,"scale_download":200}},
	{"id":"enterprise","level":2,"features":["scale_preview","scale_download","api_access","copyright_ticket"],"quotas":{}}
]}`

// ============================================================
// Client tests
// ============================================================

func TestClient_DefaultTeamID(t *testing.T) {
	var gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewClinscaleClient(Config{APIURL: ts.URL, TeamID: "team_aaaaaaaaaaaaaaaaaaaaaaaa"})
	_, err := client.GetTeamBilling(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "/v1/teams/team_aaaaaaaaaaaaaaaaaaaaaaaa/billing", gotPath)

	_, err = client.GetTeamBilling(context.Background(), "team_bbbbbbbbbbbbbbbbbbbbbbbb")
	require.NoError(t, err)
	assert.Equal(t, "/v1/teams/team_bbbbbbbbbbbbbbbbbbbbbbbb/billing", gotPath)
}

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "invalid_team_id",
			"message": "team id must be of the form team_<24 hex chars>",
		})
	}))
	defer ts.Close()

	client := NewClinscaleClient(Config{APIURL: ts.URL, TeamID: "team_x"})
	_, err := client.GetUsage(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "team id must be")
}

func TestClient_DoRequest_DenialBodyPassedThrough(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"allowed":      false,
			"feature":      "copyright_ticket",
			"plan":         "free",
			"reason":       "feature_not_in_plan",
			"requiredPlan": "enterprise",
		})
	}))
	defer ts.Close()

	client := NewClinscaleClient(Config{APIURL: ts.URL, TeamID: "team_0123456789abcdef01234567"})
	raw, err := client.CheckAccess(context.Background(), "", "copyright_ticket")
	require.NoError(t, err)
	assert.Contains(t, string(raw), "feature_not_in_plan")
}

func TestClient_DoRequest_ConnectionRefused(t *testing.T) {
	client := NewClinscaleClient(Config{APIURL: "http://127.0.0.1:1", TeamID: "team_x"})
	_, err := client.ListPlans(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleCheckAccess_Allowed(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "scale_preview", r.URL.Query().Get("feature"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"allowed":   true,
			"feature":   "scale_preview",
			"plan":      "starter",
			"remaining": 1200,
		})
	}))
	defer cleanup()

	result, err := h.HandleCheckAccess(context.Background(), makeRequest(map[string]any{
		"feature": "scale_preview",
	}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "ALLOWED")
	assert.Contains(t, text, "starter")
	assert.Contains(t, text, "1200")
}

func TestHandleCheckAccess_DeniedNotInPlan(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"allowed":      false,
			"feature":      "copyright_ticket",
			"plan":         "free",
			"reason":       "feature_not_in_plan",
			"requiredPlan": "enterprise",
		})
	}))
	defer cleanup()

	result, err := h.HandleCheckAccess(context.Background(), makeRequest(map[string]any{
		"feature": "copyright_ticket",
	}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "DENIED")
	assert.Contains(t, text, "does not include")
	assert.Contains(t, text, "enterprise")
}

func TestHandleCheckAccess_DeniedQuotaExhausted(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"allowed":   false,
			"feature":   "scale_preview",
			"plan":      "starter",
			"reason":    "quota_exhausted",
			"remaining": 0,
		})
	}))
	defer cleanup()

	result, err := h.HandleCheckAccess(context.Background(), makeRequest(map[string]any{
		"feature": "scale_preview",
	}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "DENIED")
	assert.Contains(t, text, "quota")
	assert.Contains(t, text, "resets")
}

func TestHandleCheckAccess_MissingFeature(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("server should not be called")
	}))
	defer cleanup()

	result, err := h.HandleCheckAccess(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleGetTeamBilling(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"teamId":        "team_0123456789abcdef01234567",
			"plan":          "enterprise",
			"effectivePlan": "free",
			"status":        "past_due",
			"periodEnd":     "2026-09-15T00:00:00Z",
		})
	}))
	defer cleanup()

	result, err := h.HandleGetTeamBilling(context.Background(), makeRequest(nil))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "Effective plan: free")
	assert.Contains(t, text, "past_due")
	assert.Contains(t, text, "not currently entitled")
	assert.Contains(t, text, "2026-09-15")
}

func TestHandleGetUsage(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"teamId": "team_0123456789abcdef01234567",
			"usage": []map[string]any{
				{"feature": "scale_preview", "granted": true, "used": 150, "limit": 2000, "remaining": 1850},
				{"feature": "api_access", "granted": true, "used": 0},
				{"feature": "copyright_ticket", "granted": false, "used": 0},
			},
		})
	}))
	defer cleanup()

	result, err := h.HandleGetUsage(context.Background(), makeRequest(nil))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "scale_preview: 150 of 2000 used, 1850 remaining")
	assert.Contains(t, text, "api_access: 0 used (unlimited)")
	assert.Contains(t, text, "copyright_ticket: not in plan")
}

func TestHandleListPlans(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(plansJSON))
	}))
	defer cleanup()

	result, err := h.HandleListPlans(context.Background(), makeRequest(nil))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "free (level 0)")
	assert.Contains(t, text, "scale_preview: 100 per month")
	assert.Contains(t, text, "api_access: unlimited")
	assert.Contains(t, text, "enterprise (level 2)")
}

func TestHandleRequiredPlan(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(plansJSON))
	}))
	defer cleanup()

	result, err := h.HandleRequiredPlan(context.Background(), makeRequest(map[string]any{
		"feature": "scale_download",
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), `"starter"`)

	result, err = h.HandleRequiredPlan(context.Background(), makeRequest(map[string]any{
		"feature": "copyright_ticket",
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), `"enterprise"`)
}

func TestHandleRequiredPlan_UnknownFeature(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(plansJSON))
	}))
	defer cleanup()

	result, err := h.HandleRequiredPlan(context.Background(), makeRequest(map[string]any{
		"feature": "telepathy",
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "No plan grants")
}
