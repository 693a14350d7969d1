package entitlement

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinscale/clinscale/internal/billing"
	"github.com/clinscale/clinscale/internal/plan"
)

func setupEntitlementRouter(t *testing.T) (*gin.Engine, *billing.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	resolver, store := newTestResolver(t)
	r := gin.New()
	v1 := r.Group("/v1")
	NewHandler(resolver, plan.NewRegistry()).RegisterRoutes(v1, v1)
	return r, store
}

func TestListPlansEndpoint(t *testing.T) {
	r, _ := setupEntitlementRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/plans", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Plans []planView `json:"plans"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Plans, 3)
	assert.Equal(t, plan.Free, resp.Plans[0].ID)
	assert.Equal(t, plan.Enterprise, resp.Plans[2].ID)
	assert.Equal(t, int64(2000), resp.Plans[1].Quotas[plan.FeatureScalePreview])
}

func TestCheckAccessEndpoint(t *testing.T) {
	r, _ := setupEntitlementRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/teams/team_free/access?feature=copyright_ticket", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var d Decision
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	assert.False(t, d.Allowed)
	assert.Equal(t, plan.Enterprise, d.RequiredPlan)
}

func TestCheckAccessEndpoint_MissingFeature(t *testing.T) {
	r, _ := setupEntitlementRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/teams/team_free/access", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "missing_feature")
}

func TestConsumeUsageEndpoint(t *testing.T) {
	r, store := setupEntitlementRouter(t)
	setTeamPlan(t, store, "team_1", plan.Starter, billing.StatusActive)

	body, _ := json.Marshal(ConsumeUsageRequest{Amount: 5})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/teams/team_1/usage/scale_preview/consume", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var d Decision
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	assert.True(t, d.Allowed)
	require.NotNil(t, d.Remaining)
	assert.Equal(t, int64(1995), *d.Remaining)
}

func TestConsumeUsageEndpoint_DefaultsToOne(t *testing.T) {
	r, store := setupEntitlementRouter(t)
	setTeamPlan(t, store, "team_1", plan.Starter, billing.StatusActive)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/teams/team_1/usage/scale_preview/consume", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var d Decision
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	assert.Equal(t, int64(1999), *d.Remaining)
}

func TestConsumeUsageEndpoint_FeatureNotInPlan(t *testing.T) {
	r, _ := setupEntitlementRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/teams/team_free/usage/copyright_ticket/consume", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "feature_not_available")
}

func TestGetUsageEndpoint(t *testing.T) {
	r, store := setupEntitlementRouter(t)
	setTeamPlan(t, store, "team_1", plan.Starter, billing.StatusActive)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/teams/team_1/usage", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		TeamID string         `json:"teamId"`
		Usage  []FeatureUsage `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "team_1", resp.TeamID)
	assert.Len(t, resp.Usage, len(plan.AllFeatures))
}
