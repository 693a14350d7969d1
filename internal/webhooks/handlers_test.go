package webhooks

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func setupRouter(store Store) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(store).RegisterRoutes(r.Group("/v1"))
	return r
}

func TestCreateWebhook(t *testing.T) {
	store := NewMemoryStore()
	r := setupRouter(store)

	body := `{"url":"https://hooks.example.com/clinscale","events":["billing.plan_changed","quota.exhausted"]}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/teams/team_a/webhooks", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"secret"`) {
		t.Error("Expected secret in creation response")
	}

	subs, _ := store.GetByTeam(context.Background(), "team_a")
	if len(subs) != 1 {
		t.Fatalf("Expected 1 subscription, got %d", len(subs))
	}
	if len(subs[0].Events) != 2 {
		t.Errorf("Expected 2 events, got %d", len(subs[0].Events))
	}
}

func TestCreateWebhook_RejectsInternalURL(t *testing.T) {
	r := setupRouter(NewMemoryStore())

	body := `{"url":"http://localhost:8080/hook","events":["billing.plan_changed"]}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/teams/team_a/webhooks", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for localhost URL, got %d", w.Code)
	}
}

func TestCreateWebhook_RejectsUnknownEventType(t *testing.T) {
	r := setupRouter(NewMemoryStore())

	body := `{"url":"https://hooks.example.com/clinscale","events":["billing.made_up"]}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/teams/team_a/webhooks", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown event type, got %d", w.Code)
	}
}

func TestListWebhooks_HidesSecrets(t *testing.T) {
	store := NewMemoryStore()
	store.Create(context.Background(), &Subscription{
		ID:        "wh1",
		TeamID:    "team_a",
		URL:       "https://hooks.example.com/clinscale",
		Secret:    "supersecret",
		Events:    []EventType{EventPlanChanged},
		Active:    true,
		CreatedAt: time.Now(),
	})
	r := setupRouter(store)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/teams/team_a/webhooks", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "supersecret") {
		t.Error("Secret must not appear in list response")
	}
}

func TestDeleteWebhook(t *testing.T) {
	store := NewMemoryStore()
	store.Create(context.Background(), &Subscription{ID: "wh1", TeamID: "team_a"})
	r := setupRouter(store)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("DELETE", "/v1/teams/team_a/webhooks/wh1", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if _, err := store.Get(context.Background(), "wh1"); err == nil {
		t.Error("Expected subscription gone after delete")
	}
}
