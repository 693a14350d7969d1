package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: EventBillingChanged, Timestamp: time.Now()}
	if !shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventBillingChanged},
	}}

	billingEvent := &Event{Type: EventBillingChanged}
	quotaEvent := &Event{Type: EventQuotaExhausted}

	if !shouldSend(client, billingEvent) {
		t.Error("Should receive billing_changed events")
	}
	if shouldSend(client, quotaEvent) {
		t.Error("Should NOT receive quota_exhausted events")
	}
}

func TestShouldSend_TeamFilter(t *testing.T) {
	client := &Client{sub: Subscription{
		TeamIDs: []string{"team_1"},
	}}

	matching := &Event{Type: EventBillingChanged, TeamID: "team_1"}
	notMatching := &Event{Type: EventBillingChanged, TeamID: "team_2"}

	if !shouldSend(client, matching) {
		t.Error("Should match the watched team")
	}
	if shouldSend(client, notMatching) {
		t.Error("Should NOT match other teams")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &Event{Type: EventBillingChanged}
	if !shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	h.BroadcastBillingChange("team_1", map[string]string{"plan": "starter"})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_BroadcastToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.BroadcastBillingChange("team_1", map[string]string{"plan": "enterprise", "status": "active"})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only watches team_9
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{TeamIDs: []string{"team_9"}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Another team's event should be filtered out
	h.BroadcastBillingChange("team_1", nil)
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive another team's event")
	default:
		// Good - filtered out
	}

	h.BroadcastQuotaExhausted("team_9", "scale_preview")

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive watched team's event")
	}
}
