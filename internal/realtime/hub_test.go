package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/escrowd/internal/events"
	"github.com/mbd888/escrowd/internal/logging"
)

func testHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func TestSubscription_Matches(t *testing.T) {
	released := &events.Event{Kind: events.EscrowReleased, Accounts: []string{"A", "B"}}

	tests := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{"empty matches all", Subscription{}, true},
		{"kind match", Subscription{Kinds: []events.Kind{events.EscrowReleased}}, true},
		{"kind mismatch", Subscription{Kinds: []events.Kind{events.RefundDenied}}, false},
		{"account match", Subscription{Accounts: []string{"B"}}, true},
		{"account mismatch", Subscription{Accounts: []string{"C"}}, false},
		{"both must match", Subscription{Kinds: []events.Kind{events.EscrowReleased}, Accounts: []string{"C"}}, false},
	}
	for _, tt := range tests {
		if got := tt.sub.Matches(released); got != tt.want {
			t.Errorf("%s: Matches = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestHub_PublishToClient(t *testing.T) {
	h := testHub(t)
	client := &Client{hub: h, send: make(chan []byte, 4), sub: Subscription{Accounts: []string{"A"}}}
	h.register <- client

	_ = h.Publish(context.Background(), &events.Event{Kind: events.EscrowCreated, Accounts: []string{"X"}})
	_ = h.Publish(context.Background(), &events.Event{Kind: events.EscrowCreated, Accounts: []string{"A"}, Key: "escrow:1"})

	select {
	case msg := <-client.send:
		var e events.Event
		if err := json.Unmarshal(msg, &e); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if e.Key != "escrow:1" {
			t.Errorf("expected the event for A, got key %q", e.Key)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestHub_SlowClientDropped(t *testing.T) {
	h := testHub(t)
	client := &Client{hub: h, send: make(chan []byte)} // unbuffered and never read
	h.register <- client

	_ = h.Publish(context.Background(), &events.Event{Kind: events.RefundApproved})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if h.Stats()["connectedClients"].(int) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("slow client was not dropped")
}

func TestHub_StopsOnCancel(t *testing.T) {
	h := NewHub(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}
}

func TestHub_WebSocketEndToEnd(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := testHub(t)
	r := gin.New()
	r.GET("/ws", h.HandleWebSocket)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?kind=escrow.released"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for h.Stats()["connectedClients"].(int) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	_ = h.Publish(context.Background(), &events.Event{Kind: events.EscrowCreated})
	_ = h.Publish(context.Background(), &events.Event{Kind: events.EscrowReleased, Key: "escrow:9"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e events.Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("read: %v", err)
	}
	if e.Kind != events.EscrowReleased || e.Key != "escrow:9" {
		t.Errorf("unexpected event %+v", e)
	}
}
