package utils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func hubTestServer(t *testing.T, hub *WebSocketHub) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		hub.AddClient(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestBroadcastReachesAllClients(t *testing.T) {
	hub := NewWebSocketHub()
	srv := hubTestServer(t, hub)

	first := dial(t, srv)
	second := dial(t, srv)

	// AddClient runs in the handler goroutine; wait for both to attach.
	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.ClientCount() != 2 {
		t.Fatalf("expected 2 clients, got %d", hub.ClientCount())
	}

	hub.Broadcast(WebSocketEvent{
		Type:    EventSyncSucceeded,
		Payload: SyncResultPayload{PeripheralID: "AA:BB:CC:DD:EE:01", ProfileID: "profile-1", EventCount: 3},
	})

	for _, conn := range []*websocket.Conn{first, second} {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}

		var event WebSocketEvent
		if err := json.Unmarshal(data, &event); err != nil {
			t.Fatalf("broadcast is not valid JSON: %v", err)
		}
		if event.Type != EventSyncSucceeded {
			t.Errorf("expected %s, got %s", EventSyncSucceeded, event.Type)
		}
	}
}

func TestBroadcastPrunesDeadClients(t *testing.T) {
	hub := NewWebSocketHub()
	srv := hubTestServer(t, hub)

	conn := dial(t, srv)

	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	conn.Close()

	// The closed client fails its write sooner or later and is dropped.
	deadline = time.Now().Add(2 * time.Second)
	for hub.ClientCount() > 0 && time.Now().Before(deadline) {
		hub.Broadcast(WebSocketEvent{Type: EventSchedulerSweep})
		time.Sleep(50 * time.Millisecond)
	}
	if hub.ClientCount() != 0 {
		t.Errorf("dead client was not pruned, count %d", hub.ClientCount())
	}
}

func TestBroadcastWithNoClients(t *testing.T) {
	hub := NewWebSocketHub()
	hub.Broadcast(WebSocketEvent{Type: EventScanStarted})
	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}
}
