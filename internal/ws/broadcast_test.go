package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raidwatch/backend/internal/app"
	"github.com/raidwatch/backend/internal/event"
	"github.com/raidwatch/backend/internal/session"
)

type staticSource []app.SessionStatus

func (s staticSource) Statuses() []app.SessionStatus { return s }

// dialTestWS creates a test HTTP server that upgrades to WebSocket and
// returns both ends. The caller closes the server.
func dialTestWS(t *testing.T) (*httptest.Server, *websocket.Conn, *websocket.Conn) {
	t.Helper()

	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connCh <- c
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}

	select {
	case serverConn := <-connCh:
		return srv, serverConn, clientConn
	case <-time.After(2 * time.Second):
		srv.Close()
		t.Fatal("timed out waiting for server-side WebSocket connection")
		return nil, nil, nil
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func TestAddClientSendsSnapshot(t *testing.T) {
	srv, serverConn, clientConn := dialTestWS(t)
	defer srv.Close()
	defer clientConn.Close()

	b := NewBroadcaster(staticSource{{Status: session.Status{Address: "10.0.0.1:28082", State: session.Connected}}}, time.Hour, 0)
	defer b.Stop()
	if _, err := b.AddClient(serverConn); err != nil {
		t.Fatal(err)
	}

	msg := readMessage(t, clientConn)
	if string(msg["type"]) != `"snapshot"` {
		t.Fatalf("type = %s, want snapshot", msg["type"])
	}
	if !strings.Contains(string(msg["payload"]), `"address":"10.0.0.1:28082"`) {
		t.Errorf("payload = %s", msg["payload"])
	}
}

func TestPublishDeliversEvent(t *testing.T) {
	srv, serverConn, clientConn := dialTestWS(t)
	defer srv.Close()
	defer clientConn.Close()

	b := NewBroadcaster(nil, time.Hour, 0)
	defer b.Stop()
	b.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	b.AddClient(serverConn)
	readMessage(t, clientConn) // snapshot

	b.Publish("10.0.0.1:28082", event.AlarmTriggered{EntityID: 77})

	msg := readMessage(t, clientConn)
	if string(msg["type"]) != `"event"` {
		t.Fatalf("type = %s, want event", msg["type"])
	}
	var p struct {
		Server string          `json:"server"`
		Kind   string          `json:"kind"`
		At     time.Time       `json:"at"`
		Event  json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(msg["payload"], &p); err != nil {
		t.Fatal(err)
	}
	if p.Server != "10.0.0.1:28082" || p.Kind != "alarm_triggered" {
		t.Errorf("payload = %+v", p)
	}
	if string(p.Event) != `{"entityId":77}` {
		t.Errorf("event = %s", p.Event)
	}
}

func TestAddClientMaxConnections(t *testing.T) {
	b := NewBroadcaster(nil, time.Hour, 1)
	defer b.Stop()

	srv1, conn1, client1 := dialTestWS(t)
	defer srv1.Close()
	defer client1.Close()
	if _, err := b.AddClient(conn1); err != nil {
		t.Fatalf("first AddClient: %v", err)
	}

	srv2, conn2, client2 := dialTestWS(t)
	defer srv2.Close()
	defer client2.Close()
	defer conn2.Close()
	if _, err := b.AddClient(conn2); err != ErrTooManyClients {
		t.Fatalf("second AddClient err = %v, want ErrTooManyClients", err)
	}
	if got := b.ClientCount(); got != 1 {
		t.Errorf("ClientCount = %d, want 1", got)
	}
}

func TestSlowClientDisconnected(t *testing.T) {
	srv, serverConn, clientConn := dialTestWS(t)
	defer srv.Close()
	defer clientConn.Close()

	b := NewBroadcaster(nil, time.Hour, 0)
	defer b.Stop()

	// Register without a write pump so the queue never drains.
	c := &client{conn: serverConn, b: b, send: make(chan []byte, 2)}
	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()

	for i := 0; i < 3; i++ {
		b.Publish("x", event.Connected{})
	}
	if got := b.ClientCount(); got != 0 {
		t.Errorf("ClientCount = %d, want slow client removed", got)
	}
}

// TestWritePumpRemovesClientOnWriteError verifies that a failed write
// unregisters the client.
func TestWritePumpRemovesClientOnWriteError(t *testing.T) {
	srv, serverConn, clientConn := dialTestWS(t)
	defer srv.Close()
	clientConn.Close()

	b := NewBroadcaster(nil, time.Hour, 0)
	defer b.Stop()

	c := &client{conn: serverConn, b: b, send: make(chan []byte, 4)}
	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()

	serverConn.Close()
	c.send <- []byte(`{"type":"test"}`)
	go c.writePump()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.ClientCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("client not removed after write error; ClientCount = %d", b.ClientCount())
}

func TestStopDisconnectsClients(t *testing.T) {
	srv, serverConn, clientConn := dialTestWS(t)
	defer srv.Close()
	defer clientConn.Close()

	b := NewBroadcaster(nil, time.Hour, 0)
	b.AddClient(serverConn)
	b.Stop()
	b.Stop()

	if got := b.ClientCount(); got != 0 {
		t.Errorf("ClientCount = %d after Stop", got)
	}
}
