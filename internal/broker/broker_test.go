package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func setupTestBroker(t *testing.T, projectID string) (*Broker, *httptest.Server) {
	t.Helper()
	b := New(nil, 2*time.Second)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			t.Logf("accept error: %v", err)
			return
		}
		b.HandleConnection(r.Context(), conn, projectID)
	}))
	t.Cleanup(server.Close)
	return b, server
}

func connectWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

func waitForConnections(t *testing.T, b *Broker, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.ActiveConnections() == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("ActiveConnections never reached %d, got %d", n, b.ActiveConnections())
}

func TestBroker_BroadcastProject_deliversToRoom(t *testing.T) {
	b, server := setupTestBroker(t, "proj-1")
	conn := connectWS(t, server)
	waitForConnections(t, b, 1)

	env, err := NewEnvelope(EventChat, strPtr("proj-1"), map[string]string{"text": "hi"}, nil)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	b.BroadcastProject("proj-1", env)

	got := readEnvelope(t, conn)
	if got.Type != EventChat {
		t.Errorf("Type = %q, want %q", got.Type, EventChat)
	}
	if got.ProjectID == nil || *got.ProjectID != "proj-1" {
		t.Errorf("ProjectID = %v, want proj-1", got.ProjectID)
	}
}

func TestBroker_BroadcastProject_ignoresOtherRooms(t *testing.T) {
	b, server := setupTestBroker(t, "proj-a")
	_ = connectWS(t, server)
	waitForConnections(t, b, 1)

	// No connection is joined to proj-b; this must be a silent no-op.
	env, _ := NewEnvelope(EventChat, strPtr("proj-b"), map[string]string{}, nil)
	b.BroadcastProject("proj-b", env)
}

func TestBroker_BroadcastAll_reachesEveryConnection(t *testing.T) {
	b, server := setupTestBroker(t, "proj-1")
	c1 := connectWS(t, server)
	c2 := connectWS(t, server)
	waitForConnections(t, b, 2)

	env, _ := NewEnvelope(EventUpdate, nil, map[string]string{"k": "v"}, nil)
	b.BroadcastAll(env)

	for _, c := range []*websocket.Conn{c1, c2} {
		got := readEnvelope(t, c)
		if got.Type != EventUpdate {
			t.Errorf("Type = %q, want %q", got.Type, EventUpdate)
		}
	}
}

func TestBroker_Unregister_onClose(t *testing.T) {
	b, server := setupTestBroker(t, "proj-1")
	conn := connectWS(t, server)
	waitForConnections(t, b, 1)

	conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && b.ActiveConnections() != 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if b.ActiveConnections() != 0 {
		t.Fatalf("ActiveConnections after close = %d, want 0", b.ActiveConnections())
	}
}

func strPtr(s string) *string { return &s }
