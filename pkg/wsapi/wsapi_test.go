package wsapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nursedude/meshforge-maps/pkg/eventbus"
	"github.com/nursedude/meshforge-maps/pkg/logx"
)

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newTestServerHTTP(t *testing.T, s *Server) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(s.handleUpgrade))
	t.Cleanup(ts.Close)
	return ts
}

func TestBroadcastDeliversToConnectedClient(t *testing.T) {
	s := New(logx.New("error"))
	ts := newTestServerHTTP(t, s)

	conn := dial(t, ts)
	waitForClientCount(t, s, 1)

	s.Broadcast(Message{Type: "NODE_POSITION", Timestamp: time.Now(), Source: "meshtastic"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Message
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("expected broadcast message, got error: %v", err)
	}
	if got.Type != "NODE_POSITION" {
		t.Errorf("expected NODE_POSITION, got %s", got.Type)
	}
}

func TestNewClientReplaysHistory(t *testing.T) {
	s := New(logx.New("error"), WithHistorySize(10))
	s.Broadcast(Message{Type: "NODE_POSITION", Source: "meshtastic", Timestamp: time.Now()})
	s.Broadcast(Message{Type: "NODE_TELEMETRY", Source: "meshtastic", Timestamp: time.Now()})

	ts := newTestServerHTTP(t, s)
	conn := dial(t, ts)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first, second Message
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("expected first replayed message: %v", err)
	}
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("expected second replayed message: %v", err)
	}
	if first.Type != "NODE_POSITION" || second.Type != "NODE_TELEMETRY" {
		t.Errorf("expected history in order, got %s then %s", first.Type, second.Type)
	}
}

func TestHistoryBoundedToConfiguredSize(t *testing.T) {
	s := New(logx.New("error"), WithHistorySize(2))
	for i := 0; i < 5; i++ {
		s.Broadcast(Message{Type: "NODE_POSITION", Timestamp: time.Now()})
	}
	s.mu.Lock()
	n := len(s.history)
	s.mu.Unlock()
	if n != 2 {
		t.Fatalf("expected history capped at 2, got %d", n)
	}
}

func TestPingReceivesPong(t *testing.T) {
	s := New(logx.New("error"))
	ts := newTestServerHTTP(t, s)
	conn := dial(t, ts)

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Message
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("expected pong: %v", err)
	}
	if got.Type != "pong" {
		t.Errorf("expected pong, got %s", got.Type)
	}
}

func TestUnknownMessageTypeIsSilentlyDropped(t *testing.T) {
	s := New(logx.New("error"))
	ts := newTestServerHTTP(t, s)
	conn := dial(t, ts)

	if err := conn.WriteJSON(map[string]string{"type": "subscribe_everything"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	// Follow with a ping: if the unknown type had produced a reply, it
	// would arrive before the pong and fail this assertion.
	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Message
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("expected pong: %v", err)
	}
	if got.Type != "pong" {
		t.Errorf("expected first reply to be pong (unknown type dropped), got %s", got.Type)
	}
}

func TestClientCountTracksConnectAndDisconnect(t *testing.T) {
	s := New(logx.New("error"))
	ts := newTestServerHTTP(t, s)

	conn := dial(t, ts)
	waitForClientCount(t, s, 1)

	conn.Close()
	waitForClientCount(t, s, 0)
}

func TestSubscribeBusForwardsEventsAsBroadcasts(t *testing.T) {
	s := New(logx.New("error"))
	bus := eventbus.New()
	s.SubscribeBus(bus)

	ts := newTestServerHTTP(t, s)
	conn := dial(t, ts)
	waitForClientCount(t, s, 1)

	lat, lon := 40.0, -105.0
	bus.Publish(eventbus.Event{Type: eventbus.NodePosition, Source: "meshtastic", NodeID: "n1", Lat: &lat, Lon: &lon})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Message
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("expected forwarded event: %v", err)
	}
	if got.NodeID != "n1" {
		t.Errorf("expected node id n1, got %s", got.NodeID)
	}
}

func TestOriginAllowedDefaultsToLoopbackOnly(t *testing.T) {
	s := New(logx.New("error"))
	if !s.originAllowed("") {
		t.Errorf("expected empty origin (non-browser client) to be allowed")
	}
	if !s.originAllowed("http://localhost:8080") {
		t.Errorf("expected localhost origin to be allowed")
	}
	if !s.originAllowed("http://127.0.0.1:8080") {
		t.Errorf("expected 127.0.0.1 origin to be allowed")
	}
	if s.originAllowed("http://evil.example.com") {
		t.Errorf("expected non-loopback origin to be rejected")
	}
}

func TestWithAllowedOriginsRestrictsToExplicitList(t *testing.T) {
	s := New(logx.New("error"), WithAllowedOrigins("http://mesh.local"))
	if !s.originAllowed("http://mesh.local") {
		t.Errorf("expected explicitly allowed origin to pass")
	}
	if s.originAllowed("http://localhost:8080") {
		t.Errorf("expected localhost to be rejected once an explicit allow-list is set")
	}
}

func waitForClientCount(t *testing.T, s *Server, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.ClientCount() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected client count %d, got %d", want, s.ClientCount())
}
