// Package wsapi is the WebSocket push transport for meshforgemapsd: a
// bounded history replay followed by a live broadcast stream of event-bus
// activity (spec §4.14).
package wsapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nursedude/meshforge-maps/pkg/eventbus"
	"github.com/nursedude/meshforge-maps/pkg/logx"
)

// DefaultHistorySize is the bounded replay-buffer length handed to a
// newly-connecting client.
const DefaultHistorySize = 50

// AllowedMessageTypes is the closed set of inbound client message types.
// Anything else is silently dropped (spec §4.14).
var AllowedMessageTypes = map[string]bool{
	"ping":        true,
	"get_history": true,
	"get_stats":   true,
}

// Message is the frozen outbound envelope every broadcast event is
// serialized into.
type Message struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Source    string      `json:"source"`
	NodeID    string      `json:"node_id,omitempty"`
	Lat       *float64    `json:"lat,omitempty"`
	Lon       *float64    `json:"lon,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// FromEvent serializes a bus event into the broadcast envelope (spec
// §4.14's bridge contract).
func FromEvent(e eventbus.Event) Message {
	return Message{
		Type:      string(e.Type),
		Timestamp: e.Timestamp,
		Source:    e.Source,
		NodeID:    e.NodeID,
		Lat:       e.Lat,
		Lon:       e.Lon,
		Data:      e.Data,
	}
}

type clientMessage struct {
	Type string `json:"type"`
}

type client struct {
	conn *websocket.Conn
	send chan Message
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Server is the WebSocket broadcast hub (spec §4.14). Zero value is not
// usable; construct with New.
type Server struct {
	logger       *logx.Logger
	historySize  int
	allowOrigins map[string]bool

	mu           sync.Mutex
	clients      map[*client]bool
	history      []Message
	messagesSent int64

	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithHistorySize overrides DefaultHistorySize.
func WithHistorySize(n int) Option { return func(s *Server) { s.historySize = n } }

// WithAllowedOrigins restricts upgrade requests to the given Origin
// header values (spec §4.14: "allow-listed localhost origins").
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		for _, o := range origins {
			s.allowOrigins[o] = true
		}
	}
}

// New creates a Server. With no WithAllowedOrigins option, every
// loopback-host origin is accepted and every other origin is rejected.
func New(logger *logx.Logger, opts ...Option) *Server {
	s := &Server{
		logger:       logger,
		historySize:  DefaultHistorySize,
		allowOrigins: make(map[string]bool),
		clients:      make(map[*client]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		// Non-browser clients (no Origin header) are accepted.
		return true
	}
	if len(s.allowOrigins) > 0 {
		return s.allowOrigins[origin]
	}
	host := origin
	if u, err := splitOriginHost(origin); err == nil {
		host = u
	}
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

func splitOriginHost(origin string) (string, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(origin, "http://"), "https://")
	host, _, err := net.SplitHostPort(trimmed)
	if err != nil {
		return trimmed, nil
	}
	return host, nil
}

// Start binds the WebSocket server to host:port.
func (s *Server) Start(host string, port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)

	addr := net.JoinHostPort(host, itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{Handler: mux}
	s.logger.Info("starting websocket server", "addr", addr)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("websocket server error", "error", err.Error())
		}
	}()
	return nil
}

// Stop gracefully shuts the server down, closing every connected client.
// Idempotent.
func (s *Server) Stop() error {
	s.mu.Lock()
	for c := range s.clients {
		close(c.send)
		c.conn.Close()
	}
	s.clients = make(map[*client]bool)
	s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)
	s.httpServer = nil
	return err
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.originAllowed(r.Header.Get("Origin")) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err.Error())
		return
	}

	c := &client{conn: conn, send: make(chan Message, 64)}

	// History replay and registration happen under the same lock so a
	// newly-connecting client sees either the replayed history or a
	// broadcast racing it in, never a gap or a duplicate (spec §4.14).
	s.mu.Lock()
	replay := append([]Message(nil), s.history...)
	s.clients[c] = true
	s.mu.Unlock()

	go s.writePump(c)
	for _, m := range replay {
		c.send <- m
	}

	s.readPump(c)
}

func (s *Server) writePump(c *client) {
	for m := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.conn.WriteJSON(m); err != nil {
			s.removeClient(c)
			return
		}
	}
}

func (s *Server) readPump(c *client) {
	defer s.removeClient(c)
	defer c.conn.Close()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue // malformed message, silently dropped
		}
		if !AllowedMessageTypes[msg.Type] {
			continue
		}

		switch msg.Type {
		case "ping":
			c.send <- Message{Type: "pong", Timestamp: time.Now().UTC()}
		case "get_stats":
			c.send <- Message{Type: "stats", Timestamp: time.Now().UTC(), Data: s.Stats()}
		case "get_history":
			s.mu.Lock()
			replay := append([]Message(nil), s.history...)
			s.mu.Unlock()
			for _, m := range replay {
				c.send <- m
			}
		}
	}
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
}

// Broadcast appends m to the bounded history and schedules it for
// delivery to every connected client. History append and send scheduling
// happen inside the same critical section (spec §4.14's thread-safety
// invariant).
func (s *Server) Broadcast(m Message) {
	s.mu.Lock()
	s.history = append(s.history, m)
	if len(s.history) > s.historySize {
		s.history = s.history[len(s.history)-s.historySize:]
	}
	for c := range s.clients {
		select {
		case c.send <- m:
			s.messagesSent++
		default:
			// Slow consumer: drop rather than block the broadcaster.
		}
	}
	s.mu.Unlock()
}

// SubscribeBus wires Broadcast to every bus event via a wildcard
// subscription (spec §4.14's bridge contract).
func (s *Server) SubscribeBus(bus *eventbus.Bus) eventbus.SubscriptionID {
	return bus.Subscribe(eventbus.Wildcard, func(e eventbus.Event) {
		s.Broadcast(FromEvent(e))
	})
}

// ClientCount reports the number of currently connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// MessagesSent reports the cumulative count of messages handed to a
// client send channel.
func (s *Server) MessagesSent() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messagesSent
}

// Stats is the point-in-time snapshot reported by get_stats.
type Stats struct {
	ClientCount  int   `json:"client_count"`
	MessagesSent int64 `json:"messages_sent"`
	HistorySize  int   `json:"history_size"`
}

// Stats reports the current hub statistics.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		ClientCount:  len(s.clients),
		MessagesSent: s.messagesSent,
		HistorySize:  len(s.history),
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
