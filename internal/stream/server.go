// Package stream connects observers to sessions: a bidirectional WebSocket
// channel carrying events out and commands in, and a read-only SSE feed.
package stream

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/shehryarbajwa/browserpilot/internal/session"
	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

// Options configures a Server.
type Options struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	OutboxSize     int
	AllowedOrigins []string
}

func (o *Options) applyDefaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = 20 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.OutboxSize <= 0 {
		o.OutboxSize = 64
	}
}

// Server serves observer connections for the sessions in a registry.
type Server struct {
	registry *session.Registry
	opts     Options
	upgrader websocket.Upgrader
}

func NewServer(registry *session.Registry, opts Options) *Server {
	opts.applyDefaults()
	s := &Server{registry: registry, opts: opts}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin allows requests without an Origin header and, when no origins
// are configured, every origin.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

// observerKey groups connections by client id and role. Anonymous
// connections are never merged.
func observerKey(r *http.Request, transport string) string {
	clientID := strings.TrimSpace(r.URL.Query().Get("client_id"))
	if clientID == "" {
		return ""
	}
	role := strings.TrimSpace(r.URL.Query().Get("role"))
	if role == "" {
		role = "viewer"
	}
	return transport + "|" + clientID + "|" + role
}

func closeCode(reason string) int {
	switch reason {
	case session.ReasonReplaced:
		return models.CloseReplaced
	case session.ReasonEnded:
		return models.CloseSessionEnded
	}
	return websocket.CloseNormalClosure
}

// lookup writes a 404 and reports false when the session does not exist.
func (s *Server) lookup(w http.ResponseWriter, id string) bool {
	_, err := s.registry.Get(id)
	if err == nil {
		return true
	}
	status := http.StatusInternalServerError
	if errors.Is(err, session.ErrNotFound) {
		status = http.StatusNotFound
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
	return false
}

// observer is a connection-backed session.Observer. Events are queued in an
// outbox drained by the connection's writer.
type observer struct {
	id     string
	key    string
	outbox *session.Outbox

	mu     sync.Mutex
	reason string
}

func newObserver(key string, size int) *observer {
	return &observer{id: uuid.NewString(), key: key, outbox: session.NewOutbox(size)}
}

func (o *observer) ID() string  { return o.id }
func (o *observer) Key() string { return o.key }

func (o *observer) Send(ev models.Event) bool {
	return o.outbox.Offer(ev)
}

// Close stops the writer after it flushes what is queued. The first reason
// wins.
func (o *observer) Close(reason string) {
	o.mu.Lock()
	if o.reason == "" {
		o.reason = reason
	}
	o.mu.Unlock()
	o.outbox.Close()
}

func (o *observer) closeReason() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reason
}
