package stream

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browserpilot/internal/session"
	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

type harness struct {
	reg *session.Registry
	srv *httptest.Server
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	reg := session.NewRegistry(session.Options{MaxSessions: 4, Linger: time.Minute})
	s := NewServer(reg, opts)

	r := mux.NewRouter()
	r.HandleFunc("/v1/sessions/{id}/ws", s.ServeWS).Methods("GET")
	r.HandleFunc("/v1/sessions/{id}/events", s.ServeSSE).Methods("GET")
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		_ = reg.Close(context.Background())
		srv.Close()
	})
	return &harness{reg: reg, srv: srv}
}

func (h *harness) dial(t *testing.T, sessionID, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/v1/sessions/" + sessionID + "/ws"
	if query != "" {
		url += "?" + query
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// next reads the next event, skipping keepalive pings.
func next(t *testing.T, conn *websocket.Conn) models.Event {
	t.Helper()
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		ev, err := models.Decode(data)
		require.NoError(t, err)
		if ev.Kind() == models.KindPing {
			continue
		}
		return ev
	}
}

func send(t *testing.T, conn *websocket.Conn, cmd models.Command) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(cmd))
}

func TestWebSocketObserverReceivesStatusAndEvents(t *testing.T) {
	h := newHarness(t, Options{})
	sess, err := h.reg.Create("s1", "task")
	require.NoError(t, err)

	conn := h.dial(t, "s1", "")
	assert.Equal(t, models.StatusEvent{Phase: models.PhaseIdle}, next(t, conn))

	sess.SetPhase(models.PhaseRunning)
	sess.Publish(models.StepStartedEvent{Step: models.StepRef{ID: 1, Label: "Click #go"}})

	assert.Equal(t, models.StatusEvent{Phase: models.PhaseRunning}, next(t, conn))
	assert.Equal(t, models.StepStartedEvent{Step: models.StepRef{ID: 1, Label: "Click #go"}}, next(t, conn))
}

func TestWebSocketCommands(t *testing.T) {
	h := newHarness(t, Options{})
	sess, err := h.reg.Create("s1", "task")
	require.NoError(t, err)
	sess.SetPhase(models.PhaseRunning)

	conn := h.dial(t, "s1", "")
	assert.Equal(t, models.StatusEvent{Phase: models.PhaseRunning}, next(t, conn))

	send(t, conn, models.Command{Type: models.CommandPause})
	assert.Equal(t, models.StatusEvent{Phase: models.PhasePaused}, next(t, conn))
	assert.True(t, sess.Control().Paused())

	send(t, conn, models.Command{Type: models.CommandPing})
	assert.Equal(t, models.PongEvent{}, next(t, conn))

	send(t, conn, models.Command{Type: "explode"})
	ev := next(t, conn)
	require.IsType(t, models.LogEvent{}, ev)
	assert.Equal(t, models.LogError, ev.(models.LogEvent).Level)
	assert.Contains(t, ev.(models.LogEvent).Message, "Invalid command")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	ev = next(t, conn)
	assert.Contains(t, ev.(models.LogEvent).Message, "Invalid message")

	send(t, conn, models.Command{Type: models.CommandNudge, Text: "try the menu"})
	ev = next(t, conn)
	assert.Equal(t, models.LogEvent{Level: models.LogInfo, Message: "Nudge received: try the menu"}, ev)

	send(t, conn, models.Command{Type: models.CommandResume})
	assert.Equal(t, models.StatusEvent{Phase: models.PhaseRunning}, next(t, conn))
}

func TestWebSocketDuplicateClientReplacesOlderConnection(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.reg.Create("s1", "task")
	require.NoError(t, err)

	first := h.dial(t, "s1", "client_id=c1&role=viewer")
	next(t, first)
	second := h.dial(t, "s1", "client_id=c1&role=viewer")
	next(t, second)

	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	var closeErr *websocket.CloseError
	for {
		_, _, err := first.ReadMessage()
		if err != nil {
			require.ErrorAs(t, err, &closeErr)
			break
		}
	}
	assert.Equal(t, models.CloseReplaced, closeErr.Code)

	require.Eventually(t, func() bool { return h.reg.ObserverCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketSessionDestroyedClosesObserver(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.reg.Create("s1", "task")
	require.NoError(t, err)

	conn := h.dial(t, "s1", "")
	next(t, conn)
	require.NoError(t, h.reg.Destroy("s1"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, models.CloseSessionEnded, closeErr.Code)
}

func TestWebSocketDisconnectUnsubscribes(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.reg.Create("s1", "task")
	require.NoError(t, err)

	conn := h.dial(t, "s1", "")
	next(t, conn)
	require.Equal(t, 1, h.reg.ObserverCount())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.reg.ObserverCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketServerPings(t *testing.T) {
	h := newHarness(t, Options{PingInterval: 20 * time.Millisecond})
	_, err := h.reg.Create("s1", "task")
	require.NoError(t, err)

	conn := h.dial(t, "s1", "")
	next(t, conn)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	ev, err := models.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, models.KindPing, ev.Kind())
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	h := newHarness(t, Options{})

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/v1/sessions/missing/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(h.srv.URL + "/v1/sessions/missing/events")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSSEObserver(t *testing.T) {
	h := newHarness(t, Options{})
	sess, err := h.reg.Create("s1", "task")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.srv.URL+"/v1/sessions/s1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	require.Eventually(t, func() bool { return h.reg.ObserverCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	sess.SetPhase(models.PhaseRunning)

	lines := make(chan string, 32)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	var got []string
	timeout := time.After(2 * time.Second)
	for len(got) < 4 {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream ended early")
			if field, value, ok := strings.Cut(line, ":"); ok && (field == "event" || field == "data") {
				got = append(got, field+":"+strings.TrimSpace(value))
			}
		case <-timeout:
			t.Fatalf("timed out, got %v", got)
		}
	}

	assert.Equal(t, []string{
		"event:status",
		`data:{"type":"status","phase":"IDLE"}`,
		"event:status",
		`data:{"type":"status","phase":"RUNNING"}`,
	}, got)
}

func TestCheckOrigin(t *testing.T) {
	s := NewServer(session.NewRegistry(session.Options{}), Options{AllowedOrigins: []string{"https://app.example.com"}})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.True(t, s.checkOrigin(req))

	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, s.checkOrigin(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, s.checkOrigin(req))
}
