package stream

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"github.com/tmaxmax/go-sse"

	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

// ServeSSE handles GET /v1/sessions/{id}/events, a read-only observer for
// clients that cannot hold a WebSocket. Each event is sent with its kind as
// the SSE event type and its JSON encoding as data.
func (s *Server) ServeSSE(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	if !s.lookup(w, sessionID) {
		return
	}

	// The stream outlives the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	conn, err := sse.Upgrade(w, r)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("sse upgrade failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	obs := newObserver(observerKey(r, "sse"), s.opts.OutboxSize)
	logger := log.With().Str("session_id", sessionID).Str("observer_id", obs.id).Logger()

	if err := s.registry.Subscribe(sessionID, obs); err != nil {
		logger.Info().Err(err).Msg("subscribe rejected")
		return
	}
	defer s.registry.Unsubscribe(sessionID, obs)

	ready := &sse.Message{}
	ready.AppendComment("ready")
	if err := conn.Send(ready); err != nil {
		return
	}
	_ = conn.Flush()

	keepalive := time.NewTicker(s.opts.PingInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-obs.outbox.Ready():
			for _, ev := range obs.outbox.Drain() {
				if err := sendEvent(conn, ev); err != nil {
					logger.Debug().Err(err).Msg("sse write failed")
					return
				}
			}
		case <-keepalive.C:
			msg := &sse.Message{}
			msg.AppendComment("keepalive")
			if err := conn.Send(msg); err != nil {
				return
			}
			_ = conn.Flush()
		case <-obs.outbox.Done():
			for _, ev := range obs.outbox.Drain() {
				if err := sendEvent(conn, ev); err != nil {
					return
				}
			}
			return
		}
	}
}

func sendEvent(conn *sse.Session, ev models.Event) error {
	data, err := models.Encode(ev)
	if err != nil {
		return err
	}
	msg := &sse.Message{Type: sse.Type(string(ev.Kind()))}
	msg.AppendData(string(data))
	if err := conn.Send(msg); err != nil {
		return err
	}
	return conn.Flush()
}
