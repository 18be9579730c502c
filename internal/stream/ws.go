package stream

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shehryarbajwa/browserpilot/internal/session"
	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

const maxCommandSize = 64 * 1024

// ServeWS handles GET /v1/sessions/{id}/ws. Events flow out as JSON text
// messages; commands flow in the same way.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	if !s.lookup(w, sessionID) {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("websocket upgrade failed")
		return
	}

	obs := newObserver(observerKey(r, "ws"), s.opts.OutboxSize)
	logger := log.With().Str("session_id", sessionID).Str("observer_id", obs.id).Logger()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(conn, obs, logger)
	}()

	if err := s.registry.Subscribe(sessionID, obs); err != nil {
		logger.Info().Err(err).Msg("subscribe rejected")
		obs.Send(models.LogEvent{Level: models.LogError, Message: "Subscribe failed: " + err.Error()})
		obs.Close(session.ReasonEnded)
		<-writerDone
		return
	}

	s.readPump(conn, sessionID, obs, logger)

	s.registry.Unsubscribe(sessionID, obs)
	obs.Close("")
	<-writerDone
	logger.Debug().Msg("observer connection closed")
}

// readPump applies inbound commands until the connection fails or goes
// quiet for longer than a ping interval plus the pong timeout.
func (s *Server) readPump(conn *websocket.Conn, sessionID string, obs *observer, logger zerolog.Logger) {
	idle := s.opts.PingInterval + s.opts.PongTimeout
	conn.SetReadLimit(maxCommandSize)
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug().Err(err).Msg("observer read failed")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))

		var cmd models.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			obs.Send(models.LogEvent{Level: models.LogError, Message: "Invalid message: expected a JSON command"})
			continue
		}

		switch cmd.Type {
		case models.CommandPing:
			obs.Send(models.PongEvent{})
			continue
		case models.CommandPong:
			continue
		}

		if _, err := s.registry.Command(sessionID, cmd); err != nil {
			logger.Info().Err(err).Str("command", string(cmd.Type)).Msg("command rejected")
			obs.Send(models.LogEvent{Level: models.LogError, Message: commandError(err)})
		}
	}
}

// writePump is the only writer of data messages on conn. It closes conn when
// it returns.
func (s *Server) writePump(conn *websocket.Conn, obs *observer, logger zerolog.Logger) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case <-obs.outbox.Ready():
			for _, ev := range obs.outbox.Drain() {
				if err := s.write(conn, ev); err != nil {
					logger.Debug().Err(err).Msg("observer write failed")
					return
				}
			}
		case <-ticker.C:
			if err := s.write(conn, models.PingEvent{}); err != nil {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteTimeout)); err != nil {
				return
			}
		case <-obs.outbox.Done():
			for _, ev := range obs.outbox.Drain() {
				if err := s.write(conn, ev); err != nil {
					return
				}
			}
			reason := obs.closeReason()
			msg := websocket.FormatCloseMessage(closeCode(reason), reason)
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}
	}
}

func (s *Server) write(conn *websocket.Conn, ev models.Event) error {
	data, err := models.Encode(ev)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func commandError(err error) string {
	switch {
	case errors.Is(err, session.ErrInvalidCommand):
		return "Invalid command: " + err.Error()
	case errors.Is(err, session.ErrFinished):
		return "Session has already finished"
	case errors.Is(err, session.ErrNotFound):
		return "Session not found"
	}
	return "Command failed: " + err.Error()
}
