package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind is the wire tag of an outbound session event
type EventKind string

const (
	KindStatus        EventKind = "status"
	KindStepStarted   EventKind = "step_started"
	KindStepCompleted EventKind = "step_completed"
	KindStepFailed    EventKind = "step_failed"
	KindFrame         EventKind = "frame"
	KindLog           EventKind = "log"
	KindFinal         EventKind = "final"
	KindPing          EventKind = "ping"
	KindPong          EventKind = "pong"
)

// WebSocket close codes sent to observers.
const (
	// CloseSessionEnded tells the observer the session is gone; reconnecting
	// is pointless.
	CloseSessionEnded = 4000
	// CloseReplaced tells the observer a newer connection from the same
	// client took its place.
	CloseReplaced = 4001
	// CloseNotFound rejects a subscription to an unknown session.
	CloseNotFound = 4004
)

// Event is the closed set of messages a session emits to its observers.
// On the wire every event is a JSON object tagged by its "type" field.
type Event interface {
	Kind() EventKind
}

// StatusEvent reports the session's current phase
type StatusEvent struct {
	Phase Phase `json:"phase"`
}

// StepRef identifies a step in step_started events
type StepRef struct {
	ID    int    `json:"id"`
	Label string `json:"label"`
}

type StepStartedEvent struct {
	Step StepRef `json:"step"`
}

type StepCompletedEvent struct {
	ID int `json:"id"`
}

type StepFailedEvent struct {
	ID    int    `json:"id"`
	Error string `json:"error"`
}

// FrameEvent carries one base64 encoded JPEG capture
type FrameEvent struct {
	Data      string    `json:"data"`
	URL       string    `json:"url"`
	Timestamp time.Time `json:"timestamp"`
}

// LogLevel is the severity of a log event
type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

type LogEvent struct {
	Level   LogLevel `json:"level"`
	Message string   `json:"message"`
}

type FinalEvent struct {
	Result Result `json:"result"`
}

// PingEvent and PongEvent are transient keepalive messages; they never go
// through a session bridge.
type PingEvent struct{}

type PongEvent struct{}

func (StatusEvent) Kind() EventKind        { return KindStatus }
func (StepStartedEvent) Kind() EventKind   { return KindStepStarted }
func (StepCompletedEvent) Kind() EventKind { return KindStepCompleted }
func (StepFailedEvent) Kind() EventKind    { return KindStepFailed }
func (FrameEvent) Kind() EventKind         { return KindFrame }
func (LogEvent) Kind() EventKind           { return KindLog }
func (FinalEvent) Kind() EventKind         { return KindFinal }
func (PingEvent) Kind() EventKind          { return KindPing }
func (PongEvent) Kind() EventKind          { return KindPong }

// Encode marshals ev into a JSON object with a leading "type" tag.
func Encode(ev Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", ev.Kind(), err)
	}
	tag, _ := json.Marshal(string(ev.Kind()))

	out := make([]byte, 0, len(body)+len(tag)+10)
	out = append(out, `{"type":`...)
	out = append(out, tag...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

// Decode parses a tagged JSON object back into its concrete event type.
func Decode(data []byte) (Event, error) {
	var envelope struct {
		Type EventKind `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	var ev Event
	switch envelope.Type {
	case KindStatus:
		var e StatusEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		ev = e
	case KindStepStarted:
		var e StepStartedEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		ev = e
	case KindStepCompleted:
		var e StepCompletedEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		ev = e
	case KindStepFailed:
		var e StepFailedEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		ev = e
	case KindFrame:
		var e FrameEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		ev = e
	case KindLog:
		var e LogEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		ev = e
	case KindFinal:
		var e FinalEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		ev = e
	case KindPing:
		ev = PingEvent{}
	case KindPong:
		ev = PongEvent{}
	default:
		return nil, fmt.Errorf("decode event: unknown type %q", envelope.Type)
	}
	return ev, nil
}
