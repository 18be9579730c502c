package models

import (
	"errors"
	"fmt"
	"strings"
)

// CommandKind is the wire tag of an inbound observer command
type CommandKind string

const (
	CommandPause  CommandKind = "pause"
	CommandResume CommandKind = "resume"
	CommandStop   CommandKind = "stop"
	CommandNudge  CommandKind = "nudge"
	CommandPing   CommandKind = "ping"
	CommandPong   CommandKind = "pong"
)

// ErrUnknownCommand is returned by Validate for unrecognized command types.
var ErrUnknownCommand = errors.New("unknown command")

// Command is a message sent by an observer to control a session
type Command struct {
	Type CommandKind `json:"type"`
	Text string      `json:"text,omitempty"`
}

// Validate checks that the command is well formed.
func (c Command) Validate() error {
	switch c.Type {
	case CommandPause, CommandResume, CommandStop, CommandPing, CommandPong:
		return nil
	case CommandNudge:
		if strings.TrimSpace(c.Text) == "" {
			return fmt.Errorf("nudge requires text")
		}
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownCommand, c.Type)
}

// Keepalive reports whether the command is a ping or pong.
func (c Command) Keepalive() bool {
	return c.Type == CommandPing || c.Type == CommandPong
}
