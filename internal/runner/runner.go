// Package runner starts sessions: it registers them, launches their browser
// and runs the agent worker until the task ends.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/shehryarbajwa/browserpilot/internal/agent"
	"github.com/shehryarbajwa/browserpilot/internal/frame"
	"github.com/shehryarbajwa/browserpilot/internal/session"
	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

// ErrInvalidRequest is returned for malformed session requests.
var ErrInvalidRequest = errors.New("invalid session request")

const maxTaskLen = 2000

// Browser is a launched automation surface owned by one session.
type Browser interface {
	agent.Engine
	Close(ctx context.Context) error
}

// Launcher starts a Browser for a session.
type Launcher interface {
	Launch(ctx context.Context, sessionID string) (Browser, error)
}

// LaunchFunc adapts a function to Launcher.
type LaunchFunc func(ctx context.Context, sessionID string) (Browser, error)

func (f LaunchFunc) Launch(ctx context.Context, sessionID string) (Browser, error) {
	return f(ctx, sessionID)
}

// Options configures a Manager.
type Options struct {
	Worker        agent.Config
	Encoder       *frame.Encoder
	LaunchTimeout time.Duration
	CloseTimeout  time.Duration
}

// Manager creates sessions and owns their worker goroutines.
type Manager struct {
	registry *session.Registry
	launcher Launcher
	decider  agent.Decider
	memory   agent.Memory
	opts     Options
}

// New returns a Manager. memory may be nil.
func New(registry *session.Registry, launcher Launcher, decider agent.Decider, memory agent.Memory, opts Options) *Manager {
	if opts.LaunchTimeout <= 0 {
		opts.LaunchTimeout = 60 * time.Second
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = 30 * time.Second
	}
	return &Manager{
		registry: registry,
		launcher: launcher,
		decider:  decider,
		memory:   memory,
		opts:     opts,
	}
}

// CreateSession registers a new session and starts its worker. It returns as
// soon as the session exists; progress is reported to observers.
func (m *Manager) CreateSession(req models.CreateSessionRequest) (models.SessionInfo, error) {
	task := strings.TrimSpace(req.Task)
	if task == "" {
		return models.SessionInfo{}, fmt.Errorf("%w: task is required", ErrInvalidRequest)
	}
	if len(task) > maxTaskLen {
		return models.SessionInfo{}, fmt.Errorf("%w: task longer than %d characters", ErrInvalidRequest, maxTaskLen)
	}
	if req.MaxSteps < 0 {
		return models.SessionInfo{}, fmt.Errorf("%w: maxSteps must not be negative", ErrInvalidRequest)
	}

	sess, err := m.registry.Create(uuid.NewString(), task)
	if err != nil {
		return models.SessionInfo{}, err
	}
	req.Task = task
	sess.Start(func(ctx context.Context) {
		m.run(ctx, sess, req)
	})
	return sess.Info(), nil
}

func (m *Manager) run(ctx context.Context, sess *session.Session, req models.CreateSessionRequest) {
	logger := log.With().Str("session_id", sess.ID).Logger()
	sess.SetPhase(models.PhaseStarting)

	launchCtx, cancel := context.WithTimeout(ctx, m.opts.LaunchTimeout)
	browser, err := m.launcher.Launch(launchCtx, sess.ID)
	cancel()
	if err != nil {
		logger.Error().Err(err).Msg("failed to launch browser")
		m.abort(ctx, sess, err)
		return
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), m.opts.CloseTimeout)
		defer cancel()
		if err := browser.Close(closeCtx); err != nil {
			logger.Warn().Err(err).Msg("failed to release browser")
		}
	}()

	cfg := m.opts.Worker
	if req.MaxSteps > 0 {
		cfg.MaxSteps = req.MaxSteps
	}
	if req.StartURL != "" {
		cfg.StartURL = req.StartURL
	}

	worker := agent.NewWorker(sess.ID, sess.Task, agent.Deps{
		Engine:   browser,
		Decider:  m.decider,
		Sink:     sess,
		Controls: sess.Control(),
		Memory:   m.memory,
		Encoder:  m.opts.Encoder,
	}, cfg)

	result := worker.Run(ctx)
	m.finish(sess.ID, result)
}

// abort ends a session whose browser never came up.
func (m *Manager) abort(ctx context.Context, sess *session.Session, err error) {
	result := models.Result{Phase: models.PhaseFailed, Message: "Could not start browser"}
	if ctx.Err() != nil || sess.Control().Stopped() {
		result = models.Result{Phase: models.PhaseStopped, Message: "Stopped before the browser started"}
	} else {
		sess.Publish(models.LogEvent{Level: models.LogError, Message: fmt.Sprintf("Could not start browser: %v", err)})
	}
	sess.SetPhase(result.Phase)
	sess.Publish(models.FinalEvent{Result: result})
	m.finish(sess.ID, result)
}

func (m *Manager) finish(id string, result models.Result) {
	if err := m.registry.Finish(id, result); err != nil {
		log.Debug().Err(err).Str("session_id", id).Msg("session gone before finish")
	}
}
