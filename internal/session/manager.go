package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/browserpilot/internal/metrics"
	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

var (
	ErrNotFound       = errors.New("session not found")
	ErrAlreadyExists  = errors.New("session already exists")
	ErrCapacity       = errors.New("session capacity reached")
	ErrObserverInUse  = errors.New("observer already subscribed to another session")
	ErrFinished       = errors.New("session has finished")
	ErrInvalidCommand = errors.New("invalid command")
	ErrClosed         = errors.New("registry closed")
)

// Options configures a Registry.
type Options struct {
	MaxSessions    int
	Linger         time.Duration
	DestroyGrace   time.Duration
	PublishTimeout time.Duration
	EventBuffer    int
}

func (o *Options) applyDefaults() {
	if o.MaxSessions <= 0 {
		o.MaxSessions = 10
	}
	if o.Linger <= 0 {
		o.Linger = 5 * time.Minute
	}
	if o.DestroyGrace <= 0 {
		o.DestroyGrace = 5 * time.Second
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = time.Second
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 64
	}
}

// Registry holds every live session and the observers subscribed to them.
// Each session synchronizes its own state; the registry lock only guards
// membership.
type Registry struct {
	opts  Options
	slots *semaphore.Weighted

	mu        sync.RWMutex
	sessions  map[string]*Session
	observers map[string]string // observer id -> session id
	closed    bool
}

// NewRegistry creates a registry admitting at most opts.MaxSessions sessions.
func NewRegistry(opts Options) *Registry {
	opts.applyDefaults()
	return &Registry{
		opts:      opts,
		slots:     semaphore.NewWeighted(int64(opts.MaxSessions)),
		sessions:  make(map[string]*Session),
		observers: make(map[string]string),
	}
}

// Create allocates a session with fresh control state. Ids may be reused
// once the previous session with that id has been destroyed.
func (r *Registry) Create(id, task string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if _, exists := r.sessions[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}
	if !r.slots.TryAcquire(1) {
		return nil, fmt.Errorf("%w (%d)", ErrCapacity, r.opts.MaxSessions)
	}

	s := newSession(id, task, NewBridge(id, r.opts.EventBuffer, r.opts.PublishTimeout))
	r.sessions[id] = s
	metrics.SessionsActive.Inc()

	log.Info().Str("session_id", id).Msg("session created")
	return s, nil
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// List returns every session, oldest first.
func (r *Registry) List() []models.SessionInfo {
	r.mu.RLock()
	out := make([]models.SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Info())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Subscribe adds o to the session's observer set and immediately sends it
// the current phase. An observer belongs to at most one session. A newer
// observer with the same key replaces the older one, which is closed.
func (r *Registry) Subscribe(id string, o Observer) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if current, ok := r.observers[o.ID()]; ok {
		r.mu.Unlock()
		if current == id {
			return nil
		}
		return ErrObserverInUse
	}

	replaced := s.bridge.ByKey(o.Key())
	if replaced != nil {
		delete(r.observers, replaced.ID())
		s.bridge.Detach(replaced.ID())
		metrics.ObserversActive.Dec()
	}
	r.observers[o.ID()] = id
	metrics.ObserversActive.Inc()
	r.mu.Unlock()

	if replaced != nil {
		log.Info().Str("session_id", id).Str("observer_id", replaced.ID()).Msg("observer replaced by newer connection")
		replaced.Close(ReasonReplaced)
	}

	s.stopLinger()
	if err := s.attach(o); err != nil {
		// Destroyed after the lookup. Destroy normally drops the mapping.
		r.mu.Lock()
		if r.observers[o.ID()] == id {
			delete(r.observers, o.ID())
			metrics.ObserversActive.Dec()
		}
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", err, id)
	}

	log.Info().Str("session_id", id).Str("observer_id", o.ID()).Int("observers", s.bridge.Count()).Msg("observer subscribed")
	return nil
}

// Unsubscribe removes o from the session's observer set. It is idempotent.
// A finished session is destroyed when its last observer leaves.
func (r *Registry) Unsubscribe(id string, o Observer) {
	r.mu.Lock()
	current, ok := r.observers[o.ID()]
	if !ok || current != id {
		r.mu.Unlock()
		return
	}
	delete(r.observers, o.ID())
	s := r.sessions[id]
	r.mu.Unlock()

	metrics.ObserversActive.Dec()
	if s == nil {
		return
	}
	s.bridge.Detach(o.ID())

	log.Info().Str("session_id", id).Str("observer_id", o.ID()).Msg("observer unsubscribed")

	if s.Finished() && s.bridge.Count() == 0 {
		_ = r.Destroy(id)
	}
}

// Command applies an observer command to the session's control state and
// publishes the resulting status.
func (r *Registry) Command(id string, cmd models.Command) (models.SessionInfo, error) {
	if err := cmd.Validate(); err != nil {
		return models.SessionInfo{}, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	s, err := r.Get(id)
	if err != nil {
		return models.SessionInfo{}, err
	}
	if cmd.Keepalive() {
		return s.Info(), nil
	}
	if s.Finished() || s.Phase().Terminal() {
		return s.Info(), fmt.Errorf("%w: %s", ErrFinished, id)
	}

	ctrl := s.Control()
	switch cmd.Type {
	case models.CommandPause:
		if ctrl.Pause() {
			ctrl.AfterStep(s.publishPaused)
		}
	case models.CommandResume:
		s.resume()
	case models.CommandStop:
		if ctrl.Stop() {
			ctrl.AfterStep(func() {
				s.SetPhase(models.PhaseStopped)
				s.Publish(models.LogEvent{Level: models.LogInfo, Message: "Stop requested"})
			})
		}
	case models.CommandNudge:
		if ctrl.Nudge(cmd.Text) {
			s.Publish(models.LogEvent{Level: models.LogInfo, Message: "Nudge received: " + cmd.Text})
		}
	}

	log.Info().Str("session_id", id).Str("command", string(cmd.Type)).Msg("command applied")
	return s.Info(), nil
}

// Finish records the run's result once the worker has returned. The session
// stays readable until its last observer leaves, or for the linger period
// when nobody is watching.
func (r *Registry) Finish(id string, result models.Result) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.markFinished(result)

	if s.bridge.Count() == 0 {
		s.setLinger(time.AfterFunc(r.opts.Linger, func() {
			if s.bridge.Count() == 0 {
				_ = r.Destroy(id)
			}
		}))
	}
	log.Info().Str("session_id", id).Str("phase", string(result.Phase)).Bool("success", result.Success).Msg("session finished")
	return nil
}

// Destroy removes the session, stops its worker (waiting up to the grace
// period for cleanup) and closes its remaining observers.
func (r *Registry) Destroy(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.sessions, id)
	removed := 0
	for obsID, sid := range r.observers {
		if sid == id {
			delete(r.observers, obsID)
			removed++
		}
	}
	r.mu.Unlock()

	s.teardown(r.opts.DestroyGrace)

	r.slots.Release(1)
	metrics.SessionsActive.Dec()
	metrics.ObserversActive.Sub(float64(removed))

	log.Info().Str("session_id", id).Msg("session destroyed")
	return nil
}

// Close destroys every session concurrently and rejects new ones.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			if err := r.Destroy(id); err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ObserverCount returns the number of observers across all sessions.
func (r *Registry) ObserverCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.observers)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
