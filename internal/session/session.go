package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

// Session is one automation run: its control state, its bridge to observers
// and the worker goroutine executing it.
type Session struct {
	ID        string
	Task      string
	CreatedAt time.Time

	log     zerolog.Logger
	control *ControlState
	bridge  *Bridge

	// transition serializes phase changes with their status publish and
	// with observer attachment.
	transition sync.Mutex
	tornDown   bool

	mu       sync.RWMutex
	phase    models.Phase
	base     models.Phase
	finished bool
	result   *models.Result
	linger   *time.Timer

	ctx        context.Context
	cancel     context.CancelFunc
	started    atomic.Bool
	workerDone chan struct{}
}

func newSession(id, task string, bridge *Bridge) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:         id,
		Task:       task,
		CreatedAt:  time.Now().UTC(),
		log:        log.With().Str("session_id", id).Logger(),
		control:    NewControlState(),
		bridge:     bridge,
		phase:      models.PhaseIdle,
		base:       models.PhaseIdle,
		ctx:        ctx,
		cancel:     cancel,
		workerDone: make(chan struct{}),
	}
}

// Control returns the session's control state.
func (s *Session) Control() *ControlState {
	return s.control
}

// Publish hands ev to the session's bridge.
func (s *Session) Publish(ev models.Event) {
	s.bridge.Publish(ev)
}

func (s *Session) Phase() models.Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// SetPhase moves the session to p and publishes a status event. Terminal
// phases are final. While paused, non-terminal phases requested by the worker
// are remembered and restored on resume instead of being published.
func (s *Session) SetPhase(p models.Phase) {
	s.transition.Lock()
	defer s.transition.Unlock()

	s.mu.Lock()
	if s.phase.Terminal() || s.phase == p {
		s.mu.Unlock()
		return
	}
	if p != models.PhasePaused && !p.Terminal() {
		s.base = p
		if s.control.Paused() {
			s.mu.Unlock()
			return
		}
	}
	s.phase = p
	s.mu.Unlock()

	s.log.Info().Str("phase", string(p)).Msg("phase changed")
	s.bridge.Publish(models.StatusEvent{Phase: p})
}

// publishPaused moves the session to PAUSED if the pause is still in effect.
// A resume that got in first leaves the phase alone.
func (s *Session) publishPaused() {
	s.transition.Lock()
	defer s.transition.Unlock()

	if !s.control.Paused() {
		return
	}
	s.mu.Lock()
	if s.phase.Terminal() || s.phase == models.PhasePaused {
		s.mu.Unlock()
		return
	}
	s.phase = models.PhasePaused
	s.mu.Unlock()

	s.log.Info().Str("phase", string(models.PhasePaused)).Msg("phase changed")
	s.bridge.Publish(models.StatusEvent{Phase: models.PhasePaused})
}

// resume lifts a pause. The restored phase is published before the worker
// is released so observers never see a new step ahead of it.
func (s *Session) resume() bool {
	s.transition.Lock()
	defer s.transition.Unlock()

	if !s.control.Paused() {
		return false
	}

	s.mu.Lock()
	if s.phase.Terminal() {
		s.mu.Unlock()
		return false
	}
	p := s.base
	if p == models.PhaseIdle {
		p = models.PhaseRunning
	}
	changed := s.phase != p
	s.phase = p
	s.mu.Unlock()

	if changed {
		s.log.Info().Str("phase", string(p)).Msg("phase changed")
		s.bridge.Publish(models.StatusEvent{Phase: p})
	}
	return s.control.Resume()
}

// attach sends the current phase (and the result of a finished run) to o and
// adds it to the observer set. No earlier events are replayed. It fails with
// ErrNotFound once teardown has begun.
func (s *Session) attach(o Observer) error {
	s.transition.Lock()
	defer s.transition.Unlock()

	if s.tornDown {
		return ErrNotFound
	}

	s.mu.RLock()
	phase, result := s.phase, s.result
	s.mu.RUnlock()

	o.Send(models.StatusEvent{Phase: phase})
	if result != nil {
		o.Send(models.FinalEvent{Result: *result})
	}
	if !s.bridge.Attach(o) {
		return ErrNotFound
	}
	return nil
}

// Start runs fn on the session's worker goroutine. It has no effect after the
// first call.
func (s *Session) Start(fn func(ctx context.Context)) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(s.workerDone)
		fn(s.ctx)
	}()
}

// WorkerDone is closed when the worker started by Start returns.
func (s *Session) WorkerDone() <-chan struct{} {
	return s.workerDone
}

func (s *Session) Finished() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.finished
}

// Result returns the outcome of a finished run.
func (s *Session) Result() (models.Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.result == nil {
		return models.Result{}, false
	}
	return *s.result, true
}

func (s *Session) Info() models.SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return models.SessionInfo{
		ID:        s.ID,
		Task:      s.Task,
		Phase:     s.phase,
		CreatedAt: s.CreatedAt,
		Observers: s.bridge.Count(),
		Finished:  s.finished,
	}
}

func (s *Session) markFinished(result models.Result) {
	s.mu.Lock()
	s.finished = true
	s.result = &result
	s.mu.Unlock()
}

func (s *Session) setLinger(t *time.Timer) {
	s.mu.Lock()
	if s.linger != nil {
		s.linger.Stop()
	}
	s.linger = t
	s.mu.Unlock()
}

func (s *Session) stopLinger() {
	s.setLinger(nil)
}

// teardown stops the worker and waits up to grace for it to return, then
// flushes the bridge and closes every observer.
func (s *Session) teardown(grace time.Duration) {
	s.transition.Lock()
	s.tornDown = true
	s.transition.Unlock()

	s.stopLinger()
	s.control.Stop()
	s.cancel()

	if s.started.Load() {
		timer := time.NewTimer(grace)
		select {
		case <-s.workerDone:
		case <-timer.C:
			s.log.Warn().Dur("grace", grace).Msg("worker did not finish within grace period")
		}
		timer.Stop()
	}

	s.bridge.Close()
	for _, o := range s.bridge.Snapshot() {
		s.bridge.Detach(o.ID())
		o.Close(ReasonEnded)
	}
}
