package agent

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/browserpilot/internal/frame"
	"github.com/shehryarbajwa/browserpilot/internal/metrics"
	"github.com/shehryarbajwa/browserpilot/internal/retry"
	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

const historyLimit = 10

// Config tunes a Worker.
type Config struct {
	StartURL         string
	MaxSteps         int
	LoopHistory      int
	FrameInterval    time.Duration
	FrameBackoff     time.Duration
	FrameJoinTimeout time.Duration
	PausePoll        time.Duration
	DecideTimeout    time.Duration
	// MaxFailures is the number of consecutive failed steps after which the
	// run is abandoned.
	MaxFailures  int
	CaptureRetry retry.Config
	DecideRetry  retry.Config
}

// DefaultConfig mirrors the server defaults.
func DefaultConfig() Config {
	return Config{
		MaxSteps:         40,
		LoopHistory:      3,
		FrameInterval:    50 * time.Millisecond,
		FrameBackoff:     500 * time.Millisecond,
		FrameJoinTimeout: time.Second,
		PausePoll:        250 * time.Millisecond,
		DecideTimeout:    30 * time.Second,
		MaxFailures:      3,
		CaptureRetry:     retry.Config{InitialDelay: 200 * time.Millisecond, MaxDelay: time.Second, MaxAttempts: 3, Jitter: true},
		DecideRetry:      retry.Config{InitialDelay: time.Second, MaxDelay: 4 * time.Second, MaxAttempts: 2, Jitter: true},
	}
}

// Deps are the collaborators a Worker drives. Memory is optional.
type Deps struct {
	Engine   Engine
	Decider  Decider
	Sink     Sink
	Controls Controls
	Memory   Memory
	Encoder  *frame.Encoder
}

// Worker executes one session's task.
type Worker struct {
	cfg  Config
	task string
	deps Deps
	log  zerolog.Logger

	steps    *StepEmitter
	loops    *LoopDetector
	recovery Recovery
	frames   *FrameProducer
}

func NewWorker(sessionID, task string, deps Deps, cfg Config) *Worker {
	def := DefaultConfig()
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = def.MaxSteps
	}
	if cfg.PausePoll <= 0 {
		cfg.PausePoll = def.PausePoll
	}
	if cfg.DecideTimeout <= 0 {
		cfg.DecideTimeout = def.DecideTimeout
	}
	if cfg.FrameJoinTimeout <= 0 {
		cfg.FrameJoinTimeout = def.FrameJoinTimeout
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if deps.Encoder == nil {
		deps.Encoder = frame.NewEncoder(60, 1280)
	}

	logger := log.With().Str("session_id", sessionID).Logger()
	return &Worker{
		cfg:    cfg,
		task:   task,
		deps:   deps,
		log:    logger,
		steps:  NewStepEmitter(deps.Sink),
		loops:  NewLoopDetector(cfg.LoopHistory),
		frames: NewFrameProducer(deps.Engine, deps.Encoder, deps.Sink, cfg.FrameInterval, cfg.FrameBackoff, logger),
	}
}

// run holds the state of one pass through the decision loop.
type run struct {
	tc       TaskContext
	last     models.Action
	lastFP   uint64
	haveFP   bool
	domain   string
	failures int
	finalURL string
}

// Run executes the task until it completes, fails, is stopped or ctx ends.
// The result is also published as a final event.
func (w *Worker) Run(ctx context.Context) models.Result {
	w.deps.Sink.SetPhase(models.PhaseRunning)
	w.log.Info().Str("task", w.task).Msg("worker started")

	frameCtx, stopFrames := context.WithCancel(ctx)
	var g errgroup.Group
	g.Go(func() error {
		w.frames.Run(frameCtx)
		return nil
	})

	result := w.loop(ctx)

	stopFrames()
	joined := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(w.cfg.FrameJoinTimeout):
		w.log.Warn().Dur("timeout", w.cfg.FrameJoinTimeout).Msg("frame producer did not stop in time")
	}

	result.Timeline = w.steps.Timeline()
	result.Steps = w.steps.Count()

	w.deps.Sink.SetPhase(result.Phase)
	w.deps.Sink.Publish(models.FinalEvent{Result: result})
	w.log.Info().Str("phase", string(result.Phase)).Int("steps", result.Steps).Msg("worker finished")
	return result
}

func (w *Worker) loop(ctx context.Context) models.Result {
	r := &run{tc: TaskContext{Task: w.task}}

	if w.cfg.StartURL != "" {
		nav := models.Action{Type: models.ActionNavigate, URL: w.cfg.StartURL}
		for {
			if _, stop := w.pollPoint(ctx); stop {
				return w.stopped(ctx, r)
			}
			res, started, done := w.perform(ctx, r, nav)
			if done {
				return res
			}
			if started {
				break
			}
		}
	}

	for {
		if _, stop := w.pollPoint(ctx); stop {
			return w.stopped(ctx, r)
		}
		if w.steps.Count() >= w.cfg.MaxSteps {
			return w.failed(r, fmt.Sprintf("Step budget of %d exhausted", w.cfg.MaxSteps))
		}
		if text, ok := w.deps.Controls.TakeNudge(); ok {
			r.tc.Nudges = append(r.tc.Nudges, text)
			w.deps.Sink.Publish(models.LogEvent{Level: models.LogInfo, Message: "Applying nudge: " + text})
		}

		raw, err := w.capture(ctx)
		if err != nil {
			if res, done := w.stepError(ctx, r, "Capture screen", err); done {
				return res
			}
			continue
		}
		w.observeLocation(ctx, r)

		r.tc.Step = w.steps.Count() + 1
		action, err := w.decide(ctx, raw, r.tc)
		if err != nil {
			if res, done := w.stepError(ctx, r, "Plan next action", err); done {
				return res
			}
			continue
		}

		// A pause that arrived while deciding holds the action back; after
		// resuming the page is captured again.
		waited, stop := w.pollPoint(ctx)
		if stop {
			return w.stopped(ctx, r)
		}
		if waited {
			continue
		}

		fp := frame.Fingerprint(raw)
		looped := w.loops.Observe(fp)
		if looped {
			action = w.recovery.Next(r.last, w.targets(ctx))
		}

		var res models.Result
		var started, done bool
		if action.Type == models.ActionDone {
			res, started, done = w.complete(r, action)
		} else {
			res, started, done = w.perform(ctx, r, action)
		}
		if !started {
			// Paused or stopped between the poll point and the step start.
			w.loops.Undo()
			if looped {
				w.recovery.Undo()
			}
			continue
		}

		if looped {
			metrics.LoopsDetected.Inc()
			w.log.Warn().Str("recovery", action.Label()).Int("attempt", w.recovery.Attempts()).Msg("loop detected")
			w.deps.Sink.Publish(models.LogEvent{
				Level:   models.LogWarn,
				Message: "No visual progress detected, tried: " + action.Label(),
			})
		} else if r.haveFP && fp != r.lastFP {
			w.recovery.Reset()
		}
		r.lastFP, r.haveFP = fp, true

		if done {
			return res
		}
	}
}

// begin publishes step_started for label unless a pause or stop has taken
// effect since the last poll point.
func (w *Worker) begin(label string) (int, bool) {
	var id int
	ok := w.deps.Controls.BeginStep(func() {
		id = w.steps.Start(label)
	})
	return id, ok
}

func (w *Worker) complete(r *run, action models.Action) (models.Result, bool, bool) {
	id, ok := w.begin(action.Label())
	if !ok {
		return models.Result{}, false, false
	}
	w.steps.Finish(id, nil)
	msg := action.Reason
	if msg == "" {
		msg = "Task complete"
	}
	return w.result(r, models.PhaseComplete, true, msg), true, true
}

// perform runs action as a step. It reports whether the step started and
// whether the run must end.
func (w *Worker) perform(ctx context.Context, r *run, action models.Action) (models.Result, bool, bool) {
	label := action.Label()
	id, ok := w.begin(label)
	if !ok {
		return models.Result{}, false, false
	}
	err := w.deps.Engine.Perform(ctx, action)
	w.steps.Finish(id, err)
	r.last = action

	entry := label
	if err != nil {
		entry += " (failed: " + userMessage(err) + ")"
	}
	r.tc.History = append(r.tc.History, entry)
	if len(r.tc.History) > historyLimit {
		r.tc.History = r.tc.History[len(r.tc.History)-historyLimit:]
	}

	if err != nil {
		w.log.Warn().Int("step", id).Str("action", label).Err(err).Msg("step failed")
		res, done := w.afterFailure(ctx, r, err)
		return res, true, done
	}
	w.log.Debug().Int("step", id).Str("action", label).Msg("step completed")
	r.failures = 0
	return models.Result{}, true, false
}

// stepError records a failed capture or decision as a step of its own.
func (w *Worker) stepError(ctx context.Context, r *run, label string, err error) (models.Result, bool) {
	if ctx.Err() != nil || w.deps.Controls.Stopped() {
		return w.stopped(ctx, r), true
	}
	id, ok := w.begin(label)
	if !ok {
		return models.Result{}, false
	}
	w.steps.Finish(id, err)
	w.log.Warn().Int("step", id).Str("action", label).Err(err).Msg("step failed")
	return w.afterFailure(ctx, r, err)
}

func (w *Worker) afterFailure(ctx context.Context, r *run, err error) (models.Result, bool) {
	if ctx.Err() != nil {
		return w.stopped(ctx, r), true
	}
	if errors.Is(err, ErrSurfaceClosed) {
		return w.failed(r, "Browser closed unexpectedly"), true
	}
	r.failures++
	if r.failures >= w.cfg.MaxFailures {
		return w.failed(r, fmt.Sprintf("Giving up after %d consecutive failures: %s", r.failures, userMessage(err))), true
	}
	return models.Result{}, false
}

// pollPoint blocks while the session is paused. It reports whether it waited
// and whether the run must stop. Stop always wins over pause.
func (w *Worker) pollPoint(ctx context.Context) (waited, stop bool) {
	c := w.deps.Controls
	for {
		changed := c.Changed()
		if c.Stopped() || ctx.Err() != nil {
			return waited, true
		}
		if !c.Paused() {
			return waited, false
		}
		if !waited {
			w.log.Info().Int("step", w.steps.Count()).Msg("worker paused")
		}
		waited = true

		timer := time.NewTimer(w.cfg.PausePoll)
		select {
		case <-ctx.Done():
		case <-changed:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (w *Worker) capture(ctx context.Context) ([]byte, error) {
	var raw []byte
	err := retry.Do(ctx, w.cfg.CaptureRetry, "capture", func(ctx context.Context) error {
		b, err := w.deps.Engine.Capture(ctx)
		if err != nil {
			if errors.Is(err, ErrSurfaceClosed) {
				return retry.Permanent(err)
			}
			return err
		}
		raw = b
		return nil
	})
	return raw, err
}

func (w *Worker) decide(ctx context.Context, raw []byte, tc TaskContext) (models.Action, error) {
	var action models.Action
	err := retry.Do(ctx, w.cfg.DecideRetry, "decide", func(ctx context.Context) error {
		dctx, cancel := context.WithTimeout(ctx, w.cfg.DecideTimeout)
		defer cancel()

		start := time.Now()
		a, err := w.deps.Decider.Decide(dctx, raw, tc)
		metrics.ObserveReasoning(start)
		if err != nil {
			return err
		}
		action = a
		return nil
	})
	return action, err
}

// observeLocation refreshes the current URL and, on a new domain, loads
// hints from past runs.
func (w *Worker) observeLocation(ctx context.Context, r *run) {
	current, err := w.deps.Engine.CurrentTarget(ctx)
	if err != nil {
		return
	}
	r.tc.URL = current
	r.finalURL = current

	domain := domainOf(current)
	if domain == "" || domain == r.domain {
		return
	}
	r.domain = domain
	r.tc.Hints = nil
	if w.deps.Memory == nil {
		return
	}
	hints, err := w.deps.Memory.Hints(ctx, domain)
	if err != nil {
		w.log.Warn().Err(err).Str("domain", domain).Msg("loading hints failed")
		return
	}
	if len(hints) > 0 {
		r.tc.Hints = hints
		w.deps.Sink.Publish(models.LogEvent{
			Level:   models.LogInfo,
			Message: fmt.Sprintf("Using %d hints from earlier runs on %s", len(hints), domain),
		})
	}
}

func (w *Worker) targets(ctx context.Context) []string {
	lister, ok := w.deps.Engine.(TargetLister)
	if !ok {
		return nil
	}
	targets, err := lister.Targets(ctx)
	if err != nil {
		w.log.Debug().Err(err).Msg("listing targets failed")
		return nil
	}
	return targets
}

func (w *Worker) stopped(ctx context.Context, r *run) models.Result {
	msg := "Stopped by user"
	if ctx.Err() != nil && !w.deps.Controls.Stopped() {
		msg = "Session torn down"
	}
	return w.result(r, models.PhaseStopped, false, msg)
}

func (w *Worker) failed(r *run, msg string) models.Result {
	w.deps.Sink.Publish(models.LogEvent{Level: models.LogError, Message: msg})
	return w.result(r, models.PhaseFailed, false, msg)
}

func (w *Worker) result(r *run, phase models.Phase, success bool, msg string) models.Result {
	res := models.Result{
		Success:  success,
		Phase:    phase,
		Message:  msg,
		FinalURL: r.finalURL,
	}
	w.remember(r, res)
	return res
}

// remember records the outcome in memory. It runs even when ctx is done.
func (w *Worker) remember(r *run, res models.Result) {
	if w.deps.Memory == nil || r.domain == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	o := Outcome{
		Domain:     r.domain,
		Task:       w.task,
		Success:    res.Success,
		Steps:      w.steps.Count(),
		Actions:    w.steps.Completed(),
		FinishedAt: time.Now().UTC(),
	}
	if !res.Success {
		o.Error = res.Message
	}
	if err := w.deps.Memory.Record(ctx, o); err != nil {
		w.log.Warn().Err(err).Msg("recording outcome failed")
	}
}

func domainOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
