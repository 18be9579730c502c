package agent

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browserpilot/internal/retry"
	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

func screen(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fakeEngine struct {
	mu         sync.Mutex
	screen     []byte
	url        string
	targets    []string
	captureErr error
	performed  []models.Action
	captures   int

	// onPerform runs after an action is recorded; n is 1-based.
	onPerform func(n int, a models.Action) error
}

func (e *fakeEngine) Capture(context.Context) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.captures++
	if e.captureErr != nil {
		return nil, e.captureErr
	}
	return e.screen, nil
}

func (e *fakeEngine) CurrentTarget(context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.url, nil
}

func (e *fakeEngine) Perform(_ context.Context, a models.Action) error {
	e.mu.Lock()
	e.performed = append(e.performed, a)
	n := len(e.performed)
	hook := e.onPerform
	e.mu.Unlock()
	if hook != nil {
		return hook(n, a)
	}
	return nil
}

func (e *fakeEngine) Targets(context.Context) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.targets, nil
}

func (e *fakeEngine) Performed() []models.Action {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Action, len(e.performed))
	copy(out, e.performed)
	return out
}

type fakeDecider struct {
	mu     sync.Mutex
	calls  []TaskContext
	script func(n int, tc TaskContext) (models.Action, error)
}

func (d *fakeDecider) Decide(_ context.Context, _ []byte, tc TaskContext) (models.Action, error) {
	d.mu.Lock()
	d.calls = append(d.calls, tc)
	n := len(d.calls)
	d.mu.Unlock()
	return d.script(n, tc)
}

func (d *fakeDecider) Calls() []TaskContext {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]TaskContext, len(d.calls))
	copy(out, d.calls)
	return out
}

// recordingSink stands in for a session when no observers are involved.
type recordingSink struct {
	mu     sync.Mutex
	events []models.Event
	phases []models.Phase
}

func (s *recordingSink) Publish(ev models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) SetPhase(p models.Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phases = append(s.phases, p)
}

func (s *recordingSink) Events() []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *recordingSink) Phases() []models.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Phase, len(s.phases))
	copy(out, s.phases)
	return out
}

// nonFrame drops frame events so step sequences can be compared directly.
func nonFrame(events []models.Event) []models.Event {
	var out []models.Event
	for _, ev := range events {
		if ev.Kind() != models.KindFrame {
			out = append(out, ev)
		}
	}
	return out
}

type fakeMemory struct {
	mu       sync.Mutex
	hints    map[string][]string
	recorded []Outcome
}

func (m *fakeMemory) Hints(_ context.Context, domain string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hints[domain], nil
}

func (m *fakeMemory) Record(_ context.Context, o Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorded = append(m.recorded, o)
	return nil
}

func testConfig() Config {
	return Config{
		MaxSteps:         20,
		LoopHistory:      3,
		FrameInterval:    time.Hour,
		FrameBackoff:     time.Hour,
		FrameJoinTimeout: time.Second,
		PausePoll:        10 * time.Millisecond,
		DecideTimeout:    time.Second,
		MaxFailures:      3,
		CaptureRetry:     retry.Config{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 2},
		DecideRetry:      retry.Config{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 1},
	}
}
