package runner

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browserpilot/internal/agent"
	"github.com/shehryarbajwa/browserpilot/internal/retry"
	"github.com/shehryarbajwa/browserpilot/internal/session"
	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

type fakeBrowser struct {
	screen    []byte
	closed    atomic.Bool
	performed atomic.Int32
}

func (b *fakeBrowser) Capture(context.Context) ([]byte, error) { return b.screen, nil }
func (b *fakeBrowser) CurrentTarget(context.Context) (string, error) {
	return "https://example.com", nil
}
func (b *fakeBrowser) Perform(context.Context, models.Action) error {
	b.performed.Add(1)
	return nil
}
func (b *fakeBrowser) Close(context.Context) error {
	b.closed.Store(true)
	return nil
}

type scriptedDecider struct {
	mu    sync.Mutex
	calls int
	next  func(n int) models.Action
}

func (d *scriptedDecider) Decide(context.Context, []byte, agent.TaskContext) (models.Action, error) {
	d.mu.Lock()
	d.calls++
	n := d.calls
	d.mu.Unlock()
	return d.next(n), nil
}

func blankPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))))
	return buf.Bytes()
}

func workerConfig() agent.Config {
	return agent.Config{
		MaxSteps:      20,
		LoopHistory:   3,
		FrameInterval: time.Hour,
		FrameBackoff:  time.Hour,
		PausePoll:     10 * time.Millisecond,
		CaptureRetry:  retry.Config{InitialDelay: time.Millisecond, MaxAttempts: 1},
		DecideRetry:   retry.Config{InitialDelay: time.Millisecond, MaxAttempts: 1},
	}
}

// awaitResult waits for the worker to hand its result to the registry.
func awaitResult(t *testing.T, reg *session.Registry, id string) models.Result {
	t.Helper()
	sess, err := reg.Get(id)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := sess.Result()
		return ok
	}, 3*time.Second, 5*time.Millisecond)
	res, _ := sess.Result()
	return res
}

func TestCreateSessionRunsToCompletion(t *testing.T) {
	reg := session.NewRegistry(session.Options{MaxSessions: 2})
	defer reg.Close(context.Background())

	browser := &fakeBrowser{screen: blankPNG(t)}
	decider := &scriptedDecider{next: func(n int) models.Action {
		if n < 3 {
			return models.Action{Type: models.ActionClick, Target: "#next"}
		}
		return models.Action{Type: models.ActionDone, Reason: "reached the end"}
	}}
	launcher := LaunchFunc(func(context.Context, string) (Browser, error) { return browser, nil })
	m := New(reg, launcher, decider, nil, Options{Worker: workerConfig()})

	info, err := m.CreateSession(models.CreateSessionRequest{Task: "  click through  "})
	require.NoError(t, err)
	assert.Equal(t, "click through", info.Task)
	assert.Len(t, info.ID, 36)

	res := awaitResult(t, reg, info.ID)
	assert.True(t, res.Success)
	assert.Equal(t, "reached the end", res.Message)
	assert.EqualValues(t, 2, browser.performed.Load())

	sess, err := reg.Get(info.ID)
	require.NoError(t, err)
	<-sess.WorkerDone()
	assert.True(t, browser.closed.Load())
	assert.Equal(t, models.PhaseComplete, sess.Phase())
}

func TestCreateSessionAppliesStepBudget(t *testing.T) {
	reg := session.NewRegistry(session.Options{MaxSessions: 1})
	defer reg.Close(context.Background())

	browser := &fakeBrowser{screen: blankPNG(t)}
	decider := &scriptedDecider{next: func(int) models.Action { return models.Action{Type: models.ActionWait} }}
	launcher := LaunchFunc(func(context.Context, string) (Browser, error) { return browser, nil })
	m := New(reg, launcher, decider, nil, Options{Worker: workerConfig()})

	info, err := m.CreateSession(models.CreateSessionRequest{Task: "wait around", MaxSteps: 2})
	require.NoError(t, err)

	res := awaitResult(t, reg, info.ID)
	assert.Equal(t, models.PhaseFailed, res.Phase)
	assert.Equal(t, 2, res.Steps)
}

func TestLaunchFailureFailsSession(t *testing.T) {
	reg := session.NewRegistry(session.Options{MaxSessions: 1})
	defer reg.Close(context.Background())

	launcher := LaunchFunc(func(context.Context, string) (Browser, error) {
		return nil, errors.New("docker daemon unavailable")
	})
	m := New(reg, launcher, &scriptedDecider{}, nil, Options{Worker: workerConfig()})

	info, err := m.CreateSession(models.CreateSessionRequest{Task: "anything"})
	require.NoError(t, err)

	res := awaitResult(t, reg, info.ID)
	assert.False(t, res.Success)
	assert.Equal(t, models.PhaseFailed, res.Phase)
	assert.Equal(t, "Could not start browser", res.Message)
}

func TestCreateSessionValidation(t *testing.T) {
	reg := session.NewRegistry(session.Options{MaxSessions: 1})
	defer reg.Close(context.Background())
	launcher := LaunchFunc(func(context.Context, string) (Browser, error) {
		return &fakeBrowser{screen: blankPNG(t)}, nil
	})
	m := New(reg, launcher, &scriptedDecider{next: func(int) models.Action {
		return models.Action{Type: models.ActionWait}
	}}, nil, Options{Worker: workerConfig()})

	_, err := m.CreateSession(models.CreateSessionRequest{Task: "   "})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = m.CreateSession(models.CreateSessionRequest{Task: "x", MaxSteps: -1})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = m.CreateSession(models.CreateSessionRequest{Task: "first"})
	require.NoError(t, err)
	_, err = m.CreateSession(models.CreateSessionRequest{Task: "second"})
	assert.ErrorIs(t, err, session.ErrCapacity)
}
