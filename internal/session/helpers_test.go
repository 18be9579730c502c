package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

type fakeObserver struct {
	id  string
	key string

	mu     sync.Mutex
	events []models.Event
	closed bool
	reason string

	// block, when non-nil, makes Send wait until it is closed.
	block chan struct{}
	// delay slows every Send.
	delay time.Duration
}

func newFakeObserver(id, key string) *fakeObserver {
	return &fakeObserver{id: id, key: key}
}

func (f *fakeObserver) ID() string  { return f.id }
func (f *fakeObserver) Key() string { return f.key }

func (f *fakeObserver) Send(ev models.Event) bool {
	if f.block != nil {
		<-f.block
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.events = append(f.events, ev)
	return true
}

func (f *fakeObserver) Close(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.reason = reason
}

func (f *fakeObserver) Events() []models.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Event, len(f.events))
	copy(out, f.events)
	return out
}

func (f *fakeObserver) Closed() (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.reason
}

func (f *fakeObserver) statuses() []models.Phase {
	var out []models.Phase
	for _, ev := range f.Events() {
		if st, ok := ev.(models.StatusEvent); ok {
			out = append(out, st.Phase)
		}
	}
	return out
}

func (f *fakeObserver) kinds() []models.EventKind {
	var out []models.EventKind
	for _, ev := range f.Events() {
		out = append(out, ev.Kind())
	}
	return out
}

// waitForEvents waits until the observer holds at least n events.
func waitForEvents(t *testing.T, f *fakeObserver, n int) []models.Event {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.Events()) >= n
	}, 2*time.Second, 5*time.Millisecond, "observer %s never received %d events", f.id, n)
	return f.Events()
}

func testRegistry(maxSessions int) *Registry {
	return NewRegistry(Options{
		MaxSessions:    maxSessions,
		Linger:         time.Minute,
		DestroyGrace:   500 * time.Millisecond,
		PublishTimeout: 100 * time.Millisecond,
		EventBuffer:    16,
	})
}
