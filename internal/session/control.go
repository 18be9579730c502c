package session

import "sync"

// ControlState holds the flags an observer uses to steer a running worker.
// Observers write it through the registry; the worker reads it between steps.
// Once stopped, it never reverts.
type ControlState struct {
	mu       sync.Mutex
	paused   bool
	stopped  bool
	nudge    string
	hasNudge bool
	changed  chan struct{}

	// announcing is set while BeginStep runs start. Work passed to AfterStep
	// meanwhile is queued in deferred and run once start returns.
	announcing bool
	deferred   []func()
}

// NewControlState returns a running (unpaused, unstopped) control state.
func NewControlState() *ControlState {
	return &ControlState{changed: make(chan struct{})}
}

// Pause sets paused. It reports false if the state was already paused or
// has been stopped.
func (c *ControlState) Pause() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.paused {
		return false
	}
	c.paused = true
	c.notifyLocked()
	return true
}

// Resume clears paused. It reports false if the state was not paused or
// has been stopped.
func (c *ControlState) Resume() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || !c.paused {
		return false
	}
	c.paused = false
	c.notifyLocked()
	return true
}

// Stop sets stopped and clears paused so a paused worker wakes up and exits.
// It reports false if already stopped.
func (c *ControlState) Stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	c.stopped = true
	c.paused = false
	c.notifyLocked()
	return true
}

// BeginStep runs start, which announces a new step, unless the state is
// paused or stopped. It reports whether start ran. Work handed to AfterStep
// while start runs is executed on this goroutine right after it.
func (c *ControlState) BeginStep(start func()) bool {
	c.mu.Lock()
	if c.paused || c.stopped {
		c.mu.Unlock()
		return false
	}
	c.announcing = true
	c.mu.Unlock()

	start()

	for {
		c.mu.Lock()
		pending := c.deferred
		c.deferred = nil
		if len(pending) == 0 {
			c.announcing = false
			c.mu.Unlock()
			return true
		}
		c.mu.Unlock()
		for _, fn := range pending {
			fn()
		}
	}
}

// AfterStep runs fn now, or, when a step announcement is in flight, right
// after it on the worker's goroutine. Callers use it to publish the effect of
// a pause or stop so it never precedes the announcement of a step that was
// admitted first. It never blocks on the worker.
func (c *ControlState) AfterStep(fn func()) {
	c.mu.Lock()
	if c.announcing {
		c.deferred = append(c.deferred, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn()
}

// Nudge stores text for the next decision, replacing any nudge not yet taken.
func (c *ControlState) Nudge(text string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	c.nudge = text
	c.hasNudge = true
	c.notifyLocked()
	return true
}

// TakeNudge returns the pending nudge, if any, and clears it.
func (c *ControlState) TakeNudge() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasNudge {
		return "", false
	}
	text := c.nudge
	c.nudge, c.hasNudge = "", false
	return text, true
}

func (c *ControlState) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *ControlState) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Changed returns a channel that is closed on the next state change. Take
// the channel before reading the flags to avoid missing a wakeup.
func (c *ControlState) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

func (c *ControlState) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}
