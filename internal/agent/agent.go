// Package agent runs the automation decision loop for one session: it
// captures the page, asks the reasoning service for the next action, performs
// it, and reports frames and step lifecycle events through a Sink.
package agent

import (
	"context"
	"errors"
	"time"

	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

// ErrSurfaceClosed reports that the automation surface is gone for good
// (browser crashed, page destroyed). It ends the run.
var ErrSurfaceClosed = errors.New("automation surface closed")

// Engine drives the browser. Implementations must be safe for concurrent use:
// the frame producer captures while steps are performed.
type Engine interface {
	Capture(ctx context.Context) ([]byte, error)
	CurrentTarget(ctx context.Context) (string, error)
	Perform(ctx context.Context, action models.Action) error
}

// TargetLister is implemented by engines that can enumerate visible
// interactive elements. Loop recovery uses it to pick a click target.
type TargetLister interface {
	Targets(ctx context.Context) ([]string, error)
}

// TaskContext is everything the reasoning service sees besides the capture.
type TaskContext struct {
	Task    string
	URL     string
	Step    int
	History []string
	Nudges  []string
	Hints   []string
}

// Decider chooses the next action from a capture.
type Decider interface {
	Decide(ctx context.Context, image []byte, tc TaskContext) (models.Action, error)
}

// Sink receives everything the worker reports.
type Sink interface {
	Publish(ev models.Event)
	SetPhase(p models.Phase)
}

// Controls is the worker's side of a session's control state.
type Controls interface {
	Paused() bool
	Stopped() bool
	TakeNudge() (string, bool)
	Changed() <-chan struct{}
	// BeginStep runs start unless a pause or stop has taken effect. A pause
	// or stop arriving while start runs is reported after it.
	BeginStep(start func()) bool
}

// Outcome summarizes a finished run for the learning memory.
type Outcome struct {
	Domain     string
	Task       string
	Success    bool
	Steps      int
	Actions    []string
	Error      string
	FinishedAt time.Time
}

// Memory stores outcomes of past runs and returns hints for a domain.
type Memory interface {
	Hints(ctx context.Context, domain string) ([]string, error)
	Record(ctx context.Context, o Outcome) error
}
