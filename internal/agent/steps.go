package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/shehryarbajwa/browserpilot/internal/metrics"
	"github.com/shehryarbajwa/browserpilot/internal/retry"
	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

const maxErrorLen = 200

// StepEmitter wraps every attempted action in started and completed/failed
// events and keeps the ordered timeline. Ids start at 1 and are never reused.
type StepEmitter struct {
	sink     Sink
	next     int
	timeline []models.StepRecord
}

func NewStepEmitter(sink Sink) *StepEmitter {
	return &StepEmitter{sink: sink}
}

// Start assigns the next id, records the step as in progress and publishes
// step_started.
func (e *StepEmitter) Start(label string) int {
	e.next++
	id := e.next
	e.timeline = append(e.timeline, models.StepRecord{ID: id, Label: label, Status: models.StepInProgress})
	e.sink.Publish(models.StepStartedEvent{Step: models.StepRef{ID: id, Label: label}})
	return id
}

// Finish moves step id to its terminal status. Steps already finished are
// left untouched.
func (e *StepEmitter) Finish(id int, err error) {
	if id < 1 || id > len(e.timeline) {
		return
	}
	rec := &e.timeline[id-1]
	if rec.Status != models.StepInProgress {
		return
	}
	if err != nil {
		rec.Status = models.StepFailed
		rec.Error = userMessage(err)
		e.sink.Publish(models.StepFailedEvent{ID: id, Error: rec.Error})
		metrics.Steps.WithLabelValues(string(models.StepFailed)).Inc()
		return
	}
	rec.Status = models.StepCompleted
	e.sink.Publish(models.StepCompletedEvent{ID: id})
	metrics.Steps.WithLabelValues(string(models.StepCompleted)).Inc()
}

// Count returns the number of steps attempted so far.
func (e *StepEmitter) Count() int {
	return len(e.timeline)
}

// Timeline returns a copy of every step record in order.
func (e *StepEmitter) Timeline() []models.StepRecord {
	out := make([]models.StepRecord, len(e.timeline))
	copy(out, e.timeline)
	return out
}

// Completed returns the labels of completed steps.
func (e *StepEmitter) Completed() []string {
	var out []string
	for _, r := range e.timeline {
		if r.Status == models.StepCompleted {
			out = append(out, r.Label)
		}
	}
	return out
}

// userMessage turns an internal error into the short text observers see.
func userMessage(err error) string {
	err = retry.Cause(err)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, ErrSurfaceClosed):
		return "browser closed"
	}
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen] + "..."
	}
	return msg
}
