package client

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

func TestStateAppliesStepLifecycle(t *testing.T) {
	var s State
	for _, ev := range []models.Event{
		models.StatusEvent{Phase: models.PhaseRunning},
		models.StepStartedEvent{Step: models.StepRef{ID: 1, Label: "Navigate"}},
		models.StepCompletedEvent{ID: 1},
		models.StepStartedEvent{Step: models.StepRef{ID: 2, Label: "Click #buy"}},
		models.StepStartedEvent{Step: models.StepRef{ID: 2, Label: "Click #buy"}},
		models.StepFailedEvent{ID: 2, Error: "timed out"},
		models.StepCompletedEvent{ID: 9},
	} {
		s.Apply(ev)
	}

	assert.Equal(t, models.PhaseRunning, s.Phase)
	assert.Equal(t, []models.StepRecord{
		{ID: 1, Label: "Navigate", Status: models.StepCompleted},
		{ID: 2, Label: "Click #buy", Status: models.StepFailed, Error: "timed out"},
	}, s.Timeline)
	assert.False(t, s.Finished())
}

func TestStateFinalTimelineIsAuthoritative(t *testing.T) {
	var s State
	s.Apply(models.StepStartedEvent{Step: models.StepRef{ID: 3, Label: "Scroll down"}})

	timeline := []models.StepRecord{
		{ID: 1, Label: "Navigate", Status: models.StepCompleted},
		{ID: 2, Label: "Click", Status: models.StepCompleted},
		{ID: 3, Label: "Scroll down", Status: models.StepCompleted},
	}
	s.Apply(models.FinalEvent{Result: models.Result{Success: true, Phase: models.PhaseComplete, Steps: 3, Timeline: timeline}})

	require.True(t, s.Finished())
	assert.Equal(t, models.PhaseComplete, s.Phase)
	assert.Equal(t, timeline, s.Timeline)
}

func TestStateKeepsLatestFrameAndBoundedLogs(t *testing.T) {
	var s State
	s.Apply(models.FrameEvent{Data: "a", URL: "https://one.example"})
	s.Apply(models.FrameEvent{Data: "b", URL: "https://two.example"})
	require.NotNil(t, s.Frame)
	assert.Equal(t, "b", s.Frame.Data)

	for i := 0; i < maxLogs+5; i++ {
		s.Apply(models.LogEvent{Level: models.LogInfo, Message: fmt.Sprintf("line %d", i)})
	}
	assert.Len(t, s.Logs, maxLogs)
	assert.Equal(t, "line 5", s.Logs[0].Message)
}

func TestStateCloneIsIndependent(t *testing.T) {
	var s State
	s.Apply(models.StepStartedEvent{Step: models.StepRef{ID: 1, Label: "Navigate"}})
	s.Apply(models.FrameEvent{Data: "a"})

	c := s.clone()
	c.Timeline[0].Label = "changed"
	c.Frame.Data = "changed"

	assert.Equal(t, "Navigate", s.Timeline[0].Label)
	assert.Equal(t, "a", s.Frame.Data)
}
