package client

import "github.com/shehryarbajwa/browserpilot/pkg/models"

const maxLogs = 200

// State is an observer's local view of a session, built by applying events
// in arrival order.
type State struct {
	Phase    models.Phase
	Timeline []models.StepRecord
	Frame    *models.FrameEvent
	Logs     []models.LogEvent
	Result   *models.Result

	Connected      bool
	ConnectionLost bool
}

// Apply folds ev into the state.
func (s *State) Apply(ev models.Event) {
	switch e := ev.(type) {
	case models.StatusEvent:
		s.Phase = e.Phase
	case models.StepStartedEvent:
		if s.step(e.Step.ID) == nil {
			s.Timeline = append(s.Timeline, models.StepRecord{
				ID:     e.Step.ID,
				Label:  e.Step.Label,
				Status: models.StepInProgress,
			})
		}
	case models.StepCompletedEvent:
		if rec := s.step(e.ID); rec != nil {
			rec.Status = models.StepCompleted
		}
	case models.StepFailedEvent:
		if rec := s.step(e.ID); rec != nil {
			rec.Status = models.StepFailed
			rec.Error = e.Error
		}
	case models.FrameEvent:
		f := e
		s.Frame = &f
	case models.LogEvent:
		s.Logs = append(s.Logs, e)
		if len(s.Logs) > maxLogs {
			s.Logs = append([]models.LogEvent(nil), s.Logs[len(s.Logs)-maxLogs:]...)
		}
	case models.FinalEvent:
		r := e.Result
		s.Result = &r
		if r.Phase != "" {
			s.Phase = r.Phase
		}
		// The final timeline is authoritative for steps this observer missed.
		if len(r.Timeline) > 0 {
			s.Timeline = append([]models.StepRecord(nil), r.Timeline...)
		}
	}
}

func (s *State) step(id int) *models.StepRecord {
	for i := len(s.Timeline) - 1; i >= 0; i-- {
		if s.Timeline[i].ID == id {
			return &s.Timeline[i]
		}
	}
	return nil
}

// Finished reports whether the run's final result has arrived.
func (s *State) Finished() bool {
	return s.Result != nil
}

// clone returns a deep copy safe to hand to callers.
func (s *State) clone() State {
	out := *s
	out.Timeline = append([]models.StepRecord(nil), s.Timeline...)
	out.Logs = append([]models.LogEvent(nil), s.Logs...)
	if s.Frame != nil {
		f := *s.Frame
		out.Frame = &f
	}
	if s.Result != nil {
		r := *s.Result
		out.Result = &r
	}
	return out
}
