package models

import "time"

// Phase represents the lifecycle phase of an automation session
type Phase string

const (
	PhaseIdle     Phase = "IDLE"
	PhaseStarting Phase = "STARTING"
	PhaseRunning  Phase = "RUNNING"
	PhasePaused   Phase = "PAUSED"
	PhaseStopped  Phase = "STOPPED"
	PhaseComplete Phase = "COMPLETE"
	PhaseFailed   Phase = "FAILED"
)

// Terminal reports whether no further phase change can follow p.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseStopped, PhaseComplete, PhaseFailed:
		return true
	}
	return false
}

// SessionInfo is the public view of a session
type SessionInfo struct {
	ID        string    `json:"id"`
	Task      string    `json:"task"`
	Phase     Phase     `json:"phase"`
	CreatedAt time.Time `json:"createdAt"`
	Observers int       `json:"observers"`
	Finished  bool      `json:"finished"`
}

// CreateSessionRequest is the payload for starting a new automation task
type CreateSessionRequest struct {
	Task     string `json:"task"`
	StartURL string `json:"startUrl,omitempty"`
	MaxSteps int    `json:"maxSteps,omitempty"`
}

// StepStatus is the lifecycle status of a single step
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in-progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

// StepRecord is one entry in a session's timeline
type StepRecord struct {
	ID     int        `json:"id"`
	Label  string     `json:"label"`
	Status StepStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
}

// Result is the outcome of a finished run, sent in the final event
type Result struct {
	Success  bool         `json:"success"`
	Phase    Phase        `json:"phase"`
	Message  string       `json:"message"`
	Steps    int          `json:"steps"`
	FinalURL string       `json:"finalUrl,omitempty"`
	Timeline []StepRecord `json:"timeline,omitempty"`
}

// SessionDetail is a session's public view plus the result of a finished run
type SessionDetail struct {
	SessionInfo
	Result *Result `json:"result,omitempty"`
}
