package models

import "fmt"

// ActionType identifies an automation action
type ActionType string

const (
	ActionNavigate ActionType = "navigate"
	ActionClick    ActionType = "click"
	ActionTypeText ActionType = "type"
	ActionScroll   ActionType = "scroll"
	ActionBack     ActionType = "back"
	ActionKey      ActionType = "key"
	ActionWait     ActionType = "wait"
	ActionDone     ActionType = "done"
)

// Action is one planned step chosen by the reasoning service or by loop recovery
type Action struct {
	Type   ActionType `json:"action"`
	Target string     `json:"target,omitempty"`
	Text   string     `json:"text,omitempty"`
	URL    string     `json:"url,omitempty"`
	DeltaY int        `json:"deltaY,omitempty"`
	Reason string     `json:"reason,omitempty"`
}

// Label renders the action as a human readable timeline entry.
func (a Action) Label() string {
	switch a.Type {
	case ActionNavigate:
		return "Navigate to " + a.URL
	case ActionClick:
		if a.Target == "" {
			return "Click"
		}
		return "Click " + a.Target
	case ActionTypeText:
		return fmt.Sprintf("Type %q", a.Text)
	case ActionScroll:
		if a.DeltaY < 0 {
			return fmt.Sprintf("Scroll up %dpx", -a.DeltaY)
		}
		return fmt.Sprintf("Scroll down %dpx", a.DeltaY)
	case ActionBack:
		return "Go back"
	case ActionKey:
		return "Press " + a.Text
	case ActionWait:
		return "Wait"
	case ActionDone:
		return "Done"
	}
	return string(a.Type)
}
