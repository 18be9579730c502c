package reasoning

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shehryarbajwa/browserpilot/internal/agent"
	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

const systemPrompt = `You control a web browser to complete a task for a user.
You see a screenshot of the current page. Reply with exactly one JSON object and nothing else:
{"action": "navigate|click|type|scroll|back|key|wait|done", "target": "<css selector>", "text": "<text to type or key to press>", "url": "<url>", "deltaY": <pixels>, "reason": "<one sentence>"}
Only include the fields the action needs. Use "done" when the task is complete and put the answer in "reason".
If the same action is not changing the page, try a different approach.`

// buildPrompt renders the task context as the text part of the request.
func buildPrompt(tc agent.TaskContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "TASK: %s\n", tc.Task)
	if tc.URL != "" {
		fmt.Fprintf(&b, "CURRENT URL: %s\n", tc.URL)
	}
	fmt.Fprintf(&b, "STEP: %d\n", tc.Step)

	if len(tc.History) > 0 {
		b.WriteString("\nRECENT ACTIONS:\n")
		for _, h := range tc.History {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}
	if len(tc.Hints) > 0 {
		b.WriteString("\nWHAT WORKED ON THIS SITE BEFORE:\n")
		for _, h := range tc.Hints {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}
	if len(tc.Nudges) > 0 {
		b.WriteString("\nGUIDANCE FROM THE USER (follow it):\n")
		for _, n := range tc.Nudges {
			fmt.Fprintf(&b, "- %s\n", n)
		}
	}

	b.WriteString("\nWhat is the next action?")
	return b.String()
}

var aliases = map[string]models.ActionType{
	"goto":   models.ActionNavigate,
	"go":     models.ActionNavigate,
	"open":   models.ActionNavigate,
	"fill":   models.ActionTypeText,
	"press":  models.ActionKey,
	"finish": models.ActionDone,
}

// ParseAction extracts the JSON action object from a model reply. Code fences
// and surrounding prose are ignored.
func ParseAction(reply string) (models.Action, error) {
	start := strings.IndexByte(reply, '{')
	end := strings.LastIndexByte(reply, '}')
	if start < 0 || end <= start {
		return models.Action{}, fmt.Errorf("%w: %q", ErrNoAction, truncate(reply))
	}

	var a models.Action
	if err := json.Unmarshal([]byte(reply[start:end+1]), &a); err != nil {
		return models.Action{}, fmt.Errorf("%w: %v", ErrNoAction, err)
	}

	kind := strings.ToLower(strings.TrimSpace(string(a.Type)))
	if alias, ok := aliases[kind]; ok {
		a.Type = alias
	} else {
		a.Type = models.ActionType(kind)
	}

	switch a.Type {
	case models.ActionNavigate:
		if a.URL == "" {
			a.URL = a.Target
		}
		if a.URL == "" {
			return models.Action{}, fmt.Errorf("%w: navigate without url", ErrNoAction)
		}
	case models.ActionClick:
		if a.Target == "" {
			return models.Action{}, fmt.Errorf("%w: click without target", ErrNoAction)
		}
	case models.ActionTypeText, models.ActionKey:
		if a.Text == "" {
			return models.Action{}, fmt.Errorf("%w: %s without text", ErrNoAction, a.Type)
		}
	case models.ActionScroll:
		if a.DeltaY == 0 {
			a.DeltaY = 600
		}
	case models.ActionBack, models.ActionWait, models.ActionDone:
	default:
		return models.Action{}, fmt.Errorf("%w: unknown action %q", ErrNoAction, a.Type)
	}
	return a, nil
}

func truncate(s string) string {
	if len(s) > 80 {
		return s[:80] + "..."
	}
	return s
}
