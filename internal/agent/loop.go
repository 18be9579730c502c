package agent

import "github.com/shehryarbajwa/browserpilot/pkg/models"

// FallbackTarget is clicked during recovery when the engine reports no
// visible targets.
const FallbackTarget = "a"

const recoveryScroll = 600

// LoopDetector flags a loop when a capture fingerprint equals each of the
// previous n fingerprints. The history is owned by the worker.
type LoopDetector struct {
	n       int
	history []uint64
	prev    []uint64
}

func NewLoopDetector(n int) *LoopDetector {
	if n < 1 {
		n = 3
	}
	return &LoopDetector{n: n, history: make([]uint64, 0, n)}
}

// Observe records fp and reports whether it completes a loop. On a loop the
// history is cleared so the same screen is not flagged again immediately.
func (d *LoopDetector) Observe(fp uint64) bool {
	d.prev = append(d.prev[:0], d.history...)

	if len(d.history) == d.n {
		repeated := true
		for _, h := range d.history {
			if h != fp {
				repeated = false
				break
			}
		}
		if repeated {
			d.history = d.history[:0]
			return true
		}
	}

	d.history = append(d.history, fp)
	if len(d.history) > d.n {
		d.history = append(d.history[:0], d.history[1:]...)
	}
	return false
}

// Undo restores the history as it was before the last Observe.
func (d *LoopDetector) Undo() {
	d.history = append(d.history[:0], d.prev...)
}

// Len returns the number of fingerprints held.
func (d *LoopDetector) Len() int {
	return len(d.history)
}

func (d *LoopDetector) Reset() {
	d.history = d.history[:0]
}

// Recovery picks alternate actions when a loop is detected. The choice
// depends only on the last action, the number of consecutive recoveries and
// the visible targets, so a fixed capture sequence always yields the same
// actions.
type Recovery struct {
	attempts int
}

// Next returns the alternate action for the given last action.
func (r *Recovery) Next(last models.Action, targets []string) models.Action {
	r.attempts++

	var plan []models.ActionType
	switch last.Type {
	case models.ActionScroll:
		plan = []models.ActionType{models.ActionClick, models.ActionBack}
	case models.ActionClick:
		plan = []models.ActionType{models.ActionScroll, models.ActionBack}
	case models.ActionTypeText:
		plan = []models.ActionType{models.ActionClick, models.ActionScroll}
	default:
		plan = []models.ActionType{models.ActionClick, models.ActionScroll, models.ActionBack}
	}

	const reason = "loop recovery"
	switch plan[(r.attempts-1)%len(plan)] {
	case models.ActionClick:
		return models.Action{Type: models.ActionClick, Target: pickTarget(targets, last.Target), Reason: reason}
	case models.ActionScroll:
		return models.Action{Type: models.ActionScroll, DeltaY: recoveryScroll, Reason: reason}
	default:
		return models.Action{Type: models.ActionBack, Reason: reason}
	}
}

// Undo forgets the last Next.
func (r *Recovery) Undo() {
	if r.attempts > 0 {
		r.attempts--
	}
}

// Reset forgets previous recoveries once the page makes progress.
func (r *Recovery) Reset() {
	r.attempts = 0
}

func (r *Recovery) Attempts() int {
	return r.attempts
}

func pickTarget(targets []string, avoid string) string {
	for _, t := range targets {
		if t != "" && t != avoid {
			return t
		}
	}
	return FallbackTarget
}
