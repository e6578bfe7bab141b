package campaigns

import "fmt"

// Event drives the campaign lifecycle.
type Event string

const (
	EventStart  Event = "start"
	EventPause  Event = "pause"
	EventResume Event = "resume"
	EventFinish Event = "finish"
)

// Transition is the campaign state machine. It performs no I/O.
//
//	scheduled --start(!hasRun)--> dialing
//	dialing   --pause-->          paused
//	paused    --resume-->         dialing
//	dialing   --resume-->         dialing (continue a halted loop)
//	dialing   --finish-->         completed
//
// Completed is terminal.
func Transition(cur Status, hasRun bool, ev Event) (Status, error) {
	switch ev {
	case EventStart:
		if cur == StatusScheduled && !hasRun {
			return StatusDialing, nil
		}
	case EventPause:
		if cur == StatusDialing {
			return StatusPaused, nil
		}
	case EventResume:
		if cur == StatusPaused || cur == StatusDialing {
			return StatusDialing, nil
		}
	case EventFinish:
		if cur == StatusDialing {
			return StatusCompleted, nil
		}
	default:
		return cur, fmt.Errorf("%w: unknown event %q", ErrGuardViolation, ev)
	}
	return cur, fmt.Errorf("%w: cannot %s a %s campaign (has_run=%t)", ErrGuardViolation, ev, cur, hasRun)
}

// Sources lists the states from which ev is accepted. Stores use it for
// conditional updates so the guard holds across processes.
func Sources(ev Event) []Status {
	switch ev {
	case EventStart:
		return []Status{StatusScheduled}
	case EventPause:
		return []Status{StatusDialing}
	case EventResume:
		return []Status{StatusPaused, StatusDialing}
	case EventFinish:
		return []Status{StatusDialing}
	default:
		return nil
	}
}

// Progress returns round(dialed/total*100), rounding halves up.
func Progress(dialed, total int) int {
	if total <= 0 {
		return 0
	}
	if dialed >= total {
		return 100
	}
	if dialed <= 0 {
		return 0
	}
	return (dialed*200 + total) / (2 * total)
}

// CountDialed returns how many contacts already carry a call id.
func CountDialed(contacts []Contact) int {
	n := 0
	for _, c := range contacts {
		if c.Dialed() {
			n++
		}
	}
	return n
}
