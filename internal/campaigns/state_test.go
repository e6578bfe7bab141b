package campaigns

import (
	"errors"
	"testing"
)

func TestTransition_Lifecycle(t *testing.T) {
	st, err := Transition(StatusScheduled, false, EventStart)
	if err != nil || st != StatusDialing {
		t.Fatalf("start: got %q, %v", st, err)
	}
	st, err = Transition(st, true, EventPause)
	if err != nil || st != StatusPaused {
		t.Fatalf("pause: got %q, %v", st, err)
	}
	st, err = Transition(st, true, EventResume)
	if err != nil || st != StatusDialing {
		t.Fatalf("resume: got %q, %v", st, err)
	}
	st, err = Transition(st, true, EventFinish)
	if err != nil || st != StatusCompleted {
		t.Fatalf("finish: got %q, %v", st, err)
	}
}

func TestTransition_StartGuard(t *testing.T) {
	cases := []struct {
		name   string
		status Status
		hasRun bool
	}{
		{"already run", StatusScheduled, true},
		{"dialing", StatusDialing, true},
		{"paused", StatusPaused, true},
		{"completed", StatusCompleted, true},
	}
	for _, tc := range cases {
		st, err := Transition(tc.status, tc.hasRun, EventStart)
		if !errors.Is(err, ErrGuardViolation) {
			t.Fatalf("%s: expected guard violation, got %v", tc.name, err)
		}
		if st != tc.status {
			t.Fatalf("%s: state changed to %q", tc.name, st)
		}
	}
}

func TestTransition_CompletedIsTerminal(t *testing.T) {
	for _, ev := range []Event{EventStart, EventPause, EventResume, EventFinish} {
		if _, err := Transition(StatusCompleted, true, ev); !errors.Is(err, ErrGuardViolation) {
			t.Fatalf("%s on completed: expected guard violation, got %v", ev, err)
		}
	}
}

func TestTransition_PausedCannotFinish(t *testing.T) {
	if _, err := Transition(StatusPaused, true, EventFinish); !errors.Is(err, ErrGuardViolation) {
		t.Fatalf("expected guard violation, got %v", err)
	}
}

func TestSourcesMatchTransition(t *testing.T) {
	all := []Status{StatusScheduled, StatusDialing, StatusPaused, StatusCompleted}
	for _, ev := range []Event{EventStart, EventPause, EventResume, EventFinish} {
		src := Sources(ev)
		for _, s := range all {
			_, err := Transition(s, false, ev)
			if (err == nil) != containsStatus(src, s) {
				t.Fatalf("%s from %s: transition err=%v but sources=%v", ev, s, err, src)
			}
		}
	}
}

func TestProgress(t *testing.T) {
	cases := []struct {
		dialed, total, want int
	}{
		{0, 3, 0},
		{1, 3, 33},
		{2, 3, 67},
		{3, 3, 100},
		{1, 8, 13},
		{2, 5, 40},
		{1, 200, 1},
		{1, 201, 0},
		{0, 0, 0},
	}
	for _, tc := range cases {
		if got := Progress(tc.dialed, tc.total); got != tc.want {
			t.Fatalf("Progress(%d,%d)=%d, want %d", tc.dialed, tc.total, got, tc.want)
		}
	}
}
