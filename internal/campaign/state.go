package campaign

import (
	"errors"
	"fmt"
)

var (
	// ErrTerminal is returned for any transition out of Completed.
	ErrTerminal = errors.New("campaign is completed")
	// ErrStaleState is returned when a compare-and-set status write lost a race.
	ErrStaleState = errors.New("campaign status changed concurrently")
)

// Event drives a status transition.
type Event string

const (
	EventPause     Event = "pause"
	EventResume    Event = "resume"
	EventExhausted Event = "exhausted"
)

// Transition returns the status reached from from on evt. Repeated pause or resume events are no-ops.
func Transition(from Status, evt Event) (Status, error) {
	if from == StatusCompleted {
		return from, ErrTerminal
	}
	switch evt {
	case EventPause:
		return StatusPaused, nil
	case EventResume:
		return StatusActive, nil
	case EventExhausted:
		return StatusCompleted, nil
	}
	return from, fmt.Errorf("unknown campaign event %q", evt)
}
