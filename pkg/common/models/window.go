package models

import (
	"fmt"

	"gopkg.in/guregu/null.v3"
)

type Direction string

const (
	DirectionBefore Direction = "before"
	DirectionAfter  Direction = "after"
)

func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case DirectionBefore, DirectionAfter:
		return Direction(s), nil
	}
	return "", fmt.Errorf("unknown window direction %q", s)
}

// TimeWindow bounds events relative to a patient's index date, in days.
//
// A before window keeps events strictly earlier than index-End days and, when
// Start is set, no earlier than index-Start days. End defaults to 0, so the
// index day itself is never part of a before window.
//
// An after window keeps events from index+Start (default 0, the index day
// included) up to index+End when End is set.
type TimeWindow struct {
	Label     string    `json:"label" yaml:"label"`
	Direction Direction `json:"direction" yaml:"direction"`
	Start     null.Int  `json:"start" yaml:"-"`
	End       null.Int  `json:"end" yaml:"-"`
}

func Before(label string, start, end null.Int) TimeWindow {
	return TimeWindow{Label: label, Direction: DirectionBefore, Start: start, End: end}
}

func After(label string, start, end null.Int) TimeWindow {
	return TimeWindow{Label: label, Direction: DirectionAfter, Start: start, End: end}
}

// DefaultWindow is the unbounded window for a direction.
func DefaultWindow(label string, d Direction) TimeWindow {
	return TimeWindow{Label: label, Direction: d}
}

// Validate checks the window shape without looking at any data.
func (w TimeWindow) Validate() error {
	switch w.Direction {
	case DirectionBefore, DirectionAfter:
	default:
		return &InvalidWindowError{Label: w.Label, Reason: fmt.Sprintf("unknown direction %q", w.Direction)}
	}
	if w.Start.Valid && w.Start.Int64 < 0 {
		return &InvalidWindowError{Label: w.Label, Reason: fmt.Sprintf("negative start offset %d", w.Start.Int64)}
	}
	if w.End.Valid && w.End.Int64 < 0 {
		return &InvalidWindowError{Label: w.Label, Reason: fmt.Sprintf("negative end offset %d", w.End.Int64)}
	}
	if !w.Start.Valid || !w.End.Valid {
		return nil
	}
	if w.Direction == DirectionBefore && w.End.Int64 >= w.Start.Int64 {
		return &InvalidWindowError{Label: w.Label, Reason: fmt.Sprintf("before window needs end < start, got start=%d end=%d", w.Start.Int64, w.End.Int64)}
	}
	if w.Direction == DirectionAfter && w.Start.Int64 >= w.End.Int64 {
		return &InvalidWindowError{Label: w.Label, Reason: fmt.Sprintf("after window needs start < end, got start=%d end=%d", w.Start.Int64, w.End.Int64)}
	}
	return nil
}

// Contains reports whether an event delta days from the index date (negative
// before, positive after) falls inside the window.
func (w TimeWindow) Contains(delta int) bool {
	switch w.Direction {
	case DirectionBefore:
		daysBefore := int64(-delta)
		if daysBefore <= w.End.ValueOrZero() {
			return false
		}
		return !w.Start.Valid || daysBefore <= w.Start.Int64
	case DirectionAfter:
		if int64(delta) < w.Start.ValueOrZero() {
			return false
		}
		return !w.End.Valid || int64(delta) <= w.End.Int64
	}
	return false
}
