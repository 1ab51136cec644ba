package models

import (
	"math"
	"time"

	"github.com/araddon/dateparse"
)

const DateLayout = "2006-01-02"

// ParseDate reads a date in any layout dateparse understands, in UTC.
// Slash forms are day first: 03/04/1950 is 3 April 1950.
func ParseDate(value string) (time.Time, error) {
	return dateparse.ParseIn(value, time.UTC, dateparse.PreferMonthFirst(false))
}

// CivilDate drops the clock and zone, keeping the calendar date in UTC.
func CivilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DayDelta is the signed number of calendar days from index to event:
// negative when the event precedes the index date.
func DayDelta(index, event time.Time) int {
	return int(math.Round(CivilDate(event).Sub(CivilDate(index)).Hours() / 24))
}
