// Package policy decides which phases of a run are allowed at a given instant.
// All checks convert the instant to the home time zone first and read no
// mutable state.
package policy

import (
	"time"

	"github.com/rickar/cal/v2"
	"github.com/rickar/cal/v2/us"
)

const (
	// Lookback sizes in hours. Monday reaches back over the weekend.
	MondayLookbackHours  = 61
	DefaultLookbackHours = 24

	weekendStartHour = 18 // Friday
	weekendEndHour   = 7  // Monday

	assignmentWindowStart = 2*60 + 1 // 02:01
	assignmentWindowEnd   = 4 * 60   // 04:00
)

type Policy struct {
	Location *time.Location
	holidays *cal.BusinessCalendar
}

// New returns a Policy for the home location. A nil location means UTC.
func New(loc *time.Location) Policy {
	if loc == nil {
		loc = time.UTC
	}
	bc := cal.NewBusinessCalendar()
	bc.AddHoliday(us.Holidays...)
	return Policy{Location: loc, holidays: bc}
}

func (p Policy) local(t time.Time) time.Time {
	if p.Location == nil {
		return t.UTC()
	}
	return t.In(p.Location)
}

// IsWeekendWindow reports whether t falls in [Friday 18:00, Monday 07:00).
func (p Policy) IsWeekendWindow(t time.Time) bool {
	lt := p.local(t)
	switch lt.Weekday() {
	case time.Friday:
		return lt.Hour() >= weekendStartHour
	case time.Saturday, time.Sunday:
		return true
	case time.Monday:
		return lt.Hour() < weekendEndHour
	default:
		return false
	}
}

// IsAssignmentWindow reports whether the local time of day is within
// [02:01, 04:00], both ends inclusive, at minute resolution.
func (p Policy) IsAssignmentWindow(t time.Time) bool {
	lt := p.local(t)
	minute := lt.Hour()*60 + lt.Minute()
	return minute >= assignmentWindowStart && minute <= assignmentWindowEnd
}

// IsPolicyWeekday reports whether the local day is Monday through Friday.
func (p Policy) IsPolicyWeekday(t time.Time) bool {
	return !cal.IsWeekend(p.local(t))
}

// LookbackHours returns how far back to search for candidate tickets.
func (p Policy) LookbackHours(t time.Time) int {
	if p.local(t).Weekday() == time.Monday {
		return MondayLookbackHours
	}
	return DefaultLookbackHours
}

// Lookback is LookbackHours as a duration.
func (p Policy) Lookback(t time.Time) time.Duration {
	return time.Duration(p.LookbackHours(t)) * time.Hour
}

// IsHoliday reports whether the local day is a US federal holiday, either on
// its actual or its observed date.
func (p Policy) IsHoliday(t time.Time) bool {
	if p.holidays == nil {
		return false
	}
	actual, observed, _ := p.holidays.IsHoliday(p.local(t))
	return actual || observed
}
