package audit

import (
	"fmt"
	"strings"
	"time"

	"nightshift/internal/domain"
)

// FilterError reports an unparseable filter value.
type FilterError struct {
	Field string
	Value string
	Err   error
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("invalid %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *FilterError) Unwrap() error { return e.Err }

const dateOnly = "2006-01-02"

// DateRange is an inclusive time range. Nil bounds are open.
type DateRange struct {
	From *time.Time
	To   *time.Time
}

// ParseDateRange accepts YYYY-MM-DD (interpreted in loc) or RFC 3339 for each
// bound. A bare date for the upper bound covers that whole day.
func ParseDateRange(from, to string, loc *time.Location) (DateRange, error) {
	if loc == nil {
		loc = time.UTC
	}
	var r DateRange
	if strings.TrimSpace(from) != "" {
		t, _, err := parseBound(from, loc)
		if err != nil {
			return DateRange{}, &FilterError{Field: "date_from", Value: from, Err: err}
		}
		r.From = &t
	}
	if strings.TrimSpace(to) != "" {
		t, bare, err := parseBound(to, loc)
		if err != nil {
			return DateRange{}, &FilterError{Field: "date_to", Value: to, Err: err}
		}
		if bare {
			t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
		}
		r.To = &t
	}
	if r.From != nil && r.To != nil && r.To.Before(*r.From) {
		return DateRange{}, &FilterError{Field: "date_to", Value: to, Err: fmt.Errorf("before date_from")}
	}
	return r, nil
}

func parseBound(v string, loc *time.Location) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	if t, err := time.ParseInLocation(dateOnly, v, loc); err == nil {
		return t, true, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("want YYYY-MM-DD or RFC 3339")
	}
	return t, false, nil
}

// Contains reports whether t falls within the range.
func (r DateRange) Contains(t time.Time) bool {
	if r.From != nil && t.Before(*r.From) {
		return false
	}
	if r.To != nil && t.After(*r.To) {
		return false
	}
	return true
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

func equalFold(want, got string) bool {
	return want == "" || strings.EqualFold(want, got)
}

func limitOr(limit, def int) int {
	if limit > 0 {
		return limit
	}
	return def
}

type LogFilter struct {
	Type  string
	Limit int
}

func (f LogFilter) Match(e domain.LogEntry) bool {
	return f.Type == "" || f.Type == e.Type
}

func (f LogFilter) EffectiveLimit() int { return limitOr(f.Limit, DefaultLogLimit) }

type AssignmentFilter struct {
	AgentName string
	GroupID   *int64
	Result    string
	Dates     DateRange
	Limit     int
}

func (f AssignmentFilter) Match(a domain.AssignmentAttempt) bool {
	if f.AgentName != "" && (a.AgentName == nil || !containsFold(*a.AgentName, f.AgentName)) {
		return false
	}
	if f.GroupID != nil && (a.GroupID == nil || *a.GroupID != *f.GroupID) {
		return false
	}
	return equalFold(f.Result, a.Result) && f.Dates.Contains(a.AttemptedAt)
}

func (f AssignmentFilter) EffectiveLimit() int { return limitOr(f.Limit, DefaultAssignmentLimit) }

type ReversionFilter struct {
	TicketID       *int64
	AgentName      string
	PreviousStatus string
	Dates          DateRange
	Limit          int
}

func (f ReversionFilter) Match(r domain.WeekendReversion) bool {
	if f.TicketID != nil && r.TicketID != *f.TicketID {
		return false
	}
	if f.AgentName != "" && !containsFold(r.Agent, f.AgentName) {
		return false
	}
	return equalFold(f.PreviousStatus, r.PreviousStatus) && f.Dates.Contains(r.RevertedAt)
}

func (f ReversionFilter) EffectiveLimit() int { return limitOr(f.Limit, DefaultReversionLimit) }

type ActivityFilter struct {
	Dates         DateRange
	TicketID      *int64
	TicketSubject string
	TicketStatus  string
	AssignedTo    string
	GroupName     string
	ActivityType  string
	Limit         int
}

func (f ActivityFilter) Match(e domain.ActivityEntry) bool {
	if f.TicketID != nil && e.TicketID != *f.TicketID {
		return false
	}
	if f.TicketSubject != "" && !containsFold(e.TicketSubject, f.TicketSubject) {
		return false
	}
	if f.AssignedTo != "" && !containsFold(e.AssignedTo, f.AssignedTo) {
		return false
	}
	return equalFold(f.TicketStatus, e.TicketStatus) &&
		equalFold(f.GroupName, e.GroupName) &&
		equalFold(f.ActivityType, e.ActivityType) &&
		f.Dates.Contains(e.RecordedAt)
}

func (f ActivityFilter) EffectiveLimit() int { return limitOr(f.Limit, DefaultActivityLogLimit) }
