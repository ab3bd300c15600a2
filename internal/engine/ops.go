package engine

import (
	"context"
	"fmt"

	"nightshift/internal/assign"
	"nightshift/internal/audit"
	"nightshift/internal/domain"
	"nightshift/internal/events"
	"nightshift/internal/tickets"
)

func (e Engine) GetLogs(ctx context.Context, f audit.LogFilter) ([]domain.LogEntry, error) {
	return e.Stores.Logs.Query(ctx, f.Match, f.EffectiveLimit())
}

func (e Engine) ClearLogs(ctx context.Context) error {
	return e.Stores.Logs.Clear(ctx)
}

func (e Engine) GetAssignmentActivity(ctx context.Context, f audit.AssignmentFilter) ([]domain.AssignmentAttempt, error) {
	return e.Stores.Attempts.Query(ctx, f.Match, f.EffectiveLimit())
}

func (e Engine) ClearAssignmentActivity(ctx context.Context) error {
	return e.clear(ctx, "assignment activity", e.Stores.Attempts.Clear)
}

func (e Engine) GetWeekendReversions(ctx context.Context, f audit.ReversionFilter) ([]domain.WeekendReversion, error) {
	return e.Stores.Reversions.Query(ctx, f.Match, f.EffectiveLimit())
}

func (e Engine) ClearWeekendReversions(ctx context.Context) error {
	return e.clear(ctx, "weekend reversions", e.Stores.Reversions.Clear)
}

func (e Engine) GetActivityLog(ctx context.Context, f audit.ActivityFilter) ([]domain.ActivityEntry, error) {
	return e.Stores.Activity.Query(ctx, f.Match, f.EffectiveLimit())
}

func (e Engine) ClearActivityLog(ctx context.Context) error {
	return e.clear(ctx, "activity log", e.Stores.Activity.Clear)
}

func (e Engine) clear(ctx context.Context, what string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		return err
	}
	_ = e.events().Append(ctx, domain.LogInfo, what+" cleared", nil)
	return nil
}

// ReversionTest reports a forced reversion pass.
type ReversionTest struct {
	WeekendWindow bool `json:"weekend_window"`
	Fetched       int  `json:"fetched"`
	Candidates    int  `json:"candidates"`
	Reverted      int  `json:"reverted"`
}

// TestWeekendReversion fetches recent tickets and runs the reversion phase
// regardless of the time window.
func (e Engine) TestWeekendReversion(ctx context.Context) (ReversionTest, error) {
	release, err := e.acquire()
	if err != nil {
		return ReversionTest{}, err
	}
	defer release()
	now := e.now()
	res := ReversionTest{WeekendWindow: e.Policy.IsWeekendWindow(now)}
	found, err := tickets.Fetcher{Source: e.Remote, Policy: e.Policy, Logger: e.logger()}.FetchRecent(ctx, now)
	if err != nil {
		return res, err
	}
	res.Fetched = len(found)
	rv := e.reverter()
	res.Candidates = len(rv.Candidates(found))
	n, err := rv.Revert(ctx, found, true)
	res.Reverted = n
	if err != nil {
		return res, err
	}
	_ = e.events().Append(ctx, domain.LogReversion, fmt.Sprintf("test weekend reversion reverted %d tickets", n), events.Details{
		"candidates":     res.Candidates,
		"weekend_window": res.WeekendWindow,
	})
	return res, nil
}

// TicketCheck is the diagnostic view of one ticket.
type TicketCheck struct {
	Ticket             domain.Ticket `json:"ticket"`
	StatusName         string        `json:"status_name"`
	GroupName          string        `json:"group_name,omitempty"`
	Monitored          bool          `json:"monitored"`
	AssignmentEligible bool          `json:"assignment_eligible"`
	ReversionCandidate bool          `json:"reversion_candidate"`
}

func (e Engine) CheckSpecificTicket(ctx context.Context, id int64) (TicketCheck, error) {
	if id <= 0 {
		return TicketCheck{}, fmt.Errorf("ticket id must be positive, got %d", id)
	}
	t, err := tickets.Fetcher{Source: e.Remote, Policy: e.Policy, Logger: e.logger()}.Get(ctx, id)
	if err != nil {
		return TicketCheck{}, err
	}
	check := TicketCheck{Ticket: t, StatusName: e.Config.StatusName(t.Status)}
	if t.GroupID != nil {
		check.GroupName, check.Monitored = e.Config.GroupName(*t.GroupID)
	}
	check.AssignmentEligible = check.Monitored && len(assign.Eligible([]domain.Ticket{t}, e.Config.Statuses)) == 1
	check.ReversionCandidate = len(e.reverter().Candidates([]domain.Ticket{t})) == 1
	return check, nil
}

// RunNow runs immediately, outside the schedule. Window checks still apply.
func (e Engine) RunNow(ctx context.Context) (RunSummary, error) {
	return e.Run(ctx)
}
