// Package assign distributes unassigned tickets across the available agents of
// their group in round-robin order.
package assign

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"nightshift/internal/config"
	"nightshift/internal/directory"
	"nightshift/internal/domain"
	"nightshift/internal/freshdesk"
	"nightshift/internal/rotation"
)

// DefaultTag marks tickets assigned by the overnight run.
const DefaultTag = "overnight"

// Failure is a per-ticket assignment failure. It is recorded and never aborts
// the run.
type Failure struct {
	TicketID int64
	GroupID  *int64
	Reason   string
	Err      error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("ticket %d: %s: %v", f.TicketID, f.Reason, f.Err)
	}
	return fmt.Sprintf("ticket %d: %s", f.TicketID, f.Reason)
}

func (f *Failure) Unwrap() error { return f.Err }

// Detail is the text stored on the failed attempt.
func (f *Failure) Detail() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Reason, f.Err)
	}
	return f.Reason
}

const (
	ReasonNoGroup      = "ticket has no group"
	ReasonNotMonitored = "group is not a monitored group"
	ReasonNoAgents     = "no agents available in group"
	ReasonUpdateFailed = "assignment update failed"
)

// Eligible keeps tickets without a responder whose status is open or triage.
func Eligible(tickets []domain.Ticket, statuses config.StatusConfig) []domain.Ticket {
	out := make([]domain.Ticket, 0, len(tickets))
	for _, t := range tickets {
		if !t.Unassigned() {
			continue
		}
		if t.Status != statuses.Open && t.Status != statuses.Triage {
			continue
		}
		out = append(out, t)
	}
	return out
}

type Updater interface {
	UpdateTicket(ctx context.Context, id int64, upd freshdesk.TicketUpdate) (domain.Ticket, error)
}

// Recorder receives the audit records produced for each ticket.
type Recorder interface {
	RecordAttempt(ctx context.Context, a domain.AssignmentAttempt) error
	RecordActivity(ctx context.Context, e domain.ActivityEntry) error
}

type Result struct {
	Assigned int `json:"assigned"`
	Skipped  int `json:"skipped"`
	Errored  int `json:"errored"`
}

type Engine struct {
	Updater  Updater
	Recorder Recorder
	// Groups maps each monitored group id to its display name.
	Groups map[int64]string
	Tag    string
	// Rand picks the starting index of a group seen for the first time. Nil
	// starts every group at 0.
	Rand func(n int) int
	// Persist, when set, is called with the rotation state after every ticket.
	Persist    func(ctx context.Context, st rotation.State) error
	StatusName func(code int) string
	Now        func() time.Time
	NewID      func() string
	Logger     *zap.Logger
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) logger() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

func (e Engine) tag() string {
	if e.Tag != "" {
		return e.Tag
	}
	return DefaultTag
}

func (e Engine) statusName(code int) string {
	if e.StatusName != nil {
		return e.StatusName(code)
	}
	return fmt.Sprint(code)
}

// Assign walks tickets in order and assigns each one to the next agent of its
// group. st is mutated in place. Only context cancellation stops the walk
// early.
func (e Engine) Assign(ctx context.Context, tickets []domain.Ticket, dir directory.Directory, st rotation.State) (Result, error) {
	var res Result
	for _, t := range tickets {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		switch e.assignOne(ctx, t, dir, st) {
		case outcomeAssigned:
			res.Assigned++
		case outcomeSkipped:
			res.Skipped++
		case outcomeErrored:
			res.Errored++
		}
		if e.Persist != nil {
			if err := e.Persist(ctx, st); err != nil {
				e.logger().Warn("persist rotation state", zap.Int64("ticket_id", t.ID), zap.Error(err))
			}
		}
	}
	e.logger().Info("assignment finished",
		zap.Int("assigned", res.Assigned), zap.Int("skipped", res.Skipped), zap.Int("errored", res.Errored))
	return res, nil
}

type outcome int

const (
	outcomeAssigned outcome = iota
	outcomeSkipped
	outcomeErrored
)

func (e Engine) assignOne(ctx context.Context, t domain.Ticket, dir directory.Directory, st rotation.State) outcome {
	log := e.logger().With(zap.Int64("ticket_id", t.ID))
	attempt := domain.AssignmentAttempt{
		ID:            e.newID(),
		TicketID:      t.ID,
		TicketSubject: t.Subject,
		GroupID:       t.GroupID,
		Result:        domain.ResultFailed,
	}

	if t.GroupID == nil {
		e.fail(ctx, log, attempt, &Failure{TicketID: t.ID, Reason: ReasonNoGroup})
		return outcomeSkipped
	}
	groupID := *t.GroupID
	groupName, monitored := e.Groups[groupID]
	if !monitored {
		e.fail(ctx, log, attempt, &Failure{TicketID: t.ID, GroupID: t.GroupID, Reason: fmt.Sprintf("%s: %d", ReasonNotMonitored, groupID)})
		return outcomeSkipped
	}
	attempt.GroupName = groupName

	agents := dir.Eligible(groupID)
	if len(agents) == 0 {
		e.fail(ctx, log, attempt, &Failure{TicketID: t.ID, GroupID: t.GroupID, Reason: ReasonNoAgents})
		return outcomeSkipped
	}

	idx := st.Resolve(groupID, len(agents), e.Rand)
	agent := agents[idx]
	attempt.AgentID = &agent.ID
	attempt.AgentName = &agent.Name
	// The slot is consumed whether or not the update succeeds.
	st.Advance(groupID, len(agents))

	responder := agent.ID
	if _, err := e.Updater.UpdateTicket(ctx, t.ID, freshdesk.TicketUpdate{ResponderID: &responder}); err != nil {
		e.fail(ctx, log, attempt, &Failure{TicketID: t.ID, GroupID: t.GroupID, Reason: ReasonUpdateFailed, Err: err})
		return outcomeErrored
	}

	if tag, ok := e.applyTag(ctx, log, t); ok {
		attempt.TagApplied = &tag
	}
	at := e.now()
	attempt.Result = domain.ResultSuccess
	attempt.AttemptedAt = at
	e.recordAttempt(ctx, log, attempt)
	e.recordActivity(ctx, log, domain.ActivityEntry{
		ID:            e.newID(),
		TicketID:      t.ID,
		TicketSubject: t.Subject,
		TicketStatus:  e.statusName(t.Status),
		AssignedTo:    agent.Name,
		GroupName:     groupName,
		AssignedAt:    &at,
		ActivityType:  domain.ActivityAssignment,
		RecordedAt:    at,
	})
	log.Info("ticket assigned", zap.Int64("agent_id", agent.ID), zap.String("agent", agent.Name), zap.Int64("group_id", groupID))
	return outcomeAssigned
}

// applyTag adds the run tag to the ticket's existing tags. Failure leaves the
// assignment in place.
func (e Engine) applyTag(ctx context.Context, log *zap.Logger, t domain.Ticket) (string, bool) {
	tag := e.tag()
	if slices.Contains(t.Tags, tag) {
		return tag, true
	}
	tags := append(slices.Clone(t.Tags), tag)
	if _, err := e.Updater.UpdateTicket(ctx, t.ID, freshdesk.TicketUpdate{Tags: tags}); err != nil {
		log.Warn("tag not applied", zap.String("tag", tag), zap.Error(err))
		return "", false
	}
	return tag, true
}

func (e Engine) fail(ctx context.Context, log *zap.Logger, attempt domain.AssignmentAttempt, f *Failure) {
	detail := f.Detail()
	attempt.Error = &detail
	attempt.AttemptedAt = e.now()
	log.Warn("ticket not assigned", zap.Error(f))
	e.recordAttempt(ctx, log, attempt)
}

func (e Engine) recordAttempt(ctx context.Context, log *zap.Logger, a domain.AssignmentAttempt) {
	if e.Recorder == nil {
		return
	}
	if err := e.Recorder.RecordAttempt(ctx, a); err != nil {
		log.Error("record assignment attempt", zap.Error(err))
	}
}

func (e Engine) recordActivity(ctx context.Context, log *zap.Logger, a domain.ActivityEntry) {
	if e.Recorder == nil {
		return
	}
	if err := e.Recorder.RecordActivity(ctx, a); err != nil {
		log.Error("record activity", zap.Error(err))
	}
}
