// Package revert restores tickets that were moved to Follow-up Required over
// the weekend to the status they most likely held before.
package revert

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"nightshift/internal/domain"
	"nightshift/internal/freshdesk"
	"nightshift/internal/policy"
)

const (
	DefaultPacing = time.Second
	Reason        = "Status changed to Follow-up Required during the weekend window"
	// FollowUpRequiredName is the display name of the hold status.
	FollowUpRequiredName = "Follow-up Required"
)

type Client interface {
	UpdateTicket(ctx context.Context, id int64, upd freshdesk.TicketUpdate) (domain.Ticket, error)
	AddNote(ctx context.Context, id int64, body string, private bool) error
}

type Recorder interface {
	RecordReversion(ctx context.Context, r domain.WeekendReversion) error
	RecordActivity(ctx context.Context, e domain.ActivityEntry) error
}

type Engine struct {
	Client   Client
	Recorder Recorder
	Policy   policy.Policy
	// Groups maps each monitored group id to its display name.
	Groups           map[int64]string
	FollowUpRequired int
	// DefaultPreviousStatus is used for every ticket; ticket history is not
	// inspected.
	DefaultPreviousStatus string
	Targets               map[string]int
	// Note is a format string receiving the restored status name.
	Note      string
	Limiter   *rate.Limiter
	AgentName func(id int64) (string, bool)
	Now       func() time.Time
	NewID     func() string
	Logger    *zap.Logger
}

// NewLimiter paces reversions to one per interval.
func NewLimiter(every time.Duration) *rate.Limiter {
	if every <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(every), 1)
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

// Candidates returns the tickets in Follow-up Required that belong to a
// monitored group.
func (e Engine) Candidates(tickets []domain.Ticket) []domain.Ticket {
	var out []domain.Ticket
	for _, t := range tickets {
		if t.Status != e.FollowUpRequired || t.GroupID == nil {
			continue
		}
		if _, ok := e.Groups[*t.GroupID]; !ok {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Revert reverts every candidate and returns the number of successful
// reversions. Outside the weekend window nothing happens unless force is set.
// Per-ticket failures are logged and skipped.
func (e Engine) Revert(ctx context.Context, tickets []domain.Ticket, force bool) (int, error) {
	log := e.logger()
	if !force && !e.Policy.IsWeekendWindow(e.now()) {
		log.Debug("outside weekend window, no reversions")
		return 0, nil
	}
	candidates := e.Candidates(tickets)
	if len(candidates) == 0 {
		return 0, nil
	}

	previous := e.DefaultPreviousStatus
	target, ok := e.Targets[previous]
	if !ok {
		return 0, fmt.Errorf("no reversion target for status %q", previous)
	}

	limiter := e.Limiter
	if limiter == nil {
		limiter = NewLimiter(DefaultPacing)
	}
	reverted := 0
	for _, t := range candidates {
		if err := limiter.Wait(ctx); err != nil {
			return reverted, err
		}
		if e.revertOne(ctx, t, previous, target) {
			reverted++
		}
	}
	log.Info("weekend reversion finished", zap.Int("candidates", len(candidates)), zap.Int("reverted", reverted))
	return reverted, nil
}

func (e Engine) revertOne(ctx context.Context, t domain.Ticket, previous string, target int) bool {
	log := e.logger().With(zap.Int64("ticket_id", t.ID))
	status := target
	if _, err := e.Client.UpdateTicket(ctx, t.ID, freshdesk.TicketUpdate{Status: &status}); err != nil {
		log.Warn("status reversion failed", zap.String("to", previous), zap.Error(err))
		return false
	}
	if e.Note != "" {
		if err := e.Client.AddNote(ctx, t.ID, fmt.Sprintf(e.Note, previous), true); err != nil {
			log.Warn("reversion note not added", zap.Error(err))
		}
	}

	at := e.now()
	agent := e.agentDescriptor(t)
	groupName := ""
	if t.GroupID != nil {
		groupName = e.Groups[*t.GroupID]
	}
	if e.Recorder != nil {
		if err := e.Recorder.RecordReversion(ctx, domain.WeekendReversion{
			ID:             e.newID(),
			TicketID:       t.ID,
			TicketSubject:  t.Subject,
			Agent:          agent,
			PreviousStatus: previous,
			RevertedTo:     previous,
			RevertedToCode: target,
			Reason:         Reason,
			RevertedAt:     at,
		}); err != nil {
			log.Error("record weekend reversion", zap.Error(err))
		}
		if err := e.Recorder.RecordActivity(ctx, domain.ActivityEntry{
			ID:               e.newID(),
			TicketID:         t.ID,
			TicketSubject:    t.Subject,
			TicketStatus:     previous,
			AssignedTo:       agent,
			GroupName:        groupName,
			StatusRevertedAt: &at,
			ActivityType:     domain.ActivityWeekendReversion,
			RecordedAt:       at,
		}); err != nil {
			log.Error("record activity", zap.Error(err))
		}
	}
	log.Info("ticket reverted", zap.String("from", FollowUpRequiredName), zap.String("to", previous), zap.Int("code", target))
	return true
}

func (e Engine) agentDescriptor(t domain.Ticket) string {
	if t.Unassigned() {
		return "Unassigned"
	}
	if e.AgentName != nil {
		if name, ok := e.AgentName(*t.ResponderID); ok {
			return name
		}
	}
	return fmt.Sprintf("Agent %d", *t.ResponderID)
}
