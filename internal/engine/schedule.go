package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"nightshift/internal/domain"
	"nightshift/internal/events"
	"nightshift/internal/kv"
)

// Install (re)creates the persisted schedule. An empty expression uses the
// configured schedule.
func (e Engine) Install(ctx context.Context, expr string) (domain.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		expr = e.Config.Schedule
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return domain.Schedule{}, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	sched := domain.Schedule{
		Cron:        expr,
		Timezone:    e.Config.Timezone,
		Event:       EventRoundRobinRun,
		InstalledAt: e.now().UTC(),
	}
	if err := kv.SetJSON(ctx, e.KV, kv.KeySchedule, sched); err != nil {
		return domain.Schedule{}, err
	}
	_ = e.events().Append(ctx, domain.LogInfo, "schedule installed", events.Details{"cron": sched.Cron, "timezone": sched.Timezone})
	return sched, nil
}

// GetSchedule returns the installed schedule; ok is false before the first
// install.
func (e Engine) GetSchedule(ctx context.Context) (domain.Schedule, bool, error) {
	var sched domain.Schedule
	ok, err := kv.GetJSON(ctx, e.KV, kv.KeySchedule, &sched)
	if err != nil || !ok {
		return domain.Schedule{}, false, err
	}
	return sched, true, nil
}
