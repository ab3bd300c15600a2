// Package engine orchestrates a run and exposes the administrative operations
// served by the CLI and the HTTP API.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"nightshift/internal/assign"
	"nightshift/internal/audit"
	"nightshift/internal/config"
	"nightshift/internal/directory"
	"nightshift/internal/domain"
	"nightshift/internal/events"
	"nightshift/internal/freshdesk"
	"nightshift/internal/kv"
	"nightshift/internal/policy"
	"nightshift/internal/revert"
	"nightshift/internal/rotation"
	"nightshift/internal/tickets"
)

const EventRoundRobinRun = domain.EventRoundRobinRun

// Remote is the ticketing API as used by a run.
type Remote interface {
	tickets.Source
	directory.Source
	assign.Updater
	revert.Client
}

var _ Remote = (*freshdesk.Client)(nil)

// ErrRunInProgress is returned when a run or forced reversion is requested
// while another one holds the engine.
var ErrRunInProgress = errors.New("run in progress")

type Engine struct {
	Config   *config.Config
	Remote   Remote
	KV       kv.Store
	Stores   audit.Stores
	Rotation rotation.Store
	Events   events.Writer
	Policy   policy.Policy
	Logger   *zap.Logger
	Now      func() time.Time
	// Rand picks a group's first rotation index when randomize_start is on.
	Rand func(n int) int
	// Pacing overrides the reversion pacing from config when non-nil.
	Pacing  *time.Duration
	metrics *metrics
	// runs is shared by every copy of the engine made from New.
	runs *sync.Mutex
}

func New(cfg *config.Config, remote Remote, store kv.Store, logger *zap.Logger) Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	stores := audit.New(store)
	return Engine{
		Config:   cfg,
		Remote:   remote,
		KV:       store,
		Stores:   stores,
		Rotation: rotation.Store{KV: store},
		Events:   events.Writer{Sink: stores, Logger: logger},
		Policy:   policy.New(cfg.Location()),
		Logger:   logger,
		Now:      time.Now,
		Rand:     rand.IntN,
		metrics:  globalMetrics(),
		runs:     new(sync.Mutex),
	}
}

// acquire takes the run lock without waiting.
func (e Engine) acquire() (func(), error) {
	if e.runs == nil {
		return nil, errors.New("engine not initialised")
	}
	if !e.runs.TryLock() {
		return nil, ErrRunInProgress
	}
	return e.runs.Unlock, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

func (e Engine) events() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

func (e Engine) monitoredGroups() map[int64]string {
	out := make(map[int64]string, len(e.Config.Groups))
	for _, g := range e.Config.Groups {
		out[g.ID] = g.Name
	}
	return out
}

// RunSummary describes one run.
type RunSummary struct {
	StartedAt        time.Time         `json:"started_at" format:"date-time"`
	FinishedAt       time.Time         `json:"finished_at" format:"date-time"`
	WeekendWindow    bool              `json:"weekend_window"`
	AssignmentWindow bool              `json:"assignment_window"`
	Holiday          bool              `json:"holiday,omitempty"`
	Purged           audit.PurgeResult `json:"purged"`
	Fetched          int               `json:"fetched"`
	Reverted         int               `json:"reverted"`
	Assignment       assign.Result     `json:"assignment"`
	Error            string            `json:"error,omitempty"`
}

// Run executes one pass: purge, fetch, weekend reversion, assignment and
// rotation persistence, in that order. A FetchError or directory failure
// stops the run; per-ticket failures never do. Only one run executes at a
// time; a concurrent call returns ErrRunInProgress.
func (e Engine) Run(ctx context.Context) (RunSummary, error) {
	if e.Config == nil {
		return RunSummary{}, errors.New("config not loaded")
	}
	release, err := e.acquire()
	if err != nil {
		return RunSummary{}, err
	}
	defer release()
	now := e.now()
	sum := RunSummary{
		StartedAt:        now.UTC(),
		WeekendWindow:    e.Policy.IsWeekendWindow(now),
		AssignmentWindow: e.Policy.IsAssignmentWindow(now) && e.Policy.IsPolicyWeekday(now),
	}
	if sum.AssignmentWindow && e.Config.Assignment.SkipHolidays && e.Policy.IsHoliday(now) {
		sum.Holiday = true
		sum.AssignmentWindow = false
	}
	log := e.logger().With(zap.Time("started_at", sum.StartedAt))
	done := e.metrics.startRun()

	err = e.run(ctx, now, &sum)
	sum.FinishedAt = e.now().UTC()
	if err != nil {
		sum.Error = err.Error()
	}
	done(sum)
	log.Info("run finished",
		zap.Bool("weekend_window", sum.WeekendWindow),
		zap.Bool("assignment_window", sum.AssignmentWindow),
		zap.Int("fetched", sum.Fetched),
		zap.Int("reverted", sum.Reverted),
		zap.Int("assigned", sum.Assignment.Assigned),
		zap.Error(err))
	return sum, err
}

func (e Engine) run(ctx context.Context, now time.Time, sum *RunSummary) error {
	ev := e.events()
	purged, err := e.Stores.PurgeExpired(ctx, now)
	sum.Purged = purged
	if err != nil {
		_ = ev.Append(ctx, domain.LogWarning, "audit purge failed", events.Details{"error": err.Error()})
	}

	if !sum.WeekendWindow && !sum.AssignmentWindow {
		details := events.Details{"local_time": now.In(e.Config.Location()).Format(time.RFC3339)}
		if sum.Holiday {
			details["holiday"] = true
		}
		_ = ev.Append(ctx, domain.LogRun, "outside weekend and assignment windows, nothing to do", details)
		return nil
	}

	fetcher := tickets.Fetcher{Source: e.Remote, Policy: e.Policy, Logger: e.logger()}
	found, err := fetcher.FetchRecent(ctx, now)
	if err != nil {
		return err
	}
	sum.Fetched = len(found)

	if sum.WeekendWindow {
		// The window was decided at start; the clock may have moved past it.
		n, err := e.reverter().Revert(ctx, found, true)
		sum.Reverted = n
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			_ = ev.Append(ctx, domain.LogError, "weekend reversion failed", events.Details{"error": err.Error()})
		} else {
			_ = ev.Append(ctx, domain.LogReversion, fmt.Sprintf("weekend reversion reverted %d tickets", n), events.Details{"reverted": n})
		}
	}

	if sum.AssignmentWindow {
		res, err := e.assignPhase(ctx, found)
		sum.Assignment = res
		if err != nil {
			return err
		}
		_ = ev.Append(ctx, domain.LogAssignment, "assignment phase finished", events.Details{
			"assigned": res.Assigned,
			"skipped":  res.Skipped,
			"errored":  res.Errored,
		})
	}
	return nil
}

func (e Engine) assignPhase(ctx context.Context, found []domain.Ticket) (assign.Result, error) {
	eligible := assign.Eligible(found, e.Config.Statuses)
	if len(eligible) == 0 {
		_ = e.events().Append(ctx, domain.LogInfo, "no tickets eligible for assignment", nil)
		return assign.Result{}, nil
	}
	dir, err := directory.Builder{Source: e.Remote, GroupIDs: e.Config.GroupIDs(), Logger: e.logger()}.Build(ctx)
	if err != nil {
		return assign.Result{}, fmt.Errorf("build agent directory: %w", err)
	}
	st, err := e.Rotation.Load(ctx)
	if err != nil {
		// A corrupt state restarts rotation rather than blocking assignment.
		_ = e.events().Append(ctx, domain.LogWarning, "rotation state unreadable, starting fresh", events.Details{"error": err.Error()})
		st = rotation.State{}
	}

	ae := assign.Engine{
		Updater:    e.Remote,
		Recorder:   e.Stores,
		Groups:     e.monitoredGroups(),
		Tag:        e.Config.Assignment.Tag,
		StatusName: e.Config.StatusName,
		Now:        e.now,
		Logger:     e.logger(),
	}
	if e.Config.Assignment.RandomizeStart {
		ae.Rand = e.Rand
	}
	if e.Config.Assignment.PersistEachAssignment {
		ae.Persist = e.Rotation.Save
	}
	res, assignErr := ae.Assign(ctx, eligible, dir, st)
	e.metrics.recordAssignment(res)

	// Remote assignments already happened; a failed save is logged, not undone.
	if err := e.Rotation.Save(ctx, st); err != nil {
		_ = e.events().Append(ctx, domain.LogError, "rotation state not saved", events.Details{"error": err.Error()})
	}
	return res, assignErr
}

func (e Engine) reverter() revert.Engine {
	pacing := e.Config.Reversion.Pacing
	if e.Pacing != nil {
		pacing = *e.Pacing
	}
	return revert.Engine{
		Client:                e.Remote,
		Recorder:              e.Stores,
		Policy:                e.Policy,
		Groups:                e.monitoredGroups(),
		FollowUpRequired:      e.Config.Statuses.FollowUpRequired,
		DefaultPreviousStatus: e.Config.Reversion.DefaultPreviousStatus,
		Targets:               e.Config.Reversion.Targets,
		Note:                  e.Config.Reversion.Note,
		Limiter:               revert.NewLimiter(pacing),
		Now:                   e.now,
		Logger:                e.logger(),
	}
}

// HandleScheduledEvent is the scheduler entry point. It never returns an
// error: failures are written to the log store.
func (e Engine) HandleScheduledEvent(ctx context.Context, name string) {
	ev := e.events()
	if name != EventRoundRobinRun {
		_ = ev.Append(ctx, domain.LogWarning, "unknown scheduled event ignored", events.Details{"event": name})
		return
	}
	sum, err := e.Run(ctx)
	if errors.Is(err, ErrRunInProgress) {
		_ = ev.Append(ctx, domain.LogWarning, "scheduled run skipped, another run in progress", events.Details{"event": name})
		return
	}
	if err != nil {
		details := events.Details{"error": err.Error()}
		var fe *tickets.FetchError
		if errors.As(err, &fe) {
			details["phase"] = "fetch"
		}
		_ = ev.Append(ctx, domain.LogError, "run failed", details)
		return
	}
	_ = ev.Append(ctx, domain.LogRun, "run completed", events.Details{
		"fetched":  sum.Fetched,
		"reverted": sum.Reverted,
		"assigned": sum.Assignment.Assigned,
		"skipped":  sum.Assignment.Skipped,
		"errored":  sum.Assignment.Errored,
	})
}
