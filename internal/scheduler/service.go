// Package scheduler triggers runs in-process on the installed cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"nightshift/internal/domain"
)

// Runner handles a scheduled event.
type Runner interface {
	HandleScheduledEvent(ctx context.Context, name string)
}

// Schedules returns the installed schedule.
type Schedules interface {
	GetSchedule(ctx context.Context) (domain.Schedule, bool, error)
}

type Service struct {
	runner    Runner
	schedules Schedules
	opts      options

	mu      sync.Mutex
	cron    *cron.Cron
	entry   cron.EntryID
	current domain.Schedule
	ctx     context.Context
	cancel  context.CancelFunc
}

func New(runner Runner, schedules Schedules, opts ...Option) *Service {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Service{runner: runner, schedules: schedules, opts: o}
}

// Start registers the run job and starts the cron loop. Jobs receive a
// context that is cancelled by Stop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("scheduler already started")
	}
	sched, err := s.resolve(ctx)
	if err != nil {
		return err
	}
	loc := s.opts.Location
	if sched.Timezone != "" {
		if l, err := time.LoadLocation(sched.Timezone); err == nil {
			loc = l
		}
	}
	c := s.opts.Cron
	if c == nil {
		cronLog := cron.PrintfLogger(zap.NewStdLog(s.opts.Logger.Named("cron")))
		c = cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		)
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	id, err := c.AddFunc(sched.Cron, s.job(sched.Event))
	if err != nil {
		s.cancel()
		return fmt.Errorf("register schedule %q: %w", sched.Cron, err)
	}
	s.cron, s.entry, s.current = c, id, sched
	c.Start()
	s.opts.Logger.Info("scheduler started",
		zap.String("cron", sched.Cron), zap.String("timezone", loc.String()), zap.Time("next", c.Entry(id).Next))
	return nil
}

// Reload re-reads the installed schedule and replaces the registered job.
func (s *Service) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return errors.New("scheduler not started")
	}
	sched, err := s.resolve(ctx)
	if err != nil {
		return err
	}
	if sched.Cron == s.current.Cron && sched.Event == s.current.Event {
		return nil
	}
	id, err := s.cron.AddFunc(sched.Cron, s.job(sched.Event))
	if err != nil {
		return fmt.Errorf("register schedule %q: %w", sched.Cron, err)
	}
	s.cron.Remove(s.entry)
	s.entry, s.current = id, sched
	s.opts.Logger.Info("schedule reloaded", zap.String("cron", sched.Cron))
	return nil
}

// Stop halts the cron loop and cancels running jobs. The returned context is
// done once running jobs have returned.
func (s *Service) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	done := s.cron.Stop()
	s.cancel()
	s.cron = nil
	return done
}

// Next returns the next activation time, zero when not started.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return time.Time{}
	}
	return s.cron.Entry(s.entry).Next
}

func (s *Service) Current() domain.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Service) resolve(ctx context.Context) (domain.Schedule, error) {
	if s.schedules != nil {
		sched, ok, err := s.schedules.GetSchedule(ctx)
		if err != nil {
			return domain.Schedule{}, fmt.Errorf("load installed schedule: %w", err)
		}
		if ok {
			return sched, nil
		}
	}
	if s.opts.Fallback == "" {
		return domain.Schedule{}, errors.New("no schedule installed; run nightshift install")
	}
	s.opts.Logger.Warn("no schedule installed, using configured schedule", zap.String("cron", s.opts.Fallback))
	return domain.Schedule{Cron: s.opts.Fallback, Event: domain.EventRoundRobinRun}, nil
}

func (s *Service) job(event string) func() {
	ctx := s.ctx
	return func() {
		s.runner.HandleScheduledEvent(ctx, event)
	}
}
