package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type options struct {
	Logger   *zap.Logger
	Cron     *cron.Cron
	Location *time.Location
	Fallback string
}

// Option applies configuration to the scheduler service.
type Option func(*options)

func defaultOptions() options {
	return options{Logger: zap.NewNop(), Location: time.UTC}
}

// WithLogger injects the process logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// WithCron supplies a preconfigured cron scheduler instance.
func WithCron(c *cron.Cron) Option {
	return func(o *options) {
		o.Cron = c
	}
}

// WithLocation sets the time zone used when the installed schedule has none.
func WithLocation(loc *time.Location) Option {
	return func(o *options) {
		if loc != nil {
			o.Location = loc
		}
	}
}

// WithFallbackSchedule sets the cron expression used before any schedule has
// been installed.
func WithFallbackSchedule(expr string) Option {
	return func(o *options) {
		o.Fallback = expr
	}
}
