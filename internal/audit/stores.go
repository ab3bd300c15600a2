package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"nightshift/internal/domain"
	"nightshift/internal/kv"
)

const (
	LogCap                  = 1000
	AssignmentCap           = 5000
	AssignmentRetention     = 31 * 24 * time.Hour
	ReversionCap            = 5000
	ReversionRetention      = 90 * 24 * time.Hour
	ActivityCap             = 10000
	DefaultLogLimit         = 100
	DefaultAssignmentLimit  = 500
	DefaultReversionLimit   = 500
	DefaultActivityLogLimit = 1000
)

// Stores bundles the four collections. It satisfies the recorder interfaces of
// the assignment and reversion engines.
type Stores struct {
	Logs       Collection[domain.LogEntry]
	Attempts   Collection[domain.AssignmentAttempt]
	Reversions Collection[domain.WeekendReversion]
	Activity   Collection[domain.ActivityEntry]
}

func New(store kv.Store) Stores {
	return Stores{
		Logs: Collection[domain.LogEntry]{
			Store: store, Key: kv.KeyLogs, Cap: LogCap, Mu: new(sync.Mutex),
			Time: func(e domain.LogEntry) time.Time { return e.Timestamp },
		},
		Attempts: Collection[domain.AssignmentAttempt]{
			Store: store, Key: kv.KeyAssignmentActivity, Cap: AssignmentCap, Retention: AssignmentRetention, Mu: new(sync.Mutex),
			Time: func(a domain.AssignmentAttempt) time.Time { return a.AttemptedAt },
		},
		Reversions: Collection[domain.WeekendReversion]{
			Store: store, Key: kv.KeyWeekendReversions, Cap: ReversionCap, Retention: ReversionRetention, Mu: new(sync.Mutex),
			Time: func(r domain.WeekendReversion) time.Time { return r.RevertedAt },
		},
		Activity: Collection[domain.ActivityEntry]{
			Store: store, Key: kv.KeyActivityLog, Cap: ActivityCap, Mu: new(sync.Mutex),
			Time: func(e domain.ActivityEntry) time.Time { return e.RecordedAt },
		},
	}
}

func (s Stores) RecordAttempt(ctx context.Context, a domain.AssignmentAttempt) error {
	return s.Attempts.Append(ctx, a)
}

func (s Stores) RecordReversion(ctx context.Context, r domain.WeekendReversion) error {
	return s.Reversions.Append(ctx, r)
}

func (s Stores) RecordActivity(ctx context.Context, e domain.ActivityEntry) error {
	return s.Activity.Append(ctx, e)
}

func (s Stores) RecordLog(ctx context.Context, e domain.LogEntry) error {
	return s.Logs.Append(ctx, e)
}

// PurgeResult counts the records removed by PurgeExpired.
type PurgeResult struct {
	Attempts   int `json:"attempts"`
	Reversions int `json:"reversions"`
}

// PurgeExpired applies the retention windows. Both collections are attempted
// even when one fails.
func (s Stores) PurgeExpired(ctx context.Context, now time.Time) (PurgeResult, error) {
	var res PurgeResult
	var errs []error
	n, err := s.Attempts.Purge(ctx, now)
	if err != nil {
		errs = append(errs, err)
	}
	res.Attempts = n
	n, err = s.Reversions.Purge(ctx, now)
	if err != nil {
		errs = append(errs, err)
	}
	res.Reversions = n
	return res, errors.Join(errs...)
}
