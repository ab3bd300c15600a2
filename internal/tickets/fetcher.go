// Package tickets retrieves candidate tickets for a run.
package tickets

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"nightshift/internal/domain"
	"nightshift/internal/policy"
)

const (
	PageSize = 100
	MaxPages = 50
)

// Source is the slice of the remote API the fetcher needs.
type Source interface {
	ListTickets(ctx context.Context, since time.Time, page, perPage int) ([]domain.Ticket, error)
	GetTicket(ctx context.Context, id int64) (domain.Ticket, error)
}

// FetchError means the candidate set could not be retrieved at all; the run
// must not continue.
type FetchError struct {
	Since time.Time
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch tickets updated since %s: %v", e.Since.Format(time.RFC3339), e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

type Fetcher struct {
	Source Source
	Policy policy.Policy
	Logger *zap.Logger
}

func (f Fetcher) logger() *zap.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return zap.NewNop()
}

// FetchRecent returns every ticket updated within the policy lookback window
// ending at now. The result is unfiltered; callers apply their own eligibility.
func (f Fetcher) FetchRecent(ctx context.Context, now time.Time) ([]domain.Ticket, error) {
	since := now.Add(-f.Policy.Lookback(now))
	all := []domain.Ticket{}
	for page := 1; page <= MaxPages; page++ {
		batch, err := f.Source.ListTickets(ctx, since, page, PageSize)
		if err != nil {
			if page == 1 {
				return nil, &FetchError{Since: since, Err: err}
			}
			f.logger().Warn("ticket pagination stopped early",
				zap.Int("page", page), zap.Int("collected", len(all)), zap.Error(err))
			break
		}
		all = append(all, batch...)
		if len(batch) < PageSize {
			break
		}
		if page == MaxPages {
			f.logger().Warn("ticket page cap reached", zap.Int("pages", MaxPages), zap.Int("collected", len(all)))
		}
	}
	f.logger().Info("fetched candidate tickets",
		zap.Int("count", len(all)), zap.Time("since", since), zap.Int("lookback_hours", f.Policy.LookbackHours(now)))
	return all, nil
}

// Get fetches a single ticket for diagnostics.
func (f Fetcher) Get(ctx context.Context, id int64) (domain.Ticket, error) {
	return f.Source.GetTicket(ctx, id)
}
