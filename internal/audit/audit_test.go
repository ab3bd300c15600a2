package audit_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nightshift/internal/audit"
	"nightshift/internal/domain"
	"nightshift/internal/kv"
)

var now = time.Date(2024, 3, 12, 7, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }
func i64(v int64) *int64      { return &v }

func TestActivityCapDropsOldest(t *testing.T) {
	ctx := context.Background()
	stores := audit.New(kv.NewMemory())

	entries := make([]domain.ActivityEntry, audit.ActivityCap)
	for i := range entries {
		entries[i] = domain.ActivityEntry{ID: fmt.Sprint(i), TicketID: int64(i), RecordedAt: now.Add(time.Duration(i) * time.Second)}
	}
	require.NoError(t, stores.Activity.Append(ctx, entries...))
	require.NoError(t, stores.RecordActivity(ctx, domain.ActivityEntry{ID: "new", TicketID: 99999, RecordedAt: now.Add(24 * time.Hour)}))

	n, err := stores.Activity.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, audit.ActivityCap, n)

	all, err := stores.Activity.Query(ctx, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "new", all[0].ID)
	assert.Equal(t, "1", all[len(all)-1].ID, "entry 0 was the only one dropped")
}

func TestAssignmentPurgeBoundary(t *testing.T) {
	ctx := context.Background()
	stores := audit.New(kv.NewMemory())

	require.NoError(t, stores.Attempts.Append(ctx,
		domain.AssignmentAttempt{ID: "expired", AttemptedAt: now.Add(-31*24*time.Hour - time.Second)},
		domain.AssignmentAttempt{ID: "edge", AttemptedAt: now.Add(-31*24*time.Hour + time.Second)},
		domain.AssignmentAttempt{ID: "fresh", AttemptedAt: now},
	))
	require.NoError(t, stores.Reversions.Append(ctx,
		domain.WeekendReversion{ID: "old", RevertedAt: now.Add(-91 * 24 * time.Hour)},
		domain.WeekendReversion{ID: "kept", RevertedAt: now.Add(-89 * 24 * time.Hour)},
	))

	res, err := stores.PurgeExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, audit.PurgeResult{Attempts: 1, Reversions: 1}, res)

	attempts, err := stores.Attempts.Query(ctx, nil, 0)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, "fresh", attempts[0].ID)
	assert.Equal(t, "edge", attempts[1].ID)

	reversions, err := stores.Reversions.Query(ctx, nil, 0)
	require.NoError(t, err)
	require.Len(t, reversions, 1)
	assert.Equal(t, "kept", reversions[0].ID)
}

func TestActivityHasNoTimePurge(t *testing.T) {
	ctx := context.Background()
	stores := audit.New(kv.NewMemory())
	require.NoError(t, stores.RecordActivity(ctx, domain.ActivityEntry{ID: "ancient", RecordedAt: now.AddDate(-2, 0, 0)}))

	removed, err := stores.Activity.Purge(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestQueryNewestFirstWithLimit(t *testing.T) {
	ctx := context.Background()
	stores := audit.New(kv.NewMemory())
	for i := 0; i < 5; i++ {
		require.NoError(t, stores.RecordLog(ctx, domain.LogEntry{ID: fmt.Sprint(i), Type: domain.LogInfo, Timestamp: now.Add(time.Duration(i) * time.Minute)}))
	}
	got, err := stores.Logs.Query(ctx, nil, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "4", got[0].ID)
	assert.Equal(t, "3", got[1].ID)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	stores := audit.New(kv.NewMemory())
	require.NoError(t, stores.RecordReversion(ctx, domain.WeekendReversion{ID: "r"}))
	require.NoError(t, stores.Reversions.Clear(ctx))

	got, err := stores.Reversions.Query(ctx, nil, 0)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestEmptyCollectionQuery(t *testing.T) {
	got, err := audit.New(kv.NewMemory()).Attempts.Query(context.Background(), nil, 10)
	require.NoError(t, err)
	assert.Equal(t, []domain.AssignmentAttempt{}, got)
}

func TestAssignmentFilter(t *testing.T) {
	attempt := domain.AssignmentAttempt{
		AgentName:   strPtr("Ana Lopez"),
		GroupID:     i64(1001),
		Result:      domain.ResultSuccess,
		AttemptedAt: now,
	}
	cases := []struct {
		name   string
		filter audit.AssignmentFilter
		want   bool
	}{
		{"empty", audit.AssignmentFilter{}, true},
		{"agent substring", audit.AssignmentFilter{AgentName: "lop"}, true},
		{"agent mismatch", audit.AssignmentFilter{AgentName: "ben"}, false},
		{"group", audit.AssignmentFilter{GroupID: i64(1001)}, true},
		{"other group", audit.AssignmentFilter{GroupID: i64(1002)}, false},
		{"result fold", audit.AssignmentFilter{Result: "SUCCESS"}, true},
		{"result mismatch", audit.AssignmentFilter{Result: "failed"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.filter.Match(attempt))
		})
	}

	noAgent := domain.AssignmentAttempt{Result: domain.ResultFailed}
	assert.False(t, audit.AssignmentFilter{AgentName: "a"}.Match(noAgent))
}

func TestActivityFilter(t *testing.T) {
	entry := domain.ActivityEntry{
		TicketID:      42,
		TicketSubject: "Cannot log in",
		TicketStatus:  "Open",
		AssignedTo:    "Ben Ortiz",
		GroupName:     "Tier 1 Support",
		ActivityType:  domain.ActivityAssignment,
		RecordedAt:    now,
	}
	assert.True(t, audit.ActivityFilter{TicketSubject: "LOG IN", AssignedTo: "ortiz", GroupName: "tier 1 support"}.Match(entry))
	assert.True(t, audit.ActivityFilter{TicketID: i64(42), TicketStatus: "open", ActivityType: "assignment"}.Match(entry))
	assert.False(t, audit.ActivityFilter{ActivityType: domain.ActivityWeekendReversion}.Match(entry))
	assert.False(t, audit.ActivityFilter{GroupName: "Tier 1"}.Match(entry), "group name is an exact match")
	assert.Equal(t, audit.DefaultActivityLogLimit, audit.ActivityFilter{}.EffectiveLimit())
	assert.Equal(t, 5, audit.ActivityFilter{Limit: 5}.EffectiveLimit())
}

func TestReversionFilter(t *testing.T) {
	r := domain.WeekendReversion{TicketID: 7, Agent: "Cara Diaz", PreviousStatus: "Waiting on Customer", RevertedAt: now}
	assert.True(t, audit.ReversionFilter{TicketID: i64(7), AgentName: "cara", PreviousStatus: "waiting on customer"}.Match(r))
	assert.False(t, audit.ReversionFilter{TicketID: i64(8)}.Match(r))
	assert.False(t, audit.ReversionFilter{PreviousStatus: "Pending"}.Match(r))
}

func TestParseDateRange(t *testing.T) {
	r, err := audit.ParseDateRange("2024-03-12", "2024-03-12", time.UTC)
	require.NoError(t, err)
	assert.True(t, r.Contains(time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC)))
	assert.True(t, r.Contains(time.Date(2024, 3, 12, 23, 59, 59, 0, time.UTC)), "bare date_to covers the whole day")
	assert.False(t, r.Contains(time.Date(2024, 3, 13, 0, 0, 0, 0, time.UTC)))
	assert.False(t, r.Contains(time.Date(2024, 3, 11, 23, 59, 59, 0, time.UTC)))

	r, err = audit.ParseDateRange("2024-03-12T06:00:00Z", "", time.UTC)
	require.NoError(t, err)
	assert.Nil(t, r.To)
	assert.True(t, r.Contains(time.Date(2024, 3, 12, 6, 0, 0, 0, time.UTC)))
	assert.False(t, r.Contains(time.Date(2024, 3, 12, 5, 59, 59, 0, time.UTC)))

	_, err = audit.ParseDateRange("yesterday", "", time.UTC)
	var ferr *audit.FilterError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, "date_from", ferr.Field)

	_, err = audit.ParseDateRange("2024-03-12", "2024-03-01", time.UTC)
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, "date_to", ferr.Field)
}

func TestDateRangeFiltersAssignmentAttempts(t *testing.T) {
	ctx := context.Background()
	stores := audit.New(kv.NewMemory())
	require.NoError(t, stores.Attempts.Append(ctx,
		domain.AssignmentAttempt{ID: "mon", AttemptedAt: time.Date(2024, 3, 11, 7, 0, 0, 0, time.UTC)},
		domain.AssignmentAttempt{ID: "tue", AttemptedAt: time.Date(2024, 3, 12, 7, 0, 0, 0, time.UTC)},
		domain.AssignmentAttempt{ID: "wed", AttemptedAt: time.Date(2024, 3, 13, 7, 0, 0, 0, time.UTC)},
	))
	dates, err := audit.ParseDateRange("2024-03-12", "2024-03-13", time.UTC)
	require.NoError(t, err)
	f := audit.AssignmentFilter{Dates: dates}

	got, err := stores.Attempts.Query(ctx, f.Match, f.EffectiveLimit())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "wed", got[0].ID)
	assert.Equal(t, "tue", got[1].ID)
}

func TestLogTypeFilterIsExact(t *testing.T) {
	entry := domain.LogEntry{Type: domain.LogRun}
	assert.True(t, audit.LogFilter{}.Match(entry))
	assert.True(t, audit.LogFilter{Type: domain.LogRun}.Match(entry))
	assert.False(t, audit.LogFilter{Type: "RUN"}.Match(entry))
	assert.False(t, audit.LogFilter{Type: domain.LogError}.Match(entry))
}

func TestConcurrentAppendsKeepEveryRecord(t *testing.T) {
	ctx := context.Background()
	stores := audit.New(kv.NewMemory())

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, stores.RecordAttempt(ctx, domain.AssignmentAttempt{ID: fmt.Sprint(i), TicketID: int64(i), AttemptedAt: now}))
		}()
	}
	wg.Wait()

	n, err := stores.Attempts.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50, n)
}
