package engine_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nightshift/internal/audit"
	"nightshift/internal/config"
	"nightshift/internal/db"
	"nightshift/internal/domain"
	"nightshift/internal/engine"
	"nightshift/internal/freshdesk/fdtest"
	"nightshift/internal/kv"
	"nightshift/internal/migrate"
	"nightshift/internal/rotation"
)

const (
	tier1 int64 = 1001
	tier2 int64 = 1002
)

type testEnv struct {
	Engine engine.Engine
	Desk   *fdtest.Server
	Ctx    context.Context
}

func newYork(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return loc
}

func newTestEnv(t *testing.T, now time.Time) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))

	desk := fdtest.New(t)
	cfg := config.Default(desk.URL)
	require.NoError(t, cfg.Validate())
	cfg.Assignment.RandomizeStart = false

	eng := engine.New(cfg, desk.Client(), kv.SQLiteStore{DB: conn}, nil)
	eng.Now = func() time.Time { return now }
	noPacing := time.Duration(0)
	eng.Pacing = &noPacing
	return testEnv{Engine: eng, Desk: desk, Ctx: ctx}
}

func boolPtr(b bool) *bool { return &b }
func idPtr(v int64) *int64 { return &v }

func seedAgents(desk *fdtest.Server) {
	desk.AddAgent(fdtest.Agent{ID: 11, Name: "Ana", Available: boolPtr(true)})
	desk.AddAgent(fdtest.Agent{ID: 12, Name: "Ben", Available: boolPtr(true)})
	desk.AddAgent(fdtest.Agent{ID: 13, Name: "Cara", Available: boolPtr(true)})
	desk.AddAgent(fdtest.Agent{ID: 14, Name: "Dev", DetailAvailable: boolPtr(false)})
	desk.AddGroup(fdtest.Group{ID: tier1, Name: "Tier 1 Support", AgentIDs: []int64{11, 12, 13, 14}})
	desk.AddGroup(fdtest.Group{ID: tier2, Name: "Tier 2 Support", AgentIDs: []int64{13}})
}

func TestRunAssignsInRotationOrder(t *testing.T) {
	tuesday := time.Date(2024, 3, 12, 3, 0, 0, 0, newYork(t))
	env := newTestEnv(t, tuesday)
	seedAgents(env.Desk)
	recent := tuesday.Add(-time.Hour)
	env.Desk.AddTicket(fdtest.Ticket{ID: 1, Subject: "first", Status: 2, GroupID: idPtr(tier1), UpdatedAt: recent})
	env.Desk.AddTicket(fdtest.Ticket{ID: 2, Subject: "second", Status: 40, GroupID: idPtr(tier1), UpdatedAt: recent})
	env.Desk.AddTicket(fdtest.Ticket{ID: 3, Subject: "assigned", Status: 2, GroupID: idPtr(tier1), ResponderID: idPtr(11), UpdatedAt: recent})
	env.Desk.AddTicket(fdtest.Ticket{ID: 4, Subject: "stale", Status: 2, GroupID: idPtr(tier1), UpdatedAt: tuesday.Add(-48 * time.Hour)})
	env.Desk.AddTicket(fdtest.Ticket{ID: 5, Subject: "elsewhere", Status: 2, GroupID: idPtr(9999), UpdatedAt: recent})
	require.NoError(t, env.Engine.Rotation.Save(env.Ctx, rotation.State{tier1: 1}))

	sum, err := env.Engine.Run(env.Ctx)
	require.NoError(t, err)
	assert.True(t, sum.AssignmentWindow)
	assert.False(t, sum.WeekendWindow)
	assert.Equal(t, 4, sum.Fetched)
	assert.Equal(t, 2, sum.Assignment.Assigned)
	assert.Equal(t, 1, sum.Assignment.Skipped)

	first, _ := env.Desk.Ticket(1)
	second, _ := env.Desk.Ticket(2)
	require.NotNil(t, first.ResponderID)
	require.NotNil(t, second.ResponderID)
	assert.Equal(t, int64(12), *first.ResponderID, "index 1 points at Ben")
	assert.Equal(t, int64(13), *second.ResponderID)
	assert.Contains(t, first.Tags, "overnight")

	st, err := env.Engine.Rotation.Load(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st[tier1], "Dev is unavailable, so three agents rotate")

	attempts, err := env.Engine.GetAssignmentActivity(env.Ctx, audit.AssignmentFilter{Result: domain.ResultSuccess})
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, "Cara", *attempts[0].AgentName)

	failed, err := env.Engine.GetAssignmentActivity(env.Ctx, audit.AssignmentFilter{Result: domain.ResultFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, int64(5), failed[0].TicketID)

	activity, err := env.Engine.GetActivityLog(env.Ctx, audit.ActivityFilter{ActivityType: domain.ActivityAssignment})
	require.NoError(t, err)
	require.Len(t, activity, 2)
	assert.Equal(t, "Open", activity[1].TicketStatus)
	assert.Equal(t, "Triage", activity[0].TicketStatus)
}

func TestRunOnMondayRevertsThenAssigns(t *testing.T) {
	monday := time.Date(2024, 3, 11, 3, 0, 0, 0, newYork(t))
	env := newTestEnv(t, monday)
	seedAgents(env.Desk)
	saturday := monday.Add(-40 * time.Hour)
	env.Desk.AddTicket(fdtest.Ticket{ID: 10, Subject: "held", Status: 38, GroupID: idPtr(tier2), ResponderID: idPtr(13), UpdatedAt: saturday})
	env.Desk.AddTicket(fdtest.Ticket{ID: 11, Subject: "new", Status: 2, GroupID: idPtr(tier2), UpdatedAt: saturday})

	sum, err := env.Engine.Run(env.Ctx)
	require.NoError(t, err)
	assert.True(t, sum.WeekendWindow)
	assert.True(t, sum.AssignmentWindow)
	assert.Equal(t, 2, sum.Fetched, "Monday looks back 61 hours")
	assert.Equal(t, 1, sum.Reverted)
	assert.Equal(t, 1, sum.Assignment.Assigned)

	held, _ := env.Desk.Ticket(10)
	assert.Equal(t, 6, held.Status)
	notes := env.Desk.Notes()
	require.Len(t, notes, 1)
	assert.True(t, notes[0].Private)
	assert.Contains(t, notes[0].Body, "Waiting on Customer")

	updates := env.Desk.Updates()
	require.NotEmpty(t, updates)
	_, statusFirst := updates[0].Fields["status"]
	assert.True(t, statusFirst, "reversion runs before assignment")

	reversions, err := env.Engine.GetWeekendReversions(env.Ctx, audit.ReversionFilter{})
	require.NoError(t, err)
	require.Len(t, reversions, 1)
	assert.Equal(t, "Waiting on Customer", reversions[0].PreviousStatus)
	assert.Equal(t, "Agent 13", reversions[0].Agent)
}

func TestRunOutsideWindowsDoesNothing(t *testing.T) {
	wednesday := time.Date(2024, 3, 13, 14, 0, 0, 0, newYork(t))
	env := newTestEnv(t, wednesday)
	env.Desk.FailList = true

	sum, err := env.Engine.Run(env.Ctx)
	require.NoError(t, err)
	assert.False(t, sum.WeekendWindow)
	assert.False(t, sum.AssignmentWindow)
	assert.Zero(t, sum.Fetched)

	logs, err := env.Engine.GetLogs(env.Ctx, audit.LogFilter{Type: domain.LogRun})
	require.NoError(t, err)
	require.Len(t, logs, 1)
}

func TestRunSkipsHolidayWhenConfigured(t *testing.T) {
	// Thursday 4 July 2024.
	holiday := time.Date(2024, 7, 4, 3, 0, 0, 0, newYork(t))
	env := newTestEnv(t, holiday)
	env.Engine.Config.Assignment.SkipHolidays = true
	env.Desk.FailList = true

	sum, err := env.Engine.Run(env.Ctx)
	require.NoError(t, err)
	assert.True(t, sum.Holiday)
	assert.False(t, sum.AssignmentWindow)
}

func TestScheduledEventRecordsFetchFailure(t *testing.T) {
	tuesday := time.Date(2024, 3, 12, 3, 0, 0, 0, newYork(t))
	env := newTestEnv(t, tuesday)
	env.Desk.FailList = true

	env.Engine.HandleScheduledEvent(env.Ctx, engine.EventRoundRobinRun)

	logs, err := env.Engine.GetLogs(env.Ctx, audit.LogFilter{Type: domain.LogError})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "run failed", logs[0].Message)
	assert.Equal(t, "fetch", logs[0].Details["phase"])
	assert.Empty(t, env.Desk.Updates())
}

func TestScheduledEventIgnoresUnknownEvent(t *testing.T) {
	env := newTestEnv(t, time.Date(2024, 3, 12, 3, 0, 0, 0, newYork(t)))
	env.Engine.HandleScheduledEvent(env.Ctx, "something_else")

	logs, err := env.Engine.GetLogs(env.Ctx, audit.LogFilter{Type: domain.LogWarning})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "something_else", logs[0].Details["event"])
}

func TestRotationResumesAcrossRuns(t *testing.T) {
	tuesday := time.Date(2024, 3, 12, 3, 0, 0, 0, newYork(t))
	env := newTestEnv(t, tuesday)
	seedAgents(env.Desk)
	env.Desk.AddTicket(fdtest.Ticket{ID: 1, Status: 2, GroupID: idPtr(tier1), UpdatedAt: tuesday.Add(-time.Hour)})

	_, err := env.Engine.Run(env.Ctx)
	require.NoError(t, err)
	env.Desk.AddTicket(fdtest.Ticket{ID: 2, Status: 2, GroupID: idPtr(tier1), UpdatedAt: tuesday.Add(-time.Minute)})
	_, err = env.Engine.Run(env.Ctx)
	require.NoError(t, err)

	one, _ := env.Desk.Ticket(1)
	two, _ := env.Desk.Ticket(2)
	assert.Equal(t, int64(11), *one.ResponderID)
	assert.Equal(t, int64(12), *two.ResponderID)
}

func TestTestWeekendReversionForcesPhase(t *testing.T) {
	wednesday := time.Date(2024, 3, 13, 14, 0, 0, 0, newYork(t))
	env := newTestEnv(t, wednesday)
	env.Desk.AddTicket(fdtest.Ticket{ID: 7, Status: 38, GroupID: idPtr(tier1), UpdatedAt: wednesday.Add(-time.Hour)})
	env.Desk.AddTicket(fdtest.Ticket{ID: 8, Status: 38, GroupID: idPtr(9999), UpdatedAt: wednesday.Add(-time.Hour)})

	res, err := env.Engine.TestWeekendReversion(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, engine.ReversionTest{WeekendWindow: false, Fetched: 2, Candidates: 1, Reverted: 1}, res)

	activity, err := env.Engine.GetActivityLog(env.Ctx, audit.ActivityFilter{ActivityType: domain.ActivityWeekendReversion})
	require.NoError(t, err)
	require.Len(t, activity, 1)
	assert.NotNil(t, activity[0].StatusRevertedAt)
}

func TestCheckSpecificTicket(t *testing.T) {
	env := newTestEnv(t, time.Date(2024, 3, 13, 14, 0, 0, 0, newYork(t)))
	env.Desk.AddTicket(fdtest.Ticket{ID: 42, Subject: "help", Status: 2, GroupID: idPtr(tier2)})

	check, err := env.Engine.CheckSpecificTicket(env.Ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "help", check.Ticket.Subject)
	assert.Equal(t, "Open", check.StatusName)
	assert.Equal(t, "Tier 2 Support", check.GroupName)
	assert.True(t, check.Monitored)
	assert.True(t, check.AssignmentEligible)
	assert.False(t, check.ReversionCandidate)

	_, err = env.Engine.CheckSpecificTicket(env.Ctx, 404)
	require.Error(t, err)
}

func TestClearOperations(t *testing.T) {
	tuesday := time.Date(2024, 3, 12, 3, 0, 0, 0, newYork(t))
	env := newTestEnv(t, tuesday)
	seedAgents(env.Desk)
	env.Desk.AddTicket(fdtest.Ticket{ID: 1, Status: 2, GroupID: idPtr(tier1), UpdatedAt: tuesday.Add(-time.Hour)})
	_, err := env.Engine.Run(env.Ctx)
	require.NoError(t, err)

	require.NoError(t, env.Engine.ClearAssignmentActivity(env.Ctx))
	require.NoError(t, env.Engine.ClearActivityLog(env.Ctx))
	require.NoError(t, env.Engine.ClearWeekendReversions(env.Ctx))

	attempts, err := env.Engine.GetAssignmentActivity(env.Ctx, audit.AssignmentFilter{})
	require.NoError(t, err)
	assert.Empty(t, attempts)
	activity, err := env.Engine.GetActivityLog(env.Ctx, audit.ActivityFilter{})
	require.NoError(t, err)
	assert.Empty(t, activity)

	logs, err := env.Engine.GetLogs(env.Ctx, audit.LogFilter{Type: domain.LogInfo})
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, "weekend reversions cleared", logs[0].Message)

	require.NoError(t, env.Engine.ClearLogs(env.Ctx))
	logs, err = env.Engine.GetLogs(env.Ctx, audit.LogFilter{})
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestInstallPersistsSchedule(t *testing.T) {
	at := time.Date(2024, 3, 12, 3, 0, 0, 0, time.UTC)
	env := newTestEnv(t, at)

	_, ok, err := env.Engine.GetSchedule(env.Ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	sched, err := env.Engine.Install(env.Ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "*/30 * * * *", sched.Cron)
	assert.Equal(t, engine.EventRoundRobinRun, sched.Event)

	sched, err = env.Engine.Install(env.Ctx, "5 2 * * 1-5")
	require.NoError(t, err)
	got, ok, err := env.Engine.GetSchedule(env.Ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sched.Cron, got.Cron)
	assert.Equal(t, "America/New_York", got.Timezone)
	assert.True(t, at.Equal(got.InstalledAt))

	_, err = env.Engine.Install(env.Ctx, "not a cron")
	require.Error(t, err)
}

func TestRunSummaryJSON(t *testing.T) {
	data, err := json.Marshal(engine.RunSummary{Fetched: 3})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"fetched":3`)
	assert.NotContains(t, string(data), `"error"`)
}

func TestConcurrentRunIsRejected(t *testing.T) {
	tuesday := time.Date(2024, 3, 12, 3, 0, 0, 0, newYork(t))
	env := newTestEnv(t, tuesday)
	seedAgents(env.Desk)
	for id := int64(1); id <= 6; id++ {
		env.Desk.AddTicket(fdtest.Ticket{ID: id, Status: 2, GroupID: idPtr(tier1), UpdatedAt: tuesday.Add(-time.Hour)})
	}

	listing := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	env.Desk.BeforeList = func() {
		once.Do(func() {
			close(listing)
			<-release
		})
	}

	first := make(chan error, 1)
	go func() {
		_, err := env.Engine.Run(env.Ctx)
		first <- err
	}()
	<-listing

	_, err := env.Engine.Run(env.Ctx)
	require.ErrorIs(t, err, engine.ErrRunInProgress)
	_, err = env.Engine.TestWeekendReversion(env.Ctx)
	require.ErrorIs(t, err, engine.ErrRunInProgress)
	env.Engine.HandleScheduledEvent(env.Ctx, engine.EventRoundRobinRun)

	close(release)
	require.NoError(t, <-first)

	attempts, err := env.Engine.GetAssignmentActivity(env.Ctx, audit.AssignmentFilter{})
	require.NoError(t, err)
	assert.Len(t, attempts, 6)
	assert.Len(t, env.Desk.Updates(), 12, "responder and tag per ticket")

	warnings, err := env.Engine.GetLogs(env.Ctx, audit.LogFilter{Type: domain.LogWarning})
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Equal(t, "scheduled run skipped, another run in progress", warnings[0].Message)

	_, err = env.Engine.Run(env.Ctx)
	require.NoError(t, err, "lock is released after a run")
}

func TestReversionKeepsWindowDecidedAtStart(t *testing.T) {
	loc := newYork(t)
	before := time.Date(2024, 3, 11, 6, 59, 55, 0, loc)
	env := newTestEnv(t, before)
	calls := 0
	env.Engine.Now = func() time.Time {
		calls++
		if calls == 1 {
			return before
		}
		return before.Add(10 * time.Second)
	}
	env.Desk.AddTicket(fdtest.Ticket{ID: 20, Status: 38, GroupID: idPtr(tier2), ResponderID: idPtr(13), UpdatedAt: before.Add(-40 * time.Hour)})

	sum, err := env.Engine.Run(env.Ctx)
	require.NoError(t, err)
	assert.True(t, sum.WeekendWindow)
	assert.Equal(t, 1, sum.Reverted)
	held, _ := env.Desk.Ticket(20)
	assert.Equal(t, 6, held.Status)
}
