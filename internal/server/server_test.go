package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
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
)

const testSecret = "test-secret"

type fakeScheduler struct {
	reloads int
	next    time.Time
}

func (f *fakeScheduler) Reload(context.Context) error {
	f.reloads++
	return nil
}

func (f *fakeScheduler) Next() time.Time { return f.next }

type testServer struct {
	*httptest.Server
	Engine engine.Engine
	Desk   *fdtest.Server
	Sched  *fakeScheduler
}

func newTestServer(t *testing.T, now time.Time) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))

	desk := fdtest.New(t)
	cfg := config.Default(desk.URL)
	cfg.Assignment.RandomizeStart = false
	eng := engine.New(cfg, desk.Client(), kv.SQLiteStore{DB: conn}, nil)
	eng.Now = func() time.Time { return now }
	noPacing := time.Duration(0)
	eng.Pacing = &noPacing

	sched := &fakeScheduler{next: now.Add(30 * time.Minute)}
	handler, err := New(Config{Engine: eng, Scheduler: sched, Auth: AuthConfig{JWTSecret: testSecret}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, Engine: eng, Desk: desk, Sched: sched}
}

func adminToken(t *testing.T) string {
	t.Helper()
	tok, err := IssueToken(testSecret, "ops", []string{RoleAdmin}, time.Hour, time.Now())
	require.NoError(t, err)
	return tok
}

func viewerToken(t *testing.T) string {
	t.Helper()
	tok, err := IssueToken(testSecret, "viewer", nil, time.Hour, time.Now())
	require.NoError(t, err)
	return tok
}

func doJSON(t *testing.T, s *testServer, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func idPtr(v int64) *int64 { return &v }
func boolPtr(b bool) *bool { return &b }

func tuesdayNight(t *testing.T) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return time.Date(2024, 3, 12, 3, 0, 0, 0, loc)
}

func TestHealthIsPublic(t *testing.T) {
	s := newTestServer(t, tuesdayNight(t))
	status, body := doJSON(t, s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "ok", body["status"])
}

func TestAPIRequiresToken(t *testing.T) {
	s := newTestServer(t, tuesdayNight(t))

	status, body := doJSON(t, s, http.MethodGet, "/v1/logs", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "authentication required", body["error"])

	status, _ = doJSON(t, s, http.MethodGet, "/v1/logs", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	forged, err := IssueToken("other-secret", "ops", []string{RoleAdmin}, time.Hour, time.Now())
	require.NoError(t, err)
	status, _ = doJSON(t, s, http.MethodGet, "/v1/logs", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestMutationsRequireAdmin(t *testing.T) {
	s := newTestServer(t, tuesdayNight(t))
	viewer := viewerToken(t)

	status, _ := doJSON(t, s, http.MethodGet, "/v1/activity-log", viewer, nil)
	assert.Equal(t, http.StatusOK, status)

	status, body := doJSON(t, s, http.MethodDelete, "/v1/activity-log", viewer, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "role admin required", body["error"])

	status, _ = doJSON(t, s, http.MethodPost, "/v1/runs", viewer, nil)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestRunThenReadActivity(t *testing.T) {
	now := tuesdayNight(t)
	s := newTestServer(t, now)
	s.Desk.AddAgent(fdtest.Agent{ID: 11, Name: "Ana", Available: boolPtr(true)})
	s.Desk.AddGroup(fdtest.Group{ID: 1001, Name: "Tier 1 Support", AgentIDs: []int64{11}})
	s.Desk.AddTicket(fdtest.Ticket{ID: 7, Subject: "printer on fire", Status: 2, GroupID: idPtr(1001), UpdatedAt: now.Add(-time.Hour)})
	token := adminToken(t)

	status, body := doJSON(t, s, http.MethodPost, "/v1/runs", token, nil)
	require.Equal(t, http.StatusOK, status, body)
	summary := body["summary"].(map[string]any)
	assert.Equal(t, true, summary["assignment_window"])

	status, body = doJSON(t, s, http.MethodGet, "/v1/assignment-activity?agent_name=ana", token, nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.EqualValues(t, 1, body["count"])
	attempts := body["attempts"].([]any)
	assert.Equal(t, "success", attempts[0].(map[string]any)["result"])

	status, body = doJSON(t, s, http.MethodGet, "/v1/activity-log?ticket_subject=PRINTER&date_from=2024-03-12&date_to=2024-03-12", token, nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.EqualValues(t, 1, body["count"])

	status, body = doJSON(t, s, http.MethodGet, "/v1/activity-log?date_from=2024-03-13", token, nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.EqualValues(t, 0, body["count"])
	assert.Equal(t, []any{}, body["entries"])

	status, body = doJSON(t, s, http.MethodGet, "/v1/logs?type=assignment", token, nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.EqualValues(t, 1, body["count"])

	status, body = doJSON(t, s, http.MethodDelete, "/v1/activity-log", token, nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "activity log cleared", body["message"])
	entries, err := s.Engine.GetActivityLog(context.Background(), audit.ActivityFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunInProgressIsConflict(t *testing.T) {
	now := tuesdayNight(t)
	s := newTestServer(t, now)
	listing := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	s.Desk.BeforeList = func() {
		once.Do(func() {
			close(listing)
			<-release
		})
	}
	first := make(chan error, 1)
	go func() {
		_, err := s.Engine.Run(context.Background())
		first <- err
	}()
	<-listing
	token := adminToken(t)

	status, body := doJSON(t, s, http.MethodPost, "/v1/runs", token, nil)
	assert.Equal(t, http.StatusConflict, status, body)
	assert.Equal(t, "run in progress", body["error"])
	status, body = doJSON(t, s, http.MethodPost, "/v1/weekend-reversion/test", token, nil)
	assert.Equal(t, http.StatusConflict, status, body)

	close(release)
	require.NoError(t, <-first)
	status, body = doJSON(t, s, http.MethodPost, "/v1/runs", token, nil)
	assert.Equal(t, http.StatusOK, status, body)
}

func TestBadDateIsBadRequest(t *testing.T) {
	s := newTestServer(t, tuesdayNight(t))
	status, body := doJSON(t, s, http.MethodGet, "/v1/weekend-reversions?date_from=yesterday", adminToken(t), nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["error"], "date_from")

	status, _ = doJSON(t, s, http.MethodGet, "/v1/assignment-activity?date_from=2024-03-12&date_to=2024-03-01", adminToken(t), nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestInvalidEnumIsBadRequest(t *testing.T) {
	s := newTestServer(t, tuesdayNight(t))
	status, body := doJSON(t, s, http.MethodGet, "/v1/logs?type=bogus", adminToken(t), nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, false, body["success"])
}

func TestTicketCheck(t *testing.T) {
	now := tuesdayNight(t)
	s := newTestServer(t, now)
	s.Desk.AddTicket(fdtest.Ticket{ID: 9, Subject: "vpn", Status: 40, GroupID: idPtr(1002), UpdatedAt: now})
	token := adminToken(t)

	status, body := doJSON(t, s, http.MethodGet, "/v1/tickets/9", token, nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "Triage", body["status_name"])
	assert.Equal(t, "Tier 2 Support", body["group_name"])
	assert.Equal(t, true, body["assignment_eligible"])

	status, body = doJSON(t, s, http.MethodGet, "/v1/tickets/404", token, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, false, body["success"])
}

func TestUpstreamFailureIsBadGateway(t *testing.T) {
	s := newTestServer(t, tuesdayNight(t))
	s.Desk.FailList = true
	status, body := doJSON(t, s, http.MethodPost, "/v1/weekend-reversion/test", adminToken(t), nil)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, false, body["success"])
}

func TestScheduleInstallAndShow(t *testing.T) {
	s := newTestServer(t, tuesdayNight(t))
	token := adminToken(t)

	status, body := doJSON(t, s, http.MethodGet, "/v1/schedule", token, nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, false, body["installed"])

	status, body = doJSON(t, s, http.MethodPut, "/v1/schedule", token, InstallScheduleRequest{Cron: "0 * * * *"})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, true, body["installed"])
	sched := body["schedule"].(map[string]any)
	assert.Equal(t, "0 * * * *", sched["cron"])
	assert.Equal(t, domain.EventRoundRobinRun, sched["event"])
	assert.NotEmpty(t, body["next"])
	assert.Equal(t, 1, s.Sched.reloads)

	status, body = doJSON(t, s, http.MethodPut, "/v1/schedule", token, InstallScheduleRequest{Cron: "every minute"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "invalid schedule")
	assert.Equal(t, 1, s.Sched.reloads)
}

func TestNewRequiresSecretOrAnonymous(t *testing.T) {
	_, err := New(Config{Engine: engine.Engine{}})
	assert.Error(t, err)

	handler, err := New(Config{Engine: engine.Engine{}, Auth: AuthConfig{AllowAnonymous: true}})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
