package nightshiftsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal nightshift admin API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v1",
		BearerToken: token,
		Timeout:     30 * time.Second,
		HTTPClient:  &http.Client{Timeout: 30 * time.Second},
	}
}

// LogEntry is a run log entry.
type LogEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// AssignmentAttempt is one assignment outcome.
type AssignmentAttempt struct {
	ID            string    `json:"id"`
	TicketID      int64     `json:"ticket_id"`
	TicketSubject string    `json:"ticket_subject"`
	AgentID       *int64    `json:"agent_id,omitempty"`
	AgentName     *string   `json:"agent_name,omitempty"`
	GroupID       *int64    `json:"group_id,omitempty"`
	GroupName     string    `json:"group_name,omitempty"`
	Result        string    `json:"result"`
	Error         *string   `json:"error,omitempty"`
	AttemptedAt   time.Time `json:"attempted_at"`
}

// WeekendReversion is one restored status.
type WeekendReversion struct {
	ID             string    `json:"id"`
	TicketID       int64     `json:"ticket_id"`
	TicketSubject  string    `json:"ticket_subject"`
	Agent          string    `json:"agent"`
	PreviousStatus string    `json:"previous_status"`
	RevertedTo     string    `json:"reverted_to"`
	Reason         string    `json:"reason"`
	RevertedAt     time.Time `json:"reverted_at"`
}

// ActivityEntry is a consolidated activity record.
type ActivityEntry struct {
	ID               string     `json:"id"`
	TicketID         int64      `json:"ticket_id"`
	TicketSubject    string     `json:"ticket_subject"`
	TicketStatus     string     `json:"ticket_status"`
	AssignedTo       string     `json:"assigned_to,omitempty"`
	GroupName        string     `json:"group_name,omitempty"`
	AssignedAt       *time.Time `json:"assigned_at,omitempty"`
	StatusRevertedAt *time.Time `json:"status_reverted_at,omitempty"`
	ActivityType     string     `json:"activity_type"`
	RecordedAt       time.Time  `json:"recorded_at"`
}

// RunSummary reports what a run did (partial).
type RunSummary struct {
	WeekendWindow    bool   `json:"weekend_window"`
	AssignmentWindow bool   `json:"assignment_window"`
	Fetched          int    `json:"fetched"`
	Reverted         int    `json:"reverted"`
	Error            string `json:"error,omitempty"`
	Assignment       struct {
		Assigned int `json:"assigned"`
		Skipped  int `json:"skipped"`
		Errored  int `json:"errored"`
	} `json:"assignment"`
}

// ReversionTest reports a forced weekend reversion.
type ReversionTest struct {
	WeekendWindow bool `json:"weekend_window"`
	Fetched       int  `json:"fetched"`
	Candidates    int  `json:"candidates"`
	Reverted      int  `json:"reverted"`
}

// TicketCheck describes how the policies see one ticket (partial).
type TicketCheck struct {
	Ticket struct {
		ID      int64  `json:"id"`
		Subject string `json:"subject"`
		Status  int    `json:"status"`
	} `json:"ticket"`
	StatusName         string `json:"status_name"`
	GroupName          string `json:"group_name,omitempty"`
	Monitored          bool   `json:"monitored"`
	AssignmentEligible bool   `json:"assignment_eligible"`
	ReversionCandidate bool   `json:"reversion_candidate"`
}

// Schedule is the installed recurring run.
type Schedule struct {
	Installed bool `json:"installed"`
	Schedule  *struct {
		Cron        string    `json:"cron"`
		Timezone    string    `json:"timezone"`
		Event       string    `json:"event"`
		InstalledAt time.Time `json:"installed_at"`
	} `json:"schedule,omitempty"`
	Next string `json:"next,omitempty"`
}

// Query narrows a listing. Zero fields are not sent.
type Query struct {
	Type           string
	AgentName      string
	GroupID        int64
	TicketID       int64
	Result         string
	PreviousStatus string
	TicketSubject  string
	TicketStatus   string
	AssignedTo     string
	GroupName      string
	ActivityType   string
	DateFrom       string
	DateTo         string
	Limit          int
}

func (q Query) values() url.Values {
	v := url.Values{}
	set := func(k, s string) {
		if s != "" {
			v.Set(k, s)
		}
	}
	set("type", q.Type)
	set("agent_name", q.AgentName)
	set("result", q.Result)
	set("previous_status", q.PreviousStatus)
	set("ticket_subject", q.TicketSubject)
	set("ticket_status", q.TicketStatus)
	set("assigned_to", q.AssignedTo)
	set("group_name", q.GroupName)
	set("activity_type", q.ActivityType)
	set("date_from", q.DateFrom)
	set("date_to", q.DateTo)
	if q.GroupID != 0 {
		v.Set("group_id", strconv.FormatInt(q.GroupID, 10))
	}
	if q.TicketID != 0 {
		v.Set("ticket_id", strconv.FormatInt(q.TicketID, 10))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Logs lists run log entries, newest first.
func (c *Client) Logs(ctx context.Context, q Query) ([]LogEntry, error) {
	var resp struct {
		Logs []LogEntry `json:"logs"`
	}
	err := c.do(ctx, http.MethodGet, c.path("logs", q), nil, &resp)
	return resp.Logs, err
}

// AssignmentActivity lists assignment attempts, newest first.
func (c *Client) AssignmentActivity(ctx context.Context, q Query) ([]AssignmentAttempt, error) {
	var resp struct {
		Attempts []AssignmentAttempt `json:"attempts"`
	}
	err := c.do(ctx, http.MethodGet, c.path("assignment-activity", q), nil, &resp)
	return resp.Attempts, err
}

// WeekendReversions lists reversions, newest first.
func (c *Client) WeekendReversions(ctx context.Context, q Query) ([]WeekendReversion, error) {
	var resp struct {
		Reversions []WeekendReversion `json:"reversions"`
	}
	err := c.do(ctx, http.MethodGet, c.path("weekend-reversions", q), nil, &resp)
	return resp.Reversions, err
}

// ActivityLog lists consolidated activity, newest first.
func (c *Client) ActivityLog(ctx context.Context, q Query) ([]ActivityEntry, error) {
	var resp struct {
		Entries []ActivityEntry `json:"entries"`
	}
	err := c.do(ctx, http.MethodGet, c.path("activity-log", q), nil, &resp)
	return resp.Entries, err
}

// Collections accepted by Clear.
const (
	CollectionLogs               = "logs"
	CollectionAssignmentActivity = "assignment-activity"
	CollectionWeekendReversions  = "weekend-reversions"
	CollectionActivityLog        = "activity-log"
)

// Clear deletes every record of a collection.
func (c *Client) Clear(ctx context.Context, collection string) error {
	return c.do(ctx, http.MethodDelete, c.path(collection, Query{}), nil, nil)
}

// TestWeekendReversion runs the weekend reversion ignoring the time window.
func (c *Client) TestWeekendReversion(ctx context.Context) (ReversionTest, error) {
	var resp ReversionTest
	err := c.do(ctx, http.MethodPost, c.path("weekend-reversion/test", Query{}), nil, &resp)
	return resp, err
}

// CheckTicket fetches one ticket and its policy evaluation.
func (c *Client) CheckTicket(ctx context.Context, id int64) (TicketCheck, error) {
	var resp TicketCheck
	err := c.do(ctx, http.MethodGet, c.path("tickets/"+strconv.FormatInt(id, 10), Query{}), nil, &resp)
	return resp, err
}

// RunNow triggers one run.
func (c *Client) RunNow(ctx context.Context) (RunSummary, error) {
	var resp struct {
		Summary RunSummary `json:"summary"`
	}
	err := c.do(ctx, http.MethodPost, c.path("runs", Query{}), nil, &resp)
	return resp.Summary, err
}

// Schedule returns the installed schedule.
func (c *Client) Schedule(ctx context.Context) (Schedule, error) {
	var resp Schedule
	err := c.do(ctx, http.MethodGet, c.path("schedule", Query{}), nil, &resp)
	return resp, err
}

// InstallSchedule installs cron, or the configured schedule when empty.
func (c *Client) InstallSchedule(ctx context.Context, cron string) (Schedule, error) {
	var resp Schedule
	err := c.do(ctx, http.MethodPut, c.path("schedule", Query{}), map[string]string{"cron": cron}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: c.Timeout}
	}
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base()+endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Message = envelope.Error
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) path(p string, q Query) string {
	basePath := "/" + strings.Trim(c.BasePath, "/")
	endpoint := basePath + "/" + strings.TrimLeft(p, "/")
	if v := q.values(); len(v) > 0 {
		endpoint += "?" + v.Encode()
	}
	return endpoint
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
