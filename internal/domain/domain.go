package domain

import "time"

type Ticket struct {
	ID          int64     `json:"id"`
	Subject     string    `json:"subject"`
	Status      int       `json:"status"`
	GroupID     *int64    `json:"group_id,omitempty"`
	ResponderID *int64    `json:"responder_id,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	UpdatedAt   time.Time `json:"updated_at" format:"date-time"`
}

// Unassigned reports whether the ticket has no responder.
func (t Ticket) Unassigned() bool {
	return t.ResponderID == nil || *t.ResponderID == 0
}

type Agent struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	Email     string  `json:"email,omitempty"`
	Groups    []int64 `json:"groups"`
	Available bool    `json:"available"`
}

// InGroup reports whether the agent is a member of groupID.
func (a Agent) InGroup(groupID int64) bool {
	for _, g := range a.Groups {
		if g == groupID {
			return true
		}
	}
	return false
}

type Group struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	MemberIDs []int64 `json:"member_ids,omitempty"`
}

const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
)

type AssignmentAttempt struct {
	ID            string    `json:"id"`
	TicketID      int64     `json:"ticket_id"`
	TicketSubject string    `json:"ticket_subject"`
	AgentID       *int64    `json:"agent_id,omitempty"`
	AgentName     *string   `json:"agent_name,omitempty"`
	GroupID       *int64    `json:"group_id,omitempty"`
	GroupName     string    `json:"group_name,omitempty"`
	Result        string    `json:"result" enum:"success,failed"`
	Error         *string   `json:"error,omitempty"`
	AttemptedAt   time.Time `json:"attempted_at" format:"date-time"`
	TagApplied    *string   `json:"tag_applied,omitempty"`
}

const (
	ActivityAssignment       = "assignment"
	ActivityWeekendReversion = "weekend_reversion"
)

type ActivityEntry struct {
	ID               string     `json:"id"`
	TicketID         int64      `json:"ticket_id"`
	TicketSubject    string     `json:"ticket_subject"`
	TicketStatus     string     `json:"ticket_status"`
	AssignedTo       string     `json:"assigned_to,omitempty"`
	GroupName        string     `json:"group_name,omitempty"`
	AssignedAt       *time.Time `json:"assigned_at,omitempty" format:"date-time"`
	StatusRevertedAt *time.Time `json:"status_reverted_at,omitempty" format:"date-time"`
	ActivityType     string     `json:"activity_type" enum:"assignment,weekend_reversion"`
	RecordedAt       time.Time  `json:"recorded_at" format:"date-time"`
}

type WeekendReversion struct {
	ID             string    `json:"id"`
	TicketID       int64     `json:"ticket_id"`
	TicketSubject  string    `json:"ticket_subject"`
	Agent          string    `json:"agent"`
	PreviousStatus string    `json:"previous_status"`
	RevertedTo     string    `json:"reverted_to"`
	RevertedToCode int       `json:"reverted_to_code"`
	Reason         string    `json:"reason"`
	RevertedAt     time.Time `json:"reverted_at" format:"date-time"`
}

// Log categories used by the run and the admin operations.
const (
	LogInfo       = "info"
	LogWarning    = "warning"
	LogError      = "error"
	LogAssignment = "assignment"
	LogReversion  = "reversion"
	LogRun        = "run"
)

type LogEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp" format:"date-time"`
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// EventRoundRobinRun is the scheduled event that triggers a run.
const EventRoundRobinRun = "round_robin_run"

type Schedule struct {
	Cron        string    `json:"cron"`
	Timezone    string    `json:"timezone"`
	Event       string    `json:"event"`
	InstalledAt time.Time `json:"installed_at" format:"date-time"`
}
