package server

import (
	"nightshift/internal/domain"
	"nightshift/internal/engine"
)

// Every response body carries success=true; errors use apiError.

type HealthResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status" example:"ok"`
}

type LogsResponse struct {
	Success bool              `json:"success"`
	Count   int               `json:"count"`
	Logs    []domain.LogEntry `json:"logs"`
}

type AssignmentActivityResponse struct {
	Success  bool                       `json:"success"`
	Count    int                        `json:"count"`
	Attempts []domain.AssignmentAttempt `json:"attempts"`
}

type WeekendReversionsResponse struct {
	Success    bool                      `json:"success"`
	Count      int                       `json:"count"`
	Reversions []domain.WeekendReversion `json:"reversions"`
}

type ActivityLogResponse struct {
	Success bool                   `json:"success"`
	Count   int                    `json:"count"`
	Entries []domain.ActivityEntry `json:"entries"`
}

type ClearResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message" example:"activity log cleared"`
}

type ReversionTestResponse struct {
	Success bool `json:"success"`
	engine.ReversionTest
}

type TicketCheckResponse struct {
	Success bool `json:"success"`
	engine.TicketCheck
}

type RunResponse struct {
	Success bool              `json:"success"`
	Summary engine.RunSummary `json:"summary"`
}

type ScheduleResponse struct {
	Success   bool             `json:"success"`
	Installed bool             `json:"installed"`
	Schedule  *domain.Schedule `json:"schedule,omitempty"`
	Next      string           `json:"next,omitempty" format:"date-time"`
}

type InstallScheduleRequest struct {
	Cron string `json:"cron,omitempty" example:"*/30 * * * *" doc:"Cron expression; empty uses the configured schedule"`
}
