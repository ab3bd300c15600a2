// Package server exposes the administrative operations over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"nightshift/internal/audit"
	"nightshift/internal/engine"
	"nightshift/internal/freshdesk"
	"nightshift/internal/tickets"
)

// Reloader is notified after a schedule is installed through the API.
type Reloader interface {
	Reload(ctx context.Context) error
	Next() time.Time
}

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	Scheduler Reloader
	BasePath  string
	Auth      AuthConfig
	Logger    *zap.Logger
}

// apiError is the error envelope: {"success": false, "error": "..."}.
type apiError struct {
	status  int
	Success bool   `json:"success"`
	Message string `json:"error" example:"ticket 42 not found"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Message }

func newAPIError(status int, message string) huma.StatusError {
	return &apiError{status: status, Message: message}
}

// New returns an HTTP handler exposing the nightshift API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	basePath = strings.TrimRight(basePath, "/")
	if cfg.Auth.JWTSecret == "" && !cfg.Auth.AllowAnonymous {
		return nil, errors.New("jwt secret required unless anonymous access is allowed")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}

	huma.DefaultArrayNullable = false
	// Override Huma errors to use the success/error envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, joinDetails(msg, errs))
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Request validation errors are client errors.
			status = http.StatusBadRequest
		}
		return newAPIError(status, joinDetails(msg, errs))
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Handle("/metrics", promhttp.Handler())

	hcfg := huma.DefaultConfig("nightshift API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"bearerAuth": {Type: "http", Scheme: "bearer", BearerFormat: "JWT"},
	}
	api := humachi.New(router, hcfg)
	registerHealth(api)

	group := huma.NewGroup(api, basePath)
	group.UseModifier(func(op *huma.Operation, next func(*huma.Operation)) {
		op.Security = []map[string][]string{{"bearerAuth": {}}}
		next(op)
	})
	registerLogs(group, cfg.Engine)
	registerAssignmentActivity(group, cfg.Engine)
	registerWeekendReversions(group, cfg.Engine)
	registerActivityLog(group, cfg.Engine)
	registerTickets(group, cfg.Engine)
	registerRuns(group, cfg.Engine)
	registerSchedule(group, cfg.Engine, cfg.Scheduler, logger)

	return router, nil
}

func joinDetails(msg string, errs []error) string {
	parts := []string{msg}
	for _, err := range errs {
		if err != nil {
			parts = append(parts, err.Error())
		}
	}
	return strings.Join(parts, ": ")
}

// handleError maps engine errors onto HTTP statuses.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var filterErr *audit.FilterError
	if errors.As(err, &filterErr) {
		return newAPIError(http.StatusBadRequest, err.Error())
	}
	if freshdesk.IsNotFound(err) {
		return newAPIError(http.StatusNotFound, err.Error())
	}
	if errors.Is(err, engine.ErrRunInProgress) {
		return newAPIError(http.StatusConflict, err.Error())
	}
	var fetchErr *tickets.FetchError
	var upstreamErr *freshdesk.UpstreamError
	var rateErr *freshdesk.RateLimitedError
	if errors.As(err, &fetchErr) || errors.As(err, &upstreamErr) || errors.As(err, &rateErr) {
		return newAPIError(http.StatusBadGateway, err.Error())
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newAPIError(http.StatusServiceUnavailable, err.Error())
	}
	return newAPIError(http.StatusInternalServerError, err.Error())
}

type healthOutput struct {
	Body HealthResponse
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
		return &healthOutput{Body: HealthResponse{Success: true, Status: "ok"}}, nil
	})
}

type clearOutput struct {
	Body ClearResponse
}

func cleared(what string) *clearOutput {
	return &clearOutput{Body: ClearResponse{Success: true, Message: what + " cleared"}}
}

func registerClear(api huma.API, id, path, what string, fn func(context.Context) error) {
	huma.Register(api, huma.Operation{
		OperationID: id,
		Method:      http.MethodDelete,
		Path:        path,
		Summary:     "Clear " + what,
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*clearOutput, error) {
		if err := requireRole(ctx, RoleAdmin); err != nil {
			return nil, err
		}
		if err := fn(ctx); err != nil {
			return nil, handleError(err)
		}
		return cleared(what), nil
	})
}

// DateQuery holds the date bounds shared by the filtered reads.
type DateQuery struct {
	DateFrom string `query:"date_from" doc:"Inclusive lower bound, YYYY-MM-DD or RFC 3339"`
	DateTo   string `query:"date_to" doc:"Inclusive upper bound, YYYY-MM-DD (whole day) or RFC 3339"`
}

func optionalID(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}

type logsOutput struct {
	Body LogsResponse
}

func registerLogs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-logs",
		Method:      http.MethodGet,
		Path:        "/logs",
		Summary:     "List run log entries, newest first",
	}, func(ctx context.Context, input *struct {
		Type  string `query:"type" enum:"info,warning,error,assignment,reversion,run"`
		Limit int    `query:"limit" minimum:"0" maximum:"1000"`
	}) (*logsOutput, error) {
		items, err := e.GetLogs(ctx, audit.LogFilter{Type: input.Type, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		return &logsOutput{Body: LogsResponse{Success: true, Count: len(items), Logs: items}}, nil
	})
	registerClear(api, "clear-logs", "/logs", "logs", e.ClearLogs)
}

type assignmentOutput struct {
	Body AssignmentActivityResponse
}

func registerAssignmentActivity(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-assignment-activity",
		Method:      http.MethodGet,
		Path:        "/assignment-activity",
		Summary:     "List assignment attempts, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		DateQuery
		AgentName string `query:"agent_name" doc:"Case-insensitive substring"`
		GroupID   int64  `query:"group_id" minimum:"0"`
		Result    string `query:"result" enum:"success,failed"`
		Limit     int    `query:"limit" minimum:"0" maximum:"5000"`
	}) (*assignmentOutput, error) {
		dates, err := audit.ParseDateRange(input.DateFrom, input.DateTo, e.Config.Location())
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.GetAssignmentActivity(ctx, audit.AssignmentFilter{
			AgentName: input.AgentName,
			GroupID:   optionalID(input.GroupID),
			Result:    input.Result,
			Dates:     dates,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &assignmentOutput{Body: AssignmentActivityResponse{Success: true, Count: len(items), Attempts: items}}, nil
	})
	registerClear(api, "clear-assignment-activity", "/assignment-activity", "assignment activity", e.ClearAssignmentActivity)
}

type reversionsOutput struct {
	Body WeekendReversionsResponse
}

func registerWeekendReversions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-weekend-reversions",
		Method:      http.MethodGet,
		Path:        "/weekend-reversions",
		Summary:     "List weekend reversions, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		DateQuery
		TicketID       int64  `query:"ticket_id" minimum:"0"`
		AgentName      string `query:"agent_name" doc:"Case-insensitive substring"`
		PreviousStatus string `query:"previous_status"`
		Limit          int    `query:"limit" minimum:"0" maximum:"5000"`
	}) (*reversionsOutput, error) {
		dates, err := audit.ParseDateRange(input.DateFrom, input.DateTo, e.Config.Location())
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.GetWeekendReversions(ctx, audit.ReversionFilter{
			TicketID:       optionalID(input.TicketID),
			AgentName:      input.AgentName,
			PreviousStatus: input.PreviousStatus,
			Dates:          dates,
			Limit:          input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &reversionsOutput{Body: WeekendReversionsResponse{Success: true, Count: len(items), Reversions: items}}, nil
	})
	registerClear(api, "clear-weekend-reversions", "/weekend-reversions", "weekend reversions", e.ClearWeekendReversions)

	huma.Register(api, huma.Operation{
		OperationID: "test-weekend-reversion",
		Method:      http.MethodPost,
		Path:        "/weekend-reversion/test",
		Summary:     "Run the weekend reversion phase now, ignoring the time window",
		Errors:      []int{http.StatusForbidden, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, _ *struct{}) (*reversionTestOutput, error) {
		if err := requireRole(ctx, RoleAdmin); err != nil {
			return nil, err
		}
		res, err := e.TestWeekendReversion(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &reversionTestOutput{Body: ReversionTestResponse{Success: true, ReversionTest: res}}, nil
	})
}

type reversionTestOutput struct {
	Body ReversionTestResponse
}

type activityOutput struct {
	Body ActivityLogResponse
}

func registerActivityLog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-activity-log",
		Method:      http.MethodGet,
		Path:        "/activity-log",
		Summary:     "List consolidated activity, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		DateQuery
		TicketID      int64  `query:"ticket_id" minimum:"0"`
		TicketSubject string `query:"ticket_subject" doc:"Case-insensitive substring"`
		TicketStatus  string `query:"ticket_status"`
		AssignedTo    string `query:"assigned_to" doc:"Case-insensitive substring"`
		GroupName     string `query:"group_name"`
		ActivityType  string `query:"activity_type" enum:"assignment,weekend_reversion"`
		Limit         int    `query:"limit" minimum:"0" maximum:"10000"`
	}) (*activityOutput, error) {
		dates, err := audit.ParseDateRange(input.DateFrom, input.DateTo, e.Config.Location())
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.GetActivityLog(ctx, audit.ActivityFilter{
			Dates:         dates,
			TicketID:      optionalID(input.TicketID),
			TicketSubject: input.TicketSubject,
			TicketStatus:  input.TicketStatus,
			AssignedTo:    input.AssignedTo,
			GroupName:     input.GroupName,
			ActivityType:  input.ActivityType,
			Limit:         input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &activityOutput{Body: ActivityLogResponse{Success: true, Count: len(items), Entries: items}}, nil
	})
	registerClear(api, "clear-activity-log", "/activity-log", "activity log", e.ClearActivityLog)
}

type ticketCheckOutput struct {
	Body TicketCheckResponse
}

func registerTickets(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "check-ticket",
		Method:      http.MethodGet,
		Path:        "/tickets/{ticket_id}",
		Summary:     "Fetch one ticket and report how the policies see it",
		Errors:      []int{http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		TicketID int64 `path:"ticket_id" minimum:"1"`
	}) (*ticketCheckOutput, error) {
		check, err := e.CheckSpecificTicket(ctx, input.TicketID)
		if err != nil {
			return nil, handleError(err)
		}
		return &ticketCheckOutput{Body: TicketCheckResponse{Success: true, TicketCheck: check}}, nil
	})
}

type runOutput struct {
	Body RunResponse
}

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-now",
		Method:      http.MethodPost,
		Path:        "/runs",
		Summary:     "Run once now; the time windows still decide which phases execute",
		Errors:      []int{http.StatusForbidden, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, _ *struct{}) (*runOutput, error) {
		if err := requireRole(ctx, RoleAdmin); err != nil {
			return nil, err
		}
		sum, err := e.RunNow(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &runOutput{Body: RunResponse{Success: true, Summary: sum}}, nil
	})
}

type scheduleOutput struct {
	Body ScheduleResponse
}

func registerSchedule(api huma.API, e engine.Engine, sched Reloader, logger *zap.Logger) {
	describe := func(ctx context.Context) (*scheduleOutput, error) {
		s, ok, err := e.GetSchedule(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := ScheduleResponse{Success: true, Installed: ok}
		if ok {
			resp.Schedule = &s
		}
		if sched != nil {
			if next := sched.Next(); !next.IsZero() {
				resp.Next = next.UTC().Format(time.RFC3339)
			}
		}
		return &scheduleOutput{Body: resp}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-schedule",
		Method:      http.MethodGet,
		Path:        "/schedule",
		Summary:     "Show the installed schedule",
	}, func(ctx context.Context, _ *struct{}) (*scheduleOutput, error) {
		return describe(ctx)
	})

	huma.Register(api, huma.Operation{
		OperationID: "install-schedule",
		Method:      http.MethodPut,
		Path:        "/schedule",
		Summary:     "Install or replace the run schedule",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body InstallScheduleRequest
	}) (*scheduleOutput, error) {
		if err := requireRole(ctx, RoleAdmin); err != nil {
			return nil, err
		}
		if _, err := e.Install(ctx, input.Body.Cron); err != nil {
			if strings.HasPrefix(err.Error(), "invalid schedule") {
				return nil, newAPIError(http.StatusBadRequest, err.Error())
			}
			return nil, handleError(err)
		}
		if sched != nil {
			if err := sched.Reload(ctx); err != nil {
				logger.Error("reload scheduler", zap.Error(err))
				return nil, newAPIError(http.StatusInternalServerError, fmt.Sprintf("schedule saved but not reloaded: %v", err))
			}
		}
		return describe(ctx)
	})
}
