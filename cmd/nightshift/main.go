package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"nightshift/internal/app"
	"nightshift/internal/audit"
	"nightshift/internal/config"
	"nightshift/internal/domain"
	"nightshift/internal/engine"
	"nightshift/internal/scheduler"
	"nightshift/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "nightshift",
	Short: "Overnight Freshdesk ticket assignment",
	Long: `nightshift keeps six Freshdesk support groups covered overnight.
- Assignment: between 02:01 and 04:00 local time on weekdays, unassigned Open and Triage
  tickets in the monitored groups go round-robin to the available agents of their group.
- Weekend reversion: from Friday 18:00 to Monday 07:00, tickets moved to Follow-up Required
  are put back to their previous status with a private note.
- Audit: assignment attempts, reversions and run logs are kept and can be listed or cleared.
- Schedule: 'nightshift schedule install' stores the cron expression and 'nightshift serve' runs it.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix(app.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <workspace>/nightshift.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Bool("debug", false, "debug logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(logsCmd())
	rootCmd.AddCommand(assignmentsCmd())
	rootCmd.AddCommand(reversionsCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(ticketCmd())
	rootCmd.AddCommand(tokenCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Create and inspect nightshift.yml",
		Long:  "The config names the Freshdesk domain, the six monitored groups, the status codes and the reversion targets. Secrets come from NIGHTSHIFT_FRESHDESK_API_KEY and NIGHTSHIFT_JWT_SECRET.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var domainName string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default nightshift.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(domainName)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&domainName, "domain", "", "Freshdesk domain, e.g. acme.freshdesk.com")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	_ = cmd.MarkFlagRequired("domain")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				msg := ""
				if err != nil {
					msg = err.Error()
				}
				return printJSON(map[string]any{"ok": err == nil, "error": msg})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var event string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run once now",
		Long:  "Runs purge, fetch, weekend reversion and assignment once. The time windows still decide which phases execute. With --event the run goes through the scheduled event handler and its outcome is written to the log store.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if event != "" {
					e.HandleScheduledEvent(ctx, event)
					logs, err := e.GetLogs(ctx, audit.LogFilter{Limit: 1})
					if err != nil {
						return err
					}
					return printLogs(logs)
				}
				sum, err := e.RunNow(ctx)
				if perr := printSummary(sum); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&event, "event", "", "dispatch as a scheduled event, e.g. "+domain.EventRoundRobinRun)
	return cmd
}

func scheduleCmd() *cobra.Command {
	sc := &cobra.Command{Use: "schedule", Short: "Manage the run schedule"}
	sc.AddCommand(scheduleInstallCmd())
	sc.AddCommand(scheduleShowCmd())
	return sc
}

func scheduleInstallCmd() *cobra.Command {
	var expr string
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install or replace the recurring run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Install(ctx, expr)
				if err != nil {
					return err
				}
				return printSchedule(s, true)
			})
		},
	}
	cmd.Flags().StringVar(&expr, "cron", "", "cron expression (default: schedule from config)")
	return cmd
}

func scheduleShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the installed schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, ok, err := e.GetSchedule(ctx)
				if err != nil {
					return err
				}
				return printSchedule(s, ok)
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noScheduler, allowAnonymous bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduler and the HTTP admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer env.Close()
			logger := env.Logger

			cfg := server.Config{
				Engine:   env.Engine,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: viper.GetString("jwt_secret"), AllowAnonymous: allowAnonymous},
				Logger:   logger.Named("http"),
			}
			if cfg.Auth.JWTSecret == "" && !allowAnonymous {
				return fmt.Errorf("%s_JWT_SECRET is required for bearer auth", app.EnvPrefix)
			}
			if !noScheduler {
				sched := scheduler.New(env.Engine, env.Engine,
					scheduler.WithLogger(logger.Named("scheduler")),
					scheduler.WithLocation(env.Config.Location()),
					scheduler.WithFallbackSchedule(env.Config.Schedule),
				)
				if err := sched.Start(ctx); err != nil {
					return err
				}
				defer func() {
					<-sched.Stop().Done()
				}()
				cfg.Scheduler = sched
			}
			handler, err := server.New(cfg)
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(sctx)
			}()
			logger.Info("serving nightshift API",
				zap.String("addr", addr), zap.String("base_path", basePath), zap.Bool("scheduler", !noScheduler))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve the API without running the schedule")
	cmd.Flags().BoolVar(&allowAnonymous, "allow-anonymous", false, "treat requests without a token as admin (local use only)")
	return cmd
}

func logsCmd() *cobra.Command {
	lc := &cobra.Command{Use: "logs", Short: "Run and error log"}
	var f audit.LogFilter
	list := &cobra.Command{
		Use:   "list",
		Short: "List log entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.GetLogs(ctx, f)
				if err != nil {
					return err
				}
				return printLogs(items)
			})
		},
	}
	list.Flags().StringVar(&f.Type, "type", "", "info, warning, error, assignment, reversion or run")
	list.Flags().IntVar(&f.Limit, "limit", audit.DefaultLogLimit, "maximum entries")
	lc.AddCommand(list)
	lc.AddCommand(clearCmd("logs", func(e engine.Engine) func(context.Context) error { return e.ClearLogs }))
	return lc
}

type dateFlags struct {
	from, to string
}

func (d *dateFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&d.from, "from", "", "from date (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().StringVar(&d.to, "to", "", "to date, inclusive (YYYY-MM-DD or RFC 3339)")
}

func (d dateFlags) parse(e engine.Engine) (audit.DateRange, error) {
	return audit.ParseDateRange(d.from, d.to, e.Config.Location())
}

func assignmentsCmd() *cobra.Command {
	ac := &cobra.Command{Use: "assignments", Short: "Assignment attempts"}
	var f audit.AssignmentFilter
	var dates dateFlags
	var groupID int64
	list := &cobra.Command{
		Use:   "list",
		Short: "List assignment attempts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var err error
				if f.Dates, err = dates.parse(e); err != nil {
					return err
				}
				if groupID != 0 {
					f.GroupID = &groupID
				}
				items, err := e.GetAssignmentActivity(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Time", "Ticket", "Subject", "Group", "Agent", "Result", "Error")
				for _, a := range items {
					tw.AppendRow(table.Row{localTime(e, a.AttemptedAt), a.TicketID, a.TicketSubject, a.GroupName, deref(a.AgentName), a.Result, deref(a.Error)})
				}
				tw.Render()
				return nil
			})
		},
	}
	dates.register(list)
	list.Flags().StringVar(&f.AgentName, "agent", "", "agent name contains")
	list.Flags().Int64Var(&groupID, "group", 0, "group id")
	list.Flags().StringVar(&f.Result, "result", "", "success or failed")
	list.Flags().IntVar(&f.Limit, "limit", audit.DefaultAssignmentLimit, "maximum entries")
	ac.AddCommand(list)
	ac.AddCommand(clearCmd("assignment activity", func(e engine.Engine) func(context.Context) error { return e.ClearAssignmentActivity }))
	return ac
}

func reversionsCmd() *cobra.Command {
	rc := &cobra.Command{Use: "reversions", Short: "Weekend status reversions"}
	var f audit.ReversionFilter
	var dates dateFlags
	var ticketID int64
	list := &cobra.Command{
		Use:   "list",
		Short: "List weekend reversions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var err error
				if f.Dates, err = dates.parse(e); err != nil {
					return err
				}
				if ticketID != 0 {
					f.TicketID = &ticketID
				}
				items, err := e.GetWeekendReversions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Time", "Ticket", "Subject", "Agent", "Restored to")
				for _, r := range items {
					tw.AppendRow(table.Row{localTime(e, r.RevertedAt), r.TicketID, r.TicketSubject, r.Agent, r.RevertedTo})
				}
				tw.Render()
				return nil
			})
		},
	}
	dates.register(list)
	list.Flags().Int64Var(&ticketID, "ticket", 0, "ticket id")
	list.Flags().StringVar(&f.AgentName, "agent", "", "agent name contains")
	list.Flags().StringVar(&f.PreviousStatus, "previous-status", "", "restored status name")
	list.Flags().IntVar(&f.Limit, "limit", audit.DefaultReversionLimit, "maximum entries")
	rc.AddCommand(list)
	rc.AddCommand(clearCmd("weekend reversions", func(e engine.Engine) func(context.Context) error { return e.ClearWeekendReversions }))
	rc.AddCommand(&cobra.Command{
		Use:   "test",
		Short: "Run the weekend reversion now, ignoring the time window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.TestWeekendReversion(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("In weekend window: %t\nFetched: %d\nCandidates: %d\nReverted: %d\n",
					res.WeekendWindow, res.Fetched, res.Candidates, res.Reverted)
				return nil
			})
		},
	})
	return rc
}

func activityCmd() *cobra.Command {
	ac := &cobra.Command{Use: "activity", Short: "Consolidated activity log"}
	var f audit.ActivityFilter
	var dates dateFlags
	var ticketID int64
	list := &cobra.Command{
		Use:   "list",
		Short: "List activity, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var err error
				if f.Dates, err = dates.parse(e); err != nil {
					return err
				}
				if ticketID != 0 {
					f.TicketID = &ticketID
				}
				items, err := e.GetActivityLog(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Time", "Type", "Ticket", "Subject", "Status", "Group", "Assigned to")
				for _, a := range items {
					tw.AppendRow(table.Row{localTime(e, a.RecordedAt), a.ActivityType, a.TicketID, a.TicketSubject, a.TicketStatus, a.GroupName, a.AssignedTo})
				}
				tw.Render()
				return nil
			})
		},
	}
	dates.register(list)
	list.Flags().Int64Var(&ticketID, "ticket", 0, "ticket id")
	list.Flags().StringVar(&f.TicketSubject, "subject", "", "subject contains")
	list.Flags().StringVar(&f.TicketStatus, "status", "", "ticket status name")
	list.Flags().StringVar(&f.AssignedTo, "assigned-to", "", "agent name contains")
	list.Flags().StringVar(&f.GroupName, "group", "", "group name")
	list.Flags().StringVar(&f.ActivityType, "type", "", "assignment or weekend_reversion")
	list.Flags().IntVar(&f.Limit, "limit", audit.DefaultActivityLogLimit, "maximum entries")
	ac.AddCommand(list)
	ac.AddCommand(clearCmd("activity log", func(e engine.Engine) func(context.Context) error { return e.ClearActivityLog }))
	return ac
}

func ticketCmd() *cobra.Command {
	tc := &cobra.Command{Use: "ticket", Short: "Inspect tickets"}
	tc.AddCommand(&cobra.Command{
		Use:   "check <id>",
		Short: "Fetch a ticket and show how nightshift would treat it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid ticket id %q", args[0])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				check, err := e.CheckSpecificTicket(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(check)
				}
				t := check.Ticket
				fmt.Printf("Ticket %d: %s\n", t.ID, t.Subject)
				fmt.Printf("  status: %s (%d)\n", check.StatusName, t.Status)
				fmt.Printf("  group: %s (monitored: %t)\n", check.GroupName, check.Monitored)
				fmt.Printf("  updated: %s\n", localTime(e, t.UpdatedAt))
				fmt.Printf("  assignment eligible: %t\n", check.AssignmentEligible)
				fmt.Printf("  reversion candidate: %t\n", check.ReversionCandidate)
				return nil
			})
		},
	})
	return tc
}

func tokenCmd() *cobra.Command {
	var subject string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token signed with NIGHTSHIFT_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := server.IssueToken(viper.GetString("jwt_secret"), subject, roles, ttl, time.Now())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": tok})
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject")
	cmd.Flags().StringSliceVar(&roles, "role", []string{server.RoleAdmin}, "roles to grant")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime, 0 for no expiry")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

// --- helpers ---

func clearCmd(what string, op func(engine.Engine) func(context.Context) error) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete all " + what,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := op(e)(ctx); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"success": true, "message": what + " cleared"})
				}
				fmt.Println(what, "cleared")
				return nil
			})
		},
	}
}

func loadConfig() (*config.Config, error) {
	return app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"), app.NewEnvViper())
}

func openEnv(ctx context.Context) (*app.Env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := app.NewLogger(viper.GetBool("debug"))
	if err != nil {
		return nil, err
	}
	return app.Open(ctx, cfg, viper.GetString("workspace"), logger)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	env, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer env.Close()
	defer env.Logger.Sync()
	return fn(ctx, env.Engine)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printLogs(items []domain.LogEntry) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable("Time", "Type", "Message")
	for _, l := range items {
		tw.AppendRow(table.Row{l.Timestamp.Format(time.RFC3339), l.Type, l.Message})
	}
	tw.Render()
	return nil
}

func printSummary(sum engine.RunSummary) error {
	if viper.GetBool("json") {
		return printJSON(sum)
	}
	tw := newTable("Weekend", "Assignment", "Fetched", "Reverted", "Assigned", "Skipped", "Errored", "Error")
	tw.AppendRow(table.Row{sum.WeekendWindow, sum.AssignmentWindow, sum.Fetched, sum.Reverted,
		sum.Assignment.Assigned, sum.Assignment.Skipped, sum.Assignment.Errored, sum.Error})
	tw.Render()
	return nil
}

func printSchedule(s domain.Schedule, installed bool) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"installed": installed, "schedule": s})
	}
	if !installed {
		fmt.Println("no schedule installed; run 'nightshift schedule install'")
		return nil
	}
	fmt.Printf("Cron: %s (%s)\nEvent: %s\nInstalled: %s\n", s.Cron, s.Timezone, s.Event, s.InstalledAt.Format(time.RFC3339))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func localTime(e engine.Engine, t time.Time) string {
	return t.In(e.Config.Location()).Format("2006-01-02 15:04:05")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
