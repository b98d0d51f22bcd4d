package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"cdr.dev/slog"

	"github.com/smukkama/commute-monitor/internal/aggregation"
	"github.com/smukkama/commute-monitor/internal/bootstrap"
	"github.com/smukkama/commute-monitor/internal/database"
	"github.com/smukkama/commute-monitor/internal/monitor"
	"github.com/smukkama/commute-monitor/migrations"
	"github.com/smukkama/commute-monitor/pkg/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app is what a single command invocation needs.
type app struct {
	cfg    *config.Config
	logger slog.Logger
	clock  quartz.Clock
	loc    *time.Location
	db     *database.DB
	redis  *redis.Client
}

func loadApp(ctx context.Context, verbose bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	level := "warn"
	if verbose {
		level = "debug"
	}
	loc, err := cfg.Monitoring.Location()
	if err != nil {
		return nil, err
	}
	logger := bootstrap.NewLogger(os.Stderr, level).Named("commutectl")

	db, err := bootstrap.ConnectDB(ctx, logger, cfg.Database)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, clock: quartz.NewReal(), loc: loc, db: db}, nil
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	_ = a.db.Close()
}

// sessions builds a scheduler that only enqueues; the running monitor
// executes the chain.
func (a *app) sessions(ctx context.Context) (*monitor.SessionScheduler, error) {
	if a.cfg.Scheduler.Backend != config.SchedulerRedis {
		return nil, xerrors.Errorf("session commands need SCHEDULER_BACKEND=%s, got %q", config.SchedulerRedis, a.cfg.Scheduler.Backend)
	}
	client, err := bootstrap.ConnectRedis(ctx, a.logger, a.cfg.Redis)
	if err != nil {
		return nil, err
	}
	a.redis = client
	sched := bootstrap.NewRedisScheduler(client, a.clock, a.logger.Named("scheduler"), a.cfg.Scheduler)
	return monitor.NewSessionScheduler(a.db, sched, a.clock, a.logger.Named("sessions"), monitor.NewMetrics(prometheus.NewRegistry()), monitor.SessionOptions{
		DailyQuota: a.cfg.Monitoring.DailyQuota,
		Location:   a.loc,
	}), nil
}

func (a *app) aggregator() *aggregation.BaselineAggregator {
	m := a.cfg.Monitoring
	return aggregation.NewBaselineAggregator(a.db, a.clock, a.logger.Named("aggregation"), aggregation.Options{
		LookbackDays:    m.BaselineLookback,
		SlotMinutes:     m.SlotMinutes,
		MinDistinctDays: m.MinDistinctDays,
		TolerancePct:    m.OptimalTolerancePct,
		Location:        a.loc,
	})
}

func newRootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:           "commutectl",
		Short:         "Operate the commute monitor",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log debug output to stderr")

	root.AddCommand(newMigrateCmd(&verbose))
	root.AddCommand(newSessionCmd(&verbose))
	root.AddCommand(newRouteCmd(&verbose))
	root.AddCommand(newBaselineCmd(&verbose))
	root.AddCommand(newOptimalCmd(&verbose))
	return root
}

func newMigrateCmd(verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd.Context(), *verbose)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.db.RunMigrations(cmd.Context(), a.logger, migrations.FS); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newSessionCmd(verbose *bool) *cobra.Command {
	session := &cobra.Command{Use: "session", Short: "Monitoring session lifecycle"}

	var routeID, windowID, userID string
	start := &cobra.Command{
		Use:   "start --route <id> --window <id> --user <id>",
		Short: "Start today's monitoring session for a route",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ids, err := parseIDs(map[string]string{"route": routeID, "window": windowID, "user": userID})
			if err != nil {
				return err
			}
			a, err := loadApp(cmd.Context(), *verbose)
			if err != nil {
				return err
			}
			defer a.Close()
			sessions, err := a.sessions(cmd.Context())
			if err != nil {
				return err
			}

			res, err := sessions.Start(cmd.Context(), ids["route"], ids["window"], ids["user"])
			if err != nil {
				return describe(err)
			}
			verb := "session started"
			if !res.Created {
				verb = "session already active"
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s quota_remaining=%d\n", verb, res.SessionID, res.QuotaRemaining)
			return nil
		},
	}
	start.Flags().StringVar(&routeID, "route", "", "route id")
	start.Flags().StringVar(&windowID, "window", "", "monitoring window id")
	start.Flags().StringVar(&userID, "user", "", "owner user id")

	var sessionID, stopUserID string
	stop := &cobra.Command{
		Use:   "stop --session <id> --user <id>",
		Short: "Stop a monitoring session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ids, err := parseIDs(map[string]string{"session": sessionID, "user": stopUserID})
			if err != nil {
				return err
			}
			a, err := loadApp(cmd.Context(), *verbose)
			if err != nil {
				return err
			}
			defer a.Close()
			sessions, err := a.sessions(cmd.Context())
			if err != nil {
				return err
			}

			stopped, err := sessions.Stop(cmd.Context(), ids["session"], ids["user"])
			if err != nil {
				return err
			}
			if !stopped {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no active session found")
				return nil
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "session stopped: %s\n", ids["session"])
			return nil
		},
	}
	stop.Flags().StringVar(&sessionID, "session", "", "session id")
	stop.Flags().StringVar(&stopUserID, "user", "", "owner user id")

	session.AddCommand(start, stop)
	return session
}

func newRouteCmd(verbose *bool) *cobra.Command {
	route := &cobra.Command{Use: "route", Short: "Route commands"}

	var routeID, userID string
	del := &cobra.Command{
		Use:   "delete --route <id> --user <id>",
		Short: "Soft-delete a route and stop its polling",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ids, err := parseIDs(map[string]string{"route": routeID, "user": userID})
			if err != nil {
				return err
			}
			a, err := loadApp(cmd.Context(), *verbose)
			if err != nil {
				return err
			}
			defer a.Close()
			sessions, err := a.sessions(cmd.Context())
			if err != nil {
				return err
			}

			deleted, err := sessions.DeleteRoute(cmd.Context(), ids["route"], ids["user"])
			if err != nil {
				return err
			}
			if !deleted {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "route not found")
				return nil
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "route deleted: %s\n", ids["route"])
			return nil
		},
	}
	del.Flags().StringVar(&routeID, "route", "", "route id")
	del.Flags().StringVar(&userID, "user", "", "owner user id")

	route.AddCommand(del)
	return route
}

func newBaselineCmd(verbose *bool) *cobra.Command {
	var routeID, day string
	cmd := &cobra.Command{
		Use:   "baseline --route <id> --day <weekday>",
		Short: "Show the typical travel time per time slot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ids, err := parseIDs(map[string]string{"route": routeID})
			if err != nil {
				return err
			}
			weekday, err := parseWeekday(day)
			if err != nil {
				return err
			}
			a, err := loadApp(cmd.Context(), *verbose)
			if err != nil {
				return err
			}
			defer a.Close()

			slots, err := a.aggregator().Baseline(cmd.Context(), ids["route"], weekday)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), renderBaseline(slots))
			return nil
		},
	}
	cmd.Flags().StringVar(&routeID, "route", "", "route id")
	cmd.Flags().StringVar(&day, "day", "", "weekday, e.g. monday (default: today)")
	return cmd
}

func newOptimalCmd(verbose *bool) *cobra.Command {
	var routeID, day string
	cmd := &cobra.Command{
		Use:   "optimal --route <id> --day <weekday>",
		Short: "Recommend the best departure window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ids, err := parseIDs(map[string]string{"route": routeID})
			if err != nil {
				return err
			}
			weekday, err := parseWeekday(day)
			if err != nil {
				return err
			}
			a, err := loadApp(cmd.Context(), *verbose)
			if err != nil {
				return err
			}
			defer a.Close()

			departure, err := a.aggregator().OptimalDeparture(cmd.Context(), ids["route"], weekday)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), renderDeparture(weekday, departure))
			return nil
		},
	}
	cmd.Flags().StringVar(&routeID, "route", "", "route id")
	cmd.Flags().StringVar(&day, "day", "", "weekday, e.g. monday (default: today)")
	return cmd
}

func parseIDs(flags map[string]string) (map[string]uuid.UUID, error) {
	ids := make(map[string]uuid.UUID, len(flags))
	for name, value := range flags {
		if strings.TrimSpace(value) == "" {
			return nil, xerrors.Errorf("--%s is required", name)
		}
		id, err := uuid.Parse(value)
		if err != nil {
			return nil, xerrors.Errorf("--%s: %w", name, err)
		}
		ids[name] = id
	}
	return ids, nil
}

// parseWeekday accepts full or three-letter English day names. Empty
// means today.
func parseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return time.Now().Weekday(), nil
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, nil
		}
	}
	return 0, xerrors.Errorf("unknown weekday %q", s)
}

// describe turns the caller-visible session outcomes into messages.
func describe(err error) error {
	switch {
	case xerrors.Is(err, monitor.ErrNotFound):
		return xerrors.New("route or window not found")
	case xerrors.Is(err, monitor.ErrQuotaExceeded):
		return xerrors.New("daily session quota exceeded")
	}
	return err
}
