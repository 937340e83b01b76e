package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hackgods/clinic-agenda/internal/agenda"
	"github.com/hackgods/clinic-agenda/internal/appointment"
	"github.com/hackgods/clinic-agenda/internal/config"
	"github.com/hackgods/clinic-agenda/internal/db"
	"github.com/hackgods/clinic-agenda/internal/events"
	"github.com/hackgods/clinic-agenda/internal/export"
	"github.com/hackgods/clinic-agenda/internal/logging"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "agendactl",
		Short:         "Operate the clinic agenda: schema migrations, exports, stats and event tailing",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(eventsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the embedded schema migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, _ := cmd.Flags().GetInt("steps")
			return runMigrate(db.Up, steps)
		},
	}
	upCmd.Flags().Int("steps", 0, "Apply at most this many migrations (0 = all)")
	cmd.AddCommand(upCmd)

	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, _ := cmd.Flags().GetInt("steps")
			all, _ := cmd.Flags().GetBool("all")
			if steps <= 0 && !all {
				return fmt.Errorf("pass --steps N or --all")
			}
			if all {
				steps = 0
			}
			return runMigrate(db.Down, steps)
		},
	}
	downCmd.Flags().Int("steps", 1, "Roll back this many migrations")
	downCmd.Flags().Bool("all", false, "Roll back every migration")
	cmd.AddCommand(downCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "force <version>",
		Short: "Mark a version as applied after fixing a dirty migration by hand",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version: %w", err)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := db.Force(cfg.PostgresDSN, version); err != nil {
				return err
			}
			fmt.Printf("forced version to %d\n", version)
			return nil
		},
	})

	return cmd
}

func runMigrate(dir db.Direction, steps int) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	version, err := db.Migrate(cfg.PostgresDSN, dir, steps)
	if err != nil {
		return err
	}
	fmt.Printf("migrations complete, schema version %d\n", version)
	return nil
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the filtered agenda as CSV or iCalendar",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, cfg, closeFn, err := readService(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			filters, err := filtersFromFlags(cmd, cfg.Location)
			if err != nil {
				return err
			}
			rawFormat, _ := cmd.Flags().GetString("format")
			format, err := export.ParseFormat(rawFormat)
			if err != nil {
				return err
			}

			out, err := svc.ExportAgenda(ctx, filters, format)
			if err != nil {
				return err
			}

			path, _ := cmd.Flags().GetString("out")
			if path == "-" {
				_, err = os.Stdout.Write(out.Body)
				return err
			}
			if path == "" {
				path = out.Filename
			}
			if err := os.WriteFile(path, out.Body, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", path, err)
			}
			fmt.Fprintf(os.Stderr, "wrote %s (%d bytes)\n", path, len(out.Body))
			return nil
		},
	}
	addFilterFlags(cmd)
	cmd.Flags().String("format", "csv", "csv or ics")
	cmd.Flags().String("out", "", "Output path; - for stdout, empty for the default agenda-<date> name")
	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print agenda analytics for a date range as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, cfg, closeFn, err := readService(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			filters, err := filtersFromFlags(cmd, cfg.Location)
			if err != nil {
				return err
			}
			result, err := svc.GetAgenda(ctx, filters)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result.Stats)
		},
	}
	addFilterFlags(cmd)
	return cmd
}

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect appointment events on the message broker",
	}

	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Print appointment events as they are published",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.AMQPURL == "" {
				return fmt.Errorf("AMQP_URL is not configured")
			}
			queue, _ := cmd.Flags().GetString("queue")
			keys, _ := cmd.Flags().GetStringSlice("keys")

			consumer, err := events.NewConsumer(cfg.AMQPURL, cfg.AMQPExchange, queue, keys)
			if err != nil {
				return err
			}
			defer consumer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			enc := json.NewEncoder(os.Stdout)
			err = consumer.Consume(ctx, func(_ context.Context, msg events.Message) error {
				return enc.Encode(msg)
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	tailCmd.Flags().String("queue", "", "Durable queue name; empty for a temporary queue")
	tailCmd.Flags().StringSlice("keys", []string{"appointment.#"}, "Routing key patterns to bind")
	cmd.AddCommand(tailCmd)

	return cmd
}

// readService wires a read-only agenda service: no locker and no idempotency,
// since these commands never mutate appointments.
func readService(ctx context.Context) (*agenda.Service, config.Config, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, config.Config{}, nil, err
	}
	logger := logging.New(cfg.LogLevel, cfg.Env).Level(zerolog.WarnLevel)

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 2})
	if err != nil {
		return nil, config.Config{}, nil, err
	}
	repo := appointment.NewPgRepository(pool)
	scheduler := appointment.NewScheduler(repo, appointment.WithLocation(cfg.Location), appointment.WithLogger(logger))
	svc := agenda.NewService(scheduler, repo, repo,
		agenda.WithBlockSource(repo),
		agenda.WithLogger(logger),
		agenda.WithLocation(cfg.Location),
		agenda.WithWorkingHours(cfg.WorkingHoursPerDay),
	)
	return svc, cfg, pool.Close, nil
}

func addFilterFlags(cmd *cobra.Command) {
	cmd.Flags().String("start", "", "First day, YYYY-MM-DD (default: Monday of this week)")
	cmd.Flags().String("end", "", "Day after the last day, YYYY-MM-DD (default: start + 7 days)")
	cmd.Flags().StringSlice("status", nil, "Only these statuses")
	cmd.Flags().String("room", "", "Only this room id")
	cmd.Flags().String("therapist", "", "Only this therapist id")
	cmd.Flags().String("search", "", "Patient name substring")
}

func filtersFromFlags(cmd *cobra.Command, loc *time.Location) (appointment.AgendaFilters, error) {
	var filters appointment.AgendaFilters
	filters.RoomID, _ = cmd.Flags().GetString("room")
	filters.TherapistID, _ = cmd.Flags().GetString("therapist")
	filters.Search, _ = cmd.Flags().GetString("search")

	statuses, _ := cmd.Flags().GetStringSlice("status")
	for _, raw := range statuses {
		s, err := appointment.ParseStatus(raw)
		if err != nil {
			return filters, err
		}
		filters.Statuses = append(filters.Statuses, s)
	}

	startRaw, _ := cmd.Flags().GetString("start")
	endRaw, _ := cmd.Flags().GetString("end")

	start := appointment.StartOfWeek(time.Now(), loc)
	if strings.TrimSpace(startRaw) != "" {
		t, err := time.ParseInLocation("2006-01-02", startRaw, loc)
		if err != nil {
			return filters, fmt.Errorf("invalid --start: %w", err)
		}
		start = t
	}
	end := start.AddDate(0, 0, 7)
	if strings.TrimSpace(endRaw) != "" {
		t, err := time.ParseInLocation("2006-01-02", endRaw, loc)
		if err != nil {
			return filters, fmt.Errorf("invalid --end: %w", err)
		}
		end = t
	}
	filters.Range = appointment.DateRange{Start: start, End: end}
	return filters, nil
}
