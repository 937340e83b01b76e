package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/hackgods/clinic-agenda/internal/appointment"
	"github.com/hackgods/clinic-agenda/internal/config"
	"github.com/hackgods/clinic-agenda/internal/db"
	"github.com/hackgods/clinic-agenda/internal/logging"
)

var motives = []string{
	"Primera consulta",
	"Control",
	"Seguimiento",
	"Evaluación",
	"Terapia individual",
	"Terapia de pareja",
	"Rehabilitación",
	"Alta",
}

var durations = []int{30, 45, 60}

type seedOptions struct {
	rooms      int
	therapists int
	bookings   int
	weekOf     string
}

func main() {
	var opts seedOptions
	cmd := &cobra.Command{
		Use:          "seed",
		Short:        "Fill the agenda with fake rooms, lunch blocks and a week of bookings",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().IntVar(&opts.rooms, "rooms", 4, "Consulting rooms to create")
	cmd.Flags().IntVar(&opts.therapists, "therapists", 6, "Therapists to spread bookings over")
	cmd.Flags().IntVar(&opts.bookings, "bookings", 120, "Booking attempts; conflicting ones are skipped")
	cmd.Flags().StringVar(&opts.weekOf, "week", "", "Any day of the target week, YYYY-MM-DD (default: this week)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts seedOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.LogLevel, cfg.Env)
	logger.Info().Msg("seed starting")

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	pool, err := db.ConnectPostgres(connectCtx, cfg.PostgresDSN, db.PoolOptions{})
	cancel()
	if err != nil {
		return err
	}
	defer pool.Close()

	repo := appointment.NewPgRepository(pool)

	week := appointment.StartOfWeek(time.Now(), cfg.Location)
	if opts.weekOf != "" {
		day, err := time.ParseInLocation("2006-01-02", opts.weekOf, cfg.Location)
		if err != nil {
			return fmt.Errorf("invalid --week: %w", err)
		}
		week = appointment.StartOfWeek(day, cfg.Location)
	}

	rooms, err := seedRooms(ctx, repo, opts.rooms)
	if err != nil {
		return fmt.Errorf("seed rooms: %w", err)
	}
	therapists := make([]string, opts.therapists)
	for i := range therapists {
		therapists[i] = fmt.Sprintf("T%02d", i+1)
	}
	if err := seedLunchBlocks(ctx, repo, therapists, week); err != nil {
		return fmt.Errorf("seed blocks: %w", err)
	}

	scheduler := appointment.NewScheduler(repo,
		appointment.WithEventSink(repo),
		appointment.WithLocation(cfg.Location),
		appointment.WithLogger(logger.Level(zerolog.ErrorLevel)),
	)
	booked, skipped, err := seedBookings(ctx, scheduler, rooms, therapists, week, opts.bookings)
	if err != nil {
		return fmt.Errorf("seed bookings: %w", err)
	}

	logger.Info().
		Int("rooms", len(rooms)).
		Int("therapists", len(therapists)).
		Int("booked", booked).
		Int("skipped_conflicts", skipped).
		Time("week", week).
		Msg("seed complete")
	return nil
}

func seedRooms(ctx context.Context, repo *appointment.PgRepository, count int) ([]appointment.ConsultingRoom, error) {
	rooms := make([]appointment.ConsultingRoom, 0, count)
	for i := 0; i < count; i++ {
		room := appointment.ConsultingRoom{
			ID:   fmt.Sprintf("R%d", i+1),
			Name: fmt.Sprintf("Sala %d %s", i+1, gofakeit.Color()),
		}
		if err := repo.SaveRoom(ctx, room); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

func seedLunchBlocks(ctx context.Context, repo *appointment.PgRepository, therapists []string, week time.Time) error {
	for day := 0; day < 5; day++ {
		lunch := week.AddDate(0, 0, day).Add(13 * time.Hour)
		for _, t := range therapists {
			err := repo.SaveBlock(ctx, appointment.Block{
				ID:          uuid.NewString(),
				TherapistID: t,
				Title:       "Almuerzo",
				Kind:        appointment.BlockLunch,
				Start:       lunch,
				End:         lunch.Add(time.Hour),
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// seedBookings books random half-hour aligned slots between 08:00 and 18:00 on
// weekdays. Conflicts are expected and simply counted.
func seedBookings(ctx context.Context, s *appointment.Scheduler, rooms []appointment.ConsultingRoom, therapists []string, week time.Time, attempts int) (booked, skipped int, err error) {
	if len(rooms) == 0 || len(therapists) == 0 {
		return 0, 0, nil
	}
	statuses := []appointment.Status{appointment.StatusConfirmed, appointment.StatusCheckedIn, appointment.StatusCompleted}

	for i := 0; i < attempts; i++ {
		day := week.AddDate(0, 0, gofakeit.Number(0, 4))
		start := day.Add(time.Duration(8*60+30*gofakeit.Number(0, 19)) * time.Minute)

		appt, err := s.Create(ctx, appointment.NewAppointment{
			PatientID:       uuid.NewString(),
			PatientName:     gofakeit.Name(),
			TherapistID:     therapists[gofakeit.Number(0, len(therapists)-1)],
			RoomID:          rooms[gofakeit.Number(0, len(rooms)-1)].ID,
			Start:           start,
			DurationMinutes: durations[gofakeit.Number(0, len(durations)-1)],
			Cost:            decimal.NewFromInt(int64(gofakeit.Number(25, 90))),
			Paid:            gofakeit.Bool(),
			Motive:          motives[gofakeit.Number(0, len(motives)-1)],
			IsVirtual:       gofakeit.Number(0, 9) == 0,
		})
		if errors.Is(err, appointment.ErrConflict) {
			skipped++
			continue
		}
		if err != nil {
			return booked, skipped, err
		}
		booked++

		// Walk part of the lifecycle so the analytics have something to show.
		steps := gofakeit.Number(0, len(statuses))
		for _, st := range statuses[:steps] {
			if appt, err = s.ChangeStatus(ctx, appt.ID, st); err != nil {
				return booked, skipped, err
			}
		}
		if steps == 0 && gofakeit.Number(0, 7) == 0 {
			if _, err := s.ChangeStatus(ctx, appt.ID, appointment.StatusCancelled); err != nil {
				return booked, skipped, err
			}
		}
	}
	return booked, skipped, nil
}
