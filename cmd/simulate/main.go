package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-agenda/internal/api"
	"github.com/hackgods/clinic-agenda/internal/appointment"
	"github.com/hackgods/clinic-agenda/internal/logging"
)

type SimConfig struct {
	APIBaseURL  string        `envconfig:"SIM_API_BASE_URL" default:"http://localhost:8080"`
	Duration    time.Duration `envconfig:"SIM_DURATION" default:"30s"`
	Workers     int           `envconfig:"SIM_WORKERS" default:"10"`
	Therapists  int           `envconfig:"SIM_THERAPISTS" default:"6"`
	BookRatio   float64       `envconfig:"SIM_BOOK_RATIO" default:"0.45"`
	MoveRatio   float64       `envconfig:"SIM_MOVE_RATIO" default:"0.2"`
	StatusRatio float64       `envconfig:"SIM_STATUS_RATIO" default:"0.15"`
	ReadRatio   float64       `envconfig:"SIM_READ_RATIO" default:"0.2"`
	// Bookings land on weekdays of the week containing SIM_WEEK (default: next week).
	Week     string `envconfig:"SIM_WEEK"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// DataPool tracks the appointments workers have created so later moves and
// status changes target real ids.
type DataPool struct {
	Rooms      []string
	Therapists []string
	Week       time.Time

	mu           sync.RWMutex
	appointments []api.AppointmentResponse
}

func (dp *DataPool) Add(a api.AppointmentResponse) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, a)
}

func (dp *DataPool) Random(rng *rand.Rand) (api.AppointmentResponse, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return api.AppointmentResponse{}, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

// RandomSlot returns a half-hour aligned start between 08:00 and 18:00 on a weekday.
func (dp *DataPool) RandomSlot(rng *rand.Rand) time.Time {
	day := dp.Week.AddDate(0, 0, rng.Intn(5))
	return day.Add(time.Duration(8*60+30*rng.Intn(20)) * time.Minute)
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, code int, err error) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case err == nil && code < 300:
		atomic.AddInt64(&om.Success, 1)
	case err == nil && code == http.StatusConflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95, max time.Duration) {
	om.mu.Lock()
	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	at := func(pct int) time.Duration {
		idx := len(latencies) * pct / 100
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		return latencies[idx]
	}
	return sum / time.Duration(len(latencies)), at(50), at(95), latencies[len(latencies)-1]
}

type Metrics struct {
	Book   OperationMetrics
	Move   OperationMetrics
	Status OperationMetrics
	Read   OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	logger  zerolog.Logger
	metrics Metrics
}

func main() {
	_ = godotenv.Load()

	var cfg SimConfig
	if err := envconfig.Process("", &cfg); err != nil {
		bootLogger := logging.New("info", "dev")
		bootLogger.Fatal().Err(err).Msg("invalid simulator config")
	}
	logger := logging.New(cfg.LogLevel, "dev")
	if err := validateConfig(&cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid simulator config")
	}

	sim := &Simulator{
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	pool, err := sim.loadDataPool(ctx)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("load data pool")
	}
	sim.pool = pool
	logger.Info().
		Strs("rooms", pool.Rooms).
		Int("therapists", len(pool.Therapists)).
		Time("week", pool.Week).
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Msg("simulator starting")

	sim.Run()
	sim.PrintReport()

	verifyCtx, cancelVerify := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelVerify()
	overlaps, err := sim.VerifyNoDoubleBooking(verifyCtx)
	if err != nil {
		logger.Fatal().Err(err).Msg("verify agenda")
	}
	if overlaps > 0 {
		logger.Error().Int("overlaps", overlaps).Msg("double booking detected")
		os.Exit(1)
	}
	logger.Info().Msg("no double booking found")
}

func validateConfig(cfg *SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.Therapists <= 0 {
		return fmt.Errorf("SIM_THERAPISTS must be > 0")
	}
	total := cfg.BookRatio + cfg.MoveRatio + cfg.StatusRatio + cfg.ReadRatio
	if total <= 0 {
		return fmt.Errorf("operation ratios must not all be zero")
	}
	cfg.BookRatio /= total
	cfg.MoveRatio /= total
	cfg.StatusRatio /= total
	cfg.ReadRatio /= total
	return nil
}

func (s *Simulator) loadDataPool(ctx context.Context) (*DataPool, error) {
	var rooms []api.RoomResponse
	if _, err := s.call(ctx, http.MethodGet, "/rooms", nil, &rooms); err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	if len(rooms) == 0 {
		return nil, fmt.Errorf("no rooms found, run the seed first")
	}

	pool := &DataPool{}
	for _, r := range rooms {
		pool.Rooms = append(pool.Rooms, r.ID)
	}
	for i := 0; i < s.config.Therapists; i++ {
		pool.Therapists = append(pool.Therapists, fmt.Sprintf("SIM-T%02d", i+1))
	}

	week := appointment.StartOfWeek(time.Now().UTC(), time.UTC).AddDate(0, 0, 7)
	if s.config.Week != "" {
		day, err := time.Parse("2006-01-02", s.config.Week)
		if err != nil {
			return nil, fmt.Errorf("SIM_WEEK: %w", err)
		}
		week = appointment.StartOfWeek(day, time.UTC)
	}
	pool.Week = week
	return pool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}
	wg.Wait()
	s.logger.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
	faker := gofakeit.New(uint64(time.Now().UnixNano()) + uint64(workerID))

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < s.config.BookRatio:
			s.doBook(ctx, rng, faker)
		case r < s.config.BookRatio+s.config.MoveRatio:
			s.doMove(ctx, rng)
		case r < s.config.BookRatio+s.config.MoveRatio+s.config.StatusRatio:
			s.doStatus(ctx, rng)
		default:
			s.doRead(ctx, rng)
		}
	}
}

func (s *Simulator) doBook(ctx context.Context, rng *rand.Rand, faker *gofakeit.Faker) {
	req := api.CreateAppointmentRequest{
		PatientID:       faker.UUID(),
		PatientName:     faker.Name(),
		TherapistID:     s.pool.Therapists[rng.Intn(len(s.pool.Therapists))],
		RoomID:          s.pool.Rooms[rng.Intn(len(s.pool.Rooms))],
		Start:           s.pool.RandomSlot(rng),
		DurationMinutes: []int{30, 45, 60}[rng.Intn(3)],
		Motive:          "Simulación",
	}

	start := time.Now()
	var created api.AppointmentResponse
	code, err := s.call(ctx, http.MethodPost, "/appointments", req, &created)
	if ctx.Err() != nil {
		return
	}
	s.metrics.Book.Record(time.Since(start), code, err)
	if err == nil && code == http.StatusCreated {
		s.pool.Add(created)
	}
}

func (s *Simulator) doMove(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.Random(rng)
	if !ok {
		return
	}
	req := api.RescheduleRequest{Start: s.pool.RandomSlot(rng)}

	start := time.Now()
	code, err := s.call(ctx, http.MethodPatch, "/appointments/"+appt.ID+"/schedule", req, nil)
	if ctx.Err() != nil {
		return
	}
	s.metrics.Move.Record(time.Since(start), code, err)
}

var nextStatus = []appointment.Status{
	appointment.StatusConfirmed,
	appointment.StatusCheckedIn,
	appointment.StatusCompleted,
	appointment.StatusCancelled,
	appointment.StatusNoShow,
}

func (s *Simulator) doStatus(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.Random(rng)
	if !ok {
		return
	}
	req := api.StatusRequest{Status: string(nextStatus[rng.Intn(len(nextStatus))])}

	start := time.Now()
	code, err := s.call(ctx, http.MethodPost, "/appointments/"+appt.ID+"/status", req, nil)
	if ctx.Err() != nil {
		return
	}
	s.metrics.Status.Record(time.Since(start), code, err)
}

func (s *Simulator) doRead(ctx context.Context, rng *rand.Rand) {
	q := url.Values{}
	q.Set("view", "week")
	q.Set("date", s.pool.Week.Format("2006-01-02"))
	if rng.Intn(2) == 0 {
		q.Set("room_id", s.pool.Rooms[rng.Intn(len(s.pool.Rooms))])
	}
	path := "/agenda?" + q.Encode()
	if rng.Intn(2) == 0 {
		path = "/agenda/calendar?" + q.Encode()
	}

	start := time.Now()
	code, err := s.call(ctx, http.MethodGet, path, nil, nil)
	if ctx.Err() != nil {
		return
	}
	s.metrics.Read.Record(time.Since(start), code, err)
}

// VerifyNoDoubleBooking reads back the simulated week and counts pairs of live
// appointments that share a room or therapist and overlap.
func (s *Simulator) VerifyNoDoubleBooking(ctx context.Context) (int, error) {
	q := url.Values{}
	q.Set("start", s.pool.Week.Format(time.RFC3339))
	q.Set("end", s.pool.Week.AddDate(0, 0, 7).Format(time.RFC3339))

	var agenda api.AgendaResponse
	if _, err := s.call(ctx, http.MethodGet, "/agenda?"+q.Encode(), nil, &agenda); err != nil {
		return 0, err
	}

	live := make([]appointment.Appointment, 0, len(agenda.Appointments))
	for _, a := range agenda.Appointments {
		live = append(live, appointment.Appointment{
			ID:              a.ID,
			RoomID:          a.RoomID,
			TherapistID:     a.TherapistID,
			Start:           a.Start,
			DurationMinutes: a.DurationMinutes,
			Status:          appointment.Status(a.Status),
		})
	}

	overlaps := 0
	for i, a := range live {
		if a.Status == appointment.StatusCancelled {
			continue
		}
		res := appointment.CheckConflict(appointment.Candidate{
			RoomID:          a.RoomID,
			TherapistID:     a.TherapistID,
			Start:           a.Start,
			DurationMinutes: a.DurationMinutes,
			ExcludeID:       a.ID,
		}, live[i+1:])
		if res.Conflict() {
			overlaps++
			s.logger.Error().Str("appointment_id", a.ID).Str("blocking_id", res.Blocking.ID).Msg("overlap")
		}
	}
	return overlaps, nil
}

// call sends body as JSON and decodes a 2xx response into out when out is non-nil.
func (s *Simulator) call(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	return resp.StatusCode, json.NewDecoder(resp.Body).Decode(out)
}

func (s *Simulator) PrintReport() {
	line := strings.Repeat("=", 80)
	fmt.Println("\n" + line)
	fmt.Println("SIMULATION REPORT")
	fmt.Println(line)
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n\n", s.config.Workers)

	printOperationReport("Book", &s.metrics.Book)
	printOperationReport("Move", &s.metrics.Move)
	printOperationReport("Status change", &s.metrics.Status)
	printOperationReport("Agenda read", &s.metrics.Read)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}
	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)
	avg, p50, p95, max := om.Stats()

	pct := func(n int64) float64 { return float64(n) / float64(total) * 100 }
	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, pct(success))
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, pct(conflict))
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, pct(failed))
	}
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s max=%s\n\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond), p95.Round(time.Millisecond), max.Round(time.Millisecond))
}
