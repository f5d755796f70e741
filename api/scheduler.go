/*
scheduler.go - Scheduled Activity materialization

PURPOSE:
  Runs the materializer on a cron schedule so next month's Activity table
  has this month's finals cached even when nobody opened the Activity view.

DESIGN:
  - robfig/cron with SkipIfStillRunning: a slow run is never overlapped
  - Each run materializes the month containing "now"
  - Failures are logged and dropped; the next tick retries

CONFIGURATION:
  - Spec:    standard 5-field cron expression (default "0 2 * * *")
  - Enabled: whether Start schedules anything

USAGE:
  s, err := NewMaterializeScheduler(materializer, "0 2 * * *", log)
  s.Start()
  defer s.Stop()

SEE ALSO:
  - accrual/materialize.go: the job itself
  - handlers.go: POST /api/admin/materialize (manual run)
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/warp/accrual-engine/accrual"
)

// MaterializeScheduler runs accrual.Materializer on a cron schedule.
type MaterializeScheduler struct {
	Materializer *accrual.Materializer
	Spec         string
	Enabled      bool
	Timeout      time.Duration

	// Clock picks the month to materialize. Defaults to time.Now.
	Clock func() time.Time

	log     zerolog.Logger
	cron    *cron.Cron
	entry   cron.EntryID
	mu      sync.Mutex
	started bool
}

// NewMaterializeScheduler parses the cron expression and builds a scheduler.
func NewMaterializeScheduler(m *accrual.Materializer, schedule string, log zerolog.Logger) (*MaterializeScheduler, error) {
	s := &MaterializeScheduler{
		Materializer: m,
		Spec:         schedule,
		Enabled:      true,
		Timeout:      5 * time.Minute,
		Clock:        time.Now,
		log:          log.With().Str("component", "scheduler").Logger(),
	}
	logger := cronLogger{log: s.log}
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	id, err := s.cron.AddFunc(schedule, s.RunNow)
	if err != nil {
		return nil, fmt.Errorf("invalid materialize schedule %q: %w", schedule, err)
	}
	s.entry = id
	return s, nil
}

// Start begins the scheduler.
func (s *MaterializeScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info().Msg("scheduler disabled, not starting")
		return
	}
	if s.started {
		return
	}
	s.cron.Start()
	s.started = true
	s.log.Info().Str("schedule", s.Spec).Time("next", s.NextRun()).Msg("scheduler started")
}

// Stop stops the scheduler and waits for a running job to finish.
func (s *MaterializeScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	<-s.cron.Stop().Done()
	s.started = false
	s.log.Info().Msg("scheduler stopped")
}

// RunNow materializes the current month synchronously.
func (s *MaterializeScheduler) RunNow() {
	month := accrual.MonthOf(s.Clock()).Label()
	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
	defer cancel()

	res, err := s.Materializer.Materialize(ctx, month)
	if err != nil {
		s.log.Warn().Err(err).Str("month", month).Msg("scheduled materialization failed")
		return
	}
	s.log.Info().Str("month", res.Month).Int("updated", res.Updated).Int("pending", res.Pending).
		Msg("scheduled materialization done")
}

// NextRun returns when the job fires next; zero before Start.
func (s *MaterializeScheduler) NextRun() time.Time {
	return s.cron.Entry(s.entry).Next
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
