/*
materialize.go - Activity provision cache job

PURPOSE:
  Next month's Activity table shows "previous month's final provision" from
  a cached value rather than recomputing history. Materialize computes this
  month's Activity finals and stores them on the month's PeriodCalculation
  rows. Reads never depend on it.

TRIGGERING:
  Trigger is fire-and-forget: it returns immediately, runs at most one job at
  a time and coalesces requests made while a job is running (the latest
  month requested wins). Failures are logged at warn level and dropped.
  The cron scheduler in api/scheduler.go calls Materialize directly.
*/
package accrual

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Materializer struct {
	engine *Engine
	log    zerolog.Logger

	// Timeout bounds one background run.
	Timeout time.Duration

	mu      sync.Mutex
	running bool
	queued  *string
	wg      sync.WaitGroup
}

func NewMaterializer(engine *Engine) *Materializer {
	return &Materializer{
		engine:  engine,
		log:     engine.log.With().Str("job", "materialize").Logger(),
		Timeout: 2 * time.Minute,
	}
}

// MaterializeResult summarizes one run.
type MaterializeResult struct {
	Month   string
	Updated int
	Pending int // lines without a usable response, left untouched
}

// Materialize stores this month's computed Activity finals. Malformed month
// labels fall back like any read.
func (m *Materializer) Materialize(ctx context.Context, monthLabel string) (MaterializeResult, error) {
	res := m.engine.ResolveMonth(monthLabel)
	result := MaterializeResult{Month: res.Window.MonthLabel}

	err := m.engine.store.WithTx(ctx, func(s Store) error {
		report, err := m.engine.activityLines(ctx, s, res)
		if err != nil {
			return err
		}
		for _, v := range report.Lines {
			if v.Pending() {
				result.Pending++
				continue
			}
			calc, err := s.GetCalculation(ctx, v.Line.ID, res.Window.MonthLabel)
			if err != nil {
				return fmt.Errorf("get calculation for %s: %w", v.Line.ID, err)
			}
			if calc == nil {
				calc = &PeriodCalculation{
					PoLineID:        v.Line.ID,
					ProcessingMonth: res.Window.MonthLabel,
					PrevMonthTrueUp: v.PrevMonthTrueUp,
				}
			}
			if calc.ActivityFinalProvision != nil && calc.ActivityFinalProvision.Equal(*v.FinalProvision) {
				continue
			}
			final := *v.FinalProvision
			calc.ActivityFinalProvision = &final
			calc.UpdatedAt = m.engine.now().UTC()
			if err := s.UpsertCalculation(ctx, *calc); err != nil {
				return fmt.Errorf("cache final provision for %s: %w", v.Line.ID, err)
			}
			result.Updated++
		}
		return nil
	})
	if err != nil {
		return MaterializeResult{}, err
	}
	return result, nil
}

// Trigger schedules a background run for monthLabel and returns at once.
func (m *Materializer) Trigger(monthLabel string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		m.queued = &monthLabel
		return
	}
	m.running = true
	m.wg.Add(1)
	go m.loop(monthLabel)
}

func (m *Materializer) loop(month string) {
	defer m.wg.Done()
	for {
		m.runOnce(month)

		m.mu.Lock()
		if m.queued == nil {
			m.running = false
			m.mu.Unlock()
			return
		}
		month = *m.queued
		m.queued = nil
		m.mu.Unlock()
	}
}

func (m *Materializer) runOnce(month string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.Timeout)
	defer cancel()

	result, err := m.Materialize(ctx, month)
	if err != nil {
		m.log.Warn().Err(err).Str("month", month).Msg("activity provision cache not persisted")
		return
	}
	m.log.Debug().Str("month", result.Month).Int("updated", result.Updated).
		Int("pending", result.Pending).Msg("activity provisions materialized")
}

// Wait blocks until background runs finish.
func (m *Materializer) Wait() {
	m.wg.Wait()
}
