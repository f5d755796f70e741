package accrual_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/accrual-engine/accrual"
	"github.com/warp/accrual-engine/accrual/store"
)

// =============================================================================
// TEST FIXTURE
// =============================================================================

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	ctx    context.Context
	engine *accrual.Engine
	store  *store.Memory
	clock  *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, store.NewMemory())
}

func newFixtureWithStore(t *testing.T, mem *store.Memory, wrap ...func(*store.Memory) accrual.Store) *fixture {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, time.February, 15, 10, 0, 0, 0, time.UTC)}
	var n atomic.Int64
	var st accrual.Store = mem
	for _, w := range wrap {
		st = w(mem)
	}
	eng := accrual.NewEngine(st, accrual.Options{
		Clock: clock.Now,
		NewID: func() string { return fmt.Sprintf("id-%04d", n.Add(1)) },
	})
	return &fixture{ctx: context.Background(), engine: eng, store: mem, clock: clock}
}

// addPeriodLine stores a Jan 15 - Mar 10 2026 Period line.
func (f *fixture) addPeriodLine(t *testing.T, po, net string) accrual.PoLine {
	t.Helper()
	return f.addLine(t, accrual.PoLine{
		ID: "line-" + po, PONumber: po, LineNumber: "10", NetAmount: d(net),
		StartDate: datePtr(2026, time.January, 15), EndDate: datePtr(2026, time.March, 10),
		Category: accrual.CategoryPeriod, Status: accrual.LineDraft,
	})
}

func (f *fixture) addActivityLine(t *testing.T, po, net string) accrual.PoLine {
	t.Helper()
	return f.addLine(t, accrual.PoLine{
		ID: "line-" + po, PONumber: po, LineNumber: "10", NetAmount: d(net),
		Category: accrual.CategoryActivity, Status: accrual.LineDraft,
	})
}

func (f *fixture) addLine(t *testing.T, line accrual.PoLine) accrual.PoLine {
	t.Helper()
	stored, created, err := f.store.UpsertLine(f.ctx, line)
	require.NoError(t, err)
	require.True(t, created)
	return stored
}

func (f *fixture) line(t *testing.T, id string) accrual.PoLine {
	t.Helper()
	line, err := f.store.GetLine(f.ctx, id)
	require.NoError(t, err)
	return line
}

func (f *fixture) setStatus(t *testing.T, id string, status accrual.LineStatus) {
	t.Helper()
	line := f.line(t, id)
	line.Status = status
	require.NoError(t, f.store.UpdateLine(f.ctx, line))
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	var verr *accrual.ValidationError
	require.True(t, errors.As(err, &verr), "expected validation error, got %v", err)
	assert.Equal(t, code, verr.Code)
	assert.True(t, accrual.IsClientError(err))
}

// failingAudit rejects every audit append.
type failingAudit struct{ *store.Memory }

func (failingAudit) AppendAudit(context.Context, accrual.AuditEntry) error {
	return errors.New("audit table locked")
}

// =============================================================================
// ADJUSTMENTS
// =============================================================================

func TestSaveAdjustment_StoresTrueUpAndRemarks(t *testing.T) {
	// GIVEN: a Period line with a suggested Feb provision of 45818
	// WHEN: finance books a -818 true-up with a remark
	// THEN: the final provision is 45000 and the row is stored
	f := newFixture(t)
	line := f.addPeriodLine(t, "PO-1", "90000")
	remarks := "partial credit"

	res, err := f.engine.SaveAdjustment(f.ctx, accrual.AdjustmentEdit{
		PoLineID: line.ID, ProcessingMonth: "Feb 2026",
		CurrentMonthTrueUp: dp("-818"), Remarks: &remarks, Actor: "fin-1",
	})
	require.NoError(t, err)
	require.NotNil(t, res.FinalProvision)
	assert.True(t, res.FinalProvision.Equal(d("45000")), "got %s", res.FinalProvision)
	assert.False(t, res.Reopened)

	calc, err := f.store.GetCalculation(f.ctx, line.ID, "Feb 2026")
	require.NoError(t, err)
	require.NotNil(t, calc)
	assert.True(t, calc.CurrentMonthTrueUp.Equal(d("-818")))
	assert.Equal(t, "partial credit", calc.Remarks)

	entries, err := f.engine.ListAudit(f.ctx, accrual.AuditFilter{EntityID: line.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, accrual.AuditAdjusted, entries[0].Action)
	assert.Equal(t, "fin-1", entries[0].ActorID)
}

func TestSaveAdjustment_RemarksOnlyKeepsTrueUp(t *testing.T) {
	f := newFixture(t)
	line := f.addPeriodLine(t, "PO-1", "90000")
	_, err := f.engine.SaveAdjustment(f.ctx, accrual.AdjustmentEdit{
		PoLineID: line.ID, ProcessingMonth: "Feb 2026", CurrentMonthTrueUp: dp("250"),
	})
	require.NoError(t, err)

	remarks := "checked with vendor"
	res, err := f.engine.SaveAdjustment(f.ctx, accrual.AdjustmentEdit{
		PoLineID: line.ID, ProcessingMonth: "Feb 2026", Remarks: &remarks,
	})
	require.NoError(t, err)
	assert.True(t, res.Calculation.CurrentMonthTrueUp.Equal(d("250")))
	assert.Equal(t, "checked with vendor", res.Calculation.Remarks)
}

func TestSaveAdjustment_Validation(t *testing.T) {
	t.Run("true-up larger than the provision", func(t *testing.T) {
		f := newFixture(t)
		line := f.addPeriodLine(t, "PO-1", "90000")
		_, err := f.engine.SaveAdjustment(f.ctx, accrual.AdjustmentEdit{
			PoLineID: line.ID, ProcessingMonth: "Feb 2026", CurrentMonthTrueUp: dp("-50000"),
		})
		requireCode(t, err, accrual.CodeNegativeTrueUp)
	})

	t.Run("final provision below zero after GRN", func(t *testing.T) {
		// 45818 - 40000 - 10000 < 0 while 45818 - 10000 >= 0
		f := newFixture(t)
		line := f.addPeriodLine(t, "PO-1", "90000")
		_, err := f.store.ReplaceGrn(f.ctx, accrual.GrnTransaction{
			ID: "g1", PoLineID: line.ID, Date: accrual.Date(2026, time.February, 3),
			DocumentNumber: "GRN-1", Value: d("40000"),
		})
		require.NoError(t, err)

		_, err = f.engine.SaveAdjustment(f.ctx, accrual.AdjustmentEdit{
			PoLineID: line.ID, ProcessingMonth: "Feb 2026", CurrentMonthTrueUp: dp("-10000"),
		})
		requireCode(t, err, accrual.CodeNegativeFinalProvision)

		calc, err := f.store.GetCalculation(f.ctx, line.ID, "Feb 2026")
		require.NoError(t, err)
		assert.Nil(t, calc, "rejected edit must not be stored")
	})

	t.Run("malformed month on a write", func(t *testing.T) {
		f := newFixture(t)
		line := f.addPeriodLine(t, "PO-1", "90000")
		_, err := f.engine.SaveAdjustment(f.ctx, accrual.AdjustmentEdit{
			PoLineID: line.ID, ProcessingMonth: "Febtober 2026", CurrentMonthTrueUp: dp("1"),
		})
		requireCode(t, err, accrual.CodeInvalidMonth)
	})

	t.Run("unknown line", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.engine.SaveAdjustment(f.ctx, accrual.AdjustmentEdit{
			PoLineID: "missing", ProcessingMonth: "Feb 2026", CurrentMonthTrueUp: dp("1"),
		})
		assert.True(t, accrual.IsNotFound(err))
	})
}

func TestSaveAdjustment_ReopensRecalledLine(t *testing.T) {
	// GIVEN: a line that was recalled
	// WHEN: finance edits it
	// THEN: the line is Draft again and can be resubmitted
	f := newFixture(t)
	line := f.addPeriodLine(t, "PO-1", "90000")
	f.setStatus(t, line.ID, accrual.LineRecalled)
	remarks := "rework"

	res, err := f.engine.SaveAdjustment(f.ctx, accrual.AdjustmentEdit{
		PoLineID: line.ID, ProcessingMonth: "Feb 2026", Remarks: &remarks,
	})
	require.NoError(t, err)
	assert.True(t, res.Reopened)
	assert.Equal(t, accrual.LineDraft, res.LineStatus)
	assert.Equal(t, accrual.LineDraft, f.line(t, line.ID).Status)
}

func TestSaveAdjustment_AuditFailureIsSwallowed(t *testing.T) {
	f := newFixtureWithStore(t, store.NewMemory(), func(m *store.Memory) accrual.Store { return failingAudit{m} })
	line := f.addPeriodLine(t, "PO-1", "90000")

	_, err := f.engine.SaveAdjustment(f.ctx, accrual.AdjustmentEdit{
		PoLineID: line.ID, ProcessingMonth: "Feb 2026", CurrentMonthTrueUp: dp("10"),
	})
	require.NoError(t, err)

	entries, err := f.store.ListAudit(f.ctx, accrual.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// =============================================================================
// READ PATHS
// =============================================================================

func TestPeriodLines_OnlyInScopeLines(t *testing.T) {
	f := newFixture(t)
	f.addPeriodLine(t, "PO-1", "90000")
	f.addLine(t, accrual.PoLine{
		ID: "line-old", PONumber: "PO-OLD", LineNumber: "10", NetAmount: d("500"),
		StartDate: datePtr(2025, time.January, 1), EndDate: datePtr(2025, time.June, 30),
		Category: accrual.CategoryPeriod, Status: accrual.LineDraft,
	})
	f.addActivityLine(t, "PO-A", "1000")

	report, err := f.engine.PeriodLines(f.ctx, "Feb 2026")
	require.NoError(t, err)
	assert.False(t, report.FellBack)
	require.Len(t, report.Lines, 1)
	assert.Equal(t, "line-PO-1", report.Lines[0].Line.ID)
	assert.True(t, report.Lines[0].SuggestedProvision.Equal(d("45818")))
}

func TestPeriodLines_MalformedMonthFallsBack(t *testing.T) {
	f := newFixture(t)
	f.addPeriodLine(t, "PO-1", "90000")

	report, err := f.engine.PeriodLines(f.ctx, "garbage")
	require.NoError(t, err)
	assert.True(t, report.FellBack)
	assert.Equal(t, "Jan 2026", report.Window.MonthLabel)
	require.Len(t, report.Lines, 1)
	assert.Equal(t, 17, report.Lines[0].CurrentDays)
}

// =============================================================================
// LINE MAINTENANCE
// =============================================================================

func TestChangeCategory(t *testing.T) {
	f := newFixture(t)
	period := f.addPeriodLine(t, "PO-1", "90000")
	activity := f.addActivityLine(t, "PO-2", "1000")

	t.Run("period to activity", func(t *testing.T) {
		got, err := f.engine.ChangeCategory(f.ctx, period.ID, accrual.CategoryActivity, "fin-1")
		require.NoError(t, err)
		assert.Equal(t, accrual.CategoryActivity, got.Category)
		assert.Equal(t, accrual.CategoryActivity, f.line(t, period.ID).Category)
	})

	t.Run("activity without dates cannot become period", func(t *testing.T) {
		_, err := f.engine.ChangeCategory(f.ctx, activity.ID, accrual.CategoryPeriod, "fin-1")
		requireCode(t, err, accrual.CodeMissingDates)
	})

	t.Run("unknown category", func(t *testing.T) {
		_, err := f.engine.ChangeCategory(f.ctx, activity.ID, accrual.Category("Quarterly"), "fin-1")
		requireCode(t, err, accrual.CodeInvalidCategory)
	})

	t.Run("submitted line is locked", func(t *testing.T) {
		f.setStatus(t, activity.ID, accrual.LineSubmitted)
		_, err := f.engine.ChangeCategory(f.ctx, activity.ID, accrual.CategoryPeriod, "fin-1")
		assert.True(t, errors.Is(err, accrual.ErrInvalidTransition))
		assert.True(t, accrual.IsConflict(err))
	})
}

func TestBulkClear(t *testing.T) {
	f := newFixture(t)
	a := f.addPeriodLine(t, "PO-1", "100")
	f.addPeriodLine(t, "PO-2", "200")
	f.addPeriodLine(t, "PO-3", "300")

	n, err := f.engine.BulkClear(f.ctx, []string{a.ID}, "admin")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.engine.GetLine(f.ctx, a.ID)
	assert.True(t, accrual.IsNotFound(err))

	n, err = f.engine.BulkClear(f.ctx, nil, "admin")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	lines, err := f.engine.ListLines(f.ctx, accrual.LineFilter{})
	require.NoError(t, err)
	assert.Empty(t, lines)
}
