package accrual_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/accrual-engine/accrual"
)

func TestIngestLines(t *testing.T) {
	f := newFixture(t)
	ing := accrual.NewIngestor(f.engine, 2)

	records := []accrual.PoLineRecord{
		{PONumber: "PO-1", LineNumber: "10", NetAmount: "90,000.00", StartDate: "01/15/2026", EndDate: "2026-03-10", CostCenter: "4003"},
		{PONumber: "PO-1", LineNumber: "20", NetAmount: "1200", Category: "activity"},
		{PONumber: "", LineNumber: "30", NetAmount: "1"},
		{PONumber: "PO-2", LineNumber: "10", NetAmount: "lots"},
		{PONumber: "PO-3", LineNumber: "10", NetAmount: "10", Category: "quarterly"},
	}

	report, err := ing.IngestLines(f.ctx, records)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Inserted)
	assert.Equal(t, 0, report.Updated)
	assert.Equal(t, 1, report.DatesMissing)
	require.Len(t, report.Failed, 3)
	assert.Equal(t, []int{3, 4, 5}, []int{report.Failed[0].Row, report.Failed[1].Row, report.Failed[2].Row})

	line, err := f.store.GetLineByKey(f.ctx, "PO-1", "10")
	require.NoError(t, err)
	assert.True(t, line.NetAmount.Equal(d("90000")))
	require.NotNil(t, line.StartDate)
	assert.True(t, line.StartDate.Equal(accrual.Date(2026, time.January, 15)))
	assert.Equal(t, accrual.CategoryPeriod, line.Category)

	activity, err := f.store.GetLineByKey(f.ctx, "PO-1", "20")
	require.NoError(t, err)
	assert.Equal(t, accrual.CategoryActivity, activity.Category)
}

func TestIngestLines_ReuploadKeepsIdentityAndStatus(t *testing.T) {
	// GIVEN: an ingested line that has since been submitted
	// WHEN: the same business key is uploaded again with a new amount
	// THEN: the row is updated in place and keeps its id and status
	f := newFixture(t)
	ing := accrual.NewIngestor(f.engine, 0)
	rec := accrual.PoLineRecord{PONumber: "PO-1", LineNumber: "10", NetAmount: "100", StartDate: "2026-01-01", EndDate: "2026-12-31"}

	_, err := ing.IngestLines(f.ctx, []accrual.PoLineRecord{rec})
	require.NoError(t, err)
	first, err := f.store.GetLineByKey(f.ctx, "PO-1", "10")
	require.NoError(t, err)
	f.setStatus(t, first.ID, accrual.LineSubmitted)

	rec.NetAmount = "250"
	report, err := ing.IngestLines(f.ctx, []accrual.PoLineRecord{rec})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Inserted)
	assert.Equal(t, 1, report.Updated)

	second, err := f.store.GetLineByKey(f.ctx, "PO-1", "10")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, accrual.LineSubmitted, second.Status)
	assert.True(t, second.NetAmount.Equal(d("250")))
}

func TestIngestLines_ReuploadKeepsCategory(t *testing.T) {
	// GIVEN: an uploaded line without dates, moved to Activity and already answered
	// WHEN: the same row (no category column) is uploaded again
	// THEN: the line stays an Activity line with its assignment and response
	f := newFixture(t)
	ing := accrual.NewIngestor(f.engine, 0)
	rec := accrual.PoLineRecord{PONumber: "PO-1", LineNumber: "10", NetAmount: "10000"}

	_, err := ing.IngestLines(f.ctx, []accrual.PoLineRecord{rec})
	require.NoError(t, err)
	line, err := f.store.GetLineByKey(f.ctx, "PO-1", "10")
	require.NoError(t, err)
	require.Equal(t, accrual.CategoryPeriod, line.Category)

	_, err = f.engine.ChangeCategory(f.ctx, line.ID, accrual.CategoryActivity, "fin-1")
	require.NoError(t, err)
	a := assign(t, f, line.ID, "u1")[0]
	respond(t, f, a.ID, "50")

	report, err := ing.IngestLines(f.ctx, []accrual.PoLineRecord{rec})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Updated)
	assert.Empty(t, report.Failed)
	assert.Equal(t, accrual.CategoryActivity, f.line(t, line.ID).Category)

	activity, err := f.engine.ActivityLines(f.ctx, "Feb 2026")
	require.NoError(t, err)
	require.Len(t, activity.Lines, 1)
	assert.Equal(t, line.ID, activity.Lines[0].Line.ID)
	require.NotNil(t, activity.Lines[0].ProvisionPercent)
	assert.True(t, activity.Lines[0].ProvisionPercent.Equal(d("50")))

	t.Run("explicit move to Period without dates is a row error", func(t *testing.T) {
		explicit := rec
		explicit.Category = "Period"
		report, err := ing.IngestLines(f.ctx, []accrual.PoLineRecord{explicit})
		require.NoError(t, err)
		require.Len(t, report.Failed, 1)
		assert.Equal(t, 1, report.Failed[0].Row)
		assert.Equal(t, 0, report.Updated)
		assert.Equal(t, accrual.CategoryActivity, f.line(t, line.ID).Category)
	})

	t.Run("explicit move to Period with dates is applied", func(t *testing.T) {
		explicit := rec
		explicit.Category = "Period"
		explicit.StartDate, explicit.EndDate = "2026-01-01", "2026-06-30"
		report, err := ing.IngestLines(f.ctx, []accrual.PoLineRecord{explicit})
		require.NoError(t, err)
		assert.Empty(t, report.Failed)
		assert.Equal(t, accrual.CategoryPeriod, f.line(t, line.ID).Category)
	})
}

func TestIngestLines_CategoryChangeRefusedWhileSubmitted(t *testing.T) {
	f := newFixture(t)
	ing := accrual.NewIngestor(f.engine, 0)
	rec := accrual.PoLineRecord{PONumber: "PO-1", LineNumber: "10", NetAmount: "100", StartDate: "2026-01-01", EndDate: "2026-12-31"}

	_, err := ing.IngestLines(f.ctx, []accrual.PoLineRecord{rec})
	require.NoError(t, err)
	line, err := f.store.GetLineByKey(f.ctx, "PO-1", "10")
	require.NoError(t, err)
	f.setStatus(t, line.ID, accrual.LineSubmitted)

	rec.Category = "Activity"
	report, err := ing.IngestLines(f.ctx, []accrual.PoLineRecord{rec})
	require.NoError(t, err)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, accrual.CategoryPeriod, f.line(t, line.ID).Category)
}

func TestIngestGrns(t *testing.T) {
	f := newFixture(t)
	line := f.addPeriodLine(t, "PO-1", "90000")
	ing := accrual.NewIngestor(f.engine, 3)

	report, err := ing.IngestGrns(f.ctx, []accrual.GrnRecord{
		{PONumber: "PO-1", LineNumber: "10", GrnDate: "2026-02-12", DocumentNumber: "G-B", Value: "700"},
		{PONumber: "PO-1", LineNumber: "10", GrnDate: "2026-02-12", DocumentNumber: "G-A", Value: "900"},
		{PONumber: "PO-9", LineNumber: "10", GrnDate: "2026-02-12", DocumentNumber: "G-X", Value: "1"},
		{PONumber: "PO-1", LineNumber: "10", GrnDate: "someday", DocumentNumber: "G-C", Value: "1"},
		{PONumber: "PO-1", LineNumber: "10", GrnDate: "2026-02-01", DocumentNumber: "", Value: "1"},
		{PONumber: "PO-1", LineNumber: "10", GrnDate: "2026-02-01", DocumentNumber: "G-D", Value: "n/a"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Inserted)
	require.Len(t, report.Failed, 4)
	assert.Equal(t, 3, report.Failed[0].Row)

	grns, err := f.store.ListGrns(f.ctx, line.ID)
	require.NoError(t, err)
	require.Len(t, grns, 2)

	// Same date: the later row in the file wins.
	pick := accrual.LatestKnownValue(grns)
	assert.Equal(t, "G-A", pick.DocumentNumber)
	assert.True(t, pick.AmbiguousTie)

	t.Run("re-sent document replaces the old row", func(t *testing.T) {
		_, err := ing.IngestGrns(f.ctx, []accrual.GrnRecord{
			{PONumber: "PO-1", LineNumber: "10", GrnDate: "2026-02-12", DocumentNumber: "G-B", Value: "1000"},
		})
		require.NoError(t, err)
		grns, err := f.store.ListGrns(f.ctx, line.ID)
		require.NoError(t, err)
		require.Len(t, grns, 2)
		pick := accrual.LatestKnownValue(grns)
		assert.Equal(t, "G-B", pick.DocumentNumber)
		assert.True(t, pick.Value.Equal(d("1000")))
	})
}

func TestIngestGrns_IdenticalReuploadIsIdempotent(t *testing.T) {
	// GIVEN: a GRN file with a same-date tie and rows in several months
	// WHEN: the identical file is ingested twice
	// THEN: the month and latest picks, tie winner included, do not change
	f := newFixture(t)
	line := f.addPeriodLine(t, "PO-1", "90000")
	ing := accrual.NewIngestor(f.engine, 2)
	file := []accrual.GrnRecord{
		{PONumber: "PO-1", LineNumber: "10", GrnDate: "2026-01-20", DocumentNumber: "G-1", Value: "10000"},
		{PONumber: "PO-1", LineNumber: "10", GrnDate: "2026-02-05", DocumentNumber: "G-2", Value: "25000"},
		{PONumber: "PO-1", LineNumber: "10", GrnDate: "2026-02-05", DocumentNumber: "G-3", Value: "24000"},
		{PONumber: "PO-1", LineNumber: "10", GrnDate: "2026-03-02", DocumentNumber: "G-4", Value: "30000"},
	}
	feb, err := accrual.ParseProcessingMonth("Feb 2026")
	require.NoError(t, err)

	picks := func() (accrual.GrnPick, accrual.GrnPick) {
		t.Helper()
		report, err := ing.IngestGrns(f.ctx, file)
		require.NoError(t, err)
		require.Empty(t, report.Failed)
		grns, err := f.store.ListGrns(f.ctx, line.ID)
		require.NoError(t, err)
		require.Len(t, grns, len(file))
		return accrual.MonthValue(grns, feb.Start(), feb.End()), accrual.LatestKnownValue(grns)
	}

	month1, latest1 := picks()
	month2, latest2 := picks()

	assert.Equal(t, "G-3", month1.DocumentNumber)
	assert.True(t, month1.AmbiguousTie)
	assert.Equal(t, "G-4", latest1.DocumentNumber)

	for _, pair := range [][2]accrual.GrnPick{{month1, month2}, {latest1, latest2}} {
		first, second := pair[0], pair[1]
		assert.True(t, first.Value.Equal(second.Value))
		assert.True(t, first.Date.Equal(second.Date))
		assert.Equal(t, first.DocumentNumber, second.DocumentNumber)
		assert.Equal(t, first.MonthLabel, second.MonthLabel)
		assert.Equal(t, first.AmbiguousTie, second.AmbiguousTie)
	}
}
