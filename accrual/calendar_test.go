package accrual_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/accrual-engine/accrual"
)

func TestParseFlexibleDate(t *testing.T) {
	tests := []struct {
		raw  string
		want time.Time
		ok   bool
	}{
		{"01/15/2026", accrual.Date(2026, time.January, 15), true},
		{"1/5/2026", accrual.Date(2026, time.January, 5), true},
		{"2026-03-10", accrual.Date(2026, time.March, 10), true},
		{"2026-03-10T14:22:00Z", accrual.Date(2026, time.March, 10), true},
		{"2026-03-10 08:00:00", accrual.Date(2026, time.March, 10), true},
		{"  2026-03-10  ", accrual.Date(2026, time.March, 10), true},
		{"", time.Time{}, false},
		{"13/45/2026", time.Time{}, false},
		{"next tuesday", time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := accrual.ParseFlexibleDate(tt.raw)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.True(t, got.Equal(tt.want), "got %s", got)
			}
		})
	}
}

func TestOverlapDays(t *testing.T) {
	jan15, mar10 := accrual.Date(2026, time.January, 15), accrual.Date(2026, time.March, 10)
	feb1, feb28 := accrual.Date(2026, time.February, 1), accrual.Date(2026, time.February, 28)

	assert.Equal(t, 55, accrual.OverlapDays(jan15, mar10, jan15, mar10))
	assert.Equal(t, 28, accrual.OverlapDays(jan15, mar10, feb1, feb28))
	assert.Equal(t, 17, accrual.OverlapDays(jan15, mar10, accrual.Date(2026, time.January, 1), accrual.Date(2026, time.January, 31)))
	assert.Equal(t, 0, accrual.OverlapDays(jan15, mar10, accrual.Date(2026, time.April, 1), accrual.Date(2026, time.April, 30)))

	// Single shared day counts.
	assert.Equal(t, 1, accrual.OverlapDays(jan15, mar10, mar10, accrual.Date(2026, time.March, 31)))
}

func TestOverlapDays_MonthsPartitionContract(t *testing.T) {
	// GIVEN: contracts crossing month ends, leap Februaries and year ends
	// WHEN: the overlap with every calendar month they touch is summed
	// THEN: the sum is the full inclusive span, and the months on either side get nothing
	tests := []struct {
		name       string
		start, end time.Time
		span       int
	}{
		{"inside one month", accrual.Date(2026, time.February, 3), accrual.Date(2026, time.February, 20), 18},
		{"single day", accrual.Date(2026, time.April, 30), accrual.Date(2026, time.April, 30), 1},
		{"worked example", accrual.Date(2026, time.January, 15), accrual.Date(2026, time.March, 10), 55},
		{"leap february", accrual.Date(2028, time.January, 31), accrual.Date(2028, time.March, 1), 31},
		{"year rollover", accrual.Date(2025, time.November, 15), accrual.Date(2026, time.February, 14), 92},
		{"multi-year", accrual.Date(2027, time.June, 30), accrual.Date(2029, time.January, 1), 552},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.span, accrual.OverlapDays(tt.start, tt.end, tt.start, tt.end))
			require.Equal(t, tt.span, accrual.DaysBetween(tt.start, tt.end)+1)

			first, last := accrual.MonthOf(tt.start), accrual.MonthOf(tt.end)
			sum := 0
			for m := first; !m.Start().After(last.Start()); m = accrual.MonthOf(m.End().AddDate(0, 0, 1)) {
				days := accrual.OverlapDays(tt.start, tt.end, m.Start(), m.End())
				assert.LessOrEqual(t, days, m.Period().Days(), m.Label())
				sum += days
			}
			assert.Equal(t, tt.span, sum)

			before := first.Prev()
			after := accrual.MonthOf(last.End().AddDate(0, 0, 1))
			assert.Zero(t, accrual.OverlapDays(tt.start, tt.end, before.Start(), before.End()))
			assert.Zero(t, accrual.OverlapDays(tt.start, tt.end, after.Start(), after.End()))
		})
	}
}

func TestPeriod(t *testing.T) {
	p := accrual.Period{Start: accrual.Date(2026, time.February, 1), End: accrual.Date(2026, time.February, 28)}
	assert.Equal(t, 28, p.Days())
	assert.True(t, p.Contains(time.Date(2026, time.February, 28, 23, 59, 0, 0, time.UTC)))
	assert.False(t, p.Contains(accrual.Date(2026, time.March, 1)))
	assert.Equal(t, "[2026-02-01, 2026-02-28]", p.String())
}

func TestParseProcessingMonth(t *testing.T) {
	for _, label := range []string{"Feb 2026", "february 2026", "FEB 2026", "Feb, 2026"} {
		m, err := accrual.ParseProcessingMonth(label)
		require.NoError(t, err, label)
		assert.Equal(t, accrual.ProcessingMonth{Year: 2026, Month: time.February}, m, label)
	}

	for _, label := range []string{"", "2026", "Febr 2026", "Feb 26x", "Feb 2026 extra", "Feb 1800"} {
		_, err := accrual.ParseProcessingMonth(label)
		var malformed *accrual.MalformedInputError
		require.True(t, errors.As(err, &malformed), label)
		assert.Equal(t, "processing_month", malformed.Kind)
		assert.True(t, errors.Is(err, accrual.ErrMalformedInput))
	}
}

func TestProcessingMonth_Window(t *testing.T) {
	w := accrual.ProcessingMonth{Year: 2026, Month: time.March}.Window()

	assert.Equal(t, "Mar 2026", w.MonthLabel)
	assert.Equal(t, "Feb 2026", w.PrevMonthLabel)
	assert.True(t, w.MonthEnd.Equal(accrual.Date(2026, time.March, 31)))
	assert.True(t, w.PrevMonthStart.Equal(accrual.Date(2026, time.February, 1)))
	assert.True(t, w.PrevMonthEnd.Equal(accrual.Date(2026, time.February, 28)))

	jan := accrual.ProcessingMonth{Year: 2026, Month: time.January}.Window()
	assert.Equal(t, "Dec 2025", jan.PrevMonthLabel)
}

func TestMonthResolver_FallsBackExplicitly(t *testing.T) {
	// GIVEN: a resolver with no configured fallback
	// WHEN: a malformed label is resolved
	// THEN: the default month is used and the resolution says so
	res := accrual.MonthResolver{}.Resolve("not a month")
	assert.True(t, res.FellBack)
	assert.Error(t, res.Cause)
	assert.Equal(t, "Jan 2026", res.Window.MonthLabel)

	custom := accrual.MonthResolver{Fallback: accrual.ProcessingMonth{Year: 2025, Month: time.June}}
	assert.Equal(t, "Jun 2025", custom.Resolve("??").Window.MonthLabel)

	ok := custom.Resolve("Apr 2026")
	assert.False(t, ok.FellBack)
	assert.NoError(t, ok.Cause)
	assert.Equal(t, "Apr 2026", ok.Window.MonthLabel)
}
