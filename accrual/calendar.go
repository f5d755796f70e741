/*
calendar.go - Date parsing and month arithmetic

PURPOSE:
  Upstream spreadsheets carry dates in several shapes, and processing months
  arrive as free-text labels ("Feb 2026"). This file turns both into UTC
  midnight time.Time values and computes inclusive day overlaps.

FALLBACKS:
  ParseFlexibleDate never fails; it returns ok=false and the caller decides.
  Month labels go through MonthResolver, whose fallback month is explicit
  and configurable. The resolution reports whether the fallback was used.

SEE ALSO:
  - provision.go: consumes OverlapDays and MonthWindow
*/
package accrual

import (
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// DATES
// =============================================================================

var flexibleDateLayouts = []string{
	"01/02/2006",
	"1/2/2006",
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseFlexibleDate accepts MM/DD/YYYY (with or without leading zeros) or an
// ISO-style date. It returns ok=false for anything else, including "".
func ParseFlexibleDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range flexibleDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return DateOf(t), true
		}
	}
	return time.Time{}, false
}

// DateOf truncates t to midnight UTC of its calendar day.
func DateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Date builds a UTC midnight date.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// DaysBetween counts whole days from a to b (negative if b is earlier).
func DaysBetween(a, b time.Time) int {
	return int(DateOf(b).Sub(DateOf(a)).Hours() / 24)
}

// OverlapDays is the inclusive day count shared by [aStart, aEnd] and
// [bStart, bEnd]. Zero when the ranges do not intersect.
func OverlapDays(aStart, aEnd, bStart, bEnd time.Time) int {
	start := DateOf(aStart)
	if s := DateOf(bStart); s.After(start) {
		start = s
	}
	end := DateOf(aEnd)
	if e := DateOf(bEnd); e.Before(end) {
		end = e
	}
	if end.Before(start) {
		return 0
	}
	return DaysBetween(start, end) + 1
}

// =============================================================================
// PERIOD
// =============================================================================

// Period is a closed date range [Start, End].
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains returns true if t falls within [Start, End] by calendar day.
func (p Period) Contains(t time.Time) bool {
	d := DateOf(t)
	return !d.Before(DateOf(p.Start)) && !d.After(DateOf(p.End))
}

// Days is the inclusive length of the period.
func (p Period) Days() int {
	return OverlapDays(p.Start, p.End, p.Start, p.End)
}

func (p Period) String() string {
	return "[" + p.Start.Format("2006-01-02") + ", " + p.End.Format("2006-01-02") + "]"
}

// =============================================================================
// PROCESSING MONTH
// =============================================================================

// ProcessingMonth identifies the calendar month a provision run is for.
type ProcessingMonth struct {
	Year  int
	Month time.Month
}

// MonthOf returns the processing month containing t.
func MonthOf(t time.Time) ProcessingMonth {
	return ProcessingMonth{Year: t.Year(), Month: t.Month()}
}

// Label is the canonical "Jan 2006" form used as the storage key.
func (m ProcessingMonth) Label() string { return m.Start().Format("Jan 2006") }
func (m ProcessingMonth) String() string { return m.Label() }

func (m ProcessingMonth) Start() time.Time { return Date(m.Year, m.Month, 1) }
func (m ProcessingMonth) End() time.Time   { return m.Start().AddDate(0, 1, -1) }
func (m ProcessingMonth) Prev() ProcessingMonth {
	return MonthOf(m.Start().AddDate(0, -1, 0))
}
func (m ProcessingMonth) Period() Period { return Period{Start: m.Start(), End: m.End()} }

// MonthWindow carries the boundaries a provision run needs.
type MonthWindow struct {
	Month          ProcessingMonth
	MonthStart     time.Time
	MonthEnd       time.Time
	PrevMonthStart time.Time
	PrevMonthEnd   time.Time
	MonthLabel     string
	PrevMonthLabel string
}

func (m ProcessingMonth) Window() MonthWindow {
	prev := m.Prev()
	return MonthWindow{
		Month:          m,
		MonthStart:     m.Start(),
		MonthEnd:       m.End(),
		PrevMonthStart: prev.Start(),
		PrevMonthEnd:   prev.End(),
		MonthLabel:     m.Label(),
		PrevMonthLabel: prev.Label(),
	}
}

var monthNames = func() map[string]time.Month {
	names := make(map[string]time.Month, 24)
	for m := time.January; m <= time.December; m++ {
		full := strings.ToLower(m.String())
		names[full] = m
		names[full[:3]] = m
	}
	names["sept"] = time.September
	return names
}()

// ParseProcessingMonth parses "Mon YYYY" or "Month YYYY" in any casing.
func ParseProcessingMonth(label string) (ProcessingMonth, error) {
	fields := strings.Fields(label)
	if len(fields) != 2 {
		return ProcessingMonth{}, &MalformedInputError{Kind: "processing_month", Raw: label}
	}
	month, ok := monthNames[strings.ToLower(strings.TrimSuffix(fields[0], ","))]
	if !ok {
		return ProcessingMonth{}, &MalformedInputError{Kind: "processing_month", Raw: label}
	}
	year, err := strconv.Atoi(fields[1])
	if err != nil || year < 1900 || year > 9999 {
		return ProcessingMonth{}, &MalformedInputError{Kind: "processing_month", Raw: label}
	}
	return ProcessingMonth{Year: year, Month: month}, nil
}

// DefaultFallbackMonth is used when no fallback is configured.
var DefaultFallbackMonth = ProcessingMonth{Year: 2026, Month: time.January}

// MonthResolver turns labels into windows. Malformed labels resolve to
// Fallback and the resolution says so.
type MonthResolver struct {
	Fallback ProcessingMonth
}

// MonthResolution is the outcome of resolving a label.
type MonthResolution struct {
	Window   MonthWindow
	FellBack bool
	Cause    error // the parse error when FellBack is true
}

func (r MonthResolver) Resolve(label string) MonthResolution {
	m, err := ParseProcessingMonth(label)
	if err == nil {
		return MonthResolution{Window: m.Window()}
	}
	fallback := r.Fallback
	if fallback.Year == 0 {
		fallback = DefaultFallbackMonth
	}
	return MonthResolution{Window: fallback.Window(), FellBack: true, Cause: err}
}
