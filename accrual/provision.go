/*
provision.go - Provision calculator for Period and Activity lines

PURPOSE:
  Pure functions that turn a line, its GRN history, stored adjustments and
  (for Activity lines) business responses into the figures finance reviews
  for one processing month. Nothing here touches storage.

PERIOD FORMULA:
  totalDays      = max(1, full contract span)       (1 if dates are missing)
  dailyRate      = netAmount / totalDays
  currentDays    = overlap(contract, month)
  prevDays       = overlap(contract, previous month)
  prevProvision  = round(dailyRate * prevDays)
  suggested      = round(dailyRate * currentDays)
  finalProvision = suggested - round(latestGrn) + currentMonthTrueUp

  Lines without usable dates are in scope every month.

ACTIVITY FORMULA:
  finalProvision = round(netAmount * percent / 100 - latestGrn + currentMonthTrueUp)

  Undefined (nil, shown as pending) until a response with a percent exists.
  PrevMonthFinal is the value cached for the previous month by the
  materializer, never recomputed here.

ROUNDING:
  Round is floor(x + 0.5): halves go toward +infinity, so -2.5 rounds to -2.

SEE ALSO:
  - calendar.go, grn.go: inputs
  - materialize.go: caches ActivityFinalProvision
  - engine.go: SaveAdjustment validation
*/
package accrual

import (
	"sort"

	"github.com/shopspring/decimal"
)

var (
	half    = decimal.NewFromFloat(0.5)
	hundred = decimal.NewFromInt(100)
)

// Round rounds half up toward positive infinity.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Add(half).Floor()
}

// LineInputs is everything the calculator reads for one line.
type LineInputs struct {
	Line        PoLine
	Grns        []GrnTransaction
	Current     *PeriodCalculation // this month's adjustments, if any
	Previous    *PeriodCalculation // last month's adjustments, if any
	Assignments []ActivityAssignment
	Responses   map[string]BusinessResponse // keyed by assignment id
}

// =============================================================================
// PERIOD
// =============================================================================

// PeriodView is the computed row for a Period-category line.
type PeriodView struct {
	Line               PoLine
	ProcessingMonth    string
	InScope            bool
	DatesMissing       bool
	TotalDays          int
	CurrentDays        int
	PrevDays           int
	DailyRate          decimal.Decimal
	PrevProvision      decimal.Decimal
	SuggestedProvision decimal.Decimal
	CurrentMonthGrn    GrnPick
	LatestGrn          GrnPick
	PrevMonthTrueUp    decimal.Decimal
	CurrentMonthTrueUp decimal.Decimal
	FinalProvision     decimal.Decimal
	Remarks            string
}

func ComputePeriodLine(in LineInputs, w MonthWindow) PeriodView {
	line := in.Line
	v := PeriodView{
		Line:            line,
		ProcessingMonth: w.MonthLabel,
		TotalDays:       1,
		CurrentMonthGrn: MonthValue(in.Grns, w.MonthStart, w.MonthEnd),
		LatestGrn:       LatestKnownValue(in.Grns),
	}
	v.PrevMonthTrueUp, v.CurrentMonthTrueUp, v.Remarks = adjustments(in)

	if line.HasContractDates() {
		start, end := *line.StartDate, *line.EndDate
		if total := OverlapDays(start, end, start, end); total > 1 {
			v.TotalDays = total
		}
		v.CurrentDays = OverlapDays(start, end, w.MonthStart, w.MonthEnd)
		v.PrevDays = OverlapDays(start, end, w.PrevMonthStart, w.PrevMonthEnd)
		v.InScope = v.CurrentDays > 0
	} else {
		v.DatesMissing = true
		v.InScope = true
	}

	v.DailyRate = line.NetAmount.Div(decimal.NewFromInt(int64(v.TotalDays)))
	v.PrevProvision = Round(v.DailyRate.Mul(decimal.NewFromInt(int64(v.PrevDays))))
	v.SuggestedProvision = Round(v.DailyRate.Mul(decimal.NewFromInt(int64(v.CurrentDays))))
	v.FinalProvision = periodFinal(v.SuggestedProvision, v.LatestGrn.Value, v.CurrentMonthTrueUp)
	return v
}

func periodFinal(suggested, latestGrn, trueUp decimal.Decimal) decimal.Decimal {
	return suggested.Sub(Round(latestGrn)).Add(trueUp)
}

// =============================================================================
// ACTIVITY
// =============================================================================

// ActivityView is the computed row for an Activity-category line.
// FinalProvision is nil while no response with a percent exists.
type ActivityView struct {
	Line               PoLine
	ProcessingMonth    string
	Assignments        []ActivityAssignment
	PrimaryAssigneeID  string
	ProvisionPercent   *decimal.Decimal
	ResponseFrom       string // assignment id the percent was taken from
	LatestGrn          GrnPick
	PrevMonthTrueUp    decimal.Decimal
	CurrentMonthTrueUp decimal.Decimal
	PrevMonthFinal     *decimal.Decimal
	FinalProvision     *decimal.Decimal
	Remarks            string
}

// Pending reports whether the final provision cannot be computed yet.
func (v ActivityView) Pending() bool { return v.FinalProvision == nil }

func ComputeActivityLine(in LineInputs, w MonthWindow) ActivityView {
	v := ActivityView{
		Line:            in.Line,
		ProcessingMonth: w.MonthLabel,
		Assignments:     in.Assignments,
		LatestGrn:       LatestKnownValue(in.Grns),
	}
	v.PrevMonthTrueUp, v.CurrentMonthTrueUp, v.Remarks = adjustments(in)
	if in.Previous != nil && in.Previous.ActivityFinalProvision != nil {
		prev := *in.Previous.ActivityFinalProvision
		v.PrevMonthFinal = &prev
	}
	for _, a := range in.Assignments {
		if a.IsPrimary && a.Status.Active() {
			v.PrimaryAssigneeID = a.AssigneeID
		}
	}

	resp, ok := selectResponse(in.Assignments, in.Responses)
	if !ok {
		return v
	}
	pct := *resp.ProvisionPercent
	v.ProvisionPercent = &pct
	v.ResponseFrom = resp.AssignmentID
	final := activityFinal(in.Line.NetAmount, pct, v.LatestGrn.Value, v.CurrentMonthTrueUp)
	v.FinalProvision = &final
	return v
}

func activityBase(net, pct decimal.Decimal) decimal.Decimal {
	return net.Mul(pct).Div(hundred)
}

func activityFinal(net, pct, latestGrn, trueUp decimal.Decimal) decimal.Decimal {
	return Round(activityBase(net, pct).Sub(latestGrn).Add(trueUp))
}

// selectResponse prefers the primary assignment's response, then the most
// recent response from any active assignment. Responses without a percent
// are ignored.
func selectResponse(assignments []ActivityAssignment, responses map[string]BusinessResponse) (BusinessResponse, bool) {
	var candidates []BusinessResponse
	for _, a := range assignments {
		if !a.Status.Active() {
			continue
		}
		r, ok := responses[a.ID]
		if !ok || r.ProvisionPercent == nil {
			continue
		}
		if a.IsPrimary {
			return r, true
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return BusinessResponse{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].RespondedAt.After(candidates[j].RespondedAt)
	})
	return candidates[0], true
}

// =============================================================================
// ADJUSTMENTS
// =============================================================================

// adjustments returns (prevMonthTrueUp, currentMonthTrueUp, remarks).
// The previous month's own current true-up wins over the snapshot stored on
// this month's row.
func adjustments(in LineInputs) (decimal.Decimal, decimal.Decimal, string) {
	prev, cur, remarks := decimal.Zero, decimal.Zero, ""
	if in.Current != nil {
		prev = in.Current.PrevMonthTrueUp
		cur = in.Current.CurrentMonthTrueUp
		remarks = in.Current.Remarks
	}
	if in.Previous != nil {
		prev = in.Previous.CurrentMonthTrueUp
	}
	return prev, cur, remarks
}

// checkTrueUp validates an edited true-up. base is the provision before GRN
// and true-up (nil when not yet known); final is the resulting figure.
func checkTrueUp(base, final *decimal.Decimal, trueUp decimal.Decimal) error {
	if base != nil && trueUp.IsNegative() && base.Add(trueUp).IsNegative() {
		return newValidation(CodeNegativeTrueUp, "currentMonthTrueUp",
			"true-up %s exceeds the provision of %s", trueUp.String(), base.String())
	}
	if final != nil && final.IsNegative() {
		return newValidation(CodeNegativeFinalProvision, "currentMonthTrueUp",
			"resulting final provision %s would be negative", final.String())
	}
	return nil
}
