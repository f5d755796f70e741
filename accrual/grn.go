package accrual

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// GRN RECONCILIATION
// =============================================================================
//
// GRN values are cumulative-to-date snapshots, so only one record per window
// matters: the latest one. Records on the same date are ordered by ingestion
// sequence, then by document number. When same-date records disagree on value
// the pick is marked AmbiguousTie so the caller can surface it.

// GrnPick is the record selected for a window.
type GrnPick struct {
	Value          decimal.Decimal
	Date           time.Time
	DocumentNumber string
	MonthLabel     string
	Found          bool
	AmbiguousTie   bool
}

// MonthValue picks the latest transaction dated within [monthStart, monthEnd].
// Value is zero when none fall in range.
func MonthValue(txs []GrnTransaction, monthStart, monthEnd time.Time) GrnPick {
	window := Period{Start: monthStart, End: monthEnd}
	var inWindow []GrnTransaction
	for _, tx := range txs {
		if window.Contains(tx.Date) {
			inWindow = append(inWindow, tx)
		}
	}
	return pickLatest(inWindow)
}

// LatestKnownValue picks the latest transaction across all time.
func LatestKnownValue(txs []GrnTransaction) GrnPick {
	return pickLatest(txs)
}

func pickLatest(txs []GrnTransaction) GrnPick {
	if len(txs) == 0 {
		return GrnPick{Value: decimal.Zero}
	}
	best := txs[0]
	for _, tx := range txs[1:] {
		if grnAfter(tx, best) {
			best = tx
		}
	}

	ambiguous := false
	bestDay := DateOf(best.Date)
	for _, tx := range txs {
		if DateOf(tx.Date).Equal(bestDay) && !tx.Value.Equal(best.Value) {
			ambiguous = true
			break
		}
	}

	return GrnPick{
		Value:          best.Value,
		Date:           DateOf(best.Date),
		DocumentNumber: best.DocumentNumber,
		MonthLabel:     MonthOf(best.Date).Label(),
		Found:          true,
		AmbiguousTie:   ambiguous,
	}
}

// grnAfter reports whether a supersedes b.
func grnAfter(a, b GrnTransaction) bool {
	ad, bd := DateOf(a.Date), DateOf(b.Date)
	if !ad.Equal(bd) {
		return ad.After(bd)
	}
	if a.Seq != b.Seq {
		return a.Seq > b.Seq
	}
	return a.DocumentNumber > b.DocumentNumber
}
