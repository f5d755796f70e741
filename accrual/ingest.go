/*
ingest.go - Bulk loading of parsed PO lines and GRN records

PURPOSE:
  File parsing happens upstream; this receives already-split records with
  raw string fields and writes them through the Store.

BATCHING:
  Records are processed in fixed-size batches. Rows inside a batch are
  written concurrently (errgroup); the next batch starts only after the
  previous one finished. This bounds peak concurrent writes.

  GRN rows are grouped by line inside a batch and each group is written in
  input order, so the tie-break sequence for same-date records follows the
  file.

CATEGORY:
  A row without a category keeps the stored line's category (new lines
  start as Period). A row that names a different category is held to the
  same rules as a manual category change.

ROW ERRORS:
  Bad rows (missing key, unparsable amount, unknown line, refused category
  change) are collected in the report and skipped. Store failures abort the
  run.
*/
package accrual

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultBatchSize applies when Ingestor.BatchSize is not positive.
const DefaultBatchSize = 50

// PoLineRecord is one parsed upload row.
type PoLineRecord struct {
	PONumber    string
	LineNumber  string
	Vendor      string
	Description string
	NetAmount   string
	GLAccount   string
	CostCenter  string
	StartDate   string
	EndDate     string
	Category    string
}

// GrnRecord is one parsed GRN row. Lines are referenced by business key.
type GrnRecord struct {
	PONumber       string
	LineNumber     string
	GrnDate        string
	DocumentNumber string
	Value          string
}

type RowError struct {
	Row     int
	Message string
}

type IngestReport struct {
	Inserted     int
	Updated      int
	DatesMissing int
	Failed       []RowError
}

type Ingestor struct {
	engine    *Engine
	BatchSize int
}

func NewIngestor(engine *Engine, batchSize int) *Ingestor {
	return &Ingestor{engine: engine, BatchSize: batchSize}
}

func (in *Ingestor) batchSize() int {
	if in.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return in.BatchSize
}

// reporter collects row results from concurrent workers.
type reporter struct {
	mu     sync.Mutex
	report IngestReport
}

func (r *reporter) fail(row int, format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.report.Failed = append(r.report.Failed, RowError{Row: row, Message: fmt.Sprintf(format, args...)})
}

func (r *reporter) add(fn func(*IngestReport)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.report)
}

// result returns the report with failures in row order.
func (r *reporter) result() IngestReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	sort.Slice(r.report.Failed, func(i, j int) bool { return r.report.Failed[i].Row < r.report.Failed[j].Row })
	return r.report
}

// IngestLines upserts PO lines on (PONumber, LineNumber).
func (in *Ingestor) IngestLines(ctx context.Context, records []PoLineRecord) (IngestReport, error) {
	rep := &reporter{}
	size := in.batchSize()
	store := in.engine.store
	now := in.engine.now().UTC()

	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			row, rec := i+1, records[i]
			g.Go(func() error {
				line, ok := in.lineFromRecord(rep, row, rec)
				if !ok {
					return nil
				}
				if line.Category != "" {
					ok, err := in.checkCategoryChange(gctx, store, rep, row, line)
					if err != nil || !ok {
						return err
					}
				}
				line.CreatedAt, line.UpdatedAt = now, now
				_, created, err := store.UpsertLine(gctx, line)
				if err != nil {
					return fmt.Errorf("row %d: upsert line: %w", row, err)
				}
				rep.add(func(r *IngestReport) {
					if created {
						r.Inserted++
					} else {
						r.Updated++
					}
					if !line.HasContractDates() {
						r.DatesMissing++
					}
				})
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return rep.result(), err
		}
	}

	in.engine.log.Info().Int("inserted", rep.report.Inserted).Int("updated", rep.report.Updated).
		Int("failed", len(rep.report.Failed)).Msg("po lines ingested")
	return rep.result(), nil
}

func (in *Ingestor) lineFromRecord(rep *reporter, row int, rec PoLineRecord) (PoLine, bool) {
	po, ln := strings.TrimSpace(rec.PONumber), strings.TrimSpace(rec.LineNumber)
	if po == "" || ln == "" {
		rep.fail(row, "po number and line number are required")
		return PoLine{}, false
	}
	amount, ok := parseNumber(rec.NetAmount)
	if !ok {
		rep.fail(row, "net amount %q is not a number", rec.NetAmount)
		return PoLine{}, false
	}

	line := PoLine{
		ID:          in.engine.newID(),
		PONumber:    po,
		LineNumber:  ln,
		Vendor:      strings.TrimSpace(rec.Vendor),
		Description: strings.TrimSpace(rec.Description),
		NetAmount:   amount,
		GLAccount:   strings.TrimSpace(rec.GLAccount),
		CostCenter:  strings.TrimSpace(rec.CostCenter),
		Status:      LineDraft,
	}
	if d, ok := ParseFlexibleDate(rec.StartDate); ok {
		line.StartDate = &d
	}
	if d, ok := ParseFlexibleDate(rec.EndDate); ok {
		line.EndDate = &d
	}
	if strings.TrimSpace(rec.Category) != "" {
		c, ok := ParseCategory(rec.Category)
		if !ok {
			rep.fail(row, "unknown category %q", rec.Category)
			return PoLine{}, false
		}
		line.Category = c
	}
	return line, true
}

// checkCategoryChange applies the ChangeCategory rules when a row names a
// category that differs from the stored line's.
func (in *Ingestor) checkCategoryChange(ctx context.Context, store Store, rep *reporter, row int, line PoLine) (bool, error) {
	existing, err := store.GetLineByKey(ctx, line.PONumber, line.LineNumber)
	if IsNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("row %d: load line: %w", row, err)
	}
	if existing.Category == line.Category {
		return true, nil
	}
	if existing.Status == LineSubmitted || existing.Status == LineApproved {
		rep.fail(row, "line %s/%s is %s and cannot change category", line.PONumber, line.LineNumber, existing.Status)
		return false, nil
	}
	if line.Category == CategoryPeriod && !line.HasContractDates() {
		rep.fail(row, "line %s/%s needs a valid start and end date to become a Period line", line.PONumber, line.LineNumber)
		return false, nil
	}
	return true, nil
}

// IngestGrns replaces GRN rows by (line, document number).
func (in *Ingestor) IngestGrns(ctx context.Context, records []GrnRecord) (IngestReport, error) {
	rep := &reporter{}
	size := in.batchSize()
	store := in.engine.store

	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))

		type grnRow struct {
			row int
			rec GrnRecord
		}
		groups := map[string][]grnRow{}
		var order []string
		for i := start; i < end; i++ {
			key := strings.TrimSpace(records[i].PONumber) + "\x00" + strings.TrimSpace(records[i].LineNumber)
			if _, seen := groups[key]; !seen {
				order = append(order, key)
			}
			groups[key] = append(groups[key], grnRow{row: i + 1, rec: records[i]})
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, key := range order {
			rows := groups[key]
			g.Go(func() error {
				for _, r := range rows {
					if err := in.ingestGrn(gctx, store, rep, r.row, r.rec); err != nil {
						return err
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return rep.result(), err
		}
	}

	in.engine.log.Info().Int("inserted", rep.report.Inserted).
		Int("failed", len(rep.report.Failed)).Msg("grn records ingested")
	return rep.result(), nil
}

func (in *Ingestor) ingestGrn(ctx context.Context, store Store, rep *reporter, row int, rec GrnRecord) error {
	doc := strings.TrimSpace(rec.DocumentNumber)
	if doc == "" {
		rep.fail(row, "grn document number is required")
		return nil
	}
	date, ok := ParseFlexibleDate(rec.GrnDate)
	if !ok {
		rep.fail(row, "grn date %q is not a date", rec.GrnDate)
		return nil
	}
	value, ok := parseNumber(rec.Value)
	if !ok {
		rep.fail(row, "grn value %q is not a number", rec.Value)
		return nil
	}
	line, err := store.GetLineByKey(ctx, strings.TrimSpace(rec.PONumber), strings.TrimSpace(rec.LineNumber))
	if err != nil {
		if IsNotFound(err) {
			rep.fail(row, "no po line %s/%s", rec.PONumber, rec.LineNumber)
			return nil
		}
		return fmt.Errorf("row %d: lookup line: %w", row, err)
	}
	if _, err := store.ReplaceGrn(ctx, GrnTransaction{
		ID:             in.engine.newID(),
		PoLineID:       line.ID,
		Date:           date,
		DocumentNumber: doc,
		Value:          value,
		CreatedAt:      in.engine.now().UTC(),
	}); err != nil {
		return fmt.Errorf("row %d: replace grn: %w", row, err)
	}
	rep.add(func(r *IngestReport) { r.Inserted++ })
	return nil
}
