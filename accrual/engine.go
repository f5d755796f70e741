/*
engine.go - Accrual engine: wiring, read paths and line edits

PURPOSE:
  Engine is the entry point the HTTP layer and the scheduler talk to. It
  owns the Store, the clock, the id generator, the month resolver and the
  rule/approver caches. All operations are request scoped.

READ PATHS:
  PeriodLines and ActivityLines compute views and never write. Caching the
  Activity finals for next month is the Materializer's job.

WRITE PATHS:
  Every write that touches more than one row runs in Store.WithTx. Audit
  entries are appended after commit; a failed audit append is logged and
  dropped.

SEE ALSO:
  - workflow.go: submissions (Period lines)
  - activity.go: assignments (Activity lines)
  - nonpo.go:    non-PO forms
  - rules.go:    approver suggestions
*/
package accrual

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// =============================================================================
// ENGINE
// =============================================================================

// Options configures an Engine. Zero values pick defaults.
type Options struct {
	Logger        *zerolog.Logger
	Clock         func() time.Time
	NewID         func() string
	FallbackMonth ProcessingMonth
	NameMatch     NameMatchPolicy
	CacheTTL      time.Duration

	// Caches may be injected; otherwise they are built from CacheTTL and Clock.
	RuleCache     *TTLCache[string, []ApprovalRule]
	ApproverCache *TTLCache[string, []Approver]
}

// DefaultCacheTTL applies when Options.CacheTTL is zero.
const DefaultCacheTTL = 5 * time.Minute

type Engine struct {
	store     Store
	log       zerolog.Logger
	now       func() time.Time
	newID     func() string
	months    MonthResolver
	nameMatch NameMatchPolicy
	rules     *TTLCache[string, []ApprovalRule]
	approvers *TTLCache[string, []Approver]
}

func NewEngine(store Store, opts Options) *Engine {
	e := &Engine{
		store:     store,
		log:       zerolog.Nop(),
		now:       time.Now,
		newID:     uuid.NewString,
		months:    MonthResolver{Fallback: opts.FallbackMonth},
		nameMatch: opts.NameMatch,
		rules:     opts.RuleCache,
		approvers: opts.ApproverCache,
	}
	if opts.Logger != nil {
		e.log = opts.Logger.With().Str("component", "accrual").Logger()
	}
	if opts.Clock != nil {
		e.now = opts.Clock
	}
	if opts.NewID != nil {
		e.newID = opts.NewID
	}
	if e.nameMatch == "" {
		e.nameMatch = NameMatchSubstring
	}
	ttl := opts.CacheTTL
	if ttl == 0 {
		ttl = DefaultCacheTTL
	}
	if e.rules == nil {
		e.rules = NewTTLCache[string, []ApprovalRule](ttl, e.now)
	}
	if e.approvers == nil {
		e.approvers = NewTTLCache[string, []Approver](ttl, e.now)
	}
	return e
}

// Store exposes the underlying store for wiring (ingestion, materializer).
func (e *Engine) Store() Store { return e.store }

// Logger returns the engine's logger.
func (e *Engine) Logger() zerolog.Logger { return e.log }

// ResolveMonth applies the fallback policy and logs when it was used.
func (e *Engine) ResolveMonth(label string) MonthResolution {
	res := e.months.Resolve(label)
	if res.FellBack {
		e.log.Warn().Err(res.Cause).Str("fallback", res.Window.MonthLabel).
			Msg("processing month unparsable, using fallback")
	}
	return res
}

// parseMonthStrict is used by write paths: a bad label is the caller's error.
func parseMonthStrict(label string) (ProcessingMonth, error) {
	m, err := ParseProcessingMonth(label)
	if err != nil {
		return ProcessingMonth{}, newValidation(CodeInvalidMonth, "processingMonth", "%v", err)
	}
	return m, nil
}

func (e *Engine) audit(ctx context.Context, entry AuditEntry) {
	entry.ID = e.newID()
	entry.Timestamp = e.now().UTC()
	if err := e.store.AppendAudit(ctx, entry); err != nil {
		e.log.Warn().Err(err).
			Str("action", string(entry.Action)).
			Str("entity_id", entry.EntityID).
			Msg("failed to append audit entry")
	}
}

// =============================================================================
// READ PATHS
// =============================================================================

// PeriodReport is the computed Period-category table for one month.
type PeriodReport struct {
	Window   MonthWindow
	FellBack bool
	Lines    []PeriodView
}

// PeriodLines computes every in-scope Period line for the month label.
func (e *Engine) PeriodLines(ctx context.Context, monthLabel string) (PeriodReport, error) {
	res := e.ResolveMonth(monthLabel)
	report := PeriodReport{Window: res.Window, FellBack: res.FellBack}

	lines, err := e.store.ListLines(ctx, LineFilter{Category: CategoryPeriod})
	if err != nil {
		return report, fmt.Errorf("list period lines: %w", err)
	}
	for _, line := range lines {
		in, err := loadInputs(ctx, e.store, line, res.Window)
		if err != nil {
			return report, err
		}
		v := ComputePeriodLine(in, res.Window)
		if v.InScope {
			report.Lines = append(report.Lines, v)
		}
	}
	return report, nil
}

// ActivityReport is the computed Activity-category table for one month.
type ActivityReport struct {
	Window   MonthWindow
	FellBack bool
	Lines    []ActivityView
}

// ActivityLines computes every Activity line for the month label.
func (e *Engine) ActivityLines(ctx context.Context, monthLabel string) (ActivityReport, error) {
	res := e.ResolveMonth(monthLabel)
	return e.activityLines(ctx, e.store, res)
}

func (e *Engine) activityLines(ctx context.Context, store Store, res MonthResolution) (ActivityReport, error) {
	report := ActivityReport{Window: res.Window, FellBack: res.FellBack}
	lines, err := store.ListLines(ctx, LineFilter{Category: CategoryActivity})
	if err != nil {
		return report, fmt.Errorf("list activity lines: %w", err)
	}
	for _, line := range lines {
		in, err := loadInputs(ctx, store, line, res.Window)
		if err != nil {
			return report, err
		}
		report.Lines = append(report.Lines, ComputeActivityLine(in, res.Window))
	}
	return report, nil
}

func loadInputs(ctx context.Context, store Store, line PoLine, w MonthWindow) (LineInputs, error) {
	in := LineInputs{Line: line}
	var err error
	if in.Grns, err = store.ListGrns(ctx, line.ID); err != nil {
		return in, fmt.Errorf("list grns for %s: %w", line.ID, err)
	}
	if in.Current, err = store.GetCalculation(ctx, line.ID, w.MonthLabel); err != nil {
		return in, fmt.Errorf("get calculation for %s: %w", line.ID, err)
	}
	if in.Previous, err = store.GetCalculation(ctx, line.ID, w.PrevMonthLabel); err != nil {
		return in, fmt.Errorf("get previous calculation for %s: %w", line.ID, err)
	}
	if line.Category != CategoryActivity {
		return in, nil
	}
	if in.Assignments, err = store.ListAssignments(ctx, line.ID); err != nil {
		return in, fmt.Errorf("list assignments for %s: %w", line.ID, err)
	}
	in.Responses = make(map[string]BusinessResponse, len(in.Assignments))
	for _, a := range in.Assignments {
		r, err := store.GetResponse(ctx, a.ID)
		if err != nil {
			return in, fmt.Errorf("get response for %s: %w", a.ID, err)
		}
		if r != nil {
			in.Responses[a.ID] = *r
		}
	}
	return in, nil
}

// =============================================================================
// ADJUSTMENTS
// =============================================================================

// AdjustmentEdit changes the true-up and/or remarks of one line for a month.
// Nil fields are left untouched.
type AdjustmentEdit struct {
	PoLineID           string
	ProcessingMonth    string
	CurrentMonthTrueUp *decimal.Decimal
	Remarks            *string
	Actor              string
}

// AdjustmentResult reports the stored figures after an edit.
type AdjustmentResult struct {
	Calculation    PeriodCalculation
	LineStatus     LineStatus
	FinalProvision *decimal.Decimal
	Reopened       bool // line moved from Recalled to Draft
}

// SaveAdjustment validates and stores a true-up/remarks edit. Editing a
// Recalled line moves it back to Draft in the same transaction.
func (e *Engine) SaveAdjustment(ctx context.Context, edit AdjustmentEdit) (AdjustmentResult, error) {
	month, err := parseMonthStrict(edit.ProcessingMonth)
	if err != nil {
		return AdjustmentResult{}, err
	}
	w := month.Window()

	var result AdjustmentResult
	err = e.store.WithTx(ctx, func(s Store) error {
		line, err := s.GetLine(ctx, edit.PoLineID)
		if err != nil {
			return err
		}
		in, err := loadInputs(ctx, s, line, w)
		if err != nil {
			return err
		}

		calc := PeriodCalculation{PoLineID: line.ID, ProcessingMonth: w.MonthLabel}
		if in.Current != nil {
			calc = *in.Current
		}
		calc.PrevMonthTrueUp, _, _ = adjustments(in)
		if edit.Remarks != nil {
			calc.Remarks = *edit.Remarks
		}
		if edit.CurrentMonthTrueUp != nil {
			calc.CurrentMonthTrueUp = *edit.CurrentMonthTrueUp
		}
		calc.UpdatedAt = e.now().UTC()
		in.Current = &calc

		base, final := provisionFor(in, w)
		if edit.CurrentMonthTrueUp != nil {
			if err := checkTrueUp(base, final, calc.CurrentMonthTrueUp); err != nil {
				return err
			}
		}
		if err := s.UpsertCalculation(ctx, calc); err != nil {
			return fmt.Errorf("upsert calculation: %w", err)
		}

		if line.Status == LineRecalled {
			line.Status = LineDraft
			line.UpdatedAt = e.now().UTC()
			if err := s.UpdateLine(ctx, line); err != nil {
				return fmt.Errorf("reopen line: %w", err)
			}
			result.Reopened = true
		}
		result.Calculation = calc
		result.LineStatus = line.Status
		result.FinalProvision = final
		return nil
	})
	if err != nil {
		return AdjustmentResult{}, err
	}

	e.audit(ctx, AuditEntry{
		ActorID: edit.Actor, Action: AuditAdjusted, EntityType: "po_line", EntityID: edit.PoLineID,
		Payload: map[string]any{
			"processing_month":      w.MonthLabel,
			"current_month_true_up": result.Calculation.CurrentMonthTrueUp.String(),
			"reopened":              result.Reopened,
		},
	})
	return result, nil
}

// provisionFor returns the pre-GRN base and the final provision for either
// category. Both are nil for an Activity line without a usable response.
func provisionFor(in LineInputs, w MonthWindow) (*decimal.Decimal, *decimal.Decimal) {
	if in.Line.Category == CategoryActivity {
		v := ComputeActivityLine(in, w)
		if v.Pending() {
			return nil, nil
		}
		base := activityBase(in.Line.NetAmount, *v.ProvisionPercent)
		return &base, v.FinalProvision
	}
	v := ComputePeriodLine(in, w)
	return &v.SuggestedProvision, &v.FinalProvision
}

// =============================================================================
// LINE MAINTENANCE
// =============================================================================

// ChangeCategory switches a line between Period and Activity. Moving to
// Period requires valid contract dates. Lines with a decision in flight
// cannot change category.
func (e *Engine) ChangeCategory(ctx context.Context, poLineID string, category Category, actor string) (PoLine, error) {
	if category != CategoryPeriod && category != CategoryActivity {
		return PoLine{}, newValidation(CodeInvalidCategory, "category", "unknown category %q", category)
	}

	var updated PoLine
	err := e.store.WithTx(ctx, func(s Store) error {
		line, err := s.GetLine(ctx, poLineID)
		if err != nil {
			return err
		}
		if line.Category == category {
			updated = line
			return nil
		}
		if line.Status == LineSubmitted || line.Status == LineApproved {
			return &TransitionError{Entity: "po_line", ID: line.ID, From: string(line.Status), Action: "change category of"}
		}
		if category == CategoryPeriod && !line.HasContractDates() {
			return newValidation(CodeMissingDates, "startDate",
				"line %s needs a valid start and end date to become a Period line", line.ID)
		}
		line.Category = category
		line.UpdatedAt = e.now().UTC()
		if err := s.UpdateLine(ctx, line); err != nil {
			return fmt.Errorf("update line: %w", err)
		}
		updated = line
		return nil
	})
	if err != nil {
		return PoLine{}, err
	}

	e.audit(ctx, AuditEntry{
		ActorID: actor, Action: AuditCategoryChanged, EntityType: "po_line", EntityID: poLineID,
		Payload: map[string]any{"category": string(category)},
	})
	return updated, nil
}

// BulkClear physically deletes lines and their dependents. Empty ids clears
// everything. This is the only path that deletes PO lines.
func (e *Engine) BulkClear(ctx context.Context, ids []string, actor string) (int, error) {
	var n int
	err := e.store.WithTx(ctx, func(s Store) error {
		var err error
		n, err = s.DeleteLines(ctx, ids)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("bulk clear: %w", err)
	}
	e.audit(ctx, AuditEntry{
		ActorID: actor, Action: AuditBulkCleared, EntityType: "po_line", EntityID: strings.Join(ids, ","),
		Payload: map[string]any{"deleted": n},
	})
	return n, nil
}

// GetLine returns one line.
func (e *Engine) GetLine(ctx context.Context, id string) (PoLine, error) {
	return e.store.GetLine(ctx, id)
}

// ListLines lists lines without computing anything.
func (e *Engine) ListLines(ctx context.Context, filter LineFilter) ([]PoLine, error) {
	return e.store.ListLines(ctx, filter)
}

// ListAudit returns recent audit entries.
func (e *Engine) ListAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	return e.store.ListAudit(ctx, filter)
}
