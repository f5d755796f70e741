package sqldb_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/accrual-engine/accrual"
	"github.com/warp/accrual-engine/store/sqldb"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestStore(t *testing.T) *sqldb.Store {
	t.Helper()
	st, err := sqldb.New(sqldb.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

var t0 = time.Date(2026, time.February, 3, 9, 30, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func day(y int, m time.Month, d int) *time.Time {
	t := accrual.Date(y, m, d)
	return &t
}

func seedLine(t *testing.T, st accrual.Store, id, po string) accrual.PoLine {
	t.Helper()
	line, created, err := st.UpsertLine(context.Background(), accrual.PoLine{
		ID: id, PONumber: po, LineNumber: "10", Vendor: "Acme", NetAmount: dec("120000"),
		CostCenter: "CC-100", StartDate: day(2026, time.January, 1), EndDate: day(2026, time.December, 31),
		Category: accrual.CategoryPeriod, Status: accrual.LineDraft, CreatedAt: t0, UpdatedAt: t0,
	})
	require.NoError(t, err)
	require.True(t, created)
	return line
}

// =============================================================================
// LINES
// =============================================================================

func TestUpsertLine_PreservesIdentityAndStatus(t *testing.T) {
	// GIVEN: a stored line that has moved to Submitted
	// WHEN: the same business key is uploaded again with a new id
	// THEN: id and status are kept, mutable fields are refreshed
	st := newTestStore(t)
	ctx := context.Background()
	line := seedLine(t, st, "line-1", "PO-1")
	line.Status = accrual.LineSubmitted
	require.NoError(t, st.UpdateLine(ctx, line))

	again, created, err := st.UpsertLine(ctx, accrual.PoLine{
		ID: "line-other", PONumber: "PO-1", LineNumber: "10", Vendor: "Acme Ltd", NetAmount: dec("150000"),
		Category: accrual.CategoryPeriod, Status: accrual.LineDraft, CreatedAt: t0, UpdatedAt: t0,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "line-1", again.ID)
	assert.Equal(t, accrual.LineSubmitted, again.Status)
	assert.Equal(t, "Acme Ltd", again.Vendor)
	assert.True(t, again.NetAmount.Equal(dec("150000")))
	assert.Nil(t, again.StartDate, "dates follow the latest upload")
}

func TestUpsertLine_EmptyCategoryKeepsStored(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	line := seedLine(t, st, "line-1", "PO-1")
	line.Category = accrual.CategoryActivity
	require.NoError(t, st.UpdateLine(ctx, line))

	again, _, err := st.UpsertLine(ctx, accrual.PoLine{
		ID: "line-other", PONumber: "PO-1", LineNumber: "10", NetAmount: dec("1"),
		Status: accrual.LineDraft, CreatedAt: t0, UpdatedAt: t0,
	})
	require.NoError(t, err)
	assert.Equal(t, accrual.CategoryActivity, again.Category)

	fresh, created, err := st.UpsertLine(ctx, accrual.PoLine{
		ID: "line-2", PONumber: "PO-2", LineNumber: "10", NetAmount: dec("1"),
		Status: accrual.LineDraft, CreatedAt: t0, UpdatedAt: t0,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, accrual.CategoryPeriod, fresh.Category)
}

func TestGetLine_RoundTripsDatesAndAmounts(t *testing.T) {
	st := newTestStore(t)
	seedLine(t, st, "line-1", "PO-1")

	got, err := st.GetLine(context.Background(), "line-1")
	require.NoError(t, err)
	require.NotNil(t, got.StartDate)
	assert.True(t, got.StartDate.Equal(accrual.Date(2026, time.January, 1)))
	assert.True(t, got.EndDate.Equal(accrual.Date(2026, time.December, 31)))
	assert.True(t, got.NetAmount.Equal(dec("120000")))
	assert.True(t, got.CreatedAt.Equal(t0))

	_, err = st.GetLine(context.Background(), "missing")
	assert.True(t, accrual.IsNotFound(err))
}

func TestListLines_FiltersByCategoryAndIDs(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedLine(t, st, "line-1", "PO-1")
	l2 := seedLine(t, st, "line-2", "PO-2")
	l2.Category = accrual.CategoryActivity
	require.NoError(t, st.UpdateLine(ctx, l2))

	activity, err := st.ListLines(ctx, accrual.LineFilter{Category: accrual.CategoryActivity})
	require.NoError(t, err)
	require.Len(t, activity, 1)
	assert.Equal(t, "line-2", activity[0].ID)

	byID, err := st.ListLines(ctx, accrual.LineFilter{IDs: []string{"line-1", "nope"}})
	require.NoError(t, err)
	require.Len(t, byID, 1)
	assert.Equal(t, "line-1", byID[0].ID)
}

func TestDeleteLines_RemovesDependents(t *testing.T) {
	// GIVEN: a line with a GRN, a calculation and a pending submission
	// WHEN: it is bulk cleared
	// THEN: nothing referencing it is left
	st := newTestStore(t)
	ctx := context.Background()
	seedLine(t, st, "line-1", "PO-1")
	seedLine(t, st, "line-2", "PO-2")

	_, err := st.ReplaceGrn(ctx, accrual.GrnTransaction{ID: "g1", PoLineID: "line-1",
		Date: accrual.Date(2026, time.February, 10), DocumentNumber: "D1", Value: dec("100"), CreatedAt: t0})
	require.NoError(t, err)
	require.NoError(t, st.UpsertCalculation(ctx, accrual.PeriodCalculation{PoLineID: "line-1",
		ProcessingMonth: "Feb 2026", UpdatedAt: t0}))
	_, err = st.CreateSubmission(ctx, accrual.ApprovalSubmission{ID: "s1", PoLineID: "line-1",
		Category: accrual.CategoryPeriod, Status: accrual.SubmissionPending, ProcessingMonth: "Feb 2026",
		ApproverIDs: []string{"a1"}, SubmittedAt: t0})
	require.NoError(t, err)

	n, err := st.DeleteLines(ctx, []string{"line-1", "unknown"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	grns, err := st.ListGrns(ctx, "line-1")
	require.NoError(t, err)
	assert.Empty(t, grns)
	calc, err := st.GetCalculation(ctx, "line-1", "Feb 2026")
	require.NoError(t, err)
	assert.Nil(t, calc)
	subs, err := st.ListSubmissions(ctx, accrual.SubmissionFilter{PoLineID: "line-1"})
	require.NoError(t, err)
	assert.Empty(t, subs)

	// Empty ids clears everything that is left.
	n, err = st.DeleteLines(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// =============================================================================
// GRN AND CALCULATIONS
// =============================================================================

func TestReplaceGrn_ReplacesByDocumentAndAdvancesSequence(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedLine(t, st, "line-1", "PO-1")

	first, err := st.ReplaceGrn(ctx, accrual.GrnTransaction{ID: "g1", PoLineID: "line-1",
		Date: accrual.Date(2026, time.February, 10), DocumentNumber: "D1", Value: dec("100"), CreatedAt: t0})
	require.NoError(t, err)
	second, err := st.ReplaceGrn(ctx, accrual.GrnTransaction{ID: "g2", PoLineID: "line-1",
		Date: accrual.Date(2026, time.February, 10), DocumentNumber: "D1", Value: dec("250"), CreatedAt: t0})
	require.NoError(t, err)
	assert.Greater(t, second.Seq, first.Seq)

	grns, err := st.ListGrns(ctx, "line-1")
	require.NoError(t, err)
	require.Len(t, grns, 1)
	assert.Equal(t, "g2", grns[0].ID)
	assert.True(t, grns[0].Value.Equal(dec("250")))
	assert.True(t, grns[0].Date.Equal(accrual.Date(2026, time.February, 10)))
}

func TestCalculation_UpsertAndMissing(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedLine(t, st, "line-1", "PO-1")

	missing, err := st.GetCalculation(ctx, "line-1", "Feb 2026")
	require.NoError(t, err)
	assert.Nil(t, missing)

	final := dec("4500")
	calc := accrual.PeriodCalculation{PoLineID: "line-1", ProcessingMonth: "Feb 2026",
		PrevMonthTrueUp: dec("-200"), CurrentMonthTrueUp: dec("300"), Remarks: "late invoice", UpdatedAt: t0}
	require.NoError(t, st.UpsertCalculation(ctx, calc))
	calc.ActivityFinalProvision = &final
	calc.Remarks = "revised"
	require.NoError(t, st.UpsertCalculation(ctx, calc))

	got, err := st.GetCalculation(ctx, "line-1", "Feb 2026")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "revised", got.Remarks)
	assert.True(t, got.PrevMonthTrueUp.Equal(dec("-200")))
	require.NotNil(t, got.ActivityFinalProvision)
	assert.True(t, got.ActivityFinalProvision.Equal(final))

	all, err := st.ListCalculations(ctx, "Feb 2026")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// =============================================================================
// UNIQUENESS
// =============================================================================

func TestCreateSubmission_OnePendingPerLineAndMonth(t *testing.T) {
	// GIVEN: a Pending submission for Feb 2026
	// WHEN: another Pending submission is created for the same line and month
	// THEN: it is not inserted; once the first is decided a new one is allowed
	st := newTestStore(t)
	ctx := context.Background()
	seedLine(t, st, "line-1", "PO-1")

	sub := accrual.ApprovalSubmission{ID: "s1", PoLineID: "line-1", Category: accrual.CategoryPeriod,
		Status: accrual.SubmissionPending, ProcessingMonth: "Feb 2026", ApproverIDs: []string{"a1", "a2"}, SubmittedAt: t0}
	created, err := st.CreateSubmission(ctx, sub)
	require.NoError(t, err)
	assert.True(t, created)

	dup := sub
	dup.ID = "s2"
	created, err = st.CreateSubmission(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)

	sub.Status = accrual.SubmissionApproved
	sub.DecidedBy = "a1"
	sub.DecidedAt = &t0
	require.NoError(t, st.UpdateSubmission(ctx, sub))

	created, err = st.CreateSubmission(ctx, dup)
	require.NoError(t, err)
	assert.True(t, created)

	got, err := st.GetSubmission(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, got.ApproverIDs)
	assert.Equal(t, accrual.SubmissionApproved, got.Status)

	pending, err := st.FindPendingSubmission(ctx, "line-1", "Feb 2026")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, "s2", pending.ID)
}

func TestCreateAssignment_OneActivePerAssignee(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedLine(t, st, "line-1", "PO-1")

	a := accrual.ActivityAssignment{ID: "as1", PoLineID: "line-1", AssigneeID: "u1",
		Status: accrual.AssignmentAssigned, IsPrimary: true, CreatedAt: t0, UpdatedAt: t0}
	require.NoError(t, st.CreateAssignment(ctx, a))

	dup := a
	dup.ID = "as2"
	err := st.CreateAssignment(ctx, dup)
	assert.ErrorIs(t, err, accrual.ErrDuplicateAssignment)

	a.Status = accrual.AssignmentRecalled
	a.IsPrimary = false
	require.NoError(t, st.UpdateAssignment(ctx, a))
	require.NoError(t, st.CreateAssignment(ctx, dup))

	list, err := st.ListAssignments(ctx, "line-1")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestDeleteAssignment_RemovesResponse(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedLine(t, st, "line-1", "PO-1")
	require.NoError(t, st.CreateAssignment(ctx, accrual.ActivityAssignment{ID: "as1", PoLineID: "line-1",
		AssigneeID: "u1", Status: accrual.AssignmentResponded, CreatedAt: t0, UpdatedAt: t0}))
	pct := dec("40")
	require.NoError(t, st.UpsertResponse(ctx, accrual.BusinessResponse{AssignmentID: "as1",
		ProvisionPercent: &pct, RespondedBy: "u1", RespondedAt: t0}))

	r, err := st.GetResponse(ctx, "as1")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Nil(t, r.ProvisionAmount)
	assert.True(t, r.ProvisionPercent.Equal(pct))

	require.NoError(t, st.DeleteAssignment(ctx, "as1"))
	r, err = st.GetResponse(ctx, "as1")
	require.NoError(t, err)
	assert.Nil(t, r)

	assert.True(t, accrual.IsNotFound(st.DeleteAssignment(ctx, "as1")))
}

func TestCreateForm_DuplicateIDIsReported(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	form := accrual.NonPoForm{ID: "f1", Title: "Consulting", EstimatedAmount: dec("5000"),
		ProcessingMonth: "Feb 2026", CreatedAt: t0}
	require.NoError(t, st.CreateForm(ctx, form))
	err := st.CreateForm(ctx, form)
	assert.ErrorIs(t, err, sqldb.ErrDuplicateKey)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestWithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: a transaction that updates a line and then fails
	// THEN: the update is not visible afterwards
	st := newTestStore(t)
	ctx := context.Background()
	seedLine(t, st, "line-1", "PO-1")

	boom := errors.New("boom")
	err := st.WithTx(ctx, func(s accrual.Store) error {
		line, err := s.GetLine(ctx, "line-1")
		if err != nil {
			return err
		}
		line.Status = accrual.LineApproved
		if err := s.UpdateLine(ctx, line); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	line, err := st.GetLine(ctx, "line-1")
	require.NoError(t, err)
	assert.Equal(t, accrual.LineDraft, line.Status)
}

// =============================================================================
// RULES, APPROVERS, AUDIT
// =============================================================================

func TestSaveRule_RoundTripsConditionsAndActions(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	rule := accrual.ApprovalRule{
		ID: "r1", Name: "Large IT spend", Priority: 2, IsActive: true, AppliesTo: "all",
		Conditions: []accrual.Condition{
			{Field: "costCenter", Operator: accrual.OpEquals, Value: "CC-100"},
			{Field: "netAmount", Operator: accrual.OpBetween, Value: []any{1000.0, 5000.0}},
		},
		Actions:   []accrual.Action{{Type: accrual.ActionAssignTo, Value: "Alice"}},
		CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, st.SaveRule(ctx, rule))
	require.NoError(t, st.SaveRule(ctx, accrual.ApprovalRule{ID: "r0", Name: "First", Priority: 1,
		Actions: []accrual.Action{{Type: accrual.ActionFlagForReview}}, CreatedAt: t0, UpdatedAt: t0}))

	got, err := st.GetRule(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, rule.Conditions[0], got.Conditions[0])
	assert.Equal(t, []any{1000.0, 5000.0}, got.Conditions[1].Value)
	assert.Equal(t, rule.Actions, got.Actions)
	assert.True(t, got.IsActive)

	rules, err := st.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "r0", rules[0].ID)

	require.NoError(t, st.DeleteRule(ctx, "r0"))
	assert.True(t, accrual.IsNotFound(st.DeleteRule(ctx, "r0")))
}

func TestListApprovers_ActiveOnlyOrderedByName(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.SaveApprover(ctx, accrual.Approver{ID: "a2", Name: "bob", Active: true}))
	require.NoError(t, st.SaveApprover(ctx, accrual.Approver{ID: "a1", Name: "Alice", Active: true}))
	require.NoError(t, st.SaveApprover(ctx, accrual.Approver{ID: "a3", Name: "Carol", Active: false}))

	list, err := st.ListApprovers(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a1", list[0].ID)
	assert.Equal(t, "a2", list[1].ID)
}

func TestListAudit_NewestFirstWithLimit(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	for i, action := range []accrual.AuditAction{accrual.AuditSubmitted, accrual.AuditApproved, accrual.AuditNudged} {
		require.NoError(t, st.AppendAudit(ctx, accrual.AuditEntry{
			ID: uuid.NewString(), Timestamp: t0.Add(time.Duration(i) * time.Minute), ActorID: "u1",
			Action: action, EntityType: "submission", EntityID: "s1",
			Payload: map[string]any{"n": i},
		}))
	}

	entries, err := st.ListAudit(ctx, accrual.AuditFilter{EntityID: "s1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, accrual.AuditNudged, entries[0].Action)
	assert.Equal(t, accrual.AuditApproved, entries[1].Action)
	assert.Equal(t, 2.0, entries[0].Payload["n"])
}

// =============================================================================
// ENGINE ON SQLITE
// =============================================================================

func TestEngine_DoubleSubmitCreatesOneSubmission(t *testing.T) {
	// GIVEN: an engine backed by SQLite
	// WHEN: the same line is submitted twice for the same month
	// THEN: exactly one Pending submission exists
	st := newTestStore(t)
	ctx := context.Background()
	seedLine(t, st, "line-1", "PO-1")
	engine := accrual.NewEngine(st, accrual.Options{Clock: func() time.Time { return t0 }})

	req := accrual.SubmitRequest{PoLineIDs: []string{"line-1"}, ApproverIDs: []string{"a1"},
		SubmittedBy: "fin-1", ProcessingMonth: "Feb 2026"}
	first, err := engine.SubmitForApproval(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Affected())

	second, err := engine.SubmitForApproval(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Affected())
	assert.Equal(t, []string{"line-1"}, second.Skipped)

	subs, err := st.ListSubmissions(ctx, accrual.SubmissionFilter{PoLineID: "line-1", Status: accrual.SubmissionPending})
	require.NoError(t, err)
	assert.Len(t, subs, 1)

	audit, err := engine.ListAudit(ctx, accrual.AuditFilter{ActorID: "fin-1"})
	require.NoError(t, err)
	assert.Len(t, audit, 1)
}

// =============================================================================
// POSTGRESQL
// =============================================================================

func TestPostgres_Smoke(t *testing.T) {
	dsn := os.Getenv("ACCRUAL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ACCRUAL_TEST_POSTGRES_DSN not set")
	}
	st, err := sqldb.New(sqldb.DriverPostgres, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()

	id := uuid.NewString()
	seedLine(t, st, id, "PO-"+id)

	sub := accrual.ApprovalSubmission{ID: uuid.NewString(), PoLineID: id, Category: accrual.CategoryPeriod,
		Status: accrual.SubmissionPending, ProcessingMonth: "Feb 2026", ApproverIDs: []string{"a1"}, SubmittedAt: t0}
	created, err := st.CreateSubmission(ctx, sub)
	require.NoError(t, err)
	assert.True(t, created)

	// The duplicate must not poison the surrounding transaction.
	err = st.WithTx(ctx, func(s accrual.Store) error {
		dup := sub
		dup.ID = uuid.NewString()
		created, err := s.CreateSubmission(ctx, dup)
		if err != nil {
			return err
		}
		assert.False(t, created)
		_, err = s.GetLine(ctx, id)
		return err
	})
	require.NoError(t, err)

	n, err := st.DeleteLines(ctx, []string{id})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
