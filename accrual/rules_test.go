package accrual_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/accrual-engine/accrual"
)

func directory() []accrual.Approver {
	return []accrual.Approver{
		{ID: "ap-1", Name: "Alice Moreau", Email: "alice@corp.test", Active: true},
		{ID: "ap-2", Name: "Bob Alison", Email: "bob@corp.test", Active: true},
		{ID: "ap-3", Name: "Carol Diaz", Email: "carol@corp.test", Active: true},
	}
}

func ruleLine(id string, fields map[string]string) accrual.RuleLine {
	line := accrual.PoLine{ID: id, Category: accrual.CategoryPeriod, Status: accrual.LineDraft}
	rl := accrual.RuleLineFromPeriod(accrual.PeriodView{Line: line})
	for k, v := range fields {
		rl.Fields[normalize(k)] = v
	}
	return rl
}

// normalize mirrors the matcher's key folding for test data.
func normalize(k string) string {
	out := make([]rune, 0, len(k))
	for _, r := range k {
		switch {
		case r == '_' || r == '-' || r == ' ':
		case r >= 'A' && r <= 'Z':
			out = append(out, r+('a'-'A'))
		default:
			out = append(out, r)
		}
	}
	return string(out)
}

// =============================================================================
// PURE MATCHER
// =============================================================================

func TestEvaluateRules_CostCenterAutoAssign(t *testing.T) {
	// GIVEN: three lines on cost centers 4003, 4003 and 5000
	// WHEN: a rule "costCenter equals 4003 -> autoAssign" is evaluated
	// THEN: two lines match and every approver is suggested
	rules := []accrual.ApprovalRule{{
		ID: "r1", Name: "Marketing", Priority: 1, IsActive: true,
		Conditions: []accrual.Condition{{Field: "costCenter", Operator: accrual.OpEquals, Value: "4003"}},
		Actions:    []accrual.Action{{Type: accrual.ActionAutoAssign}},
	}}
	lines := []accrual.RuleLine{
		ruleLine("l1", map[string]string{"costCenter": "4003"}),
		ruleLine("l2", map[string]string{"costCenter": "4003"}),
		ruleLine("l3", map[string]string{"costCenter": "5000"}),
	}

	res := accrual.EvaluateRules(rules, lines, directory(), accrual.NameMatchSubstring)

	require.Len(t, res.Matches, 1)
	assert.Equal(t, 2, res.Matches[0].MatchingLineCount)
	assert.Equal(t, []string{"l1", "l2"}, res.Matches[0].MatchingLineIDs)
	assert.Equal(t, []string{"ap-1", "ap-2", "ap-3"}, res.SuggestedApproverIDs)
}

func TestEvaluateRules_Operators(t *testing.T) {
	line := ruleLine("l1", map[string]string{
		"vendor":         "Acme Cloud Services",
		"finalProvision": "2500",
		"glAccount":      "61200",
	})
	tests := []struct {
		name string
		cond accrual.Condition
		want bool
	}{
		{"equals ignores case", accrual.Condition{Field: "VENDOR", Operator: accrual.OpEquals, Value: "acme cloud services"}, true},
		{"notEquals", accrual.Condition{Field: "vendor", Operator: accrual.OpNotEquals, Value: "Other"}, true},
		{"contains", accrual.Condition{Field: "vendor", Operator: accrual.OpContains, Value: "cloud"}, true},
		{"startsWith", accrual.Condition{Field: "gl_account", Operator: accrual.OpStartsWith, Value: "612"}, true},
		{"greaterThan numeric", accrual.Condition{Field: "final-provision", Operator: accrual.OpGreaterThan, Value: 1000.0}, true},
		{"lessThan numeric", accrual.Condition{Field: "finalProvision", Operator: accrual.OpLessThan, Value: "1,000"}, false},
		{"between inclusive list", accrual.Condition{Field: "finalProvision", Operator: accrual.OpBetween, Value: []any{1000.0, 2500.0}}, true},
		{"between string reversed", accrual.Condition{Field: "finalProvision", Operator: accrual.OpBetween, Value: "3000,2000"}, true},
		{"missing field fails", accrual.Condition{Field: "costCenter", Operator: accrual.OpNotEquals, Value: "1"}, false},
		{"non-numeric field fails", accrual.Condition{Field: "vendor", Operator: accrual.OpGreaterThan, Value: 1.0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rules := []accrual.ApprovalRule{{
				ID: "r", Name: "r", IsActive: true,
				Conditions: []accrual.Condition{tt.cond},
				Actions:    []accrual.Action{{Type: accrual.ActionFlagForReview}},
			}}
			res := accrual.EvaluateRules(rules, []accrual.RuleLine{line}, nil, accrual.NameMatchSubstring)
			assert.Equal(t, tt.want, len(res.Matches) == 1)
		})
	}
}

func TestEvaluateRules_ApproverResolution(t *testing.T) {
	rule := func(refs ...string) []accrual.ApprovalRule {
		var actions []accrual.Action
		for _, r := range refs {
			actions = append(actions, accrual.Action{Type: accrual.ActionAssignTo, Value: r})
		}
		return []accrual.ApprovalRule{{ID: "r", Name: "r", IsActive: true, Actions: actions}}
	}
	lines := []accrual.RuleLine{ruleLine("l1", nil)}

	t.Run("id and email resolve exactly", func(t *testing.T) {
		res := accrual.EvaluateRules(rule("ap-3", "BOB@corp.test"), lines, directory(), accrual.NameMatchSubstring)
		require.Len(t, res.Matches, 1)
		assert.Equal(t, []string{"ap-2", "ap-3"}, res.Matches[0].SuggestedApproverIDs)
		assert.Empty(t, res.Matches[0].Ambiguous)
	})

	t.Run("substring name match reports ambiguity", func(t *testing.T) {
		res := accrual.EvaluateRules(rule("ali"), lines, directory(), accrual.NameMatchSubstring)
		require.Len(t, res.Matches, 1)
		m := res.Matches[0]
		assert.Equal(t, []string{"ap-1"}, m.SuggestedApproverIDs)
		require.Len(t, m.Ambiguous, 1)
		assert.Equal(t, []string{"ap-1", "ap-2"}, m.Ambiguous[0].CandidateIDs)
	})

	t.Run("exact policy needs the full name", func(t *testing.T) {
		res := accrual.EvaluateRules(rule("ali", "carol diaz"), lines, directory(), accrual.NameMatchExact)
		require.Len(t, res.Matches, 1)
		assert.Equal(t, []string{"ap-3"}, res.Matches[0].SuggestedApproverIDs)
		assert.Equal(t, []string{"ali"}, res.Matches[0].Unresolved)
	})
}

func TestEvaluateRules_PriorityScopeAndInactive(t *testing.T) {
	rules := []accrual.ApprovalRule{
		{ID: "late", Name: "late", Priority: 5, IsActive: true, Actions: []accrual.Action{{Type: accrual.ActionSetStatus, Value: "review"}}},
		{ID: "off", Name: "off", Priority: 0, IsActive: false, Actions: []accrual.Action{{Type: accrual.ActionAutoAssign}}},
		{ID: "early", Name: "early", Priority: 1, IsActive: true, Actions: []accrual.Action{{Type: accrual.ActionFlagForReview}}},
		{ID: "activity-only", Name: "a", Priority: 2, IsActive: true, AppliesTo: "Activity", Actions: []accrual.Action{{Type: accrual.ActionAutoAssign}}},
	}
	res := accrual.EvaluateRules(rules, []accrual.RuleLine{ruleLine("l1", nil)}, directory(), accrual.NameMatchSubstring)

	require.Len(t, res.Matches, 2)
	assert.Equal(t, "early", res.Matches[0].RuleID)
	assert.Equal(t, "late", res.Matches[1].RuleID)
	assert.Equal(t, "review", res.Matches[1].SuggestedStatus)
	assert.Equal(t, []string{"l1"}, res.FlaggedLineIDs)
	assert.Empty(t, res.SuggestedApproverIDs)
}

func TestValidateRule(t *testing.T) {
	valid := accrual.ApprovalRule{
		Name:       "big spend",
		Conditions: []accrual.Condition{{Field: "netAmount", Operator: accrual.OpBetween, Value: "1000,5000"}},
		Actions:    []accrual.Action{{Type: accrual.ActionRequireApproval, Value: "ap-1"}},
	}
	require.NoError(t, accrual.ValidateRule(valid))

	broken := map[string]func(r *accrual.ApprovalRule){
		"no name":         func(r *accrual.ApprovalRule) { r.Name = " " },
		"bad operator":    func(r *accrual.ApprovalRule) { r.Conditions[0].Operator = "like" },
		"one bound":       func(r *accrual.ApprovalRule) { r.Conditions[0].Value = "1000" },
		"no actions":      func(r *accrual.ApprovalRule) { r.Actions = nil },
		"unknown action":  func(r *accrual.ApprovalRule) { r.Actions[0].Type = "email" },
		"assign no value": func(r *accrual.ApprovalRule) { r.Actions[0].Value = "" },
	}
	for name, mutate := range broken {
		t.Run(name, func(t *testing.T) {
			r := valid
			r.Conditions = append([]accrual.Condition(nil), valid.Conditions...)
			r.Actions = append([]accrual.Action(nil), valid.Actions...)
			mutate(&r)
			err := accrual.ValidateRule(r)
			var verr *accrual.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, accrual.CodeInvalidRule, verr.Code)
		})
	}
}

// =============================================================================
// ENGINE: MATCH, SAVE, CACHE
// =============================================================================

func TestMatchRules_UsesComputedFigures(t *testing.T) {
	f := newFixture(t)
	small := f.addPeriodLine(t, "PO-1", "1000")
	big := f.addPeriodLine(t, "PO-2", "90000")
	_, err := f.engine.SaveApprover(f.ctx, accrual.Approver{ID: "ap-1", Name: "Alice Moreau", Active: true})
	require.NoError(t, err)
	_, err = f.engine.SaveRule(f.ctx, accrual.ApprovalRule{
		Name: "large accruals", IsActive: true,
		Conditions: []accrual.Condition{{Field: "finalProvision", Operator: accrual.OpGreaterThan, Value: 10000.0}},
		Actions:    []accrual.Action{{Type: accrual.ActionAssignTo, Value: "alice"}},
	}, "admin")
	require.NoError(t, err)

	res, err := f.engine.MatchRules(f.ctx, accrual.MatchRequest{
		PoLineIDs: []string{small.ID, big.ID}, ProcessingMonth: "Feb 2026",
	})
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, []string{big.ID}, res.Matches[0].MatchingLineIDs)
	assert.Equal(t, []string{"ap-1"}, res.SuggestedApproverIDs)

	_, err = f.engine.MatchRules(f.ctx, accrual.MatchRequest{PoLineIDs: []string{"nope"}})
	assert.True(t, accrual.IsNotFound(err))
	_, err = f.engine.MatchRules(f.ctx, accrual.MatchRequest{})
	requireCode(t, err, accrual.CodeMissingLines)
}

func TestMatchRules_CacheExpiresAndInvalidates(t *testing.T) {
	// GIVEN: rules read once through the cache
	// WHEN: a rule is written behind the engine's back
	// THEN: it is only seen after the TTL; engine writes invalidate at once
	f := newFixture(t)
	line := f.addPeriodLine(t, "PO-1", "90000")
	req := accrual.MatchRequest{PoLineIDs: []string{line.ID}, ProcessingMonth: "Feb 2026"}

	res, err := f.engine.MatchRules(f.ctx, req)
	require.NoError(t, err)
	assert.Empty(t, res.Matches)

	require.NoError(t, f.store.SaveRule(f.ctx, accrual.ApprovalRule{
		ID: "direct", Name: "direct", IsActive: true, Actions: []accrual.Action{{Type: accrual.ActionFlagForReview}},
	}))
	res, err = f.engine.MatchRules(f.ctx, req)
	require.NoError(t, err)
	assert.Empty(t, res.Matches, "cached rules still served")

	f.clock.Advance(accrual.DefaultCacheTTL + time.Second)
	res, err = f.engine.MatchRules(f.ctx, req)
	require.NoError(t, err)
	assert.Len(t, res.Matches, 1)

	require.NoError(t, f.engine.DeleteRule(f.ctx, "direct", "admin"))
	res, err = f.engine.MatchRules(f.ctx, req)
	require.NoError(t, err)
	assert.Empty(t, res.Matches)
}

func TestSaveRule(t *testing.T) {
	f := newFixture(t)
	rule := accrual.ApprovalRule{
		Name: "flag vendors", IsActive: true,
		Conditions: []accrual.Condition{{Field: "vendor", Operator: accrual.OpContains, Value: "acme"}},
		Actions:    []accrual.Action{{Type: accrual.ActionFlagForReview}},
	}

	saved, err := f.engine.SaveRule(f.ctx, rule, "admin")
	require.NoError(t, err)
	require.NotEmpty(t, saved.ID)
	created := saved.CreatedAt

	f.clock.Advance(time.Hour)
	saved.Priority = 3
	updated, err := f.engine.SaveRule(f.ctx, saved, "admin")
	require.NoError(t, err)
	assert.True(t, updated.CreatedAt.Equal(created))
	assert.True(t, updated.UpdatedAt.After(created))

	got, err := f.engine.GetRule(f.ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Priority)

	_, err = f.engine.SaveRule(f.ctx, accrual.ApprovalRule{Name: "x"}, "admin")
	requireCode(t, err, accrual.CodeInvalidRule)

	err = f.engine.DeleteRule(f.ctx, "missing", "admin")
	assert.True(t, accrual.IsNotFound(err))
}

func TestApprovers_DirectoryCacheInvalidatedOnSave(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.SaveApprover(f.ctx, accrual.Approver{ID: "ap-2", Name: "bob", Active: true})
	require.NoError(t, err)

	list, err := f.engine.ListApprovers(f.ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = f.engine.SaveApprover(f.ctx, accrual.Approver{Name: "Alice", Active: true})
	require.NoError(t, err)
	list, err = f.engine.ListApprovers(f.ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Alice", list[0].Name)

	_, err = f.engine.SaveApprover(f.ctx, accrual.Approver{Name: "  "})
	assert.Error(t, err)
}

func TestParseNameMatchPolicy(t *testing.T) {
	p, ok := accrual.ParseNameMatchPolicy(" EXACT ")
	assert.True(t, ok)
	assert.Equal(t, accrual.NameMatchExact, p)

	p, ok = accrual.ParseNameMatchPolicy("")
	assert.True(t, ok)
	assert.Equal(t, accrual.NameMatchSubstring, p)

	_, ok = accrual.ParseNameMatchPolicy("fuzzy")
	assert.False(t, ok)
}
