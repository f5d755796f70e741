/*
rules.go - Approver suggestion rules

PURPOSE:
  Evaluates admin-defined rules against a batch of lines (enriched with the
  month's computed figures) and suggests approvers. The output is only a
  pre-selection; a person always makes the final choice.

MATCHING:
  - Rules run in priority order; inactive rules are skipped.
  - Conditions are AND-combined. No conditions matches every line.
  - A field missing from the line (or empty) fails its condition.
  - Field names ignore case, underscores, dashes and spaces.
  - equals/notEquals/contains/startsWith compare strings case-insensitively.
  - greaterThan/lessThan/between parse both sides as numbers; between is
    inclusive and takes "lo,hi" or a two-element list.

APPROVER RESOLUTION (assignTo, requireApproval):
  1. exact id, then exact email
  2. name, per NameMatchPolicy: substring (default) or exact
  When several names match, the first in directory order wins and the
  reference is reported in RuleMatch.Ambiguous.

CACHING:
  Rules and the approver directory are read through TTL caches held by the
  Engine. Saving or deleting either invalidates the cache.
*/
package accrual

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// NameMatchPolicy controls how a free-text approver reference is matched
// against approver names.
type NameMatchPolicy string

const (
	NameMatchSubstring NameMatchPolicy = "substring"
	NameMatchExact     NameMatchPolicy = "exact"
)

func ParseNameMatchPolicy(s string) (NameMatchPolicy, bool) {
	switch NameMatchPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case NameMatchSubstring, "":
		return NameMatchSubstring, true
	case NameMatchExact:
		return NameMatchExact, true
	}
	return "", false
}

// =============================================================================
// RULE INPUT
// =============================================================================

// RuleLine is a line flattened into comparable fields. Keys are normalized
// with normalizeKey; absent keys are missing values.
type RuleLine struct {
	ID       string
	Category Category
	Fields   map[string]string
}

func baseFields(line PoLine) map[string]string {
	f := map[string]string{}
	set := func(k, v string) {
		if strings.TrimSpace(v) != "" {
			f[normalizeKey(k)] = v
		}
	}
	set("poNumber", line.PONumber)
	set("lineNumber", line.LineNumber)
	set("vendor", line.Vendor)
	set("description", line.Description)
	set("netAmount", line.NetAmount.String())
	set("glAccount", line.GLAccount)
	set("costCenter", line.CostCenter)
	set("category", string(line.Category))
	set("status", string(line.Status))
	if line.StartDate != nil {
		set("startDate", line.StartDate.Format("2006-01-02"))
	}
	if line.EndDate != nil {
		set("endDate", line.EndDate.Format("2006-01-02"))
	}
	return f
}

// RuleLineFromPeriod flattens a computed Period row.
func RuleLineFromPeriod(v PeriodView) RuleLine {
	f := baseFields(v.Line)
	f[normalizeKey("suggestedProvision")] = v.SuggestedProvision.String()
	f[normalizeKey("prevProvision")] = v.PrevProvision.String()
	f[normalizeKey("finalProvision")] = v.FinalProvision.String()
	f[normalizeKey("currentMonthTrueUp")] = v.CurrentMonthTrueUp.String()
	f[normalizeKey("prevMonthTrueUp")] = v.PrevMonthTrueUp.String()
	f[normalizeKey("currentDays")] = strconv.Itoa(v.CurrentDays)
	f[normalizeKey("totalDays")] = strconv.Itoa(v.TotalDays)
	f[normalizeKey("grnValue")] = v.LatestGrn.Value.String()
	if v.Remarks != "" {
		f[normalizeKey("remarks")] = v.Remarks
	}
	return RuleLine{ID: v.Line.ID, Category: v.Line.Category, Fields: f}
}

// RuleLineFromActivity flattens a computed Activity row. Pending lines carry
// no finalProvision field.
func RuleLineFromActivity(v ActivityView) RuleLine {
	f := baseFields(v.Line)
	f[normalizeKey("currentMonthTrueUp")] = v.CurrentMonthTrueUp.String()
	f[normalizeKey("prevMonthTrueUp")] = v.PrevMonthTrueUp.String()
	f[normalizeKey("grnValue")] = v.LatestGrn.Value.String()
	if v.FinalProvision != nil {
		f[normalizeKey("finalProvision")] = v.FinalProvision.String()
	}
	if v.ProvisionPercent != nil {
		f[normalizeKey("provisionPercent")] = v.ProvisionPercent.String()
	}
	if v.Remarks != "" {
		f[normalizeKey("remarks")] = v.Remarks
	}
	return RuleLine{ID: v.Line.ID, Category: v.Line.Category, Fields: f}
}

func normalizeKey(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch r {
		case '_', '-', ' ':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// =============================================================================
// RULE OUTPUT
// =============================================================================

type AmbiguousReference struct {
	Reference    string
	ChosenID     string
	CandidateIDs []string
}

// RuleMatch is one rule's diagnostics.
type RuleMatch struct {
	RuleID               string
	RuleName             string
	Priority             int
	MatchingLineCount    int
	MatchingLineIDs      []string
	SuggestedApproverIDs []string
	FlagForReview        bool
	SuggestedStatus      string
	Unresolved           []string
	Ambiguous            []AmbiguousReference
}

type MatchResult struct {
	Matches              []RuleMatch
	SuggestedApproverIDs []string
	FlaggedLineIDs       []string
}

// =============================================================================
// EVALUATION
// =============================================================================

// EvaluateRules is the pure matcher.
func EvaluateRules(rules []ApprovalRule, lines []RuleLine, approvers []Approver, policy NameMatchPolicy) MatchResult {
	ordered := append([]ApprovalRule(nil), rules...)
	sortRules(ordered)

	union := map[string]bool{}
	flagged := map[string]bool{}
	result := MatchResult{}

	for _, rule := range ordered {
		if !rule.IsActive {
			continue
		}
		var matched []string
		for _, line := range lines {
			if ruleApplies(rule, line) && conditionsHold(rule.Conditions, line.Fields) {
				matched = append(matched, line.ID)
			}
		}
		if len(matched) == 0 {
			continue
		}

		rm := RuleMatch{
			RuleID:            rule.ID,
			RuleName:          rule.Name,
			Priority:          rule.Priority,
			MatchingLineCount: len(matched),
			MatchingLineIDs:   matched,
		}
		suggested := map[string]bool{}
		for _, act := range rule.Actions {
			switch act.Type {
			case ActionAutoAssign:
				for _, a := range approvers {
					suggested[a.ID] = true
				}
			case ActionAssignTo, ActionRequireApproval:
				res := resolveApprover(act.Value, approvers, policy)
				if res.id == "" {
					rm.Unresolved = append(rm.Unresolved, act.Value)
					continue
				}
				suggested[res.id] = true
				if len(res.candidates) > 1 {
					rm.Ambiguous = append(rm.Ambiguous, AmbiguousReference{
						Reference: act.Value, ChosenID: res.id, CandidateIDs: res.candidates,
					})
				}
			case ActionFlagForReview:
				rm.FlagForReview = true
				for _, id := range matched {
					flagged[id] = true
				}
			case ActionSetStatus:
				rm.SuggestedStatus = act.Value
			}
		}
		rm.SuggestedApproverIDs = sortedKeys(suggested)
		for id := range suggested {
			union[id] = true
		}
		result.Matches = append(result.Matches, rm)
	}

	result.SuggestedApproverIDs = sortedKeys(union)
	result.FlaggedLineIDs = sortedKeys(flagged)
	return result
}

func sortRules(rules []ApprovalRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}

func ruleApplies(rule ApprovalRule, line RuleLine) bool {
	switch scope := normalizeKey(rule.AppliesTo); scope {
	case "", "all", "any", "*":
		return true
	default:
		return scope == normalizeKey(string(line.Category))
	}
}

func conditionsHold(conds []Condition, fields map[string]string) bool {
	for _, c := range conds {
		if !evalCondition(c, fields) {
			return false
		}
	}
	return true
}

func evalCondition(c Condition, fields map[string]string) bool {
	raw, ok := fields[normalizeKey(c.Field)]
	if !ok {
		return false
	}
	got := strings.ToLower(strings.TrimSpace(raw))
	want := strings.ToLower(strings.TrimSpace(valueString(c.Value)))

	switch c.Operator {
	case OpEquals:
		return got == want
	case OpNotEquals:
		return got != want
	case OpContains:
		return strings.Contains(got, want)
	case OpStartsWith:
		return strings.HasPrefix(got, want)
	case OpGreaterThan, OpLessThan:
		a, okA := parseNumber(raw)
		b, okB := parseNumber(valueString(c.Value))
		if !okA || !okB {
			return false
		}
		if c.Operator == OpGreaterThan {
			return a.GreaterThan(b)
		}
		return a.LessThan(b)
	case OpBetween:
		n, okN := parseNumber(raw)
		lo, hi, okB := betweenBounds(c.Value)
		if !okN || !okB {
			return false
		}
		return n.GreaterThanOrEqual(lo) && n.LessThanOrEqual(hi)
	}
	return false
}

func valueString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	case decimal.Decimal:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func parseNumber(s string) (decimal.Decimal, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	return d, err == nil
}

// betweenBounds accepts "lo,hi", a two-element list, or their string forms.
// Reversed bounds are swapped.
func betweenBounds(v any) (decimal.Decimal, decimal.Decimal, bool) {
	var parts []string
	switch t := v.(type) {
	case string:
		parts = strings.Split(t, ",")
	case []string:
		parts = t
	case []any:
		for _, p := range t {
			parts = append(parts, valueString(p))
		}
	}
	if len(parts) != 2 {
		return decimal.Zero, decimal.Zero, false
	}
	lo, okLo := parseNumber(parts[0])
	hi, okHi := parseNumber(parts[1])
	if !okLo || !okHi {
		return decimal.Zero, decimal.Zero, false
	}
	if lo.GreaterThan(hi) {
		lo, hi = hi, lo
	}
	return lo, hi, true
}

type approverResolution struct {
	id         string
	candidates []string
}

func resolveApprover(ref string, approvers []Approver, policy NameMatchPolicy) approverResolution {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return approverResolution{}
	}
	for _, a := range approvers {
		if a.ID == ref {
			return approverResolution{id: a.ID}
		}
	}
	for _, a := range approvers {
		if a.Email != "" && strings.EqualFold(a.Email, ref) {
			return approverResolution{id: a.ID}
		}
	}

	lower := strings.ToLower(ref)
	var candidates []string
	for _, a := range approvers {
		name := strings.ToLower(a.Name)
		if (policy == NameMatchExact && name == lower) ||
			(policy != NameMatchExact && strings.Contains(name, lower)) {
			candidates = append(candidates, a.ID)
		}
	}
	if len(candidates) == 0 {
		return approverResolution{}
	}
	return approverResolution{id: candidates[0], candidates: candidates}
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ValidateRule checks a rule's structure before it is stored.
func ValidateRule(rule ApprovalRule) error {
	if strings.TrimSpace(rule.Name) == "" {
		return newValidation(CodeInvalidRule, "name", "rule name is required")
	}
	for i, c := range rule.Conditions {
		field := fmt.Sprintf("conditions[%d]", i)
		if strings.TrimSpace(c.Field) == "" {
			return newValidation(CodeInvalidRule, field, "condition field is required")
		}
		if !KnownOperator(c.Operator) {
			return newValidation(CodeInvalidRule, field, "unknown operator %q", c.Operator)
		}
		switch c.Operator {
		case OpBetween:
			if _, _, ok := betweenBounds(c.Value); !ok {
				return newValidation(CodeInvalidRule, field, "between needs two numeric bounds")
			}
		case OpGreaterThan, OpLessThan:
			if _, ok := parseNumber(valueString(c.Value)); !ok {
				return newValidation(CodeInvalidRule, field, "%s needs a numeric value", c.Operator)
			}
		}
	}
	if len(rule.Actions) == 0 {
		return newValidation(CodeInvalidRule, "actions", "at least one action is required")
	}
	for i, a := range rule.Actions {
		field := fmt.Sprintf("actions[%d]", i)
		if !KnownAction(a.Type) {
			return newValidation(CodeInvalidRule, field, "unknown action %q", a.Type)
		}
		if (a.Type == ActionAssignTo || a.Type == ActionRequireApproval || a.Type == ActionSetStatus) &&
			strings.TrimSpace(a.Value) == "" {
			return newValidation(CodeInvalidRule, field, "%s needs a value", a.Type)
		}
	}
	return nil
}

// =============================================================================
// ENGINE OPERATIONS
// =============================================================================

const (
	rulesCacheKey     = "rules"
	approversCacheKey = "approvers"
)

// MatchRequest asks for approver suggestions for a batch of lines.
type MatchRequest struct {
	PoLineIDs       []string
	ProcessingMonth string
}

func (e *Engine) MatchRules(ctx context.Context, req MatchRequest) (MatchResult, error) {
	ids := dedupe(req.PoLineIDs)
	if len(ids) == 0 {
		return MatchResult{}, newValidation(CodeMissingLines, "poLineIds", "select at least one line")
	}
	res := e.ResolveMonth(req.ProcessingMonth)

	lines, err := e.store.ListLines(ctx, LineFilter{IDs: ids})
	if err != nil {
		return MatchResult{}, fmt.Errorf("list lines: %w", err)
	}
	found := make(map[string]bool, len(lines))
	for _, l := range lines {
		found[l.ID] = true
	}
	for _, id := range ids {
		if !found[id] {
			return MatchResult{}, &NotFoundError{Kind: "po_line", ID: id}
		}
	}

	ruleLines := make([]RuleLine, 0, len(lines))
	for _, line := range lines {
		in, err := loadInputs(ctx, e.store, line, res.Window)
		if err != nil {
			return MatchResult{}, err
		}
		if line.Category == CategoryActivity {
			ruleLines = append(ruleLines, RuleLineFromActivity(ComputeActivityLine(in, res.Window)))
		} else {
			ruleLines = append(ruleLines, RuleLineFromPeriod(ComputePeriodLine(in, res.Window)))
		}
	}

	rules, err := e.cachedRules(ctx)
	if err != nil {
		return MatchResult{}, err
	}
	approvers, err := e.ListApprovers(ctx)
	if err != nil {
		return MatchResult{}, err
	}
	return EvaluateRules(rules, ruleLines, approvers, e.nameMatch), nil
}

func (e *Engine) cachedRules(ctx context.Context) ([]ApprovalRule, error) {
	if rules, ok := e.rules.Get(rulesCacheKey); ok {
		return rules, nil
	}
	rules, err := e.store.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	e.rules.Set(rulesCacheKey, rules)
	return rules, nil
}

// ListApprovers returns the active approver directory through the cache.
func (e *Engine) ListApprovers(ctx context.Context) ([]Approver, error) {
	if approvers, ok := e.approvers.Get(approversCacheKey); ok {
		return approvers, nil
	}
	approvers, err := e.store.ListApprovers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list approvers: %w", err)
	}
	e.approvers.Set(approversCacheKey, approvers)
	return approvers, nil
}

func (e *Engine) SaveApprover(ctx context.Context, a Approver) (Approver, error) {
	if strings.TrimSpace(a.Name) == "" {
		return Approver{}, newValidation(CodeMissingApprovers, "name", "approver name is required")
	}
	if a.ID == "" {
		a.ID = e.newID()
	}
	if err := e.store.SaveApprover(ctx, a); err != nil {
		return Approver{}, fmt.Errorf("save approver: %w", err)
	}
	e.approvers.Invalidate(approversCacheKey)
	return a, nil
}

// ListRules reads rules straight from the store, in priority order.
func (e *Engine) ListRules(ctx context.Context) ([]ApprovalRule, error) {
	return e.store.ListRules(ctx)
}

func (e *Engine) GetRule(ctx context.Context, id string) (ApprovalRule, error) {
	return e.store.GetRule(ctx, id)
}

// SaveRule validates and stores a rule, creating it when ID is empty.
func (e *Engine) SaveRule(ctx context.Context, rule ApprovalRule, actor string) (ApprovalRule, error) {
	if err := ValidateRule(rule); err != nil {
		return ApprovalRule{}, err
	}
	now := e.now().UTC()
	if rule.ID == "" {
		rule.ID = e.newID()
		rule.CreatedAt = now
	} else {
		existing, err := e.store.GetRule(ctx, rule.ID)
		if err != nil && !IsNotFound(err) {
			return ApprovalRule{}, err
		}
		if err == nil {
			rule.CreatedAt = existing.CreatedAt
		} else {
			rule.CreatedAt = now
		}
	}
	rule.UpdatedAt = now
	if err := e.store.SaveRule(ctx, rule); err != nil {
		return ApprovalRule{}, fmt.Errorf("save rule: %w", err)
	}
	e.rules.Invalidate(rulesCacheKey)
	e.audit(ctx, AuditEntry{
		ActorID: actor, Action: AuditRuleChanged, EntityType: "rule", EntityID: rule.ID,
		Payload: map[string]any{"op": "save", "name": rule.Name},
	})
	return rule, nil
}

func (e *Engine) DeleteRule(ctx context.Context, id, actor string) error {
	if err := e.store.DeleteRule(ctx, id); err != nil {
		return err
	}
	e.rules.Invalidate(rulesCacheKey)
	e.audit(ctx, AuditEntry{
		ActorID: actor, Action: AuditRuleChanged, EntityType: "rule", EntityID: id,
		Payload: map[string]any{"op": "delete"},
	})
	return nil
}
