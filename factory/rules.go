/*
Package factory provides JSON to Go approval-rule conversion.

PURPOSE:
  Converts JSON rule definitions (admin UI, seed files, the rule
  interpreter's output) into accrual.ApprovalRule values and back. Operator
  and action spellings are normalized here so the matcher only sees the
  canonical names.

JSON SCHEMA:
  {
    "id": "marketing-4003",
    "name": "Marketing cost center",
    "priority": 10,
    "applies_to": "Period",
    "is_active": true,
    "conditions": [
      {"field": "cost_center", "operator": "equals", "value": "4003"},
      {"field": "final_provision", "operator": "between", "value": [1000, 5000]}
    ],
    "actions": [
      {"type": "assign_to", "value": "alice@corp.test"},
      {"type": "flag_for_review"}
    ]
  }

KEY FEATURES:
  - is_active defaults to true
  - operator aliases: eq, ==, ne, !=, gt, >, lt, <, starts_with, range
  - action aliases: snake_case spellings of the canonical camelCase names
  - structural validation through accrual.ValidateRule

USAGE:
  f := NewRuleFactory()
  rule, err := f.ParseRule(jsonString)
  rules, err := f.ParseRules(jsonArray)

SEE ALSO:
  - accrual/rules.go: matcher and ValidateRule
  - interpret/:      natural-language rule drafts
*/
package factory

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/warp/accrual-engine/accrual"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// RuleJSON is the JSON representation of an approval rule.
type RuleJSON struct {
	ID         string          `json:"id,omitempty"`
	Name       string          `json:"name"`
	Priority   int             `json:"priority"`
	AppliesTo  string          `json:"applies_to,omitempty"` // Period, Activity or empty for all
	IsActive   *bool           `json:"is_active,omitempty"`
	Conditions []ConditionJSON `json:"conditions"`
	Actions    []ActionJSON    `json:"actions"`
}

type ConditionJSON struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

type ActionJSON struct {
	Type  string `json:"type"`
	Value string `json:"value,omitempty"`
}

// =============================================================================
// RULE FACTORY
// =============================================================================

// RuleFactory converts JSON rules to accrual rules.
type RuleFactory struct{}

func NewRuleFactory() *RuleFactory {
	return &RuleFactory{}
}

// ParseRule parses and validates one JSON rule.
func (f *RuleFactory) ParseRule(jsonStr string) (accrual.ApprovalRule, error) {
	var rj RuleJSON
	if err := json.Unmarshal([]byte(jsonStr), &rj); err != nil {
		return accrual.ApprovalRule{}, fmt.Errorf("failed to parse rule JSON: %w", err)
	}
	return f.FromJSON(rj)
}

// ParseRules parses a JSON array of rules. The first invalid rule aborts.
func (f *RuleFactory) ParseRules(jsonStr string) ([]accrual.ApprovalRule, error) {
	var list []RuleJSON
	if err := json.Unmarshal([]byte(jsonStr), &list); err != nil {
		return nil, fmt.Errorf("failed to parse rules JSON: %w", err)
	}
	rules := make([]accrual.ApprovalRule, 0, len(list))
	for i, rj := range list {
		rule, err := f.FromJSON(rj)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, rj.Name, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// FromJSON converts RuleJSON to an accrual.ApprovalRule and validates it.
func (f *RuleFactory) FromJSON(rj RuleJSON) (accrual.ApprovalRule, error) {
	rule := accrual.ApprovalRule{
		ID:        strings.TrimSpace(rj.ID),
		Name:      strings.TrimSpace(rj.Name),
		Priority:  rj.Priority,
		AppliesTo: parseScope(rj.AppliesTo),
		IsActive:  true,
	}
	if rj.IsActive != nil {
		rule.IsActive = *rj.IsActive
	}

	for _, cj := range rj.Conditions {
		rule.Conditions = append(rule.Conditions, accrual.Condition{
			Field:    strings.TrimSpace(cj.Field),
			Operator: parseOperator(cj.Operator),
			Value:    cj.Value,
		})
	}
	for _, aj := range rj.Actions {
		rule.Actions = append(rule.Actions, accrual.Action{
			Type:  parseActionType(aj.Type),
			Value: strings.TrimSpace(aj.Value),
		})
	}

	if err := accrual.ValidateRule(rule); err != nil {
		return accrual.ApprovalRule{}, err
	}
	return rule, nil
}

// ToJSON converts a rule to its JSON form with canonical spellings.
func (f *RuleFactory) ToJSON(rule accrual.ApprovalRule) RuleJSON {
	active := rule.IsActive
	rj := RuleJSON{
		ID:         rule.ID,
		Name:       rule.Name,
		Priority:   rule.Priority,
		AppliesTo:  rule.AppliesTo,
		IsActive:   &active,
		Conditions: make([]ConditionJSON, 0, len(rule.Conditions)),
		Actions:    make([]ActionJSON, 0, len(rule.Actions)),
	}
	for _, c := range rule.Conditions {
		rj.Conditions = append(rj.Conditions, ConditionJSON{Field: c.Field, Operator: string(c.Operator), Value: c.Value})
	}
	for _, a := range rule.Actions {
		rj.Actions = append(rj.Actions, ActionJSON{Type: string(a.Type), Value: a.Value})
	}
	return rj
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseScope(s string) string {
	s = strings.TrimSpace(s)
	if c, ok := accrual.ParseCategory(s); ok {
		return string(c)
	}
	switch strings.ToLower(s) {
	case "", "all", "any", "*":
		return ""
	}
	return s
}

func parseOperator(s string) accrual.Operator {
	switch fold(s) {
	case "equals", "eq", "==", "=", "is":
		return accrual.OpEquals
	case "notequals", "ne", "!=", "<>", "isnot":
		return accrual.OpNotEquals
	case "contains", "includes":
		return accrual.OpContains
	case "startswith", "prefix":
		return accrual.OpStartsWith
	case "greaterthan", "gt", ">":
		return accrual.OpGreaterThan
	case "lessthan", "lt", "<":
		return accrual.OpLessThan
	case "between", "range":
		return accrual.OpBetween
	default:
		return accrual.Operator(strings.TrimSpace(s)) // rejected by ValidateRule
	}
}

func parseActionType(s string) accrual.ActionType {
	switch fold(s) {
	case "autoassign":
		return accrual.ActionAutoAssign
	case "assignto", "assign":
		return accrual.ActionAssignTo
	case "requireapproval":
		return accrual.ActionRequireApproval
	case "flagforreview", "flag":
		return accrual.ActionFlagForReview
	case "setstatus":
		return accrual.ActionSetStatus
	default:
		return accrual.ActionType(strings.TrimSpace(s))
	}
}

// fold lowercases and drops separators: "starts_with" -> "startswith".
func fold(s string) string {
	r := strings.NewReplacer("_", "", "-", "", " ", "")
	return r.Replace(strings.ToLower(strings.TrimSpace(s)))
}
