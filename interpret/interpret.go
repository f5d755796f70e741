/*
Package interpret turns a plain-language approval rule into a rule draft.

PURPOSE:
  Admins describe a rule in words ("anything on cost center 4003 over 10k
  goes to Alice"). A RuleInterpreter proposes a structured draft; the
  draft is converted through the rule factory and validated before anyone
  can save it. Nothing here writes to the store.

IMPLEMENTATIONS:
  - OpenAIInterpreter: OpenAI Responses API with a strict JSON schema
    reflected from RuleDraft
  - StaticInterpreter: fixed drafts, for tests and offline development

SEE ALSO:
  - factory/rules.go: RuleJSON conversion and validation
  - api/handlers.go:  POST /api/rules/interpret
*/
package interpret

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/warp/accrual-engine/accrual"
	"github.com/warp/accrual-engine/factory"
)

// ErrEmptyText is returned when there is nothing to interpret.
var ErrEmptyText = errors.New("rule text is empty")

// RuleInterpreter proposes a rule from free text.
type RuleInterpreter interface {
	Interpret(ctx context.Context, req Request) (Interpretation, error)
}

// Request carries the text plus the context the model needs to pick valid
// field names and approvers.
type Request struct {
	Text      string
	Fields    []string
	Approvers []accrual.Approver
}

// RuleDraft is the structured output requested from the model. Every field
// is required and values are strings so the schema stays strict.
type RuleDraft struct {
	Name        string           `json:"name" jsonschema_description:"Short human readable rule name"`
	Priority    int              `json:"priority" jsonschema_description:"Lower runs first; use 100 when unsure"`
	AppliesTo   string           `json:"applies_to" jsonschema:"enum=Period,enum=Activity,enum=all"`
	Conditions  []DraftCondition `json:"conditions"`
	Actions     []DraftAction    `json:"actions"`
	Explanation string           `json:"explanation" jsonschema_description:"One sentence on how the text was read"`
	Confidence  float64          `json:"confidence" jsonschema_description:"0.0 to 1.0"`
}

type DraftCondition struct {
	Field    string `json:"field"`
	Operator string `json:"operator" jsonschema:"enum=equals,enum=notEquals,enum=contains,enum=startsWith,enum=greaterThan,enum=lessThan,enum=between"`
	Value    string `json:"value" jsonschema_description:"For between use lo,hi"`
}

type DraftAction struct {
	Type  string `json:"type" jsonschema:"enum=autoAssign,enum=assignTo,enum=requireApproval,enum=flagForReview,enum=setStatus"`
	Value string `json:"value" jsonschema_description:"Approver id, email or name; status for setStatus; empty otherwise"`
}

// RuleJSON maps the draft onto the factory's input.
func (d RuleDraft) RuleJSON() factory.RuleJSON {
	active := true
	rj := factory.RuleJSON{
		Name:      d.Name,
		Priority:  d.Priority,
		AppliesTo: d.AppliesTo,
		IsActive:  &active,
	}
	for _, c := range d.Conditions {
		rj.Conditions = append(rj.Conditions, factory.ConditionJSON{Field: c.Field, Operator: c.Operator, Value: c.Value})
	}
	for _, a := range d.Actions {
		rj.Actions = append(rj.Actions, factory.ActionJSON{Type: a.Type, Value: a.Value})
	}
	return rj
}

// Interpretation is a validated draft. Rule is not persisted.
type Interpretation struct {
	Draft RuleDraft
	Rule  accrual.ApprovalRule
}

// finish converts and validates a draft.
func finish(draft RuleDraft) (Interpretation, error) {
	rule, err := factory.NewRuleFactory().FromJSON(draft.RuleJSON())
	if err != nil {
		return Interpretation{Draft: draft}, fmt.Errorf("interpreted rule is invalid: %w", err)
	}
	return Interpretation{Draft: draft, Rule: rule}, nil
}

// DefaultFields are the line fields rules can test.
var DefaultFields = []string{
	"poNumber", "lineNumber", "vendor", "description", "netAmount", "glAccount", "costCenter",
	"category", "status", "startDate", "endDate", "suggestedProvision", "prevProvision",
	"finalProvision", "currentMonthTrueUp", "prevMonthTrueUp", "provisionPercent", "grnValue", "remarks",
}

func buildPrompt(req Request) string {
	fields := req.Fields
	if len(fields) == 0 {
		fields = DefaultFields
	}
	var dir strings.Builder
	for _, a := range req.Approvers {
		fmt.Fprintf(&dir, "- %s | %s | %s\n", a.ID, a.Name, a.Email)
	}
	if dir.Len() == 0 {
		dir.WriteString("(none)\n")
	}
	return fmt.Sprintf(`You configure approval routing for month-end accruals.
Convert the admin's description into one rule.
Rules:
1. Use ONLY these fields: %s.
2. Conditions are AND-combined; return none if the rule applies to every line.
3. Numbers are plain strings without currency symbols ("10000").
4. For approvers prefer the id from the directory below.
5. Provide a confidence score (0.0-1.0).

Approver directory (id | name | email):
%s
Description: %s`, strings.Join(fields, ", "), dir.String(), req.Text)
}

// =============================================================================
// STATIC INTERPRETER
// =============================================================================

// StaticInterpreter returns drafts keyed by exact text. Unknown text is an
// error.
type StaticInterpreter struct {
	Drafts map[string]RuleDraft
}

func (s StaticInterpreter) Interpret(_ context.Context, req Request) (Interpretation, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Interpretation{}, ErrEmptyText
	}
	draft, ok := s.Drafts[text]
	if !ok {
		return Interpretation{}, fmt.Errorf("no draft for %q", text)
	}
	return finish(draft)
}
