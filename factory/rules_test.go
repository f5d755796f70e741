package factory

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/accrual-engine/accrual"
)

func TestParseRule_AliasesAndDefaults(t *testing.T) {
	// GIVEN: a rule written with snake_case and symbolic spellings
	// WHEN: it is parsed
	// THEN: operators and actions come out canonical and the rule is active
	f := NewRuleFactory()
	rule, err := f.ParseRule(`{
		"name": " Marketing ",
		"priority": 10,
		"applies_to": "period",
		"conditions": [
			{"field": "cost_center", "operator": "==", "value": "4003"},
			{"field": "final_provision", "operator": "range", "value": [1000, 5000]},
			{"field": "vendor", "operator": "starts_with", "value": "Acme"}
		],
		"actions": [
			{"type": "assign_to", "value": " alice@corp.test "},
			{"type": "flag_for_review"}
		]
	}`)
	require.NoError(t, err)

	assert.Equal(t, "Marketing", rule.Name)
	assert.Equal(t, "Period", rule.AppliesTo)
	assert.True(t, rule.IsActive)
	require.Len(t, rule.Conditions, 3)
	assert.Equal(t, accrual.OpEquals, rule.Conditions[0].Operator)
	assert.Equal(t, accrual.OpBetween, rule.Conditions[1].Operator)
	assert.Equal(t, []any{1000.0, 5000.0}, rule.Conditions[1].Value)
	assert.Equal(t, accrual.OpStartsWith, rule.Conditions[2].Operator)
	require.Len(t, rule.Actions, 2)
	assert.Equal(t, accrual.ActionAssignTo, rule.Actions[0].Type)
	assert.Equal(t, "alice@corp.test", rule.Actions[0].Value)
	assert.Equal(t, accrual.ActionFlagForReview, rule.Actions[1].Type)
}

func TestParseRule_ExplicitInactive(t *testing.T) {
	rule, err := NewRuleFactory().ParseRule(`{"name":"off","is_active":false,"actions":[{"type":"autoAssign"}]}`)
	require.NoError(t, err)
	assert.False(t, rule.IsActive)
	assert.Empty(t, rule.AppliesTo)
}

func TestParseRule_Invalid(t *testing.T) {
	f := NewRuleFactory()

	_, err := f.ParseRule(`{not json`)
	assert.Error(t, err)

	_, err = f.ParseRule(`{"name":"x","conditions":[{"field":"vendor","operator":"like","value":"a"}],"actions":[{"type":"flag"}]}`)
	var verr *accrual.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, accrual.CodeInvalidRule, verr.Code)

	_, err = f.ParseRule(`{"name":"x","actions":[{"type":"send_email"}]}`)
	assert.True(t, accrual.IsClientError(err))
}

func TestParseRules_ReportsFailingIndex(t *testing.T) {
	_, err := NewRuleFactory().ParseRules(`[
		{"name":"ok","actions":[{"type":"flag"}]},
		{"name":"bad","actions":[]}
	]`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rule 1 (bad)")
}

func TestToJSON_RoundTripsThroughParse(t *testing.T) {
	f := NewRuleFactory()
	rule := accrual.ApprovalRule{
		ID: "r1", Name: "big", Priority: 2, IsActive: false,
		Conditions: []accrual.Condition{{Field: "netAmount", Operator: accrual.OpGreaterThan, Value: "10000"}},
		Actions:    []accrual.Action{{Type: accrual.ActionRequireApproval, Value: "ap-9"}},
	}

	raw, err := json.Marshal(f.ToJSON(rule))
	require.NoError(t, err)
	back, err := f.ParseRule(string(raw))
	require.NoError(t, err)

	assert.Equal(t, rule.ID, back.ID)
	assert.False(t, back.IsActive)
	assert.Equal(t, rule.Conditions, back.Conditions)
	assert.Equal(t, rule.Actions, back.Actions)
}
