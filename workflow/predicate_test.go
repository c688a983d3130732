package workflow

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func evalContext(data map[string]any, risk RiskAssessment) *EvalContext {
	return &EvalContext{Data: NewPayload(data), Risk: risk, WorkflowType: WorkflowTypeBudget}
}

func TestPredicate_Evaluate(t *testing.T) {
	registry := NewPredicateRegistry()
	require.NoError(t, registry.Register("is_parks", func(ec *EvalContext) bool {
		dept, _ := ec.Data.GetString(PayloadKeyDepartment)
		return dept == "parks"
	}))

	medium := RiskAssessment{Level: RiskLevelMedium, Score: 50}
	data := map[string]any{
		"amount":      "75000",
		"department":  "parks",
		"flags":       map[string]any{"compliance_passed": false},
		"sole_source": true,
	}
	cases := []struct {
		name string
		p    Predicate
		want bool
	}{
		{"always", Always(), true},
		{"风险分低于阈值", RiskBelow(60), true},
		{"风险分不低于阈值", RiskAtLeast(50), true},
		{"风险分边界", RiskBelow(50), false},
		{"风险等级", RiskLevelIs(RiskLevelMedium), true},
		{"风险等级不匹配", RiskLevelIs(RiskLevelHigh), false},
		{"金额达到", AmountAtLeast(75000), true},
		{"金额未达到", AmountAtLeast(75001), false},
		{"金额低于", AmountBelow(100000), true},
		{"flags 下的标记", FlagIs("compliance_passed", false), true},
		{"根节点的标记", FlagIs("sole_source", true), true},
		{"缺失的标记视为 false", FlagIs("missing", false), true},
		{"字段相等", FieldEquals(PayloadKeyDepartment, "parks"), true},
		{"字段不相等", FieldEquals(PayloadKeyDepartment, "police"), false},
		{"命名条件", Named("is_parks"), true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.NoError(t, c.p.validate(registry))
			got, err := c.p.Evaluate(evalContext(data, medium), registry)
			require.NoError(t, err)
			assert.Equal(t, c.want, got, c.p.String())
		})
	}

	t.Run("没有金额时金额条件都不满足", func(t *testing.T) {
		ec := evalContext(map[string]any{}, medium)
		for _, p := range []Predicate{AmountAtLeast(0), AmountBelow(1)} {
			got, err := p.Evaluate(ec, registry)
			require.NoError(t, err)
			assert.False(t, got)
		}
	})

	t.Run("未注册的命名条件", func(t *testing.T) {
		_, err := Named("missing").Evaluate(evalContext(data, medium), registry)
		assert.Error(t, err)
	})
}

func TestPredicate_Validate(t *testing.T) {
	registry := NewPredicateRegistry()
	invalid := []Predicate{
		{Kind: "regex"},
		{Kind: PredicateRiskBelow, Threshold: 101},
		{Kind: PredicateRiskLevel, Level: "critical"},
		{Kind: PredicateAmountAtLeast},
		{Kind: PredicateFlag},
		{Kind: PredicateFlag, Field: "x", Value: "maybe"},
		{Kind: PredicateFieldEquals},
		{Kind: PredicateNamed},
		Named("not_registered"),
	}
	for _, p := range invalid {
		t.Run(p.String(), func(t *testing.T) {
			assert.Error(t, p.validate(registry))
		})
	}
}

func TestPredicate_YAML(t *testing.T) {
	var p Predicate
	require.NoError(t, yaml.Unmarshal([]byte(`{kind: amount_at_least, amount: "25000.50"}`), &p))
	assert.Equal(t, PredicateAmountAtLeast, p.Kind)
	require.NotNil(t, p.Amount)
	assert.True(t, p.Amount.Equal(decimal.RequireFromString("25000.5")))
	assert.Equal(t, "amount >= 25000.5", p.String())
}

func TestPredicateRegistry(t *testing.T) {
	registry := NewPredicateRegistry()
	fn := func(*EvalContext) bool { return true }
	require.NoError(t, registry.Register("a", fn))
	assert.Error(t, registry.Register("a", fn), "重复注册")
	assert.Error(t, registry.Register("", fn))
	assert.Error(t, registry.Register("b", nil))
	assert.True(t, registry.Has("a"))
	assert.False(t, registry.Has("b"))

	var nilRegistry *PredicateRegistry
	assert.False(t, nilRegistry.Has("a"))
}

func TestPredicate_String(t *testing.T) {
	cases := []struct {
		p    Predicate
		want string
	}{
		{Always(), "always"},
		{RiskBelow(40), "risk < 40"},
		{RiskAtLeast(80), "risk >= 80"},
		{RiskLevelIs(RiskLevelHigh), "risk_level == high"},
		{AmountAtLeast(1000), "amount >= 1000"},
		{AmountBelow(500), "amount < 500"},
		{FlagIs("compliance_passed", true), "flag compliance_passed == true"},
		{FlagIs("debarred", false), "flag debarred == false"},
		{Predicate{Kind: PredicateFlag, Field: "ok"}, "flag ok == true"},
		{FieldEquals("department", "finance"), `department == "finance"`},
		{Named("capital_project"), "named:capital_project"},
		{Predicate{Kind: "vote"}, "unknown:vote"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.p.String())
	}
}
