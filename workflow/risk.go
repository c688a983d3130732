package workflow

import (
	"github.com/shopspring/decimal"
)

type RiskLevel = string

const (
	RiskLevelLow    RiskLevel = "low"
	RiskLevelMedium RiskLevel = "medium"
	RiskLevelHigh   RiskLevel = "high"
)

// 工作流类型, 决定风险加成规则
const (
	WorkflowTypeBudget         = "budget"
	WorkflowTypeProcurement    = "procurement"
	WorkflowTypeDocumentReview = "document-review"
)

// 风险因子
const (
	RiskFactorHighAmount     = "high_amount"
	RiskFactorMediumAmount   = "medium_amount"
	RiskFactorNewVendor      = "new_vendor"
	RiskFactorSoleSource     = "sole_source"
	RiskFactorBudgetIncrease = "budget_increase_over_threshold"
	RiskFactorAuditFindings  = "prior_audit_findings"
)

func riskRank(level RiskLevel) int {
	switch level {
	case RiskLevelMedium:
		return 1
	case RiskLevelHigh:
		return 2
	}
	return 0
}

func escalateRisk(level RiskLevel) RiskLevel {
	switch level {
	case RiskLevelLow:
		return RiskLevelMedium
	default:
		return RiskLevelHigh
	}
}

// RiskAssessment 风险评估结果, 只作为流转规则的输入
type RiskAssessment struct {
	Level   RiskLevel `json:"level"`
	Score   int       `json:"score"`
	Factors []string  `json:"factors"`
}

func (r RiskAssessment) clone() RiskAssessment {
	r.Factors = append([]string(nil), r.Factors...)
	return r
}

// RiskScorer 纯函数, 相同输入一定得到相同输出
type RiskScorer interface {
	Score(data *Payload, workflowType string) RiskAssessment
}

// RiskPolicy 风险评估的阈值
type RiskPolicy struct {
	HighAmount           decimal.Decimal
	MediumAmount         decimal.Decimal
	BudgetIncreaseMaxPct decimal.Decimal
}

func DefaultRiskPolicy() RiskPolicy {
	return RiskPolicy{
		HighAmount:           decimal.NewFromInt(100000),
		MediumAmount:         decimal.NewFromInt(50000),
		BudgetIncreaseMaxPct: decimal.NewFromInt(20),
	}
}

type DefaultRiskScorer struct {
	policy RiskPolicy
}

func NewRiskScorer(policy RiskPolicy) *DefaultRiskScorer {
	return &DefaultRiskScorer{policy: policy}
}

var levelBaseScore = map[RiskLevel]int{
	RiskLevelLow:    20,
	RiskLevelMedium: 50,
	RiskLevelHigh:   80,
}

func (s *DefaultRiskScorer) Score(data *Payload, workflowType string) RiskAssessment {
	factors := make([]string, 0)
	level := RiskLevelLow
	amount, _ := data.GetDecimal(PayloadKeyAmount)
	switch {
	case amount.GreaterThanOrEqual(s.policy.HighAmount):
		level = RiskLevelHigh
		factors = append(factors, RiskFactorHighAmount)
	case amount.GreaterThanOrEqual(s.policy.MediumAmount):
		level = RiskLevelMedium
		factors = append(factors, RiskFactorMediumAmount)
	}

	// 加成规则按固定顺序检查, 保证 factors 顺序稳定
	modifiers := make([]string, 0)
	switch workflowType {
	case WorkflowTypeProcurement:
		if v, _ := data.GetBool("new_vendor"); v {
			modifiers = append(modifiers, RiskFactorNewVendor)
		}
		if v, _ := data.GetBool("sole_source"); v {
			modifiers = append(modifiers, RiskFactorSoleSource)
		}
	case WorkflowTypeBudget:
		if pct, ok := data.GetDecimal("budget_increase_pct"); ok && pct.GreaterThan(s.policy.BudgetIncreaseMaxPct) {
			modifiers = append(modifiers, RiskFactorBudgetIncrease)
		}
	}
	if v, _ := data.GetBool("prior_audit_findings"); v {
		modifiers = append(modifiers, RiskFactorAuditFindings)
	}
	for _, m := range modifiers {
		level = escalateRisk(level)
		factors = append(factors, m)
	}

	score := levelBaseScore[level] + 5*len(modifiers)
	if score > 100 {
		score = 100
	}
	return RiskAssessment{Level: level, Score: score, Factors: factors}
}
