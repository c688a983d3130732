package commonregister

import (
	"context"
	"strings"

	"github.com/blingmoon/audit-workflow/workflow"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const (
	ActionValidation             = "validation"
	ActionBudgetCheck            = "budget-check"
	ActionComplianceCheck        = "compliance-check"
	ActionDocumentClassification = "document-classification"
)

const PredicateCapitalProject = "capital_project"

var capitalProjectAmount = decimal.NewFromInt(250000)

func RegisterBuiltinActions(registry *workflow.ActionRegistry) error {
	actions := map[string]workflow.ActionFunc{
		ActionValidation:             validateRequest,
		ActionBudgetCheck:            checkBudget,
		ActionComplianceCheck:        checkCompliance,
		ActionDocumentClassification: classifyDocument,
	}
	for _, name := range []string{ActionValidation, ActionBudgetCheck, ActionComplianceCheck, ActionDocumentClassification} {
		if err := registry.Register(name, workflow.NewActionFunc(actions[name])); err != nil {
			return err
		}
	}
	return nil
}

func RegisterBuiltinPredicates(registry *workflow.PredicateRegistry) error {
	return registry.Register(PredicateCapitalProject, isCapitalProject)
}

// 资本项目: 显式标记 category=capital, 或者金额达到 25 万
func isCapitalProject(ec *workflow.EvalContext) bool {
	if category, ok := ec.Data.GetString("category"); ok && category == "capital" {
		return true
	}
	amount, ok := ec.Data.GetDecimal(workflow.PayloadKeyAmount)
	return ok && amount.GreaterThanOrEqual(capitalProjectAmount)
}

// validateRequest 金额必须为正数, 校验不通过走驳回
func validateRequest(_ context.Context, data *workflow.Payload) (*workflow.ActionOutcome, error) {
	amount, ok := data.GetDecimal(workflow.PayloadKeyAmount)
	if !ok {
		return &workflow.ActionOutcome{
			Flags:   map[string]bool{"validation_passed": false},
			Message: "amount is missing or not a number",
		}, nil
	}
	if !amount.IsPositive() {
		return &workflow.ActionOutcome{
			Flags:   map[string]bool{"validation_passed": false},
			Message: "amount must be positive",
		}, nil
	}
	return &workflow.ActionOutcome{
		Flags:   map[string]bool{"validation_passed": true},
		Message: "request validated",
	}, nil
}

// checkBudget 没有提供可用预算时视为预算充足
func checkBudget(_ context.Context, data *workflow.Payload) (*workflow.ActionOutcome, error) {
	amount, _ := data.GetDecimal(workflow.PayloadKeyAmount)
	available, ok := data.GetDecimal("available_budget")
	if !ok {
		return &workflow.ActionOutcome{
			Flags:   map[string]bool{"budget_available": true},
			Message: "no budget line supplied",
		}, nil
	}
	enough := available.GreaterThanOrEqual(amount)
	return &workflow.ActionOutcome{
		Flags: map[string]bool{"budget_available": enough},
		Data: map[string]any{
			"budget_remaining": available.Sub(amount).String(),
		},
		Message: "budget remaining " + available.Sub(amount).String(),
	}, nil
}

// checkCompliance 没有供应商时动作失败, 实例停在合规检查等待补充数据后 retry
func checkCompliance(_ context.Context, data *workflow.Payload) (*workflow.ActionOutcome, error) {
	vendor, ok := data.GetString("vendor")
	if !ok || strings.TrimSpace(vendor) == "" {
		return nil, errors.New("vendor is required for compliance check")
	}
	debarred, _ := data.GetBool("vendor_debarred")
	waiver, _ := data.GetBool("compliance_waiver")
	passed := !debarred || waiver
	message := "vendor " + vendor + " is compliant"
	if !passed {
		message = "vendor " + vendor + " is debarred"
	}
	return &workflow.ActionOutcome{
		Flags:   map[string]bool{"compliance_passed": passed},
		Message: message,
	}, nil
}

var documentKeywords = []struct {
	keyword string
	class   string
}{
	{"contract", "contract"},
	{"agreement", "contract"},
	{"policy", "policy"},
	{"ordinance", "policy"},
	{"invoice", "invoice"},
}

// classifyDocument 已经指定 document_type 的直接使用, 否则按标题关键字分类
func classifyDocument(_ context.Context, data *workflow.Payload) (*workflow.ActionOutcome, error) {
	class, ok := data.GetString("document_type")
	if !ok || class == "" {
		class = "general"
		title, _ := data.GetString("title")
		title = strings.ToLower(title)
		for _, k := range documentKeywords {
			if strings.Contains(title, k.keyword) {
				class = k.class
				break
			}
		}
	}
	return &workflow.ActionOutcome{
		Flags:   map[string]bool{"requires_legal": class == "contract"},
		Data:    map[string]any{"document_class": class},
		Message: "classified as " + class,
	}, nil
}
