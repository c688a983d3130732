package workflow

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type PredicateKind = string

const (
	PredicateAlways        PredicateKind = "always"
	PredicateRiskBelow     PredicateKind = "risk_below"
	PredicateRiskAtLeast   PredicateKind = "risk_at_least"
	PredicateRiskLevel     PredicateKind = "risk_level"
	PredicateAmountAtLeast PredicateKind = "amount_at_least"
	PredicateAmountBelow   PredicateKind = "amount_below"
	PredicateFlag          PredicateKind = "flag"
	PredicateFieldEquals   PredicateKind = "field_equals"
	PredicateNamed         PredicateKind = "named"
)

// Predicate 流转条件, 固定的几种类型, 模板里面只存数据不存函数
//
//	{kind: risk_below, threshold: 30}
//	{kind: amount_at_least, amount: "100000"}
//	{kind: risk_level, level: high}
//	{kind: flag, field: compliance_passed, value: "true"}
//	{kind: field_equals, field: department, value: finance}
//	{kind: named, name: capital_project}
type Predicate struct {
	Kind      PredicateKind    `json:"kind" yaml:"kind"`
	Threshold int              `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Level     RiskLevel        `json:"level,omitempty" yaml:"level,omitempty"`
	Amount    *decimal.Decimal `json:"amount,omitempty" yaml:"amount,omitempty"`
	Field     string           `json:"field,omitempty" yaml:"field,omitempty"`
	Value     string           `json:"value,omitempty" yaml:"value,omitempty"`
	Name      string           `json:"name,omitempty" yaml:"name,omitempty"`
}

func (p Predicate) String() string {
	switch p.Kind {
	case PredicateAlways:
		return "always"
	case PredicateRiskBelow:
		return fmt.Sprintf("risk < %d", p.Threshold)
	case PredicateRiskAtLeast:
		return fmt.Sprintf("risk >= %d", p.Threshold)
	case PredicateRiskLevel:
		return "risk_level == " + p.Level
	case PredicateAmountAtLeast:
		return "amount >= " + p.amountString()
	case PredicateAmountBelow:
		return "amount < " + p.amountString()
	case PredicateFlag:
		return fmt.Sprintf("flag %s == %t", p.Field, p.flagValue())
	case PredicateFieldEquals:
		return fmt.Sprintf("%s == %q", p.Field, p.Value)
	case PredicateNamed:
		return "named:" + p.Name
	}
	return "unknown:" + p.Kind
}

func (p Predicate) amountString() string {
	if p.Amount == nil {
		return "<nil>"
	}
	return p.Amount.String()
}

// flag 条件的 value 为空时默认 true
func (p Predicate) flagValue() bool {
	return p.Value == "" || p.Value == "true"
}

// validate 检查条件的参数是否齐全, named 条件需要在 registry 中存在
func (p Predicate) validate(registry *PredicateRegistry) error {
	switch p.Kind {
	case PredicateAlways:
		return nil
	case PredicateRiskBelow, PredicateRiskAtLeast:
		if p.Threshold < 0 || p.Threshold > 100 {
			return errors.Errorf("threshold out of range [0,100]: %d", p.Threshold)
		}
		return nil
	case PredicateRiskLevel:
		if p.Level != RiskLevelLow && p.Level != RiskLevelMedium && p.Level != RiskLevelHigh {
			return errors.Errorf("unknown risk level %q", p.Level)
		}
		return nil
	case PredicateAmountAtLeast, PredicateAmountBelow:
		if p.Amount == nil {
			return errors.Errorf("%s requires amount", p.Kind)
		}
		return nil
	case PredicateFlag:
		if p.Field == "" {
			return errors.New("flag requires field")
		}
		if p.Value != "" && p.Value != "true" && p.Value != "false" {
			return errors.Errorf("flag value must be true or false, got %q", p.Value)
		}
		return nil
	case PredicateFieldEquals:
		if p.Field == "" {
			return errors.New("field_equals requires field")
		}
		return nil
	case PredicateNamed:
		if p.Name == "" {
			return errors.New("named predicate requires name")
		}
		if registry == nil || !registry.Has(p.Name) {
			return errors.Errorf("named predicate %q is not registered", p.Name)
		}
		return nil
	}
	return errors.Errorf("unknown predicate kind %q", p.Kind)
}

// EvalContext 条件求值的上下文: 合并后的实例数据 + 风险评估
type EvalContext struct {
	Data         *Payload
	Risk         RiskAssessment
	WorkflowType string
}

// Evaluate 求值, registry 只在 named 条件时使用
func (p Predicate) Evaluate(ec *EvalContext, registry *PredicateRegistry) (bool, error) {
	switch p.Kind {
	case PredicateAlways:
		return true, nil
	case PredicateRiskBelow:
		return ec.Risk.Score < p.Threshold, nil
	case PredicateRiskAtLeast:
		return ec.Risk.Score >= p.Threshold, nil
	case PredicateRiskLevel:
		return ec.Risk.Level == p.Level, nil
	case PredicateAmountAtLeast, PredicateAmountBelow:
		if p.Amount == nil {
			return false, errors.Errorf("%s requires amount", p.Kind)
		}
		amount, ok := ec.Data.GetDecimal(PayloadKeyAmount)
		if !ok {
			// 没有金额的请求不满足任何金额条件
			return false, nil
		}
		if p.Kind == PredicateAmountAtLeast {
			return amount.GreaterThanOrEqual(*p.Amount), nil
		}
		return amount.LessThan(*p.Amount), nil
	case PredicateFlag:
		v, ok := ec.Data.GetBool(PayloadKeyFlags, p.Field)
		if !ok {
			v, ok = ec.Data.GetBool(p.Field)
		}
		if !ok {
			v = false
		}
		return v == p.flagValue(), nil
	case PredicateFieldEquals:
		v, ok := ec.Data.GetString(p.Field)
		return ok && v == p.Value, nil
	case PredicateNamed:
		fn, ok := registry.Get(p.Name)
		if !ok {
			return false, errors.Errorf("named predicate %q is not registered", p.Name)
		}
		return fn(ec), nil
	}
	return false, errors.Errorf("unknown predicate kind %q", p.Kind)
}

// PredicateFunc 模板特有的自定义逻辑, 通过名字引用
type PredicateFunc func(ec *EvalContext) bool

// PredicateRegistry 命名条件注册表, 由调用方构造并注入, 没有全局变量
type PredicateRegistry struct {
	mu    sync.RWMutex
	funcs map[string]PredicateFunc
}

func NewPredicateRegistry() *PredicateRegistry {
	return &PredicateRegistry{funcs: make(map[string]PredicateFunc)}
}

func (r *PredicateRegistry) Register(name string, fn PredicateFunc) error {
	if name == "" || fn == nil {
		return errors.New("predicate name and func are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.funcs[name]; ok {
		return errors.Errorf("predicate already registered, name: %s", name)
	}
	r.funcs[name] = fn
	return nil
}

func (r *PredicateRegistry) Get(name string) (PredicateFunc, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

func (r *PredicateRegistry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// 常用条件的构造函数
func Always() Predicate { return Predicate{Kind: PredicateAlways} }

func RiskBelow(threshold int) Predicate {
	return Predicate{Kind: PredicateRiskBelow, Threshold: threshold}
}

func RiskAtLeast(threshold int) Predicate {
	return Predicate{Kind: PredicateRiskAtLeast, Threshold: threshold}
}

func RiskLevelIs(level RiskLevel) Predicate {
	return Predicate{Kind: PredicateRiskLevel, Level: level}
}

func AmountAtLeast(amount int64) Predicate {
	d := decimal.NewFromInt(amount)
	return Predicate{Kind: PredicateAmountAtLeast, Amount: &d}
}

func AmountBelow(amount int64) Predicate {
	d := decimal.NewFromInt(amount)
	return Predicate{Kind: PredicateAmountBelow, Amount: &d}
}

func FlagIs(field string, value bool) Predicate {
	return Predicate{Kind: PredicateFlag, Field: field, Value: fmt.Sprintf("%t", value)}
}

func FieldEquals(field, value string) Predicate {
	return Predicate{Kind: PredicateFieldEquals, Field: field, Value: value}
}

func Named(name string) Predicate {
	return Predicate{Kind: PredicateNamed, Name: name}
}
