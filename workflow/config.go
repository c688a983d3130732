package workflow

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var validatorUtil = validator.New()

// PriorityConfig 审批队列优先级的参数
type PriorityConfig struct {
	Base        int `validate:"gte=0"`
	HighRisk    int `validate:"gte=0"`
	MediumRisk  int `validate:"gte=0"`
	Urgent      int `validate:"gte=0"`
	AgePerDay   int `validate:"gte=0"`
	AgeCap      int `validate:"gte=0"`
	HighTier    int `validate:"gte=0"`
	MidTier     int `validate:"gte=0"`
	LowTier     int `validate:"gte=0"`
	HighAmount  decimal.Decimal
	MidAmount   decimal.Decimal
	LowAmount   decimal.Decimal
	UrgentField string `validate:"required"`
}

func DefaultPriorityConfig() PriorityConfig {
	return PriorityConfig{
		Base:        50,
		HighRisk:    30,
		MediumRisk:  15,
		Urgent:      25,
		AgePerDay:   5,
		AgeCap:      25,
		HighTier:    20,
		MidTier:     10,
		LowTier:     5,
		HighAmount:  decimal.NewFromInt(100000),
		MidAmount:   decimal.NewFromInt(50000),
		LowAmount:   decimal.NewFromInt(10000),
		UrgentField: PayloadKeyUrgent,
	}
}

// EngineConfig 引擎配置
type EngineConfig struct {
	// 一次调用中不经过人工处理的最大连续流转次数
	MaxChainDepth int `validate:"gte=1,lte=10000"`
	// 单个实例锁的最长持有时间, 自动动作执行时间不能超过这个值
	LockTTL time.Duration `validate:"gt=0"`
	// 每个订阅者的事件缓冲, 满了之后丢弃事件
	EventBuffer int `validate:"gte=0"`
	// 可以对任意实例执行任意动作的管理员
	AdminActors []string
	Priority    PriorityConfig
	Risk        RiskPolicy
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxChainDepth: 50,
		LockTTL:       5 * time.Minute,
		EventBuffer:   64,
		Priority:      DefaultPriorityConfig(),
		Risk:          DefaultRiskPolicy(),
	}
}

func (c *EngineConfig) Validate() error {
	if err := validatorUtil.Struct(c); err != nil {
		return errors.WithMessagef(ErrWorkflowParamInvalid, "engine config: %v", err)
	}
	return nil
}

func (c *EngineConfig) isAdmin(actor string) bool {
	for _, a := range c.AdminActors {
		if a == actor {
			return true
		}
	}
	return false
}
