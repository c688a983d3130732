package workflow

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// TemplateConfig 模板的配置文件格式, JSON 和 YAML 通用
//
//	id: budget-approval
//	name: 预算审批
//	workflow_type: budget
//	top_approver_role: cfo
//	stages:
//	  - id: submit
//	    type: start
//	    auto_transition: true
//	    next_stages: [risk-check]
//	  - id: cfo-approval
//	    type: approval
//	    roles: [cfo]
//	    sla: 72h
//	    next_stages: [approved]
//	    reject_stage: rejected
type TemplateConfig struct {
	ID              string         `json:"id" yaml:"id"`
	Name            string         `json:"name" yaml:"name"`
	WorkflowType    string         `json:"workflow_type" yaml:"workflow_type"`
	TopApproverRole string         `json:"top_approver_role,omitempty" yaml:"top_approver_role,omitempty"`
	Stages          []*StageConfig `json:"stages" yaml:"stages"`
}

type StageConfig struct {
	ID             string        `json:"id" yaml:"id"`
	Name           string        `json:"name" yaml:"name"`
	Type           string        `json:"type" yaml:"type"`
	Roles          []string      `json:"roles,omitempty" yaml:"roles,omitempty"`
	SLA            string        `json:"sla,omitempty" yaml:"sla,omitempty"` // go duration, 比如 48h
	Rules          []*RuleConfig `json:"rules,omitempty" yaml:"rules,omitempty"`
	NextStages     []string      `json:"next_stages,omitempty" yaml:"next_stages,omitempty"`
	AutoTransition bool          `json:"auto_transition,omitempty" yaml:"auto_transition,omitempty"`
	Action         string        `json:"action,omitempty" yaml:"action,omitempty"`
	NotifyRoles    []string      `json:"notify_roles,omitempty" yaml:"notify_roles,omitempty"`
	Rejection      bool          `json:"rejection,omitempty" yaml:"rejection,omitempty"`
	RejectStage    string        `json:"reject_stage,omitempty" yaml:"reject_stage,omitempty"`
}

type RuleConfig struct {
	When   Predicate `json:"when" yaml:"when"`
	Target string    `json:"target" yaml:"target"`
}

// ToTemplate 转换成模板, 只做格式转换, 结构校验在 TemplateStore.Register 中完成
func (c *TemplateConfig) ToTemplate() (*WorkflowTemplate, error) {
	if c == nil {
		return nil, errors.WithMessage(ErrTemplateValidation, "config is nil")
	}
	t := &WorkflowTemplate{
		ID:              c.ID,
		Name:            c.Name,
		WorkflowType:    c.WorkflowType,
		TopApproverRole: c.TopApproverRole,
		Stages:          make([]*Stage, 0, len(c.Stages)),
	}
	for _, sc := range c.Stages {
		if sc == nil {
			continue
		}
		stage := &Stage{
			ID:             sc.ID,
			Name:           sc.Name,
			Type:           sc.Type,
			Roles:          sc.Roles,
			NextStages:     sc.NextStages,
			AutoTransition: sc.AutoTransition,
			Action:         sc.Action,
			NotifyRoles:    sc.NotifyRoles,
			Rejection:      sc.Rejection,
			RejectStage:    sc.RejectStage,
		}
		if sc.SLA != "" {
			sla, err := time.ParseDuration(sc.SLA)
			if err != nil {
				return nil, errors.WithMessagef(ErrTemplateValidation, "stage %s: invalid sla %q: %v", sc.ID, sc.SLA, err)
			}
			stage.SLA = sla
		}
		for _, rc := range sc.Rules {
			if rc == nil {
				continue
			}
			stage.TransitionRules = append(stage.TransitionRules, TransitionRule{When: rc.When, Target: rc.Target})
		}
		t.Stages = append(t.Stages, stage)
	}
	return t, nil
}

// TemplateToConfig 模板转换成配置格式, 用于查询接口输出
func TemplateToConfig(t *WorkflowTemplate) *TemplateConfig {
	c := &TemplateConfig{
		ID:              t.ID,
		Name:            t.Name,
		WorkflowType:    t.WorkflowType,
		TopApproverRole: t.TopApproverRole,
		Stages:          make([]*StageConfig, 0, len(t.Stages)),
	}
	for _, s := range t.Stages {
		sc := &StageConfig{
			ID:             s.ID,
			Name:           s.Name,
			Type:           s.Type,
			Roles:          s.Roles,
			NextStages:     s.NextStages,
			AutoTransition: s.AutoTransition,
			Action:         s.Action,
			NotifyRoles:    s.NotifyRoles,
			Rejection:      s.Rejection,
			RejectStage:    s.RejectStage,
		}
		if s.SLA > 0 {
			sc.SLA = s.SLA.String()
		}
		for _, r := range s.TransitionRules {
			sc.Rules = append(sc.Rules, &RuleConfig{When: r.When, Target: r.Target})
		}
		c.Stages = append(c.Stages, sc)
	}
	return c
}

func ParseTemplateYAML(b []byte) (*WorkflowTemplate, error) {
	config := &TemplateConfig{}
	if err := yaml.Unmarshal(b, config); err != nil {
		return nil, errors.WithMessagef(ErrTemplateValidation, "unmarshal yaml failed: %v", err)
	}
	return config.ToTemplate()
}

func ParseTemplateJSON(b []byte) (*WorkflowTemplate, error) {
	config := &TemplateConfig{}
	if err := json.Unmarshal(b, config); err != nil {
		return nil, errors.WithMessagef(ErrTemplateValidation, "unmarshal json failed: %v", err)
	}
	return config.ToTemplate()
}
