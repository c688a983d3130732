package workflow

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// HistoryEntry 实例历史, 只追加不修改
type HistoryEntry struct {
	Seq       int       `json:"seq"`
	StageID   string    `json:"stage_id"`
	Action    Action    `json:"action"`
	Actor     string    `json:"actor"`
	Comment   string    `json:"comment,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WorkflowInstance 实例快照, 对外返回的都是副本
type WorkflowInstance struct {
	ID              string         `json:"id"`
	TemplateID      string         `json:"template_id"`
	TemplateVersion int            `json:"template_version"`
	WorkflowType    string         `json:"workflow_type"`
	Status          InstanceStatus `json:"status"`
	CurrentStage    string         `json:"current_stage"`
	Data            *Payload       `json:"data"`
	Risk            RiskAssessment `json:"risk"`
	History         []HistoryEntry `json:"history"`
	Initiator       string         `json:"initiator"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	// 自动动作执行中
	Processing bool `json:"processing"`
	// 自动动作失败, 等待 retry
	Stalled     bool   `json:"stalled"`
	StallReason string `json:"stall_reason,omitempty"`
	// 自动流转超过最大深度, 只有管理员可以 retry
	Frozen bool `json:"frozen"`
}

func (i *WorkflowInstance) IsTerminal() bool {
	return IsTerminalStatus(i.Status)
}

func (i *WorkflowInstance) clone() *WorkflowInstance {
	ret := *i
	ret.Data = i.Data.Clone()
	ret.Risk = i.Risk.clone()
	ret.History = append([]HistoryEntry(nil), i.History...)
	if i.StartedAt != nil {
		t := *i.StartedAt
		ret.StartedAt = &t
	}
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		ret.CompletedAt = &t
	}
	return &ret
}

// instanceStore 每个实例一个 atomic.Pointer, 读不加锁
// 写入只发生在持有实例锁的时候, 写入的快照之后不再修改
type instanceStore struct {
	instances sync.Map // id -> *atomic.Pointer[WorkflowInstance]
}

func newInstanceStore() *instanceStore {
	return &instanceStore{}
}

func (s *instanceStore) create(inst *WorkflowInstance) error {
	p := &atomic.Pointer[WorkflowInstance]{}
	p.Store(inst)
	if _, loaded := s.instances.LoadOrStore(inst.ID, p); loaded {
		return errors.WithMessagef(ErrWorkflowParamInvalid, "instance already exists, id: %s", inst.ID)
	}
	return nil
}

// load 返回的快照不能修改
func (s *instanceStore) load(id string) (*WorkflowInstance, bool) {
	v, ok := s.instances.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*atomic.Pointer[WorkflowInstance]).Load(), true
}

// commit 当前快照仍然是 expected 时才替换
// 锁过期之后旧的持有者提交会失败, 不会覆盖新的写入
func (s *instanceStore) commit(expected, inst *WorkflowInstance) error {
	v, ok := s.instances.Load(inst.ID)
	if !ok {
		return errors.WithMessagef(ErrInstanceNotFound, "instance id: %s", inst.ID)
	}
	if !v.(*atomic.Pointer[WorkflowInstance]).CompareAndSwap(expected, inst) {
		return errors.WithMessagef(ErrConcurrentModification, "instance %s changed after it was loaded", inst.ID)
	}
	return nil
}

// snapshot 所有实例的当前快照, 按创建时间和 id 排序
func (s *instanceStore) snapshot() []*WorkflowInstance {
	ret := make([]*WorkflowInstance, 0)
	s.instances.Range(func(_, v any) bool {
		ret = append(ret, v.(*atomic.Pointer[WorkflowInstance]).Load())
		return true
	})
	sort.Slice(ret, func(i, j int) bool {
		if !ret[i].CreatedAt.Equal(ret[j].CreatedAt) {
			return ret[i].CreatedAt.Before(ret[j].CreatedAt)
		}
		return ret[i].ID < ret[j].ID
	})
	return ret
}

// InstanceFilter 字段为空表示不过滤
type InstanceFilter struct {
	Status     InstanceStatus `json:"status" query:"status"`
	TemplateID string         `json:"template_id" query:"template_id"`
	Initiator  string         `json:"initiator" query:"initiator"`
}

func (f *InstanceFilter) match(inst *WorkflowInstance) bool {
	if f == nil {
		return true
	}
	if f.Status != "" && inst.Status != f.Status {
		return false
	}
	if f.TemplateID != "" && inst.TemplateID != f.TemplateID {
		return false
	}
	if f.Initiator != "" && inst.Initiator != f.Initiator {
		return false
	}
	return true
}
