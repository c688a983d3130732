package workflow

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// ApprovalTask 待人工处理的任务, 每个 (实例, 阶段) 最多一个
type ApprovalTask struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id"`
	TemplateID string    `json:"template_id"`
	StageID    string    `json:"stage_id"`
	StageType  StageType `json:"stage_type"`
	// Priority 包含等待时间加成, 每次查询时重新计算
	Priority     int             `json:"priority"`
	BasePriority int             `json:"base_priority"`
	Roles        []string        `json:"roles"`
	DueDate      *time.Time      `json:"due_date,omitempty"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	Seq          uint64          `json:"seq"`
	Data         *Payload        `json:"data"`
	RiskLevel    RiskLevel       `json:"risk_level"`
	Amount       decimal.Decimal `json:"amount"`
}

func (t *ApprovalTask) clone() *ApprovalTask {
	ret := *t
	ret.Roles = append([]string(nil), t.Roles...)
	ret.Data = t.Data.Clone()
	if t.DueDate != nil {
		d := *t.DueDate
		ret.DueDate = &d
	}
	return &ret
}

func (t *ApprovalTask) hasRole(role string) bool {
	for _, r := range t.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// QueueFilter 字段为空表示不过滤
type QueueFilter struct {
	Role        string `json:"role" query:"role"`
	MinPriority int    `json:"min_priority" query:"min_priority"`
	InstanceID  string `json:"instance_id" query:"instance_id"`
	TemplateID  string `json:"template_id" query:"template_id"`
}

// ApprovalQueue 写入时复制, 读取不加锁
type ApprovalQueue struct {
	mu      sync.Mutex
	tasks   atomic.Pointer[[]*ApprovalTask]
	seq     uint64
	cfg     PriorityConfig
	clock   Clock
	newID   func() string
	metrics *Metrics
}

func NewApprovalQueue(cfg PriorityConfig, clock Clock, metrics *Metrics) *ApprovalQueue {
	q := &ApprovalQueue{cfg: cfg, clock: clock, newID: newUUID, metrics: metrics}
	empty := make([]*ApprovalTask, 0)
	q.tasks.Store(&empty)
	return q
}

func (q *ApprovalQueue) load() []*ApprovalTask {
	return *q.tasks.Load()
}

// Enqueue 为实例当前的人工阶段创建任务, 同一个阶段重复入队返回 ErrDuplicateTask
func (q *ApprovalQueue) Enqueue(inst *WorkflowInstance, stage *Stage) (*ApprovalTask, error) {
	if inst == nil || stage == nil {
		return nil, errors.WithMessage(ErrWorkflowParamInvalid, "instance and stage are required")
	}
	if !isHumanStage(stage.Type) {
		return nil, errors.WithMessagef(ErrInvalidStage, "stage %s is %s, not a human stage", stage.ID, stage.Type)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	current := q.load()
	for _, t := range current {
		if t.InstanceID == inst.ID && t.StageID == stage.ID {
			return nil, errors.WithMessagef(ErrDuplicateTask, "instance: %s, stage: %s", inst.ID, stage.ID)
		}
	}
	now := q.clock.now()
	q.seq++
	amount, _ := inst.Data.GetDecimal(PayloadKeyAmount)
	urgent, _ := inst.Data.GetBool(q.cfg.UrgentField)
	task := &ApprovalTask{
		ID:           q.newID(),
		InstanceID:   inst.ID,
		TemplateID:   inst.TemplateID,
		StageID:      stage.ID,
		StageType:    stage.Type,
		BasePriority: q.cfg.basePriority(inst.Risk.Level, amount, urgent),
		Roles:        append([]string(nil), stage.Roles...),
		EnqueuedAt:   now,
		Seq:          q.seq,
		Data:         inst.Data.Clone(),
		RiskLevel:    inst.Risk.Level,
		Amount:       amount,
	}
	task.Priority = task.BasePriority
	if stage.SLA > 0 {
		due := now.Add(stage.SLA)
		task.DueDate = &due
	}
	next := make([]*ApprovalTask, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, task)
	q.tasks.Store(&next)
	q.metrics.queueDepth(len(next))
	return task.clone(), nil
}

// Remove 任务只能被移除一次
func (q *ApprovalQueue) Remove(taskID string) (*ApprovalTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	current := q.load()
	for i, t := range current {
		if t.ID != taskID {
			continue
		}
		next := make([]*ApprovalTask, 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		q.tasks.Store(&next)
		q.metrics.queueDepth(len(next))
		return t.clone(), nil
	}
	return nil, errors.WithMessagef(ErrTaskNotFound, "task id: %s", taskID)
}

func (q *ApprovalQueue) Get(taskID string) (*ApprovalTask, error) {
	for _, t := range q.load() {
		if t.ID == taskID {
			ret := t.clone()
			ret.Priority = q.priority(t, q.clock.now())
			return ret, nil
		}
	}
	return nil, errors.WithMessagef(ErrTaskNotFound, "task id: %s", taskID)
}

// findOpen 实例在某个阶段的任务
func (q *ApprovalQueue) findOpen(instanceID, stageID string) (*ApprovalTask, bool) {
	for _, t := range q.load() {
		if t.InstanceID == instanceID && t.StageID == stageID {
			return t.clone(), true
		}
	}
	return nil, false
}

func (q *ApprovalQueue) Len() int {
	return len(q.load())
}

// List 按优先级降序, 截止时间升序(没有截止时间的排最后), 入队顺序升序
func (q *ApprovalQueue) List(filter *QueueFilter) []*ApprovalTask {
	if filter == nil {
		filter = &QueueFilter{}
	}
	now := q.clock.now()
	ret := make([]*ApprovalTask, 0)
	for _, t := range q.load() {
		if filter.InstanceID != "" && t.InstanceID != filter.InstanceID {
			continue
		}
		if filter.TemplateID != "" && t.TemplateID != filter.TemplateID {
			continue
		}
		if filter.Role != "" && !t.hasRole(filter.Role) {
			continue
		}
		task := t.clone()
		task.Priority = q.priority(t, now)
		if task.Priority < filter.MinPriority {
			continue
		}
		ret = append(ret, task)
	}
	sortTasks(ret)
	return ret
}

func sortTasks(tasks []*ApprovalTask) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		switch {
		case a.DueDate != nil && b.DueDate != nil:
			if !a.DueDate.Equal(*b.DueDate) {
				return a.DueDate.Before(*b.DueDate)
			}
		case a.DueDate != nil:
			return true
		case b.DueDate != nil:
			return false
		}
		return a.Seq < b.Seq
	})
}

func (q *ApprovalQueue) priority(t *ApprovalTask, now time.Time) int {
	return t.BasePriority + q.cfg.ageBonus(now.Sub(t.EnqueuedAt))
}

// basePriority 不包含等待时间的部分
func (c PriorityConfig) basePriority(level RiskLevel, amount decimal.Decimal, urgent bool) int {
	p := c.Base
	switch level {
	case RiskLevelHigh:
		p += c.HighRisk
	case RiskLevelMedium:
		p += c.MediumRisk
	}
	switch {
	case amount.GreaterThan(c.HighAmount):
		p += c.HighTier
	case amount.GreaterThan(c.MidAmount):
		p += c.MidTier
	case amount.GreaterThan(c.LowAmount):
		p += c.LowTier
	}
	if urgent {
		p += c.Urgent
	}
	return p
}

func (c PriorityConfig) ageBonus(waited time.Duration) int {
	if waited <= 0 {
		return 0
	}
	days := int(waited / (24 * time.Hour))
	bonus := days * c.AgePerDay
	if bonus > c.AgeCap {
		bonus = c.AgeCap
	}
	return bonus
}
