package workflow

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RoleResolver 判断 actor 是否拥有某个角色, 由接入方实现
type RoleResolver interface {
	HasRole(ctx context.Context, actor string, role string) bool
}

// StaticRoleResolver actor 和角色同名时视为拥有该角色, 其余按配置的分配关系
type StaticRoleResolver struct {
	assignments map[string][]string
}

func NewStaticRoleResolver(assignments map[string][]string) *StaticRoleResolver {
	copied := make(map[string][]string, len(assignments))
	for actor, roles := range assignments {
		copied[actor] = append([]string(nil), roles...)
	}
	return &StaticRoleResolver{assignments: copied}
}

func (r *StaticRoleResolver) HasRole(_ context.Context, actor string, role string) bool {
	if actor == role {
		return true
	}
	for _, assigned := range r.assignments[actor] {
		if assigned == role {
			return true
		}
	}
	return false
}

type CreateInstanceReq struct {
	TemplateID string         `json:"template_id" validate:"required"`
	Data       map[string]any `json:"data"`
	Initiator  string         `json:"initiator" validate:"required"`
}

type AdvanceReq struct {
	InstanceID string         `json:"instance_id" validate:"required"`
	Action     Action         `json:"action" validate:"required"`
	Actor      string         `json:"actor" validate:"required"`
	Data       map[string]any `json:"data"`
	Comment    string         `json:"comment"`
}

type ResolveApprovalReq struct {
	TaskID   string `json:"task_id" validate:"required"`
	Approved bool   `json:"approved"`
	Actor    string `json:"actor" validate:"required"`
	Comment  string `json:"comment"`
}

// Engine 实例管理: 创建, 流转, 审批, 查询
// 不同实例之间完全并行, 同一个实例同一时间只有一个修改
type Engine struct {
	cfg       EngineConfig
	templates *TemplateStore
	scorer    RiskScorer
	actions   *ActionRegistry
	executor  *ActionExecutor
	queue     *ApprovalQueue
	instances *instanceStore
	events    *EventBus
	lock      InstanceLock
	roles     RoleResolver
	archive   ArchiveRepo
	metrics   *Metrics
	clock     Clock
	newID     func() string
}

type EngineOption func(e *Engine)

func WithConfig(cfg EngineConfig) EngineOption {
	return func(e *Engine) { e.cfg = cfg }
}

func WithRiskScorer(scorer RiskScorer) EngineOption {
	return func(e *Engine) { e.scorer = scorer }
}

func WithActionRegistry(registry *ActionRegistry) EngineOption {
	return func(e *Engine) { e.actions = registry }
}

func WithInstanceLock(lock InstanceLock) EngineOption {
	return func(e *Engine) { e.lock = lock }
}

func WithRoleResolver(roles RoleResolver) EngineOption {
	return func(e *Engine) { e.roles = roles }
}

// WithArchive 每次修改提交之后写入审计归档, 写入失败只打日志
func WithArchive(repo ArchiveRepo) EngineOption {
	return func(e *Engine) { e.archive = repo }
}

func WithMetrics(metrics *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = metrics }
}

func WithClock(clock Clock) EngineOption {
	return func(e *Engine) { e.clock = clock }
}

func WithIDGenerator(newID func() string) EngineOption {
	return func(e *Engine) { e.newID = newID }
}

func NewEngine(templates *TemplateStore, opts ...EngineOption) (*Engine, error) {
	if templates == nil {
		return nil, errors.WithMessage(ErrWorkflowParamInvalid, "template store is required")
	}
	e := &Engine{
		cfg:       DefaultEngineConfig(),
		templates: templates,
		clock:     Clock(nil),
		newID:     newUUID,
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.cfg.Validate(); err != nil {
		return nil, err
	}
	if e.scorer == nil {
		e.scorer = NewRiskScorer(e.cfg.Risk)
	}
	if e.actions == nil {
		e.actions = NewActionRegistry()
	}
	if e.lock == nil {
		e.lock = NewLocalInstanceLock()
	}
	if e.roles == nil {
		e.roles = NewStaticRoleResolver(nil)
	}
	e.executor = NewActionExecutor(e.actions, e.metrics)
	e.queue = NewApprovalQueue(e.cfg.Priority, e.clock, e.metrics)
	e.queue.newID = e.newID
	e.events = NewEventBus(e.cfg.EventBuffer, e.metrics)
	e.instances = newInstanceStore()
	return e, nil
}

func (e *Engine) Templates() *TemplateStore { return e.templates }

func (e *Engine) Actions() *ActionRegistry { return e.actions }

func (e *Engine) Queue() *ApprovalQueue { return e.queue }

func (e *Engine) Events() *EventBus { return e.events }

func (e *Engine) CreateTemplate(ctx context.Context, template *WorkflowTemplate) (string, error) {
	return e.templates.Register(ctx, template)
}

func (e *Engine) GetTemplate(_ context.Context, templateID string) (*WorkflowTemplate, error) {
	return e.templates.Get(templateID)
}

func (e *Engine) UpdateTemplate(ctx context.Context, templateID string, patch *TemplatePatch) (bool, error) {
	return e.templates.Update(ctx, templateID, patch)
}

func (e *Engine) ListTemplates(_ context.Context) []*WorkflowTemplate {
	return e.templates.List()
}

// CreateInstance 创建实例并立即开始执行, 返回的实例是执行之后的快照
// 自动动作失败时同时返回实例和 ErrActionFailure
func (e *Engine) CreateInstance(ctx context.Context, req *CreateInstanceReq) (*WorkflowInstance, error) {
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.WithMessagef(ErrWorkflowParamInvalid, "CreateInstance: %v", err)
	}
	ctx, span := startSpan(ctx, "workflow.CreateInstance", attribute.String("workflow.template_id", req.TemplateID))
	defer span.End()

	tmpl, err := e.templates.Get(req.TemplateID)
	if err != nil {
		return nil, endSpanWithError(span, err)
	}
	start := tmpl.StartStage()
	if start == nil {
		// 注册时已经校验过, 不会出现
		return nil, endSpanWithError(span, errors.WithMessagef(ErrInvalidStage, "template %s has no start stage", tmpl.ID))
	}
	now := e.clock.now()
	data := NewPayload(req.Data)
	inst := &WorkflowInstance{
		ID:              e.newID(),
		TemplateID:      tmpl.ID,
		TemplateVersion: tmpl.Version,
		WorkflowType:    tmpl.WorkflowType,
		Status:          InstanceStatusCreated,
		CurrentStage:    start.ID,
		Data:            data,
		Risk:            e.scorer.Score(data, tmpl.WorkflowType),
		Initiator:       req.Initiator,
		CreatedAt:       now,
		History: []HistoryEntry{{
			Seq:       1,
			StageID:   start.ID,
			Action:    actionEnter,
			Actor:     req.Initiator,
			Comment:   "created",
			Timestamp: now,
		}},
	}
	if err := e.instances.create(inst); err != nil {
		return nil, endSpanWithError(span, err)
	}
	span.SetAttributes(attribute.String("workflow.instance_id", inst.ID))
	e.metrics.instanceCreated(tmpl.ID)
	e.archiveInstance(ctx, inst, 0)
	e.events.Publish(Event{
		Type:       EventInstanceCreated,
		InstanceID: inst.ID,
		TemplateID: inst.TemplateID,
		StageID:    inst.CurrentStage,
		Actor:      inst.Initiator,
		Status:     inst.Status,
		Timestamp:  now,
	})
	slog.InfoContext(ctx, "[Engine.CreateInstance] instance created", "instance_id", inst.ID, "template_id", tmpl.ID, "risk", inst.Risk.Level)

	started, err := e.StartWorkflow(ctx, inst.ID)
	if err != nil {
		return started, endSpanWithError(span, err)
	}
	return started, nil
}

// StartWorkflow created -> in-progress, 从当前阶段开始执行
func (e *Engine) StartWorkflow(ctx context.Context, instanceID string) (*WorkflowInstance, error) {
	if instanceID == "" {
		return nil, errors.WithMessage(ErrWorkflowParamInvalid, "StartWorkflow: instance id is empty")
	}
	return e.mutate(ctx, instanceID, "StartWorkflow", func(ctx context.Context, m *mutation) error {
		if m.inst.IsTerminal() {
			return errors.WithMessagef(ErrTerminalState, "instance: %s, status: %s", m.inst.ID, m.inst.Status)
		}
		if m.inst.Status != InstanceStatusCreated {
			return errors.WithMessagef(ErrInvalidAction, "instance %s already started", m.inst.ID)
		}
		now := m.e.clock.now()
		m.inst.Status = InstanceStatusInProgress
		m.inst.StartedAt = &now
		m.dirty = true
		return m.processStage(ctx)
	})
}

// Advance 对当前阶段执行动作
func (e *Engine) Advance(ctx context.Context, req *AdvanceReq) (*WorkflowInstance, error) {
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.WithMessagef(ErrWorkflowParamInvalid, "Advance: %v", err)
	}
	return e.mutate(ctx, req.InstanceID, "Advance", func(ctx context.Context, m *mutation) error {
		return m.advance(ctx, req, "")
	})
}

// ResolveApproval 处理审批任务, approved=false 走驳回路径
func (e *Engine) ResolveApproval(ctx context.Context, req *ResolveApprovalReq) (*WorkflowInstance, error) {
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.WithMessagef(ErrWorkflowParamInvalid, "ResolveApproval: %v", err)
	}
	task, err := e.queue.Get(req.TaskID)
	if err != nil {
		return nil, err
	}
	action := ActionApprove
	if task.StageType == StageTypeTask {
		action = ActionComplete
	}
	if !req.Approved {
		action = ActionReject
	}
	advanceReq := &AdvanceReq{
		InstanceID: task.InstanceID,
		Action:     action,
		Actor:      req.Actor,
		Comment:    req.Comment,
	}
	return e.mutate(ctx, task.InstanceID, "ResolveApproval", func(ctx context.Context, m *mutation) error {
		return m.advance(ctx, advanceReq, task.ID)
	})
}

func (e *Engine) GetInstance(_ context.Context, instanceID string) (*WorkflowInstance, error) {
	inst, ok := e.instances.load(instanceID)
	if !ok {
		return nil, errors.WithMessagef(ErrInstanceNotFound, "instance id: %s", instanceID)
	}
	return inst.clone(), nil
}

// ListInstances 按创建时间排序
func (e *Engine) ListInstances(_ context.Context, filter *InstanceFilter) []*WorkflowInstance {
	ret := make([]*WorkflowInstance, 0)
	for _, inst := range e.instances.snapshot() {
		if filter.match(inst) {
			ret = append(ret, inst.clone())
		}
	}
	return ret
}

func (e *Engine) ListApprovalQueue(_ context.Context, filter *QueueFilter) []*ApprovalTask {
	return e.queue.List(filter)
}

// GetAnalytics topN <= 0 返回所有阶段
func (e *Engine) GetAnalytics(_ context.Context, topN int) *AnalyticsReport {
	instances := e.instances.snapshot()
	return &AnalyticsReport{
		Summary:     Summarize(instances, e.queue.Len()),
		Bottlenecks: Bottlenecks(instances, topN),
		GeneratedAt: e.clock.now(),
	}
}

func (e *Engine) Subscribe(types ...EventType) *Subscription {
	return e.events.Subscribe(types...)
}

func (e *Engine) isPrivileged(actor string) bool {
	return actor == SystemActor || e.cfg.isAdmin(actor)
}

func (e *Engine) holdsAnyRole(ctx context.Context, actor string, roles []string) bool {
	for _, role := range roles {
		if e.roles.HasRole(ctx, actor, role) {
			return true
		}
	}
	return false
}

// mutate 持有实例锁执行 fn, 结束后提交快照, 写归档, 发布事件
// 实例有变化时返回新的快照, 没有变化且出错时返回 nil
func (e *Engine) mutate(ctx context.Context, instanceID string, op string, fn func(ctx context.Context, m *mutation) error) (*WorkflowInstance, error) {
	ctx, span := startSpan(ctx, "workflow."+op, attribute.String("workflow.instance_id", instanceID))
	defer span.End()

	var result *WorkflowInstance
	err := e.lock.TryWithLock(ctx, instanceLockKey(instanceID), e.cfg.LockTTL, func(ctx context.Context) error {
		current, ok := e.instances.load(instanceID)
		if !ok {
			return errors.WithMessagef(ErrInstanceNotFound, "instance id: %s", instanceID)
		}
		tmpl, err := e.templates.GetVersion(current.TemplateID, current.TemplateVersion)
		if err != nil {
			return errors.WithMessagef(err, "instance: %s", instanceID)
		}
		m := &mutation{
			e:          e,
			inst:       current.clone(),
			base:       current,
			tmpl:       tmpl,
			historyLen: len(current.History),
		}
		opErr := fn(ctx, m)
		if m.dirty {
			m.inst.Processing = false
			snapshot, err := m.commit()
			if err != nil {
				return err
			}
			e.archiveInstance(ctx, snapshot, m.historyLen)
			if snapshot.IsTerminal() && !current.IsTerminal() {
				e.metrics.instanceFinished(snapshot)
			}
			for _, event := range m.events {
				e.events.Publish(event)
			}
		}
		if m.dirty || opErr == nil {
			latest, _ := e.instances.load(instanceID)
			result = latest.clone()
		}
		return opErr
	})
	if errors.Is(err, ErrLockHeld) {
		e.metrics.lockConflict()
		err = errors.WithMessagef(ErrConcurrentModification, "[Engine.%s] instance: %s", op, instanceID)
	}
	if err != nil {
		if IsSeriousError(err) {
			slog.ErrorContext(ctx, "[Engine."+op+"] failed", "instance_id", instanceID, "err", err)
		} else {
			slog.WarnContext(ctx, "[Engine."+op+"] failed", "instance_id", instanceID, "err", err)
		}
		return result, endSpanWithError(span, err)
	}
	return result, nil
}

// archiveInstance 尽力写入, 失败不影响实例
func (e *Engine) archiveInstance(ctx context.Context, inst *WorkflowInstance, fromHistory int) {
	if e.archive == nil {
		return
	}
	newEntries := inst.History
	if fromHistory > 0 && fromHistory <= len(newEntries) {
		newEntries = newEntries[fromHistory:]
	}
	err := e.archive.Transaction(ctx, func(ctx context.Context) error {
		if err := e.archive.SaveInstance(ctx, toArchivePo(inst)); err != nil {
			return err
		}
		return e.archive.AppendHistory(ctx, toHistoryArchivePos(inst.ID, newEntries))
	})
	if err != nil {
		e.metrics.archiveFailed()
		slog.ErrorContext(ctx, "[Engine.archiveInstance] archive failed", "instance_id", inst.ID, "err", err)
	}
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpanWithError(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
