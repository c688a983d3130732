package workflow

import (
	"context"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

// mutation 一次持锁修改的工作区, inst 是副本, 提交前对其他读者不可见
type mutation struct {
	e    *Engine
	inst *WorkflowInstance
	// base 最近一次加载或提交的快照, 提交时用来比较
	base       *WorkflowInstance
	tmpl       *WorkflowTemplate
	events     []Event
	historyLen int
	depth      int
	dirty      bool
}

func (m *mutation) commit() (*WorkflowInstance, error) {
	snapshot := m.inst.clone()
	if err := m.e.instances.commit(m.base, snapshot); err != nil {
		return nil, err
	}
	m.base = snapshot
	return snapshot, nil
}

func (m *mutation) record(stageID string, action Action, actor string, comment string) {
	m.inst.History = append(m.inst.History, HistoryEntry{
		Seq:       len(m.inst.History) + 1,
		StageID:   stageID,
		Action:    action,
		Actor:     actor,
		Comment:   comment,
		Timestamp: m.e.clock.now(),
	})
	m.dirty = true
}

func (m *mutation) emit(event Event) {
	event.InstanceID = m.inst.ID
	event.TemplateID = m.inst.TemplateID
	if event.StageID == "" {
		event.StageID = m.inst.CurrentStage
	}
	event.Status = m.inst.Status
	event.Timestamp = m.e.clock.now()
	m.events = append(m.events, event)
}

func (m *mutation) currentStage() (*Stage, error) {
	stage, ok := m.tmpl.Stage(m.inst.CurrentStage)
	if !ok {
		return nil, errors.WithMessagef(ErrInvalidStage, "instance %s is at unknown stage %s", m.inst.ID, m.inst.CurrentStage)
	}
	return stage, nil
}

// mergeData 合并外部数据并重新评估风险
func (m *mutation) mergeData(data map[string]any) {
	if len(data) == 0 {
		return
	}
	m.inst.Data.Merge(data)
	m.rescore()
}

func (m *mutation) rescore() {
	m.inst.Risk = m.e.scorer.Score(m.inst.Data, m.tmpl.WorkflowType)
}

// actionAllowed 阶段类型决定可用的动作
func (m *mutation) actionAllowed(stage *Stage, action Action) bool {
	switch stage.Type {
	case StageTypeStart:
		return action == ActionSubmit || action == ActionCancel
	case StageTypeApproval:
		return action == ActionApprove || action == ActionReject
	case StageTypeTask:
		if action == ActionComplete {
			return true
		}
		if action == ActionReject {
			_, err := m.rejectTarget(stage)
			return err == nil
		}
	case StageTypeAutomated:
		return action == ActionRetry
	}
	return false
}

// advance 外部动作入口, expectTaskID 不为空时要求当前阶段的任务就是这个任务
func (m *mutation) advance(ctx context.Context, req *AdvanceReq, expectTaskID string) error {
	inst := m.inst
	if inst.IsTerminal() {
		return errors.WithMessagef(ErrTerminalState, "instance: %s, status: %s", inst.ID, inst.Status)
	}
	stage, err := m.currentStage()
	if err != nil {
		return err
	}
	privileged := m.e.isPrivileged(req.Actor)
	if inst.Frozen {
		if req.Action != ActionRetry || !privileged {
			return errors.WithMessagef(ErrWorkflowCycle, "instance %s is frozen at stage %s, only an administrator can retry", inst.ID, stage.ID)
		}
		inst.Frozen = false
		m.record(stage.ID, ActionRetry, req.Actor, req.Comment)
		return m.processStage(ctx)
	}
	if inst.Status == InstanceStatusCreated {
		return errors.WithMessagef(ErrInvalidAction, "instance %s is not started", inst.ID)
	}
	if !m.actionAllowed(stage, req.Action) {
		return errors.WithMessagef(ErrInvalidAction, "action %s is not permitted at %s stage %s", req.Action, stage.Type, stage.ID)
	}

	switch stage.Type {
	case StageTypeStart:
		if req.Actor != inst.Initiator && !privileged {
			return errors.WithMessagef(ErrPermissionDenied, "actor %s is not the initiator of %s", req.Actor, inst.ID)
		}
		if req.Action == ActionCancel {
			m.cancel(stage, req)
			return nil
		}
		m.mergeData(req.Data)
		next, err := m.nextStage(stage, false)
		if err != nil {
			return err
		}
		m.record(stage.ID, ActionSubmit, req.Actor, req.Comment)
		return m.moveTo(ctx, next)

	case StageTypeApproval, StageTypeTask:
		task, ok := m.e.queue.findOpen(inst.ID, stage.ID)
		if !ok || (expectTaskID != "" && task.ID != expectTaskID) {
			return errors.WithMessagef(ErrTaskNotFound, "no open task for instance %s at stage %s", inst.ID, stage.ID)
		}
		if !privileged && !m.e.holdsAnyRole(ctx, req.Actor, task.Roles) {
			return errors.WithMessagef(ErrPermissionDenied, "actor %s holds none of %v", req.Actor, task.Roles)
		}
		m.mergeData(req.Data)
		var next string
		if req.Action == ActionReject {
			next, err = m.rejectTarget(stage)
		} else {
			next, err = m.nextStage(stage, true)
		}
		if err != nil {
			return err
		}
		if _, err := m.e.queue.Remove(task.ID); err != nil {
			return err
		}
		m.record(stage.ID, req.Action, req.Actor, req.Comment)
		m.emit(Event{Type: EventApprovalResolved, TaskID: task.ID, Actor: req.Actor, Message: req.Action})
		return m.moveTo(ctx, next)

	case StageTypeAutomated:
		if !inst.Stalled {
			return errors.WithMessagef(ErrInvalidAction, "stage %s is not stalled", stage.ID)
		}
		if req.Actor != inst.Initiator && !privileged {
			return errors.WithMessagef(ErrPermissionDenied, "actor %s cannot retry %s", req.Actor, inst.ID)
		}
		m.mergeData(req.Data)
		m.record(stage.ID, ActionRetry, req.Actor, req.Comment)
		return m.processStage(ctx)
	}
	return errors.WithMessagef(ErrInvalidAction, "action %s is not permitted at stage %s", req.Action, stage.ID)
}

func (m *mutation) cancel(stage *Stage, req *AdvanceReq) {
	now := m.e.clock.now()
	m.record(stage.ID, ActionCancel, req.Actor, req.Comment)
	m.inst.Status = InstanceStatusRejected
	m.inst.CompletedAt = &now
	m.emit(Event{Type: EventWorkflowRejected, Actor: req.Actor, Message: "cancelled"})
}

// processStage 处理当前阶段, 自动阶段会一直递归到需要人工处理或者结束
// 递归函数, 不使用 defer
func (m *mutation) processStage(ctx context.Context) error {
	stage, err := m.currentStage()
	if err != nil {
		return err
	}
	ctx, span := startSpan(ctx, "workflow.stage", attribute.String("workflow.stage_id", stage.ID), attribute.String("workflow.stage_type", stage.Type))
	err = m.processStageType(ctx, stage)
	endSpanWithError(span, err)
	span.End()
	return err
}

func (m *mutation) processStageType(ctx context.Context, stage *Stage) error {
	switch stage.Type {
	case StageTypeStart:
		if !stage.AutoTransition {
			// 等待发起人 submit
			return nil
		}
		next, err := m.nextStage(stage, false)
		if err != nil {
			return err
		}
		m.record(stage.ID, actionAuto, SystemActor, "")
		return m.moveTo(ctx, next)

	case StageTypeAutomated:
		return m.runAutomated(ctx, stage)

	case StageTypeApproval, StageTypeTask:
		// 先提交实例再入队, 队列里的任务指向的一定是已经可见的阶段
		if _, err := m.commit(); err != nil {
			return err
		}
		task, err := m.e.queue.Enqueue(m.inst, stage)
		if errors.Is(err, ErrDuplicateTask) {
			return nil
		}
		if err != nil {
			return err
		}
		m.emit(Event{Type: EventApprovalEnqueued, TaskID: task.ID, NotifyRoles: stage.Roles})
		return nil

	case StageTypeEnd:
		m.finish(stage)
		return nil
	}
	return errors.WithMessagef(ErrInvalidStage, "stage %s has unknown type %s", stage.ID, stage.Type)
}

func (m *mutation) runAutomated(ctx context.Context, stage *Stage) error {
	m.inst.Processing = true
	m.inst.Stalled = false
	m.inst.StallReason = ""
	m.dirty = true
	// 执行期间其他读者可以看到 processing
	if _, err := m.commit(); err != nil {
		return err
	}

	outcome, err := m.e.executor.Execute(ctx, stage.Action, m.inst.Data)
	m.inst.Processing = false
	if err != nil {
		m.stall(stage, err)
		m.emit(Event{Type: EventActionFailed, Message: err.Error()})
		return err
	}
	outcome.apply(m.inst.Data)
	m.rescore()
	m.record(stage.ID, actionExecuted, SystemActor, outcome.Message)

	next, err := m.nextStage(stage, false)
	if err != nil {
		m.stall(stage, err)
		return err
	}
	return m.moveTo(ctx, next)
}

func (m *mutation) stall(stage *Stage, err error) {
	m.inst.Stalled = true
	m.inst.StallReason = err.Error()
	m.record(stage.ID, actionFailed, SystemActor, err.Error())
}

func (m *mutation) finish(stage *Stage) {
	now := m.e.clock.now()
	m.inst.CompletedAt = &now
	m.inst.Stalled = false
	m.inst.StallReason = ""
	if stage.Rejection {
		m.inst.Status = InstanceStatusRejected
		m.emit(Event{Type: EventWorkflowRejected, NotifyRoles: stage.NotifyRoles})
		return
	}
	m.inst.Status = InstanceStatusCompleted
	m.emit(Event{Type: EventWorkflowCompleted, NotifyRoles: stage.NotifyRoles})
}

// moveTo 流转到 target 并继续处理
func (m *mutation) moveTo(ctx context.Context, target string) error {
	next, ok := m.tmpl.Stage(target)
	if !ok {
		return errors.WithMessagef(ErrInvalidStage, "stage %s not found in template %s", target, m.tmpl.ID)
	}
	if m.needsEscalation(next) {
		top := m.topApproverStage()
		m.record(m.inst.CurrentStage, actionEscalate, SystemActor, "high risk requires "+m.tmpl.TopApproverRole+" approval")
		next = top
	}
	m.depth++
	if m.depth > m.e.cfg.MaxChainDepth {
		// 停在最后一个稳定的阶段, 等待人工检查
		m.inst.Frozen = true
		m.record(m.inst.CurrentStage, actionCycleFreeze, SystemActor, "auto-transition chain exceeded limit before "+next.ID)
		return errors.WithMessagef(ErrWorkflowCycle, "instance %s exceeded %d transitions at stage %s", m.inst.ID, m.e.cfg.MaxChainDepth, m.inst.CurrentStage)
	}
	from := m.inst.CurrentStage
	m.inst.CurrentStage = next.ID
	m.record(next.ID, actionEnter, SystemActor, "")
	m.emit(Event{Type: EventStageTransitioned, FromStageID: from, StageID: next.ID})
	m.emit(Event{Type: EventStageEntered, StageID: next.ID})
	m.e.metrics.transition(m.tmpl.ID, next.ID)
	return m.processStage(ctx)
}

// needsEscalation 高风险请求正常结束之前必须经过最高审批角色
func (m *mutation) needsEscalation(next *Stage) bool {
	if next.Type != StageTypeEnd || next.Rejection {
		return false
	}
	if m.inst.Risk.Level != RiskLevelHigh || m.tmpl.TopApproverRole == "" {
		return false
	}
	return !m.topApproved() && m.topApproverStage() != nil
}

func (m *mutation) topApproved() bool {
	for _, h := range m.inst.History {
		if h.Action != ActionApprove && h.Action != ActionComplete {
			continue
		}
		if stage, ok := m.tmpl.Stage(h.StageID); ok && stage.hasRole(m.tmpl.TopApproverRole) {
			return true
		}
	}
	return false
}

func (m *mutation) topApproverStage() *Stage {
	for _, s := range m.tmpl.Stages {
		if s.Type == StageTypeApproval && s.hasRole(m.tmpl.TopApproverRole) {
			return s
		}
	}
	return nil
}

func (m *mutation) isRejectionTarget(stage *Stage, target string) bool {
	if target == stage.RejectStage {
		return true
	}
	next, ok := m.tmpl.Stage(target)
	return ok && next.Type == StageTypeEnd && next.Rejection
}

// nextStage 规则按顺序求值, 第一个命中的生效, 都不命中回退到第一个后置阶段
// approvedPath 为 true 时跳过驳回目标
func (m *mutation) nextStage(stage *Stage, approvedPath bool) (string, error) {
	ec := &EvalContext{Data: m.inst.Data, Risk: m.inst.Risk, WorkflowType: m.tmpl.WorkflowType}
	for i, rule := range stage.TransitionRules {
		if approvedPath && m.isRejectionTarget(stage, rule.Target) {
			continue
		}
		ok, err := rule.When.Evaluate(ec, m.e.templates.Predicates())
		if err != nil {
			return "", errors.WithMessagef(ErrNoMatchingTransition, "stage %s rule #%d: %v", stage.ID, i, err)
		}
		if ok {
			return rule.Target, nil
		}
	}
	for _, next := range stage.NextStages {
		if approvedPath && m.isRejectionTarget(stage, next) {
			continue
		}
		return next, nil
	}
	return "", errors.WithMessagef(ErrNoMatchingTransition, "stage %s", stage.ID)
}

func (m *mutation) rejectTarget(stage *Stage) (string, error) {
	if target := rejectionTarget(stage, m.tmpl.Stages, m.tmpl.Stage); target != "" {
		return target, nil
	}
	return "", errors.WithMessagef(ErrNoMatchingTransition, "stage %s has no rejection path", stage.ID)
}
