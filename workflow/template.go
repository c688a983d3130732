package workflow

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// WorkflowTemplate 工作流模板, 注册之后只读, 修改会产生新版本
type WorkflowTemplate struct {
	ID           string
	Name         string
	Version      int
	WorkflowType string // budget | procurement | document-review, 决定风险加成规则
	// 高风险请求必须经过包含这个角色的审批阶段才能正常结束
	TopApproverRole string
	Stages          []*Stage
	CreatedAt       time.Time

	stageIndex map[string]*Stage
}

// Stage 模板中的一个阶段
type Stage struct {
	ID              string
	Name            string
	Type            StageType
	Roles           []string // approval/task 阶段的处理角色
	SLA             time.Duration
	TransitionRules []TransitionRule
	NextStages      []string
	AutoTransition  bool
	Action          string   // automated 阶段绑定的动作名
	NotifyRoles     []string // end 阶段需要通知的角色
	Rejection       bool     // end 阶段: 通过驳回路径到达, 实例状态为 rejected
	RejectStage     string   // approval/task 阶段: 驳回后的目标阶段
}

// TransitionRule 按声明顺序求值, 第一个命中的生效
type TransitionRule struct {
	When   Predicate
	Target string
}

// Stage 查找阶段
func (t *WorkflowTemplate) Stage(id string) (*Stage, bool) {
	if t.stageIndex == nil {
		t.buildIndex()
	}
	s, ok := t.stageIndex[id]
	return s, ok
}

func (t *WorkflowTemplate) StartStage() *Stage {
	for _, s := range t.Stages {
		if s.Type == StageTypeStart {
			return s
		}
	}
	return nil
}

func (t *WorkflowTemplate) buildIndex() {
	t.stageIndex = make(map[string]*Stage, len(t.Stages))
	for _, s := range t.Stages {
		t.stageIndex[s.ID] = s
	}
}

func (s *Stage) hasRole(role string) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// 阶段的所有出边, 去重并保持声明顺序
func (s *Stage) targets() []string {
	ret := make([]string, 0, len(s.NextStages)+len(s.TransitionRules)+1)
	for _, r := range s.TransitionRules {
		ret = append(ret, r.Target)
	}
	ret = append(ret, s.NextStages...)
	if s.RejectStage != "" {
		ret = append(ret, s.RejectStage)
	}
	return UniqueStr(ret)
}

// rejectionTarget 驳回目标: RejectStage, 否则第一个驳回结束的后置阶段, 否则模板里第一个驳回结束阶段
// 没有驳回路径时返回空
func rejectionTarget(s *Stage, stages []*Stage, lookup func(id string) (*Stage, bool)) string {
	if s.RejectStage != "" {
		return s.RejectStage
	}
	for _, next := range s.NextStages {
		if ns, ok := lookup(next); ok && ns.Type == StageTypeEnd && ns.Rejection {
			return next
		}
	}
	for _, ns := range stages {
		if ns != nil && ns.Type == StageTypeEnd && ns.Rejection {
			return ns.ID
		}
	}
	return ""
}

func UniqueStr(arr []string) []string {
	ret := make([]string, 0, len(arr))
	seen := make(map[string]struct{}, len(arr))
	for _, v := range arr {
		if _, ok := seen[v]; !ok {
			ret = append(ret, v)
			seen[v] = struct{}{}
		}
	}
	return ret
}

// clone 深拷贝, 保存到 store 和从 store 返回的都是副本
func (t *WorkflowTemplate) clone() *WorkflowTemplate {
	ret := &WorkflowTemplate{
		ID:              t.ID,
		Name:            t.Name,
		Version:         t.Version,
		WorkflowType:    t.WorkflowType,
		TopApproverRole: t.TopApproverRole,
		CreatedAt:       t.CreatedAt,
		Stages:          make([]*Stage, 0, len(t.Stages)),
	}
	for _, s := range t.Stages {
		ret.Stages = append(ret.Stages, s.clone())
	}
	ret.buildIndex()
	return ret
}

func (s *Stage) clone() *Stage {
	ret := *s
	ret.Roles = append([]string(nil), s.Roles...)
	ret.NextStages = append([]string(nil), s.NextStages...)
	ret.NotifyRoles = append([]string(nil), s.NotifyRoles...)
	ret.TransitionRules = make([]TransitionRule, 0, len(s.TransitionRules))
	for _, r := range s.TransitionRules {
		rule := r
		if r.When.Amount != nil {
			amount := *r.When.Amount
			rule.When.Amount = &amount
		}
		ret.TransitionRules = append(ret.TransitionRules, rule)
	}
	return &ret
}

// TemplatePatch 模板修改内容, 为空的字段不修改
type TemplatePatch struct {
	Name            *string
	TopApproverRole *string
	// 按 id 替换已有阶段, 不存在的追加到末尾
	UpsertStages []*Stage
	RemoveStages []string
}

func (p *TemplatePatch) isEmpty() bool {
	return p == nil || (p.Name == nil && p.TopApproverRole == nil && len(p.UpsertStages) == 0 && len(p.RemoveStages) == 0)
}

// TemplateStore 模板存储, 保存所有版本, 实例按创建时的版本执行
type TemplateStore struct {
	mu         sync.RWMutex
	versions   map[string][]*WorkflowTemplate // id -> 按版本号排序
	predicates *PredicateRegistry
	now        func() time.Time
	newID      func() string
}

func NewTemplateStore(predicates *PredicateRegistry) *TemplateStore {
	if predicates == nil {
		predicates = NewPredicateRegistry()
	}
	return &TemplateStore{
		versions:   make(map[string][]*WorkflowTemplate),
		predicates: predicates,
		now:        time.Now,
		newID:      newUUID,
	}
}

func (s *TemplateStore) Predicates() *PredicateRegistry {
	return s.predicates
}

// Register 校验并保存模板, 校验失败不会保存任何东西
func (s *TemplateStore) Register(ctx context.Context, template *WorkflowTemplate) (string, error) {
	if template == nil {
		return "", errors.WithMessage(ErrTemplateValidation, "template is nil")
	}
	t := template.clone()
	if t.ID == "" {
		t.ID = s.newID()
	}
	if err := ValidateTemplate(t, s.predicates); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.versions[t.ID]; ok {
		return "", errors.WithMessagef(ErrTemplateValidation, "template already registered, id: %s", t.ID)
	}
	t.Version = 1
	t.CreatedAt = s.now()
	s.versions[t.ID] = []*WorkflowTemplate{t}
	slog.InfoContext(ctx, "[TemplateStore.Register] template registered", "template_id", t.ID, "stages", len(t.Stages))
	return t.ID, nil
}

// Get 返回最新版本
func (s *TemplateStore) Get(id string) (*WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions, ok := s.versions[id]
	if !ok || len(versions) == 0 {
		return nil, errors.WithMessagef(ErrTemplateNotFound, "template id: %s", id)
	}
	return versions[len(versions)-1].clone(), nil
}

// GetVersion 返回指定版本, 运行中的实例使用这个方法
func (s *TemplateStore) GetVersion(id string, version int) (*WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions, ok := s.versions[id]
	if !ok || version < 1 || version > len(versions) {
		return nil, errors.WithMessagef(ErrTemplateNotFound, "template id: %s, version: %d", id, version)
	}
	return versions[version-1].clone(), nil
}

// List 每个模板的最新版本, 按 id 排序
func (s *TemplateStore) List() []*WorkflowTemplate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ret := make([]*WorkflowTemplate, 0, len(s.versions))
	for _, versions := range s.versions {
		ret = append(ret, versions[len(versions)-1].clone())
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret
}

// Update 应用 patch 生成新版本, 已经创建的实例不受影响
// 返回 false, nil 表示 patch 为空
func (s *TemplateStore) Update(ctx context.Context, id string, patch *TemplatePatch) (bool, error) {
	if patch.isEmpty() {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	versions, ok := s.versions[id]
	if !ok {
		return false, errors.WithMessagef(ErrTemplateNotFound, "template id: %s", id)
	}
	next := versions[len(versions)-1].clone()
	if patch.Name != nil {
		next.Name = *patch.Name
	}
	if patch.TopApproverRole != nil {
		next.TopApproverRole = *patch.TopApproverRole
	}
	for _, upsert := range patch.UpsertStages {
		if upsert == nil {
			continue
		}
		replaced := false
		for i, stage := range next.Stages {
			if stage.ID == upsert.ID {
				next.Stages[i] = upsert.clone()
				replaced = true
				break
			}
		}
		if !replaced {
			next.Stages = append(next.Stages, upsert.clone())
		}
	}
	if len(patch.RemoveStages) > 0 {
		remove := make(map[string]struct{}, len(patch.RemoveStages))
		for _, id := range patch.RemoveStages {
			remove[id] = struct{}{}
		}
		kept := make([]*Stage, 0, len(next.Stages))
		for _, stage := range next.Stages {
			if _, ok := remove[stage.ID]; !ok {
				kept = append(kept, stage)
			}
		}
		next.Stages = kept
	}
	next.buildIndex()
	if err := ValidateTemplate(next, s.predicates); err != nil {
		return false, err
	}
	next.Version = len(versions) + 1
	next.CreatedAt = s.now()
	s.versions[id] = append(versions, next)
	slog.InfoContext(ctx, "[TemplateStore.Update] template updated", "template_id", id, "version", next.Version)
	return true, nil
}

// ValidateTemplate 模板校验, 所有问题合并成一个 ErrTemplateValidation 返回
func ValidateTemplate(t *WorkflowTemplate, predicates *PredicateRegistry) error {
	problems := make([]string, 0)
	addProblem := func(format string, args ...any) {
		problems = append(problems, errors.Errorf(format, args...).Error())
	}
	if strings.TrimSpace(t.ID) == "" {
		addProblem("template id is empty")
	}
	if len(t.Stages) == 0 {
		addProblem("template has no stages")
	}

	index := make(map[string]*Stage, len(t.Stages))
	startCount := 0
	for i, s := range t.Stages {
		if s == nil {
			addProblem("stage #%d is nil", i)
			continue
		}
		if s.ID == "" {
			addProblem("stage #%d has empty id", i)
			continue
		}
		if _, dup := index[s.ID]; dup {
			addProblem("duplicate stage id %s", s.ID)
			continue
		}
		index[s.ID] = s
		if s.Type == StageTypeStart {
			startCount++
		}
	}
	if startCount != 1 {
		addProblem("template must have exactly one start stage, got %d", startCount)
	}

	hasRejectionEnd := false
	for _, s := range index {
		if s.Type == StageTypeEnd && s.Rejection {
			hasRejectionEnd = true
		}
	}

	for _, s := range t.Stages {
		if s == nil || index[s.ID] != s {
			continue
		}
		if !isKnownStageType(s.Type) {
			addProblem("stage %s has unknown type %q", s.ID, s.Type)
			continue
		}
		for _, target := range s.targets() {
			if _, ok := index[target]; !ok {
				addProblem("stage %s references unknown stage %s", s.ID, target)
			}
		}
		for i, rule := range s.TransitionRules {
			if err := rule.When.validate(predicates); err != nil {
				addProblem("stage %s rule #%d: %v", s.ID, i, err)
			}
		}
		switch s.Type {
		case StageTypeEnd:
			if len(s.NextStages) > 0 || len(s.TransitionRules) > 0 {
				addProblem("end stage %s must not have next stages", s.ID)
			}
		default:
			// 没有规则命中时回退到第一个后置阶段, 所以非结束阶段必须有后置阶段
			if len(s.NextStages) == 0 {
				addProblem("stage %s has no next stage", s.ID)
			}
		}
		if isHumanStage(s.Type) {
			if len(s.Roles) == 0 {
				addProblem("%s stage %s has empty role set", s.Type, s.ID)
			}
			if s.SLA < 0 {
				addProblem("stage %s has negative SLA", s.ID)
			}
			// 驳回目标可以不是结束阶段(比如退回修改)
			if s.RejectStage == "" && s.Type == StageTypeApproval && !hasRejectionEnd {
				addProblem("approval stage %s has no rejection path", s.ID)
			}
		}
		if s.Type == StageTypeAutomated && s.Action == "" {
			addProblem("automated stage %s has no bound action", s.ID)
		}
	}

	if t.TopApproverRole != "" {
		found := false
		for _, s := range index {
			if s.Type == StageTypeApproval && s.hasRole(t.TopApproverRole) {
				found = true
				break
			}
		}
		if !found {
			addProblem("no approval stage carries top approver role %s", t.TopApproverRole)
		}
	}

	if len(problems) == 0 && startCount == 1 {
		problems = append(problems, checkReachability(t.StartStage(), t.Stages, index)...)
		problems = append(problems, checkAutomatedCycles(index)...)
	}

	if len(problems) > 0 {
		return errors.WithMessagef(ErrTemplateValidation, "template %s: %s", t.ID, strings.Join(problems, "; "))
	}
	return nil
}

// 所有阶段都必须从 start 可达, 人工阶段的隐式驳回目标也算一条边
func checkReachability(start *Stage, stages []*Stage, index map[string]*Stage) []string {
	lookup := func(id string) (*Stage, bool) {
		s, ok := index[id]
		return s, ok
	}
	visited := map[string]bool{start.ID: true}
	queue := []*Stage{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		targets := cur.targets()
		if isHumanStage(cur.Type) {
			if reject := rejectionTarget(cur, stages, lookup); reject != "" {
				targets = append(targets, reject)
			}
		}
		for _, target := range targets {
			if visited[target] {
				continue
			}
			visited[target] = true
			if next, ok := index[target]; ok {
				queue = append(queue, next)
			}
		}
	}
	problems := make([]string, 0)
	ids := make([]string, 0, len(index))
	for id := range index {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if !visited[id] {
			problems = append(problems, "stage "+id+" is unreachable from start")
		}
	}
	return problems
}

// 只由自动阶段组成的环不会停下来等人处理, 运行时一定会触发深度保护
func checkAutomatedCycles(index map[string]*Stage) []string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(index))
	problems := make([]string, 0)
	var visit func(s *Stage) bool
	visit = func(s *Stage) bool {
		color[s.ID] = grey
		for _, target := range s.targets() {
			next, ok := index[target]
			if !ok || isHumanStage(next.Type) || next.Type == StageTypeEnd {
				continue
			}
			if color[target] == grey {
				problems = append(problems, "automated cycle through stage "+target)
				return true
			}
			if color[target] == white && visit(next) {
				return true
			}
		}
		color[s.ID] = black
		return false
	}
	ids := make([]string, 0, len(index))
	for id, s := range index {
		if s.Type == StageTypeStart || s.Type == StageTypeAutomated {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white && visit(index[id]) {
			break
		}
	}
	return problems
}
