package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ActionHandler 自动阶段绑定的动作, 需要外部实现
type ActionHandler interface {
	/**
	 * @description: 执行动作
	 * @param ctx context.Context 上下文
	 * @param data *Payload 实例数据的副本, 修改不会写回实例, 需要写回的放到 ActionOutcome.Data
	 * @return *ActionOutcome 结果标记, 用于流转规则
	 * @return error 不为nil表示动作失败, 实例会停在当前阶段等待 retry
	 */
	Execute(ctx context.Context, data *Payload) (*ActionOutcome, error)
}

// ActionOutcome 动作结果
// Flags 合并到实例数据的 flags.<name>, Data 合并到实例数据根节点
type ActionOutcome struct {
	Flags   map[string]bool
	Data    map[string]any
	Message string
}

type ActionFunc func(ctx context.Context, data *Payload) (*ActionOutcome, error)

type funcActionHandler struct {
	handler ActionFunc
}

func (h *funcActionHandler) Execute(ctx context.Context, data *Payload) (*ActionOutcome, error) {
	if h.handler == nil {
		return nil, errors.New("Not implemented")
	}
	return h.handler(ctx, data)
}

func NewActionFunc(f ActionFunc) ActionHandler {
	return &funcActionHandler{handler: f}
}

// ActionRegistry 动作注册表, 由调用方构造后注入引擎
type ActionRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ActionHandler
}

func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{handlers: make(map[string]ActionHandler)}
}

func (r *ActionRegistry) Register(name string, handler ActionHandler) error {
	if name == "" || handler == nil {
		return errors.WithMessage(ErrWorkflowParamInvalid, "action name and handler are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; ok {
		return errors.Errorf("action already registered, name: %s", name)
	}
	r.handlers[name] = handler
	return nil
}

func (r *ActionRegistry) Get(name string) (ActionHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

func (r *ActionRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ActionExecutor 按名字查找并执行动作, 捕获 panic, 统计耗时
type ActionExecutor struct {
	registry *ActionRegistry
	metrics  *Metrics
}

func NewActionExecutor(registry *ActionRegistry, metrics *Metrics) *ActionExecutor {
	if registry == nil {
		registry = NewActionRegistry()
	}
	return &ActionExecutor{registry: registry, metrics: metrics}
}

// Execute 返回的错误都包装了 ErrActionFailure
func (e *ActionExecutor) Execute(ctx context.Context, name string, data *Payload) (outcome *ActionOutcome, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "workflow.action."+name)
	span.SetAttributes(attribute.String("workflow.action", name))
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			slog.ErrorContext(ctx, "[ActionExecutor.Execute] action panic", "action", name, "panic", fmt.Sprint(r), "stack", string(stack))
			outcome = nil
			err = errors.WithMessagef(ErrActionFailure, "action %s panic: %v", name, r)
		}
		result := "ok"
		if err != nil {
			result = "failed"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		e.metrics.observeAction(name, result, time.Since(start))
		span.End()
	}()

	handler, ok := e.registry.Get(name)
	if !ok {
		return nil, errors.WithMessagef(ErrActionFailure, "action %s is not registered", name)
	}
	outcome, err = handler.Execute(ctx, data.Clone())
	if err != nil {
		return nil, errors.WithMessagef(ErrActionFailure, "action %s: %v", name, err)
	}
	if outcome == nil {
		outcome = &ActionOutcome{}
	}
	return outcome, nil
}

// apply 把动作结果合并到实例数据
func (o *ActionOutcome) apply(data *Payload) {
	if o == nil {
		return
	}
	if len(o.Data) > 0 {
		data.Merge(o.Data)
	}
	for flag, v := range o.Flags {
		_ = data.Set([]string{PayloadKeyFlags, flag}, v)
	}
}
