package workflow

import "github.com/pkg/errors"

var (
	ErrWorkflowParamInvalid = errors.New("workflow param invalid")
	// 模板配置错误, 注册时同步返回, 不会影响运行中的实例
	ErrTemplateValidation = errors.New("template validation failed")
	ErrTemplateNotFound   = errors.New("template not found")
	ErrInvalidStage       = errors.New("invalid stage")
	ErrInstanceNotFound   = errors.New("workflow instance not found")
	ErrTaskNotFound       = errors.New("approval task not found")
	ErrDuplicateTask      = errors.New("approval task already open for stage")
	// 当前阶段不允许的动作
	ErrInvalidAction    = errors.New("action not permitted in current stage")
	ErrPermissionDenied = errors.New("permission denied")
	// 没有规则命中, 也没有默认的后置阶段
	ErrNoMatchingTransition = errors.New("no matching transition")
	// 自动流转超过最大深度, 实例被冻结, 需要人工介入
	ErrWorkflowCycle = errors.New("workflow auto-transition chain too deep")
	// 自动动作失败, 非致命, 实例停在当前阶段等待 retry
	ErrActionFailure = errors.New("automated action failed")
	// 同一个实例已经有其他修改在进行中, 调用方可以重试
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrTerminalState          = errors.New("workflow instance is in terminal state")
)

type InstanceStatus = string

const (
	InstanceStatusCreated    InstanceStatus = "created"
	InstanceStatusInProgress InstanceStatus = "in-progress"
	// 终止状态, 实例只读
	InstanceStatusCompleted InstanceStatus = "completed"
	InstanceStatusRejected  InstanceStatus = "rejected"
)

func IsTerminalStatus(status InstanceStatus) bool {
	return status == InstanceStatusCompleted || status == InstanceStatusRejected
}

func GetInstanceStatusText(status InstanceStatus) string {
	switch status {
	case InstanceStatusCreated:
		return "已创建"
	case InstanceStatusInProgress:
		return "进行中"
	case InstanceStatusCompleted:
		return "已完成"
	case InstanceStatusRejected:
		return "已驳回"
	}
	return "未知"
}

type StageType = string

const (
	StageTypeStart     StageType = "start"
	StageTypeAutomated StageType = "automated"
	StageTypeApproval  StageType = "approval"
	StageTypeTask      StageType = "task"
	StageTypeEnd       StageType = "end"
)

func isKnownStageType(t StageType) bool {
	switch t {
	case StageTypeStart, StageTypeAutomated, StageTypeApproval, StageTypeTask, StageTypeEnd:
		return true
	}
	return false
}

// 需要人工处理的阶段
func isHumanStage(t StageType) bool {
	return t == StageTypeApproval || t == StageTypeTask
}

// Action advance 可用的动作
type Action = string

const (
	ActionSubmit   Action = "submit"
	ActionCancel   Action = "cancel"
	ActionApprove  Action = "approve"
	ActionReject   Action = "reject"
	ActionComplete Action = "complete"
	ActionRetry    Action = "retry"

	// 下面的动作只会出现在历史记录里面, 不能通过 advance 触发
	actionEnter       Action = "enter"
	actionAuto        Action = "auto"
	actionExecuted    Action = "executed"
	actionFailed      Action = "action-failed"
	actionEscalate    Action = "escalate"
	actionCycleFreeze Action = "cycle-freeze"
)

// SystemActor 引擎自身执行的动作使用这个actor
const SystemActor = "system"

// IsSeriousError 用于判断日志级别, 严重错误打 error, 其余打 warn
// 严重错误定义: 需要人工介入处理, 比如配置不正确或者实例被冻结
func IsSeriousError(err error) bool {
	if err == nil {
		return false
	}
	causeErr := errors.Cause(err)
	if errors.Is(causeErr, ErrTemplateValidation) ||
		errors.Is(causeErr, ErrTemplateNotFound) ||
		errors.Is(causeErr, ErrInvalidStage) ||
		errors.Is(causeErr, ErrNoMatchingTransition) ||
		errors.Is(causeErr, ErrWorkflowCycle) {
		return true
	}
	return false
}
