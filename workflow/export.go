package workflow

import "context"

var _ WorkflowService = (*Engine)(nil)

type WorkflowService interface {
	/**
	 * @description: 注册模板, 校验失败返回 ErrTemplateValidation, 不会保存
	 * @param ctx context.Context
	 * @param template *WorkflowTemplate
	 * @return string 模板id, error
	 */
	CreateTemplate(ctx context.Context, template *WorkflowTemplate) (string, error)
	/**
	 * @description: 查询模板最新版本
	 * @return *WorkflowTemplate, error ErrTemplateNotFound
	 */
	GetTemplate(ctx context.Context, templateID string) (*WorkflowTemplate, error)
	/**
	 * @description: 修改模板, 生成新版本, 已经创建的实例继续使用旧版本
	 * @return bool patch 为空时返回 false
	 */
	UpdateTemplate(ctx context.Context, templateID string, patch *TemplatePatch) (bool, error)
	ListTemplates(ctx context.Context) []*WorkflowTemplate
	/**
	 * @description: 创建实例并立即开始执行, 直到需要人工处理或者结束
	 * @param ctx context.Context
	 * @param req *CreateInstanceReq
	 *				  req.TemplateID 模板id
	 *				  req.Data 业务数据, amount 为金额
	 *				  req.Initiator 发起人
	 * @return *WorkflowInstance, error
	 */
	CreateInstance(ctx context.Context, req *CreateInstanceReq) (*WorkflowInstance, error)
	GetInstance(ctx context.Context, instanceID string) (*WorkflowInstance, error)
	ListInstances(ctx context.Context, filter *InstanceFilter) []*WorkflowInstance
	/**
	 * @description: 对实例当前阶段执行动作
	 *				 同一个实例同一时间只能有一个修改, 正在被修改时返回 ErrConcurrentModification
	 * @param ctx context.Context
	 * @param req *AdvanceReq
	 *				  req.Action start 阶段: submit/cancel, approval 阶段: approve/reject,
	 *				  task 阶段: complete/reject, automated 阶段失败后: retry
	 * @return *WorkflowInstance, error
	 */
	Advance(ctx context.Context, req *AdvanceReq) (*WorkflowInstance, error)
	/**
	 * @description: 审批队列, 按优先级, 截止时间, 入队顺序排序
	 */
	ListApprovalQueue(ctx context.Context, filter *QueueFilter) []*ApprovalTask
	/**
	 * @description: 处理审批任务, 任务只能被处理一次
	 * @param ctx context.Context
	 * @param req *ResolveApprovalReq
	 * @return *WorkflowInstance, error
	 */
	ResolveApproval(ctx context.Context, req *ResolveApprovalReq) (*WorkflowInstance, error)
	GetAnalytics(ctx context.Context, topN int) *AnalyticsReport
	// Subscribe 订阅生命周期事件, 不传类型表示订阅全部
	Subscribe(types ...EventType) *Subscription
}
