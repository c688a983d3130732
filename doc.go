// Package auditworkflow 市政审批工作流引擎。
//
// 审批模板由阶段组成: start, automated, approval, task, end。
// 实例创建时根据业务数据做风险评估, 自动阶段执行绑定的动作并按规则路由,
// 需要人工处理的阶段进入审批队列, 按风险, 金额, 是否加急和等待时间排序。
//
// 主要特性：
//   - 模板用 YAML/JSON 描述, 注册时校验结构, 修改生成新版本, 运行中的实例不受影响
//   - 同一个实例同一时间只有一个修改, 支持本地锁和分布式锁（Redis）
//   - 高风险请求结束之前必须经过最高审批角色
//   - 自动动作失败时实例停在当前阶段, 补充数据后 retry
//   - 事件订阅, 审计归档（GORM + SQLite）, Prometheus 指标
//
// 基础使用示例:
//
//	package main
//
//	import (
//	    "context"
//
//	    "github.com/blingmoon/audit-workflow/internal/commonregister"
//	    "github.com/blingmoon/audit-workflow/workflow"
//	)
//
//	func main() {
//	    ctx := context.Background()
//	    engine, _ := workflow.NewEngine(workflow.NewTemplateStore(workflow.NewPredicateRegistry()))
//
//	    // 注册内置的条件, 动作和模板: budget-approval, procurement, document-review
//	    _ = commonregister.RegisterAll(ctx, engine)
//
//	    inst, _ := engine.CreateInstance(ctx, &workflow.CreateInstanceReq{
//	        TemplateID: "budget-approval",
//	        Data:       map[string]any{"amount": "75000", "department": "parks"},
//	        Initiator:  "alice",
//	    })
//	    // inst.CurrentStage == "director-approval"
//
//	    tasks := engine.ListApprovalQueue(ctx, &workflow.QueueFilter{Role: "finance-director"})
//	    _, _ = engine.ResolveApproval(ctx, &workflow.ResolveApprovalReq{
//	        TaskID:   tasks[0].ID,
//	        Approved: true,
//	        Actor:    "finance-director",
//	    })
//	    _ = inst
//	}
//
// 业务数据约定：
//
//   - amount: 金额, 数字或者字符串, 统一按 decimal 处理
//   - urgent: 加急, 影响审批队列优先级
//   - flags.*: 自动动作写入的布尔结果, flag 条件读取这里的值
//
// HTTP 服务见 cmd/workflowd。
package auditworkflow
