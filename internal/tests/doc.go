// Package tests 跨包的集成测试。
//
// 这里的测试只通过公开 API 使用引擎, 并组合内置模板, sqlite 归档和 redis 锁(miniredis),
// 覆盖单个包的单元测试不容易覆盖的场景:
//   - 完整的审批流程: 路由, 审批, 事件, 归档, 统计
//   - 自动动作失败后补充数据重试
//   - 错误分类
//   - 多实例并发审批
//   - 模板版本升级对运行中实例的影响
//
// 运行:
//
//	go test ./internal/tests/...
package tests
