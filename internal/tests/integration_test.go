package tests

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/blingmoon/audit-workflow/internal/commonregister"
	"github.com/blingmoon/audit-workflow/workflow"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newArchive(t *testing.T) workflow.ArchiveRepo {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "archive.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, workflow.MigrateArchive(db))
	return workflow.NewArchiveRepo(db)
}

func newEngine(t *testing.T, opts ...workflow.EngineOption) *workflow.Engine {
	t.Helper()
	cfg := workflow.DefaultEngineConfig()
	cfg.AdminActors = []string{"admin"}
	opts = append([]workflow.EngineOption{workflow.WithConfig(cfg)}, opts...)
	engine, err := workflow.NewEngine(workflow.NewTemplateStore(workflow.NewPredicateRegistry()), opts...)
	require.NoError(t, err)
	require.NoError(t, commonregister.RegisterAll(context.Background(), engine))
	return engine
}

func taskFor(t *testing.T, engine *workflow.Engine, instanceID string) *workflow.ApprovalTask {
	t.Helper()
	tasks := engine.ListApprovalQueue(context.Background(), &workflow.QueueFilter{InstanceID: instanceID})
	require.Len(t, tasks, 1)
	return tasks[0]
}

// Test完整审批场景: 路由, 审批, 事件, 归档, 统计
func TestCompleteWorkflowScenario(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	archive := newArchive(t)
	engine := newEngine(t, workflow.WithClock(clock.Now), workflow.WithArchive(archive))
	finished := engine.Subscribe(workflow.EventWorkflowCompleted, workflow.EventWorkflowRejected)
	defer finished.Close()

	inst, err := engine.CreateInstance(ctx, &workflow.CreateInstanceReq{
		TemplateID: commonregister.TemplateBudgetApproval,
		Data:       map[string]any{"amount": "75000", "department": "public-works", "urgent": true},
		Initiator:  "requester",
	})
	require.NoError(t, err)
	assert.Equal(t, "director-approval", inst.CurrentStage)
	assert.Equal(t, workflow.RiskLevelMedium, inst.Risk.Level)

	task := taskFor(t, engine, inst.ID)
	// 50 + 15(medium) + 10(>5万) + 25(urgent)
	assert.Equal(t, 100, task.Priority)
	require.NotNil(t, task.DueDate)
	assert.Equal(t, clock.Now().Add(72*time.Hour), *task.DueDate)

	clock.Advance(6 * time.Hour)
	inst, err = engine.ResolveApproval(ctx, &workflow.ResolveApprovalReq{TaskID: task.ID, Approved: true, Actor: "finance-director", Comment: "within plan"})
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceStatusCompleted, inst.Status)
	assert.Equal(t, "approved", inst.CurrentStage)

	select {
	case event := <-finished.C:
		assert.Equal(t, workflow.EventWorkflowCompleted, event.Type)
		assert.Equal(t, inst.ID, event.InstanceID)
		assert.Equal(t, []string{"finance-team", "requester"}, event.NotifyRoles)
	case <-time.After(time.Second):
		t.Fatal("没有收到完成事件")
	}

	archived, err := archive.QueryInstances(ctx, &workflow.QueryArchivedInstanceParams{
		InstanceID: &inst.ID,
		Page:       &workflow.Pager{Page: 1, Size: 10},
	})
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, workflow.InstanceStatusCompleted, archived[0].Status)
	history, err := archive.QueryHistory(ctx, inst.ID)
	require.NoError(t, err)
	assert.Len(t, history, len(inst.History))

	report := engine.GetAnalytics(ctx, 1)
	assert.Equal(t, 1, report.Summary.Completed)
	assert.InDelta(t, 6.0, report.Summary.AvgCompletionTimeHours, 1e-9)
	require.Len(t, report.Bottlenecks, 1)
	assert.Equal(t, "director-approval", report.Bottlenecks[0].StageID)
	assert.InDelta(t, 6.0, report.Bottlenecks[0].AvgResidenceHours, 1e-9)
}

// Test自动动作失败之后补充数据重试
func TestStalledWorkflow(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t)
	failures := engine.Subscribe(workflow.EventActionFailed)
	defer failures.Close()

	inst, err := engine.CreateInstance(ctx, &workflow.CreateInstanceReq{
		TemplateID: commonregister.TemplateProcurement,
		Data:       map[string]any{"amount": 40000},
		Initiator:  "buyer-bob",
	})
	require.ErrorIs(t, err, workflow.ErrActionFailure)
	require.NotNil(t, inst)
	assert.True(t, inst.Stalled)

	event := <-failures.C
	assert.Equal(t, "compliance-check", event.StageID)
	assert.Contains(t, event.Message, "vendor")

	report := engine.GetAnalytics(ctx, 0)
	assert.Equal(t, 1, report.Summary.Stalled)

	// 管理员也可以重试
	inst, err = engine.Advance(ctx, &workflow.AdvanceReq{
		InstanceID: inst.ID,
		Action:     workflow.ActionRetry,
		Actor:      "admin",
		Data:       map[string]any{"vendor": "Northside Supply"},
	})
	require.NoError(t, err)
	assert.False(t, inst.Stalled)
	assert.Equal(t, "officer-approval", inst.CurrentStage)
}

func TestErrorHandling(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t)
	inst, err := engine.CreateInstance(ctx, &workflow.CreateInstanceReq{
		TemplateID: commonregister.TemplateBudgetApproval,
		Data:       map[string]any{"amount": 20000},
		Initiator:  "requester",
	})
	require.NoError(t, err)
	task := taskFor(t, engine, inst.ID)

	cases := []struct {
		name string
		call func() error
		want error
	}{
		{"模板不存在", func() error {
			_, err := engine.CreateInstance(ctx, &workflow.CreateInstanceReq{TemplateID: "missing", Initiator: "requester"})
			return err
		}, workflow.ErrTemplateNotFound},
		{"缺少发起人", func() error {
			_, err := engine.CreateInstance(ctx, &workflow.CreateInstanceReq{TemplateID: commonregister.TemplateBudgetApproval})
			return err
		}, workflow.ErrWorkflowParamInvalid},
		{"实例不存在", func() error {
			_, err := engine.Advance(ctx, &workflow.AdvanceReq{InstanceID: "missing", Action: workflow.ActionApprove, Actor: "manager"})
			return err
		}, workflow.ErrInstanceNotFound},
		{"审批阶段不能 submit", func() error {
			_, err := engine.Advance(ctx, &workflow.AdvanceReq{InstanceID: inst.ID, Action: workflow.ActionSubmit, Actor: "requester"})
			return err
		}, workflow.ErrInvalidAction},
		{"未知动作", func() error {
			_, err := engine.Advance(ctx, &workflow.AdvanceReq{InstanceID: inst.ID, Action: "escalate", Actor: "manager"})
			return err
		}, workflow.ErrInvalidAction},
		{"没有角色", func() error {
			_, err := engine.ResolveApproval(ctx, &workflow.ResolveApprovalReq{TaskID: task.ID, Approved: true, Actor: "requester"})
			return err
		}, workflow.ErrPermissionDenied},
		{"任务不存在", func() error {
			_, err := engine.ResolveApproval(ctx, &workflow.ResolveApprovalReq{TaskID: "missing", Approved: true, Actor: "manager"})
			return err
		}, workflow.ErrTaskNotFound},
		{"审批阶段不能 retry", func() error {
			_, err := engine.Advance(ctx, &workflow.AdvanceReq{InstanceID: inst.ID, Action: workflow.ActionRetry, Actor: "admin"})
			return err
		}, workflow.ErrInvalidAction},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.call()
			require.Error(t, err)
			assert.True(t, errors.Is(err, c.want), "got %v", err)
		})
	}

	t.Run("失败的调用不会修改实例", func(t *testing.T) {
		current, err := engine.GetInstance(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, inst.History, current.History)
		assert.Equal(t, "manager-approval", current.CurrentStage)
	})

	t.Run("终止状态只读", func(t *testing.T) {
		done, err := engine.ResolveApproval(ctx, &workflow.ResolveApprovalReq{TaskID: task.ID, Approved: false, Actor: "manager"})
		require.NoError(t, err)
		require.Equal(t, workflow.InstanceStatusRejected, done.Status)
		_, err = engine.Advance(ctx, &workflow.AdvanceReq{InstanceID: inst.ID, Action: workflow.ActionApprove, Actor: "admin"})
		assert.ErrorIs(t, err, workflow.ErrTerminalState)
	})
}

// Test多个实例并发创建和审批, 使用 redis 锁
func TestConcurrentExecution(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	engine := newEngine(t, workflow.WithInstanceLock(workflow.NewRedisInstanceLock(client)))

	const n = 20
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst, err := engine.CreateInstance(ctx, &workflow.CreateInstanceReq{
				TemplateID: commonregister.TemplateBudgetApproval,
				Data:       map[string]any{"amount": 20000 + i},
				Initiator:  "requester",
			})
			assert.NoError(t, err)
			if inst != nil {
				ids[i] = inst.ID
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, n, engine.Queue().Len())

	// 每个任务两个审批人同时处理, 只有一个成功
	var mu sync.Mutex
	winners := make(map[string]int)
	for _, id := range ids {
		task := taskFor(t, engine, id)
		for _, actor := range []string{"manager", "admin"} {
			wg.Add(1)
			go func(taskID, actor string) {
				defer wg.Done()
				inst, err := engine.ResolveApproval(ctx, &workflow.ResolveApprovalReq{TaskID: taskID, Approved: true, Actor: actor})
				if err != nil {
					assert.True(t, errors.Is(err, workflow.ErrConcurrentModification) ||
						errors.Is(err, workflow.ErrTaskNotFound), "got %v", err)
					return
				}
				mu.Lock()
				winners[inst.ID]++
				mu.Unlock()
			}(task.ID, actor)
		}
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, 1, winners[id], "instance %s", id)
		inst, err := engine.GetInstance(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, workflow.InstanceStatusCompleted, inst.Status)
	}
	assert.Zero(t, engine.Queue().Len())
	assert.Equal(t, n, engine.GetAnalytics(ctx, 0).Summary.Completed)
}
