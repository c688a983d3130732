package tests

import (
	"context"
	"testing"
	"time"

	"github.com/blingmoon/audit-workflow/internal/commonregister"
	"github.com/blingmoon/audit-workflow/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createDocument(t *testing.T, engine *workflow.Engine, initiator string) *workflow.WorkflowInstance {
	t.Helper()
	inst, err := engine.CreateInstance(context.Background(), &workflow.CreateInstanceReq{
		TemplateID: commonregister.TemplateDocumentReview,
		Initiator:  initiator,
	})
	require.NoError(t, err)
	require.Equal(t, "draft", inst.CurrentStage)
	return inst
}

// TestCancelWorkflowInstance 起草阶段撤回
func TestCancelWorkflowInstance(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t)

	t.Run("只有发起人可以撤回", func(t *testing.T) {
		inst := createDocument(t, engine, "clerk-carol")
		_, err := engine.Advance(ctx, &workflow.AdvanceReq{InstanceID: inst.ID, Action: workflow.ActionCancel, Actor: "clerk-dave"})
		assert.ErrorIs(t, err, workflow.ErrPermissionDenied)

		inst, err = engine.Advance(ctx, &workflow.AdvanceReq{InstanceID: inst.ID, Action: workflow.ActionCancel, Actor: "clerk-carol", Comment: "duplicate"})
		require.NoError(t, err)
		assert.Equal(t, workflow.InstanceStatusRejected, inst.Status)
		assert.NotNil(t, inst.CompletedAt)
		last := inst.History[len(inst.History)-1]
		assert.Equal(t, workflow.ActionCancel, last.Action)
		assert.Equal(t, "duplicate", last.Comment)
	})

	t.Run("管理员可以撤回", func(t *testing.T) {
		inst := createDocument(t, engine, "clerk-carol")
		inst, err := engine.Advance(ctx, &workflow.AdvanceReq{InstanceID: inst.ID, Action: workflow.ActionCancel, Actor: "admin"})
		require.NoError(t, err)
		assert.Equal(t, workflow.InstanceStatusRejected, inst.Status)
	})

	t.Run("提交之后不能撤回", func(t *testing.T) {
		inst := createDocument(t, engine, "clerk-carol")
		inst, err := engine.Advance(ctx, &workflow.AdvanceReq{
			InstanceID: inst.ID,
			Action:     workflow.ActionSubmit,
			Actor:      "clerk-carol",
			Data:       map[string]any{"title": "Annual report"},
		})
		require.NoError(t, err)
		assert.Equal(t, "clerk-review", inst.CurrentStage)
		_, err = engine.Advance(ctx, &workflow.AdvanceReq{InstanceID: inst.ID, Action: workflow.ActionCancel, Actor: "clerk-carol"})
		assert.ErrorIs(t, err, workflow.ErrInvalidAction)
	})
}

// TestTemplateVersionUpgrade 已经创建的实例继续使用创建时的模板版本
func TestTemplateVersionUpgrade(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t)
	before := createDocument(t, engine, "clerk-carol")

	updated, err := engine.UpdateTemplate(ctx, commonregister.TemplateDocumentReview, &workflow.TemplatePatch{
		UpsertStages: []*workflow.Stage{{
			ID:          "clerk-review",
			Name:        "档案经理审阅",
			Type:        workflow.StageTypeApproval,
			Roles:       []string{"records-manager"},
			SLA:         48 * time.Hour,
			NextStages:  []string{"archived"},
			RejectStage: "rejected",
		}},
	})
	require.NoError(t, err)
	require.True(t, updated)
	after := createDocument(t, engine, "clerk-carol")
	assert.Equal(t, 1, before.TemplateVersion)
	assert.Equal(t, 2, after.TemplateVersion)

	submit := func(id string) {
		_, err := engine.Advance(ctx, &workflow.AdvanceReq{
			InstanceID: id,
			Action:     workflow.ActionSubmit,
			Actor:      "clerk-carol",
			Data:       map[string]any{"title": "Minutes"},
		})
		require.NoError(t, err)
	}
	submit(before.ID)
	submit(after.ID)
	assert.Equal(t, []string{"records-clerk"}, taskFor(t, engine, before.ID).Roles)
	assert.Equal(t, []string{"records-manager"}, taskFor(t, engine, after.ID).Roles)

	_, err = engine.UpdateTemplate(ctx, commonregister.TemplateDocumentReview, &workflow.TemplatePatch{
		RemoveStages: []string{"archived"},
	})
	assert.ErrorIs(t, err, workflow.ErrTemplateValidation, "删除被引用的阶段")
	tmpl, err := engine.GetTemplate(ctx, commonregister.TemplateDocumentReview)
	require.NoError(t, err)
	assert.Equal(t, 2, tmpl.Version)
}

// TestCountArchivedInstances 归档表按模板和状态统计
func TestCountArchivedInstances(t *testing.T) {
	ctx := context.Background()
	archive := newArchive(t)
	engine := newEngine(t, workflow.WithArchive(archive))

	for _, amount := range []int{-1, 20000, 75000, 150000} {
		_, err := engine.CreateInstance(ctx, &workflow.CreateInstanceReq{
			TemplateID: commonregister.TemplateBudgetApproval,
			Data:       map[string]any{"amount": amount},
			Initiator:  "requester",
		})
		require.NoError(t, err)
	}
	createDocument(t, engine, "clerk-carol")

	templateID := commonregister.TemplateBudgetApproval
	count, err := archive.CountInstances(ctx, &workflow.QueryArchivedInstanceParams{TemplateID: &templateID})
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)

	count, err = archive.CountInstances(ctx, &workflow.QueryArchivedInstanceParams{StatusIn: []string{workflow.InstanceStatusRejected}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "金额非法的直接驳回")

	noLimit := true
	all, err := archive.QueryInstances(ctx, &workflow.QueryArchivedInstanceParams{
		StatusIn: []string{workflow.InstanceStatusInProgress},
		Page:     &workflow.Pager{IsNoLimit: &noLimit},
	})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	page, err := archive.QueryInstances(ctx, &workflow.QueryArchivedInstanceParams{
		StatusIn: []string{workflow.InstanceStatusInProgress},
		Page:     &workflow.Pager{Page: 2, Size: 3},
	})
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

// TestQueryInstanceDetail 历史记录完整描述实例经过的阶段
func TestQueryInstanceDetail(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t)
	inst, err := engine.CreateInstance(ctx, &workflow.CreateInstanceReq{
		TemplateID: commonregister.TemplateBudgetApproval,
		Data:       map[string]any{"amount": 20000},
		Initiator:  "requester",
	})
	require.NoError(t, err)
	inst, err = engine.Advance(ctx, &workflow.AdvanceReq{InstanceID: inst.ID, Action: workflow.ActionApprove, Actor: "manager", Comment: "ok"})
	require.NoError(t, err)

	detail, err := engine.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	type step struct{ stage, action, actor string }
	got := make([]step, 0, len(detail.History))
	for i, h := range detail.History {
		assert.Equal(t, i+1, h.Seq)
		got = append(got, step{h.StageID, h.Action, h.Actor})
	}
	assert.Equal(t, []step{
		{"submit", "enter", "requester"},
		{"submit", "auto", workflow.SystemActor},
		{"validation", "enter", workflow.SystemActor},
		{"validation", "executed", workflow.SystemActor},
		{"budget-check", "enter", workflow.SystemActor},
		{"budget-check", "executed", workflow.SystemActor},
		{"manager-approval", "enter", workflow.SystemActor},
		{"manager-approval", workflow.ActionApprove, "manager"},
		{"approved", "enter", workflow.SystemActor},
	}, got)

	validated, _ := detail.Data.GetBool(workflow.PayloadKeyFlags, "validation_passed")
	assert.True(t, validated, "动作结果写回实例数据")

	// 返回的是副本
	detail.History[0].Actor = "mallory"
	again, err := engine.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "requester", again.History[0].Actor)
}
