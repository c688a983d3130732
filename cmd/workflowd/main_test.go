package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/blingmoon/audit-workflow/internal/commonregister"
	"github.com/blingmoon/audit-workflow/internal/config"
	"github.com/blingmoon/audit-workflow/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const permitTemplateYAML = `
id: permit
name: 施工许可
workflow_type: permit
stages:
  - id: submit
    type: start
    auto_transition: true
    next_stages: [inspection]
  - id: inspection
    type: approval
    roles: [inspector]
    sla: 24h
    next_stages: [issued]
    reject_stage: denied
  - id: issued
    type: end
  - id: denied
    type: end
    rejection: true
`

const brokenTemplateYAML = `
id: broken
stages:
  - id: submit
    type: start
    next_stages: [nowhere]
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func defaultConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestBuildEngine(t *testing.T) {
	ctx := context.Background()

	t.Run("默认配置加载内置模板", func(t *testing.T) {
		engine, registry, err := buildEngine(ctx, defaultConfig(t))
		require.NoError(t, err)
		assert.Len(t, engine.ListTemplates(ctx), 3)

		families, err := registry.Gather()
		require.NoError(t, err)
		names := make([]string, 0, len(families))
		for _, f := range families {
			names = append(names, f.GetName())
		}
		assert.Contains(t, names, "go_goroutines")
	})

	t.Run("模板目录", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "permit.yaml", permitTemplateYAML)
		writeFile(t, dir, "README.txt", "not a template")
		cfg := defaultConfig(t)
		cfg.Templates.Builtin = false
		cfg.Templates.Dir = dir

		engine, _, err := buildEngine(ctx, cfg)
		require.NoError(t, err)
		templates := engine.ListTemplates(ctx)
		require.Len(t, templates, 1)
		assert.Equal(t, "permit", templates[0].ID)

		writeFile(t, dir, "broken.yml", brokenTemplateYAML)
		_, _, err = buildEngine(ctx, cfg)
		assert.ErrorIs(t, err, workflow.ErrTemplateValidation)

		cfg.Templates.Dir = filepath.Join(dir, "missing")
		_, _, err = buildEngine(ctx, cfg)
		assert.Error(t, err)
	})

	t.Run("配置的角色", func(t *testing.T) {
		cfg := defaultConfig(t)
		cfg.Roles = map[string][]string{"dana": {"manager"}}
		engine, _, err := buildEngine(ctx, cfg)
		require.NoError(t, err)

		inst, err := engine.CreateInstance(ctx, &workflow.CreateInstanceReq{
			TemplateID: commonregister.TemplateBudgetApproval,
			Data:       map[string]any{"amount": 20000},
			Initiator:  "requester",
		})
		require.NoError(t, err)
		inst, err = engine.Advance(ctx, &workflow.AdvanceReq{InstanceID: inst.ID, Action: workflow.ActionApprove, Actor: "dana"})
		require.NoError(t, err)
		assert.Equal(t, workflow.InstanceStatusCompleted, inst.Status)
	})

	t.Run("redis 锁和归档", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := defaultConfig(t)
		cfg.Lock.Backend = "redis"
		cfg.Lock.RedisAddr = mr.Addr()
		cfg.Archive.Enable = true
		cfg.Archive.DSN = filepath.Join(t.TempDir(), "archive.db")

		engine, _, err := buildEngine(ctx, cfg)
		require.NoError(t, err)
		inst, err := engine.CreateInstance(ctx, &workflow.CreateInstanceReq{
			TemplateID: commonregister.TemplateBudgetApproval,
			Data:       map[string]any{"amount": 75000},
			Initiator:  "requester",
		})
		require.NoError(t, err)
		assert.Equal(t, "director-approval", inst.CurrentStage)
		info, err := os.Stat(cfg.Archive.DSN)
		require.NoError(t, err)
		assert.NotZero(t, info.Size())
	})

	t.Run("redis 不可用时启动失败", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		addr := mr.Addr()
		mr.Close()
		cfg := defaultConfig(t)
		cfg.Lock.Backend = "redis"
		cfg.Lock.RedisAddr = addr
		_, _, err = buildEngine(ctx, cfg)
		assert.Error(t, err)
	})
}

func runCommand(args ...string) (string, error) {
	out := &bytes.Buffer{}
	cmd := newRootCmd()
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestTemplatesCommand(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "permit.yaml", permitTemplateYAML)
	bad := writeFile(t, dir, "broken.yaml", brokenTemplateYAML)
	jsonDoc := writeFile(t, dir, "permit.json", `{"id": "permit-json", "stages": [
		{"id": "submit", "type": "start", "next_stages": ["done"]},
		{"id": "done", "type": "end"}
	]}`)

	t.Run("全部合法", func(t *testing.T) {
		out, err := runCommand("templates", "validate", good, jsonDoc)
		require.NoError(t, err)
		assert.Contains(t, out, "ok   "+good+" (permit, 4 stages)")
		assert.Contains(t, out, "ok   "+jsonDoc+" (permit-json, 2 stages)")
	})

	t.Run("有非法模板", func(t *testing.T) {
		out, err := runCommand("templates", "validate", good, bad, filepath.Join(dir, "notes.txt"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "2 of 3 templates invalid")
		assert.Contains(t, out, "FAIL "+bad)
		assert.Contains(t, out, "nowhere")
	})

	t.Run("没有参数", func(t *testing.T) {
		_, err := runCommand("templates", "validate")
		assert.Error(t, err)
	})

	t.Run("打印内置模板", func(t *testing.T) {
		out, err := runCommand("templates", "builtin")
		require.NoError(t, err)
		assert.Contains(t, out, "id: budget-approval")
		assert.Contains(t, out, "id: procurement")
		assert.Contains(t, out, "name: capital_project")

		// 打印出来的文档可以重新解析
		docs := bytes.Split([]byte(out), []byte("---\n"))
		require.Len(t, docs, 3)
		for _, doc := range docs {
			_, err := workflow.ParseTemplateYAML(doc)
			assert.NoError(t, err)
		}
	})
}
