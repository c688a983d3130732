package commonregister

import (
	"context"
	"embed"
	"path"
	"sort"

	"github.com/blingmoon/audit-workflow/workflow"
	"github.com/pkg/errors"
)

//go:embed templates/*.yaml
var templateFS embed.FS

// 内置模板 id
const (
	TemplateBudgetApproval = "budget-approval"
	TemplateProcurement    = "procurement"
	TemplateDocumentReview = "document-review"
)

// BuiltinTemplates 解析内置的模板文件, 按文件名排序
func BuiltinTemplates() ([]*workflow.WorkflowTemplate, error) {
	entries, err := templateFS.ReadDir("templates")
	if err != nil {
		return nil, errors.Wrap(err, "read embedded templates failed")
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	templates := make([]*workflow.WorkflowTemplate, 0, len(names))
	for _, name := range names {
		b, err := templateFS.ReadFile(path.Join("templates", name))
		if err != nil {
			return nil, errors.Wrapf(err, "read template %s failed", name)
		}
		t, err := workflow.ParseTemplateYAML(b)
		if err != nil {
			return nil, errors.WithMessagef(err, "parse template %s failed", name)
		}
		templates = append(templates, t)
	}
	return templates, nil
}

// RegisterBuiltinTemplates 命名条件需要先注册
func RegisterBuiltinTemplates(ctx context.Context, store *workflow.TemplateStore) ([]string, error) {
	templates, err := BuiltinTemplates()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(templates))
	for _, t := range templates {
		id, err := store.Register(ctx, t)
		if err != nil {
			return nil, errors.WithMessagef(err, "register template %s failed", t.ID)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// RegisterAll 注册内置的条件, 动作和模板
func RegisterAll(ctx context.Context, engine *workflow.Engine) error {
	if err := RegisterBuiltinPredicates(engine.Templates().Predicates()); err != nil {
		return errors.WithMessage(err, "register predicates failed")
	}
	if err := RegisterBuiltinActions(engine.Actions()); err != nil {
		return errors.WithMessage(err, "register actions failed")
	}
	if _, err := RegisterBuiltinTemplates(ctx, engine.Templates()); err != nil {
		return err
	}
	return nil
}
