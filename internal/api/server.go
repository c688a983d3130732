// Package api 审批引擎的 HTTP 接口
package api

import (
	"net/http"
	"strconv"

	"github.com/blingmoon/audit-workflow/workflow"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server HTTP 接口依赖的服务
type Server struct {
	Service workflow.WorkflowService
}

func NewServer(service workflow.WorkflowService) *Server {
	return &Server{Service: service}
}

// NewEcho 注册路由, 不开启指标时 gatherer 传 nil
func NewEcho(s *Server, gatherer prometheus.Gatherer) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = errorHandler
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	v1 := e.Group("/api/v1")
	v1.POST("/templates", s.CreateTemplate)
	v1.GET("/templates", s.ListTemplates)
	v1.GET("/templates/:id", s.GetTemplate)
	v1.PATCH("/templates/:id", s.UpdateTemplate)
	v1.POST("/instances", s.CreateInstance)
	v1.GET("/instances", s.ListInstances)
	v1.GET("/instances/:id", s.GetInstance)
	v1.POST("/instances/:id/advance", s.Advance)
	v1.GET("/approvals", s.ListApprovalQueue)
	v1.POST("/approvals/:id/resolve", s.ResolveApproval)
	v1.GET("/analytics", s.GetAnalytics)

	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	e.GET("/healthz", func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})
	return e
}

// CreateTemplate 请求体是 JSON 格式的模板文档
// (POST /api/v1/templates)
func (s *Server) CreateTemplate(c echo.Context) error {
	config := &workflow.TemplateConfig{}
	if err := c.Bind(config); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	tmpl, err := config.ToTemplate()
	if err != nil {
		return err
	}
	id, err := s.Service.CreateTemplate(c.Request().Context(), tmpl)
	if err != nil {
		return err
	}
	created, err := s.Service.GetTemplate(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, templateResponse(created))
}

// (GET /api/v1/templates)
func (s *Server) ListTemplates(c echo.Context) error {
	templates := s.Service.ListTemplates(c.Request().Context())
	ret := make([]*TemplateResponse, 0, len(templates))
	for _, t := range templates {
		ret = append(ret, templateResponse(t))
	}
	return c.JSON(http.StatusOK, ret)
}

// (GET /api/v1/templates/:id)
func (s *Server) GetTemplate(c echo.Context) error {
	tmpl, err := s.Service.GetTemplate(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, templateResponse(tmpl))
}

// UpdateTemplatePayload upsert_stages 是完整的阶段文档, 同 id 的阶段整体替换
type UpdateTemplatePayload struct {
	Name            *string                 `json:"name"`
	TopApproverRole *string                 `json:"top_approver_role"`
	UpsertStages    []*workflow.StageConfig `json:"upsert_stages"`
	RemoveStages    []string                `json:"remove_stages"`
}

// (PATCH /api/v1/templates/:id)
func (s *Server) UpdateTemplate(c echo.Context) error {
	payload := &UpdateTemplatePayload{}
	if err := c.Bind(payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	// 复用模板配置的转换逻辑解析阶段
	staged, err := (&workflow.TemplateConfig{Stages: payload.UpsertStages}).ToTemplate()
	if err != nil {
		return err
	}
	patch := &workflow.TemplatePatch{
		Name:            payload.Name,
		TopApproverRole: payload.TopApproverRole,
		UpsertStages:    staged.Stages,
		RemoveStages:    payload.RemoveStages,
	}
	id := c.Param("id")
	updated, err := s.Service.UpdateTemplate(c.Request().Context(), id, patch)
	if err != nil {
		return err
	}
	tmpl, err := s.Service.GetTemplate(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"updated":  updated,
		"template": templateResponse(tmpl),
	})
}

// (POST /api/v1/instances)
func (s *Server) CreateInstance(c echo.Context) error {
	req := &workflow.CreateInstanceReq{}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	inst, err := s.Service.CreateInstance(c.Request().Context(), req)
	if err != nil {
		return withInstance(err, inst)
	}
	return c.JSON(http.StatusCreated, instanceResponse(inst))
}

// (GET /api/v1/instances?status=&template_id=&initiator=)
func (s *Server) ListInstances(c echo.Context) error {
	filter := &workflow.InstanceFilter{}
	if err := (&echo.DefaultBinder{}).BindQueryParams(c, filter); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid query: "+err.Error())
	}
	instances := s.Service.ListInstances(c.Request().Context(), filter)
	ret := make([]*InstanceResponse, 0, len(instances))
	for _, inst := range instances {
		ret = append(ret, instanceResponse(inst))
	}
	return c.JSON(http.StatusOK, ret)
}

// (GET /api/v1/instances/:id)
func (s *Server) GetInstance(c echo.Context) error {
	inst, err := s.Service.GetInstance(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, instanceResponse(inst))
}

// AdvancePayload 实例 id 从路径里取
type AdvancePayload struct {
	Action  string         `json:"action"`
	Actor   string         `json:"actor"`
	Data    map[string]any `json:"data"`
	Comment string         `json:"comment"`
}

// (POST /api/v1/instances/:id/advance)
func (s *Server) Advance(c echo.Context) error {
	payload := &AdvancePayload{}
	if err := c.Bind(payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	inst, err := s.Service.Advance(c.Request().Context(), &workflow.AdvanceReq{
		InstanceID: c.Param("id"),
		Action:     payload.Action,
		Actor:      payload.Actor,
		Data:       payload.Data,
		Comment:    payload.Comment,
	})
	if err != nil {
		return withInstance(err, inst)
	}
	return c.JSON(http.StatusOK, instanceResponse(inst))
}

// (GET /api/v1/approvals?role=&min_priority=&instance_id=&template_id=)
func (s *Server) ListApprovalQueue(c echo.Context) error {
	filter := &workflow.QueueFilter{}
	if err := (&echo.DefaultBinder{}).BindQueryParams(c, filter); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid query: "+err.Error())
	}
	return c.JSON(http.StatusOK, s.Service.ListApprovalQueue(c.Request().Context(), filter))
}

type ResolvePayload struct {
	Approved bool   `json:"approved"`
	Actor    string `json:"actor"`
	Comment  string `json:"comment"`
}

// (POST /api/v1/approvals/:id/resolve)
func (s *Server) ResolveApproval(c echo.Context) error {
	payload := &ResolvePayload{}
	if err := c.Bind(payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	inst, err := s.Service.ResolveApproval(c.Request().Context(), &workflow.ResolveApprovalReq{
		TaskID:   c.Param("id"),
		Approved: payload.Approved,
		Actor:    payload.Actor,
		Comment:  payload.Comment,
	})
	if err != nil {
		return withInstance(err, inst)
	}
	return c.JSON(http.StatusOK, instanceResponse(inst))
}

// (GET /api/v1/analytics?top=5)
func (s *Server) GetAnalytics(c echo.Context) error {
	topN := 0
	if raw := c.QueryParam("top"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "top must be a non-negative integer")
		}
		topN = n
	}
	return c.JSON(http.StatusOK, s.Service.GetAnalytics(c.Request().Context(), topN))
}

// TemplateResponse 模板文档加上保存的版本号
type TemplateResponse struct {
	*workflow.TemplateConfig
	Version int `json:"version"`
}

func templateResponse(t *workflow.WorkflowTemplate) *TemplateResponse {
	return &TemplateResponse{TemplateConfig: workflow.TemplateToConfig(t), Version: t.Version}
}

// InstanceResponse 实例快照加上状态的中文描述
type InstanceResponse struct {
	*workflow.WorkflowInstance
	StatusText string `json:"status_text"`
}

func instanceResponse(inst *workflow.WorkflowInstance) *InstanceResponse {
	return &InstanceResponse{WorkflowInstance: inst, StatusText: workflow.GetInstanceStatusText(inst.Status)}
}

// instanceError 带上失败之前已经提交的实例快照
type instanceError struct {
	err      error
	instance *workflow.WorkflowInstance
}

func (e *instanceError) Error() string { return e.err.Error() }

func (e *instanceError) Unwrap() error { return e.err }

func withInstance(err error, inst *workflow.WorkflowInstance) error {
	if inst == nil {
		return err
	}
	return &instanceError{err: err, instance: inst}
}

// ErrorResponse 所有失败请求的响应体
type ErrorResponse struct {
	Error    string                     `json:"error"`
	Message  string                     `json:"message"`
	Instance *InstanceResponse `json:"instance,omitempty"`
}

// StatusCode 引擎错误到 HTTP 状态码的映射
func StatusCode(err error) (int, string) {
	switch {
	case errors.Is(err, workflow.ErrWorkflowParamInvalid):
		return http.StatusBadRequest, "invalid_param"
	case errors.Is(err, workflow.ErrTemplateValidation):
		return http.StatusBadRequest, "template_validation"
	case errors.Is(err, workflow.ErrTemplateNotFound):
		return http.StatusNotFound, "template_not_found"
	case errors.Is(err, workflow.ErrInstanceNotFound):
		return http.StatusNotFound, "instance_not_found"
	case errors.Is(err, workflow.ErrTaskNotFound):
		return http.StatusNotFound, "task_not_found"
	case errors.Is(err, workflow.ErrPermissionDenied):
		return http.StatusForbidden, "permission_denied"
	case errors.Is(err, workflow.ErrConcurrentModification):
		return http.StatusConflict, "concurrent_modification"
	case errors.Is(err, workflow.ErrTerminalState):
		return http.StatusConflict, "terminal_state"
	case errors.Is(err, workflow.ErrDuplicateTask):
		return http.StatusConflict, "duplicate_task"
	case errors.Is(err, workflow.ErrInvalidAction):
		return http.StatusUnprocessableEntity, "invalid_action"
	case errors.Is(err, workflow.ErrInvalidStage):
		return http.StatusUnprocessableEntity, "invalid_stage"
	case errors.Is(err, workflow.ErrNoMatchingTransition):
		return http.StatusUnprocessableEntity, "no_matching_transition"
	case errors.Is(err, workflow.ErrWorkflowCycle):
		return http.StatusUnprocessableEntity, "workflow_cycle"
	case errors.Is(err, workflow.ErrActionFailure):
		return http.StatusUnprocessableEntity, "action_failure"
	}
	return http.StatusInternalServerError, "internal"
}

func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		_ = c.JSON(httpErr.Code, &ErrorResponse{Error: "http", Message: http.StatusText(httpErr.Code) + ": " + toString(httpErr.Message)})
		return
	}
	code, kind := StatusCode(err)
	body := &ErrorResponse{Error: kind, Message: err.Error()}
	var instErr *instanceError
	if errors.As(err, &instErr) {
		body.Instance = instanceResponse(instErr.instance)
	}
	_ = c.JSON(code, body)
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return ""
}
