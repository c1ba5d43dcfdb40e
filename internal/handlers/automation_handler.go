package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"taskboard/internal/automation"
	"taskboard/internal/models"
	"taskboard/internal/services"
)

// RuleRunner 试运行与手动执行规则所需的引擎能力
type RuleRunner interface {
	DryRun(ctx context.Context, ruleID string, eventContext map[string]interface{}) (*automation.DryRunResult, error)
	DryRunRule(r automation.Rule, eventContext map[string]interface{}) *automation.DryRunResult
	InvokeRule(ctx context.Context, boardID, ruleID string, eventContext map[string]interface{}) (*automation.TriggerSummary, error)
}

// AutomationHandler 自动化规则与模板处理器
type AutomationHandler struct {
	rules     *services.AutomationService
	templates *services.TemplateService
	runner    RuleRunner
	logger    *logrus.Logger
}

// NewAutomationHandler 创建自动化处理器
func NewAutomationHandler(rules *services.AutomationService, templates *services.TemplateService, runner RuleRunner, logger *logrus.Logger) *AutomationHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationHandler{rules: rules, templates: templates, runner: runner, logger: logger}
}

// EventContextRequest 试运行 / 手动执行时提供的事件上下文
type EventContextRequest struct {
	Context map[string]interface{} `json:"context"`
}

// DryRunDefinitionRequest 对未保存的规则定义做试运行
type DryRunDefinitionRequest struct {
	services.RuleRequest
	Context map[string]interface{} `json:"context"`
}

// PriorityRequest 修改优先级
type PriorityRequest struct {
	Priority *int `json:"priority" binding:"required"`
}

// CreateRule 创建规则
// @Summary 创建自动化规则
// @Tags 自动化
// @Router /api/boards/{board_id}/automation/rules [post]
func (h *AutomationHandler) CreateRule(c *gin.Context) {
	var req services.RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	rule, err := h.rules.CreateRule(c.Request.Context(), c.Param("board_id"), &req)
	if err != nil {
		respondError(c, h.logger, "Failed to create rule", err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// ListRules 看板上的规则，按优先级排序
func (h *AutomationHandler) ListRules(c *gin.Context) {
	rules, err := h.rules.ListRules(c.Request.Context(), c.Param("board_id"))
	if err != nil {
		respondError(c, h.logger, "Failed to list rules", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rules, "total": len(rules)})
}

// GetRule 规则详情
func (h *AutomationHandler) GetRule(c *gin.Context) {
	rule, err := h.rules.GetRule(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "Failed to get rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// UpdateRule 更新规则
func (h *AutomationHandler) UpdateRule(c *gin.Context) {
	var req services.RuleUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	rule, err := h.rules.UpdateRule(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		respondError(c, h.logger, "Failed to update rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// DeleteRule 删除规则及其日志
func (h *AutomationHandler) DeleteRule(c *gin.Context) {
	if err := h.rules.DeleteRule(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.logger, "Failed to delete rule", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Rule deleted"})
}

// ValidateRule 只校验规则定义，不保存
func (h *AutomationHandler) ValidateRule(c *gin.Context) {
	var req services.RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.rules.ValidateRule(&req); err != nil {
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

func (h *AutomationHandler) setEnabled(c *gin.Context, enabled bool) {
	rule, err := h.rules.SetEnabled(c.Request.Context(), c.Param("id"), enabled)
	if err != nil {
		respondError(c, h.logger, "Failed to change rule state", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// EnableRule 启用规则
func (h *AutomationHandler) EnableRule(c *gin.Context) { h.setEnabled(c, true) }

// DisableRule 停用规则；已排队的延迟执行会在运行前被取消
func (h *AutomationHandler) DisableRule(c *gin.Context) { h.setEnabled(c, false) }

// SetPriority 修改规则优先级
func (h *AutomationHandler) SetPriority(c *gin.Context) {
	var req PriorityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	rule, err := h.rules.SetPriority(c.Request.Context(), c.Param("id"), *req.Priority)
	if err != nil {
		respondError(c, h.logger, "Failed to change priority", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// ResetExecutions 清零执行计数
func (h *AutomationHandler) ResetExecutions(c *gin.Context) {
	rule, err := h.rules.ResetExecutionCount(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "Failed to reset executions", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// GetRuleLogs 最近的执行日志
// @Summary 规则执行日志
// @Param limit query int false "条数，默认 20"
// @Router /api/automation/rules/{id}/logs [get]
func (h *AutomationHandler) GetRuleLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	ctx := c.Request.Context()
	if _, err := h.rules.GetRule(ctx, c.Param("id")); err != nil {
		respondError(c, h.logger, "Failed to get rule", err)
		return
	}
	logs, err := h.rules.RuleLogs(ctx, c.Param("id"), limit)
	if err != nil {
		respondError(c, h.logger, "Failed to load logs", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": logs, "total": len(logs)})
}

// DryRun 用给定上下文试运行已保存的规则，不执行动作
func (h *AutomationHandler) DryRun(c *gin.Context) {
	var req EventContextRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.runner.DryRun(c.Request.Context(), c.Param("id"), req.Context)
	if err != nil {
		respondError(c, h.logger, "Failed to dry-run rule", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// DryRunDefinition 试运行尚未保存的规则定义
func (h *AutomationHandler) DryRunDefinition(c *gin.Context) {
	var req DryRunDefinitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.rules.ValidateRule(&req.RuleRequest); err != nil {
		respondError(c, h.logger, "Invalid rule", err)
		return
	}
	rule := automation.DecodeRule(models.AutomationRule{
		Name:          req.Name,
		TriggerType:   req.TriggerType,
		TriggerConfig: string(req.TriggerConfig),
		Conditions:    string(req.Conditions),
		Actions:       string(req.Actions),
		Enabled:       true,
		DelaySeconds:  req.DelaySeconds,
		MaxExecutions: req.MaxExecutions,
	})
	c.JSON(http.StatusOK, h.runner.DryRunRule(rule, req.Context))
}

// RunRule 手动执行规则（rule_invoked），遵守条件、延迟与执行上限
func (h *AutomationHandler) RunRule(c *gin.Context) {
	var req EventContextRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	rule, err := h.rules.GetRule(ctx, c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "Failed to get rule", err)
		return
	}
	evCtx := req.Context
	if evCtx == nil {
		evCtx = map[string]interface{}{}
	}
	evCtx["boardId"] = rule.BoardID
	evCtx["source"] = "manual"
	summary, err := h.runner.InvokeRule(ctx, rule.BoardID, rule.ID, evCtx)
	if err != nil {
		respondError(c, h.logger, "Failed to run rule", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// BoardActivity 看板近期自动化执行统计（按状态）
func (h *AutomationHandler) BoardActivity(c *gin.Context) {
	hours, err := strconv.Atoi(c.DefaultQuery("hours", "24"))
	if err != nil || hours <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid hours",
			Message: "hours must be a positive number",
		})
		return
	}
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	stats, err := h.rules.BoardActivity(c.Request.Context(), c.Param("board_id"), since)
	if err != nil {
		respondError(c, h.logger, "Failed to load activity", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"since": since, "by_status": stats})
}

// ListTemplates 列出模板，可按 category 过滤
func (h *AutomationHandler) ListTemplates(c *gin.Context) {
	templates, err := h.templates.ListTemplates(c.Request.Context(), c.Query("category"))
	if err != nil {
		respondError(c, h.logger, "Failed to list templates", err)
		return
	}
	out := make([]gin.H, 0, len(templates))
	for i := range templates {
		out = append(out, gin.H{
			"template":  templates[i],
			"variables": services.TemplateVariables(&templates[i]),
		})
	}
	c.JSON(http.StatusOK, gin.H{"data": out, "total": len(out)})
}

// CreateTemplate 保存自定义模板
func (h *AutomationHandler) CreateTemplate(c *gin.Context) {
	var req services.TemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	tpl, err := h.templates.CreateTemplate(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, "Failed to create template", err)
		return
	}
	c.JSON(http.StatusCreated, tpl)
}

// InstantiateTemplate 用模板在看板上创建规则
func (h *AutomationHandler) InstantiateTemplate(c *gin.Context) {
	var req services.InstantiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	rule, err := h.templates.Instantiate(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		respondError(c, h.logger, "Failed to instantiate template", err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// RegisterAutomationRoutes 注册自动化规则与模板路由
func RegisterAutomationRoutes(r *gin.RouterGroup, handler *AutomationHandler) {
	boards := r.Group("/boards/:board_id/automation")
	{
		boards.GET("/rules", handler.ListRules)
		boards.POST("/rules", handler.CreateRule)
		boards.GET("/activity", handler.BoardActivity)
	}

	rules := r.Group("/automation/rules")
	{
		rules.POST("/validate", handler.ValidateRule)
		rules.POST("/dry-run", handler.DryRunDefinition)
		rules.GET("/:id", handler.GetRule)
		rules.PUT("/:id", handler.UpdateRule)
		rules.DELETE("/:id", handler.DeleteRule)
		rules.POST("/:id/enable", handler.EnableRule)
		rules.POST("/:id/disable", handler.DisableRule)
		rules.PUT("/:id/priority", handler.SetPriority)
		rules.POST("/:id/reset", handler.ResetExecutions)
		rules.GET("/:id/logs", handler.GetRuleLogs)
		rules.POST("/:id/dry-run", handler.DryRun)
		rules.POST("/:id/run", handler.RunRule)
	}

	templates := r.Group("/automation/templates")
	{
		templates.GET("", handler.ListTemplates)
		templates.POST("", handler.CreateTemplate)
		templates.POST("/:id/instantiate", handler.InstantiateTemplate)
	}
}
