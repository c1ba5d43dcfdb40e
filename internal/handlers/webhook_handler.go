package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"taskboard/internal/services"
)

// maxWebhookBody 入站投递请求体上限
const maxWebhookBody = 1 << 20

// WebhookHandler 入站 webhook 管理与投递处理器
type WebhookHandler struct {
	webhooks *services.WebhookService
	logger   *logrus.Logger
}

// NewWebhookHandler 创建 webhook 处理器
func NewWebhookHandler(webhooks *services.WebhookService, logger *logrus.Logger) *WebhookHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &WebhookHandler{webhooks: webhooks, logger: logger}
}

// CreateWebhook 创建 webhook，响应中包含密钥（仅此一次）
func (h *WebhookHandler) CreateWebhook(c *gin.Context) {
	var req services.WebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	hook, err := h.webhooks.CreateWebhook(c.Request.Context(), c.Param("board_id"), &req)
	if err != nil {
		respondError(c, h.logger, "Failed to create webhook", err)
		return
	}
	c.JSON(http.StatusCreated, hook)
}

// ListWebhooks 看板上的 webhook
func (h *WebhookHandler) ListWebhooks(c *gin.Context) {
	hooks, err := h.webhooks.ListWebhooks(c.Request.Context(), c.Param("board_id"))
	if err != nil {
		respondError(c, h.logger, "Failed to list webhooks", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": hooks, "total": len(hooks)})
}

// GetWebhook webhook 详情
func (h *WebhookHandler) GetWebhook(c *gin.Context) {
	hook, err := h.webhooks.GetWebhook(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "Failed to get webhook", err)
		return
	}
	c.JSON(http.StatusOK, hook)
}

// UpdateWebhook 修改 webhook
func (h *WebhookHandler) UpdateWebhook(c *gin.Context) {
	var req services.WebhookUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	hook, err := h.webhooks.UpdateWebhook(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		respondError(c, h.logger, "Failed to update webhook", err)
		return
	}
	c.JSON(http.StatusOK, hook)
}

// RotateSecret 轮换密钥
func (h *WebhookHandler) RotateSecret(c *gin.Context) {
	hook, err := h.webhooks.RotateSecret(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "Failed to rotate secret", err)
		return
	}
	c.JSON(http.StatusOK, hook)
}

// DeleteWebhook 删除 webhook
func (h *WebhookHandler) DeleteWebhook(c *gin.Context) {
	if err := h.webhooks.DeleteWebhook(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.logger, "Failed to delete webhook", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Webhook deleted"})
}

// Receive 入站投递：校验通过后执行 webhook 动作并触发 webhook_received
// @Summary 接收自动化 webhook
// @Param X-Webhook-Signature header string false "sha256=<hex>"
// @Param X-Webhook-Timestamp header string false "epoch 毫秒"
// @Success 202 {object} services.DeliveryResult
// @Failure 401 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /hooks/automation/{id} [post]
func (h *WebhookHandler) Receive(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		badRequest(c, err)
		return
	}
	if len(body) > maxWebhookBody {
		c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{
			Error:   "Payload too large",
			Message: "webhook body exceeds 1MB",
		})
		return
	}

	ctx := c.Request.Context()
	hook, err := h.webhooks.ValidateDelivery(ctx, c.Param("id"), c.Request.Header, c.Request.RemoteAddr, body)
	if err != nil {
		status := errorStatus(err)
		if status < http.StatusInternalServerError {
			h.logger.WithField("webhook_id", c.Param("id")).Warnf("webhook delivery rejected: %v", err)
		}
		respondError(c, h.logger, http.StatusText(status), err)
		return
	}

	result, err := h.webhooks.Deliver(ctx, hook, body)
	if err != nil {
		respondError(c, h.logger, "Failed to deliver webhook", err)
		return
	}
	c.JSON(http.StatusAccepted, result)
}

// RegisterWebhookRoutes 注册 webhook 管理路由
func RegisterWebhookRoutes(r *gin.RouterGroup, handler *WebhookHandler) {
	r.GET("/boards/:board_id/automation/webhooks", handler.ListWebhooks)
	r.POST("/boards/:board_id/automation/webhooks", handler.CreateWebhook)

	hooks := r.Group("/automation/webhooks")
	{
		hooks.GET("/:id", handler.GetWebhook)
		hooks.PUT("/:id", handler.UpdateWebhook)
		hooks.DELETE("/:id", handler.DeleteWebhook)
		hooks.POST("/:id/rotate", handler.RotateSecret)
	}
}

// RegisterHookRoutes 注册公开的入站投递路由（不经过 /api 前缀）
func RegisterHookRoutes(r *gin.RouterGroup, handler *WebhookHandler) {
	r.POST("/hooks/automation/:id", handler.Receive)
}
