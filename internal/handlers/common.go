package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"taskboard/internal/automation"
	"taskboard/internal/services"
)

// ErrorResponse 错误响应结构
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// SuccessResponse 成功响应结构
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// errorStatus 将领域错误映射为 HTTP 状态码
func errorStatus(err error) int {
	switch {
	case errors.Is(err, automation.ErrRuleNotFound),
		errors.Is(err, automation.ErrEntityNotFound),
		errors.Is(err, services.ErrTemplateNotFound),
		errors.Is(err, services.ErrWebhookNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrInvalidRule),
		errors.Is(err, services.ErrInvalidWebhook),
		errors.Is(err, automation.ErrMissingParam),
		errors.Is(err, automation.ErrUnsupportedAction):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrWebhookForbidden):
		return http.StatusForbidden
	case errors.Is(err, services.ErrWebhookUnauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// respondError 写入错误响应；服务端错误记录日志
func respondError(c *gin.Context, logger *logrus.Logger, summary string, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError && logger != nil {
		logger.Errorf("%s: %v", summary, err)
	}
	c.JSON(status, ErrorResponse{Error: summary, Message: err.Error(), Code: status})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:   "Invalid request body",
		Message: err.Error(),
	})
}

// bindOptionalJSON 允许空请求体
func bindOptionalJSON(c *gin.Context, obj interface{}) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	return c.ShouldBindJSON(obj)
}
