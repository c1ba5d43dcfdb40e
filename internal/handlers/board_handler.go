package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"taskboard/internal/services"
)

// BoardHandler 触发自动化的看板操作与用户通知
type BoardHandler struct {
	tasks         *services.TaskService
	notifications *services.NotificationService
	logger        *logrus.Logger
}

// NewBoardHandler 创建看板处理器
func NewBoardHandler(tasks *services.TaskService, notifications *services.NotificationService, logger *logrus.Logger) *BoardHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &BoardHandler{tasks: tasks, notifications: notifications, logger: logger}
}

// LabelRequest 打标签（ID 或名称）
type LabelRequest struct {
	Label string `json:"label" binding:"required"`
}

// AssignRequest 分配负责人
type AssignRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// ChecklistItemRequest 勾选清单条目
type ChecklistItemRequest struct {
	Checked *bool `json:"checked" binding:"required"`
}

// CreateTask 创建任务
func (h *BoardHandler) CreateTask(c *gin.Context) {
	var req services.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	task, err := h.tasks.CreateTask(c.Request.Context(), c.Param("board_id"), &req)
	if err != nil {
		respondError(c, h.logger, "Failed to create task", err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

// MoveTask 移动任务到其他列表
func (h *BoardHandler) MoveTask(c *gin.Context) {
	var req services.MoveTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	mv, err := h.tasks.MoveTask(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		respondError(c, h.logger, "Failed to move task", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"task_id":      mv.TaskID,
		"from_list_id": mv.FromListID,
		"to_list_id":   mv.ToListID,
		"moved":        mv.Moved,
	})
}

// AddComment 添加评论
func (h *BoardHandler) AddComment(c *gin.Context) {
	var req services.CommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	id, err := h.tasks.AddComment(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		respondError(c, h.logger, "Failed to add comment", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

// AddLabel 打标签
func (h *BoardHandler) AddLabel(c *gin.Context) {
	var req LabelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ref, err := h.tasks.AddLabel(c.Request.Context(), c.Param("id"), req.Label)
	if err != nil {
		respondError(c, h.logger, "Failed to add label", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"label": ref, "added": ref.Added})
}

// AssignUser 分配负责人
func (h *BoardHandler) AssignUser(c *gin.Context) {
	var req AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	added, err := h.tasks.AssignUser(c.Request.Context(), c.Param("id"), req.UserID)
	if err != nil {
		respondError(c, h.logger, "Failed to assign user", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": req.UserID, "added": added})
}

// ToggleChecklistItem 勾选或取消清单条目
func (h *BoardHandler) ToggleChecklistItem(c *gin.Context) {
	var req ChecklistItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.tasks.ToggleChecklistItem(c.Request.Context(), c.Param("id"), *req.Checked); err != nil {
		respondError(c, h.logger, "Failed to update checklist item", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "checked": *req.Checked})
}

// ListNotifications 用户通知
func (h *BoardHandler) ListNotifications(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	unread := c.Query("unread") == "true"
	items, err := h.notifications.ListNotifications(c.Request.Context(), c.Param("user_id"), unread, limit)
	if err != nil {
		respondError(c, h.logger, "Failed to list notifications", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": items, "total": len(items)})
}

// MarkNotificationRead 标记通知已读
func (h *BoardHandler) MarkNotificationRead(c *gin.Context) {
	if err := h.notifications.MarkRead(c.Request.Context(), c.Param("user_id"), c.Param("id")); err != nil {
		respondError(c, h.logger, "Failed to mark notification read", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Notification marked as read"})
}

// RegisterBoardRoutes 注册看板操作与通知路由
func RegisterBoardRoutes(r *gin.RouterGroup, handler *BoardHandler) {
	r.POST("/boards/:board_id/tasks", handler.CreateTask)

	tasks := r.Group("/tasks")
	{
		tasks.POST("/:id/move", handler.MoveTask)
		tasks.POST("/:id/comments", handler.AddComment)
		tasks.POST("/:id/labels", handler.AddLabel)
		tasks.POST("/:id/assignees", handler.AssignUser)
	}

	r.PUT("/checklist-items/:id", handler.ToggleChecklistItem)

	users := r.Group("/users/:user_id/notifications")
	{
		users.GET("", handler.ListNotifications)
		users.POST("/:id/read", handler.MarkNotificationRead)
	}
}
