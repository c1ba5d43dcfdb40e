package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"taskboard/internal/automation"
)

// TaskService 看板上的用户操作。每个操作先提交自身修改，再派发自动化触发。
type TaskService struct {
	store    *BoardStore
	triggers *TriggerDispatcher
	logger   *logrus.Logger
}

func NewTaskService(store *BoardStore, triggers *TriggerDispatcher, logger *logrus.Logger) *TaskService {
	if logger == nil {
		logger = logrus.New()
	}
	return &TaskService{store: store, triggers: triggers, logger: logger}
}

// CreateTaskRequest 创建任务
type CreateTaskRequest struct {
	ListID      string     `json:"list_id" binding:"required"`
	Title       string     `json:"title" binding:"required"`
	Description string     `json:"description"`
	AssigneeIDs []string   `json:"assignee_ids"`
	DueDate     *time.Time `json:"due_date"`
	CreatedBy   string     `json:"created_by"`
}

// MoveTaskRequest 移动任务
type MoveTaskRequest struct {
	ListID   string `json:"list_id" binding:"required"`
	Position *int   `json:"position"`
}

// CommentRequest 添加评论
type CommentRequest struct {
	AuthorID string `json:"author_id"`
	Content  string `json:"content" binding:"required"`
}

// userEvent 构造事件上下文；boardID 为空时取任务所在看板
func (s *TaskService) userEvent(ctx context.Context, boardID, taskID string, extra map[string]interface{}) (string, map[string]interface{}) {
	evCtx := map[string]interface{}{"source": "user"}
	if task, err := s.store.TaskContext(ctx, taskID); err == nil {
		evCtx["task"] = task
		if boardID == "" {
			boardID, _ = task["boardId"].(string)
		}
	} else {
		evCtx["task"] = map[string]interface{}{"id": taskID}
	}
	evCtx["boardId"] = boardID
	for k, v := range extra {
		evCtx[k] = v
	}
	return boardID, evCtx
}

// CreateTask 创建任务并触发 task_created（以及每个负责人的 task_assigned）
func (s *TaskService) CreateTask(ctx context.Context, boardID string, req *CreateTaskRequest) (map[string]interface{}, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("title required: %w", automation.ErrMissingParam)
	}
	taskID, err := s.store.CreateTask(ctx, automation.NewTask{
		BoardID:     boardID,
		ListID:      req.ListID,
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		CreatedBy:   req.CreatedBy,
		AssigneeIDs: req.AssigneeIDs,
		DueDate:     req.DueDate,
	})
	if err != nil {
		return nil, err
	}
	_, evCtx := s.userEvent(ctx, boardID, taskID, map[string]interface{}{"listId": req.ListID})
	s.triggers.Dispatch(ctx, boardID, automation.TriggerTaskCreated, evCtx)
	for _, uid := range req.AssigneeIDs {
		_, assigned := s.userEvent(ctx, boardID, taskID, map[string]interface{}{
			"userId":   uid,
			"assignee": map[string]interface{}{"id": uid},
		})
		s.triggers.Dispatch(ctx, boardID, automation.TriggerTaskAssigned, assigned)
	}
	return evCtx["task"].(map[string]interface{}), nil
}

// MoveTask 移动任务；列表确有变化时触发 task_moved_to_list
func (s *TaskService) MoveTask(ctx context.Context, taskID string, req *MoveTaskRequest) (*automation.TaskMove, error) {
	mv, err := s.store.MoveTask(ctx, taskID, req.ListID, req.Position)
	if err != nil {
		return nil, err
	}
	if mv.Moved {
		boardID, evCtx := s.userEvent(ctx, mv.BoardID, taskID, map[string]interface{}{
			"fromListId": mv.FromListID,
			"toListId":   mv.ToListID,
		})
		s.triggers.Dispatch(ctx, boardID, automation.TriggerTaskMovedToList, evCtx)
	}
	return mv, nil
}

// AddComment 添加评论并触发 comment_added
func (s *TaskService) AddComment(ctx context.Context, taskID string, req *CommentRequest) (string, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return "", fmt.Errorf("content required: %w", automation.ErrMissingParam)
	}
	commentID, err := s.store.CreateComment(ctx, taskID, req.AuthorID, content)
	if err != nil {
		return "", err
	}
	boardID, evCtx := s.userEvent(ctx, "", taskID, map[string]interface{}{
		"comment": map[string]interface{}{"id": commentID, "content": content, "userId": req.AuthorID},
	})
	s.triggers.Dispatch(ctx, boardID, automation.TriggerCommentAdded, evCtx)
	return commentID, nil
}

// AddLabel 打标签；新加标签时触发 label_added
func (s *TaskService) AddLabel(ctx context.Context, taskID, labelIDOrName string) (*automation.LabelRef, error) {
	ref, err := s.store.AddLabel(ctx, taskID, labelIDOrName)
	if err != nil {
		return nil, err
	}
	if ref.Added {
		boardID, evCtx := s.userEvent(ctx, "", taskID, map[string]interface{}{
			"labelId": ref.ID,
			"label":   map[string]interface{}{"id": ref.ID, "name": ref.Name, "color": ref.Color},
		})
		s.triggers.Dispatch(ctx, boardID, automation.TriggerLabelAdded, evCtx)
	}
	return ref, nil
}

// AssignUser 分配负责人；新增时触发 task_assigned
func (s *TaskService) AssignUser(ctx context.Context, taskID, userID string) (bool, error) {
	added, err := s.store.AssignUser(ctx, taskID, userID)
	if err != nil {
		return false, err
	}
	if added {
		boardID, evCtx := s.userEvent(ctx, "", taskID, map[string]interface{}{
			"userId":   userID,
			"assignee": map[string]interface{}{"id": userID},
		})
		s.triggers.Dispatch(ctx, boardID, automation.TriggerTaskAssigned, evCtx)
	}
	return added, nil
}

// ToggleChecklistItem 勾选条目；由未勾选变为勾选时检查清单是否全部完成
func (s *TaskService) ToggleChecklistItem(ctx context.Context, itemID string, checked bool) error {
	checklistID, changed, err := s.store.SetChecklistItem(ctx, itemID, checked)
	if err != nil {
		return err
	}
	if checked && changed {
		s.triggers.DispatchChecklist(ctx, checklistID)
	}
	return nil
}
