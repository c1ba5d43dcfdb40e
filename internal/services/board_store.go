package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"taskboard/internal/automation"
	"taskboard/internal/models"
)

// DefaultLabelColor 自动创建标签时使用的颜色
const DefaultLabelColor = "gray"

// BoardStore 看板实体的持久化操作，供自动化动作与触发源使用
type BoardStore struct {
	db     *gorm.DB
	logger *logrus.Logger
	now    func() time.Time
}

// NewBoardStore 创建看板存储
func NewBoardStore(db *gorm.DB, logger *logrus.Logger) *BoardStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &BoardStore{db: db, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

var _ automation.EntityStore = (*BoardStore)(nil)

func notFound(kind, id string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", kind, id, automation.ErrEntityNotFound)
	}
	return fmt.Errorf("failed to load %s: %w", kind, err)
}

func (s *BoardStore) loadTask(tx *gorm.DB, taskID string) (*models.Task, error) {
	var task models.Task
	if err := tx.First(&task, "id = ?", taskID).Error; err != nil {
		return nil, notFound("task", taskID, err)
	}
	return &task, nil
}

// loadList 获取列表并校验其属于指定看板
func (s *BoardStore) loadList(tx *gorm.DB, boardID, listID string) (*models.BoardList, error) {
	var list models.BoardList
	if err := tx.First(&list, "id = ? AND board_id = ?", listID, boardID).Error; err != nil {
		return nil, notFound("list", listID, err)
	}
	return &list, nil
}

func nextTaskPosition(tx *gorm.DB, listID string) (int, error) {
	var max sql.NullInt64
	if err := tx.Model(&models.Task{}).Where("list_id = ?", listID).Select("MAX(position)").Row().Scan(&max); err != nil {
		return 0, err
	}
	if !max.Valid {
		return 0, nil
	}
	return int(max.Int64) + 1, nil
}

// MoveTask 将任务移动到同一看板的另一个列表
func (s *BoardStore) MoveTask(ctx context.Context, taskID, listID string, position *int) (*automation.TaskMove, error) {
	var mv *automation.TaskMove
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		task, err := s.loadTask(tx, taskID)
		if err != nil {
			return err
		}
		if _, err := s.loadList(tx, task.BoardID, listID); err != nil {
			return err
		}
		mv = &automation.TaskMove{TaskID: task.ID, BoardID: task.BoardID, FromListID: task.ListID, ToListID: listID}
		if task.ListID == listID && position == nil {
			return nil
		}
		pos := 0
		if position != nil {
			pos = *position
		} else if pos, err = nextTaskPosition(tx, listID); err != nil {
			return err
		}
		mv.Moved = task.ListID != listID
		return tx.Model(task).Updates(map[string]interface{}{"list_id": listID, "position": pos}).Error
	})
	if err != nil {
		return nil, err
	}
	return mv, nil
}

// resolveLabel 按 ID 或名称（不区分大小写）查找看板标签；create 为真时按名称创建
func (s *BoardStore) resolveLabel(tx *gorm.DB, boardID, idOrName string, create bool) (*models.Label, error) {
	idOrName = strings.TrimSpace(idOrName)
	var label models.Label
	err := tx.Where("board_id = ? AND (id = ? OR LOWER(name) = ?)", boardID, idOrName, strings.ToLower(idOrName)).
		First(&label).Error
	if err == nil {
		return &label, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to load label: %w", err)
	}
	if _, perr := uuid.Parse(idOrName); perr == nil || !create {
		return nil, fmt.Errorf("label %s: %w", idOrName, automation.ErrEntityNotFound)
	}
	label = models.Label{BoardID: boardID, Name: idOrName, Color: DefaultLabelColor}
	if err := tx.Create(&label).Error; err != nil {
		return nil, fmt.Errorf("failed to create label: %w", err)
	}
	return &label, nil
}

// AddLabel 给任务打标签，标签名不存在时自动创建
func (s *BoardStore) AddLabel(ctx context.Context, taskID, labelIDOrName string) (*automation.LabelRef, error) {
	var ref *automation.LabelRef
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		task, err := s.loadTask(tx, taskID)
		if err != nil {
			return err
		}
		label, err := s.resolveLabel(tx, task.BoardID, labelIDOrName, true)
		if err != nil {
			return err
		}
		ref = &automation.LabelRef{ID: label.ID, Name: label.Name, Color: label.Color}
		var n int64
		if err := tx.Model(&models.TaskLabel{}).Where("task_id = ? AND label_id = ?", task.ID, label.ID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		ref.Added = true
		return tx.Create(&models.TaskLabel{TaskID: task.ID, LabelID: label.ID}).Error
	})
	if err != nil {
		return nil, err
	}
	return ref, nil
}

// RemoveLabel 移除任务标签；任务未打该标签时不报错
func (s *BoardStore) RemoveLabel(ctx context.Context, taskID, labelIDOrName string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		task, err := s.loadTask(tx, taskID)
		if err != nil {
			return err
		}
		label, err := s.resolveLabel(tx, task.BoardID, labelIDOrName, false)
		if err != nil {
			return err
		}
		return tx.Where("task_id = ? AND label_id = ?", task.ID, label.ID).Delete(&models.TaskLabel{}).Error
	})
}

// AssignUser 分配负责人，返回是否新增
func (s *BoardStore) AssignUser(ctx context.Context, taskID, userID string) (bool, error) {
	added := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.loadTask(tx, taskID); err != nil {
			return err
		}
		var n int64
		if err := tx.Model(&models.TaskAssignee{}).Where("task_id = ? AND user_id = ?", taskID, userID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		added = true
		return tx.Create(&models.TaskAssignee{TaskID: taskID, UserID: userID}).Error
	})
	return added, err
}

// UnassignUser 移除负责人
func (s *BoardStore) UnassignUser(ctx context.Context, taskID, userID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.loadTask(tx, taskID); err != nil {
			return err
		}
		return tx.Where("task_id = ? AND user_id = ?", taskID, userID).Delete(&models.TaskAssignee{}).Error
	})
}

// SetDueDate 设置或清除截止时间
func (s *BoardStore) SetDueDate(ctx context.Context, taskID string, due *time.Time) error {
	db := s.db.WithContext(ctx)
	task, err := s.loadTask(db, taskID)
	if err != nil {
		return err
	}
	var value interface{}
	if due != nil {
		value = due.UTC()
	}
	if err := db.Model(task).Update("due_date", value).Error; err != nil {
		return fmt.Errorf("failed to set due date: %w", err)
	}
	return nil
}

// CreateTask 在列表末尾创建任务
func (s *BoardStore) CreateTask(ctx context.Context, nt automation.NewTask) (string, error) {
	var id string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.loadList(tx, nt.BoardID, nt.ListID); err != nil {
			return err
		}
		pos, err := nextTaskPosition(tx, nt.ListID)
		if err != nil {
			return err
		}
		task := models.Task{
			BoardID:     nt.BoardID,
			ListID:      nt.ListID,
			Title:       nt.Title,
			Description: nt.Description,
			Position:    pos,
			DueDate:     nt.DueDate,
			CreatedBy:   nt.CreatedBy,
		}
		if err := tx.Create(&task).Error; err != nil {
			return fmt.Errorf("failed to create task: %w", err)
		}
		for _, uid := range nt.AssigneeIDs {
			if err := tx.Create(&models.TaskAssignee{TaskID: task.ID, UserID: uid}).Error; err != nil {
				return fmt.Errorf("failed to assign %s: %w", uid, err)
			}
		}
		id = task.ID
		return nil
	})
	return id, err
}

// ArchiveTask 归档任务
func (s *BoardStore) ArchiveTask(ctx context.Context, taskID string) error {
	db := s.db.WithContext(ctx)
	task, err := s.loadTask(db, taskID)
	if err != nil {
		return err
	}
	if task.Archived {
		return nil
	}
	now := s.now()
	return db.Model(task).Updates(map[string]interface{}{"archived": true, "archived_at": now}).Error
}

// AddChecklistItem 向任务的指定清单追加条目，清单不存在时按标题创建
func (s *BoardStore) AddChecklistItem(ctx context.Context, taskID, checklistTitle, content string) (string, error) {
	var id string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.loadTask(tx, taskID); err != nil {
			return err
		}
		var cl models.Checklist
		err := tx.Where("task_id = ? AND title = ?", taskID, checklistTitle).First(&cl).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			cl = models.Checklist{TaskID: taskID, Title: checklistTitle}
			err = tx.Create(&cl).Error
		}
		if err != nil {
			return fmt.Errorf("failed to resolve checklist: %w", err)
		}
		var count int64
		if err := tx.Model(&models.ChecklistItem{}).Where("checklist_id = ?", cl.ID).Count(&count).Error; err != nil {
			return err
		}
		item := models.ChecklistItem{ChecklistID: cl.ID, Content: content, Position: int(count)}
		if err := tx.Create(&item).Error; err != nil {
			return fmt.Errorf("failed to create checklist item: %w", err)
		}
		id = item.ID
		return nil
	})
	return id, err
}

// CreateComment 添加评论；无作者的评论记为 system 类型
func (s *BoardStore) CreateComment(ctx context.Context, taskID, authorID, content string) (string, error) {
	db := s.db.WithContext(ctx)
	if _, err := s.loadTask(db, taskID); err != nil {
		return "", err
	}
	kind := "comment"
	if authorID == "" {
		kind = "system"
	}
	c := models.Comment{TaskID: taskID, UserID: authorID, Content: content, Type: kind}
	if err := db.Create(&c).Error; err != nil {
		return "", fmt.Errorf("failed to create comment: %w", err)
	}
	return c.ID, nil
}

// TaskContext 返回事件上下文中 "task" 键使用的任务快照
func (s *BoardStore) TaskContext(ctx context.Context, taskID string) (map[string]interface{}, error) {
	var task models.Task
	err := s.db.WithContext(ctx).
		Preload("List").
		Preload("Assignees").
		Preload("TaskLabels.Label").
		First(&task, "id = ?", taskID).Error
	if err != nil {
		return nil, notFound("task", taskID, err)
	}
	return TaskSnapshot(&task), nil
}

// TaskSnapshot 将任务转为上下文 map（预加载 List / Assignees / TaskLabels.Label 后字段更完整）
func TaskSnapshot(task *models.Task) map[string]interface{} {
	assignees := make([]interface{}, 0, len(task.Assignees))
	for _, a := range task.Assignees {
		assignees = append(assignees, a.UserID)
	}
	labels := make([]interface{}, 0, len(task.TaskLabels))
	labelNames := make([]interface{}, 0, len(task.TaskLabels))
	for _, tl := range task.TaskLabels {
		labels = append(labels, map[string]interface{}{"id": tl.Label.ID, "name": tl.Label.Name, "color": tl.Label.Color})
		labelNames = append(labelNames, tl.Label.Name)
	}
	var due interface{}
	if task.DueDate != nil {
		due = task.DueDate.UTC().Format(time.RFC3339)
	}
	return map[string]interface{}{
		"id":          task.ID,
		"boardId":     task.BoardID,
		"listId":      task.ListID,
		"listName":    task.List.Name,
		"title":       task.Title,
		"description": task.Description,
		"position":    task.Position,
		"dueDate":     due,
		"archived":    task.Archived,
		"createdBy":   task.CreatedBy,
		"assignees":   assignees,
		"labels":      labels,
		"labelNames":  labelNames,
	}
}

// ChecklistState 统计清单完成情况
func (s *BoardStore) ChecklistState(ctx context.Context, checklistID string) (*automation.ChecklistState, error) {
	db := s.db.WithContext(ctx)
	var cl models.Checklist
	if err := db.First(&cl, "id = ?", checklistID).Error; err != nil {
		return nil, notFound("checklist", checklistID, err)
	}
	task, err := s.loadTask(db, cl.TaskID)
	if err != nil {
		return nil, err
	}
	var total, checked int64
	if err := db.Model(&models.ChecklistItem{}).Where("checklist_id = ?", cl.ID).Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count checklist items: %w", err)
	}
	if err := db.Model(&models.ChecklistItem{}).Where("checklist_id = ? AND checked = ?", cl.ID, true).Count(&checked).Error; err != nil {
		return nil, fmt.Errorf("failed to count checklist items: %w", err)
	}
	return &automation.ChecklistState{
		ChecklistID: cl.ID,
		TaskID:      cl.TaskID,
		BoardID:     task.BoardID,
		Title:       cl.Title,
		Total:       int(total),
		Checked:     int(checked),
	}, nil
}

// SetChecklistItem 勾选或取消条目，返回所属清单 ID；条目已是该状态时 changed 为 false
func (s *BoardStore) SetChecklistItem(ctx context.Context, itemID string, checked bool) (checklistID string, changed bool, err error) {
	db := s.db.WithContext(ctx)
	var item models.ChecklistItem
	if err := db.First(&item, "id = ?", itemID).Error; err != nil {
		return "", false, notFound("checklist item", itemID, err)
	}
	updates := map[string]interface{}{"checked": checked, "checked_at": nil}
	if checked {
		updates["checked_at"] = s.now()
	}
	res := db.Model(&models.ChecklistItem{}).
		Where("id = ? AND checked = ?", item.ID, !checked).
		Updates(updates)
	if res.Error != nil {
		return "", false, fmt.Errorf("failed to update checklist item: %w", res.Error)
	}
	return item.ChecklistID, res.RowsAffected > 0, nil
}
