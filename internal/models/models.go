package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// newID 生成字符串主键
func newID() string {
	return uuid.NewString()
}

// Board 看板
type Board struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	Name           string    `gorm:"not null" json:"name"`
	Description    string    `gorm:"type:text" json:"description"`
	OrganizationID string    `gorm:"index;size:36" json:"organization_id"`
	CreatedBy      string    `gorm:"size:36" json:"created_by"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	Lists  []BoardList `gorm:"foreignKey:BoardID" json:"lists,omitempty"`
	Labels []Label     `gorm:"foreignKey:BoardID" json:"labels,omitempty"`
}

func (b *Board) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = newID()
	}
	return nil
}

// BoardList 看板中的列表（列）
type BoardList struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	BoardID   string    `gorm:"index;size:36;not null" json:"board_id"`
	Name      string    `gorm:"not null" json:"name"`
	Position  int       `gorm:"default:0" json:"position"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (l *BoardList) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = newID()
	}
	return nil
}

// Task 任务卡片
type Task struct {
	ID          string     `gorm:"primaryKey;size:36" json:"id"`
	BoardID     string     `gorm:"index;size:36;not null" json:"board_id"`
	ListID      string     `gorm:"index;size:36;not null" json:"list_id"`
	Title       string     `gorm:"not null" json:"title"`
	Description string     `gorm:"type:text" json:"description"`
	Position    int        `gorm:"default:0" json:"position"`
	DueDate     *time.Time `json:"due_date"`
	Archived    bool       `gorm:"index" json:"archived"`
	ArchivedAt  *time.Time `json:"archived_at"`
	CreatedBy   string     `gorm:"size:36" json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	List       BoardList      `gorm:"foreignKey:ListID" json:"list,omitempty"`
	Assignees  []TaskAssignee `gorm:"foreignKey:TaskID" json:"assignees,omitempty"`
	TaskLabels []TaskLabel    `gorm:"foreignKey:TaskID" json:"task_labels,omitempty"`
	Checklists []Checklist    `gorm:"foreignKey:TaskID" json:"checklists,omitempty"`
}

func (t *Task) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = newID()
	}
	return nil
}

// Label 看板标签
type Label struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	BoardID   string    `gorm:"index;size:36;not null" json:"board_id"`
	Name      string    `gorm:"not null" json:"name"`
	Color     string    `json:"color"`
	CreatedAt time.Time `json:"created_at"`
}

func (l *Label) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = newID()
	}
	return nil
}

// TaskLabel 任务与标签的关联
type TaskLabel struct {
	TaskID    string    `gorm:"primaryKey;size:36" json:"task_id"`
	LabelID   string    `gorm:"primaryKey;size:36" json:"label_id"`
	CreatedAt time.Time `json:"created_at"`

	Label Label `gorm:"foreignKey:LabelID" json:"label,omitempty"`
}

// TaskAssignee 任务负责人
type TaskAssignee struct {
	TaskID    string    `gorm:"primaryKey;size:36" json:"task_id"`
	UserID    string    `gorm:"primaryKey;size:36" json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Checklist 任务清单
type Checklist struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	TaskID    string    `gorm:"index;size:36;not null" json:"task_id"`
	Title     string    `gorm:"not null" json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Items []ChecklistItem `gorm:"foreignKey:ChecklistID" json:"items,omitempty"`
}

func (c *Checklist) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = newID()
	}
	return nil
}

// ChecklistItem 清单条目
type ChecklistItem struct {
	ID          string     `gorm:"primaryKey;size:36" json:"id"`
	ChecklistID string     `gorm:"index;size:36;not null" json:"checklist_id"`
	Content     string     `gorm:"type:text;not null" json:"content"`
	Checked     bool       `json:"checked"`
	CheckedAt   *time.Time `json:"checked_at"`
	Position    int        `gorm:"default:0" json:"position"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (i *ChecklistItem) BeforeCreate(tx *gorm.DB) error {
	if i.ID == "" {
		i.ID = newID()
	}
	return nil
}

// Comment 任务评论
type Comment struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	TaskID    string    `gorm:"index;size:36;not null" json:"task_id"`
	UserID    string    `gorm:"index;size:36" json:"user_id"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	Type      string    `gorm:"default:'comment'" json:"type"` // comment, system
	CreatedAt time.Time `json:"created_at"`
}

func (c *Comment) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = newID()
	}
	return nil
}

// Notification 站内通知
type Notification struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	UserID    string    `gorm:"index;size:36;not null" json:"user_id"`
	Title     string    `gorm:"not null" json:"title"`
	Message   string    `gorm:"type:text" json:"message"`
	Data      string    `gorm:"type:text" json:"data"` // JSON
	Read      bool      `gorm:"column:is_read;index" json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

func (n *Notification) BeforeCreate(tx *gorm.DB) error {
	if n.ID == "" {
		n.ID = newID()
	}
	return nil
}
