package models

import (
	"time"

	"gorm.io/gorm"
)

// AutomationRule 看板自动化规则
type AutomationRule struct {
	ID             string     `gorm:"primaryKey;size:36" json:"id"`
	BoardID        string     `gorm:"index:idx_rules_board_trigger;size:36;not null" json:"board_id"`
	Name           string     `gorm:"not null" json:"name"`
	Description    string     `gorm:"type:text" json:"description"`
	TriggerType    string     `gorm:"index:idx_rules_board_trigger;size:64;not null" json:"trigger_type"`
	TriggerConfig  string     `gorm:"type:text" json:"trigger_config"`   // JSON object
	Conditions     string     `gorm:"type:text" json:"conditions"`       // JSON: condition tree or [leaf...]
	Actions        string     `gorm:"type:text;not null" json:"actions"` // JSON: [{kind, ...params}]
	Enabled        bool       `gorm:"index" json:"enabled"`
	Priority       int        `gorm:"index" json:"priority"`
	DelaySeconds   int        `json:"delay_seconds"`
	MaxExecutions  *int       `json:"max_executions"`
	ExecutionCount int        `gorm:"not null;default:0" json:"execution_count"`
	LastExecutedAt *time.Time `json:"last_executed_at"`
	CreatedBy      string     `gorm:"size:36" json:"created_by"`
	TemplateID     *string    `gorm:"index;size:36" json:"template_id"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`

	Logs []AutomationExecutionLog `gorm:"foreignKey:RuleID;constraint:OnDelete:CASCADE" json:"-"`
}

func (r *AutomationRule) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = newID()
	}
	return nil
}

// BudgetExhausted 是否已达到最大执行次数
func (r *AutomationRule) BudgetExhausted() bool {
	return r.MaxExecutions != nil && r.ExecutionCount >= *r.MaxExecutions
}

// AutomationTemplate 可复用的规则模板（不绑定看板）
type AutomationTemplate struct {
	ID            string    `gorm:"primaryKey;size:36" json:"id"`
	Name          string    `gorm:"uniqueIndex;not null" json:"name"`
	Description   string    `gorm:"type:text" json:"description"`
	Category      string    `gorm:"index" json:"category"`
	TriggerType   string    `gorm:"size:64;not null" json:"trigger_type"`
	TriggerConfig string    `gorm:"type:text" json:"trigger_config"`
	Conditions    string    `gorm:"type:text" json:"conditions"`
	Actions       string    `gorm:"type:text;not null" json:"actions"`
	UsageCount    int       `gorm:"not null;default:0" json:"usage_count"`
	Builtin       bool      `json:"builtin"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (t *AutomationTemplate) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = newID()
	}
	return nil
}

// AutomationExecutionLog 每次规则触发的执行记录
type AutomationExecutionLog struct {
	ID              string    `gorm:"primaryKey;size:36" json:"id"`
	RuleID          string    `gorm:"index;size:36;not null" json:"rule_id"`
	BoardID         string    `gorm:"index;size:36" json:"board_id"`
	TriggerType     string    `gorm:"size:64" json:"trigger_type"`
	Status          string    `gorm:"index;size:32" json:"status"` // success, partial_failure, failure, condition_not_met, skipped_loop, cancelled
	TriggerPayload  string    `gorm:"type:text" json:"trigger_payload"`
	ActionResults   string    `gorm:"type:text" json:"action_results"`
	Error           string    `gorm:"type:text" json:"error"`
	ExecutionNumber int       `json:"execution_number"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	DurationMs      int64     `json:"duration_ms"`
	CreatedAt       time.Time `gorm:"index" json:"created_at"`
}

func (l *AutomationExecutionLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = newID()
	}
	return nil
}

// AutomationWebhook 看板入站 Webhook
type AutomationWebhook struct {
	ID               string     `gorm:"primaryKey;size:36" json:"id"`
	BoardID          string     `gorm:"index;size:36;not null" json:"board_id"`
	Name             string     `gorm:"not null" json:"name"`
	Secret           string     `gorm:"size:128;not null" json:"-"`
	AllowedIPs       string     `gorm:"type:text" json:"allowed_ips"` // JSON array
	RequireSignature bool       `json:"require_signature"`
	Actions          string     `gorm:"type:text;not null" json:"actions"`
	Enabled          bool       `gorm:"index" json:"enabled"`
	TriggerCount     int        `gorm:"not null;default:0" json:"trigger_count"`
	LastTriggeredAt  *time.Time `json:"last_triggered_at"`
	CreatedBy        string     `gorm:"size:36" json:"created_by"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (w *AutomationWebhook) BeforeCreate(tx *gorm.DB) error {
	if w.ID == "" {
		w.ID = newID()
	}
	return nil
}

// PendingExecution 延迟执行的规则（可在重启后由清扫任务恢复）
type PendingExecution struct {
	ID              string    `gorm:"primaryKey;size:36" json:"id"`
	RuleID          string    `gorm:"index;size:36;not null" json:"rule_id"`
	BoardID         string    `gorm:"size:36" json:"board_id"`
	TriggerType     string    `gorm:"size:64" json:"trigger_type"`
	Context         string    `gorm:"type:text" json:"context"` // JSON snapshot
	DueAt           time.Time `gorm:"index" json:"due_at"`
	Status          string    `gorm:"index;size:16" json:"status"` // pending, running, done, cancelled
	Attempts        int       `json:"attempts"`
	LastError       string    `gorm:"type:text" json:"last_error"`
	ExecutionNumber int       `json:"execution_number"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (p *PendingExecution) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = newID()
	}
	return nil
}

// Pending execution states.
const (
	PendingStatusPending   = "pending"
	PendingStatusRunning   = "running"
	PendingStatusDone      = "done"
	PendingStatusCancelled = "cancelled"
)

// All 返回需要迁移的全部模型
func All() []interface{} {
	return []interface{}{
		&Board{}, &BoardList{}, &Task{}, &Label{}, &TaskLabel{}, &TaskAssignee{},
		&Checklist{}, &ChecklistItem{}, &Comment{}, &Notification{},
		&AutomationRule{}, &AutomationTemplate{}, &AutomationExecutionLog{},
		&AutomationWebhook{}, &PendingExecution{},
	}
}
