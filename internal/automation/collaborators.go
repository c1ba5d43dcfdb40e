package automation

import (
	"context"
	"time"

	"taskboard/internal/models"
)

// RuleStore is the persistence the engine needs for rules and their logs.
type RuleStore interface {
	// GetEnabledRules returns enabled rules for the (board, trigger) pair in any order.
	GetEnabledRules(ctx context.Context, boardID string, trigger TriggerType) ([]models.AutomationRule, error)
	// GetRule returns ErrRuleNotFound when the rule does not exist.
	GetRule(ctx context.Context, ruleID string) (*models.AutomationRule, error)
	// IncrementExecutionCount reserves one execution and returns the new count.
	// The cap and the enabled flag are checked in the same statement; a lost
	// race returns ErrBudgetExhausted.
	IncrementExecutionCount(ctx context.Context, ruleID string) (int, error)
	CreateExecutionLog(ctx context.Context, log *models.AutomationExecutionLog) error
}

// PendingStore persists delayed continuations.
type PendingStore interface {
	SavePending(ctx context.Context, p *models.PendingExecution) error
	// ClaimPending moves a pending record to running. ErrPendingClaimed is
	// returned when another worker already took it.
	ClaimPending(ctx context.Context, id string) (*models.PendingExecution, error)
	FinishPending(ctx context.Context, id, status, lastError string) error
	DuePending(ctx context.Context, now time.Time, limit int) ([]models.PendingExecution, error)
}

// TaskMove is the outcome of a move_task_to_list mutation.
type TaskMove struct {
	TaskID     string
	BoardID    string
	FromListID string
	ToListID   string
	Moved      bool
}

// LabelRef identifies a label attached to a task.
type LabelRef struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
	// Added is false when the task already carried the label.
	Added bool `json:"-"`
}

// NewTask describes a task created by an action.
type NewTask struct {
	BoardID     string
	ListID      string
	Title       string
	Description string
	CreatedBy   string
	AssigneeIDs []string
	DueDate     *time.Time
}

// ChecklistState summarises a checklist for completion checks.
type ChecklistState struct {
	ChecklistID string `json:"id"`
	TaskID      string `json:"taskId"`
	BoardID     string `json:"boardId"`
	Title       string `json:"title"`
	Total       int    `json:"total"`
	Checked     int    `json:"checked"`
}

// Complete reports whether every item is checked. An empty checklist is never complete.
func (s ChecklistState) Complete() bool {
	return s.Total > 0 && s.Checked == s.Total
}

// EntityStore performs the board mutations behind entity actions.
type EntityStore interface {
	MoveTask(ctx context.Context, taskID, listID string, position *int) (*TaskMove, error)
	AddLabel(ctx context.Context, taskID, labelIDOrName string) (*LabelRef, error)
	RemoveLabel(ctx context.Context, taskID, labelIDOrName string) error
	// AssignUser returns false when the user was already assigned.
	AssignUser(ctx context.Context, taskID, userID string) (bool, error)
	UnassignUser(ctx context.Context, taskID, userID string) error
	SetDueDate(ctx context.Context, taskID string, due *time.Time) error
	CreateTask(ctx context.Context, task NewTask) (string, error)
	ArchiveTask(ctx context.Context, taskID string) error
	AddChecklistItem(ctx context.Context, taskID, checklistTitle, content string) (string, error)
	CreateComment(ctx context.Context, taskID, authorID, content string) (string, error)
	// TaskContext returns the task snapshot used as the "task" key of event contexts.
	TaskContext(ctx context.Context, taskID string) (map[string]interface{}, error)
	ChecklistState(ctx context.Context, checklistID string) (*ChecklistState, error)
}

// Notifier delivers in-app notifications.
type Notifier interface {
	Notify(ctx context.Context, userID, title, message string, data map[string]interface{}) error
}

// WebhookResponse is what an outbound webhook call returned.
type WebhookResponse struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body,omitempty"`
}

// WebhookPoster signs and posts JSON payloads. An empty secret sends unsigned.
type WebhookPoster interface {
	Post(ctx context.Context, url string, payload interface{}, secret string) (*WebhookResponse, error)
}

// ChatMessage is one message for a chat connector.
type ChatMessage struct {
	Platform   string `json:"platform"`
	Credential string `json:"-"`
	ChatID     string `json:"chatId"`
	Text       string `json:"text"`
	Format     string `json:"format,omitempty"`
}

// ChatSender delivers chat messages (telegram, slack, discord).
type ChatSender interface {
	SendMessage(ctx context.Context, msg ChatMessage) error
}

// Scheduler runs fn once after delay.
type Scheduler interface {
	RunAfter(delay time.Duration, fn func())
}

// TimerScheduler is the in-process Scheduler backed by time.AfterFunc.
type TimerScheduler struct{}

func (TimerScheduler) RunAfter(delay time.Duration, fn func()) {
	time.AfterFunc(delay, fn)
}

// RuleInvoker runs a rule by id. The engine implements it for the
// trigger_rule action.
type RuleInvoker interface {
	InvokeRule(ctx context.Context, boardID, ruleID string, eventContext map[string]interface{}) (*TriggerSummary, error)
}

// Observer is told about every rule firing the engine records.
type Observer interface {
	RuleFired(ctx context.Context, boardID string, detail RuleExecutionDetail)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, boardID string, detail RuleExecutionDetail)

func (f ObserverFunc) RuleFired(ctx context.Context, boardID string, detail RuleExecutionDetail) {
	f(ctx, boardID, detail)
}
