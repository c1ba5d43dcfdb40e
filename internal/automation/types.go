// Package automation implements the board automation rule engine: rules are
// matched by trigger, gated by a condition tree and run an ordered action chain.
package automation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"taskboard/internal/models"
)

// TriggerType names a board event that can start rule evaluation.
type TriggerType string

const (
	TriggerTaskCreated        TriggerType = "task_created"
	TriggerTaskMovedToList    TriggerType = "task_moved_to_list"
	TriggerTaskAssigned       TriggerType = "task_assigned"
	TriggerLabelAdded         TriggerType = "label_added"
	TriggerCommentAdded       TriggerType = "comment_added"
	TriggerChecklistCompleted TriggerType = "checklist_completed"
	TriggerWebhookReceived    TriggerType = "webhook_received"
	TriggerScheduled          TriggerType = "scheduled"

	// TriggerRuleInvoked is used when one rule runs another through the
	// trigger_rule action. It is not selectable when authoring a rule.
	TriggerRuleInvoked TriggerType = "rule_invoked"
)

var authorableTriggers = []TriggerType{
	TriggerTaskCreated,
	TriggerTaskMovedToList,
	TriggerTaskAssigned,
	TriggerLabelAdded,
	TriggerCommentAdded,
	TriggerChecklistCompleted,
	TriggerWebhookReceived,
	TriggerScheduled,
}

// AuthorableTriggers returns the trigger kinds a rule can be created with.
func AuthorableTriggers() []TriggerType {
	out := make([]TriggerType, len(authorableTriggers))
	copy(out, authorableTriggers)
	return out
}

// IsValid reports whether t can be used as a rule trigger.
func (t TriggerType) IsValid() bool {
	for _, v := range authorableTriggers {
		if v == t {
			return true
		}
	}
	return false
}

// TriggerConfig narrows when a trigger applies to a rule. Empty fields match anything.
type TriggerConfig struct {
	ListID     string `json:"listId,omitempty" yaml:"listId,omitempty"`
	FromListID string `json:"fromListId,omitempty" yaml:"fromListId,omitempty"`
	LabelID    string `json:"labelId,omitempty" yaml:"labelId,omitempty"`
	UserID     string `json:"userId,omitempty" yaml:"userId,omitempty"`
	Keyword    string `json:"keyword,omitempty" yaml:"keyword,omitempty"`
	WebhookID  string `json:"webhookId,omitempty" yaml:"webhookId,omitempty"`
	Cron       string `json:"cron,omitempty" yaml:"cron,omitempty"`
}

// ParseTriggerConfig decodes the stored trigger configuration.
func ParseTriggerConfig(raw string) (TriggerConfig, error) {
	var cfg TriggerConfig
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return cfg, fmt.Errorf("invalid trigger config: %w", err)
	}
	return cfg, nil
}

// Rule is a decoded AutomationRule ready for evaluation.
type Rule struct {
	ID             string
	BoardID        string
	Name           string
	TriggerType    TriggerType
	TriggerConfig  TriggerConfig
	Conditions     *Condition
	Actions        []Action
	Enabled        bool
	Priority       int
	Delay          time.Duration
	MaxExecutions  *int
	ExecutionCount int
	CreatedAt      time.Time

	// ConfigErr holds the first decode error of the stored definition.
	// A rule with a config error never runs its actions.
	ConfigErr error
}

// DecodeRule converts the persisted row into a Rule. Decode problems are kept
// on the rule rather than returned so that one broken rule cannot hide others.
func DecodeRule(m models.AutomationRule) Rule {
	r := Rule{
		ID:             m.ID,
		BoardID:        m.BoardID,
		Name:           m.Name,
		TriggerType:    TriggerType(m.TriggerType),
		Enabled:        m.Enabled,
		Priority:       m.Priority,
		Delay:          time.Duration(m.DelaySeconds) * time.Second,
		MaxExecutions:  m.MaxExecutions,
		ExecutionCount: m.ExecutionCount,
		CreatedAt:      m.CreatedAt,
	}
	var err error
	if r.TriggerConfig, err = ParseTriggerConfig(m.TriggerConfig); err != nil && r.ConfigErr == nil {
		r.ConfigErr = err
	}
	if r.Conditions, err = ParseConditions(m.Conditions); err != nil && r.ConfigErr == nil {
		r.ConfigErr = err
	}
	if r.Actions, err = ParseActions(m.Actions); err != nil && r.ConfigErr == nil {
		r.ConfigErr = err
	}
	return r
}

// Exhausted reports whether the rule has used up its execution budget.
func (r Rule) Exhausted() bool {
	return r.MaxExecutions != nil && r.ExecutionCount >= *r.MaxExecutions
}

// ExecutionStatus is the outcome of a single rule firing.
type ExecutionStatus string

const (
	StatusSuccess         ExecutionStatus = "success"
	StatusPartialFailure  ExecutionStatus = "partial_failure"
	StatusFailure         ExecutionStatus = "failure"
	StatusConditionNotMet ExecutionStatus = "condition_not_met"
	StatusSkippedLoop     ExecutionStatus = "skipped_loop"
	StatusSkippedBudget   ExecutionStatus = "skipped_budget"
	StatusScheduled       ExecutionStatus = "scheduled"
	StatusCancelled       ExecutionStatus = "cancelled"
)

// Ran reports whether the status counts as the rule having executed (or been
// scheduled to execute).
func (s ExecutionStatus) Ran() bool {
	switch s {
	case StatusSuccess, StatusPartialFailure, StatusFailure, StatusScheduled:
		return true
	}
	return false
}

// RuleExecutionDetail describes what happened to one candidate rule.
type RuleExecutionDetail struct {
	RuleID       string          `json:"ruleId"`
	RuleName     string          `json:"ruleName"`
	TriggerType  TriggerType     `json:"triggerType"`
	Status       ExecutionStatus `json:"status"`
	LogID        string          `json:"logId,omitempty"`
	ScheduledFor *time.Time      `json:"scheduledFor,omitempty"`
	Actions      []ActionResult  `json:"actions,omitempty"`
	Error        string          `json:"error,omitempty"`
	Depth        int             `json:"depth"`
}

// TriggerSummary is returned by ProcessTrigger.
type TriggerSummary struct {
	RulesExecuted int                   `json:"rulesExecuted"`
	Details       []RuleExecutionDetail `json:"details"`
}

func (s *TriggerSummary) add(d RuleExecutionDetail) {
	if d.Status.Ran() {
		s.RulesExecuted++
	}
	s.Details = append(s.Details, d)
}

func (s *TriggerSummary) merge(other *TriggerSummary) {
	if other == nil {
		return
	}
	s.RulesExecuted += other.RulesExecuted
	s.Details = append(s.Details, other.Details...)
}

// aggregateStatus folds per-action outcomes into the rule outcome.
func aggregateStatus(results []ActionResult) ExecutionStatus {
	failed := 0
	for _, r := range results {
		if r.Status == ActionFailed {
			failed++
		}
	}
	switch {
	case failed == 0:
		return StatusSuccess
	case failed == len(results):
		return StatusFailure
	default:
		return StatusPartialFailure
	}
}
