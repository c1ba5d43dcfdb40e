package automation

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ActionKind names one side effect an action performs.
type ActionKind string

const (
	ActionMoveTask         ActionKind = "move_task_to_list"
	ActionAddLabel         ActionKind = "add_label"
	ActionRemoveLabel      ActionKind = "remove_label"
	ActionAssignUser       ActionKind = "assign_user"
	ActionUnassignUser     ActionKind = "unassign_user"
	ActionSetDueDate       ActionKind = "set_due_date"
	ActionSendNotification ActionKind = "send_notification"
	ActionPostComment      ActionKind = "post_comment"
	ActionCreateTask       ActionKind = "create_task"
	ActionArchiveTask      ActionKind = "archive_task"
	ActionCallWebhook      ActionKind = "call_webhook"
	ActionSendChatMessage  ActionKind = "send_chat_message"
	ActionAddChecklistItem ActionKind = "add_checklist_item"
	ActionTriggerRule      ActionKind = "trigger_rule"
)

var knownActionKinds = map[ActionKind]bool{
	ActionMoveTask:         true,
	ActionAddLabel:         true,
	ActionRemoveLabel:      true,
	ActionAssignUser:       true,
	ActionUnassignUser:     true,
	ActionSetDueDate:       true,
	ActionSendNotification: true,
	ActionPostComment:      true,
	ActionCreateTask:       true,
	ActionArchiveTask:      true,
	ActionCallWebhook:      true,
	ActionSendChatMessage:  true,
	ActionAddChecklistItem: true,
	ActionTriggerRule:      true,
}

// NormalizeActionKind lower-cases a kind and accepts hyphenated spellings.
func NormalizeActionKind(s string) ActionKind {
	s = strings.ToLower(strings.TrimSpace(s))
	return ActionKind(strings.ReplaceAll(s, "-", "_"))
}

// IsKnown reports whether the executor has a handler for k.
func (k ActionKind) IsKnown() bool {
	return knownActionKinds[k]
}

// MutatesTask reports whether a successful k changes the state of its target task.
func (k ActionKind) MutatesTask() bool {
	switch k {
	case ActionMoveTask, ActionAddLabel, ActionRemoveLabel, ActionAssignUser,
		ActionUnassignUser, ActionSetDueDate, ActionArchiveTask, ActionAddChecklistItem:
		return true
	}
	return false
}

// Action is a single step of a rule's action chain: a kind plus its
// kind-specific parameters.
type Action struct {
	Kind   ActionKind
	Params map[string]interface{}
}

// UnmarshalJSON accepts {"kind": ..., ...params} and {"type": ..., "params": {...}}.
// Nested params take precedence over inline keys.
func (a *Action) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("action must be an object: %w", err)
	}
	kind, _ := raw["kind"].(string)
	if kind == "" {
		kind, _ = raw["type"].(string)
	}
	a.Kind = NormalizeActionKind(kind)
	a.Params = map[string]interface{}{}
	for k, v := range raw {
		switch k {
		case "kind", "type", "params":
			continue
		}
		a.Params[k] = v
	}
	if nested, ok := raw["params"].(map[string]interface{}); ok {
		for k, v := range nested {
			a.Params[k] = v
		}
	}
	return nil
}

// MarshalJSON writes the flat {"kind": ..., ...params} form.
func (a Action) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(a.Params)+1)
	for k, v := range a.Params {
		out[k] = v
	}
	out["kind"] = string(a.Kind)
	return json.Marshal(out)
}

// String returns the param as a trimmed string ("" when absent).
func (a Action) String(key string) string {
	v, ok := a.Params[key]
	if !ok {
		return ""
	}
	return strings.TrimSpace(Stringify(v))
}

// FirstString returns the first non-empty string among keys.
func (a Action) FirstString(keys ...string) string {
	for _, k := range keys {
		if s := a.String(k); s != "" {
			return s
		}
	}
	return ""
}

// Require returns the first non-empty param among keys or ErrMissingParam.
func (a Action) Require(keys ...string) (string, error) {
	if s := a.FirstString(keys...); s != "" {
		return s, nil
	}
	return "", fmt.Errorf("%s requires %s: %w", a.Kind, keys[0], ErrMissingParam)
}

// Int returns an integer param, accepting numbers and numeric strings.
func (a Action) Int(key string, def int) int {
	switch v := a.Params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

// Bool returns a boolean param.
func (a Action) Bool(key string) bool {
	switch v := a.Params[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(v))
		return b
	}
	return false
}

// Map returns a nested object param.
func (a Action) Map(key string) map[string]interface{} {
	if m, ok := a.Params[key].(map[string]interface{}); ok {
		return m
	}
	return nil
}

// Strings returns a list param; a comma separated string is split.
func (a Action) Strings(key string) []string {
	switch v := a.Params[key].(type) {
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s := strings.TrimSpace(Stringify(item)); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	case string:
		var out []string
		for _, part := range strings.Split(v, ",") {
			if s := strings.TrimSpace(part); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// ParseActions decodes a stored action list.
func ParseActions(raw string) ([]Action, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return nil, nil
	}
	var actions []Action
	if err := json.Unmarshal([]byte(raw), &actions); err != nil {
		return nil, fmt.Errorf("invalid actions: %w", err)
	}
	return actions, nil
}

// EncodeActions serializes an action list for storage.
func EncodeActions(actions []Action) (string, error) {
	raw, err := json.Marshal(actions)
	if err != nil {
		return "", fmt.Errorf("encode actions: %w", err)
	}
	return string(raw), nil
}

// ValidateActions checks an authored action list: non-empty, known kinds and
// the statically required params present.
func ValidateActions(actions []Action) error {
	if len(actions) == 0 {
		return fmt.Errorf("at least one action is required")
	}
	for i, a := range actions {
		if !a.Kind.IsKnown() {
			return fmt.Errorf("actions[%d]: %q: %w", i, a.Kind, ErrUnsupportedAction)
		}
		var err error
		switch a.Kind {
		case ActionMoveTask:
			_, err = a.Require("listId", "targetListId")
		case ActionAddLabel, ActionRemoveLabel:
			_, err = a.Require("labelId", "labelName")
		case ActionAssignUser, ActionUnassignUser:
			_, err = a.Require("userId")
		case ActionSetDueDate:
			if a.String("dueDate") == "" && a.String("daysFromNow") == "" && a.String("offsetDays") == "" && !a.Bool("clear") {
				err = fmt.Errorf("set_due_date requires dueDate or daysFromNow: %w", ErrMissingParam)
			}
		case ActionSendNotification:
			_, err = a.Require("message")
		case ActionPostComment:
			_, err = a.Require("content", "message")
		case ActionCreateTask:
			_, err = a.Require("title")
		case ActionCallWebhook:
			_, err = a.Require("url")
		case ActionSendChatMessage:
			if _, err = a.Require("chatId"); err == nil {
				_, err = a.Require("message", "text")
			}
		case ActionAddChecklistItem:
			_, err = a.Require("content", "item")
		case ActionTriggerRule:
			_, err = a.Require("ruleId")
		}
		if err != nil {
			return fmt.Errorf("actions[%d]: %w", i, err)
		}
	}
	return nil
}

// ActionStatus is the outcome of one executed action.
type ActionStatus string

const (
	ActionSucceeded ActionStatus = "success"
	ActionFailed    ActionStatus = "failure"
)

// ActionResult records one action outcome in the execution log.
type ActionResult struct {
	Index      int                    `json:"index"`
	Kind       ActionKind             `json:"kind"`
	Status     ActionStatus           `json:"status"`
	Detail     map[string]interface{} `json:"detail,omitempty"`
	Error      string                 `json:"error,omitempty"`
	DurationMs int64                  `json:"durationMs"`

	// FollowUps are trigger events produced by the mutation, processed by the
	// engine after the action chain finishes.
	FollowUps []Event `json:"-"`
	// Cascade holds the firings of a rule run through trigger_rule.
	Cascade *TriggerSummary `json:"-"`
}

// Event is a trigger occurrence on a board.
type Event struct {
	BoardID string
	Trigger TriggerType
	Context map[string]interface{}
}

func succeeded(detail map[string]interface{}, followUps ...Event) ActionResult {
	return ActionResult{Status: ActionSucceeded, Detail: detail, FollowUps: followUps}
}

func failed(err error) ActionResult {
	return ActionResult{Status: ActionFailed, Error: err.Error()}
}

// dueDateFrom computes the due date for set_due_date. A nil time clears it.
func dueDateFrom(a Action, now time.Time) (*time.Time, error) {
	if a.Bool("clear") {
		return nil, nil
	}
	if s := a.String("dueDate"); s != "" {
		t, ok := asTime(s)
		if !ok {
			return nil, fmt.Errorf("invalid dueDate %q", s)
		}
		return &t, nil
	}
	days := a.Int("daysFromNow", a.Int("offsetDays", 0))
	t := now.Add(time.Duration(days) * 24 * time.Hour)
	return &t, nil
}
