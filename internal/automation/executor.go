package automation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultActionTimeout bounds network actions when no timeout is configured.
const DefaultActionTimeout = 10 * time.Second

// Collaborators groups the external dependencies of the engine.
type Collaborators struct {
	Rules     RuleStore
	Pending   PendingStore
	Entities  EntityStore
	Notifier  Notifier
	Webhooks  WebhookPoster
	Chat      ChatSender
	Scheduler Scheduler
}

// Executor performs single actions.
type Executor struct {
	entities EntityStore
	notifier Notifier
	webhooks WebhookPoster
	chat     ChatSender
	invoker  RuleInvoker
	timeout  time.Duration
	logger   *logrus.Logger
	now      func() time.Time
}

// NewExecutor creates an executor. A non-positive timeout uses DefaultActionTimeout.
func NewExecutor(c Collaborators, timeout time.Duration, logger *logrus.Logger) *Executor {
	if logger == nil {
		logger = logrus.New()
	}
	if timeout <= 0 {
		timeout = DefaultActionTimeout
	}
	return &Executor{
		entities: c.Entities,
		notifier: c.Notifier,
		webhooks: c.Webhooks,
		chat:     c.Chat,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
	}
}

// SetInvoker wires the trigger_rule action.
func (x *Executor) SetInvoker(inv RuleInvoker) {
	x.invoker = inv
}

// Execute runs one already-resolved action. Failures are reported in the
// result, never returned or panicked.
func (x *Executor) Execute(ctx context.Context, boardID string, a Action, evCtx map[string]interface{}) (res ActionResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = failed(fmt.Errorf("action panicked: %v", r))
		}
		res.Kind = a.Kind
		res.DurationMs = time.Since(start).Milliseconds()
	}()

	switch a.Kind {
	case ActionMoveTask:
		return x.moveTask(ctx, boardID, a, evCtx)
	case ActionAddLabel:
		return x.addLabel(ctx, boardID, a, evCtx)
	case ActionRemoveLabel:
		return x.removeLabel(ctx, a, evCtx)
	case ActionAssignUser:
		return x.assignUser(ctx, boardID, a, evCtx)
	case ActionUnassignUser:
		return x.unassignUser(ctx, a, evCtx)
	case ActionSetDueDate:
		return x.setDueDate(ctx, a, evCtx)
	case ActionSendNotification:
		return x.sendNotification(ctx, boardID, a, evCtx)
	case ActionPostComment:
		return x.postComment(ctx, boardID, a, evCtx)
	case ActionCreateTask:
		return x.createTask(ctx, boardID, a, evCtx)
	case ActionArchiveTask:
		return x.archiveTask(ctx, a, evCtx)
	case ActionCallWebhook:
		return x.callWebhook(ctx, boardID, a, evCtx)
	case ActionSendChatMessage:
		return x.sendChatMessage(ctx, a)
	case ActionAddChecklistItem:
		return x.addChecklistItem(ctx, a, evCtx)
	case ActionTriggerRule:
		return x.triggerRule(ctx, boardID, a, evCtx)
	default:
		return failed(fmt.Errorf("%q: %w", a.Kind, ErrUnsupportedAction))
	}
}

// taskIDFor picks the target task: explicit taskId param, else the task of the event.
func taskIDFor(a Action, evCtx map[string]interface{}) (string, error) {
	if id := a.String("taskId"); id != "" {
		return id, nil
	}
	if v, ok := Lookup(evCtx, "task.id"); ok {
		if id := strings.TrimSpace(Stringify(v)); id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("%s requires taskId or a task in the event: %w", a.Kind, ErrMissingParam)
}

func (x *Executor) requireEntities() error {
	if x.entities == nil {
		return errors.New("entity store not configured")
	}
	return nil
}

// taskEvent builds the context of a follow-up trigger about taskID.
func (x *Executor) taskEvent(ctx context.Context, boardID, taskID string, trigger TriggerType, extra map[string]interface{}) Event {
	evCtx := map[string]interface{}{
		"boardId": boardID,
		"source":  "automation",
	}
	if task, err := x.entities.TaskContext(ctx, taskID); err == nil {
		evCtx["task"] = task
	} else {
		evCtx["task"] = map[string]interface{}{"id": taskID}
	}
	for k, v := range extra {
		evCtx[k] = v
	}
	return Event{BoardID: boardID, Trigger: trigger, Context: evCtx}
}

func (x *Executor) moveTask(ctx context.Context, boardID string, a Action, evCtx map[string]interface{}) ActionResult {
	if err := x.requireEntities(); err != nil {
		return failed(err)
	}
	taskID, err := taskIDFor(a, evCtx)
	if err != nil {
		return failed(err)
	}
	listID, err := a.Require("listId", "targetListId")
	if err != nil {
		return failed(err)
	}
	var position *int
	if p := a.Int("position", -1); p >= 0 {
		position = &p
	}
	mv, err := x.entities.MoveTask(ctx, taskID, listID, position)
	if err != nil {
		return failed(fmt.Errorf("move task %s: %w", taskID, err))
	}
	detail := map[string]interface{}{"taskId": taskID, "fromListId": mv.FromListID, "toListId": mv.ToListID}
	if !mv.Moved {
		detail["unchanged"] = true
		return succeeded(detail)
	}
	if mv.BoardID != "" {
		boardID = mv.BoardID
	}
	return succeeded(detail, x.taskEvent(ctx, boardID, taskID, TriggerTaskMovedToList, map[string]interface{}{
		"fromListId": mv.FromListID,
		"toListId":   mv.ToListID,
	}))
}

func (x *Executor) addLabel(ctx context.Context, boardID string, a Action, evCtx map[string]interface{}) ActionResult {
	if err := x.requireEntities(); err != nil {
		return failed(err)
	}
	taskID, err := taskIDFor(a, evCtx)
	if err != nil {
		return failed(err)
	}
	label, err := a.Require("labelId", "labelName")
	if err != nil {
		return failed(err)
	}
	ref, err := x.entities.AddLabel(ctx, taskID, label)
	if err != nil {
		return failed(fmt.Errorf("add label %s: %w", label, err))
	}
	detail := map[string]interface{}{"taskId": taskID, "labelId": ref.ID, "labelName": ref.Name}
	if !ref.Added {
		detail["unchanged"] = true
		return succeeded(detail)
	}
	return succeeded(detail, x.taskEvent(ctx, boardID, taskID, TriggerLabelAdded, map[string]interface{}{
		"labelId": ref.ID,
		"label":   map[string]interface{}{"id": ref.ID, "name": ref.Name, "color": ref.Color},
	}))
}

func (x *Executor) removeLabel(ctx context.Context, a Action, evCtx map[string]interface{}) ActionResult {
	if err := x.requireEntities(); err != nil {
		return failed(err)
	}
	taskID, err := taskIDFor(a, evCtx)
	if err != nil {
		return failed(err)
	}
	label, err := a.Require("labelId", "labelName")
	if err != nil {
		return failed(err)
	}
	if err := x.entities.RemoveLabel(ctx, taskID, label); err != nil {
		return failed(fmt.Errorf("remove label %s: %w", label, err))
	}
	return succeeded(map[string]interface{}{"taskId": taskID, "label": label})
}

func (x *Executor) assignUser(ctx context.Context, boardID string, a Action, evCtx map[string]interface{}) ActionResult {
	if err := x.requireEntities(); err != nil {
		return failed(err)
	}
	taskID, err := taskIDFor(a, evCtx)
	if err != nil {
		return failed(err)
	}
	userID, err := a.Require("userId")
	if err != nil {
		return failed(err)
	}
	added, err := x.entities.AssignUser(ctx, taskID, userID)
	if err != nil {
		return failed(fmt.Errorf("assign user %s: %w", userID, err))
	}
	detail := map[string]interface{}{"taskId": taskID, "userId": userID}
	if !added {
		detail["unchanged"] = true
		return succeeded(detail)
	}
	return succeeded(detail, x.taskEvent(ctx, boardID, taskID, TriggerTaskAssigned, map[string]interface{}{
		"userId":   userID,
		"assignee": map[string]interface{}{"id": userID},
	}))
}

func (x *Executor) unassignUser(ctx context.Context, a Action, evCtx map[string]interface{}) ActionResult {
	if err := x.requireEntities(); err != nil {
		return failed(err)
	}
	taskID, err := taskIDFor(a, evCtx)
	if err != nil {
		return failed(err)
	}
	userID, err := a.Require("userId")
	if err != nil {
		return failed(err)
	}
	if err := x.entities.UnassignUser(ctx, taskID, userID); err != nil {
		return failed(fmt.Errorf("unassign user %s: %w", userID, err))
	}
	return succeeded(map[string]interface{}{"taskId": taskID, "userId": userID})
}

func (x *Executor) setDueDate(ctx context.Context, a Action, evCtx map[string]interface{}) ActionResult {
	if err := x.requireEntities(); err != nil {
		return failed(err)
	}
	taskID, err := taskIDFor(a, evCtx)
	if err != nil {
		return failed(err)
	}
	due, err := dueDateFrom(a, x.now())
	if err != nil {
		return failed(err)
	}
	if err := x.entities.SetDueDate(ctx, taskID, due); err != nil {
		return failed(fmt.Errorf("set due date: %w", err))
	}
	detail := map[string]interface{}{"taskId": taskID, "dueDate": nil}
	if due != nil {
		detail["dueDate"] = due.UTC().Format(time.RFC3339)
	}
	return succeeded(detail)
}

func (x *Executor) sendNotification(ctx context.Context, boardID string, a Action, evCtx map[string]interface{}) ActionResult {
	if x.notifier == nil {
		return failed(errors.New("notifier not configured"))
	}
	recipients := a.Strings("userIds")
	if id := a.String("userId"); id != "" {
		recipients = append([]string{id}, recipients...)
	}
	if len(recipients) == 0 {
		return failed(fmt.Errorf("send_notification has no recipient: %w", ErrMissingParam))
	}
	message, err := a.Require("message")
	if err != nil {
		return failed(err)
	}
	title := a.String("title")
	if title == "" {
		title = "Automation"
	}
	data := map[string]interface{}{"boardId": boardID, "source": "automation"}
	if id, ok := Lookup(evCtx, "task.id"); ok {
		data["taskId"] = id
	}
	var errs []string
	sent := 0
	for _, userID := range dedupe(recipients) {
		if err := x.notifier.Notify(ctx, userID, title, message, data); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", userID, err))
			continue
		}
		sent++
	}
	if sent == 0 {
		return failed(fmt.Errorf("notification failed: %s", strings.Join(errs, "; ")))
	}
	res := succeeded(map[string]interface{}{"recipients": sent, "message": message})
	if len(errs) > 0 {
		res.Error = strings.Join(errs, "; ")
	}
	return res
}

func (x *Executor) postComment(ctx context.Context, boardID string, a Action, evCtx map[string]interface{}) ActionResult {
	if err := x.requireEntities(); err != nil {
		return failed(err)
	}
	taskID, err := taskIDFor(a, evCtx)
	if err != nil {
		return failed(err)
	}
	content, err := a.Require("content", "message")
	if err != nil {
		return failed(err)
	}
	author := a.String("authorId")
	commentID, err := x.entities.CreateComment(ctx, taskID, author, content)
	if err != nil {
		return failed(fmt.Errorf("post comment: %w", err))
	}
	return succeeded(map[string]interface{}{"taskId": taskID, "commentId": commentID},
		x.taskEvent(ctx, boardID, taskID, TriggerCommentAdded, map[string]interface{}{
			"comment": map[string]interface{}{"id": commentID, "content": content, "userId": author, "automated": true},
		}))
}

func (x *Executor) createTask(ctx context.Context, boardID string, a Action, evCtx map[string]interface{}) ActionResult {
	if err := x.requireEntities(); err != nil {
		return failed(err)
	}
	title, err := a.Require("title")
	if err != nil {
		return failed(err)
	}
	listID := a.String("listId")
	if listID == "" {
		if v, ok := Lookup(evCtx, "task.listId"); ok {
			listID = Stringify(v)
		}
	}
	if listID == "" {
		return failed(fmt.Errorf("create_task requires listId: %w", ErrMissingParam))
	}
	nt := NewTask{
		BoardID:     boardID,
		ListID:      listID,
		Title:       title,
		Description: a.String("description"),
		CreatedBy:   a.String("createdBy"),
		AssigneeIDs: a.Strings("assigneeIds"),
	}
	if a.String("dueDate") != "" || a.String("daysFromNow") != "" {
		if nt.DueDate, err = dueDateFrom(a, x.now()); err != nil {
			return failed(err)
		}
	}
	taskID, err := x.entities.CreateTask(ctx, nt)
	if err != nil {
		return failed(fmt.Errorf("create task: %w", err))
	}
	return succeeded(map[string]interface{}{"taskId": taskID, "listId": listID, "title": title},
		x.taskEvent(ctx, boardID, taskID, TriggerTaskCreated, map[string]interface{}{"listId": listID}))
}

func (x *Executor) archiveTask(ctx context.Context, a Action, evCtx map[string]interface{}) ActionResult {
	if err := x.requireEntities(); err != nil {
		return failed(err)
	}
	taskID, err := taskIDFor(a, evCtx)
	if err != nil {
		return failed(err)
	}
	if err := x.entities.ArchiveTask(ctx, taskID); err != nil {
		return failed(fmt.Errorf("archive task: %w", err))
	}
	return succeeded(map[string]interface{}{"taskId": taskID})
}

func (x *Executor) addChecklistItem(ctx context.Context, a Action, evCtx map[string]interface{}) ActionResult {
	if err := x.requireEntities(); err != nil {
		return failed(err)
	}
	taskID, err := taskIDFor(a, evCtx)
	if err != nil {
		return failed(err)
	}
	content, err := a.Require("content", "item")
	if err != nil {
		return failed(err)
	}
	checklist := a.FirstString("checklist", "checklistTitle")
	if checklist == "" {
		checklist = "Checklist"
	}
	itemID, err := x.entities.AddChecklistItem(ctx, taskID, checklist, content)
	if err != nil {
		return failed(fmt.Errorf("add checklist item: %w", err))
	}
	return succeeded(map[string]interface{}{"taskId": taskID, "itemId": itemID, "checklist": checklist})
}

func (x *Executor) callWebhook(ctx context.Context, boardID string, a Action, evCtx map[string]interface{}) ActionResult {
	if x.webhooks == nil {
		return failed(errors.New("webhook client not configured"))
	}
	url, err := a.Require("url")
	if err != nil {
		return failed(err)
	}
	var payload interface{} = a.Params["payload"]
	if payload == nil {
		payload = map[string]interface{}{
			"boardId": boardID,
			"event":   evCtx,
			"sentAt":  x.now().UTC().Format(time.RFC3339),
		}
	}
	cctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()
	resp, err := x.webhooks.Post(cctx, url, payload, a.String("secret"))
	if err != nil {
		return failed(x.networkError(cctx, "webhook", err))
	}
	detail := map[string]interface{}{"url": url, "statusCode": resp.StatusCode}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		res := failed(fmt.Errorf("webhook responded with status %d", resp.StatusCode))
		res.Detail = detail
		return res
	}
	return succeeded(detail)
}

func (x *Executor) sendChatMessage(ctx context.Context, a Action) ActionResult {
	if x.chat == nil {
		return failed(errors.New("chat connector not configured"))
	}
	chatID, err := a.Require("chatId")
	if err != nil {
		return failed(err)
	}
	text, err := a.Require("message", "text")
	if err != nil {
		return failed(err)
	}
	msg := ChatMessage{
		Platform:   strings.ToLower(a.FirstString("platform")),
		Credential: a.FirstString("botToken", "credential", "token"),
		ChatID:     chatID,
		Text:       text,
		Format:     a.FirstString("parseMode", "format"),
	}
	if msg.Platform == "" {
		msg.Platform = "telegram"
	}
	cctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()
	if err := x.chat.SendMessage(cctx, msg); err != nil {
		return failed(x.networkError(cctx, msg.Platform, err))
	}
	return succeeded(map[string]interface{}{"platform": msg.Platform, "chatId": chatID})
}

func (x *Executor) networkError(ctx context.Context, what string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s timed out after %s: %w", what, x.timeout, context.DeadlineExceeded)
	}
	return fmt.Errorf("%s failed: %w", what, err)
}

func (x *Executor) triggerRule(ctx context.Context, boardID string, a Action, evCtx map[string]interface{}) ActionResult {
	if x.invoker == nil {
		return failed(errors.New("rule invocation not available"))
	}
	ruleID, err := a.Require("ruleId")
	if err != nil {
		return failed(err)
	}
	summary, err := x.invoker.InvokeRule(ctx, boardID, ruleID, evCtx)
	if err != nil {
		return failed(fmt.Errorf("trigger rule %s: %w", ruleID, err))
	}
	detail := map[string]interface{}{"ruleId": ruleID}
	if summary != nil && len(summary.Details) > 0 {
		detail["status"] = string(summary.Details[0].Status)
	}
	res := succeeded(detail)
	res.Cascade = summary
	return res
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
