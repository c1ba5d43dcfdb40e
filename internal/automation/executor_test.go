package automation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor() (*Executor, *fakeEntities, *fakeWebhooks, *fakeChat, *fakeNotifier) {
	entities := newFakeEntities()
	entities.addTask("t1", "b1", "todo", "Write docs")
	webhooks := &fakeWebhooks{status: 200}
	chat := &fakeChat{}
	notifier := &fakeNotifier{}
	x := NewExecutor(Collaborators{Entities: entities, Webhooks: webhooks, Chat: chat, Notifier: notifier}, 30*time.Millisecond, nil)
	x.now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return x, entities, webhooks, chat, notifier
}

var taskEvent = map[string]interface{}{"task": map[string]interface{}{"id": "t1", "listId": "todo"}}

func TestExecutor_MoveEmitsFollowUp(t *testing.T) {
	x, entities, _, _, _ := newTestExecutor()
	res := x.Execute(context.Background(), "b1", Action{Kind: ActionMoveTask, Params: map[string]interface{}{"listId": "done"}}, taskEvent)
	require.Equal(t, ActionSucceeded, res.Status, res.Error)
	assert.Equal(t, "done", entities.tasks["t1"].ListID)
	require.Len(t, res.FollowUps, 1)
	ev := res.FollowUps[0]
	assert.Equal(t, TriggerTaskMovedToList, ev.Trigger)
	assert.Equal(t, "done", ev.Context["toListId"])
	assert.Equal(t, "todo", ev.Context["fromListId"])

	// already there: no event
	res = x.Execute(context.Background(), "b1", Action{Kind: ActionMoveTask, Params: map[string]interface{}{"listId": "done"}}, taskEvent)
	assert.Equal(t, ActionSucceeded, res.Status)
	assert.Empty(t, res.FollowUps)
}

func TestExecutor_EntityActions(t *testing.T) {
	x, entities, _, _, _ := newTestExecutor()
	ctx := context.Background()

	res := x.Execute(ctx, "b1", Action{Kind: ActionAssignUser, Params: map[string]interface{}{"userId": "u1"}}, taskEvent)
	assert.Equal(t, ActionSucceeded, res.Status)
	require.Len(t, res.FollowUps, 1)
	assert.Equal(t, TriggerTaskAssigned, res.FollowUps[0].Trigger)

	res = x.Execute(ctx, "b1", Action{Kind: ActionUnassignUser, Params: map[string]interface{}{"userId": "u1"}}, taskEvent)
	assert.Equal(t, ActionSucceeded, res.Status)
	assert.Empty(t, entities.tasks["t1"].Assignees)

	res = x.Execute(ctx, "b1", Action{Kind: ActionRemoveLabel, Params: map[string]interface{}{"labelName": "bug"}}, taskEvent)
	assert.Equal(t, ActionSucceeded, res.Status)

	res = x.Execute(ctx, "b1", Action{Kind: ActionSetDueDate, Params: map[string]interface{}{"daysFromNow": 2}}, taskEvent)
	assert.Equal(t, ActionSucceeded, res.Status)
	require.NotNil(t, entities.tasks["t1"].Due)
	assert.Equal(t, 3, entities.tasks["t1"].Due.Day())

	res = x.Execute(ctx, "b1", Action{Kind: ActionAddChecklistItem, Params: map[string]interface{}{"content": "review"}}, taskEvent)
	assert.Equal(t, ActionSucceeded, res.Status)
	assert.Equal(t, []string{"review"}, entities.tasks["t1"].Items)

	res = x.Execute(ctx, "b1", Action{Kind: ActionCreateTask, Params: map[string]interface{}{"title": "Follow up"}}, taskEvent)
	require.Equal(t, ActionSucceeded, res.Status, res.Error)
	require.Len(t, res.FollowUps, 1)
	assert.Equal(t, TriggerTaskCreated, res.FollowUps[0].Trigger)
	newID := res.Detail["taskId"].(string)
	assert.Equal(t, "todo", entities.tasks[newID].ListID)

	res = x.Execute(ctx, "b1", Action{Kind: ActionArchiveTask, Params: map[string]interface{}{}}, taskEvent)
	assert.Equal(t, ActionSucceeded, res.Status)
	assert.True(t, entities.tasks["t1"].Archived)
}

func TestExecutor_MissingTask(t *testing.T) {
	x, _, _, _, _ := newTestExecutor()
	res := x.Execute(context.Background(), "b1", Action{Kind: ActionArchiveTask, Params: map[string]interface{}{}}, map[string]interface{}{})
	assert.Equal(t, ActionFailed, res.Status)
	assert.Contains(t, res.Error, "taskId")

	res = x.Execute(context.Background(), "b1", Action{Kind: ActionArchiveTask, Params: map[string]interface{}{"taskId": "ghost"}}, nil)
	assert.Equal(t, ActionFailed, res.Status)
	assert.Equal(t, ActionArchiveTask, res.Kind)
}

func TestExecutor_WebhookStatusAndTimeout(t *testing.T) {
	x, _, webhooks, _, _ := newTestExecutor()
	call := Action{Kind: ActionCallWebhook, Params: map[string]interface{}{"url": "https://example.test"}}

	res := x.Execute(context.Background(), "b1", call, taskEvent)
	assert.Equal(t, ActionSucceeded, res.Status)

	webhooks.status = 502
	res = x.Execute(context.Background(), "b1", call, taskEvent)
	assert.Equal(t, ActionFailed, res.Status)
	assert.Contains(t, res.Error, "502")

	webhooks.block = true
	start := time.Now()
	res = x.Execute(context.Background(), "b1", call, taskEvent)
	assert.Equal(t, ActionFailed, res.Status)
	assert.Contains(t, res.Error, "timed out")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestExecutor_ChatMessage(t *testing.T) {
	x, _, _, chat, _ := newTestExecutor()
	res := x.Execute(context.Background(), "b1", Action{Kind: ActionSendChatMessage, Params: map[string]interface{}{
		"chatId": "42", "text": "deployed", "botToken": "secret", "parseMode": "Markdown",
	}}, taskEvent)
	require.Equal(t, ActionSucceeded, res.Status, res.Error)
	require.Len(t, chat.msgs, 1)
	assert.Equal(t, ChatMessage{Platform: "telegram", Credential: "secret", ChatID: "42", Text: "deployed", Format: "Markdown"}, chat.msgs[0])

	chat.err = errors.New("bot blocked")
	res = x.Execute(context.Background(), "b1", Action{Kind: ActionSendChatMessage, Params: map[string]interface{}{"chatId": "42", "text": "x"}}, taskEvent)
	assert.Equal(t, ActionFailed, res.Status)
}

func TestExecutor_NotificationRecipients(t *testing.T) {
	x, _, _, _, notifier := newTestExecutor()
	res := x.Execute(context.Background(), "b1", Action{Kind: ActionSendNotification, Params: map[string]interface{}{
		"userId": "u1", "userIds": []interface{}{"u1", "u2"}, "message": "hi",
	}}, taskEvent)
	assert.Equal(t, ActionSucceeded, res.Status)
	assert.Len(t, notifier.sent, 2)

	res = x.Execute(context.Background(), "b1", Action{Kind: ActionSendNotification, Params: map[string]interface{}{
		"userId": "", "message": "hi",
	}}, taskEvent)
	assert.Equal(t, ActionFailed, res.Status)
}

func TestExecutor_UnconfiguredCollaborators(t *testing.T) {
	x := NewExecutor(Collaborators{}, 0, nil)
	for _, kind := range []ActionKind{ActionMoveTask, ActionSendNotification, ActionCallWebhook, ActionSendChatMessage, ActionTriggerRule} {
		res := x.Execute(context.Background(), "b1", Action{Kind: kind, Params: map[string]interface{}{}}, taskEvent)
		assert.Equal(t, ActionFailed, res.Status, kind)
	}
}
