package services

import (
	"context"
	"errors"
	"testing"

	"taskboard/internal/automation"
	"taskboard/internal/models"
)

func newTaskFixture(t *testing.T, async bool) (*TaskService, *TriggerDispatcher, *recordingEngine, *testBoard) {
	t.Helper()
	db := newServiceTestDB(t)
	engine := &recordingEngine{}
	dispatcher := NewTriggerDispatcher(engine, async, quietLogger())
	svc := NewTaskService(NewBoardStore(db, quietLogger()), dispatcher, quietLogger())
	return svc, dispatcher, engine, seedBoard(t, db)
}

func TestTaskService_CreateTaskDispatchesCreatedAndAssigned(t *testing.T) {
	svc, _, engine, b := newTaskFixture(t, false)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, b.Board.ID, &CreateTaskRequest{
		ListID:      b.Todo.ID,
		Title:       "  Ship release ",
		AssigneeIDs: []string{"u1", "u2"},
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task["title"] != "Ship release" {
		t.Errorf("unexpected task %v", task)
	}

	created := engine.triggersOf(automation.TriggerTaskCreated)
	if len(created) != 1 {
		t.Fatalf("expected one task_created, got %d", len(created))
	}
	if created[0].Context["source"] != "user" || created[0].Context["listId"] != b.Todo.ID {
		t.Errorf("unexpected task_created context %v", created[0].Context)
	}
	assigned := engine.triggersOf(automation.TriggerTaskAssigned)
	if len(assigned) != 2 || assigned[0].Context["userId"] != "u1" || assigned[1].Context["userId"] != "u2" {
		t.Errorf("unexpected task_assigned calls %+v", assigned)
	}

	if _, err := svc.CreateTask(ctx, b.Board.ID, &CreateTaskRequest{ListID: b.Todo.ID, Title: " "}); !errors.Is(err, automation.ErrMissingParam) {
		t.Errorf("expected ErrMissingParam, got %v", err)
	}
}

func TestTaskService_MoveOnlyDispatchesWhenListChanges(t *testing.T) {
	svc, _, engine, b := newTaskFixture(t, false)
	ctx := context.Background()
	task, _ := svc.CreateTask(ctx, b.Board.ID, &CreateTaskRequest{ListID: b.Todo.ID, Title: "x"})
	taskID := task["id"].(string)

	if _, err := svc.MoveTask(ctx, taskID, &MoveTaskRequest{ListID: b.Todo.ID}); err != nil {
		t.Fatal(err)
	}
	if n := len(engine.triggersOf(automation.TriggerTaskMovedToList)); n != 0 {
		t.Errorf("same-list move should not dispatch, got %d", n)
	}

	mv, err := svc.MoveTask(ctx, taskID, &MoveTaskRequest{ListID: b.Done.ID})
	if err != nil {
		t.Fatal(err)
	}
	if !mv.Moved {
		t.Fatal("expected task to move")
	}
	moved := engine.triggersOf(automation.TriggerTaskMovedToList)
	if len(moved) != 1 {
		t.Fatalf("expected one task_moved_to_list, got %d", len(moved))
	}
	ctxMap := moved[0].Context
	if ctxMap["fromListId"] != b.Todo.ID || ctxMap["toListId"] != b.Done.ID || moved[0].BoardID != b.Board.ID {
		t.Errorf("unexpected move context %v", ctxMap)
	}
	if snap := ctxMap["task"].(map[string]interface{}); snap["listName"] != "Done" {
		t.Errorf("snapshot should be taken after the move, got %v", snap)
	}
}

func TestTaskService_CommentLabelAssign(t *testing.T) {
	svc, _, engine, b := newTaskFixture(t, false)
	ctx := context.Background()
	task, _ := svc.CreateTask(ctx, b.Board.ID, &CreateTaskRequest{ListID: b.Todo.ID, Title: "x"})
	taskID := task["id"].(string)

	if _, err := svc.AddComment(ctx, taskID, &CommentRequest{AuthorID: "u1", Content: "this is URGENT"}); err != nil {
		t.Fatal(err)
	}
	comments := engine.triggersOf(automation.TriggerCommentAdded)
	if len(comments) != 1 {
		t.Fatalf("expected comment_added, got %d", len(comments))
	}
	comment := comments[0].Context["comment"].(map[string]interface{})
	if comment["content"] != "this is URGENT" || comment["userId"] != "u1" {
		t.Errorf("unexpected comment context %v", comment)
	}

	if _, err := svc.AddLabel(ctx, taskID, "bug"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.AddLabel(ctx, taskID, "BUG"); err != nil {
		t.Fatal(err)
	}
	if n := len(engine.triggersOf(automation.TriggerLabelAdded)); n != 1 {
		t.Errorf("label_added should fire once, got %d", n)
	}

	if _, err := svc.AssignUser(ctx, taskID, "u9"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.AssignUser(ctx, taskID, "u9"); err != nil {
		t.Fatal(err)
	}
	if n := len(engine.triggersOf(automation.TriggerTaskAssigned)); n != 1 {
		t.Errorf("task_assigned should fire once, got %d", n)
	}
}

func TestTaskService_ToggleChecklistItem(t *testing.T) {
	svc, _, engine, b := newTaskFixture(t, false)
	ctx := context.Background()
	task, _ := svc.CreateTask(ctx, b.Board.ID, &CreateTaskRequest{ListID: b.Todo.ID, Title: "x"})
	taskID := task["id"].(string)

	itemID, err := svc.store.AddChecklistItem(ctx, taskID, "Release", "Tag version")
	if err != nil {
		t.Fatal(err)
	}
	var item models.ChecklistItem
	if err := svc.store.db.First(&item, "id = ?", itemID).Error; err != nil {
		t.Fatal(err)
	}

	if err := svc.ToggleChecklistItem(ctx, itemID, false); err != nil {
		t.Fatal(err)
	}
	if len(engine.checklists) != 0 {
		t.Errorf("unchecking should not check completion")
	}
	if err := svc.ToggleChecklistItem(ctx, itemID, true); err != nil {
		t.Fatal(err)
	}
	if len(engine.checklists) != 1 || engine.checklists[0] != item.ChecklistID {
		t.Errorf("unexpected checklist checks %v", engine.checklists)
	}

	// ticking an already checked item is not a new completion
	if err := svc.ToggleChecklistItem(ctx, itemID, true); err != nil {
		t.Fatal(err)
	}
	if len(engine.checklists) != 1 {
		t.Errorf("re-checking dispatched again: %v", engine.checklists)
	}
}

func TestTriggerDispatcher_AsyncSurvivesCancelledRequest(t *testing.T) {
	svc, dispatcher, engine, b := newTaskFixture(t, true)
	ctx, cancel := context.WithCancel(context.Background())

	task, err := svc.CreateTask(ctx, b.Board.ID, &CreateTaskRequest{ListID: b.Todo.ID, Title: "x"})
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	dispatcher.Wait()

	created := engine.triggersOf(automation.TriggerTaskCreated)
	if len(created) != 1 {
		t.Fatalf("expected async task_created, got %d", len(created))
	}
	if created[0].Context["task"].(map[string]interface{})["id"] != task["id"] {
		t.Errorf("unexpected context %v", created[0].Context)
	}
}
