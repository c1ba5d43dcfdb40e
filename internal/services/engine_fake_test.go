package services

import (
	"context"
	"sync"

	"taskboard/internal/automation"
)

type triggerCall struct {
	BoardID string
	Trigger automation.TriggerType
	Context map[string]interface{}
}

type actionsCall struct {
	BoardID string
	Source  string
	Actions []automation.Action
	Context map[string]interface{}
}

// recordingEngine 记录所有调用的引擎替身
type recordingEngine struct {
	mu         sync.Mutex
	triggers   []triggerCall
	actions    []actionsCall
	checklists []string
	sweeps     int
}

func (e *recordingEngine) ProcessTrigger(_ context.Context, boardID string, trigger automation.TriggerType, evCtx map[string]interface{}) (*automation.TriggerSummary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.triggers = append(e.triggers, triggerCall{BoardID: boardID, Trigger: trigger, Context: evCtx})
	return &automation.TriggerSummary{Details: []automation.RuleExecutionDetail{}}, nil
}

func (e *recordingEngine) RunActions(_ context.Context, boardID, source string, actions []automation.Action, evCtx map[string]interface{}) (*automation.ActionRun, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.actions = append(e.actions, actionsCall{BoardID: boardID, Source: source, Actions: actions, Context: evCtx})
	return &automation.ActionRun{Status: automation.StatusSuccess}, nil
}

func (e *recordingEngine) CheckChecklistCompletion(_ context.Context, checklistID string) (*automation.TriggerSummary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checklists = append(e.checklists, checklistID)
	return nil, nil
}

func (e *recordingEngine) SweepPending(context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sweeps++
	return 0, nil
}

func (e *recordingEngine) triggerCalls() []triggerCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]triggerCall(nil), e.triggers...)
}

func (e *recordingEngine) triggersOf(kind automation.TriggerType) []triggerCall {
	var out []triggerCall
	for _, c := range e.triggerCalls() {
		if c.Trigger == kind {
			out = append(out, c)
		}
	}
	return out
}
