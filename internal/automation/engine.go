package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"taskboard/internal/models"
)

// DefaultMaxChainDepth caps how deep follow-up triggers may cascade.
const DefaultMaxChainDepth = 8

// Engine is the automation orchestrator: it matches rules to triggers,
// evaluates conditions and runs action chains.
type Engine struct {
	rules     RuleStore
	pending   PendingStore
	entities  EntityStore
	scheduler Scheduler
	matcher   *Matcher
	executor  *Executor
	observers []Observer
	logger    *logrus.Logger
	tracer    trace.Tracer
	timeout   time.Duration
	maxDepth  int
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *logrus.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithActionTimeout bounds network actions.
func WithActionTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithMaxChainDepth caps follow-up trigger nesting.
func WithMaxChainDepth(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxDepth = n
		}
	}
}

// WithObserver registers a listener for recorded rule firings.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine wires an engine over its collaborators. Scheduler defaults to
// TimerScheduler.
func NewEngine(c Collaborators, opts ...Option) *Engine {
	e := &Engine{
		rules:     c.Rules,
		pending:   c.Pending,
		entities:  c.Entities,
		scheduler: c.Scheduler,
		matcher:   NewMatcher(c.Rules),
		logger:    logrus.New(),
		tracer:    otel.Tracer("taskboard/automation"),
		maxDepth:  DefaultMaxChainDepth,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.scheduler == nil {
		e.scheduler = TimerScheduler{}
	}
	e.executor = NewExecutor(c, e.timeout, e.logger)
	e.executor.now = e.now
	e.executor.SetInvoker(e)
	return e
}

// Matcher exposes the rule matcher.
func (e *Engine) Matcher() *Matcher {
	return e.matcher
}

// ProcessTrigger runs every rule of boardID that listens to trigger. Only
// infrastructure failures (the rule query) are returned as errors; rule and
// action problems are reported in the summary and the execution logs.
func (e *Engine) ProcessTrigger(ctx context.Context, boardID string, trigger TriggerType, eventContext map[string]interface{}) (*TriggerSummary, error) {
	ctx, frame := enterChain(ctx)
	ctx, span := e.tracer.Start(ctx, "automation.ProcessTrigger", trace.WithAttributes(
		attribute.String("board.id", boardID),
		attribute.String("automation.trigger", string(trigger)),
		attribute.Int("automation.depth", frame.depth),
	))
	defer span.End()

	if eventContext == nil {
		eventContext = map[string]interface{}{}
	}
	summary := &TriggerSummary{Details: []RuleExecutionDetail{}}

	candidates, err := e.matcher.FindCandidates(ctx, boardID, trigger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if len(candidates) == 0 {
		return summary, nil
	}

	if frame.depth > e.maxDepth {
		e.logger.WithFields(logrus.Fields{"board_id": boardID, "trigger": trigger}).
			Warnf("automation: chain depth %d exceeds %d, skipping %d rules", frame.depth, e.maxDepth, len(candidates))
		for _, r := range candidates {
			if !matchesTriggerConfig(r, trigger, eventContext) {
				continue
			}
			msg := fmt.Sprintf("max chain depth %d reached", e.maxDepth)
			e.record(ctx, summary, r, boardID, trigger, frame.depth, StatusSkippedLoop, eventContext, nil, msg, 0, e.now())
		}
		return summary, nil
	}

	for _, r := range candidates {
		e.fire(ctx, frame, r, boardID, trigger, eventContext, summary)
	}
	span.SetAttributes(attribute.Int("automation.rules_executed", summary.RulesExecuted))
	return summary, nil
}

// fire handles one candidate rule: trigger config, guard, conditions, budget,
// then the action chain or its delayed continuation.
func (e *Engine) fire(ctx context.Context, frame *chainFrame, r Rule, boardID string, trigger TriggerType, evCtx map[string]interface{}, summary *TriggerSummary) {
	if !matchesTriggerConfig(r, trigger, evCtx) {
		return
	}
	ctx, span := e.tracer.Start(ctx, "automation.rule", trace.WithAttributes(
		attribute.String("rule.id", r.ID),
		attribute.String("rule.name", r.Name),
	))
	defer span.End()
	started := e.now()

	key := guardKey(r.ID, trigger)
	if !frame.claim(key) {
		e.logger.WithFields(logrus.Fields{"rule_id": r.ID, "board_id": boardID, "trigger": trigger}).
			Info("automation: loop prevented, rule is already running in this chain")
		e.record(ctx, summary, r, boardID, trigger, frame.depth, StatusSkippedLoop, evCtx, nil, "rule already processed in this trigger chain", 0, started)
		return
	}
	defer frame.release(key)

	if r.ConfigErr != nil {
		e.logger.WithFields(logrus.Fields{"rule_id": r.ID, "board_id": boardID}).
			Warnf("automation: rule %s has invalid definition: %v", r.Name, r.ConfigErr)
		e.record(ctx, summary, r, boardID, trigger, frame.depth, StatusConditionNotMet, evCtx, nil, r.ConfigErr.Error(), 0, started)
		return
	}
	if !Evaluate(r.Conditions, evCtx) {
		e.record(ctx, summary, r, boardID, trigger, frame.depth, StatusConditionNotMet, evCtx, nil, "", 0, started)
		return
	}

	count, err := e.rules.IncrementExecutionCount(ctx, r.ID)
	if err != nil {
		if errors.Is(err, ErrBudgetExhausted) {
			summary.add(RuleExecutionDetail{
				RuleID: r.ID, RuleName: r.Name, TriggerType: trigger,
				Status: StatusSkippedBudget, Depth: frame.depth,
			})
			return
		}
		span.RecordError(err)
		e.logger.WithFields(logrus.Fields{"rule_id": r.ID, "board_id": boardID}).
			Warnf("automation: reserve execution failed: %v", err)
		// not counted as executed: no action ran
		summary.Details = append(summary.Details, RuleExecutionDetail{
			RuleID: r.ID, RuleName: r.Name, TriggerType: trigger,
			Status: StatusFailure, Error: err.Error(), Depth: frame.depth,
		})
		return
	}

	if r.Delay > 0 {
		summary.add(e.schedule(ctx, r, boardID, trigger, evCtx, count, frame.depth))
		return
	}

	results := e.runChain(ctx, r.ID, boardID, r.Actions, evCtx)
	status := aggregateStatus(results)
	if status != StatusSuccess {
		span.SetStatus(codes.Error, string(status))
	}
	e.record(ctx, summary, r, boardID, trigger, frame.depth, status, evCtx, results, actionErrors(results), count, started)
	e.cascade(ctx, results, summary)
}

// runChain resolves placeholders and executes actions in order. A failing
// action never stops the chain. After a successful mutation of the event's
// task, later actions see the task as it is now; evCtx itself is not modified.
func (e *Engine) runChain(ctx context.Context, ruleID, boardID string, actions []Action, evCtx map[string]interface{}) []ActionResult {
	results := make([]ActionResult, 0, len(actions))
	current := evCtx
	for i, a := range actions {
		resolved := ResolveAction(a, current)
		res := e.executor.Execute(ctx, boardID, resolved, current)
		res.Index = i
		if res.Status == ActionFailed {
			e.logger.WithFields(logrus.Fields{"rule_id": ruleID, "board_id": boardID, "action": a.Kind}).
				Warnf("automation: action %d failed: %s", i, res.Error)
		} else if i < len(actions)-1 {
			current = e.refreshTask(ctx, resolved, current)
		}
		results = append(results, res)
	}
	return results
}

// refreshTask re-reads the event's task after a task mutation and returns a
// copy of evCtx carrying it. evCtx is returned unchanged when nothing applies.
func (e *Engine) refreshTask(ctx context.Context, a Action, evCtx map[string]interface{}) map[string]interface{} {
	if e.entities == nil || !a.Kind.MutatesTask() {
		return evCtx
	}
	v, ok := Lookup(evCtx, "task.id")
	if !ok {
		return evCtx
	}
	taskID := strings.TrimSpace(Stringify(v))
	if taskID == "" {
		return evCtx
	}
	if target := a.String("taskId"); target != "" && target != taskID {
		return evCtx
	}
	task, err := e.entities.TaskContext(ctx, taskID)
	if err != nil {
		e.logger.WithField("task_id", taskID).Debugf("automation: refresh task context failed: %v", err)
		return evCtx
	}
	next := make(map[string]interface{}, len(evCtx))
	for k, val := range evCtx {
		next[k] = val
	}
	next["task"] = task
	return next
}

// cascade processes the follow-up events and invoked-rule summaries produced
// by a chain, merging them into summary.
func (e *Engine) cascade(ctx context.Context, results []ActionResult, summary *TriggerSummary) {
	for _, res := range results {
		summary.merge(res.Cascade)
		for _, ev := range res.FollowUps {
			sub, err := e.ProcessTrigger(ctx, ev.BoardID, ev.Trigger, ev.Context)
			if err != nil {
				e.logger.WithFields(logrus.Fields{"board_id": ev.BoardID, "trigger": ev.Trigger}).
					Warnf("automation: follow-up trigger failed: %v", err)
				continue
			}
			summary.merge(sub)
		}
	}
}

// record writes the execution log, appends the detail to summary and informs
// observers.
func (e *Engine) record(ctx context.Context, summary *TriggerSummary, r Rule, boardID string, trigger TriggerType, depth int,
	status ExecutionStatus, evCtx map[string]interface{}, results []ActionResult, errMsg string, execNumber int, started time.Time) {
	d := RuleExecutionDetail{
		RuleID:      r.ID,
		RuleName:    r.Name,
		TriggerType: trigger,
		Status:      status,
		Actions:     results,
		Error:       errMsg,
		Depth:       depth,
	}
	d.LogID = e.writeLog(ctx, r.ID, boardID, trigger, status, evCtx, results, errMsg, execNumber, started)
	if summary != nil {
		summary.add(d)
	}
	e.notify(ctx, boardID, d)
}

func (e *Engine) writeLog(ctx context.Context, ruleID, boardID string, trigger TriggerType, status ExecutionStatus,
	evCtx map[string]interface{}, results []ActionResult, errMsg string, execNumber int, started time.Time) string {
	finished := e.now()
	entry := &models.AutomationExecutionLog{
		RuleID:          ruleID,
		BoardID:         boardID,
		TriggerType:     string(trigger),
		Status:          string(status),
		TriggerPayload:  encodeJSON(evCtx, "{}"),
		ActionResults:   encodeJSON(results, "[]"),
		Error:           errMsg,
		ExecutionNumber: execNumber,
		StartedAt:       started,
		FinishedAt:      finished,
		DurationMs:      finished.Sub(started).Milliseconds(),
	}
	if err := e.rules.CreateExecutionLog(ctx, entry); err != nil {
		e.logger.WithFields(logrus.Fields{"rule_id": ruleID, "board_id": boardID}).
			Warnf("automation: write execution log failed: %v", err)
		return ""
	}
	return entry.ID
}

func (e *Engine) notify(ctx context.Context, boardID string, d RuleExecutionDetail) {
	for _, o := range e.observers {
		o.RuleFired(ctx, boardID, d)
	}
}

// InvokeRule runs ruleID directly under the rule_invoked pseudo trigger. The
// rule must belong to boardID, be enabled and within budget. Its conditions
// are evaluated against eventContext and its delay is honoured.
func (e *Engine) InvokeRule(ctx context.Context, boardID, ruleID string, eventContext map[string]interface{}) (*TriggerSummary, error) {
	row, err := e.rules.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if boardID != "" && row.BoardID != boardID {
		return nil, fmt.Errorf("rule %s on board %s: %w", ruleID, boardID, ErrRuleNotFound)
	}
	r := DecodeRule(*row)
	if !r.Enabled {
		return nil, fmt.Errorf("rule %s is disabled", ruleID)
	}
	if r.Exhausted() {
		return nil, fmt.Errorf("rule %s: %w", ruleID, ErrBudgetExhausted)
	}
	if eventContext == nil {
		eventContext = map[string]interface{}{}
	}

	ctx, frame := enterChain(ctx)
	summary := &TriggerSummary{Details: []RuleExecutionDetail{}}
	if frame.depth > e.maxDepth {
		msg := fmt.Sprintf("max chain depth %d reached", e.maxDepth)
		e.record(ctx, summary, r, row.BoardID, TriggerRuleInvoked, frame.depth, StatusSkippedLoop, eventContext, nil, msg, 0, e.now())
		return summary, nil
	}
	e.fire(ctx, frame, r, row.BoardID, TriggerRuleInvoked, eventContext, summary)
	return summary, nil
}

// ActionRun is the outcome of RunActions.
type ActionRun struct {
	Status   ExecutionStatus `json:"status"`
	Actions  []ActionResult  `json:"actions"`
	Cascaded *TriggerSummary `json:"cascaded,omitempty"`
}

// RunActions runs a fixed action list without rule matching or conditions,
// e.g. for a verified webhook delivery. source identifies the caller in the
// loop guard.
func (e *Engine) RunActions(ctx context.Context, boardID, source string, actions []Action, eventContext map[string]interface{}) (*ActionRun, error) {
	ctx, frame := enterChain(ctx)
	ctx, span := e.tracer.Start(ctx, "automation.RunActions", trace.WithAttributes(
		attribute.String("board.id", boardID),
		attribute.String("automation.source", source),
	))
	defer span.End()

	key := "actions|" + source
	if !frame.claim(key) {
		return nil, fmt.Errorf("actions of %s already running in this chain", source)
	}
	defer frame.release(key)
	if eventContext == nil {
		eventContext = map[string]interface{}{}
	}
	results := e.runChain(ctx, source, boardID, actions, eventContext)
	run := &ActionRun{
		Status:   aggregateStatus(results),
		Actions:  results,
		Cascaded: &TriggerSummary{Details: []RuleExecutionDetail{}},
	}
	e.cascade(ctx, results, run.Cascaded)
	return run, nil
}

// DryRunResult describes what a rule would do for an event.
type DryRunResult struct {
	RuleID         string      `json:"ruleId"`
	RuleName       string      `json:"ruleName"`
	TriggerType    TriggerType `json:"triggerType"`
	Enabled        bool        `json:"enabled"`
	Exhausted      bool        `json:"exhausted"`
	TriggerMatched bool        `json:"triggerMatched"`
	ConditionsMet  bool        `json:"conditionsMet"`
	WouldRun       bool        `json:"wouldRun"`
	DelaySeconds   int         `json:"delaySeconds,omitempty"`
	ConfigError    string      `json:"configError,omitempty"`
	Actions        []Action    `json:"actions"`
	Problems       []string    `json:"problems,omitempty"`
}

// DryRun evaluates a rule against eventContext and returns the resolved
// actions without executing them or touching the rule's budget.
func (e *Engine) DryRun(ctx context.Context, ruleID string, eventContext map[string]interface{}) (*DryRunResult, error) {
	row, err := e.rules.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	r := DecodeRule(*row)
	return e.DryRunRule(r, eventContext), nil
}

// DryRunRule is DryRun for an already decoded rule.
func (e *Engine) DryRunRule(r Rule, eventContext map[string]interface{}) *DryRunResult {
	if eventContext == nil {
		eventContext = map[string]interface{}{}
	}
	res := &DryRunResult{
		RuleID:         r.ID,
		RuleName:       r.Name,
		TriggerType:    r.TriggerType,
		Enabled:        r.Enabled,
		Exhausted:      r.Exhausted(),
		TriggerMatched: matchesTriggerConfig(r, r.TriggerType, eventContext),
		DelaySeconds:   int(r.Delay / time.Second),
		Actions:        []Action{},
	}
	if r.ConfigErr != nil {
		res.ConfigError = r.ConfigErr.Error()
	} else {
		res.ConditionsMet = Evaluate(r.Conditions, eventContext)
		for _, a := range r.Actions {
			res.Actions = append(res.Actions, ResolveAction(a, eventContext))
		}
		if err := ValidateActions(res.Actions); err != nil {
			res.Problems = append(res.Problems, err.Error())
		}
	}
	res.WouldRun = res.Enabled && !res.Exhausted && res.TriggerMatched && res.ConditionsMet && res.ConfigError == ""
	return res
}

// CheckChecklistCompletion fires checklist_completed when every item of the
// checklist is checked. It returns a nil summary when the checklist is not
// complete.
func (e *Engine) CheckChecklistCompletion(ctx context.Context, checklistID string) (*TriggerSummary, error) {
	if e.entities == nil {
		return nil, errors.New("entity store not configured")
	}
	state, err := e.entities.ChecklistState(ctx, checklistID)
	if err != nil {
		return nil, fmt.Errorf("load checklist %s: %w", checklistID, err)
	}
	if !state.Complete() {
		return nil, nil
	}
	evCtx := map[string]interface{}{
		"boardId": state.BoardID,
		"checklist": map[string]interface{}{
			"id":      state.ChecklistID,
			"title":   state.Title,
			"total":   state.Total,
			"checked": state.Checked,
		},
	}
	if task, err := e.entities.TaskContext(ctx, state.TaskID); err == nil {
		evCtx["task"] = task
	} else {
		evCtx["task"] = map[string]interface{}{"id": state.TaskID}
	}
	return e.ProcessTrigger(ctx, state.BoardID, TriggerChecklistCompleted, evCtx)
}

// matchesTriggerConfig applies the trigger-specific filter of a rule. A
// mismatch means the rule does not apply to the event at all.
func matchesTriggerConfig(r Rule, trigger TriggerType, evCtx map[string]interface{}) bool {
	cfg := r.TriggerConfig
	switch trigger {
	case TriggerTaskMovedToList:
		if cfg.ListID != "" && cfg.ListID != ctxString(evCtx, "toListId", "listId", "task.listId") {
			return false
		}
		if cfg.FromListID != "" && cfg.FromListID != ctxString(evCtx, "fromListId") {
			return false
		}
	case TriggerTaskCreated:
		if cfg.ListID != "" && cfg.ListID != ctxString(evCtx, "listId", "task.listId") {
			return false
		}
	case TriggerLabelAdded:
		if cfg.LabelID != "" && cfg.LabelID != ctxString(evCtx, "labelId", "label.id") {
			return false
		}
	case TriggerTaskAssigned:
		if cfg.UserID != "" && cfg.UserID != ctxString(evCtx, "userId", "assignee.id") {
			return false
		}
	case TriggerCommentAdded:
		if cfg.Keyword != "" {
			content := strings.ToLower(ctxString(evCtx, "comment.content"))
			if !strings.Contains(content, strings.ToLower(cfg.Keyword)) {
				return false
			}
		}
	case TriggerWebhookReceived:
		if cfg.WebhookID != "" && cfg.WebhookID != ctxString(evCtx, "webhookId", "webhook.id") {
			return false
		}
	case TriggerScheduled:
		if target := ctxString(evCtx, "schedule.ruleId"); target != "" && target != r.ID {
			return false
		}
	}
	return true
}

func ctxString(evCtx map[string]interface{}, paths ...string) string {
	for _, p := range paths {
		if v, ok := Lookup(evCtx, p); ok {
			if s := Stringify(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func actionErrors(results []ActionResult) string {
	var msgs []string
	for _, r := range results {
		if r.Status == ActionFailed && r.Error != "" {
			msgs = append(msgs, fmt.Sprintf("action %d (%s): %s", r.Index, r.Kind, r.Error))
		}
	}
	return strings.Join(msgs, "; ")
}

func encodeJSON(v interface{}, empty string) string {
	raw, err := json.Marshal(v)
	if err != nil || string(raw) == "null" {
		return empty
	}
	return string(raw)
}
