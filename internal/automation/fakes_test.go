package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"taskboard/internal/models"
)

type fakeRuleStore struct {
	mu      sync.Mutex
	rules   map[string]*models.AutomationRule
	logs    []models.AutomationExecutionLog
	loadErr error
}

func newFakeRuleStore(rules ...models.AutomationRule) *fakeRuleStore {
	s := &fakeRuleStore{rules: map[string]*models.AutomationRule{}}
	for i := range rules {
		r := rules[i]
		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Date(2024, 1, 1, 0, 0, i, 0, time.UTC)
		}
		s.rules[r.ID] = &r
	}
	return s
}

func (s *fakeRuleStore) GetEnabledRules(_ context.Context, boardID string, trigger TriggerType) ([]models.AutomationRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	var out []models.AutomationRule
	for _, r := range s.rules {
		if r.BoardID == boardID && r.TriggerType == string(trigger) && r.Enabled {
			out = append(out, *r)
		}
	}
	// map order is random; the matcher must not depend on it
	sort.Slice(out, func(i, j int) bool { return out[i].Name > out[j].Name })
	return out, nil
}

func (s *fakeRuleStore) GetRule(_ context.Context, id string) (*models.AutomationRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, ErrRuleNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *fakeRuleStore) IncrementExecutionCount(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok || !r.Enabled || r.BudgetExhausted() {
		return 0, ErrBudgetExhausted
	}
	r.ExecutionCount++
	return r.ExecutionCount, nil
}

func (s *fakeRuleStore) CreateExecutionLog(_ context.Context, l *models.AutomationExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.ID = fmt.Sprintf("log-%d", len(s.logs)+1)
	s.logs = append(s.logs, *l)
	return nil
}

func (s *fakeRuleStore) setEnabled(id string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[id].Enabled = enabled
}

func (s *fakeRuleStore) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rules, id)
}

func (s *fakeRuleStore) logsFor(ruleID string) []models.AutomationExecutionLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AutomationExecutionLog
	for _, l := range s.logs {
		if l.RuleID == ruleID {
			out = append(out, l)
		}
	}
	return out
}

func (s *fakeRuleStore) count(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rules[id].ExecutionCount
}

type fakeTask struct {
	ID        string
	BoardID   string
	ListID    string
	Title     string
	Labels    map[string]bool
	Assignees map[string]bool
	Due       *time.Time
	Archived  bool
	Comments  []string
	Items     []string
}

type fakeEntities struct {
	mu         sync.Mutex
	tasks      map[string]*fakeTask
	checklists map[string]*ChecklistState
	failMove   error
	nextID     int
}

func newFakeEntities() *fakeEntities {
	return &fakeEntities{tasks: map[string]*fakeTask{}, checklists: map[string]*ChecklistState{}}
}

func (f *fakeEntities) addTask(id, boardID, listID, title string) {
	f.tasks[id] = &fakeTask{ID: id, BoardID: boardID, ListID: listID, Title: title,
		Labels: map[string]bool{}, Assignees: map[string]bool{}}
}

func (f *fakeEntities) task(id string) (*fakeTask, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrEntityNotFound)
	}
	return t, nil
}

func (f *fakeEntities) MoveTask(_ context.Context, taskID, listID string, _ *int) (*TaskMove, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMove != nil {
		return nil, f.failMove
	}
	t, err := f.task(taskID)
	if err != nil {
		return nil, err
	}
	mv := &TaskMove{TaskID: taskID, BoardID: t.BoardID, FromListID: t.ListID, ToListID: listID, Moved: t.ListID != listID}
	t.ListID = listID
	return mv, nil
}

func (f *fakeEntities) AddLabel(_ context.Context, taskID, label string) (*LabelRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.task(taskID)
	if err != nil {
		return nil, err
	}
	added := !t.Labels[label]
	t.Labels[label] = true
	return &LabelRef{ID: label, Name: label, Added: added}, nil
}

func (f *fakeEntities) RemoveLabel(_ context.Context, taskID, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.task(taskID)
	if err != nil {
		return err
	}
	delete(t.Labels, label)
	return nil
}

func (f *fakeEntities) AssignUser(_ context.Context, taskID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.task(taskID)
	if err != nil {
		return false, err
	}
	added := !t.Assignees[userID]
	t.Assignees[userID] = true
	return added, nil
}

func (f *fakeEntities) UnassignUser(_ context.Context, taskID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.task(taskID)
	if err != nil {
		return err
	}
	delete(t.Assignees, userID)
	return nil
}

func (f *fakeEntities) SetDueDate(_ context.Context, taskID string, due *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.task(taskID)
	if err != nil {
		return err
	}
	t.Due = due
	return nil
}

func (f *fakeEntities) CreateTask(_ context.Context, nt NewTask) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("new-%d", f.nextID)
	f.tasks[id] = &fakeTask{ID: id, BoardID: nt.BoardID, ListID: nt.ListID, Title: nt.Title,
		Labels: map[string]bool{}, Assignees: map[string]bool{}, Due: nt.DueDate}
	return id, nil
}

func (f *fakeEntities) ArchiveTask(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.task(taskID)
	if err != nil {
		return err
	}
	t.Archived = true
	return nil
}

func (f *fakeEntities) AddChecklistItem(_ context.Context, taskID, _ string, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.task(taskID)
	if err != nil {
		return "", err
	}
	t.Items = append(t.Items, content)
	return fmt.Sprintf("item-%d", len(t.Items)), nil
}

func (f *fakeEntities) CreateComment(_ context.Context, taskID, _ string, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.task(taskID)
	if err != nil {
		return "", err
	}
	t.Comments = append(t.Comments, content)
	return fmt.Sprintf("comment-%d", len(t.Comments)), nil
}

func (f *fakeEntities) TaskContext(_ context.Context, taskID string) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.task(taskID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"id": t.ID, "title": t.Title, "listId": t.ListID, "boardId": t.BoardID}, nil
}

func (f *fakeEntities) ChecklistState(_ context.Context, id string) (*ChecklistState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.checklists[id]
	if !ok {
		return nil, ErrEntityNotFound
	}
	cp := *s
	return &cp, nil
}

type sentNotification struct {
	UserID, Title, Message string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

func (n *fakeNotifier) Notify(_ context.Context, userID, title, message string, _ map[string]interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, sentNotification{userID, title, message})
	return nil
}

type fakeWebhooks struct {
	status int
	err    error
	block  bool
	calls  []string
}

func (w *fakeWebhooks) Post(ctx context.Context, url string, _ interface{}, _ string) (*WebhookResponse, error) {
	w.calls = append(w.calls, url)
	if w.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if w.err != nil {
		return nil, w.err
	}
	return &WebhookResponse{StatusCode: w.status}, nil
}

type fakeChat struct {
	msgs []ChatMessage
	err  error
}

func (c *fakeChat) SendMessage(_ context.Context, m ChatMessage) error {
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, m)
	return nil
}

// manualScheduler captures delayed functions so tests fire them explicitly.
type manualScheduler struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
}

func (s *manualScheduler) RunAfter(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	s.fns = append(s.fns, fn)
}

func (s *manualScheduler) fireAll() {
	s.mu.Lock()
	fns := s.fns
	s.fns = nil
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type fakePending struct {
	mu    sync.Mutex
	items map[string]*models.PendingExecution
	seq   int
}

func newFakePending() *fakePending {
	return &fakePending{items: map[string]*models.PendingExecution{}}
}

func (p *fakePending) SavePending(_ context.Context, pe *models.PendingExecution) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	pe.ID = fmt.Sprintf("pending-%d", p.seq)
	cp := *pe
	p.items[pe.ID] = &cp
	return nil
}

func (p *fakePending) ClaimPending(_ context.Context, id string) (*models.PendingExecution, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pe, ok := p.items[id]
	if !ok || pe.Status != models.PendingStatusPending {
		return nil, ErrPendingClaimed
	}
	pe.Status = models.PendingStatusRunning
	pe.Attempts++
	cp := *pe
	return &cp, nil
}

func (p *fakePending) FinishPending(_ context.Context, id, status, lastError string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pe, ok := p.items[id]
	if !ok {
		return errors.New("unknown pending")
	}
	pe.Status = status
	pe.LastError = lastError
	return nil
}

func (p *fakePending) DuePending(_ context.Context, now time.Time, limit int) ([]models.PendingExecution, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.PendingExecution
	for _, pe := range p.items {
		if pe.Status == models.PendingStatusPending && !pe.DueAt.After(now) {
			out = append(out, *pe)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (p *fakePending) status(id string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.items[id].Status
}

func mustJSON(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(raw)
}

func intPtr(n int) *int { return &n }

type testRig struct {
	rules     *fakeRuleStore
	entities  *fakeEntities
	notifier  *fakeNotifier
	webhooks  *fakeWebhooks
	chat      *fakeChat
	pending   *fakePending
	scheduler *manualScheduler
	engine    *Engine
}

func newRig(rules ...models.AutomationRule) *testRig {
	rig := &testRig{
		rules:     newFakeRuleStore(rules...),
		entities:  newFakeEntities(),
		notifier:  &fakeNotifier{},
		webhooks:  &fakeWebhooks{status: 200},
		chat:      &fakeChat{},
		pending:   newFakePending(),
		scheduler: &manualScheduler{},
	}
	rig.engine = NewEngine(Collaborators{
		Rules:     rig.rules,
		Pending:   rig.pending,
		Entities:  rig.entities,
		Notifier:  rig.notifier,
		Webhooks:  rig.webhooks,
		Chat:      rig.chat,
		Scheduler: rig.scheduler,
	}, WithActionTimeout(50*time.Millisecond))
	return rig
}
