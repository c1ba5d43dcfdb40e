package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"taskboard/internal/automation"
	"taskboard/internal/config"
	"taskboard/internal/database"
	"taskboard/internal/models"
	"taskboard/internal/services"
	"taskboard/pkg/webhook"
)

type apiFixture struct {
	db     *gorm.DB
	router *gin.Engine
	board  models.Board
	todo   models.BoardList
	done   models.BoardList
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:handlers_"+name+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	log := logrus.New()
	log.SetOutput(io.Discard)

	store := services.NewAutomationStore(db, log)
	boards := services.NewBoardStore(db, log)
	notifications := services.NewNotificationService(db, nil, nil, log)
	engine := automation.NewEngine(automation.Collaborators{
		Rules:    store,
		Pending:  store,
		Entities: boards,
		Notifier: notifications,
	}, automation.WithLogger(log))

	rules := services.NewAutomationService(db, log)
	templates := services.NewTemplateService(db, rules, log)
	webhooks := services.NewWebhookService(db, engine, log)
	tasks := services.NewTaskService(boards, services.NewTriggerDispatcher(engine, false, log), log)

	cfg := config.GetDefaultConfig()
	cfg.Database.Driver = "sqlite"

	r := gin.New()
	api := r.Group("/api")
	RegisterAutomationRoutes(api, NewAutomationHandler(rules, templates, engine, log))
	wh := NewWebhookHandler(webhooks, log)
	RegisterWebhookRoutes(api, wh)
	RegisterBoardRoutes(api, NewBoardHandler(tasks, notifications, log))
	RegisterHookRoutes(&r.RouterGroup, wh)
	RegisterHealthRoutes(&r.RouterGroup, NewHealthHandler(cfg, db, nil, nil, "test", log), "/metrics")

	f := &apiFixture{db: db, router: r, board: models.Board{Name: "Sprint"}}
	if err := db.Create(&f.board).Error; err != nil {
		t.Fatalf("create board: %v", err)
	}
	f.todo = models.BoardList{BoardID: f.board.ID, Name: "Todo", Position: 0}
	f.done = models.BoardList{BoardID: f.board.ID, Name: "Done", Position: 1}
	for _, l := range []*models.BoardList{&f.todo, &f.done} {
		if err := db.Create(l).Error; err != nil {
			t.Fatalf("create list: %v", err)
		}
	}
	return f
}

func (f *apiFixture) do(method, path string, body interface{}, header http.Header) *httptest.ResponseRecorder {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	case string:
		reader = strings.NewReader(b)
	default:
		raw, _ := json.Marshal(b)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid json %q: %v", w.Body.String(), err)
	}
	return out
}

func (f *apiFixture) createRule(t *testing.T, body string) string {
	t.Helper()
	w := f.do("POST", "/api/boards/"+f.board.ID+"/automation/rules", body, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create rule: %d %s", w.Code, w.Body.String())
	}
	return decode(t, w)["id"].(string)
}

func (f *apiFixture) createTask(t *testing.T, title string) string {
	t.Helper()
	w := f.do("POST", "/api/boards/"+f.board.ID+"/tasks", map[string]string{"list_id": f.todo.ID, "title": title}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create task: %d %s", w.Code, w.Body.String())
	}
	return decode(t, w)["id"].(string)
}

func TestRuleLifecycleEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createRule(t, `{"name":"Label done","trigger_type":"task_moved_to_list",
		"trigger_config":{"listId":"`+f.done.ID+`"},
		"actions":[{"kind":"add_label","labelName":"shipped"}]}`)

	w := f.do("GET", "/api/boards/"+f.board.ID+"/automation/rules", nil, nil)
	if w.Code != http.StatusOK || decode(t, w)["total"].(float64) != 1 {
		t.Fatalf("list rules: %d %s", w.Code, w.Body.String())
	}

	w = f.do("PUT", "/api/automation/rules/"+id+"/priority", `{"priority":5}`, nil)
	if w.Code != http.StatusOK || decode(t, w)["priority"].(float64) != 5 {
		t.Fatalf("set priority: %d %s", w.Code, w.Body.String())
	}

	w = f.do("POST", "/api/automation/rules/"+id+"/disable", nil, nil)
	if w.Code != http.StatusOK || decode(t, w)["enabled"] != false {
		t.Fatalf("disable: %d %s", w.Code, w.Body.String())
	}

	w = f.do("DELETE", "/api/automation/rules/"+id, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete: %d", w.Code)
	}
	w = f.do("GET", "/api/automation/rules/"+id, nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", w.Code)
	}
}

func TestCreateRuleRejectsInvalidDefinition(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do("POST", "/api/boards/"+f.board.ID+"/automation/rules",
		`{"name":"bad","trigger_type":"task_teleported","actions":[]}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", w.Code, w.Body.String())
	}

	w = f.do("POST", "/api/boards/missing/automation/rules",
		`{"name":"x","trigger_type":"task_created","actions":[{"kind":"add_label","labelName":"a"}]}`, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown board, got %d %s", w.Code, w.Body.String())
	}
}

func TestValidateRuleReportsProblemsWithoutSaving(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do("POST", "/api/automation/rules/validate",
		`{"name":"x","trigger_type":"task_created","actions":[{"kind":"launch_rocket"}]}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	body := decode(t, w)
	if body["valid"] != false || body["error"] == "" {
		t.Fatalf("expected invalid result, got %v", body)
	}
	var count int64
	f.db.Model(&models.AutomationRule{}).Count(&count)
	if count != 0 {
		t.Fatalf("validate must not persist, found %d rules", count)
	}
}

func TestMoveTaskRunsRuleAndLogs(t *testing.T) {
	f := newAPIFixture(t)
	ruleID := f.createRule(t, `{"name":"Label done","trigger_type":"task_moved_to_list",
		"trigger_config":{"listId":"`+f.done.ID+`"},
		"actions":[{"kind":"add_label","labelName":"shipped"}]}`)
	taskID := f.createTask(t, "Release notes")

	w := f.do("POST", "/api/tasks/"+taskID+"/move", map[string]string{"list_id": f.done.ID}, nil)
	if w.Code != http.StatusOK || decode(t, w)["moved"] != true {
		t.Fatalf("move: %d %s", w.Code, w.Body.String())
	}

	var label models.Label
	if err := f.db.Where("board_id = ? AND name = ?", f.board.ID, "shipped").First(&label).Error; err != nil {
		t.Fatalf("label not created: %v", err)
	}

	w = f.do("GET", "/api/automation/rules/"+ruleID+"/logs", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("logs: %d", w.Code)
	}
	logs := decode(t, w)["data"].([]interface{})
	if len(logs) != 1 || logs[0].(map[string]interface{})["status"] != string(automation.StatusSuccess) {
		t.Fatalf("unexpected logs: %v", logs)
	}

	w = f.do("GET", "/api/boards/"+f.board.ID+"/automation/activity?hours=1", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("activity: %d", w.Code)
	}
	stats := decode(t, w)["by_status"].(map[string]interface{})
	if stats["success"].(float64) != 1 {
		t.Fatalf("unexpected activity: %v", stats)
	}

	w = f.do("GET", "/api/automation/rules/missing/logs", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown rule logs, got %d", w.Code)
	}
}

func TestDryRunDoesNotExecuteActions(t *testing.T) {
	f := newAPIFixture(t)
	ruleID := f.createRule(t, `{"name":"Urgent","trigger_type":"comment_added",
		"conditions":[{"field":"comment.content","operator":"contains","value":"urgent"}],
		"actions":[{"kind":"add_label","labelName":"urgent"}]}`)

	w := f.do("POST", "/api/automation/rules/"+ruleID+"/dry-run",
		`{"context":{"comment":{"content":"this is urgent"}}}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("dry-run: %d %s", w.Code, w.Body.String())
	}
	if decode(t, w)["wouldRun"] != true {
		t.Fatalf("expected wouldRun, got %s", w.Body.String())
	}

	w = f.do("POST", "/api/automation/rules/"+ruleID+"/dry-run", `{"context":{"comment":{"content":"later"}}}`, nil)
	if decode(t, w)["conditionsMet"] != false {
		t.Fatalf("expected unmet conditions, got %s", w.Body.String())
	}

	var labels int64
	f.db.Model(&models.Label{}).Count(&labels)
	if labels != 0 {
		t.Fatalf("dry-run created %d labels", labels)
	}

	w = f.do("POST", "/api/automation/rules/dry-run",
		`{"name":"draft","trigger_type":"task_created","actions":[{"kind":"add_label","labelName":"x"}],"context":{}}`, nil)
	if w.Code != http.StatusOK || decode(t, w)["wouldRun"] != true {
		t.Fatalf("definition dry-run: %d %s", w.Code, w.Body.String())
	}
}

func TestTemplateInstantiateEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do("POST", "/api/automation/templates", `{
		"name":"Label created",
		"category":"custom",
		"trigger_type":"task_created",
		"actions":[{"kind":"add_label","labelName":"{{vars.labelName}}"}]
	}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create template: %d %s", w.Code, w.Body.String())
	}
	tplID := decode(t, w)["id"].(string)

	w = f.do("GET", "/api/automation/templates?category=custom", nil, nil)
	data := decode(t, w)["data"].([]interface{})
	if len(data) != 1 {
		t.Fatalf("expected one template, got %d", len(data))
	}
	vars := data[0].(map[string]interface{})["variables"].([]interface{})
	if len(vars) != 1 || vars[0] != "labelName" {
		t.Fatalf("unexpected variables: %v", vars)
	}

	w = f.do("POST", "/api/automation/templates/"+tplID+"/instantiate",
		map[string]interface{}{"board_id": f.board.ID, "variables": map[string]string{"labelName": "triage"}}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("instantiate: %d %s", w.Code, w.Body.String())
	}

	w = f.do("POST", "/api/automation/templates/missing/instantiate",
		map[string]interface{}{"board_id": f.board.ID}, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestWebhookReceiveStatusCodes(t *testing.T) {
	f := newAPIFixture(t)
	ruleID := f.createRule(t, `{"name":"On hook","trigger_type":"webhook_received",
		"actions":[{"kind":"create_task","listId":"`+f.todo.ID+`","title":"{{payload.title}}"}]}`)

	w := f.do("POST", "/api/boards/"+f.board.ID+"/automation/webhooks", `{"name":"CI"}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create webhook: %d %s", w.Code, w.Body.String())
	}
	created := decode(t, w)
	hookID := created["id"].(string)
	secret := created["secret"].(string)

	body := []byte(`{"title":"Deploy failed"}`)
	signed := func(secret string) http.Header {
		ts := webhook.Timestamp(time.Now())
		h := http.Header{}
		h.Set(webhook.HeaderTimestamp, ts)
		h.Set(webhook.HeaderSignature, webhook.Sign(secret, ts, body))
		return h
	}

	if w := f.do("POST", "/hooks/automation/missing", body, signed(secret)); w.Code != http.StatusNotFound {
		t.Fatalf("unknown hook: expected 404, got %d", w.Code)
	}
	if w := f.do("POST", "/hooks/automation/"+hookID, body, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned: expected 401, got %d", w.Code)
	}
	if w := f.do("POST", "/hooks/automation/"+hookID, body, signed("whsec_wrong")); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature: expected 401, got %d", w.Code)
	}

	w = f.do("POST", "/hooks/automation/"+hookID, body, signed(secret))
	if w.Code != http.StatusAccepted {
		t.Fatalf("signed delivery: expected 202, got %d %s", w.Code, w.Body.String())
	}
	var task models.Task
	if err := f.db.Where("title = ?", "Deploy failed").First(&task).Error; err != nil {
		t.Fatalf("rule did not create task: %v", err)
	}

	var logs int64
	f.db.Model(&models.AutomationExecutionLog{}).Where("rule_id = ?", ruleID).Count(&logs)
	if logs != 1 {
		t.Fatalf("expected one execution log, got %d", logs)
	}

	w = f.do("PUT", "/api/automation/webhooks/"+hookID, `{"allowed_ips":["10.1.0.0/16"]}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("update webhook: %d %s", w.Code, w.Body.String())
	}
	if w := f.do("POST", "/hooks/automation/"+hookID, body, signed(secret)); w.Code != http.StatusForbidden {
		t.Fatalf("ip filter: expected 403, got %d", w.Code)
	}
}

func TestWebhookReceiveRejectsLargeBody(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do("POST", "/hooks/automation/any", bytes.Repeat([]byte("a"), maxWebhookBody+1), nil)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
}

func TestNotificationEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	f.createRule(t, `{"name":"Notify","trigger_type":"task_created",
		"actions":[{"kind":"send_notification","userId":"u1","message":"new: {{task.title}}"}]}`)
	f.createTask(t, "Triage")

	w := f.do("GET", "/api/users/u1/notifications?unread=true", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list notifications: %d", w.Code)
	}
	items := decode(t, w)["data"].([]interface{})
	if len(items) != 1 {
		t.Fatalf("expected one notification, got %d", len(items))
	}
	note := items[0].(map[string]interface{})
	if note["message"] != "new: Triage" {
		t.Fatalf("unexpected message %v", note["message"])
	}

	w = f.do("POST", "/api/users/u1/notifications/"+note["id"].(string)+"/read", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("mark read: %d", w.Code)
	}
	w = f.do("POST", "/api/users/u2/notifications/"+note["id"].(string)+"/read", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("other user's notification: expected 404, got %d", w.Code)
	}
}

func TestChecklistEndpointRequiresChecked(t *testing.T) {
	f := newAPIFixture(t)
	if w := f.do("PUT", "/api/checklist-items/x", `{}`, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if w := f.do("PUT", "/api/checklist-items/missing", `{"checked":true}`, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", w.Code, w.Body.String())
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do("GET", "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health: %d %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["status"] != "healthy" {
		t.Fatalf("unexpected status %v", body["status"])
	}
	if _, ok := body["services"].(map[string]interface{})["database"]; !ok {
		t.Fatal("database check missing")
	}

	if w := f.do("GET", "/ready", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("ready: %d", w.Code)
	}

	w = f.do("GET", "/metrics", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics: %d", w.Code)
	}
	for _, want := range []string{"taskboard_info", "taskboard_realtime_connections 0"} {
		if !strings.Contains(w.Body.String(), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{automation.ErrRuleNotFound, http.StatusNotFound},
		{services.ErrInvalidRule, http.StatusBadRequest},
		{services.ErrWebhookForbidden, http.StatusForbidden},
		{services.ErrWebhookUnauthorized, http.StatusUnauthorized},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := errorStatus(tc.err); got != tc.code {
			t.Errorf("errorStatus(%v) = %d, want %d", tc.err, got, tc.code)
		}
	}
}
