package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"taskboard/internal/automation"
	"taskboard/internal/models"
)

// cronParser 标准 5 段表达式（分 时 日 月 周）
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron 解析定时触发的 cron 表达式
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// ScheduledEngine 定时服务所需的引擎能力
type ScheduledEngine interface {
	ProcessTrigger(ctx context.Context, boardID string, trigger automation.TriggerType, eventContext map[string]interface{}) (*automation.TriggerSummary, error)
	SweepPending(ctx context.Context) (int, error)
}

// ScheduleService 驱动 scheduled 触发器与延迟执行的补偿扫描
type ScheduleService struct {
	cron    *cron.Cron
	rules   *AutomationService
	engine  ScheduledEngine
	logger  *logrus.Logger
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

func NewScheduleService(rules *AutomationService, engine ScheduledEngine, logger *logrus.Logger) *ScheduleService {
	if logger == nil {
		logger = logrus.New()
	}
	return &ScheduleService{
		cron:    cron.New(cron.WithParser(cronParser), cron.WithLocation(time.UTC)),
		rules:   rules,
		engine:  engine,
		logger:  logger,
		timeout: 5 * time.Minute,
		entries: make(map[string]cron.EntryID),
	}
}

// Start 装载全部定时规则，注册扫描任务并启动调度器。sweepSchedule 为空时不扫描。
func (s *ScheduleService) Start(ctx context.Context, sweepSchedule string) error {
	rules, err := s.rules.ScheduledRules(ctx)
	if err != nil {
		return err
	}
	for i := range rules {
		if err := s.register(&rules[i]); err != nil {
			s.logger.WithField("rule_id", rules[i].ID).Warnf("scheduled rule not registered: %v", err)
		}
	}
	if sweepSchedule != "" {
		if _, err := s.cron.AddFunc(sweepSchedule, s.sweep); err != nil {
			return fmt.Errorf("invalid sweep schedule %q: %w", sweepSchedule, err)
		}
	}
	s.cron.Start()
	s.logger.Infof("scheduler started with %d scheduled rules", s.Registered())
	return nil
}

// Stop 停止调度并等待运行中的任务结束
func (s *ScheduleService) Stop() context.Context {
	return s.cron.Stop()
}

// Registered 已注册的定时规则数量
func (s *ScheduleService) Registered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Refresh 规则变更后重新注册；可直接作为 RuleChangeFunc 使用
func (s *ScheduleService) Refresh(ctx context.Context, ruleID string) {
	s.unregister(ruleID)
	rule, err := s.rules.GetRule(ctx, ruleID)
	if err != nil {
		if !errors.Is(err, automation.ErrRuleNotFound) {
			s.logger.WithField("rule_id", ruleID).Warnf("failed to reload scheduled rule: %v", err)
		}
		return
	}
	if err := s.register(rule); err != nil {
		s.logger.WithField("rule_id", ruleID).Warnf("scheduled rule not registered: %v", err)
	}
}

func (s *ScheduleService) register(rule *models.AutomationRule) error {
	if !rule.Enabled || rule.TriggerType != string(automation.TriggerScheduled) {
		return nil
	}
	cfg, err := automation.ParseTriggerConfig(rule.TriggerConfig)
	if err != nil {
		return err
	}
	sched, err := ParseCron(cfg.Cron)
	if err != nil {
		return err
	}
	ruleID, boardID := rule.ID, rule.BoardID
	id := s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(ruleID, boardID) }))

	s.mu.Lock()
	s.entries[ruleID] = id
	s.mu.Unlock()
	return nil
}

func (s *ScheduleService) unregister(ruleID string) {
	s.mu.Lock()
	id, ok := s.entries[ruleID]
	delete(s.entries, ruleID)
	s.mu.Unlock()
	if ok {
		s.cron.Remove(id)
	}
}

// ScheduleContext 定时触发的事件上下文；schedule.ruleId 限定只匹配该规则
func ScheduleContext(ruleID, boardID string, firedAt time.Time) map[string]interface{} {
	return map[string]interface{}{
		"boardId": boardID,
		"schedule": map[string]interface{}{
			"ruleId":  ruleID,
			"firedAt": firedAt.UTC().Format(time.RFC3339),
		},
	}
}

func (s *ScheduleService) fire(ruleID, boardID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	summary, err := s.engine.ProcessTrigger(ctx, boardID, automation.TriggerScheduled, ScheduleContext(ruleID, boardID, time.Now()))
	log := s.logger.WithFields(logrus.Fields{"rule_id": ruleID, "board_id": boardID})
	if err != nil {
		log.Warnf("scheduled trigger failed: %v", err)
		return
	}
	log.Debugf("scheduled trigger ran %d rules", summary.RulesExecuted)
}

func (s *ScheduleService) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.engine.SweepPending(ctx); err != nil {
		s.logger.Warnf("pending execution sweep failed: %v", err)
	}
}
