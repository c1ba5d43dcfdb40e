package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"taskboard/internal/automation"
	"taskboard/internal/models"
)

// ErrInvalidRule 规则定义校验失败
var ErrInvalidRule = errors.New("invalid automation rule")

// RuleChangeFunc 在规则创建、修改、启停或删除后调用
type RuleChangeFunc func(ctx context.Context, ruleID string)

// AutomationService 自动化规则的编写与管理
type AutomationService struct {
	db          *gorm.DB
	store       *AutomationStore
	logger      *logrus.Logger
	logsPerRule int

	mu        sync.RWMutex
	listeners []RuleChangeFunc
}

// NewAutomationService 创建规则管理服务
func NewAutomationService(db *gorm.DB, logger *logrus.Logger) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationService{
		db:          db,
		store:       NewAutomationStore(db, logger),
		logger:      logger,
		logsPerRule: 20,
	}
}

// SetLogsPerRule 设置日志接口默认返回条数
func (s *AutomationService) SetLogsPerRule(n int) {
	if n > 0 {
		s.logsPerRule = n
	}
}

// OnRuleChange 注册规则变更监听（例如定时触发的重新装载）
func (s *AutomationService) OnRuleChange(fn RuleChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *AutomationService) changed(ctx context.Context, ruleID string) {
	s.mu.RLock()
	listeners := append([]RuleChangeFunc(nil), s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(ctx, ruleID)
	}
}

// RuleRequest 创建规则的请求
type RuleRequest struct {
	Name          string          `json:"name" binding:"required"`
	Description   string          `json:"description"`
	TriggerType   string          `json:"trigger_type" binding:"required"`
	TriggerConfig json.RawMessage `json:"trigger_config"`
	Conditions    json.RawMessage `json:"conditions"`
	Actions       json.RawMessage `json:"actions" binding:"required"`
	Enabled       *bool           `json:"enabled"`
	Priority      int             `json:"priority"`
	DelaySeconds  int             `json:"delay_seconds"`
	MaxExecutions *int            `json:"max_executions"`
	CreatedBy     string          `json:"created_by"`
}

// RuleUpdateRequest 更新规则的请求，nil 字段保持不变
type RuleUpdateRequest struct {
	Name          *string         `json:"name"`
	Description   *string         `json:"description"`
	TriggerType   *string         `json:"trigger_type"`
	TriggerConfig json.RawMessage `json:"trigger_config"`
	Conditions    json.RawMessage `json:"conditions"`
	Actions       json.RawMessage `json:"actions"`
	Enabled       *bool           `json:"enabled"`
	Priority      *int            `json:"priority"`
	DelaySeconds  *int            `json:"delay_seconds"`
	MaxExecutions *int            `json:"max_executions"`
	// ClearMaxExecutions 为真时取消执行上限
	ClearMaxExecutions bool `json:"clear_max_executions"`
}

// rawOrEmpty 将缺省的 JSON 字段归一为空字符串
func rawOrEmpty(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "null" {
		return ""
	}
	return s
}

// ValidateDefinition 校验规则的触发器、条件和动作定义
func ValidateDefinition(triggerType, triggerConfig, conditions, actions string) error {
	trigger := automation.TriggerType(triggerType)
	if !trigger.IsValid() {
		return fmt.Errorf("%w: unsupported trigger %q", ErrInvalidRule, triggerType)
	}
	cfg, err := automation.ParseTriggerConfig(triggerConfig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if trigger == automation.TriggerScheduled {
		if cfg.Cron == "" {
			return fmt.Errorf("%w: scheduled trigger requires trigger_config.cron", ErrInvalidRule)
		}
		if _, err := ParseCron(cfg.Cron); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
	}
	tree, err := automation.ParseConditions(conditions)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if err := automation.ValidateCondition(tree); err != nil {
		return fmt.Errorf("%w: conditions: %v", ErrInvalidRule, err)
	}
	parsed, err := automation.ParseActions(actions)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if err := automation.ValidateActions(parsed); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return nil
}

func validateLimits(delaySeconds int, maxExecutions *int) error {
	if delaySeconds < 0 {
		return fmt.Errorf("%w: delay_seconds must not be negative", ErrInvalidRule)
	}
	if maxExecutions != nil && *maxExecutions <= 0 {
		return fmt.Errorf("%w: max_executions must be positive", ErrInvalidRule)
	}
	return nil
}

// ValidateRule 校验请求但不保存
func (s *AutomationService) ValidateRule(req *RuleRequest) error {
	if req == nil {
		return fmt.Errorf("%w: request required", ErrInvalidRule)
	}
	if strings.TrimSpace(req.Name) == "" {
		return fmt.Errorf("%w: name required", ErrInvalidRule)
	}
	if err := validateLimits(req.DelaySeconds, req.MaxExecutions); err != nil {
		return err
	}
	return ValidateDefinition(req.TriggerType, rawOrEmpty(req.TriggerConfig), rawOrEmpty(req.Conditions), rawOrEmpty(req.Actions))
}

// CreateRule 在看板上新建规则
func (s *AutomationService) CreateRule(ctx context.Context, boardID string, req *RuleRequest) (*models.AutomationRule, error) {
	if err := s.ValidateRule(req); err != nil {
		return nil, err
	}
	var board models.Board
	if err := s.db.WithContext(ctx).First(&board, "id = ?", boardID).Error; err != nil {
		return nil, notFound("board", boardID, err)
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	rule := &models.AutomationRule{
		BoardID:       boardID,
		Name:          strings.TrimSpace(req.Name),
		Description:   req.Description,
		TriggerType:   req.TriggerType,
		TriggerConfig: rawOrEmpty(req.TriggerConfig),
		Conditions:    rawOrEmpty(req.Conditions),
		Actions:       rawOrEmpty(req.Actions),
		Enabled:       enabled,
		Priority:      req.Priority,
		DelaySeconds:  req.DelaySeconds,
		MaxExecutions: req.MaxExecutions,
		CreatedBy:     req.CreatedBy,
	}
	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		return nil, fmt.Errorf("failed to create rule: %w", err)
	}
	s.logger.WithFields(logrus.Fields{"rule_id": rule.ID, "board_id": boardID, "trigger": rule.TriggerType}).
		Info("automation rule created")
	s.changed(ctx, rule.ID)
	return rule, nil
}

// GetRule 获取规则
func (s *AutomationService) GetRule(ctx context.Context, ruleID string) (*models.AutomationRule, error) {
	return s.store.GetRule(ctx, ruleID)
}

// ListRules 列出看板规则，按执行顺序排列
func (s *AutomationService) ListRules(ctx context.Context, boardID string) ([]models.AutomationRule, error) {
	var rules []models.AutomationRule
	err := s.db.WithContext(ctx).
		Where("board_id = ?", boardID).
		Order("priority DESC").Order("created_at DESC").Order("id ASC").
		Find(&rules).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return rules, nil
}

// UpdateRule 修改规则，变更后的完整定义需再次通过校验
func (s *AutomationService) UpdateRule(ctx context.Context, ruleID string, req *RuleUpdateRequest) (*models.AutomationRule, error) {
	rule, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		if strings.TrimSpace(*req.Name) == "" {
			return nil, fmt.Errorf("%w: name required", ErrInvalidRule)
		}
		rule.Name = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		rule.Description = *req.Description
	}
	if req.TriggerType != nil {
		rule.TriggerType = *req.TriggerType
	}
	if req.TriggerConfig != nil {
		rule.TriggerConfig = rawOrEmpty(req.TriggerConfig)
	}
	if req.Conditions != nil {
		rule.Conditions = rawOrEmpty(req.Conditions)
	}
	if req.Actions != nil {
		rule.Actions = rawOrEmpty(req.Actions)
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	if req.Priority != nil {
		rule.Priority = *req.Priority
	}
	if req.DelaySeconds != nil {
		rule.DelaySeconds = *req.DelaySeconds
	}
	if req.ClearMaxExecutions {
		rule.MaxExecutions = nil
	} else if req.MaxExecutions != nil {
		rule.MaxExecutions = req.MaxExecutions
	}
	if err := validateLimits(rule.DelaySeconds, rule.MaxExecutions); err != nil {
		return nil, err
	}
	if err := ValidateDefinition(rule.TriggerType, rule.TriggerConfig, rule.Conditions, rule.Actions); err != nil {
		return nil, err
	}

	// execution_count 只由引擎修改，这里不覆盖
	err = s.db.WithContext(ctx).Model(&models.AutomationRule{}).Where("id = ?", rule.ID).
		Updates(map[string]interface{}{
			"name":           rule.Name,
			"description":    rule.Description,
			"trigger_type":   rule.TriggerType,
			"trigger_config": rule.TriggerConfig,
			"conditions":     rule.Conditions,
			"actions":        rule.Actions,
			"enabled":        rule.Enabled,
			"priority":       rule.Priority,
			"delay_seconds":  rule.DelaySeconds,
			"max_executions": rule.MaxExecutions,
		}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to update rule: %w", err)
	}
	s.changed(ctx, rule.ID)
	return s.store.GetRule(ctx, rule.ID)
}

// SetEnabled 启用或停用规则。已排期的延迟执行在触发时会重新检查启用状态。
func (s *AutomationService) SetEnabled(ctx context.Context, ruleID string, enabled bool) (*models.AutomationRule, error) {
	rule, err := s.updateColumn(ctx, ruleID, "enabled", enabled)
	if err != nil {
		return nil, err
	}
	s.changed(ctx, ruleID)
	return rule, nil
}

// SetPriority 调整规则优先级
func (s *AutomationService) SetPriority(ctx context.Context, ruleID string, priority int) (*models.AutomationRule, error) {
	return s.updateColumn(ctx, ruleID, "priority", priority)
}

// ResetExecutionCount 清零执行计数，使耗尽的规则重新可用
func (s *AutomationService) ResetExecutionCount(ctx context.Context, ruleID string) (*models.AutomationRule, error) {
	return s.updateColumn(ctx, ruleID, "execution_count", 0)
}

// updateColumn 更新单列后重新读取；值未变化时 mysql 报告 0 行，故以读取结果判断是否存在
func (s *AutomationService) updateColumn(ctx context.Context, ruleID, column string, value interface{}) (*models.AutomationRule, error) {
	if err := s.db.WithContext(ctx).Model(&models.AutomationRule{}).Where("id = ?", ruleID).Update(column, value).Error; err != nil {
		return nil, fmt.Errorf("failed to update rule %s: %w", column, err)
	}
	return s.store.GetRule(ctx, ruleID)
}

// DeleteRule 删除规则及其执行日志与延迟任务
func (s *AutomationService) DeleteRule(ctx context.Context, ruleID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("rule_id = ?", ruleID).Delete(&models.AutomationExecutionLog{}).Error; err != nil {
			return err
		}
		if err := tx.Where("rule_id = ?", ruleID).Delete(&models.PendingExecution{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", ruleID).Delete(&models.AutomationRule{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("rule %s: %w", ruleID, automation.ErrRuleNotFound)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, automation.ErrRuleNotFound) {
			return err
		}
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	s.logger.WithField("rule_id", ruleID).Info("automation rule deleted")
	s.changed(ctx, ruleID)
	return nil
}

// RuleLogs 返回规则最近的执行日志，limit<=0 使用默认条数
func (s *AutomationService) RuleLogs(ctx context.Context, ruleID string, limit int) ([]models.AutomationExecutionLog, error) {
	if _, err := s.store.GetRule(ctx, ruleID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.logsPerRule
	}
	return s.store.RecentLogs(ctx, ruleID, limit)
}

// ScheduledRules 返回所有启用的定时规则
func (s *AutomationService) ScheduledRules(ctx context.Context) ([]models.AutomationRule, error) {
	var rules []models.AutomationRule
	err := s.db.WithContext(ctx).
		Where("trigger_type = ? AND enabled = ?", string(automation.TriggerScheduled), true).
		Find(&rules).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load scheduled rules: %w", err)
	}
	return rules, nil
}

// BoardActivity 统计看板规则最近一段时间的执行状态分布
func (s *AutomationService) BoardActivity(ctx context.Context, boardID string, since time.Time) (map[string]int64, error) {
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&models.AutomationExecutionLog{}).
		Select("status, COUNT(*) AS n").
		Where("board_id = ? AND created_at >= ?", boardID, since.UTC()).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate activity: %w", err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}
