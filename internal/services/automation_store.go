package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"taskboard/internal/automation"
	"taskboard/internal/models"
)

// DefaultPendingStaleAfter 运行中的延迟任务超过该时长未完成即视为遗留，可被重新认领
const DefaultPendingStaleAfter = 10 * time.Minute

// AutomationStore 基于 GORM 的规则、执行日志与延迟执行存储
type AutomationStore struct {
	db         *gorm.DB
	logger     *logrus.Logger
	staleAfter time.Duration
	now        func() time.Time
}

// NewAutomationStore 创建存储
func NewAutomationStore(db *gorm.DB, logger *logrus.Logger) *AutomationStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationStore{
		db:         db,
		logger:     logger,
		staleAfter: DefaultPendingStaleAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

var (
	_ automation.RuleStore    = (*AutomationStore)(nil)
	_ automation.PendingStore = (*AutomationStore)(nil)
)

// GetEnabledRules 返回看板上某触发类型的启用规则
func (s *AutomationStore) GetEnabledRules(ctx context.Context, boardID string, trigger automation.TriggerType) ([]models.AutomationRule, error) {
	var rules []models.AutomationRule
	err := s.db.WithContext(ctx).
		Where("board_id = ? AND trigger_type = ? AND enabled = ?", boardID, string(trigger), true).
		Find(&rules).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	return rules, nil
}

// GetRule 根据ID获取规则
func (s *AutomationStore) GetRule(ctx context.Context, ruleID string) (*models.AutomationRule, error) {
	var rule models.AutomationRule
	if err := s.db.WithContext(ctx).First(&rule, "id = ?", ruleID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("rule %s: %w", ruleID, automation.ErrRuleNotFound)
		}
		return nil, fmt.Errorf("failed to load rule: %w", err)
	}
	return &rule, nil
}

// IncrementExecutionCount 在同一条 UPDATE 中检查启用状态与执行上限并自增计数。
// 读取新计数与更新处于同一事务，行锁保证返回的是本次占用的序号。
func (s *AutomationStore) IncrementExecutionCount(ctx context.Context, ruleID string) (int, error) {
	var count int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.AutomationRule{}).
			Where("id = ? AND enabled = ? AND (max_executions IS NULL OR execution_count < max_executions)", ruleID, true).
			Updates(map[string]interface{}{
				"execution_count":  gorm.Expr("execution_count + 1"),
				"last_executed_at": s.now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&models.AutomationRule{}).Where("id = ?", ruleID).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return automation.ErrRuleNotFound
			}
			return automation.ErrBudgetExhausted
		}
		return tx.Model(&models.AutomationRule{}).
			Where("id = ?", ruleID).
			Pluck("execution_count", &count).Error
	})
	if err != nil {
		if errors.Is(err, automation.ErrBudgetExhausted) || errors.Is(err, automation.ErrRuleNotFound) {
			return 0, fmt.Errorf("rule %s: %w", ruleID, err)
		}
		return 0, fmt.Errorf("failed to reserve execution: %w", err)
	}
	return count, nil
}

// CreateExecutionLog 写入一条执行日志
func (s *AutomationStore) CreateExecutionLog(ctx context.Context, log *models.AutomationExecutionLog) error {
	if err := s.db.WithContext(ctx).Create(log).Error; err != nil {
		return fmt.Errorf("failed to write execution log: %w", err)
	}
	return nil
}

// RecentLogs 返回规则最近的执行日志，按时间倒序
func (s *AutomationStore) RecentLogs(ctx context.Context, ruleID string, limit int) ([]models.AutomationExecutionLog, error) {
	if limit <= 0 {
		limit = 20
	}
	var logs []models.AutomationExecutionLog
	err := s.db.WithContext(ctx).
		Where("rule_id = ?", ruleID).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load execution logs: %w", err)
	}
	return logs, nil
}

// SavePending 持久化延迟执行
func (s *AutomationStore) SavePending(ctx context.Context, p *models.PendingExecution) error {
	if p.Status == "" {
		p.Status = models.PendingStatusPending
	}
	p.DueAt = p.DueAt.UTC()
	p.UpdatedAt = s.now()
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("failed to save pending execution: %w", err)
	}
	return nil
}

// ClaimPending 原子地将 pending（或超时未完成的 running）记录置为 running
func (s *AutomationStore) ClaimPending(ctx context.Context, id string) (*models.PendingExecution, error) {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.PendingExecution{}).
		Where("id = ? AND (status = ? OR (status = ? AND updated_at < ?))",
			id, models.PendingStatusPending, models.PendingStatusRunning, now.Add(-s.staleAfter)).
		Updates(map[string]interface{}{
			"status":     models.PendingStatusRunning,
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to claim pending execution: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("pending %s: %w", id, automation.ErrPendingClaimed)
	}
	var p models.PendingExecution
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("failed to load pending execution: %w", err)
	}
	return &p, nil
}

// FinishPending 更新延迟执行的最终状态（或放回 pending 以便重试）
func (s *AutomationStore) FinishPending(ctx context.Context, id, status, lastError string) error {
	err := s.db.WithContext(ctx).Model(&models.PendingExecution{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     status,
			"last_error": lastError,
			"updated_at": s.now(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to finish pending execution: %w", err)
	}
	return nil
}

// DuePending 返回已到期的待执行记录，包括超时未完成的 running 记录
func (s *AutomationStore) DuePending(ctx context.Context, now time.Time, limit int) ([]models.PendingExecution, error) {
	if limit <= 0 {
		limit = automation.DefaultSweepBatch
	}
	var out []models.PendingExecution
	err := s.db.WithContext(ctx).
		Where("due_at <= ? AND (status = ? OR (status = ? AND updated_at < ?))",
			now.UTC(), models.PendingStatusPending, models.PendingStatusRunning, s.now().Add(-s.staleAfter)).
		Order("due_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load due pending executions: %w", err)
	}
	return out, nil
}
