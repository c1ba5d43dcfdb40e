package services

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"taskboard/internal/automation"
)

// TriggerEngine 触发源调用的引擎入口
type TriggerEngine interface {
	ProcessTrigger(ctx context.Context, boardID string, trigger automation.TriggerType, eventContext map[string]interface{}) (*automation.TriggerSummary, error)
	CheckChecklistCompletion(ctx context.Context, checklistID string) (*automation.TriggerSummary, error)
}

// TriggerDispatcher 在主操作提交后把事件交给引擎。
// 异步模式下事件在独立 goroutine 中处理，不受请求取消影响；错误只记录日志。
type TriggerDispatcher struct {
	engine  TriggerEngine
	async   bool
	timeout time.Duration
	logger  *logrus.Logger
	wg      sync.WaitGroup
}

func NewTriggerDispatcher(engine TriggerEngine, async bool, logger *logrus.Logger) *TriggerDispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	return &TriggerDispatcher{engine: engine, async: async, timeout: 2 * time.Minute, logger: logger}
}

func (d *TriggerDispatcher) run(ctx context.Context, fields logrus.Fields, fn func(context.Context) (*automation.TriggerSummary, error)) {
	exec := func(ctx context.Context) {
		summary, err := fn(ctx)
		if err != nil {
			d.logger.WithFields(fields).Warnf("automation trigger failed: %v", err)
			return
		}
		if summary != nil && summary.RulesExecuted > 0 {
			d.logger.WithFields(fields).Debugf("automation ran %d rules", summary.RulesExecuted)
		}
	}
	if !d.async {
		exec(ctx)
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		exec(bg)
	}()
}

// Dispatch 处理一个看板事件
func (d *TriggerDispatcher) Dispatch(ctx context.Context, boardID string, trigger automation.TriggerType, eventContext map[string]interface{}) {
	fields := logrus.Fields{"board_id": boardID, "trigger": string(trigger)}
	d.run(ctx, fields, func(ctx context.Context) (*automation.TriggerSummary, error) {
		return d.engine.ProcessTrigger(ctx, boardID, trigger, eventContext)
	})
}

// DispatchChecklist 在勾选条目后检查清单是否完成
func (d *TriggerDispatcher) DispatchChecklist(ctx context.Context, checklistID string) {
	fields := logrus.Fields{"checklist_id": checklistID, "trigger": string(automation.TriggerChecklistCompleted)}
	d.run(ctx, fields, func(ctx context.Context) (*automation.TriggerSummary, error) {
		return d.engine.CheckChecklistCompletion(ctx, checklistID)
	})
}

// Wait 等待异步事件处理完毕
func (d *TriggerDispatcher) Wait() {
	d.wg.Wait()
}
