package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"taskboard/internal/models"
)

// DefaultSweepBatch is how many due pending executions one sweep handles.
const DefaultSweepBatch = 100

// schedule persists a delayed continuation and arms a timer for it. The
// execution budget has already been reserved.
func (e *Engine) schedule(ctx context.Context, r Rule, boardID string, trigger TriggerType, evCtx map[string]interface{}, execNumber, depth int) RuleExecutionDetail {
	due := e.now().Add(r.Delay)
	d := RuleExecutionDetail{
		RuleID:       r.ID,
		RuleName:     r.Name,
		TriggerType:  trigger,
		Status:       StatusScheduled,
		ScheduledFor: &due,
		Depth:        depth,
	}
	snapshot := cloneContext(evCtx)
	bg := context.WithoutCancel(ctx)

	if e.pending == nil {
		// in-memory only: lost on restart
		e.scheduler.RunAfter(r.Delay, func() {
			if _, err := e.runDelayed(bg, r.ID, boardID, trigger, snapshot, execNumber); err != nil {
				e.logger.WithField("rule_id", r.ID).Warnf("automation: delayed execution failed: %v", err)
			}
		})
		e.notify(ctx, boardID, d)
		return d
	}

	p := &models.PendingExecution{
		RuleID:          r.ID,
		BoardID:         boardID,
		TriggerType:     string(trigger),
		Context:         encodeJSON(snapshot, "{}"),
		DueAt:           due,
		Status:          models.PendingStatusPending,
		ExecutionNumber: execNumber,
	}
	if err := e.pending.SavePending(ctx, p); err != nil {
		e.logger.WithFields(logrus.Fields{"rule_id": r.ID, "board_id": boardID}).
			Warnf("automation: persist delayed execution failed: %v", err)
		d.Status = StatusFailure
		d.ScheduledFor = nil
		d.Error = fmt.Sprintf("schedule delayed execution: %v", err)
		d.LogID = e.writeLog(ctx, r.ID, boardID, trigger, StatusFailure, evCtx, nil, d.Error, execNumber, e.now())
		e.notify(ctx, boardID, d)
		return d
	}
	e.scheduler.RunAfter(r.Delay, func() {
		if err := e.RunPending(bg, p.ID); err != nil {
			e.logger.WithField("pending_id", p.ID).Warnf("automation: delayed execution failed: %v", err)
		}
	})
	e.notify(ctx, boardID, d)
	return d
}

// RunPending claims and runs one persisted delayed execution. It is a no-op
// when another worker already claimed it.
func (e *Engine) RunPending(ctx context.Context, id string) error {
	if e.pending == nil {
		return errors.New("pending store not configured")
	}
	p, err := e.pending.ClaimPending(ctx, id)
	if err != nil {
		if errors.Is(err, ErrPendingClaimed) {
			return nil
		}
		return fmt.Errorf("claim pending %s: %w", id, err)
	}
	evCtx := map[string]interface{}{}
	if p.Context != "" {
		if err := json.Unmarshal([]byte(p.Context), &evCtx); err != nil {
			_ = e.pending.FinishPending(ctx, p.ID, models.PendingStatusCancelled, "invalid context snapshot: "+err.Error())
			return fmt.Errorf("decode pending %s: %w", id, err)
		}
	}

	status, err := e.runDelayed(ctx, p.RuleID, p.BoardID, TriggerType(p.TriggerType), evCtx, p.ExecutionNumber)
	if err != nil {
		// back to pending so the sweep retries it
		if ferr := e.pending.FinishPending(ctx, p.ID, models.PendingStatusPending, err.Error()); ferr != nil {
			e.logger.WithField("pending_id", p.ID).Warnf("automation: release pending failed: %v", ferr)
		}
		return err
	}
	final := models.PendingStatusDone
	if status == StatusCancelled {
		final = models.PendingStatusCancelled
	}
	if err := e.pending.FinishPending(ctx, p.ID, final, ""); err != nil {
		return fmt.Errorf("finish pending %s: %w", id, err)
	}
	return nil
}

// runDelayed re-checks the rule and runs its chain. A deleted rule is
// cancelled without a log; a disabled one gets a cancelled log row.
func (e *Engine) runDelayed(ctx context.Context, ruleID, boardID string, trigger TriggerType, evCtx map[string]interface{}, execNumber int) (ExecutionStatus, error) {
	started := e.now()
	row, err := e.rules.GetRule(ctx, ruleID)
	if err != nil {
		if errors.Is(err, ErrRuleNotFound) {
			e.logger.WithField("rule_id", ruleID).Info("automation: delayed rule was deleted, cancelling")
			return StatusCancelled, nil
		}
		return "", fmt.Errorf("reload rule %s: %w", ruleID, err)
	}
	r := DecodeRule(*row)
	if boardID == "" {
		boardID = r.BoardID
	}
	ctx = freshChain(ctx, guardKey(r.ID, trigger))

	if !r.Enabled {
		d := RuleExecutionDetail{RuleID: r.ID, RuleName: r.Name, TriggerType: trigger, Status: StatusCancelled, Error: "rule disabled before delayed execution"}
		d.LogID = e.writeLog(ctx, r.ID, boardID, trigger, StatusCancelled, evCtx, nil, d.Error, execNumber, started)
		e.notify(ctx, boardID, d)
		return StatusCancelled, nil
	}
	if r.ConfigErr != nil {
		d := RuleExecutionDetail{RuleID: r.ID, RuleName: r.Name, TriggerType: trigger, Status: StatusFailure, Error: r.ConfigErr.Error()}
		d.LogID = e.writeLog(ctx, r.ID, boardID, trigger, StatusFailure, evCtx, nil, d.Error, execNumber, started)
		e.notify(ctx, boardID, d)
		return StatusFailure, nil
	}

	results := e.runChain(ctx, r.ID, boardID, r.Actions, evCtx)
	status := aggregateStatus(results)
	summary := &TriggerSummary{}
	e.record(ctx, summary, r, boardID, trigger, 0, status, evCtx, results, actionErrors(results), execNumber, started)
	e.cascade(ctx, results, summary)
	return status, nil
}

// SweepPending runs delayed executions that are due but were never fired,
// typically because the process restarted. It returns how many ran.
func (e *Engine) SweepPending(ctx context.Context) (int, error) {
	if e.pending == nil {
		return 0, nil
	}
	due, err := e.pending.DuePending(ctx, e.now(), DefaultSweepBatch)
	if err != nil {
		return 0, fmt.Errorf("load due pending executions: %w", err)
	}
	ran := 0
	for _, p := range due {
		if err := e.RunPending(ctx, p.ID); err != nil {
			e.logger.WithField("pending_id", p.ID).Warnf("automation: sweep failed: %v", err)
			continue
		}
		ran++
	}
	if ran > 0 {
		e.logger.Infof("automation: swept %d delayed executions", ran)
	}
	return ran, nil
}
