package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"inspora/internal/metrics"
	"inspora/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	// ErrRateLimited 自动化在最近一小时内达到执行上限
	ErrRateLimited = errors.New("automation rate limit reached")
	// ErrAutomationNotFound 自动化不存在
	ErrAutomationNotFound = errors.New("automation not found")
	// ErrManualTriggerNotAllowed 自动化未开启手动触发
	ErrManualTriggerNotAllowed = errors.New("manual trigger not allowed")
	// ErrAutomationInactive 自动化未激活
	ErrAutomationInactive = errors.New("automation not active")
	// ErrNoMatchingTrigger 没有可用的对应类型触发器
	ErrNoMatchingTrigger = errors.New("no matching trigger configured")
)

// AutomationRunner orchestrates one engine run per implicated automation:
// trigger matching, rate limiting, rule evaluation, ordered action
// execution and execution-record bookkeeping.
type AutomationRunner struct {
	db       *gorm.DB
	logger   *logrus.Logger
	executor *ActionExecutor

	// 按自动化 ID 串行化速率检查与记录创建
	locks sync.Map
}

func NewAutomationRunner(db *gorm.DB, logger *logrus.Logger, executor *ActionExecutor) *AutomationRunner {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationRunner{db: db, logger: logger, executor: executor}
}

// HandleEvent runs every active automation whose triggers fire for the
// event. A rate-limited automation is skipped and logged, never errored.
// Returns the execution records that were created.
func (r *AutomationRunner) HandleEvent(ctx context.Context, event Event, actorID *uint) ([]*models.AutomationExecution, error) {
	metrics.IncEventHandled()

	var automations []models.Automation
	err := r.db.WithContext(ctx).
		Preload("Triggers").
		Where("status = ? AND is_active = ?", models.AutomationStatusActive, true).
		Find(&automations).Error
	if err != nil {
		return nil, fmt.Errorf("load automations: %w", err)
	}

	var executions []*models.AutomationExecution
	for i := range automations {
		automation := &automations[i]
		trigger := r.matchTrigger(automation, event)
		if trigger == nil {
			continue
		}
		exec, err := r.runOne(ctx, automation, trigger, event, actorID)
		if err != nil {
			if errors.Is(err, ErrRateLimited) {
				continue
			}
			r.logger.Errorf("automation %d run failed: %v", automation.ID, err)
			continue
		}
		executions = append(executions, exec)
	}
	return executions, nil
}

func (r *AutomationRunner) matchTrigger(automation *models.Automation, event Event) *models.AutomationTrigger {
	for i := range automation.Triggers {
		if ShouldFire(&automation.Triggers[i], event) {
			return &automation.Triggers[i]
		}
	}
	return nil
}

// RunManual is the explicit entry point for manual triggers. Manual
// triggers never fire from generic events.
func (r *AutomationRunner) RunManual(ctx context.Context, automationID uint, actorID *uint, event Event) (*models.AutomationExecution, error) {
	return r.runExplicit(ctx, automationID, models.TriggerManual, EventActionManual, actorID, event, true)
}

// RunWebhook is the explicit entry point for on_webhook triggers.
func (r *AutomationRunner) RunWebhook(ctx context.Context, automationID uint, event Event) (*models.AutomationExecution, error) {
	return r.runExplicit(ctx, automationID, models.TriggerOnWebhook, EventActionWebhook, nil, event, false)
}

// RunDelete is the explicit entry point for on_delete triggers.
func (r *AutomationRunner) RunDelete(ctx context.Context, automationID uint, event Event) (*models.AutomationExecution, error) {
	return r.runExplicit(ctx, automationID, models.TriggerOnDelete, EventActionDelete, nil, event, false)
}

func (r *AutomationRunner) runExplicit(ctx context.Context, automationID uint, triggerType, action string, actorID *uint, event Event, checkManual bool) (*models.AutomationExecution, error) {
	var automation models.Automation
	err := r.db.WithContext(ctx).Preload("Triggers").First(&automation, automationID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAutomationNotFound
		}
		return nil, fmt.Errorf("load automation: %w", err)
	}
	if automation.Status != models.AutomationStatusActive || !automation.IsActive {
		return nil, ErrAutomationInactive
	}
	if checkManual && !automation.AllowManualTrigger {
		return nil, ErrManualTriggerNotAllowed
	}

	var trigger *models.AutomationTrigger
	for i := range automation.Triggers {
		t := &automation.Triggers[i]
		if t.TriggerType == triggerType && t.IsActive {
			trigger = t
			break
		}
	}
	if trigger == nil {
		return nil, ErrNoMatchingTrigger
	}

	if event == nil {
		event = Event{}
	}
	event["action"] = action
	return r.runOne(ctx, &automation, trigger, event, actorID)
}

// RunTrigger runs a specific trigger, used by the scheduler collaborator
// for on_schedule triggers with a synthetic event.
func (r *AutomationRunner) RunTrigger(ctx context.Context, trigger *models.AutomationTrigger, event Event, actorID *uint) (*models.AutomationExecution, error) {
	if !trigger.IsActive {
		return nil, ErrNoMatchingTrigger
	}
	var automation models.Automation
	err := r.db.WithContext(ctx).First(&automation, trigger.AutomationID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAutomationNotFound
		}
		return nil, fmt.Errorf("load automation: %w", err)
	}
	if automation.Status != models.AutomationStatusActive || !automation.IsActive {
		return nil, ErrAutomationInactive
	}
	return r.runOne(ctx, &automation, trigger, event, actorID)
}

func (r *AutomationRunner) lockFor(automationID uint) *sync.Mutex {
	mu, _ := r.locks.LoadOrStore(automationID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// runOne executes one automation run for one fired trigger. The
// pending->running->terminal state machine is owned entirely by this
// call; concurrent runs for the same automation serialize only around
// the rate-limit window and record creation.
func (r *AutomationRunner) runOne(ctx context.Context, automation *models.Automation, trigger *models.AutomationTrigger, event Event, actorID *uint) (*models.AutomationExecution, error) {
	exec, err := r.admit(ctx, automation, event, actorID)
	if err != nil {
		return nil, err
	}

	// 触发器计数只在实际触发时 +1
	if err := r.bumpTrigger(ctx, trigger); err != nil {
		r.logger.Warnf("automation %d: bump trigger %d failed: %v", automation.ID, trigger.ID, err)
	}

	exec.Status = models.ExecutionStatusRunning
	exec.AddLog("info", fmt.Sprintf("execution started for automation %q via trigger %q", automation.Name, trigger.Name))
	if err := r.db.WithContext(ctx).Model(exec).Update("status", models.ExecutionStatusRunning).Error; err != nil {
		return r.finishFatal(ctx, exec, fmt.Errorf("mark running: %w", err))
	}

	passed, err := r.evaluateRules(ctx, automation.ID, exec, event)
	if err != nil {
		return r.finishFatal(ctx, exec, err)
	}
	if !passed {
		exec.AddLog("info", "rules not satisfied, no actions run")
		return r.finish(ctx, automation, exec, models.ExecutionStatusCompleted, "")
	}

	status, errMsg := r.runActions(ctx, automation, exec, event)
	return r.finish(ctx, automation, exec, status, errMsg)
}

// admit enforces max_executions_per_hour and creates the pending
// execution record. Serialized per automation so concurrent triggers
// cannot slip past the window.
func (r *AutomationRunner) admit(ctx context.Context, automation *models.Automation, event Event, actorID *uint) (*models.AutomationExecution, error) {
	mu := r.lockFor(automation.ID)
	mu.Lock()
	defer mu.Unlock()

	if automation.MaxExecutionsPerHour > 0 {
		var count int64
		windowStart := time.Now().UTC().Add(-time.Hour)
		err := r.db.WithContext(ctx).Model(&models.AutomationExecution{}).
			Where("automation_id = ? AND started_at > ?", automation.ID, windowStart).
			Count(&count).Error
		if err != nil {
			return nil, fmt.Errorf("count executions: %w", err)
		}
		if count >= int64(automation.MaxExecutionsPerHour) {
			r.logger.Warnf("automation %d %q skipped: rate limit %d/h reached", automation.ID, automation.Name, automation.MaxExecutionsPerHour)
			metrics.IncRateLimitSkip()
			return nil, ErrRateLimited
		}
	}

	exec := &models.AutomationExecution{
		Status:         models.ExecutionStatusPending,
		StartedAt:      time.Now().UTC(),
		AutomationID:   automation.ID,
		TriggeredByID:  actorID,
		TriggerContext: models.JSONMap(event),
		Log:            models.ExecutionLog{},
	}
	if err := r.db.WithContext(ctx).Create(exec).Error; err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	return exec, nil
}

func (r *AutomationRunner) bumpTrigger(ctx context.Context, trigger *models.AutomationTrigger) error {
	return r.db.WithContext(ctx).Model(&models.AutomationTrigger{}).
		Where("id = ?", trigger.ID).
		UpdateColumns(map[string]interface{}{
			"trigger_count":  gorm.Expr("trigger_count + 1"),
			"last_triggered": time.Now().UTC(),
		}).Error
}

func (r *AutomationRunner) evaluateRules(ctx context.Context, automationID uint, exec *models.AutomationExecution, event Event) (bool, error) {
	var rules []models.AutomationRule
	err := r.db.WithContext(ctx).
		Where("automation_id = ? AND is_active = ?", automationID, true).
		Order("created_at ASC").
		Find(&rules).Error
	if err != nil {
		return false, fmt.Errorf("load rules: %w", err)
	}
	for i := range rules {
		if !EvaluateRule(&rules[i], event) {
			exec.AddLog("info", fmt.Sprintf("rule %q evaluated to false", rules[i].Name))
			return false, nil
		}
	}
	return true, nil
}

// runActions executes the automation's actions strictly in ascending
// order. One action's exhausted retries never abort the run; only the
// execution timeout does, and actions already running are allowed to
// complete before the cancellation is observed.
func (r *AutomationRunner) runActions(ctx context.Context, automation *models.Automation, exec *models.AutomationExecution, event Event) (string, string) {
	var actions []models.AutomationAction
	err := r.db.WithContext(ctx).
		Where("automation_id = ? AND is_active = ?", automation.ID, true).
		Order("exec_order ASC, created_at ASC").
		Find(&actions).Error
	if err != nil {
		exec.AddLog("error", fmt.Sprintf("load actions: %v", err))
		return models.ExecutionStatusFailed, err.Error()
	}

	runCtx := ctx
	if automation.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(automation.ExecutionTimeout)*time.Second)
		defer cancel()
	}

	for i := range actions {
		if runCtx.Err() != nil {
			remaining := len(actions) - i
			reason := cancelReason(ctx)
			exec.AddLog("warning", fmt.Sprintf("%s, %d action(s) skipped", reason, remaining))
			return models.ExecutionStatusCancelled, reason
		}
		outcome := r.executor.Execute(runCtx, &actions[i], event, exec)
		if outcome.Status == ActionOutcomeCancelled {
			return models.ExecutionStatusCancelled, cancelReason(ctx)
		}
	}
	return models.ExecutionStatusCompleted, ""
}

// cancelReason tells a caller-side cancellation (client disconnect,
// shutdown) apart from the run's own execution timeout.
func cancelReason(parent context.Context) string {
	if parent.Err() != nil {
		return "execution cancelled"
	}
	return "execution timeout exceeded"
}

func (r *AutomationRunner) finish(ctx context.Context, automation *models.Automation, exec *models.AutomationExecution, status, errMsg string) (*models.AutomationExecution, error) {
	if err := exec.Finish(status, errMsg); err != nil {
		return exec, err
	}
	// 终态落库不随调用方取消而丢失
	ctx = context.WithoutCancel(ctx)
	if err := r.db.WithContext(ctx).Save(exec).Error; err != nil {
		// 存储写入失败属于引擎级错误，必须上抛
		return exec, fmt.Errorf("persist execution: %w", err)
	}

	if err := r.db.WithContext(ctx).Model(&models.Automation{}).
		Where("id = ?", automation.ID).
		UpdateColumns(map[string]interface{}{
			"execution_count": gorm.Expr("execution_count + 1"),
			"last_executed":   time.Now().UTC(),
		}).Error; err != nil {
		r.logger.Warnf("automation %d: bump execution count failed: %v", automation.ID, err)
	}

	metrics.IncExecution(exec.Status)
	r.logger.Infof("automation %d execution %d finished: %s", automation.ID, exec.ID, exec.Status)
	return exec, nil
}

// finishFatal marks the execution failed after an engine-level error and
// surfaces the error to the caller.
func (r *AutomationRunner) finishFatal(ctx context.Context, exec *models.AutomationExecution, cause error) (*models.AutomationExecution, error) {
	exec.AddLog("error", cause.Error())
	if err := exec.Finish(models.ExecutionStatusFailed, cause.Error()); err == nil {
		if saveErr := r.db.WithContext(context.WithoutCancel(ctx)).Save(exec).Error; saveErr != nil {
			r.logger.Errorf("persist failed execution %d: %v", exec.ID, saveErr)
		}
	}
	metrics.IncExecution(models.ExecutionStatusFailed)
	return exec, cause
}
