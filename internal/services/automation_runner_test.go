package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"inspora/internal/models"

	"gorm.io/gorm"
)

func seedAutomation(t *testing.T, db *gorm.DB, automation *models.Automation) *models.Automation {
	t.Helper()
	if automation.Status == "" {
		automation.Status = models.AutomationStatusActive
	}
	automation.IsActive = true
	if err := db.Create(automation).Error; err != nil {
		t.Fatalf("seed automation: %v", err)
	}
	return automation
}

func execLogContains(exec *models.AutomationExecution, needle string) bool {
	for _, entry := range exec.Log {
		if strings.Contains(entry.Message, needle) {
			return true
		}
	}
	return false
}

func TestRunner_HandleEventCompletesRun(t *testing.T) {
	db := newEngineTestDB(t)
	executor := NewActionExecutor(db, nil, nil, nil)
	runner := NewAutomationRunner(db, nil, executor)

	task := &models.Task{Title: "ship release", Status: "in_progress"}
	if err := db.Create(task).Error; err != nil {
		t.Fatalf("seed task: %v", err)
	}

	automation := seedAutomation(t, db, &models.Automation{
		Name: "on done notify",
		Triggers: []models.AutomationTrigger{
			{Name: "status change", TriggerType: models.TriggerOnStatusChange, IsActive: true},
		},
		Rules: []models.AutomationRule{
			{
				Name:     "moved to done",
				Operator: RuleOperatorAnd,
				IsActive: true,
				Conditions: models.RuleConditions{
					{Field: "new_status", Operator: OpEquals, Value: "done"},
				},
			},
		},
		Actions: []models.AutomationAction{
			{
				Name:       "flag priority",
				ActionType: models.ActionUpdate,
				IsActive:   true,
				ActionConfig: models.JSONMap{
					"fields": map[string]interface{}{"priority": "high"},
				},
			},
		},
	})

	event := Event{
		"action":     EventActionUpdate,
		"old_status": "in_progress",
		"new_status": "done",
		"task_id":    float64(task.ID),
	}
	executions, err := runner.HandleEvent(context.Background(), event, nil)
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(executions) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(executions))
	}
	exec := executions[0]
	if exec.Status != models.ExecutionStatusCompleted {
		t.Fatalf("unexpected status: %s (%s)", exec.Status, exec.ErrorMessage)
	}
	if exec.CompletedAt == nil || exec.ExecutionTime == nil {
		t.Fatal("completed execution must carry completed_at and execution_time")
	}

	var got models.Task
	db.First(&got, task.ID)
	if got.Priority != "high" {
		t.Fatalf("action effect missing, priority=%s", got.Priority)
	}

	// 触发与执行计数各 +1
	var trigger models.AutomationTrigger
	db.Where("automation_id = ?", automation.ID).First(&trigger)
	if trigger.TriggerCount != 1 || trigger.LastTriggered == nil {
		t.Fatalf("trigger bookkeeping missing: count=%d", trigger.TriggerCount)
	}
	var reloaded models.Automation
	db.First(&reloaded, automation.ID)
	if reloaded.ExecutionCount != 1 || reloaded.LastExecuted == nil {
		t.Fatalf("automation bookkeeping missing: count=%d", reloaded.ExecutionCount)
	}
}

func TestRunner_RulesNotSatisfiedStillCompletes(t *testing.T) {
	db := newEngineTestDB(t)
	executor := NewActionExecutor(db, nil, nil, nil)
	runner := NewAutomationRunner(db, nil, executor)

	task := &models.Task{Title: "t", Status: "todo", Priority: "medium"}
	if err := db.Create(task).Error; err != nil {
		t.Fatalf("seed task: %v", err)
	}

	seedAutomation(t, db, &models.Automation{
		Name: "picky",
		Triggers: []models.AutomationTrigger{
			{Name: "updates", TriggerType: models.TriggerOnUpdate, IsActive: true},
		},
		Rules: []models.AutomationRule{
			{
				Name:     "only critical",
				Operator: RuleOperatorAnd,
				IsActive: true,
				Conditions: models.RuleConditions{
					{Field: "priority", Operator: OpEquals, Value: "critical"},
				},
			},
		},
		Actions: []models.AutomationAction{
			{
				Name:       "flag",
				ActionType: models.ActionUpdate,
				IsActive:   true,
				ActionConfig: models.JSONMap{
					"fields": map[string]interface{}{"priority": "high"},
				},
			},
		},
	})

	event := Event{"action": EventActionUpdate, "priority": "low", "task_id": float64(task.ID)}
	executions, err := runner.HandleEvent(context.Background(), event, nil)
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(executions) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(executions))
	}
	exec := executions[0]
	if exec.Status != models.ExecutionStatusCompleted {
		t.Fatalf("unexpected status: %s", exec.Status)
	}
	if !execLogContains(exec, "rules not satisfied") {
		t.Fatalf("expected rule skip log, got %v", exec.Log)
	}

	var got models.Task
	db.First(&got, task.ID)
	if got.Priority != "medium" {
		t.Fatal("action must not run when rules fail")
	}
}

func TestRunner_InactiveRulesIgnored(t *testing.T) {
	db := newEngineTestDB(t)
	executor := NewActionExecutor(db, nil, nil, nil)
	runner := NewAutomationRunner(db, nil, executor)

	seedAutomation(t, db, &models.Automation{
		Name: "half disabled",
		Triggers: []models.AutomationTrigger{
			{Name: "updates", TriggerType: models.TriggerOnUpdate, IsActive: true},
		},
		Rules: []models.AutomationRule{
			{
				Name:     "disabled blocker",
				Operator: RuleOperatorAnd,
				IsActive: false,
				Conditions: models.RuleConditions{
					{Field: "never", Operator: OpEquals, Value: "set"},
				},
			},
		},
	})

	executions, err := runner.HandleEvent(context.Background(), Event{"action": EventActionUpdate}, nil)
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(executions) != 1 || executions[0].Status != models.ExecutionStatusCompleted {
		t.Fatalf("inactive rule must not block the run: %+v", executions)
	}
	if execLogContains(executions[0], "rules not satisfied") {
		t.Fatal("inactive rule must not be evaluated")
	}
}

func TestRunner_NoMatchingTriggerNoExecution(t *testing.T) {
	db := newEngineTestDB(t)
	runner := NewAutomationRunner(db, nil, NewActionExecutor(db, nil, nil, nil))

	seedAutomation(t, db, &models.Automation{
		Name: "creates only",
		Triggers: []models.AutomationTrigger{
			{Name: "creates", TriggerType: models.TriggerOnCreate, IsActive: true},
		},
	})

	executions, err := runner.HandleEvent(context.Background(), Event{"action": EventActionUpdate}, nil)
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(executions) != 0 {
		t.Fatalf("expected no executions, got %d", len(executions))
	}
	var count int64
	db.Model(&models.AutomationExecution{}).Count(&count)
	if count != 0 {
		t.Fatalf("no execution record expected, got %d", count)
	}
}

// 速率超限的自动化被跳过，且不留下执行记录
func TestRunner_RateLimitSkipsWithoutRecord(t *testing.T) {
	db := newEngineTestDB(t)
	runner := NewAutomationRunner(db, nil, NewActionExecutor(db, nil, nil, nil))

	seedAutomation(t, db, &models.Automation{
		Name:                 "limited",
		MaxExecutionsPerHour: 1,
		Triggers: []models.AutomationTrigger{
			{Name: "updates", TriggerType: models.TriggerOnUpdate, IsActive: true},
		},
	})

	event := Event{"action": EventActionUpdate}
	first, err := runner.HandleEvent(context.Background(), event, nil)
	if err != nil || len(first) != 1 {
		t.Fatalf("first run: %v (%d executions)", err, len(first))
	}

	second, err := runner.HandleEvent(context.Background(), event, nil)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("rate-limited run must be skipped, got %d executions", len(second))
	}

	var count int64
	db.Model(&models.AutomationExecution{}).Count(&count)
	if count != 1 {
		t.Fatalf("skip must not create an execution record, got %d", count)
	}
}

// 动作失败（重试耗尽）不终止运行，后续动作照常执行
func TestRunner_FailedActionDoesNotAbortRun(t *testing.T) {
	db := newEngineTestDB(t)
	executor := NewActionExecutor(db, nil, nil, nil)
	executor.RegisterCustomHandler("broken", func(ctx context.Context, config models.JSONMap, event Event) error {
		return errors.New("permanent")
	})
	runner := NewAutomationRunner(db, nil, executor)

	task := &models.Task{Title: "t", Status: "todo"}
	if err := db.Create(task).Error; err != nil {
		t.Fatalf("seed task: %v", err)
	}

	seedAutomation(t, db, &models.Automation{
		Name: "resilient",
		Triggers: []models.AutomationTrigger{
			{Name: "updates", TriggerType: models.TriggerOnUpdate, IsActive: true},
		},
		Actions: []models.AutomationAction{
			{
				Name:         "first fails",
				ActionType:   models.ActionCustom,
				IsActive:     true,
				Order:        1,
				RetryCount:   1,
				RetryDelay:   0,
				ActionConfig: models.JSONMap{"handler": "broken"},
			},
			{
				Name:       "second runs",
				ActionType: models.ActionUpdate,
				IsActive:   true,
				Order:      2,
				ActionConfig: models.JSONMap{
					"fields": map[string]interface{}{"status": "done"},
				},
			},
		},
	})

	event := Event{"action": EventActionUpdate, "task_id": float64(task.ID)}
	executions, err := runner.HandleEvent(context.Background(), event, nil)
	if err != nil || len(executions) != 1 {
		t.Fatalf("HandleEvent: %v (%d executions)", err, len(executions))
	}
	exec := executions[0]
	if exec.Status != models.ExecutionStatusCompleted {
		t.Fatalf("unexpected status: %s", exec.Status)
	}
	if !execLogContains(exec, "failed after 2 attempts") {
		t.Fatalf("expected exhausted-retry log, got %v", exec.Log)
	}

	var got models.Task
	db.First(&got, task.ID)
	if got.Status != "done" {
		t.Fatal("second action must still run after the first fails")
	}
}

// 执行超时后运行被取消，剩余动作不再执行
func TestRunner_ExecutionTimeoutCancels(t *testing.T) {
	db := newEngineTestDB(t)
	executor := NewActionExecutor(db, nil, nil, nil)
	runner := NewAutomationRunner(db, nil, executor)

	task := &models.Task{Title: "t", Status: "todo"}
	if err := db.Create(task).Error; err != nil {
		t.Fatalf("seed task: %v", err)
	}

	seedAutomation(t, db, &models.Automation{
		Name:             "slow",
		ExecutionTimeout: 1,
		Triggers: []models.AutomationTrigger{
			{Name: "updates", TriggerType: models.TriggerOnUpdate, IsActive: true},
		},
		Actions: []models.AutomationAction{
			{
				Name:         "stall",
				ActionType:   models.ActionNotify,
				IsActive:     true,
				Order:        1,
				DelaySeconds: 5,
				ActionConfig: models.JSONMap{"message": "late", "recipient_id": float64(1)},
			},
			{
				Name:       "never reached",
				ActionType: models.ActionUpdate,
				IsActive:   true,
				Order:      2,
				ActionConfig: models.JSONMap{
					"fields": map[string]interface{}{"status": "done"},
				},
			},
		},
	})

	event := Event{"action": EventActionUpdate, "task_id": float64(task.ID)}
	executions, err := runner.HandleEvent(context.Background(), event, nil)
	if err != nil || len(executions) != 1 {
		t.Fatalf("HandleEvent: %v (%d executions)", err, len(executions))
	}
	exec := executions[0]
	if exec.Status != models.ExecutionStatusCancelled {
		t.Fatalf("unexpected status: %s", exec.Status)
	}
	if exec.ErrorMessage != "execution timeout exceeded" {
		t.Fatalf("unexpected error message: %s", exec.ErrorMessage)
	}

	var got models.Task
	db.First(&got, task.ID)
	if got.Status != "todo" {
		t.Fatal("actions after the timeout must not run")
	}
}

// 调用方取消（客户端断开、进程退出）不是超时，取消原因要区分，
// 且终态记录仍然落库
func TestRunner_CallerCancellationIsNotTimeout(t *testing.T) {
	db := newEngineTestDB(t)
	executor := NewActionExecutor(db, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	executor.RegisterCustomHandler("pull-plug", func(ctx context.Context, config models.JSONMap, event Event) error {
		cancel()
		return nil
	})
	runner := NewAutomationRunner(db, nil, executor)

	task := &models.Task{Title: "t", Status: "todo"}
	if err := db.Create(task).Error; err != nil {
		t.Fatalf("seed task: %v", err)
	}

	automation := seedAutomation(t, db, &models.Automation{
		Name:             "interrupted",
		ExecutionTimeout: 300,
		Triggers: []models.AutomationTrigger{
			{Name: "updates", TriggerType: models.TriggerOnUpdate, IsActive: true},
		},
		Actions: []models.AutomationAction{
			{
				Name:         "first cancels",
				ActionType:   models.ActionCustom,
				IsActive:     true,
				Order:        1,
				ActionConfig: models.JSONMap{"handler": "pull-plug"},
			},
			{
				Name:       "never reached",
				ActionType: models.ActionUpdate,
				IsActive:   true,
				Order:      2,
				ActionConfig: models.JSONMap{
					"fields": map[string]interface{}{"status": "done"},
				},
			},
		},
	})

	event := Event{"action": EventActionUpdate, "task_id": float64(task.ID)}
	executions, err := runner.HandleEvent(ctx, event, nil)
	if err != nil || len(executions) != 1 {
		t.Fatalf("HandleEvent: %v (%d executions)", err, len(executions))
	}
	exec := executions[0]
	if exec.Status != models.ExecutionStatusCancelled {
		t.Fatalf("unexpected status: %s", exec.Status)
	}
	if exec.ErrorMessage != "execution cancelled" {
		t.Fatalf("caller cancellation must not be reported as timeout: %s", exec.ErrorMessage)
	}

	// 终态记录在调用方取消后仍然持久化
	var persisted models.AutomationExecution
	if err := db.First(&persisted, exec.ID).Error; err != nil {
		t.Fatalf("load execution: %v", err)
	}
	if persisted.Status != models.ExecutionStatusCancelled {
		t.Fatalf("terminal state not persisted: %s", persisted.Status)
	}
	var automationRow models.Automation
	db.First(&automationRow, automation.ID)
	if automationRow.ExecutionCount != 1 {
		t.Fatalf("execution count not bumped after caller cancel: %d", automationRow.ExecutionCount)
	}

	var got models.Task
	db.First(&got, task.ID)
	if got.Status != "todo" {
		t.Fatal("actions after the cancellation must not run")
	}
}

func TestRunner_RunManual(t *testing.T) {
	db := newEngineTestDB(t)
	runner := NewAutomationRunner(db, nil, NewActionExecutor(db, nil, nil, nil))

	allowed := seedAutomation(t, db, &models.Automation{
		Name:               "manual ok",
		AllowManualTrigger: true,
		Triggers: []models.AutomationTrigger{
			{Name: "manual", TriggerType: models.TriggerManual, IsActive: true},
		},
	})
	forbidden := seedAutomation(t, db, &models.Automation{
		Name: "manual blocked",
		Triggers: []models.AutomationTrigger{
			{Name: "manual", TriggerType: models.TriggerManual, IsActive: true},
		},
	})
	noTrigger := seedAutomation(t, db, &models.Automation{
		Name:               "no manual trigger",
		AllowManualTrigger: true,
		Triggers: []models.AutomationTrigger{
			{Name: "creates", TriggerType: models.TriggerOnCreate, IsActive: true},
		},
	})
	inactive := seedAutomation(t, db, &models.Automation{
		Name:               "paused",
		Status:             models.AutomationStatusInactive,
		AllowManualTrigger: true,
		Triggers: []models.AutomationTrigger{
			{Name: "manual", TriggerType: models.TriggerManual, IsActive: true},
		},
	})

	actor := uint(42)
	exec, err := runner.RunManual(context.Background(), allowed.ID, &actor, nil)
	if err != nil {
		t.Fatalf("RunManual: %v", err)
	}
	if exec.Status != models.ExecutionStatusCompleted {
		t.Fatalf("unexpected status: %s", exec.Status)
	}
	if exec.TriggeredByID == nil || *exec.TriggeredByID != actor {
		t.Fatal("manual run must record the actor")
	}

	if _, err := runner.RunManual(context.Background(), forbidden.ID, &actor, nil); !errors.Is(err, ErrManualTriggerNotAllowed) {
		t.Fatalf("expected ErrManualTriggerNotAllowed, got %v", err)
	}
	if _, err := runner.RunManual(context.Background(), noTrigger.ID, &actor, nil); !errors.Is(err, ErrNoMatchingTrigger) {
		t.Fatalf("expected ErrNoMatchingTrigger, got %v", err)
	}
	if _, err := runner.RunManual(context.Background(), inactive.ID, &actor, nil); !errors.Is(err, ErrAutomationInactive) {
		t.Fatalf("expected ErrAutomationInactive, got %v", err)
	}
	if _, err := runner.RunManual(context.Background(), 9999, &actor, nil); !errors.Is(err, ErrAutomationNotFound) {
		t.Fatalf("expected ErrAutomationNotFound, got %v", err)
	}
}

func TestRunner_RunWebhook(t *testing.T) {
	db := newEngineTestDB(t)
	runner := NewAutomationRunner(db, nil, NewActionExecutor(db, nil, nil, nil))

	automation := seedAutomation(t, db, &models.Automation{
		Name: "hooked",
		Triggers: []models.AutomationTrigger{
			{Name: "incoming", TriggerType: models.TriggerOnWebhook, IsActive: true},
		},
	})

	exec, err := runner.RunWebhook(context.Background(), automation.ID, Event{"payload": "x"})
	if err != nil {
		t.Fatalf("RunWebhook: %v", err)
	}
	if exec.Status != models.ExecutionStatusCompleted {
		t.Fatalf("unexpected status: %s", exec.Status)
	}
	if exec.TriggerContext["action"] != EventActionWebhook {
		t.Fatalf("webhook run must stamp the action: %v", exec.TriggerContext)
	}
}

func TestRunner_RunTriggerRequiresActiveAutomation(t *testing.T) {
	db := newEngineTestDB(t)
	runner := NewAutomationRunner(db, nil, NewActionExecutor(db, nil, nil, nil))

	automation := seedAutomation(t, db, &models.Automation{
		Name:   "drafted",
		Status: models.AutomationStatusDraft,
		Triggers: []models.AutomationTrigger{
			{Name: "nightly", TriggerType: models.TriggerOnSchedule, ScheduleCron: "0 0 * * *", IsActive: true},
		},
	})

	var trigger models.AutomationTrigger
	db.Where("automation_id = ?", automation.ID).First(&trigger)

	_, err := runner.RunTrigger(context.Background(), &trigger, Event{"action": EventActionSchedule}, nil)
	if !errors.Is(err, ErrAutomationInactive) {
		t.Fatalf("expected ErrAutomationInactive, got %v", err)
	}
}
