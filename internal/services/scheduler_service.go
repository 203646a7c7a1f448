package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"inspora/internal/models"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SchedulerService evaluates on_schedule triggers. It owns no engine
// semantics: each cron tick calls into the runner with a synthetic
// schedule event, exactly like any other external invoker.
type SchedulerService struct {
	db     *gorm.DB
	logger *logrus.Logger
	runner *AutomationRunner
	cron   *cron.Cron

	mu      sync.Mutex
	entries map[uint]cron.EntryID
}

func NewSchedulerService(db *gorm.DB, logger *logrus.Logger, runner *AutomationRunner) *SchedulerService {
	if logger == nil {
		logger = logrus.New()
	}
	return &SchedulerService{
		db:      db,
		logger:  logger,
		runner:  runner,
		cron:    cron.New(cron.WithLocation(time.UTC)),
		entries: make(map[uint]cron.EntryID),
	}
}

// cronSpec builds the entry spec, applying the trigger's timezone via the
// CRON_TZ prefix understood by the parser.
func cronSpec(trigger *models.AutomationTrigger) string {
	if trigger.Timezone != "" && trigger.Timezone != "UTC" {
		return fmt.Sprintf("CRON_TZ=%s %s", trigger.Timezone, trigger.ScheduleCron)
	}
	return trigger.ScheduleCron
}

// ValidateCron 校验 cron 表达式与时区是否可被调度
func ValidateCron(expr, timezone string) error {
	if expr == "" {
		return fmt.Errorf("cron expression required")
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	if timezone != "" {
		if _, err := time.LoadLocation(timezone); err != nil {
			return fmt.Errorf("invalid timezone: %w", err)
		}
	}
	return nil
}

// Reload syncs cron entries with the active on_schedule triggers of
// active automations. Safe to call while running.
func (s *SchedulerService) Reload(ctx context.Context) error {
	var triggers []models.AutomationTrigger
	err := s.db.WithContext(ctx).
		Joins("JOIN automations ON automations.id = automation_triggers.automation_id").
		Where("automation_triggers.trigger_type = ? AND automation_triggers.is_active = ?", models.TriggerOnSchedule, true).
		Where("automations.status = ? AND automations.is_active = ? AND automations.deleted_at IS NULL", models.AutomationStatusActive, true).
		Find(&triggers).Error
	if err != nil {
		return fmt.Errorf("load schedule triggers: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[uint]bool, len(triggers))
	for i := range triggers {
		trigger := triggers[i]
		seen[trigger.ID] = true
		if _, ok := s.entries[trigger.ID]; ok {
			continue
		}
		entryID, err := s.cron.AddFunc(cronSpec(&trigger), s.tick(trigger))
		if err != nil {
			s.logger.Warnf("scheduler: trigger %d has invalid schedule %q: %v", trigger.ID, trigger.ScheduleCron, err)
			continue
		}
		s.entries[trigger.ID] = entryID
		s.logger.Infof("scheduler: trigger %d scheduled (%s, %s)", trigger.ID, trigger.ScheduleCron, trigger.Timezone)
	}

	// 移除已停用或删除的触发器
	for triggerID, entryID := range s.entries {
		if !seen[triggerID] {
			s.cron.Remove(entryID)
			delete(s.entries, triggerID)
		}
	}
	return nil
}

func (s *SchedulerService) tick(trigger models.AutomationTrigger) func() {
	return func() {
		event := Event{
			"action":       EventActionSchedule,
			"trigger_id":   trigger.ID,
			"scheduled_at": time.Now().UTC().Format(time.RFC3339),
		}
		_, err := s.runner.RunTrigger(context.Background(), &trigger, event, nil)
		if err != nil && !errors.Is(err, ErrRateLimited) {
			s.logger.Warnf("scheduler: trigger %d run failed: %v", trigger.ID, err)
		}
	}
}

// Start 加载触发器并启动调度循环
func (s *SchedulerService) Start(ctx context.Context) error {
	if err := s.Reload(ctx); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop 停止调度，等待在途任务结束
func (s *SchedulerService) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// EntryCount 当前已注册的调度条目数
func (s *SchedulerService) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
