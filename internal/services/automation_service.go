package services

import (
	"context"
	"fmt"

	"inspora/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// EngineDefaults 新自动化未显式指定时的执行行为缺省值
type EngineDefaults struct {
	MaxExecutionsPerHour int
	ExecutionTimeout     int // 秒
}

// AutomationService 自动化配置的增删改查
type AutomationService struct {
	db       *gorm.DB
	logger   *logrus.Logger
	audit    *AuditService
	defaults EngineDefaults
}

func NewAutomationService(db *gorm.DB, logger *logrus.Logger, audit *AuditService, defaults EngineDefaults) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}
	if defaults.MaxExecutionsPerHour <= 0 {
		defaults.MaxExecutionsPerHour = 100
	}
	if defaults.ExecutionTimeout <= 0 {
		defaults.ExecutionTimeout = 300
	}
	return &AutomationService{db: db, logger: logger, audit: audit, defaults: defaults}
}

// RuleSpec 创建规则的请求项
type RuleSpec struct {
	Name       string                 `json:"name" binding:"required"`
	RuleType   string                 `json:"rule_type"`
	Conditions []models.RuleCondition `json:"conditions"`
	Operator   string                 `json:"operator"`
	Config     map[string]interface{} `json:"rule_config"`
}

// ActionSpec 创建动作的请求项
type ActionSpec struct {
	Name         string                 `json:"name" binding:"required"`
	ActionType   string                 `json:"action_type" binding:"required"`
	Config       map[string]interface{} `json:"action_config"`
	Order        int                    `json:"order"`
	DelaySeconds int                    `json:"delay_seconds"`
	RetryCount   int                    `json:"retry_count"`
	RetryDelay   *int                   `json:"retry_delay"`
}

// TriggerSpec 创建触发器的请求项
type TriggerSpec struct {
	Name         string                 `json:"name" binding:"required"`
	TriggerType  string                 `json:"trigger_type" binding:"required"`
	ModelName    string                 `json:"model_name"`
	FieldName    string                 `json:"field_name"`
	FieldValue   string                 `json:"field_value"`
	ScheduleCron string                 `json:"schedule_cron"`
	Timezone     string                 `json:"timezone"`
	Config       map[string]interface{} `json:"trigger_config"`
}

// AutomationRequest 创建自动化的请求
type AutomationRequest struct {
	Name                 string        `json:"name" binding:"required"`
	Description          string        `json:"description"`
	Priority             string        `json:"priority"`
	TeamID               *uint         `json:"team_id"`
	AllowManualTrigger   bool          `json:"allow_manual_trigger"`
	MaxExecutionsPerHour *int          `json:"max_executions_per_hour"`
	ExecutionTimeout     *int          `json:"execution_timeout"`
	Rules                []RuleSpec    `json:"rules"`
	Actions              []ActionSpec  `json:"actions"`
	Triggers             []TriggerSpec `json:"triggers"`
}

var supportedTriggerTypes = map[string]bool{
	models.TriggerOnCreate:       true,
	models.TriggerOnUpdate:       true,
	models.TriggerOnDelete:       true,
	models.TriggerOnStatusChange: true,
	models.TriggerOnFieldChange:  true,
	models.TriggerOnSchedule:     true,
	models.TriggerOnWebhook:      true,
	models.TriggerManual:         true,
}

var supportedActionTypes = map[string]bool{
	models.ActionCreate:  true,
	models.ActionUpdate:  true,
	models.ActionDelete:  true,
	models.ActionNotify:  true,
	models.ActionAssign:  true,
	models.ActionMove:    true,
	models.ActionWebhook: true,
	models.ActionCustom:  true,
}

// Create 创建自动化及其规则、动作、触发器
func (s *AutomationService) Create(ctx context.Context, req *AutomationRequest, createdBy uint) (*models.Automation, error) {
	if req == nil {
		return nil, fmt.Errorf("request required")
	}
	for _, t := range req.Triggers {
		if !supportedTriggerTypes[t.TriggerType] {
			return nil, fmt.Errorf("unsupported trigger type: %s", t.TriggerType)
		}
		if t.TriggerType == models.TriggerOnSchedule && t.ScheduleCron == "" {
			return nil, fmt.Errorf("schedule_cron required for on_schedule trigger")
		}
	}
	for _, a := range req.Actions {
		if !supportedActionTypes[a.ActionType] {
			return nil, fmt.Errorf("unsupported action type: %s", a.ActionType)
		}
	}

	automation := &models.Automation{
		Name:               req.Name,
		Description:        req.Description,
		Status:             models.AutomationStatusDraft,
		Priority:           req.Priority,
		IsActive:           true,
		AllowManualTrigger: req.AllowManualTrigger,
		TeamID:             req.TeamID,
		CreatedByID:        createdBy,
	}
	if automation.Priority == "" {
		automation.Priority = "medium"
	}
	if req.MaxExecutionsPerHour != nil {
		automation.MaxExecutionsPerHour = *req.MaxExecutionsPerHour
	} else {
		automation.MaxExecutionsPerHour = s.defaults.MaxExecutionsPerHour
	}
	if req.ExecutionTimeout != nil {
		automation.ExecutionTimeout = *req.ExecutionTimeout
	} else {
		automation.ExecutionTimeout = s.defaults.ExecutionTimeout
	}

	for _, spec := range req.Rules {
		rule := models.AutomationRule{
			Name:        spec.Name,
			RuleType:    spec.RuleType,
			Conditions:  spec.Conditions,
			Operator:    spec.Operator,
			RuleConfig:  models.JSONMap(spec.Config),
			IsActive:    true,
			CreatedByID: createdBy,
		}
		if rule.RuleType == "" {
			rule.RuleType = "event"
		}
		if rule.Operator == "" {
			rule.Operator = RuleOperatorAnd
		}
		automation.Rules = append(automation.Rules, rule)
	}

	for _, spec := range req.Actions {
		action := models.AutomationAction{
			Name:         spec.Name,
			ActionType:   spec.ActionType,
			ActionConfig: models.JSONMap(spec.Config),
			IsActive:     true,
			Order:        spec.Order,
			DelaySeconds: spec.DelaySeconds,
			RetryCount:   spec.RetryCount,
			RetryDelay:   60,
			CreatedByID:  createdBy,
		}
		if spec.RetryDelay != nil {
			action.RetryDelay = *spec.RetryDelay
		}
		automation.Actions = append(automation.Actions, action)
	}

	for _, spec := range req.Triggers {
		trigger := models.AutomationTrigger{
			Name:          spec.Name,
			TriggerType:   spec.TriggerType,
			TriggerConfig: models.JSONMap(spec.Config),
			IsActive:      true,
			ModelName:     spec.ModelName,
			FieldName:     spec.FieldName,
			FieldValue:    spec.FieldValue,
			ScheduleCron:  spec.ScheduleCron,
			Timezone:      spec.Timezone,
			CreatedByID:   createdBy,
		}
		if trigger.Timezone == "" {
			trigger.Timezone = "UTC"
		}
		automation.Triggers = append(automation.Triggers, trigger)
	}

	if err := s.db.WithContext(ctx).Create(automation).Error; err != nil {
		return nil, err
	}
	if s.audit != nil {
		s.audit.Record(ctx, models.AuditEventCreate, fmt.Sprintf("automation %q created", automation.Name), "automation", automation.ID, &createdBy, nil)
	}
	return automation, nil
}

// List 返回自动化列表
func (s *AutomationService) List(ctx context.Context, status string) ([]models.Automation, error) {
	query := s.db.WithContext(ctx).Order("updated_at DESC")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var automations []models.Automation
	if err := query.Find(&automations).Error; err != nil {
		return nil, err
	}
	return automations, nil
}

// Get 返回自动化详情（含规则、动作、触发器）
func (s *AutomationService) Get(ctx context.Context, id uint) (*models.Automation, error) {
	var automation models.Automation
	err := s.db.WithContext(ctx).
		Preload("Rules").
		Preload("Actions", func(db *gorm.DB) *gorm.DB { return db.Order("exec_order ASC, created_at ASC") }).
		Preload("Triggers").
		First(&automation, id).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrAutomationNotFound
		}
		return nil, err
	}
	return &automation, nil
}

var validAutomationStatuses = map[string]bool{
	models.AutomationStatusDraft:    true,
	models.AutomationStatusActive:   true,
	models.AutomationStatusInactive: true,
	models.AutomationStatusArchived: true,
}

// UpdateStatus 更新自动化状态。状态迁移不设状态机约束。
func (s *AutomationService) UpdateStatus(ctx context.Context, id uint, status string, actorID uint) error {
	if !validAutomationStatuses[status] {
		return fmt.Errorf("invalid status: %s", status)
	}
	result := s.db.WithContext(ctx).Model(&models.Automation{}).Where("id = ?", id).Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAutomationNotFound
	}
	if s.audit != nil {
		s.audit.Record(ctx, models.AuditEventUpdate, fmt.Sprintf("automation %d status -> %s", id, status), "automation", id, &actorID, nil)
	}
	return nil
}

// Delete 删除自动化并级联清理其规则、动作、触发器与执行记录
func (s *AutomationService) Delete(ctx context.Context, id uint, actorID uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var automation models.Automation
		if err := tx.First(&automation, id).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrAutomationNotFound
			}
			return err
		}
		if err := tx.Where("automation_id = ?", id).Delete(&models.AutomationRule{}).Error; err != nil {
			return err
		}
		if err := tx.Where("automation_id = ?", id).Delete(&models.AutomationAction{}).Error; err != nil {
			return err
		}
		if err := tx.Where("automation_id = ?", id).Delete(&models.AutomationTrigger{}).Error; err != nil {
			return err
		}
		if err := tx.Where("automation_id = ?", id).Delete(&models.AutomationExecution{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&automation).Error; err != nil {
			return err
		}
		if s.audit != nil {
			s.audit.Record(ctx, models.AuditEventDelete, fmt.Sprintf("automation %q deleted", automation.Name), "automation", id, &actorID, nil)
		}
		return nil
	})
}

// ListExecutions 返回某自动化的执行记录，新的在前
func (s *AutomationService) ListExecutions(ctx context.Context, automationID uint, limit int) ([]models.AutomationExecution, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var executions []models.AutomationExecution
	err := s.db.WithContext(ctx).
		Where("automation_id = ?", automationID).
		Order("started_at DESC").
		Limit(limit).
		Find(&executions).Error
	if err != nil {
		return nil, err
	}
	return executions, nil
}

// GetExecution 返回单条执行记录
func (s *AutomationService) GetExecution(ctx context.Context, id uint) (*models.AutomationExecution, error) {
	var execution models.AutomationExecution
	err := s.db.WithContext(ctx).First(&execution, id).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("execution not found")
		}
		return nil, err
	}
	return &execution, nil
}
