package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"inspora/internal/models"
	"inspora/pkg/webhook"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// 动作执行结果状态
const (
	ActionOutcomeSuccess   = "success"
	ActionOutcomeFailed    = "failed"
	ActionOutcomeCancelled = "cancelled"
)

// ActionOutcome 单个动作的执行结果
type ActionOutcome struct {
	ActionID uint   `json:"action_id"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// NotificationSink 接收 notify 动作产生的通知，投递由其自行负责
type NotificationSink interface {
	Notify(ctx context.Context, n *models.Notification) error
}

// WebhookCaller 执行 webhook 动作的出站调用
type WebhookCaller interface {
	Send(ctx context.Context, req *webhook.Request) error
}

// CustomActionHandler 由宿主注册的自定义动作处理器
type CustomActionHandler func(ctx context.Context, config models.JSONMap, event Event) error

// ActionExecutor dispatches one configured action to its handler, honoring
// the action's delay and fixed-interval retry policy. A failed action is
// logged and reported but never aborts the surrounding run.
type ActionExecutor struct {
	db       *gorm.DB
	logger   *logrus.Logger
	sink     NotificationSink
	webhooks WebhookCaller
	custom   map[string]CustomActionHandler
}

func NewActionExecutor(db *gorm.DB, logger *logrus.Logger, sink NotificationSink, webhooks WebhookCaller) *ActionExecutor {
	if logger == nil {
		logger = logrus.New()
	}
	return &ActionExecutor{
		db:       db,
		logger:   logger,
		sink:     sink,
		webhooks: webhooks,
		custom:   make(map[string]CustomActionHandler),
	}
}

// RegisterCustomHandler 注册 custom 动作处理器
func (e *ActionExecutor) RegisterCustomHandler(name string, handler CustomActionHandler) {
	e.custom[name] = handler
}

// Execute runs one action against the event context. Every attempt is
// appended to the execution log. The delay before execution and the waits
// between retries observe ctx so a run timeout cancels pending work
// without interrupting an attempt that is already underway.
func (e *ActionExecutor) Execute(ctx context.Context, action *models.AutomationAction, event Event, exec *models.AutomationExecution) ActionOutcome {
	outcome := ActionOutcome{ActionID: action.ID, Name: action.Name}

	if action.DelaySeconds > 0 {
		exec.AddLog("info", fmt.Sprintf("action %q delayed %ds", action.Name, action.DelaySeconds))
		if !waitFor(ctx, time.Duration(action.DelaySeconds)*time.Second) {
			exec.AddLog("warning", fmt.Sprintf("action %q cancelled while waiting for delay", action.Name))
			outcome.Status = ActionOutcomeCancelled
			return outcome
		}
	}

	maxAttempts := action.RetryCount + 1
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		outcome.Attempts = attempt
		err := e.dispatch(ctx, action, event)
		if err == nil {
			exec.AddLog("info", fmt.Sprintf("action %q (%s) succeeded on attempt %d", action.Name, action.ActionType, attempt))
			outcome.Status = ActionOutcomeSuccess
			return outcome
		}

		outcome.Error = err.Error()
		if attempt < maxAttempts {
			exec.AddLog("warning", fmt.Sprintf("action %q attempt %d failed: %v, retrying in %ds", action.Name, attempt, err, action.RetryDelay))
			if !waitFor(ctx, time.Duration(action.RetryDelay)*time.Second) {
				exec.AddLog("warning", fmt.Sprintf("action %q cancelled while waiting to retry", action.Name))
				outcome.Status = ActionOutcomeCancelled
				return outcome
			}
			continue
		}
		exec.AddLog("error", fmt.Sprintf("action %q failed after %d attempts: %v", action.Name, attempt, err))
	}

	outcome.Status = ActionOutcomeFailed
	return outcome
}

// waitFor sleeps for d unless ctx is done first. Returns false on cancellation.
func waitFor(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *ActionExecutor) dispatch(ctx context.Context, action *models.AutomationAction, event Event) error {
	switch action.ActionType {
	case models.ActionCreate:
		return e.executeCreate(ctx, action, event)
	case models.ActionUpdate, models.ActionMove:
		// move 即更新任务的归属字段
		return e.executeUpdate(ctx, action, event)
	case models.ActionDelete:
		return e.executeDelete(ctx, action, event)
	case models.ActionNotify:
		return e.executeNotify(ctx, action, event)
	case models.ActionAssign:
		return e.executeAssign(ctx, action, event)
	case models.ActionWebhook:
		return e.executeWebhook(ctx, action, event)
	case models.ActionCustom:
		return e.executeCustom(ctx, action, event)
	default:
		return fmt.Errorf("unsupported action type: %s", action.ActionType)
	}
}

// createActionConfig create 动作的配置
type createActionConfig struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Priority    string `json:"priority"`
	ProjectID   *uint  `json:"project_id"`
	AssigneeID  *uint  `json:"assignee_id"`
}

func (e *ActionExecutor) executeCreate(ctx context.Context, action *models.AutomationAction, event Event) error {
	var cfg createActionConfig
	if err := decodeConfig(action.ActionConfig, &cfg); err != nil {
		return err
	}
	if cfg.Title == "" {
		return fmt.Errorf("title param required")
	}
	task := &models.Task{
		Title:       cfg.Title,
		Description: cfg.Description,
		Status:      cfg.Status,
		Priority:    cfg.Priority,
		ProjectID:   cfg.ProjectID,
		AssigneeID:  cfg.AssigneeID,
		CreatedByID: action.CreatedByID,
	}
	if task.Status == "" {
		task.Status = "todo"
	}
	if task.Priority == "" {
		task.Priority = "medium"
	}
	return e.db.WithContext(ctx).Create(task).Error
}

// updateActionConfig update/move 动作的配置
type updateActionConfig struct {
	TaskID uint                   `json:"task_id"`
	Fields map[string]interface{} `json:"fields"`
}

var updatableTaskFields = map[string]bool{
	"title":       true,
	"description": true,
	"status":      true,
	"priority":    true,
	"project_id":  true,
	"assignee_id": true,
	"due_date":    true,
}

func (e *ActionExecutor) executeUpdate(ctx context.Context, action *models.AutomationAction, event Event) error {
	var cfg updateActionConfig
	if err := decodeConfig(action.ActionConfig, &cfg); err != nil {
		return err
	}
	taskID := cfg.TaskID
	if taskID == 0 {
		taskID = taskIDFromEvent(event)
	}
	if taskID == 0 {
		return fmt.Errorf("task_id required")
	}
	if len(cfg.Fields) == 0 {
		return fmt.Errorf("fields param required")
	}
	updates := map[string]interface{}{}
	for field, value := range cfg.Fields {
		if updatableTaskFields[field] {
			updates[field] = value
		}
	}
	if len(updates) == 0 {
		return fmt.Errorf("no updatable fields in config")
	}
	result := e.db.WithContext(ctx).Model(&models.Task{}).Where("id = ?", taskID).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("task %d not found", taskID)
	}
	return nil
}

func (e *ActionExecutor) executeDelete(ctx context.Context, action *models.AutomationAction, event Event) error {
	var cfg updateActionConfig
	if err := decodeConfig(action.ActionConfig, &cfg); err != nil {
		return err
	}
	taskID := cfg.TaskID
	if taskID == 0 {
		taskID = taskIDFromEvent(event)
	}
	if taskID == 0 {
		return fmt.Errorf("task_id required")
	}
	result := e.db.WithContext(ctx).Delete(&models.Task{}, taskID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("task %d not found", taskID)
	}
	return nil
}

// notifyActionConfig notify 动作的配置
type notifyActionConfig struct {
	Title       string `json:"title"`
	Message     string `json:"message"`
	Type        string `json:"type"`
	Priority    string `json:"priority"`
	RecipientID uint   `json:"recipient_id"`
	ActionURL   string `json:"action_url"`
}

func (e *ActionExecutor) executeNotify(ctx context.Context, action *models.AutomationAction, event Event) error {
	if e.sink == nil {
		return fmt.Errorf("notification sink not configured")
	}
	var cfg notifyActionConfig
	if err := decodeConfig(action.ActionConfig, &cfg); err != nil {
		return err
	}
	if cfg.Message == "" {
		return fmt.Errorf("message param required")
	}
	if cfg.RecipientID == 0 {
		return fmt.Errorf("recipient_id param required")
	}
	n := &models.Notification{
		Title:            cfg.Title,
		Message:          cfg.Message,
		NotificationType: cfg.Type,
		Priority:         cfg.Priority,
		RecipientID:      cfg.RecipientID,
		ActionURL:        cfg.ActionURL,
		Data:             models.JSONMap(event),
	}
	if n.Title == "" {
		n.Title = action.Name
	}
	if n.NotificationType == "" {
		n.NotificationType = models.NotificationSystem
	}
	if n.Priority == "" {
		n.Priority = "normal"
	}
	return e.sink.Notify(ctx, n)
}

// assignActionConfig assign 动作的配置
type assignActionConfig struct {
	TaskID     uint `json:"task_id"`
	AssigneeID uint `json:"assignee_id"`
}

func (e *ActionExecutor) executeAssign(ctx context.Context, action *models.AutomationAction, event Event) error {
	var cfg assignActionConfig
	if err := decodeConfig(action.ActionConfig, &cfg); err != nil {
		return err
	}
	if cfg.AssigneeID == 0 {
		return fmt.Errorf("assignee_id param required")
	}
	taskID := cfg.TaskID
	if taskID == 0 {
		taskID = taskIDFromEvent(event)
	}
	if taskID == 0 {
		return fmt.Errorf("task_id required")
	}
	result := e.db.WithContext(ctx).Model(&models.Task{}).
		Where("id = ?", taskID).
		Update("assignee_id", cfg.AssigneeID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("task %d not found", taskID)
	}
	return nil
}

// webhookActionConfig webhook 动作的配置
type webhookActionConfig struct {
	URL     string                 `json:"url"`
	Method  string                 `json:"method"`
	Headers map[string]string      `json:"headers"`
	Payload map[string]interface{} `json:"payload"`
}

func (e *ActionExecutor) executeWebhook(ctx context.Context, action *models.AutomationAction, event Event) error {
	if e.webhooks == nil {
		return fmt.Errorf("webhook caller not configured")
	}
	var cfg webhookActionConfig
	if err := decodeConfig(action.ActionConfig, &cfg); err != nil {
		return err
	}
	if cfg.URL == "" {
		return fmt.Errorf("url param required")
	}
	payload := map[string]interface{}{}
	for k, v := range event {
		payload[k] = v
	}
	for k, v := range cfg.Payload {
		payload[k] = v
	}
	return e.webhooks.Send(ctx, &webhook.Request{
		URL:     cfg.URL,
		Method:  cfg.Method,
		Headers: cfg.Headers,
		Payload: payload,
	})
}

func (e *ActionExecutor) executeCustom(ctx context.Context, action *models.AutomationAction, event Event) error {
	name, _ := action.ActionConfig["handler"].(string)
	if name == "" {
		return fmt.Errorf("handler param required")
	}
	handler, ok := e.custom[name]
	if !ok {
		return fmt.Errorf("no custom handler registered: %s", name)
	}
	return handler(ctx, action.ActionConfig, event)
}

// decodeConfig 将无模式的 JSONMap 解码为动作类型对应的窄结构
func decodeConfig(cfg models.JSONMap, out interface{}) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("invalid action config: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("invalid action config: %w", err)
	}
	return nil
}

func taskIDFromEvent(event Event) uint {
	if raw, ok := event["task_id"]; ok {
		if f, ok := toFloat(raw); ok && f > 0 {
			return uint(f)
		}
	}
	return 0
}
