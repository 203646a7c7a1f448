package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// 自动化状态
const (
	AutomationStatusDraft    = "draft"
	AutomationStatusActive   = "active"
	AutomationStatusInactive = "inactive"
	AutomationStatusArchived = "archived"
)

// 执行记录状态
const (
	ExecutionStatusPending   = "pending"
	ExecutionStatusRunning   = "running"
	ExecutionStatusCompleted = "completed"
	ExecutionStatusFailed    = "failed"
	ExecutionStatusCancelled = "cancelled"
)

// 触发器类型
const (
	TriggerOnCreate       = "on_create"
	TriggerOnUpdate       = "on_update"
	TriggerOnDelete       = "on_delete"
	TriggerOnStatusChange = "on_status_change"
	TriggerOnFieldChange  = "on_field_change"
	TriggerOnSchedule     = "on_schedule"
	TriggerOnWebhook      = "on_webhook"
	TriggerManual         = "manual"
)

// 动作类型
const (
	ActionCreate  = "create"
	ActionUpdate  = "update"
	ActionDelete  = "delete"
	ActionNotify  = "notify"
	ActionAssign  = "assign"
	ActionMove    = "move"
	ActionWebhook = "webhook"
	ActionCustom  = "custom"
)

// ErrExecutionTerminal 终态执行记录不可再次进入 running
var ErrExecutionTerminal = errors.New("execution already in terminal state")

// JSONMap 以 JSON 文本存储的无模式配置字段
type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("unsupported type for JSONMap: %T", value)
	}
}

// RuleCondition 规则中的单个条件项
type RuleCondition struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value"`
}

// RuleConditions 条件列表，按 JSON 存储
type RuleConditions []RuleCondition

func (c RuleConditions) Value() (driver.Value, error) {
	if c == nil {
		return "[]", nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (c *RuleConditions) Scan(value interface{}) error {
	if value == nil {
		*c = RuleConditions{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	default:
		return fmt.Errorf("unsupported type for RuleConditions: %T", value)
	}
}

// LogEntry 执行日志中的一条记录
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"` // info, warning, error
	Message   string    `json:"message"`
}

// ExecutionLog 执行日志，仅追加，随执行记录持久化
type ExecutionLog []LogEntry

func (l ExecutionLog) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (l *ExecutionLog) Scan(value interface{}) error {
	if value == nil {
		*l = ExecutionLog{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("unsupported type for ExecutionLog: %T", value)
	}
}

// Automation 自动化主模型：绑定触发器、规则与动作
type Automation struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Name        string `gorm:"not null" json:"name"`
	Description string `gorm:"type:text" json:"description"`
	Status      string `gorm:"default:'draft';index" json:"status"`    // draft, active, inactive, archived
	Priority    string `gorm:"default:'medium'" json:"priority"`       // low, medium, high, critical

	IsActive           bool `gorm:"default:true" json:"is_active"`
	IsTemplate         bool `gorm:"default:false" json:"is_template"`
	AllowManualTrigger bool `gorm:"default:false" json:"allow_manual_trigger"`

	// 执行行为控制
	MaxExecutionsPerHour int `gorm:"default:100" json:"max_executions_per_hour"`
	ExecutionTimeout     int `gorm:"default:300" json:"execution_timeout"` // 秒

	CreatedByID uint  `gorm:"index" json:"created_by_id"`
	TeamID      *uint `gorm:"index" json:"team_id"`

	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	LastExecuted   *time.Time     `json:"last_executed"`
	ExecutionCount int64          `gorm:"default:0" json:"execution_count"` // 只增不减
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`

	// 关联关系：自动化独占其规则、动作、触发器和执行记录
	Rules      []AutomationRule      `gorm:"foreignKey:AutomationID;constraint:OnDelete:CASCADE" json:"rules,omitempty"`
	Actions    []AutomationAction    `gorm:"foreignKey:AutomationID;constraint:OnDelete:CASCADE" json:"actions,omitempty"`
	Triggers   []AutomationTrigger   `gorm:"foreignKey:AutomationID;constraint:OnDelete:CASCADE" json:"triggers,omitempty"`
	Executions []AutomationExecution `gorm:"foreignKey:AutomationID;constraint:OnDelete:CASCADE" json:"executions,omitempty"`
}

// AutomationRule 决定动作是否应当运行的条件集合
type AutomationRule struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	Name     string `gorm:"not null" json:"name"`
	RuleType string `gorm:"default:'event'" json:"rule_type"` // event, condition, schedule, webhook, manual

	RuleConfig JSONMap `gorm:"type:text" json:"rule_config"`
	IsActive   bool    `gorm:"default:true" json:"is_active"`

	Conditions RuleConditions `gorm:"type:text" json:"conditions"`
	Operator   string         `gorm:"default:'AND'" json:"operator"` // AND, OR

	AutomationID uint `gorm:"index;not null" json:"automation_id"`
	CreatedByID  uint `json:"created_by_id"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AutomationAction 规则通过后按序执行的单个动作
type AutomationAction struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	Name       string `gorm:"not null" json:"name"`
	ActionType string `gorm:"default:'notify'" json:"action_type"` // create, update, delete, notify, assign, move, webhook, custom

	ActionConfig JSONMap `gorm:"type:text" json:"action_config"`
	IsActive     bool    `gorm:"default:true" json:"is_active"`

	// 执行顺序与重试策略
	Order        int `gorm:"column:exec_order;default:0;index" json:"order"`
	DelaySeconds int `gorm:"default:0" json:"delay_seconds"`
	RetryCount   int `gorm:"default:0" json:"retry_count"`
	RetryDelay   int `gorm:"default:60" json:"retry_delay"` // 秒

	AutomationID uint `gorm:"index;not null" json:"automation_id"`
	CreatedByID  uint `json:"created_by_id"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AutomationTrigger 决定自动化是否被纳入考虑的事件入口
type AutomationTrigger struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Name        string `gorm:"not null" json:"name"`
	TriggerType string `gorm:"default:'on_create';index" json:"trigger_type"`

	TriggerConfig JSONMap `gorm:"type:text" json:"trigger_config"`
	IsActive      bool    `gorm:"default:true" json:"is_active"`

	// 监控目标
	ModelName  string `json:"model_name"`
	FieldName  string `json:"field_name"`
	FieldValue string `gorm:"type:text" json:"field_value"`

	// 定时触发配置，由外部调度器消费
	ScheduleCron string `json:"schedule_cron"`
	Timezone     string `gorm:"default:'UTC'" json:"timezone"`

	AutomationID uint `gorm:"index;not null" json:"automation_id"`
	CreatedByID  uint `json:"created_by_id"`

	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastTriggered *time.Time `json:"last_triggered"`
	TriggerCount  int64      `gorm:"default:0" json:"trigger_count"`
}

// AutomationExecution 一次引擎运行的记录
type AutomationExecution struct {
	ID     uint   `gorm:"primaryKey" json:"id"`
	Status string `gorm:"default:'pending';index" json:"status"` // pending, running, completed, failed, cancelled

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`

	ExecutionTime *float64     `json:"execution_time"` // 秒，completed_at - started_at
	ErrorMessage  string       `gorm:"type:text" json:"error_message"`
	Log           ExecutionLog `gorm:"column:execution_log;type:text" json:"execution_log"`

	AutomationID  uint  `gorm:"index;not null" json:"automation_id"`
	TriggeredByID *uint `gorm:"index" json:"triggered_by_id"`

	TriggerContext JSONMap `gorm:"type:text" json:"trigger_context"`
}

// IsTerminal 是否已到达终态
func (e *AutomationExecution) IsTerminal() bool {
	switch e.Status {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// AddLog 追加一条执行日志。终态后不再接受追加。
func (e *AutomationExecution) AddLog(level, message string) {
	if e.IsTerminal() {
		return
	}
	e.Log = append(e.Log, LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
	})
}

// Finish 将执行记录置为终态并计算耗时。重复置终态返回 ErrExecutionTerminal。
func (e *AutomationExecution) Finish(status, errorMessage string) error {
	if e.IsTerminal() {
		return ErrExecutionTerminal
	}
	switch status {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
	default:
		return fmt.Errorf("invalid terminal status: %s", status)
	}
	now := time.Now().UTC()
	e.Status = status
	e.CompletedAt = &now
	e.ErrorMessage = errorMessage
	if !e.StartedAt.IsZero() {
		secs := now.Sub(e.StartedAt).Seconds()
		e.ExecutionTime = &secs
	}
	return nil
}
