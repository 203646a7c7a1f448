package models

import "time"

// 审计事件类型
const (
	AuditEventCreate = "create"
	AuditEventUpdate = "update"
	AuditEventDelete = "delete"
	AuditEventSystem = "system"
	AuditEventCustom = "custom"
)

// AuditLog 审计日志：记录自动化配置变更与引擎运行
type AuditLog struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	EventType string `gorm:"default:'custom';index" json:"event_type"`
	Severity  string `gorm:"default:'low'" json:"severity"` // low, medium, high, critical

	Description string  `gorm:"type:text" json:"description"`
	Details     JSONMap `gorm:"type:text" json:"details"`

	UserID     *uint  `gorm:"index" json:"user_id"`
	ObjectType string `gorm:"index" json:"object_type"`
	ObjectID   uint   `gorm:"index" json:"object_id"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`

	User *User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}
