package models

import "time"

// 通知类型
const (
	NotificationTaskAssigned  = "task_assigned"
	NotificationTaskCompleted = "task_completed"
	NotificationTaskOverdue   = "task_overdue"
	NotificationProjectUpdate = "project_update"
	NotificationReminder      = "reminder"
	NotificationSystem        = "system"
	NotificationCustom        = "custom"
)

// Notification 单条通知记录，notify 动作的持久化落点
type Notification struct {
	ID               uint   `gorm:"primaryKey" json:"id"`
	Title            string `gorm:"not null" json:"title"`
	Message          string `gorm:"type:text" json:"message"`
	NotificationType string `gorm:"default:'custom'" json:"notification_type"`
	Priority         string `gorm:"default:'normal'" json:"priority"` // low, normal, high, urgent

	IsRead   bool `gorm:"default:false;index" json:"is_read"`
	IsSent   bool `gorm:"default:false" json:"is_sent"`

	Data      JSONMap `gorm:"type:text" json:"data"`
	ActionURL string  `json:"action_url"`

	RecipientID uint  `gorm:"index" json:"recipient_id"`
	SenderID    *uint `gorm:"index" json:"sender_id"`

	CreatedAt time.Time  `json:"created_at"`
	ReadAt    *time.Time `json:"read_at"`
	SentAt    *time.Time `json:"sent_at"`

	Recipient User  `gorm:"foreignKey:RecipientID" json:"recipient,omitempty"`
	Sender    *User `gorm:"foreignKey:SenderID" json:"sender,omitempty"`
}

// MarkRead 置为已读并记录时间
func (n *Notification) MarkRead() {
	if n.IsRead {
		return
	}
	now := time.Now().UTC()
	n.IsRead = true
	n.ReadAt = &now
}
