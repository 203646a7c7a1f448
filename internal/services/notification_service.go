package services

import (
	"context"
	"fmt"
	"time"

	"inspora/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// NotificationService persists notifications and fans them out over the
// websocket hub. It is the NotificationSink used by notify actions;
// channel delivery beyond the hub is out of the engine's hands.
type NotificationService struct {
	db     *gorm.DB
	logger *logrus.Logger
	hub    *WebSocketHub
}

func NewNotificationService(db *gorm.DB, logger *logrus.Logger, hub *WebSocketHub) *NotificationService {
	if logger == nil {
		logger = logrus.New()
	}
	return &NotificationService{db: db, logger: logger, hub: hub}
}

// Notify 落库并推送一条通知
func (s *NotificationService) Notify(ctx context.Context, n *models.Notification) error {
	if n == nil {
		return fmt.Errorf("notification required")
	}
	now := time.Now().UTC()
	n.IsSent = true
	n.SentAt = &now
	if err := s.db.WithContext(ctx).Create(n).Error; err != nil {
		return fmt.Errorf("persist notification: %w", err)
	}

	if s.hub != nil {
		s.hub.SendToUser(n.RecipientID, WebSocketMessage{
			Type:      "notification",
			Data:      n,
			Timestamp: now,
		})
	}
	s.logger.Debugf("notification %d sent to user %d", n.ID, n.RecipientID)
	return nil
}

// ListForUser 返回用户的通知，未读在前
func (s *NotificationService) ListForUser(ctx context.Context, userID uint, unreadOnly bool) ([]models.Notification, error) {
	query := s.db.WithContext(ctx).Where("recipient_id = ?", userID)
	if unreadOnly {
		query = query.Where("is_read = ?", false)
	}
	var notifications []models.Notification
	if err := query.Order("created_at DESC").Find(&notifications).Error; err != nil {
		return nil, err
	}
	return notifications, nil
}

// MarkRead 将通知置为已读
func (s *NotificationService) MarkRead(ctx context.Context, id uint, userID uint) error {
	var n models.Notification
	err := s.db.WithContext(ctx).Where("id = ? AND recipient_id = ?", id, userID).First(&n).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return fmt.Errorf("notification not found")
		}
		return err
	}
	if n.IsRead {
		return nil
	}
	n.MarkRead()
	return s.db.WithContext(ctx).Model(&n).Updates(map[string]interface{}{
		"is_read": true,
		"read_at": n.ReadAt,
	}).Error
}
