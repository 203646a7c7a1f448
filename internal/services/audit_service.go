package services

import (
	"context"

	"inspora/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AuditService 审计日志写入。写入失败只记日志，不影响业务流程。
type AuditService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewAuditService(db *gorm.DB, logger *logrus.Logger) *AuditService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AuditService{db: db, logger: logger}
}

// Record 写入一条审计记录
func (s *AuditService) Record(ctx context.Context, eventType, description, objectType string, objectID uint, userID *uint, details models.JSONMap) {
	entry := &models.AuditLog{
		EventType:   eventType,
		Severity:    "low",
		Description: description,
		Details:     details,
		UserID:      userID,
		ObjectType:  objectType,
		ObjectID:    objectID,
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		s.logger.Warnf("audit: record failed: %v", err)
	}
}

// List 按对象过滤返回审计日志
func (s *AuditService) List(ctx context.Context, objectType string, objectID uint, limit int) ([]models.AuditLog, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if objectType != "" {
		query = query.Where("object_type = ?", objectType)
	}
	if objectID != 0 {
		query = query.Where("object_id = ?", objectID)
	}
	var logs []models.AuditLog
	if err := query.Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}
