package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"taskboard/internal/automation"
	"taskboard/internal/models"
)

// RealtimePublisher 向房间推送实时事件
type RealtimePublisher interface {
	Publish(ctx context.Context, room, msgType string, data interface{})
}

// NotificationService 站内通知：落库、实时推送、外部推送队列
type NotificationService struct {
	db        *gorm.DB
	realtime  RealtimePublisher
	publisher NotificationPublisher
	logger    *logrus.Logger
}

func NewNotificationService(db *gorm.DB, realtime RealtimePublisher, publisher NotificationPublisher, logger *logrus.Logger) *NotificationService {
	if logger == nil {
		logger = logrus.New()
	}
	return &NotificationService{db: db, realtime: realtime, publisher: publisher, logger: logger}
}

var _ automation.Notifier = (*NotificationService)(nil)

// Notify 保存通知。实时推送与队列投递失败只记录日志。
func (s *NotificationService) Notify(ctx context.Context, userID, title, message string, data map[string]interface{}) error {
	n := &models.Notification{UserID: userID, Title: title, Message: message}
	if len(data) > 0 {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to encode notification data: %w", err)
		}
		n.Data = string(raw)
	}
	if err := s.db.WithContext(ctx).Create(n).Error; err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}

	if s.realtime != nil {
		s.realtime.Publish(ctx, UserRoom(userID), "notification", n)
	}
	if s.publisher != nil {
		event := NotificationEvent{
			NotificationID: n.ID,
			UserID:         userID,
			Title:          title,
			Message:        message,
			Data:           data,
			CreatedAt:      n.CreatedAt,
		}
		if err := s.publisher.PublishNotification(ctx, event); err != nil {
			s.logger.WithField("user_id", userID).Warnf("notification push failed: %v", err)
		}
	}
	return nil
}

// ListNotifications 用户通知，最新在前
func (s *NotificationService) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if unreadOnly {
		q = q.Where("is_read = ?", false)
	}
	var out []models.Notification
	if err := q.Order("created_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return out, nil
}

// MarkRead 标记已读
func (s *NotificationService) MarkRead(ctx context.Context, userID, id string) error {
	res := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ? AND user_id = ?", id, userID).Update("is_read", true)
	if res.Error != nil {
		return fmt.Errorf("failed to mark notification read: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var n int64
		s.db.WithContext(ctx).Model(&models.Notification{}).Where("id = ? AND user_id = ?", id, userID).Count(&n)
		if n == 0 {
			return fmt.Errorf("notification %s: %w", id, automation.ErrEntityNotFound)
		}
	}
	return nil
}
