package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/crm-realtime-api/internal/models"
)

// NotificationFilter narrows a recipient's notification listing.
type NotificationFilter struct {
	Limit      int
	Offset     int
	UnreadOnly bool
}

// NotificationRepository handles persistence for notification entities.
type NotificationRepository interface {
	Create(ctx context.Context, notification *models.Notification) error
	ListByRecipient(ctx context.Context, recipientID uint, filter NotificationFilter) ([]models.Notification, error)
	FindByID(ctx context.Context, id uint) (models.Notification, error)
	MarkRead(ctx context.Context, id, recipientID uint, at time.Time) (models.Notification, error)
	MarkAllRead(ctx context.Context, recipientID uint, at time.Time) (int64, error)
	MarkSubjectRead(ctx context.Context, recipientID uint, subjectType string, subjectID uint, at time.Time) (int64, error)
	SoftDelete(ctx context.Context, id, recipientID uint) error
	CountUnread(ctx context.Context, recipientID uint) (int64, error)
}

type notificationRepository struct {
	db *gorm.DB
}

// NewNotificationRepository constructs a repository backed by GORM.
func NewNotificationRepository(db *gorm.DB) NotificationRepository {
	return &notificationRepository{db: db}
}

func (r *notificationRepository) Create(ctx context.Context, notification *models.Notification) error {
	return r.db.WithContext(ctx).Create(notification).Error
}

func (r *notificationRepository) visible(ctx context.Context, recipientID uint) *gorm.DB {
	return r.db.WithContext(ctx).Model(&models.Notification{}).
		Where("recipient_id = ? AND is_deleted = ?", recipientID, false)
}

func (r *notificationRepository) ListByRecipient(ctx context.Context, recipientID uint, filter NotificationFilter) ([]models.Notification, error) {
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := r.visible(ctx, recipientID)
	if filter.UnreadOnly {
		query = query.Where("is_read = ?", false)
	}

	var notifications []models.Notification
	if err := query.
		Order("created_at DESC, id DESC").
		Offset(offset).
		Limit(clampLimit(filter.Limit)).
		Find(&notifications).Error; err != nil {
		return nil, err
	}

	return notifications, nil
}

func (r *notificationRepository) FindByID(ctx context.Context, id uint) (models.Notification, error) {
	var notification models.Notification
	if err := r.db.WithContext(ctx).Where("is_deleted = ?", false).First(&notification, id).Error; err != nil {
		return models.Notification{}, err
	}
	return notification, nil
}

func (r *notificationRepository) MarkRead(ctx context.Context, id, recipientID uint, at time.Time) (models.Notification, error) {
	var notification models.Notification
	if err := r.visible(ctx, recipientID).Where("id = ?", id).First(&notification).Error; err != nil {
		return models.Notification{}, err
	}

	if notification.IsRead {
		return notification, nil
	}

	if err := r.db.WithContext(ctx).Model(&notification).
		Updates(map[string]interface{}{"is_read": true, "read_at": at}).Error; err != nil {
		return models.Notification{}, err
	}
	notification.IsRead = true
	notification.ReadAt = &at

	return notification, nil
}

func (r *notificationRepository) MarkAllRead(ctx context.Context, recipientID uint, at time.Time) (int64, error) {
	result := r.visible(ctx, recipientID).
		Where("is_read = ?", false).
		Updates(map[string]interface{}{"is_read": true, "read_at": at})
	return result.RowsAffected, result.Error
}

// MarkSubjectRead clears the unread notifications raised for one conversation or group.
func (r *notificationRepository) MarkSubjectRead(ctx context.Context, recipientID uint, subjectType string, subjectID uint, at time.Time) (int64, error) {
	result := r.visible(ctx, recipientID).
		Where("subject_type = ? AND subject_id = ? AND is_read = ?", subjectType, subjectID, false).
		Updates(map[string]interface{}{"is_read": true, "read_at": at})
	return result.RowsAffected, result.Error
}

func (r *notificationRepository) SoftDelete(ctx context.Context, id, recipientID uint) error {
	result := r.visible(ctx, recipientID).Where("id = ?", id).Update("is_deleted", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *notificationRepository) CountUnread(ctx context.Context, recipientID uint) (int64, error) {
	var total int64
	err := r.visible(ctx, recipientID).Where("is_read = ?", false).Count(&total).Error
	return total, err
}
