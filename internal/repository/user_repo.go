package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/crm-realtime-api/internal/models"
)

// UserRepository reads user records and writes their presence columns.
type UserRepository interface {
	FindByID(ctx context.Context, id uint) (models.User, error)
	FindByIDs(ctx context.Context, ids []uint) ([]models.User, error)
	ListByOrganization(ctx context.Context, organizationID uint) ([]models.User, error)
	MarkOnline(ctx context.Context, userID uint, at time.Time) (bool, error)
	MarkOffline(ctx context.Context, userID uint, at time.Time) (bool, error)
	MarkOfflineIfStale(ctx context.Context, userID uint, cutoff, at time.Time) (bool, error)
	ListStaleOnline(ctx context.Context, cutoff time.Time) ([]models.User, error)
}

type userRepository struct {
	db *gorm.DB
}

// NewUserRepository constructs a user repository backed by GORM.
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) FindByID(ctx context.Context, id uint) (models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (r *userRepository) FindByIDs(ctx context.Context, ids []uint) ([]models.User, error) {
	if len(ids) == 0 {
		return []models.User{}, nil
	}

	var users []models.User
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Order("id ASC").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

func (r *userRepository) ListByOrganization(ctx context.Context, organizationID uint) ([]models.User, error) {
	var users []models.User
	if err := r.db.WithContext(ctx).
		Where("organization_id = ? AND is_active = ?", organizationID, true).
		Order("name ASC, id ASC").
		Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

// MarkOnline flips an offline user online and reports the transition. For a user that is
// already online it only refreshes the presence timestamp. Writes older than the stored
// timestamp are ignored.
func (r *userRepository) MarkOnline(ctx context.Context, userID uint, at time.Time) (bool, error) {
	fields := map[string]interface{}{
		"is_online":           true,
		"last_seen":           at,
		"presence_updated_at": at,
	}

	result := r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND is_online = ?", userID, false).
		Where("presence_updated_at IS NULL OR presence_updated_at <= ?", at).
		Updates(fields)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	refresh := r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND is_online = ?", userID, true).
		Where("presence_updated_at IS NULL OR presence_updated_at <= ?", at).
		Updates(map[string]interface{}{"last_seen": at, "presence_updated_at": at})
	return false, refresh.Error
}

// MarkOffline flips an online user offline unless a newer presence write already happened.
func (r *userRepository) MarkOffline(ctx context.Context, userID uint, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND is_online = ?", userID, true).
		Where("presence_updated_at IS NULL OR presence_updated_at <= ?", at).
		Updates(map[string]interface{}{
			"is_online":           false,
			"last_seen":           at,
			"presence_updated_at": at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// MarkOfflineIfStale flips a user offline only while their presence timestamp is still older than cutoff,
// so a heartbeat that lands between the sweep's read and write wins.
func (r *userRepository) MarkOfflineIfStale(ctx context.Context, userID uint, cutoff, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND is_online = ?", userID, true).
		Where("presence_updated_at IS NULL OR presence_updated_at < ?", cutoff).
		Updates(map[string]interface{}{
			"is_online":           false,
			"presence_updated_at": at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *userRepository) ListStaleOnline(ctx context.Context, cutoff time.Time) ([]models.User, error) {
	var users []models.User
	if err := r.db.WithContext(ctx).
		Where("is_online = ?", true).
		Where("presence_updated_at IS NULL OR presence_updated_at < ?", cutoff).
		Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}
