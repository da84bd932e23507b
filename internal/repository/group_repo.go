package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/crm-realtime-api/internal/models"
)

// GroupRepository persists group chats, their membership and their messages.
type GroupRepository interface {
	Create(ctx context.Context, group *models.GroupChat, participantIDs []uint) error
	FindByID(ctx context.Context, id uint) (models.GroupChat, error)
	ListForUser(ctx context.Context, userID uint) ([]models.GroupChat, error)
	FindParticipant(ctx context.Context, groupID, userID uint) (models.GroupParticipant, error)
	AddParticipants(ctx context.Context, groupID uint, userIDs []uint, at time.Time) ([]uint, error)
	RemoveParticipant(ctx context.Context, groupID, userID uint, at time.Time) error
	TransferAdmin(ctx context.Context, groupID, userID uint) error
	Deactivate(ctx context.Context, groupID uint) error
	CreateMessage(ctx context.Context, message *models.GroupMessage, attachments []models.MessageAttachment) error
	FindMessage(ctx context.Context, id uint) (models.GroupMessage, error)
	ListMessages(ctx context.Context, groupID uint, before time.Time, limit int) ([]models.GroupMessage, error)
	TombstoneMessage(ctx context.Context, id uint) (models.GroupMessage, error)
	AdvanceReadWatermark(ctx context.Context, groupID, userID uint, at time.Time) (bool, error)
	CountUnread(ctx context.Context, groupID, userID uint) (int64, error)
	LatestUnreadAt(ctx context.Context, groupID, userID uint) (time.Time, error)
	UnreadByGroup(ctx context.Context, userID uint) (map[uint]int64, error)
}

type groupRepository struct {
	db *gorm.DB
}

// NewGroupRepository constructs a group repository backed by GORM.
func NewGroupRepository(db *gorm.DB) GroupRepository {
	return &groupRepository{db: db}
}

// Create inserts the group and one membership row per distinct participant. The read watermark of
// each member starts at the join time.
func (r *groupRepository) Create(ctx context.Context, group *models.GroupChat, participantIDs []uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		group.IsActive = true
		if err := tx.Omit(clause.Associations).Create(group).Error; err != nil {
			return err
		}

		joined := group.CreatedAt
		participants := make([]models.GroupParticipant, 0, len(participantIDs))
		seen := make(map[uint]struct{}, len(participantIDs))
		for _, userID := range participantIDs {
			if _, dup := seen[userID]; dup || userID == 0 {
				continue
			}
			seen[userID] = struct{}{}
			participants = append(participants, models.GroupParticipant{
				GroupChatID: group.ID,
				UserID:      userID,
				JoinedAt:    joined,
				LastReadAt:  &joined,
			})
		}
		if len(participants) > 0 {
			if err := tx.Omit(clause.Associations).Create(&participants).Error; err != nil {
				return err
			}
		}
		group.Participants = participants
		return nil
	})
}

func (r *groupRepository) FindByID(ctx context.Context, id uint) (models.GroupChat, error) {
	var group models.GroupChat
	if err := r.db.WithContext(ctx).Preload("Participants.User").First(&group, id).Error; err != nil {
		return models.GroupChat{}, err
	}
	return group, nil
}

func (r *groupRepository) ListForUser(ctx context.Context, userID uint) ([]models.GroupChat, error) {
	membership := r.db.Model(&models.GroupParticipant{}).
		Select("group_chat_id").
		Where("user_id = ? AND removed_at IS NULL", userID)

	var groups []models.GroupChat
	if err := r.db.WithContext(ctx).
		Preload("Participants.User").
		Where("is_active = ?", true).
		Where("id IN (?)", membership).
		Order("COALESCE(last_message_at, created_at) DESC").
		Find(&groups).Error; err != nil {
		return nil, err
	}
	return groups, nil
}

func (r *groupRepository) FindParticipant(ctx context.Context, groupID, userID uint) (models.GroupParticipant, error) {
	var participant models.GroupParticipant
	if err := r.db.WithContext(ctx).
		Where("group_chat_id = ? AND user_id = ?", groupID, userID).
		First(&participant).Error; err != nil {
		return models.GroupParticipant{}, err
	}
	return participant, nil
}

// AddParticipants inserts new members and re-activates removed ones. It returns the ids whose
// membership actually changed.
func (r *groupRepository) AddParticipants(ctx context.Context, groupID uint, userIDs []uint, at time.Time) ([]uint, error) {
	added := make([]uint, 0, len(userIDs))
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []models.GroupParticipant
		if err := tx.Where("group_chat_id = ? AND user_id IN ?", groupID, userIDs).Find(&existing).Error; err != nil {
			return err
		}
		byUser := make(map[uint]models.GroupParticipant, len(existing))
		for _, participant := range existing {
			byUser[participant.UserID] = participant
		}

		seen := make(map[uint]struct{}, len(userIDs))
		for _, userID := range userIDs {
			if _, dup := seen[userID]; dup || userID == 0 {
				continue
			}
			seen[userID] = struct{}{}

			participant, ok := byUser[userID]
			switch {
			case !ok:
				row := models.GroupParticipant{GroupChatID: groupID, UserID: userID, JoinedAt: at, LastReadAt: &at}
				if err := tx.Omit(clause.Associations).Create(&row).Error; err != nil {
					return err
				}
			case !participant.Active():
				if err := tx.Model(&models.GroupParticipant{}).
					Where("id = ?", participant.ID).
					Updates(map[string]interface{}{"removed_at": nil, "joined_at": at, "last_read_at": at}).Error; err != nil {
					return err
				}
			default:
				continue
			}
			added = append(added, userID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

func (r *groupRepository) RemoveParticipant(ctx context.Context, groupID, userID uint, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.GroupParticipant{}).
		Where("group_chat_id = ? AND user_id = ? AND removed_at IS NULL", groupID, userID).
		Update("removed_at", at)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *groupRepository) TransferAdmin(ctx context.Context, groupID, userID uint) error {
	return r.db.WithContext(ctx).Model(&models.GroupChat{}).
		Where("id = ?", groupID).
		Update("admin_id", userID).Error
}

func (r *groupRepository) Deactivate(ctx context.Context, groupID uint) error {
	return r.db.WithContext(ctx).Model(&models.GroupChat{}).
		Where("id = ?", groupID).
		Update("is_active", false).Error
}

// CreateMessage stores the message, its attachments and the group's lastMessageAt in one transaction.
func (r *groupRepository) CreateMessage(ctx context.Context, message *models.GroupMessage, attachments []models.MessageAttachment) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(message).Error; err != nil {
			return err
		}

		if len(attachments) > 0 {
			for i := range attachments {
				attachments[i].GroupMessageID = &message.ID
				attachments[i].DirectMessageID = nil
			}
			if err := tx.Create(&attachments).Error; err != nil {
				return err
			}
		}
		message.Attachments = attachments

		return tx.Model(&models.GroupChat{}).
			Where("id = ?", message.GroupChatID).
			Update("last_message_at", message.CreatedAt).Error
	})
}

func (r *groupRepository) FindMessage(ctx context.Context, id uint) (models.GroupMessage, error) {
	var message models.GroupMessage
	if err := r.db.WithContext(ctx).Preload("Sender").Preload("Attachments").First(&message, id).Error; err != nil {
		return models.GroupMessage{}, err
	}
	return message, nil
}

func (r *groupRepository) ListMessages(ctx context.Context, groupID uint, before time.Time, limit int) ([]models.GroupMessage, error) {
	query := r.db.WithContext(ctx).
		Preload("Sender").
		Preload("Attachments").
		Where("group_chat_id = ?", groupID)
	if !before.IsZero() {
		query = query.Where("created_at < ?", before)
	}

	var messages []models.GroupMessage
	if err := query.Order("created_at DESC, id DESC").Limit(clampLimit(limit)).Find(&messages).Error; err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (r *groupRepository) TombstoneMessage(ctx context.Context, id uint) (models.GroupMessage, error) {
	result := r.db.WithContext(ctx).Model(&models.GroupMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"content": models.DeletedMessageContent, "is_deleted": true})
	if result.Error != nil {
		return models.GroupMessage{}, result.Error
	}
	if result.RowsAffected == 0 {
		return models.GroupMessage{}, gorm.ErrRecordNotFound
	}
	return r.FindMessage(ctx, id)
}

// AdvanceReadWatermark moves the member's lastReadAt forward; it never moves backwards.
func (r *groupRepository) AdvanceReadWatermark(ctx context.Context, groupID, userID uint, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.GroupParticipant{}).
		Where("group_chat_id = ? AND user_id = ? AND removed_at IS NULL", groupID, userID).
		Where("last_read_at IS NULL OR last_read_at < ?", at).
		Update("last_read_at", at)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *groupRepository) CountUnread(ctx context.Context, groupID, userID uint) (int64, error) {
	counts, err := r.unread(ctx, userID, groupID)
	if err != nil {
		return 0, err
	}
	return counts[groupID], nil
}

// LatestUnreadAt returns the creation time of the newest message the member has not read.
// gorm.ErrRecordNotFound means everything is read.
func (r *groupRepository) LatestUnreadAt(ctx context.Context, groupID, userID uint) (time.Time, error) {
	var message models.GroupMessage
	err := r.db.WithContext(ctx).
		Model(&models.GroupMessage{}).
		Select("group_messages.id, group_messages.created_at").
		Joins("JOIN group_participants ON group_participants.group_chat_id = group_messages.group_chat_id AND group_participants.user_id = ? AND group_participants.removed_at IS NULL", userID).
		Where("group_messages.group_chat_id = ? AND group_messages.sender_id <> ?", groupID, userID).
		Where("group_participants.last_read_at IS NULL OR group_messages.created_at > group_participants.last_read_at").
		Order("group_messages.created_at DESC").
		Take(&message).Error
	if err != nil {
		return time.Time{}, err
	}
	return message.CreatedAt, nil
}

func (r *groupRepository) UnreadByGroup(ctx context.Context, userID uint) (map[uint]int64, error) {
	return r.unread(ctx, userID, 0)
}

func (r *groupRepository) unread(ctx context.Context, userID, groupID uint) (map[uint]int64, error) {
	query := r.db.WithContext(ctx).
		Table("group_messages").
		Select("group_messages.group_chat_id AS id, COUNT(*) AS total").
		Joins("JOIN group_participants ON group_participants.group_chat_id = group_messages.group_chat_id AND group_participants.user_id = ? AND group_participants.removed_at IS NULL", userID).
		Joins("JOIN group_chats ON group_chats.id = group_messages.group_chat_id AND group_chats.is_active = ?", true).
		Where("group_messages.sender_id <> ?", userID).
		Where("group_participants.last_read_at IS NULL OR group_messages.created_at > group_participants.last_read_at")
	if groupID != 0 {
		query = query.Where("group_messages.group_chat_id = ?", groupID)
	}

	var rows []countRow
	if err := query.Group("group_messages.group_chat_id").Scan(&rows).Error; err != nil {
		return nil, err
	}
	return countsByID(rows), nil
}
