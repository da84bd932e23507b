package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/crm-realtime-api/internal/models"
)

// ConversationRepository persists direct conversations and their messages.
type ConversationRepository interface {
	FindByID(ctx context.Context, id uint) (models.Conversation, error)
	FindActiveByPair(ctx context.Context, organizationID, a, b uint) (models.Conversation, error)
	Create(ctx context.Context, conversation *models.Conversation) error
	ListForUser(ctx context.Context, userID uint) ([]models.Conversation, error)
	Close(ctx context.Context, id uint) error
	CreateMessage(ctx context.Context, message *models.DirectMessage, attachments []models.MessageAttachment) error
	FindMessage(ctx context.Context, id uint) (models.DirectMessage, error)
	ListMessages(ctx context.Context, conversationID uint, before time.Time, limit int) ([]models.DirectMessage, error)
	LatestMessages(ctx context.Context, conversationIDs []uint) (map[uint]models.DirectMessage, error)
	MarkRead(ctx context.Context, conversationID, readerID uint, at time.Time) (int64, error)
	TombstoneMessage(ctx context.Context, id uint) (models.DirectMessage, error)
	CountUnread(ctx context.Context, conversationID, viewerID uint) (int64, error)
	UnreadByConversation(ctx context.Context, viewerID uint) (map[uint]int64, error)
}

type conversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository constructs a conversation repository backed by GORM.
func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &conversationRepository{db: db}
}

func (r *conversationRepository) FindByID(ctx context.Context, id uint) (models.Conversation, error) {
	var conversation models.Conversation
	if err := r.db.WithContext(ctx).Preload("Participants.User").First(&conversation, id).Error; err != nil {
		return models.Conversation{}, err
	}
	return conversation, nil
}

func (r *conversationRepository) FindActiveByPair(ctx context.Context, organizationID, a, b uint) (models.Conversation, error) {
	var conversation models.Conversation
	if err := r.db.WithContext(ctx).
		Preload("Participants.User").
		Where("active_pair_key = ?", models.PairKey(organizationID, a, b)).
		First(&conversation).Error; err != nil {
		return models.Conversation{}, err
	}
	return conversation, nil
}

// Create inserts the conversation with both participant links. A concurrent insert of the same
// active pair fails with ErrDuplicate.
func (r *conversationRepository) Create(ctx context.Context, conversation *models.Conversation) error {
	low, high := models.OrderedPair(conversation.ParticipantLowID, conversation.ParticipantHighID)
	conversation.ParticipantLowID, conversation.ParticipantHighID = low, high
	key := models.PairKey(conversation.OrganizationID, low, high)
	conversation.ActivePairKey = &key
	conversation.IsActive = true

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(conversation).Error; err != nil {
			return err
		}

		now := conversation.CreatedAt
		participants := []models.ConversationParticipant{
			{ConversationID: conversation.ID, UserID: low, JoinedAt: now},
			{ConversationID: conversation.ID, UserID: high, JoinedAt: now},
		}
		if err := tx.Omit(clause.Associations).Create(&participants).Error; err != nil {
			return err
		}
		conversation.Participants = participants
		return nil
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: conversation %s", ErrDuplicate, key)
	}
	return err
}

func (r *conversationRepository) ListForUser(ctx context.Context, userID uint) ([]models.Conversation, error) {
	var conversations []models.Conversation
	if err := r.db.WithContext(ctx).
		Preload("Participants.User").
		Where("is_active = ?", true).
		Where("participant_low_id = ? OR participant_high_id = ?", userID, userID).
		Order("COALESCE(last_message_at, created_at) DESC").
		Find(&conversations).Error; err != nil {
		return nil, err
	}
	return conversations, nil
}

// Close soft-closes the conversation and releases its pair key for a future conversation.
func (r *conversationRepository) Close(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"is_active": false, "active_pair_key": nil})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// CreateMessage stores the message, its attachments and the conversation's lastMessageAt in one transaction.
func (r *conversationRepository) CreateMessage(ctx context.Context, message *models.DirectMessage, attachments []models.MessageAttachment) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(message).Error; err != nil {
			return err
		}

		if len(attachments) > 0 {
			for i := range attachments {
				attachments[i].DirectMessageID = &message.ID
				attachments[i].GroupMessageID = nil
			}
			if err := tx.Create(&attachments).Error; err != nil {
				return err
			}
		}
		message.Attachments = attachments

		return tx.Model(&models.Conversation{}).
			Where("id = ?", message.ConversationID).
			Update("last_message_at", message.CreatedAt).Error
	})
}

func (r *conversationRepository) FindMessage(ctx context.Context, id uint) (models.DirectMessage, error) {
	var message models.DirectMessage
	if err := r.db.WithContext(ctx).Preload("Sender").Preload("Attachments").First(&message, id).Error; err != nil {
		return models.DirectMessage{}, err
	}
	return message, nil
}

func (r *conversationRepository) ListMessages(ctx context.Context, conversationID uint, before time.Time, limit int) ([]models.DirectMessage, error) {
	query := r.db.WithContext(ctx).
		Preload("Sender").
		Preload("Attachments").
		Where("conversation_id = ?", conversationID)
	if !before.IsZero() {
		query = query.Where("created_at < ?", before)
	}

	var messages []models.DirectMessage
	if err := query.Order("created_at DESC, id DESC").Limit(clampLimit(limit)).Find(&messages).Error; err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (r *conversationRepository) LatestMessages(ctx context.Context, conversationIDs []uint) (map[uint]models.DirectMessage, error) {
	latest := make(map[uint]models.DirectMessage, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return latest, nil
	}

	newest := r.db.Model(&models.DirectMessage{}).
		Select("MAX(id)").
		Where("conversation_id IN ?", conversationIDs).
		Group("conversation_id")

	var messages []models.DirectMessage
	if err := r.db.WithContext(ctx).
		Preload("Sender").
		Where("id IN (?)", newest).
		Find(&messages).Error; err != nil {
		return nil, err
	}
	for _, message := range messages {
		latest[message.ConversationID] = message
	}
	return latest, nil
}

// MarkRead flags every unread message from the other participant as read and returns how many changed.
func (r *conversationRepository) MarkRead(ctx context.Context, conversationID, readerID uint, at time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.DirectMessage{}).
		Where("conversation_id = ? AND sender_id <> ? AND is_read = ?", conversationID, readerID, false).
		Updates(map[string]interface{}{"is_read": true, "read_at": at})
	return result.RowsAffected, result.Error
}

// TombstoneMessage overwrites the content with the deletion sentinel; the row is kept.
func (r *conversationRepository) TombstoneMessage(ctx context.Context, id uint) (models.DirectMessage, error) {
	result := r.db.WithContext(ctx).Model(&models.DirectMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"content": models.DeletedMessageContent, "is_deleted": true})
	if result.Error != nil {
		return models.DirectMessage{}, result.Error
	}
	if result.RowsAffected == 0 {
		return models.DirectMessage{}, gorm.ErrRecordNotFound
	}
	return r.FindMessage(ctx, id)
}

func (r *conversationRepository) CountUnread(ctx context.Context, conversationID, viewerID uint) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&models.DirectMessage{}).
		Where("conversation_id = ? AND sender_id <> ? AND is_read = ?", conversationID, viewerID, false).
		Count(&total).Error
	return total, err
}

func (r *conversationRepository) UnreadByConversation(ctx context.Context, viewerID uint) (map[uint]int64, error) {
	var rows []countRow
	if err := r.db.WithContext(ctx).
		Table("direct_messages").
		Select("direct_messages.conversation_id AS id, COUNT(*) AS total").
		Joins("JOIN conversations ON conversations.id = direct_messages.conversation_id").
		Where("conversations.is_active = ?", true).
		Where("conversations.participant_low_id = ? OR conversations.participant_high_id = ?", viewerID, viewerID).
		Where("direct_messages.sender_id <> ? AND direct_messages.is_read = ?", viewerID, false).
		Group("direct_messages.conversation_id").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	return countsByID(rows), nil
}
