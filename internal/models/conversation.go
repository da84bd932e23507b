package models

import (
	"fmt"
	"time"
)

// Message types accepted on the wire.
const (
	MessageTypeText   = "text"
	MessageTypeImage  = "image"
	MessageTypeFile   = "file"
	MessageTypeSystem = "system"
)

// DeletedMessageContent replaces the body of a tombstoned message.
const DeletedMessageContent = "This message was deleted"

// Conversation is a direct chat between exactly two users of one organization.
type Conversation struct {
	ID                uint                      `gorm:"primaryKey" json:"id"`
	OrganizationID    uint                      `gorm:"index;not null" json:"organization_id"`
	ParticipantLowID  uint                      `gorm:"index;not null" json:"participant_low_id"`
	ParticipantHighID uint                      `gorm:"index;not null" json:"participant_high_id"`
	ActivePairKey     *string                   `gorm:"size:96;uniqueIndex" json:"-"`
	IsActive          bool                      `gorm:"not null;default:true" json:"is_active"`
	LastMessageAt     *time.Time                `gorm:"index" json:"last_message_at,omitempty"`
	CreatedAt         time.Time                 `json:"created_at"`
	UpdatedAt         time.Time                 `json:"updated_at"`
	Participants      []ConversationParticipant `gorm:"foreignKey:ConversationID" json:"participants,omitempty"`
	UnreadCounts      map[uint]int64            `gorm:"-" json:"unread_counts,omitempty"`
}

// HasParticipant reports whether userID is one of the two members.
func (c Conversation) HasParticipant(userID uint) bool {
	return userID != 0 && (c.ParticipantLowID == userID || c.ParticipantHighID == userID)
}

// ParticipantIDs returns both member ids in ascending order.
func (c Conversation) ParticipantIDs() []uint {
	return []uint{c.ParticipantLowID, c.ParticipantHighID}
}

// PeerOf returns the other member of the conversation.
func (c Conversation) PeerOf(userID uint) uint {
	if c.ParticipantLowID == userID {
		return c.ParticipantHighID
	}
	return c.ParticipantLowID
}

// OrderedPair normalises an unordered pair of user ids.
func OrderedPair(a, b uint) (uint, uint) {
	if a < b {
		return a, b
	}
	return b, a
}

// PairKey builds the uniqueness key held by an active conversation.
func PairKey(organizationID, a, b uint) string {
	low, high := OrderedPair(a, b)
	return fmt.Sprintf("%d:%d:%d", organizationID, low, high)
}

// ConversationParticipant links a user to a direct conversation.
type ConversationParticipant struct {
	ConversationID uint      `gorm:"primaryKey" json:"conversation_id"`
	UserID         uint      `gorm:"primaryKey;index" json:"user_id"`
	JoinedAt       time.Time `json:"joined_at"`
	User           User      `gorm:"foreignKey:UserID" json:"user"`
}

// DirectMessage is a message posted into a direct conversation.
type DirectMessage struct {
	ID             uint                `gorm:"primaryKey" json:"id"`
	ConversationID uint                `gorm:"index;not null" json:"conversation_id"`
	SenderID       uint                `gorm:"index;not null" json:"sender_id"`
	Content        string              `gorm:"type:text" json:"content"`
	MessageType    string              `gorm:"size:32;default:text" json:"message_type"`
	IsRead         bool                `gorm:"not null;default:false;index" json:"is_read"`
	ReadAt         *time.Time          `json:"read_at,omitempty"`
	IsDeleted      bool                `gorm:"not null;default:false" json:"is_deleted"`
	CreatedAt      time.Time           `gorm:"index" json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
	Sender         User                `gorm:"foreignKey:SenderID" json:"sender"`
	Attachments    []MessageAttachment `gorm:"foreignKey:DirectMessageID" json:"attachments,omitempty"`
}
