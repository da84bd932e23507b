package models

import "time"

// GroupChat is a named multi-user conversation owned by a single admin.
type GroupChat struct {
	ID             uint               `gorm:"primaryKey" json:"id"`
	OrganizationID uint               `gorm:"index;not null" json:"organization_id"`
	Name           string             `gorm:"size:255;not null" json:"name"`
	Description    string             `gorm:"type:text" json:"description"`
	AdminID        uint               `gorm:"index;not null" json:"admin_id"`
	IsActive       bool               `gorm:"not null;default:true" json:"is_active"`
	LastMessageAt  *time.Time         `gorm:"index" json:"last_message_at,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
	Participants   []GroupParticipant `gorm:"foreignKey:GroupChatID" json:"participants,omitempty"`
	UnreadCounts   map[uint]int64     `gorm:"-" json:"unread_counts,omitempty"`
}

// ActiveParticipantIDs lists members that have not been removed.
func (g GroupChat) ActiveParticipantIDs() []uint {
	ids := make([]uint, 0, len(g.Participants))
	for _, participant := range g.Participants {
		if participant.Active() {
			ids = append(ids, participant.UserID)
		}
	}
	return ids
}

// GroupParticipant is a membership row; removal is soft so history stays attributable.
type GroupParticipant struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	GroupChatID uint       `gorm:"uniqueIndex:idx_group_participant;not null" json:"group_chat_id"`
	UserID      uint       `gorm:"uniqueIndex:idx_group_participant;index;not null" json:"user_id"`
	JoinedAt    time.Time  `json:"joined_at"`
	LastReadAt  *time.Time `json:"last_read_at,omitempty"`
	RemovedAt   *time.Time `json:"removed_at,omitempty"`
	User        User       `gorm:"foreignKey:UserID" json:"user"`
}

// Active reports whether the participant is still a member.
func (p GroupParticipant) Active() bool {
	return p.RemovedAt == nil
}

// GroupMessage is a message posted into a group chat.
type GroupMessage struct {
	ID          uint                `gorm:"primaryKey" json:"id"`
	GroupChatID uint                `gorm:"index;not null" json:"group_chat_id"`
	SenderID    uint                `gorm:"index;not null" json:"sender_id"`
	Content     string              `gorm:"type:text" json:"content"`
	MessageType string              `gorm:"size:32;default:text" json:"message_type"`
	IsDeleted   bool                `gorm:"not null;default:false" json:"is_deleted"`
	CreatedAt   time.Time           `gorm:"index" json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
	Sender      User                `gorm:"foreignKey:SenderID" json:"sender"`
	Attachments []MessageAttachment `gorm:"foreignKey:GroupMessageID" json:"attachments,omitempty"`
}
