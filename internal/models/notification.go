package models

import (
	"time"

	"gorm.io/datatypes"
)

// NotificationType enumerates the notification categories.
type NotificationType string

const (
	NotificationNewDirectMessage  NotificationType = "new_direct_message"
	NotificationNewGroupMessage   NotificationType = "new_group_message"
	NotificationLeadAssigned      NotificationType = "lead_assigned"
	NotificationLeadStatusChanged NotificationType = "lead_status_changed"
	NotificationGroupAdded        NotificationType = "group_added"
	NotificationSystem            NotificationType = "system"
)

// IsChat reports whether the notification announces a chat message.
func (t NotificationType) IsChat() bool {
	return t == NotificationNewDirectMessage || t == NotificationNewGroupMessage
}

// Notification subjects used to clear chat notifications once read.
const (
	SubjectConversation = "conversation"
	SubjectGroup        = "group"
)

// Notification is a durable notice addressed to one recipient.
type Notification struct {
	ID             uint              `gorm:"primaryKey" json:"id"`
	Type           NotificationType  `gorm:"size:64;index;not null" json:"type"`
	RecipientID    uint              `gorm:"index;not null" json:"recipient_id"`
	OrganizationID uint              `gorm:"index;not null" json:"organization_id"`
	Title          string            `gorm:"size:255" json:"title"`
	Message        string            `gorm:"type:text" json:"message"`
	Metadata       datatypes.JSONMap `gorm:"type:json" json:"metadata"`
	SubjectType    string            `gorm:"size:32;index:idx_notification_subject" json:"subject_type,omitempty"`
	SubjectID      uint              `gorm:"index:idx_notification_subject" json:"subject_id,omitempty"`
	IsRead         bool              `gorm:"not null;default:false;index" json:"is_read"`
	ReadAt         *time.Time        `json:"read_at,omitempty"`
	IsDeleted      bool              `gorm:"not null;default:false" json:"is_deleted"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}
