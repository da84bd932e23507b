package models

import "time"

// MessageAttachment describes a file already stored elsewhere; only its key is persisted.
type MessageAttachment struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	DirectMessageID *uint     `gorm:"index" json:"direct_message_id,omitempty"`
	GroupMessageID  *uint     `gorm:"index" json:"group_message_id,omitempty"`
	FileName        string    `gorm:"size:255;not null" json:"file_name"`
	StorageKey      string    `gorm:"size:1024;not null" json:"storage_key"`
	MimeType        string    `gorm:"size:128;not null" json:"mime_type"`
	SizeBytes       int64     `gorm:"not null" json:"size_bytes"`
	CreatedAt       time.Time `json:"created_at"`
}
