package models

import "time"

// User is the externally managed account record. Only the presence columns are written by this service.
type User struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	OrganizationID    uint       `gorm:"index;not null" json:"organization_id"`
	Name              string     `gorm:"size:255" json:"name"`
	Email             string     `gorm:"size:255" json:"email"`
	Role              string     `gorm:"size:32;index" json:"role"`
	IsActive          bool       `gorm:"not null;default:true" json:"is_active"`
	IsOnline          bool       `gorm:"not null;default:false;index" json:"is_online"`
	LastSeen          *time.Time `json:"last_seen,omitempty"`
	PresenceUpdatedAt *time.Time `gorm:"index" json:"presence_updated_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// DisplayName falls back to the email when no name is recorded.
func (u User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.Email
}
