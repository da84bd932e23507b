package dto

import (
	"time"

	"github.com/noah-isme/crm-realtime-api/internal/models"
)

// PresenceEntry is the presence state of one user.
type PresenceEntry struct {
	UserID   uint       `json:"user_id"`
	IsOnline bool       `json:"is_online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// NewPresenceEntry projects a user record onto its presence state.
func NewPresenceEntry(user models.User) PresenceEntry {
	return PresenceEntry{UserID: user.ID, IsOnline: user.IsOnline, LastSeen: user.LastSeen}
}

// PresencePayload is the body of presence-changed; transitions carry one entry, snapshots the whole organization.
type PresencePayload struct {
	OrganizationID uint            `json:"organization_id"`
	Users          []PresenceEntry `json:"users"`
	Reason         string          `json:"reason,omitempty"`
}

// SweepResponse reports the outcome of a manual presence sweep.
type SweepResponse struct {
	UsersMarkedOffline int `json:"users_marked_offline"`
	ConnectionsEvicted int `json:"connections_evicted"`
}
