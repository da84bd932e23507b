package dto

import (
	"time"

	"github.com/noah-isme/crm-realtime-api/internal/models"
)

// NotifyRequest describes a notification to fan out to a single recipient.
type NotifyRequest struct {
	Type           models.NotificationType `json:"type" validate:"required,oneof=new_direct_message new_group_message lead_assigned lead_status_changed group_added system"`
	RecipientID    uint                    `json:"recipient_id" validate:"required"`
	OrganizationID uint                    `json:"organization_id" validate:"required"`
	Title          string                  `json:"title" validate:"required,min=1,max=255"`
	Message        string                  `json:"message" validate:"required,min=1,max=2000"`
	Metadata       map[string]interface{}  `json:"metadata"`
	SubjectType    string                  `json:"subject_type" validate:"omitempty,oneof=conversation group lead"`
	SubjectID      uint                    `json:"subject_id"`
}

// NotificationListQuery filters a notification listing.
type NotificationListQuery struct {
	Limit      int  `query:"limit" validate:"omitempty,min=1,max=100"`
	Offset     int  `query:"offset" validate:"omitempty,min=0"`
	UnreadOnly bool `query:"unread_only"`
}

// NotificationResponse represents notification data returned to clients and pushed live.
type NotificationResponse struct {
	ID             uint                    `json:"id"`
	Type           models.NotificationType `json:"type"`
	RecipientID    uint                    `json:"recipient_id"`
	OrganizationID uint                    `json:"organization_id"`
	Title          string                  `json:"title"`
	Message        string                  `json:"message"`
	Metadata       map[string]interface{}  `json:"metadata,omitempty"`
	SubjectType    string                  `json:"subject_type,omitempty"`
	SubjectID      uint                    `json:"subject_id,omitempty"`
	IsRead         bool                    `json:"is_read"`
	ReadAt         *time.Time              `json:"read_at,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
}

// NewNotificationResponse converts a notification model to DTO.
func NewNotificationResponse(model models.Notification) NotificationResponse {
	response := NotificationResponse{
		ID:             model.ID,
		Type:           model.Type,
		RecipientID:    model.RecipientID,
		OrganizationID: model.OrganizationID,
		Title:          model.Title,
		Message:        model.Message,
		SubjectType:    model.SubjectType,
		SubjectID:      model.SubjectID,
		IsRead:         model.IsRead,
		ReadAt:         model.ReadAt,
		CreatedAt:      model.CreatedAt,
	}
	if len(model.Metadata) > 0 {
		response.Metadata = map[string]interface{}(model.Metadata)
	}
	return response
}

// NewNotificationResponseSlice converts a slice to DTOs.
func NewNotificationResponseSlice(items []models.Notification) []NotificationResponse {
	out := make([]NotificationResponse, 0, len(items))
	for _, item := range items {
		out = append(out, NewNotificationResponse(item))
	}
	return out
}

// NotificationCountResponse wraps an unread or affected-row count.
type NotificationCountResponse struct {
	Count int64 `json:"count"`
}
