package dto

import (
	"time"

	"github.com/noah-isme/crm-realtime-api/internal/models"
)

// GroupCreateRequest creates a group chat; the creator is always added as admin.
type GroupCreateRequest struct {
	Name           string `json:"name" validate:"required,min=1,max=255"`
	Description    string `json:"description" validate:"max=2000"`
	ParticipantIDs []uint `json:"participant_ids" validate:"omitempty,max=256,dive,required"`
}

// GroupParticipantsRequest adds members to a group.
type GroupParticipantsRequest struct {
	UserIDs []uint `json:"user_ids" validate:"required,min=1,max=256,dive,required"`
}

// GroupTransferAdminRequest hands the admin role to another member.
type GroupTransferAdminRequest struct {
	UserID uint `json:"user_id" validate:"required"`
}

// GroupRef carries a group id (join-group, leave-group, mark-group-read).
type GroupRef struct {
	GroupID uint `json:"group_id" validate:"required"`
}

// SendGroupMessageRequest is the payload of send-group-message.
type SendGroupMessageRequest struct {
	GroupID     uint              `json:"group_id" validate:"required"`
	Content     string            `json:"content" validate:"max=4000"`
	MessageType string            `json:"message_type" validate:"omitempty,oneof=text image file system"`
	Attachments []AttachmentInput `json:"attachments" validate:"omitempty,max=10,dive"`
}

// GroupChatResponse summarises a group for one viewer.
type GroupChatResponse struct {
	ID             uint                  `json:"id"`
	OrganizationID uint                  `json:"organization_id"`
	Name           string                `json:"name"`
	Description    string                `json:"description"`
	AdminID        uint                  `json:"admin_id"`
	IsActive       bool                  `json:"is_active"`
	LastMessageAt  *time.Time            `json:"last_message_at,omitempty"`
	Participants   []ParticipantResponse `json:"participants"`
	UnreadCount    int64                 `json:"unread_count"`
	CreatedAt      time.Time             `json:"created_at"`
}

// NewGroupChatResponse converts a group into a DTO; removed participants are omitted.
func NewGroupChatResponse(group models.GroupChat, viewerID uint) GroupChatResponse {
	participants := make([]ParticipantResponse, 0, len(group.Participants))
	for _, participant := range group.Participants {
		if !participant.Active() {
			continue
		}
		user := participant.User
		if user.ID == 0 {
			user.ID = participant.UserID
		}
		response := NewParticipantResponse(user)
		response.IsAdmin = participant.UserID == group.AdminID
		participants = append(participants, response)
	}

	return GroupChatResponse{
		ID:             group.ID,
		OrganizationID: group.OrganizationID,
		Name:           group.Name,
		Description:    group.Description,
		AdminID:        group.AdminID,
		IsActive:       group.IsActive,
		LastMessageAt:  group.LastMessageAt,
		Participants:   participants,
		UnreadCount:    group.UnreadCounts[viewerID],
		CreatedAt:      group.CreatedAt,
	}
}

// NewGroupMessageResponse converts a group message model into a DTO.
func NewGroupMessageResponse(message models.GroupMessage) MessageResponse {
	response := MessageResponse{
		ID:          message.ID,
		GroupID:     message.GroupChatID,
		SenderID:    message.SenderID,
		SenderName:  message.Sender.DisplayName(),
		Content:     message.Content,
		MessageType: message.MessageType,
		IsDeleted:   message.IsDeleted,
		Attachments: []AttachmentResponse{},
		CreatedAt:   message.CreatedAt,
	}
	if !message.IsDeleted {
		response.Attachments = NewAttachmentResponseSlice(message.Attachments)
	}
	return response
}

// NewGroupMessageResponseSlice converts group messages into DTOs.
func NewGroupMessageResponseSlice(messages []models.GroupMessage) []MessageResponse {
	out := make([]MessageResponse, 0, len(messages))
	for _, message := range messages {
		out = append(out, NewGroupMessageResponse(message))
	}
	return out
}

// GroupChatLoadedPayload is the body of group-chat-loaded.
type GroupChatLoadedPayload struct {
	Group    GroupChatResponse `json:"group"`
	Messages []MessageResponse `json:"messages"`
}

// GroupUpdatedPayload is the body of group-updated.
type GroupUpdatedPayload struct {
	Group   GroupChatResponse `json:"group"`
	Action  string            `json:"action"`
	UserIDs []uint            `json:"user_ids,omitempty"`
}
