package dto

import (
	"time"

	"github.com/noah-isme/crm-realtime-api/internal/models"
)

// AttachmentInput describes an already-uploaded file referenced by a message.
type AttachmentInput struct {
	FileURL  string   `json:"file_url" validate:"required,max=1024"`
	FileName string   `json:"file_name" validate:"required,max=255"`
	MimeType string   `json:"mime_type" validate:"required,max=128"`
	Size     ByteSize `json:"size" validate:"gt=0"`
}

// SendMessageRequest is the payload of send-message.
type SendMessageRequest struct {
	ConversationID uint              `json:"conversation_id" validate:"required"`
	Content        string            `json:"content" validate:"max=4000"`
	MessageType    string            `json:"message_type" validate:"omitempty,oneof=text image file system"`
	Attachments    []AttachmentInput `json:"attachments" validate:"omitempty,max=10,dive"`
}

// UploadAttachmentRequest is the payload of upload-attachment.
type UploadAttachmentRequest struct {
	ConversationID uint     `json:"conversation_id" validate:"required"`
	FileURL        string   `json:"file_url" validate:"required,max=1024"`
	FileName       string   `json:"file_name" validate:"required,max=255"`
	MimeType       string   `json:"mime_type" validate:"required,max=128"`
	Size           ByteSize `json:"size" validate:"gt=0"`
	Caption        string   `json:"caption" validate:"max=4000"`
}

// Input converts the upload payload into a single attachment input.
func (r UploadAttachmentRequest) Input() AttachmentInput {
	return AttachmentInput{FileURL: r.FileURL, FileName: r.FileName, MimeType: r.MimeType, Size: r.Size}
}

// GetOrCreateConversationRequest is the payload of get-or-create-conversation.
type GetOrCreateConversationRequest struct {
	PeerID uint `json:"peer_id" validate:"required"`
}

// ConversationRef carries a conversation id (join-conversation, mark-read).
type ConversationRef struct {
	ConversationID uint `json:"conversation_id" validate:"required"`
}

// TypingRequest is the payload of typing.
type TypingRequest struct {
	ConversationID uint `json:"conversation_id" validate:"required"`
	IsTyping       bool `json:"is_typing"`
}

// DeleteMessageRequest is the payload of delete-message; GroupID selects the group variant.
type DeleteMessageRequest struct {
	MessageID uint `json:"message_id" validate:"required"`
	GroupID   uint `json:"group_id"`
}

// JoinOrganizationRequest is the payload of join-organization.
type JoinOrganizationRequest struct {
	OrganizationID uint `json:"organization_id" validate:"required"`
}

// MessageHistoryQuery pages backwards through a message history.
type MessageHistoryQuery struct {
	Before *time.Time `query:"before"`
	Limit  int        `query:"limit" validate:"omitempty,min=1,max=100"`
}

// ParticipantResponse describes a conversation or group member.
type ParticipantResponse struct {
	UserID   uint       `json:"user_id"`
	Name     string     `json:"name"`
	Role     string     `json:"role"`
	IsOnline bool       `json:"is_online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
	IsAdmin  bool       `json:"is_admin,omitempty"`
}

// NewParticipantResponse converts a user into a participant DTO.
func NewParticipantResponse(user models.User) ParticipantResponse {
	return ParticipantResponse{
		UserID:   user.ID,
		Name:     user.DisplayName(),
		Role:     user.Role,
		IsOnline: user.IsOnline,
		LastSeen: user.LastSeen,
	}
}

// AttachmentResponse is the serialized attachment; Size is a decimal string.
type AttachmentResponse struct {
	ID         uint      `json:"id"`
	FileName   string    `json:"file_name"`
	StorageKey string    `json:"storage_key"`
	MimeType   string    `json:"mime_type"`
	Size       ByteSize  `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewAttachmentResponseSlice converts attachment models into DTOs.
func NewAttachmentResponseSlice(items []models.MessageAttachment) []AttachmentResponse {
	out := make([]AttachmentResponse, 0, len(items))
	for _, item := range items {
		out = append(out, AttachmentResponse{
			ID:         item.ID,
			FileName:   item.FileName,
			StorageKey: item.StorageKey,
			MimeType:   item.MimeType,
			Size:       ByteSize(item.SizeBytes),
			CreatedAt:  item.CreatedAt,
		})
	}
	return out
}

// MessageResponse is the fully hydrated message broadcast to rooms. Exactly one of ConversationID or GroupID is set.
type MessageResponse struct {
	ID             uint                 `json:"id"`
	ConversationID uint                 `json:"conversation_id,omitempty"`
	GroupID        uint                 `json:"group_id,omitempty"`
	SenderID       uint                 `json:"sender_id"`
	SenderName     string               `json:"sender_name"`
	Content        string               `json:"content"`
	MessageType    string               `json:"message_type"`
	IsRead         bool                 `json:"is_read"`
	ReadAt         *time.Time           `json:"read_at,omitempty"`
	IsDeleted      bool                 `json:"is_deleted"`
	Attachments    []AttachmentResponse `json:"attachments"`
	CreatedAt      time.Time            `json:"created_at"`
}

// NewDirectMessageResponse converts a direct message model into a DTO.
func NewDirectMessageResponse(message models.DirectMessage) MessageResponse {
	response := MessageResponse{
		ID:             message.ID,
		ConversationID: message.ConversationID,
		SenderID:       message.SenderID,
		SenderName:     message.Sender.DisplayName(),
		Content:        message.Content,
		MessageType:    message.MessageType,
		IsRead:         message.IsRead,
		ReadAt:         message.ReadAt,
		IsDeleted:      message.IsDeleted,
		Attachments:    []AttachmentResponse{},
		CreatedAt:      message.CreatedAt,
	}
	if !message.IsDeleted {
		response.Attachments = NewAttachmentResponseSlice(message.Attachments)
	}
	return response
}

// NewDirectMessageResponseSlice converts direct messages into DTOs.
func NewDirectMessageResponseSlice(messages []models.DirectMessage) []MessageResponse {
	out := make([]MessageResponse, 0, len(messages))
	for _, message := range messages {
		out = append(out, NewDirectMessageResponse(message))
	}
	return out
}

// ConversationResponse summarises a direct conversation for one viewer.
type ConversationResponse struct {
	ID             uint                  `json:"id"`
	OrganizationID uint                  `json:"organization_id"`
	IsActive       bool                  `json:"is_active"`
	LastMessageAt  *time.Time            `json:"last_message_at,omitempty"`
	Participants   []ParticipantResponse `json:"participants"`
	UnreadCount    int64                 `json:"unread_count"`
	LastMessage    *MessageResponse      `json:"last_message,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
}

// NewConversationResponse converts a conversation into a DTO using the viewer's cached unread count.
func NewConversationResponse(conversation models.Conversation, viewerID uint) ConversationResponse {
	participants := make([]ParticipantResponse, 0, len(conversation.Participants))
	for _, participant := range conversation.Participants {
		user := participant.User
		if user.ID == 0 {
			user.ID = participant.UserID
		}
		participants = append(participants, NewParticipantResponse(user))
	}

	return ConversationResponse{
		ID:             conversation.ID,
		OrganizationID: conversation.OrganizationID,
		IsActive:       conversation.IsActive,
		LastMessageAt:  conversation.LastMessageAt,
		Participants:   participants,
		UnreadCount:    conversation.UnreadCounts[viewerID],
		CreatedAt:      conversation.CreatedAt,
	}
}

// ConversationLoadedPayload is the body of conversation-loaded.
type ConversationLoadedPayload struct {
	Conversation ConversationResponse `json:"conversation"`
	Messages     []MessageResponse    `json:"messages"`
}

// MessageDeliveredPayload acknowledges a persisted message to its sender.
type MessageDeliveredPayload struct {
	MessageID      uint      `json:"message_id"`
	ConversationID uint      `json:"conversation_id,omitempty"`
	GroupID        uint      `json:"group_id,omitempty"`
	RequestID      string    `json:"request_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// MessagesReadPayload is the body of messages-read.
type MessagesReadPayload struct {
	ConversationID uint      `json:"conversation_id,omitempty"`
	GroupID        uint      `json:"group_id,omitempty"`
	ReaderID       uint      `json:"reader_id"`
	Count          int64     `json:"count"`
	ReadAt         time.Time `json:"read_at"`
}

// MessageDeletedPayload is the body of message-deleted.
type MessageDeletedPayload struct {
	MessageID      uint   `json:"message_id"`
	ConversationID uint   `json:"conversation_id,omitempty"`
	GroupID        uint   `json:"group_id,omitempty"`
	Content        string `json:"content"`
}

// UnreadCountPayload is the body of unread-count-updated.
type UnreadCountPayload struct {
	ConversationID uint  `json:"conversation_id,omitempty"`
	GroupID        uint  `json:"group_id,omitempty"`
	UnreadCount    int64 `json:"unread_count"`
}

// TypingPayload is the body of user-typing.
type TypingPayload struct {
	ConversationID uint `json:"conversation_id"`
	UserID         uint `json:"user_id"`
	IsTyping       bool `json:"is_typing"`
}

// ContactResponse is a same-organization user the viewer may message.
type ContactResponse struct {
	ParticipantResponse
	ConversationID uint `json:"conversation_id,omitempty"`
}

// UnreadSummaryResponse aggregates unread state for one user.
type UnreadSummaryResponse struct {
	Direct        int64          `json:"direct"`
	Group         int64          `json:"group"`
	Notifications int64          `json:"notifications"`
	Total         int64          `json:"total"`
	Conversations map[uint]int64 `json:"conversations"`
	Groups        map[uint]int64 `json:"groups"`
}

// ErrorPayload is the body of the error event.
type ErrorPayload struct {
	Message            string `json:"message"`
	Code               string `json:"code"`
	Event              string `json:"event,omitempty"`
	RequestID          string `json:"request_id,omitempty"`
	RequiredPermission string `json:"required_permission,omitempty"`
}

// ConversationsListPayload is the body of conversations-list.
type ConversationsListPayload struct {
	Conversations []ConversationResponse `json:"conversations"`
	Groups        []GroupChatResponse    `json:"groups"`
}

// HeartbeatAckPayload is the body of heartbeat-ack.
type HeartbeatAckPayload struct {
	ServerTime time.Time `json:"server_time"`
}
