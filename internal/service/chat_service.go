package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/crm-realtime-api/internal/dto"
	"github.com/noah-isme/crm-realtime-api/internal/models"
	"github.com/noah-isme/crm-realtime-api/internal/observability"
	"github.com/noah-isme/crm-realtime-api/internal/realtime"
)

const historyPageSize = 50

// ChatService runs direct conversations: lookup, history, the send pipeline and read state.
type ChatService interface {
	OpenConversation(ctx context.Context, actor Actor, payload dto.GetOrCreateConversationRequest) (dto.ConversationLoadedPayload, bool, error)
	GetConversation(ctx context.Context, actor Actor, conversationID uint) (dto.ConversationLoadedPayload, error)
	JoinConversation(ctx context.Context, actor Actor, conversationID uint) (dto.ConversationLoadedPayload, error)
	LeaveConversation(ctx context.Context, actor Actor, conversationID uint) error
	ListConversations(ctx context.Context, actor Actor) ([]dto.ConversationResponse, error)
	History(ctx context.Context, actor Actor, conversationID uint, query dto.MessageHistoryQuery) ([]dto.MessageResponse, error)
	SendMessage(ctx context.Context, actor Actor, payload dto.SendMessageRequest, requestID string) (SendResult, error)
	UploadAttachment(ctx context.Context, actor Actor, payload dto.UploadAttachmentRequest, requestID string) (SendResult, error)
	MarkRead(ctx context.Context, actor Actor, conversationID uint) (dto.MessagesReadPayload, error)
	DeleteMessage(ctx context.Context, actor Actor, messageID uint) (dto.MessageDeletedPayload, error)
	CloseConversation(ctx context.Context, actor Actor, conversationID uint) error
	Contacts(ctx context.Context, actor Actor) ([]dto.ContactResponse, error)
	UnreadSummary(ctx context.Context, actor Actor) (dto.UnreadSummaryResponse, error)
	Typing(ctx context.Context, actor Actor, payload dto.TypingRequest) error
}

type chatService struct {
	chatCore
}

// NewChatService constructs the direct chat service.
func NewChatService(deps ChatDependencies) ChatService {
	return &chatService{
		chatCore: newChatCore(deps, "chat_service", "github.com/noah-isme/crm-realtime-api/internal/service/chat"),
	}
}

// OpenConversation resolves or lazily creates the conversation with a peer. The bool reports creation.
func (s *chatService) OpenConversation(ctx context.Context, actor Actor, payload dto.GetOrCreateConversationRequest) (dto.ConversationLoadedPayload, bool, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.ConversationLoadedPayload{}, false, err
	}

	conversation, created, err := s.membership.GetOrCreateDirect(ctx, actor, payload.PeerID)
	if err != nil {
		return dto.ConversationLoadedPayload{}, false, err
	}

	loaded, err := s.load(ctx, actor, conversation)
	if err != nil {
		return dto.ConversationLoadedPayload{}, false, err
	}
	return loaded, created, nil
}

func (s *chatService) GetConversation(ctx context.Context, actor Actor, conversationID uint) (dto.ConversationLoadedPayload, error) {
	conversation, err := s.membership.AuthorizeDirect(ctx, actor, conversationID)
	if err != nil {
		return dto.ConversationLoadedPayload{}, err
	}
	return s.load(ctx, actor, conversation)
}

// JoinConversation marks the actor as viewing the conversation so chat notifications are suppressed.
func (s *chatService) JoinConversation(ctx context.Context, actor Actor, conversationID uint) (dto.ConversationLoadedPayload, error) {
	conversation, err := s.membership.AuthorizeDirect(ctx, actor, conversationID)
	if err != nil {
		return dto.ConversationLoadedPayload{}, err
	}
	if !conversation.IsActive {
		return dto.ConversationLoadedPayload{}, notFound("conversation")
	}
	if err := s.emitter.JoinRoom(actor.ID(), realtime.ConversationRoom(conversation.ID)); err != nil {
		return dto.ConversationLoadedPayload{}, err
	}
	return s.load(ctx, actor, conversation)
}

func (s *chatService) LeaveConversation(ctx context.Context, actor Actor, conversationID uint) error {
	return s.emitter.LeaveRoom(actor.ID(), realtime.ConversationRoom(conversationID))
}

func (s *chatService) load(ctx context.Context, actor Actor, conversation models.Conversation) (dto.ConversationLoadedPayload, error) {
	messages, err := s.conversations.ListMessages(ctx, conversation.ID, time.Time{}, historyPageSize)
	if err != nil {
		return dto.ConversationLoadedPayload{}, storeError(err, "messages")
	}

	unread, err := s.conversations.CountUnread(ctx, conversation.ID, actor.ID())
	if err != nil {
		return dto.ConversationLoadedPayload{}, storeError(err, "messages")
	}
	conversation.UnreadCounts = map[uint]int64{actor.ID(): unread}

	response := dto.NewConversationResponse(conversation, actor.ID())
	if len(messages) > 0 {
		last := dto.NewDirectMessageResponse(messages[len(messages)-1])
		response.LastMessage = &last
	}

	return dto.ConversationLoadedPayload{
		Conversation: response,
		Messages:     dto.NewDirectMessageResponseSlice(messages),
	}, nil
}

// ListConversations returns the actor's active conversations, most recent first, with unread counts and last message.
func (s *chatService) ListConversations(ctx context.Context, actor Actor) ([]dto.ConversationResponse, error) {
	conversations, err := s.conversations.ListForUser(ctx, actor.ID())
	if err != nil {
		return nil, storeError(err, "conversations")
	}

	unread, err := s.conversations.UnreadByConversation(ctx, actor.ID())
	if err != nil {
		return nil, storeError(err, "conversations")
	}

	ids := make([]uint, 0, len(conversations))
	for _, conversation := range conversations {
		ids = append(ids, conversation.ID)
	}
	latest, err := s.conversations.LatestMessages(ctx, ids)
	if err != nil {
		return nil, storeError(err, "conversations")
	}

	out := make([]dto.ConversationResponse, 0, len(conversations))
	for _, conversation := range conversations {
		conversation.UnreadCounts = map[uint]int64{actor.ID(): unread[conversation.ID]}
		response := dto.NewConversationResponse(conversation, actor.ID())
		if message, ok := latest[conversation.ID]; ok {
			last := dto.NewDirectMessageResponse(message)
			response.LastMessage = &last
		}
		out = append(out, response)
	}
	return out, nil
}

func (s *chatService) History(ctx context.Context, actor Actor, conversationID uint, query dto.MessageHistoryQuery) ([]dto.MessageResponse, error) {
	before, err := s.pageBefore(query)
	if err != nil {
		return nil, err
	}
	if _, err := s.membership.AuthorizeDirect(ctx, actor, conversationID); err != nil {
		return nil, err
	}

	messages, err := s.conversations.ListMessages(ctx, conversationID, before, query.Limit)
	if err != nil {
		return nil, storeError(err, "messages")
	}
	return dto.NewDirectMessageResponseSlice(messages), nil
}

// SendMessage runs the direct message pipeline. Once the broadcast stage has run the message is
// never retracted; unread and notify failures are logged only.
func (s *chatService) SendMessage(ctx context.Context, actor Actor, payload dto.SendMessageRequest, requestID string) (SendResult, error) {
	var (
		conversation models.Conversation
		attachments  []models.MessageAttachment
		content      string
		message      models.DirectMessage
		response     dto.MessageResponse
	)

	room := realtime.ConversationRoom(payload.ConversationID)
	release := func() {}
	defer func() { release() }()

	ctx, span := s.tracer.Start(ctx, "chat.send_message", trace.WithAttributes(
		attribute.Int("chat.conversation_id", int(payload.ConversationID)),
		attribute.Int("chat.sender_id", int(actor.ID())),
	))
	defer span.End()

	stages, err := runPipeline(ctx, s.tracer, s.logger, "direct",
		stage(StageAuthorize, func(ctx context.Context) error {
			if err := s.validator.Struct(payload); err != nil {
				return err
			}
			found, err := s.membership.AuthorizeDirect(ctx, actor, payload.ConversationID)
			if err != nil {
				return err
			}
			conversation = found
			return nil
		}),
		stage(StageEnsureActive, func(context.Context) error {
			if !conversation.IsActive {
				return notFound("conversation")
			}
			return nil
		}),
		stage(StageValidate, func(context.Context) error {
			built, err := s.attachments.Build(payload.Attachments)
			if err != nil {
				return err
			}
			clean, err := s.cleanContent(payload.Content, len(built))
			if err != nil {
				return err
			}
			attachments, content = built, clean
			return nil
		}),
		stage(StagePersist, func(ctx context.Context) error {
			release = s.sequencer.Acquire(room)
			message = models.DirectMessage{
				ConversationID: conversation.ID,
				SenderID:       actor.ID(),
				Content:        content,
				MessageType:    inferMessageType(payload.MessageType, attachments),
			}
			if err := s.conversations.CreateMessage(ctx, &message, attachments); err != nil {
				return storeError(err, "message")
			}
			message.Sender = actor.User
			return nil
		}),
		stage(StageBroadcast, func(context.Context) error {
			defer release()
			response = dto.NewDirectMessageResponse(message)
			s.emitter.EmitToRoom(room, realtime.NewEvent(realtime.EventNewMessage, response))
			s.emitter.EmitToUser(actor.ID(), realtime.NewEvent(realtime.EventMessageDelivered, dto.MessageDeliveredPayload{
				MessageID:      message.ID,
				ConversationID: conversation.ID,
				RequestID:      requestID,
				CreatedAt:      message.CreatedAt,
			}).WithRequestID(requestID))
			observability.ChatMessagesSent().WithLabelValues("direct", message.MessageType).Inc()
			return nil
		}),
		bestEffortStage(StageUnread, func(ctx context.Context) error {
			peer := conversation.PeerOf(actor.ID())
			count, err := s.conversations.CountUnread(ctx, conversation.ID, peer)
			if err != nil {
				return err
			}
			conversation.UnreadCounts = map[uint]int64{peer: count}
			s.pushUnread(peer, dto.UnreadCountPayload{ConversationID: conversation.ID, UnreadCount: count})
			return nil
		}),
		bestEffortStage(StageNotify, func(ctx context.Context) error {
			return s.notifyAbsent(ctx, room, dto.NotifyRequest{
				Type:           models.NotificationNewDirectMessage,
				RecipientID:    conversation.PeerOf(actor.ID()),
				OrganizationID: conversation.OrganizationID,
				Title:          notificationTitle("New message from %s", actor.User.DisplayName()),
				Message:        preview(message.Content),
				Metadata: map[string]interface{}{
					"conversation_id": conversation.ID,
					"message_id":      message.ID,
					"sender_id":       actor.ID(),
					"sender_name":     actor.User.DisplayName(),
				},
				SubjectType: models.SubjectConversation,
				SubjectID:   conversation.ID,
			})
		}),
	)
	if err != nil {
		span.RecordError(err)
		return SendResult{Stages: stages}, err
	}

	return SendResult{Message: response, Stages: stages}, nil
}

// UploadAttachment sends a single already-uploaded file as a message; the caption becomes its content.
func (s *chatService) UploadAttachment(ctx context.Context, actor Actor, payload dto.UploadAttachmentRequest, requestID string) (SendResult, error) {
	if err := s.validator.Struct(payload); err != nil {
		return SendResult{}, err
	}

	return s.SendMessage(ctx, actor, dto.SendMessageRequest{
		ConversationID: payload.ConversationID,
		Content:        payload.Caption,
		Attachments:    []dto.AttachmentInput{payload.Input()},
	}, requestID)
}

// MarkRead flags every unread message from the peer as read. messages-read is only broadcast when
// something changed, so repeating the call is a no-op.
func (s *chatService) MarkRead(ctx context.Context, actor Actor, conversationID uint) (dto.MessagesReadPayload, error) {
	conversation, err := s.membership.AuthorizeDirect(ctx, actor, conversationID)
	if err != nil {
		return dto.MessagesReadPayload{}, err
	}

	at := s.now()
	changed, err := s.conversations.MarkRead(ctx, conversation.ID, actor.ID(), at)
	if err != nil {
		return dto.MessagesReadPayload{}, storeError(err, "messages")
	}

	payload := dto.MessagesReadPayload{ConversationID: conversation.ID, ReaderID: actor.ID(), Count: changed, ReadAt: at}
	if changed > 0 {
		s.emitter.EmitToRoom(realtime.ConversationRoom(conversation.ID), realtime.NewEvent(realtime.EventMessagesRead, payload))
		s.pushUnread(actor.ID(), dto.UnreadCountPayload{ConversationID: conversation.ID})
	}

	if s.notifications != nil {
		if _, err := s.notifications.ClearSubject(ctx, actor.ID(), models.SubjectConversation, conversation.ID); err != nil {
			s.logger.Warn().Err(err).Uint("conversation_id", conversation.ID).Msg("failed to clear chat notifications")
		}
	}

	return payload, nil
}

// DeleteMessage tombstones a message. Only its sender may delete it.
func (s *chatService) DeleteMessage(ctx context.Context, actor Actor, messageID uint) (dto.MessageDeletedPayload, error) {
	message, err := s.conversations.FindMessage(ctx, messageID)
	if err != nil {
		return dto.MessageDeletedPayload{}, storeError(err, "message")
	}
	if _, err := s.membership.AuthorizeDirect(ctx, actor, message.ConversationID); err != nil {
		return dto.MessageDeletedPayload{}, err
	}
	if message.SenderID != actor.ID() {
		return dto.MessageDeletedPayload{}, forbidden("only the sender can delete this message", "")
	}

	deleted, err := s.conversations.TombstoneMessage(ctx, message.ID)
	if err != nil {
		return dto.MessageDeletedPayload{}, storeError(err, "message")
	}

	payload := dto.MessageDeletedPayload{
		MessageID:      deleted.ID,
		ConversationID: deleted.ConversationID,
		Content:        deleted.Content,
	}
	s.emitter.EmitToRoom(realtime.ConversationRoom(deleted.ConversationID), realtime.NewEvent(realtime.EventMessageDeleted, payload))
	return payload, nil
}

// CloseConversation soft-closes the conversation; a later get-or-create opens a fresh one.
func (s *chatService) CloseConversation(ctx context.Context, actor Actor, conversationID uint) error {
	conversation, err := s.membership.AuthorizeDirect(ctx, actor, conversationID)
	if err != nil {
		return err
	}
	if !conversation.IsActive {
		return nil
	}
	if err := s.conversations.Close(ctx, conversation.ID); err != nil {
		return storeError(err, "conversation")
	}

	s.logger.Info().Uint("conversation_id", conversation.ID).Uint("user_id", actor.ID()).Msg("conversation closed")
	return nil
}

func (s *chatService) Contacts(ctx context.Context, actor Actor) ([]dto.ContactResponse, error) {
	users, err := s.membership.Contacts(ctx, actor)
	if err != nil {
		return nil, err
	}

	conversations, err := s.conversations.ListForUser(ctx, actor.ID())
	if err != nil {
		return nil, storeError(err, "conversations")
	}
	byPeer := make(map[uint]uint, len(conversations))
	for _, conversation := range conversations {
		byPeer[conversation.PeerOf(actor.ID())] = conversation.ID
	}

	contacts := make([]dto.ContactResponse, 0, len(users))
	for _, user := range users {
		contacts = append(contacts, dto.ContactResponse{
			ParticipantResponse: dto.NewParticipantResponse(user),
			ConversationID:      byPeer[user.ID],
		})
	}
	return contacts, nil
}

func (s *chatService) UnreadSummary(ctx context.Context, actor Actor) (dto.UnreadSummaryResponse, error) {
	direct, err := s.conversations.UnreadByConversation(ctx, actor.ID())
	if err != nil {
		return dto.UnreadSummaryResponse{}, storeError(err, "unread counts")
	}
	groups, err := s.groups.UnreadByGroup(ctx, actor.ID())
	if err != nil {
		return dto.UnreadSummaryResponse{}, storeError(err, "unread counts")
	}

	summary := dto.UnreadSummaryResponse{Conversations: direct, Groups: groups}
	for _, count := range direct {
		summary.Direct += count
	}
	for _, count := range groups {
		summary.Group += count
	}
	if s.notifications != nil {
		notifications, err := s.notifications.UnreadCount(ctx, actor.ID())
		if err != nil {
			return dto.UnreadSummaryResponse{}, err
		}
		summary.Notifications = notifications
	}
	summary.Total = summary.Direct + summary.Group
	return summary, nil
}

// Typing relays the indicator to everyone else viewing the conversation.
func (s *chatService) Typing(ctx context.Context, actor Actor, payload dto.TypingRequest) error {
	if err := s.validator.Struct(payload); err != nil {
		return err
	}
	if _, err := s.membership.AuthorizeDirect(ctx, actor, payload.ConversationID); err != nil {
		return err
	}

	s.emitter.EmitToRoomExcept(realtime.ConversationRoom(payload.ConversationID), realtime.NewEvent(realtime.EventUserTyping, dto.TypingPayload{
		ConversationID: payload.ConversationID,
		UserID:         actor.ID(),
		IsTyping:       payload.IsTyping,
	}), actor.ID())
	return nil
}
