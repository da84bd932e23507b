package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/crm-realtime-api/internal/dto"
	"github.com/noah-isme/crm-realtime-api/internal/models"
	"github.com/noah-isme/crm-realtime-api/internal/observability"
	"github.com/noah-isme/crm-realtime-api/internal/realtime"
)

// group-updated actions.
const (
	GroupActionCreated            = "created"
	GroupActionParticipantsAdded  = "participants_added"
	GroupActionParticipantRemoved = "participant_removed"
	GroupActionParticipantLeft    = "participant_left"
	GroupActionAdminTransferred   = "admin_transferred"
	GroupActionDeleted            = "deleted"
)

// GroupChatService manages group chats, their membership and the group message pipeline.
type GroupChatService interface {
	Create(ctx context.Context, actor Actor, payload dto.GroupCreateRequest) (dto.GroupChatResponse, error)
	Get(ctx context.Context, actor Actor, groupID uint) (dto.GroupChatLoadedPayload, error)
	Join(ctx context.Context, actor Actor, groupID uint) (dto.GroupChatLoadedPayload, error)
	LeaveRoom(ctx context.Context, actor Actor, groupID uint) error
	List(ctx context.Context, actor Actor) ([]dto.GroupChatResponse, error)
	History(ctx context.Context, actor Actor, groupID uint, query dto.MessageHistoryQuery) ([]dto.MessageResponse, error)
	AddParticipants(ctx context.Context, actor Actor, groupID uint, payload dto.GroupParticipantsRequest) (dto.GroupChatResponse, error)
	RemoveParticipant(ctx context.Context, actor Actor, groupID, userID uint) (dto.GroupChatResponse, error)
	Leave(ctx context.Context, actor Actor, groupID uint) error
	TransferAdmin(ctx context.Context, actor Actor, groupID uint, payload dto.GroupTransferAdminRequest) (dto.GroupChatResponse, error)
	Delete(ctx context.Context, actor Actor, groupID uint) error
	SendMessage(ctx context.Context, actor Actor, payload dto.SendGroupMessageRequest, requestID string) (SendResult, error)
	MarkRead(ctx context.Context, actor Actor, groupID uint) (dto.MessagesReadPayload, error)
	DeleteMessage(ctx context.Context, actor Actor, groupID, messageID uint) (dto.MessageDeletedPayload, error)
}

type groupChatService struct {
	chatCore
}

// NewGroupChatService constructs the group chat service.
func NewGroupChatService(deps ChatDependencies) GroupChatService {
	return &groupChatService{
		chatCore: newChatCore(deps, "group_chat_service", "github.com/noah-isme/crm-realtime-api/internal/service/group_chat"),
	}
}

// Create opens a group owned by the actor. The creator is always a participant.
func (s *groupChatService) Create(ctx context.Context, actor Actor, payload dto.GroupCreateRequest) (dto.GroupChatResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.GroupChatResponse{}, err
	}

	name := strings.TrimSpace(s.sanitizer.Sanitize(payload.Name))
	if name == "" {
		return dto.GroupChatResponse{}, invalid("group name is required")
	}

	members, err := s.membership.OrganizationMembers(ctx, actor, append([]uint{actor.ID()}, payload.ParticipantIDs...))
	if err != nil {
		return dto.GroupChatResponse{}, err
	}
	if len(members) < 2 {
		return dto.GroupChatResponse{}, invalid("a group needs at least one other participant")
	}

	ids := make([]uint, 0, len(members))
	for _, member := range members {
		ids = append(ids, member.ID)
	}

	group := models.GroupChat{
		OrganizationID: actor.OrganizationID(),
		Name:           name,
		Description:    strings.TrimSpace(s.sanitizer.Sanitize(payload.Description)),
		AdminID:        actor.ID(),
	}
	if err := s.groups.Create(ctx, &group, ids); err != nil {
		return dto.GroupChatResponse{}, storeError(err, "group")
	}

	created, err := s.groups.FindByID(ctx, group.ID)
	if err != nil {
		return dto.GroupChatResponse{}, storeError(err, "group")
	}

	others := make([]uint, 0, len(ids)-1)
	for _, id := range ids {
		if id != actor.ID() {
			others = append(others, id)
		}
	}
	s.announce(created, GroupActionCreated, ids, ids)
	s.notifyAdded(ctx, actor, created, others)

	s.logger.Info().Uint("group_id", created.ID).Uint("admin_id", actor.ID()).Int("participants", len(ids)).Msg("group created")
	return dto.NewGroupChatResponse(created, actor.ID()), nil
}

func (s *groupChatService) Get(ctx context.Context, actor Actor, groupID uint) (dto.GroupChatLoadedPayload, error) {
	group, err := s.activeGroup(ctx, actor, groupID)
	if err != nil {
		return dto.GroupChatLoadedPayload{}, err
	}
	return s.load(ctx, actor, group)
}

// Join marks the actor as viewing the group so group notifications are suppressed.
func (s *groupChatService) Join(ctx context.Context, actor Actor, groupID uint) (dto.GroupChatLoadedPayload, error) {
	group, err := s.activeGroup(ctx, actor, groupID)
	if err != nil {
		return dto.GroupChatLoadedPayload{}, err
	}
	if err := s.emitter.JoinRoom(actor.ID(), realtime.GroupRoom(group.ID)); err != nil {
		return dto.GroupChatLoadedPayload{}, err
	}
	return s.load(ctx, actor, group)
}

func (s *groupChatService) LeaveRoom(ctx context.Context, actor Actor, groupID uint) error {
	return s.emitter.LeaveRoom(actor.ID(), realtime.GroupRoom(groupID))
}

func (s *groupChatService) load(ctx context.Context, actor Actor, group models.GroupChat) (dto.GroupChatLoadedPayload, error) {
	messages, err := s.groups.ListMessages(ctx, group.ID, time.Time{}, historyPageSize)
	if err != nil {
		return dto.GroupChatLoadedPayload{}, storeError(err, "messages")
	}
	unread, err := s.groups.CountUnread(ctx, group.ID, actor.ID())
	if err != nil {
		return dto.GroupChatLoadedPayload{}, storeError(err, "messages")
	}
	group.UnreadCounts = map[uint]int64{actor.ID(): unread}

	return dto.GroupChatLoadedPayload{
		Group:    dto.NewGroupChatResponse(group, actor.ID()),
		Messages: dto.NewGroupMessageResponseSlice(messages),
	}, nil
}

func (s *groupChatService) List(ctx context.Context, actor Actor) ([]dto.GroupChatResponse, error) {
	groups, err := s.groups.ListForUser(ctx, actor.ID())
	if err != nil {
		return nil, storeError(err, "groups")
	}
	unread, err := s.groups.UnreadByGroup(ctx, actor.ID())
	if err != nil {
		return nil, storeError(err, "groups")
	}

	out := make([]dto.GroupChatResponse, 0, len(groups))
	for _, group := range groups {
		group.UnreadCounts = map[uint]int64{actor.ID(): unread[group.ID]}
		out = append(out, dto.NewGroupChatResponse(group, actor.ID()))
	}
	return out, nil
}

func (s *groupChatService) History(ctx context.Context, actor Actor, groupID uint, query dto.MessageHistoryQuery) ([]dto.MessageResponse, error) {
	before, err := s.pageBefore(query)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.membership.AuthorizeGroup(ctx, actor, groupID); err != nil {
		return nil, err
	}

	messages, err := s.groups.ListMessages(ctx, groupID, before, query.Limit)
	if err != nil {
		return nil, storeError(err, "messages")
	}
	return dto.NewGroupMessageResponseSlice(messages), nil
}

func (s *groupChatService) AddParticipants(ctx context.Context, actor Actor, groupID uint, payload dto.GroupParticipantsRequest) (dto.GroupChatResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.GroupChatResponse{}, err
	}
	group, err := s.adminGroup(ctx, actor, groupID, "add participants")
	if err != nil {
		return dto.GroupChatResponse{}, err
	}
	if _, err := s.membership.OrganizationMembers(ctx, actor, payload.UserIDs); err != nil {
		return dto.GroupChatResponse{}, err
	}

	added, err := s.groups.AddParticipants(ctx, group.ID, payload.UserIDs, s.now())
	if err != nil {
		return dto.GroupChatResponse{}, storeError(err, "group")
	}

	updated, err := s.groups.FindByID(ctx, group.ID)
	if err != nil {
		return dto.GroupChatResponse{}, storeError(err, "group")
	}
	if len(added) > 0 {
		s.announce(updated, GroupActionParticipantsAdded, added, added)
		s.notifyAdded(ctx, actor, updated, added)
	}
	return dto.NewGroupChatResponse(updated, actor.ID()), nil
}

// RemoveParticipant removes a member. The admin can only leave through transfer or deletion.
func (s *groupChatService) RemoveParticipant(ctx context.Context, actor Actor, groupID, userID uint) (dto.GroupChatResponse, error) {
	group, err := s.adminGroup(ctx, actor, groupID, "remove participants")
	if err != nil {
		return dto.GroupChatResponse{}, err
	}
	if userID == group.AdminID {
		return dto.GroupChatResponse{}, forbidden("the group admin cannot be removed; transfer admin first", "")
	}

	if err := s.groups.RemoveParticipant(ctx, group.ID, userID, s.now()); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.GroupChatResponse{}, notFound("participant")
		}
		return dto.GroupChatResponse{}, storeError(err, "group")
	}
	s.dropViewer(userID, group.ID)

	updated, err := s.groups.FindByID(ctx, group.ID)
	if err != nil {
		return dto.GroupChatResponse{}, storeError(err, "group")
	}
	s.announce(updated, GroupActionParticipantRemoved, []uint{userID}, []uint{userID})
	return dto.NewGroupChatResponse(updated, actor.ID()), nil
}

// Leave removes the actor from the group. The admin is rejected.
func (s *groupChatService) Leave(ctx context.Context, actor Actor, groupID uint) error {
	group, err := s.activeGroup(ctx, actor, groupID)
	if err != nil {
		return err
	}
	if group.AdminID == actor.ID() {
		return forbidden("the group admin cannot leave; transfer admin or delete the group", "")
	}

	if err := s.groups.RemoveParticipant(ctx, group.ID, actor.ID(), s.now()); err != nil {
		return storeError(err, "participant")
	}
	s.dropViewer(actor.ID(), group.ID)

	updated, err := s.groups.FindByID(ctx, group.ID)
	if err != nil {
		return storeError(err, "group")
	}
	s.announce(updated, GroupActionParticipantLeft, []uint{actor.ID()}, []uint{actor.ID()})
	return nil
}

func (s *groupChatService) TransferAdmin(ctx context.Context, actor Actor, groupID uint, payload dto.GroupTransferAdminRequest) (dto.GroupChatResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.GroupChatResponse{}, err
	}
	group, err := s.adminGroup(ctx, actor, groupID, "transfer admin")
	if err != nil {
		return dto.GroupChatResponse{}, err
	}
	if payload.UserID == actor.ID() {
		return dto.GroupChatResponse{}, invalid("you are already the group admin")
	}

	participant, err := s.groups.FindParticipant(ctx, group.ID, payload.UserID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return dto.GroupChatResponse{}, storeError(err, "participant")
	}
	if err != nil || !participant.Active() {
		return dto.GroupChatResponse{}, invalid("the new admin must be a participant of the group")
	}

	if err := s.groups.TransferAdmin(ctx, group.ID, payload.UserID); err != nil {
		return dto.GroupChatResponse{}, storeError(err, "group")
	}

	updated, err := s.groups.FindByID(ctx, group.ID)
	if err != nil {
		return dto.GroupChatResponse{}, storeError(err, "group")
	}
	s.announce(updated, GroupActionAdminTransferred, []uint{actor.ID(), payload.UserID}, nil)
	return dto.NewGroupChatResponse(updated, actor.ID()), nil
}

// Delete soft-deletes the group; its history is kept.
func (s *groupChatService) Delete(ctx context.Context, actor Actor, groupID uint) error {
	group, err := s.adminGroup(ctx, actor, groupID, "delete the group")
	if err != nil {
		return err
	}
	if err := s.groups.Deactivate(ctx, group.ID); err != nil {
		return storeError(err, "group")
	}

	group.IsActive = false
	members := group.ActiveParticipantIDs()
	s.announce(group, GroupActionDeleted, members, members)
	for _, userID := range members {
		s.dropViewer(userID, group.ID)
	}
	return nil
}

// SendMessage runs the group message pipeline.
func (s *groupChatService) SendMessage(ctx context.Context, actor Actor, payload dto.SendGroupMessageRequest, requestID string) (SendResult, error) {
	var (
		group       models.GroupChat
		attachments []models.MessageAttachment
		content     string
		message     models.GroupMessage
		response    dto.MessageResponse
		recipients  []uint
	)

	room := realtime.GroupRoom(payload.GroupID)
	release := func() {}
	defer func() { release() }()

	ctx, span := s.tracer.Start(ctx, "chat.send_group_message", trace.WithAttributes(
		attribute.Int("chat.group_id", int(payload.GroupID)),
		attribute.Int("chat.sender_id", int(actor.ID())),
	))
	defer span.End()

	stages, err := runPipeline(ctx, s.tracer, s.logger, "group",
		stage(StageAuthorize, func(ctx context.Context) error {
			if err := s.validator.Struct(payload); err != nil {
				return err
			}
			found, _, err := s.membership.AuthorizeGroup(ctx, actor, payload.GroupID)
			if err != nil {
				return err
			}
			group = found
			for _, id := range group.ActiveParticipantIDs() {
				if id != actor.ID() {
					recipients = append(recipients, id)
				}
			}
			return nil
		}),
		stage(StageEnsureActive, func(context.Context) error {
			if !group.IsActive {
				return notFound("group")
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
			message = models.GroupMessage{
				GroupChatID: group.ID,
				SenderID:    actor.ID(),
				Content:     content,
				MessageType: inferMessageType(payload.MessageType, attachments),
			}
			if err := s.groups.CreateMessage(ctx, &message, attachments); err != nil {
				return storeError(err, "message")
			}
			message.Sender = actor.User
			return nil
		}),
		stage(StageBroadcast, func(context.Context) error {
			defer release()
			response = dto.NewGroupMessageResponse(message)
			s.emitter.EmitToRoom(room, realtime.NewEvent(realtime.EventNewGroupMessage, response))
			s.emitter.EmitToUser(actor.ID(), realtime.NewEvent(realtime.EventMessageDelivered, dto.MessageDeliveredPayload{
				MessageID: message.ID,
				GroupID:   group.ID,
				RequestID: requestID,
				CreatedAt: message.CreatedAt,
			}).WithRequestID(requestID))
			observability.ChatMessagesSent().WithLabelValues("group", message.MessageType).Inc()
			return nil
		}),
		bestEffortStage(StageUnread, func(ctx context.Context) error {
			group.UnreadCounts = make(map[uint]int64, len(recipients))
			var errs []error
			for _, userID := range recipients {
				count, err := s.groups.CountUnread(ctx, group.ID, userID)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				group.UnreadCounts[userID] = count
				s.pushUnread(userID, dto.UnreadCountPayload{GroupID: group.ID, UnreadCount: count})
			}
			return errors.Join(errs...)
		}),
		bestEffortStage(StageNotify, func(ctx context.Context) error {
			var errs []error
			for _, userID := range recipients {
				err := s.notifyAbsent(ctx, room, dto.NotifyRequest{
					Type:           models.NotificationNewGroupMessage,
					RecipientID:    userID,
					OrganizationID: group.OrganizationID,
					Title:          notificationTitle("%s in %s", actor.User.DisplayName(), group.Name),
					Message:        preview(message.Content),
					Metadata: map[string]interface{}{
						"group_id":    group.ID,
						"message_id":  message.ID,
						"sender_id":   actor.ID(),
						"sender_name": actor.User.DisplayName(),
					},
					SubjectType: models.SubjectGroup,
					SubjectID:   group.ID,
				})
				if err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		}),
	)
	if err != nil {
		span.RecordError(err)
		return SendResult{Stages: stages}, err
	}

	return SendResult{Message: response, Stages: stages}, nil
}

// MarkRead advances the actor's read watermark. messages-read is only broadcast when unread messages existed.
func (s *groupChatService) MarkRead(ctx context.Context, actor Actor, groupID uint) (dto.MessagesReadPayload, error) {
	group, _, err := s.membership.AuthorizeGroup(ctx, actor, groupID)
	if err != nil {
		return dto.MessagesReadPayload{}, err
	}

	unread, err := s.groups.CountUnread(ctx, group.ID, actor.ID())
	if err != nil {
		return dto.MessagesReadPayload{}, storeError(err, "messages")
	}

	at := s.now()
	if unread > 0 {
		// The watermark lands on the newest unread message so a repeat call is a no-op
		// and messages persisted after the count stay unread.
		latest, err := s.groups.LatestUnreadAt(ctx, group.ID, actor.ID())
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			unread = 0
		case err != nil:
			return dto.MessagesReadPayload{}, storeError(err, "messages")
		default:
			if _, err := s.groups.AdvanceReadWatermark(ctx, group.ID, actor.ID(), latest); err != nil {
				return dto.MessagesReadPayload{}, storeError(err, "participant")
			}
		}
	}

	payload := dto.MessagesReadPayload{GroupID: group.ID, ReaderID: actor.ID(), Count: unread, ReadAt: at}
	if unread > 0 {
		s.emitter.EmitToRoom(realtime.GroupRoom(group.ID), realtime.NewEvent(realtime.EventMessagesRead, payload))
		s.pushUnread(actor.ID(), dto.UnreadCountPayload{GroupID: group.ID})
	}

	if s.notifications != nil {
		if _, err := s.notifications.ClearSubject(ctx, actor.ID(), models.SubjectGroup, group.ID); err != nil {
			s.logger.Warn().Err(err).Uint("group_id", group.ID).Msg("failed to clear group notifications")
		}
	}
	return payload, nil
}

// DeleteMessage tombstones a group message. groupID, when set, must match the message's group.
func (s *groupChatService) DeleteMessage(ctx context.Context, actor Actor, groupID, messageID uint) (dto.MessageDeletedPayload, error) {
	message, err := s.groups.FindMessage(ctx, messageID)
	if err != nil {
		return dto.MessageDeletedPayload{}, storeError(err, "message")
	}
	if groupID != 0 && message.GroupChatID != groupID {
		return dto.MessageDeletedPayload{}, notFound("message")
	}
	if _, _, err := s.membership.AuthorizeGroup(ctx, actor, message.GroupChatID); err != nil {
		return dto.MessageDeletedPayload{}, err
	}
	if message.SenderID != actor.ID() {
		return dto.MessageDeletedPayload{}, forbidden("only the sender can delete this message", "")
	}

	deleted, err := s.groups.TombstoneMessage(ctx, message.ID)
	if err != nil {
		return dto.MessageDeletedPayload{}, storeError(err, "message")
	}

	payload := dto.MessageDeletedPayload{MessageID: deleted.ID, GroupID: deleted.GroupChatID, Content: deleted.Content}
	s.emitter.EmitToRoom(realtime.GroupRoom(deleted.GroupChatID), realtime.NewEvent(realtime.EventMessageDeleted, payload))
	return payload, nil
}

func (s *groupChatService) activeGroup(ctx context.Context, actor Actor, groupID uint) (models.GroupChat, error) {
	group, _, err := s.membership.AuthorizeGroup(ctx, actor, groupID)
	if err != nil {
		return models.GroupChat{}, err
	}
	if !group.IsActive {
		return models.GroupChat{}, notFound("group")
	}
	return group, nil
}

func (s *groupChatService) adminGroup(ctx context.Context, actor Actor, groupID uint, action string) (models.GroupChat, error) {
	group, err := s.activeGroup(ctx, actor, groupID)
	if err != nil {
		return models.GroupChat{}, err
	}
	if group.AdminID != actor.ID() {
		return models.GroupChat{}, forbidden("only the group admin can "+action, "")
	}
	return group, nil
}

// announce emits group-updated to the group room and to each affected user not viewing it.
func (s *groupChatService) announce(group models.GroupChat, action string, userIDs, direct []uint) {
	room := realtime.GroupRoom(group.ID)
	event := realtime.NewEvent(realtime.EventGroupUpdated, dto.GroupUpdatedPayload{
		Group:   dto.NewGroupChatResponse(group, 0),
		Action:  action,
		UserIDs: userIDs,
	})

	s.emitter.EmitToRoom(room, event)
	for _, userID := range direct {
		if !s.emitter.InRoom(userID, room) {
			s.emitter.EmitToUser(userID, event)
		}
	}
}

func (s *groupChatService) notifyAdded(ctx context.Context, actor Actor, group models.GroupChat, userIDs []uint) {
	if s.notifications == nil {
		return
	}
	for _, userID := range userIDs {
		_, err := s.notifications.Notify(ctx, dto.NotifyRequest{
			Type:           models.NotificationGroupAdded,
			RecipientID:    userID,
			OrganizationID: group.OrganizationID,
			Title:          notificationTitle("Added to %s", group.Name),
			Message:        fmt.Sprintf("%s added you to the group %s", actor.User.DisplayName(), group.Name),
			Metadata:       map[string]interface{}{"group_id": group.ID, "added_by": actor.ID()},
			SubjectType:    models.SubjectGroup,
			SubjectID:      group.ID,
		})
		if err != nil {
			s.logger.Warn().Err(err).Uint("group_id", group.ID).Uint("user_id", userID).Msg("failed to notify added participant")
		}
	}
}

// dropViewer removes a former member from the group room; they may not be connected.
func (s *groupChatService) dropViewer(userID, groupID uint) {
	if err := s.emitter.LeaveRoom(userID, realtime.GroupRoom(groupID)); err != nil && !errors.Is(err, realtime.ErrNotConnected) {
		s.logger.Warn().Err(err).Uint("user_id", userID).Uint("group_id", groupID).Msg("failed to leave group room")
	}
}
