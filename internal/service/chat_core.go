package service

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/crm-realtime-api/internal/dto"
	"github.com/noah-isme/crm-realtime-api/internal/realtime"
	"github.com/noah-isme/crm-realtime-api/internal/repository"
)

const (
	notificationPreviewLength = 140
	notificationTitleLength   = 255
)

// plainText strips all markup; it decides whether content has anything visible.
var plainText = bluemonday.StrictPolicy()

// ChatDependencies bundles the collaborators shared by the direct and group chat services.
type ChatDependencies struct {
	Membership    MembershipService
	Conversations repository.ConversationRepository
	Groups        repository.GroupRepository
	Notifications NotificationService
	Emitter       Emitter
	Sequencer     *realtime.RoomSequencer
	Attachments   AttachmentPolicy
	Validator     *validator.Validate
	Logger        zerolog.Logger
}

// SendResult is the outcome of a message pipeline run. Stages lists every stage that executed.
type SendResult struct {
	Message dto.MessageResponse
	Stages  []string
}

type chatCore struct {
	membership    MembershipService
	conversations repository.ConversationRepository
	groups        repository.GroupRepository
	notifications NotificationService
	emitter       Emitter
	sequencer     *realtime.RoomSequencer
	attachments   AttachmentPolicy
	validator     *validator.Validate
	sanitizer     *bluemonday.Policy
	logger        zerolog.Logger
	tracer        trace.Tracer
	now           func() time.Time
}

func newChatCore(deps ChatDependencies, component, tracerName string) chatCore {
	sanitizer := bluemonday.UGCPolicy()
	sanitizer.AllowElements("br")

	sequencer := deps.Sequencer
	if sequencer == nil {
		sequencer = realtime.NewRoomSequencer()
	}

	return chatCore{
		membership:    deps.Membership,
		conversations: deps.Conversations,
		groups:        deps.Groups,
		notifications: deps.Notifications,
		emitter:       deps.Emitter,
		sequencer:     sequencer,
		attachments:   deps.Attachments,
		validator:     deps.Validator,
		sanitizer:     sanitizer,
		logger:        deps.Logger.With().Str("component", component).Logger(),
		tracer:        otel.Tracer(tracerName),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// cleanContent sanitises message content; empty content is only allowed alongside attachments.
func (c chatCore) cleanContent(content string, attachmentCount int) (string, error) {
	clean := strings.TrimSpace(c.sanitizer.Sanitize(content))
	if strings.TrimSpace(plainText.Sanitize(clean)) == "" {
		if attachmentCount == 0 {
			return "", invalid("message content is required")
		}
		return "", nil
	}
	return clean, nil
}

// notifyAbsent raises a notification for a recipient who is not viewing room. Recipients
// already joined to the room get nothing.
func (c chatCore) notifyAbsent(ctx context.Context, room realtime.Room, payload dto.NotifyRequest) error {
	if c.notifications == nil || c.emitter.InRoom(payload.RecipientID, room) {
		return nil
	}
	_, err := c.notifications.Notify(ctx, payload)
	return err
}

func (c chatCore) pushUnread(userID uint, payload dto.UnreadCountPayload) {
	c.emitter.EmitToUser(userID, realtime.NewEvent(realtime.EventUnreadCountUpdated, payload))
}

func (c chatCore) pageBefore(query dto.MessageHistoryQuery) (time.Time, error) {
	if err := c.validator.Struct(query); err != nil {
		return time.Time{}, err
	}
	if query.Before == nil {
		return time.Time{}, nil
	}
	return query.Before.UTC(), nil
}

// preview shortens message content for a notification body. Content with no visible text
// falls back to a generic line so the notification always has a body.
func preview(content string) string {
	if strings.TrimSpace(content) == "" {
		return "Sent an attachment"
	}
	text := strings.TrimSpace(plainText.Sanitize(content))
	if text == "" {
		return "Sent a message"
	}
	return truncateRunes(text, notificationPreviewLength, "...")
}

// notificationTitle caps a title at the notification title limit.
func notificationTitle(format string, args ...interface{}) string {
	return truncateRunes(strings.TrimSpace(fmt.Sprintf(format, args...)), notificationTitleLength, "")
}

func truncateRunes(s string, limit int, suffix string) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit]) + suffix
}
