package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	"github.com/noah-isme/crm-realtime-api/internal/dto"
	"github.com/noah-isme/crm-realtime-api/internal/models"
	"github.com/noah-isme/crm-realtime-api/internal/observability"
	"github.com/noah-isme/crm-realtime-api/internal/realtime"
	"github.com/noah-isme/crm-realtime-api/internal/repository"
)

const notificationBufferSize = 16

// Delivery labels recorded for each published notification.
const (
	deliveryDurable = "durable"
	deliveryLive    = "live"
)

// NotificationService stores notifications durably and pushes them to reachable recipients.
type NotificationService interface {
	Notify(ctx context.Context, payload dto.NotifyRequest) (dto.NotificationResponse, error)
	List(ctx context.Context, recipientID uint, query dto.NotificationListQuery) ([]dto.NotificationResponse, error)
	MarkRead(ctx context.Context, id, recipientID uint) (dto.NotificationResponse, error)
	MarkAllRead(ctx context.Context, recipientID uint) (int64, error)
	ClearSubject(ctx context.Context, recipientID uint, subjectType string, subjectID uint) (int64, error)
	Delete(ctx context.Context, id, recipientID uint) error
	UnreadCount(ctx context.Context, recipientID uint) (int64, error)
	Subscribe(recipientID uint) (<-chan dto.NotificationResponse, func())
}

type notificationService struct {
	repo      repository.NotificationRepository
	emitter   Emitter
	validator *validator.Validate
	logger    zerolog.Logger
	tracer    trace.Tracer
	sanitizer *bluemonday.Policy
	broker    *notificationBroker
	now       func() time.Time
}

type notificationBroker struct {
	mu          sync.RWMutex
	subscribers map[uint]map[chan dto.NotificationResponse]struct{}
}

// NewNotificationService constructs a notification service.
func NewNotificationService(repo repository.NotificationRepository, emitter Emitter, validate *validator.Validate, logger zerolog.Logger) NotificationService {
	return &notificationService{
		repo:      repo,
		emitter:   emitter,
		validator: validate,
		logger:    logger.With().Str("component", "notification_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/crm-realtime-api/internal/service/notification"),
		sanitizer: bluemonday.StrictPolicy(),
		broker: &notificationBroker{
			subscribers: make(map[uint]map[chan dto.NotificationResponse]struct{}),
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Notify writes the notification first and then pushes it live when the recipient has an open connection.
// There is no deduplication; callers may deliver the same notice twice.
func (s *notificationService) Notify(ctx context.Context, payload dto.NotifyRequest) (dto.NotificationResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.NotificationResponse{}, err
	}

	title := strings.TrimSpace(s.sanitizer.Sanitize(payload.Title))
	message := strings.TrimSpace(s.sanitizer.Sanitize(payload.Message))
	if title == "" || message == "" {
		return dto.NotificationResponse{}, invalid("notification is empty after sanitization")
	}

	attrs := []attribute.KeyValue{
		attribute.Int("notification.recipient_id", int(payload.RecipientID)),
		attribute.String("notification.type", string(payload.Type)),
	}
	spanCtx, span := s.tracer.Start(ctx, "notifications.notify", trace.WithAttributes(attrs...))
	defer span.End()

	model := models.Notification{
		Type:           payload.Type,
		RecipientID:    payload.RecipientID,
		OrganizationID: payload.OrganizationID,
		Title:          title,
		Message:        message,
		SubjectType:    payload.SubjectType,
		SubjectID:      payload.SubjectID,
	}
	if len(payload.Metadata) > 0 {
		model.Metadata = datatypes.JSONMap(payload.Metadata)
	}

	if err := s.repo.Create(spanCtx, &model); err != nil {
		span.RecordError(err)
		return dto.NotificationResponse{}, storeError(err, "notification")
	}

	response := dto.NewNotificationResponse(model)
	s.broker.broadcast(response.RecipientID, response)

	delivery := deliveryDurable
	if s.emitter != nil && s.emitter.IsReachable(response.RecipientID) {
		eventType := realtime.EventNotification
		if response.Type.IsChat() {
			eventType = realtime.EventNewMessageNotification
		}
		if s.emitter.EmitToUser(response.RecipientID, realtime.NewEvent(eventType, response)) > 0 {
			delivery = deliveryLive
		}
	}
	span.SetAttributes(attribute.String("notification.delivery", delivery))
	observability.NotificationsPublishedTotal().WithLabelValues(string(response.Type), delivery).Inc()

	return response, nil
}

func (s *notificationService) List(ctx context.Context, recipientID uint, query dto.NotificationListQuery) ([]dto.NotificationResponse, error) {
	if recipientID == 0 {
		return nil, unauthenticated("recipient is required")
	}
	if err := s.validator.Struct(query); err != nil {
		return nil, err
	}

	notifications, err := s.repo.ListByRecipient(ctx, recipientID, repository.NotificationFilter{
		Limit:      query.Limit,
		Offset:     query.Offset,
		UnreadOnly: query.UnreadOnly,
	})
	if err != nil {
		return nil, storeError(err, "notifications")
	}

	return dto.NewNotificationResponseSlice(notifications), nil
}

func (s *notificationService) MarkRead(ctx context.Context, id, recipientID uint) (dto.NotificationResponse, error) {
	attrs := []attribute.KeyValue{
		attribute.Int("notification.recipient_id", int(recipientID)),
	}
	spanCtx, span := s.tracer.Start(ctx, "notifications.mark_read", trace.WithAttributes(attrs...))
	defer span.End()

	notification, err := s.repo.MarkRead(spanCtx, id, recipientID, s.now())
	if err != nil {
		span.RecordError(err)
		return dto.NotificationResponse{}, storeError(err, "notification")
	}

	return dto.NewNotificationResponse(notification), nil
}

func (s *notificationService) MarkAllRead(ctx context.Context, recipientID uint) (int64, error) {
	count, err := s.repo.MarkAllRead(ctx, recipientID, s.now())
	if err != nil {
		return 0, storeError(err, "notifications")
	}
	return count, nil
}

// ClearSubject marks the unread notifications raised for one conversation or group as read.
func (s *notificationService) ClearSubject(ctx context.Context, recipientID uint, subjectType string, subjectID uint) (int64, error) {
	count, err := s.repo.MarkSubjectRead(ctx, recipientID, subjectType, subjectID, s.now())
	if err != nil {
		return 0, storeError(err, "notifications")
	}
	return count, nil
}

func (s *notificationService) Delete(ctx context.Context, id, recipientID uint) error {
	return storeError(s.repo.SoftDelete(ctx, id, recipientID), "notification")
}

func (s *notificationService) UnreadCount(ctx context.Context, recipientID uint) (int64, error) {
	count, err := s.repo.CountUnread(ctx, recipientID)
	if err != nil {
		return 0, storeError(err, "notifications")
	}
	return count, nil
}

func (s *notificationService) Subscribe(recipientID uint) (<-chan dto.NotificationResponse, func()) {
	channel := make(chan dto.NotificationResponse, notificationBufferSize)

	s.broker.subscribe(recipientID, channel)
	observability.SSEClientsActive().Inc()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			s.broker.unsubscribe(recipientID, channel)
			observability.SSEClientsActive().Dec()
		})
	}

	return channel, cleanup
}

func (b *notificationBroker) subscribe(recipientID uint, ch chan dto.NotificationResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[recipientID]; !exists {
		b.subscribers[recipientID] = make(map[chan dto.NotificationResponse]struct{})
	}
	b.subscribers[recipientID][ch] = struct{}{}
}

func (b *notificationBroker) unsubscribe(recipientID uint, ch chan dto.NotificationResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subscribers, ok := b.subscribers[recipientID]; ok {
		delete(subscribers, ch)
		close(ch)
		if len(subscribers) == 0 {
			delete(b.subscribers, recipientID)
		}
	}
}

func (b *notificationBroker) broadcast(recipientID uint, notification dto.NotificationResponse) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers[recipientID] {
		select {
		case ch <- notification:
		default:
		}
	}
}
