package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/crm-realtime-api/internal/dto"
	"github.com/noah-isme/crm-realtime-api/internal/service"
	"github.com/noah-isme/crm-realtime-api/internal/utils"
)

// NotificationHandler manages SSE notification streams and the notification inbox.
type NotificationHandler struct {
	actorResolver
	service service.NotificationService
	logger  zerolog.Logger
	timeout time.Duration
}

// NewNotificationHandler constructs a handler instance. keepAlive bounds the gap between stream writes.
func NewNotificationHandler(notifications service.NotificationService, membership service.MembershipService, logger zerolog.Logger, keepAlive time.Duration) *NotificationHandler {
	return &NotificationHandler{
		actorResolver: actorResolver{membership: membership},
		service:       notifications,
		logger:        logger.With().Str("component", "notification_handler").Logger(),
		timeout:       keepAlive,
	}
}

// Register binds the notification routes. publish guards POST / and is typically a role check.
func (h *NotificationHandler) Register(router fiber.Router, publish func(fiber.Handler) fiber.Handler) {
	if publish == nil {
		publish = func(next fiber.Handler) fiber.Handler { return next }
	}
	router.Get("/", h.list)
	router.Post("/", publish(h.publish))
	router.Get("/stream", h.stream)
	router.Get("/unread-count", h.unreadCount)
	router.Post("/read-all", h.markAllRead)
	router.Patch("/:id/read", h.markRead)
	router.Delete("/:id", h.delete)
}

func (h *NotificationHandler) list(c *fiber.Ctx) error {
	var query dto.NotificationListQuery
	if err := c.QueryParser(&query); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid query")
	}

	notifications, err := h.service.List(requestContext(c), userIDFromContext(c), query)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	return utils.OK(c, notifications, "notifications", fiber.Map{"limit": query.Limit, "offset": query.Offset})
}

// publish lets CRM workflows raise lead events for a colleague in the caller's organization.
func (h *NotificationHandler) publish(c *fiber.Ctx) error {
	actor, err := h.actor(c)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	var payload dto.NotifyRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	ctx := requestContext(c)
	if _, err := h.membership.OrganizationMembers(ctx, actor, []uint{payload.RecipientID}); err != nil {
		return sendServiceError(c, h.logger, err)
	}
	payload.OrganizationID = actor.OrganizationID()

	notification, err := h.service.Notify(ctx, payload)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "notification sent", notification)
}

func (h *NotificationHandler) stream(c *fiber.Ctx) error {
	userID := userIDFromContext(c)
	if userID == 0 {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	ctx, cancel := context.WithCancel(requestContext(c))
	stream, cleanup := h.service.Subscribe(userID)

	keepAliveInterval := h.timeout
	if keepAliveInterval <= 0 {
		keepAliveInterval = 30 * time.Second
	}

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			cleanup()
			cancel()
		}()

		ticker := time.NewTicker(keepAliveInterval / 2)
		defer ticker.Stop()

		for {
			select {
			case notification, ok := <-stream:
				if !ok {
					return
				}
				if err := writeNotificationEvent(w, notification); err != nil {
					h.logger.Debug().Err(err).Msg("failed to write notification event")
					return
				}
			case <-ticker.C:
				if err := writeKeepAlive(w); err != nil {
					h.logger.Debug().Err(err).Msg("failed to write notification keepalive")
					return
				}
			case <-ctx.Done():
				return
			}
		}
	})

	return nil
}

func (h *NotificationHandler) unreadCount(c *fiber.Ctx) error {
	count, err := h.service.UnreadCount(requestContext(c), userIDFromContext(c))
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "unread notifications", dto.NotificationCountResponse{Count: count})
}

func (h *NotificationHandler) markRead(c *fiber.Ctx) error {
	notificationID, err := parseIDParam(c, "id")
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	notification, err := h.service.MarkRead(requestContext(c), notificationID, userIDFromContext(c))
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "notification updated", notification)
}

func (h *NotificationHandler) markAllRead(c *fiber.Ctx) error {
	count, err := h.service.MarkAllRead(requestContext(c), userIDFromContext(c))
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "notifications updated", dto.NotificationCountResponse{Count: count})
}

func (h *NotificationHandler) delete(c *fiber.Ctx) error {
	notificationID, err := parseIDParam(c, "id")
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	if err := h.service.Delete(requestContext(c), notificationID, userIDFromContext(c)); err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "notification deleted", nil)
}

func writeNotificationEvent(w *bufio.Writer, notification dto.NotificationResponse) error {
	payload, err := json.Marshal(notification)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "id: %d\nevent: notification\n", notification.ID); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	return w.Flush()
}

func writeKeepAlive(w *bufio.Writer) error {
	if _, err := fmt.Fprintf(w, ": keep-alive %s\n\n", time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return w.Flush()
}
