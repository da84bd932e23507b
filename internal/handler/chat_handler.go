package handler

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/crm-realtime-api/internal/dto"
	"github.com/noah-isme/crm-realtime-api/internal/middleware"
	"github.com/noah-isme/crm-realtime-api/internal/service"
	"github.com/noah-isme/crm-realtime-api/internal/utils"
)

// ChatHandler wires direct chat endpoints including the websocket upgrade.
type ChatHandler struct {
	actorResolver
	service   service.ChatService
	gateway   service.GatewayService
	sendLimit fiber.Handler
	logger    zerolog.Logger
}

// NewChatHandler creates a chat handler instance. sendLimit guards message creation and may be nil.
func NewChatHandler(chat service.ChatService, gateway service.GatewayService, membership service.MembershipService, sendLimit fiber.Handler, logger zerolog.Logger) *ChatHandler {
	if sendLimit == nil {
		sendLimit = func(c *fiber.Ctx) error { return c.Next() }
	}
	return &ChatHandler{
		actorResolver: actorResolver{membership: membership},
		service:       chat,
		gateway:       gateway,
		sendLimit:     sendLimit,
		logger:        logger.With().Str("component", "chat_handler").Logger(),
	}
}

// Register binds chat routes under the provided router group. The group must already be authenticated.
func (h *ChatHandler) Register(router fiber.Router) {
	router.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("request_ctx", requestContext(c))
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	router.Get("/ws", websocket.New(h.handleConnection))

	router.Get("/conversations", h.listConversations)
	router.Post("/conversations", h.openConversation)
	router.Get("/conversations/:id", h.getConversation)
	router.Delete("/conversations/:id", h.closeConversation)
	router.Get("/conversations/:id/messages", h.history)
	router.Post("/conversations/:id/messages", h.sendLimit, h.sendMessage)
	router.Post("/conversations/:id/attachments", h.sendLimit, h.uploadAttachment)
	router.Post("/conversations/:id/read", h.markRead)
	router.Delete("/messages/:id", h.deleteMessage)
	router.Get("/contacts", h.contacts)
	router.Get("/unread-count", h.unreadCount)
}

func (h *ChatHandler) handleConnection(conn *websocket.Conn) {
	userID, _ := conn.Locals(middleware.LocalUserID).(uint)
	correlation, _ := conn.Locals("correlation_id").(string)
	baseCtx, _ := conn.Locals("request_ctx").(context.Context)

	h.gateway.ServeConnection(conn, service.GatewayOptions{
		UserID:        userID,
		CorrelationID: correlation,
		Context:       baseCtx,
	})
}

func (h *ChatHandler) listConversations(c *fiber.Ctx) error {
	actor, err := h.actor(c)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	conversations, err := h.service.ListConversations(requestContext(c), actor)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "conversations", conversations)
}

func (h *ChatHandler) openConversation(c *fiber.Ctx) error {
	actor, err := h.actor(c)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	var payload dto.GetOrCreateConversationRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	loaded, created, err := h.service.OpenConversation(requestContext(c), actor, payload)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	if created {
		return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "conversation created", loaded)
	}
	return utils.SendSuccess(c, "conversation loaded", loaded)
}

func (h *ChatHandler) getConversation(c *fiber.Ctx) error {
	actor, err := h.actor(c)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	conversationID, err := parseIDParam(c, "id")
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	loaded, err := h.service.GetConversation(requestContext(c), actor, conversationID)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "conversation loaded", loaded)
}

func (h *ChatHandler) closeConversation(c *fiber.Ctx) error {
	actor, err := h.actor(c)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	conversationID, err := parseIDParam(c, "id")
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	if err := h.service.CloseConversation(requestContext(c), actor, conversationID); err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "conversation closed", nil)
}

func (h *ChatHandler) history(c *fiber.Ctx) error {
	actor, err := h.actor(c)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	conversationID, err := parseIDParam(c, "id")
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	query, err := historyQuery(c)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	messages, err := h.service.History(requestContext(c), actor, conversationID, query)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "chat history", messages)
}

func (h *ChatHandler) sendMessage(c *fiber.Ctx) error {
	actor, err := h.actor(c)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	conversationID, err := parseIDParam(c, "id")
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	var payload dto.SendMessageRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	payload.ConversationID = conversationID

	result, err := h.service.SendMessage(requestContext(c), actor, payload, clientRequestID(c))
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "message sent", result.Message)
}

func (h *ChatHandler) uploadAttachment(c *fiber.Ctx) error {
	actor, err := h.actor(c)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	conversationID, err := parseIDParam(c, "id")
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	var payload dto.UploadAttachmentRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	payload.ConversationID = conversationID

	result, err := h.service.UploadAttachment(requestContext(c), actor, payload, clientRequestID(c))
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "attachment sent", result.Message)
}

func (h *ChatHandler) markRead(c *fiber.Ctx) error {
	actor, err := h.actor(c)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	conversationID, err := parseIDParam(c, "id")
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	read, err := h.service.MarkRead(requestContext(c), actor, conversationID)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "messages read", read)
}

func (h *ChatHandler) deleteMessage(c *fiber.Ctx) error {
	actor, err := h.actor(c)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	messageID, err := parseIDParam(c, "id")
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	deleted, err := h.service.DeleteMessage(requestContext(c), actor, messageID)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "message deleted", deleted)
}

func (h *ChatHandler) contacts(c *fiber.Ctx) error {
	actor, err := h.actor(c)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	contacts, err := h.service.Contacts(requestContext(c), actor)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "contacts", contacts)
}

func (h *ChatHandler) unreadCount(c *fiber.Ctx) error {
	actor, err := h.actor(c)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	summary, err := h.service.UnreadSummary(requestContext(c), actor)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "unread summary", summary)
}

// clientRequestID echoes a caller-supplied id on message-delivered; it defaults to the correlation id.
func clientRequestID(c *fiber.Ctx) string {
	if id := strings.TrimSpace(c.Get("X-Request-ID")); id != "" {
		return id
	}
	return middleware.GetCorrelationID(c)
}
