package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/crm-realtime-api/internal/dto"
	"github.com/noah-isme/crm-realtime-api/internal/service"
	"github.com/noah-isme/crm-realtime-api/internal/utils"
)

// GroupHandler exposes group chat management and messaging.
type GroupHandler struct {
	actorResolver
	service   service.GroupChatService
	sendLimit fiber.Handler
	logger    zerolog.Logger
}

// NewGroupHandler constructs a group handler. sendLimit guards message creation and may be nil.
func NewGroupHandler(groups service.GroupChatService, membership service.MembershipService, sendLimit fiber.Handler, logger zerolog.Logger) *GroupHandler {
	if sendLimit == nil {
		sendLimit = func(c *fiber.Ctx) error { return c.Next() }
	}
	return &GroupHandler{
		actorResolver: actorResolver{membership: membership},
		service:       groups,
		sendLimit:     sendLimit,
		logger:        logger.With().Str("component", "group_handler").Logger(),
	}
}

// Register binds the group routes.
func (h *GroupHandler) Register(router fiber.Router) {
	router.Get("/", h.list)
	router.Post("/", h.create)
	router.Get("/:id", h.get)
	router.Delete("/:id", h.delete)
	router.Post("/:id/participants", h.addParticipants)
	router.Delete("/:id/participants/:userId", h.removeParticipant)
	router.Post("/:id/leave", h.leave)
	router.Post("/:id/admin", h.transferAdmin)
	router.Get("/:id/messages", h.history)
	router.Post("/:id/messages", h.sendLimit, h.sendMessage)
	router.Post("/:id/read", h.markRead)
	router.Delete("/:id/messages/:messageId", h.deleteMessage)
}

func (h *GroupHandler) list(c *fiber.Ctx) error {
	actor, err := h.actor(c)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	groups, err := h.service.List(requestContext(c), actor)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "groups", groups)
}

func (h *GroupHandler) create(c *fiber.Ctx) error {
	actor, err := h.actor(c)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	var payload dto.GroupCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	group, err := h.service.Create(requestContext(c), actor, payload)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "group created", group)
}

func (h *GroupHandler) get(c *fiber.Ctx) error {
	actor, groupID, err := h.actorAndGroup(c)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	loaded, err := h.service.Get(requestContext(c), actor, groupID)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "group loaded", loaded)
}

func (h *GroupHandler) delete(c *fiber.Ctx) error {
	actor, groupID, err := h.actorAndGroup(c)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	if err := h.service.Delete(requestContext(c), actor, groupID); err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "group deleted", nil)
}

func (h *GroupHandler) addParticipants(c *fiber.Ctx) error {
	actor, groupID, err := h.actorAndGroup(c)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	var payload dto.GroupParticipantsRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	group, err := h.service.AddParticipants(requestContext(c), actor, groupID, payload)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "participants added", group)
}

func (h *GroupHandler) removeParticipant(c *fiber.Ctx) error {
	actor, groupID, err := h.actorAndGroup(c)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	userID, err := parseIDParam(c, "userId")
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	group, err := h.service.RemoveParticipant(requestContext(c), actor, groupID, userID)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "participant removed", group)
}

func (h *GroupHandler) leave(c *fiber.Ctx) error {
	actor, groupID, err := h.actorAndGroup(c)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	if err := h.service.Leave(requestContext(c), actor, groupID); err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "left group", nil)
}

func (h *GroupHandler) transferAdmin(c *fiber.Ctx) error {
	actor, groupID, err := h.actorAndGroup(c)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	var payload dto.GroupTransferAdminRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	group, err := h.service.TransferAdmin(requestContext(c), actor, groupID, payload)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "admin transferred", group)
}

func (h *GroupHandler) history(c *fiber.Ctx) error {
	actor, groupID, err := h.actorAndGroup(c)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	query, err := historyQuery(c)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	messages, err := h.service.History(requestContext(c), actor, groupID, query)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "group history", messages)
}

func (h *GroupHandler) sendMessage(c *fiber.Ctx) error {
	actor, groupID, err := h.actorAndGroup(c)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	var payload dto.SendGroupMessageRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	payload.GroupID = groupID

	result, err := h.service.SendMessage(requestContext(c), actor, payload, clientRequestID(c))
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "message sent", result.Message)
}

func (h *GroupHandler) markRead(c *fiber.Ctx) error {
	actor, groupID, err := h.actorAndGroup(c)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	read, err := h.service.MarkRead(requestContext(c), actor, groupID)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "messages read", read)
}

func (h *GroupHandler) deleteMessage(c *fiber.Ctx) error {
	actor, groupID, err := h.actorAndGroup(c)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	messageID, err := parseIDParam(c, "messageId")
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	deleted, err := h.service.DeleteMessage(requestContext(c), actor, groupID, messageID)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "message deleted", deleted)
}

func (h *GroupHandler) actorAndGroup(c *fiber.Ctx) (service.Actor, uint, error) {
	actor, err := h.actor(c)
	if err != nil {
		return service.Actor{}, 0, err
	}
	groupID, err := parseIDParam(c, "id")
	if err != nil {
		return service.Actor{}, 0, err
	}
	return actor, groupID, nil
}
