package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/crm-realtime-api/internal/service"
	"github.com/noah-isme/crm-realtime-api/internal/utils"
)

// PresenceHandler serves organization presence snapshots and manual sweeps.
type PresenceHandler struct {
	actorResolver
	service service.PresenceService
	logger  zerolog.Logger
}

// NewPresenceHandler constructs a presence handler.
func NewPresenceHandler(presence service.PresenceService, membership service.MembershipService, logger zerolog.Logger) *PresenceHandler {
	return &PresenceHandler{
		actorResolver: actorResolver{membership: membership},
		service:       presence,
		logger:        logger.With().Str("component", "presence_handler").Logger(),
	}
}

// Register binds presence routes. admin guards the sweep trigger.
func (h *PresenceHandler) Register(router fiber.Router, admin func(fiber.Handler) fiber.Handler) {
	if admin == nil {
		admin = func(next fiber.Handler) fiber.Handler { return next }
	}
	router.Get("/", h.snapshot)
	router.Post("/sweep", admin(h.sweep))
}

func (h *PresenceHandler) snapshot(c *fiber.Ctx) error {
	actor, err := h.actor(c)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	snapshot, err := h.service.OrganizationPresence(requestContext(c), actor.OrganizationID())
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "presence", snapshot)
}

func (h *PresenceHandler) sweep(c *fiber.Ctx) error {
	result, err := h.service.Sweep(requestContext(c))
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	requestLogger(h.logger, c).Info().
		Int("users_marked_offline", result.UsersMarkedOffline).
		Int("connections_evicted", result.ConnectionsEvicted).
		Msg("manual presence sweep")
	return utils.SendSuccess(c, "presence swept", result)
}
