package handler

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/crm-realtime-api/internal/dto"
	"github.com/noah-isme/crm-realtime-api/internal/middleware"
	"github.com/noah-isme/crm-realtime-api/internal/service"
	"github.com/noah-isme/crm-realtime-api/internal/utils"
)

func parseQueryInt(c *fiber.Ctx, key string) (int, error) {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	return parsed, nil
}

func parseIDParam(c *fiber.Ctx, key string) (uint, error) {
	parsed, err := strconv.ParseUint(strings.TrimSpace(c.Params(key)), 10, 64)
	if err != nil || parsed == 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, "invalid "+strings.ReplaceAll(key, "Id", " id"))
	}
	return uint(parsed), nil
}

func userIDFromContext(c *fiber.Ctx) uint {
	switch id := c.Locals(middleware.LocalUserID).(type) {
	case uint:
		return id
	case int:
		if id < 0 {
			return 0
		}
		return uint(id)
	case float64:
		if id < 0 {
			return 0
		}
		return uint(id)
	}
	return 0
}

func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c != nil {
		if correlation := middleware.GetCorrelationID(c); correlation != "" {
			logger = base.With().Str("correlation_id", correlation).Logger()
		}
	}
	return &logger
}

func historyQuery(c *fiber.Ctx) (dto.MessageHistoryQuery, error) {
	var query dto.MessageHistoryQuery
	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return query, fiber.NewError(fiber.StatusBadRequest, "invalid limit")
	}
	query.Limit = limit

	if before := strings.TrimSpace(c.Query("before")); before != "" {
		parsed, err := time.Parse(time.RFC3339, before)
		if err != nil {
			return query, fiber.NewError(fiber.StatusBadRequest, "invalid before timestamp")
		}
		query.Before = &parsed
	}
	return query, nil
}

// actorResolver loads the caller through the same membership rules the websocket gateway applies.
type actorResolver struct {
	membership service.MembershipService
}

func (r actorResolver) actor(c *fiber.Ctx) (service.Actor, error) {
	return r.membership.ResolveActor(requestContext(c), userIDFromContext(c))
}

func statusForKind(kind service.ErrorKind) int {
	switch kind {
	case service.KindAuthentication:
		return fiber.StatusUnauthorized
	case service.KindAuthorization:
		return fiber.StatusForbidden
	case service.KindValidation:
		return fiber.StatusBadRequest
	case service.KindNotFound:
		return fiber.StatusNotFound
	case service.KindConflict:
		return fiber.StatusConflict
	default:
		return fiber.StatusInternalServerError
	}
}

// sendServiceError maps a classified service failure onto the response envelope.
func sendServiceError(c *fiber.Ctx, logger zerolog.Logger, err error) error {
	if fiberErr, ok := err.(*fiber.Error); ok {
		return utils.SendError(c, fiberErr.Code, fiberErr.Message)
	}

	kind := service.KindOf(err)
	status := statusForKind(kind)
	if status >= fiber.StatusInternalServerError {
		requestLogger(logger, c).Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}

	details := fiber.Map{"code": string(kind)}
	if permission := service.PermissionOf(err); permission != "" {
		details["required_permission"] = permission
	}
	return utils.Fail(c, status, service.PublicMessage(err), details)
}
