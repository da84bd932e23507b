package middleware

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const (
	// HeaderCorrelationID is echoed on every response.
	HeaderCorrelationID = "X-Correlation-ID"
	// LocalCorrelationID is the fiber Locals key holding the request's correlation id.
	LocalCorrelationID = "correlation_id"

	maxCorrelationLength = 128
)

type correlationKey struct{}

// CorrelationID tags each request with an id taken from X-Correlation-ID, X-Request-ID or,
// for websocket upgrades where browsers cannot set headers, the correlation_id query parameter.
func CorrelationID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := firstCorrelation(
			c.Get(HeaderCorrelationID),
			c.Get(fiber.HeaderXRequestID),
			c.Query("correlation_id"),
		)

		c.Locals(LocalCorrelationID, id)
		c.Set(HeaderCorrelationID, id)
		c.SetUserContext(ContextWithCorrelation(c.UserContext(), id))
		return c.Next()
	}
}

func firstCorrelation(candidates ...string) string {
	for _, candidate := range candidates {
		candidate = strings.TrimSpace(candidate)
		if candidate != "" && len(candidate) <= maxCorrelationLength {
			return candidate
		}
	}
	return uuid.NewString()
}

// GetCorrelationID returns the id bound by CorrelationID, or "" outside a tagged request.
func GetCorrelationID(c *fiber.Ctx) string {
	if c == nil {
		return ""
	}
	if id, ok := c.Locals(LocalCorrelationID).(string); ok {
		return id
	}
	return CorrelationFromContext(c.UserContext())
}

// CorrelationFromContext reads the id stored by ContextWithCorrelation.
func CorrelationFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

func ContextWithCorrelation(ctx context.Context, correlationID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, correlationID)
}
