package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/crm-realtime-api/internal/observability"
)

const apiPrefix = "/api/v1"

// Observability records request metrics and one access log line per API call. Websocket
// upgrades are logged when the socket closes, so their latency is the session length and
// is kept out of the latency histogram.
func Observability(logger zerolog.Logger) fiber.Handler {
	observability.RegisterMetrics()

	return func(c *fiber.Ctx) error {
		if !strings.HasPrefix(c.Path(), apiPrefix) {
			return c.Next()
		}

		start := time.Now()
		err := c.Next()
		elapsed := time.Since(start)

		route := c.Path()
		if r := c.Route(); r != nil && r.Path != "" {
			route = r.Path
		}
		method := c.Method()
		status := c.Response().StatusCode()
		if fiberErr, ok := err.(*fiber.Error); ok {
			status = fiberErr.Code
		}
		upgrade := strings.EqualFold(c.Get(fiber.HeaderUpgrade), "websocket")

		statusLabel := strconv.Itoa(status)
		observability.HTTPRequests().WithLabelValues(method, route, statusLabel).Inc()
		if !upgrade {
			observability.HTTPLatency().WithLabelValues(method, route).Observe(elapsed.Seconds())
		}
		if status >= fiber.StatusBadRequest {
			observability.HTTPErrors().WithLabelValues(method, route, statusLabel).Inc()
		}

		event := logger.Info()
		switch {
		case status >= fiber.StatusInternalServerError:
			event = logger.Error()
		case status >= fiber.StatusBadRequest:
			event = logger.Warn()
		}
		event = event.
			Str("correlation_id", GetCorrelationID(c)).
			Str("method", method).
			Str("route", route).
			Int("status", status).
			Dur("elapsed", elapsed).
			Bool("websocket", upgrade)
		if userID, ok := c.Locals(LocalUserID).(uint); ok {
			event = event.Uint("user_id", userID)
		}
		if orgID, ok := c.Locals(LocalOrganizationID).(uint); ok {
			event = event.Uint("organization_id", orgID)
		}
		event.Msg("api request")

		return err
	}
}
