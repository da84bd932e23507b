package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/crm-realtime-api/internal/config"
	"github.com/noah-isme/crm-realtime-api/internal/handler"
	"github.com/noah-isme/crm-realtime-api/internal/middleware"
	"github.com/noah-isme/crm-realtime-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	ChatHandler         *handler.ChatHandler
	GroupHandler        *handler.GroupHandler
	NotificationHandler *handler.NotificationHandler
	PresenceHandler     *handler.PresenceHandler
	Connections         handler.ConnectionCounter
	NodeID              string
	JWTMiddleware       fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	// Common v1 group for health & headers
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.NodeID, deps.Connections))

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	if deps.ChatHandler != nil {
		deps.ChatHandler.Register(api.Group("/chat", jwtMiddleware))
	}

	if deps.GroupHandler != nil {
		deps.GroupHandler.Register(api.Group("/groups", jwtMiddleware))
	}

	if deps.NotificationHandler != nil {
		deps.NotificationHandler.Register(api.Group("/notifications", jwtMiddleware), roleGuard(middleware.AuthRolePublish))
	}

	if deps.PresenceHandler != nil {
		deps.PresenceHandler.Register(api.Group("/presence", jwtMiddleware), roleGuard(middleware.AuthRoleAdmin))
	}
}

func roleGuard(role string) func(fiber.Handler) fiber.Handler {
	return func(next fiber.Handler) fiber.Handler {
		return middleware.WithAuth(next, middleware.AuthOptions{Role: role})
	}
}
