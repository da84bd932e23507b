package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/crm-realtime-api/internal/config"
	"github.com/noah-isme/crm-realtime-api/internal/utils"
)

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Service     string    `json:"service"`
	Environment string    `json:"environment"`
	Node        string    `json:"node,omitempty"`
	Connections int       `json:"connections"`
}

// ConnectionCounter reports how many websocket sessions this node holds.
type ConnectionCounter interface {
	Count() int
}

// HealthCheck returns a handler that reports application health information.
func HealthCheck(cfg config.Config, node string, connections ConnectionCounter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC(),
			Service:     cfg.AppName,
			Environment: cfg.AppEnv,
			Node:        node,
		}
		if connections != nil {
			payload.Connections = connections.Count()
		}

		return utils.SendSuccess(c, "service healthy", payload)
	}
}
