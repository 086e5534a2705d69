package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
)

// PingFunc checks one backing connection.
type PingFunc func(ctx context.Context) error

type CoreHandler struct {
	db    PingFunc
	redis PingFunc
}

func NewCoreHandler(db, redis PingFunc) *CoreHandler {
	return &CoreHandler{db: db, redis: redis}
}

func (h *CoreHandler) Register(app fiber.Router) {
	app.Get("/", h.Root)
	app.Get("/healthz", h.Healthz)
	app.Get("/readyz", h.Readyz)
}

func (h *CoreHandler) Root(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"message": "Nendo server is running"})
}

func (h *CoreHandler) Healthz(c *fiber.Ctx) error {
	return c.SendStatus(fiber.StatusOK)
}

// Readyz fails while Postgres or Redis are unreachable so the load balancer
// holds traffic back during startup.
func (h *CoreHandler) Readyz(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
	defer cancel()

	for name, ping := range map[string]PingFunc{"postgres": h.db, "redis": h.redis} {
		if ping == nil {
			continue
		}
		if err := ping(ctx); err != nil {
			return fiber.NewError(fiber.StatusServiceUnavailable, name+" unavailable")
		}
	}
	return c.SendStatus(fiber.StatusOK)
}
