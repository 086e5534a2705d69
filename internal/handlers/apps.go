package handlers

import (
	"github.com/gofiber/fiber/v2"

	"nendo-server/internal/actions"
	"nendo-server/internal/apps"
)

type AppsHandler struct {
	svc  *actions.Service
	apps []apps.App
}

func NewAppsHandler(svc *actions.Service, registry []apps.App) *AppsHandler {
	return &AppsHandler{svc: svc, apps: registry}
}

// Register mounts one POST route per registered app plus a listing route.
func (h *AppsHandler) Register(r fiber.Router) {
	r.Get("/apps", h.List)
	for _, app := range h.apps {
		app := app
		r.Post("/apps/"+app.Name, func(c *fiber.Ctx) error {
			return h.run(c, app)
		})
	}
}

func (h *AppsHandler) List(c *fiber.Ctx) error {
	names := make([]string, 0, len(h.apps))
	for _, app := range h.apps {
		names = append(names, app.Name)
	}
	return respond(c, names)
}

type appRunRequest struct {
	TargetID   string                 `json:"target_id"`
	Parameters map[string]interface{} `json:"params"`
}

func (h *AppsHandler) run(c *fiber.Ctx, app apps.App) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	var req appRunRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
	}

	ids, err := h.svc.CreateDockerAction(c.Context(), user.ID, app.Request(req.TargetID, req.Parameters))
	if err != nil {
		return httpError(err)
	}
	noCache(c)
	return respond(c, fiber.Map{
		"action_ids": ids,
		"action_id":  ids[0],
	})
}
