package handlers

import (
	"github.com/gofiber/fiber/v2"

	"nendo-server/internal/actions"
)

type ActionsHandler struct {
	svc *actions.Service
}

func NewActionsHandler(svc *actions.Service) *ActionsHandler {
	return &ActionsHandler{svc: svc}
}

func (h *ActionsHandler) Register(r fiber.Router) {
	r.Get("/actions", h.List)
	r.Get("/actions/:id", h.Get)
	r.Delete("/actions/:id", h.Abort)
}

// List returns all of the user's jobs, newest first. Statuses change outside
// the request cycle, so the response must never be cached.
func (h *ActionsHandler) List(c *fiber.Ctx) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	statuses, err := h.svc.GetAllActionStatuses(c.Context(), user.ID)
	if err != nil {
		return httpError(err)
	}
	noCache(c)
	return respond(c, statuses)
}

func (h *ActionsHandler) Get(c *fiber.Ctx) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	status, err := h.svc.GetActionStatus(c.Context(), user.ID, c.Params("id"))
	if err != nil {
		return httpError(err)
	}
	noCache(c)
	return respond(c, status)
}

func (h *ActionsHandler) Abort(c *fiber.Ctx) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	if err := h.svc.AbortAction(c.Context(), user.ID, c.Params("id")); err != nil {
		return httpError(err)
	}
	noCache(c)
	return respond(c, "success")
}
