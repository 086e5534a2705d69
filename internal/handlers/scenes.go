package handlers

import (
	"encoding/json"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"nendo-server/internal/domain"
	"nendo-server/internal/postgres"
)

// ScenesHandler persists mashuper arrangements. The generate run itself goes
// through the regular app route; only the scenes live here.
type ScenesHandler struct {
	lib *postgres.Library
}

func NewScenesHandler(lib *postgres.Library) *ScenesHandler {
	return &ScenesHandler{lib: lib}
}

func (h *ScenesHandler) Register(r fiber.Router) {
	r.Post("/apps/mashuper/scenes", h.Create)
	r.Get("/apps/mashuper/scenes", h.List)
	r.Get("/apps/mashuper/scenes/:sceneID", h.Get)
	r.Patch("/apps/mashuper/scenes/:sceneID", h.Update)
	r.Delete("/apps/mashuper/scenes/:sceneID", h.Delete)
}

type sceneRequest struct {
	Name     string          `json:"name"`
	Author   string          `json:"author"`
	Date     string          `json:"date"`
	Channels json.RawMessage `json:"channels"`
	Tempo    int             `json:"tempo"`
}

func parseSceneID(c *fiber.Ctx) (int, error) {
	id, err := strconv.Atoi(c.Params("sceneID"))
	if err != nil {
		return 0, fiber.NewError(fiber.StatusBadRequest, "invalid scene id")
	}
	return id, nil
}

func (h *ScenesHandler) Create(c *fiber.Ctx) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	var req sceneRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" {
		return fiber.NewError(fiber.StatusBadRequest, "scene name is required")
	}
	scene := &domain.Scene{
		UserID:   user.ID,
		Name:     req.Name,
		Author:   req.Author,
		Date:     req.Date,
		Channels: req.Channels,
		Tempo:    req.Tempo,
	}
	id, err := h.lib.CreateScene(c.Context(), scene)
	if err != nil {
		return httpError(err)
	}
	return respond(c, fiber.Map{"scene_id": id})
}

func (h *ScenesHandler) List(c *fiber.Ctx) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	scenes, err := h.lib.GetScenes(c.Context(), user.ID)
	if err != nil {
		return httpError(err)
	}
	return respond(c, scenes)
}

func (h *ScenesHandler) Get(c *fiber.Ctx) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	id, err := parseSceneID(c)
	if err != nil {
		return err
	}
	scene, err := h.lib.GetScene(c.Context(), user.ID, id)
	if err != nil {
		return httpError(err)
	}
	return respond(c, scene)
}

func (h *ScenesHandler) Update(c *fiber.Ctx) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	id, err := parseSceneID(c)
	if err != nil {
		return err
	}
	var req sceneRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	scene := &domain.Scene{
		ID:       id,
		UserID:   user.ID,
		Name:     req.Name,
		Author:   req.Author,
		Date:     req.Date,
		Channels: req.Channels,
		Tempo:    req.Tempo,
	}
	if err := h.lib.UpdateScene(c.Context(), user.ID, scene); err != nil {
		return httpError(err)
	}
	return respond(c, scene)
}

func (h *ScenesHandler) Delete(c *fiber.Ctx) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	id, err := parseSceneID(c)
	if err != nil {
		return err
	}
	if err := h.lib.DeleteScene(c.Context(), user.ID, id); err != nil {
		return httpError(err)
	}
	return respond(c, fiber.Map{"deleted": true})
}
