package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"nendo-server/internal/domain"
	"nendo-server/internal/postgres"
)

type CollectionsHandler struct {
	lib *postgres.Library
}

func NewCollectionsHandler(lib *postgres.Library) *CollectionsHandler {
	return &CollectionsHandler{lib: lib}
}

func (h *CollectionsHandler) Register(r fiber.Router) {
	r.Get("/collections", h.List)
	r.Post("/collections", h.Create)
	r.Get("/collections/:id", h.Get)
	r.Patch("/collections/:id", h.Update)
	r.Delete("/collections/:id", h.Delete)
	r.Put("/collections/:id/tracks/:trackID", h.AddTrack)
	r.Delete("/collections/:id/tracks/:trackID", h.RemoveTrack)
	r.Put("/collections/:id/tracks", h.BulkAddTracks)
	r.Delete("/collections/:id/tracks", h.BulkRemoveTracks)
	r.Post("/collections/:id/save", h.SaveTemp)
	r.Get("/collections/:id/related", h.Related)
}

// collectionDTO is a collection plus its track count, the shape the list and
// detail endpoints answer with.
type collectionDTO struct {
	*domain.Collection
	Size int `json:"size"`
}

func (h *CollectionsHandler) withSize(c *fiber.Ctx, col *domain.Collection) (collectionDTO, error) {
	size, err := h.lib.CollectionSize(c.Context(), col.ID)
	if err != nil {
		return collectionDTO{}, err
	}
	return collectionDTO{Collection: col, Size: size}, nil
}

func (h *CollectionsHandler) List(c *fiber.Ctx) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	limit := c.QueryInt("limit", defaultPageSize)
	cursor := c.QueryInt("cursor", 0)

	collections, total, err := h.lib.GetCollections(c.Context(),
		user.ID, c.Query("collection_type"), limit, cursor*limit)
	if err != nil {
		return httpError(err)
	}

	dtos := make([]collectionDTO, 0, len(collections))
	for _, col := range collections {
		dto, err := h.withSize(c, col)
		if err != nil {
			return httpError(err)
		}
		dtos = append(dtos, dto)
	}
	hasNext := limit > 0 && (cursor+1)*limit < total
	return respondPaged(c, dtos, hasNext, cursor+1)
}

type collectionCreateRequest struct {
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	CollectionType string   `json:"collection_type"`
	TrackIDs       []string `json:"track_ids"`
}

func (h *CollectionsHandler) Create(c *fiber.Ctx) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	var req collectionCreateRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" {
		return fiber.NewError(fiber.StatusBadRequest, "name is required")
	}
	if req.CollectionType == "" {
		req.CollectionType = "collection"
	}
	trackIDs := make([]uuid.UUID, 0, len(req.TrackIDs))
	for _, raw := range req.TrackIDs {
		id, err := parseID(raw)
		if err != nil {
			return err
		}
		trackIDs = append(trackIDs, id)
	}

	created, err := h.lib.CreateCollection(c.Context(), &domain.Collection{
		Name:           req.Name,
		Description:    req.Description,
		CollectionType: req.CollectionType,
		UserID:         user.ID,
		Visibility:     domain.VisibilityPrivate,
	}, trackIDs)
	if err != nil {
		return httpError(err)
	}
	dto, err := h.withSize(c, created)
	if err != nil {
		return httpError(err)
	}
	return respond(c, dto)
}

func (h *CollectionsHandler) Get(c *fiber.Ctx) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	id, err := parseID(c.Params("id"))
	if err != nil {
		return err
	}
	col, err := h.lib.GetCollection(c.Context(), id, user.ID)
	if err != nil {
		return httpError(err)
	}
	dto, err := h.withSize(c, col)
	if err != nil {
		return httpError(err)
	}
	return respond(c, dto)
}

type collectionUpdateRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Visibility  *string `json:"visibility"`
}

func (h *CollectionsHandler) Update(c *fiber.Ctx) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	id, err := parseID(c.Params("id"))
	if err != nil {
		return err
	}
	var req collectionUpdateRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	col, err := h.lib.GetCollection(c.Context(), id, user.ID)
	if err != nil {
		return httpError(err)
	}
	if col.UserID != user.ID {
		return fiber.NewError(fiber.StatusForbidden, "not your collection")
	}
	if req.Name != nil {
		col.Name = *req.Name
	}
	if req.Description != nil {
		col.Description = *req.Description
	}
	if req.Visibility != nil {
		col.Visibility = *req.Visibility
	}

	updated, err := h.lib.UpdateCollection(c.Context(), col)
	if err != nil {
		return httpError(err)
	}
	return respond(c, updated)
}

func (h *CollectionsHandler) Delete(c *fiber.Ctx) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	id, err := parseID(c.Params("id"))
	if err != nil {
		return err
	}
	if err := h.lib.DeleteCollection(c.Context(), id, user.ID); err != nil {
		return httpError(err)
	}
	return respond(c, "success")
}

func (h *CollectionsHandler) AddTrack(c *fiber.Ctx) error {
	return h.memberChange(c, h.lib.AddTrackToCollection)
}

func (h *CollectionsHandler) RemoveTrack(c *fiber.Ctx) error {
	return h.memberChange(c, h.lib.RemoveTrackFromCollection)
}

func (h *CollectionsHandler) memberChange(c *fiber.Ctx, op func(ctx context.Context, collectionID, trackID uuid.UUID) error) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	collectionID, err := parseID(c.Params("id"))
	if err != nil {
		return err
	}
	trackID, err := parseID(c.Params("trackID"))
	if err != nil {
		return err
	}
	// Ownership gate before touching memberships.
	col, err := h.lib.GetCollection(c.Context(), collectionID, user.ID)
	if err != nil {
		return httpError(err)
	}
	if col.UserID != user.ID {
		return fiber.NewError(fiber.StatusForbidden, "not your collection")
	}
	if err := op(c.Context(), collectionID, trackID); err != nil {
		return httpError(err)
	}
	return respond(c, "success")
}

// BulkAddTracks adds every track matching the library filter query
// parameters to the collection. The source is the caller's whole library, or
// one collection when collection_id is given.
func (h *CollectionsHandler) BulkAddTracks(c *fiber.Ctx) error {
	return h.bulkChange(c, false, h.lib.AddTrackToCollection)
}

// BulkRemoveTracks removes every matching track. The filter query is always
// scoped to the collection itself.
func (h *CollectionsHandler) BulkRemoveTracks(c *fiber.Ctx) error {
	return h.bulkChange(c, true, h.lib.RemoveTrackFromCollection)
}

func (h *CollectionsHandler) bulkChange(c *fiber.Ctx, scopeToCollection bool, op func(ctx context.Context, collectionID, trackID uuid.UUID) error) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	collectionID, err := parseID(c.Params("id"))
	if err != nil {
		return err
	}
	col, err := h.lib.GetCollection(c.Context(), collectionID, user.ID)
	if err != nil {
		return httpError(err)
	}
	if col.UserID != user.ID {
		return fiber.NewError(fiber.StatusForbidden, "not your collection")
	}

	q := postgres.TrackQuery{UserID: user.ID}
	if err := parseTrackFilters(c, &q); err != nil {
		return err
	}
	if scopeToCollection {
		q.CollectionID = &collectionID
	}
	tracks, _, err := h.lib.GetTracks(c.Context(), q)
	if err != nil {
		return httpError(err)
	}
	for _, t := range tracks {
		if err := op(c.Context(), collectionID, t.ID); err != nil {
			return httpError(err)
		}
	}
	return respond(c, fiber.Map{"updated": len(tracks)})
}

type collectionSaveRequest struct {
	Name string `json:"name"`
}

// SaveTemp turns a temp chunk collection into a permanent one.
func (h *CollectionsHandler) SaveTemp(c *fiber.Ctx) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	id, err := parseID(c.Params("id"))
	if err != nil {
		return err
	}
	var req collectionSaveRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" {
		return fiber.NewError(fiber.StatusBadRequest, "name is required")
	}
	saved, err := h.lib.SaveTempCollection(c.Context(), id, user.ID, req.Name)
	if err != nil {
		return httpError(err)
	}
	return respond(c, saved)
}

func (h *CollectionsHandler) Related(c *fiber.Ctx) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	id, err := parseID(c.Params("id"))
	if err != nil {
		return err
	}
	related, err := h.lib.RelatedCollections(c.Context(), id, user.ID)
	if err != nil {
		return httpError(err)
	}
	return respond(c, related)
}
