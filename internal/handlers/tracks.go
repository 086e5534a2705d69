package handlers

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"nendo-server/internal/domain"
	"nendo-server/internal/postgres"
)

const defaultPageSize = 10

type TracksHandler struct {
	lib *postgres.Library
}

func NewTracksHandler(lib *postgres.Library) *TracksHandler {
	return &TracksHandler{lib: lib}
}

func (h *TracksHandler) Register(r fiber.Router) {
	r.Get("/tracks", h.List)
	r.Post("/tracks", h.Create)
	r.Get("/tracks/options", h.FilterOptions)
	r.Get("/tracks/:id", h.Get)
	r.Patch("/tracks/:id", h.Update)
	r.Delete("/tracks/:id", h.Delete)
	r.Get("/tracks/:id/related", h.Related)
}

// List returns one page of the user's tracks. Pages are addressed by cursor,
// filters arrive as query parameters:
//
//	search       free text over the whole meta document
//	search_meta  key:term pairs separated by semicolons
//	filters      key:min-max numeric ranges separated by semicolons
//	track_type   comma separated type list
func (h *TracksHandler) List(c *fiber.Ctx) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}

	limit := c.QueryInt("limit", defaultPageSize)
	cursor := c.QueryInt("cursor", 0)
	q := postgres.TrackQuery{
		UserID:  user.ID,
		OrderBy: c.Query("order_by"),
		Order:   c.Query("order"),
		Limit:   limit,
		Offset:  cursor * limit,
	}
	if err := parseTrackFilters(c, &q); err != nil {
		return err
	}

	tracks, total, err := h.lib.GetTracks(c.Context(), q)
	if err != nil {
		return httpError(err)
	}
	hasNext := limit > 0 && (cursor+1)*limit < total
	return respondPaged(c, tracks, hasNext, cursor+1)
}

// parseTrackFilters fills q from the library filter query parameters shared
// by the track listing and the bulk collection routes.
func parseTrackFilters(c *fiber.Ctx, q *postgres.TrackQuery) error {
	if raw := c.Query("collection_id"); raw != "" {
		id, err := parseID(raw)
		if err != nil {
			return err
		}
		q.CollectionID = &id
	}
	if raw := c.Query("track_type"); raw != "" {
		q.TrackTypes = splitNonEmpty(raw, ",")
	}
	if search := c.Query("search"); search != "" {
		q.SearchMeta = map[string][]string{"": {search}}
	}
	for _, pair := range splitNonEmpty(c.Query("search_meta"), ";") {
		key, term, ok := strings.Cut(pair, ":")
		if !ok || term == "" {
			continue
		}
		if q.SearchMeta == nil {
			q.SearchMeta = map[string][]string{}
		}
		q.SearchMeta[key] = append(q.SearchMeta[key], term)
	}
	for _, pair := range splitNonEmpty(c.Query("filters"), ";") {
		key, bounds, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		low, high, ok := strings.Cut(bounds, "-")
		if !ok {
			continue
		}
		lo, errLo := strconv.ParseFloat(low, 64)
		hi, errHi := strconv.ParseFloat(high, 64)
		if errLo != nil || errHi != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid range filter: "+pair)
		}
		if q.RangeFilters == nil {
			q.RangeFilters = map[string][2]float64{}
		}
		q.RangeFilters[key] = [2]float64{lo, hi}
	}
	return nil
}

type trackCreateRequest struct {
	TrackType  string                 `json:"track_type"`
	Visibility string                 `json:"visibility"`
	Meta       map[string]interface{} `json:"meta"`
	Images     []domain.Resource      `json:"images"`
}

// Create registers a track record directly, without an upload. Clients use
// this for externally hosted or pre-imported resources.
func (h *TracksHandler) Create(c *fiber.Ctx) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	var req trackCreateRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	track := &domain.Track{
		UserID:     user.ID,
		TrackType:  req.TrackType,
		Visibility: req.Visibility,
		Meta:       req.Meta,
		Images:     req.Images,
	}
	created, err := h.lib.CreateTrack(c.Context(), track)
	if err != nil {
		return httpError(err)
	}
	c.Status(fiber.StatusCreated)
	return respond(c, created)
}

func (h *TracksHandler) FilterOptions(c *fiber.Ctx) error {
	return respond(c, domain.TrackFilters())
}

func (h *TracksHandler) Get(c *fiber.Ctx) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	id, err := parseID(c.Params("id"))
	if err != nil {
		return err
	}
	track, err := h.lib.GetTrack(c.Context(), id, user.ID)
	if err != nil {
		return httpError(err)
	}
	return respond(c, track)
}

type trackUpdateRequest struct {
	Visibility *string                `json:"visibility"`
	Meta       map[string]interface{} `json:"meta"`
}

// Update patches the mutable track fields. Meta entries are merged into the
// existing document, not replaced wholesale.
func (h *TracksHandler) Update(c *fiber.Ctx) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	id, err := parseID(c.Params("id"))
	if err != nil {
		return err
	}
	var req trackUpdateRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	track, err := h.lib.GetTrack(c.Context(), id, user.ID)
	if err != nil {
		return httpError(err)
	}
	if track.UserID != user.ID {
		return fiber.NewError(fiber.StatusForbidden, "not your track")
	}
	if req.Visibility != nil {
		track.Visibility = *req.Visibility
	}
	if track.Meta == nil {
		track.Meta = map[string]interface{}{}
	}
	for k, v := range req.Meta {
		track.Meta[k] = v
	}

	updated, err := h.lib.UpdateTrack(c.Context(), track)
	if err != nil {
		return httpError(err)
	}
	return respond(c, updated)
}

func (h *TracksHandler) Delete(c *fiber.Ctx) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	id, err := parseID(c.Params("id"))
	if err != nil {
		return err
	}
	if err := h.lib.DeleteTrack(c.Context(), id, user.ID); err != nil {
		return httpError(err)
	}
	return respond(c, "success")
}

func (h *TracksHandler) Related(c *fiber.Ctx) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	id, err := parseID(c.Params("id"))
	if err != nil {
		return err
	}
	limit := c.QueryInt("limit", defaultPageSize)
	cursor := c.QueryInt("cursor", 0)

	tracks, total, err := h.lib.GetTracks(c.Context(), postgres.TrackQuery{
		UserID:      user.ID,
		RelatedToID: &id,
		Limit:       limit,
		Offset:      cursor * limit,
	})
	if err != nil {
		return httpError(err)
	}
	hasNext := limit > 0 && (cursor+1)*limit < total
	return respondPaged(c, tracks, hasNext, cursor+1)
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
