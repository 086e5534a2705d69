package handlers

import (
	"path/filepath"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"nendo-server/internal/assets"
)

type AssetsHandler struct {
	svc *assets.Service
}

func NewAssetsHandler(svc *assets.Service) *AssetsHandler {
	return &AssetsHandler{svc: svc}
}

func (h *AssetsHandler) Register(r fiber.Router) {
	r.Post("/assets/audio", h.Upload)
	r.Get("/assets/audio/:trackID", h.ServeAudio)
	r.Get("/assets/file/:filename", h.ServeFile)
	r.Get("/assets/download/track/:trackID", h.DownloadTrack)
	r.Post("/assets/audio/download/tracks", h.DownloadTracks)
	r.Get("/assets/download/collection/:collectionID", h.DownloadCollection)
	r.Get("/assets/info", h.Info)
}

// Upload accepts one or more multipart files. Archives are unpacked into
// individual tracks.
func (h *AssetsHandler) Upload(c *fiber.Ctx) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	form, err := c.MultipartForm()
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "multipart form required")
	}
	files := form.File["file"]
	if len(files) == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "no file uploaded")
	}

	var created []interface{}
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			return err
		}
		tracks, err := h.svc.AddUpload(c.Context(), user.ID, fh.Filename, f, fh.Size)
		f.Close()
		if err != nil {
			return httpError(err)
		}
		for _, t := range tracks {
			created = append(created, t)
		}
	}
	c.Status(fiber.StatusCreated)
	return respond(c, created)
}

func (h *AssetsHandler) ServeAudio(c *fiber.Ctx) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	trackID, err := parseID(c.Params("trackID"))
	if err != nil {
		return err
	}
	path, _, err := h.svc.TrackFile(c.Context(), user.ID, trackID)
	if err != nil {
		return httpError(err)
	}
	return c.SendFile(path)
}

// ServeFile serves a named file (track images and similar artifacts) from
// the user's storage directory. The name is stripped to its base to keep
// the lookup inside that directory.
func (h *AssetsHandler) ServeFile(c *fiber.Ctx) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	name := filepath.Base(c.Params("filename"))
	if name == "." || name == "/" || name == ".." {
		return fiber.ErrBadRequest
	}
	return c.SendFile(filepath.Join(h.svc.UserDir(user.ID), name))
}

func (h *AssetsHandler) DownloadTrack(c *fiber.Ctx) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	trackID, err := parseID(c.Params("trackID"))
	if err != nil {
		return err
	}
	path, track, err := h.svc.TrackFile(c.Context(), user.ID, trackID)
	if err != nil {
		return httpError(err)
	}
	name := track.Resource.FileName
	if title, ok := track.Meta["title"].(string); ok && title != "" {
		name = title + filepath.Ext(track.Resource.FileName)
	}
	return c.Download(path, name)
}

// DownloadTracks zips a hand-picked set of tracks named in the request body.
func (h *AssetsHandler) DownloadTracks(c *fiber.Ctx) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	var raw []string
	if err := c.BodyParser(&raw); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if len(raw) == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "no track ids given")
	}
	ids := make([]uuid.UUID, 0, len(raw))
	for _, r := range raw {
		id, err := parseID(r)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}
	c.Set(fiber.HeaderContentType, "application/zip")
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="tracks.zip"`)
	if err := h.svc.WriteTracksZip(c.Context(), user.ID, ids, c.Response().BodyWriter()); err != nil {
		return httpError(err)
	}
	return nil
}

func (h *AssetsHandler) DownloadCollection(c *fiber.Ctx) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	collectionID, err := parseID(c.Params("collectionID"))
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, "application/zip")
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="collection.zip"`)
	if err := h.svc.WriteCollectionZip(c.Context(), user.ID, collectionID, c.Response().BodyWriter()); err != nil {
		return httpError(err)
	}
	return nil
}

func (h *AssetsHandler) Info(c *fiber.Ctx) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	info, err := h.svc.Info(user.ID)
	if err != nil {
		return httpError(err)
	}
	return respond(c, info)
}
