// Package handlers contains the Fiber route handlers of the API surface.
package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"nendo-server/internal/auth"
	"nendo-server/internal/domain"
)

// UserContextKey is where the auth middleware stores the request's user.
const UserContextKey = "user"

func currentUser(c *fiber.Ctx) (*domain.User, error) {
	user, ok := c.Locals(UserContextKey).(*domain.User)
	if !ok || user == nil {
		return nil, fiber.ErrUnauthorized
	}
	return user, nil
}

// respond wraps payloads in the API envelope.
func respond(c *fiber.Ctx, data interface{}) error {
	return c.JSON(domain.Response{Data: data})
}

func respondPaged(c *fiber.Ctx, data interface{}, hasNext bool, cursor int) error {
	return c.JSON(domain.Response{Data: data, HasNext: hasNext, Cursor: cursor})
}

// httpError translates service errors into transport errors; anything not
// recognized bubbles up as a 500 through the app error handler.
func httpError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrJobNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidCredentials):
		return fiber.NewError(fiber.StatusUnauthorized, err.Error())
	case errors.Is(err, domain.ErrInvalidInviteCode),
		errors.Is(err, domain.ErrEmailTaken),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, auth.ErrInvalidEmail):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrStorageLimitReached):
		return fiber.NewError(fiber.StatusInsufficientStorage, err.Error())
	case errors.Is(err, domain.ErrUnsupportedFileType):
		return fiber.NewError(fiber.StatusUnsupportedMediaType, err.Error())
	}
	return err
}

func parseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fiber.NewError(fiber.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// noCache marks volatile responses (job statuses) as uncacheable.
func noCache(c *fiber.Ctx) {
	c.Set(fiber.HeaderCacheControl, "no-cache, no-store, must-revalidate")
	c.Set(fiber.HeaderPragma, "no-cache")
	c.Set(fiber.HeaderExpires, "0")
}
