// Package app assembles the Fiber application: middleware, API groups and
// the JSON error surface.
package app

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"nendo-server/internal/actions"
	"nendo-server/internal/apps"
	"nendo-server/internal/assets"
	"nendo-server/internal/auth"
	"nendo-server/internal/config"
	"nendo-server/internal/handlers"
	"nendo-server/internal/logging"
	"nendo-server/internal/postgres"
)

// Deps carries the wired services the routes are built from.
type Deps struct {
	Cfg     config.Config
	Redis   *redis.Client
	Lib     *postgres.Library
	Auth    *auth.Service
	Actions *actions.Service
	Assets  *assets.Service
	Apps    []apps.App
}

// SetupApp creates and configures a new Fiber app instance
func SetupApp(deps Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		BodyLimit:             512 * 1024 * 1024, // uploads can be whole sample packs
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			msg := "Internal Server Error"

			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
				msg = e.Message
			}

			logging.Warn("Request failed", "path", c.Path(), "status", code, "message", msg)

			return c.Status(code).JSON(fiber.Map{
				"error": fiber.Map{
					"code":    code,
					"message": msg,
				},
			})
		},
	})

	RegisterMiddleware(app, deps.Cfg)
	RegisterRoutes(app, deps)

	// Ensure all responses, including 404s, return JSON
	app.Use(func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusNotFound, "Not Found")
	})

	return app
}

// RegisterRoutes mounts the API under /api, /api/v1 and /api/latest. All
// three prefixes serve the same handlers so clients pinned to either
// versioned path keep working.
func RegisterRoutes(app *fiber.App, deps Deps) {
	core := handlers.NewCoreHandler(
		func(ctx context.Context) error { return deps.Lib.DB.Ping(ctx, deps.Lib.DSN) },
		func(ctx context.Context) error { return deps.Redis.Ping(ctx).Err() },
	)
	core.Register(app)

	authHandler := handlers.NewAuthHandler(deps.Auth)
	tracks := handlers.NewTracksHandler(deps.Lib)
	collections := handlers.NewCollectionsHandler(deps.Lib)
	actionsHandler := handlers.NewActionsHandler(deps.Actions)
	assetsHandler := handlers.NewAssetsHandler(deps.Assets)
	appsHandler := handlers.NewAppsHandler(deps.Actions, deps.Apps)
	scenes := handlers.NewScenesHandler(deps.Lib)

	requireUser := authMiddleware(deps.Auth)

	for _, prefix := range []string{"/api", "/api/v1", "/api/latest"} {
		g := app.Group(prefix)
		authHandler.Register(g)

		protected := g.Group("", requireUser)
		if deps.Cfg.RateLimiter.EnableUserLimiter || deps.Cfg.RateLimiter.UserLimit > 0 {
			protected.Use(userRateLimitMiddleware(deps.Cfg))
		}
		authHandler.RegisterProtected(protected)
		tracks.Register(protected)
		collections.Register(protected)
		actionsHandler.Register(protected)
		assetsHandler.Register(protected)
		appsHandler.Register(protected)
		scenes.Register(protected)
	}
}
