// Package server is the HTTP dispatch layer: it exposes the installed
// models over JSON-RPC and REST, serves sessions, effective views and
// reports, and maps the kernel error taxonomy onto HTTP statuses.
package server

import (
	"errors"
	"fmt"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	swagger "github.com/gofiber/swagger"
	"github.com/lucidgrid/basis/internal/config"
	"github.com/lucidgrid/basis/internal/i18n"
	"github.com/lucidgrid/basis/internal/middleware"
	"github.com/lucidgrid/basis/internal/orm"
	"github.com/lucidgrid/basis/internal/registry"
	"github.com/lucidgrid/basis/internal/types"
	"github.com/lucidgrid/basis/internal/utils"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// Server wires the kernel into a Fiber application.
type Server struct {
	cfg     *config.Config
	db      *gorm.DB
	kernel  *registry.Kernel
	catalog *i18n.Catalog
	log     zerolog.Logger
}

func New(cfg *config.Config, db *gorm.DB, kernel *registry.Kernel, catalog *i18n.Catalog, log zerolog.Logger) *Server {
	return &Server{cfg: cfg, db: db, kernel: kernel, catalog: catalog, log: log}
}

// App builds the Fiber application with all routes registered.
func (s *Server) App() *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler:          s.errorHandler,
		DisableStartupMessage: true,
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(compress.New())

	// Prometheus metrics
	prometheus := fiberprometheus.New("basis")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)

	// Swagger documentation
	app.Get("/swagger/*", swagger.HandlerDefault)

	app.Get("/health", s.handleHealth)

	app.Use(middleware.Authenticate(s.db))

	// Session endpoints
	web := app.Group("/web")
	web.Post("/session/authenticate", s.handleAuthenticate)
	web.Post("/session/logout", s.handleLogout)
	web.Get("/session/info", middleware.RequireUser(), s.handleSessionInfo)
	web.Get("/view/:xmlid", middleware.RequireUser(), s.handleView)
	web.Get("/action/:xmlid", middleware.RequireUser(), s.handleAction)
	web.Post("/action/:xmlid/run", middleware.RequireUser(), s.handleActionRun)
	web.Get("/menus", middleware.RequireUser(), s.handleMenus)

	// RPC endpoint
	app.Post("/jsonrpc", s.handleJSONRPC)

	// REST dataset routes
	api := app.Group("/api", middleware.VersionMiddleware(), middleware.RequireUser())
	models := api.Group("/models")
	models.Get("/:model", s.handleSearchRead)
	models.Get("/:model/groups", s.handleReadGroup)
	models.Post("/:model", s.handleCreate)
	models.Get("/:model/:id", s.handleReadOne)
	models.Put("/:model/:id", s.handleWrite)
	models.Delete("/:model/:id", s.handleUnlink)
	models.Post("/:model/:id/call/:method", s.handleCall)

	// Report rendering
	app.Get("/report/:name/:id", middleware.RequireUser(), s.handleReport)

	// 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return utils.NotFoundResponse(c, "[404] Resource Not Found")
	})

	return app
}

// envFor builds the request environment from the authenticated principal.
func (s *Server) envFor(c *fiber.Ctx) *orm.Env {
	ctx := orm.NewContext().WithUser(middleware.UID(c))
	if company := middleware.CompanyID(c); company != 0 {
		ctx = ctx.WithCompany(company)
	}
	lang := middleware.Lang(c)
	if lang == "" {
		lang = s.cfg.DefaultLang
	}
	ctx = ctx.WithLang(lang)
	return s.kernel.Env(ctx)
}

// withRetry reruns a transactional operation after a concurrency failure, a
// bounded number of times.
func (s *Server) withRetry(env *orm.Env, fn func(env *orm.Env) (interface{}, error)) (interface{}, error) {
	var out interface{}
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxConflictRetries; attempt++ {
		lastErr = env.Transaction(func(txEnv *orm.Env) error {
			v, err := fn(txEnv)
			if err != nil {
				return err
			}
			out = v
			return nil
		})
		if lastErr == nil {
			return out, nil
		}
		if !types.IsKind(lastErr, types.KindConcurrency) {
			return nil, lastErr
		}
		env.InvalidateCache()
	}
	return nil, lastErr
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return utils.ErrorResponse(c, fe.Message, fe.Code, "http")
	}
	if types.KindOf(err) == types.KindUnknown {
		s.log.Error().Err(err).Str("url", c.OriginalURL()).Msg("unhandled error")
	}
	return utils.KernelErrorResponse(c, err)
}

// handleHealth reports database connectivity and the installed module set.
// @Summary Health check
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /health [get]
func (s *Server) handleHealth(c *fiber.Ctx) error {
	status := "healthy"
	dbStatus := "ok"
	sqlDB, err := s.db.DB()
	if err != nil {
		status, dbStatus = "unhealthy", "error"
	} else if err := sqlDB.Ping(); err != nil {
		status, dbStatus = "unhealthy", fmt.Sprintf("unreachable: %v", err)
	}
	code := fiber.StatusOK
	if status != "healthy" {
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{
		"status":   status,
		"database": dbStatus,
		"modules":  s.kernel.Installed(),
	})
}
