package server

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"mishran/internal/config"
	"mishran/internal/encoder"
	"mishran/internal/library"
	"mishran/internal/session"
)

type FiberServer struct {
	*fiber.App
	cfg         *config.Config
	log         *zap.Logger
	coordinator *session.Coordinator
	library     *library.Library
	ffmpeg      *encoder.FFmpegService
}

func New(cfg *config.Config, coordinator *session.Coordinator, lib *library.Library, ffmpeg *encoder.FFmpegService, log *zap.Logger) *FiberServer {
	if log == nil {
		log = zap.NewNop()
	}

	app := fiber.New(fiber.Config{
		ServerHeader:          "mishran",
		AppName:               "mishran",
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})

	server := &FiberServer{
		App:         app,
		cfg:         cfg,
		log:         log.Named("http"),
		coordinator: coordinator,
		library:     lib,
		ffmpeg:      ffmpeg,
	}
	server.applyMiddleware()

	return server
}

func (s *FiberServer) applyMiddleware() {
	s.App.Use(recover.New())

	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Join(s.cfg.Server.CORSOrigins, ","),
		AllowMethods:     "GET,OPTIONS",
		AllowHeaders:     "Accept,Content-Type",
		AllowCredentials: false,
		MaxAge:           300,
	}))
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
