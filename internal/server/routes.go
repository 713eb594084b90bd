package server

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"mishran/internal/session"
)

const banner = "Mishran Server Running"

func (s *FiberServer) RegisterFiberRoutes() {
	// Participants connect on any path; the last segment identifies them.
	wsHandler := session.NewWebSocketHandler(s.coordinator, s.log)
	upgrade := websocket.New(wsHandler.ServeHTTP)
	s.App.Use(func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		// c.Path() is backed by a request buffer fasthttp reuses once the socket is hijacked
		c.Locals(session.ClientIDLocal, utils.CopyString(session.ClientIDFromPath(c.Path())))
		return upgrade(c)
	})

	s.App.Get("/", s.bannerHandler)
	s.App.Get("/health", s.healthHandler)
	s.App.Get("/state", s.stateHandler)
	s.App.Get("/recordings", s.recordingsHandler)
	s.App.Get("/recordings/latest", s.latestRecordingHandler)
}

func (s *FiberServer) bannerHandler(c *fiber.Ctx) error {
	return c.SendString(banner)
}

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	resp := fiber.Map{
		"status": "ok",
	}

	version, err := s.ffmpeg.Version()
	if err != nil {
		resp["ffmpeg"] = "unavailable"
		resp["ffmpeg_error"] = err.Error()
	} else {
		resp["ffmpeg"] = version
	}

	return c.JSON(resp)
}

func (s *FiberServer) stateHandler(c *fiber.Ctx) error {
	snapshot, err := s.coordinator.Snapshot(c.UserContext())
	if err != nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(snapshot)
}

func (s *FiberServer) recordingsHandler(c *fiber.Ctx) error {
	sessions, err := s.library.Sessions()
	if err != nil {
		s.log.Error("failed to list recordings", zap.Error(err))
		return fiber.NewError(fiber.StatusInternalServerError, "failed to list recordings")
	}
	return c.JSON(fiber.Map{"sessions": sessions})
}

func (s *FiberServer) latestRecordingHandler(c *fiber.Ctx) error {
	latest, ok, err := s.library.Latest()
	if err != nil {
		s.log.Error("failed to list recordings", zap.Error(err))
		return fiber.NewError(fiber.StatusInternalServerError, "failed to list recordings")
	}
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "no recordings yet")
	}
	return c.JSON(latest)
}
