// Package server exposes the quick fix manager over HTTP and streams result
// events over a websocket.
package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"

	"github.com/patrykniedzwiecki/quickfix/internal/eventbus"
	"github.com/patrykniedzwiecki/quickfix/internal/log"
	"github.com/patrykniedzwiecki/quickfix/internal/patchstore"
	"github.com/patrykniedzwiecki/quickfix/internal/quickfix"
)

const shutdownTimeout = 10 * time.Second

type applyRequest struct {
	Files []string `json:"files"`
}

type revokeRequest struct {
	BundleName string `json:"bundleName"`
}

type accepted struct {
	ID string `json:"id"`
}

type Server struct {
	app     *fiber.App
	manager *quickfix.Manager
	bus     *eventbus.Bus
}

func New(manager *quickfix.Manager, bus *eventbus.Bus) *Server {
	s := &Server{
		manager: manager,
		bus:     bus,
	}
	s.app = fiber.New(fiber.Config{
		AppName:               "quickfix",
		ErrorHandler:          errorHandler,
		DisableStartupMessage: true,
	})
	s.app.Use(recover.New())
	s.app.Use(requestContext)

	s.app.Get("/health", s.health)

	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return c.SendStatus(fiber.StatusUpgradeRequired)
	})
	s.app.Get("/ws/events", websocket.New(s.events))

	api := s.app.Group("/api/v1")
	api.Post("/apply", s.apply)
	api.Post("/revoke", s.revoke)
	api.Get("/tasks", s.tasks)
	api.Get("/tasks/:id", s.task)
	api.Get("/patches/:bundle", s.patch)
	return s
}

// App returns the underlying fiber application.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until ctx is done.
func (s *Server) Listen(ctx context.Context, addr string) error {
	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := s.app.ShutdownWithContext(sctx); err != nil {
			slog.ErrorContext(ctx, "server forced to shutdown", "error", err)
		}
	})
	defer stop()

	slog.InfoContext(ctx, "listening", "addr", addr)
	return s.app.Listen(addr)
}

func requestContext(c *fiber.Ctx) error {
	reqID := c.Get(fiber.HeaderXRequestID)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	ctx := log.ContextAttrs(c.UserContext(), slog.String("request_id", reqID))
	c.SetUserContext(ctx)
	return c.Next()
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
	}

	level := slog.LevelError
	if code < fiber.StatusInternalServerError {
		level = slog.LevelWarn
	}
	slog.Log(c.UserContext(), level, "request failed",
		"method", c.Method(),
		"path", c.Path(),
		"status", code,
		"error", err.Error(),
	)
	return c.Status(code).JSON(fiber.Map{
		"error": err.Error(),
	})
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":      "ok",
		"tasks":       s.manager.Len(),
		"subscribers": s.bus.Len(),
	})
}

func (s *Server) apply(c *fiber.Ctx) error {
	var req applyRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	t, err := s.manager.Apply(c.UserContext(), req.Files)
	if err != nil {
		return taskError(err)
	}
	return c.Status(fiber.StatusAccepted).JSON(accepted{ID: t.ID()})
}

func (s *Server) revoke(c *fiber.Ctx) error {
	var req revokeRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	t, err := s.manager.Revoke(c.UserContext(), req.BundleName)
	if err != nil {
		return taskError(err)
	}
	return c.Status(fiber.StatusAccepted).JSON(accepted{ID: t.ID()})
}

func taskError(err error) error {
	switch {
	case errors.Is(err, quickfix.ErrNoPatchFiles), errors.Is(err, quickfix.ErrNoBundleName):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, quickfix.ErrStopped):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	default:
		return err
	}
}

func (s *Server) tasks(c *fiber.Ctx) error {
	return c.JSON(s.manager.Tasks())
}

func (s *Server) task(c *fiber.Ctx) error {
	t, ok := s.manager.Task(c.Params("id"))
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "task not found")
	}
	return c.JSON(t.Snapshot())
}

func (s *Server) patch(c *fiber.Ctx) error {
	info, err := s.manager.Info(c.UserContext(), c.Params("bundle"))
	switch {
	case err == nil:
		return c.JSON(info)
	case errors.Is(err, patchstore.ErrNotActive):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, patchstore.ErrBundleName), errors.Is(err, quickfix.ErrIncompleteResult):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	default:
		return err
	}
}

// events streams result events until the client goes away or the bus is
// closed. The optional query parameter event filters by event name.
func (s *Server) events(c *websocket.Conn) {
	sub := s.bus.Subscribe(c.Query("event"), eventbus.DefaultBuffer)
	defer sub.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case e, ok := <-sub.C():
			if !ok {
				_ = c.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := c.WriteJSON(e); err != nil {
				slog.Warn("writing event has failed", "error", err)
				return
			}
		}
	}
}
