package web

import (
	"context"
	"net"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"
)

// Server is a read-only JSON view of the running card controllers.
type Server struct {
	app    *fiber.App
	status *Status
	log    logrus.FieldLogger
}

func NewServer(status *Status, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	app := fiber.New(fiber.Config{
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		IdleTimeout:           60 * time.Second,
		ServerHeader:          serviceName,
		AppName:               serviceName,
		DisableStartupMessage: true,
	})
	app.Use(recover.New())

	s := &Server{app: app, status: status, log: log}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.app.Group("/api")
	api.Get("/health", s.health)
	api.Get("/status", s.getStatus)
	api.Get("/cards", s.getCards)
	api.Get("/cards/:name", s.getCard)
}

// Serve blocks serving ln until Shutdown is called or ln is closed. A
// listener closed before Serve starts makes it return immediately.
func (s *Server) Serve(ln net.Listener) error {
	s.log.WithField("addr", ln.Addr().String()).Info("status api listening")
	return s.app.Listener(ln)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"service":   serviceName,
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) getStatus(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()
	return c.JSON(s.status.Snapshot(ctx, time.Now().UTC()))
}

func (s *Server) getCards(c *fiber.Ctx) error {
	return c.JSON(s.status.Cards())
}

func (s *Server) getCard(c *fiber.Ctx) error {
	name := c.Params("name")
	snap, ok := s.status.Card(name)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown card " + name})
	}
	return c.JSON(snap)
}
