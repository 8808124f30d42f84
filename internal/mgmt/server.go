// Package mgmt exposes the introspection surface: a Fiber API over GM
// snapshots plus a websocket stream of completed rounds for observers that
// mirror short-term episodic memory.
package mgmt

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/khozyainov/andy/internal/gm"
	"github.com/khozyainov/andy/internal/health"
)

// Introspector is the read-only view the API serves. The cognition runtime
// implements it.
type Introspector interface {
	Snapshots() []gm.Snapshot
	Snapshot(name string) (gm.Snapshot, bool)
}

// Server is the management API Fiber application.
type Server struct {
	app     *fiber.App
	intro   Introspector
	checker *health.Checker
	logger  zerolog.Logger
	addr    string
}

// NewServer creates and configures the management API server.
func NewServer(addr string, intro Introspector, checker *health.Checker, logger zerolog.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})

	s := &Server{
		app:     app,
		intro:   intro,
		checker: checker,
		logger:  logger.With().Str("component", "mgmt_server").Logger(),
		addr:    addr,
	}

	app.Use(recover.New())
	app.Get("/healthz", s.handleHealthz)
	app.Get("/readyz", s.handleReadyz)
	app.Get("/api/gms", s.handleListGMs)
	app.Get("/api/gms/:name", s.handleGetGM)

	return s
}

// Listen serves the API. Blocks until Shutdown.
func (s *Server) Listen() error {
	s.logger.Info().Str("addr", s.addr).Msg("management api listening")
	return s.app.Listen(s.addr)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) handleHealthz(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) handleReadyz(c *fiber.Ctx) error {
	results := s.checker.RunAll(c.Context())
	for _, st := range results {
		if st == health.StatusDown {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "not_ready",
				"checks": results,
			})
		}
	}
	return c.JSON(fiber.Map{"status": "ready", "checks": results})
}

func (s *Server) handleListGMs(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"gms": s.intro.Snapshots()})
}

func (s *Server) handleGetGM(c *fiber.Ctx) error {
	snap, ok := s.intro.Snapshot(c.Params("name"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown gm"})
	}
	return c.JSON(snap)
}
