package web

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const readinessTimeout = 2 * time.Second

// ReadinessCheck reports whether the system can serve traffic, typically the
// persistence health check.
type ReadinessCheck func(ctx context.Context) error

type Server struct {
	handlers  *APIHandlers
	gatherer  prometheus.Gatherer
	readiness ReadinessCheck
	logger    *slog.Logger
	app       *fiber.App
}

func NewServer(
	logger *slog.Logger,
	services ServiceLister,
	workflows WorkflowRunner,
	snapshots SnapshotController,
	goals GoalTracker,
	gatherer prometheus.Gatherer,
	readiness ReadinessCheck,
) *Server {
	return &Server{
		handlers:  NewAPIHandlers(services, workflows, snapshots, goals, validator.New(validator.WithRequiredStructEnabled())),
		gatherer:  gatherer,
		readiness: readiness,
		logger:    logger.With("module", "api"),
	}
}

func (s *Server) App() *fiber.App {
	if s.app != nil {
		return s.app
	}

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker(healthcheck.Config{
		Probe: s.ready,
	}))

	if s.gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Nexus API")
	})

	app.Get("/services", s.handlers.GetServices)

	w := app.Group("/workflows")
	w.Get("/", s.handlers.GetWorkflows)
	w.Post("/:name/trigger", s.handlers.TriggerWorkflow)

	app.Get("/runs", s.handlers.GetRuns)

	snap := app.Group("/snapshots")
	snap.Get("/", s.handlers.GetSnapshots)
	snap.Post("/", s.handlers.CreateSnapshot)
	snap.Post("/restore", s.handlers.RestoreSnapshot)

	g := app.Group("/goals")
	g.Get("/", s.handlers.GetGoals)
	g.Post("/", s.handlers.SetGoal)
	g.Put("/:name", s.handlers.UpdateGoal)

	s.app = app

	return app
}

func (s *Server) ready(c fiber.Ctx) bool {
	if s.readiness == nil {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), readinessTimeout)
	defer cancel()

	err := s.readiness(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "Readiness check failed", "path", c.Path(), "error", err)

		return false
	}

	return true
}

// Start serves the API until ctx is done, then shuts the listener down.
func (s *Server) Start(ctx context.Context, port int) error {
	app := s.App()

	errCh := make(chan error, 1)

	go func() {
		errCh <- app.Listen(":"+strconv.Itoa(port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	s.logger.InfoContext(ctx, "API listening", "port", port)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return app.ShutdownWithTimeout(5 * time.Second)
	}
}
