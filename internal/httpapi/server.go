// Package httpapi exposes the control plane over HTTP: command
// dispatch, run status, health, and Prometheus metrics.
package httpapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/HAAIL-Universe/forgeguard/internal/config"
	"github.com/HAAIL-Universe/forgeguard/internal/control"
	"github.com/HAAIL-Universe/forgeguard/internal/pipeline"
)

// Server is the HTTP control surface.
type Server struct {
	echo      *echo.Echo
	cfg       config.ServerConfig
	processor *control.Processor
	registry  *pipeline.Registry
	logger    *zap.Logger

	commandsTotal *prometheus.CounterVec
}

// New creates the server and registers all routes. metrics defaults to
// the global Prometheus registerer when nil.
func New(cfg config.ServerConfig, processor *control.Processor, registry *pipeline.Registry, metrics prometheus.Registerer, logger *zap.Logger) (*Server, error) {
	if processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if metrics == nil {
		metrics = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:      e,
		cfg:       cfg,
		processor: processor,
		registry:  registry,
		logger:    logger,
		commandsTotal: promauto.With(metrics).NewCounterVec(prometheus.CounterOpts{
			Name: "forgeguard_commands_total",
			Help: "Control commands dispatched, by command word and outcome.",
		}, []string{"command", "ok"}),
	}

	promauto.With(metrics).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "forgeguard_runs_active",
		Help: "Registered runs not yet in a terminal state.",
	}, func() float64 {
		active := 0
		for _, run := range registry.List() {
			switch run.Status() {
			case pipeline.StatusCompleted, pipeline.StatusStopped, pipeline.StatusError:
			default:
				active++
			}
		}
		return float64(active)
	})

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := s.echo.Group("/api")
	api.GET("/runs", s.handleListRuns)
	api.GET("/runs/:id/status", s.handleStatus)
	api.GET("/runs/:id/log", s.handleLog)
	api.POST("/runs/:id/commands", s.handleCommand)
}

// Start serves until Shutdown. Blocks.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.cfg.Addr))
	if err := s.echo.Start(s.cfg.Addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListRuns(c echo.Context) error {
	runs := s.registry.List()
	reports := make([]pipeline.StatusReport, 0, len(runs))
	for _, run := range runs {
		reports = append(reports, run.Report())
	}
	return c.JSON(http.StatusOK, reports)
}

func (s *Server) handleStatus(c echo.Context) error {
	run, ok := s.registry.Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown run")
	}
	return c.JSON(http.StatusOK, run.Report())
}

func (s *Server) handleLog(c echo.Context) error {
	run, ok := s.registry.Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown run")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"run_id": run.ID,
		"lines":  run.LogLines(),
	})
}

// commandRequest is the POST body for command dispatch.
type commandRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleCommand(c echo.Context) error {
	var req commandRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Command == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "command is required")
	}

	reply := s.processor.Handle(c.Request().Context(), c.Param("id"), req.Command)
	s.commandsTotal.WithLabelValues(req.Command, fmt.Sprintf("%t", reply.OK)).Inc()

	status := http.StatusOK
	if !reply.OK {
		status = http.StatusUnprocessableEntity
	}
	return c.JSON(status, reply)
}
