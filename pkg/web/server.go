// Package web serves the operator dashboard: station status, deposit
// history, region editing and manual controller actions over HTTP, with
// live status and camera preview over WebSocket.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/teslashibe/go-sortbin/internal/log"
	"github.com/teslashibe/go-sortbin/pkg/controller"
	"github.com/teslashibe/go-sortbin/pkg/deposit"
	"github.com/teslashibe/go-sortbin/pkg/hub"
	"github.com/teslashibe/go-sortbin/pkg/ledger"
	"github.com/teslashibe/go-sortbin/pkg/roi"
	"github.com/teslashibe/go-sortbin/pkg/station"
)

// Backend is what the dashboard reads and controls. *station.Station
// implements it.
type Backend interface {
	Status(ctx context.Context) station.Status
	History() []deposit.Session
	Recent(ctx context.Context, limit int) ([]ledger.Delta, error)
	Region() *roi.Editor
	Connect(ctx context.Context) (controller.Session, error)
	Disconnect() error
	Step(ctx context.Context, axis controller.Axis, degrees int) error
}

// CameraSettings is a capture device whose settings can change while it
// runs. *camera.Manager implements it.
type CameraSettings interface {
	GetConfigJSON() map[string]interface{}
	UpdateConfig(params map[string]interface{}) error
}

// Config configures the server
type Config struct {
	Port string
	// StaticDir is served at / when set
	StaticDir string
	// ConnectTimeout bounds POST /api/controller/connect
	ConnectTimeout time.Duration
}

// Server is the web dashboard server
type Server struct {
	app     *fiber.App
	cfg     Config
	backend Backend
	logger  *slog.Logger

	statusHub *hub.Hub
	cameraHub *hub.Hub
	hubsOnce  sync.Once

	camera CameraSettings
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithHubs uses existing hubs for /ws/status and /ws/camera
func WithHubs(status, camera *hub.Hub) Option {
	return func(s *Server) {
		s.statusHub = status
		s.cameraHub = camera
	}
}

// WithCamera exposes capture settings at /api/camera
func WithCamera(c CameraSettings) Option {
	return func(s *Server) { s.camera = c }
}

// NewServer creates a new web dashboard server
func NewServer(cfg Config, backend Backend, opts ...Option) *Server {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	s := &Server{
		cfg:     cfg,
		backend: backend,
		logger:  log.Component("web"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.statusHub == nil {
		s.statusHub = hub.New("status", hub.WithLogger(s.logger))
	}
	if s.cameraHub == nil {
		s.cameraHub = hub.New("camera", hub.WithLogger(s.logger))
	}

	app := fiber.New(fiber.Config{
		AppName:               "sortbin dashboard",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	app.Use(recover.New())
	app.Use(cors.New())

	if cfg.StaticDir != "" {
		app.Static("/", cfg.StaticDir)
	}

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/history", s.handleHistory)
	api.Get("/roi", s.handleGetROI)
	api.Put("/roi", s.handleSetROI)
	api.Delete("/roi", s.handleResetROI)
	api.Post("/roi/drag", s.handleDragROI)
	api.Post("/controller/connect", s.handleConnect)
	api.Post("/controller/disconnect", s.handleDisconnect)
	api.Post("/controller/step", s.handleStep)
	if s.camera != nil {
		api.Get("/camera", s.handleGetCamera)
		api.Patch("/camera", s.handleUpdateCamera)
	}

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/status", websocket.New(s.statusHub.Handler()))
	app.Get("/ws/camera", websocket.New(s.cameraHub.Handler()))

	s.app = app
	return s
}

// App exposes the fiber app so other packages can mount routes (camera
// ingest) before the server starts.
func (s *Server) App() *fiber.App {
	return s.app
}

// StatusHub carries dashboard status messages
func (s *Server) StatusHub() *hub.Hub {
	return s.statusHub
}

// CameraHub carries JPEG previews
func (s *Server) CameraHub() *hub.Hub {
	return s.cameraHub
}

// RunHubs starts the hubs once; they stop when ctx is done
func (s *Server) RunHubs(ctx context.Context) {
	s.hubsOnce.Do(func() {
		go s.statusHub.Run(ctx)
		go s.cameraHub.Run(ctx)
	})
}

// Start listens on the configured port until ctx is done
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", ":"+s.cfg.Port)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve runs the server on ln until ctx is done
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.RunHubs(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listener(ln)
	}()
	s.logger.Info("dashboard listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.app.ShutdownWithContext(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// handleError renders every error as JSON
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("request failed", "method", c.Method(), "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
