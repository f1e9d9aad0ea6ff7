// Package webapp serves the HTTP command surface. Handlers never touch
// controller state directly: reads go through state snapshots and writes are
// posted as typed commands onto the control loop's command channel.
package webapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/marloweh/powercontroller/controller"
	"github.com/marloweh/powercontroller/telemetry"
	"github.com/rs/cors"
)

// StateSource provides the state document served on GET /.
type StateSource interface {
	Snapshot(ctx context.Context) (controller.Snapshot, error)
}

// Config carries the HTTP surface settings.
type Config struct {
	ListenAddress  string
	AccessKey      string // empty disables the access-key guard
	AllowedOrigins []string
}

// Server is the HTTP command surface.
type Server struct {
	config   Config
	source   StateSource
	commands chan<- any
	inputs   chan<- telemetry.InputEvent
	handler  http.Handler
	logger   *slog.Logger
}

// New wires the HTTP surface to the control loop's channels.
func New(config Config, source StateSource, commands chan<- any, inputs chan<- telemetry.InputEvent) *Server {
	if config.ListenAddress == "" {
		config.ListenAddress = ":8080"
	}

	s := &Server{
		config:   config,
		source:   source,
		commands: commands,
		inputs:   inputs,
		logger:   slog.Default().With("component", "webapp"),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(s.checkAccessKey)

	engine.GET("/", s.getState)
	engine.POST("/override/:output", s.postOverride)
	engine.POST("/refresh", s.postRefresh)
	engine.POST("/webhook", s.postWebhook)

	corsOptions := cors.Options{
		AllowedOrigins: config.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", "X-Access-Key"},
	}
	s.handler = cors.New(corsOptions).Handler(engine)
	return s
}

// Handler exposes the routing for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Run serves until the context is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:    s.config.ListenAddress,
		Handler: s.handler,
	}

	errs := make(chan error, 1)
	go func() {
		errs <- server.ListenAndServe()
	}()
	s.logger.Info("Webapp listening", "address", s.config.ListenAddress)

	select {
	case err := <-errs:
		return fmt.Errorf("webapp listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := server.Shutdown(shutdownCtx)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("webapp shutdown: %w", err)
	}
	return nil
}

func (s *Server) checkAccessKey(c *gin.Context) {
	if s.config.AccessKey == "" {
		return
	}
	if c.GetHeader("X-Access-Key") != s.config.AccessKey {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid access key"})
	}
}

func (s *Server) getState(c *gin.Context) {
	snapshot, err := s.source.Snapshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

type overrideBody struct {
	State      string `json:"state" binding:"required"`
	TTLMinutes int    `json:"ttlMinutes"`
}

func (s *Server) postOverride(c *gin.Context) {
	var body overrideBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch body.State {
	case "on", "off", "auto":
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown state %q", body.State)})
		return
	}

	command := controller.OverrideCommand{
		Output: c.Param("output"),
		State:  body.State,
		TTL:    time.Duration(body.TTLMinutes) * time.Minute,
		Reply:  make(chan error, 1),
	}
	select {
	case s.commands <- command:
	case <-c.Request.Context().Done():
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "controller unavailable"})
		return
	}

	select {
	case err := <-command.Reply:
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"output": command.Output, "state": body.State})
	case <-c.Request.Context().Done():
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "controller unavailable"})
	}
}

func (s *Server) postRefresh(c *gin.Context) {
	select {
	case s.commands <- controller.RefreshCommand{}:
		c.JSON(http.StatusAccepted, gin.H{"status": "refresh requested"})
	case <-c.Request.Context().Done():
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "controller unavailable"})
	}
}

type webhookBody struct {
	DeviceID string `json:"deviceId" binding:"required"`
	Input    int    `json:"input"`
	State    bool   `json:"state"`
}

func (s *Server) postWebhook(c *gin.Context) {
	var body webhookBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	event := telemetry.InputEvent{
		Time:   time.Now(),
		Device: body.DeviceID,
		Input:  body.Input,
		State:  body.State,
	}
	select {
	case s.inputs <- event:
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event queue full"})
	}
}
