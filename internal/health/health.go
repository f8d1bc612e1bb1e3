// Package health serves liveness, readiness, session status and Prometheus
// metrics over HTTP.
package health

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/e7canasta/pptcast/internal/registry"
)

// Sessions lists registered sessions.
type Sessions interface {
	Len() int
	List() []registry.Entry
}

// Broker reports the control-plane connection.
type Broker interface {
	Connected() bool
}

// Status is the /readiness payload.
type Status struct {
	Status         string `json:"status"` // "healthy", "degraded"
	UptimeSeconds  int64  `json:"uptime_seconds"`
	MQTTConnected  bool   `json:"mqtt_connected"`
	SessionsActive int    `json:"sessions_active"`
	InstanceID     string `json:"instance_id,omitempty"`
}

// SessionStatus is one element of the /sessions payload.
type SessionStatus struct {
	ID            string  `json:"id"`
	Source        string  `json:"source"`
	Destination   string  `json:"destination"`
	Transport     string  `json:"transport"`
	Width         int     `json:"width"`
	Height        int     `json:"height"`
	State         string  `json:"state"`
	FramesPushed  uint64  `json:"frames_pushed"`
	FramesDropped uint64  `json:"frames_dropped"`
	FPS           float64 `json:"fps"`
	Error         string  `json:"error,omitempty"`
}

// Server is the status HTTP API.
type Server struct {
	addr       string
	instanceID string
	sessions   Sessions
	broker     Broker
	started    time.Time
	router     *gin.Engine
}

// NewServer builds the router. broker may be nil until the control plane
// is up; readiness then reports degraded.
func NewServer(addr, instanceID string, sessions Sessions, broker Broker) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		addr:       addr,
		instanceID: instanceID,
		sessions:   sessions,
		broker:     broker,
		started:    time.Now(),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/health", s.handleLiveness)
	r.GET("/readiness", s.handleReadiness)
	r.GET("/sessions", s.handleSessions)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router = r

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Check returns the current readiness status.
func (s *Server) Check() Status {
	st := Status{
		Status:         "healthy",
		UptimeSeconds:  int64(time.Since(s.started).Seconds()),
		SessionsActive: s.sessions.Len(),
		InstanceID:     s.instanceID,
	}
	if s.broker != nil && s.broker.Connected() {
		st.MQTTConnected = true
	}
	if !st.MQTTConnected {
		st.Status = "degraded"
	}
	return st
}

func (s *Server) handleLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

// handleReadiness answers 200 even when degraded: sessions keep streaming
// while the broker is away.
func (s *Server) handleReadiness(c *gin.Context) {
	c.JSON(http.StatusOK, s.Check())
}

func (s *Server) handleSessions(c *gin.Context) {
	entries := s.sessions.List()
	out := make([]SessionStatus, 0, len(entries))
	for _, e := range entries {
		out = append(out, SessionStatus{
			ID:            e.ID.String(),
			Source:        e.Options.Source,
			Destination:   e.Options.Destination(),
			Transport:     e.Options.Transport.String(),
			Width:         e.Options.Width,
			Height:        e.Options.Height,
			State:         e.Stats.State,
			FramesPushed:  e.Stats.FramesPushed,
			FramesDropped: e.Stats.FramesDropped,
			FPS:           e.Stats.FPSReal,
			Error:         e.Stats.Error,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out, "count": len(out)})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("health: starting status server",
		"address", s.addr,
		"endpoints", []string{"/health", "/readiness", "/sessions", "/metrics"},
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	slog.Info("health: status server stopped")
	return nil
}
