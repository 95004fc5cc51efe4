package monitor

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
)

// HealthResponse is returned by GET /health, matching the shape the
// teacher's own API server reports for its worker pool.
type HealthResponse struct {
	Status string                 `json:"status"`
	Checks map[string]HealthCheck `json:"checks"`
}

// HealthCheck reports one named component's status.
type HealthCheck struct {
	Status        string `json:"status"`
	LastTickAt    string `json:"last_tick_at,omitempty"`
	LastHeartbeat string `json:"last_heartbeat,omitempty"`
	Error         string `json:"error,omitempty"`
}

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// Server exposes one or more monitor loops' health over HTTP. Kept
// separate from Loop itself so a process running several subjects'
// monitors can register them all under one /health endpoint.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server
	loops      map[string]*Loop
}

// NewServer builds a health server with no loops registered yet.
func NewServer() *Server {
	s := &Server{echo: echo.New(), loops: make(map[string]*Loop)}
	s.echo.GET("/health", s.healthHandler)
	return s
}

// Register adds a subject's loop to the health report.
func (s *Server) Register(subjectName string, l *Loop) {
	s.loops[subjectName] = l
}

// Start starts the HTTP server on addr. Blocks until Shutdown is called
// or the listener fails.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.echo}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(c *echo.Context) error {
	checks := make(map[string]HealthCheck, len(s.loops))
	status := healthStatusHealthy

	if len(s.loops) == 0 {
		status = healthStatusDegraded
	}

	for name, l := range s.loops {
		h := l.Health()
		check := HealthCheck{Status: healthStatusHealthy}
		if !h.LastTickAt.IsZero() {
			check.LastTickAt = h.LastTickAt.Format(time.RFC3339)
		}
		check.LastHeartbeat = h.LastHeartbeat

		switch {
		case h.Status == StatusStopped:
			check.Status = healthStatusUnhealthy
			if status == healthStatusHealthy {
				status = healthStatusUnhealthy
			}
		case h.LastError != "":
			check.Status = healthStatusDegraded
			check.Error = h.LastError
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
		}
		checks[name] = check
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{Status: status, Checks: checks})
}
