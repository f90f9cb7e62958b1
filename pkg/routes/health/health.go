package health

import (
	"context"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// Backend checks one backing service
type Backend struct {
	Name string
	// Optional backends report degraded instead of unhealthy
	Optional bool
	Check    func(ctx context.Context) error
}

// Checker handles health check endpoints
type Checker struct {
	backends  []Backend
	version   string
	startTime time.Time
	timeout   time.Duration
	ready     atomic.Bool
}

func NewChecker(version string, backends ...Backend) *Checker {
	sort.SliceStable(backends, func(i, j int) bool { return backends[i].Name < backends[j].Name })
	return &Checker{
		backends:  backends,
		version:   version,
		startTime: time.Now(),
		timeout:   2 * time.Second,
	}
}

// SetReady sets the readiness state
func (c *Checker) SetReady(ready bool) {
	c.ready.Store(ready)
}

func (c *Checker) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", c.Health)
	e.GET("/health/live", c.Live)
	e.GET("/health/ready", c.Ready)
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status     string                  `json:"status"`
	Version    string                  `json:"version"`
	Uptime     string                  `json:"uptime"`
	Checks     map[string]*CheckResult `json:"checks"`
	ReportedAt time.Time               `json:"reported_at"`
}

// CheckResult represents an individual check result
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Health checks every backend and reports the overall status
func (c *Checker) Health(ctx echo.Context) error {
	status := &HealthStatus{
		Status:     "healthy",
		Version:    c.version,
		Uptime:     time.Since(c.startTime).Round(time.Second).String(),
		Checks:     make(map[string]*CheckResult, len(c.backends)),
		ReportedAt: time.Now(),
	}

	for _, p := range c.backends {
		pctx, cancel := context.WithTimeout(ctx.Request().Context(), c.timeout)
		start := time.Now()
		err := p.Check(pctx)
		latency := time.Since(start)
		cancel()

		if err == nil {
			status.Checks[p.Name] = &CheckResult{Status: "healthy", Latency: latency.String()}
			continue
		}
		if p.Optional {
			status.Checks[p.Name] = &CheckResult{Status: "degraded", Message: err.Error()}
			if status.Status == "healthy" {
				status.Status = "degraded"
			}
			continue
		}
		status.Status = "unhealthy"
		status.Checks[p.Name] = &CheckResult{Status: "unhealthy", Message: err.Error()}
	}

	httpStatus := http.StatusOK
	if status.Status == "unhealthy" {
		httpStatus = http.StatusServiceUnavailable
	}

	return ctx.JSON(httpStatus, status)
}

// Live returns the liveness status (is the service running)
func (c *Checker) Live(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, map[string]string{"status": "alive"})
}

// Ready returns the readiness status (is the service ready to accept traffic)
func (c *Checker) Ready(ctx echo.Context) error {
	if c.ready.Load() {
		return ctx.JSON(http.StatusOK, map[string]string{"status": "ready"})
	}
	return ctx.JSON(http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
}
