// Package server runs the ops HTTP surface: health checks and Prometheus metrics
package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/thistle/pkg/routes/health"
)

type Server struct {
	echo   *echo.Echo
	addr   string
	logger ectologger.Logger
}

func New(serviceName string, port int, checker *health.Checker, logger ectologger.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = ErrorHandler(logger)

	e.Use(otelecho.Middleware(serviceName))
	e.Use(RequestContext())
	e.Use(RequestLogger(logger))

	checker.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return &Server{
		echo:   e,
		addr:   fmt.Sprintf(":%d", port),
		logger: logger,
	}
}

// Echo exposes the router so hosts can mount extra routes
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.WithField("addr", s.addr).Info("Starting ops server")
	if err := s.echo.Start(s.addr); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
