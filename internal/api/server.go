// Package api is the HTTP surface of PlateVision: prediction job submission
// and status, image staging, sample listings, run corrections and deletions.
// Every response is wrapped in the {"success","data","error"} envelope.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/bytes"

	"github.com/platelab/platevision/internal/aggregation"
	"github.com/platelab/platevision/internal/conf"
	"github.com/platelab/platevision/internal/dispatch"
	"github.com/platelab/platevision/internal/errors"
	"github.com/platelab/platevision/internal/logger"
	"github.com/platelab/platevision/internal/observability"
	"github.com/platelab/platevision/internal/staging"
)

const defaultShutdownTimeout = 10 * time.Second

// multipartOverhead is the body allowance on top of the image size for the
// form fields and part headers.
const multipartOverhead = 64 * 1024

// Enqueuer accepts inference jobs.
type Enqueuer interface {
	Enqueue(action dispatch.Action) (string, error)
}

// JobFactory builds the inference job of a run.
type JobFactory interface {
	Job(runID uint) dispatch.Action
}

// Pinger reports database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
	Dialect() string
}

// Dependencies are the components the handlers operate on.
type Dependencies struct {
	Engine  *aggregation.Engine
	Queue   Enqueuer
	Jobs    JobFactory
	Staging *staging.Store
	Store   Pinger
}

// Server owns the echo instance and the route handlers.
type Server struct {
	echo        *echo.Echo
	deps        Dependencies
	settings    conf.ServerSettings
	metrics     *observability.Metrics
	metricsPath string
	log         logger.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics records request metrics and serves the registry at path.
func WithMetrics(m *observability.Metrics, path string) Option {
	return func(s *Server) {
		s.metrics = m
		s.metricsPath = path
	}
}

// New builds the server and registers all routes.
func New(settings conf.ServerSettings, deps Dependencies, log logger.Logger, opts ...Option) (*Server, error) {
	switch {
	case deps.Engine == nil:
		return nil, configError("aggregation engine is required")
	case deps.Queue == nil || deps.Jobs == nil:
		return nil, configError("dispatch queue and job factory are required")
	case deps.Staging == nil:
		return nil, configError("staging store is required")
	}
	if log == nil {
		log = logger.NewDiscard()
	}
	if settings.ShutdownTimeout <= 0 {
		settings.ShutdownTimeout = defaultShutdownTimeout
	}

	s := &Server{
		echo:     echo.New(),
		deps:     deps,
		settings: settings,
		log:      log.Module("api"),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Logger = newEchoLogger(s.log.Module("echo"))
	s.echo.HTTPErrorHandler = s.handleError

	s.configureMiddleware()
	s.initRoutes()
	return s, nil
}

// Echo returns the underlying echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

func (s *Server) configureMiddleware() {
	s.echo.Use(middleware.Recover())
	s.echo.Use(s.requestLogger())
	if s.settings.MaxUploadSize > 0 {
		s.echo.Use(middleware.BodyLimit(bytes.Format(s.settings.MaxUploadSize + multipartOverhead)))
	}
}

func (s *Server) initRoutes() {
	v1 := s.echo.Group("/api/v1")
	v1.GET("/health", s.Health)
	v1.POST("/predict", s.Predict)
	v1.GET("/status/:id", s.Status)
	v1.POST("/stage", s.Stage)
	v1.GET("/samples", s.ListSamples)
	v1.GET("/samples/:sample/runs", s.SampleRuns)
	v1.PUT("/runs/:id/counts", s.CorrectRun)
	v1.DELETE("/runs/:id", s.DeleteRun)

	if s.metrics != nil && s.metricsPath != "" {
		s.echo.GET(s.metricsPath, echo.WrapHandler(s.metrics.Handler()))
	}
}

// requestLogger logs every request and feeds the HTTP metrics. The error
// handler runs inside it so the logged status is the one sent.
func (s *Server) requestLogger() echo.MiddlewareFunc {
	reqLog := s.log.Module("http")
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRoutePath: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			scrape := s.metricsPath != "" && v.RoutePath == s.metricsPath
			if s.metrics != nil && !scrape {
				s.metrics.HTTP.RecordRequest(v.Method, v.RoutePath, v.Status, v.Latency)
			}

			fields := []logger.Field{
				logger.String("method", v.Method),
				logger.String("uri", v.URI),
				logger.Int("status", v.Status),
				logger.String("ip", v.RemoteIP),
				logger.Duration("latency", v.Latency),
			}
			switch {
			case v.Status >= http.StatusInternalServerError:
				if v.Error != nil {
					fields = append(fields, logger.Error(v.Error))
				}
				reqLog.Warn("request", fields...)
			case scrape:
				reqLog.Trace("request", fields...)
			default:
				reqLog.Debug("request", fields...)
			}
			return nil
		},
	})
}

// Run serves on the configured listen address until ctx is cancelled, then
// shuts down gracefully within the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP API starting", logger.String("listen", s.settings.Listen))
		errCh <- s.echo.Start(s.settings.Listen)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.New(err).
			Component("api").
			Category(errors.CategoryNetwork).
			Context("listen", s.settings.Listen).
			Build()
	case <-ctx.Done():
	}

	s.log.Info("stopping HTTP API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.settings.ShutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return errors.New(err).
			Component("api").
			Category(errors.CategorySystem).
			Context("operation", "shutdown").
			Build()
	}
	<-errCh
	return nil
}

func configError(msg string) error {
	return errors.Newf("%s", msg).
		Component("api").
		Category(errors.CategoryConfiguration).
		Build()
}
