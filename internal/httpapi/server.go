// Package httpapi exposes the read-only JSON surface: the aggregate price
// endpoint, health and ping probes, and the Prometheus exposition.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/alerts"
	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/cache"
	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/clock"
	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/fetcher"
	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/observ"
	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/ratelimit"
	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/scheduler"
)

type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration // zero disables; cold fetches can outlive any sane value
}

// Deps carries the wired components the handlers serve from.
type Deps struct {
	Fetcher   *fetcher.Fetcher
	Cache     *cache.Cache
	Limiter   *ratelimit.Limiter
	Scheduler *scheduler.Scheduler
	Notifier  *alerts.Notifier
	Quotas    map[string]int
	Clock     clock.Clock
	Logger    *logrus.Logger
}

type Server struct {
	echo     *echo.Echo
	config   ServerConfig
	fetcher  *fetcher.Fetcher
	cache    *cache.Cache
	limiter  *ratelimit.Limiter
	sched    *scheduler.Scheduler
	notifier *alerts.Notifier
	quotas   map[string]int
	clk      clock.Clock
	logger   *logrus.Logger
	metrics  http.Handler
}

func NewServer(cfg ServerConfig, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		config:   cfg,
		fetcher:  deps.Fetcher,
		cache:    deps.Cache,
		limiter:  deps.Limiter,
		sched:    deps.Scheduler,
		notifier: deps.Notifier,
		quotas:   deps.Quotas,
		clk:      deps.Clock,
		logger:   deps.Logger,
		metrics:  observ.MetricsHandler(),
	}
	e.HTTPErrorHandler = s.errorHandler

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestID())
	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
	}))
	s.echo.Use(s.requestLogging())
	s.echo.Use(s.collectHTTPMetrics())
}

func (s *Server) setupRoutes() {
	api := s.echo.Group("/api")
	api.GET("/prices/all", s.allPrices)
	api.GET("/health", s.health)
	api.GET("/ping", s.ping)

	s.echo.GET("/metrics", s.metricsEndpoint)
}

func (s *Server) requestLogging() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := s.clk.Now()
			err := next(c)
			s.logger.WithFields(logrus.Fields{
				"method":     c.Request().Method,
				"path":       c.Request().URL.Path,
				"status":     c.Response().Status,
				"elapsed":    s.clk.Now().Sub(start).String(),
				"request_id": c.Response().Header().Get(echo.HeaderXRequestID),
			}).Debug("request handled")
			return err
		}
	}
}

// errorHandler shapes every error the router or a handler surfaces. Unknown
// paths keep the documented 404 body; anything unexpected answers 503 so
// clients know to retry rather than report a broken payload.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		if he.Code == http.StatusNotFound {
			_ = c.JSON(http.StatusNotFound, echo.Map{
				"error": "Not found",
				"path":  c.Request().URL.Path,
			})
			return
		}
		if he.Code < http.StatusInternalServerError {
			_ = c.JSON(he.Code, echo.Map{"error": fmt.Sprintf("%v", he.Message)})
			return
		}
	}

	s.logger.WithFields(logrus.Fields{
		"path":  c.Request().URL.Path,
		"error": err.Error(),
	}).Error("handler failed")
	_ = c.JSON(http.StatusServiceUnavailable, echo.Map{
		"error":      "Service temporarily unavailable",
		"message":    "price retrieval failed, try again shortly",
		"retryAfter": 30,
	})
}

func (s *Server) Start() error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.logger.WithField("addr", srv.Addr).Info("http server listening")
	return s.echo.StartServer(srv)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Echo exposes the router so tests can serve it with httptest.
func (s *Server) Echo() *echo.Echo { return s.echo }
