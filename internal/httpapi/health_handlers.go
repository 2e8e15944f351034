package httpapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/ratelimit"
)

// health reports cache stats, per-upstream budget usage, and scheduler state.
// A stopped scheduler degrades the service: entries would quietly expire.
func (s *Server) health(c echo.Context) error {
	schedStatus := s.sched.Status()

	rateLimits := make(map[string]ratelimit.Usage)
	for upstream, limit := range s.quotas {
		if limit <= 0 {
			continue
		}
		rateLimits[upstream] = s.limiter.Usage(upstream, limit)
	}

	status := "healthy"
	code := http.StatusOK
	if !schedStatus.Running {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, echo.Map{
		"status":     status,
		"timestamp":  s.clk.Now().UTC().Format(time.RFC3339),
		"cache":      s.cache.Stats(),
		"rateLimits": rateLimits,
		"scheduler":  schedStatus,
	})
}

func (s *Server) ping(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{
		"status":    "ok",
		"timestamp": s.clk.Now().UTC().Format(time.RFC3339),
	})
}
