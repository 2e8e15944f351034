package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/prices"
)

// priceMetadata and pricesResponse are the documented wire shape; the
// dashboard front-end consumes these field names verbatim.
type priceMetadata struct {
	Cached    bool                 `json:"cached"`
	Partial   bool                 `json:"partial"`
	Stale     bool                 `json:"stale"`
	Degraded  bool                 `json:"degraded"`
	Timestamp string               `json:"timestamp"`
	TTLs      map[prices.Key]int64 `json:"ttls"`
}

type pricesResponse struct {
	Data      map[prices.Key]prices.Value `json:"data"`
	Metadata  priceMetadata               `json:"metadata"`
	Errors    []string                    `json:"errors"`
	Successes []string                    `json:"successes"`
}

// allPrices serves every configured key. force=true empties the cache first
// so the request walks the full miss path.
func (s *Server) allPrices(c echo.Context) error {
	if c.QueryParam("force") == "true" {
		s.logger.Info("force refresh requested, clearing cache")
		s.cache.Clear()
	}

	snap := s.fetcher.FetchAll(c.Request().Context())

	keys := s.fetcher.Keys()
	ttls := make(map[prices.Key]int64, len(keys))
	for _, key := range keys {
		ttls[key] = int64(s.cache.RemainingTTL(key).Seconds())
	}

	degraded := snap.Degraded()
	if degraded {
		s.notifier.Notify("degraded_response", strings.Join(snap.Errors, "; "))
	}

	status := http.StatusOK
	if snap.Partial {
		status = http.StatusMultiStatus
	}
	return c.JSON(status, pricesResponse{
		Data: snap.Data,
		Metadata: priceMetadata{
			Cached:    snap.Cached,
			Partial:   snap.Partial,
			Stale:     snap.Stale,
			Degraded:  degraded,
			Timestamp: s.clk.Now().UTC().Format(time.RFC3339),
			TTLs:      ttls,
		},
		Errors:    snap.Errors,
		Successes: snap.Successes,
	})
}
