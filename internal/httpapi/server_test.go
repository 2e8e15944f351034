package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/cache"
	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/clock"
	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/fetcher"
	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/prices"
	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/ratelimit"
	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/scheduler"
	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/upstream"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type scriptedSource struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) (prices.Value, error)
}

func (s *scriptedSource) bind(key prices.Key, upstreamName string) upstream.Source {
	return upstream.Source{
		Key:      key,
		Upstream: upstreamName,
		Fetch: func(ctx context.Context) (prices.Value, error) {
			s.mu.Lock()
			s.calls++
			n := s.calls
			s.mu.Unlock()
			return s.fn(n)
		},
	}
}

func (s *scriptedSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func alwaysValue(v prices.Value) func(int) (prices.Value, error) {
	return func(int) (prices.Value, error) { return v, nil }
}

func alwaysFail(key prices.Key, up string) func(int) (prices.Value, error) {
	return func(int) (prices.Value, error) {
		return nil, prices.NewTransientError(key, up, "HTTP 429: throttled", nil)
	}
}

type apiFixture struct {
	srv   *Server
	ts    *httptest.Server
	clk   *clock.Fake
	cache *cache.Cache
	sched *scheduler.Scheduler

	btc, eur, mstr, strf *scriptedSource
}

func newAPIFixture(t *testing.T, btc, eur, mstr, strf *scriptedSource) apiFixture {
	t.Helper()

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	logger := quietLogger()
	c := cache.New(300*time.Second, 600*time.Second, clk, logger)
	l := ratelimit.New(time.Minute, clk, logger)

	sources := []upstream.Source{
		btc.bind("btc", "coingecko"),
		eur.bind("eurUsd", "frankfurter"),
		mstr.bind("MSTR", "alphavantage"),
		strf.bind("STRF", "alphavantage"),
	}
	quotas := map[string]int{"coingecko": 0, "frankfurter": 0, "alphavantage": 5}
	f := fetcher.New(c, l, sources, fetcher.Config{
		MaxRetries: 5,
		BaseDelay:  16 * time.Second,
		Window:     time.Minute,
		Quotas:     quotas,
		Fallbacks: map[prices.Key]prices.Value{
			"btc":    prices.Scalar(100000),
			"eurUsd": prices.Scalar(1.05),
			"MSTR":   prices.Quote{Price: 420},
			"STRF":   prices.Quote{Price: 95},
		},
	}, clk, logger)
	sched := scheduler.New(f, c, 30*time.Second, 60*time.Second, clk, logger, nil)

	srv := NewServer(ServerConfig{Port: 0}, Deps{
		Fetcher:   f,
		Cache:     c,
		Limiter:   l,
		Scheduler: sched,
		Notifier:  nil,
		Quotas:    quotas,
		Clock:     clk,
		Logger:    logger,
	})
	ts := httptest.NewServer(srv.Echo())
	t.Cleanup(ts.Close)
	t.Cleanup(sched.Stop)

	return apiFixture{srv: srv, ts: ts, clk: clk, cache: c, sched: sched, btc: btc, eur: eur, mstr: mstr, strf: strf}
}

func healthyFixture(t *testing.T) apiFixture {
	t.Helper()
	return newAPIFixture(t,
		&scriptedSource{fn: alwaysValue(prices.Scalar(109500))},
		&scriptedSource{fn: alwaysValue(prices.Scalar(1.0512))},
		&scriptedSource{fn: alwaysValue(prices.Quote{Price: 421.5})},
		&scriptedSource{fn: alwaysValue(prices.Quote{Price: 96.2})},
	)
}

func get(t *testing.T, ts *httptest.Server, path string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestColdRequestPopulatesAllKeys(t *testing.T) {
	fx := healthyFixture(t)

	status, body := get(t, fx.ts, "/api/prices/all")

	assert.Equal(t, http.StatusOK, status)
	assert.False(t, gjson.GetBytes(body, "metadata.cached").Bool())
	assert.False(t, gjson.GetBytes(body, "metadata.partial").Bool())
	assert.False(t, gjson.GetBytes(body, "metadata.stale").Bool())
	assert.False(t, gjson.GetBytes(body, "metadata.degraded").Bool())
	assert.Equal(t, float64(109500), gjson.GetBytes(body, "data.btc").Float())
	assert.Equal(t, 1.0512, gjson.GetBytes(body, "data.eurUsd").Float())
	assert.Equal(t, 421.5, gjson.GetBytes(body, "data.MSTR.price").Float())
	assert.Equal(t, int64(4), gjson.GetBytes(body, "successes.#").Int())
	assert.Equal(t, int64(0), gjson.GetBytes(body, "errors.#").Int())

	for _, key := range []string{"btc", "eurUsd", "MSTR", "STRF"} {
		ttl := gjson.GetBytes(body, "metadata.ttls."+key).Int()
		assert.GreaterOrEqual(t, ttl, int64(300), key)
		assert.LessOrEqual(t, ttl, int64(600), key)
	}
}

func TestWarmConcurrentReadsServeIdenticalCachedData(t *testing.T) {
	fx := healthyFixture(t)

	status, _ := get(t, fx.ts, "/api/prices/all")
	require.Equal(t, http.StatusOK, status)
	callsAfterWarmup := fx.btc.count() + fx.eur.count() + fx.mstr.count() + fx.strf.count()

	const clients = 10
	bodies := make([][]byte, clients)
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := http.Get(fx.ts.URL + "/api/prices/all")
			if err != nil {
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				bodies[i], _ = io.ReadAll(resp.Body)
			}
		}(i)
	}
	wg.Wait()

	for i, body := range bodies {
		require.NotNil(t, body, "request %d failed", i)
		assert.True(t, gjson.GetBytes(body, "metadata.cached").Bool())
		assert.Equal(t, string(bodies[0]), string(body), "all warm responses must be identical")
	}
	total := fx.btc.count() + fx.eur.count() + fx.mstr.count() + fx.strf.count()
	assert.Equal(t, callsAfterWarmup, total, "warm reads must not reach any upstream")
}

func TestMarketDataOutageAnswers207WithFallbacks(t *testing.T) {
	fx := newAPIFixture(t,
		&scriptedSource{fn: alwaysValue(prices.Scalar(109500))},
		&scriptedSource{fn: alwaysValue(prices.Scalar(1.0512))},
		&scriptedSource{fn: alwaysFail("MSTR", "alphavantage")},
		&scriptedSource{fn: alwaysFail("STRF", "alphavantage")},
	)

	status, body := get(t, fx.ts, "/api/prices/all")

	assert.Equal(t, http.StatusMultiStatus, status)
	assert.True(t, gjson.GetBytes(body, "metadata.partial").Bool())
	assert.False(t, gjson.GetBytes(body, "metadata.degraded").Bool(), "two errors stay under the degraded threshold")
	assert.Equal(t, float64(109500), gjson.GetBytes(body, "data.btc").Float())
	assert.Equal(t, float64(420), gjson.GetBytes(body, "data.MSTR.price").Float(), "fallback fills the gap")
	assert.Equal(t, int64(2), gjson.GetBytes(body, "errors.#").Int())
	for _, e := range gjson.GetBytes(body, "errors").Array() {
		assert.Regexp(t, "^(MSTR|STRF): ", e.String())
	}
}

func TestExpiredEntryServedStaleWhenUpstreamUnreachable(t *testing.T) {
	fx := newAPIFixture(t,
		&scriptedSource{fn: alwaysFail("btc", "coingecko")},
		&scriptedSource{fn: alwaysValue(prices.Scalar(1.0512))},
		&scriptedSource{fn: alwaysValue(prices.Quote{Price: 421.5})},
		&scriptedSource{fn: alwaysValue(prices.Quote{Price: 96.2})},
	)

	fx.cache.Set("btc", prices.Scalar(95000))
	fx.clk.Advance(700 * time.Second) // past the largest possible TTL

	status, body := get(t, fx.ts, "/api/prices/all")

	assert.Equal(t, http.StatusMultiStatus, status)
	assert.Equal(t, float64(95000), gjson.GetBytes(body, "data.btc").Float())
	assert.True(t, gjson.GetBytes(body, "metadata.stale").Bool())
	require.Equal(t, int64(1), gjson.GetBytes(body, "errors.#").Int())
	assert.True(t, strings.HasPrefix(gjson.GetBytes(body, "errors.0").String(), "btc: "))
}

func TestForceRefreshClearsCacheFirst(t *testing.T) {
	fx := healthyFixture(t)

	status, _ := get(t, fx.ts, "/api/prices/all")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, fx.btc.count())

	status, body := get(t, fx.ts, "/api/prices/all?force=true")

	assert.Equal(t, http.StatusOK, status)
	assert.False(t, gjson.GetBytes(body, "metadata.cached").Bool(), "force must bypass the warm path")
	assert.Equal(t, 2, fx.btc.count(), "force must re-fetch even with a warm cache")
	assert.Equal(t, 2, fx.mstr.count())

	// Both rounds charged the market-data budget.
	_, health := get(t, fx.ts, "/api/health")
	assert.Equal(t, int64(4), gjson.GetBytes(health, "rateLimits.alphavantage.used").Int())
}

func TestDegradedFlagSetWhenErrorsExceedThreshold(t *testing.T) {
	fx := newAPIFixture(t,
		&scriptedSource{fn: alwaysFail("btc", "coingecko")},
		&scriptedSource{fn: alwaysFail("eurUsd", "frankfurter")},
		&scriptedSource{fn: alwaysFail("MSTR", "alphavantage")},
		&scriptedSource{fn: alwaysFail("STRF", "alphavantage")},
	)

	status, body := get(t, fx.ts, "/api/prices/all")

	assert.Equal(t, http.StatusMultiStatus, status)
	assert.Equal(t, int64(4), gjson.GetBytes(body, "errors.#").Int())
	assert.True(t, gjson.GetBytes(body, "metadata.degraded").Bool())
	assert.Equal(t, float64(100000), gjson.GetBytes(body, "data.btc").Float(), "every key still answers with its fallback")
	assert.Equal(t, int64(0), gjson.GetBytes(body, "successes.#").Int())
}

func TestPingAnswersConstantPayload(t *testing.T) {
	fx := healthyFixture(t)

	status, body := get(t, fx.ts, "/api/ping")

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", gjson.GetBytes(body, "status").String())
	assert.Equal(t, "2025-06-01T12:00:00Z", gjson.GetBytes(body, "timestamp").String())
}

func TestHealthReflectsSchedulerState(t *testing.T) {
	fx := healthyFixture(t)

	status, body := get(t, fx.ts, "/api/health")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "degraded", gjson.GetBytes(body, "status").String())
	assert.False(t, gjson.GetBytes(body, "scheduler.running").Bool())

	fx.sched.Start()

	status, body = get(t, fx.ts, "/api/health")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", gjson.GetBytes(body, "status").String())
	assert.True(t, gjson.GetBytes(body, "scheduler.running").Bool())
	assert.Equal(t, int64(30), gjson.GetBytes(body, "scheduler.intervalSeconds").Int())

	assert.Equal(t, int64(5), gjson.GetBytes(body, "rateLimits.alphavantage.limit").Int())
	assert.False(t, gjson.GetBytes(body, "rateLimits.coingecko").Exists(),
		"upstreams without a quota have no ledger to report")
	assert.True(t, gjson.GetBytes(body, "cache.hitRate").Exists())
}

func TestUnknownPathAnswersDocumented404(t *testing.T) {
	fx := healthyFixture(t)

	status, body := get(t, fx.ts, "/api/unknown")

	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Not found", gjson.GetBytes(body, "error").String())
	assert.Equal(t, "/api/unknown", gjson.GetBytes(body, "path").String())
}

func TestUnexpectedHandlerErrorAnswers503(t *testing.T) {
	fx := healthyFixture(t)
	fx.srv.Echo().GET("/boom", func(c echo.Context) error {
		return errors.New("kaput")
	})

	status, body := get(t, fx.ts, "/boom")

	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "Service temporarily unavailable", gjson.GetBytes(body, "error").String())
	assert.Equal(t, int64(30), gjson.GetBytes(body, "retryAfter").Int())
}

func TestCORSAllowsAnyOrigin(t *testing.T) {
	fx := healthyFixture(t)

	req, err := http.NewRequest(http.MethodGet, fx.ts.URL+"/api/ping", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://dashboard.example.com")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "*", resp.Header.Get(echo.HeaderAccessControlAllowOrigin))
}

func TestMetricsEndpointServesExposition(t *testing.T) {
	fx := healthyFixture(t)

	_, _ = get(t, fx.ts, "/api/prices/all")
	status, body := get(t, fx.ts, "/metrics")

	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "http_requests_total")
	assert.Contains(t, string(body), "price_cache_operations_total")
}
