// Package upstream holds the vendor HTTP clients and binds every configured
// key to the fetch closure that produces its value.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/observ"
	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/prices"
)

const defaultTimeout = 5 * time.Second

// newHTTPClient builds the per-vendor http.Client. The timeout bounds each
// attempt; retries and their delays live in the fetch layer.
func newHTTPClient(timeoutSeconds int) *http.Client {
	timeout := defaultTimeout
	if timeoutSeconds > 0 {
		timeout = time.Duration(timeoutSeconds) * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// newPacer builds a courtesy request pacer from a requests-per-minute
// ceiling. This is not the quota ledger; it only smooths bursts against
// free-tier vendors. Zero disables pacing.
func newPacer(rpm int) *rate.Limiter {
	if rpm <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(float64(rpm)/60), 1)
}

// getJSON issues one GET and returns the raw body. Transport failures and
// non-200 statuses come back as transient errors; callers parse the body.
func getJSON(ctx context.Context, hc *http.Client, pacer *rate.Limiter, key prices.Key, upstream, url string) ([]byte, error) {
	if pacer != nil {
		if err := pacer.Wait(ctx); err != nil {
			return nil, prices.NewTransientError(key, upstream, "pacing wait interrupted", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, prices.NewTransientError(key, upstream, "create request", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := hc.Do(req)
	observ.ObserveUpstreamDuration(upstream, time.Since(start))
	if err != nil {
		observ.IncUpstreamRequest(upstream, "network_error")
		return nil, prices.NewTransientError(key, upstream, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		observ.IncUpstreamRequest(upstream, "network_error")
		return nil, prices.NewTransientError(key, upstream, "read response", err)
	}
	if resp.StatusCode != http.StatusOK {
		observ.IncUpstreamRequest(upstream, "http_error")
		return nil, prices.NewTransientError(key, upstream,
			fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(body, 200)), nil)
	}

	observ.IncUpstreamRequest(upstream, "success")
	return body, nil
}

// truncate bounds how much vendor payload leaks into error strings.
func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
