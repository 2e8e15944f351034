// Package ratelimit tracks upstream request budgets with per-upstream
// sliding-window ledgers. A request is charged when it is dispatched and is
// never refunded; retries within one fetch share the single charge.
package ratelimit

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/clock"
	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/observ"
)

// Usage is a point-in-time view of one upstream's ledger.
type Usage struct {
	Used      int   `json:"used"`
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
	ResetIn   int64 `json:"resetIn"` // seconds until the oldest charge leaves the window
}

type Limiter struct {
	mu      sync.Mutex
	window  time.Duration
	ledgers map[string][]time.Time
	clk     clock.Clock
	logger  *logrus.Logger
}

func New(window time.Duration, clk clock.Clock, logger *logrus.Logger) *Limiter {
	return &Limiter{
		window:  window,
		ledgers: make(map[string][]time.Time),
		clk:     clk,
		logger:  logger,
	}
}

// pruneLocked drops charges that slid out of the window and returns the
// remaining ledger. Callers hold l.mu.
func (l *Limiter) pruneLocked(upstream string, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	kept := l.ledgers[upstream][:0]
	for _, at := range l.ledgers[upstream] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	l.ledgers[upstream] = kept
	return kept
}

// CanMakeRequest reports whether upstream has budget left under limit
// without charging anything; callers about to dispatch use TryAcquire.
// A non-positive limit means the upstream has no declared quota.
func (l *Limiter) CanMakeRequest(upstream string, limit int) bool {
	if limit <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	used := len(l.pruneLocked(upstream, l.clk.Now()))
	if used >= limit {
		observ.IncRateLimitDenial(upstream)
		l.logger.WithFields(logrus.Fields{
			"upstream": upstream,
			"used":     used,
			"limit":    limit,
		}).Debug("rate limit denied request")
		return false
	}
	return true
}

// TryAcquire charges one request against upstream's ledger if budget
// remains, atomically: concurrent callers cannot all pass the check before
// any of them records. Dispatching callers must use this, not the
// CanMakeRequest/RecordRequest pair. A non-positive limit always admits
// without charging.
func (l *Limiter) TryAcquire(upstream string, limit int) bool {
	if limit <= 0 {
		return true
	}
	now := l.clk.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	used := len(l.pruneLocked(upstream, now))
	if used >= limit {
		observ.IncRateLimitDenial(upstream)
		l.logger.WithFields(logrus.Fields{
			"upstream": upstream,
			"used":     used,
			"limit":    limit,
		}).Debug("rate limit denied request")
		return false
	}
	l.ledgers[upstream] = append(l.ledgers[upstream], now)
	return true
}

// RecordRequest charges one request against upstream's ledger.
func (l *Limiter) RecordRequest(upstream string) {
	now := l.clk.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(upstream, now)
	l.ledgers[upstream] = append(l.ledgers[upstream], now)
}

// Usage returns the ledger state for upstream under the given limit.
func (l *Limiter) Usage(upstream string, limit int) Usage {
	now := l.clk.Now()

	l.mu.Lock()
	ledger := l.pruneLocked(upstream, now)
	used := len(ledger)
	var oldest time.Time
	if used > 0 {
		oldest = ledger[0]
	}
	l.mu.Unlock()

	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	var resetIn int64
	if used > 0 {
		if d := oldest.Add(l.window).Sub(now); d > 0 {
			resetIn = int64((d + time.Second - 1) / time.Second)
		}
	}
	return Usage{Used: used, Limit: limit, Remaining: remaining, ResetIn: resetIn}
}

// Reset drops every ledger.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ledgers = make(map[string][]time.Time)
}
