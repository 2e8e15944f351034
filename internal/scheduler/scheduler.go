// Package scheduler drives the background refresh loop: seed the cache once
// at startup, then refresh entries approaching expiry on a fixed tick so
// clients rarely see a cold cache.
package scheduler

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/alerts"
	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/cache"
	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/clock"
	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/fetcher"
	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/observ"
	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/prices"
)

type Scheduler struct {
	fetcher   *fetcher.Fetcher
	cache     *cache.Cache
	interval  time.Duration
	threshold time.Duration
	clk       clock.Clock
	logger    *logrus.Logger
	notifier  *alerts.Notifier

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(f *fetcher.Fetcher, c *cache.Cache, interval, threshold time.Duration, clk clock.Clock, logger *logrus.Logger, notifier *alerts.Notifier) *Scheduler {
	return &Scheduler{
		fetcher:   f,
		cache:     c,
		interval:  interval,
		threshold: threshold,
		clk:       clk,
		logger:    logger,
		notifier:  notifier,
	}
}

// Seed warms the cache synchronously so the first request after startup is
// served warm. Failures are logged and alerted, never fatal: the fallback
// path covers whatever did not seed.
func (s *Scheduler) Seed(ctx context.Context) {
	start := s.clk.Now()
	snap := s.fetcher.FetchAll(ctx)
	elapsed := s.clk.Now().Sub(start)

	if len(snap.Errors) > 0 {
		s.logger.WithFields(logrus.Fields{
			"keys":    len(snap.Data),
			"errors":  snap.Errors,
			"elapsed": elapsed.String(),
		}).Warn("cache seed completed with errors")
		s.notifier.Notify("seed_errors", strings.Join(snap.Errors, "; "))
		return
	}
	s.logger.WithFields(logrus.Fields{
		"keys":    len(snap.Data),
		"elapsed": elapsed.String(),
	}).Info("cache seeded")
}

// Start launches the refresh loop. Starting a running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	// The ticker is created here, not in run, so it is registered with the
	// clock before Start returns; a fake clock advanced right after Start
	// would otherwise race the goroutine and never fire.
	ticker := s.clk.NewTicker(s.interval)
	go s.run(ctx, ticker)

	s.logger.WithFields(logrus.Fields{
		"interval":  s.interval.String(),
		"threshold": s.threshold.String(),
	}).Info("scheduler started")
}

// Stop halts the loop and waits for an in-flight tick to finish. Stopping a
// stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, ticker clock.Ticker) {
	defer close(s.done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.tick(ctx)
		}
	}
}

// tick refreshes every entry whose remaining TTL dropped below the
// threshold. An empty cache is reseeded outright.
func (s *Scheduler) tick(ctx context.Context) {
	cycle := uuid.NewString()[:8]
	entries := s.cache.Entries()

	if len(entries) == 0 {
		s.logger.WithField("cycle", cycle).Info("cache empty, reseeding")
		snap := s.fetcher.FetchAll(ctx)
		if len(snap.Errors) > 0 {
			observ.IncSchedulerRefresh("error")
		} else {
			observ.IncSchedulerRefresh("success")
		}
		return
	}

	now := s.clk.Now()
	var due []prices.Key
	for key, entry := range entries {
		if entry.ExpiresAt.Sub(now) < s.threshold {
			due = append(due, key)
		}
	}
	if len(due) == 0 {
		return
	}
	sort.Slice(due, func(i, j int) bool { return due[i] < due[j] })

	s.logger.WithFields(logrus.Fields{
		"cycle": cycle,
		"keys":  due,
	}).Info("refreshing entries near expiry")

	var wg sync.WaitGroup
	var mu sync.Mutex
	var failed []string
	for _, key := range due {
		wg.Add(1)
		go func(k prices.Key) {
			defer wg.Done()
			res := s.fetcher.FetchAndCache(ctx, k)
			if res.Err != nil {
				observ.IncSchedulerRefresh("error")
				mu.Lock()
				failed = append(failed, string(k))
				mu.Unlock()
				return
			}
			observ.IncSchedulerRefresh("success")
		}(key)
	}
	wg.Wait()

	if len(failed) > 0 {
		s.logger.WithFields(logrus.Fields{
			"cycle":  cycle,
			"failed": failed,
		}).Warn("refresh cycle completed with failures")
		return
	}
	s.logger.WithFields(logrus.Fields{
		"cycle":     cycle,
		"refreshed": len(due),
	}).Debug("refresh cycle completed")
}

// Status is the scheduler block of the health payload.
type Status struct {
	Running                 bool  `json:"running"`
	IntervalSeconds         int64 `json:"intervalSeconds"`
	RefreshThresholdSeconds int64 `json:"refreshThresholdSeconds"`
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:                 s.running,
		IntervalSeconds:         int64(s.interval.Seconds()),
		RefreshThresholdSeconds: int64(s.threshold.Seconds()),
	}
}
