// Package fetcher implements the fetch pipeline: per-key fetch with quota
// gating, retry under exponential backoff and stale fallback, plus the
// aggregate fetch that produces a value for every configured key.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/cache"
	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/clock"
	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/observ"
	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/prices"
	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/ratelimit"
	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/upstream"
)

type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	Window     time.Duration // rate-limit window; also sets the inter-key pause length
	Quotas     map[string]int
	Fallbacks  map[prices.Key]prices.Value
}

type Fetcher struct {
	cache   *cache.Cache
	limiter *ratelimit.Limiter
	sources map[prices.Key]upstream.Source
	keys    []prices.Key // configuration order
	head    []prices.Key // keys on upstreams without quotas, fetched in parallel
	tail    []prices.Key // keys on quota-bearing upstreams, fetched one at a time
	cfg     Config
	clk     clock.Clock
	logger  *logrus.Logger
	group   singleflight.Group
}

func New(c *cache.Cache, l *ratelimit.Limiter, sources []upstream.Source, cfg Config, clk clock.Clock, logger *logrus.Logger) *Fetcher {
	f := &Fetcher{
		cache:   c,
		limiter: l,
		sources: make(map[prices.Key]upstream.Source, len(sources)),
		cfg:     cfg,
		clk:     clk,
		logger:  logger,
	}
	for _, src := range sources {
		f.sources[src.Key] = src
		f.keys = append(f.keys, src.Key)
		if cfg.Quotas[src.Upstream] > 0 {
			f.tail = append(f.tail, src.Key)
		} else {
			f.head = append(f.head, src.Key)
		}
	}
	return f
}

// Keys returns every configured key in configuration order.
func (f *Fetcher) Keys() []prices.Key {
	out := make([]prices.Key, len(f.keys))
	copy(out, f.keys)
	return out
}

// Result is the outcome of one key's fetch.
type Result struct {
	Key   prices.Key
	Value prices.Value // nil when no value could be produced
	Stale bool         // Value came from an expired cache entry
	Err   error        // non-nil when the upstream fetch failed
}

// FetchAndCache fetches one key, writes the cache on success, and falls back
// to whatever entry the cache still holds on failure. Concurrent calls for
// the same key share a single upstream fetch.
func (f *Fetcher) FetchAndCache(ctx context.Context, key prices.Key) Result {
	v, _, _ := f.group.Do(string(key), func() (any, error) {
		return f.fetchAndCache(ctx, key), nil
	})
	return v.(Result)
}

func (f *Fetcher) fetchAndCache(ctx context.Context, key prices.Key) Result {
	src, ok := f.sources[key]
	if !ok {
		return f.fallbackResult(key, prices.NewConfigError(key, "", "unknown key"))
	}

	if limit := f.cfg.Quotas[src.Upstream]; limit > 0 {
		// One atomic charge covers the whole attempt loop; retries are not
		// billed again, and concurrent fetches cannot overrun the limit
		// between a check and a record.
		if !f.limiter.TryAcquire(src.Upstream, limit) {
			usage := f.limiter.Usage(src.Upstream, limit)
			f.logger.WithFields(logrus.Fields{
				"key":      key,
				"upstream": src.Upstream,
				"reset_in": usage.ResetIn,
			}).Warn("quota exhausted, skipping upstream call")
			return f.fallbackResult(key, prices.NewQuotaError(key, src.Upstream,
				fmt.Sprintf("quota of %d per %s exhausted, resets in %ds", limit, f.cfg.Window, usage.ResetIn)))
		}
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt < f.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := f.cfg.BaseDelay << (attempt - 1)
			f.logger.WithFields(logrus.Fields{
				"key":     key,
				"attempt": attempt + 1,
				"delay":   delay.String(),
			}).Debug("backing off before retry")
			if err := f.clk.Sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}
		attempts++
		value, err := src.Fetch(ctx)
		if err == nil {
			f.cache.Set(key, value)
			return Result{Key: key, Value: value}
		}
		lastErr = err
		f.logger.WithFields(logrus.Fields{
			"key":     key,
			"attempt": attempts,
			"error":   err.Error(),
		}).Warn("fetch attempt failed")
		if !prices.Retriable(err) {
			break
		}
	}

	var fe *prices.FetchError
	if errors.As(lastErr, &fe) && fe.Kind == prices.ErrKindConfig {
		return f.fallbackResult(key, lastErr)
	}
	return f.fallbackResult(key, prices.NewExhaustedError(key, src.Upstream, attempts, lastErr))
}

// fallbackResult consults the cache after a failed fetch. The entry may still
// be fresh (a refresh-ahead that failed); Stale is set only when it expired.
func (f *Fetcher) fallbackResult(key prices.Key, err error) Result {
	if entry, ok := f.cache.GetRaw(key); ok {
		stale := !entry.Fresh(f.clk.Now())
		if stale {
			observ.IncStaleServed(string(key))
			f.logger.WithFields(logrus.Fields{
				"key":   key,
				"error": err.Error(),
			}).Warn("serving stale cache entry")
		}
		return Result{Key: key, Value: entry.Value, Stale: stale, Err: err}
	}
	return Result{Key: key, Err: err}
}

// Snapshot is the aggregate outcome of FetchAll.
type Snapshot struct {
	Data      map[prices.Key]prices.Value
	Errors    []string // "KEY: detail", in the order failures surfaced
	Successes []string // keys served with a real upstream or cached value
	Cached    bool     // served entirely from fresh cache entries
	Partial   bool     // at least one key failed
	Stale     bool     // at least one served value is expired
}

// Degraded reports whether enough keys failed to flag the whole response.
func (s Snapshot) Degraded() bool { return len(s.Errors) > 3 }

func (s *Snapshot) absorb(res Result) {
	if res.Err != nil {
		s.Errors = append(s.Errors, fmt.Sprintf("%s: %s", res.Key, prices.ErrDetail(res.Err)))
		if res.Value != nil {
			s.Data[res.Key] = res.Value
			if res.Stale {
				s.Stale = true
			}
		}
		return
	}
	s.Data[res.Key] = res.Value
	s.Successes = append(s.Successes, string(res.Key))
}

// FetchAll produces a value for every configured key. Fresh cache entries
// win outright; otherwise no-quota keys are fetched in parallel, quota-bearing
// keys go one at a time in configuration order, and keys that still have no
// value get their configured fallback.
func (f *Fetcher) FetchAll(ctx context.Context) Snapshot {
	if snap, ok := f.cachedSnapshot(); ok {
		return snap
	}

	snap := Snapshot{
		Data:      make(map[prices.Key]prices.Value, len(f.keys)),
		Errors:    []string{},
		Successes: []string{},
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, key := range f.head {
		key := key
		g.Go(func() error {
			res := f.FetchAndCache(gctx, key)
			mu.Lock()
			snap.absorb(res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	f.fetchTail(ctx, &snap)

	for _, key := range f.keys {
		if _, ok := snap.Data[key]; ok {
			continue
		}
		fallback, ok := f.cfg.Fallbacks[key]
		if !ok {
			f.logger.WithField("key", key).Error("no value and no fallback configured")
			continue
		}
		snap.Data[key] = fallback
		observ.IncFallbackServed(string(key))
		f.logger.WithField("key", key).Warn("serving configured fallback value")
	}

	snap.Partial = len(snap.Errors) > 0
	return snap
}

// cachedSnapshot serves the fast path: one consistent view of the store with
// every key fresh. Any missing or expired key falls through to a real fetch.
func (f *Fetcher) cachedSnapshot() (Snapshot, bool) {
	entries := f.cache.Entries()
	now := f.clk.Now()

	snap := Snapshot{
		Data:      make(map[prices.Key]prices.Value, len(f.keys)),
		Errors:    []string{},
		Successes: []string{},
		Cached:    true,
	}
	for _, key := range f.keys {
		entry, ok := entries[key]
		if !ok || !entry.Fresh(now) {
			return Snapshot{}, false
		}
		snap.Data[key] = entry.Value
		snap.Successes = append(snap.Successes, string(key))
	}
	return snap, true
}

// fetchTail walks the quota-bearing keys one at a time in configuration
// order. Keys refreshed by a concurrent caller are adopted from the cache,
// and when exactly one budget slot remains with keys still to go, the walk
// pauses for a fifth of the window so charges can slide out.
func (f *Fetcher) fetchTail(ctx context.Context, snap *Snapshot) {
	for i, key := range f.tail {
		if err := ctx.Err(); err != nil {
			for _, skipped := range f.tail[i:] {
				snap.Errors = append(snap.Errors, fmt.Sprintf("%s: fetch aborted: %v", skipped, err))
			}
			return
		}

		if v, ok := f.cache.Get(key); ok {
			snap.absorb(Result{Key: key, Value: v})
			continue
		}

		snap.absorb(f.FetchAndCache(ctx, key))

		src := f.sources[key]
		limit := f.cfg.Quotas[src.Upstream]
		if limit > 0 && i < len(f.tail)-1 {
			if usage := f.limiter.Usage(src.Upstream, limit); usage.Remaining == 1 {
				pause := f.cfg.Window / 5
				f.logger.WithFields(logrus.Fields{
					"upstream": src.Upstream,
					"pause":    pause.String(),
				}).Info("one budget slot left, pausing between keys")
				_ = f.clk.Sleep(ctx, pause)
			}
		}
	}
}
