package ratelimit

import (
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/clock"
)

func newTestLimiter(window time.Duration) (*Limiter, *clock.Fake) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(window, clk, logger), clk
}

func TestDeniesAtLimit(t *testing.T) {
	l, _ := newTestLimiter(time.Minute)

	for i := 0; i < 5; i++ {
		assert.True(t, l.CanMakeRequest("alphavantage", 5), "request %d should be admitted", i+1)
		l.RecordRequest("alphavantage")
	}

	assert.False(t, l.CanMakeRequest("alphavantage", 5))
}

func TestWindowSlides(t *testing.T) {
	l, clk := newTestLimiter(time.Minute)

	l.RecordRequest("alphavantage")
	clk.Advance(10 * time.Second)
	for i := 0; i < 4; i++ {
		l.RecordRequest("alphavantage")
	}
	assert.False(t, l.CanMakeRequest("alphavantage", 5))

	// 55s in: the first charge is still inside the window.
	clk.Advance(45 * time.Second)
	assert.False(t, l.CanMakeRequest("alphavantage", 5))

	// 61s in: the first charge slid out, the other four remain.
	clk.Advance(6 * time.Second)
	assert.True(t, l.CanMakeRequest("alphavantage", 5))
	assert.Equal(t, 4, l.Usage("alphavantage", 5).Used)
}

func TestTryAcquireChargesAtomically(t *testing.T) {
	l, clk := newTestLimiter(time.Minute)

	for i := 0; i < 5; i++ {
		assert.True(t, l.TryAcquire("alphavantage", 5), "acquire %d should be admitted", i+1)
	}
	assert.False(t, l.TryAcquire("alphavantage", 5))
	assert.Equal(t, 5, l.Usage("alphavantage", 5).Used, "a denied acquire must not be charged")

	clk.Advance(61 * time.Second)
	assert.True(t, l.TryAcquire("alphavantage", 5))
}

func TestTryAcquireWithoutQuotaAdmitsFreely(t *testing.T) {
	l, _ := newTestLimiter(time.Minute)

	for i := 0; i < 100; i++ {
		assert.True(t, l.TryAcquire("coingecko", 0))
	}
	assert.Zero(t, l.Usage("coingecko", 0).Used)
}

func TestConcurrentAcquiresNeverExceedLimit(t *testing.T) {
	l, _ := newTestLimiter(time.Minute)

	const goroutines = 32
	const limit = 5
	var admitted atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if l.TryAcquire("alphavantage", limit) {
				admitted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(limit), admitted.Load(),
		"exactly the budget must be admitted, no matter the interleaving")
	assert.Equal(t, limit, l.Usage("alphavantage", limit).Used)
}

func TestUsageSnapshot(t *testing.T) {
	l, clk := newTestLimiter(time.Minute)

	u := l.Usage("alphavantage", 5)
	assert.Equal(t, Usage{Used: 0, Limit: 5, Remaining: 5, ResetIn: 0}, u)

	l.RecordRequest("alphavantage")
	l.RecordRequest("alphavantage")
	clk.Advance(30 * time.Second)

	u = l.Usage("alphavantage", 5)
	assert.Equal(t, 2, u.Used)
	assert.Equal(t, 3, u.Remaining)
	assert.Equal(t, int64(30), u.ResetIn)
}

func TestResetInRoundsUp(t *testing.T) {
	l, clk := newTestLimiter(time.Minute)

	l.RecordRequest("alphavantage")
	clk.Advance(30*time.Second + 500*time.Millisecond)

	assert.Equal(t, int64(30), l.Usage("alphavantage", 5).ResetIn)
}

func TestUpstreamsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(time.Minute)

	for i := 0; i < 5; i++ {
		l.RecordRequest("alphavantage")
	}

	assert.False(t, l.CanMakeRequest("alphavantage", 5))
	assert.True(t, l.CanMakeRequest("coingecko", 5))
	assert.Zero(t, l.Usage("coingecko", 5).Used)
}

func TestNoDeclaredQuotaAlwaysAdmits(t *testing.T) {
	l, _ := newTestLimiter(time.Minute)

	for i := 0; i < 100; i++ {
		assert.True(t, l.CanMakeRequest("coingecko", 0))
	}
}

func TestResetDropsAllLedgers(t *testing.T) {
	l, _ := newTestLimiter(time.Minute)
	for i := 0; i < 5; i++ {
		l.RecordRequest("alphavantage")
	}

	l.Reset()

	assert.True(t, l.CanMakeRequest("alphavantage", 5))
	assert.Zero(t, l.Usage("alphavantage", 5).Used)
}
