// cache_test.go

package aztok

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() CacheKey {
	return CacheKey{Identity: "fake", Kind: TokenARM, Resource: ConstAzUrl}
}

func TestTokenCacheReuse(t *testing.T) {
	clk := newFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	p := &countingProvider{clock: clk, ttl: time.Hour}
	c := NewTokenCache(clk)

	tok1, err := c.GetOrAcquire(context.Background(), testKey(), p)
	require.NoError(t, err)
	require.Equal(t, 1, p.callCount())

	clk.Advance(10 * time.Second)
	tok2, err := c.GetOrAcquire(context.Background(), testKey(), p)
	require.NoError(t, err)
	assert.Equal(t, tok1.Raw, tok2.Raw)
	assert.Equal(t, 1, p.callCount(), "live cached token must not hit the provider")
}

func TestTokenCacheRefreshBoundary(t *testing.T) {
	clk := newFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	c := NewTokenCache(clk)

	t.Run("exactly 300s remaining refreshes", func(t *testing.T) {
		p := &countingProvider{clock: clk, ttl: 300 * time.Second}
		_, err := c.GetOrAcquire(context.Background(), testKey(), p)
		require.NoError(t, err)
		_, err = c.GetOrAcquire(context.Background(), testKey(), p)
		require.NoError(t, err)
		assert.Equal(t, 2, p.callCount())
	})

	t.Run("301s remaining is fresh", func(t *testing.T) {
		p := &countingProvider{clock: clk, ttl: 301 * time.Second}
		key := CacheKey{Identity: "fake2", Kind: TokenARM, Resource: ConstAzUrl}
		_, err := c.GetOrAcquire(context.Background(), key, p)
		require.NoError(t, err)
		_, err = c.GetOrAcquire(context.Background(), key, p)
		require.NoError(t, err)
		assert.Equal(t, 1, p.callCount())
	})
}

func TestTokenCacheSingleRefresherUnderConcurrency(t *testing.T) {
	clk := newFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	p := &countingProvider{clock: clk, ttl: time.Hour}
	c := NewTokenCache(clk)

	_, err := c.GetOrAcquire(context.Background(), testKey(), p)
	require.NoError(t, err)

	// Push the cached token into its refresh window, then stampede
	clk.Advance(time.Hour - 200*time.Second)

	const n = 8
	var wg sync.WaitGroup
	raws := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := c.GetOrAcquire(context.Background(), testKey(), p)
			if errs[i] = err; err == nil {
				raws[i] = tok.Raw
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
	}
	assert.Equal(t, 2, p.callCount(), "the stampede must collapse to a single refresh")
	for i := 1; i < n; i++ {
		assert.Equal(t, raws[0], raws[i])
	}
}

func TestTokenCacheInvalidateForcesFreshAcquisition(t *testing.T) {
	clk := newFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	p := &countingProvider{clock: clk, ttl: time.Hour}
	c := NewTokenCache(clk)

	_, err := c.GetOrAcquire(context.Background(), testKey(), p)
	require.NoError(t, err)

	c.Invalidate(testKey())
	_, err = c.GetOrAcquire(context.Background(), testKey(), p)
	require.NoError(t, err)
	assert.Equal(t, 2, p.callCount())
}

func TestTokenCacheInvalidateWakesWaiters(t *testing.T) {
	clk := newFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	p := &countingProvider{
		clock:      clk,
		ttl:        time.Hour,
		blockFirst: make(chan struct{}),
		started:    make(chan struct{}, 1),
	}
	c := NewTokenCache(clk)

	// First caller becomes the refresher and parks inside the provider
	refresherDone := make(chan struct{})
	go func() {
		defer close(refresherDone)
		_, err := c.GetOrAcquire(context.Background(), testKey(), p)
		assert.NoError(t, err)
	}()
	<-p.started

	// Three more callers pile up behind the in-flight refresh
	const n = 3
	var wg sync.WaitGroup
	raws := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := c.GetOrAcquire(context.Background(), testKey(), p)
			if errs[i] = err; err == nil {
				raws[i] = tok.Raw
			}
		}(i)
	}
	time.Sleep(50 * time.Millisecond) // Let the waiters reach the select

	c.Invalidate(testKey())
	wg.Wait()

	// The woken waiters re-entered and collapsed onto one new refresh
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
	}
	assert.Equal(t, 2, p.callCount())
	for i := 1; i < n; i++ {
		assert.Equal(t, raws[0], raws[i])
	}

	close(p.blockFirst)
	<-refresherDone
}

func TestTokenCacheWaiterCancelled(t *testing.T) {
	clk := newFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	p := &countingProvider{
		clock:      clk,
		ttl:        time.Hour,
		blockFirst: make(chan struct{}),
		started:    make(chan struct{}, 1),
	}
	c := NewTokenCache(clk)

	go func() {
		_, _ = c.GetOrAcquire(context.Background(), testKey(), p)
	}()
	<-p.started

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.GetOrAcquire(ctx, testKey(), p)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	err := <-errCh
	require.Error(t, err)
	assert.Equal(t, KindCancelled, KindOf(err))

	close(p.blockFirst)
}

func TestTokenCacheRefreshErrorSurfacesToWaiters(t *testing.T) {
	clk := newFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	p := &countingProvider{
		clock: clk,
		ttl:   time.Hour,
		err:   errKindf(KindUpstreamUnavailable, "test", "boom"),
	}
	c := NewTokenCache(clk)

	_, err := c.GetOrAcquire(context.Background(), testKey(), p)
	require.Error(t, err)
	assert.Equal(t, KindUpstreamUnavailable, KindOf(err))
}
