// cache.go

package aztok

import (
	"context"
	"sync"
)

// CacheKey identifies one cached token: who acquired it, for which API, for
// which resource. Equality is structural.
type CacheKey struct {
	Identity string
	Kind     TokenKind
	Resource string
}

// ARMCacheKey is the key under which provider p's token for resource lives.
func ARMCacheKey(p CredentialProvider, resource string) CacheKey {
	return CacheKey{Identity: p.Identity(), Kind: TokenARM, Resource: resource}
}

func GraphCacheKey(p CredentialProvider) CacheKey {
	return CacheKey{Identity: p.Identity(), Kind: TokenGraph, Resource: ConstMgUrl}
}

// TokenCache de-duplicates token acquisition per CacheKey. Construct one at
// process start and hand it to every HeaderSource; tests construct their own
// instead of sharing hidden package state.
//
// Within one key, acquisitions are serialized and readers observe a
// monotonically non-decreasing expiry. Across keys there is no ordering.
type TokenCache struct {
	clock Clock

	mu       sync.RWMutex
	tokens   map[CacheKey]*Token
	inflight map[CacheKey]*refreshCall
}

// refreshCall is one in-flight acquisition. done is closed when the refresher
// finishes; invalidated is closed by Invalidate to wake waiters so they
// re-enter GetOrAcquire.
type refreshCall struct {
	done        chan struct{}
	invalidated chan struct{}
	tok         *Token
	err         error
}

func NewTokenCache(clock Clock) *TokenCache {
	if clock == nil {
		clock = RealClock()
	}
	return &TokenCache{
		clock:    clock,
		tokens:   make(map[CacheKey]*Token),
		inflight: make(map[CacheKey]*refreshCall),
	}
}

// GetOrAcquire returns the cached token when it has more than five minutes of
// life left. Otherwise exactly one caller refreshes through the provider
// while the rest wait for its result. A token with exactly five minutes
// remaining counts as expiring.
func (c *TokenCache) GetOrAcquire(ctx context.Context, key CacheKey, provider CredentialProvider) (*Token, error) {
	const op = "aztok.TokenCache.GetOrAcquire"
	for {
		c.mu.RLock()
		tok := c.tokens[key]
		c.mu.RUnlock()
		if tok != nil && !tok.WillExpireIn(c.clock.Now(), cacheRefreshWindow) {
			return tok, nil
		}

		c.mu.Lock()
		// Re-check under the write lock; a refresher may have just finished
		if tok = c.tokens[key]; tok != nil && !tok.WillExpireIn(c.clock.Now(), cacheRefreshWindow) {
			c.mu.Unlock()
			return tok, nil
		}
		call := c.inflight[key]
		if call == nil {
			call = &refreshCall{done: make(chan struct{}), invalidated: make(chan struct{})}
			c.inflight[key] = call
			c.mu.Unlock()
			return c.refresh(ctx, key, provider, call)
		}
		c.mu.Unlock()

		select {
		case <-call.done:
			if call.err != nil {
				return nil, call.err
			}
			return call.tok, nil
		case <-call.invalidated:
			// Synthetic Invalidated wake; re-enter and re-acquire
			continue
		case <-ctx.Done():
			return nil, errKind(KindCancelled, op, ctx.Err())
		}
	}
}

// refresh runs in the single winning caller. The result is published under
// the lock before done is closed, which gives waiters the happens-before
// edge to the new token.
func (c *TokenCache) refresh(ctx context.Context, key CacheKey, provider CredentialProvider, call *refreshCall) (*Token, error) {
	var tok *Token
	var err error
	switch key.Kind {
	case TokenGraph:
		tok, err = provider.AcquireGraph(ctx)
	default:
		tok, err = provider.AcquireARM(ctx, key.Resource)
	}

	c.mu.Lock()
	if c.inflight[key] == call {
		delete(c.inflight, key)
		if err == nil {
			c.tokens[key] = tok
		}
	}
	// An invalidated call's token is not stored, but the refresher itself
	// still gets it; it is fresh either way.
	call.tok, call.err = tok, err
	c.mu.Unlock()
	close(call.done)
	return tok, err
}

// Invalidate drops the token under key and wakes any waiters blocked on an
// in-flight refresh so they re-acquire. The next GetOrAcquire always performs
// a fresh acquisition.
func (c *TokenCache) Invalidate(key CacheKey) {
	c.mu.Lock()
	delete(c.tokens, key)
	if call := c.inflight[key]; call != nil {
		delete(c.inflight, key)
		close(call.invalidated)
	}
	c.mu.Unlock()
}
