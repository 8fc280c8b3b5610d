// helpers_test.go

package aztok

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// makeJWT mints an unsigned three-part token with the given claims, enough
// for the decoder which never verifies signatures.
func makeJWT(claims map[string]interface{}) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload, err := json.Marshal(claims)
	if err != nil {
		panic(err)
	}
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + "."
}

// makeUserJWT is the common case: a user token for a tenant with an expiry.
func makeUserJWT(tenant, upn string, iat, exp time.Time) string {
	claims := map[string]interface{}{
		"tid": tenant,
		"iat": iat.Unix(),
		"exp": exp.Unix(),
	}
	if upn != "" {
		claims["upn"] = upn
	}
	return makeJWT(claims)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingProvider counts acquisitions and can block the first one until
// released, which lets tests park waiters on an in-flight refresh.
type countingProvider struct {
	clock  Clock
	ttl    time.Duration
	tenant string
	err    error

	blockFirst chan struct{} // When set, the first acquisition waits on it
	started    chan struct{} // Signalled when a blocked acquisition has begun

	mu    sync.Mutex
	calls int
}

func (p *countingProvider) acquire(resource string, kind TokenKind) (*Token, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	block := n == 1 && p.blockFirst != nil
	p.mu.Unlock()

	if block {
		if p.started != nil {
			p.started <- struct{}{}
		}
		<-p.blockFirst
	}
	if p.err != nil {
		return nil, p.err
	}
	now := p.clock.Now()
	return &Token{
		Raw:       fmt.Sprintf("tok-%d", n),
		Resource:  resource,
		Tenant:    p.tenant,
		IssuedAt:  now,
		ExpiresAt: now.Add(p.ttl),
		Kind:      kind,
	}, nil
}

func (p *countingProvider) AcquireARM(ctx context.Context, resource string) (*Token, error) {
	return p.acquire(resource, TokenARM)
}

func (p *countingProvider) AcquireGraph(ctx context.Context) (*Token, error) {
	return p.acquire(ConstMgUrl, TokenGraph)
}

func (p *countingProvider) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	return nil, nil
}

func (p *countingProvider) IsAmbient() bool { return false }

func (p *countingProvider) Identity() string { return "fake" }

func (p *countingProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// fakeRunClient hands out run tokens minted on demand, or a fixed error.
type fakeRunClient struct {
	clock Clock
	ttl   time.Duration
	err   error

	mu    sync.Mutex
	calls int
}

func (c *fakeRunClient) GetRunToken(ctx context.Context, scope RunScope) (string, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	now := c.clock.Now()
	return makeUserJWT("run-tenant", "", now, now.Add(c.ttl)), nil
}

func (c *fakeRunClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}
