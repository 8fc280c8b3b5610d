// managedidentity.go

package aztok

import (
	"context"
	"net/http"
	"net/url"
	"os"
)

// ManagedIdentityConfig configures the managed identity credential. All
// fields default sensibly; an empty config targets the well-known IMDS
// endpoint, or whatever MSI_ENDPOINT points at.
type ManagedIdentityConfig struct {
	Endpoint string
	ArmUrl   string
	GraphUrl string

	Clock      Clock
	HTTPClient *http.Client
}

// ManagedIdentity acquires tokens from the managed identity metadata
// endpoint. The endpoint does its own caching and throttling, so this
// variant does no caching of its own.
type ManagedIdentity struct {
	endpoint string
	armUrl   string
	graphUrl string
	clock    Clock
	hc       *http.Client
}

func NewManagedIdentity(cfg ManagedIdentityConfig) *ManagedIdentity {
	mi := &ManagedIdentity{
		endpoint: cfg.Endpoint,
		armUrl:   cfg.ArmUrl,
		graphUrl: cfg.GraphUrl,
		clock:    cfg.Clock,
		hc:       cfg.HTTPClient,
	}
	if mi.endpoint == "" {
		mi.endpoint = os.Getenv(EnvMsiEndpoint)
	}
	if mi.endpoint == "" {
		mi.endpoint = ConstMsiEndpoint
	}
	if mi.armUrl == "" {
		mi.armUrl = ConstAzUrl
	}
	if mi.graphUrl == "" {
		mi.graphUrl = ConstMgUrl
	}
	if mi.clock == nil {
		mi.clock = RealClock()
	}
	return mi
}

func (mi *ManagedIdentity) AcquireARM(ctx context.Context, resource string) (*Token, error) {
	if resource == "" {
		resource = mi.armUrl
	}
	return mi.acquire(ctx, TokenARM, resource)
}

func (mi *ManagedIdentity) AcquireGraph(ctx context.Context) (*Token, error) {
	return mi.acquire(ctx, TokenGraph, mi.graphUrl)
}

func (mi *ManagedIdentity) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	tok, err := mi.AcquireARM(ctx, mi.armUrl)
	if err != nil {
		return nil, err
	}
	return listSubscriptions(ctx, mi.hc, mi.armUrl, tok)
}

func (mi *ManagedIdentity) IsAmbient() bool {
	return true
}

func (mi *ManagedIdentity) Identity() string {
	// One managed identity per process, a singleton as far as caching goes
	return "msi"
}

func (mi *ManagedIdentity) acquire(ctx context.Context, kind TokenKind, resource string) (*Token, error) {
	q := url.Values{
		"api-version": {ConstMsiApiVersion},
		"resource":    {resource},
	}
	// The Metadata header guards against SSRF-style forwarded requests; the
	// endpoint rejects calls without it.
	wire, err := requestToken(ctx, mi.hc, "GET", mi.endpoint+"?"+q.Encode(), nil, map[string]string{"Metadata": "true"})
	if err != nil {
		return nil, err
	}
	return tokenFromWire(wire, resource, kind, mi.clock, "")
}
