// serviceprincipal.go

package aztok

import (
	"context"
	"net/http"
	"net/url"
	"sync"
)

// ServicePrincipalConfig configures a client_id + secret credential.
type ServicePrincipalConfig struct {
	TenantId     string
	ClientId     string
	ClientSecret string

	// CacheEnabled keeps acquired tokens per (kind, resource) and re-uses
	// them until they are within five minutes of expiry.
	CacheEnabled bool

	// AuthorityUrl overrides the default login.microsoftonline.com/<tenant>
	// authority. Tests point this at a local server.
	AuthorityUrl string

	// ArmUrl and GraphUrl override the default API endpoints.
	ArmUrl   string
	GraphUrl string

	Clock      Clock
	HTTPClient *http.Client
}

// ServicePrincipal acquires tokens with the OAuth2 client-credentials grant
// against its tenant's token endpoint. There is no interactive fallback;
// failures are terminal for the call.
type ServicePrincipal struct {
	tenantId     string
	clientId     string
	clientSecret string
	cacheEnabled bool
	authorityUrl string
	armUrl       string
	graphUrl     string
	clock        Clock
	hc           *http.Client

	mu    sync.Mutex
	cache map[spSlot]*Token
}

type spSlot struct {
	kind     TokenKind
	resource string
}

func NewServicePrincipal(cfg ServicePrincipalConfig) (*ServicePrincipal, error) {
	const op = "aztok.NewServicePrincipal"
	if cfg.TenantId == "" || cfg.ClientId == "" || cfg.ClientSecret == "" {
		return nil, errKindf(KindUnauthenticated, op, "tenant_id, client_id and client_secret are all required")
	}
	sp := &ServicePrincipal{
		tenantId:     cfg.TenantId,
		clientId:     cfg.ClientId,
		clientSecret: cfg.ClientSecret,
		cacheEnabled: cfg.CacheEnabled,
		authorityUrl: cfg.AuthorityUrl,
		armUrl:       cfg.ArmUrl,
		graphUrl:     cfg.GraphUrl,
		clock:        cfg.Clock,
		hc:           cfg.HTTPClient,
		cache:        make(map[spSlot]*Token),
	}
	if sp.authorityUrl == "" {
		sp.authorityUrl = ConstAuthUrl + cfg.TenantId
	}
	if sp.armUrl == "" {
		sp.armUrl = ConstAzUrl
	}
	if sp.graphUrl == "" {
		sp.graphUrl = ConstMgUrl
	}
	if sp.clock == nil {
		sp.clock = RealClock()
	}
	return sp, nil
}

func (sp *ServicePrincipal) AcquireARM(ctx context.Context, resource string) (*Token, error) {
	if resource == "" {
		resource = sp.armUrl
	}
	return sp.acquire(ctx, TokenARM, resource)
}

func (sp *ServicePrincipal) AcquireGraph(ctx context.Context) (*Token, error) {
	return sp.acquire(ctx, TokenGraph, sp.graphUrl)
}

func (sp *ServicePrincipal) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	tok, err := sp.AcquireARM(ctx, sp.armUrl)
	if err != nil {
		return nil, err
	}
	return listSubscriptions(ctx, sp.hc, sp.armUrl, tok)
}

func (sp *ServicePrincipal) IsAmbient() bool {
	return false
}

func (sp *ServicePrincipal) Identity() string {
	return "sp:" + sp.tenantId + "/" + sp.clientId
}

// acquire serves from the per-instance cache when the entry has more than
// five minutes of life left; otherwise it refreshes while holding the mutex,
// so concurrent callers wait for the single refresher instead of stampeding
// the token endpoint.
func (sp *ServicePrincipal) acquire(ctx context.Context, kind TokenKind, resource string) (*Token, error) {
	slot := spSlot{kind: kind, resource: resource}

	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.cacheEnabled {
		if tok := sp.cache[slot]; tok != nil && !tok.WillExpireIn(sp.clock.Now(), cacheRefreshWindow) {
			return tok, nil
		}
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {sp.clientId},
		"client_secret": {sp.clientSecret},
		"resource":      {resource},
	}
	wire, err := requestToken(ctx, sp.hc, "POST", sp.authorityUrl+"/oauth2/token", form, nil)
	if err != nil {
		return nil, err
	}
	tok, err := tokenFromWire(wire, resource, kind, sp.clock, sp.tenantId)
	if err != nil {
		return nil, err
	}
	if sp.cacheEnabled {
		sp.cache[slot] = tok
	}
	return tok, nil
}
