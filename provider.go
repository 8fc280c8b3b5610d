// provider.go

package aztok

import "context"

// CredentialProvider acquires bearer tokens for a relying party. The concrete
// variants are Interactive, ServicePrincipal, ManagedIdentity,
// DatabricksCluster, and RawTokenProvider; callers needing variant-specific
// behavior switch on the concrete type rather than probing for methods.
//
// Every acquisition honors the deadline on ctx; an elapsed deadline surfaces
// as KindCancelled.
type CredentialProvider interface {
	// AcquireARM returns a token for the given ARM-side resource URL.
	AcquireARM(ctx context.Context, resource string) (*Token, error)

	// AcquireGraph returns a token for the MS Graph endpoint.
	AcquireGraph(ctx context.Context) (*Token, error)

	// ListSubscriptions enumerates the subscriptions visible to this
	// credential.
	ListSubscriptions(ctx context.Context) ([]Subscription, error)

	// IsAmbient reports whether the credential was supplied by the execution
	// environment without user action.
	IsAmbient() bool

	// Identity is a stable string identifying the principal behind this
	// provider, used as the provider component of cache keys.
	Identity() string
}

// RawTokenProvider wraps a pre-acquired token and returns it unchanged. It is
// used for delegation and in tests.
type RawTokenProvider struct {
	Token *Token
}

func NewRawTokenProvider(t *Token) *RawTokenProvider {
	return &RawTokenProvider{Token: t}
}

func (p *RawTokenProvider) AcquireARM(ctx context.Context, resource string) (*Token, error) {
	return p.Token, nil
}

func (p *RawTokenProvider) AcquireGraph(ctx context.Context) (*Token, error) {
	return p.Token, nil
}

func (p *RawTokenProvider) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	tok, err := p.AcquireARM(ctx, ConstAzUrl)
	if err != nil {
		return nil, err
	}
	return listSubscriptions(ctx, nil, "", tok)
}

func (p *RawTokenProvider) IsAmbient() bool {
	return false
}

func (p *RawTokenProvider) Identity() string {
	return "raw:" + p.Token.Tenant
}
