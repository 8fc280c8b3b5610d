// header.go

package aztok

import "context"

// HeaderSource produces the Authorization header for one API. It is the only
// thing downstream service clients depend on; they never see the provider
// variants behind it.
type HeaderSource struct {
	cache    *TokenCache
	provider CredentialProvider
	key      CacheKey
}

// NewARMHeaderSource returns a HeaderSource for the given ARM-side resource.
// An empty resource means the ARM endpoint itself.
func NewARMHeaderSource(cache *TokenCache, provider CredentialProvider, resource string) *HeaderSource {
	if resource == "" {
		resource = ConstAzUrl
	}
	return &HeaderSource{cache: cache, provider: provider, key: ARMCacheKey(provider, resource)}
}

// NewGraphHeaderSource returns a HeaderSource for the MS Graph API.
func NewGraphHeaderSource(cache *TokenCache, provider CredentialProvider) *HeaderSource {
	return &HeaderSource{cache: cache, provider: provider, key: GraphCacheKey(provider)}
}

// Header returns a fresh map holding the single Authorization entry. Callers
// may mutate the returned map. On failure no partial header is emitted.
//
// The token behind the header was live at the instant of return; if it
// expires between here and the wire, the enclosing HTTP layer is expected to
// retry on 401.
func (h *HeaderSource) Header(ctx context.Context) (map[string]string, error) {
	tok, err := h.cache.GetOrAcquire(ctx, h.key, h.provider)
	if err != nil {
		return nil, err
	}
	return map[string]string{"Authorization": "Bearer " + tok.Raw}, nil
}
