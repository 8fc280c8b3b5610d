// transport.go
// HTTP plumbing for the identity provider endpoints (token endpoint and
// managed identity metadata endpoint). Downstream service calls are out of
// scope here; consumers take the header map from a HeaderSource instead.

package aztok

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Retries after the initial request, so a persistent 429 costs four calls.
const maxRateLimitRetries = 3

// tokenWire is the JSON shape both the v1 token endpoint and the managed
// identity metadata endpoint respond with. expires_on is epoch seconds,
// sometimes as a string and sometimes as a number, hence json.Number.
type tokenWire struct {
	AccessToken string      `json:"access_token"`
	ExpiresOn   json.Number `json:"expires_on"`
	ExpiresIn   json.Number `json:"expires_in"`
	Error       string      `json:"error"`
	ErrorDesc   string      `json:"error_description"`
}

func (w *tokenWire) expiry(clock Clock) time.Time {
	if sec, err := w.ExpiresOn.Int64(); err == nil && sec > 0 {
		return time.Unix(sec, 0).UTC()
	}
	if sec, err := w.ExpiresIn.Int64(); err == nil && sec > 0 {
		return clock.Now().Add(time.Duration(sec) * time.Second)
	}
	return time.Time{}
}

func newIdentityClient() *http.Client {
	return &http.Client{Timeout: identityCallTimeout}
}

// requestToken performs one identity-provider exchange, retrying up to three
// times on 429 while honoring the Retry-After hint. Each request carries a
// fresh client-request-id so failures can be correlated server-side.
func requestToken(ctx context.Context, hc *http.Client, method, rawUrl string, form url.Values, headers map[string]string) (*tokenWire, error) {
	const op = "aztok.requestToken"
	if hc == nil {
		hc = newIdentityClient()
	}

	for attempt := 0; ; attempt++ {
		var body io.Reader
		if form != nil {
			body = strings.NewReader(form.Encode())
		}
		req, err := http.NewRequestWithContext(ctx, method, rawUrl, body)
		if err != nil {
			return nil, errKind(KindUnknown, op, err)
		}
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		req.Header.Set("client-request-id", uuid.New().String())
		for h, v := range headers {
			req.Header.Set(h, v)
		}

		wire, err := doTokenRequest(hc, req)
		if err == nil {
			return wire, nil
		}
		kindErr, ok := err.(*Error)
		if !ok || kindErr.Kind != KindRateLimited || attempt >= maxRateLimitRetries {
			return nil, err
		}
		wait := kindErr.RetryAfter
		if wait <= 0 {
			wait = time.Second
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, errKind(KindCancelled, op, ctx.Err())
		}
	}
}

func doTokenRequest(hc *http.Client, req *http.Request) (*tokenWire, error) {
	const op = "aztok.requestToken"
	r, err := hc.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, errKind(KindCancelled, op, ctxErr)
		}
		return nil, errKind(KindUpstreamUnavailable, op, err)
	}
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errKind(KindUpstreamUnavailable, op, err)
	}

	var wire tokenWire
	if len(body) > 0 {
		// Tolerate an undecodable error body; the status code still classifies
		_ = json.Unmarshal(body, &wire)
	}

	switch {
	case r.StatusCode >= 200 && r.StatusCode < 300:
		if wire.AccessToken == "" {
			return nil, errKindf(KindUpstreamUnavailable, op, "no access_token in response")
		}
		return &wire, nil
	case r.StatusCode == http.StatusTooManyRequests:
		e := errKindf(KindRateLimited, op, "status 429: %s", wire.ErrorDesc)
		if sec, convErr := strconv.Atoi(r.Header.Get("Retry-After")); convErr == nil && sec > 0 {
			e.RetryAfter = time.Duration(sec) * time.Second
		}
		return nil, e
	case r.StatusCode == http.StatusUnauthorized || r.StatusCode == http.StatusForbidden ||
		(r.StatusCode == http.StatusBadRequest && badRequestIsCredentialError(wire.Error)):
		return nil, errKindf(KindUnauthenticated, op, "status %d: %s %s", r.StatusCode, wire.Error, wire.ErrorDesc)
	default:
		return nil, errKindf(KindUpstreamUnavailable, op, "status %d: %s %s", r.StatusCode, wire.Error, wire.ErrorDesc)
	}
}

// tokenFromWire builds a Token from an identity-provider response. The wire
// expires_on wins over the decoded 'exp' claim when both are present. When
// pinnedTenant is set and the decoded tenant disagrees, that is a hard
// KindTenantMismatch; handing out a wrong-tenant token would be a security
// bug.
func tokenFromWire(w *tokenWire, resource string, kind TokenKind, clock Clock, pinnedTenant string) (*Token, error) {
	const op = "aztok.tokenFromWire"
	expiry := w.expiry(clock)
	issued := clock.Now()
	tenant := pinnedTenant

	claims, decErr := DecodeToken(w.AccessToken)
	if decErr == nil {
		if claims.Tenant != "" {
			tenant = claims.Tenant
		}
		if expiry.IsZero() {
			expiry = claims.ExpiresAt
		}
		if !claims.IssuedAt.IsZero() {
			issued = claims.IssuedAt
		}
	} else if expiry.IsZero() {
		// Neither the wire response nor the token itself told us the expiry
		return nil, errKind(KindMalformedToken, op, decErr)
	}

	if pinnedTenant != "" && decErr == nil && claims.Tenant != "" && claims.Tenant != pinnedTenant {
		return nil, errKindf(KindTenantMismatch, op, "token tenant %q, want %q", claims.Tenant, pinnedTenant)
	}

	return &Token{
		Raw:       w.AccessToken,
		Resource:  resource,
		Tenant:    tenant,
		IssuedAt:  issued,
		ExpiresAt: expiry,
		Kind:      kind,
	}, nil
}

// The v1 token endpoint reports rejected credentials as 400s with these
// OAuth2 error codes rather than as 401s.
func badRequestIsCredentialError(oauthError string) bool {
	switch oauthError {
	case "invalid_grant", "invalid_client", "unauthorized_client", "interaction_required":
		return true
	}
	return false
}
