// az_subscriptions.go
// Azure resource Subscriptions

package aztok

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
)

// Subscription is one entry from the ARM subscriptions listing.
type Subscription struct {
	Id       string `json:"subscriptionId"`
	Name     string `json:"displayName"`
	State    string `json:"state"`
	TenantId string `json:"tenantId"`
}

// listSubscriptions calls ARM GET /subscriptions with the given token. Every
// provider variant implements its ListSubscriptions capability through this.
func listSubscriptions(ctx context.Context, hc *http.Client, armUrl string, tok *Token) ([]Subscription, error) {
	const op = "aztok.listSubscriptions"
	if hc == nil {
		hc = newIdentityClient()
	}
	if armUrl == "" {
		armUrl = ConstAzUrl
	}
	req, err := http.NewRequestWithContext(ctx, "GET", armUrl+"/subscriptions", nil)
	if err != nil {
		return nil, errKind(KindUnknown, op, err)
	}
	q := req.URL.Query()
	q.Add("api-version", ConstSubscriptionsApiVersion)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Authorization", "Bearer "+tok.Raw)

	r, err := hc.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errKind(KindCancelled, op, ctxErr)
		}
		return nil, errKind(KindUpstreamUnavailable, op, err)
	}
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errKind(KindUpstreamUnavailable, op, err)
	}
	switch {
	case r.StatusCode == http.StatusUnauthorized || r.StatusCode == http.StatusForbidden:
		return nil, errKindf(KindUnauthenticated, op, "status %d", r.StatusCode)
	case r.StatusCode < 200 || r.StatusCode >= 300:
		return nil, errKindf(KindUpstreamUnavailable, op, "status %d", r.StatusCode)
	}

	var result struct {
		Value []Subscription `json:"value"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, errKind(KindUpstreamUnavailable, op, err)
	}
	return result.Value, nil
}
