// token.go

package aztok

import (
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// TokenKind says which API a token is scoped to.
type TokenKind int

const (
	TokenARM TokenKind = iota
	TokenGraph
	TokenRun
)

func (k TokenKind) String() string {
	switch k {
	case TokenARM:
		return "arm"
	case TokenGraph:
		return "graph"
	case TokenRun:
		return "run"
	}
	return "unknown"
}

// Token is an immutable bearer token plus the metadata needed for expiry
// math. Never mutate a stored Token; replace it.
type Token struct {
	Raw       string
	Resource  string
	Tenant    string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Kind      TokenKind
}

// WillExpireIn returns true if the token expires within duration d of now.
// A token with exactly d remaining is considered expiring.
func (t *Token) WillExpireIn(now time.Time, d time.Duration) bool {
	return !t.ExpiresAt.After(now.Add(d))
}

// Expired returns true if the token's expiry has passed.
func (t *Token) Expired(now time.Time) bool {
	return t.WillExpireIn(now, 0)
}

// Claims are the fields this package cares about from a decoded token.
// Signature verification is deliberately not performed; these tokens are
// consumed by the issuing services, not validated here.
type Claims struct {
	Tenant    string // 'tid' claim
	Username  string // 'upn' or 'unique_name' claim, blank for app tokens
	AppId     string // 'appid' claim, blank for user tokens
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// DecodeToken parses the dot-separated JWT structure of raw and extracts the
// claims. It performs no I/O and no signature check. A missing or non-numeric
// 'exp' claim, missing parts, or bad base64 padding yield KindMalformedToken.
func DecodeToken(raw string) (*Claims, error) {
	const op = "aztok.DecodeToken"
	parser := jwt.NewParser()
	parsed, _, err := parser.ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return nil, errKind(KindMalformedToken, op, err)
	}
	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errKindf(KindMalformedToken, op, "unexpected claims type")
	}

	exp, ok := numericClaim(mc["exp"])
	if !ok {
		return nil, errKindf(KindMalformedToken, op, "missing or non-numeric 'exp' claim")
	}
	c := &Claims{ExpiresAt: time.Unix(exp, 0).UTC()}
	if iat, ok := numericClaim(mc["iat"]); ok {
		c.IssuedAt = time.Unix(iat, 0).UTC()
	}
	if tid, ok := mc["tid"].(string); ok {
		c.Tenant = tid
	}
	if upn, ok := mc["upn"].(string); ok {
		c.Username = upn
	} else if un, ok := mc["unique_name"].(string); ok {
		c.Username = un
	}
	if appId, ok := mc["appid"].(string); ok {
		c.AppId = appId
	}
	return c, nil
}

func numericClaim(v interface{}) (int64, bool) {
	// JSON numbers decode as float64; tolerate the json.Number string form too
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case interface{ Int64() (int64, error) }: // json.Number
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

// tokenFromRaw builds a Token from a raw bearer string, taking tenant and
// expiry from the decoded claims.
func tokenFromRaw(raw, resource string, kind TokenKind, clock Clock) (*Token, error) {
	c, err := DecodeToken(raw)
	if err != nil {
		return nil, err
	}
	issued := c.IssuedAt
	if issued.IsZero() {
		issued = clock.Now()
	}
	return &Token{
		Raw:       raw,
		Resource:  resource,
		Tenant:    c.Tenant,
		IssuedAt:  issued,
		ExpiresAt: c.ExpiresAt,
		Kind:      kind,
	}, nil
}
