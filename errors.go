// errors.go

package aztok

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies the failures this package can surface. Callers branch
// on the kind via KindOf rather than matching error strings.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota

	// KindUnauthenticated means the identity provider rejected the credentials.
	KindUnauthenticated

	// KindTenantMismatch means an acquired token's tenant differs from the
	// tenant the caller pinned. Never recovered silently.
	KindTenantMismatch

	// KindUpstreamUnavailable covers network failures and 5xx responses from
	// the identity provider.
	KindUpstreamUnavailable

	// KindRateLimited is a 429 from the identity provider. RetryAfter carries
	// the server's hint when one was given.
	KindRateLimited

	// KindMalformedToken means a raw token could not be decoded.
	KindMalformedToken

	// KindSealOpenFailed means a sealed blob could not be decrypted. Callers
	// treat this as "no cached token" and acquire fresh.
	KindSealOpenFailed

	// KindCancelled means the caller's deadline elapsed.
	KindCancelled

	// KindInvalidated is the synthetic wake delivered to waiters when a cache
	// entry is invalidated underneath an in-flight refresh.
	KindInvalidated
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindTenantMismatch:
		return "tenant_mismatch"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindRateLimited:
		return "rate_limited"
	case KindMalformedToken:
		return "malformed_token"
	case KindSealOpenFailed:
		return "seal_open_failed"
	case KindCancelled:
		return "cancelled"
	case KindInvalidated:
		return "invalidated"
	}
	return "unknown"
}

// Error is the error type returned across this package. Op names the
// operation that failed, in the "component.method" form.
type Error struct {
	Kind       ErrorKind
	Op         string
	RetryAfter time.Duration // Only set for KindRateLimited
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the ErrorKind of err, or KindUnknown when err was not
// produced by this package.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func errKind(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func errKindf(kind ErrorKind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}
