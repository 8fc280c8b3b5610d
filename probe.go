// probe.go

package aztok

import (
	"context"
	"log/slog"
	"net/http"
	"os"
)

// ProbeConfig controls ambient credential detection.
type ProbeConfig struct {
	// Tenant, when set, is the tenant the caller insists on. An ambient
	// credential from any other tenant is rejected.
	Tenant string

	// Resource is the ARM resource used for the verification acquisition.
	// Defaults to the ARM endpoint.
	Resource string

	// DatabricksTokenFn is the cluster runtime's token getter, when the host
	// has one to offer.
	DatabricksTokenFn DatabricksTokenFunc

	// MsiEndpoint overrides the MSI_ENDPOINT environment signal. Tests point
	// this at a local server.
	MsiEndpoint string

	ArmUrl   string
	GraphUrl string

	Clock      Clock
	HTTPClient *http.Client
}

// ProbeAmbient detects whether the process runs inside a managed environment
// and, if so, returns a working CredentialProvider for it. Detection goes by
// environment signals only; verification then actually acquires an ARM token.
// A provider whose token belongs to the wrong tenant is rejected with
// KindTenantMismatch. When no ambient credential is present the result is
// (nil, nil).
func ProbeAmbient(ctx context.Context, cfg ProbeConfig) (CredentialProvider, error) {
	clock := cfg.Clock
	if clock == nil {
		clock = RealClock()
	}
	resource := cfg.Resource
	if resource == "" {
		resource = ConstAzUrl
	}

	msiEndpoint := cfg.MsiEndpoint
	if msiEndpoint == "" {
		msiEndpoint = os.Getenv(EnvMsiEndpoint)
	}
	if msiEndpoint != "" {
		mi := NewManagedIdentity(ManagedIdentityConfig{
			Endpoint:   msiEndpoint,
			ArmUrl:     cfg.ArmUrl,
			GraphUrl:   cfg.GraphUrl,
			Clock:      clock,
			HTTPClient: cfg.HTTPClient,
		})
		p, err := verifyAmbient(ctx, mi, resource, cfg.Tenant)
		if p != nil || err != nil {
			return p, err
		}
	}

	if os.Getenv(EnvDatabricksRuntime) != "" && cfg.DatabricksTokenFn != nil {
		d := NewDatabricksCluster(cfg.DatabricksTokenFn, clock)
		p, err := verifyAmbient(ctx, d, resource, cfg.Tenant)
		if p != nil || err != nil {
			return p, err
		}
	}

	return nil, nil
}

// verifyAmbient returns (p, nil) when the candidate works, (nil, err) on a
// tenant mismatch, and (nil, nil) when the candidate simply does not work,
// which just means this environment signal was a false positive.
func verifyAmbient(ctx context.Context, p CredentialProvider, resource, tenant string) (CredentialProvider, error) {
	const op = "aztok.ProbeAmbient"
	tok, err := p.AcquireARM(ctx, resource)
	if err != nil {
		if KindOf(err) == KindCancelled {
			return nil, err
		}
		slog.Debug("ambient credential probe failed", "provider", p.Identity(), "err", err)
		return nil, nil
	}
	if tenant != "" && tok.Tenant != tenant {
		return nil, errKindf(KindTenantMismatch, op, "ambient %s token tenant %q, want %q", p.Identity(), tok.Tenant, tenant)
	}
	return p, nil
}
