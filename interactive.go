// interactive.go
// Interactive user login with the MSAL 'public' app, behind the same
// CredentialProvider contract as the automated variants.
// See https://github.com/AzureAD/microsoft-authentication-library-for-go/blob/dev/apps/public/public.go

package aztok

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/AzureAD/microsoft-authentication-library-for-go/apps/public"
)

// ambientStoreMu serializes every touch of the ambient credential store and
// the interactive login prompt across all Interactive instances. Two parallel
// browser prompts for one process would be a bug.
var ambientStoreMu sync.Mutex

// InteractiveConfig configures interactive login.
type InteractiveConfig struct {
	// Tenant pins the tenant. A token from any other tenant is a hard error.
	Tenant string

	// ForceReauth skips the persisted credential and prompts immediately.
	ForceReauth bool

	// Username selects the account when the persisted cache holds several.
	// Discovered from the ambient profile when blank.
	Username string

	// ConfDir and TokenFile locate the persisted MSAL token cache.
	// Default ~/.aztok/token_cache.json.
	ConfDir   string
	TokenFile string

	// ProfileDir is the ambient credential store directory, default ~/.azure.
	ProfileDir string

	// Probe configures ambient credential detection, run once during
	// construction.
	Probe ProbeConfig

	ArmUrl   string
	GraphUrl string

	Clock      Clock
	HTTPClient *http.Client
}

// Interactive resolves credentials in order: ambient environment, persisted
// credential from the ambient store, prompted login. Once construction
// succeeds all later acquisitions are deterministic; the probe result is
// fixed in the instance.
type Interactive struct {
	mu sync.Mutex

	tenant       string
	username     string // upn, once known
	forceReauth  bool
	delegate     CredentialProvider // Set when the ambient probe found one
	authorityUrl string
	armUrl       string
	graphUrl     string
	confDir      string
	tokenFile    string
	clock        Clock
	hc           *http.Client

	// Acquisition seams, MSAL-backed by default; tests substitute their own.
	silentFn func(ctx context.Context, scopes []string) (string, error)
	loginFn  func(ctx context.Context, scopes []string) (string, error)
}

// NewInteractive builds the provider and verifies it can produce an ARM
// token, prompting the user if nothing else works. The returned provider is
// ready; its first Header call will not prompt again until the persisted
// credential expires.
func NewInteractive(ctx context.Context, cfg InteractiveConfig) (*Interactive, error) {
	ia, err := newInteractiveShell(cfg)
	if err != nil {
		return nil, err
	}

	// Ambient environment first
	probeCfg := cfg.Probe
	if probeCfg.Tenant == "" {
		probeCfg.Tenant = cfg.Tenant
	}
	if probeCfg.Clock == nil {
		probeCfg.Clock = ia.clock
	}
	if probeCfg.HTTPClient == nil {
		probeCfg.HTTPClient = cfg.HTTPClient
	}
	p, err := ProbeAmbient(ctx, probeCfg)
	switch {
	case err != nil && KindOf(err) == KindTenantMismatch:
		// Ambient credential belongs to the wrong tenant; fall through to the
		// persisted-credential path
		slog.Warn("ambient credential rejected", "err", err)
	case err != nil:
		return nil, err
	case p != nil:
		ia.delegate = p
		return ia, nil
	}

	// Learn who we are from the ambient store, when the caller didn't say
	if ia.username == "" {
		ambientStoreMu.Lock()
		profile, perr := ReadAmbientProfile(cfg.ProfileDir)
		ambientStoreMu.Unlock()
		if perr == nil {
			upn, tenant := profile.DefaultUser()
			ia.username = strings.ToLower(upn)
			if ia.tenant == "" && tenant != "" {
				ia.authorityUrl = ConstAuthUrl + tenant
			}
		}
	}

	// Persisted credential, then prompted login. This is the construction
	//-time verification; it also pins down the upn for cache keying.
	if _, err := ia.acquire(ctx, TokenARM, ia.armUrl); err != nil {
		return nil, err
	}
	return ia, nil
}

// newInteractiveShell fills defaults without performing any acquisition.
func newInteractiveShell(cfg InteractiveConfig) (*Interactive, error) {
	const op = "aztok.NewInteractive"
	ia := &Interactive{
		tenant:      cfg.Tenant,
		username:    strings.ToLower(cfg.Username),
		forceReauth: cfg.ForceReauth,
		armUrl:      cfg.ArmUrl,
		graphUrl:    cfg.GraphUrl,
		confDir:     cfg.ConfDir,
		tokenFile:   cfg.TokenFile,
		clock:       cfg.Clock,
		hc:          cfg.HTTPClient,
	}
	if ia.armUrl == "" {
		ia.armUrl = ConstAzUrl
	}
	if ia.graphUrl == "" {
		ia.graphUrl = ConstMgUrl
	}
	if ia.clock == nil {
		ia.clock = RealClock()
	}
	if ia.confDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, errKind(KindUnknown, op, err)
		}
		ia.confDir = filepath.Join(home, ".aztok")
	}
	if ia.tokenFile == "" {
		ia.tokenFile = "token_cache.json"
	}
	if err := os.MkdirAll(ia.confDir, 0700); err != nil {
		return nil, errKind(KindUnknown, op, err)
	}
	if ia.tenant != "" {
		ia.authorityUrl = ConstAuthUrl + ia.tenant
	} else {
		// 'organizations' lets MSAL route any work account; the real tenant
		// is read off the acquired token afterwards
		ia.authorityUrl = ConstAuthUrl + "organizations"
	}
	ia.silentFn = ia.msalSilent
	ia.loginFn = ia.msalLogin
	return ia, nil
}

func (ia *Interactive) AcquireARM(ctx context.Context, resource string) (*Token, error) {
	if resource == "" {
		resource = ia.armUrl
	}
	if ia.delegate != nil {
		return ia.delegate.AcquireARM(ctx, resource)
	}
	ia.mu.Lock()
	defer ia.mu.Unlock()
	return ia.acquireLocked(ctx, TokenARM, resource)
}

func (ia *Interactive) AcquireGraph(ctx context.Context) (*Token, error) {
	if ia.delegate != nil {
		return ia.delegate.AcquireGraph(ctx)
	}
	ia.mu.Lock()
	defer ia.mu.Unlock()
	return ia.acquireLocked(ctx, TokenGraph, ia.graphUrl)
}

func (ia *Interactive) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	if ia.delegate != nil {
		return ia.delegate.ListSubscriptions(ctx)
	}
	tok, err := ia.AcquireARM(ctx, ia.armUrl)
	if err != nil {
		return nil, err
	}
	return listSubscriptions(ctx, ia.hc, ia.armUrl, tok)
}

func (ia *Interactive) IsAmbient() bool {
	if ia.delegate != nil {
		return ia.delegate.IsAmbient()
	}
	return false
}

func (ia *Interactive) Identity() string {
	if ia.delegate != nil {
		return ia.delegate.Identity()
	}
	ia.mu.Lock()
	defer ia.mu.Unlock()
	if ia.username == "" {
		return "user:?"
	}
	return "user:" + ia.username
}

func (ia *Interactive) acquire(ctx context.Context, kind TokenKind, resource string) (*Token, error) {
	ia.mu.Lock()
	defer ia.mu.Unlock()
	return ia.acquireLocked(ctx, kind, resource)
}

// acquireLocked is the retry policy for this variant: one silent attempt,
// then exactly one forced interactive login, then give up. Tenant mismatch
// is never retried.
func (ia *Interactive) acquireLocked(ctx context.Context, kind TokenKind, resource string) (*Token, error) {
	scopes := []string{resource + "/.default"}
	// Appending '/.default' uses all static and consented permissions of the identity
	// See https://learn.microsoft.com/en-us/azure/active-directory/develop/msal-v1-app-scopes

	var raw string
	var err error
	if ia.forceReauth {
		ia.forceReauth = false // Only force the first acquisition
	} else {
		raw, err = ia.silentFn(ctx, scopes)
		if err == nil {
			if tok, verr := ia.verify(raw, kind, resource); verr == nil {
				return tok, nil
			} else if KindOf(verr) == KindTenantMismatch {
				return nil, verr
			} else {
				err = verr
			}
		}
		switch KindOf(err) {
		case KindCancelled:
			return nil, err
		}
	}

	ambientStoreMu.Lock()
	raw, err = ia.loginFn(ctx, scopes)
	ambientStoreMu.Unlock()
	if err != nil {
		return nil, err
	}
	return ia.verify(raw, kind, resource)
}

// verify decodes the fresh token, enforces the pinned tenant, and records the
// upn for cache keying.
func (ia *Interactive) verify(raw string, kind TokenKind, resource string) (*Token, error) {
	const op = "aztok.Interactive.acquire"
	tok, err := tokenFromRaw(raw, resource, kind, ia.clock)
	if err != nil {
		return nil, err
	}
	if ia.tenant != "" && tok.Tenant != ia.tenant {
		return nil, errKindf(KindTenantMismatch, op, "token tenant %q, want %q", tok.Tenant, ia.tenant)
	}
	if claims, derr := DecodeToken(raw); derr == nil && claims.Username != "" {
		ia.username = strings.ToLower(claims.Username)
	}
	return tok, nil
}

func (ia *Interactive) msalApp() (public.Client, error) {
	cacheAccessor := &msalCacheFile{file: filepath.Join(ia.confDir, ia.tokenFile)}
	return public.New(ConstAzPowerShellClientId, public.WithAuthority(ia.authorityUrl), public.WithCache(cacheAccessor))
}

// msalSilent redeems the refresh token persisted in the cache file, without
// any user interaction.
func (ia *Interactive) msalSilent(ctx context.Context, scopes []string) (string, error) {
	const op = "aztok.Interactive.silent"
	ambientStoreMu.Lock()
	defer ambientStoreMu.Unlock()
	app, err := ia.msalApp()
	if err != nil {
		return "", errKind(KindUnknown, op, err)
	}
	accounts, err := app.Accounts(ctx)
	if err != nil {
		return "", errKind(KindUnauthenticated, op, err)
	}
	var target public.Account
	for _, a := range accounts {
		if ia.username == "" || strings.ToLower(a.PreferredUsername) == ia.username {
			target = a
			break
		}
	}
	result, err := app.AcquireTokenSilent(ctx, scopes, public.WithSilentAccount(target))
	if err != nil {
		if ctx.Err() != nil {
			return "", errKind(KindCancelled, op, ctx.Err())
		}
		return "", errKind(KindUnauthenticated, op, err)
	}
	return result.AccessToken, nil
}

// msalLogin acquires a token through the default web browser and persists the
// resulting refresh token via the cache accessor. Caller holds ambientStoreMu.
func (ia *Interactive) msalLogin(ctx context.Context, scopes []string) (string, error) {
	const op = "aztok.Interactive.login"
	app, err := ia.msalApp()
	if err != nil {
		return "", errKind(KindUnknown, op, err)
	}
	result, err := app.AcquireTokenInteractive(ctx, scopes)
	if err != nil {
		if ctx.Err() != nil {
			return "", errKind(KindCancelled, op, ctx.Err())
		}
		return "", errKind(KindUnauthenticated, op, err)
	}
	return result.AccessToken, nil
}
