// runtoken.go
// Run-scoped tokens and the daemon that keeps them fresh. A run token is
// short-lived and tied to one workload run; the daemon refreshes each one
// before expiry and, when sealed-blob sharing is enabled, publishes every
// refreshed token so sibling processes of the same job can pick it up.

package aztok

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RunScope identifies one logical run. Two RunScopes with identical fields
// denote the same run.
type RunScope struct {
	Subscription  string
	ResourceGroup string
	Workspace     string
	Experiment    string
	RunId         string
}

func (s RunScope) String() string {
	return s.Workspace + "/" + s.Experiment + "/" + s.RunId
}

// RunRefreshClient fetches a fresh raw token for a run. The history service
// client implements this; tests supply fakes.
type RunRefreshClient interface {
	GetRunToken(ctx context.Context, scope RunScope) (string, error)
}

// RunBinding pairs a RunScope with its current token. At most one binding
// exists per scope process-wide; the registry enforces that.
type RunBinding struct {
	scope  RunScope
	client RunRefreshClient

	mu        sync.RWMutex
	tok       *Token
	failures  int
	staleSent bool
}

// Token returns the binding's current token. The daemon replaces it
// atomically; callers always see either the old or the new one, never a mix.
func (b *RunBinding) Token() *Token {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tok
}

func (b *RunBinding) Scope() RunScope {
	return b.scope
}

// RunRegistryConfig configures the registry. The zero value reads everything
// from the environment.
type RunRegistryConfig struct {
	Clock Clock

	// Tick is how often the daemon wakes, default 30s.
	Tick time.Duration

	// RefreshWindow is the remaining lifetime at or under which a token is
	// refreshed, default 95s.
	RefreshWindow time.Duration

	// TokenDir is the sealed-blob directory, default $BATCHAI_JOB_TEMP/run_token.
	// Sharing is disabled when neither is set.
	TokenDir string

	// Sealer for blob sharing, default built from the environment secrets.
	Sealer *Sealer
}

// RunRegistry owns the run-token refresh daemon. Construct it explicitly,
// Start it once, and Stop it when the owner shuts down; nothing starts
// implicitly on registration.
type RunRegistry struct {
	clock  Clock
	tick   time.Duration
	window time.Duration
	dir    string
	sealer *Sealer

	mu       sync.Mutex
	bindings map[RunScope]*RunBinding
	started  bool

	stale chan RunScope
	stop  chan struct{}
	done  chan struct{}
}

func NewRunRegistry(cfg RunRegistryConfig) *RunRegistry {
	r := &RunRegistry{
		clock:    cfg.Clock,
		tick:     cfg.Tick,
		window:   cfg.RefreshWindow,
		dir:      cfg.TokenDir,
		sealer:   cfg.Sealer,
		bindings: make(map[RunScope]*RunBinding),
		stale:    make(chan RunScope, 16),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if r.clock == nil {
		r.clock = RealClock()
	}
	if r.tick <= 0 {
		r.tick = runDaemonTick
	}
	if r.window <= 0 {
		r.window = runRefreshWindow
	}
	if r.dir == "" {
		if base := os.Getenv(EnvJobTempDir); base != "" {
			r.dir = filepath.Join(base, "run_token")
		}
	}
	if r.sealer == nil {
		r.sealer, _ = NewSealerFromEnv()
	}
	return r
}

// sharingEnabled requires both the directory and the sealing secrets.
func (r *RunRegistry) sharingEnabled() bool {
	return r.dir != "" && r.sealer != nil
}

// Register binds a token to a run scope, idempotently: a second registration
// for the same scope returns the existing binding and its own initial token
// is ignored. When sharing is enabled and the token directory holds a blob
// newer than what the caller has, that blob wins over initial.
func (r *RunRegistry) Register(scope RunScope, initial *Token, client RunRefreshClient) (*RunBinding, error) {
	const op = "aztok.RunRegistry.Register"
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.bindings[scope]; ok {
		return b, nil
	}

	tok := initial
	if r.sharingEnabled() {
		if raw, ok := r.latestSharedBlob(); ok {
			if shared, err := tokenFromRaw(raw, "", TokenRun, r.clock); err == nil {
				tok = shared
			} else {
				slog.Debug("shared run token blob undecodable, keeping caller's token", "err", err)
			}
		}
	}
	if tok == nil {
		return nil, errKindf(KindUnknown, op, "no initial token for run %s", scope)
	}

	b := &RunBinding{scope: scope, client: client, tok: tok}
	r.bindings[scope] = b
	return b, nil
}

// Unregister removes the binding for scope, if any.
func (r *RunRegistry) Unregister(scope RunScope) {
	r.mu.Lock()
	delete(r.bindings, scope)
	r.mu.Unlock()
}

// Stale delivers scopes whose bindings have failed three consecutive
// refreshes. The binding stays registered and keeps retrying; stale is a
// terminal state only from the listener's perspective.
func (r *RunRegistry) Stale() <-chan RunScope {
	return r.stale
}

// Start launches the refresh daemon. Calling Start twice is an error.
func (r *RunRegistry) Start() error {
	const op = "aztok.RunRegistry.Start"
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errKindf(KindUnknown, op, "already started")
	}
	r.started = true
	r.mu.Unlock()

	go r.loop()
	return nil
}

// Stop terminates the daemon and waits for the in-progress sweep, if any.
// Safe to call from several goroutines; the mutex makes the close-once
// check atomic.
func (r *RunRegistry) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *RunRegistry) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep(context.Background())
		case <-r.stop:
			return
		}
	}
}

// sweep refreshes every binding whose token is at or under the refresh
// window. Failures are logged and retried next tick; the daemon never
// returns errors to user code.
func (r *RunRegistry) sweep(ctx context.Context) {
	r.mu.Lock()
	snapshot := make([]*RunBinding, 0, len(r.bindings))
	for _, b := range r.bindings {
		snapshot = append(snapshot, b)
	}
	r.mu.Unlock()

	now := r.clock.Now()
	for _, b := range snapshot {
		tok := b.Token()
		if !tok.WillExpireIn(now, r.window) {
			continue
		}
		r.refreshBinding(ctx, b, tok)
	}
}

func (r *RunRegistry) refreshBinding(ctx context.Context, b *RunBinding, old *Token) {
	callCtx, cancel := context.WithTimeout(ctx, identityCallTimeout)
	defer cancel()
	raw, err := b.client.GetRunToken(callCtx, b.scope)
	var tok *Token
	if err == nil {
		tok, err = tokenFromRaw(raw, old.Resource, TokenRun, r.clock)
	}
	if err != nil {
		b.mu.Lock()
		b.failures++
		failures := b.failures
		emit := failures >= runStaleThreshold && !b.staleSent
		if emit {
			b.staleSent = true
		}
		b.mu.Unlock()
		slog.Warn("run token refresh failed", "run", b.scope.String(), "failures", failures, "err", err)
		if emit {
			select {
			case r.stale <- b.scope:
			default:
				// A listener that never drains does not get to block the daemon
			}
		}
		return
	}

	b.mu.Lock()
	b.tok = tok
	b.failures = 0
	b.staleSent = false
	b.mu.Unlock()
	slog.Debug("run token refreshed", "run", b.scope.String(), "expires", tok.ExpiresAt)

	if r.sharingEnabled() {
		r.shareBlob(raw)
	}
}

// latestSharedBlob returns the newest openable blob in the token directory.
// The epoch-second prefix makes a reverse lexicographic sort newest-first.
// Any unreadable or unopenable file is skipped;
// a failed open means a sibling with rotated secrets, not an error here.
func (r *RunRegistry) latestSharedBlob() (string, bool) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return "", false
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), "_token.txt") {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	for _, name := range names {
		blob, err := os.ReadFile(filepath.Join(r.dir, name))
		if err != nil {
			continue
		}
		plain, err := r.sealer.Open(strings.TrimSpace(string(blob)))
		if err != nil {
			slog.Debug("shared run token blob rejected", "file", name, "err", err)
			continue
		}
		return string(plain), true
	}
	return "", false
}

// shareBlob seals raw and drops it in the token directory for sibling
// processes. Best effort; a write failure only costs the sharing.
func (r *RunRegistry) shareBlob(raw string) {
	blob, err := r.sealer.Seal([]byte(raw))
	if err != nil {
		slog.Warn("sealing run token failed", "err", err)
		return
	}
	if err := os.MkdirAll(r.dir, 0700); err != nil {
		slog.Warn("creating run token dir failed", "dir", r.dir, "err", err)
		return
	}
	name := fmt.Sprintf("%d_%d_token.txt", r.clock.Now().Unix(), os.Getpid())
	if err := os.WriteFile(filepath.Join(r.dir, name), []byte(blob), 0600); err != nil {
		slog.Warn("writing run token blob failed", "file", name, "err", err)
	}
}

// RunTokenFromEnv builds the initial run token from RUN_TOKEN, honoring the
// RUN_TOKEN_EXPIRY override (epoch seconds or RFC 3339). Returns (nil, nil)
// when RUN_TOKEN is unset.
func RunTokenFromEnv(clock Clock) (*Token, error) {
	const op = "aztok.RunTokenFromEnv"
	raw := os.Getenv(EnvRunToken)
	if raw == "" {
		return nil, nil
	}
	if clock == nil {
		clock = RealClock()
	}
	tok, err := tokenFromRaw(raw, "", TokenRun, clock)
	if err != nil {
		return nil, err
	}
	if override := os.Getenv(EnvRunTokenExpiry); override != "" {
		exp, perr := parseExpiry(override)
		if perr != nil {
			return nil, errKind(KindMalformedToken, op, perr)
		}
		expTok := *tok
		expTok.ExpiresAt = exp
		return &expTok, nil
	}
	return tok, nil
}

func parseExpiry(s string) (time.Time, error) {
	if epoch, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(epoch, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339, s)
}
