// probe_test.go

package aztok

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msiServer(t *testing.T, clk *fakeClock, tenant string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		exp := clk.Now().Add(time.Hour)
		fmt.Fprintf(w, `{"access_token":%q,"expires_on":"%d"}`, makeUserJWT(tenant, "", clk.Now(), exp), exp.Unix())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProbeAmbientNothingDetected(t *testing.T) {
	t.Setenv(EnvMsiEndpoint, "")
	t.Setenv(EnvDatabricksRuntime, "")

	p, err := ProbeAmbient(context.Background(), ProbeConfig{})
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestProbeAmbientFindsManagedIdentity(t *testing.T) {
	clk := newFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	srv := msiServer(t, clk, testTenant)

	p, err := ProbeAmbient(context.Background(), ProbeConfig{MsiEndpoint: srv.URL, Clock: clk})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "msi", p.Identity())
	assert.True(t, p.IsAmbient())
}

func TestProbeAmbientTenantMismatch(t *testing.T) {
	clk := newFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	srv := msiServer(t, clk, "99999999-9999-9999-9999-999999999999")

	p, err := ProbeAmbient(context.Background(), ProbeConfig{
		Tenant:      testTenant,
		MsiEndpoint: srv.URL,
		Clock:       clk,
	})
	require.Error(t, err)
	assert.Nil(t, p)
	assert.Equal(t, KindTenantMismatch, KindOf(err))
}

func TestProbeAmbientBrokenEndpointIsNotAnError(t *testing.T) {
	t.Setenv(EnvDatabricksRuntime, "")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	// An endpoint that does not actually work means no ambient credential,
	// not a probe failure
	p, err := ProbeAmbient(context.Background(), ProbeConfig{MsiEndpoint: srv.URL})
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestProbeAmbientDatabricks(t *testing.T) {
	clk := newFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	t.Setenv(EnvMsiEndpoint, "")
	t.Setenv(EnvDatabricksRuntime, "11.3")

	fn := func(ctx context.Context) (string, error) {
		return makeUserJWT(testTenant, "", clk.Now(), clk.Now().Add(time.Hour)), nil
	}
	p, err := ProbeAmbient(context.Background(), ProbeConfig{
		Tenant:            testTenant,
		DatabricksTokenFn: fn,
		Clock:             clk,
	})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "databricks", p.Identity())

	// Graph is never available from the cluster runtime
	_, err = p.AcquireGraph(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindUnauthenticated, KindOf(err))
}

func TestProbeAmbientDatabricksSignalWithoutCallable(t *testing.T) {
	t.Setenv(EnvMsiEndpoint, "")
	t.Setenv(EnvDatabricksRuntime, "11.3")

	p, err := ProbeAmbient(context.Background(), ProbeConfig{})
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestProbeAmbientDatabricksCallableFails(t *testing.T) {
	t.Setenv(EnvMsiEndpoint, "")
	t.Setenv(EnvDatabricksRuntime, "11.3")

	fn := func(ctx context.Context) (string, error) {
		return "", errors.New("no token for you")
	}
	p, err := ProbeAmbient(context.Background(), ProbeConfig{DatabricksTokenFn: fn})
	require.NoError(t, err)
	assert.Nil(t, p)
}
