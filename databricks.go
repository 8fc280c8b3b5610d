// databricks.go

package aztok

import (
	"context"
	"net/http"
)

// DatabricksTokenFunc is the host-provided callable that hands out an ARM
// token inside a Databricks cluster runtime.
type DatabricksTokenFunc func(ctx context.Context) (string, error)

// DatabricksCluster acquires ARM tokens through a callable exposed by the
// cluster runtime. Graph tokens are not available in this environment.
type DatabricksCluster struct {
	getToken DatabricksTokenFunc
	armUrl   string
	clock    Clock
	hc       *http.Client
}

func NewDatabricksCluster(getToken DatabricksTokenFunc, clock Clock) *DatabricksCluster {
	if clock == nil {
		clock = RealClock()
	}
	return &DatabricksCluster{getToken: getToken, armUrl: ConstAzUrl, clock: clock}
}

func (d *DatabricksCluster) AcquireARM(ctx context.Context, resource string) (*Token, error) {
	const op = "aztok.DatabricksCluster.AcquireARM"
	if resource == "" {
		resource = d.armUrl
	}
	raw, err := d.getToken(ctx)
	if err != nil {
		return nil, errKind(KindUnauthenticated, op, err)
	}
	return tokenFromRaw(raw, resource, TokenARM, d.clock)
}

func (d *DatabricksCluster) AcquireGraph(ctx context.Context) (*Token, error) {
	const op = "aztok.DatabricksCluster.AcquireGraph"
	return nil, errKindf(KindUnauthenticated, op, "graph tokens are not available from a cluster runtime")
}

func (d *DatabricksCluster) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	tok, err := d.AcquireARM(ctx, d.armUrl)
	if err != nil {
		return nil, err
	}
	return listSubscriptions(ctx, d.hc, d.armUrl, tok)
}

func (d *DatabricksCluster) IsAmbient() bool {
	return true
}

func (d *DatabricksCluster) Identity() string {
	return "databricks"
}
