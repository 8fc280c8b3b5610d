// creds.go

package aztok

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/git719/utl"
)

const ConstCredsFile = "credentials.yaml"

// Credentials is the parsed credentials file. Interactive entries carry a
// username; automated entries carry client_id + client_secret.
type Credentials struct {
	TenantId     string
	Interactive  bool
	Username     string
	ClientId     string
	ClientSecret string
}

// LoadCredentialsFile reads confDir/credentials.yaml and validates it.
func LoadCredentialsFile(confDir string) (*Credentials, error) {
	const op = "aztok.LoadCredentialsFile"
	filePath := filepath.Join(confDir, ConstCredsFile)
	if !utl.FileUsable(filePath) {
		return nil, errKindf(KindUnauthenticated, op, "missing credentials file %s", filePath)
	}
	credsRaw, err := utl.LoadFileYaml(filePath)
	if err != nil {
		return nil, errKindf(KindUnauthenticated, op, "[%s] %v", filePath, err)
	}
	creds, ok := credsRaw.(map[string]interface{})
	if !ok {
		return nil, errKindf(KindUnauthenticated, op, "[%s] not a mapping", filePath)
	}

	c := &Credentials{TenantId: utl.Str(creds["tenant_id"])}
	if !utl.ValidUuid(c.TenantId) {
		return nil, errKindf(KindUnauthenticated, op, "[%s] tenant_id %q is not a valid UUID", filePath, c.TenantId)
	}
	c.Interactive, _ = strconv.ParseBool(utl.Str(creds["interactive"]))
	if c.Interactive {
		c.Username = strings.ToLower(utl.Str(creds["username"]))
		return c, nil
	}
	c.ClientId = utl.Str(creds["client_id"])
	if !utl.ValidUuid(c.ClientId) {
		return nil, errKindf(KindUnauthenticated, op, "[%s] client_id %q is not a valid UUID", filePath, c.ClientId)
	}
	c.ClientSecret = utl.Str(creds["client_secret"])
	if c.ClientSecret == "" {
		return nil, errKindf(KindUnauthenticated, op, "[%s] client_secret is blank", filePath)
	}
	return c, nil
}

// NewProviderFromCredsFile is the one-call setup: read the credentials file
// under confDir and return a ready CredentialProvider of the matching
// variant. Interactive construction may prompt the user.
func NewProviderFromCredsFile(ctx context.Context, confDir string, clock Clock) (CredentialProvider, error) {
	c, err := LoadCredentialsFile(confDir)
	if err != nil {
		return nil, err
	}
	if c.Interactive {
		return NewInteractive(ctx, InteractiveConfig{
			Tenant:   c.TenantId,
			Username: c.Username,
			ConfDir:  confDir,
			Clock:    clock,
		})
	}
	return NewServicePrincipal(ServicePrincipalConfig{
		TenantId:     c.TenantId,
		ClientId:     c.ClientId,
		ClientSecret: c.ClientSecret,
		CacheEnabled: true,
		Clock:        clock,
	})
}
