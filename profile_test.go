// profile_test.go

package aztok

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProfile(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConstProfileFile), []byte(body), 0600))
}

func TestReadAmbientProfileMissing(t *testing.T) {
	p, err := ReadAmbientProfile(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestReadAmbientProfileWithBOM(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "\xef\xbb\xbf"+`{"subscriptions":[
		{"id":"s1","name":"Prod","tenantId":"`+testTenant+`","isDefault":true,
		 "user":{"name":"Alice@Example.com","type":"user"}}]}`)

	p, err := ReadAmbientProfile(dir)
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Len(t, p.Subscriptions, 1)
	assert.Equal(t, "Prod", p.Subscriptions[0].Name)

	upn, tenant := p.DefaultUser()
	assert.Equal(t, "Alice@Example.com", upn)
	assert.Equal(t, testTenant, tenant)
}

func TestReadAmbientProfileGarbage(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "{not json")
	_, err := ReadAmbientProfile(dir)
	require.Error(t, err)
}

func TestDefaultUserSkipsServicePrincipals(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, `{"subscriptions":[
		{"id":"s1","tenantId":"t-sp","isDefault":true,
		 "user":{"name":"`+testClient+`","type":"servicePrincipal"}},
		{"id":"s2","tenantId":"t-user","isDefault":false,
		 "user":{"name":"bob@example.com","type":"user"}}]}`)

	p, err := ReadAmbientProfile(dir)
	require.NoError(t, err)
	upn, tenant := p.DefaultUser()
	assert.Equal(t, "bob@example.com", upn)
	assert.Equal(t, "t-user", tenant)
}

func TestDefaultUserNilProfile(t *testing.T) {
	var p *AmbientProfile
	upn, tenant := p.DefaultUser()
	assert.Empty(t, upn)
	assert.Empty(t, tenant)
}

func TestReadAmbientProfileSessionAndConfig(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, `{"subscriptions":[]}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConstSessionFile), []byte(`{"expiresOn":"2024-05-01"}`), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConstConfigFile), []byte("[core]\n"), 0600))

	p, err := ReadAmbientProfile(dir)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "2024-05-01", p.Session["expiresOn"])
	assert.Equal(t, "[core]\n", p.Config)
}
