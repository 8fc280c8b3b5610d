// aztok.go

// Package aztok acquires, caches, and refreshes Azure bearer tokens for the
// ARM and MS Graph APIs, plus short-lived run tokens refreshed by a daemon.
// It supports interactive user login, client_id + secret login, managed
// identity, and Databricks cluster ambient credentials, all behind one
// CredentialProvider contract.
package aztok

import "time"

const (
	ConstAuthUrl = "https://login.microsoftonline.com/"
	ConstMgUrl   = "https://graph.microsoft.com"
	ConstAzUrl   = "https://management.azure.com"

	ConstAzPowerShellClientId = "1950a258-227b-4e31-a9cf-717495945fc2"
	// Interactive login uses above 'Azure PowerShell' clientId
	// See https://stackoverflow.com/questions/30454771/how-does-azure-powershell-work-with-username-password-based-auth

	ConstMsiEndpoint   = "http://169.254.169.254/metadata/identity/oauth2/token"
	ConstMsiApiVersion = "2018-02-01"
	// See https://learn.microsoft.com/en-us/azure/active-directory/managed-identities-azure-resources/how-to-use-vm-token

	ConstSubscriptionsApiVersion = "2022-09-01"
)

// Environment variables consumed by this package.
const (
	EnvMsiEndpoint         = "MSI_ENDPOINT"
	EnvDatabricksRuntime   = "DATABRICKS_RUNTIME_VERSION"
	EnvRunToken            = "RUN_TOKEN"
	EnvRunTokenExpiry      = "RUN_TOKEN_EXPIRY"
	EnvRunTokenPass        = "RUN_TOKEN_PASS"
	EnvRunTokenRand        = "RUN_TOKEN_RAND"
	EnvDisableTokenSharing = "DISABLE_REFRESHED_TOKEN_SHARING"
	EnvJobTempDir          = "BATCHAI_JOB_TEMP"
)

const (
	// A cached ARM/Graph token within this window of its expiry is refreshed.
	cacheRefreshWindow = 5 * time.Minute

	// A run token within this window of its expiry is refreshed by the daemon.
	runRefreshWindow = 95 * time.Second

	// How often the run token refresh daemon wakes up.
	runDaemonTick = 30 * time.Second

	// Consecutive refresh failures before a binding is reported stale.
	runStaleThreshold = 3

	// One minute timeout for calls to the identity provider endpoints
	identityCallTimeout = 60 * time.Second
)
