package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("OIDC_ISSUER_URL", "https://sso.example.com/realms/perimeter")
	t.Setenv("OIDC_CLIENT_ID", "keygate")
	t.Setenv("ROLES_FILE", "/etc/keygate/roles.yaml")
	t.Setenv("VAULT_ADDR", "https://vault.example.com:8200")
	t.Setenv("VAULT_AUTH_ROLE", "keygate")
	t.Setenv("CLUSTER_API_URL", "https://kube.example.com:6443")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "groups", cfg.GroupsClaimExpr)
	assert.Equal(t, "master", cfg.AdminRealm)
	assert.Equal(t, "ssh", cfg.VaultSSHMount)
	assert.Equal(t, "kubernetes", cfg.VaultAuthPath)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 10*time.Second, cfg.UpstreamTimeout)
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("GROUPS_CLAIM_EXPRESSION", "realm_access.roles")
	t.Setenv("SHUTDOWN_TIMEOUT", "30s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "realm_access.roles", cfg.GroupsClaimExpr)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
}

func TestLoadMissingRequired(t *testing.T) {
	setRequired(t)
	t.Setenv("VAULT_ADDR", "")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VAULT_ADDR")
}

func TestLoadRejectsBadDuration(t *testing.T) {
	setRequired(t)
	t.Setenv("UPSTREAM_TIMEOUT", "not-a-duration")

	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadRejectsNonPositiveDuration(t *testing.T) {
	setRequired(t)
	t.Setenv("SHUTDOWN_TIMEOUT", "-1s")

	_, err := Load("")
	assert.Error(t, err)
}
