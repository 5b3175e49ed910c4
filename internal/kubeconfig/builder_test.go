package kubeconfig_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/perimeterlab/keygate/internal/auth"
	"github.com/perimeterlab/keygate/internal/kubeconfig"
)

func testClusterConfig() kubeconfig.ClusterConfig {
	return kubeconfig.ClusterConfig{
		Name:       "prod",
		APIURL:     "https://kube.example.com:6443",
		CAData:     []byte("-----BEGIN CERTIFICATE-----\nfake\n-----END CERTIFICATE-----\n"),
		OIDCIssuer: "https://sso.example.com/realms/perimeter",
		ClientID:   "keygate",
	}
}

func TestBuild(t *testing.T) {
	principal := &auth.Principal{Username: "rocky", Groups: []string{"developers"}}

	out, err := kubeconfig.Build(principal, testClusterConfig())
	require.NoError(t, err)

	cfg, err := clientcmd.Load(out)
	require.NoError(t, err)

	require.Contains(t, cfg.Clusters, "prod")
	assert.Equal(t, "https://kube.example.com:6443", cfg.Clusters["prod"].Server)
	assert.NotEmpty(t, cfg.Clusters["prod"].CertificateAuthorityData)

	assert.Equal(t, "rocky@prod", cfg.CurrentContext)
	require.Contains(t, cfg.Contexts, "rocky@prod")
	assert.Equal(t, "prod", cfg.Contexts["rocky@prod"].Cluster)

	user := cfg.AuthInfos["rocky@prod"]
	require.NotNil(t, user)
	require.NotNil(t, user.Exec, "user entry must defer to an exec credential plugin")
	assert.Equal(t, "kubectl", user.Exec.Command)
	assert.Contains(t, user.Exec.Args, "--oidc-issuer-url=https://sso.example.com/realms/perimeter")
	assert.Contains(t, user.Exec.Args, "--oidc-client-id=keygate")
}

func TestBuildIsDeterministic(t *testing.T) {
	principal := &auth.Principal{Username: "rocky"}
	cfg := testClusterConfig()

	first, err := kubeconfig.Build(principal, cfg)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		again, err := kubeconfig.Build(principal, cfg)
		require.NoError(t, err)
		assert.Equal(t, first, again, "identical inputs must produce byte-identical output")
	}
}

func TestBuildDefaultClusterName(t *testing.T) {
	cfg := testClusterConfig()
	cfg.Name = ""

	out, err := kubeconfig.Build(&auth.Principal{Username: "root"}, cfg)
	require.NoError(t, err)

	parsed, err := clientcmd.Load(out)
	require.NoError(t, err)
	assert.Contains(t, parsed.Clusters, "keygate")
	assert.Equal(t, "root@keygate", parsed.CurrentContext)
}

func TestBuildRequiresAPIURL(t *testing.T) {
	cfg := testClusterConfig()
	cfg.APIURL = ""

	_, err := kubeconfig.Build(&auth.Principal{Username: "rocky"}, cfg)
	assert.Error(t, err)
}
