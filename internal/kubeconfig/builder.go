// Package kubeconfig renders cluster access documents. Build is a pure
// function of static cluster configuration and the caller's principal: no
// network calls, no caching, byte-identical output for identical inputs.
package kubeconfig

import (
	"fmt"

	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"

	"github.com/perimeterlab/keygate/internal/auth"
)

// ClusterConfig is the static cluster description loaded at startup.
type ClusterConfig struct {
	Name       string
	APIURL     string
	CAData     []byte
	OIDCIssuer string
	ClientID   string
}

// Build assembles a kubeconfig whose user entry defers authentication to an
// exec credential plugin, so each kubectl invocation re-runs the OIDC flow
// independently of this service.
func Build(principal *auth.Principal, cfg ClusterConfig) ([]byte, error) {
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("cluster API URL is required")
	}

	clusterName := cfg.Name
	if clusterName == "" {
		clusterName = "keygate"
	}
	userName := fmt.Sprintf("%s@%s", principal.Username, clusterName)
	contextName := userName

	execConfig := &clientcmdapi.ExecConfig{
		APIVersion: "client.authentication.k8s.io/v1beta1",
		Command:    "kubectl",
		Args: []string{
			"oidc-login",
			"get-token",
			"--oidc-issuer-url=" + cfg.OIDCIssuer,
			"--oidc-client-id=" + cfg.ClientID,
			"--oidc-extra-scope=email",
			"--oidc-extra-scope=groups",
		},
		Env:             []clientcmdapi.ExecEnvVar{},
		InstallHint:     "kubectl oidc-login is required: https://github.com/int128/kubelogin",
		InteractiveMode: clientcmdapi.IfAvailableExecInteractiveMode,
	}

	kubeconfig := clientcmdapi.Config{
		Kind:       "Config",
		APIVersion: "v1",
		Clusters: map[string]*clientcmdapi.Cluster{
			clusterName: {
				Server:                   cfg.APIURL,
				CertificateAuthorityData: cfg.CAData,
			},
		},
		AuthInfos: map[string]*clientcmdapi.AuthInfo{
			userName: {Exec: execConfig},
		},
		Contexts: map[string]*clientcmdapi.Context{
			contextName: {Cluster: clusterName, AuthInfo: userName},
		},
		CurrentContext: contextName,
	}

	out, err := clientcmd.Write(kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize kubeconfig: %w", err)
	}
	return out, nil
}
