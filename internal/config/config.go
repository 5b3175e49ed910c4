package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Environment variable names
const (
	envListenAddr       = "LISTEN_ADDR"
	envLogLevel         = "LOG_LEVEL"
	envOIDCIssuerURL    = "OIDC_ISSUER_URL"
	envOIDCClientID     = "OIDC_CLIENT_ID"
	envOIDCClientSecret = "OIDC_CLIENT_SECRET"
	envOIDCRedirectURL  = "OIDC_REDIRECT_URL"
	envGroupsClaimExpr  = "GROUPS_CLAIM_EXPRESSION"
	envRolesFile        = "ROLES_FILE"
	envVaultAddr        = "VAULT_ADDR"
	envVaultSSHMount    = "VAULT_SSH_MOUNT"
	envVaultAuthPath    = "VAULT_AUTH_PATH"
	envVaultAuthRole    = "VAULT_AUTH_ROLE"
	envSATokenPath      = "SERVICE_ACCOUNT_TOKEN_PATH"
	envClusterAPIURL    = "CLUSTER_API_URL"
	envClusterCAFile    = "CLUSTER_CA_FILE"
	envShutdownTimeout  = "SHUTDOWN_TIMEOUT"
	envUpstreamTimeout  = "UPSTREAM_TIMEOUT"
	envAuditLogPath     = "AUDIT_LOG_PATH"
	envAdminRealm       = "KEYCLOAK_ADMIN_REALM"
)

// Config holds the full process configuration. It is loaded once at startup
// and never reloaded.
type Config struct {
	ListenAddr string
	LogLevel   string

	OIDCIssuerURL    string
	OIDCClientID     string
	OIDCClientSecret string
	OIDCRedirectURL  string
	GroupsClaimExpr  string
	AdminRealm       string

	RolesFile string

	VaultAddr     string
	VaultSSHMount string
	VaultAuthPath string
	VaultAuthRole string
	SATokenPath   string

	ClusterAPIURL string
	ClusterCAFile string

	ShutdownTimeout time.Duration
	UpstreamTimeout time.Duration

	AuditLogPath string
}

// Load reads configuration from the environment, optionally seeded from a
// .env file, and validates required fields.
func Load(dotenvPath string) (*Config, error) {
	if dotenvPath != "" {
		if _, err := os.Stat(dotenvPath); err == nil {
			if err := godotenv.Load(dotenvPath); err != nil {
				return nil, fmt.Errorf("failed to load %s: %w", dotenvPath, err)
			}
		}
	}

	shutdownTimeout, err := parseDuration(getEnv(envShutdownTimeout, "15s"))
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", envShutdownTimeout, err)
	}
	upstreamTimeout, err := parseDuration(getEnv(envUpstreamTimeout, "10s"))
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", envUpstreamTimeout, err)
	}

	cfg := &Config{
		ListenAddr:       getEnv(envListenAddr, ":8080"),
		LogLevel:         getEnv(envLogLevel, "info"),
		OIDCIssuerURL:    os.Getenv(envOIDCIssuerURL),
		OIDCClientID:     os.Getenv(envOIDCClientID),
		OIDCClientSecret: os.Getenv(envOIDCClientSecret),
		OIDCRedirectURL:  os.Getenv(envOIDCRedirectURL),
		GroupsClaimExpr:  getEnv(envGroupsClaimExpr, "groups"),
		AdminRealm:       getEnv(envAdminRealm, "master"),
		RolesFile:        os.Getenv(envRolesFile),
		VaultAddr:        os.Getenv(envVaultAddr),
		VaultSSHMount:    getEnv(envVaultSSHMount, "ssh"),
		VaultAuthPath:    getEnv(envVaultAuthPath, "kubernetes"),
		VaultAuthRole:    os.Getenv(envVaultAuthRole),
		SATokenPath:      getEnv(envSATokenPath, "/var/run/secrets/kubernetes.io/serviceaccount/token"),
		ClusterAPIURL:    os.Getenv(envClusterAPIURL),
		ClusterCAFile:    os.Getenv(envClusterCAFile),
		ShutdownTimeout:  shutdownTimeout,
		UpstreamTimeout:  upstreamTimeout,
		AuditLogPath:     getEnv(envAuditLogPath, ""),
	}

	required := map[string]string{
		envOIDCIssuerURL: cfg.OIDCIssuerURL,
		envOIDCClientID:  cfg.OIDCClientID,
		envRolesFile:     cfg.RolesFile,
		envVaultAddr:     cfg.VaultAddr,
		envVaultAuthRole: cfg.VaultAuthRole,
		envClusterAPIURL: cfg.ClusterAPIURL,
	}
	for name, value := range required {
		if value == "" {
			return nil, fmt.Errorf("missing required env var: %s", name)
		}
	}

	return cfg, nil
}

// ClusterCA reads the embedded cluster CA bundle.
func (c *Config) ClusterCA() ([]byte, error) {
	if c.ClusterCAFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.ClusterCAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read cluster CA: %w", err)
	}
	return data, nil
}

// Helper function to get environment variables with a default value
func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be greater than 0")
	}
	return d, nil
}
