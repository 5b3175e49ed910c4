package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"

	"github.com/perimeterlab/keygate/internal/audit"
	"github.com/perimeterlab/keygate/internal/auth"
	"github.com/perimeterlab/keygate/internal/config"
	"github.com/perimeterlab/keygate/internal/directory"
	"github.com/perimeterlab/keygate/internal/issuer"
	"github.com/perimeterlab/keygate/internal/kubeconfig"
	"github.com/perimeterlab/keygate/internal/logger"
	"github.com/perimeterlab/keygate/internal/roles"
	"github.com/perimeterlab/keygate/internal/server"
	"github.com/perimeterlab/keygate/internal/vault"
)

func main() {
	if err := run(); err != nil {
		slog.Error("keygate failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("KEYGATE_ENV_FILE"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger.SetLevel(cfg.LogLevel)

	ctx := context.Background()

	table, err := roles.LoadFile(cfg.RolesFile)
	if err != nil {
		return fmt.Errorf("failed to load role table: %w", err)
	}

	auditLog, err := audit.Open(cfg.AuditLogPath)
	if err != nil {
		return err
	}

	verifier, err := auth.NewOIDCValidator(ctx, cfg.OIDCIssuerURL, cfg.OIDCClientID, cfg.GroupsClaimExpr)
	if err != nil {
		return err
	}
	flow, err := auth.NewLoginFlow(ctx, cfg.OIDCIssuerURL, cfg.OIDCClientID, cfg.OIDCClientSecret, cfg.OIDCRedirectURL)
	if err != nil {
		return err
	}

	vaultClient, err := vault.New(vault.Config{
		Address:     cfg.VaultAddr,
		SSHMount:    cfg.VaultSSHMount,
		AuthPath:    cfg.VaultAuthPath,
		AuthRole:    cfg.VaultAuthRole,
		TokenPath:   cfg.SATokenPath,
		HTTPTimeout: cfg.UpstreamTimeout,
	})
	if err != nil {
		return err
	}
	if err := vaultClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to authenticate to the PKI backend: %w", err)
	}
	defer vaultClient.Stop()

	caData, err := cfg.ClusterCA()
	if err != nil {
		return err
	}

	// Keycloak issuers look like https://host/realms/<realm>; the admin API
	// lives at the base and the user realm is the issuer's last segment.
	providerBase, realm, err := splitIssuer(cfg.OIDCIssuerURL)
	if err != nil {
		return err
	}
	gateway := directory.NewGateway(providerBase, realm, cfg.AdminRealm, cfg.OIDCClientID, cfg.OIDCClientSecret, auditLog)

	srv := server.New(cfg.ListenAddr, server.Deps{
		Verifier: verifier,
		Flow:     flow,
		Table:    table,
		Issuer:   issuer.New(table, vaultClient, auditLog),
		Gateway:  gateway,
		CAKeys:   vaultClient,
		Cluster: kubeconfig.ClusterConfig{
			APIURL:     cfg.ClusterAPIURL,
			CAData:     caData,
			OIDCIssuer: cfg.OIDCIssuerURL,
			ClientID:   cfg.OIDCClientID,
		},
		Audit: auditLog,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()
	logger.Info(ctx, "keygate listening", "addr", cfg.ListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info(ctx, "shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Close(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown did not complete cleanly: %w", err)
	}

	logger.Info(ctx, "audit summary", "counters", auditLog.Counters())
	return nil
}

// splitIssuer separates a Keycloak issuer URL into the provider base URL and
// the realm name.
func splitIssuer(issuerURL string) (string, string, error) {
	u, err := url.Parse(issuerURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid issuer URL: %w", err)
	}
	realm := path.Base(u.Path)
	base := strings.TrimSuffix(issuerURL, "/realms/"+realm)
	if realm == "" || base == issuerURL {
		return "", "", fmt.Errorf("issuer URL %q has no /realms/<realm> suffix", issuerURL)
	}
	return base, realm, nil
}
