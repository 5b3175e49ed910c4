// Package vault maintains the service's own credential against the PKI
// backend and issues SSH certificate signing calls with it.
package vault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go/v4"
	vaultapi "github.com/hashicorp/vault/api"
	"github.com/hashicorp/vault/api/auth/kubernetes"
	"golang.org/x/crypto/ssh"

	"github.com/perimeterlab/keygate/internal/apierror"
	"github.com/perimeterlab/keygate/internal/logger"
)

// ServiceCredential is the lease-bound token authenticating this service to
// the backend. It is replaced atomically; in-flight signing calls never see
// a half-rotated value.
type ServiceCredential struct {
	Token         string
	LeaseDuration time.Duration
	Renewable     bool
	IssuedAt      time.Time
}

// Expired reports whether the lease has run out.
func (c *ServiceCredential) Expired(now time.Time) bool {
	return now.After(c.IssuedAt.Add(c.LeaseDuration))
}

// SignedCertificate is the backend's answer to one signing call.
type SignedCertificate struct {
	Certificate string
	Serial      string
	KeyID       string
	ValidUntil  time.Time
}

// Config carries the static backend settings.
type Config struct {
	Address     string
	SSHMount    string
	AuthPath    string
	AuthRole    string
	TokenPath   string
	HTTPTimeout time.Duration
}

// Client talks to the PKI backend. The current ServiceCredential sits behind
// an atomic pointer; the renewal goroutine is the only writer.
type Client struct {
	api       *vaultapi.Client
	mount     string
	authPath  string
	authRole  string
	tokenPath string

	cred     atomic.Pointer[ServiceCredential]
	degraded atomic.Bool

	retryAttempts   uint
	retryBaseDelay  time.Duration
	recoverInterval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option adjusts client behavior, mainly for tests.
type Option func(*Client)

// WithRetry bounds the renewal retry budget.
func WithRetry(attempts uint, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.retryAttempts = attempts
		c.retryBaseDelay = baseDelay
	}
}

// WithRecoverInterval sets how often a degraded client attempts a fresh login.
func WithRecoverInterval(d time.Duration) Option {
	return func(c *Client) {
		c.recoverInterval = d
	}
}

// New builds the client. No network calls happen until Start.
func New(cfg Config, opts ...Option) (*Client, error) {
	apiCfg := vaultapi.DefaultConfig()
	apiCfg.Address = cfg.Address
	if cfg.HTTPTimeout > 0 {
		apiCfg.Timeout = cfg.HTTPTimeout
	}

	api, err := vaultapi.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend client: %w", err)
	}

	c := &Client{
		api:             api,
		mount:           cfg.SSHMount,
		authPath:        cfg.AuthPath,
		authRole:        cfg.AuthRole,
		tokenPath:       cfg.TokenPath,
		retryAttempts:   5,
		retryBaseDelay:  time.Second,
		recoverInterval: 30 * time.Second,
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start performs the initial login and launches the renewal goroutine.
// A failed first login is fatal: the service must not come up without a
// valid backend credential.
func (c *Client) Start(ctx context.Context) error {
	if err := c.login(ctx); err != nil {
		return err
	}
	go c.renewLoop()
	return nil
}

// Stop terminates the renewal goroutine and waits for it to exit.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
}

// Degraded reports whether the client currently lacks a usable credential.
func (c *Client) Degraded() bool {
	return c.degraded.Load()
}

// Credential returns the current ServiceCredential, or nil before login.
func (c *Client) Credential() *ServiceCredential {
	return c.cred.Load()
}

// login performs a fresh platform-identity login and atomically installs the
// resulting credential.
func (c *Client) login(ctx context.Context) error {
	k8sAuth, err := kubernetes.NewKubernetesAuth(
		c.authRole,
		kubernetes.WithServiceAccountTokenPath(c.tokenPath),
		kubernetes.WithMountPath(c.authPath),
	)
	if err != nil {
		return fmt.Errorf("failed to configure platform auth: %w", err)
	}

	secret, err := c.api.Auth().Login(ctx, k8sAuth)
	if err != nil {
		return translateError(err)
	}
	if secret == nil || secret.Auth == nil || secret.Auth.ClientToken == "" {
		return fmt.Errorf("%w: login returned no credential", apierror.ErrUpstreamUnavailable)
	}

	c.install(secret.Auth.ClientToken, secret.Auth.LeaseDuration, secret.Auth.Renewable)
	logger.Info(ctx, "backend login succeeded",
		"lease_seconds", secret.Auth.LeaseDuration,
		"renewable", secret.Auth.Renewable)
	return nil
}

func (c *Client) install(token string, leaseSeconds int, renewable bool) {
	c.api.SetToken(token)
	c.cred.Store(&ServiceCredential{
		Token:         token,
		LeaseDuration: time.Duration(leaseSeconds) * time.Second,
		Renewable:     renewable,
		IssuedAt:      time.Now(),
	})
	c.degraded.Store(false)
}

// renewLoop renews the credential at two-thirds of its lease. Renewal
// failures retry with bounded exponential backoff; exhaustion falls back to
// a fresh login, and if that also fails the client goes degraded and keeps
// attempting recovery until stopped. The loop is process-lifetime: it is
// never cancelled by an individual request.
func (c *Client) renewLoop() {
	defer close(c.doneCh)
	ctx := context.Background()

	for {
		var wait time.Duration
		if cred := c.cred.Load(); cred != nil {
			wait = cred.LeaseDuration * 2 / 3
		} else {
			wait = c.recoverInterval
		}

		select {
		case <-c.stopCh:
			return
		case <-time.After(wait):
		}

		if err := c.renewWithRetry(ctx); err == nil {
			continue
		}

		logger.Warn(ctx, "credential renewal exhausted retries, attempting fresh login")
		if err := c.login(ctx); err == nil {
			continue
		}

		c.degraded.Store(true)
		logger.Error(ctx, "backend login failed, entering degraded state")
		if !c.recover(ctx) {
			return
		}
	}
}

func (c *Client) renewWithRetry(ctx context.Context) error {
	return retry.Do(
		func() error {
			cred := c.cred.Load()
			if cred == nil || !cred.Renewable {
				return retry.Unrecoverable(fmt.Errorf("credential is not renewable"))
			}
			renewCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			secret, err := c.api.Auth().Token().RenewSelfWithContext(renewCtx, int(cred.LeaseDuration.Seconds()))
			if err != nil {
				return err
			}
			if secret == nil || secret.Auth == nil {
				return fmt.Errorf("renewal returned no lease")
			}
			c.install(secret.Auth.ClientToken, secret.Auth.LeaseDuration, secret.Auth.Renewable)
			return nil
		},
		retry.Attempts(c.retryAttempts),
		retry.Delay(c.retryBaseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
}

// recover loops fresh logins until one succeeds or the client is stopped.
// Returns false when stopped.
func (c *Client) recover(ctx context.Context) bool {
	for {
		select {
		case <-c.stopCh:
			return false
		case <-time.After(c.recoverInterval):
		}

		if err := c.login(ctx); err == nil {
			logger.Info(ctx, "backend recovered, degraded state cleared")
			return true
		}
	}
}

// Sign submits the caller's public key for certification. The credential is
// read through the atomic pointer, so a concurrent renewal never tears it.
func (c *Client) Sign(ctx context.Context, vaultRole, publicKey string, principals []string, ttl time.Duration, keyID string) (*SignedCertificate, error) {
	cred := c.cred.Load()
	if c.degraded.Load() || cred == nil || cred.Expired(time.Now()) {
		return nil, fmt.Errorf("%w: no valid backend credential", apierror.ErrUpstreamUnavailable)
	}

	data := map[string]interface{}{
		"public_key":       publicKey,
		"valid_principals": strings.Join(principals, ","),
		"ttl":              ttl.String(),
		"cert_type":        "user",
		"key_id":           keyID,
	}

	secret, err := c.api.Logical().WriteWithContext(ctx, path.Join(c.mount, "sign", vaultRole), data)
	if err != nil {
		return nil, translateError(err)
	}

	signedKey, _ := secret.Data["signed_key"].(string)
	serial, _ := secret.Data["serial_number"].(string)
	if signedKey == "" {
		return nil, fmt.Errorf("backend returned no signed key")
	}

	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(signedKey))
	if err != nil {
		return nil, fmt.Errorf("backend returned unparseable certificate: %w", err)
	}
	cert, ok := pub.(*ssh.Certificate)
	if !ok {
		return nil, fmt.Errorf("backend returned a key, not a certificate")
	}

	return &SignedCertificate{
		Certificate: signedKey,
		Serial:      serial,
		KeyID:       cert.KeyId,
		ValidUntil:  time.Unix(int64(cert.ValidBefore), 0).UTC(),
	}, nil
}

// CAPublicKey reads the CA's public key from the SSH mount. The result is
// served on an unauthenticated endpoint so hosts can bootstrap trust.
func (c *Client) CAPublicKey(ctx context.Context) (string, error) {
	secret, err := c.api.Logical().ReadWithContext(ctx, path.Join(c.mount, "config/ca"))
	if err != nil {
		return "", translateError(err)
	}
	if secret == nil {
		return "", fmt.Errorf("%w: CA is not configured", apierror.ErrNotFound)
	}
	pub, _ := secret.Data["public_key"].(string)
	if pub == "" {
		return "", fmt.Errorf("%w: CA is not configured", apierror.ErrNotFound)
	}
	return pub, nil
}

// translateError maps backend failures into the shared taxonomy. Policy
// denials become Forbidden; everything transport-level, plus a sealed
// backend, is UpstreamUnavailable.
func translateError(err error) error {
	var respErr *vaultapi.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusForbidden:
			return fmt.Errorf("%w: backend denied the request", apierror.ErrForbidden)
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusNotImplemented:
			return fmt.Errorf("%w: backend sealed or unavailable", apierror.ErrUpstreamUnavailable)
		default:
			return fmt.Errorf("backend error (status %d): %w", respErr.StatusCode, err)
		}
	}
	return fmt.Errorf("%w: %v", apierror.ErrUpstreamUnavailable, err)
}
