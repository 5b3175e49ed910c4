// Package issuer orchestrates role resolution, public-key validation, and
// the backend signing call into one certificate grant.
package issuer

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/perimeterlab/keygate/internal/apierror"
	"github.com/perimeterlab/keygate/internal/audit"
	"github.com/perimeterlab/keygate/internal/auth"
	"github.com/perimeterlab/keygate/internal/logger"
	"github.com/perimeterlab/keygate/internal/roles"
	"github.com/perimeterlab/keygate/internal/vault"
)

// CertificateAuthority is the signing capability the issuer depends on.
type CertificateAuthority interface {
	Sign(ctx context.Context, vaultRole, publicKey string, principals []string, ttl time.Duration, keyID string) (*vault.SignedCertificate, error)
}

// SigningRequest is one caller's certificate ask. Created and discarded
// within a single request.
type SigningRequest struct {
	PublicKey string        `json:"public_key"`
	Role      string        `json:"role,omitempty"`
	TTL       time.Duration `json:"-"`
}

// IssuedCertificate is the grant returned to the caller.
type IssuedCertificate struct {
	Certificate string    `json:"certificate"`
	Serial      string    `json:"serial"`
	KeyID       string    `json:"key_id"`
	Role        string    `json:"role"`
	Principals  []string  `json:"principals"`
	ValidUntil  time.Time `json:"valid_until"`
}

// Issuer composes the role table, the certificate authority, and the audit
// trail. Every call is a fresh, independent grant: identical requests yield
// distinct certificates with distinct serials, by design.
type Issuer struct {
	table *roles.Table
	ca    CertificateAuthority
	audit audit.Writer
	now   func() time.Time
}

func New(table *roles.Table, ca CertificateAuthority, auditLog audit.Writer) *Issuer {
	return &Issuer{
		table: table,
		ca:    ca,
		audit: auditLog,
		now:   time.Now,
	}
}

// Issue validates the request against the caller's resolved privilege and
// asks the backend for a signed certificate. The public key is checked
// before any upstream call; a role above the caller's resolved tier is
// rejected; the TTL is clamped to the granted role's maximum.
func (i *Issuer) Issue(ctx context.Context, principal *auth.Principal, req SigningRequest) (*IssuedCertificate, error) {
	resolved, err := i.table.Resolve(principal.Groups)
	if err != nil {
		return nil, err
	}

	// Downgrade only: a caller may request a role at or below their own.
	granted := resolved
	if req.Role != "" && req.Role != resolved.Name {
		requested, ok := i.table.Lookup(req.Role)
		if !ok {
			return nil, fmt.Errorf("%w: unknown role %q", apierror.ErrNoEligibleRole, req.Role)
		}
		if requested.Precedence > resolved.Precedence {
			return nil, fmt.Errorf("%w: role %q exceeds resolved privilege %q", apierror.ErrForbidden, req.Role, resolved.Name)
		}
		granted = requested
	}

	// Fail fast on a bad key, before touching the backend.
	pubKey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(req.PublicKey))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse public key", apierror.ErrInvalidPublicKey)
	}

	ttl := req.TTL
	if ttl <= 0 || ttl > granted.MaxTTL {
		ttl = granted.MaxTTL
	}

	// Caller- and time-scoped key id for traceability.
	keyID := fmt.Sprintf("keygate-%s-%d", principal.Username, i.now().Unix())

	cert, err := i.ca.Sign(ctx, granted.VaultRole, string(ssh.MarshalAuthorizedKey(pubKey)), granted.Principals, ttl, keyID)
	if err != nil {
		logger.Error(ctx, "backend signing call failed", "role", granted.Name, "error", err)
		return nil, err
	}

	event := audit.Event{
		Actor:  principal.Username,
		Action: audit.ActionCertIssue,
		Target: granted.Name,
		Result: audit.ResultSuccess,
		Detail: map[string]string{
			"serial":      cert.Serial,
			"key_id":      cert.KeyID,
			"valid_until": cert.ValidUntil.Format(time.RFC3339),
		},
	}
	if reqID, ok := ctx.Value(logger.RequestIDKey).(string); ok {
		event.RequestID = reqID
	}
	if ip, ok := ctx.Value(logger.SourceIPKey).(string); ok {
		event.SourceIP = ip
	}
	// The grant already exists on the backend; a lost audit record is
	// surfaced loudly instead of silently dropped.
	if err := i.audit.Write(event); err != nil {
		logger.Error(ctx, "failed to write audit record for issued certificate", "serial", cert.Serial, "error", err)
		return nil, fmt.Errorf("%w: certificate %s issued but not recorded", apierror.ErrAuditWriteFailed, cert.Serial)
	}

	logger.Info(ctx, "certificate issued",
		"role", granted.Name,
		"serial", cert.Serial,
		"key_id", cert.KeyID,
		"principals", granted.Principals,
		"valid_until", cert.ValidUntil)

	return &IssuedCertificate{
		Certificate: cert.Certificate,
		Serial:      cert.Serial,
		KeyID:       cert.KeyID,
		Role:        granted.Name,
		Principals:  granted.Principals,
		ValidUntil:  cert.ValidUntil,
	}, nil
}
