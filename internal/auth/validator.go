package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/perimeterlab/keygate/internal/apierror"
)

// Verifier validates a raw bearer token and reconstructs the caller's
// Principal. Implementations never call the credential backend.
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (*Principal, error)
}

// OIDCValidator verifies tokens against the identity provider's published
// signing keys. Key discovery and caching is handled by the provider's
// remote key set: keys are cached, refreshed in the background on unknown
// key ids, and served from cache when the provider is briefly unreachable.
type OIDCValidator struct {
	verifier *oidc.IDTokenVerifier
	groups   *GroupExtractor
}

// NewOIDCValidator performs provider discovery once and prepares the token
// verifier. Discovery failure is fatal at startup.
func NewOIDCValidator(ctx context.Context, issuerURL, clientID, groupsExpr string) (*OIDCValidator, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed for %s: %w", issuerURL, err)
	}

	extractor, err := NewGroupExtractor(groupsExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid groups claim expression: %w", err)
	}

	return &OIDCValidator{
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
		groups:   extractor,
	}, nil
}

// Verify checks signature, expiry, issuer, and audience, then extracts the
// Principal. Signature and expiry failures map to Unauthenticated; tokens
// that verify but lack required identity claims map to MalformedToken.
func (v *OIDCValidator) Verify(ctx context.Context, rawToken string) (*Principal, error) {
	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apierror.ErrUnauthenticated, err)
	}

	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: failed to decode claims", apierror.ErrMalformedToken)
	}

	username, _ := claims["preferred_username"].(string)
	email, _ := claims["email"].(string)
	if username == "" {
		username = email
	}
	if idToken.Subject == "" || username == "" {
		return nil, fmt.Errorf("%w: missing required claims", apierror.ErrMalformedToken)
	}

	groups, err := v.groups.Extract(claims)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apierror.ErrMalformedToken, err)
	}

	return &Principal{
		Subject:  idToken.Subject,
		Username: username,
		Email:    email,
		Groups:   groups,
		Expiry:   idToken.Expiry,
	}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", fmt.Errorf("%w: missing Authorization header", apierror.ErrUnauthenticated)
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", fmt.Errorf("%w: invalid Authorization format", apierror.ErrUnauthenticated)
	}
	return strings.TrimPrefix(header, prefix), nil
}
