package auth

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/perimeterlab/keygate/internal/apierror"
)

// TokenSet is what the callback hands back to the browser or CLI after a
// successful code exchange. Subsequent API calls present the ID token as the
// bearer credential.
type TokenSet struct {
	IDToken      string `json:"id_token"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// LoginFlow drives the OIDC authorization-code exchange for the login and
// callback endpoints.
type LoginFlow struct {
	oauth oauth2.Config
}

// NewLoginFlow discovers the provider's endpoints and prepares the flow.
func NewLoginFlow(ctx context.Context, issuerURL, clientID, clientSecret, redirectURL string) (*LoginFlow, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed for %s: %w", issuerURL, err)
	}

	return &LoginFlow{
		oauth: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email", "groups"},
		},
	}, nil
}

// AuthCodeURL builds the provider redirect carrying the state nonce.
func (f *LoginFlow) AuthCodeURL(state string) string {
	return f.oauth.AuthCodeURL(state)
}

// Exchange redeems the authorization code for the token set.
func (f *LoginFlow) Exchange(ctx context.Context, code string) (*TokenSet, error) {
	token, err := f.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: code exchange failed: %v", apierror.ErrUpstreamUnavailable, err)
	}

	idToken, _ := token.Extra("id_token").(string)
	if idToken == "" {
		return nil, fmt.Errorf("%w: provider returned no id_token", apierror.ErrUpstreamUnavailable)
	}

	return &TokenSet{
		IDToken:      idToken,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresIn:    int64(token.ExpiresIn),
		TokenType:    token.TokenType,
	}, nil
}
