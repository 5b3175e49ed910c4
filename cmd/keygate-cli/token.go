package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"encoding/json"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// IDTokenClaims carries the subset of standard claims the CLI displays.
// https://openid.net/specs/openid-connect-core-1_0.html#StandardClaims
type IDTokenClaims struct {
	Sub               string   `json:"sub"`
	Name              string   `json:"name"`
	PreferredUsername string   `json:"preferred_username"`
	Email             string   `json:"email"`
	Groups            []string `json:"groups"`
	Exp               int64    `json:"exp"`
}

// ParseIDToken decodes the token payload without verifying it. The CLI only
// uses it for display; the server does the real verification.
func ParseIDToken(idToken string) (*IDTokenClaims, error) {
	token, _, err := new(jwt.Parser).ParseUnverified(idToken, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("failed to parse ID token: %w", err)
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims type")
	}

	payload, err := json.Marshal(mapClaims)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode claims: %w", err)
	}

	var claims IDTokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ID token payload: %w", err)
	}

	return &claims, nil
}

// cachedToken is the on-disk token format. oauth2.Token does not serialize
// its extra fields, so the id_token is carried explicitly.
type cachedToken struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
}

func SaveToken(path string, token *oauth2.Token) error {
	idToken, _ := token.Extra("id_token").(string)
	data, err := json.Marshal(cachedToken{
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
		IDToken:      idToken,
	})
	if err != nil {
		return err
	}
	os.MkdirAll(filepath.Dir(path), 0700)
	return os.WriteFile(path, data, 0600)
}

func LoadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)

	if err != nil {
		if os.IsNotExist(err) {
			// No token cached yet
			return nil, nil
		}
		return nil, err
	}

	// Handle empty file
	if len(data) == 0 {
		return nil, nil
	}

	var cached cachedToken
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, fmt.Errorf("invalid token cache: %w", err)
	}

	token := &oauth2.Token{
		AccessToken:  cached.AccessToken,
		TokenType:    cached.TokenType,
		RefreshToken: cached.RefreshToken,
		Expiry:       cached.Expiry,
	}
	return token.WithExtra(map[string]interface{}{"id_token": cached.IDToken}), nil
}
