// Package client is a small Go client for the keygate HTTP API.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// CertificateRequester defines the operations the CLI needs from the service.
type CertificateRequester interface {
	// SignPublicKey submits a public key and returns the signed certificate.
	SignPublicKey(SignRequest) (*SignResponse, error)
	// Kubeconfig fetches the caller's rendered cluster-access document.
	Kubeconfig() ([]byte, error)
	// CAPublicKey fetches the CA trust anchor. No authentication required.
	CAPublicKey() (string, error)
	// Roles lists the roles the caller is entitled to.
	Roles() ([]RoleInfo, error)
}

type SignRequest struct {
	// PublicKey is the public key to be signed.
	PublicKey string `json:"public_key"`
	// Role optionally requests a tier at or below the caller's own.
	Role string `json:"role,omitempty"`
	// TTL optionally bounds the certificate validity, e.g. "2h".
	TTL string `json:"ttl,omitempty"`
}

type SignResponse struct {
	Certificate string    `json:"certificate"`
	Serial      string    `json:"serial"`
	KeyID       string    `json:"key_id"`
	Role        string    `json:"role"`
	Principals  []string  `json:"principals"`
	ValidUntil  time.Time `json:"valid_until"`
}

type RoleInfo struct {
	Name       string   `json:"name"`
	MaxTTL     string   `json:"max_ttl"`
	Principals []string `json:"principals"`
	Precedence int      `json:"precedence"`
}

type KeygateClient struct {
	// Endpoint is the base URL of the service.
	Endpoint string
	// AccessToken is the bearer token used for authentication.
	AccessToken string
	// Client is the HTTP client used for making requests.
	Client *http.Client
}

// NewKeygateClient creates a client for the given endpoint and bearer token.
func NewKeygateClient(endpoint, accessToken string) *KeygateClient {
	return &KeygateClient{
		Endpoint:    endpoint,
		AccessToken: accessToken,
		Client:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *KeygateClient) SignPublicKey(data SignRequest) (*SignResponse, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	respBody, err := c.do(http.MethodPost, "/api/v1/ssh/sign", bytes.NewReader(body), true)
	if err != nil {
		return nil, err
	}

	var resp SignResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &resp, nil
}

func (c *KeygateClient) Kubeconfig() ([]byte, error) {
	return c.do(http.MethodGet, "/api/v1/kubeconfig", nil, true)
}

func (c *KeygateClient) CAPublicKey() (string, error) {
	body, err := c.do(http.MethodGet, "/api/v1/ssh/ca-public-key", nil, false)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (c *KeygateClient) Roles() ([]RoleInfo, error) {
	body, err := c.do(http.MethodGet, "/api/v1/ssh/roles", nil, true)
	if err != nil {
		return nil, err
	}

	var roles []RoleInfo
	if err := json.Unmarshal(body, &roles); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return roles, nil
}

func (c *KeygateClient) do(method, apiPath string, body io.Reader, authed bool) ([]byte, error) {
	endpoint, err := url.JoinPath(c.Endpoint, apiPath)
	if err != nil {
		return nil, fmt.Errorf("failed to build endpoint path: %w", err)
	}

	req, err := http.NewRequest(method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+c.AccessToken)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("server returned status %s: %s", resp.Status, string(respBody))
	}

	return respBody, nil
}
