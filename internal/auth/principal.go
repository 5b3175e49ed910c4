package auth

import "time"

// Principal is an authenticated caller, reconstructed per request from a
// validated bearer token. It is never persisted.
type Principal struct {
	Subject  string    `json:"subject"`
	Username string    `json:"username"`
	Email    string    `json:"email,omitempty"`
	Groups   []string  `json:"groups"`
	Expiry   time.Time `json:"expiry"`
}
