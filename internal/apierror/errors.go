// Package apierror defines the error taxonomy shared by every component.
// Components wrap these sentinels with fmt.Errorf("%w: ...") and the HTTP
// layer classifies with errors.Is.
package apierror

import (
	"errors"
	"net/http"
)

var (
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrMalformedToken      = errors.New("malformed token")
	ErrForbidden           = errors.New("forbidden")
	ErrNoEligibleRole      = errors.New("no eligible role")
	ErrInvalidPublicKey    = errors.New("invalid public key")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrConflict            = errors.New("conflict")
	ErrNotFound            = errors.New("not found")
	ErrAuditWriteFailed    = errors.New("audit write failed")
)

// Status maps an error to the HTTP status code returned to the caller.
// Unrecognized errors map to 500.
func Status(err error) int {
	switch {
	case errors.Is(err, ErrMalformedToken), errors.Is(err, ErrInvalidPublicKey):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrNoEligibleRole):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller may retry the request unchanged.
func Retryable(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable)
}
