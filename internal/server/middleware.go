package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/perimeterlab/keygate/internal/apierror"
	"github.com/perimeterlab/keygate/internal/auth"
	"github.com/perimeterlab/keygate/internal/logger"
	"github.com/perimeterlab/keygate/internal/roles"
)

type contextKey string

const principalKey contextKey = "principal"

// PrincipalFromContext returns the authenticated caller placed by the
// authentication middleware, or nil on unauthenticated routes.
func PrincipalFromContext(ctx context.Context) *auth.Principal {
	p, _ := ctx.Value(principalKey).(*auth.Principal)
	return p
}

// requestID assigns a correlation id and source ip to every request.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		ctx := context.WithValue(r.Context(), logger.RequestIDKey, id)

		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ctx = context.WithValue(ctx, logger.SourceIPKey, host)

		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusRecorder captures the response code for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// requestLogger emits one structured record per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		logger.Info(r.Context(), "request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"user_agent", r.UserAgent())
	})
}

// recovery converts panics into 500 responses. The panic detail stays in the
// server log under the request's correlation id; the caller gets a generic
// body.
func recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error(r.Context(), "panic recovered",
					"panic", fmt.Sprint(rec),
					"stack", string(debug.Stack()))
				writeError(r.Context(), w, fmt.Errorf("internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// authenticate validates the bearer token and attaches the Principal.
func authenticate(verifier auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := auth.BearerToken(r.Header.Get("Authorization"))
			if err != nil {
				writeError(r.Context(), w, err)
				return
			}

			principal, err := verifier.Verify(r.Context(), token)
			if err != nil {
				writeError(r.Context(), w, err)
				return
			}

			ctx := context.WithValue(r.Context(), principalKey, principal)
			ctx = context.WithValue(ctx, logger.SubjectKey, principal.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requireAdmin gates a route to the top-precedence role.
func requireAdmin(table *roles.Table) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := PrincipalFromContext(r.Context())
			if principal == nil {
				writeError(r.Context(), w, apierror.ErrUnauthenticated)
				return
			}

			role, err := table.Resolve(principal.Groups)
			if err != nil {
				writeError(r.Context(), w, err)
				return
			}
			if role.Name != table.Admin().Name {
				writeError(r.Context(), w, fmt.Errorf("%w: role %q is not administrative", apierror.ErrForbidden, role.Name))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
