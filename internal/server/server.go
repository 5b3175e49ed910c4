// Package server binds the issuance core to externally reachable HTTP
// endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/perimeterlab/keygate/internal/apierror"
	"github.com/perimeterlab/keygate/internal/audit"
	"github.com/perimeterlab/keygate/internal/auth"
	"github.com/perimeterlab/keygate/internal/directory"
	"github.com/perimeterlab/keygate/internal/issuer"
	"github.com/perimeterlab/keygate/internal/kubeconfig"
	"github.com/perimeterlab/keygate/internal/logger"
	"github.com/perimeterlab/keygate/internal/roles"
)

// CAKeyReader serves the CA public key for the unauthenticated trust
// bootstrap endpoint.
type CAKeyReader interface {
	CAPublicKey(ctx context.Context) (string, error)
}

// Server is the HTTP front of the issuance core. All dependencies are
// injected so the routing and middleware stack can be exercised with fakes.
type Server struct {
	verifier auth.Verifier
	flow     *auth.LoginFlow
	table    *roles.Table
	issuer   *issuer.Issuer
	gateway  *directory.Gateway
	caKeys   CAKeyReader
	cluster  kubeconfig.ClusterConfig
	audit    audit.Writer

	httpServer *http.Server
}

// Deps bundles the server's collaborators.
type Deps struct {
	Verifier auth.Verifier
	Flow     *auth.LoginFlow
	Table    *roles.Table
	Issuer   *issuer.Issuer
	Gateway  *directory.Gateway
	CAKeys   CAKeyReader
	Cluster  kubeconfig.ClusterConfig
	Audit    audit.Writer
}

// New wires the router and middleware stack.
func New(listenAddr string, deps Deps) *Server {
	s := &Server{
		verifier: deps.Verifier,
		flow:     deps.Flow,
		table:    deps.Table,
		issuer:   deps.Issuer,
		gateway:  deps.Gateway,
		caKeys:   deps.CAKeys,
		cluster:  deps.Cluster,
		audit:    deps.Audit,
	}

	s.httpServer = &http.Server{
		Addr:    listenAddr,
		Handler: s.Router(),
	}
	return s
}

// Router builds the full route table. Middleware order: request id →
// request logging → panic recovery → token validation (public routes
// excepted) → role gating on the admin subtree.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(requestID, requestLogger, recovery)

	api := r.PathPrefix("/api/v1").Subrouter()

	// public: login redirect, callback, and the CA trust anchor
	api.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodGet)
	api.HandleFunc("/auth/callback", s.handleCallback).Methods(http.MethodGet)
	api.HandleFunc("/ssh/ca-public-key", s.handleCAPublicKey).Methods(http.MethodGet)

	// bearer-authenticated
	authed := api.NewRoute().Subrouter()
	authed.Use(authenticate(s.verifier))
	authed.HandleFunc("/auth/logout", s.handleLogout).Methods(http.MethodPost)
	authed.HandleFunc("/auth/userinfo", s.handleUserinfo).Methods(http.MethodGet)
	authed.HandleFunc("/ssh/sign", s.handleSign).Methods(http.MethodPost)
	authed.HandleFunc("/ssh/roles", s.handleRoles).Methods(http.MethodGet)
	authed.HandleFunc("/kubeconfig", s.handleKubeconfig).Methods(http.MethodGet)

	// administrative, gated to the top-precedence role
	admin := api.NewRoute().Subrouter()
	admin.Use(authenticate(s.verifier), requireAdmin(s.table))
	admin.HandleFunc("/users", s.handleListUsers).Methods(http.MethodGet)
	admin.HandleFunc("/users", s.handleCreateUser).Methods(http.MethodPost)
	admin.HandleFunc("/users/{id}", s.handleGetUser).Methods(http.MethodGet)
	admin.HandleFunc("/users/{id}", s.handleUpdateUser).Methods(http.MethodPut)
	admin.HandleFunc("/users/{id}", s.handleDeleteUser).Methods(http.MethodDelete)
	admin.HandleFunc("/groups", s.handleListGroups).Methods(http.MethodGet)
	admin.HandleFunc("/users/{id}/groups/{group_id}", s.handleAddUserToGroup).Methods(http.MethodPut)
	admin.HandleFunc("/users/{id}/groups/{group_id}", s.handleRemoveUserFromGroup).Methods(http.MethodDelete)

	return r
}

// Run serves until Close is called.
func (s *Server) Run() error {
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops accepting new connections and drains in-flight requests until
// the context deadline, then force-closes the rest.
func (s *Server) Close(ctx context.Context) error {
	s.httpServer.SetKeepAlivesEnabled(false)
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warn(ctx, "failed to encode response", "error", err)
	}
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// writeError maps an error through the taxonomy. Internal failures keep
// their detail server-side; the caller gets the correlation id instead.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := apierror.Status(err)
	reqID, _ := ctx.Value(logger.RequestIDKey).(string)

	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error(ctx, "request failed", "error", err)
		msg = "internal server error"
	}
	if apierror.Retryable(err) {
		w.Header().Set("Retry-After", "5")
	}

	writeJSON(ctx, w, status, errorResponse{Error: msg, RequestID: reqID})
}
