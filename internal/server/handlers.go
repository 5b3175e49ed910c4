package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/perimeterlab/keygate/internal/apierror"
	"github.com/perimeterlab/keygate/internal/audit"
	"github.com/perimeterlab/keygate/internal/directory"
	"github.com/perimeterlab/keygate/internal/issuer"
	"github.com/perimeterlab/keygate/internal/kubeconfig"
	"github.com/perimeterlab/keygate/internal/logger"
)

const stateCookie = "keygate_oauth_state"

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	state := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/api/v1/auth",
		MaxAge:   300,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, s.flow.AuthCodeURL(state), http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	cookie, err := r.Cookie(stateCookie)
	if err != nil || cookie.Value == "" || cookie.Value != r.URL.Query().Get("state") {
		writeError(ctx, w, fmt.Errorf("%w: state mismatch", apierror.ErrUnauthenticated))
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(ctx, w, fmt.Errorf("%w: missing authorization code", apierror.ErrUnauthenticated))
		return
	}

	tokens, err := s.flow.Exchange(ctx, code)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	// best effort: the principal is only known after the token verifies
	actor := "unknown"
	if principal, verr := s.verifier.Verify(ctx, tokens.IDToken); verr == nil {
		actor = principal.Username
	}
	s.writeAuthAudit(r, actor, audit.ActionLogin)

	http.SetCookie(w, &http.Cookie{Name: stateCookie, Path: "/api/v1/auth", MaxAge: -1})
	writeJSON(ctx, w, http.StatusOK, tokens)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())
	s.writeAuthAudit(r, principal.Username, audit.ActionLogout)
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Path: "/api/v1/auth", MaxAge: -1})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := PrincipalFromContext(ctx)

	roleName := ""
	if role, err := s.table.Resolve(principal.Groups); err == nil {
		roleName = role.Name
	}

	writeJSON(ctx, w, http.StatusOK, struct {
		Subject  string    `json:"subject"`
		Username string    `json:"username"`
		Email    string    `json:"email,omitempty"`
		Groups   []string  `json:"groups"`
		Role     string    `json:"role,omitempty"`
		Expiry   time.Time `json:"expiry"`
	}{principal.Subject, principal.Username, principal.Email, principal.Groups, roleName, principal.Expiry})
}

type signRequest struct {
	PublicKey string `json:"public_key"`
	Role      string `json:"role,omitempty"`
	TTL       string `json:"ttl,omitempty"`
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := PrincipalFromContext(ctx)

	var req signRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(ctx, w, fmt.Errorf("%w: invalid request body", apierror.ErrInvalidPublicKey))
		return
	}

	var ttl time.Duration
	if req.TTL != "" {
		parsed, err := time.ParseDuration(req.TTL)
		if err != nil || parsed <= 0 {
			writeError(ctx, w, fmt.Errorf("%w: invalid ttl %q", apierror.ErrInvalidPublicKey, req.TTL))
			return
		}
		ttl = parsed
	}

	cert, err := s.issuer.Issue(ctx, principal, issuer.SigningRequest{
		PublicKey: req.PublicKey,
		Role:      req.Role,
		TTL:       ttl,
	})
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	writeJSON(ctx, w, http.StatusOK, cert)
}

type roleInfo struct {
	Name       string   `json:"name"`
	MaxTTL     string   `json:"max_ttl"`
	Principals []string `json:"principals"`
	Precedence int      `json:"precedence"`
}

func (s *Server) handleRoles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := PrincipalFromContext(ctx)

	visible := s.table.Visible(principal.Groups)
	out := make([]roleInfo, 0, len(visible))
	for _, role := range visible {
		out = append(out, roleInfo{
			Name:       role.Name,
			MaxTTL:     role.MaxTTL.String(),
			Principals: role.Principals,
			Precedence: role.Precedence,
		})
	}
	writeJSON(ctx, w, http.StatusOK, out)
}

func (s *Server) handleCAPublicKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	pub, err := s.caKeys.CAPublicKey(ctx)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	if _, err := w.Write([]byte(pub)); err != nil {
		logger.Warn(ctx, "failed to write response", "error", err)
	}
}

func (s *Server) handleKubeconfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := PrincipalFromContext(ctx)

	doc, err := kubeconfig.Build(principal, s.cluster)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	w.Header().Set("Content-Type", "application/yaml")
	if _, err := w.Write(doc); err != nil {
		logger.Warn(ctx, "failed to write response", "error", err)
	}
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	users, err := s.gateway.ListUsers(ctx, r.URL.Query().Get("search"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, users)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := PrincipalFromContext(ctx)

	var user directory.User
	if err := json.NewDecoder(r.Body).Decode(&user); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if user.Username == "" {
		http.Error(w, "username is required", http.StatusBadRequest)
		return
	}

	created, err := s.gateway.CreateUser(ctx, principal.Username, user)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusCreated, created)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, err := s.gateway.GetUser(ctx, mux.Vars(r)["id"])
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, user)
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := PrincipalFromContext(ctx)

	var user directory.User
	if err := json.NewDecoder(r.Body).Decode(&user); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	user.ID = mux.Vars(r)["id"]

	if err := s.gateway.UpdateUser(ctx, principal.Username, user); err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, user)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := PrincipalFromContext(ctx)

	if err := s.gateway.DeleteUser(ctx, principal.Username, mux.Vars(r)["id"]); err != nil {
		writeError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	groups, err := s.gateway.ListGroups(ctx)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, groups)
}

func (s *Server) handleAddUserToGroup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := PrincipalFromContext(ctx)
	vars := mux.Vars(r)

	if err := s.gateway.AddUserToGroup(ctx, principal.Username, vars["id"], vars["group_id"]); err != nil {
		writeError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveUserFromGroup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := PrincipalFromContext(ctx)
	vars := mux.Vars(r)

	if err := s.gateway.RemoveUserFromGroup(ctx, principal.Username, vars["id"], vars["group_id"]); err != nil {
		writeError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeAuthAudit records login/logout events. Authentication events are not
// mutations, so a failed write is logged but does not fail the request.
func (s *Server) writeAuthAudit(r *http.Request, actor, action string) {
	ctx := r.Context()
	event := audit.Event{
		Actor:  actor,
		Action: action,
		Result: audit.ResultSuccess,
	}
	if reqID, ok := ctx.Value(logger.RequestIDKey).(string); ok {
		event.RequestID = reqID
	}
	if ip, ok := ctx.Value(logger.SourceIPKey).(string); ok {
		event.SourceIP = ip
	}
	if err := s.audit.Write(event); err != nil {
		logger.Error(ctx, "failed to write auth audit record", "action", action, "error", err)
	}
}
