// Package directory proxies privileged user and group administration to the
// identity provider's admin API. It holds its own administrative credential,
// renewed independently of any end-user token.
package directory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Nerzal/gocloak/v13"

	"github.com/perimeterlab/keygate/internal/apierror"
	"github.com/perimeterlab/keygate/internal/audit"
	"github.com/perimeterlab/keygate/internal/logger"
)

// User is the provider-agnostic user record exposed over the API.
type User struct {
	ID        string   `json:"id,omitempty"`
	Username  string   `json:"username"`
	Email     string   `json:"email,omitempty"`
	FirstName string   `json:"first_name,omitempty"`
	LastName  string   `json:"last_name,omitempty"`
	Enabled   bool     `json:"enabled"`
	Groups    []string `json:"groups,omitempty"`
}

// Group is a named group in the user store.
type Group struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Gateway wraps the provider admin client with error translation and
// synchronous audit writes.
type Gateway struct {
	client       *gocloak.GoCloak
	realm        string
	adminRealm   string
	clientID     string
	clientSecret string
	audit        audit.Writer

	// admin credential cache, refreshed before expiry
	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

func NewGateway(baseURL, realm, adminRealm, clientID, clientSecret string, auditLog audit.Writer) *Gateway {
	return &Gateway{
		client:       gocloak.NewClient(baseURL),
		realm:        realm,
		adminRealm:   adminRealm,
		clientID:     clientID,
		clientSecret: clientSecret,
		audit:        auditLog,
	}
}

// adminToken returns a valid administrative credential, logging in again
// shortly before the cached one expires.
func (g *Gateway) adminToken(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.token != "" && time.Now().Before(g.tokenExp.Add(-30*time.Second)) {
		return g.token, nil
	}

	jwt, err := g.client.LoginClient(ctx, g.clientID, g.clientSecret, g.adminRealm)
	if err != nil {
		return "", translateError(err)
	}

	g.token = jwt.AccessToken
	g.tokenExp = time.Now().Add(time.Duration(jwt.ExpiresIn) * time.Second)
	logger.Debug(ctx, "renewed directory admin credential", "expires_in", jwt.ExpiresIn)
	return g.token, nil
}

func (g *Gateway) CreateUser(ctx context.Context, actor string, user User) (*User, error) {
	token, err := g.adminToken(ctx)
	if err != nil {
		return nil, err
	}

	id, err := g.client.CreateUser(ctx, token, g.realm, gocloak.User{
		Username:  gocloak.StringP(user.Username),
		Email:     gocloak.StringP(user.Email),
		FirstName: gocloak.StringP(user.FirstName),
		LastName:  gocloak.StringP(user.LastName),
		Enabled:   gocloak.BoolP(user.Enabled),
	})
	if err != nil {
		return nil, translateError(err)
	}
	user.ID = id

	if err := g.writeAudit(ctx, actor, audit.ActionUserCreate, user.Username); err != nil {
		return nil, err
	}
	return &user, nil
}

func (g *Gateway) ListUsers(ctx context.Context, search string) ([]User, error) {
	token, err := g.adminToken(ctx)
	if err != nil {
		return nil, err
	}

	params := gocloak.GetUsersParams{}
	if search != "" {
		params.Search = gocloak.StringP(search)
	}
	found, err := g.client.GetUsers(ctx, token, g.realm, params)
	if err != nil {
		return nil, translateError(err)
	}

	users := make([]User, 0, len(found))
	for _, u := range found {
		users = append(users, fromProviderUser(u))
	}
	return users, nil
}

func (g *Gateway) GetUser(ctx context.Context, id string) (*User, error) {
	token, err := g.adminToken(ctx)
	if err != nil {
		return nil, err
	}

	u, err := g.client.GetUserByID(ctx, token, g.realm, id)
	if err != nil {
		return nil, translateError(err)
	}
	user := fromProviderUser(u)

	groups, err := g.client.GetUserGroups(ctx, token, g.realm, id, gocloak.GetGroupsParams{})
	if err != nil {
		return nil, translateError(err)
	}
	for _, grp := range groups {
		user.Groups = append(user.Groups, gocloak.PString(grp.Name))
	}
	return &user, nil
}

func (g *Gateway) UpdateUser(ctx context.Context, actor string, user User) error {
	token, err := g.adminToken(ctx)
	if err != nil {
		return err
	}

	update := gocloak.User{
		ID:        gocloak.StringP(user.ID),
		Username:  gocloak.StringP(user.Username),
		Email:     gocloak.StringP(user.Email),
		FirstName: gocloak.StringP(user.FirstName),
		LastName:  gocloak.StringP(user.LastName),
		Enabled:   gocloak.BoolP(user.Enabled),
	}
	if err := g.client.UpdateUser(ctx, token, g.realm, update); err != nil {
		return translateError(err)
	}

	return g.writeAudit(ctx, actor, audit.ActionUserUpdate, user.ID)
}

func (g *Gateway) DeleteUser(ctx context.Context, actor, id string) error {
	token, err := g.adminToken(ctx)
	if err != nil {
		return err
	}

	if err := g.client.DeleteUser(ctx, token, g.realm, id); err != nil {
		return translateError(err)
	}

	return g.writeAudit(ctx, actor, audit.ActionUserDelete, id)
}

// ListGroups returns the groups defined in the user store.
func (g *Gateway) ListGroups(ctx context.Context) ([]Group, error) {
	token, err := g.adminToken(ctx)
	if err != nil {
		return nil, err
	}

	found, err := g.client.GetGroups(ctx, token, g.realm, gocloak.GetGroupsParams{})
	if err != nil {
		return nil, translateError(err)
	}

	groups := make([]Group, 0, len(found))
	for _, grp := range found {
		groups = append(groups, Group{ID: gocloak.PString(grp.ID), Name: gocloak.PString(grp.Name)})
	}
	return groups, nil
}

func (g *Gateway) AddUserToGroup(ctx context.Context, actor, userID, groupID string) error {
	token, err := g.adminToken(ctx)
	if err != nil {
		return err
	}

	if err := g.client.AddUserToGroup(ctx, token, g.realm, userID, groupID); err != nil {
		return translateError(err)
	}

	return g.writeAudit(ctx, actor, audit.ActionGroupAdd, fmt.Sprintf("%s/%s", userID, groupID))
}

func (g *Gateway) RemoveUserFromGroup(ctx context.Context, actor, userID, groupID string) error {
	token, err := g.adminToken(ctx)
	if err != nil {
		return err
	}

	if err := g.client.DeleteUserFromGroup(ctx, token, g.realm, userID, groupID); err != nil {
		return translateError(err)
	}

	return g.writeAudit(ctx, actor, audit.ActionGroupRemove, fmt.Sprintf("%s/%s", userID, groupID))
}

// writeAudit appends the mutation record before the success response. A
// failed audit write does not roll the mutation back; it surfaces as
// AuditWriteFailed so the gap is operator-visible rather than silent.
func (g *Gateway) writeAudit(ctx context.Context, actor, action, target string) error {
	event := audit.Event{
		Actor:  actor,
		Action: action,
		Target: target,
		Result: audit.ResultSuccess,
	}
	if reqID, ok := ctx.Value(logger.RequestIDKey).(string); ok {
		event.RequestID = reqID
	}
	if err := g.audit.Write(event); err != nil {
		logger.Error(ctx, "failed to write audit record for directory mutation", "action", action, "target", target, "error", err)
		return fmt.Errorf("%w: %s on %s applied but not recorded", apierror.ErrAuditWriteFailed, action, target)
	}
	return nil
}

func fromProviderUser(u *gocloak.User) User {
	return User{
		ID:        gocloak.PString(u.ID),
		Username:  gocloak.PString(u.Username),
		Email:     gocloak.PString(u.Email),
		FirstName: gocloak.PString(u.FirstName),
		LastName:  gocloak.PString(u.LastName),
		Enabled:   gocloak.PBool(u.Enabled),
	}
}

// translateError maps provider-specific failures to the shared taxonomy.
func translateError(err error) error {
	var apiErr *gocloak.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", apierror.ErrNotFound, apiErr.Message)
		case http.StatusConflict:
			return fmt.Errorf("%w: %s", apierror.ErrConflict, apiErr.Message)
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: admin credential rejected", apierror.ErrUpstreamUnavailable)
		case 0:
			// gocloak reports transport failures with no status code
			return fmt.Errorf("%w: %v", apierror.ErrUpstreamUnavailable, err)
		}
	}
	return fmt.Errorf("%w: %v", apierror.ErrUpstreamUnavailable, err)
}
