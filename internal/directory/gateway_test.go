package directory_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimeterlab/keygate/internal/apierror"
	"github.com/perimeterlab/keygate/internal/audit"
	"github.com/perimeterlab/keygate/internal/directory"
)

// fakeProvider emulates the identity provider's admin API: a token endpoint
// on the admin realm and a handful of user/group admin routes.
type fakeProvider struct {
	mu         sync.Mutex
	loginCount int
	srv        *httptest.Server
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{}
	p.srv = httptest.NewServer(http.HandlerFunc(p.handle))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakeProvider) handle(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/realms/master/protocol/openid-connect/token":
		p.loginCount++
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"access_token": "admin-token",
			"expires_in":   300,
			"token_type":   "Bearer",
		})

	case r.Method == http.MethodPost && r.URL.Path == "/admin/realms/perimeter/users":
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["username"] == "existing" {
			writeJSON(w, http.StatusConflict, map[string]string{"errorMessage": "User exists with same username"})
			return
		}
		w.Header().Set("Location", p.srv.URL+"/admin/realms/perimeter/users/user-abc-1")
		w.WriteHeader(http.StatusCreated)

	case r.Method == http.MethodGet && r.URL.Path == "/admin/realms/perimeter/users":
		writeJSON(w, http.StatusOK, []map[string]interface{}{
			{"id": "user-abc-1", "username": "rocky", "email": "rocky@example.com", "enabled": true},
			{"id": "user-abc-2", "username": "root", "email": "root@example.com", "enabled": true},
		})

	case r.Method == http.MethodGet && r.URL.Path == "/admin/realms/perimeter/users/user-abc-1":
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id": "user-abc-1", "username": "rocky", "email": "rocky@example.com", "enabled": true,
		})

	case r.Method == http.MethodGet && r.URL.Path == "/admin/realms/perimeter/users/user-abc-1/groups":
		writeJSON(w, http.StatusOK, []map[string]interface{}{
			{"id": "grp-1", "name": "developers"},
		})

	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/admin/realms/perimeter/users/"):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "User not found"})

	case r.Method == http.MethodDelete && r.URL.Path == "/admin/realms/perimeter/users/user-abc-1":
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/admin/realms/perimeter/users/"):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "User not found"})

	case r.Method == http.MethodGet && r.URL.Path == "/admin/realms/perimeter/groups":
		writeJSON(w, http.StatusOK, []map[string]interface{}{
			{"id": "grp-1", "name": "developers"},
			{"id": "grp-2", "name": "platform-admins"},
		})

	case r.Method == http.MethodPut && r.URL.Path == "/admin/realms/perimeter/users/user-abc-1/groups/grp-2":
		w.WriteHeader(http.StatusNoContent)

	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown route " + r.Method + " " + r.URL.Path})
	}
}

func (p *fakeProvider) logins() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loginCount
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type recordingAudit struct {
	events  []audit.Event
	failure error
}

func (r *recordingAudit) Write(e audit.Event) error {
	if r.failure != nil {
		return r.failure
	}
	r.events = append(r.events, e)
	return nil
}

func newGateway(p *fakeProvider, log audit.Writer) *directory.Gateway {
	return directory.NewGateway(p.srv.URL, "perimeter", "master", "keygate-admin", "secret", log)
}

func TestCreateUser(t *testing.T) {
	provider := newFakeProvider(t)
	log := &recordingAudit{}
	gw := newGateway(provider, log)

	created, err := gw.CreateUser(context.Background(), "root", directory.User{
		Username: "newbie",
		Email:    "newbie@example.com",
		Enabled:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, "user-abc-1", created.ID)

	require.Len(t, log.events, 1)
	assert.Equal(t, "root", log.events[0].Actor)
	assert.Equal(t, audit.ActionUserCreate, log.events[0].Action)
	assert.Equal(t, "newbie", log.events[0].Target)
}

func TestCreateUserConflict(t *testing.T) {
	provider := newFakeProvider(t)
	log := &recordingAudit{}
	gw := newGateway(provider, log)

	_, err := gw.CreateUser(context.Background(), "root", directory.User{Username: "existing", Enabled: true})
	assert.ErrorIs(t, err, apierror.ErrConflict)
	assert.Empty(t, log.events, "failed mutations write no success record")
}

func TestListUsers(t *testing.T) {
	provider := newFakeProvider(t)
	gw := newGateway(provider, &recordingAudit{})

	users, err := gw.ListUsers(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "rocky", users[0].Username)
}

func TestGetUserWithGroups(t *testing.T) {
	provider := newFakeProvider(t)
	gw := newGateway(provider, &recordingAudit{})

	user, err := gw.GetUser(context.Background(), "user-abc-1")
	require.NoError(t, err)
	assert.Equal(t, "rocky", user.Username)
	assert.Equal(t, []string{"developers"}, user.Groups)
}

func TestGetUserNotFound(t *testing.T) {
	provider := newFakeProvider(t)
	gw := newGateway(provider, &recordingAudit{})

	_, err := gw.GetUser(context.Background(), "no-such-user")
	assert.ErrorIs(t, err, apierror.ErrNotFound)
}

func TestDeleteUser(t *testing.T) {
	provider := newFakeProvider(t)
	log := &recordingAudit{}
	gw := newGateway(provider, log)

	require.NoError(t, gw.DeleteUser(context.Background(), "root", "user-abc-1"))
	require.Len(t, log.events, 1)
	assert.Equal(t, audit.ActionUserDelete, log.events[0].Action)
	assert.Equal(t, "user-abc-1", log.events[0].Target)
}

func TestDeleteUserNotFound(t *testing.T) {
	provider := newFakeProvider(t)
	gw := newGateway(provider, &recordingAudit{})

	err := gw.DeleteUser(context.Background(), "root", "no-such-user")
	assert.ErrorIs(t, err, apierror.ErrNotFound)
}

func TestListGroups(t *testing.T) {
	provider := newFakeProvider(t)
	gw := newGateway(provider, &recordingAudit{})

	groups, err := gw.ListGroups(context.Background())
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "developers", groups[0].Name)
}

func TestAddUserToGroup(t *testing.T) {
	provider := newFakeProvider(t)
	log := &recordingAudit{}
	gw := newGateway(provider, log)

	require.NoError(t, gw.AddUserToGroup(context.Background(), "root", "user-abc-1", "grp-2"))
	require.Len(t, log.events, 1)
	assert.Equal(t, audit.ActionGroupAdd, log.events[0].Action)
	assert.Equal(t, "user-abc-1/grp-2", log.events[0].Target)
}

func TestAdminCredentialIsCached(t *testing.T) {
	provider := newFakeProvider(t)
	gw := newGateway(provider, &recordingAudit{})

	_, err := gw.ListUsers(context.Background(), "")
	require.NoError(t, err)
	_, err = gw.ListGroups(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, provider.logins(), "second call must reuse the cached admin credential")
}

func TestAuditWriteFailure(t *testing.T) {
	provider := newFakeProvider(t)
	log := &recordingAudit{failure: fmt.Errorf("disk full")}
	gw := newGateway(provider, log)

	err := gw.DeleteUser(context.Background(), "root", "user-abc-1")
	assert.ErrorIs(t, err, apierror.ErrAuditWriteFailed)
}

func TestProviderUnreachable(t *testing.T) {
	provider := newFakeProvider(t)
	gw := newGateway(provider, &recordingAudit{})
	provider.srv.Close()

	_, err := gw.ListUsers(context.Background(), "")
	assert.ErrorIs(t, err, apierror.ErrUpstreamUnavailable)
}
