package roles_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimeterlab/keygate/internal/apierror"
	"github.com/perimeterlab/keygate/internal/roles"
)

func testTable(t *testing.T) *roles.Table {
	t.Helper()
	table, err := roles.New([]roles.Role{
		{
			Name:       "developer",
			VaultRole:  "ssh-developer",
			MaxTTL:     2 * time.Hour,
			Principals: []string{"rocky"},
			Precedence: 10,
			Groups:     []string{"developers"},
		},
		{
			Name:       "admin",
			VaultRole:  "ssh-admin",
			MaxTTL:     12 * time.Hour,
			Principals: []string{"root", "rocky"},
			Precedence: 100,
			Groups:     []string{"platform-admins"},
		},
	})
	require.NoError(t, err)
	return table
}

func TestResolve(t *testing.T) {
	table := testTable(t)

	t.Run("admin group resolves to admin tier", func(t *testing.T) {
		role, err := table.Resolve([]string{"platform-admins"})
		require.NoError(t, err)
		assert.Equal(t, "admin", role.Name)
		assert.Equal(t, []string{"root", "rocky"}, role.Principals)
		assert.Equal(t, 12*time.Hour, role.MaxTTL)
	})

	t.Run("developer group resolves to developer tier", func(t *testing.T) {
		role, err := table.Resolve([]string{"developers"})
		require.NoError(t, err)
		assert.Equal(t, "developer", role.Name)
		assert.Equal(t, []string{"rocky"}, role.Principals)
		assert.Equal(t, 2*time.Hour, role.MaxTTL)
	})

	t.Run("highest precedence wins with multiple groups", func(t *testing.T) {
		role, err := table.Resolve([]string{"developers", "platform-admins"})
		require.NoError(t, err)
		assert.Equal(t, "admin", role.Name)
	})

	t.Run("empty group set yields no eligible role", func(t *testing.T) {
		_, err := table.Resolve([]string{})
		assert.ErrorIs(t, err, apierror.ErrNoEligibleRole)
	})

	t.Run("unmapped groups yield no eligible role", func(t *testing.T) {
		_, err := table.Resolve([]string{"guests", "contractors"})
		assert.ErrorIs(t, err, apierror.ErrNoEligibleRole)
	})
}

func TestResolveIsDeterministic(t *testing.T) {
	table := testTable(t)
	groups := []string{"developers", "platform-admins"}

	first, err := table.Resolve(groups)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		role, err := table.Resolve(groups)
		require.NoError(t, err)
		assert.Equal(t, first, role)
	}
}

func TestEqualPrecedenceTieBreak(t *testing.T) {
	// Two roles share a precedence rank; lexical role-name order decides.
	table, err := roles.New([]roles.Role{
		{Name: "zeta", VaultRole: "ssh-zeta", MaxTTL: time.Hour, Precedence: 50, Groups: []string{"ops"}},
		{Name: "alpha", VaultRole: "ssh-alpha", MaxTTL: time.Hour, Precedence: 50, Groups: []string{"ops"}},
	})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		role, err := table.Resolve([]string{"ops"})
		require.NoError(t, err)
		assert.Equal(t, "alpha", role.Name)
	}
}

func TestVisible(t *testing.T) {
	table := testTable(t)

	t.Run("admin sees only roles mapped to their groups", func(t *testing.T) {
		visible := table.Visible([]string{"platform-admins"})
		require.Len(t, visible, 1)
		assert.Equal(t, "admin", visible[0].Name)
	})

	t.Run("member of both groups sees both, highest first", func(t *testing.T) {
		visible := table.Visible([]string{"developers", "platform-admins"})
		require.Len(t, visible, 2)
		assert.Equal(t, "admin", visible[0].Name)
		assert.Equal(t, "developer", visible[1].Name)
	})

	t.Run("no groups sees nothing", func(t *testing.T) {
		assert.Empty(t, table.Visible(nil))
	})
}

func TestAdmin(t *testing.T) {
	table := testTable(t)
	assert.Equal(t, "admin", table.Admin().Name)
}

func TestLoadYAML(t *testing.T) {
	data := []byte(`
roles:
  - name: admin
    vault_role: ssh-admin
    max_ttl: 12h
    principals: [root, rocky]
    precedence: 100
    groups: [platform-admins]
  - name: developer
    vault_role: ssh-developer
    max_ttl: 2h
    principals: [rocky]
    precedence: 10
    groups: [developers]
`)
	table, err := roles.Load(data)
	require.NoError(t, err)

	role, err := table.Resolve([]string{"platform-admins"})
	require.NoError(t, err)
	assert.Equal(t, 12*time.Hour, role.MaxTTL)
	assert.Equal(t, "ssh-admin", role.VaultRole)
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name  string
		roles []roles.Role
	}{
		{"empty table", nil},
		{"missing vault role", []roles.Role{{Name: "a", MaxTTL: time.Hour, Groups: []string{"g"}}}},
		{"zero ttl", []roles.Role{{Name: "a", VaultRole: "v", Groups: []string{"g"}}}},
		{"no groups", []roles.Role{{Name: "a", VaultRole: "v", MaxTTL: time.Hour}}},
		{"duplicate names", []roles.Role{
			{Name: "a", VaultRole: "v", MaxTTL: time.Hour, Groups: []string{"g"}},
			{Name: "a", VaultRole: "v2", MaxTTL: time.Hour, Groups: []string{"g2"}},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := roles.New(tc.roles)
			assert.Error(t, err)
		})
	}
}
