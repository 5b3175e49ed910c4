// Package roles maps identity-provider group memberships to authorization
// tiers. The mapping is a static table loaded at startup; resolution is a
// pure function of the group set and the table.
package roles

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/perimeterlab/keygate/internal/apierror"
)

// Role is one authorization tier. Roles are immutable after load.
type Role struct {
	Name       string        `yaml:"name"`
	VaultRole  string        `yaml:"vault_role"`
	MaxTTL     time.Duration `yaml:"max_ttl"`
	Principals []string      `yaml:"principals"`
	Precedence int           `yaml:"precedence"`
	Groups     []string      `yaml:"groups"`
}

// UnmarshalYAML accepts max_ttl in Go duration notation ("12h").
func (r *Role) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Name       string   `yaml:"name"`
		VaultRole  string   `yaml:"vault_role"`
		MaxTTL     string   `yaml:"max_ttl"`
		Principals []string `yaml:"principals"`
		Precedence int      `yaml:"precedence"`
		Groups     []string `yaml:"groups"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	var ttl time.Duration
	if raw.MaxTTL != "" {
		parsed, err := time.ParseDuration(raw.MaxTTL)
		if err != nil {
			return fmt.Errorf("role %s: invalid max_ttl: %w", raw.Name, err)
		}
		ttl = parsed
	}

	*r = Role{
		Name:       raw.Name,
		VaultRole:  raw.VaultRole,
		MaxTTL:     ttl,
		Principals: raw.Principals,
		Precedence: raw.Precedence,
		Groups:     raw.Groups,
	}
	return nil
}

// Table is the ordered precedence table. Entries are sorted by descending
// precedence, ties broken lexically by role name, so resolution order is
// fully deterministic.
type Table struct {
	roles []Role
}

type rolesFile struct {
	Roles []Role `yaml:"roles"`
}

// LoadFile reads the role policy from a YAML file.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roles file: %w", err)
	}
	return Load(data)
}

// Load parses role policy YAML and builds the precedence table.
func Load(data []byte) (*Table, error) {
	var f rolesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse roles file: %w", err)
	}
	return New(f.Roles)
}

// New builds a Table from role descriptors.
func New(entries []Role) (*Table, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("role table is empty")
	}

	seen := make(map[string]struct{}, len(entries))
	for _, r := range entries {
		if r.Name == "" {
			return nil, fmt.Errorf("role with empty name")
		}
		if _, dup := seen[r.Name]; dup {
			return nil, fmt.Errorf("duplicate role name: %s", r.Name)
		}
		seen[r.Name] = struct{}{}
		if r.VaultRole == "" {
			return nil, fmt.Errorf("role %s: missing vault_role", r.Name)
		}
		if r.MaxTTL <= 0 {
			return nil, fmt.Errorf("role %s: max_ttl must be greater than 0", r.Name)
		}
		if len(r.Groups) == 0 {
			return nil, fmt.Errorf("role %s: no groups mapped", r.Name)
		}
	}

	sorted := make([]Role, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Precedence != sorted[j].Precedence {
			return sorted[i].Precedence > sorted[j].Precedence
		}
		return sorted[i].Name < sorted[j].Name
	})

	return &Table{roles: sorted}, nil
}

// Resolve returns the single highest-precedence role matching any of the
// caller's groups. Equal precedence falls back to lexical role-name order.
func (t *Table) Resolve(groups []string) (Role, error) {
	set := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		set[g] = struct{}{}
	}

	for _, r := range t.roles {
		for _, g := range r.Groups {
			if _, ok := set[g]; ok {
				return r, nil
			}
		}
	}
	return Role{}, fmt.Errorf("%w: groups %v match no role", apierror.ErrNoEligibleRole, groups)
}

// Lookup finds a role by name.
func (t *Table) Lookup(name string) (Role, bool) {
	for _, r := range t.roles {
		if r.Name == name {
			return r, true
		}
	}
	return Role{}, false
}

// Visible returns every role the given group set is entitled to, highest
// precedence first.
func (t *Table) Visible(groups []string) []Role {
	set := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		set[g] = struct{}{}
	}

	var out []Role
	for _, r := range t.roles {
		for _, g := range r.Groups {
			if _, ok := set[g]; ok {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// Admin returns the top-precedence role. Administrative endpoints are gated
// to exactly this tier.
func (t *Table) Admin() Role {
	return t.roles[0]
}
