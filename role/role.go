// Package role loads the Role Registry: the YAML-declared set of
// personas a Task or DAG node resolves its system prompt, default file
// scopes, and default agent kind against.
package role

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	conduit "github.com/forgeworks/conduit"
)

// fileSpec is the on-disk shape of roles.yaml: a top-level "roles" list,
// each entry mapping directly onto conduit.Role.
type fileSpec struct {
	Roles []roleSpec `yaml:"roles"`
}

type roleSpec struct {
	ID               string   `yaml:"id"`
	Description      string   `yaml:"description"`
	SystemPrompt     string   `yaml:"system_prompt"`
	DefaultAllow     []string `yaml:"default_allow"`
	DefaultDeny      []string `yaml:"default_deny"`
	DefaultModelHint string   `yaml:"default_model_hint"`
	DefaultAgentKind string   `yaml:"default_agent_kind"`
	Capabilities     []string `yaml:"capabilities"`
}

// Registry is an in-memory, immutable-after-load conduit.RoleRegistry
// backed by a roles.yaml file. It is safe for concurrent reads.
type Registry struct {
	roles map[string]conduit.Role
}

// Load reads and parses a roles.yaml file at path into a Registry.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roles file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Registry from raw roles.yaml bytes, exported so callers
// that fetch the file from somewhere other than the local disk (a config
// store entry, an embedded default) can still build a Registry.
func Parse(data []byte) (*Registry, error) {
	var spec fileSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse roles file: %w", err)
	}
	roles := make(map[string]conduit.Role, len(spec.Roles))
	for _, rs := range spec.Roles {
		if rs.ID == "" {
			return nil, fmt.Errorf("role missing id")
		}
		if _, dup := roles[rs.ID]; dup {
			return nil, fmt.Errorf("duplicate role id %q", rs.ID)
		}
		roles[rs.ID] = conduit.Role{
			ID:               rs.ID,
			Description:      rs.Description,
			SystemPrompt:     rs.SystemPrompt,
			DefaultAllow:     rs.DefaultAllow,
			DefaultDeny:      rs.DefaultDeny,
			DefaultModelHint: rs.DefaultModelHint,
			DefaultAgentKind: conduit.AgentKind(rs.DefaultAgentKind),
			Capabilities:     rs.Capabilities,
		}
	}
	return &Registry{roles: roles}, nil
}

// Lookup implements conduit.RoleRegistry.
func (r *Registry) Lookup(roleID string) (conduit.Role, bool) {
	role, ok := r.roles[roleID]
	return role, ok
}

// List returns every registered role, in no particular order, for the
// Planner Client's role enumeration in its system prompt.
func (r *Registry) List() []conduit.Role {
	out := make([]conduit.Role, 0, len(r.roles))
	for _, role := range r.roles {
		out = append(out, role)
	}
	return out
}

var _ conduit.RoleRegistry = (*Registry)(nil)
