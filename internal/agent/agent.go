package agent

import (
	"context"
	"fmt"
	"time"

	"forgeline/internal/config"
)

// Roles form a closed set; there is no plugin loading.
const (
	RolePlanner  = "planner"
	RoleCodegen  = "codegen"
	RoleQA       = "qa"
	RoleReviewer = "reviewer"
	RoleDevOps   = "devops"
)

type Inputs map[string]any

type Outputs map[string]any

// Context carries everything an agent invocation may depend on. It is built
// once per run and passed explicitly; agents hold no global state.
type Context struct {
	TenantID  string
	RunID     string
	Iteration int
	Caching   bool
	SafeMode  bool
	Provider  Provider
	Config    *config.Config
	Now       func() time.Time
}

func (c Context) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Agent is the uniform capability contract. Agents must not mutate state
// outside their declared outputs.
type Agent interface {
	Role() string
	Execute(ctx context.Context, actx Context, action string, inputs Inputs) (Outputs, error)
}

// Registry holds the built-in agent set keyed by role.
type Registry struct {
	agents map[string]Agent
}

// NewRegistry wires the built-in agents.
func NewRegistry() *Registry {
	r := &Registry{agents: map[string]Agent{}}
	for _, a := range []Agent{Planner{}, Codegen{}, QA{}, Reviewer{}, DevOps{}} {
		r.agents[a.Role()] = a
	}
	return r
}

func (r *Registry) Get(role string) (Agent, error) {
	a, ok := r.agents[role]
	if !ok {
		return nil, fmt.Errorf("unknown agent role %s", role)
	}
	return a, nil
}

func (r *Registry) Roles() []string {
	roles := make([]string, 0, len(r.agents))
	for role := range r.agents {
		roles = append(roles, role)
	}
	return roles
}

func stringInput(inputs Inputs, key string) string {
	if v, ok := inputs[key].(string); ok {
		return v
	}
	return ""
}

func boolInput(inputs Inputs, key string) bool {
	v, _ := inputs[key].(bool)
	return v
}

func intInput(inputs Inputs, key string) int {
	switch v := inputs[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
