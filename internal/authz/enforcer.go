// Package authz wraps a Casbin enforcer: embedded RBAC model and policy,
// loaded once at construction, with no file-adapter reload path since the
// bridge's method/access-level table is fixed at build time rather than
// operator-editable. There is no decision cache: the bridge calls Enforce
// at most once per L2 request, which is not hot enough to need one, and
// access-denial events are already logged and counted by the wiring layer
// that calls this package.
package authz

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

//go:embed model.conf
var embeddedModel string

//go:embed policy.csv
var embeddedPolicy string

// Enforcer wraps a Casbin enforcer built from the bridge's embedded RBAC
// model: subjects are BRIDGE_ACCESS_LEVEL values (readonly/restricted/
// full), objects are L2 method names grouped into classes via a g2 role
// mapping (readonly-class/authoring-class/destructive-class), and the one
// action is "call".
type Enforcer struct {
	e *casbin.Enforcer
}

// NewEnforcer builds an Enforcer from the embedded model and policy.
func NewEnforcer() (*Enforcer, error) {
	m, err := model.NewModelFromString(embeddedModel)
	if err != nil {
		return nil, fmt.Errorf("authz: load casbin model: %w", err)
	}
	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("authz: construct casbin enforcer: %w", err)
	}
	if err := loadEmbeddedPolicy(e, embeddedPolicy); err != nil {
		return nil, fmt.Errorf("authz: load embedded policy: %w", err)
	}
	return &Enforcer{e: e}, nil
}

// loadEmbeddedPolicy parses the embedded policy CSV, adding "p" rows as
// policies and "g2" rows as the object-role grouping.
func loadEmbeddedPolicy(e *casbin.Enforcer, policy string) error {
	for _, line := range strings.Split(policy, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) < 3 {
			continue
		}
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		ptype, rule := parts[0], parts[1:]
		switch ptype {
		case "p":
			if _, err := e.AddPolicy(rule[0], rule[1], rule[2]); err != nil {
				return fmt.Errorf("add policy %v: %w", rule, err)
			}
		case "g2":
			if _, err := e.AddNamedGroupingPolicy("g2", rule[0], rule[1]); err != nil {
				return fmt.Errorf("add g2 grouping %v: %w", rule, err)
			}
		}
	}
	return nil
}

// Enforce reports whether subject may perform action on object.
func (en *Enforcer) Enforce(subject, object, action string) (bool, error) {
	allowed, err := en.e.Enforce(subject, object, action)
	if err != nil {
		return false, fmt.Errorf("authz: enforce: %w", err)
	}
	return allowed, nil
}
