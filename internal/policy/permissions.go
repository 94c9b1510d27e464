package policy

import (
	"fmt"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/repository"
)

const permissionModel = `
[request_definition]
r = sub, act

[policy_definition]
p = sub, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && (r.act == p.act || p.act == "*")
`

// Operation names checked against the permission table in addition to the
// decision actions.
const (
	OpComment           = "comment"
	OpExtendSLA         = "extend_sla"
	OpAdjustPriority    = "adjust_priority"
	OpHold              = "hold"
	OpResume            = "resume"
	OpDelegate          = "delegate"
	OpReassign          = "reassign"
	OpEscalateHierarchy = "escalate_hierarchy"
	OpOverrideHierarchy = "override_hierarchy"
	OpSatisfyCondition  = "satisfy_condition"
	OpResolveFlag       = "resolve_flag"
	OpBulkDecide        = "bulk_decide"
	OpViewAudit         = "view_audit"
)

// Permissions answers role→operation questions through a casbin enforcer
// built from the policy document.
type Permissions struct {
	enforcer *casbin.Enforcer
}

func newPermissions(grants map[string][]string, inherits map[string]string) (*Permissions, error) {
	m, err := model.NewModelFromString(permissionModel)
	if err != nil {
		return nil, fmt.Errorf("permission model: %w", err)
	}
	enforcer, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("permission enforcer: %w", err)
	}

	for role, actions := range grants {
		for _, act := range actions {
			if _, err := enforcer.AddPolicy(subject(role), act); err != nil {
				return nil, fmt.Errorf("grant %s to %s: %w", act, role, err)
			}
		}
	}
	for child, parent := range inherits {
		if _, err := enforcer.AddGroupingPolicy(subject(child), subject(parent)); err != nil {
			return nil, fmt.Errorf("inherit %s from %s: %w", child, parent, err)
		}
	}
	return &Permissions{enforcer: enforcer}, nil
}

// Allowed reports whether role may perform operation. The system actor is
// always allowed.
func (p *Permissions) Allowed(role repository.Role, operation string) bool {
	if role == repository.RoleSystem {
		return true
	}
	ok, err := p.enforcer.Enforce(subject(string(role)), operation)
	return err == nil && ok
}

// Operations lists every operation role may perform, including inherited ones.
func (p *Permissions) Operations(role repository.Role, candidates []string) []string {
	var out []string
	for _, op := range candidates {
		if p.Allowed(role, op) {
			out = append(out, op)
		}
	}
	return out
}

func subject(role string) string { return "role:" + role }
