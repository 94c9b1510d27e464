// Package policy holds the versioned approval policy: authority levels per
// role, the per-action validation rule table, SLA targets and triggers,
// hierarchy minimums and the role→operation permission table.
package policy

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/errors"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/repository"
)

// Limit is a maximum authorized amount.
type Limit struct {
	Amount    decimal.Decimal `json:"amount"`
	Unlimited bool            `json:"unlimited"`
}

// Covers reports whether amount is within the limit.
func (l Limit) Covers(amount decimal.Decimal) bool {
	return l.Unlimited || amount.LessThanOrEqual(l.Amount)
}

// Level is one row of the authority table.
type Level struct {
	Role               repository.Role `json:"role"`
	Max                Limit           `json:"max"`
	RequiresEscalation bool            `json:"requiresEscalation"`
	CanOverride        bool            `json:"canOverride"`
}

// ActionRule is one row of the decision rule table.
type ActionRule struct {
	Action                    repository.Action      `json:"action"`
	MinNotes                  int                    `json:"minNotes"`
	RequiredFields            []string               `json:"requiredFields"`
	RequiresConditions        bool                   `json:"requiresConditions"`
	BlockedRisk               []repository.RiskLevel `json:"blockedRisk,omitempty"`
	SecondaryThreshold        *decimal.Decimal       `json:"secondaryThreshold,omitempty"`
	RequiresOverrideAuthority bool                   `json:"requiresOverrideAuthority"`
}

// Blocks reports whether the rule forbids the action at risk level.
func (r ActionRule) Blocks(level repository.RiskLevel) bool {
	for _, b := range r.BlockedRisk {
		if b == level {
			return true
		}
	}
	return false
}

// SLAPolicy configures targets, allowances and default triggers.
type SLAPolicy struct {
	AtRiskPct                 float64
	MaxExtension              time.Duration
	ExtensionJustificationMin int
	Targets                   map[repository.Priority]time.Duration
	StageAllowance            map[repository.Stage]time.Duration
	Triggers                  []TriggerTemplate
}

// Target returns the completion target for priority, falling back to medium.
func (s SLAPolicy) Target(p repository.Priority) time.Duration {
	if d, ok := s.Targets[p]; ok {
		return d
	}
	return s.Targets[repository.PriorityMedium]
}

// TriggerTemplate seeds one escalation trigger on every new workflow.
type TriggerTemplate struct {
	Condition  repository.TriggerCondition
	Action     repository.TriggerAction
	TargetRole repository.Role
}

// HierarchyPolicy holds minimum text lengths for side-transitions.
type HierarchyPolicy struct {
	AuditReasonMin           int
	PriorityJustificationMin int
	JustificationMin         map[string]int
}

// Justification returns the minimum justification length for a hierarchy operation.
func (h HierarchyPolicy) Justification(op string) int {
	return h.JustificationMin[op]
}

// Policy is an immutable, validated policy version.
type Policy struct {
	version    string
	levels     map[repository.Role]Level
	stageRoles map[repository.Stage]repository.Role
	rules      map[repository.Action]ActionRule
	sla        SLAPolicy
	hierarchy  HierarchyPolicy
	perms      *Permissions
}

// Version identifies the loaded document.
func (p *Policy) Version() string { return p.version }

// SLA returns the SLA section.
func (p *Policy) SLA() SLAPolicy { return p.sla }

// Hierarchy returns the hierarchy section.
func (p *Policy) Hierarchy() HierarchyPolicy { return p.hierarchy }

// Permissions returns the role→operation table.
func (p *Policy) Permissions() *Permissions { return p.perms }

// Level returns the authority row for role. The system actor uses the
// highest level.
func (p *Policy) Level(role repository.Role) (Level, error) {
	if role == repository.RoleSystem {
		role = repository.RoleSuperAdmin
	}
	l, ok := p.levels[role]
	if !ok {
		return Level{}, errors.Configuration("unknown role " + string(role))
	}
	return l, nil
}

// StageRole returns the role that owns stage.
func (p *Policy) StageRole(stage repository.Stage) (repository.Role, error) {
	r, ok := p.stageRoles[stage]
	if !ok {
		return "", errors.Configuration("no role configured for stage " + string(stage))
	}
	return r, nil
}

// StageFor returns the stage owned by role.
func (p *Policy) StageFor(role repository.Role) (repository.Stage, error) {
	for _, st := range repository.StageOrder {
		if r, ok := p.stageRoles[st]; ok && r == role {
			return st, nil
		}
	}
	return "", errors.Configuration("no stage configured for role " + string(role))
}

// MaxAmount returns what role may authorize at stage. A role ranked below the
// stage's owner may authorize nothing there.
func (p *Policy) MaxAmount(stage repository.Stage, role repository.Role) (Limit, error) {
	owner, err := p.StageRole(stage)
	if err != nil {
		return Limit{}, err
	}
	level, err := p.Level(role)
	if err != nil {
		return Limit{}, err
	}
	if role.Rank() < owner.Rank() {
		return Limit{Amount: decimal.Zero}, nil
	}
	return level.Max, nil
}

// RequiresEscalation reports whether amount exceeds what role may authorize
// at stage and the role's level demands escalation in that case.
func (p *Policy) RequiresEscalation(stage repository.Stage, amount decimal.Decimal, role repository.Role) (bool, error) {
	limit, err := p.MaxAmount(stage, role)
	if err != nil {
		return false, err
	}
	level, err := p.Level(role)
	if err != nil {
		return false, err
	}
	return level.RequiresEscalation && !limit.Covers(amount), nil
}

// CanOverride reports whether role may use the override action.
func (p *Policy) CanOverride(role repository.Role) bool {
	l, err := p.Level(role)
	return err == nil && l.CanOverride
}

// Rule returns the rule row for action.
func (p *Policy) Rule(action repository.Action) (ActionRule, error) {
	r, ok := p.rules[action]
	if !ok {
		return ActionRule{}, errors.Configuration("no rule configured for action " + string(action))
	}
	return r, nil
}

// Allowed reports whether role may perform operation.
func (p *Policy) Allowed(role repository.Role, operation string) bool {
	return p.perms.Allowed(role, operation)
}

// NewTriggers instantiates the default escalation triggers with fresh IDs.
func (p *Policy) NewTriggers(newID func() string) []repository.EscalationTrigger {
	out := make([]repository.EscalationTrigger, 0, len(p.sla.Triggers))
	for _, t := range p.sla.Triggers {
		out = append(out, repository.EscalationTrigger{
			ID:         newID(),
			Condition:  t.Condition,
			Action:     t.Action,
			TargetRole: t.TargetRole,
		})
	}
	return out
}
