package policy

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/errors"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/repository"
)

//go:embed default_policy.yaml
var defaultDocument []byte

// Source names where the policy document is read from.
const (
	SourceEmbedded = "embedded"
	SourceFile     = "file"
	SourceDatabase = "database"
)

type document struct {
	Version     string               `yaml:"version"`
	Authority   map[string]levelDoc  `yaml:"authority"`
	StageRoles  map[string]string    `yaml:"stage_roles"`
	Actions     map[string]actionDoc `yaml:"actions"`
	SLA         slaDoc               `yaml:"sla"`
	Hierarchy   hierarchyDoc         `yaml:"hierarchy"`
	Permissions permissionsDoc       `yaml:"permissions"`
}

type levelDoc struct {
	MaxAmount          string `yaml:"max_amount"`
	RequiresEscalation bool   `yaml:"requires_escalation"`
	CanOverride        bool   `yaml:"can_override"`
}

type actionDoc struct {
	MinNotes                  int      `yaml:"min_notes"`
	RequiredFields            []string `yaml:"required_fields"`
	RequiresConditions        bool     `yaml:"requires_conditions"`
	BlockedRisk               []string `yaml:"blocked_risk"`
	SecondaryThreshold        string   `yaml:"secondary_threshold"`
	RequiresOverrideAuthority bool     `yaml:"requires_override_authority"`
}

type slaDoc struct {
	AtRiskPct                 float64            `yaml:"at_risk_pct"`
	MaxExtensionHours         float64            `yaml:"max_extension_hours"`
	ExtensionJustificationMin int                `yaml:"extension_justification_min"`
	TargetsHours              map[string]float64 `yaml:"targets_hours"`
	StageAllowanceHours       map[string]float64 `yaml:"stage_allowance_hours"`
	Triggers                  []triggerDoc       `yaml:"triggers"`
}

type triggerDoc struct {
	Condition  repository.TriggerCondition `yaml:"condition"`
	Action     string                      `yaml:"action"`
	TargetRole string                      `yaml:"target_role"`
}

type hierarchyDoc struct {
	AuditReasonMin           int            `yaml:"audit_reason_min"`
	PriorityJustificationMin int            `yaml:"priority_justification_min"`
	JustificationMin         map[string]int `yaml:"justification_min"`
}

type permissionsDoc struct {
	Inherits map[string]string   `yaml:"inherits"`
	Grants   map[string][]string `yaml:"grants"`
}

// DefaultDocument returns the embedded policy document.
func DefaultDocument() []byte {
	return append([]byte(nil), defaultDocument...)
}

// Default parses the embedded policy document.
func Default() (*Policy, error) {
	return Parse(defaultDocument)
}

// LoadFile parses a policy document from disk.
func LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfiguration, "failed to read policy file")
	}
	return Parse(data)
}

// Load resolves the policy from source. For the database source an empty
// version selects the active record.
func Load(ctx context.Context, source, path, version string, store repository.PolicyStore) (*Policy, error) {
	switch source {
	case "", SourceEmbedded:
		return Default()
	case SourceFile:
		return LoadFile(path)
	case SourceDatabase:
		if store == nil {
			return nil, errors.Configuration("database policy source requires a policy store")
		}
		var (
			rec *repository.PolicyRecord
			err error
		)
		if version == "" {
			rec, err = store.GetActive(ctx)
		} else {
			rec, err = store.GetByVersion(ctx, version)
		}
		if err != nil {
			return nil, err
		}
		p, err := Parse(rec.Document)
		if err != nil {
			return nil, err
		}
		if p.version != rec.Version {
			return nil, errors.Configuration(fmt.Sprintf("stored policy %s declares version %s", rec.Version, p.version))
		}
		return p, nil
	}
	return nil, errors.Configuration("unknown policy source " + source)
}

// Parse decodes and validates a policy document. Every problem found is
// reported in the error details.
func Parse(data []byte) (*Policy, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfiguration, "failed to parse policy document")
	}

	b := &builder{}
	p := b.build(&doc)
	if len(b.problems) > 0 {
		return nil, errors.Configuration("invalid policy document: "+strings.Join(b.problems, "; ")).
			WithDetail("problems", b.problems)
	}

	perms, err := newPermissions(doc.Permissions.Grants, doc.Permissions.Inherits)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfiguration, "invalid permission table")
	}
	p.perms = perms
	return p, nil
}

type builder struct {
	problems []string
}

func (b *builder) fail(format string, args ...any) {
	b.problems = append(b.problems, fmt.Sprintf(format, args...))
}

func (b *builder) build(doc *document) *Policy {
	p := &Policy{
		version:    doc.Version,
		levels:     make(map[repository.Role]Level),
		stageRoles: make(map[repository.Stage]repository.Role),
		rules:      make(map[repository.Action]ActionRule),
	}
	if doc.Version == "" {
		b.fail("version is required")
	}

	b.buildLevels(doc, p)
	b.buildStageRoles(doc, p)
	b.buildRules(doc, p)
	b.buildSLA(doc, p)
	b.buildHierarchy(doc, p)
	b.checkPermissions(doc)
	return p
}

func (b *builder) buildLevels(doc *document, p *Policy) {
	ranked := []repository.Role{repository.RoleClerk, repository.RoleManager, repository.RoleAdmin, repository.RoleSuperAdmin}
	var prev *Limit
	for _, role := range ranked {
		ld, ok := doc.Authority[string(role)]
		if !ok {
			b.fail("authority level %s is missing", role)
			continue
		}
		level := Level{Role: role, RequiresEscalation: ld.RequiresEscalation, CanOverride: ld.CanOverride}
		if ld.MaxAmount == "" {
			level.Max = Limit{Unlimited: true}
		} else {
			amt, err := decimal.NewFromString(ld.MaxAmount)
			if err != nil || amt.IsNegative() {
				b.fail("authority level %s has invalid max_amount %q", role, ld.MaxAmount)
				continue
			}
			level.Max = Limit{Amount: amt}
		}
		if prev != nil && (prev.Unlimited && !level.Max.Unlimited || !level.Max.Unlimited && level.Max.Amount.LessThan(prev.Amount)) {
			b.fail("authority level %s must not be lower than the level below it", role)
		}
		lim := level.Max
		prev = &lim
		p.levels[role] = level
	}
	for name := range doc.Authority {
		if !repository.Role(name).Valid() || repository.Role(name) == repository.RoleSystem {
			b.fail("authority level %s is not a known role", name)
		}
	}
}

func (b *builder) buildStageRoles(doc *document, p *Policy) {
	for _, st := range repository.StageOrder {
		if st == repository.StageCompleted {
			continue
		}
		name, ok := doc.StageRoles[string(st)]
		if !ok {
			b.fail("stage %s has no role", st)
			continue
		}
		role := repository.Role(name)
		if _, ok := doc.Authority[name]; !ok {
			b.fail("stage %s maps to unknown role %s", st, name)
			continue
		}
		p.stageRoles[st] = role
	}
	for name := range doc.StageRoles {
		if st := repository.Stage(name); !st.Valid() || st == repository.StageCompleted {
			b.fail("stage_roles names unknown stage %s", name)
		}
	}
}

func (b *builder) buildRules(doc *document, p *Policy) {
	actions := []repository.Action{
		repository.ActionApprove, repository.ActionReject, repository.ActionEscalate,
		repository.ActionRequestInfo, repository.ActionConditionalApprove, repository.ActionOverride,
	}
	for _, action := range actions {
		ad, ok := doc.Actions[string(action)]
		if !ok {
			b.fail("action %s has no rule", action)
			continue
		}
		if ad.MinNotes < 0 {
			b.fail("action %s has negative min_notes", action)
		}
		rule := ActionRule{
			Action:                    action,
			MinNotes:                  ad.MinNotes,
			RequiredFields:            append([]string(nil), ad.RequiredFields...),
			RequiresConditions:        ad.RequiresConditions,
			RequiresOverrideAuthority: ad.RequiresOverrideAuthority,
		}
		for _, r := range ad.BlockedRisk {
			level := repository.RiskLevel(r)
			if level.Rank() < 0 {
				b.fail("action %s blocks unknown risk level %s", action, r)
				continue
			}
			rule.BlockedRisk = append(rule.BlockedRisk, level)
		}
		if ad.SecondaryThreshold != "" {
			amt, err := decimal.NewFromString(ad.SecondaryThreshold)
			if err != nil || amt.IsNegative() {
				b.fail("action %s has invalid secondary_threshold %q", action, ad.SecondaryThreshold)
			} else {
				rule.SecondaryThreshold = &amt
			}
		}
		p.rules[action] = rule
	}
}

func (b *builder) buildSLA(doc *document, p *Policy) {
	s := doc.SLA
	if s.AtRiskPct <= 0 || s.AtRiskPct >= 100 {
		b.fail("sla.at_risk_pct must be between 0 and 100")
	}
	if s.MaxExtensionHours < 0 {
		b.fail("sla.max_extension_hours must not be negative")
	}
	p.sla = SLAPolicy{
		AtRiskPct:                 s.AtRiskPct,
		MaxExtension:              hours(s.MaxExtensionHours),
		ExtensionJustificationMin: s.ExtensionJustificationMin,
		Targets:                   make(map[repository.Priority]time.Duration),
		StageAllowance:            make(map[repository.Stage]time.Duration),
	}
	for _, pr := range []repository.Priority{repository.PriorityUrgent, repository.PriorityHigh, repository.PriorityMedium, repository.PriorityLow} {
		h, ok := s.TargetsHours[string(pr)]
		if !ok || h <= 0 {
			b.fail("sla target for priority %s must be positive", pr)
			continue
		}
		p.sla.Targets[pr] = hours(h)
	}
	for name, h := range s.StageAllowanceHours {
		st := repository.Stage(name)
		if !st.Valid() || h <= 0 {
			b.fail("sla stage allowance %s is invalid", name)
			continue
		}
		p.sla.StageAllowance[st] = hours(h)
	}
	for i, t := range s.Triggers {
		if err := validateCondition(t.Condition); err != "" {
			b.fail("sla trigger %d: %s", i, err)
			continue
		}
		action := repository.TriggerAction(t.Action)
		if action != repository.TriggerActionNotify && action != repository.TriggerActionEscalate {
			b.fail("sla trigger %d has unknown action %s", i, t.Action)
			continue
		}
		role := repository.Role(t.TargetRole)
		if _, ok := doc.Authority[t.TargetRole]; !ok {
			b.fail("sla trigger %d targets unknown role %s", i, t.TargetRole)
			continue
		}
		p.sla.Triggers = append(p.sla.Triggers, TriggerTemplate{Condition: t.Condition, Action: action, TargetRole: role})
	}
}

func validateCondition(c repository.TriggerCondition) string {
	switch c.Type {
	case repository.TriggerElapsedPercent, repository.TriggerElapsedHours, repository.TriggerStageHours:
		if c.Threshold <= 0 {
			return "threshold must be positive"
		}
	case repository.TriggerAmountAbove:
		if _, err := decimal.NewFromString(c.Amount); err != nil {
			return "amount is not a decimal"
		}
	case repository.TriggerRiskAtLeast:
		if c.RiskLevel.Rank() < 0 {
			return "unknown risk level"
		}
	default:
		return "unknown condition type " + string(c.Type)
	}
	return ""
}

func (b *builder) buildHierarchy(doc *document, p *Policy) {
	h := doc.Hierarchy
	p.hierarchy = HierarchyPolicy{
		AuditReasonMin:           h.AuditReasonMin,
		PriorityJustificationMin: h.PriorityJustificationMin,
		JustificationMin:         make(map[string]int),
	}
	for _, op := range []string{"delegate", "reassign", "escalate", "override"} {
		n, ok := h.JustificationMin[op]
		if !ok || n <= 0 {
			b.fail("hierarchy justification minimum for %s must be positive", op)
			continue
		}
		p.hierarchy.JustificationMin[op] = n
	}
}

func (b *builder) checkPermissions(doc *document) {
	if len(doc.Permissions.Grants) == 0 {
		b.fail("permissions.grants is empty")
	}
	for role := range doc.Permissions.Grants {
		if _, ok := doc.Authority[role]; !ok {
			b.fail("permissions grant unknown role %s", role)
		}
	}
	for child, parent := range doc.Permissions.Inherits {
		if _, ok := doc.Authority[child]; !ok {
			b.fail("permissions inherit from unknown role %s", child)
		}
		if _, ok := doc.Authority[parent]; !ok {
			b.fail("permissions inherit unknown role %s", parent)
		}
	}
}

func hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}
