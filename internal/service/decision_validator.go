package service

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/policy"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/repository"
)

// DecisionInput is everything the validator looks at. Secondary is the
// resolved secondary approver, nil when none was named or the user is unknown.
type DecisionInput struct {
	Workflow  *repository.Workflow
	Actor     Actor
	Request   DecisionRequest
	Secondary *UserInfo
}

// DecisionValidator evaluates a proposed decision against the policy rule
// table. It has no side effects.
type DecisionValidator struct {
	policy *policy.Policy
}

// NewDecisionValidator creates a new DecisionValidator.
func NewDecisionValidator(p *policy.Policy) *DecisionValidator {
	return &DecisionValidator{policy: p}
}

// Validate runs every check in order and returns the report. The decision is
// valid iff no check failed with error or critical severity.
func (v *DecisionValidator) Validate(in DecisionInput) *ValidationReport {
	wf, req := in.Workflow, in.Request
	rep := &ValidationReport{Action: req.Action, PolicyVersion: v.policy.Version()}
	c := &checkList{}

	rule, err := v.policy.Rule(req.Action)
	if err != nil {
		c.fail("action_known", CategoryValidation, repository.SeverityCritical, "action",
			"unknown action %q", req.Action)
		rep.Checks = c.list
		return rep
	}
	c.pass("action_known", CategoryValidation)

	if wf.Status.Open() {
		c.pass("workflow_status", CategoryValidation)
	} else {
		c.fail("workflow_status", CategoryValidation, repository.SeverityCritical, "",
			"workflow is %s; decisions require pending or escalated", wf.Status)
	}
	if !wf.CurrentStage.Valid() || wf.CurrentStage == repository.StageCompleted {
		c.fail("workflow_stage", CategoryValidation, repository.SeverityCritical, "",
			"no decision can be taken at stage %s", wf.CurrentStage)
	}

	v.checkAuthority(c, in, rule)
	v.checkRisk(c, wf, rule)
	v.checkPayload(c, wf, req, rule)
	v.checkAuthorization(c, req)
	v.checkSecondary(c, rep, in, rule)
	if req.Action.Advances() {
		v.checkAdvisories(c, wf)
	}

	rep.Checks = c.list
	rep.Valid = len(rep.Failures()) == 0
	return rep
}

func (v *DecisionValidator) checkAuthority(c *checkList, in DecisionInput, rule policy.ActionRule) {
	wf, actor, req := in.Workflow, in.Actor, in.Request
	owner, err := v.policy.StageRole(wf.CurrentStage)
	if err != nil {
		return
	}

	if v.policy.Allowed(actor.Role, string(req.Action)) {
		c.pass("role_permission", CategoryAuthority)
	} else {
		c.fail("role_permission", CategoryAuthority, repository.SeverityError, "",
			"role %s may not %s", actor.Role, req.Action)
	}

	if actor.Role.Rank() < owner.Rank() {
		c.fail("stage_authority", CategoryAuthority, repository.SeverityError, "",
			"stage %s requires %s or above", wf.CurrentStage, owner)
	} else {
		c.pass("stage_authority", CategoryAuthority)
	}

	assigned := wf.CurrentApprover.UserID
	if assigned != "" && assigned != actor.ID && actor.Role.Rank() <= owner.Rank() {
		c.fail("assigned_approver", CategoryAuthority, repository.SeverityError, "",
			"workflow is assigned to %s", assigned)
	}

	if rule.RequiresOverrideAuthority {
		if v.policy.CanOverride(actor.Role) {
			c.pass("override_authority", CategoryAuthority)
		} else {
			c.fail("override_authority", CategoryAuthority, repository.SeverityCritical, "",
				"role %s has no override authority", actor.Role)
		}
	}

	if req.Action == repository.ActionApprove || req.Action == repository.ActionConditionalApprove {
		amount := wf.WithdrawalRequest.Amount
		limit, err := v.policy.MaxAmount(wf.CurrentStage, actor.Role)
		if err != nil {
			c.fail("amount_authority", CategoryAuthority, repository.SeverityError, "", "%v", err)
			return
		}
		if limit.Covers(amount) {
			c.pass("amount_authority", CategoryAuthority)
			return
		}
		escalate, _ := v.policy.RequiresEscalation(wf.CurrentStage, amount, actor.Role)
		if escalate {
			c.fail("amount_authority", CategoryAuthority, repository.SeverityError, "",
				"amount %s exceeds %s authority of %s; escalate", amount, actor.Role, limit.Amount)
		} else {
			c.warn("amount_authority", "",
				"amount %s exceeds %s authority of %s", amount, actor.Role, limit.Amount)
		}
	}
}

func (v *DecisionValidator) checkRisk(c *checkList, wf *repository.Workflow, rule policy.ActionRule) {
	level := wf.RiskAssessment.Level
	if rule.Blocks(level) {
		c.fail("blocked_risk", CategoryValidation, repository.SeverityCritical, "",
			"%s is not allowed at risk level %s", rule.Action, level)
		return
	}
	c.pass("blocked_risk", CategoryValidation)
}

func (v *DecisionValidator) checkPayload(c *checkList, wf *repository.Workflow, req DecisionRequest, rule policy.ActionRule) {
	if n := utf8.RuneCountInString(strings.TrimSpace(req.Notes)); n < rule.MinNotes {
		c.fail("notes_length", CategoryValidation, repository.SeverityError, "notes",
			"notes must be at least %d characters (got %d)", rule.MinNotes, n)
	} else {
		c.pass("notes_length", CategoryValidation)
	}

	for _, f := range rule.RequiredFields {
		if strings.TrimSpace(req.Field(f)) == "" {
			c.fail("required_field", CategoryValidation, repository.SeverityError, f, "%s is required", f)
		}
	}

	if req.Action == repository.ActionEscalate {
		if target := strings.TrimSpace(req.Field("escalation_target")); target != "" {
			stage, err := v.policy.StageFor(repository.Role(target))
			switch {
			case err != nil:
				c.fail("escalation_target", CategoryValidation, repository.SeverityError, "escalation_target",
					"unknown escalation target %q", target)
			case stage.Index() <= wf.CurrentStage.Index():
				c.fail("escalation_target", CategoryValidation, repository.SeverityError, "escalation_target",
					"escalation target %s is not above stage %s", target, wf.CurrentStage)
			default:
				c.pass("escalation_target", CategoryValidation)
			}
		}
	}

	conditions := nonBlank(req.Conditions)
	switch {
	case rule.RequiresConditions && len(conditions) == 0:
		c.fail("conditions", CategoryValidation, repository.SeverityError, "conditions",
			"%s requires at least one condition", req.Action)
	case !rule.RequiresConditions && len(conditions) > 0:
		c.warn("conditions_ignored", "conditions", "conditions are only recorded for conditional approvals")
	}

	atFinal := wf.CurrentStage == repository.StageFinalAuthorization
	if req.Action == repository.ActionConditionalApprove && atFinal {
		c.fail("final_stage", CategoryValidation, repository.SeverityError, "",
			"conditional approval is not allowed at final authorization")
	}

	completes := (req.Action == repository.ActionApprove && atFinal) ||
		(req.Action == repository.ActionOverride && overrideTarget(req) == repository.StageCompleted)
	if completes {
		if open := wf.OutstandingConditions(); len(open) > 0 {
			c.fail("outstanding_conditions", CategoryValidation, repository.SeverityError, "",
				"%d condition(s) must be satisfied before completion", len(open))
		} else {
			c.pass("outstanding_conditions", CategoryValidation)
		}
	}

	if req.Action == repository.ActionOverride {
		target := overrideTarget(req)
		if !target.Valid() || target.Index() <= wf.CurrentStage.Index() {
			c.fail("override_target", CategoryValidation, repository.SeverityError, "targetStage",
				"override must move forward from %s (got %s)", wf.CurrentStage, target)
		} else {
			c.pass("override_target", CategoryValidation)
		}
	}
}

func (v *DecisionValidator) checkAuthorization(c *checkList, req DecisionRequest) {
	if req.AuthorizationMethod.Valid() {
		c.pass("authorization_method", CategoryValidation)
	} else {
		c.fail("authorization_method", CategoryValidation, repository.SeverityCritical, "authorizationMethod",
			"authorization method %q is not accepted", req.AuthorizationMethod)
	}
	if strings.TrimSpace(req.AuthorizationCode) == "" {
		c.fail("authorization_code", CategoryValidation, repository.SeverityCritical, "authorizationCode",
			"an externally issued authorization code is required")
	} else {
		c.pass("authorization_code", CategoryValidation)
	}
}

// checkSecondary computes whether a second approver is needed and, if so,
// whether the named one qualifies.
func (v *DecisionValidator) checkSecondary(c *checkList, rep *ValidationReport, in DecisionInput, rule policy.ActionRule) {
	wf, req := in.Workflow, in.Request
	if !req.Action.Advances() {
		return
	}

	var reasons []string
	if rule.SecondaryThreshold != nil && wf.WithdrawalRequest.Amount.GreaterThan(*rule.SecondaryThreshold) {
		reasons = append(reasons, "amount_above_threshold")
	}
	if wf.RiskAssessment.Level == repository.RiskCritical {
		reasons = append(reasons, "critical_risk")
	}
	if req.Action == repository.ActionOverride {
		reasons = append(reasons, "override_action")
	}
	if len(wf.UnresolvedFlags(repository.RiskCritical)) > 0 {
		reasons = append(reasons, "critical_compliance_flag")
	}
	if len(reasons) == 0 {
		return
	}
	rep.RequiresSecondaryApproval = true
	rep.SecondaryReasons = reasons

	owner, err := v.policy.StageRole(wf.CurrentStage)
	if err != nil {
		owner = repository.RoleSuperAdmin
	}
	sec := in.Secondary
	switch {
	case req.SecondaryApproverID == "":
		c.fail("secondary_approver", CategoryValidation, repository.SeverityError, "secondaryApproverId",
			"secondary approval required (%s)", strings.Join(reasons, ", "))
	case req.SecondaryApproverID == in.Actor.ID:
		c.fail("secondary_approver", CategoryValidation, repository.SeverityError, "secondaryApproverId",
			"secondary approver must be a different user")
	case sec == nil || !sec.Active:
		c.fail("secondary_approver", CategoryValidation, repository.SeverityError, "secondaryApproverId",
			"secondary approver %s is unknown or inactive", req.SecondaryApproverID)
	case sec.Role.Rank() < owner.Rank():
		c.fail("secondary_approver", CategoryAuthority, repository.SeverityError, "secondaryApproverId",
			"secondary approver must hold %s or above", owner)
	default:
		c.pass("secondary_approver", CategoryValidation)
	}
}

// checkAdvisories adds acknowledgeable warnings for advancing decisions.
func (v *DecisionValidator) checkAdvisories(c *checkList, wf *repository.Workflow) {
	var high int
	for _, f := range wf.UnresolvedFlags(repository.RiskHigh) {
		if f.Severity != repository.RiskCritical {
			high++
		}
	}
	if high > 0 {
		c.warn("compliance_flags", "", "%d unresolved high-severity compliance flag(s)", high)
	}

	var fraud int
	for _, fi := range wf.RiskAssessment.FraudIndicators {
		if fi.Severity.Rank() >= repository.RiskHigh.Rank() {
			fraud++
		}
	}
	if fraud > 0 {
		c.warn("fraud_indicators", "", "%d high-severity fraud indicator(s)", fraud)
	}

	var unverified int
	for _, d := range wf.WithdrawalRequest.Documents {
		if !d.Verified {
			unverified++
		}
	}
	if unverified > 0 {
		c.warn("documents_unverified", "", "%d document(s) not verified", unverified)
	}

	for _, chk := range wf.RiskAssessment.ComplianceChecks {
		if chk.Status == repository.CompliancePending {
			c.warn("compliance_checks_pending", "", "compliance check %s is still pending", chk.Name)
		}
	}
}

type checkList struct {
	list []CheckResult
}

func (c *checkList) pass(name, category string) {
	c.list = append(c.list, CheckResult{Name: name, Outcome: CheckPassed, Severity: repository.SeverityInfo, Category: category})
}

func (c *checkList) fail(name, category string, sev repository.Severity, field, format string, args ...any) {
	c.list = append(c.list, CheckResult{
		Name:     name,
		Outcome:  CheckFailed,
		Severity: sev,
		Category: category,
		Field:    field,
		Message:  fmt.Sprintf(format, args...),
	})
}

func (c *checkList) warn(name, field, format string, args ...any) {
	c.list = append(c.list, CheckResult{
		Name:     name,
		Outcome:  CheckWarning,
		Severity: repository.SeverityWarning,
		Category: CategoryValidation,
		Field:    field,
		Message:  fmt.Sprintf(format, args...),
	})
}

func overrideTarget(req DecisionRequest) repository.Stage {
	if req.TargetStage == "" {
		return repository.StageCompleted
	}
	return req.TargetStage
}

func nonBlank(in []string) []string {
	var out []string
	for _, s := range in {
		if t := strings.TrimSpace(s); t != "" {
			out = append(out, t)
		}
	}
	return out
}
