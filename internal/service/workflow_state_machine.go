package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/errors"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/policy"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/repository"
)

// Current approver sources.
const (
	ApproverSourceRolePool   = "role_pool"
	ApproverSourceAssignment = "assignment"
	ApproverSourceDelegation = "delegation"
	ApproverSourceNone       = "none"
)

// WorkflowStateMachine owns stage and status transitions. It mutates the
// workflow it is given and never persists; callers load, lock and store.
type WorkflowStateMachine struct {
	policy      *policy.Policy
	validator   *DecisionValidator
	sla         *SLATracker
	delegations repository.DelegationRepository
}

// NewWorkflowStateMachine creates a new WorkflowStateMachine.
func NewWorkflowStateMachine(
	p *policy.Policy,
	validator *DecisionValidator,
	sla *SLATracker,
	delegations repository.DelegationRepository,
) *WorkflowStateMachine {
	return &WorkflowStateMachine{
		policy:      p,
		validator:   validator,
		sla:         sla,
		delegations: delegations,
	}
}

// CheckFresh fails with a conflict when the request was built against a view
// of the workflow that no longer matches.
func (m *WorkflowStateMachine) CheckFresh(wf *repository.Workflow, req DecisionRequest) error {
	if req.ExpectedStage == "" {
		return errors.InvalidInput("expectedStage", "expected stage is required")
	}
	if req.ExpectedStage != wf.CurrentStage {
		return errors.Conflict(fmt.Sprintf("workflow moved to %s (expected %s)", wf.CurrentStage, req.ExpectedStage)).
			WithDetail("current_stage", wf.CurrentStage).
			WithDetail("version", wf.Version)
	}
	if req.ExpectedStatus != "" && req.ExpectedStatus != wf.Status {
		return errors.Conflict(fmt.Sprintf("workflow is %s (expected %s)", wf.Status, req.ExpectedStatus)).
			WithDetail("current_status", wf.Status).
			WithDetail("version", wf.Version)
	}
	if req.ExpectedVersion != nil && *req.ExpectedVersion != wf.Version {
		return errors.Conflict(fmt.Sprintf("workflow is at version %d (expected %d)", wf.Version, *req.ExpectedVersion)).
			WithDetail("version", wf.Version)
	}
	return nil
}

// Apply validates the decision and applies it to wf in place. On any error wf
// is left untouched; validation and authority errors carry the report.
func (m *WorkflowStateMachine) Apply(ctx context.Context, wf *repository.Workflow, in DecisionInput, now time.Time) (*TransitionResult, error) {
	req := in.Request
	if err := m.CheckFresh(wf, req); err != nil {
		return nil, err
	}

	in.Workflow = wf
	rep := m.validator.Validate(in)
	if !rep.Valid {
		return &TransitionResult{Report: rep}, reportError(rep)
	}
	warnings := rep.Warnings()
	if len(warnings) > 0 && !req.AcknowledgeWarnings {
		return &TransitionResult{Report: rep},
			errors.Validation(fmt.Sprintf("%d warning(s) must be acknowledged", len(warnings)), rep)
	}

	// Work on a copy so a failure below leaves wf unchanged.
	next := wf.Clone()
	before := wf.Clone()

	decision := repository.ApprovalDecision{
		ID:                  uuid.NewString(),
		Action:              req.Action,
		Stage:               wf.CurrentStage,
		ApproverID:          in.Actor.ID,
		ApproverName:        in.Actor.Name,
		ApproverRole:        in.Actor.Role,
		Timestamp:           now,
		Notes:               strings.TrimSpace(req.Notes),
		Fields:              copyFields(req.Fields),
		AuthorizationMethod: req.AuthorizationMethod,
		AuthorizationCode:   redactCode(req.AuthorizationCode),
		SecondaryApproverID: req.SecondaryApproverID,
		DeviceInfo:          in.Actor.DeviceInfo,
		IPAddress:           in.Actor.IPAddress,
		SessionID:           in.Actor.SessionID,
	}
	for _, w := range warnings {
		decision.AcknowledgedWarnings = append(decision.AcknowledgedWarnings, w.Name)
	}

	var escalation *repository.EscalationRecord
	switch req.Action {
	case repository.ActionApprove:
		m.advance(next, next.CurrentStage.Next())

	case repository.ActionConditionalApprove:
		for _, text := range nonBlank(req.Conditions) {
			cond := repository.Condition{ID: uuid.NewString(), Description: text}
			decision.Conditions = append(decision.Conditions, cond)
			next.Conditions = append(next.Conditions, cond)
		}
		m.advance(next, next.CurrentStage.Next())

	case repository.ActionOverride:
		m.advance(next, overrideTarget(req))

	case repository.ActionReject:
		next.Status = repository.StatusRejected

	case repository.ActionEscalate:
		target := repository.Role(req.Field("escalation_target"))
		stage, err := m.policy.StageFor(target)
		if err != nil {
			return nil, err
		}
		rec := repository.EscalationRecord{
			ID:          uuid.NewString(),
			FromStage:   next.CurrentStage,
			ToStage:     stage,
			TargetRole:  target,
			Reason:      req.Field("escalation_reason"),
			EscalatedBy: in.Actor.ID,
			Timestamp:   now,
		}
		next.CurrentStage = stage
		next.Status = repository.StatusEscalated
		next.Escalations = append(next.Escalations, rec)
		escalation = &rec

	case repository.ActionRequestInfo:
		next.FollowUpRequired = true

	default:
		return nil, errors.Configuration("no transition for action " + string(req.Action))
	}

	stageChanged := next.CurrentStage != before.CurrentStage
	if stageChanged {
		m.enterStage(next, now)
	}
	decision.ResultingStage = next.CurrentStage
	next.ApprovalHistory = append(next.ApprovalHistory, decision)

	sev := repository.SeverityInfo
	if len(decision.AcknowledgedWarnings) > 0 {
		sev = repository.SeverityWarning
	}
	if req.Action == repository.ActionOverride {
		sev = repository.SeverityCritical
	}
	entry := newAudit(AuditDecisionApplied, in.Actor, sev, repository.AuditOutcomeSuccess,
		fmt.Sprintf("%s at %s", req.Action, before.CurrentStage), now)
	entry = stamp(entry, before, next)
	entry.Details = map[string]interface{}{
		"decision_id":    decision.ID,
		"action":         string(req.Action),
		"policy_version": rep.PolicyVersion,
	}
	if rep.RequiresSecondaryApproval {
		entry.Details["secondary_approver_id"] = req.SecondaryApproverID
		entry.Details["secondary_reasons"] = rep.SecondaryReasons
	}
	if escalation != nil {
		entry.Details["escalation_target"] = string(escalation.TargetRole)
	}
	next.AuditLog = append(next.AuditLog, entry)

	if len(warnings) > 0 {
		ack := newAudit(AuditWarningsAcknowledged, in.Actor, repository.SeverityWarning, repository.AuditOutcomeSuccess,
			fmt.Sprintf("%d warning(s) acknowledged", len(warnings)), now)
		msgs := make([]string, 0, len(warnings))
		for _, w := range warnings {
			msgs = append(msgs, w.Name+": "+w.Message)
		}
		ack.Details = map[string]interface{}{"decision_id": decision.ID, "warnings": msgs}
		next.AuditLog = append(next.AuditLog, ack)
	}

	next.UpdatedAt = now
	if err := m.Refresh(ctx, next, now); err != nil {
		return nil, err
	}

	*wf = *next
	return &TransitionResult{
		Workflow:     wf,
		Decision:     decision,
		Report:       rep,
		StageChanged: stageChanged,
	}, nil
}

// Refresh recomputes the derived fields without firing triggers. Triggers
// that became due are left for Recompute so their actions run exactly once.
func (m *WorkflowStateMachine) Refresh(ctx context.Context, wf *repository.Workflow, now time.Time) error {
	m.sla.Refresh(wf, now)
	return m.RefreshApprover(ctx, wf, now)
}

// Recompute refreshes every derived field: SLA snapshot and trigger firing,
// current approver and due date.
func (m *WorkflowStateMachine) Recompute(ctx context.Context, wf *repository.Workflow, now time.Time) ([]repository.EscalationTrigger, error) {
	fired := m.sla.Recompute(wf, now)
	if err := m.RefreshApprover(ctx, wf, now); err != nil {
		return nil, err
	}
	return fired, nil
}

// RefreshApprover recomputes currentApprover and dueDate without touching triggers.
func (m *WorkflowStateMachine) RefreshApprover(ctx context.Context, wf *repository.Workflow, now time.Time) error {
	if wf.Status.Terminal() || wf.CurrentStage == repository.StageCompleted {
		wf.CurrentApprover = repository.CurrentApprover{Source: ApproverSourceNone}
		wf.DueDate = wf.SLAMetrics.TargetCompletionTime
		return nil
	}

	owner, err := m.policy.StageRole(wf.CurrentStage)
	if err != nil {
		return err
	}
	wf.DueDate = m.sla.StageDueDate(wf)

	r := wf.Routing
	switch {
	case r.Delegation != nil && r.Delegation.ActiveAt(now):
		wf.CurrentApprover = repository.CurrentApprover{
			Role: r.Delegation.ToRole, UserID: r.Delegation.ToUserID, Source: ApproverSourceDelegation,
		}
		return nil
	case r.AssignedTo != "":
		role := r.AssignedRole
		if role == "" {
			role = owner
		}
		wf.CurrentApprover = repository.CurrentApprover{Role: role, UserID: r.AssignedTo, Source: ApproverSourceAssignment}
		return nil
	}

	if m.delegations != nil {
		active, err := m.delegations.FindActive(ctx, owner, wf.WithdrawalRequest.Department, now)
		if err != nil {
			return err
		}
		if len(active) > 0 {
			d := active[0]
			wf.CurrentApprover = repository.CurrentApprover{Role: d.ToRole, UserID: d.ToUserID, Source: ApproverSourceDelegation}
			return nil
		}
	}
	wf.CurrentApprover = repository.CurrentApprover{Role: owner, Source: ApproverSourceRolePool}
	return nil
}

// ApplyTriggerEscalation routes wf to the trigger's target role as the system
// actor. A workflow already at or above the target stage is flagged escalated
// in place; held or terminal workflows only get the audit entry.
func (m *WorkflowStateMachine) ApplyTriggerEscalation(wf *repository.Workflow, trig repository.EscalationTrigger, now time.Time) (*repository.EscalationRecord, error) {
	before := wf.Clone()
	entry := newAudit(AuditSLAEscalation, SystemActor, repository.SeverityWarning, repository.AuditOutcomeSuccess,
		fmt.Sprintf("trigger %s escalated to %s", trig.Condition.Type, trig.TargetRole), now)
	entry.Details = map[string]interface{}{"trigger_id": trig.ID}

	if !wf.Status.Open() {
		entry.Outcome = repository.AuditOutcomeRejected
		entry.Message = fmt.Sprintf("trigger %s not applied: workflow is %s", trig.Condition.Type, wf.Status)
		wf.AuditLog = append(wf.AuditLog, stamp(entry, before, wf))
		return nil, nil
	}

	target, err := m.policy.StageFor(trig.TargetRole)
	if err != nil {
		return nil, err
	}
	rec := repository.EscalationRecord{
		ID:          uuid.NewString(),
		FromStage:   wf.CurrentStage,
		ToStage:     wf.CurrentStage,
		TargetRole:  trig.TargetRole,
		Reason:      fmt.Sprintf("SLA trigger %s", trig.Condition.Type),
		EscalatedBy: SystemActor.ID,
		TriggerID:   trig.ID,
		Timestamp:   now,
	}
	if target.Index() > wf.CurrentStage.Index() {
		rec.ToStage = target
		wf.CurrentStage = target
		m.enterStage(wf, now)
	}
	wf.Status = repository.StatusEscalated
	wf.Escalations = append(wf.Escalations, rec)
	wf.UpdatedAt = now
	wf.AuditLog = append(wf.AuditLog, stamp(entry, before, wf))
	return &rec, nil
}

// advance moves to target. Reaching completed approves the workflow; any
// other move leaves or returns the workflow to pending.
func (m *WorkflowStateMachine) advance(wf *repository.Workflow, target repository.Stage) {
	wf.CurrentStage = target
	if target == repository.StageCompleted {
		wf.Status = repository.StatusApproved
		return
	}
	wf.Status = repository.StatusPending
}

// enterStage resets stage-scoped routing and the stage clock.
func (m *WorkflowStateMachine) enterStage(wf *repository.Workflow, now time.Time) {
	wf.SLAMetrics.StageEnteredAt = now
	wf.SLAMetrics.TimeInCurrentStage = 0
	wf.Routing = repository.Routing{}
	wf.FollowUpRequired = false
}

// reportError maps a failed report to an authority or validation error.
func reportError(rep *ValidationReport) error {
	failures := rep.Failures()
	msgs := make([]string, 0, len(failures))
	for _, f := range failures {
		msgs = append(msgs, f.Message)
	}
	msg := strings.Join(msgs, "; ")
	if rep.AuthorityOnly() {
		return errors.Authority(msg, rep)
	}
	return errors.Validation(msg, rep)
}

func copyFields(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
