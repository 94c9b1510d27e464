package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/errors"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/realtime"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/repository"
)

const (
	routineJustification  = "Primary approver is on leave and the covering reviewer has full context"
	escalateJustification = "Customer tier and the recent payout pattern warrant admin review before any funds are released"
	overrideJustification = "Stage was advanced in error during the incident on 30 September; returning it to the clerk queue for a full re-review."
)

func just(text string) Justification {
	return Justification{Justification: text, AuditReason: "ticket OPS-4412"}
}

func TestDelegate_WorkflowScope(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wf := h.create(t, "5000", repository.RiskLow)

	end := t0.Add(24 * time.Hour)
	updated, err := h.hierarchy.Delegate(ctx, manager, wf.ID, DelegateRequest{
		Justification: just(routineJustification),
		ToUserID:      clerk2.ID,
		EndsAt:        &end,
	})
	require.NoError(t, err)
	require.NotNil(t, updated.Routing.Delegation)
	assert.Equal(t, repository.DelegationScopeWorkflow, updated.Routing.Delegation.Scope)
	assert.Equal(t, wf.ID, updated.Routing.Delegation.WorkflowID)
	assert.Equal(t, repository.CurrentApprover{Role: repository.RoleClerk, UserID: clerk2.ID, Source: ApproverSourceDelegation}, updated.CurrentApprover)
	assert.Equal(t, AuditDelegated, lastAudit(updated).Action)
	assert.Equal(t, repository.StageClerkReview, updated.CurrentStage, "delegation never moves the stage")

	h.clock.Advance(25 * time.Hour)
	_, err = h.svc.EvaluateSLA(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, ApproverSourceRolePool, h.get(t, wf.ID).CurrentApprover.Source, "expired delegation no longer routes")
}

func TestDelegate_RoleScopeAppliesToOtherWorkflows(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.create(t, "5000", repository.RiskLow)

	_, err := h.hierarchy.Delegate(ctx, manager, first.ID, DelegateRequest{
		Justification: just(routineJustification),
		ToUserID:      clerk2.ID,
		Scope:         repository.DelegationScopeRole,
	})
	require.NoError(t, err)

	active, err := h.delegations.FindActive(ctx, repository.RoleClerk, "retail", t0)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, manager.ID, active[0].FromUserID)

	second := h.create(t, "6000", repository.RiskLow)
	assert.Equal(t, clerk2.ID, second.CurrentApprover.UserID)
	assert.Equal(t, ApproverSourceDelegation, second.CurrentApprover.Source)
}

type conflictingRepo struct {
	repository.WorkflowRepository
}

func (conflictingRepo) Update(context.Context, *repository.Workflow, int64) error {
	return errors.Conflict("workflow was modified by another request")
}

func TestDelegate_RoleScopeRolledBackWhenStoreFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wf := h.create(t, "5000", repository.RiskLow)
	h.svc.repo = conflictingRepo{WorkflowRepository: h.repo}

	_, err := h.hierarchy.Delegate(ctx, manager, wf.ID, DelegateRequest{
		Justification: just(routineJustification),
		ToUserID:      clerk2.ID,
		Scope:         repository.DelegationScopeDepartment,
	})
	require.True(t, errors.IsConflict(err))

	active, err := h.delegations.FindActive(ctx, repository.RoleClerk, "retail", t0)
	require.NoError(t, err)
	assert.Empty(t, active)

	stored := h.get(t, wf.ID)
	assert.Equal(t, int64(1), stored.Version)
	assert.NotContains(t, auditActions(stored), AuditDelegated)

	h.svc.repo = h.repo
	other := h.create(t, "6000", repository.RiskLow)
	assert.Equal(t, ApproverSourceRolePool, other.CurrentApprover.Source)
}

func TestDelegate_Refusals(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wf := h.create(t, "5000", repository.RiskLow)

	past := t0.Add(-time.Hour)
	tests := []struct {
		name  string
		actor Actor
		req   DelegateRequest
		check func(error) bool
	}{
		{"role lacks permission", clerk, DelegateRequest{Justification: just(routineJustification), ToUserID: clerk2.ID}, errors.IsAuthority},
		{"short justification", manager, DelegateRequest{Justification: just("cover"), ToUserID: clerk2.ID}, errors.IsValidation},
		{"missing audit reason", manager, DelegateRequest{Justification: Justification{Justification: routineJustification}, ToUserID: clerk2.ID}, errors.IsValidation},
		{"self", manager, DelegateRequest{Justification: just(routineJustification), ToUserID: manager.ID}, errors.IsValidation},
		{"unknown user", manager, DelegateRequest{Justification: just(routineJustification), ToUserID: "u-nobody"}, errors.IsValidation},
		{"inactive user", manager, DelegateRequest{Justification: just(routineJustification), ToUserID: "u-gone"}, errors.IsValidation},
		{"ended window", manager, DelegateRequest{Justification: just(routineJustification), ToUserID: clerk2.ID, EndsAt: &past}, errors.IsValidation},
		{"unknown scope", manager, DelegateRequest{Justification: just(routineJustification), ToUserID: clerk2.ID, Scope: "galaxy"}, errors.IsValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.hierarchy.Delegate(ctx, tt.actor, wf.ID, tt.req)
			require.Error(t, err)
			assert.True(t, tt.check(err), "got %v", err)
		})
	}

	stored := h.get(t, wf.ID)
	assert.Equal(t, int64(1), stored.Version)
	assert.Nil(t, stored.Routing.Delegation)
	e := lastAudit(stored)
	assert.Equal(t, AuditHierarchyRefused, e.Action)
	assert.Equal(t, AuditDelegated, e.Details["operation"])
}

func TestDelegate_TargetBelowStageOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wf := h.create(t, "5000", repository.RiskLow)
	_, err := h.svc.SubmitDecision(ctx, clerk, wf.ID, approveRequest(repository.StageClerkReview))
	require.NoError(t, err)

	_, err = h.hierarchy.Delegate(ctx, manager, wf.ID, DelegateRequest{Justification: just(routineJustification), ToUserID: clerk.ID})
	assert.True(t, errors.IsAuthority(err))

	_, err = h.hierarchy.Delegate(ctx, manager, wf.ID, DelegateRequest{Justification: just(routineJustification), ToUserID: manager2.ID})
	require.NoError(t, err)
}

func TestReassign(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wf := h.create(t, "5000", repository.RiskLow)

	updated, err := h.hierarchy.Reassign(ctx, manager, wf.ID, ReassignRequest{Justification: just(routineJustification), ToUserID: clerk2.ID})
	require.NoError(t, err)
	assert.Equal(t, repository.CurrentApprover{Role: repository.RoleClerk, UserID: clerk2.ID, Source: ApproverSourceAssignment}, updated.CurrentApprover)
	assert.Contains(t, h.notes.kinds(), "assignment")

	_, err = h.hierarchy.Reassign(ctx, manager, wf.ID, ReassignRequest{Justification: just(routineJustification), ToUserID: clerk2.ID})
	assert.True(t, errors.IsValidation(err))

	_, err = h.svc.SubmitDecision(ctx, clerk, wf.ID, approveRequest(repository.StageClerkReview))
	assert.True(t, errors.IsAuthority(err), "only the assignee may decide at the owner's rank")

	_, err = h.svc.SubmitDecision(ctx, clerk2, wf.ID, approveRequest(repository.StageClerkReview))
	require.NoError(t, err)
	stored := h.get(t, wf.ID)
	assert.Empty(t, stored.Routing.AssignedTo, "assignment is cleared when the stage changes")
}

func TestEscalate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wf := h.create(t, "5000", repository.RiskLow)
	h.events.reset()

	_, err := h.hierarchy.Escalate(ctx, manager, wf.ID, EscalateRequest{Justification: just(escalateJustification), TargetRole: repository.RoleAdmin})
	assert.True(t, errors.IsAuthority(err))
	_, err = h.hierarchy.Escalate(ctx, admin, wf.ID, EscalateRequest{Justification: just(routineJustification), TargetRole: repository.RoleAdmin})
	assert.True(t, errors.IsValidation(err), "escalation needs a longer justification")
	_, err = h.hierarchy.Escalate(ctx, admin, wf.ID, EscalateRequest{Justification: just(escalateJustification), TargetRole: repository.RoleClerk})
	assert.True(t, errors.IsValidation(err))

	updated, err := h.hierarchy.Escalate(ctx, admin, wf.ID, EscalateRequest{Justification: just(escalateJustification), TargetRole: repository.RoleAdmin})
	require.NoError(t, err)
	assert.Equal(t, repository.StageAdminReview, updated.CurrentStage)
	assert.Equal(t, repository.StatusEscalated, updated.Status)
	require.Len(t, updated.Escalations, 1)
	assert.Equal(t, admin.ID, updated.Escalations[0].EscalatedBy)
	assert.Equal(t, t0, updated.SLAMetrics.StageEnteredAt)
	assert.Equal(t, []realtime.EventType{realtime.EventWorkflowUpdate, realtime.EventEscalation}, h.events.types())

	e := lastAudit(updated)
	assert.Equal(t, AuditEscalated, e.Action)
	assert.Equal(t, repository.StageClerkReview, e.StageBefore)
	assert.Equal(t, repository.StageAdminReview, e.StageAfter)

	_, err = h.svc.Hold(ctx, manager, wf.ID, "Awaiting KYC refresh")
	require.NoError(t, err)
	_, err = h.hierarchy.Escalate(ctx, superAdmin, wf.ID, EscalateRequest{Justification: just(escalateJustification), TargetRole: repository.RoleSuperAdmin})
	assert.True(t, errors.IsValidation(err), "held workflows cannot be escalated")
}

func TestOverrideHierarchy_MovesBackward(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wf := h.create(t, "5000", repository.RiskLow)
	_, err := h.svc.SubmitDecision(ctx, clerk, wf.ID, approveRequest(repository.StageClerkReview))
	require.NoError(t, err)

	req := OverrideRequest{
		Justification: just(overrideJustification),
		TargetStage:   repository.StageClerkReview,
		AssignTo:      clerk2.ID,
	}
	_, err = h.hierarchy.OverrideHierarchy(ctx, admin, wf.ID, req)
	assert.True(t, errors.IsAuthority(err))

	updated, err := h.hierarchy.OverrideHierarchy(ctx, superAdmin, wf.ID, req)
	require.NoError(t, err)
	assert.Equal(t, repository.StageClerkReview, updated.CurrentStage)
	assert.Equal(t, repository.StatusPending, updated.Status)
	assert.Equal(t, superAdmin.ID, updated.Routing.OverriddenBy)
	assert.Equal(t, clerk2.ID, updated.CurrentApprover.UserID)
	assert.Len(t, updated.ApprovalHistory, 1, "history is kept")

	e := lastAudit(updated)
	assert.Equal(t, AuditHierarchyOverridden, e.Action)
	assert.Equal(t, repository.SeverityCritical, e.Severity)
	assert.Equal(t, true, e.Details["backward"])

	req.TargetStage = repository.StageCompleted
	_, err = h.hierarchy.OverrideHierarchy(ctx, superAdmin, wf.ID, req)
	assert.True(t, errors.IsValidation(err), "override never completes a workflow")
}

func TestOverrideHierarchy_SupervisorForNonCompliantCheck(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cr := createRequest("5000", repository.RiskLow)
	cr.Risk.ComplianceChecks = []repository.ComplianceCheck{{Name: "aml_screening", Status: repository.ComplianceNonCompliant}}
	wf, err := h.svc.CreateWorkflow(ctx, SystemActor, cr)
	require.NoError(t, err)

	req := OverrideRequest{Justification: just(overrideJustification), TargetStage: repository.StageAdminReview}
	_, err = h.hierarchy.OverrideHierarchy(ctx, superAdmin, wf.ID, req)
	assert.True(t, errors.IsValidation(err), "supervisor code is required")

	req.SupervisorID, req.SupervisorMethod, req.SupervisorCode = superAdmin.ID, repository.AuthHardwareToken, validCode
	_, err = h.hierarchy.OverrideHierarchy(ctx, superAdmin, wf.ID, req)
	assert.True(t, errors.IsValidation(err), "supervisor must be someone else")

	req.SupervisorID, req.SupervisorCode = superAdmin2.ID, "999999"
	_, err = h.hierarchy.OverrideHierarchy(ctx, superAdmin, wf.ID, req)
	assert.True(t, errors.IsAuthority(err))

	req.SupervisorCode = validCode
	updated, err := h.hierarchy.OverrideHierarchy(ctx, superAdmin, wf.ID, req)
	require.NoError(t, err)
	assert.Equal(t, repository.StageAdminReview, updated.CurrentStage)
	e := lastAudit(updated)
	assert.Equal(t, superAdmin2.ID, e.Details["supervisor_id"])
	assert.Equal(t, "****10", e.Details["supervisor_code"])
	assert.Equal(t, false, e.Details["backward"])
}
