package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/errors"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/policy"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/realtime"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/repository"
)

// Hierarchy operation names, used for justification minimums and metrics.
const (
	HierarchyDelegate = "delegate"
	HierarchyReassign = "reassign"
	HierarchyEscalate = "escalate"
	HierarchyOverride = "override"
)

// Justification is required on every hierarchy operation.
type Justification struct {
	Justification string `json:"justification"`
	AuditReason   string `json:"auditReason"`
}

// DelegateRequest hands the current stage's approval authority to another user.
type DelegateRequest struct {
	Justification
	ToUserID string                     `json:"toUserId"`
	Scope    repository.DelegationScope `json:"scope"`
	StartsAt *time.Time                 `json:"startsAt,omitempty"`
	EndsAt   *time.Time                 `json:"endsAt,omitempty"`
}

// ReassignRequest assigns the current stage to a named user.
type ReassignRequest struct {
	Justification
	ToUserID string `json:"toUserId"`
}

// EscalateRequest routes the workflow up to a higher role's stage.
type EscalateRequest struct {
	Justification
	TargetRole repository.Role `json:"targetRole"`
}

// OverrideRequest moves the stage outside the sequential rule, in either
// direction. When any compliance check is non_compliant a supervisor must
// co-sign with a verifiable code.
type OverrideRequest struct {
	Justification
	TargetStage      repository.Stage               `json:"targetStage"`
	AssignTo         string                         `json:"assignTo,omitempty"`
	SupervisorID     string                         `json:"supervisorId,omitempty"`
	SupervisorMethod repository.AuthorizationMethod `json:"supervisorMethod,omitempty"`
	SupervisorCode   string                         `json:"supervisorCode,omitempty"`
}

// HierarchyCoordinator changes who may act on a workflow. Apart from escalate
// and override it never touches stage or status.
type HierarchyCoordinator struct {
	svc         *ApprovalService
	delegations repository.DelegationRepository
}

// NewHierarchyCoordinator creates a new HierarchyCoordinator.
func NewHierarchyCoordinator(svc *ApprovalService, delegations repository.DelegationRepository) *HierarchyCoordinator {
	return &HierarchyCoordinator{svc: svc, delegations: delegations}
}

// Delegate records a delegation. Workflow-scoped delegations live on the
// workflow's routing; role and department delegations are stored and apply to
// every workflow waiting on that role.
func (h *HierarchyCoordinator) Delegate(ctx context.Context, actor Actor, id string, req DelegateRequest) (*repository.Workflow, error) {
	if req.Scope == "" {
		req.Scope = repository.DelegationScopeWorkflow
	}
	wf, err := h.run(ctx, actor, id, HierarchyDelegate, AuditDelegated, policy.OpDelegate, req.Justification,
		func(wf *repository.Workflow, now time.Time, ch *change) error {
			owner, err := h.routable(wf)
			if err != nil {
				return err
			}
			if req.ToUserID == actor.ID {
				return errors.InvalidInput("toUserId", "cannot delegate to yourself")
			}
			if req.StartsAt != nil && req.EndsAt != nil && !req.EndsAt.After(*req.StartsAt) {
				return errors.InvalidInput("endsAt", "delegation window must end after it starts")
			}
			if req.EndsAt != nil && !req.EndsAt.After(now) {
				return errors.InvalidInput("endsAt", "delegation window has already ended")
			}
			target, err := h.targetUser(ctx, req.ToUserID, owner, wf.CurrentStage)
			if err != nil {
				return err
			}

			d := repository.Delegation{
				ID:         uuid.NewString(),
				FromUserID: actor.ID,
				ToUserID:   target.ID,
				ToRole:     target.Role,
				Scope:      req.Scope,
				StartsAt:   req.StartsAt,
				EndsAt:     req.EndsAt,
				Reason:     strings.TrimSpace(req.Justification.Justification),
				CreatedAt:  now,
			}
			switch req.Scope {
			case repository.DelegationScopeWorkflow:
				d.WorkflowID = wf.ID
			case repository.DelegationScopeRole:
				d.Role = owner
			case repository.DelegationScopeDepartment:
				if wf.WithdrawalRequest.Department == "" {
					return errors.InvalidInput("scope", "workflow has no department")
				}
				d.Role = owner
				d.Department = wf.WithdrawalRequest.Department
			default:
				return errors.InvalidInput("scope", fmt.Sprintf("unknown delegation scope %q", req.Scope))
			}

			if req.Scope == repository.DelegationScopeWorkflow {
				wf.Routing.Delegation = &d
			} else {
				if h.delegations == nil {
					return errors.Configuration("no delegation store is configured")
				}
				if err := h.delegations.Save(ctx, &d); err != nil {
					return err
				}
				delegationID := d.ID
				ch.onAbort(func(ctx context.Context) error {
					return h.delegations.Delete(ctx, delegationID)
				})
			}

			e := h.entry(AuditDelegated, actor, repository.SeverityWarning, req.Justification,
				fmt.Sprintf("%s delegated %s to %s", req.Scope, owner, target.ID), wf, now)
			e.Details["delegation_id"] = d.ID
			e.Details["to_user_id"] = target.ID
			e.Details["scope"] = string(req.Scope)
			wf.AuditLog = append(wf.AuditLog, e)
			wf.UpdatedAt = now
			ch.notify(Notification{
				Kind:         "assignment",
				TargetUserID: target.ID,
				TargetRole:   target.Role,
				Message:      fmt.Sprintf("Approval authority for %s delegated to you", wf.CurrentStage),
			})
			return nil
		})
	return wf, err
}

// Reassign assigns the current stage to a named user and drops any
// workflow-scoped delegation.
func (h *HierarchyCoordinator) Reassign(ctx context.Context, actor Actor, id string, req ReassignRequest) (*repository.Workflow, error) {
	return h.run(ctx, actor, id, HierarchyReassign, AuditReassigned, policy.OpReassign, req.Justification,
		func(wf *repository.Workflow, now time.Time, ch *change) error {
			owner, err := h.routable(wf)
			if err != nil {
				return err
			}
			target, err := h.targetUser(ctx, req.ToUserID, owner, wf.CurrentStage)
			if err != nil {
				return err
			}
			if wf.Routing.AssignedTo == target.ID {
				return errors.InvalidInput("toUserId", "workflow is already assigned to this user")
			}

			e := h.entry(AuditReassigned, actor, repository.SeverityWarning, req.Justification,
				fmt.Sprintf("reassigned to %s", target.ID), wf, now)
			e.Details["from_user_id"] = wf.CurrentApprover.UserID
			e.Details["to_user_id"] = target.ID

			wf.Routing.AssignedTo = target.ID
			wf.Routing.AssignedRole = target.Role
			wf.Routing.Delegation = nil
			wf.AuditLog = append(wf.AuditLog, e)
			wf.UpdatedAt = now
			ch.notify(Notification{
				Kind:         "assignment",
				TargetUserID: target.ID,
				TargetRole:   target.Role,
				Message:      fmt.Sprintf("Withdrawal assigned to you at %s", wf.CurrentStage),
			})
			return nil
		})
}

// Escalate routes an open workflow to a strictly higher role's stage.
func (h *HierarchyCoordinator) Escalate(ctx context.Context, actor Actor, id string, req EscalateRequest) (*repository.Workflow, error) {
	return h.run(ctx, actor, id, HierarchyEscalate, AuditEscalated, policy.OpEscalateHierarchy, req.Justification,
		func(wf *repository.Workflow, now time.Time, ch *change) error {
			if !wf.Status.Open() {
				return errors.InvalidInput("status", fmt.Sprintf("only pending or escalated workflows can be escalated (is %s)", wf.Status))
			}
			target, err := h.svc.policy.StageFor(req.TargetRole)
			if err != nil {
				return errors.InvalidInput("targetRole", fmt.Sprintf("no stage is owned by role %q", req.TargetRole))
			}
			if target.Index() <= wf.CurrentStage.Index() {
				return errors.InvalidInput("targetRole",
					fmt.Sprintf("%s does not rank above the current stage %s", req.TargetRole, wf.CurrentStage))
			}

			before := wf.Clone()
			rec := repository.EscalationRecord{
				ID:          uuid.NewString(),
				FromStage:   wf.CurrentStage,
				ToStage:     target,
				TargetRole:  req.TargetRole,
				Reason:      strings.TrimSpace(req.Justification.Justification),
				EscalatedBy: actor.ID,
				Timestamp:   now,
			}
			wf.CurrentStage = target
			wf.Status = repository.StatusEscalated
			wf.Escalations = append(wf.Escalations, rec)
			h.svc.machine.enterStage(wf, now)
			wf.UpdatedAt = now

			e := h.entry(AuditEscalated, actor, repository.SeverityWarning, req.Justification,
				fmt.Sprintf("escalated to %s", req.TargetRole), before, now)
			e = stamp(e, before, wf)
			e.Details["escalation_id"] = rec.ID
			wf.AuditLog = append(wf.AuditLog, e)

			role := req.TargetRole
			ch.emit(func(wf *repository.Workflow) realtime.Event { return realtime.Escalated(wf, role, now) })
			ch.notify(Notification{
				Kind:       "escalation",
				TargetRole: role,
				Message:    fmt.Sprintf("Withdrawal escalated to %s", role),
			})
			h.svc.deps.Metrics.Escalation("hierarchy", string(role))
			return nil
		})
}

// OverrideHierarchy moves the stage to any review stage, forward or back,
// and optionally assigns it. It is the only way a stage moves backward.
func (h *HierarchyCoordinator) OverrideHierarchy(ctx context.Context, actor Actor, id string, req OverrideRequest) (*repository.Workflow, error) {
	return h.run(ctx, actor, id, HierarchyOverride, AuditHierarchyOverridden, policy.OpOverrideHierarchy, req.Justification,
		func(wf *repository.Workflow, now time.Time, ch *change) error {
			if wf.Status.Terminal() {
				return errors.InvalidInput("status", fmt.Sprintf("workflow is %s", wf.Status))
			}
			if !req.TargetStage.Valid() || req.TargetStage == repository.StageCompleted {
				return errors.InvalidInput("targetStage", fmt.Sprintf("%q is not a review stage", req.TargetStage))
			}
			if req.TargetStage == wf.CurrentStage && req.AssignTo == "" {
				return errors.InvalidInput("targetStage", "override changes neither stage nor assignment")
			}
			owner, err := h.svc.policy.StageRole(req.TargetStage)
			if err != nil {
				return err
			}

			var assignee *UserInfo
			if req.AssignTo != "" {
				if assignee, err = h.targetUser(ctx, req.AssignTo, owner, req.TargetStage); err != nil {
					return err
				}
			}
			supervised := wf.HasNonCompliantCheck()
			if supervised {
				if err := h.verifySupervisor(ctx, actor, req); err != nil {
					return err
				}
			}

			before := wf.Clone()
			if req.TargetStage != wf.CurrentStage {
				wf.CurrentStage = req.TargetStage
				h.svc.machine.enterStage(wf, now)
			}
			wf.Routing.OverriddenBy = actor.ID
			if assignee != nil {
				wf.Routing.AssignedTo = assignee.ID
				wf.Routing.AssignedRole = assignee.Role
				wf.Routing.Delegation = nil
			}
			wf.UpdatedAt = now

			e := h.entry(AuditHierarchyOverridden, actor, repository.SeverityCritical, req.Justification,
				fmt.Sprintf("hierarchy overridden %s -> %s", before.CurrentStage, wf.CurrentStage), before, now)
			e = stamp(e, before, wf)
			e.Details["backward"] = wf.CurrentStage.Index() < before.CurrentStage.Index()
			if assignee != nil {
				e.Details["assigned_to"] = assignee.ID
			}
			if supervised {
				e.Details["supervisor_id"] = req.SupervisorID
				e.Details["supervisor_code"] = redactCode(req.SupervisorCode)
			}
			wf.AuditLog = append(wf.AuditLog, e)

			ch.notify(Notification{
				Kind:         "assignment",
				TargetRole:   owner,
				TargetUserID: req.AssignTo,
				Message:      fmt.Sprintf("Withdrawal moved to %s by hierarchy override", wf.CurrentStage),
			})
			return nil
		})
}

// run enforces the common preconditions and records the outcome metric.
func (h *HierarchyCoordinator) run(ctx context.Context, actor Actor, id, op, auditAction, permission string, j Justification, fn mutateFunc) (*repository.Workflow, error) {
	wf, err := h.svc.mutate(ctx, id, actor, auditAction, AuditHierarchyRefused,
		func(wf *repository.Workflow, now time.Time, ch *change) error {
			if err := h.svc.authorize(actor, permission); err != nil {
				return err
			}
			hp := h.svc.policy.Hierarchy()
			if err := minLength("justification", strings.TrimSpace(j.Justification), hp.Justification(op)); err != nil {
				return err
			}
			if err := minLength("auditReason", strings.TrimSpace(j.AuditReason), hp.AuditReasonMin); err != nil {
				return err
			}
			return fn(wf, now, ch)
		})
	outcome := "success"
	if err != nil {
		outcome = strings.ToLower(string(errors.CodeOf(err)))
	}
	h.svc.deps.Metrics.HierarchyOperation(op, outcome)
	return wf, err
}

// routable returns the role owning the current stage of an actionable workflow.
func (h *HierarchyCoordinator) routable(wf *repository.Workflow) (repository.Role, error) {
	if wf.Status.Terminal() || wf.CurrentStage == repository.StageCompleted {
		return "", errors.InvalidInput("status", fmt.Sprintf("workflow is %s at %s", wf.Status, wf.CurrentStage))
	}
	return h.svc.policy.StageRole(wf.CurrentStage)
}

// targetUser resolves userID and refuses users ranked below the stage owner.
func (h *HierarchyCoordinator) targetUser(ctx context.Context, userID string, owner repository.Role, stage repository.Stage) (*UserInfo, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.InvalidInput("toUserId", "target user is required")
	}
	if h.svc.deps.Identity == nil {
		return nil, errors.Configuration("no identity client is configured")
	}
	u, err := h.svc.deps.Identity.GetUser(ctx, userID)
	if errors.IsNotFound(err) {
		return nil, errors.InvalidInput("toUserId", fmt.Sprintf("unknown user %s", userID))
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConnectivity, "failed to resolve target user")
	}
	if !u.Active {
		return nil, errors.InvalidInput("toUserId", fmt.Sprintf("user %s is inactive", userID))
	}
	if u.Role.Rank() < owner.Rank() {
		return nil, errors.Authority(
			fmt.Sprintf("user %s (%s) is below the %s authority required at %s", userID, u.Role, owner, stage), nil)
	}
	return u, nil
}

func (h *HierarchyCoordinator) verifySupervisor(ctx context.Context, actor Actor, req OverrideRequest) error {
	if req.SupervisorID == "" || strings.TrimSpace(req.SupervisorCode) == "" {
		return errors.InvalidInput("supervisorCode",
			"a supervisor approval code is required while a compliance check is non_compliant")
	}
	if req.SupervisorID == actor.ID {
		return errors.InvalidInput("supervisorId", "supervisor must differ from the acting user")
	}
	if !req.SupervisorMethod.Valid() {
		return errors.InvalidInput("supervisorMethod", fmt.Sprintf("invalid authorization method %q", req.SupervisorMethod))
	}
	if h.svc.deps.Credentials == nil {
		return errors.Authority("no credential verifier is configured", nil)
	}
	if err := h.svc.deps.Credentials.Verify(ctx, req.SupervisorID, req.SupervisorMethod, req.SupervisorCode); err != nil {
		if errors.IsConnectivity(err) {
			return err
		}
		return errors.Wrap(err, errors.ErrCodeAuthority, "supervisor approval code rejected")
	}
	return nil
}

func (h *HierarchyCoordinator) entry(action string, actor Actor, sev repository.Severity, j Justification, msg string, wf *repository.Workflow, now time.Time) repository.AuditEntry {
	e := newAudit(action, actor, sev, repository.AuditOutcomeSuccess, msg, now)
	e = stamp(e, wf, wf)
	e.Details = map[string]interface{}{
		"justification": strings.TrimSpace(j.Justification),
		"audit_reason":  strings.TrimSpace(j.AuditReason),
	}
	return e
}
