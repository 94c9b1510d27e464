package service

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/errors"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/repository"
)

// Audit actions written by the engine.
const (
	AuditWorkflowCreated      = "workflow_created"
	AuditDecisionApplied      = "decision_applied"
	AuditDecisionRefused      = "decision_refused"
	AuditWarningsAcknowledged = "warnings_acknowledged"
	AuditCommentAdded         = "comment_added"
	AuditSLAExtended          = "sla_extended"
	AuditSLATriggerFired      = "sla_trigger_fired"
	AuditSLAEscalation        = "sla_escalation"
	AuditPriorityAdjusted     = "priority_adjusted"
	AuditHold                 = "workflow_held"
	AuditResume               = "workflow_resumed"
	AuditConditionSatisfied   = "condition_satisfied"
	AuditFlagResolved         = "compliance_flag_resolved"
	AuditDelegated            = "delegated"
	AuditReassigned           = "reassigned"
	AuditEscalated            = "escalated"
	AuditHierarchyOverridden  = "hierarchy_overridden"
	AuditHierarchyRefused     = "hierarchy_refused"
)

func newAudit(action string, actor Actor, sev repository.Severity, outcome, message string, now time.Time) repository.AuditEntry {
	return repository.AuditEntry{
		ID:        uuid.NewString(),
		Action:    action,
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		Severity:  sev,
		Outcome:   outcome,
		Message:   message,
		Timestamp: now,
	}
}

// stamp records the workflow's stage and status around a mutation.
func stamp(e repository.AuditEntry, before, after *repository.Workflow) repository.AuditEntry {
	if before != nil {
		e.StageBefore = before.CurrentStage
		e.StatusBefore = before.Status
	}
	if after != nil {
		e.StageAfter = after.CurrentStage
		e.StatusAfter = after.Status
	}
	return e
}

// refusedAudit records a blocked attempt for forensic visibility.
func refusedAudit(action string, actor Actor, wf *repository.Workflow, err error, now time.Time) repository.AuditEntry {
	sev := repository.SeverityWarning
	if errors.IsAuthority(err) {
		sev = repository.SeverityError
	}
	e := newAudit(action, actor, sev, repository.AuditOutcomeRejected, err.Error(), now)
	e = stamp(e, wf, wf)
	var appErr *errors.Error
	if errors.As(err, &appErr) {
		e.Details = map[string]interface{}{"code": string(appErr.Code)}
		if rep, ok := appErr.Report.(*ValidationReport); ok {
			var failed []string
			for _, f := range rep.Failures() {
				failed = append(failed, f.Name)
			}
			e.Details["failed_checks"] = failed
		}
	}
	return e
}

// redactCode keeps the last two characters of an authorization code.
func redactCode(code string) string {
	code = strings.TrimSpace(code)
	if len(code) <= 2 {
		return "**"
	}
	return strings.Repeat("*", len(code)-2) + code[len(code)-2:]
}
