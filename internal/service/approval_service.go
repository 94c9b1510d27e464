package service

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/errors"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/logger"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/metrics"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/policy"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/realtime"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/repository"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/tracing"
)

const (
	maxCommentLength = 4000
	undoTimeout      = 5 * time.Second
)

// Dependencies are the collaborators ApprovalService talks to. Everything
// except Credentials is optional.
type Dependencies struct {
	Identity    IdentityClient
	Credentials CredentialVerifier
	Events      EventPublisher
	Notifier    Notifier
	Cache       ViewCache
	Metrics     *metrics.Metrics
	Clock       Clock
}

// ApprovalService is the entry point for every workflow operation. It loads,
// locks and stores workflows; the state machine decides what changes.
type ApprovalService struct {
	policy    *policy.Policy
	repo      repository.WorkflowRepository
	audit     repository.AuditSearcher
	validator *DecisionValidator
	sla       *SLATracker
	machine   *WorkflowStateMachine
	locks     *workflowLocks
	deps      Dependencies
	log       *logger.Logger
}

// NewApprovalService creates a new ApprovalService. Audit search is available
// when repo also implements repository.AuditSearcher.
func NewApprovalService(
	p *policy.Policy,
	repo repository.WorkflowRepository,
	delegations repository.DelegationRepository,
	deps Dependencies,
	log *logger.Logger,
) *ApprovalService {
	validator := NewDecisionValidator(p)
	sla := NewSLATracker(p)
	s := &ApprovalService{
		policy:    p,
		repo:      repo,
		validator: validator,
		sla:       sla,
		machine:   NewWorkflowStateMachine(p, validator, sla, delegations),
		locks:     newWorkflowLocks(),
		deps:      deps,
		log:       log,
	}
	if searcher, ok := repo.(repository.AuditSearcher); ok {
		s.audit = searcher
	}
	return s
}

// Policy returns the policy version the service enforces.
func (s *ApprovalService) Policy() *policy.Policy { return s.policy }

// CreateWorkflowRequest is a submitted withdrawal entering the approval queue.
type CreateWorkflowRequest struct {
	Withdrawal      repository.WithdrawalRequest `json:"withdrawalRequest"`
	Risk            repository.RiskAssessment    `json:"riskAssessment"`
	Priority        repository.Priority          `json:"priority"`
	ComplianceFlags []repository.ComplianceFlag  `json:"complianceFlags,omitempty"`
}

// CreateWorkflow opens a workflow at clerk_review with SLA bounds and the
// default escalation triggers.
func (s *ApprovalService) CreateWorkflow(ctx context.Context, actor Actor, req CreateWorkflowRequest) (*repository.Workflow, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	if err := validateCreate(&req); err != nil {
		return nil, err
	}

	now := s.now()
	wf := &repository.Workflow{
		ID:                uuid.NewString(),
		Status:            repository.StatusPending,
		CurrentStage:      repository.StageClerkReview,
		Priority:          req.Priority,
		WithdrawalRequest: req.Withdrawal,
		RiskAssessment:    req.Risk,
		ComplianceFlags:   req.ComplianceFlags,
		ApprovalHistory:   []repository.ApprovalDecision{},
		Comments:          []repository.Comment{},
		SLAMetrics: repository.SLAMetrics{
			CreatedAt:            now,
			TargetCompletionTime: s.sla.Target(now, req.Priority),
			StageEnteredAt:       now,
			EscalationTriggers:   s.policy.NewTriggers(uuid.NewString),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if wf.WithdrawalRequest.ID == "" {
		wf.WithdrawalRequest.ID = uuid.NewString()
	}
	for i := range wf.ComplianceFlags {
		if wf.ComplianceFlags[i].ID == "" {
			wf.ComplianceFlags[i].ID = uuid.NewString()
		}
	}

	entry := newAudit(AuditWorkflowCreated, actor, repository.SeverityInfo, repository.AuditOutcomeSuccess,
		fmt.Sprintf("workflow opened for %s %s", req.Withdrawal.Amount, req.Withdrawal.Currency), now)
	entry.Details = map[string]interface{}{"policy_version": s.policy.Version(), "priority": string(req.Priority)}
	wf.AuditLog = []repository.AuditEntry{stamp(entry, nil, wf)}

	ch := &change{}
	if err := s.recompute(ctx, wf, now, ch); err != nil {
		return nil, err
	}

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		wf.WorkflowNumber = newWorkflowNumber(now)
		if err = s.repo.Create(ctx, wf); !errors.IsConflict(err) {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("workflow_id", wf.ID).
		Str("workflow_number", wf.WorkflowNumber).
		Str("actor_id", actor.ID).
		Str("amount", wf.WithdrawalRequest.Amount.String()).
		Msg("Workflow created")

	s.publish(ctx, realtime.NewWorkflow(wf, now))
	for _, build := range ch.events {
		s.publish(ctx, build(wf))
	}
	s.notify(ctx, Notification{
		WorkflowID:     wf.ID,
		WorkflowNumber: wf.WorkflowNumber,
		Kind:           "assignment",
		TargetRole:     wf.CurrentApprover.Role,
		Message:        fmt.Sprintf("New withdrawal %s awaiting %s", wf.WorkflowNumber, wf.CurrentStage),
	})
	for _, n := range ch.notifications {
		s.notify(ctx, withWorkflow(n, wf))
	}
	return wf, nil
}

// GetWorkflow returns the workflow with the caller's permissions.
func (s *ApprovalService) GetWorkflow(ctx context.Context, actor Actor, id string) (*WorkflowView, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	wf, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return &WorkflowView{
		Workflow:    wf,
		Permissions: s.permissions(wf, actor),
		SLA:         s.sla.Evaluate(wf, s.now()),
	}, nil
}

// ListWorkflows returns one page of workflow summaries.
func (s *ApprovalService) ListWorkflows(ctx context.Context, actor Actor, filter repository.WorkflowFilter) (*repository.WorkflowPage, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	return s.repo.List(ctx, filter)
}

// ValidateDecision runs the validator without mutating anything.
func (s *ApprovalService) ValidateDecision(ctx context.Context, actor Actor, id string, req DecisionRequest) (*ValidationReport, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	wf, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	secondary, err := s.resolveSecondary(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.validator.Validate(DecisionInput{Workflow: wf, Actor: actor, Request: req, Secondary: secondary}), nil
}

// SubmitDecision validates and applies a decision. A refused decision leaves
// the workflow unchanged apart from a rejected-attempt audit entry.
func (s *ApprovalService) SubmitDecision(ctx context.Context, actor Actor, id string, req DecisionRequest) (*TransitionResult, error) {
	ctx, span := tracing.Start(ctx, "approvals.submit_decision",
		attribute.String("workflow_id", id),
		attribute.String("action", string(req.Action)),
	)
	started := time.Now()

	var (
		result  *TransitionResult
		applied *change
	)
	_, err := s.mutate(ctx, id, actor, string(req.Action), AuditDecisionRefused,
		func(wf *repository.Workflow, now time.Time, ch *change) error {
			if err := s.machine.CheckFresh(wf, req); err != nil {
				return err
			}
			secondary, err := s.resolveSecondary(ctx, req)
			if err != nil {
				return err
			}
			if err := s.verifyCredential(ctx, actor, req); err != nil {
				return err
			}
			res, err := s.machine.Apply(ctx, wf, DecisionInput{Actor: actor, Request: req, Secondary: secondary}, now)
			if err != nil {
				return err
			}
			result, applied = res, ch
			s.describeDecision(res, now, ch)
			return nil
		})
	tracing.End(span, err)
	if err != nil {
		s.deps.Metrics.DecisionRefused(string(req.Action), string(errors.CodeOf(err)))
		return nil, err
	}
	result.FiredTriggers = applied.fired
	s.deps.Metrics.DecisionApplied(string(req.Action), string(result.Workflow.CurrentStage), time.Since(started))
	return result, nil
}

// describeDecision queues the events and notifications a decision causes.
func (s *ApprovalService) describeDecision(res *TransitionResult, now time.Time, ch *change) {
	wf := res.Workflow
	switch {
	case res.Decision.Action == repository.ActionEscalate:
		role := wf.CurrentApprover.Role
		ch.emit(func(wf *repository.Workflow) realtime.Event { return realtime.Escalated(wf, role, now) })
		ch.notify(Notification{
			Kind:       "escalation",
			TargetRole: role,
			Message:    fmt.Sprintf("Withdrawal escalated to %s: %s", role, res.Decision.Fields["escalation_reason"]),
		})
		s.deps.Metrics.Escalation("decision", string(role))
	case wf.Status.Terminal():
		ch.notify(Notification{
			Kind:    "decision",
			Message: fmt.Sprintf("Withdrawal %s", wf.Status),
		})
	case res.StageChanged:
		ch.notify(Notification{
			Kind:         "assignment",
			TargetRole:   wf.CurrentApprover.Role,
			TargetUserID: wf.CurrentApprover.UserID,
			Message:      fmt.Sprintf("Withdrawal awaiting %s", wf.CurrentStage),
		})
	}
}

// AddComment attaches a comment. Comments are accepted in every status.
func (s *ApprovalService) AddComment(ctx context.Context, actor Actor, id, content string, internal bool) (*repository.Comment, error) {
	content = strings.TrimSpace(content)
	var comment repository.Comment
	_, err := s.mutate(ctx, id, actor, AuditCommentAdded, AuditCommentAdded,
		func(wf *repository.Workflow, now time.Time, ch *change) error {
			if err := s.authorize(actor, policy.OpComment); err != nil {
				return err
			}
			if content == "" {
				return errors.InvalidInput("content", "comment content is required")
			}
			if utf8.RuneCountInString(content) > maxCommentLength {
				return errors.InvalidInput("content", fmt.Sprintf("comment exceeds %d characters", maxCommentLength))
			}
			comment = repository.Comment{
				ID:         uuid.NewString(),
				WorkflowID: wf.ID,
				AuthorID:   actor.ID,
				AuthorName: actor.Name,
				Content:    content,
				Internal:   internal,
				CreatedAt:  now,
			}
			wf.Comments = append(wf.Comments, comment)
			e := newAudit(AuditCommentAdded, actor, repository.SeverityInfo, repository.AuditOutcomeSuccess, "comment added", now)
			e.Details = map[string]interface{}{"comment_id": comment.ID, "internal": internal}
			wf.AuditLog = append(wf.AuditLog, stamp(e, wf, wf))
			wf.UpdatedAt = now
			ch.emit(func(wf *repository.Workflow) realtime.Event { return realtime.CommentAdded(wf, comment.ID, now) })
			return nil
		})
	if err != nil {
		return nil, err
	}
	return &comment, nil
}

// ExtendSLA moves the target completion time. This is the only way the
// target changes after creation.
func (s *ApprovalService) ExtendSLA(ctx context.Context, actor Actor, id string, extraHours float64, justification string) (*repository.SLAMetrics, error) {
	justification = strings.TrimSpace(justification)
	wf, err := s.mutate(ctx, id, actor, AuditSLAExtended, AuditSLAExtended,
		func(wf *repository.Workflow, now time.Time, ch *change) error {
			if err := s.authorize(actor, policy.OpExtendSLA); err != nil {
				return err
			}
			slaPolicy := s.policy.SLA()
			extra := time.Duration(extraHours * float64(time.Hour))
			if extra <= 0 {
				return errors.InvalidInput("extraHours", "extension must be positive")
			}
			if extra > slaPolicy.MaxExtension {
				return errors.InvalidInput("extraHours", fmt.Sprintf("extension may not exceed %s", slaPolicy.MaxExtension))
			}
			if n := utf8.RuneCountInString(justification); n < slaPolicy.ExtensionJustificationMin {
				return errors.InvalidInput("justification",
					fmt.Sprintf("justification must be at least %d characters (got %d)", slaPolicy.ExtensionJustificationMin, n))
			}
			if wf.Status.Terminal() {
				return errors.InvalidInput("status", fmt.Sprintf("workflow is %s", wf.Status))
			}

			m := &wf.SLAMetrics
			ext := repository.SLAExtension{
				ExtraHours:     extraHours,
				Justification:  justification,
				ExtendedBy:     actor.ID,
				ExtendedAt:     now,
				PreviousTarget: m.TargetCompletionTime,
				NewTarget:      m.TargetCompletionTime.Add(extra),
			}
			m.TargetCompletionTime = ext.NewTarget
			m.Extensions = append(m.Extensions, ext)

			e := newAudit(AuditSLAExtended, actor, repository.SeverityWarning, repository.AuditOutcomeSuccess,
				fmt.Sprintf("SLA extended by %.1fh", extraHours), now)
			e.Details = map[string]interface{}{
				"previous_target": ext.PreviousTarget,
				"new_target":      ext.NewTarget,
				"justification":   justification,
			}
			wf.AuditLog = append(wf.AuditLog, stamp(e, wf, wf))
			wf.UpdatedAt = now
			return nil
		})
	if err != nil {
		return nil, err
	}
	return &wf.SLAMetrics, nil
}

// AdjustPriority changes the priority. The SLA target is not recomputed.
func (s *ApprovalService) AdjustPriority(ctx context.Context, actor Actor, id string, priority repository.Priority, justification string) (*repository.Workflow, error) {
	justification = strings.TrimSpace(justification)
	return s.mutate(ctx, id, actor, AuditPriorityAdjusted, AuditPriorityAdjusted,
		func(wf *repository.Workflow, now time.Time, ch *change) error {
			if err := s.authorize(actor, policy.OpAdjustPriority); err != nil {
				return err
			}
			if !priority.Valid() {
				return errors.InvalidInput("priority", fmt.Sprintf("unknown priority %q", priority))
			}
			if priority == wf.Priority {
				return errors.InvalidInput("priority", "priority is unchanged")
			}
			if err := minLength("justification", justification, s.policy.Hierarchy().PriorityJustificationMin); err != nil {
				return err
			}
			if wf.Status.Terminal() {
				return errors.InvalidInput("status", fmt.Sprintf("workflow is %s", wf.Status))
			}
			e := newAudit(AuditPriorityAdjusted, actor, repository.SeverityInfo, repository.AuditOutcomeSuccess,
				fmt.Sprintf("priority %s -> %s", wf.Priority, priority), now)
			e.Details = map[string]interface{}{"from": string(wf.Priority), "to": string(priority), "justification": justification}
			wf.Priority = priority
			wf.AuditLog = append(wf.AuditLog, stamp(e, wf, wf))
			wf.UpdatedAt = now
			return nil
		})
}

// Hold parks an open workflow. Decisions are refused until Resume.
func (s *ApprovalService) Hold(ctx context.Context, actor Actor, id, reason string) (*repository.Workflow, error) {
	reason = strings.TrimSpace(reason)
	return s.mutate(ctx, id, actor, AuditHold, AuditHold,
		func(wf *repository.Workflow, now time.Time, ch *change) error {
			if err := s.authorize(actor, policy.OpHold); err != nil {
				return err
			}
			if err := minLength("reason", reason, s.policy.Hierarchy().AuditReasonMin); err != nil {
				return err
			}
			if !wf.Status.Open() {
				return errors.InvalidInput("status", fmt.Sprintf("only pending or escalated workflows can be held (is %s)", wf.Status))
			}
			before := wf.Clone()
			wf.Status = repository.StatusOnHold
			wf.UpdatedAt = now
			e := newAudit(AuditHold, actor, repository.SeverityWarning, repository.AuditOutcomeSuccess, reason, now)
			wf.AuditLog = append(wf.AuditLog, stamp(e, before, wf))
			return nil
		})
}

// Resume returns a held workflow to pending.
func (s *ApprovalService) Resume(ctx context.Context, actor Actor, id, reason string) (*repository.Workflow, error) {
	reason = strings.TrimSpace(reason)
	return s.mutate(ctx, id, actor, AuditResume, AuditResume,
		func(wf *repository.Workflow, now time.Time, ch *change) error {
			if err := s.authorize(actor, policy.OpResume); err != nil {
				return err
			}
			if err := minLength("reason", reason, s.policy.Hierarchy().AuditReasonMin); err != nil {
				return err
			}
			if wf.Status != repository.StatusOnHold {
				return errors.InvalidInput("status", fmt.Sprintf("workflow is not on hold (is %s)", wf.Status))
			}
			before := wf.Clone()
			wf.Status = repository.StatusPending
			wf.UpdatedAt = now
			e := newAudit(AuditResume, actor, repository.SeverityInfo, repository.AuditOutcomeSuccess, reason, now)
			wf.AuditLog = append(wf.AuditLog, stamp(e, before, wf))
			return nil
		})
}

// SatisfyCondition marks a conditional-approval condition as met.
func (s *ApprovalService) SatisfyCondition(ctx context.Context, actor Actor, id, conditionID, note string) (*repository.Workflow, error) {
	return s.mutate(ctx, id, actor, AuditConditionSatisfied, AuditConditionSatisfied,
		func(wf *repository.Workflow, now time.Time, ch *change) error {
			if err := s.authorize(actor, policy.OpSatisfyCondition); err != nil {
				return err
			}
			if wf.Status.Terminal() {
				return errors.InvalidInput("status", fmt.Sprintf("workflow is %s", wf.Status))
			}
			for i := range wf.Conditions {
				c := &wf.Conditions[i]
				if c.ID != conditionID {
					continue
				}
				if c.Satisfied {
					return errors.InvalidInput("conditionId", "condition is already satisfied")
				}
				at := now
				c.Satisfied, c.SatisfiedBy, c.SatisfiedAt = true, actor.ID, &at
				e := newAudit(AuditConditionSatisfied, actor, repository.SeverityInfo, repository.AuditOutcomeSuccess,
					c.Description, now)
				e.Details = map[string]interface{}{"condition_id": c.ID, "note": strings.TrimSpace(note)}
				wf.AuditLog = append(wf.AuditLog, stamp(e, wf, wf))
				wf.UpdatedAt = now
				return nil
			}
			return errors.NotFound("condition", conditionID)
		})
}

// ResolveFlag marks a compliance flag resolved.
func (s *ApprovalService) ResolveFlag(ctx context.Context, actor Actor, id, flagID, note string) (*repository.Workflow, error) {
	note = strings.TrimSpace(note)
	return s.mutate(ctx, id, actor, AuditFlagResolved, AuditFlagResolved,
		func(wf *repository.Workflow, now time.Time, ch *change) error {
			if err := s.authorize(actor, policy.OpResolveFlag); err != nil {
				return err
			}
			if err := minLength("note", note, s.policy.Hierarchy().AuditReasonMin); err != nil {
				return err
			}
			for i := range wf.ComplianceFlags {
				f := &wf.ComplianceFlags[i]
				if f.ID != flagID {
					continue
				}
				if f.Resolved {
					return errors.InvalidInput("flagId", "flag is already resolved")
				}
				at := now
				f.Resolved, f.ResolvedBy, f.ResolvedAt, f.ResolutionNote = true, actor.ID, &at, note
				sev := repository.SeverityInfo
				if f.Severity == repository.RiskCritical {
					sev = repository.SeverityWarning
				}
				e := newAudit(AuditFlagResolved, actor, sev, repository.AuditOutcomeSuccess, note, now)
				e.Details = map[string]interface{}{"flag_id": f.ID, "flag_type": f.Type, "flag_severity": string(f.Severity)}
				wf.AuditLog = append(wf.AuditLog, stamp(e, wf, wf))
				wf.UpdatedAt = now
				return nil
			}
			return errors.NotFound("compliance flag", flagID)
		})
}

// SearchAudit lists audit entries across workflows, newest first.
func (s *ApprovalService) SearchAudit(ctx context.Context, actor Actor, q repository.AuditQuery) ([]repository.AuditRecord, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	if err := s.authorize(actor, policy.OpViewAudit); err != nil {
		return nil, err
	}
	if s.audit == nil {
		return nil, errors.Configuration("audit search is not supported by the workflow store")
	}
	return s.audit.Search(ctx, q)
}

// EvaluateSLA recomputes one open workflow's SLA as the system actor and
// fires due triggers. Nothing is written when no observable field changed.
func (s *ApprovalService) EvaluateSLA(ctx context.Context, id string) (bool, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	wf, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if wf.Status.Terminal() {
		return false, nil
	}
	expected := wf.Version
	before := wf.Clone()
	now := s.now()

	ch := &change{}
	if err := s.recompute(ctx, wf, now, ch); err != nil {
		return false, err
	}
	if len(wf.AuditLog) == len(before.AuditLog) &&
		wf.SLAMetrics.Status == before.SLAMetrics.Status &&
		wf.CurrentApprover == before.CurrentApprover &&
		wf.DueDate.Equal(before.DueDate) {
		return false, nil
	}
	if wf.SLAMetrics.Status != before.SLAMetrics.Status {
		s.deps.Metrics.SLAStatusChanged(string(wf.SLAMetrics.Status))
	}
	if err := s.commit(ctx, wf, expected, SystemActor, "sla_recompute", now, ch); err != nil {
		return false, err
	}
	return true, nil
}

// ── Mutation pipeline ────────────────────────────────────────────────────────

// change collects what a mutation wants announced once it is stored.
// Events are built after the store assigns the new version. Side writes made
// outside the workflow register an undo that runs if the store is never
// reached.
type change struct {
	events        []func(wf *repository.Workflow) realtime.Event
	notifications []Notification
	fired         []repository.EscalationTrigger
	undo          []func(ctx context.Context) error
}

func (c *change) onAbort(fn func(ctx context.Context) error) {
	c.undo = append(c.undo, fn)
}

func (c *change) emit(build func(wf *repository.Workflow) realtime.Event) {
	c.events = append(c.events, build)
}

func (c *change) notify(n Notification) {
	c.notifications = append(c.notifications, n)
}

type mutateFunc func(wf *repository.Workflow, now time.Time, ch *change) error

// mutate serializes one operation on a workflow: lock, load, apply fn,
// recompute derived fields, store with the loaded version, then announce.
// fn must leave wf untouched when it returns an error. Refused validation,
// authority and conflict errors are written to the audit log under refused.
func (s *ApprovalService) mutate(ctx context.Context, id string, actor Actor, op, refused string, fn mutateFunc) (*repository.Workflow, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	wf, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	expected := wf.Version
	now := s.now()

	ch := &change{}
	if err := fn(wf, now, ch); err != nil {
		s.abort(ctx, id, op, ch)
		if errors.IsValidation(err) || errors.IsAuthority(err) || errors.IsConflict(err) {
			entry := refusedAudit(refused, actor, wf, err, now)
			if entry.Details == nil {
				entry.Details = map[string]interface{}{}
			}
			entry.Details["operation"] = op
			s.appendAudit(ctx, wf.ID, entry)
		}
		s.log.Info().
			Err(err).
			Str("workflow_id", id).
			Str("action", op).
			Str("actor_id", actor.ID).
			Msg("Operation refused")
		return nil, err
	}

	if err := s.recompute(ctx, wf, now, ch); err != nil {
		s.abort(ctx, id, op, ch)
		return nil, err
	}
	if err := s.commit(ctx, wf, expected, actor, op, now, ch); err != nil {
		s.abort(ctx, id, op, ch)
		return nil, err
	}
	return wf, nil
}

// abort undoes side writes of a mutation that was never stored. It runs even
// when ctx is already cancelled.
func (s *ApprovalService) abort(ctx context.Context, id, op string, ch *change) {
	if len(ch.undo) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), undoTimeout)
	defer cancel()
	for i := len(ch.undo) - 1; i >= 0; i-- {
		if err := ch.undo[i](ctx); err != nil {
			s.log.Error().Err(err).
				Str("workflow_id", id).
				Str("action", op).
				Msg("Failed to undo side write of an aborted operation")
		}
	}
}

// recompute refreshes derived fields and handles fired triggers until no
// trigger fires. Each trigger fires at most once, so this terminates.
func (s *ApprovalService) recompute(ctx context.Context, wf *repository.Workflow, now time.Time, ch *change) error {
	for {
		fired, err := s.machine.Recompute(ctx, wf, now)
		if err != nil {
			return err
		}
		if len(fired) == 0 {
			return nil
		}
		if err := s.processTriggers(wf, fired, now, ch); err != nil {
			return err
		}
	}
}

func (s *ApprovalService) processTriggers(wf *repository.Workflow, fired []repository.EscalationTrigger, now time.Time, ch *change) error {
	ch.fired = append(ch.fired, fired...)
	for _, trig := range fired {
		s.deps.Metrics.TriggerFired(string(trig.Action))
		e := newAudit(AuditSLATriggerFired, SystemActor, repository.SeverityWarning, repository.AuditOutcomeSuccess,
			fmt.Sprintf("%s trigger fired for %s", trig.Condition.Type, trig.TargetRole), now)
		e.Details = map[string]interface{}{
			"trigger_id": trig.ID,
			"condition":  string(trig.Condition.Type),
			"action":     string(trig.Action),
		}
		wf.AuditLog = append(wf.AuditLog, stamp(e, wf, wf))

		switch trig.Action {
		case repository.TriggerActionNotify:
			ch.notify(Notification{
				Kind:       "sla_trigger",
				TargetRole: trig.TargetRole,
				Message:    fmt.Sprintf("SLA trigger %s fired", trig.Condition.Type),
			})
		case repository.TriggerActionEscalate:
			rec, err := s.machine.ApplyTriggerEscalation(wf, trig, now)
			if err != nil {
				return err
			}
			if rec == nil {
				continue
			}
			role := rec.TargetRole
			ch.emit(func(wf *repository.Workflow) realtime.Event { return realtime.Escalated(wf, role, now) })
			ch.notify(Notification{
				Kind:       "escalation",
				TargetRole: role,
				Message:    fmt.Sprintf("Withdrawal escalated to %s by SLA trigger", role),
			})
			s.deps.Metrics.Escalation("sla", string(role))
		}
	}
	return nil
}

// commit stores wf and announces the change. Announcements are best effort.
func (s *ApprovalService) commit(ctx context.Context, wf *repository.Workflow, expected int64, actor Actor, op string, now time.Time, ch *change) error {
	if err := s.repo.Update(ctx, wf, expected); err != nil {
		return err
	}
	s.invalidate(ctx, wf.ID)

	s.log.Info().
		Str("workflow_id", wf.ID).
		Str("action", op).
		Str("actor_id", actor.ID).
		Str("stage", string(wf.CurrentStage)).
		Str("status", string(wf.Status)).
		Int64("version", wf.Version).
		Msg("Workflow updated")

	s.publish(ctx, realtime.WorkflowUpdated(wf, op, now))
	for _, build := range ch.events {
		s.publish(ctx, build(wf))
	}
	for _, n := range ch.notifications {
		s.notify(ctx, withWorkflow(n, wf))
	}
	return nil
}

// appendAudit writes an audit entry and logs a warning on failure (never returns error).
func (s *ApprovalService) appendAudit(ctx context.Context, workflowID string, entry repository.AuditEntry) {
	if err := s.repo.AppendAudit(ctx, workflowID, entry); err != nil {
		s.log.Warn().Err(err).
			Str("workflow_id", workflowID).
			Str("action", entry.Action).
			Msg("Failed to write audit log entry")
		return
	}
	s.invalidate(ctx, workflowID)
}

// load reads a workflow for display, through the view cache when one is set.
// Mutations always read the store.
func (s *ApprovalService) load(ctx context.Context, id string) (*repository.Workflow, error) {
	if s.deps.Cache == nil {
		return s.repo.GetByID(ctx, id)
	}
	cached, gen, err := s.deps.Cache.Get(ctx, id)
	if err != nil {
		s.log.Warn().Err(err).Str("workflow_id", id).Msg("Workflow cache read failed")
		return s.repo.GetByID(ctx, id)
	}
	if cached != nil {
		return cached, nil
	}
	wf, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Cache.Set(ctx, wf, gen); err != nil {
		s.log.Warn().Err(err).Str("workflow_id", id).Msg("Workflow cache write failed")
	}
	return wf, nil
}

func (s *ApprovalService) invalidate(ctx context.Context, id string) {
	if s.deps.Cache == nil {
		return
	}
	if err := s.deps.Cache.Invalidate(ctx, id); err != nil {
		s.log.Warn().Err(err).Str("workflow_id", id).Msg("Workflow cache invalidation failed")
	}
}

func (s *ApprovalService) publish(ctx context.Context, evt realtime.Event) {
	if s.deps.Events == nil {
		return
	}
	err := s.deps.Events.Publish(ctx, evt)
	s.deps.Metrics.EventPublished(string(evt.Type), err)
	if err != nil {
		s.log.Warn().Err(err).
			Str("workflow_id", evt.Data.WorkflowID).
			Str("event_type", string(evt.Type)).
			Msg("Failed to publish realtime event")
	}
}

func (s *ApprovalService) notify(ctx context.Context, n Notification) {
	if s.deps.Notifier == nil {
		return
	}
	if err := s.deps.Notifier.NotifyApprovers(ctx, n); err != nil {
		s.log.Warn().Err(err).
			Str("workflow_id", n.WorkflowID).
			Str("kind", n.Kind).
			Msg("Failed to publish approver notification")
	}
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func (s *ApprovalService) now() time.Time {
	if s.deps.Clock != nil {
		return s.deps.Clock().UTC()
	}
	return time.Now().UTC()
}

func (s *ApprovalService) authorize(actor Actor, op string) error {
	if !s.policy.Allowed(actor.Role, op) {
		return errors.Authority(fmt.Sprintf("role %s may not %s", actor.Role, op), nil)
	}
	return nil
}

// resolveSecondary looks up the named secondary approver. Unknown users
// resolve to nil and fail validation; identity outages are errors.
func (s *ApprovalService) resolveSecondary(ctx context.Context, req DecisionRequest) (*UserInfo, error) {
	if req.SecondaryApproverID == "" || s.deps.Identity == nil {
		return nil, nil
	}
	u, err := s.deps.Identity.GetUser(ctx, req.SecondaryApproverID)
	if errors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConnectivity, "failed to resolve secondary approver")
	}
	return u, nil
}

// verifyCredential checks the authorization code with the external verifier.
// Malformed methods and blank codes are left to the validator's report.
func (s *ApprovalService) verifyCredential(ctx context.Context, actor Actor, req DecisionRequest) error {
	if !req.AuthorizationMethod.Valid() || strings.TrimSpace(req.AuthorizationCode) == "" {
		return nil
	}
	if s.deps.Credentials == nil {
		return errors.Authority("no credential verifier is configured", nil)
	}
	if err := s.deps.Credentials.Verify(ctx, actor.ID, req.AuthorizationMethod, req.AuthorizationCode); err != nil {
		if errors.IsConnectivity(err) {
			return err
		}
		return errors.Wrap(err, errors.ErrCodeAuthority, "authorization credential rejected").
			WithDetail("method", string(req.AuthorizationMethod))
	}
	return nil
}

// permissions describes what actor may do with wf right now.
func (s *ApprovalService) permissions(wf *repository.Workflow, actor Actor) Permissions {
	perms := Permissions{
		Actions:     []repository.Action{},
		CanOverride: s.policy.CanOverride(actor.Role),
		Operations: s.policy.Permissions().Operations(actor.Role, []string{
			policy.OpComment, policy.OpExtendSLA, policy.OpAdjustPriority, policy.OpHold, policy.OpResume,
			policy.OpDelegate, policy.OpReassign, policy.OpEscalateHierarchy, policy.OpOverrideHierarchy,
			policy.OpSatisfyCondition, policy.OpResolveFlag, policy.OpBulkDecide, policy.OpViewAudit,
		}),
	}
	ca := wf.CurrentApprover
	perms.IsCurrentApprover = ca.Source != ApproverSourceNone &&
		(ca.UserID == actor.ID || (ca.UserID == "" && actor.Role.Rank() >= ca.Role.Rank()))

	owner, err := s.policy.StageRole(wf.CurrentStage)
	if err != nil {
		return perms
	}
	if limit, err := s.policy.MaxAmount(wf.CurrentStage, actor.Role); err == nil {
		perms.MaxAmount = limitString(limit)
	}
	if !wf.Status.Open() || actor.Role.Rank() < owner.Rank() {
		return perms
	}
	if ca.UserID != "" && ca.UserID != actor.ID && actor.Role.Rank() <= owner.Rank() {
		return perms
	}
	for _, a := range []repository.Action{
		repository.ActionApprove, repository.ActionReject, repository.ActionEscalate,
		repository.ActionRequestInfo, repository.ActionConditionalApprove, repository.ActionOverride,
	} {
		rule, err := s.policy.Rule(a)
		if err != nil || !s.policy.Allowed(actor.Role, string(a)) || rule.Blocks(wf.RiskAssessment.Level) {
			continue
		}
		if rule.RequiresOverrideAuthority && !perms.CanOverride {
			continue
		}
		if a == repository.ActionConditionalApprove && wf.CurrentStage == repository.StageFinalAuthorization {
			continue
		}
		perms.Actions = append(perms.Actions, a)
	}
	return perms
}

func limitString(l policy.Limit) string {
	if l.Unlimited {
		return "unlimited"
	}
	return l.Amount.String()
}

func checkActor(actor Actor) error {
	if actor.ID == "" || !actor.Role.Valid() {
		return errors.New(errors.ErrCodeUnauthorized, "authenticated actor with a known role is required")
	}
	return nil
}

func validateCreate(req *CreateWorkflowRequest) error {
	w := &req.Withdrawal
	if !w.Amount.GreaterThan(decimal.Zero) {
		return errors.InvalidInput("withdrawalRequest.amount", "amount must be positive")
	}
	w.Currency = strings.ToUpper(strings.TrimSpace(w.Currency))
	if len(w.Currency) != 3 {
		return errors.InvalidInput("withdrawalRequest.currency", "currency must be 3-letter ISO code")
	}
	if strings.TrimSpace(w.CustomerID) == "" {
		return errors.InvalidInput("withdrawalRequest.customerId", "customer is required")
	}
	if req.Priority == "" {
		req.Priority = repository.PriorityMedium
	}
	if !req.Priority.Valid() {
		return errors.InvalidInput("priority", fmt.Sprintf("unknown priority %q", req.Priority))
	}
	if req.Risk.Level.Rank() < 0 {
		return errors.InvalidInput("riskAssessment.level", fmt.Sprintf("unknown risk level %q", req.Risk.Level))
	}
	for _, f := range req.ComplianceFlags {
		if f.Severity.Rank() < 0 {
			return errors.InvalidInput("complianceFlags.severity", fmt.Sprintf("unknown severity %q", f.Severity))
		}
	}
	return nil
}

func minLength(field, value string, min int) error {
	if n := utf8.RuneCountInString(value); n < min {
		return errors.InvalidInput(field, fmt.Sprintf("%s must be at least %d characters (got %d)", field, min, n))
	}
	return nil
}

// newWorkflowNumber renders WD-YYYYMMDD-XXXXXX.
func newWorkflowNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return fmt.Sprintf("WD-%s-%s", now.Format("20060102"), suffix)
}

func withWorkflow(n Notification, wf *repository.Workflow) Notification {
	n.WorkflowID = wf.ID
	n.WorkflowNumber = wf.WorkflowNumber
	return n
}
