package service

import (
	"time"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/repository"
)

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Role       repository.Role `json:"role"`
	Department string          `json:"department,omitempty"`
	SessionID  string          `json:"sessionId,omitempty"`
	IPAddress  string          `json:"ipAddress,omitempty"`
	DeviceInfo string          `json:"deviceInfo,omitempty"`
}

// SystemActor performs SLA-driven escalations.
var SystemActor = Actor{ID: "system", Name: "SLA monitor", Role: repository.RoleSystem}

// DecisionRequest is a reviewer's proposed decision.
type DecisionRequest struct {
	Action              repository.Action              `json:"action"`
	Notes               string                         `json:"notes"`
	Fields              map[string]string              `json:"fields,omitempty"`
	Conditions          []string                       `json:"conditions,omitempty"`
	AuthorizationMethod repository.AuthorizationMethod `json:"authorizationMethod"`
	AuthorizationCode   string                         `json:"authorizationCode"`
	SecondaryApproverID string                         `json:"secondaryApproverId,omitempty"`
	// TargetStage is the override destination; empty means completed.
	TargetStage repository.Stage `json:"targetStage,omitempty"`

	// The view the caller decided on. A mismatch with stored state is a conflict.
	ExpectedStage   repository.Stage  `json:"expectedStage"`
	ExpectedStatus  repository.Status `json:"expectedStatus,omitempty"`
	ExpectedVersion *int64            `json:"expectedVersion,omitempty"`

	AcknowledgeWarnings bool `json:"acknowledgeWarnings"`
}

// Field returns a supplementary field value.
func (r DecisionRequest) Field(name string) string {
	if r.Fields == nil {
		return ""
	}
	return r.Fields[name]
}

// Check outcomes.
const (
	CheckPassed  = "passed"
	CheckWarning = "warning"
	CheckFailed  = "failed"
)

// Check categories decide which error a blocking failure maps to.
const (
	CategoryValidation = "validation"
	CategoryAuthority  = "authority"
)

// CheckResult is one evaluated rule.
type CheckResult struct {
	Name     string              `json:"name"`
	Outcome  string              `json:"outcome"`
	Severity repository.Severity `json:"severity"`
	Category string              `json:"category"`
	Message  string              `json:"message,omitempty"`
	Field    string              `json:"field,omitempty"`
}

// Blocking reports whether the check prevents the decision.
func (c CheckResult) Blocking() bool {
	return c.Outcome == CheckFailed &&
		(c.Severity == repository.SeverityError || c.Severity == repository.SeverityCritical)
}

// ValidationReport is the structured result of validating a decision.
type ValidationReport struct {
	Action                    repository.Action `json:"action"`
	Valid                     bool              `json:"valid"`
	RequiresSecondaryApproval bool              `json:"requiresSecondaryApproval"`
	SecondaryReasons          []string          `json:"secondaryReasons,omitempty"`
	Checks                    []CheckResult     `json:"checks"`
	PolicyVersion             string            `json:"policyVersion"`
}

// Failures returns the blocking checks.
func (r *ValidationReport) Failures() []CheckResult {
	var out []CheckResult
	for _, c := range r.Checks {
		if c.Blocking() {
			out = append(out, c)
		}
	}
	return out
}

// Warnings returns checks that need acknowledgement.
func (r *ValidationReport) Warnings() []CheckResult {
	var out []CheckResult
	for _, c := range r.Checks {
		if c.Outcome == CheckWarning || (c.Outcome == CheckFailed && !c.Blocking()) {
			out = append(out, c)
		}
	}
	return out
}

// AuthorityOnly reports whether every blocking failure is an authority check.
func (r *ValidationReport) AuthorityOnly() bool {
	failures := r.Failures()
	if len(failures) == 0 {
		return false
	}
	for _, f := range failures {
		if f.Category != CategoryAuthority {
			return false
		}
	}
	return true
}

// TransitionResult is what the state machine produced for one decision.
type TransitionResult struct {
	Workflow      *repository.Workflow           `json:"workflow"`
	Decision      repository.ApprovalDecision    `json:"decision"`
	Report        *ValidationReport              `json:"report"`
	FiredTriggers []repository.EscalationTrigger `json:"firedTriggers,omitempty"`
	StageChanged  bool                           `json:"stageChanged"`
}

// Permissions describes what the caller may do with a workflow right now.
type Permissions struct {
	Actions           []repository.Action `json:"actions"`
	Operations        []string            `json:"operations"`
	MaxAmount         string              `json:"maxAmount"`
	CanOverride       bool                `json:"canOverride"`
	IsCurrentApprover bool                `json:"isCurrentApprover"`
}

// WorkflowView is a workflow together with the caller's permissions and a
// read-time SLA snapshot.
type WorkflowView struct {
	Workflow    *repository.Workflow `json:"workflow"`
	Permissions Permissions          `json:"permissions"`
	SLA         SLASnapshot          `json:"sla"`
}

// UserInfo is what the identity service knows about a user.
type UserInfo struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Role       repository.Role `json:"role"`
	Department string          `json:"department,omitempty"`
	Active     bool            `json:"active"`
}

// Clock returns the current time; tests replace it.
type Clock func() time.Time
