package repository

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ── Enumerations ─────────────────────────────────────────────────────────────

// Stage is one step in the fixed approval sequence.
type Stage string

const (
	StageClerkReview        Stage = "clerk_review"
	StageManagerReview      Stage = "manager_review"
	StageAdminReview        Stage = "admin_review"
	StageFinalAuthorization Stage = "final_authorization"
	StageCompleted          Stage = "completed"
)

// StageOrder is the only valid stage sequence.
var StageOrder = []Stage{
	StageClerkReview,
	StageManagerReview,
	StageAdminReview,
	StageFinalAuthorization,
	StageCompleted,
}

// Index returns the position of s in StageOrder, or -1.
func (s Stage) Index() int {
	for i, st := range StageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s belongs to StageOrder.
func (s Stage) Valid() bool { return s.Index() >= 0 }

// Next returns the following stage; completed is its own successor.
func (s Stage) Next() Stage {
	i := s.Index()
	if i < 0 || i >= len(StageOrder)-1 {
		return StageCompleted
	}
	return StageOrder[i+1]
}

// Status is the overall disposition of a workflow, orthogonal to stage.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusEscalated Status = "escalated"
	StatusOnHold    Status = "on_hold"
)

// Terminal reports whether no further decision may be applied.
func (s Status) Terminal() bool { return s == StatusApproved || s == StatusRejected }

// Open reports whether decisions may be submitted in this status.
func (s Status) Open() bool { return s == StatusPending || s == StatusEscalated }

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusEscalated, StatusOnHold:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank orders priorities for sorting; unknown values sort last.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	}
	return 4
}

func (p Priority) Valid() bool { return p.Rank() < 4 }

// Role is an approver authority level.
type Role string

const (
	RoleClerk      Role = "clerk"
	RoleManager    Role = "manager"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
	RoleSystem     Role = "system"
)

// Rank returns the authority rank of r, or -1 when unknown.
// The system actor ranks with super_admin.
func (r Role) Rank() int {
	switch r {
	case RoleClerk:
		return 0
	case RoleManager:
		return 1
	case RoleAdmin:
		return 2
	case RoleSuperAdmin, RoleSystem:
		return 3
	}
	return -1
}

func (r Role) Valid() bool { return r.Rank() >= 0 }

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank orders risk levels; unknown is -1.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	}
	return -1
}

// Action is a decision a reviewer can submit.
type Action string

const (
	ActionApprove            Action = "approve"
	ActionReject             Action = "reject"
	ActionEscalate           Action = "escalate"
	ActionRequestInfo        Action = "request_info"
	ActionConditionalApprove Action = "conditional_approve"
	ActionOverride           Action = "override"
)

// Advances reports whether the action moves the workflow forward on success.
func (a Action) Advances() bool {
	return a == ActionApprove || a == ActionConditionalApprove || a == ActionOverride
}

type AuthorizationMethod string

const (
	AuthPIN           AuthorizationMethod = "pin"
	AuthBiometric     AuthorizationMethod = "biometric"
	AuthTwoFactor     AuthorizationMethod = "two_factor"
	AuthHardwareToken AuthorizationMethod = "hardware_token"
)

func (m AuthorizationMethod) Valid() bool {
	switch m {
	case AuthPIN, AuthBiometric, AuthTwoFactor, AuthHardwareToken:
		return true
	}
	return false
}

// Severity grades audit entries and validation checks.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

type ComplianceStatus string

const (
	ComplianceCompliant    ComplianceStatus = "compliant"
	ComplianceNonCompliant ComplianceStatus = "non_compliant"
	CompliancePending      ComplianceStatus = "pending"
)

type SLAStatus string

const (
	SLAOnTrack  SLAStatus = "on_track"
	SLAAtRisk   SLAStatus = "at_risk"
	SLABreached SLAStatus = "breached"
)

type DelegationScope string

const (
	DelegationScopeWorkflow   DelegationScope = "workflow"
	DelegationScopeRole       DelegationScope = "role"
	DelegationScopeDepartment DelegationScope = "department"
)

// ── Immutable inputs ─────────────────────────────────────────────────────────

// WithdrawalRequest is the read-only snapshot the workflow was created from.
type WithdrawalRequest struct {
	ID                 string            `json:"id"`
	Amount             decimal.Decimal   `json:"amount"`
	Currency           string            `json:"currency"`
	CustomerID         string            `json:"customerId"`
	CustomerName       string            `json:"customerName"`
	AgentID            string            `json:"agentId,omitempty"`
	AgentName          string            `json:"agentName,omitempty"`
	Department         string            `json:"department,omitempty"`
	Documents          []Document        `json:"documents,omitempty"`
	TransactionContext map[string]string `json:"transactionContext,omitempty"`
	RequestedAt        time.Time         `json:"requestedAt"`
}

type Document struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Name     string `json:"name"`
	Verified bool   `json:"verified"`
}

// RiskAssessment is produced externally and never recomputed here.
type RiskAssessment struct {
	Level            RiskLevel         `json:"level"`
	Score            int               `json:"score"`
	FraudIndicators  []FraudIndicator  `json:"fraudIndicators,omitempty"`
	ComplianceChecks []ComplianceCheck `json:"complianceChecks,omitempty"`
	AssessedAt       time.Time         `json:"assessedAt"`
}

type FraudIndicator struct {
	Code        string    `json:"code"`
	Description string    `json:"description"`
	Severity    RiskLevel `json:"severity"`
}

// ComplianceCheck is one checklist item of the risk assessment.
type ComplianceCheck struct {
	Name   string           `json:"name"`
	Status ComplianceStatus `json:"status"`
	Notes  string           `json:"notes,omitempty"`
}

// ── Mutable aggregate parts ──────────────────────────────────────────────────

type ComplianceFlag struct {
	ID             string     `json:"id"`
	Type           string     `json:"type"`
	Severity       RiskLevel  `json:"severity"`
	Description    string     `json:"description"`
	Resolved       bool       `json:"resolved"`
	ResolvedBy     string     `json:"resolvedBy,omitempty"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
	ResolutionNote string     `json:"resolutionNote,omitempty"`
}

// Condition is attached by a conditional approval and must be satisfied
// before the workflow can complete.
type Condition struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Satisfied   bool       `json:"satisfied"`
	SatisfiedBy string     `json:"satisfiedBy,omitempty"`
	SatisfiedAt *time.Time `json:"satisfiedAt,omitempty"`
}

// ApprovalDecision is immutable once appended to the history.
type ApprovalDecision struct {
	ID                   string              `json:"id"`
	Action               Action              `json:"action"`
	Stage                Stage               `json:"stage"`
	ResultingStage       Stage               `json:"resultingStage"`
	ApproverID           string              `json:"approverId"`
	ApproverName         string              `json:"approverName"`
	ApproverRole         Role                `json:"approverRole"`
	Timestamp            time.Time           `json:"timestamp"`
	Notes                string              `json:"notes"`
	Fields               map[string]string   `json:"fields,omitempty"`
	Conditions           []Condition         `json:"conditions,omitempty"`
	AuthorizationMethod  AuthorizationMethod `json:"authorizationMethod"`
	AuthorizationCode    string              `json:"authorizationCode"`
	SecondaryApproverID  string              `json:"secondaryApproverId,omitempty"`
	AcknowledgedWarnings []string            `json:"acknowledgedWarnings,omitempty"`
	DeviceInfo           string              `json:"deviceInfo,omitempty"`
	IPAddress            string              `json:"ipAddress,omitempty"`
	SessionID            string              `json:"sessionId,omitempty"`
}

// AuditEntry is one append-only record of a mutating or refused operation.
type AuditEntry struct {
	ID           string                 `json:"id"`
	Action       string                 `json:"action"`
	ActorID      string                 `json:"actorId"`
	ActorRole    Role                   `json:"actorRole,omitempty"`
	Severity     Severity               `json:"severity"`
	Outcome      string                 `json:"outcome"` // success | rejected
	Message      string                 `json:"message,omitempty"`
	StageBefore  Stage                  `json:"stageBefore,omitempty"`
	StageAfter   Stage                  `json:"stageAfter,omitempty"`
	StatusBefore Status                 `json:"statusBefore,omitempty"`
	StatusAfter  Status                 `json:"statusAfter,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
}

const (
	AuditOutcomeSuccess  = "success"
	AuditOutcomeRejected = "rejected"
)

type Comment struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflowId"`
	AuthorID   string    `json:"authorId"`
	AuthorName string    `json:"authorName"`
	Content    string    `json:"content"`
	Internal   bool      `json:"internal"`
	CreatedAt  time.Time `json:"createdAt"`
}

// TriggerType names the condition an escalation trigger evaluates.
type TriggerType string

const (
	TriggerElapsedPercent TriggerType = "elapsed_pct"
	TriggerElapsedHours   TriggerType = "elapsed_hours"
	TriggerStageHours     TriggerType = "stage_hours"
	TriggerAmountAbove    TriggerType = "amount_above"
	TriggerRiskAtLeast    TriggerType = "risk_at_least"
)

type TriggerAction string

const (
	TriggerActionNotify   TriggerAction = "notify"
	TriggerActionEscalate TriggerAction = "escalate"
)

type TriggerCondition struct {
	Type      TriggerType `json:"type" yaml:"type"`
	Threshold float64     `json:"threshold,omitempty" yaml:"threshold"`
	Amount    string      `json:"amount,omitempty" yaml:"amount"`
	RiskLevel RiskLevel   `json:"riskLevel,omitempty" yaml:"risk_level"`
}

// EscalationTrigger fires at most once; TriggeredAt records when.
type EscalationTrigger struct {
	ID          string           `json:"id"`
	Condition   TriggerCondition `json:"condition"`
	Action      TriggerAction    `json:"action"`
	TargetRole  Role             `json:"targetRole"`
	TriggeredAt *time.Time       `json:"triggeredAt,omitempty"`
}

type SLAExtension struct {
	ExtraHours     float64   `json:"extraHours"`
	Justification  string    `json:"justification"`
	ExtendedBy     string    `json:"extendedBy"`
	ExtendedAt     time.Time `json:"extendedAt"`
	PreviousTarget time.Time `json:"previousTarget"`
	NewTarget      time.Time `json:"newTarget"`
}

// SLAMetrics holds SLA bounds plus the last recomputed snapshot.
type SLAMetrics struct {
	CreatedAt            time.Time           `json:"createdAt"`
	TargetCompletionTime time.Time           `json:"targetCompletionTime"`
	StageEnteredAt       time.Time           `json:"stageEnteredAt"`
	TimeInCurrentStage   time.Duration       `json:"timeInCurrentStage"`
	TotalProcessingTime  time.Duration       `json:"totalProcessingTime"`
	ProgressPct          float64             `json:"progressPct"`
	EscalationTriggers   []EscalationTrigger `json:"escalationTriggers,omitempty"`
	Status               SLAStatus           `json:"slaStatus"`
	Extensions           []SLAExtension      `json:"extensions,omitempty"`
}

type EscalationRecord struct {
	ID          string    `json:"id"`
	FromStage   Stage     `json:"fromStage"`
	ToStage     Stage     `json:"toStage"`
	TargetRole  Role      `json:"targetRole"`
	Reason      string    `json:"reason"`
	EscalatedBy string    `json:"escalatedBy"`
	TriggerID   string    `json:"triggerId,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Delegation hands approval authority to another user, optionally time-boxed.
type Delegation struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflowId,omitempty"`
	FromUserID string          `json:"fromUserId"`
	ToUserID   string          `json:"toUserId"`
	ToRole     Role            `json:"toRole"`
	Scope      DelegationScope `json:"scope"`
	Role       Role            `json:"role,omitempty"`
	Department string          `json:"department,omitempty"`
	StartsAt   *time.Time      `json:"startsAt,omitempty"`
	EndsAt     *time.Time      `json:"endsAt,omitempty"`
	Reason     string          `json:"reason"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// ActiveAt reports whether the delegation window contains t.
func (d *Delegation) ActiveAt(t time.Time) bool {
	if d == nil {
		return false
	}
	if d.StartsAt != nil && t.Before(*d.StartsAt) {
		return false
	}
	if d.EndsAt != nil && !t.Before(*d.EndsAt) {
		return false
	}
	return true
}

// Routing decides who may act next at the current stage.
type Routing struct {
	AssignedTo   string      `json:"assignedTo,omitempty"`
	AssignedRole Role        `json:"assignedRole,omitempty"`
	Delegation   *Delegation `json:"delegation,omitempty"`
	OverriddenBy string      `json:"overriddenBy,omitempty"`
}

// CurrentApprover is derived on every transition.
type CurrentApprover struct {
	Role   Role   `json:"role"`
	UserID string `json:"userId,omitempty"`
	Source string `json:"source"` // role_pool | assignment | delegation
}

// ── Aggregate root ───────────────────────────────────────────────────────────

// Workflow is the aggregate root of a withdrawal approval.
type Workflow struct {
	ID                string             `json:"id"`
	WorkflowNumber    string             `json:"workflowNumber"`
	Status            Status             `json:"status"`
	CurrentStage      Stage              `json:"currentStage"`
	Priority          Priority           `json:"priority"`
	WithdrawalRequest WithdrawalRequest  `json:"withdrawalRequest"`
	RiskAssessment    RiskAssessment     `json:"riskAssessment"`
	ComplianceFlags   []ComplianceFlag   `json:"complianceFlags"`
	ApprovalHistory   []ApprovalDecision `json:"approvalHistory"`
	AuditLog          []AuditEntry       `json:"auditLog"`
	Comments          []Comment          `json:"comments"`
	Conditions        []Condition        `json:"conditions,omitempty"`
	Escalations       []EscalationRecord `json:"escalations,omitempty"`
	SLAMetrics        SLAMetrics         `json:"slaMetrics"`
	Routing           Routing            `json:"routing"`
	CurrentApprover   CurrentApprover    `json:"currentApprover"`
	DueDate           time.Time          `json:"dueDate"`
	EscalationDate    *time.Time         `json:"escalationDate,omitempty"`
	FollowUpRequired  bool               `json:"followUpRequired"`
	Version           int64              `json:"version"`
	CreatedAt         time.Time          `json:"createdAt"`
	UpdatedAt         time.Time          `json:"updatedAt"`
}

// Clone returns a deep copy so callers never share slices with a store.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	data, err := json.Marshal(w)
	if err != nil {
		panic("workflow clone: " + err.Error())
	}
	out := &Workflow{}
	if err := json.Unmarshal(data, out); err != nil {
		panic("workflow clone: " + err.Error())
	}
	return out
}

// UnresolvedFlags returns unresolved compliance flags at or above min severity.
func (w *Workflow) UnresolvedFlags(min RiskLevel) []ComplianceFlag {
	var out []ComplianceFlag
	for _, f := range w.ComplianceFlags {
		if !f.Resolved && f.Severity.Rank() >= min.Rank() {
			out = append(out, f)
		}
	}
	return out
}

// OutstandingConditions returns conditions not yet satisfied.
func (w *Workflow) OutstandingConditions() []Condition {
	var out []Condition
	for _, c := range w.Conditions {
		if !c.Satisfied {
			out = append(out, c)
		}
	}
	return out
}

// HasNonCompliantCheck reports whether any checklist item is non_compliant.
func (w *Workflow) HasNonCompliantCheck() bool {
	for _, c := range w.RiskAssessment.ComplianceChecks {
		if c.Status == ComplianceNonCompliant {
			return true
		}
	}
	return false
}

// Summary projects the workflow into a list row.
func (w *Workflow) Summary() WorkflowSummary {
	return WorkflowSummary{
		ID:              w.ID,
		WorkflowNumber:  w.WorkflowNumber,
		Status:          w.Status,
		CurrentStage:    w.CurrentStage,
		Priority:        w.Priority,
		Amount:          w.WithdrawalRequest.Amount,
		Currency:        w.WithdrawalRequest.Currency,
		CustomerName:    w.WithdrawalRequest.CustomerName,
		RiskLevel:       w.RiskAssessment.Level,
		SLAStatus:       w.SLAMetrics.Status,
		DueDate:         w.DueDate,
		CurrentApprover: w.CurrentApprover,
		Version:         w.Version,
		CreatedAt:       w.CreatedAt,
		UpdatedAt:       w.UpdatedAt,
	}
}

// ── Queries ──────────────────────────────────────────────────────────────────

type WorkflowSummary struct {
	ID              string          `json:"id"`
	WorkflowNumber  string          `json:"workflowNumber"`
	Status          Status          `json:"status"`
	CurrentStage    Stage           `json:"currentStage"`
	Priority        Priority        `json:"priority"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	CustomerName    string          `json:"customerName"`
	RiskLevel       RiskLevel       `json:"riskLevel"`
	SLAStatus       SLAStatus       `json:"slaStatus"`
	DueDate         time.Time       `json:"dueDate"`
	CurrentApprover CurrentApprover `json:"currentApprover"`
	Version         int64           `json:"version"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// WorkflowFilter drives the list query. Empty slices match everything.
type WorkflowFilter struct {
	Statuses   []Status
	Stages     []Stage
	Priorities []Priority
	RiskLevels []RiskLevel
	SLAStatus  SLAStatus
	AssignedTo string
	Search     string
	SortBy     string // created_at | due_date | amount | priority | workflow_number
	SortDesc   bool
	Page       int
	PageSize   int
}

type WorkflowPage struct {
	Items    []WorkflowSummary `json:"items"`
	Total    int               `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"pageSize"`
}
