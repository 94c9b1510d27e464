package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/repository"
)

func checkNamed(rep *ValidationReport, name string) *CheckResult {
	for i := range rep.Checks {
		if rep.Checks[i].Name == name {
			return &rep.Checks[i]
		}
	}
	return nil
}

func failedNames(rep *ValidationReport) []string {
	var out []string
	for _, f := range rep.Failures() {
		out = append(out, f.Name)
	}
	return out
}

func TestValidate_ClerkApproveNeedsBusinessJustification(t *testing.T) {
	v := NewDecisionValidator(testPolicy(t))
	wf := newWorkflow(repository.StageClerkReview, "5000", repository.RiskLow)

	req := approveRequest(repository.StageClerkReview)
	req.Notes = "Verified customer request" // 25 characters
	req.Fields = nil

	rep := v.Validate(DecisionInput{Workflow: wf, Actor: clerk, Request: req})
	assert.False(t, rep.Valid)
	assert.Equal(t, []string{"required_field"}, failedNames(rep))
	assert.Equal(t, CheckPassed, checkNamed(rep, "notes_length").Outcome)
	assert.False(t, rep.AuthorityOnly())

	req.Fields = map[string]string{"business_justification": "Routine payout"}
	rep = v.Validate(DecisionInput{Workflow: wf, Actor: clerk, Request: req})
	assert.True(t, rep.Valid, "failures: %v", failedNames(rep))
	assert.False(t, rep.RequiresSecondaryApproval)
}

func TestValidate_SecondaryApprovalAboveThreshold(t *testing.T) {
	v := NewDecisionValidator(testPolicy(t))
	wf := newWorkflow(repository.StageFinalAuthorization, "120000", repository.RiskLow)

	rep := v.Validate(DecisionInput{Workflow: wf, Actor: superAdmin, Request: approveRequest(wf.CurrentStage)})
	assert.True(t, rep.RequiresSecondaryApproval)
	assert.Equal(t, []string{"amount_above_threshold"}, rep.SecondaryReasons)
	assert.Contains(t, failedNames(rep), "secondary_approver")

	req := approveRequest(wf.CurrentStage)
	req.SecondaryApproverID = superAdmin2.ID
	sec := &UserInfo{ID: superAdmin2.ID, Role: repository.RoleSuperAdmin, Active: true}
	rep = v.Validate(DecisionInput{Workflow: wf, Actor: superAdmin, Request: req, Secondary: sec})
	assert.True(t, rep.Valid, "failures: %v", failedNames(rep))
	assert.True(t, rep.RequiresSecondaryApproval)
}

func TestValidate_SecondaryApproverQualification(t *testing.T) {
	v := NewDecisionValidator(testPolicy(t))
	wf := newWorkflow(repository.StageManagerReview, "5000", repository.RiskHigh)
	wf.ComplianceFlags = []repository.ComplianceFlag{{ID: "f-1", Severity: repository.RiskCritical, Description: "PEP match"}}

	tests := []struct {
		name      string
		secondary string
		user      *UserInfo
		category  string
	}{
		{"self", manager.ID, &UserInfo{ID: manager.ID, Role: repository.RoleManager, Active: true}, CategoryValidation},
		{"unknown", "u-nobody", nil, CategoryValidation},
		{"inactive", "u-gone", &UserInfo{ID: "u-gone", Role: repository.RoleAdmin, Active: false}, CategoryValidation},
		{"below stage owner", clerk.ID, &UserInfo{ID: clerk.ID, Role: repository.RoleClerk, Active: true}, CategoryAuthority},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := approveRequest(wf.CurrentStage)
			req.SecondaryApproverID = tt.secondary
			rep := v.Validate(DecisionInput{Workflow: wf, Actor: manager, Request: req, Secondary: tt.user})
			assert.Equal(t, []string{"critical_compliance_flag"}, rep.SecondaryReasons)
			c := checkNamed(rep, "secondary_approver")
			require.NotNil(t, c)
			assert.Equal(t, CheckFailed, c.Outcome)
			assert.Equal(t, tt.category, c.Category)
		})
	}
}

func TestValidate_BlockedRiskRegardlessOfNotes(t *testing.T) {
	v := NewDecisionValidator(testPolicy(t))
	wf := newWorkflow(repository.StageClerkReview, "500", repository.RiskCritical)

	for _, action := range []repository.Action{
		repository.ActionApprove, repository.ActionConditionalApprove, repository.ActionOverride,
	} {
		req := approveRequest(wf.CurrentStage)
		req.Action = action
		req.Notes = "An exceptionally thorough note that explains every single aspect of this request in great detail for the reviewers."
		req.Fields = map[string]string{
			"business_justification": "x", "risk_mitigation": "y", "override_reason": "z",
		}
		req.Conditions = []string{"Collect proof of address"}
		rep := v.Validate(DecisionInput{Workflow: wf, Actor: superAdmin, Request: req})
		c := checkNamed(rep, "blocked_risk")
		require.NotNil(t, c, string(action))
		assert.Equal(t, CheckFailed, c.Outcome, string(action))
		assert.Equal(t, repository.SeverityCritical, c.Severity)
		assert.False(t, rep.Valid, string(action))
	}
}

func TestValidate_TerminalWorkflowRefusesEverything(t *testing.T) {
	v := NewDecisionValidator(testPolicy(t))
	for _, st := range []repository.Status{repository.StatusApproved, repository.StatusRejected, repository.StatusOnHold} {
		wf := newWorkflow(repository.StageManagerReview, "500", repository.RiskLow)
		wf.Status = st
		rep := v.Validate(DecisionInput{Workflow: wf, Actor: manager, Request: rejectRequest(wf.CurrentStage)})
		assert.False(t, rep.Valid)
		assert.Contains(t, failedNames(rep), "workflow_status", string(st))
	}
}

func TestValidate_AuthorityFailures(t *testing.T) {
	v := NewDecisionValidator(testPolicy(t))

	t.Run("clerk at manager stage", func(t *testing.T) {
		wf := newWorkflow(repository.StageManagerReview, "500", repository.RiskLow)
		rep := v.Validate(DecisionInput{Workflow: wf, Actor: clerk, Request: approveRequest(wf.CurrentStage)})
		assert.ElementsMatch(t, []string{"stage_authority", "amount_authority"}, failedNames(rep))
		assert.True(t, rep.AuthorityOnly())
	})

	t.Run("amount above role limit", func(t *testing.T) {
		wf := newWorkflow(repository.StageClerkReview, "25000", repository.RiskLow)
		rep := v.Validate(DecisionInput{Workflow: wf, Actor: clerk, Request: approveRequest(wf.CurrentStage)})
		assert.Equal(t, []string{"amount_authority"}, failedNames(rep))
		assert.True(t, rep.AuthorityOnly())
	})

	t.Run("higher role covers amount", func(t *testing.T) {
		wf := newWorkflow(repository.StageClerkReview, "25000", repository.RiskLow)
		rep := v.Validate(DecisionInput{Workflow: wf, Actor: manager, Request: approveRequest(wf.CurrentStage)})
		assert.True(t, rep.Valid, "failures: %v", failedNames(rep))
	})

	t.Run("override without authority", func(t *testing.T) {
		wf := newWorkflow(repository.StageAdminReview, "500", repository.RiskLow)
		req := approveRequest(wf.CurrentStage)
		req.Action = repository.ActionOverride
		rep := v.Validate(DecisionInput{Workflow: wf, Actor: admin, Request: req})
		assert.Contains(t, failedNames(rep), "override_authority")
		assert.Contains(t, failedNames(rep), "role_permission")
	})

	t.Run("assigned to someone else", func(t *testing.T) {
		wf := newWorkflow(repository.StageClerkReview, "500", repository.RiskLow)
		wf.CurrentApprover = repository.CurrentApprover{Role: repository.RoleClerk, UserID: clerk2.ID, Source: ApproverSourceAssignment}
		rep := v.Validate(DecisionInput{Workflow: wf, Actor: clerk, Request: approveRequest(wf.CurrentStage)})
		assert.Equal(t, []string{"assigned_approver"}, failedNames(rep))

		rep = v.Validate(DecisionInput{Workflow: wf, Actor: manager, Request: approveRequest(wf.CurrentStage)})
		assert.True(t, rep.Valid, "a higher role may act on an assigned workflow")
	})
}

func TestValidate_PayloadRules(t *testing.T) {
	v := NewDecisionValidator(testPolicy(t))

	t.Run("notes counted in characters after trim", func(t *testing.T) {
		wf := newWorkflow(repository.StageClerkReview, "500", repository.RiskLow)
		req := approveRequest(wf.CurrentStage)
		req.Notes = "   ééééééééééééééééééé   " // 19 runes
		rep := v.Validate(DecisionInput{Workflow: wf, Actor: clerk, Request: req})
		c := checkNamed(rep, "notes_length")
		assert.Equal(t, CheckFailed, c.Outcome)
		assert.Equal(t, "notes", c.Field)
	})

	t.Run("escalation target must be higher", func(t *testing.T) {
		wf := newWorkflow(repository.StageManagerReview, "500", repository.RiskLow)
		rep := v.Validate(DecisionInput{Workflow: wf, Actor: manager,
			Request: escalateRequest(wf.CurrentStage, repository.RoleClerk)})
		assert.Contains(t, failedNames(rep), "escalation_target")
	})

	t.Run("conditional approval needs conditions", func(t *testing.T) {
		wf := newWorkflow(repository.StageManagerReview, "500", repository.RiskLow)
		req := approveRequest(wf.CurrentStage)
		req.Action = repository.ActionConditionalApprove
		req.Fields["risk_mitigation"] = "Funds released in two tranches"
		rep := v.Validate(DecisionInput{Workflow: wf, Actor: manager, Request: req})
		assert.Contains(t, failedNames(rep), "conditions")
	})

	t.Run("conditional approval not at final stage", func(t *testing.T) {
		wf := newWorkflow(repository.StageFinalAuthorization, "500", repository.RiskLow)
		req := approveRequest(wf.CurrentStage)
		req.Action = repository.ActionConditionalApprove
		req.Fields["risk_mitigation"] = "Funds released in two tranches"
		req.Conditions = []string{"Collect proof of address"}
		rep := v.Validate(DecisionInput{Workflow: wf, Actor: superAdmin, Request: req})
		assert.Contains(t, failedNames(rep), "final_stage")
	})

	t.Run("completion waits for conditions", func(t *testing.T) {
		wf := newWorkflow(repository.StageFinalAuthorization, "500", repository.RiskLow)
		wf.Conditions = []repository.Condition{{ID: "c-1", Description: "Proof of address"}}
		rep := v.Validate(DecisionInput{Workflow: wf, Actor: superAdmin, Request: approveRequest(wf.CurrentStage)})
		assert.Equal(t, []string{"outstanding_conditions"}, failedNames(rep))

		wf.Conditions[0].Satisfied = true
		rep = v.Validate(DecisionInput{Workflow: wf, Actor: superAdmin, Request: approveRequest(wf.CurrentStage)})
		assert.True(t, rep.Valid)
	})

	t.Run("override only moves forward", func(t *testing.T) {
		wf := newWorkflow(repository.StageAdminReview, "500", repository.RiskLow)
		req := approveRequest(wf.CurrentStage)
		req.Action = repository.ActionOverride
		req.TargetStage = repository.StageManagerReview
		rep := v.Validate(DecisionInput{Workflow: wf, Actor: superAdmin, Request: req})
		assert.Contains(t, failedNames(rep), "override_target")
		assert.Contains(t, rep.SecondaryReasons, "override_action")
	})

	t.Run("authorization method and code", func(t *testing.T) {
		wf := newWorkflow(repository.StageClerkReview, "500", repository.RiskLow)
		req := approveRequest(wf.CurrentStage)
		req.AuthorizationMethod = "password"
		req.AuthorizationCode = " "
		rep := v.Validate(DecisionInput{Workflow: wf, Actor: clerk, Request: req})
		assert.ElementsMatch(t, []string{"authorization_method", "authorization_code"}, failedNames(rep))
		assert.Equal(t, repository.SeverityCritical, checkNamed(rep, "authorization_code").Severity)
	})

	t.Run("unknown action stops early", func(t *testing.T) {
		wf := newWorkflow(repository.StageClerkReview, "500", repository.RiskLow)
		req := approveRequest(wf.CurrentStage)
		req.Action = "rubber_stamp"
		rep := v.Validate(DecisionInput{Workflow: wf, Actor: clerk, Request: req})
		require.Len(t, rep.Checks, 1)
		assert.Equal(t, "action_known", rep.Checks[0].Name)
	})
}

func TestValidate_AdvisoriesAreWarnings(t *testing.T) {
	v := NewDecisionValidator(testPolicy(t))
	wf := newWorkflow(repository.StageClerkReview, "500", repository.RiskLow)
	wf.WithdrawalRequest.Documents = []repository.Document{{ID: "d-1", Type: "id", Verified: false}}
	wf.RiskAssessment.ComplianceChecks = []repository.ComplianceCheck{{Name: "kyc_refresh", Status: repository.CompliancePending}}

	rep := v.Validate(DecisionInput{Workflow: wf, Actor: clerk, Request: approveRequest(wf.CurrentStage)})
	assert.True(t, rep.Valid)
	var names []string
	for _, w := range rep.Warnings() {
		names = append(names, w.Name)
	}
	assert.ElementsMatch(t, []string{"documents_unverified", "compliance_checks_pending"}, names)

	rep = v.Validate(DecisionInput{Workflow: wf, Actor: clerk, Request: rejectRequest(wf.CurrentStage)})
	assert.Empty(t, rep.Warnings(), "reject is not an advancing action")
}
