package service

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/policy"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/repository"
)

// SLASnapshot is a pure evaluation of a workflow's SLA at one instant.
type SLASnapshot struct {
	Elapsed        time.Duration        `json:"elapsed"`
	Remaining      time.Duration        `json:"remaining"`
	TimeInStage    time.Duration        `json:"timeInStage"`
	ProgressPct    float64              `json:"progressPct"`
	Overdue        bool                 `json:"overdue"`
	StageOverdue   bool                 `json:"stageOverdue"`
	Status         repository.SLAStatus `json:"status"`
	DueTriggerIDs  []string             `json:"dueTriggerIds,omitempty"`
	NextEscalation *time.Time           `json:"nextEscalation,omitempty"`
}

// SLATracker computes SLA progress and evaluates escalation triggers.
type SLATracker struct {
	policy *policy.Policy
}

// NewSLATracker creates a new SLATracker.
func NewSLATracker(p *policy.Policy) *SLATracker {
	return &SLATracker{policy: p}
}

// Target returns the completion target for a new workflow of priority.
func (t *SLATracker) Target(created time.Time, priority repository.Priority) time.Time {
	return created.Add(t.policy.SLA().Target(priority))
}

// Evaluate computes the snapshot without mutating wf. Safe to call
// concurrently and repeatedly.
func (t *SLATracker) Evaluate(wf *repository.Workflow, now time.Time) SLASnapshot {
	m := wf.SLAMetrics
	s := SLASnapshot{
		Elapsed:   nonNegative(now.Sub(m.CreatedAt)),
		Remaining: m.TargetCompletionTime.Sub(now),
	}
	if !m.StageEnteredAt.IsZero() {
		s.TimeInStage = nonNegative(now.Sub(m.StageEnteredAt))
	}
	s.ProgressPct = progress(m.CreatedAt, m.TargetCompletionTime, now)
	s.Overdue = s.Remaining < 0

	if allowance, ok := t.policy.SLA().StageAllowance[wf.CurrentStage]; ok && !m.StageEnteredAt.IsZero() {
		s.StageOverdue = s.TimeInStage > allowance
	}

	for _, trig := range m.EscalationTriggers {
		if trig.TriggeredAt == nil && t.conditionMet(trig.Condition, wf, s) {
			s.DueTriggerIDs = append(s.DueTriggerIDs, trig.ID)
		}
	}

	switch {
	case s.Overdue:
		s.Status = repository.SLABreached
	case s.ProgressPct >= t.policy.SLA().AtRiskPct || len(s.DueTriggerIDs) > 0:
		s.Status = repository.SLAAtRisk
	default:
		s.Status = repository.SLAOnTrack
	}
	s.NextEscalation = t.nextEscalation(wf)
	return s
}

// Refresh writes the derived SLA fields onto wf. Triggers are left untouched.
func (t *SLATracker) Refresh(wf *repository.Workflow, now time.Time) SLASnapshot {
	s := t.Evaluate(wf, now)

	m := &wf.SLAMetrics
	m.TotalProcessingTime = s.Elapsed
	m.TimeInCurrentStage = s.TimeInStage
	m.ProgressPct = s.ProgressPct
	m.Status = s.Status
	wf.EscalationDate = s.NextEscalation
	return s
}

// Recompute refreshes the derived SLA fields on wf and fires every trigger
// whose condition is met. It returns only triggers fired by this call, so a
// second call at the same instant fires nothing.
func (t *SLATracker) Recompute(wf *repository.Workflow, now time.Time) []repository.EscalationTrigger {
	s := t.Refresh(wf, now)
	if wf.Status.Terminal() || len(s.DueTriggerIDs) == 0 {
		return nil
	}
	m := &wf.SLAMetrics
	due := make(map[string]struct{}, len(s.DueTriggerIDs))
	for _, id := range s.DueTriggerIDs {
		due[id] = struct{}{}
	}

	var fired []repository.EscalationTrigger
	for i := range m.EscalationTriggers {
		trig := &m.EscalationTriggers[i]
		if _, ok := due[trig.ID]; !ok || trig.TriggeredAt != nil {
			continue
		}
		at := now
		trig.TriggeredAt = &at
		fired = append(fired, *trig)
	}
	return fired
}

// StageDueDate is when the current stage should be finished: the stage
// allowance from entry, never later than the overall target.
func (t *SLATracker) StageDueDate(wf *repository.Workflow) time.Time {
	m := wf.SLAMetrics
	allowance, ok := t.policy.SLA().StageAllowance[wf.CurrentStage]
	if !ok || m.StageEnteredAt.IsZero() {
		return m.TargetCompletionTime
	}
	due := m.StageEnteredAt.Add(allowance)
	if due.After(m.TargetCompletionTime) {
		return m.TargetCompletionTime
	}
	return due
}

func (t *SLATracker) conditionMet(c repository.TriggerCondition, wf *repository.Workflow, s SLASnapshot) bool {
	switch c.Type {
	case repository.TriggerElapsedPercent:
		return s.ProgressPct >= c.Threshold
	case repository.TriggerElapsedHours:
		return s.Elapsed.Hours() >= c.Threshold
	case repository.TriggerStageHours:
		return s.TimeInStage.Hours() >= c.Threshold
	case repository.TriggerAmountAbove:
		limit, err := decimal.NewFromString(c.Amount)
		return err == nil && wf.WithdrawalRequest.Amount.GreaterThan(limit)
	case repository.TriggerRiskAtLeast:
		return wf.RiskAssessment.Level.Rank() >= c.RiskLevel.Rank()
	}
	return false
}

// nextEscalation returns the earliest instant an unfired time-based
// escalate trigger will fire.
func (t *SLATracker) nextEscalation(wf *repository.Workflow) *time.Time {
	m := wf.SLAMetrics
	var next *time.Time
	for _, trig := range m.EscalationTriggers {
		if trig.TriggeredAt != nil || trig.Action != repository.TriggerActionEscalate {
			continue
		}
		var at time.Time
		switch trig.Condition.Type {
		case repository.TriggerElapsedPercent:
			span := m.TargetCompletionTime.Sub(m.CreatedAt)
			at = m.CreatedAt.Add(time.Duration(float64(span) * trig.Condition.Threshold / 100))
		case repository.TriggerElapsedHours:
			at = m.CreatedAt.Add(time.Duration(trig.Condition.Threshold * float64(time.Hour)))
		case repository.TriggerStageHours:
			if m.StageEnteredAt.IsZero() {
				continue
			}
			at = m.StageEnteredAt.Add(time.Duration(trig.Condition.Threshold * float64(time.Hour)))
		default:
			continue
		}
		if next == nil || at.Before(*next) {
			a := at
			next = &a
		}
	}
	return next
}

func progress(created, target, now time.Time) float64 {
	span := target.Sub(created)
	if span <= 0 {
		return 100
	}
	pct := float64(now.Sub(created)) / float64(span) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
