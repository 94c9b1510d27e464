package repository

import "time"

// ── Audit and policy storage types ───────────────────────────────────────────

// AuditQuery filters the cross-workflow audit search. Zero fields match all.
type AuditQuery struct {
	Severity Severity
	ActorID  string
	Action   string
	Since    *time.Time
	Limit    int // default 100, max 500
}

func (q AuditQuery) limit() int {
	if q.Limit <= 0 {
		return 100
	}
	if q.Limit > 500 {
		return 500
	}
	return q.Limit
}

func (q AuditQuery) matches(e AuditEntry) bool {
	if q.Severity != "" && e.Severity != q.Severity {
		return false
	}
	if q.ActorID != "" && e.ActorID != q.ActorID {
		return false
	}
	if q.Action != "" && e.Action != q.Action {
		return false
	}
	if q.Since != nil && e.Timestamp.Before(*q.Since) {
		return false
	}
	return true
}

// AuditRecord is an audit entry together with the workflow it belongs to.
type AuditRecord struct {
	WorkflowID string     `json:"workflowId"`
	Entry      AuditEntry `json:"entry"`
}

// PolicyRecord is one stored version of the authority policy document.
type PolicyRecord struct {
	Version     string     `json:"version"`
	Document    []byte     `json:"-"`
	IsActive    bool       `json:"isActive"`
	CreatedBy   string     `json:"createdBy"`
	CreatedAt   time.Time  `json:"createdAt"`
	ActivatedAt *time.Time `json:"activatedAt,omitempty"`
}
