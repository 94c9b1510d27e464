package repository

import (
	"context"
	"time"
)

// WorkflowRepository persists workflow aggregates.
//
// Update is optimistic: it succeeds only when the stored version equals
// expectedVersion and bumps the version by one. AppendAudit appends to the
// audit log without touching the version, so forensic entries for refused
// attempts never make a concurrent decision stale.
type WorkflowRepository interface {
	Create(ctx context.Context, wf *Workflow) error
	GetByID(ctx context.Context, id string) (*Workflow, error)
	Update(ctx context.Context, wf *Workflow, expectedVersion int64) error
	AppendAudit(ctx context.Context, workflowID string, entry AuditEntry) error
	List(ctx context.Context, filter WorkflowFilter) (*WorkflowPage, error)
	ListOpenIDs(ctx context.Context) ([]string, error)
}

// AuditSearcher lists audit entries across workflows.
type AuditSearcher interface {
	Search(ctx context.Context, q AuditQuery) ([]AuditRecord, error)
}

// PolicyStore keeps versioned policy documents; exactly one is active.
type PolicyStore interface {
	Save(ctx context.Context, rec *PolicyRecord) error
	GetByVersion(ctx context.Context, version string) (*PolicyRecord, error)
	GetActive(ctx context.Context) (*PolicyRecord, error)
	Activate(ctx context.Context, version string) error
}

// DelegationRepository stores role- and department-wide delegations.
type DelegationRepository interface {
	Save(ctx context.Context, d *Delegation) error
	Delete(ctx context.Context, id string) error
	FindActive(ctx context.Context, role Role, department string, at time.Time) ([]*Delegation, error)
}
