package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/database"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/errors"
)

// ApprovalAuditRepository appends and reads immutable workflow audit entries.
type ApprovalAuditRepository struct {
	db *database.DB
}

// NewApprovalAuditRepository creates a new ApprovalAuditRepository.
func NewApprovalAuditRepository(db *database.DB) *ApprovalAuditRepository {
	return &ApprovalAuditRepository{db: db}
}

const insertAuditSQL = `
	INSERT INTO approval_workflow_audit_log
	    (id, workflow_id, action, actor_id, severity, outcome,
	     entry, performed_at)
	VALUES ($1, $2, $3, $4, $5, $6,
	        $7, $8)
	ON CONFLICT (id) DO NOTHING
`

// Append inserts one audit entry. The table has a delete-prevention trigger so
// this is the only mutation operation exposed. Re-appending a known ID is a no-op.
func (r *ApprovalAuditRepository) Append(ctx context.Context, workflowID string, entry AuditEntry) error {
	args, err := auditArgs(workflowID, entry)
	if err != nil {
		return err
	}
	if _, err := r.db.Exec(ctx, insertAuditSQL, args...); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append audit entry")
	}
	return nil
}

// AppendTx inserts entries inside an existing transaction.
func (r *ApprovalAuditRepository) AppendTx(ctx context.Context, tx pgx.Tx, workflowID string, entries []AuditEntry) error {
	for _, entry := range entries {
		args, err := auditArgs(workflowID, entry)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, insertAuditSQL, args...); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to append audit entry")
		}
	}
	return nil
}

// GetByWorkflowID returns the full audit trail for a workflow ordered oldest-first.
func (r *ApprovalAuditRepository) GetByWorkflowID(ctx context.Context, workflowID string) ([]AuditEntry, error) {
	query := `
		SELECT entry
		FROM approval_workflow_audit_log
		WHERE workflow_id = $1
		ORDER BY performed_at ASC, seq ASC
	`

	rows, err := r.db.Query(ctx, query, workflowID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit log")
	}
	defer rows.Close()

	entries, err := scanAuditRows(rows)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []AuditEntry{}
	}
	return entries, nil
}

// Search returns entries across workflows, newest first. Used by the
// compliance view to list critical overrides.
func (r *ApprovalAuditRepository) Search(ctx context.Context, q AuditQuery) ([]AuditRecord, error) {
	query := `
		SELECT workflow_id, entry
		FROM approval_workflow_audit_log
		WHERE ($1 = '' OR severity = $1)
		  AND ($2 = '' OR actor_id = $2)
		  AND ($3 = '' OR action = $3)
		  AND ($4::timestamptz IS NULL OR performed_at >= $4)
		ORDER BY performed_at DESC, seq DESC
		LIMIT $5
	`

	rows, err := r.db.Query(ctx, query, string(q.Severity), q.ActorID, q.Action, q.Since, q.limit())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to search audit log")
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var data []byte
		if err := rows.Scan(&rec.WorkflowID, &data); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
		}
		if err := json.Unmarshal(data, &rec.Entry); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit entry")
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func scanAuditRows(rows pgx.Rows) ([]AuditEntry, error) {
	var entries []AuditEntry
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
		}
		var entry AuditEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit entry")
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func auditArgs(workflowID string, entry AuditEntry) ([]any, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit entry")
	}
	return []any{
		entry.ID,
		workflowID,
		entry.Action,
		entry.ActorID,
		string(entry.Severity),
		entry.Outcome,
		data,
		entry.Timestamp,
	}, nil
}
