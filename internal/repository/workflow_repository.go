package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/database"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/errors"
)

// PostgresWorkflowRepository stores the aggregate as a JSONB document plus
// the denormalized columns the list query filters on. The audit log lives in
// its own append-only table.
type PostgresWorkflowRepository struct {
	db    *database.DB
	audit *ApprovalAuditRepository
}

// NewPostgresWorkflowRepository creates a new PostgresWorkflowRepository.
func NewPostgresWorkflowRepository(db *database.DB, audit *ApprovalAuditRepository) *PostgresWorkflowRepository {
	return &PostgresWorkflowRepository{db: db, audit: audit}
}

// Create inserts the workflow and its initial audit entries in one transaction.
func (r *PostgresWorkflowRepository) Create(ctx context.Context, wf *Workflow) error {
	wf.Version = 1
	doc, err := marshalDocument(wf)
	if err != nil {
		return err
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO approval_workflows
			    (id, workflow_number, status, current_stage, priority,
			     risk_level, sla_status, amount, customer_name, assigned_to,
			     due_date, document, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5,
			        $6, $7, $8::numeric, $9, $10,
			        $11, $12, $13, $14, $15)
		`
		_, err := tx.Exec(ctx, query, append(columnArgs(wf), doc, wf.Version, wf.CreatedAt, wf.UpdatedAt)...)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return errors.New(errors.ErrCodeConflict, "workflow already exists")
			}
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow")
		}
		return r.audit.AppendTx(ctx, tx, wf.ID, wf.AuditLog)
	})
}

// GetByID loads the workflow document and its full audit trail.
func (r *PostgresWorkflowRepository) GetByID(ctx context.Context, id string) (*Workflow, error) {
	query := `
		SELECT document, version
		FROM approval_workflows
		WHERE id = $1
	`

	var doc []byte
	var version int64
	err := r.db.QueryRow(ctx, query, id).Scan(&doc, &version)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow")
	}

	wf := &Workflow{}
	if err := json.Unmarshal(doc, wf); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal workflow")
	}
	wf.Version = version

	audit, err := r.audit.GetByWorkflowID(ctx, id)
	if err != nil {
		return nil, err
	}
	wf.AuditLog = audit
	return wf, nil
}

// Update writes the workflow when the stored version still equals
// expectedVersion; otherwise it reports a conflict.
func (r *PostgresWorkflowRepository) Update(ctx context.Context, wf *Workflow, expectedVersion int64) error {
	doc, err := marshalDocument(wf)
	if err != nil {
		return err
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE approval_workflows
			SET status        = $3,
			    current_stage = $4,
			    priority      = $5,
			    risk_level    = $6,
			    sla_status    = $7,
			    amount        = $8::numeric,
			    customer_name = $9,
			    assigned_to   = $10,
			    due_date      = $11,
			    document      = $12,
			    version       = version + 1,
			    updated_at    = $14
			WHERE id = $1 AND version = $13
			RETURNING version
		`
		args := columnArgs(wf)
		args = append(args, doc, expectedVersion, wf.UpdatedAt)

		var newVersion int64
		err := tx.QueryRow(ctx, query, args...).Scan(&newVersion)
		if err == pgx.ErrNoRows {
			var exists bool
			if qErr := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM approval_workflows WHERE id = $1)`, wf.ID).Scan(&exists); qErr == nil && !exists {
				return errors.NotFound("workflow", wf.ID)
			}
			return errors.Conflict("workflow was modified concurrently")
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update workflow")
		}
		if err := r.audit.AppendTx(ctx, tx, wf.ID, wf.AuditLog); err != nil {
			return err
		}
		wf.Version = newVersion
		return nil
	})
}

// AppendAudit records an entry without touching the workflow version.
func (r *PostgresWorkflowRepository) AppendAudit(ctx context.Context, workflowID string, entry AuditEntry) error {
	return r.audit.Append(ctx, workflowID, entry)
}

// Search delegates to the audit table.
func (r *PostgresWorkflowRepository) Search(ctx context.Context, q AuditQuery) ([]AuditRecord, error) {
	return r.audit.Search(ctx, q)
}

// List returns a filtered, sorted page of workflow summaries.
func (r *PostgresWorkflowRepository) List(ctx context.Context, filter WorkflowFilter) (*WorkflowPage, error) {
	where, args := buildWhere(filter)
	page, size := normalizePage(filter.Page, filter.PageSize)

	countQuery := "SELECT COUNT(*) FROM approval_workflows" + where
	var total int
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to count workflows")
	}

	query := fmt.Sprintf(`
		SELECT document, version
		FROM approval_workflows%s
		ORDER BY %s
		LIMIT %d OFFSET %d
	`, where, orderBy(filter.SortBy, filter.SortDesc), size, (page-1)*size)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflows")
	}
	defer rows.Close()

	items := make([]WorkflowSummary, 0, size)
	for rows.Next() {
		var doc []byte
		var version int64
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow")
		}
		wf := &Workflow{}
		if err := json.Unmarshal(doc, wf); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal workflow")
		}
		wf.Version = version
		items = append(items, wf.Summary())
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate workflows")
	}

	return &WorkflowPage{Items: items, Total: total, Page: page, PageSize: size}, nil
}

// ListOpenIDs returns IDs of workflows that have not reached a terminal status.
func (r *PostgresWorkflowRepository) ListOpenIDs(ctx context.Context) ([]string, error) {
	query := `
		SELECT id
		FROM approval_workflows
		WHERE status NOT IN ('approved', 'rejected')
		ORDER BY id
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list open workflows")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ── helpers ──────────────────────────────────────────────────────────────────

// marshalDocument serializes the aggregate without its audit log.
func marshalDocument(wf *Workflow) ([]byte, error) {
	cp := *wf
	cp.AuditLog = nil
	doc, err := json.Marshal(&cp)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal workflow")
	}
	return doc, nil
}

func columnArgs(wf *Workflow) []any {
	var assigned *string
	if wf.CurrentApprover.UserID != "" {
		assigned = &wf.CurrentApprover.UserID
	}
	return []any{
		wf.ID,
		wf.WorkflowNumber,
		string(wf.Status),
		string(wf.CurrentStage),
		string(wf.Priority),
		string(wf.RiskAssessment.Level),
		string(wf.SLAMetrics.Status),
		wf.WithdrawalRequest.Amount.String(),
		wf.WithdrawalRequest.CustomerName,
		assigned,
		wf.DueDate,
	}
}

func buildWhere(f WorkflowFilter) (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if len(f.Statuses) > 0 {
		add("status = ANY($%d)", toStrings(f.Statuses))
	}
	if len(f.Stages) > 0 {
		add("current_stage = ANY($%d)", toStrings(f.Stages))
	}
	if len(f.Priorities) > 0 {
		add("priority = ANY($%d)", toStrings(f.Priorities))
	}
	if len(f.RiskLevels) > 0 {
		add("risk_level = ANY($%d)", toStrings(f.RiskLevels))
	}
	if f.SLAStatus != "" {
		add("sla_status = $%d", string(f.SLAStatus))
	}
	if f.AssignedTo != "" {
		add("assigned_to = $%d", f.AssignedTo)
	}
	if f.Search != "" {
		args = append(args, "%"+strings.ToLower(f.Search)+"%")
		n := len(args)
		clauses = append(clauses, fmt.Sprintf("(LOWER(workflow_number) LIKE $%d OR LOWER(customer_name) LIKE $%d)", n, n))
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func orderBy(sortBy string, desc bool) string {
	column := "created_at"
	switch sortBy {
	case "due_date":
		column = "due_date"
	case "amount":
		column = "amount"
	case "workflow_number":
		column = "workflow_number"
	case "priority":
		column = "CASE priority WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END"
	}
	if desc {
		return column + " DESC, id"
	}
	return column + " ASC, id"
}

func toStrings[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}
