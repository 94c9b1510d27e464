package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/database"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/errors"
)

// PostgresDelegationRepository persists role- and department-wide delegations.
// Workflow-scoped delegations live on the workflow document itself.
type PostgresDelegationRepository struct {
	db *database.DB
}

// NewPostgresDelegationRepository creates a new PostgresDelegationRepository.
func NewPostgresDelegationRepository(db *database.DB) *PostgresDelegationRepository {
	return &PostgresDelegationRepository{db: db}
}

// Save inserts a delegation.
func (r *PostgresDelegationRepository) Save(ctx context.Context, d *Delegation) error {
	query := `
		INSERT INTO approval_delegations
		    (id, workflow_id, from_user_id, to_user_id, to_role,
		     scope, role, department, starts_at, ends_at,
		     reason, created_at)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9, $10,
		        $11, $12)
	`

	_, err := r.db.Exec(ctx, query,
		d.ID,
		nullable(d.WorkflowID),
		d.FromUserID,
		d.ToUserID,
		string(d.ToRole),
		string(d.Scope),
		nullable(string(d.Role)),
		nullable(d.Department),
		d.StartsAt,
		d.EndsAt,
		d.Reason,
		d.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to save delegation")
	}
	return nil
}

// Delete removes a delegation. Deleting an unknown ID is not an error.
func (r *PostgresDelegationRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM approval_delegations WHERE id = $1`, id); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete delegation")
	}
	return nil
}

// FindActive returns delegations covering role (and department, when given)
// whose window contains at.
func (r *PostgresDelegationRepository) FindActive(ctx context.Context, role Role, department string, at time.Time) ([]*Delegation, error) {
	query := `
		SELECT id, workflow_id, from_user_id, to_user_id, to_role,
		       scope, role, department, starts_at, ends_at,
		       reason, created_at
		FROM approval_delegations
		WHERE role = $1
		  AND (scope = 'role' OR (scope = 'department' AND $2 <> '' AND department = $2))
		  AND (starts_at IS NULL OR starts_at <= $3)
		  AND (ends_at IS NULL OR ends_at > $3)
		ORDER BY created_at DESC
	`

	rows, err := r.db.Query(ctx, query, string(role), department, at)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to find delegations")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *PostgresDelegationRepository) scanRows(rows pgx.Rows) ([]*Delegation, error) {
	var out []*Delegation
	for rows.Next() {
		d, err := r.scanDelegation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type delegationScanner interface {
	Scan(dest ...any) error
}

func (r *PostgresDelegationRepository) scanDelegation(sc delegationScanner) (*Delegation, error) {
	d := &Delegation{}
	var workflowID, role, department *string
	var toRole, scope string

	err := sc.Scan(
		&d.ID,
		&workflowID,
		&d.FromUserID,
		&d.ToUserID,
		&toRole,
		&scope,
		&role,
		&department,
		&d.StartsAt,
		&d.EndsAt,
		&d.Reason,
		&d.CreatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan delegation")
	}

	d.ToRole = Role(toRole)
	d.Scope = DelegationScope(scope)
	if workflowID != nil {
		d.WorkflowID = *workflowID
	}
	if role != nil {
		d.Role = Role(*role)
	}
	if department != nil {
		d.Department = *department
	}
	return d, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
