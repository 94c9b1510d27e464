package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/database"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/errors"
)

// PolicyRepository stores versioned authority policy documents (YAML).
// Exactly one version is active at a time.
type PolicyRepository struct {
	db *database.DB
}

// NewPolicyRepository creates a new PolicyRepository.
func NewPolicyRepository(db *database.DB) *PolicyRepository {
	return &PolicyRepository{db: db}
}

// Save inserts a new, inactive policy version. Versions are immutable.
func (r *PolicyRepository) Save(ctx context.Context, rec *PolicyRecord) error {
	query := `
		INSERT INTO approval_policies (version, document, is_active, created_by)
		VALUES ($1, $2, FALSE, $3)
		RETURNING created_at
	`

	err := r.db.QueryRow(ctx, query, rec.Version, rec.Document, rec.CreatedBy).Scan(&rec.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return errors.Conflict("policy version already exists")
		}
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to save policy")
	}
	rec.IsActive = false
	return nil
}

// GetByVersion retrieves one policy version.
func (r *PolicyRepository) GetByVersion(ctx context.Context, version string) (*PolicyRecord, error) {
	query := `
		SELECT version, document, is_active, created_by, created_at, activated_at
		FROM approval_policies
		WHERE version = $1
	`

	rec, err := r.scanRecord(r.db.QueryRow(ctx, query, version))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("policy", version)
	}
	return rec, err
}

// GetActive returns the currently active policy version.
func (r *PolicyRepository) GetActive(ctx context.Context) (*PolicyRecord, error) {
	query := `
		SELECT version, document, is_active, created_by, created_at, activated_at
		FROM approval_policies
		WHERE is_active = TRUE
	`

	rec, err := r.scanRecord(r.db.QueryRow(ctx, query))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("policy", "active")
	}
	return rec, err
}

// Activate switches the active flag to version in one transaction.
func (r *PolicyRepository) Activate(ctx context.Context, version string) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE approval_policies SET is_active = FALSE WHERE is_active = TRUE`); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to deactivate policy")
		}
		tag, err := tx.Exec(ctx, `
			UPDATE approval_policies
			SET is_active = TRUE, activated_at = NOW()
			WHERE version = $1
		`, version)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to activate policy")
		}
		if tag.RowsAffected() == 0 {
			return errors.NotFound("policy", version)
		}
		return nil
	})
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type policyScanner interface {
	Scan(dest ...any) error
}

func (r *PolicyRepository) scanRecord(sc policyScanner) (*PolicyRecord, error) {
	rec := &PolicyRecord{}
	err := sc.Scan(
		&rec.Version,
		&rec.Document,
		&rec.IsActive,
		&rec.CreatedBy,
		&rec.CreatedAt,
		&rec.ActivatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan policy")
	}
	return rec, nil
}
