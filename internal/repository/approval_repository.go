package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/labops/be-lab-procedures/internal/database"
	"github.com/labops/be-lab-procedures/internal/errors"
)

// ApprovalRepository manages approval records for procedure instances.
// Records become immutable once they leave the pending state; the only
// mutation path is Process, which is guarded by status = 'pending'.
type ApprovalRepository struct {
	db *database.DB
}

// NewApprovalRepository creates a new ApprovalRepository.
func NewApprovalRepository(db *database.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

// Create inserts a pending approval record. Duplicate pending approvals of
// the same type for the same instance are allowed.
func (r *ApprovalRepository) Create(ctx context.Context, a *Approval) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	query := `
		INSERT INTO procedure_approvals
		    (id, request_procedure_id, request_procedure_step_id,
		     approval_type, status, requested_by, notes)
		VALUES ($1, $2, $3,
		        $4::approval_type, $5::approval_status, $6, $7)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		a.ID,
		a.InstanceID,
		a.StepInstanceID,
		a.Type,
		a.Status,
		a.RequestedBy,
		a.Notes,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval")
	}
	return nil
}

// GetByID returns one approval scoped to its procedure instance.
func (r *ApprovalRepository) GetByID(ctx context.Context, instanceID, approvalID string) (*Approval, error) {
	query := `
		SELECT id, request_procedure_id, request_procedure_step_id,
		       approval_type, status, requested_by,
		       approved_by, approved_at, notes,
		       created_at, updated_at
		FROM procedure_approvals
		WHERE request_procedure_id = $1 AND id = $2
	`

	a, err := r.scanApproval(r.db.QueryRow(ctx, query, instanceID, approvalID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval", approvalID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval")
	}
	return a, nil
}

// ListByInstance returns all approvals for a procedure instance,
// oldest first.
func (r *ApprovalRepository) ListByInstance(ctx context.Context, instanceID string) ([]*Approval, error) {
	query := `
		SELECT id, request_procedure_id, request_procedure_step_id,
		       approval_type, status, requested_by,
		       approved_by, approved_at, notes,
		       created_at, updated_at
		FROM procedure_approvals
		WHERE request_procedure_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query, instanceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approvals")
	}
	defer rows.Close()

	approvals := make([]*Approval, 0)
	for rows.Next() {
		a, err := r.scanApproval(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval")
		}
		approvals = append(approvals, a)
	}
	return approvals, nil
}

// Process records a decision on a pending approval. The status = 'pending'
// guard makes the decision race-safe: a second decision attempt finds no row
// and reports AlreadyProcessed.
func (r *ApprovalRepository) Process(ctx context.Context, id, status, approverID string, notes *string) error {
	query := `
		UPDATE procedure_approvals
		SET status      = $2::approval_status,
		    approved_by = $3,
		    approved_at = NOW(),
		    notes       = COALESCE($4, notes),
		    updated_at  = NOW()
		WHERE id = $1
		  AND status = 'pending'
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, status, approverID, notes).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.AlreadyProcessed(id)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to process approval")
	}
	return nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

type approvalScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalRepository) scanApproval(row approvalScanner) (*Approval, error) {
	a := &Approval{}
	err := row.Scan(
		&a.ID,
		&a.InstanceID,
		&a.StepInstanceID,
		&a.Type,
		&a.Status,
		&a.RequestedBy,
		&a.ApprovedBy,
		&a.ApprovedAt,
		&a.Notes,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}
