package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/labops/be-lab-procedures/internal/database"
	"github.com/labops/be-lab-procedures/internal/errors"
)

// ProcedureRepository manages procedure instances and their step instances.
// Instance + step creation is always done together in a single transaction.
type ProcedureRepository struct {
	db *database.DB
}

// NewProcedureRepository creates a new ProcedureRepository.
func NewProcedureRepository(db *database.DB) *ProcedureRepository {
	return &ProcedureRepository{db: db}
}

// Create inserts an instance and its step instances in one transaction.
// Steps are persisted exactly in the order they appear on the instance.
func (r *ProcedureRepository) Create(ctx context.Context, inst *ProcedureInstance) error {
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}

	snapshotJSON, err := json.Marshal(inst.Snapshot)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal procedure snapshot")
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		instQuery := `
			INSERT INTO request_procedures
			    (id, test_request_id, procedure_template_id,
			     procedure_version_snapshot, procedure_snapshot,
			     status, assigned_analyst_id)
			VALUES ($1, $2, $3,
			        $4, $5,
			        $6::procedure_status, $7)
			RETURNING created_at, updated_at
		`

		err := tx.QueryRow(ctx, instQuery,
			inst.ID,
			inst.TestRequestID,
			inst.TemplateID,
			inst.VersionSnapshot,
			snapshotJSON,
			inst.Status,
			inst.AssignedAnalystID,
		).Scan(&inst.CreatedAt, &inst.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create procedure instance")
		}

		stepQuery := `
			INSERT INTO request_procedure_steps
			    (id, request_procedure_id, procedure_step_id, step_order,
			     status, pass_fail_status)
			VALUES ($1, $2, $3, $4,
			        $5::procedure_step_status, $6::pass_fail_status)
			RETURNING created_at, updated_at
		`

		for _, step := range inst.Steps {
			if step.ID == "" {
				step.ID = uuid.NewString()
			}
			step.InstanceID = inst.ID

			err := tx.QueryRow(ctx, stepQuery,
				step.ID,
				step.InstanceID,
				step.TemplateStepID,
				step.StepOrder,
				step.Status,
				step.PassFailStatus,
			).Scan(&step.CreatedAt, &step.UpdatedAt)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create procedure step instance")
			}
		}

		return nil
	})
}

// GetByRequestID returns the procedure instance bound to a test request,
// steps loaded in step order.
func (r *ProcedureRepository) GetByRequestID(ctx context.Context, requestID string) (*ProcedureInstance, error) {
	query := `
		SELECT id, test_request_id, procedure_template_id,
		       procedure_version_snapshot, procedure_snapshot,
		       status, assigned_analyst_id,
		       started_at, completed_at,
		       rejection_reason, revision_notes,
		       created_at, updated_at
		FROM request_procedures
		WHERE test_request_id = $1
	`

	inst, err := r.scanInstance(r.db.QueryRow(ctx, query, requestID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("procedure", requestID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get procedure instance")
	}

	return r.loadSteps(ctx, inst)
}

// GetByID returns a procedure instance by primary key, steps loaded.
func (r *ProcedureRepository) GetByID(ctx context.Context, id string) (*ProcedureInstance, error) {
	query := `
		SELECT id, test_request_id, procedure_template_id,
		       procedure_version_snapshot, procedure_snapshot,
		       status, assigned_analyst_id,
		       started_at, completed_at,
		       rejection_reason, revision_notes,
		       created_at, updated_at
		FROM request_procedures
		WHERE id = $1
	`

	inst, err := r.scanInstance(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("procedure", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get procedure instance")
	}

	return r.loadSteps(ctx, inst)
}

// ListSteps returns all step instances for a procedure ordered by step_order.
func (r *ProcedureRepository) ListSteps(ctx context.Context, instanceID string) ([]*ProcedureStepInstance, error) {
	query := `
		SELECT id, request_procedure_id, procedure_step_id, step_order,
		       status, results, attachments, notes, pass_fail_status,
		       executed_by, started_at, completed_at,
		       created_at, updated_at
		FROM request_procedure_steps
		WHERE request_procedure_id = $1
		ORDER BY step_order ASC
	`

	rows, err := r.db.Query(ctx, query, instanceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get procedure steps")
	}
	defer rows.Close()

	steps := make([]*ProcedureStepInstance, 0)
	for rows.Next() {
		step, err := r.scanStep(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan procedure step")
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// GetStep returns one step instance scoped to its procedure instance.
func (r *ProcedureRepository) GetStep(ctx context.Context, instanceID, stepID string) (*ProcedureStepInstance, error) {
	query := `
		SELECT id, request_procedure_id, procedure_step_id, step_order,
		       status, results, attachments, notes, pass_fail_status,
		       executed_by, started_at, completed_at,
		       created_at, updated_at
		FROM request_procedure_steps
		WHERE request_procedure_id = $1 AND id = $2
	`

	step, err := r.scanStep(r.db.QueryRow(ctx, query, instanceID, stepID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("procedure_step", stepID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get procedure step")
	}
	return step, nil
}

// UpdateStep writes the full mutable state of a step instance. Last writer
// wins; there is no version guard on concurrent updates.
func (r *ProcedureRepository) UpdateStep(ctx context.Context, step *ProcedureStepInstance) error {
	resultsJSON, err := marshalNullable(step.Results)
	if err != nil {
		return err
	}
	attachmentsJSON, err := marshalNullable(step.Attachments)
	if err != nil {
		return err
	}

	query := `
		UPDATE request_procedure_steps
		SET status           = $2::procedure_step_status,
		    results          = $3,
		    attachments      = $4,
		    notes            = $5,
		    pass_fail_status = $6::pass_fail_status,
		    executed_by      = $7,
		    started_at       = $8,
		    completed_at     = $9,
		    updated_at       = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err = r.db.QueryRow(ctx, query,
		step.ID,
		step.Status,
		resultsJSON,
		attachmentsJSON,
		step.Notes,
		step.PassFailStatus,
		step.ExecutedBy,
		step.StartedAt,
		step.CompletedAt,
	).Scan(&step.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.NotFound("procedure_step", step.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update procedure step")
	}
	return nil
}

// UpdateStatus sets the instance status and optionally stamps started_at and
// completed_at. Nil timestamps leave the stored values untouched.
func (r *ProcedureRepository) UpdateStatus(ctx context.Context, id, status string, startedAt, completedAt *time.Time) error {
	query := `
		UPDATE request_procedures
		SET status       = $2::procedure_status,
		    started_at   = COALESCE($3, started_at),
		    completed_at = COALESCE($4, completed_at),
		    updated_at   = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, status, startedAt, completedAt).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("procedure", id)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update procedure status")
	}
	return nil
}

// SetNotes stores rejection or revision notes on the instance.
func (r *ProcedureRepository) SetNotes(ctx context.Context, id string, rejectionReason, revisionNotes *string) error {
	query := `
		UPDATE request_procedures
		SET rejection_reason = COALESCE($2, rejection_reason),
		    revision_notes   = COALESCE($3, revision_notes),
		    updated_at       = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, rejectionReason, revisionNotes).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("procedure", id)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update procedure notes")
	}
	return nil
}

// AssignAnalyst sets the assigned analyst. Reassignment is unconditional.
func (r *ProcedureRepository) AssignAnalyst(ctx context.Context, id, analystID string) error {
	query := `
		UPDATE request_procedures
		SET assigned_analyst_id = $2,
		    updated_at          = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, analystID).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("procedure", id)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to assign analyst")
	}
	return nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *ProcedureRepository) loadSteps(ctx context.Context, inst *ProcedureInstance) (*ProcedureInstance, error) {
	steps, err := r.ListSteps(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	inst.Steps = steps
	return inst, nil
}

type procedureScanner interface {
	Scan(dest ...any) error
}

func (r *ProcedureRepository) scanInstance(row procedureScanner) (*ProcedureInstance, error) {
	inst := &ProcedureInstance{}
	var snapshotJSON []byte
	err := row.Scan(
		&inst.ID,
		&inst.TestRequestID,
		&inst.TemplateID,
		&inst.VersionSnapshot,
		&snapshotJSON,
		&inst.Status,
		&inst.AssignedAnalystID,
		&inst.StartedAt,
		&inst.CompletedAt,
		&inst.RejectionReason,
		&inst.RevisionNotes,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalInto(snapshotJSON, &inst.Snapshot); err != nil {
		return nil, err
	}
	return inst, nil
}

func (r *ProcedureRepository) scanStep(row procedureScanner) (*ProcedureStepInstance, error) {
	s := &ProcedureStepInstance{}
	var resultsJSON, attachmentsJSON []byte
	err := row.Scan(
		&s.ID,
		&s.InstanceID,
		&s.TemplateStepID,
		&s.StepOrder,
		&s.Status,
		&resultsJSON,
		&attachmentsJSON,
		&s.Notes,
		&s.PassFailStatus,
		&s.ExecutedBy,
		&s.StartedAt,
		&s.CompletedAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalInto(resultsJSON, &s.Results); err != nil {
		return nil, err
	}
	if err := unmarshalInto(attachmentsJSON, &s.Attachments); err != nil {
		return nil, err
	}
	return s, nil
}
