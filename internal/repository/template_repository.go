package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/labops/be-lab-procedures/internal/database"
	"github.com/labops/be-lab-procedures/internal/errors"
)

// TemplateRepository manages procedure templates and their step definitions.
// Template + step creation is always done together in a single transaction.
type TemplateRepository struct {
	db *database.DB
}

// NewTemplateRepository creates a new TemplateRepository.
func NewTemplateRepository(db *database.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

// Create inserts a template and its steps in one transaction. Caller-supplied
// step order is preserved verbatim.
func (r *TemplateRepository) Create(ctx context.Context, t *Template) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO procedure_templates
			    (id, test_type_id, lab_id, version, name, description,
			     reference_standard, estimated_tat_days, status,
			     created_by, approved_by, approved_at)
			VALUES ($1, $2, $3, $4, $5, $6,
			        $7, $8, $9::template_status,
			        $10, $11, $12)
			RETURNING created_at, updated_at
		`

		err := tx.QueryRow(ctx, query,
			t.ID,
			t.TestTypeID,
			t.LabID,
			t.Version,
			t.Name,
			t.Description,
			t.ReferenceStandard,
			t.EstimatedTATDays,
			t.Status,
			t.CreatedBy,
			t.ApprovedBy,
			t.ApprovedAt,
		).Scan(&t.CreatedAt, &t.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create template")
		}

		return r.insertSteps(ctx, tx, t.ID, t.Steps)
	})
}

// GetByID retrieves a template with its steps ordered by step_order.
// Soft-deleted templates are not returned.
func (r *TemplateRepository) GetByID(ctx context.Context, id string) (*Template, error) {
	query := `
		SELECT id, test_type_id, lab_id, version, name, description,
		       reference_standard, estimated_tat_days, status,
		       created_by, approved_by, approved_at,
		       created_at, updated_at
		FROM procedure_templates
		WHERE id = $1 AND deleted_at IS NULL
	`

	t, err := r.scanTemplate(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("template", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get template")
	}

	steps, err := r.GetSteps(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	t.Steps = steps

	return t, nil
}

// GetSteps returns all step definitions for a template ordered by step_order.
func (r *TemplateRepository) GetSteps(ctx context.Context, templateID string) ([]*TemplateStep, error) {
	query := `
		SELECT id, procedure_template_id, step_order, name, description,
		       equipment, materials, parameters, pass_fail_criteria,
		       estimated_duration_minutes, responsible_role, requires_approval,
		       created_at, updated_at
		FROM procedure_steps
		WHERE procedure_template_id = $1
		ORDER BY step_order ASC
	`

	rows, err := r.db.Query(ctx, query, templateID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get template steps")
	}
	defer rows.Close()

	steps := make([]*TemplateStep, 0)
	for rows.Next() {
		step, err := r.scanStep(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan template step")
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// List retrieves templates matching the filter, newest first, steps loaded.
func (r *TemplateRepository) List(ctx context.Context, filter TemplateFilter) ([]*Template, error) {
	query := `
		SELECT id, test_type_id, lab_id, version, name, description,
		       reference_standard, estimated_tat_days, status,
		       created_by, approved_by, approved_at,
		       created_at, updated_at
		FROM procedure_templates
		WHERE deleted_at IS NULL
	`

	args := []any{}
	argCount := 1

	if filter.TestTypeID != nil {
		query += fmt.Sprintf(" AND test_type_id = $%d", argCount)
		args = append(args, *filter.TestTypeID)
		argCount++
	}
	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d::template_status", argCount)
		args = append(args, *filter.Status)
		argCount++
	}
	if filter.LabID != nil {
		query += fmt.Sprintf(" AND lab_id = $%d", argCount)
		args = append(args, *filter.LabID)
		argCount++
	}

	query += " ORDER BY created_at DESC"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list templates")
	}
	defer rows.Close()

	templates := make([]*Template, 0)
	for rows.Next() {
		t, err := r.scanTemplate(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan template")
		}
		templates = append(templates, t)
	}
	rows.Close()

	for _, t := range templates {
		steps, err := r.GetSteps(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		t.Steps = steps
	}

	return templates, nil
}

// VersionExists reports whether a (test type, version) pair is already used,
// soft-deleted templates included so identifiers are never reused.
func (r *TemplateRepository) VersionExists(ctx context.Context, testTypeID, version string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM procedure_templates
			WHERE test_type_id = $1 AND version = $2
		)
	`

	var exists bool
	if err := r.db.QueryRow(ctx, query, testTypeID, version).Scan(&exists); err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to check template version")
	}
	return exists, nil
}

// Update writes template metadata and, when replaceSteps is true, deletes and
// recreates all step rows in the same transaction. Partial step patching is
// deliberately not supported.
func (r *TemplateRepository) Update(ctx context.Context, t *Template, replaceSteps bool) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE procedure_templates
			SET name               = $2,
			    description        = $3,
			    reference_standard = $4,
			    estimated_tat_days = $5,
			    updated_at         = NOW()
			WHERE id = $1 AND deleted_at IS NULL
			RETURNING id
		`

		var returnedID string
		err := tx.QueryRow(ctx, query,
			t.ID,
			t.Name,
			t.Description,
			t.ReferenceStandard,
			t.EstimatedTATDays,
		).Scan(&returnedID)
		if err == pgx.ErrNoRows {
			return errors.NotFound("template", t.ID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update template")
		}

		if !replaceSteps {
			return nil
		}

		if _, err := tx.Exec(ctx, `DELETE FROM procedure_steps WHERE procedure_template_id = $1`, t.ID); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete template steps")
		}
		return r.insertSteps(ctx, tx, t.ID, t.Steps)
	})
}

// Activate atomically deprecates any other active template for the same test
// type and marks this one active, stamping approver and timestamp. The
// deprecate+activate pair runs in one transaction so a crash can never leave
// two active templates for a test type.
func (r *TemplateRepository) Activate(ctx context.Context, id, approverID string) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		deprecate := `
			UPDATE procedure_templates
			SET status = 'deprecated'::template_status, updated_at = NOW()
			WHERE test_type_id = (SELECT test_type_id FROM procedure_templates WHERE id = $1)
			  AND status = 'active'
			  AND id <> $1
		`
		if _, err := tx.Exec(ctx, deprecate, id); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to deprecate active template")
		}

		activate := `
			UPDATE procedure_templates
			SET status      = 'active'::template_status,
			    approved_by = $2,
			    approved_at = NOW(),
			    updated_at  = NOW()
			WHERE id = $1 AND status = 'draft' AND deleted_at IS NULL
			RETURNING id
		`
		var returnedID string
		err := tx.QueryRow(ctx, activate, id, approverID).Scan(&returnedID)
		if err == pgx.ErrNoRows {
			return errors.InvalidState("only draft templates can be activated")
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to activate template")
		}
		return nil
	})
}

// SoftDelete marks a template deleted without removing rows. Active
// templates stay readable through existing snapshots regardless.
func (r *TemplateRepository) SoftDelete(ctx context.Context, id string) error {
	query := `
		UPDATE procedure_templates
		SET deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("template", id)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete template")
	}
	return nil
}

// ── insert/scan helpers ───────────────────────────────────────────────────────

func (r *TemplateRepository) insertSteps(ctx context.Context, tx pgx.Tx, templateID string, steps []*TemplateStep) error {
	query := `
		INSERT INTO procedure_steps
		    (id, procedure_template_id, step_order, name, description,
		     equipment, materials, parameters, pass_fail_criteria,
		     estimated_duration_minutes, responsible_role, requires_approval)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9,
		        $10, $11::responsible_role, $12)
		RETURNING created_at, updated_at
	`

	for _, step := range steps {
		if step.ID == "" {
			step.ID = uuid.NewString()
		}
		step.TemplateID = templateID

		equipment, materials, parameters, criteria, err := marshalStepJSON(step)
		if err != nil {
			return err
		}

		err = tx.QueryRow(ctx, query,
			step.ID,
			step.TemplateID,
			step.StepOrder,
			step.Name,
			step.Description,
			equipment,
			materials,
			parameters,
			criteria,
			step.EstimatedDurationMinutes,
			step.ResponsibleRole,
			step.RequiresApproval,
		).Scan(&step.CreatedAt, &step.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create template step")
		}
	}
	return nil
}

func marshalStepJSON(step *TemplateStep) (equipment, materials, parameters, criteria []byte, err error) {
	if equipment, err = marshalNullable(step.Equipment); err != nil {
		return nil, nil, nil, nil, err
	}
	if materials, err = marshalNullable(step.Materials); err != nil {
		return nil, nil, nil, nil, err
	}
	if parameters, err = marshalNullable(step.Parameters); err != nil {
		return nil, nil, nil, nil, err
	}
	if criteria, err = marshalNullable(step.PassFailCriteria); err != nil {
		return nil, nil, nil, nil, err
	}
	return equipment, materials, parameters, criteria, nil
}

// marshalNullable keeps nil Go values as SQL NULL instead of the JSON
// literal "null".
func marshalNullable(v any) ([]byte, error) {
	switch val := v.(type) {
	case []string:
		if val == nil {
			return nil, nil
		}
	case []map[string]any:
		if val == nil {
			return nil, nil
		}
	case map[string]any:
		if val == nil {
			return nil, nil
		}
	case nil:
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal json field")
	}
	return data, nil
}

type templateScanner interface {
	Scan(dest ...any) error
}

func (r *TemplateRepository) scanTemplate(row templateScanner) (*Template, error) {
	t := &Template{}
	err := row.Scan(
		&t.ID,
		&t.TestTypeID,
		&t.LabID,
		&t.Version,
		&t.Name,
		&t.Description,
		&t.ReferenceStandard,
		&t.EstimatedTATDays,
		&t.Status,
		&t.CreatedBy,
		&t.ApprovedBy,
		&t.ApprovedAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *TemplateRepository) scanStep(row templateScanner) (*TemplateStep, error) {
	s := &TemplateStep{}
	var equipment, materials, parameters, criteria []byte
	err := row.Scan(
		&s.ID,
		&s.TemplateID,
		&s.StepOrder,
		&s.Name,
		&s.Description,
		&equipment,
		&materials,
		&parameters,
		&criteria,
		&s.EstimatedDurationMinutes,
		&s.ResponsibleRole,
		&s.RequiresApproval,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalInto(equipment, &s.Equipment); err != nil {
		return nil, err
	}
	if err := unmarshalInto(materials, &s.Materials); err != nil {
		return nil, err
	}
	if err := unmarshalInto(parameters, &s.Parameters); err != nil {
		return nil, err
	}
	if err := unmarshalInto(criteria, &s.PassFailCriteria); err != nil {
		return nil, err
	}
	return s, nil
}

func unmarshalInto(data []byte, dest any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dest)
}
