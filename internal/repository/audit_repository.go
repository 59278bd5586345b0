package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/labops/be-lab-procedures/internal/database"
	"github.com/labops/be-lab-procedures/internal/errors"
)

// AuditRepository appends and reads immutable procedure audit log entries.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts one audit entry. Append is the only mutation operation
// exposed; the log is never updated or deleted.
func (r *AuditRepository) Append(ctx context.Context, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	metadataJSON, err := marshalNullable(entry.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO procedure_audit_log
		    (id, test_request_id, request_procedure_id, request_procedure_step_id,
		     action, performed_by, metadata)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7)
		RETURNING performed_at
	`

	err = r.db.QueryRow(ctx, query,
		entry.ID,
		entry.RequestID,
		entry.InstanceID,
		entry.StepInstanceID,
		entry.Action,
		entry.PerformedBy,
		metadataJSON,
	).Scan(&entry.PerformedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append audit entry")
	}
	return nil
}

// GetByRequestID returns the full audit trail for a test request,
// oldest first.
func (r *AuditRepository) GetByRequestID(ctx context.Context, requestID string) ([]*AuditEntry, error) {
	query := `
		SELECT id, test_request_id, request_procedure_id, request_procedure_step_id,
		       action, performed_by, performed_at, metadata
		FROM procedure_audit_log
		WHERE test_request_id = $1
		ORDER BY performed_at ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit log")
	}
	defer rows.Close()

	entries := make([]*AuditEntry, 0)
	for rows.Next() {
		entry := &AuditEntry{}
		var metadataJSON []byte
		err := rows.Scan(
			&entry.ID,
			&entry.RequestID,
			&entry.InstanceID,
			&entry.StepInstanceID,
			&entry.Action,
			&entry.PerformedBy,
			&entry.PerformedAt,
			&metadataJSON,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
		}
		if err := unmarshalInto(metadataJSON, &entry.Metadata); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
