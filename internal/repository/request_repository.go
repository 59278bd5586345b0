package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/labops/be-lab-procedures/internal/database"
	"github.com/labops/be-lab-procedures/internal/errors"
)

// RequestRepository manages top-level test requests.
type RequestRepository struct {
	db *database.DB
}

// NewRequestRepository creates a new RequestRepository.
func NewRequestRepository(db *database.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

// Create inserts a test request. When req.ID is empty the next
// REQ-YYYYMM-NNN identifier for the submission month is generated inside the
// same transaction, serialized by an advisory lock on the month prefix so
// concurrent creators never draw the same number. The sequence restarts at
// 001 each month.
func (r *RequestRepository) Create(ctx context.Context, req *TestRequest) error {
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if req.ID == "" {
			id, err := r.nextID(ctx, tx, req.DateSubmitted)
			if err != nil {
				return err
			}
			req.ID = id
		}

		query := `
			INSERT INTO test_requests
			    (id, user_id, customer_name, lab_id, lab_name, test_type,
			     date_submitted, status, sample_name, description, expiry_date)
			VALUES ($1, $2, $3, $4, $5, $6,
			        $7, $8::request_status, $9, $10, $11)
			RETURNING created_at, updated_at
		`

		return tx.QueryRow(ctx, query,
			req.ID,
			req.UserID,
			req.CustomerName,
			req.LabID,
			req.LabName,
			req.TestType,
			req.DateSubmitted,
			req.Status,
			req.SampleName,
			req.Description,
			req.ExpiryDate,
		).Scan(&req.CreatedAt, &req.UpdatedAt)
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create test request")
	}
	return nil
}

// nextID produces the next identifier for the month of t. The advisory lock
// is held until the surrounding transaction ends, so the read-increment-insert
// sequence cannot interleave with another creator in the same month.
func (r *RequestRepository) nextID(ctx context.Context, tx pgx.Tx, t time.Time) (string, error) {
	prefix := fmt.Sprintf("REQ-%s-", t.Format("200601"))

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, prefix); err != nil {
		return "", err
	}

	query := `
		SELECT id FROM test_requests
		WHERE id LIKE $1 || '%'
		ORDER BY id DESC
		LIMIT 1
	`

	var lastID string
	err := tx.QueryRow(ctx, query, prefix).Scan(&lastID)
	if err == pgx.ErrNoRows {
		return prefix + "001", nil
	}
	if err != nil {
		return "", err
	}

	var lastNumber int
	if _, err := fmt.Sscanf(lastID[len(prefix):], "%d", &lastNumber); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%03d", prefix, lastNumber+1), nil
}

// GetByID retrieves a test request by its identifier.
func (r *RequestRepository) GetByID(ctx context.Context, id string) (*TestRequest, error) {
	query := `
		SELECT id, user_id, customer_name, lab_id, lab_name, test_type,
		       date_submitted, status, sample_name, description, expiry_date,
		       created_at, updated_at
		FROM test_requests
		WHERE id = $1
	`

	req, err := r.scanRequest(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("test_request", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get test request")
	}
	return req, nil
}

// List retrieves test requests matching the filter, newest first.
func (r *RequestRepository) List(ctx context.Context, filter RequestFilter) ([]*TestRequest, error) {
	query := `
		SELECT id, user_id, customer_name, lab_id, lab_name, test_type,
		       date_submitted, status, sample_name, description, expiry_date,
		       created_at, updated_at
		FROM test_requests
		WHERE 1=1
	`

	args := []any{}
	argCount := 1

	if filter.UserID != nil {
		query += fmt.Sprintf(" AND user_id = $%d", argCount)
		args = append(args, *filter.UserID)
		argCount++
	}
	if filter.LabID != nil {
		query += fmt.Sprintf(" AND lab_id = $%d", argCount)
		args = append(args, *filter.LabID)
		argCount++
	}
	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d::request_status", argCount)
		args = append(args, *filter.Status)
		argCount++
	}

	query += " ORDER BY created_at DESC"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list test requests")
	}
	defer rows.Close()

	requests := make([]*TestRequest, 0)
	for rows.Next() {
		req, err := r.scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan test request")
		}
		requests = append(requests, req)
	}
	return requests, nil
}

// UpdateStatus sets the top-level request status.
func (r *RequestRepository) UpdateStatus(ctx context.Context, id, status string) error {
	query := `
		UPDATE test_requests
		SET status     = $2::request_status,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, status).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("test_request", id)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update request status")
	}
	return nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

type requestScanner interface {
	Scan(dest ...any) error
}

func (r *RequestRepository) scanRequest(row requestScanner) (*TestRequest, error) {
	req := &TestRequest{}
	err := row.Scan(
		&req.ID,
		&req.UserID,
		&req.CustomerName,
		&req.LabID,
		&req.LabName,
		&req.TestType,
		&req.DateSubmitted,
		&req.Status,
		&req.SampleName,
		&req.Description,
		&req.ExpiryDate,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return req, nil
}
