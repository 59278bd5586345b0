package service

import (
	"context"
	"fmt"
	"time"

	"github.com/labops/be-lab-procedures/internal/errors"
	"github.com/labops/be-lab-procedures/internal/logger"
	"github.com/labops/be-lab-procedures/internal/repository"
)

// RequestStore is the persistence surface the lifecycle coordinator needs.
// Implemented by repository.RequestRepository.
type RequestStore interface {
	Create(ctx context.Context, req *repository.TestRequest) error
	GetByID(ctx context.Context, id string) (*repository.TestRequest, error)
	List(ctx context.Context, filter repository.RequestFilter) ([]*repository.TestRequest, error)
	UpdateStatus(ctx context.Context, id, status string) error
}

// AuditReader reads back the audit trail of a test request.
// Implemented by repository.AuditRepository.
type AuditReader interface {
	GetByRequestID(ctx context.Context, requestID string) ([]*repository.AuditEntry, error)
}

// RequestService owns the top-level test request lifecycle. It is the
// coordinator the procedure and approval services report into: procedure
// start moves the request to in_progress, supervisor approval completes it.
type RequestService struct {
	requests RequestStore
	audit    AuditLog
	trail    AuditReader
	log      *logger.Logger
}

// NewRequestService creates a new RequestService. audit and trail may be
// nil in partial wiring.
func NewRequestService(requests RequestStore, audit AuditLog, trail AuditReader, log *logger.Logger) *RequestService {
	return &RequestService{
		requests: requests,
		audit:    audit,
		trail:    trail,
		log:      log,
	}
}

// CreateRequestInput carries the fields for a new test request.
type CreateRequestInput struct {
	CustomerName string
	LabID        string
	LabName      string
	TestType     string
	SampleName   *string
	Description  *string
	ExpiryDate   *time.Time
}

// CreateRequest registers a new test request in pending status. The store
// assigns the REQ-YYYYMM-NNN identifier; the actor becomes the owning user.
func (s *RequestService) CreateRequest(ctx context.Context, actor Actor, in *CreateRequestInput) (*repository.TestRequest, error) {
	if in.CustomerName == "" {
		return nil, errors.InvalidInput("customer_name", "customer name is required")
	}
	if in.LabID == "" {
		return nil, errors.InvalidInput("lab_id", "lab is required")
	}
	if in.TestType == "" {
		return nil, errors.InvalidInput("test_type", "test type is required")
	}

	now := time.Now().UTC()
	req := &repository.TestRequest{
		UserID:        actor.ID,
		CustomerName:  in.CustomerName,
		LabID:         in.LabID,
		LabName:       in.LabName,
		TestType:      in.TestType,
		DateSubmitted: now,
		Status:        repository.RequestStatusPending,
		SampleName:    in.SampleName,
		Description:   in.Description,
		ExpiryDate:    in.ExpiryDate,
	}
	if err := s.requests.Create(ctx, req); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("request_id", req.ID).
		Str("user_id", actor.ID).
		Str("lab_id", in.LabID).
		Str("test_type", in.TestType).
		Msg("Test request created")

	return req, nil
}

// GetRequest returns one test request with ownership scoping: customers see
// only their own requests, analysts only requests in their lab.
func (s *RequestService) GetRequest(ctx context.Context, actor Actor, id string) (*repository.TestRequest, error) {
	req, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeAccess(actor, req); err != nil {
		return nil, err
	}
	return req, nil
}

// ListRequests lists test requests scoped to the actor: customers get their
// own, analysts their lab's, admins and supervisors everything the filter
// allows.
func (s *RequestService) ListRequests(ctx context.Context, actor Actor, filter repository.RequestFilter) ([]*repository.TestRequest, error) {
	switch {
	case actor.IsCustomer():
		userID := actor.ID
		filter.UserID = &userID
	case actor.IsAnalyst():
		if actor.LabID == nil {
			return nil, errors.Forbidden("analyst has no lab assignment")
		}
		filter.LabID = actor.LabID
	}

	if filter.Status != nil && !repository.IsValidRequestStatus(*filter.Status) {
		return nil, errors.InvalidInput("status", fmt.Sprintf("unknown request status %q", *filter.Status))
	}

	return s.requests.List(ctx, filter)
}

// UpdateStatus sets the request status with role gating: customers may
// never change status, analysts only within their own lab.
func (s *RequestService) UpdateStatus(ctx context.Context, actor Actor, id, status string) (*repository.TestRequest, error) {
	if actor.IsCustomer() {
		return nil, errors.Forbidden("customers cannot change request status")
	}
	if !repository.IsValidRequestStatus(status) {
		return nil, errors.InvalidInput("status", fmt.Sprintf("unknown request status %q", status))
	}

	req, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.IsAnalyst() && !actor.worksInLab(req.LabID) {
		return nil, errors.Forbidden("analysts can only update requests in their own lab")
	}

	if err := s.setStatus(ctx, req, status, actor.ID); err != nil {
		return nil, err
	}
	return s.requests.GetByID(ctx, id)
}

// ProcedureStarted moves the request to in_progress when its procedure
// leaves draft. Called by the procedure engine.
func (s *RequestService) ProcedureStarted(ctx context.Context, requestID string) error {
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status == repository.RequestStatusInProgress {
		return nil
	}
	return s.setStatus(ctx, req, repository.RequestStatusInProgress, "system")
}

// CompleteRequest closes out the request after supervisor approval. Called
// by the approval workflow. Completing an already-completed request is a
// no-op.
func (s *RequestService) CompleteRequest(ctx context.Context, requestID string) error {
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status == repository.RequestStatusCompleted {
		return nil
	}
	return s.setStatus(ctx, req, repository.RequestStatusCompleted, "system")
}

// GetAuditTrail returns the request's audit log, oldest first. Customers
// cannot read audit trails.
func (s *RequestService) GetAuditTrail(ctx context.Context, actor Actor, requestID string) ([]*repository.AuditEntry, error) {
	if actor.IsCustomer() {
		return nil, errors.Forbidden("customers cannot read audit trails")
	}
	if s.trail == nil {
		return nil, errors.New(errors.ErrCodeInternal, "audit trail is not configured")
	}

	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if actor.IsAnalyst() && !actor.worksInLab(req.LabID) {
		return nil, errors.Forbidden("analysts can only access requests in their own lab")
	}

	return s.trail.GetByRequestID(ctx, requestID)
}

func (s *RequestService) setStatus(ctx context.Context, req *repository.TestRequest, status, performedBy string) error {
	if err := s.requests.UpdateStatus(ctx, req.ID, status); err != nil {
		return err
	}

	if s.audit != nil {
		err := s.audit.Append(ctx, &repository.AuditEntry{
			RequestID:   req.ID,
			Action:      AuditStatusChanged,
			PerformedBy: performedBy,
			Metadata:    map[string]any{"from": req.Status, "to": status},
		})
		if err != nil {
			s.log.Warn().Err(err).
				Str("request_id", req.ID).
				Msg("Failed to append audit entry")
		}
	}

	s.log.Info().
		Str("request_id", req.ID).
		Str("from", req.Status).
		Str("to", status).
		Msg("Request status changed")

	req.Status = status
	return nil
}

func (s *RequestService) authorizeAccess(actor Actor, req *repository.TestRequest) error {
	switch {
	case actor.IsCustomer():
		if req.UserID != actor.ID {
			return errors.Forbidden("customers can only access their own requests")
		}
	case actor.IsAnalyst():
		if !actor.worksInLab(req.LabID) {
			return errors.Forbidden("analysts can only access requests in their own lab")
		}
	}
	return nil
}
