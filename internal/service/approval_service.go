package service

import (
	"context"
	"fmt"
	"time"

	"github.com/labops/be-lab-procedures/internal/errors"
	"github.com/labops/be-lab-procedures/internal/logger"
	"github.com/labops/be-lab-procedures/internal/repository"
)

// ApprovalStore is the persistence surface the approval workflow needs.
// Implemented by repository.ApprovalRepository.
type ApprovalStore interface {
	Create(ctx context.Context, a *repository.Approval) error
	GetByID(ctx context.Context, instanceID, approvalID string) (*repository.Approval, error)
	ListByInstance(ctx context.Context, instanceID string) ([]*repository.Approval, error)
	Process(ctx context.Context, id, status, approverID string, notes *string) error
}

// ApprovalService manages the gating sign-off records of a procedure
// instance. A processed approval is immutable; a fresh record is required
// for a new request. Supervisor approval is the one decision with a
// cross-component effect: it completes the owning test request.
type ApprovalService struct {
	approvals  ApprovalStore
	procedures ProcedureStore
	completer  RequestCompleter
	events     EventPublisher
	audit      AuditLog
	log        *logger.Logger
}

// NewApprovalService creates a new ApprovalService.
func NewApprovalService(
	approvals ApprovalStore,
	procedures ProcedureStore,
	completer RequestCompleter,
	events EventPublisher,
	audit AuditLog,
	log *logger.Logger,
) *ApprovalService {
	return &ApprovalService{
		approvals:  approvals,
		procedures: procedures,
		completer:  completer,
		events:     events,
		audit:      audit,
		log:        log,
	}
}

// RequestApprovalInput carries the fields for a new approval record.
type RequestApprovalInput struct {
	Type           string
	StepInstanceID *string
	Notes          *string
}

// RequestApproval creates a pending approval for a procedure instance,
// optionally tied to one of its steps. Duplicate pending approvals of the
// same type are permitted; consumers treat the newest record as current.
func (s *ApprovalService) RequestApproval(ctx context.Context, actor Actor, instanceID string, in *RequestApprovalInput) (*repository.Approval, error) {
	if !isValidApprovalType(in.Type) {
		return nil, errors.InvalidInput("approval_type", fmt.Sprintf("unknown approval type %q", in.Type))
	}

	inst, err := s.procedures.GetByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	if in.StepInstanceID != nil {
		if _, err := s.procedures.GetStep(ctx, instanceID, *in.StepInstanceID); err != nil {
			return nil, err
		}
	}

	approval := &repository.Approval{
		InstanceID:     inst.ID,
		StepInstanceID: in.StepInstanceID,
		Type:           in.Type,
		Status:         repository.ApprovalStatusPending,
		RequestedBy:    actor.ID,
		Notes:          in.Notes,
	}
	if err := s.approvals.Create(ctx, approval); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		RequestID:      inst.TestRequestID,
		InstanceID:     &inst.ID,
		StepInstanceID: in.StepInstanceID,
		Action:         AuditApprovalRequested,
		PerformedBy:    actor.ID,
		Metadata:       map[string]any{"approval_id": approval.ID, "approval_type": in.Type},
	})
	s.publish(ctx, ProcedureEvent{
		Type:       EventApprovalRequested,
		RequestID:  inst.TestRequestID,
		InstanceID: inst.ID,
		StepID:     in.StepInstanceID,
		ApprovalID: &approval.ID,
		ActorID:    actor.ID,
		OccurredAt: time.Now().UTC(),
		Metadata:   map[string]any{"approval_type": in.Type},
	})

	s.log.Info().
		Str("approval_id", approval.ID).
		Str("instance_id", inst.ID).
		Str("approval_type", in.Type).
		Msg("Approval requested")

	return approval, nil
}

// GetApproval returns one approval scoped to its procedure instance.
func (s *ApprovalService) GetApproval(ctx context.Context, instanceID, approvalID string) (*repository.Approval, error) {
	return s.approvals.GetByID(ctx, instanceID, approvalID)
}

// ListApprovals returns all approvals for a procedure instance,
// oldest first.
func (s *ApprovalService) ListApprovals(ctx context.Context, instanceID string) ([]*repository.Approval, error) {
	return s.approvals.ListByInstance(ctx, instanceID)
}

// ProcessApproval records a decision on a pending approval. Approving a
// supervisor_approval completes the owning test request; that completion is
// part of the operation and its failure is the caller's failure.
func (s *ApprovalService) ProcessApproval(ctx context.Context, actor Actor, instanceID, approvalID, decision string, notes *string) (*repository.Approval, error) {
	if actor.IsCustomer() {
		return nil, errors.Forbidden("customers cannot process approvals")
	}
	if decision != repository.ApprovalStatusApproved && decision != repository.ApprovalStatusRejected {
		return nil, errors.InvalidInput("decision", fmt.Sprintf("decision must be approved or rejected, got %q", decision))
	}

	approval, err := s.approvals.GetByID(ctx, instanceID, approvalID)
	if err != nil {
		return nil, err
	}
	if !approval.IsPending() {
		return nil, errors.AlreadyProcessed(approvalID)
	}

	inst, err := s.procedures.GetByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	if err := s.approvals.Process(ctx, approvalID, decision, actor.ID, notes); err != nil {
		return nil, err
	}

	if approval.Type == repository.ApprovalTypeSupervisorApproval && decision == repository.ApprovalStatusApproved {
		if err := s.completer.CompleteRequest(ctx, inst.TestRequestID); err != nil {
			return nil, err
		}
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		RequestID:      inst.TestRequestID,
		InstanceID:     &inst.ID,
		StepInstanceID: approval.StepInstanceID,
		Action:         AuditApprovalProcessed,
		PerformedBy:    actor.ID,
		Metadata: map[string]any{
			"approval_id":   approvalID,
			"approval_type": approval.Type,
			"decision":      decision,
		},
	})
	s.publish(ctx, ProcedureEvent{
		Type:       EventApprovalProcessed,
		RequestID:  inst.TestRequestID,
		InstanceID: inst.ID,
		ApprovalID: &approvalID,
		ActorID:    actor.ID,
		OccurredAt: time.Now().UTC(),
		Metadata:   map[string]any{"approval_type": approval.Type, "decision": decision},
	})

	s.log.Info().
		Str("approval_id", approvalID).
		Str("instance_id", instanceID).
		Str("approval_type", approval.Type).
		Str("decision", decision).
		Msg("Approval processed")

	return s.approvals.GetByID(ctx, instanceID, approvalID)
}

func (s *ApprovalService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("request_id", entry.RequestID).
			Str("action", entry.Action).
			Msg("Failed to append audit entry")
	}
}

func (s *ApprovalService) publish(ctx context.Context, event ProcedureEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishProcedureEvent(ctx, event); err != nil {
		s.log.Warn().Err(err).
			Str("event_type", event.Type).
			Str("request_id", event.RequestID).
			Msg("Failed to publish procedure event")
	}
}

func isValidApprovalType(t string) bool {
	switch t {
	case repository.ApprovalTypeAdminVerification,
		repository.ApprovalTypeAnalystVerification,
		repository.ApprovalTypeStepApproval,
		repository.ApprovalTypeSupervisorApproval:
		return true
	}
	return false
}
