package service

import (
	"context"
	"fmt"
	"time"

	"github.com/labops/be-lab-procedures/internal/errors"
	"github.com/labops/be-lab-procedures/internal/logger"
	"github.com/labops/be-lab-procedures/internal/repository"
)

// ProcedureStore is the persistence surface the instance engine needs.
// Implemented by repository.ProcedureRepository.
type ProcedureStore interface {
	Create(ctx context.Context, inst *repository.ProcedureInstance) error
	GetByRequestID(ctx context.Context, requestID string) (*repository.ProcedureInstance, error)
	GetByID(ctx context.Context, id string) (*repository.ProcedureInstance, error)
	ListSteps(ctx context.Context, instanceID string) ([]*repository.ProcedureStepInstance, error)
	GetStep(ctx context.Context, instanceID, stepID string) (*repository.ProcedureStepInstance, error)
	UpdateStep(ctx context.Context, step *repository.ProcedureStepInstance) error
	UpdateStatus(ctx context.Context, id, status string, startedAt, completedAt *time.Time) error
	SetNotes(ctx context.Context, id string, rejectionReason, revisionNotes *string) error
	AssignAnalyst(ctx context.Context, id, analystID string) error
}

// RequestFinder resolves test requests for existence and scoping checks.
// Implemented by repository.RequestRepository.
type RequestFinder interface {
	GetByID(ctx context.Context, id string) (*repository.TestRequest, error)
}

// ProcedureService is the procedure instance engine: it binds a test request
// to a frozen snapshot of the active template, tracks per-step execution
// state, and re-derives the instance status after every step mutation.
type ProcedureService struct {
	procedures ProcedureStore
	templates  TemplateStore
	requests   RequestFinder
	lifecycle  RequestLifecycle
	events     EventPublisher
	audit      AuditLog
	log        *logger.Logger
}

// NewProcedureService creates a new ProcedureService. lifecycle, events and
// audit may be nil in partial wiring (tests, one-off tooling).
func NewProcedureService(
	procedures ProcedureStore,
	templates TemplateStore,
	requests RequestFinder,
	lifecycle RequestLifecycle,
	events EventPublisher,
	audit AuditLog,
	log *logger.Logger,
) *ProcedureService {
	return &ProcedureService{
		procedures: procedures,
		templates:  templates,
		requests:   requests,
		lifecycle:  lifecycle,
		events:     events,
		audit:      audit,
		log:        log,
	}
}

// CreateProcedureRequest binds a test request to a template.
type CreateProcedureRequest struct {
	TestRequestID     string
	TemplateID        string
	AssignedAnalystID *string
}

// UpdateStepInput is a partial patch of a step instance. Nil fields are
// left unchanged.
type UpdateStepInput struct {
	Status         *string
	Results        map[string]any
	Attachments    []string
	Notes          *string
	PassFailStatus *string
}

// CreateProcedure freezes the template into a snapshot and creates a draft
// instance with one pending step instance per snapshot step, in snapshot
// order. A request carries at most one procedure.
func (s *ProcedureService) CreateProcedure(ctx context.Context, actor Actor, req *CreateProcedureRequest) (*repository.ProcedureInstance, error) {
	if req.TestRequestID == "" {
		return nil, errors.InvalidInput("test_request_id", "test request is required")
	}
	if req.TemplateID == "" {
		return nil, errors.InvalidInput("template_id", "template is required")
	}

	request, err := s.requests.GetByID(ctx, req.TestRequestID)
	if err != nil {
		return nil, err
	}

	if _, err := s.procedures.GetByRequestID(ctx, req.TestRequestID); err == nil {
		return nil, errors.InvalidState("request already has a procedure")
	} else if !errors.IsCode(err, errors.ErrCodeNotFound) {
		return nil, err
	}

	template, err := s.templates.GetByID(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}
	if !template.IsActive() {
		return nil, errors.InvalidState(
			fmt.Sprintf("only active templates can be instantiated (status: %s)", template.Status))
	}

	now := time.Now().UTC()
	snapshot := repository.BuildSnapshot(template, now)

	inst := &repository.ProcedureInstance{
		TestRequestID:     request.ID,
		TemplateID:        template.ID,
		VersionSnapshot:   template.Version,
		Snapshot:          snapshot,
		Status:            repository.InstanceStatusDraft,
		AssignedAnalystID: req.AssignedAnalystID,
		Steps:             make([]*repository.ProcedureStepInstance, 0, len(snapshot.Steps)),
	}
	for _, step := range snapshot.Steps {
		inst.Steps = append(inst.Steps, &repository.ProcedureStepInstance{
			TemplateStepID: step.TemplateStepID,
			StepOrder:      step.StepOrder,
			Status:         repository.StepStatusPending,
			PassFailStatus: repository.PassFailPending,
		})
	}

	if err := s.procedures.Create(ctx, inst); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		RequestID:   request.ID,
		InstanceID:  &inst.ID,
		Action:      AuditProcedureCreated,
		PerformedBy: actor.ID,
		Metadata: map[string]any{
			"template_id": template.ID,
			"version":     template.Version,
			"step_count":  len(inst.Steps),
		},
	})
	s.publish(ctx, ProcedureEvent{
		Type:       EventProcedureCreated,
		RequestID:  request.ID,
		InstanceID: inst.ID,
		ActorID:    actor.ID,
		OccurredAt: now,
	})

	s.log.Info().
		Str("instance_id", inst.ID).
		Str("request_id", request.ID).
		Str("template_id", template.ID).
		Str("version", template.Version).
		Int("step_count", len(inst.Steps)).
		Msg("Procedure instance created")

	return inst, nil
}

// GetProcedureByRequest returns the procedure instance bound to a test
// request, steps in order.
func (s *ProcedureService) GetProcedureByRequest(ctx context.Context, requestID string) (*repository.ProcedureInstance, error) {
	return s.procedures.GetByRequestID(ctx, requestID)
}

// GetProcedure returns a procedure instance by its identifier.
func (s *ProcedureService) GetProcedure(ctx context.Context, id string) (*repository.ProcedureInstance, error) {
	return s.procedures.GetByID(ctx, id)
}

// UpdateStep applies a partial patch to a step instance and then re-derives
// the instance status. Customers may not touch steps. The first transition
// of any step to in_progress is the sole trigger that moves the instance out
// of draft. Completed steps cannot leave the completed state.
func (s *ProcedureService) UpdateStep(ctx context.Context, actor Actor, instanceID, stepID string, patch *UpdateStepInput) (*repository.ProcedureStepInstance, error) {
	if actor.IsCustomer() {
		return nil, errors.Forbidden("customers cannot update procedure steps")
	}

	inst, err := s.procedures.GetByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.IsTerminal() {
		return nil, errors.InvalidState(
			fmt.Sprintf("procedure is in a terminal state (%s)", inst.Status))
	}

	step, err := s.procedures.GetStep(ctx, instanceID, stepID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	startedStep := false

	if patch.Status != nil {
		newStatus := *patch.Status
		if !isValidStepStatus(newStatus) {
			return nil, errors.InvalidInput("status", fmt.Sprintf("unknown step status %q", newStatus))
		}
		if step.IsCompleted() && newStatus != repository.StepStatusCompleted {
			return nil, errors.InvalidState("completed steps cannot be reopened")
		}

		if newStatus == repository.StepStatusInProgress && step.StartedAt == nil {
			step.StartedAt = &now
			startedStep = true
		}
		if newStatus == repository.StepStatusCompleted && !step.IsCompleted() {
			step.CompletedAt = &now
			executor := actor.ID
			step.ExecutedBy = &executor
		}
		step.Status = newStatus
	}

	if patch.Results != nil {
		step.Results = patch.Results
	}
	if patch.Attachments != nil {
		step.Attachments = patch.Attachments
	}
	if patch.Notes != nil {
		step.Notes = patch.Notes
	}
	if patch.PassFailStatus != nil {
		verdict := *patch.PassFailStatus
		if verdict != repository.PassFailPass &&
			verdict != repository.PassFailFail &&
			verdict != repository.PassFailPending {
			return nil, errors.InvalidInput("pass_fail_status", fmt.Sprintf("unknown verdict %q", verdict))
		}
		step.PassFailStatus = verdict
	}

	if err := s.procedures.UpdateStep(ctx, step); err != nil {
		return nil, err
	}

	if startedStep && inst.Status == repository.InstanceStatusDraft {
		if err := s.procedures.UpdateStatus(ctx, inst.ID, repository.InstanceStatusInProgress, &now, nil); err != nil {
			return nil, err
		}
		inst.Status = repository.InstanceStatusInProgress

		if s.lifecycle != nil {
			if err := s.lifecycle.ProcedureStarted(ctx, inst.TestRequestID); err != nil {
				s.log.Warn().Err(err).
					Str("request_id", inst.TestRequestID).
					Msg("Failed to sync request status on procedure start")
			}
		}
		s.publish(ctx, ProcedureEvent{
			Type:       EventProcedureStarted,
			RequestID:  inst.TestRequestID,
			InstanceID: inst.ID,
			ActorID:    actor.ID,
			OccurredAt: now,
		})
	}

	if err := s.deriveCompletion(ctx, actor, inst); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		RequestID:      inst.TestRequestID,
		InstanceID:     &inst.ID,
		StepInstanceID: &step.ID,
		Action:         AuditStepUpdated,
		PerformedBy:    actor.ID,
		Metadata: map[string]any{
			"step_order": step.StepOrder,
			"status":     step.Status,
			"verdict":    step.PassFailStatus,
		},
	})
	s.publish(ctx, ProcedureEvent{
		Type:       EventStepUpdated,
		RequestID:  inst.TestRequestID,
		InstanceID: inst.ID,
		StepID:     &step.ID,
		ActorID:    actor.ID,
		OccurredAt: now,
		Metadata:   map[string]any{"status": step.Status},
	})

	s.log.Info().
		Str("instance_id", inst.ID).
		Str("step_id", step.ID).
		Int("step_order", step.StepOrder).
		Str("status", step.Status).
		Msg("Procedure step updated")

	return step, nil
}

// AssignAnalyst sets or reassigns the analyst on an instance. Reassignment
// is unconditional.
func (s *ProcedureService) AssignAnalyst(ctx context.Context, actor Actor, instanceID, analystID string) error {
	if analystID == "" {
		return errors.InvalidInput("analyst_id", "analyst is required")
	}

	inst, err := s.procedures.GetByID(ctx, instanceID)
	if err != nil {
		return err
	}

	if err := s.procedures.AssignAnalyst(ctx, instanceID, analystID); err != nil {
		return err
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		RequestID:   inst.TestRequestID,
		InstanceID:  &inst.ID,
		Action:      AuditAnalystAssigned,
		PerformedBy: actor.ID,
		Metadata:    map[string]any{"analyst_id": analystID},
	})
	s.publish(ctx, ProcedureEvent{
		Type:       EventAnalystAssigned,
		RequestID:  inst.TestRequestID,
		InstanceID: inst.ID,
		ActorID:    actor.ID,
		OccurredAt: time.Now().UTC(),
		Metadata:   map[string]any{"analyst_id": analystID},
	})

	s.log.Info().
		Str("instance_id", instanceID).
		Str("analyst_id", analystID).
		Msg("Analyst assigned to procedure")

	return nil
}

// RejectProcedure moves a draft instance to rejected. Rejection is only
// possible before execution starts.
func (s *ProcedureService) RejectProcedure(ctx context.Context, actor Actor, instanceID, reason string) error {
	if reason == "" {
		return errors.InvalidInput("reason", "rejection reason is required")
	}

	inst, err := s.procedures.GetByID(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status != repository.InstanceStatusDraft {
		return errors.InvalidState(
			fmt.Sprintf("only draft procedures can be rejected (status: %s)", inst.Status))
	}

	if err := s.procedures.UpdateStatus(ctx, instanceID, repository.InstanceStatusRejected, nil, nil); err != nil {
		return err
	}
	if err := s.procedures.SetNotes(ctx, instanceID, &reason, nil); err != nil {
		return err
	}

	s.publish(ctx, ProcedureEvent{
		Type:       EventProcedureRejected,
		RequestID:  inst.TestRequestID,
		InstanceID: inst.ID,
		ActorID:    actor.ID,
		OccurredAt: time.Now().UTC(),
		Metadata:   map[string]any{"reason": reason},
	})

	s.log.Info().
		Str("instance_id", instanceID).
		Str("rejected_by", actor.ID).
		Msg("Procedure rejected")

	return nil
}

// RequestSampleRevision flags the instance as blocked on a sample problem.
// Allowed from draft and in_progress. Execution resumes through normal step
// updates; completion re-derivation moves the instance forward again.
func (s *ProcedureService) RequestSampleRevision(ctx context.Context, actor Actor, instanceID, notes string) error {
	if notes == "" {
		return errors.InvalidInput("notes", "revision notes are required")
	}

	inst, err := s.procedures.GetByID(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status != repository.InstanceStatusDraft && inst.Status != repository.InstanceStatusInProgress {
		return errors.InvalidState(
			fmt.Sprintf("sample revision cannot be requested in status %s", inst.Status))
	}

	if err := s.procedures.UpdateStatus(ctx, instanceID, repository.InstanceStatusNeedsRevision, nil, nil); err != nil {
		return err
	}
	if err := s.procedures.SetNotes(ctx, instanceID, nil, &notes); err != nil {
		return err
	}

	s.publish(ctx, ProcedureEvent{
		Type:       EventSampleRevisionRequested,
		RequestID:  inst.TestRequestID,
		InstanceID: inst.ID,
		ActorID:    actor.ID,
		OccurredAt: time.Now().UTC(),
	})

	s.log.Info().
		Str("instance_id", instanceID).
		Msg("Sample revision requested")

	return nil
}

// deriveCompletion re-reads the step set and completes the instance when
// every step is completed. Idempotent; invoked after every step mutation.
func (s *ProcedureService) deriveCompletion(ctx context.Context, actor Actor, inst *repository.ProcedureInstance) error {
	steps, err := s.procedures.ListSteps(ctx, inst.ID)
	if err != nil {
		return err
	}
	inst.Steps = steps

	if !inst.AllStepsCompleted() || inst.Status == repository.InstanceStatusCompleted {
		return nil
	}

	now := time.Now().UTC()
	if err := s.procedures.UpdateStatus(ctx, inst.ID, repository.InstanceStatusCompleted, nil, &now); err != nil {
		return err
	}
	inst.Status = repository.InstanceStatusCompleted
	inst.CompletedAt = &now

	s.publish(ctx, ProcedureEvent{
		Type:       EventProcedureCompleted,
		RequestID:  inst.TestRequestID,
		InstanceID: inst.ID,
		ActorID:    actor.ID,
		OccurredAt: now,
	})

	s.log.Info().
		Str("instance_id", inst.ID).
		Str("request_id", inst.TestRequestID).
		Msg("Procedure completed")

	return nil
}

func (s *ProcedureService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
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

func (s *ProcedureService) publish(ctx context.Context, event ProcedureEvent) {
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

func isValidStepStatus(status string) bool {
	switch status {
	case repository.StepStatusPending,
		repository.StepStatusInProgress,
		repository.StepStatusCompleted,
		repository.StepStatusSkipped,
		repository.StepStatusFailed:
		return true
	}
	return false
}
