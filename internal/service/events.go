package service

import (
	"context"
	"time"

	"github.com/labops/be-lab-procedures/internal/repository"
)

// Lifecycle event types published to NATS.
const (
	EventProcedureCreated        = "procedure_created"
	EventProcedureStarted        = "procedure_started"
	EventProcedureCompleted      = "procedure_completed"
	EventProcedureRejected       = "procedure_rejected"
	EventSampleRevisionRequested = "sample_revision_requested"
	EventStepUpdated             = "step_updated"
	EventApprovalRequested       = "approval_requested"
	EventApprovalProcessed       = "approval_processed"
	EventAnalystAssigned         = "analyst_assigned"
)

// Audit log actions.
const (
	AuditProcedureCreated  = "procedure_created"
	AuditStepUpdated       = "step_updated"
	AuditApprovalRequested = "approval_requested"
	AuditApprovalProcessed = "approval_processed"
	AuditAnalystAssigned   = "analyst_assigned"
	AuditStatusChanged     = "status_changed"
)

// ProcedureEvent is one lifecycle event emitted by the services. Consumers
// subscribe on lab.procedures.<type>.
type ProcedureEvent struct {
	Type       string         `json:"type"`
	RequestID  string         `json:"request_id"`
	InstanceID string         `json:"instance_id,omitempty"`
	StepID     *string        `json:"step_id,omitempty"`
	ApprovalID *string        `json:"approval_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// EventPublisher publishes lifecycle events. Publishing is best-effort;
// services log and continue when it fails.
type EventPublisher interface {
	PublishProcedureEvent(ctx context.Context, event ProcedureEvent) error
}

// AuditLog appends immutable audit entries. Writes are best-effort.
type AuditLog interface {
	Append(ctx context.Context, entry *repository.AuditEntry) error
}

// RequestLifecycle receives procedure-driven request status changes.
// Implemented by RequestService.
type RequestLifecycle interface {
	ProcedureStarted(ctx context.Context, requestID string) error
}

// RequestCompleter closes out a test request after supervisor approval.
// Implemented by RequestService.
type RequestCompleter interface {
	CompleteRequest(ctx context.Context, requestID string) error
}
