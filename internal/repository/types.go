package repository

import (
	"math"
	"time"
)

// ── Template registry types ───────────────────────────────────────────────────

const (
	TemplateStatusDraft      = "draft"
	TemplateStatusActive     = "active"
	TemplateStatusDeprecated = "deprecated"
)

// Responsible role values for template steps.
const (
	RoleAnalyst    = "analyst"
	RoleAdmin      = "admin"
	RoleSupervisor = "supervisor"
)

// Template is a versioned procedure definition for one test type.
// At most one template per test type is active at any time;
// (test_type_id, version) is unique.
type Template struct {
	ID                string
	TestTypeID        string
	LabID             *string // denormalized from the test-type registry at creation
	Version           string
	Name              string
	Description       *string
	ReferenceStandard *string
	EstimatedTATDays  int
	Status            string // draft | active | deprecated
	CreatedBy         string
	ApprovedBy        *string
	ApprovedAt        *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
	DeletedAt         *time.Time
	Steps             []*TemplateStep
}

// TemplateStep is one ordered step definition within a template.
// step_order is unique within the template and defines the sequence.
type TemplateStep struct {
	ID                       string
	TemplateID               string
	StepOrder                int
	Name                     string
	Description              string
	Equipment                []string
	Materials                []string
	Parameters               []map[string]any
	PassFailCriteria         map[string]any
	EstimatedDurationMinutes int
	ResponsibleRole          string // analyst | admin | supervisor
	RequiresApproval         bool
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

func (t *Template) IsDraft() bool  { return t.Status == TemplateStatusDraft }
func (t *Template) IsActive() bool { return t.Status == TemplateStatusActive }

// TotalDurationMinutes sums the estimated duration of all steps.
func (t *Template) TotalDurationMinutes() int {
	total := 0
	for _, s := range t.Steps {
		total += s.EstimatedDurationMinutes
	}
	return total
}

// TemplateFilter narrows template listings.
type TemplateFilter struct {
	TestTypeID *string
	Status     *string
	LabID      *string
}

// ── Procedure snapshot types ──────────────────────────────────────────────────

// ProcedureSnapshot is the immutable copy of a template captured when a
// procedure instance is created. Stored as a JSONB column; execution never
// re-reads the live template.
type ProcedureSnapshot struct {
	TemplateID        string         `json:"template_id"`
	TemplateName      string         `json:"template_name"`
	Version           string         `json:"version"`
	ReferenceStandard *string        `json:"reference_standard,omitempty"`
	EstimatedTATDays  int            `json:"estimated_tat_days"`
	CapturedAt        time.Time      `json:"captured_at"`
	Steps             []SnapshotStep `json:"steps"`
}

// SnapshotStep is the frozen copy of one template step.
type SnapshotStep struct {
	TemplateStepID           string           `json:"template_step_id"`
	StepOrder                int              `json:"step_order"`
	Name                     string           `json:"name"`
	Description              string           `json:"description"`
	Equipment                []string         `json:"equipment,omitempty"`
	Materials                []string         `json:"materials,omitempty"`
	Parameters               []map[string]any `json:"parameters,omitempty"`
	PassFailCriteria         map[string]any   `json:"pass_fail_criteria,omitempty"`
	EstimatedDurationMinutes int              `json:"estimated_duration_minutes"`
	ResponsibleRole          string           `json:"responsible_role"`
	RequiresApproval         bool             `json:"requires_approval"`
}

// ── Procedure instance types ──────────────────────────────────────────────────

const (
	InstanceStatusDraft         = "draft"
	InstanceStatusInProgress    = "in_progress"
	InstanceStatusCompleted     = "completed"
	InstanceStatusRejected      = "rejected"
	InstanceStatusNeedsRevision = "needs_sample_revision"
)

const (
	StepStatusPending    = "pending"
	StepStatusInProgress = "in_progress"
	StepStatusCompleted  = "completed"
	StepStatusSkipped    = "skipped"
	StepStatusFailed     = "failed"
)

const (
	PassFailPass    = "pass"
	PassFailFail    = "fail"
	PassFailPending = "pending"
)

// ProcedureInstance is the live execution of a snapshot against one test
// request. Bound to the originating template for traceability only.
type ProcedureInstance struct {
	ID                string
	TestRequestID     string
	TemplateID        string
	VersionSnapshot   string
	Snapshot          ProcedureSnapshot
	Status            string // draft | in_progress | completed | rejected | needs_sample_revision
	AssignedAnalystID *string
	StartedAt         *time.Time
	CompletedAt       *time.Time
	RejectionReason   *string
	RevisionNotes     *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	Steps             []*ProcedureStepInstance
}

// ProcedureStepInstance tracks the mutable execution state of one snapshot
// step. Step order is fixed at creation and never reordered.
type ProcedureStepInstance struct {
	ID             string
	InstanceID     string
	TemplateStepID string
	StepOrder      int
	Status         string // pending | in_progress | completed | skipped | failed
	Results        map[string]any
	Attachments    []string
	Notes          *string
	PassFailStatus string // pass | fail | pending
	ExecutedBy     *string
	StartedAt      *time.Time
	CompletedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (s *ProcedureStepInstance) IsCompleted() bool { return s.Status == StepStatusCompleted }

// IsTerminal reports whether the instance can no longer transition.
func (p *ProcedureInstance) IsTerminal() bool {
	return p.Status == InstanceStatusCompleted || p.Status == InstanceStatusRejected
}

// ProgressPercentage returns round(100 * completed / total), or 0 when the
// instance has no steps.
func (p *ProcedureInstance) ProgressPercentage() int {
	total := len(p.Steps)
	if total == 0 {
		return 0
	}
	completed := 0
	for _, s := range p.Steps {
		if s.IsCompleted() {
			completed++
		}
	}
	return int(math.Round(float64(completed) / float64(total) * 100))
}

// CurrentStep returns the first in_progress step, else the first pending
// step, else nil when every step is terminal. Steps are assumed ordered by
// step_order, which repositories guarantee.
func (p *ProcedureInstance) CurrentStep() *ProcedureStepInstance {
	for _, s := range p.Steps {
		if s.Status == StepStatusInProgress {
			return s
		}
	}
	for _, s := range p.Steps {
		if s.Status == StepStatusPending {
			return s
		}
	}
	return nil
}

// AllStepsCompleted reports whether every step instance has completed.
// False for zero-step instances.
func (p *ProcedureInstance) AllStepsCompleted() bool {
	if len(p.Steps) == 0 {
		return false
	}
	for _, s := range p.Steps {
		if !s.IsCompleted() {
			return false
		}
	}
	return true
}

// ── Approval types ────────────────────────────────────────────────────────────

const (
	ApprovalTypeAdminVerification   = "admin_verification"
	ApprovalTypeAnalystVerification = "analyst_verification"
	ApprovalTypeStepApproval        = "step_approval"
	ApprovalTypeSupervisorApproval  = "supervisor_approval"
)

const (
	ApprovalStatusPending  = "pending"
	ApprovalStatusApproved = "approved"
	ApprovalStatusRejected = "rejected"
)

// Approval is a gating sign-off record tied to a procedure instance and
// optionally to one of its steps. Once non-pending it is immutable; a new
// request requires a new record.
type Approval struct {
	ID             string
	InstanceID     string
	StepInstanceID *string
	Type           string // admin_verification | analyst_verification | step_approval | supervisor_approval
	Status         string // pending | approved | rejected
	RequestedBy    string
	ApprovedBy     *string
	ApprovedAt     *time.Time
	Notes          *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (a *Approval) IsPending() bool { return a.Status == ApprovalStatusPending }

// ── Test request types ────────────────────────────────────────────────────────

const (
	RequestStatusPending       = "pending"
	RequestStatusApproved      = "approved"
	RequestStatusReceived      = "received"
	RequestStatusInProgress    = "in_progress"
	RequestStatusCompleted     = "completed"
	RequestStatusDelivered     = "delivered"
	RequestStatusRejected      = "rejected"
	RequestStatusNeedsRevision = "needs_revision"
)

// ValidRequestStatuses returns the full top-level request status set.
func ValidRequestStatuses() []string {
	return []string{
		RequestStatusPending,
		RequestStatusApproved,
		RequestStatusReceived,
		RequestStatusInProgress,
		RequestStatusCompleted,
		RequestStatusDelivered,
		RequestStatusRejected,
		RequestStatusNeedsRevision,
	}
}

// IsValidRequestStatus reports whether status is one of the enumerated set.
func IsValidRequestStatus(status string) bool {
	for _, s := range ValidRequestStatuses() {
		if s == status {
			return true
		}
	}
	return false
}

// TestRequest is the top-level laboratory test request. IDs follow the
// human-readable REQ-YYYYMM-NNN scheme.
type TestRequest struct {
	ID            string
	UserID        string
	CustomerName  string
	LabID         string
	LabName       string
	TestType      string
	DateSubmitted time.Time
	Status        string
	SampleName    *string
	Description   *string
	ExpiryDate    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RequestFilter narrows request listings to an owner or a lab.
type RequestFilter struct {
	UserID *string
	LabID  *string
	Status *string
}

// ── Audit log types ───────────────────────────────────────────────────────────

// AuditEntry is one immutable record in the procedure audit log.
type AuditEntry struct {
	ID             string
	RequestID      string
	InstanceID     *string
	StepInstanceID *string
	Action         string // step_updated | approval_requested | approval_processed | analyst_assigned | procedure_created
	PerformedBy    string
	PerformedAt    time.Time
	Metadata       map[string]any
}
