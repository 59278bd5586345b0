package service

import (
	"context"
	"fmt"

	"github.com/labops/be-lab-procedures/internal/errors"
	"github.com/labops/be-lab-procedures/internal/logger"
	"github.com/labops/be-lab-procedures/internal/repository"
)

// TemplateStore is the persistence surface the template registry needs.
// Implemented by repository.TemplateRepository.
type TemplateStore interface {
	Create(ctx context.Context, t *repository.Template) error
	GetByID(ctx context.Context, id string) (*repository.Template, error)
	List(ctx context.Context, filter repository.TemplateFilter) ([]*repository.Template, error)
	VersionExists(ctx context.Context, testTypeID, version string) (bool, error)
	Update(ctx context.Context, t *repository.Template, replaceSteps bool) error
	Activate(ctx context.Context, id, approverID string) error
	SoftDelete(ctx context.Context, id string) error
}

// TestTypeInfo is the subset of test-type registry data the service needs.
type TestTypeInfo struct {
	ID    string
	Name  string
	LabID string
}

// TestTypeRegistry resolves test types from the external registry. A nil
// registry disables the existence check (standalone deployments).
type TestTypeRegistry interface {
	GetTestType(ctx context.Context, id string) (*TestTypeInfo, error)
}

// TemplateService owns versioned procedure templates: creation, draft
// editing, activation with the one-active-per-test-type invariant, and
// duplication into new draft versions.
type TemplateService struct {
	templates TemplateStore
	registry  TestTypeRegistry
	log       *logger.Logger
}

// NewTemplateService creates a new TemplateService.
func NewTemplateService(templates TemplateStore, registry TestTypeRegistry, log *logger.Logger) *TemplateService {
	return &TemplateService{
		templates: templates,
		registry:  registry,
		log:       log,
	}
}

// StepInput is one caller-supplied step definition.
type StepInput struct {
	StepOrder                int
	Name                     string
	Description              string
	Equipment                []string
	Materials                []string
	Parameters               []map[string]any
	PassFailCriteria         map[string]any
	EstimatedDurationMinutes int
	ResponsibleRole          string
	RequiresApproval         bool
}

// CreateTemplateRequest carries the fields for a new template.
type CreateTemplateRequest struct {
	TestTypeID        string
	Version           string
	Name              string
	Description       *string
	ReferenceStandard *string
	EstimatedTATDays  int
	Steps             []StepInput
}

// UpdateTemplateRequest carries partial template updates. Nil fields are
// left unchanged; a non-nil Steps slice replaces all step rows.
type UpdateTemplateRequest struct {
	Name              *string
	Description       *string
	ReferenceStandard *string
	EstimatedTATDays  *int
	Steps             []StepInput
}

// CreateTemplate registers a new draft template with its steps. The
// caller-supplied step order is preserved verbatim; the registry does not
// renumber.
func (s *TemplateService) CreateTemplate(ctx context.Context, actor Actor, req *CreateTemplateRequest) (*repository.Template, error) {
	if req.TestTypeID == "" {
		return nil, errors.InvalidInput("test_type_id", "test type is required")
	}
	if req.Version == "" {
		return nil, errors.InvalidInput("version", "version is required")
	}
	if req.Name == "" {
		return nil, errors.InvalidInput("name", "name is required")
	}
	if req.EstimatedTATDays < 1 {
		return nil, errors.InvalidInput("estimated_tat_days", "estimated TAT must be at least 1 day")
	}
	if err := validateSteps(req.Steps); err != nil {
		return nil, err
	}

	exists, err := s.templates.VersionExists(ctx, req.TestTypeID, req.Version)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, errors.DuplicateVersion(req.TestTypeID, req.Version)
	}

	var labID *string
	if s.registry != nil {
		info, err := s.registry.GetTestType(ctx, req.TestTypeID)
		if err != nil {
			return nil, err
		}
		labID = &info.LabID
	}

	template := &repository.Template{
		TestTypeID:        req.TestTypeID,
		LabID:             labID,
		Version:           req.Version,
		Name:              req.Name,
		Description:       req.Description,
		ReferenceStandard: req.ReferenceStandard,
		EstimatedTATDays:  req.EstimatedTATDays,
		Status:            repository.TemplateStatusDraft,
		CreatedBy:         actor.ID,
		Steps:             buildTemplateSteps(req.Steps),
	}

	if err := s.templates.Create(ctx, template); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("template_id", template.ID).
		Str("test_type_id", template.TestTypeID).
		Str("version", template.Version).
		Int("step_count", len(template.Steps)).
		Msg("Procedure template created")

	return template, nil
}

// GetTemplate retrieves a template with its steps.
func (s *TemplateService) GetTemplate(ctx context.Context, id string) (*repository.Template, error) {
	return s.templates.GetByID(ctx, id)
}

// ListTemplates lists templates filtered by test type, status and lab.
func (s *TemplateService) ListTemplates(ctx context.Context, filter repository.TemplateFilter) ([]*repository.Template, error) {
	if filter.Status != nil {
		if st := *filter.Status; st != repository.TemplateStatusDraft &&
			st != repository.TemplateStatusActive &&
			st != repository.TemplateStatusDeprecated {
			return nil, errors.InvalidInput("status", fmt.Sprintf("unknown template status %q", st))
		}
	}
	return s.templates.List(ctx, filter)
}

// UpdateTemplate edits a draft template. Templates in any other state are
// immutable. Replacing steps deletes and recreates all step rows; there is
// no partial step patching.
func (s *TemplateService) UpdateTemplate(ctx context.Context, actor Actor, id string, req *UpdateTemplateRequest) (*repository.Template, error) {
	template, err := s.templates.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !template.IsDraft() {
		return nil, errors.InvalidState("only draft templates can be edited")
	}

	if req.Name != nil {
		if *req.Name == "" {
			return nil, errors.InvalidInput("name", "name cannot be empty")
		}
		template.Name = *req.Name
	}
	if req.Description != nil {
		template.Description = req.Description
	}
	if req.ReferenceStandard != nil {
		template.ReferenceStandard = req.ReferenceStandard
	}
	if req.EstimatedTATDays != nil {
		if *req.EstimatedTATDays < 1 {
			return nil, errors.InvalidInput("estimated_tat_days", "estimated TAT must be at least 1 day")
		}
		template.EstimatedTATDays = *req.EstimatedTATDays
	}

	replaceSteps := req.Steps != nil
	if replaceSteps {
		if err := validateSteps(req.Steps); err != nil {
			return nil, err
		}
		template.Steps = buildTemplateSteps(req.Steps)
	}

	if err := s.templates.Update(ctx, template, replaceSteps); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("template_id", template.ID).
		Bool("steps_replaced", replaceSteps).
		Msg("Procedure template updated")

	return s.templates.GetByID(ctx, id)
}

// ActivateTemplate promotes a draft template to active. Any other active
// template for the same test type is deprecated in the same transaction, so
// at most one template per test type is active at any time.
func (s *TemplateService) ActivateTemplate(ctx context.Context, actor Actor, id string) (*repository.Template, error) {
	if !actor.CanManageTemplates() {
		return nil, errors.Forbidden("only admins and supervisors can activate templates")
	}

	template, err := s.templates.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !template.IsDraft() {
		return nil, errors.InvalidState(
			fmt.Sprintf("only draft templates can be activated (status: %s)", template.Status))
	}

	if err := s.templates.Activate(ctx, id, actor.ID); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("template_id", id).
		Str("test_type_id", template.TestTypeID).
		Str("version", template.Version).
		Str("activated_by", actor.ID).
		Msg("Procedure template activated")

	return s.templates.GetByID(ctx, id)
}

// DuplicateTemplate copies a template and all its step definitions into a
// new draft version with approver fields cleared.
func (s *TemplateService) DuplicateTemplate(ctx context.Context, actor Actor, id, newVersion string) (*repository.Template, error) {
	if newVersion == "" {
		return nil, errors.InvalidInput("version", "version is required")
	}

	source, err := s.templates.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	exists, err := s.templates.VersionExists(ctx, source.TestTypeID, newVersion)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, errors.DuplicateVersion(source.TestTypeID, newVersion)
	}

	duplicate := &repository.Template{
		TestTypeID:        source.TestTypeID,
		LabID:             source.LabID,
		Version:           newVersion,
		Name:              source.Name,
		Description:       source.Description,
		ReferenceStandard: source.ReferenceStandard,
		EstimatedTATDays:  source.EstimatedTATDays,
		Status:            repository.TemplateStatusDraft,
		CreatedBy:         actor.ID,
		Steps:             make([]*repository.TemplateStep, 0, len(source.Steps)),
	}
	for _, step := range source.Steps {
		duplicate.Steps = append(duplicate.Steps, &repository.TemplateStep{
			StepOrder:                step.StepOrder,
			Name:                     step.Name,
			Description:              step.Description,
			Equipment:                step.Equipment,
			Materials:                step.Materials,
			Parameters:               step.Parameters,
			PassFailCriteria:         step.PassFailCriteria,
			EstimatedDurationMinutes: step.EstimatedDurationMinutes,
			ResponsibleRole:          step.ResponsibleRole,
			RequiresApproval:         step.RequiresApproval,
		})
	}

	if err := s.templates.Create(ctx, duplicate); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("source_template_id", source.ID).
		Str("template_id", duplicate.ID).
		Str("version", newVersion).
		Msg("Procedure template duplicated")

	return duplicate, nil
}

// DeleteTemplate soft-deletes a template. Active templates must be
// deprecated (by activating a successor) before deletion.
func (s *TemplateService) DeleteTemplate(ctx context.Context, actor Actor, id string) error {
	if !actor.CanManageTemplates() {
		return errors.Forbidden("only admins and supervisors can delete templates")
	}

	template, err := s.templates.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if template.IsActive() {
		return errors.InvalidState("active templates cannot be deleted")
	}

	if err := s.templates.SoftDelete(ctx, id); err != nil {
		return err
	}

	s.log.Info().
		Str("template_id", id).
		Str("deleted_by", actor.ID).
		Msg("Procedure template deleted")

	return nil
}

// ── validation helpers ────────────────────────────────────────────────────────

func validateSteps(steps []StepInput) error {
	if len(steps) < 1 {
		return errors.InvalidInput("steps", "template must have at least 1 step")
	}

	seenOrders := make(map[int]bool, len(steps))
	for i, step := range steps {
		field := fmt.Sprintf("steps[%d]", i)
		if step.StepOrder < 1 {
			return errors.InvalidInput(field+".step_order", "step order must be at least 1")
		}
		if seenOrders[step.StepOrder] {
			return errors.InvalidInput(field+".step_order",
				fmt.Sprintf("duplicate step order %d", step.StepOrder))
		}
		seenOrders[step.StepOrder] = true

		if step.Name == "" {
			return errors.InvalidInput(field+".name", "step name is required")
		}
		if step.Description == "" {
			return errors.InvalidInput(field+".description", "step description is required")
		}
		if step.EstimatedDurationMinutes < 1 {
			return errors.InvalidInput(field+".estimated_duration_minutes", "duration must be at least 1 minute")
		}
		switch step.ResponsibleRole {
		case repository.RoleAnalyst, repository.RoleAdmin, repository.RoleSupervisor:
		default:
			return errors.InvalidInput(field+".responsible_role",
				fmt.Sprintf("unknown responsible role %q", step.ResponsibleRole))
		}
	}
	return nil
}

func buildTemplateSteps(inputs []StepInput) []*repository.TemplateStep {
	steps := make([]*repository.TemplateStep, 0, len(inputs))
	for _, in := range inputs {
		steps = append(steps, &repository.TemplateStep{
			StepOrder:                in.StepOrder,
			Name:                     in.Name,
			Description:              in.Description,
			Equipment:                in.Equipment,
			Materials:                in.Materials,
			Parameters:               in.Parameters,
			PassFailCriteria:         in.PassFailCriteria,
			EstimatedDurationMinutes: in.EstimatedDurationMinutes,
			ResponsibleRole:          in.ResponsibleRole,
			RequiresApproval:         in.RequiresApproval,
		})
	}
	return steps
}
