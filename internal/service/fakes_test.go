package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/labops/be-lab-procedures/internal/errors"
	"github.com/labops/be-lab-procedures/internal/repository"
)

// In-memory store fakes. They return the stored pointers directly, which is
// good enough for exercising the service logic.

type fakeTemplateStore struct {
	templates map[string]*repository.Template
}

func newFakeTemplateStore() *fakeTemplateStore {
	return &fakeTemplateStore{templates: make(map[string]*repository.Template)}
}

func (f *fakeTemplateStore) Create(ctx context.Context, t *repository.Template) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	for _, step := range t.Steps {
		if step.ID == "" {
			step.ID = uuid.NewString()
		}
		step.TemplateID = t.ID
	}
	f.templates[t.ID] = t
	return nil
}

func (f *fakeTemplateStore) GetByID(ctx context.Context, id string) (*repository.Template, error) {
	t, ok := f.templates[id]
	if !ok || t.DeletedAt != nil {
		return nil, errors.NotFound("template", id)
	}
	return t, nil
}

func (f *fakeTemplateStore) List(ctx context.Context, filter repository.TemplateFilter) ([]*repository.Template, error) {
	var out []*repository.Template
	for _, t := range f.templates {
		if t.DeletedAt != nil {
			continue
		}
		if filter.TestTypeID != nil && t.TestTypeID != *filter.TestTypeID {
			continue
		}
		if filter.Status != nil && t.Status != *filter.Status {
			continue
		}
		if filter.LabID != nil && (t.LabID == nil || *t.LabID != *filter.LabID) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeTemplateStore) VersionExists(ctx context.Context, testTypeID, version string) (bool, error) {
	for _, t := range f.templates {
		if t.TestTypeID == testTypeID && t.Version == version {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeTemplateStore) Update(ctx context.Context, t *repository.Template, replaceSteps bool) error {
	if _, ok := f.templates[t.ID]; !ok {
		return errors.NotFound("template", t.ID)
	}
	t.UpdatedAt = time.Now().UTC()
	f.templates[t.ID] = t
	return nil
}

func (f *fakeTemplateStore) Activate(ctx context.Context, id, approverID string) error {
	t, ok := f.templates[id]
	if !ok {
		return errors.NotFound("template", id)
	}
	if t.Status != repository.TemplateStatusDraft {
		return errors.InvalidState("template is not draft")
	}
	for _, other := range f.templates {
		if other.ID != id && other.TestTypeID == t.TestTypeID && other.Status == repository.TemplateStatusActive {
			other.Status = repository.TemplateStatusDeprecated
		}
	}
	now := time.Now().UTC()
	t.Status = repository.TemplateStatusActive
	t.ApprovedBy = &approverID
	t.ApprovedAt = &now
	return nil
}

func (f *fakeTemplateStore) SoftDelete(ctx context.Context, id string) error {
	t, ok := f.templates[id]
	if !ok {
		return errors.NotFound("template", id)
	}
	now := time.Now().UTC()
	t.DeletedAt = &now
	return nil
}

type fakeProcedureStore struct {
	instances map[string]*repository.ProcedureInstance
}

func newFakeProcedureStore() *fakeProcedureStore {
	return &fakeProcedureStore{instances: make(map[string]*repository.ProcedureInstance)}
}

func (f *fakeProcedureStore) Create(ctx context.Context, inst *repository.ProcedureInstance) error {
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	inst.CreatedAt = now
	inst.UpdatedAt = now
	for _, step := range inst.Steps {
		if step.ID == "" {
			step.ID = uuid.NewString()
		}
		step.InstanceID = inst.ID
	}
	f.instances[inst.ID] = inst
	return nil
}

func (f *fakeProcedureStore) GetByRequestID(ctx context.Context, requestID string) (*repository.ProcedureInstance, error) {
	for _, inst := range f.instances {
		if inst.TestRequestID == requestID {
			return inst, nil
		}
	}
	return nil, errors.NotFound("procedure", requestID)
}

func (f *fakeProcedureStore) GetByID(ctx context.Context, id string) (*repository.ProcedureInstance, error) {
	inst, ok := f.instances[id]
	if !ok {
		return nil, errors.NotFound("procedure", id)
	}
	return inst, nil
}

func (f *fakeProcedureStore) ListSteps(ctx context.Context, instanceID string) ([]*repository.ProcedureStepInstance, error) {
	inst, ok := f.instances[instanceID]
	if !ok {
		return nil, errors.NotFound("procedure", instanceID)
	}
	return inst.Steps, nil
}

func (f *fakeProcedureStore) GetStep(ctx context.Context, instanceID, stepID string) (*repository.ProcedureStepInstance, error) {
	inst, ok := f.instances[instanceID]
	if !ok {
		return nil, errors.NotFound("procedure", instanceID)
	}
	for _, step := range inst.Steps {
		if step.ID == stepID {
			return step, nil
		}
	}
	return nil, errors.NotFound("procedure_step", stepID)
}

func (f *fakeProcedureStore) UpdateStep(ctx context.Context, step *repository.ProcedureStepInstance) error {
	inst, ok := f.instances[step.InstanceID]
	if !ok {
		return errors.NotFound("procedure", step.InstanceID)
	}
	for i, existing := range inst.Steps {
		if existing.ID == step.ID {
			step.UpdatedAt = time.Now().UTC()
			inst.Steps[i] = step
			return nil
		}
	}
	return errors.NotFound("procedure_step", step.ID)
}

func (f *fakeProcedureStore) UpdateStatus(ctx context.Context, id, status string, startedAt, completedAt *time.Time) error {
	inst, ok := f.instances[id]
	if !ok {
		return errors.NotFound("procedure", id)
	}
	inst.Status = status
	if startedAt != nil {
		inst.StartedAt = startedAt
	}
	if completedAt != nil {
		inst.CompletedAt = completedAt
	}
	return nil
}

func (f *fakeProcedureStore) SetNotes(ctx context.Context, id string, rejectionReason, revisionNotes *string) error {
	inst, ok := f.instances[id]
	if !ok {
		return errors.NotFound("procedure", id)
	}
	if rejectionReason != nil {
		inst.RejectionReason = rejectionReason
	}
	if revisionNotes != nil {
		inst.RevisionNotes = revisionNotes
	}
	return nil
}

func (f *fakeProcedureStore) AssignAnalyst(ctx context.Context, id, analystID string) error {
	inst, ok := f.instances[id]
	if !ok {
		return errors.NotFound("procedure", id)
	}
	inst.AssignedAnalystID = &analystID
	return nil
}

type fakeApprovalStore struct {
	approvals map[string]*repository.Approval
}

func newFakeApprovalStore() *fakeApprovalStore {
	return &fakeApprovalStore{approvals: make(map[string]*repository.Approval)}
}

func (f *fakeApprovalStore) Create(ctx context.Context, a *repository.Approval) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	f.approvals[a.ID] = a
	return nil
}

func (f *fakeApprovalStore) GetByID(ctx context.Context, instanceID, approvalID string) (*repository.Approval, error) {
	a, ok := f.approvals[approvalID]
	if !ok || a.InstanceID != instanceID {
		return nil, errors.NotFound("approval", approvalID)
	}
	return a, nil
}

func (f *fakeApprovalStore) ListByInstance(ctx context.Context, instanceID string) ([]*repository.Approval, error) {
	var out []*repository.Approval
	for _, a := range f.approvals {
		if a.InstanceID == instanceID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeApprovalStore) Process(ctx context.Context, id, status, approverID string, notes *string) error {
	a, ok := f.approvals[id]
	if !ok {
		return errors.NotFound("approval", id)
	}
	if a.Status != repository.ApprovalStatusPending {
		return errors.AlreadyProcessed(id)
	}
	now := time.Now().UTC()
	a.Status = status
	a.ApprovedBy = &approverID
	a.ApprovedAt = &now
	if notes != nil {
		a.Notes = notes
	}
	a.UpdatedAt = now
	return nil
}

type fakeRequestStore struct {
	requests map[string]*repository.TestRequest
	seq      int
}

func newFakeRequestStore() *fakeRequestStore {
	return &fakeRequestStore{requests: make(map[string]*repository.TestRequest)}
}

func (f *fakeRequestStore) Create(ctx context.Context, req *repository.TestRequest) error {
	now := time.Now().UTC()
	if req.ID == "" {
		f.seq++
		req.ID = fmt.Sprintf("REQ-%s-%03d", now.Format("200601"), f.seq)
	}
	req.CreatedAt = now
	req.UpdatedAt = now
	f.requests[req.ID] = req
	return nil
}

func (f *fakeRequestStore) GetByID(ctx context.Context, id string) (*repository.TestRequest, error) {
	req, ok := f.requests[id]
	if !ok {
		return nil, errors.NotFound("test_request", id)
	}
	return req, nil
}

func (f *fakeRequestStore) List(ctx context.Context, filter repository.RequestFilter) ([]*repository.TestRequest, error) {
	var out []*repository.TestRequest
	for _, req := range f.requests {
		if filter.UserID != nil && req.UserID != *filter.UserID {
			continue
		}
		if filter.LabID != nil && req.LabID != *filter.LabID {
			continue
		}
		if filter.Status != nil && req.Status != *filter.Status {
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

func (f *fakeRequestStore) UpdateStatus(ctx context.Context, id, status string) error {
	req, ok := f.requests[id]
	if !ok {
		return errors.NotFound("test_request", id)
	}
	req.Status = status
	req.UpdatedAt = time.Now().UTC()
	return nil
}

type fakePublisher struct {
	events []ProcedureEvent
}

func (f *fakePublisher) PublishProcedureEvent(ctx context.Context, event ProcedureEvent) error {
	f.events = append(f.events, event)
	return nil
}

func (f *fakePublisher) eventTypes() []string {
	types := make([]string, 0, len(f.events))
	for _, e := range f.events {
		types = append(types, e.Type)
	}
	return types
}

type fakeAuditLog struct {
	entries []*repository.AuditEntry
}

func (f *fakeAuditLog) Append(ctx context.Context, entry *repository.AuditEntry) error {
	f.entries = append(f.entries, entry)
	return nil
}
