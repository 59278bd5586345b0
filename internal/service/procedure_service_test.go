package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labops/be-lab-procedures/internal/errors"
	"github.com/labops/be-lab-procedures/internal/logger"
	"github.com/labops/be-lab-procedures/internal/repository"
)

type procedureFixture struct {
	svc       *ProcedureService
	store     *fakeProcedureStore
	templates *fakeTemplateStore
	requests  *fakeRequestStore
	lifecycle *RequestService
	publisher *fakePublisher
	audit     *fakeAuditLog
	template  *repository.Template
	request   *repository.TestRequest
}

// newProcedureFixture wires the engine against an active 3-step template and
// a pending request REQ-1.
func newProcedureFixture(t *testing.T) *procedureFixture {
	t.Helper()
	ctx := context.Background()

	templates := newFakeTemplateStore()
	tmplSvc := NewTemplateService(templates, nil, logger.Nop())
	template, err := tmplSvc.CreateTemplate(ctx, admin, validTemplateRequest())
	require.NoError(t, err)
	_, err = tmplSvc.ActivateTemplate(ctx, admin, template.ID)
	require.NoError(t, err)

	requests := newFakeRequestStore()
	request := &repository.TestRequest{
		ID:           "REQ-1",
		UserID:       "customer-1",
		CustomerName: "Acme",
		LabID:        "lab-1",
		LabName:      "Materials Lab",
		TestType:     "Tensile",
		Status:       repository.RequestStatusReceived,
	}
	require.NoError(t, requests.Create(ctx, request))

	publisher := &fakePublisher{}
	audit := &fakeAuditLog{}
	lifecycle := NewRequestService(requests, audit, nil, logger.Nop())
	store := newFakeProcedureStore()

	return &procedureFixture{
		svc:       NewProcedureService(store, templates, requests, lifecycle, publisher, audit, logger.Nop()),
		store:     store,
		templates: templates,
		requests:  requests,
		lifecycle: lifecycle,
		publisher: publisher,
		audit:     audit,
		template:  template,
		request:   request,
	}
}

func (f *procedureFixture) createInstance(t *testing.T) *repository.ProcedureInstance {
	t.Helper()
	inst, err := f.svc.CreateProcedure(context.Background(), analyst, &CreateProcedureRequest{
		TestRequestID: f.request.ID,
		TemplateID:    f.template.ID,
	})
	require.NoError(t, err)
	return inst
}

func TestProcedureService_CreateProcedure(t *testing.T) {
	f := newProcedureFixture(t)

	inst := f.createInstance(t)

	assert.Equal(t, repository.InstanceStatusDraft, inst.Status)
	assert.Equal(t, f.template.Version, inst.VersionSnapshot)
	require.Len(t, inst.Steps, 3)
	for i, step := range inst.Steps {
		assert.Equal(t, i+1, step.StepOrder)
		assert.Equal(t, repository.StepStatusPending, step.Status)
		assert.Equal(t, repository.PassFailPending, step.PassFailStatus)
	}
	assert.Equal(t, []string{EventProcedureCreated}, f.publisher.eventTypes())
}

func TestProcedureService_CreateProcedure_SnapshotFrozen(t *testing.T) {
	f := newProcedureFixture(t)

	inst := f.createInstance(t)

	// Mutating the live template after binding must not leak into the
	// snapshot.
	f.templates.templates[f.template.ID].Steps[0].Name = "renamed"
	assert.Equal(t, "Prepare sample", inst.Snapshot.Steps[0].Name)
}

func TestProcedureService_CreateProcedure_InactiveTemplate(t *testing.T) {
	f := newProcedureFixture(t)
	ctx := context.Background()

	tmplSvc := NewTemplateService(f.templates, nil, logger.Nop())
	req := validTemplateRequest()
	req.Version = "9.9"
	draft, err := tmplSvc.CreateTemplate(ctx, admin, req)
	require.NoError(t, err)

	_, err = f.svc.CreateProcedure(ctx, analyst, &CreateProcedureRequest{
		TestRequestID: f.request.ID,
		TemplateID:    draft.ID,
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))
}

func TestProcedureService_CreateProcedure_DuplicateForRequest(t *testing.T) {
	f := newProcedureFixture(t)

	f.createInstance(t)

	_, err := f.svc.CreateProcedure(context.Background(), analyst, &CreateProcedureRequest{
		TestRequestID: f.request.ID,
		TemplateID:    f.template.ID,
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))
}

func TestProcedureService_UpdateStep_StartPromotesInstance(t *testing.T) {
	f := newProcedureFixture(t)
	ctx := context.Background()

	inst := f.createInstance(t)

	step, err := f.svc.UpdateStep(ctx, analyst, inst.ID, inst.Steps[0].ID, &UpdateStepInput{
		Status: ptr(repository.StepStatusInProgress),
	})
	require.NoError(t, err)

	assert.Equal(t, repository.StepStatusInProgress, step.Status)
	assert.NotNil(t, step.StartedAt)

	stored := f.store.instances[inst.ID]
	assert.Equal(t, repository.InstanceStatusInProgress, stored.Status)
	assert.NotNil(t, stored.StartedAt)

	// The coordinator moved the request forward too.
	assert.Equal(t, repository.RequestStatusInProgress, f.requests.requests["REQ-1"].Status)
	assert.Contains(t, f.publisher.eventTypes(), EventProcedureStarted)
}

func TestProcedureService_UpdateStep_CompleteStampsExecutor(t *testing.T) {
	f := newProcedureFixture(t)
	ctx := context.Background()

	inst := f.createInstance(t)

	step, err := f.svc.UpdateStep(ctx, analyst, inst.ID, inst.Steps[0].ID, &UpdateStepInput{
		Status:         ptr(repository.StepStatusCompleted),
		Results:        map[string]any{"load_kn": 12.5},
		PassFailStatus: ptr(repository.PassFailPass),
	})
	require.NoError(t, err)

	assert.Equal(t, repository.StepStatusCompleted, step.Status)
	assert.NotNil(t, step.CompletedAt)
	require.NotNil(t, step.ExecutedBy)
	assert.Equal(t, "analyst-1", *step.ExecutedBy)
	assert.Equal(t, repository.PassFailPass, step.PassFailStatus)
	assert.Equal(t, map[string]any{"load_kn": 12.5}, step.Results)
}

func TestProcedureService_UpdateStep_CustomerForbidden(t *testing.T) {
	f := newProcedureFixture(t)
	ctx := context.Background()

	inst := f.createInstance(t)

	_, err := f.svc.UpdateStep(ctx, customer, inst.ID, inst.Steps[0].ID, &UpdateStepInput{
		Status: ptr(repository.StepStatusCompleted),
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeForbidden, errors.CodeOf(err))

	stored := f.store.instances[inst.ID]
	assert.Equal(t, repository.StepStatusPending, stored.Steps[0].Status)
	assert.Nil(t, stored.Steps[0].ExecutedBy)
}

func TestProcedureService_UpdateStep_CompletedNotReversible(t *testing.T) {
	f := newProcedureFixture(t)
	ctx := context.Background()

	inst := f.createInstance(t)

	_, err := f.svc.UpdateStep(ctx, analyst, inst.ID, inst.Steps[0].ID, &UpdateStepInput{
		Status: ptr(repository.StepStatusCompleted),
	})
	require.NoError(t, err)

	_, err = f.svc.UpdateStep(ctx, analyst, inst.ID, inst.Steps[0].ID, &UpdateStepInput{
		Status: ptr(repository.StepStatusPending),
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))
}

func TestProcedureService_ProgressAndCompletion(t *testing.T) {
	f := newProcedureFixture(t)
	ctx := context.Background()

	inst := f.createInstance(t)
	complete := &UpdateStepInput{Status: ptr(repository.StepStatusCompleted)}

	_, err := f.svc.UpdateStep(ctx, analyst, inst.ID, inst.Steps[0].ID, complete)
	require.NoError(t, err)

	stored := f.store.instances[inst.ID]
	assert.Equal(t, 33, stored.ProgressPercentage())
	require.NotNil(t, stored.CurrentStep())
	assert.Equal(t, 2, stored.CurrentStep().StepOrder)

	_, err = f.svc.UpdateStep(ctx, analyst, inst.ID, inst.Steps[1].ID, complete)
	require.NoError(t, err)
	assert.Equal(t, 67, stored.ProgressPercentage())

	_, err = f.svc.UpdateStep(ctx, analyst, inst.ID, inst.Steps[2].ID, complete)
	require.NoError(t, err)

	assert.Equal(t, 100, stored.ProgressPercentage())
	assert.Equal(t, repository.InstanceStatusCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
	assert.Nil(t, stored.CurrentStep())
	assert.Contains(t, f.publisher.eventTypes(), EventProcedureCompleted)
}

func TestProcedureService_UpdateStep_TerminalInstance(t *testing.T) {
	f := newProcedureFixture(t)
	ctx := context.Background()

	inst := f.createInstance(t)
	complete := &UpdateStepInput{Status: ptr(repository.StepStatusCompleted)}
	for _, step := range inst.Steps {
		_, err := f.svc.UpdateStep(ctx, analyst, inst.ID, step.ID, complete)
		require.NoError(t, err)
	}

	_, err := f.svc.UpdateStep(ctx, analyst, inst.ID, inst.Steps[0].ID, &UpdateStepInput{
		Notes: ptr("late note"),
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))
}

func TestProcedureService_UpdateStep_OutOfOrderAllowed(t *testing.T) {
	f := newProcedureFixture(t)
	ctx := context.Background()

	inst := f.createInstance(t)

	// Step ordering is advisory; completing the last step first is legal.
	_, err := f.svc.UpdateStep(ctx, analyst, inst.ID, inst.Steps[2].ID, &UpdateStepInput{
		Status: ptr(repository.StepStatusCompleted),
	})
	require.NoError(t, err)
}

func TestProcedureService_AssignAnalyst(t *testing.T) {
	f := newProcedureFixture(t)
	ctx := context.Background()

	inst := f.createInstance(t)

	require.NoError(t, f.svc.AssignAnalyst(ctx, admin, inst.ID, "analyst-2"))
	require.NotNil(t, f.store.instances[inst.ID].AssignedAnalystID)
	assert.Equal(t, "analyst-2", *f.store.instances[inst.ID].AssignedAnalystID)

	// Reassignment is unconditional.
	require.NoError(t, f.svc.AssignAnalyst(ctx, admin, inst.ID, "analyst-3"))
	assert.Equal(t, "analyst-3", *f.store.instances[inst.ID].AssignedAnalystID)
}

func TestProcedureService_RejectProcedure(t *testing.T) {
	f := newProcedureFixture(t)
	ctx := context.Background()

	inst := f.createInstance(t)

	require.NoError(t, f.svc.RejectProcedure(ctx, admin, inst.ID, "sample contaminated"))

	stored := f.store.instances[inst.ID]
	assert.Equal(t, repository.InstanceStatusRejected, stored.Status)
	require.NotNil(t, stored.RejectionReason)
	assert.Equal(t, "sample contaminated", *stored.RejectionReason)

	// Rejection is only legal before execution starts.
	f2 := newProcedureFixture(t)
	inst2 := f2.createInstance(t)
	_, err := f2.svc.UpdateStep(ctx, analyst, inst2.ID, inst2.Steps[0].ID, &UpdateStepInput{
		Status: ptr(repository.StepStatusInProgress),
	})
	require.NoError(t, err)

	err = f2.svc.RejectProcedure(ctx, admin, inst2.ID, "too late")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))
}

func TestProcedureService_RequestSampleRevision(t *testing.T) {
	f := newProcedureFixture(t)
	ctx := context.Background()

	inst := f.createInstance(t)

	require.NoError(t, f.svc.RequestSampleRevision(ctx, analyst, inst.ID, "sample too small"))

	stored := f.store.instances[inst.ID]
	assert.Equal(t, repository.InstanceStatusNeedsRevision, stored.Status)
	require.NotNil(t, stored.RevisionNotes)
	assert.Equal(t, "sample too small", *stored.RevisionNotes)
}

func TestProcedureService_CompletionIsIdempotent(t *testing.T) {
	f := newProcedureFixture(t)
	ctx := context.Background()

	inst := f.createInstance(t)
	complete := &UpdateStepInput{Status: ptr(repository.StepStatusCompleted)}
	for _, step := range inst.Steps {
		_, err := f.svc.UpdateStep(ctx, analyst, inst.ID, step.ID, complete)
		require.NoError(t, err)
	}

	stored := f.store.instances[inst.ID]
	firstCompletedAt := stored.CompletedAt
	require.NotNil(t, firstCompletedAt)

	// Re-deriving completion on an already-completed instance changes
	// nothing and emits nothing.
	events := len(f.publisher.events)
	require.NoError(t, f.svc.deriveCompletion(ctx, analyst, stored))
	assert.Equal(t, firstCompletedAt, stored.CompletedAt)
	assert.Len(t, f.publisher.events, events)

	time.Sleep(time.Millisecond)
	require.NoError(t, f.svc.deriveCompletion(ctx, analyst, stored))
	assert.Equal(t, firstCompletedAt, stored.CompletedAt)
}
