package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labops/be-lab-procedures/internal/errors"
	"github.com/labops/be-lab-procedures/internal/logger"
	"github.com/labops/be-lab-procedures/internal/repository"
)

var supervisor = Actor{ID: "supervisor-1", Role: ActorRoleSupervisor}

type approvalFixture struct {
	*procedureFixture
	svc      *ApprovalService
	store    *fakeApprovalStore
	instance *repository.ProcedureInstance
}

func newApprovalFixture(t *testing.T) *approvalFixture {
	t.Helper()
	pf := newProcedureFixture(t)
	inst := pf.createInstance(t)

	store := newFakeApprovalStore()
	svc := NewApprovalService(store, pf.store, pf.lifecycle, pf.publisher, pf.audit, logger.Nop())

	return &approvalFixture{
		procedureFixture: pf,
		svc:              svc,
		store:            store,
		instance:         inst,
	}
}

func TestApprovalService_RequestApproval(t *testing.T) {
	f := newApprovalFixture(t)
	ctx := context.Background()

	approval, err := f.svc.RequestApproval(ctx, analyst, f.instance.ID, &RequestApprovalInput{
		Type: repository.ApprovalTypeAnalystVerification,
	})
	require.NoError(t, err)

	assert.Equal(t, repository.ApprovalStatusPending, approval.Status)
	assert.Equal(t, "analyst-1", approval.RequestedBy)
	assert.Nil(t, approval.ApprovedBy)
	assert.Contains(t, f.publisher.eventTypes(), EventApprovalRequested)
}

func TestApprovalService_RequestApproval_UnknownType(t *testing.T) {
	f := newApprovalFixture(t)

	_, err := f.svc.RequestApproval(context.Background(), analyst, f.instance.ID, &RequestApprovalInput{
		Type: "rubber_stamp",
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeValidation, errors.CodeOf(err))
}

func TestApprovalService_RequestApproval_StepScoped(t *testing.T) {
	f := newApprovalFixture(t)
	ctx := context.Background()

	approval, err := f.svc.RequestApproval(ctx, analyst, f.instance.ID, &RequestApprovalInput{
		Type:           repository.ApprovalTypeStepApproval,
		StepInstanceID: &f.instance.Steps[0].ID,
	})
	require.NoError(t, err)
	require.NotNil(t, approval.StepInstanceID)
	assert.Equal(t, f.instance.Steps[0].ID, *approval.StepInstanceID)

	_, err = f.svc.RequestApproval(ctx, analyst, f.instance.ID, &RequestApprovalInput{
		Type:           repository.ApprovalTypeStepApproval,
		StepInstanceID: ptr("no-such-step"),
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))
}

func TestApprovalService_RequestApproval_DuplicatesPermitted(t *testing.T) {
	f := newApprovalFixture(t)
	ctx := context.Background()

	for range 2 {
		_, err := f.svc.RequestApproval(ctx, analyst, f.instance.ID, &RequestApprovalInput{
			Type: repository.ApprovalTypeSupervisorApproval,
		})
		require.NoError(t, err)
	}

	approvals, err := f.svc.ListApprovals(ctx, f.instance.ID)
	require.NoError(t, err)
	assert.Len(t, approvals, 2)
}

func TestApprovalService_ProcessApproval(t *testing.T) {
	f := newApprovalFixture(t)
	ctx := context.Background()

	approval, err := f.svc.RequestApproval(ctx, analyst, f.instance.ID, &RequestApprovalInput{
		Type: repository.ApprovalTypeAdminVerification,
	})
	require.NoError(t, err)

	processed, err := f.svc.ProcessApproval(ctx, admin, f.instance.ID, approval.ID,
		repository.ApprovalStatusApproved, ptr("looks good"))
	require.NoError(t, err)

	assert.Equal(t, repository.ApprovalStatusApproved, processed.Status)
	require.NotNil(t, processed.ApprovedBy)
	assert.Equal(t, "admin-1", *processed.ApprovedBy)
	assert.NotNil(t, processed.ApprovedAt)

	// Admin verification has no cross-component effect on the request.
	assert.Equal(t, repository.RequestStatusReceived, f.requests.requests["REQ-1"].Status)
}

func TestApprovalService_ProcessApproval_AlreadyProcessed(t *testing.T) {
	f := newApprovalFixture(t)
	ctx := context.Background()

	approval, err := f.svc.RequestApproval(ctx, analyst, f.instance.ID, &RequestApprovalInput{
		Type: repository.ApprovalTypeAnalystVerification,
	})
	require.NoError(t, err)

	_, err = f.svc.ProcessApproval(ctx, admin, f.instance.ID, approval.ID,
		repository.ApprovalStatusRejected, nil)
	require.NoError(t, err)

	_, err = f.svc.ProcessApproval(ctx, admin, f.instance.ID, approval.ID,
		repository.ApprovalStatusApproved, nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeAlreadyProcessed, errors.CodeOf(err))
}

func TestApprovalService_ProcessApproval_CustomerForbidden(t *testing.T) {
	f := newApprovalFixture(t)
	ctx := context.Background()

	approval, err := f.svc.RequestApproval(ctx, analyst, f.instance.ID, &RequestApprovalInput{
		Type: repository.ApprovalTypeAnalystVerification,
	})
	require.NoError(t, err)

	_, err = f.svc.ProcessApproval(ctx, customer, f.instance.ID, approval.ID,
		repository.ApprovalStatusApproved, nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeForbidden, errors.CodeOf(err))
}

func TestApprovalService_ProcessApproval_InvalidDecision(t *testing.T) {
	f := newApprovalFixture(t)
	ctx := context.Background()

	approval, err := f.svc.RequestApproval(ctx, analyst, f.instance.ID, &RequestApprovalInput{
		Type: repository.ApprovalTypeAnalystVerification,
	})
	require.NoError(t, err)

	_, err = f.svc.ProcessApproval(ctx, admin, f.instance.ID, approval.ID, "maybe", nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeValidation, errors.CodeOf(err))
}

func TestApprovalService_SupervisorApprovalCompletesRequest(t *testing.T) {
	f := newApprovalFixture(t)
	ctx := context.Background()

	approval, err := f.svc.RequestApproval(ctx, analyst, f.instance.ID, &RequestApprovalInput{
		Type: repository.ApprovalTypeSupervisorApproval,
	})
	require.NoError(t, err)

	_, err = f.svc.ProcessApproval(ctx, supervisor, f.instance.ID, approval.ID,
		repository.ApprovalStatusApproved, nil)
	require.NoError(t, err)

	assert.Equal(t, repository.RequestStatusCompleted, f.requests.requests["REQ-1"].Status)
	assert.Contains(t, f.publisher.eventTypes(), EventApprovalProcessed)
}

func TestApprovalService_SupervisorRejectionLeavesRequest(t *testing.T) {
	f := newApprovalFixture(t)
	ctx := context.Background()

	approval, err := f.svc.RequestApproval(ctx, analyst, f.instance.ID, &RequestApprovalInput{
		Type: repository.ApprovalTypeSupervisorApproval,
	})
	require.NoError(t, err)

	_, err = f.svc.ProcessApproval(ctx, supervisor, f.instance.ID, approval.ID,
		repository.ApprovalStatusRejected, ptr("incomplete results"))
	require.NoError(t, err)

	assert.Equal(t, repository.RequestStatusReceived, f.requests.requests["REQ-1"].Status)
}
