package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wI2L/jsondiff"
)

type auditServiceFixture struct {
	*engineFixture
	svc *AuditService
}

func newAuditServiceFixture(t *testing.T) *auditServiceFixture {
	t.Helper()
	ef := newEngineFixture(t)
	svc := NewAuditService(AuditDeps{Audit: ef.store, InTx: passthroughTx})
	return &auditServiceFixture{engineFixture: ef, svc: svc}
}

func (f *auditServiceFixture) seedAudits(t *testing.T) {
	t.Helper()
	posID, _ := f.seedPosition(t, "Dispatcher", uuid.New(), testAsOf.Add(-24*time.Hour))
	f.seedOneOffTemplate(t, posID)
	f.reconcile(t, testAsOf)
}

func TestAuditListFiltersByEntity(t *testing.T) {
	f := newAuditServiceFixture(t)
	f.seedAudits(t)
	task := f.store.allTasks()[0]

	rows, err := f.svc.List(context.Background(), f.companyID, AuditFilter{
		EntityType: "task_assignment",
		EntityID:   task.ID,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, AuditActionCreate, rows[0].Action)
	require.Equal(t, f.actorID, rows[0].ActorID)

	none, err := f.svc.List(context.Background(), f.companyID, AuditFilter{
		EntityType: "delegation",
	})
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestAuditListPaginates(t *testing.T) {
	f := newAuditServiceFixture(t)
	f.seedAudits(t)
	all, err := f.svc.List(context.Background(), f.companyID, AuditFilter{})
	require.NoError(t, err)
	require.NotEmpty(t, all)

	page, err := f.svc.List(context.Background(), f.companyID, AuditFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)

	rest, err := f.svc.List(context.Background(), f.companyID, AuditFilter{Offset: len(all)})
	require.NoError(t, err)
	require.Empty(t, rest)
}

func TestAuditDiffOnCreateEntry(t *testing.T) {
	f := newAuditServiceFixture(t)
	f.seedAudits(t)
	task := f.store.allTasks()[0]

	rows, err := f.svc.List(context.Background(), f.companyID, AuditFilter{
		EntityType: "task_assignment",
		EntityID:   task.ID,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	// A create has no before image, so every field shows up as an add.
	patch, err := f.svc.Diff(context.Background(), f.companyID, rows[0].ID)
	require.NoError(t, err)
	require.NotEmpty(t, patch)
	for _, op := range patch {
		require.Equal(t, jsondiff.OperationAdd, op.Type)
	}
}

func TestAuditDiffOnStatusChange(t *testing.T) {
	f := newAuditServiceFixture(t)
	f.seedAudits(t)
	task := f.store.allTasks()[0]

	taskSvc := NewTaskService(TaskDeps{Tasks: f.store, Audit: f.store, InTx: passthroughTx})
	_, err := taskSvc.AdvanceStatus(context.Background(), f.companyID, task.ID, StatusInProgress, ActorParams{ActorID: f.actorID})
	require.NoError(t, err)

	rows, err := f.svc.List(context.Background(), f.companyID, AuditFilter{
		EntityType: "task_assignment",
		EntityID:   task.ID,
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	entry := rows[1]
	require.Equal(t, AuditActionStatusChange, entry.Action)

	patch, err := f.svc.Diff(context.Background(), f.companyID, entry.ID)
	require.NoError(t, err)

	var statusChanged bool
	for _, op := range patch {
		if op.Path == "/status" {
			statusChanged = true
			require.Equal(t, jsondiff.OperationReplace, op.Type)
			require.Equal(t, StatusInProgress, op.Value)
		}
	}
	require.True(t, statusChanged)
}

func TestAuditDiffUnknownEntry(t *testing.T) {
	f := newAuditServiceFixture(t)
	_, err := f.svc.Diff(context.Background(), f.companyID, uuid.New())
	var svcErr *ServiceError
	require.ErrorAs(t, err, &svcErr)
	require.Equal(t, "TASK_NOT_FOUND", svcErr.Code)
}
