package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/fieldline/taskflow/modules/tasking/domain/events"
	"github.com/fieldline/taskflow/pkg/eventbus"
)

func TestLegalTransition(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusInProgress, StatusCompleted, true},
		{StatusPending, StatusCompleted, false},
		{StatusInProgress, StatusPending, false},
		{StatusCompleted, StatusInProgress, false},
		{StatusCompleted, StatusCompleted, false},
		{StatusExpired, StatusInProgress, false},
		{StatusRetired, StatusInProgress, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, legalTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

type taskServiceFixture struct {
	*engineFixture
	svc *TaskService
	bus eventbus.EventBus
}

func newTaskServiceFixture(t *testing.T) *taskServiceFixture {
	t.Helper()
	ef := newEngineFixture(t)
	bus := eventbus.NewEventPublisher(testLogger())
	svc := NewTaskService(TaskDeps{
		Tasks: ef.store,
		Audit: ef.store,
		InTx:  passthroughTx,
		Bus:   bus,
	})
	return &taskServiceFixture{engineFixture: ef, svc: svc, bus: bus}
}

func (f *taskServiceFixture) seedTask(t *testing.T) TaskRow {
	t.Helper()
	posID, _ := f.seedPosition(t, "Dispatcher", uuid.New(), testAsOf.Add(-24*time.Hour))
	f.seedOneOffTemplate(t, posID)
	f.reconcile(t, testAsOf)
	tasks := f.store.allTasks()
	require.Len(t, tasks, 1)
	return tasks[0]
}

func TestAdvanceStatusHappyPath(t *testing.T) {
	f := newTaskServiceFixture(t)
	task := f.seedTask(t)
	actor := ActorParams{ActorID: f.actorID, RequestID: "req-1"}

	started, err := f.svc.AdvanceStatus(context.Background(), f.companyID, task.ID, StatusInProgress, actor)
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, started.Status)
	require.Equal(t, task.Version+1, started.Version)

	done, err := f.svc.AdvanceStatus(context.Background(), f.companyID, task.ID, StatusCompleted, actor)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, done.Status)

	// Each transition leaves an audit entry with before and after state.
	require.Equal(t, StatusCompleted, f.store.taskByID(task.ID).Status)
}

func TestAdvanceStatusRejectsIllegalTransition(t *testing.T) {
	f := newTaskServiceFixture(t)
	task := f.seedTask(t)

	_, err := f.svc.AdvanceStatus(context.Background(), f.companyID, task.ID, StatusCompleted, ActorParams{})
	var svcErr *ServiceError
	require.ErrorAs(t, err, &svcErr)
	require.Equal(t, "TASK_INVALID_TRANSITION", svcErr.Code)
	require.Equal(t, StatusPending, f.store.taskByID(task.ID).Status)

	_, err = f.svc.AdvanceStatus(context.Background(), f.companyID, task.ID, StatusRetired, ActorParams{})
	require.ErrorAs(t, err, &svcErr)
	require.Equal(t, "TASK_INVALID_BODY", svcErr.Code)
}

func TestAdvanceStatusCompletionAnnouncesStructureChange(t *testing.T) {
	f := newTaskServiceFixture(t)
	task := f.seedTask(t)

	var got []events.StructureChangedV1
	f.bus.Subscribe(func(ev events.StructureChangedV1) {
		got = append(got, ev)
	})

	_, err := f.svc.AdvanceStatus(context.Background(), f.companyID, task.ID, StatusInProgress, ActorParams{})
	require.NoError(t, err)
	require.Empty(t, got)

	_, err = f.svc.AdvanceStatus(context.Background(), f.companyID, task.ID, StatusCompleted, ActorParams{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, f.companyID, got[0].CompanyID)
	require.Equal(t, task.ID, got[0].EntityID)
}

func TestGetTaskUnknownIsNotFound(t *testing.T) {
	f := newTaskServiceFixture(t)
	_, err := f.svc.GetTask(context.Background(), f.companyID, uuid.New())
	var svcErr *ServiceError
	require.ErrorAs(t, err, &svcErr)
	require.Equal(t, "TASK_NOT_FOUND", svcErr.Code)
}
