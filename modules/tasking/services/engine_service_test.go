package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/fieldline/taskflow/modules/tasking/domain/events"
)

type engineFixture struct {
	store     *memStore
	engine    *EngineService
	companyID uuid.UUID
	actorID   uuid.UUID
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	companyID := uuid.New()
	store := newMemStore(companyID)
	engine := NewEngineService(EngineDeps{
		Org:         store,
		Templates:   store,
		Tasks:       store,
		Delegations: store,
		Audit:       store,
		Sink:        store,
		Locks:       memLocker{},
		InTx:        passthroughTx,
	}, EngineConfig{RetryAttempts: 2, RetryBackoff: time.Millisecond, Parallelism: 2})
	return &engineFixture{store: store, engine: engine, companyID: companyID, actorID: uuid.New()}
}

func (f *engineFixture) reconcile(t *testing.T, asOf time.Time) *ReconciliationResult {
	t.Helper()
	result, err := f.engine.Reconcile(context.Background(), f.companyID, ReconcileParams{
		AsOf:      asOf,
		ActorID:   f.actorID,
		RequestID: uuid.NewString(),
	})
	require.NoError(t, err)
	return result
}

// seedPosition creates department, position, and an open occupancy starting
// at from.
func (f *engineFixture) seedPosition(t *testing.T, title string, userID uuid.UUID, from time.Time) (uuid.UUID, uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	deptID, err := f.store.InsertDepartment(ctx, f.companyID, DepartmentInsert{Name: "Ops"})
	require.NoError(t, err)
	posID, err := f.store.InsertPosition(ctx, f.companyID, PositionInsert{DepartmentID: deptID, Title: title})
	require.NoError(t, err)
	occID, err := f.store.InsertPositionAssignment(ctx, f.companyID, PositionAssignmentInsert{
		PositionID: posID,
		UserID:     userID,
		ValidFrom:  from,
	})
	require.NoError(t, err)
	return posID, occID
}

func (f *engineFixture) seedOneOffTemplate(t *testing.T, positionID uuid.UUID) uuid.UUID {
	t.Helper()
	id, err := f.store.InsertTemplate(context.Background(), f.companyID, TemplateInsert{
		Name:                "Safety briefing",
		AppliesToPositionID: &positionID,
		Active:              true,
	})
	require.NoError(t, err)
	return id
}

func (f *engineFixture) seedDailyTemplate(t *testing.T, positionID uuid.UUID, anchor time.Time) uuid.UUID {
	t.Helper()
	rule := "daily"
	id, err := f.store.InsertTemplate(context.Background(), f.companyID, TemplateInsert{
		Name:                "Shift report",
		AppliesToPositionID: &positionID,
		RecurrenceRule:      &rule,
		RecurrenceAnchor:    &anchor,
		Active:              true,
	})
	require.NoError(t, err)
	return id
}

var testAsOf = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func TestReconcileCreatesInstancesForOccupiedPositions(t *testing.T) {
	f := newEngineFixture(t)
	userID := uuid.New()
	posID, occID := f.seedPosition(t, "Dispatcher", userID, testAsOf.Add(-24*time.Hour))
	tplID := f.seedOneOffTemplate(t, posID)

	result := f.reconcile(t, testAsOf)

	require.Equal(t, 1, result.Created)
	require.Zero(t, result.Retired)
	require.Zero(t, result.Unresolved)
	require.Empty(t, result.Failures)

	tasks := f.store.allTasks()
	require.Len(t, tasks, 1)
	task := tasks[0]
	require.Equal(t, tplID, task.TemplateID)
	require.Equal(t, posID, task.PositionID)
	require.Equal(t, occID, task.SourcePositionAssignmentID)
	require.Equal(t, StatusPending, task.Status)
	require.NotNil(t, task.AssigneeUserID)
	require.Equal(t, userID, *task.AssigneeUserID)
	require.False(t, task.AssigneeUnresolved)

	created := f.store.eventsByType(events.ChangeTaskCreated)
	require.Len(t, created, 1)
	require.Equal(t, task.ID, created[0].EntityID)
	require.Equal(t, 1, f.store.auditCount())
}

func TestReconcileIsIdempotent(t *testing.T) {
	f := newEngineFixture(t)
	posID, _ := f.seedPosition(t, "Dispatcher", uuid.New(), testAsOf.Add(-24*time.Hour))
	f.seedOneOffTemplate(t, posID)

	first := f.reconcile(t, testAsOf)
	require.Equal(t, 1, first.Created)
	auditsAfterFirst := f.store.auditCount()

	second := f.reconcile(t, testAsOf)
	require.Zero(t, second.Writes())
	require.Empty(t, second.Failures)
	require.Equal(t, auditsAfterFirst, f.store.auditCount())
	require.Len(t, f.store.allTasks(), 1)
}

func TestReconcileCoverageAcrossPositionsAndTemplates(t *testing.T) {
	f := newEngineFixture(t)
	from := testAsOf.Add(-24 * time.Hour)
	posA, _ := f.seedPosition(t, "Dispatcher", uuid.New(), from)
	posB, _ := f.seedPosition(t, "Supervisor", uuid.New(), from)
	f.seedOneOffTemplate(t, posA)
	f.seedOneOffTemplate(t, posB)

	// A predicate template matching both position titles by substring.
	predicate := "visor"
	_, err := f.store.InsertTemplate(context.Background(), f.companyID, TemplateInsert{
		Name:          "Weekly sync",
		RolePredicate: &predicate,
		Active:        true,
	})
	require.NoError(t, err)

	result := f.reconcile(t, testAsOf)

	// One per bound template plus the predicate match on Supervisor.
	require.Equal(t, 3, result.Created)
	require.Len(t, f.store.allTasks(), 3)

	byPosition := map[uuid.UUID]int{}
	for _, task := range f.store.allTasks() {
		byPosition[task.PositionID]++
	}
	require.Equal(t, 1, byPosition[posA])
	require.Equal(t, 2, byPosition[posB])
}

func TestReconcileRetiresOnVacancy(t *testing.T) {
	f := newEngineFixture(t)
	posID, occID := f.seedPosition(t, "Dispatcher", uuid.New(), testAsOf.Add(-48*time.Hour))
	f.seedOneOffTemplate(t, posID)

	f.reconcile(t, testAsOf)
	tasks := f.store.allTasks()
	require.Len(t, tasks, 1)

	// Occupant leaves.
	occ, err := f.store.GetPositionAssignment(context.Background(), f.companyID, occID)
	require.NoError(t, err)
	leaveAt := testAsOf.Add(time.Hour)
	require.NoError(t, f.store.ClosePositionAssignment(context.Background(), f.companyID, occID, leaveAt, occ.Version))

	result := f.reconcile(t, testAsOf.Add(2*time.Hour))

	require.Equal(t, 1, result.Retired)
	require.Zero(t, result.Created)
	require.Equal(t, StatusRetired, f.store.taskByID(tasks[0].ID).Status)

	retired := f.store.eventsByType(events.ChangeTaskRetired)
	require.Len(t, retired, 1)
	require.Equal(t, tasks[0].ID, retired[0].EntityID)
}

func TestReconcileRetiresWhenTemplateDeactivated(t *testing.T) {
	f := newEngineFixture(t)
	posID, _ := f.seedPosition(t, "Dispatcher", uuid.New(), testAsOf.Add(-24*time.Hour))
	tplID := f.seedOneOffTemplate(t, posID)

	f.reconcile(t, testAsOf)
	require.Len(t, f.store.allTasks(), 1)

	tpl, err := f.store.GetTemplate(context.Background(), f.companyID, tplID)
	require.NoError(t, err)
	require.NoError(t, f.store.SetTemplateActive(context.Background(), f.companyID, tplID, false, tpl.Version))

	result := f.reconcile(t, testAsOf.Add(time.Hour))
	require.Equal(t, 1, result.Retired)
	require.Equal(t, StatusRetired, f.store.allTasks()[0].Status)
}

func TestReconcileDailyRolloverExpiresAndCreatesInOnePass(t *testing.T) {
	f := newEngineFixture(t)
	anchor := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	posID, occID := f.seedPosition(t, "Dispatcher", uuid.New(), anchor.Add(-24*time.Hour))
	tplID := f.seedDailyTemplate(t, posID, anchor)

	first := f.reconcile(t, anchor.Add(9*time.Hour))
	require.Equal(t, 1, first.Created)
	dayOne := f.store.allTasks()[0]
	require.NotNil(t, dayOne.PeriodStart)
	require.Equal(t, anchor, dayOne.PeriodStart.UTC())

	// Next day: the elapsed instance expires and its successor appears.
	second := f.reconcile(t, anchor.Add(33*time.Hour))
	require.Equal(t, 1, second.Expired)
	require.Equal(t, 1, second.Created)
	require.Empty(t, second.Failures)

	tasks := f.store.allTasks()
	require.Len(t, tasks, 2)
	require.Equal(t, StatusExpired, f.store.taskByID(dayOne.ID).Status)

	var successor TaskRow
	for _, task := range tasks {
		if task.ID != dayOne.ID {
			successor = task
		}
	}
	require.Equal(t, tplID, successor.TemplateID)
	require.Equal(t, occID, successor.SourcePositionAssignmentID)
	require.Equal(t, StatusPending, successor.Status)
	require.Equal(t, anchor.Add(24*time.Hour), successor.PeriodStart.UTC())
	require.Equal(t, anchor.Add(48*time.Hour), successor.PeriodEnd.UTC())
}

func TestReconcileDefersUntilDependencyCompleted(t *testing.T) {
	f := newEngineFixture(t)
	posID, _ := f.seedPosition(t, "Dispatcher", uuid.New(), testAsOf.Add(-24*time.Hour))
	prereqID := f.seedOneOffTemplate(t, posID)

	_, err := f.store.InsertTemplate(context.Background(), f.companyID, TemplateInsert{
		Name:                 "Equipment checkout",
		AppliesToPositionID:  &posID,
		DependsOnTemplateIDs: []uuid.UUID{prereqID},
		Active:               true,
	})
	require.NoError(t, err)

	result := f.reconcile(t, testAsOf)
	require.Equal(t, 1, result.Created)
	require.Equal(t, 1, result.Deferred)
	require.Len(t, f.store.allTasks(), 1)

	// Complete the prerequisite instance.
	prereqTask := f.store.allTasks()[0]
	require.NoError(t, f.store.SetTaskStatus(context.Background(), f.companyID, prereqTask.ID, StatusInProgress, prereqTask.Version))
	require.NoError(t, f.store.SetTaskStatus(context.Background(), f.companyID, prereqTask.ID, StatusCompleted, prereqTask.Version+1))

	result = f.reconcile(t, testAsOf.Add(time.Hour))
	require.Equal(t, 1, result.Created)
	require.Zero(t, result.Deferred)
	require.Len(t, f.store.allTasks(), 2)
}

func TestReconcileAppliesDelegationOnCreate(t *testing.T) {
	f := newEngineFixture(t)
	occupant := uuid.New()
	delegate := uuid.New()
	posID, _ := f.seedPosition(t, "Dispatcher", occupant, testAsOf.Add(-24*time.Hour))
	f.seedOneOffTemplate(t, posID)

	_, _, err := f.store.InsertDelegation(context.Background(), f.companyID, DelegationInsert{
		Scope:          ScopePosition,
		ScopeID:        posID,
		DelegateUserID: delegate,
		ValidFrom:      testAsOf.Add(-time.Hour),
	})
	require.NoError(t, err)

	f.reconcile(t, testAsOf)

	task := f.store.allTasks()[0]
	require.NotNil(t, task.AssigneeUserID)
	require.Equal(t, delegate, *task.AssigneeUserID)
}

func TestReconcileReassignsWhenDelegationAppears(t *testing.T) {
	f := newEngineFixture(t)
	occupant := uuid.New()
	delegate := uuid.New()
	posID, _ := f.seedPosition(t, "Dispatcher", occupant, testAsOf.Add(-24*time.Hour))
	f.seedOneOffTemplate(t, posID)

	f.reconcile(t, testAsOf)
	task := f.store.allTasks()[0]
	require.Equal(t, occupant, *task.AssigneeUserID)

	_, _, err := f.store.InsertDelegation(context.Background(), f.companyID, DelegationInsert{
		Scope:          ScopePosition,
		ScopeID:        posID,
		DelegateUserID: delegate,
		ValidFrom:      testAsOf.Add(30 * time.Minute),
	})
	require.NoError(t, err)

	result := f.reconcile(t, testAsOf.Add(time.Hour))
	require.Equal(t, 1, result.Reassigned)

	refreshed := f.store.taskByID(task.ID)
	require.Equal(t, delegate, *refreshed.AssigneeUserID)
	require.Equal(t, 1, len(f.store.eventsByType(events.ChangeTaskReassigned)))
}

func TestReconcileAuditCompleteness(t *testing.T) {
	f := newEngineFixture(t)
	posID, occID := f.seedPosition(t, "Dispatcher", uuid.New(), testAsOf.Add(-48*time.Hour))
	f.seedOneOffTemplate(t, posID)

	// Pass 1: one create.
	f.reconcile(t, testAsOf)
	require.Equal(t, 1, f.store.auditCount())

	// Pass 2 after vacancy: one retire.
	occ, err := f.store.GetPositionAssignment(context.Background(), f.companyID, occID)
	require.NoError(t, err)
	require.NoError(t, f.store.ClosePositionAssignment(context.Background(), f.companyID, occID, testAsOf.Add(time.Minute), occ.Version))
	f.reconcile(t, testAsOf.Add(time.Hour))
	require.Equal(t, 2, f.store.auditCount())

	// Pass 3 with nothing to do: no new entries.
	f.reconcile(t, testAsOf.Add(2*time.Hour))
	require.Equal(t, 2, f.store.auditCount())
}

func TestReconcileRefusesWithoutCompany(t *testing.T) {
	f := newEngineFixture(t)
	_, err := f.engine.Reconcile(context.Background(), uuid.Nil, ReconcileParams{})
	require.Error(t, err)
	var svcErr *ServiceError
	require.ErrorAs(t, err, &svcErr)
	require.Equal(t, "TASK_NO_COMPANY", svcErr.Code)
}

func TestReconcileRefusesWhenCompanyBusy(t *testing.T) {
	companyID := uuid.New()
	store := newMemStore(companyID)
	engine := NewEngineService(EngineDeps{
		Org: store, Templates: store, Tasks: store, Delegations: store,
		Audit: store, Sink: store, Locks: busyLocker{}, InTx: passthroughTx,
	}, EngineConfig{})

	_, err := engine.Reconcile(context.Background(), companyID, ReconcileParams{})
	var svcErr *ServiceError
	require.ErrorAs(t, err, &svcErr)
	require.Equal(t, "TASK_RECONCILE_BUSY", svcErr.Code)
}
