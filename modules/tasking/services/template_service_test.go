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

func strptr(s string) *string { return &s }

func TestValidateTemplateBody(t *testing.T) {
	posID := uuid.New()
	anchor := testAsOf
	dep := uuid.New()
	self := uuid.New()

	valid := TemplateInsert{
		Name:                "Shift handover",
		AppliesToPositionID: &posID,
		Active:              true,
	}
	require.NoError(t, validateTemplateBody(valid, uuid.Nil))

	cases := []struct {
		name   string
		mutate func(in *TemplateInsert)
	}{
		{"blank name", func(in *TemplateInsert) { in.Name = "  " }},
		{"no target", func(in *TemplateInsert) { in.AppliesToPositionID = nil }},
		{"both targets", func(in *TemplateInsert) { in.RolePredicate = strptr("visor") }},
		{"blank predicate counts as absent", func(in *TemplateInsert) {
			in.AppliesToPositionID = nil
			in.RolePredicate = strptr("   ")
		}},
		{"bad recurrence rule", func(in *TemplateInsert) {
			in.RecurrenceRule = strptr("hourly")
			in.RecurrenceAnchor = &anchor
		}},
		{"rule without anchor", func(in *TemplateInsert) { in.RecurrenceRule = strptr("daily") }},
		{"anchor without rule", func(in *TemplateInsert) { in.RecurrenceAnchor = &anchor }},
		{"nil dependency", func(in *TemplateInsert) { in.DependsOnTemplateIDs = []uuid.UUID{uuid.Nil} }},
		{"self dependency", func(in *TemplateInsert) { in.DependsOnTemplateIDs = []uuid.UUID{self} }},
		{"duplicate dependency", func(in *TemplateInsert) { in.DependsOnTemplateIDs = []uuid.UUID{dep, dep} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := valid
			tc.mutate(&in)
			err := validateTemplateBody(in, self)
			var svcErr *ServiceError
			require.ErrorAs(t, err, &svcErr)
			require.Equal(t, "TASK_INVALID_BODY", svcErr.Code)
		})
	}

	recurring := valid
	recurring.RecurrenceRule = strptr("daily")
	recurring.RecurrenceAnchor = &anchor
	require.NoError(t, validateTemplateBody(recurring, uuid.Nil))
}

type templateServiceFixture struct {
	*engineFixture
	svc *TemplateService
	bus eventbus.EventBus
}

func newTemplateServiceFixture(t *testing.T) *templateServiceFixture {
	t.Helper()
	ef := newEngineFixture(t)
	bus := eventbus.NewEventPublisher(testLogger())
	svc := NewTemplateService(TemplateDeps{
		Templates: ef.store,
		Org:       ef.store,
		Audit:     ef.store,
		InTx:      passthroughTx,
		Bus:       bus,
	})
	return &templateServiceFixture{engineFixture: ef, svc: svc, bus: bus}
}

func TestCreateTemplateChecksReferences(t *testing.T) {
	f := newTemplateServiceFixture(t)
	unknown := uuid.New()

	_, err := f.svc.CreateTemplate(context.Background(), f.companyID, TemplateInsert{
		Name:                "Orphan",
		AppliesToPositionID: &unknown,
		Active:              true,
	}, ActorParams{})
	var svcErr *ServiceError
	require.ErrorAs(t, err, &svcErr)
	require.Equal(t, "TASK_NOT_FOUND", svcErr.Code)

	_, err = f.svc.CreateTemplate(context.Background(), f.companyID, TemplateInsert{
		Name:                 "Dangling dependency",
		RolePredicate:        strptr("visor"),
		DependsOnTemplateIDs: []uuid.UUID{unknown},
		Active:               true,
	}, ActorParams{})
	require.ErrorAs(t, err, &svcErr)
	require.Equal(t, "TASK_NOT_FOUND", svcErr.Code)
}

func TestCreateTemplateRejectsArchivedPosition(t *testing.T) {
	f := newTemplateServiceFixture(t)
	posID, _ := f.seedPosition(t, "Dispatcher", uuid.New(), testAsOf.Add(-24*time.Hour))

	pos, err := f.store.GetPosition(context.Background(), f.companyID, posID)
	require.NoError(t, err)
	require.NoError(t, f.store.ArchivePosition(context.Background(), f.companyID, posID, testAsOf, pos.Version))

	_, err = f.svc.CreateTemplate(context.Background(), f.companyID, TemplateInsert{
		Name:                "Late binding",
		AppliesToPositionID: &posID,
		Active:              true,
	}, ActorParams{})
	var svcErr *ServiceError
	require.ErrorAs(t, err, &svcErr)
	require.Equal(t, "TASK_REFERENCE_NOT_FOUND", svcErr.Code)
}

func TestCreateTemplateAnnouncesAndAudits(t *testing.T) {
	f := newTemplateServiceFixture(t)
	posID, _ := f.seedPosition(t, "Dispatcher", uuid.New(), testAsOf.Add(-24*time.Hour))

	var announced []events.StructureChangedV1
	f.bus.Subscribe(func(ev events.StructureChangedV1) { announced = append(announced, ev) })

	row, err := f.svc.CreateTemplate(context.Background(), f.companyID, TemplateInsert{
		Name:                "Shift handover",
		AppliesToPositionID: &posID,
		Active:              true,
	}, ActorParams{ActorID: f.actorID})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, row.ID)
	require.Len(t, announced, 1)
	require.Equal(t, row.ID, announced[0].EntityID)
	require.Equal(t, 1, f.store.auditCount())
}

func TestSetTemplateActiveIsIdempotent(t *testing.T) {
	f := newTemplateServiceFixture(t)
	posID, _ := f.seedPosition(t, "Dispatcher", uuid.New(), testAsOf.Add(-24*time.Hour))
	tplID := f.seedOneOffTemplate(t, posID)

	var announced int
	f.bus.Subscribe(func(events.StructureChangedV1) { announced++ })

	require.NoError(t, f.svc.SetTemplateActive(context.Background(), f.companyID, tplID, false, ActorParams{}))
	require.Equal(t, 1, announced)
	auditsAfterFirst := f.store.auditCount()

	// Deactivating an inactive template changes nothing.
	require.NoError(t, f.svc.SetTemplateActive(context.Background(), f.companyID, tplID, false, ActorParams{}))
	require.Equal(t, 1, announced)
	require.Equal(t, auditsAfterFirst, f.store.auditCount())
}

func TestUpdateTemplateBumpsVersion(t *testing.T) {
	f := newTemplateServiceFixture(t)
	posID, _ := f.seedPosition(t, "Dispatcher", uuid.New(), testAsOf.Add(-24*time.Hour))
	tplID := f.seedOneOffTemplate(t, posID)
	before, err := f.svc.GetTemplate(context.Background(), f.companyID, tplID)
	require.NoError(t, err)

	row, err := f.svc.UpdateTemplate(context.Background(), f.companyID, tplID, TemplateInsert{
		Name:                "Renamed handover",
		AppliesToPositionID: &posID,
		Active:              true,
	}, ActorParams{})
	require.NoError(t, err)
	require.Equal(t, "Renamed handover", row.Name)
	require.Equal(t, before.Version+1, row.Version)
}
