package services

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"github.com/fieldline/taskflow/modules/tasking/domain/events"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// memStore backs every repository interface with maps so service logic runs
// against a real-looking store without Postgres. The instance-key uniqueness
// and version guards of the schema are enforced here too, since the engine's
// idempotence depends on them.
type memStore struct {
	mu sync.Mutex

	companyID   uuid.UUID
	departments map[uuid.UUID]DepartmentRow
	positions   map[uuid.UUID]PositionRow
	occupancies map[uuid.UUID]PositionAssignmentRow
	templates   map[uuid.UUID]TemplateRow
	tasks       map[uuid.UUID]TaskRow
	delegations map[uuid.UUID]DelegationRow
	audits      []AuditLogRow
	events      []events.TaskEventV1

	taskOrder       []uuid.UUID
	delegationOrder []uuid.UUID
}

func newMemStore(companyID uuid.UUID) *memStore {
	return &memStore{
		companyID:   companyID,
		departments: make(map[uuid.UUID]DepartmentRow),
		positions:   make(map[uuid.UUID]PositionRow),
		occupancies: make(map[uuid.UUID]PositionAssignmentRow),
		templates:   make(map[uuid.UUID]TemplateRow),
		tasks:       make(map[uuid.UUID]TaskRow),
		delegations: make(map[uuid.UUID]DelegationRow),
	}
}

func passthroughTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

type memLocker struct{}

func (memLocker) TryLock(_ context.Context, _ uuid.UUID) (func(), bool, error) {
	return func() {}, true, nil
}

type busyLocker struct{}

func (busyLocker) TryLock(_ context.Context, _ uuid.UUID) (func(), bool, error) {
	return nil, false, nil
}

// OrgStructureRepository

func (s *memStore) InsertDepartment(_ context.Context, _ uuid.UUID, in DepartmentInsert) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.departments[id] = DepartmentRow{ID: id, Name: in.Name, ParentID: in.ParentID, Version: 1}
	return id, nil
}

func (s *memStore) GetDepartment(_ context.Context, _ uuid.UUID, id uuid.UUID) (DepartmentRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.departments[id]
	if !ok {
		return DepartmentRow{}, pgx.ErrNoRows
	}
	return row, nil
}

func (s *memStore) ListDepartments(_ context.Context, _ uuid.UUID) ([]DepartmentRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DepartmentRow, 0, len(s.departments))
	for _, row := range s.departments {
		out = append(out, row)
	}
	return out, nil
}

func (s *memStore) ArchiveDepartment(_ context.Context, _ uuid.UUID, id uuid.UUID, at time.Time, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.departments[id]
	if !ok || row.ArchivedAt != nil || row.Version != version {
		return ErrVersionConflict
	}
	row.ArchivedAt = &at
	row.Version++
	s.departments[id] = row
	return nil
}

func (s *memStore) InsertPosition(_ context.Context, _ uuid.UUID, in PositionInsert) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.positions[id] = PositionRow{
		ID:                      id,
		DepartmentID:            in.DepartmentID,
		Title:                   in.Title,
		AllowsMultipleOccupants: in.AllowsMultipleOccupants,
		Version:                 1,
	}
	return id, nil
}

func (s *memStore) GetPosition(_ context.Context, _ uuid.UUID, id uuid.UUID) (PositionRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.positions[id]
	if !ok {
		return PositionRow{}, pgx.ErrNoRows
	}
	return row, nil
}

func (s *memStore) ListPositions(_ context.Context, _ uuid.UUID) ([]PositionRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PositionRow, 0, len(s.positions))
	for _, row := range s.positions {
		out = append(out, row)
	}
	return out, nil
}

func (s *memStore) ArchivePosition(_ context.Context, _ uuid.UUID, id uuid.UUID, at time.Time, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.positions[id]
	if !ok || row.ArchivedAt != nil || row.Version != version {
		return ErrVersionConflict
	}
	row.ArchivedAt = &at
	row.Version++
	s.positions[id] = row
	return nil
}

func (s *memStore) InsertPositionAssignment(_ context.Context, _ uuid.UUID, in PositionAssignmentInsert) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Schema-level guard: the exclusive-open partial unique index fires even
	// when the caller's pre-insert count raced.
	if pos, ok := s.positions[in.PositionID]; ok && !pos.AllowsMultipleOccupants && in.ValidTo == nil {
		for _, occ := range s.occupancies {
			if occ.PositionID == in.PositionID && occ.ValidTo == nil {
				return uuid.Nil, &pgconn.PgError{Code: "23505", ConstraintName: "position_assignments_exclusive_open"}
			}
		}
	}
	id := uuid.New()
	s.occupancies[id] = PositionAssignmentRow{
		ID:         id,
		PositionID: in.PositionID,
		UserID:     in.UserID,
		ValidFrom:  in.ValidFrom,
		ValidTo:    in.ValidTo,
		Version:    1,
	}
	return id, nil
}

func (s *memStore) GetPositionAssignment(_ context.Context, _ uuid.UUID, id uuid.UUID) (PositionAssignmentRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.occupancies[id]
	if !ok {
		return PositionAssignmentRow{}, pgx.ErrNoRows
	}
	return row, nil
}

func (s *memStore) ListActivePositionAssignments(_ context.Context, _ uuid.UUID, asOf time.Time) ([]PositionAssignmentRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PositionAssignmentRow
	for _, row := range s.occupancies {
		if row.Covers(asOf) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *memStore) CountOpenOccupants(_ context.Context, _ uuid.UUID, positionID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, row := range s.occupancies {
		if row.PositionID == positionID && row.ValidTo == nil {
			n++
		}
	}
	return n, nil
}

func (s *memStore) ClosePositionAssignment(_ context.Context, _ uuid.UUID, id uuid.UUID, validTo time.Time, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.occupancies[id]
	if !ok || row.ValidTo != nil || row.Version != version {
		return ErrVersionConflict
	}
	row.ValidTo = &validTo
	row.Version++
	s.occupancies[id] = row
	return nil
}

// TemplateRepository

func (s *memStore) InsertTemplate(_ context.Context, _ uuid.UUID, in TemplateInsert) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.templates[id] = TemplateRow{
		ID:                   id,
		Name:                 in.Name,
		AppliesToPositionID:  in.AppliesToPositionID,
		RolePredicate:        in.RolePredicate,
		RecurrenceRule:       in.RecurrenceRule,
		RecurrenceAnchor:     in.RecurrenceAnchor,
		RequiredFields:       in.RequiredFields,
		DependsOnTemplateIDs: in.DependsOnTemplateIDs,
		Active:               in.Active,
		Version:              1,
	}
	return id, nil
}

func (s *memStore) GetTemplate(_ context.Context, _ uuid.UUID, id uuid.UUID) (TemplateRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.templates[id]
	if !ok {
		return TemplateRow{}, pgx.ErrNoRows
	}
	return row, nil
}

func (s *memStore) ListActiveTemplates(_ context.Context, _ uuid.UUID) ([]TemplateRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TemplateRow
	for _, row := range s.templates {
		if row.Active {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *memStore) UpdateTemplate(_ context.Context, _ uuid.UUID, id uuid.UUID, in TemplateInsert, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.templates[id]
	if !ok || row.Version != version {
		return ErrVersionConflict
	}
	s.templates[id] = TemplateRow{
		ID:                   id,
		Name:                 in.Name,
		AppliesToPositionID:  in.AppliesToPositionID,
		RolePredicate:        in.RolePredicate,
		RecurrenceRule:       in.RecurrenceRule,
		RecurrenceAnchor:     in.RecurrenceAnchor,
		RequiredFields:       in.RequiredFields,
		DependsOnTemplateIDs: in.DependsOnTemplateIDs,
		Active:               in.Active,
		Version:              version + 1,
	}
	return nil
}

func (s *memStore) SetTemplateActive(_ context.Context, _ uuid.UUID, id uuid.UUID, active bool, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.templates[id]
	if !ok || row.Version != version {
		return ErrVersionConflict
	}
	row.Active = active
	row.Version++
	s.templates[id] = row
	return nil
}

// TaskRepository

func duplicateInstanceErr() error {
	return &pgconn.PgError{Code: "23505", ConstraintName: "task_assignments_instance_key"}
}

func (s *memStore) InsertTask(_ context.Context, _ uuid.UUID, in TaskInsert) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := instanceKey{TemplateID: in.TemplateID, SourcePositionAssignmentID: in.SourcePositionAssignmentID}
	if in.PeriodStart != nil {
		key.PeriodStart = in.PeriodStart.UTC()
	}
	for _, existing := range s.tasks {
		if taskKey(existing) == key {
			return uuid.Nil, duplicateInstanceErr()
		}
	}

	id := uuid.New()
	s.tasks[id] = TaskRow{
		ID:                         id,
		TemplateID:                 in.TemplateID,
		PositionID:                 in.PositionID,
		SourcePositionAssignmentID: in.SourcePositionAssignmentID,
		AssigneeUserID:             in.AssigneeUserID,
		AssigneeUnresolved:         in.AssigneeUnresolved,
		Status:                     in.Status,
		PeriodStart:                in.PeriodStart,
		PeriodEnd:                  in.PeriodEnd,
		Version:                    1,
	}
	s.taskOrder = append(s.taskOrder, id)
	return id, nil
}

func (s *memStore) GetTask(_ context.Context, _ uuid.UUID, id uuid.UUID) (TaskRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.tasks[id]
	if !ok {
		return TaskRow{}, pgx.ErrNoRows
	}
	return row, nil
}

func (s *memStore) ListOpenTasks(_ context.Context, _ uuid.UUID) ([]TaskRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TaskRow
	for _, id := range s.taskOrder {
		if row := s.tasks[id]; row.Open() {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *memStore) ListOpenTasksForPosition(_ context.Context, _ uuid.UUID, positionID uuid.UUID) ([]TaskRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TaskRow
	for _, id := range s.taskOrder {
		if row := s.tasks[id]; row.Open() && row.PositionID == positionID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *memStore) ListCompletedPairs(_ context.Context, _ uuid.UUID) ([]CompletedPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[CompletedPair]bool)
	var out []CompletedPair
	for _, row := range s.tasks {
		if row.Status != StatusCompleted {
			continue
		}
		pair := CompletedPair{TemplateID: row.TemplateID, SourcePositionAssignmentID: row.SourcePositionAssignmentID}
		if !seen[pair] {
			seen[pair] = true
			out = append(out, pair)
		}
	}
	return out, nil
}

func (s *memStore) SetTaskStatus(_ context.Context, _ uuid.UUID, id uuid.UUID, status string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.tasks[id]
	if !ok || row.Version != version {
		return ErrVersionConflict
	}
	row.Status = status
	row.Version++
	s.tasks[id] = row
	return nil
}

func (s *memStore) SetTaskAssignee(_ context.Context, _ uuid.UUID, id uuid.UUID, assignee *uuid.UUID, unresolved bool, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.tasks[id]
	if !ok || row.Version != version {
		return ErrVersionConflict
	}
	row.AssigneeUserID = assignee
	row.AssigneeUnresolved = unresolved
	row.Version++
	s.tasks[id] = row
	return nil
}

func (s *memStore) ListCompanyIDsWithOpenTasks(_ context.Context) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.tasks {
		if row.Open() {
			return []uuid.UUID{s.companyID}, nil
		}
	}
	return nil, nil
}

// DelegationRepository

func (s *memStore) InsertDelegation(_ context.Context, _ uuid.UUID, in DelegationInsert) (uuid.UUID, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	createdAt := time.Now().UTC()
	s.delegations[id] = DelegationRow{
		ID:             id,
		Scope:          in.Scope,
		ScopeID:        in.ScopeID,
		DelegateUserID: in.DelegateUserID,
		ValidFrom:      in.ValidFrom,
		ValidTo:        in.ValidTo,
		CreatedAt:      createdAt,
		Version:        1,
	}
	s.delegationOrder = append(s.delegationOrder, id)
	return id, createdAt, nil
}

func (s *memStore) GetDelegation(_ context.Context, _ uuid.UUID, id uuid.UUID) (DelegationRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.delegations[id]
	if !ok {
		return DelegationRow{}, pgx.ErrNoRows
	}
	return row, nil
}

func (s *memStore) ListDelegations(_ context.Context, _ uuid.UUID, asOf time.Time) ([]DelegationRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []DelegationRow
	for _, id := range s.delegationOrder {
		if row := s.delegations[id]; row.Covers(asOf) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *memStore) RevokeDelegation(_ context.Context, _ uuid.UUID, id uuid.UUID, at time.Time, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.delegations[id]
	if !ok || row.RevokedAt != nil || row.Version != version {
		return ErrVersionConflict
	}
	row.RevokedAt = &at
	row.Version++
	s.delegations[id] = row
	return nil
}

// AuditRepository

func (s *memStore) InsertAuditLog(_ context.Context, _ uuid.UUID, log AuditLogInsert) (uuid.UUID, error) {
	if err := log.Validate(); err != nil {
		return uuid.Nil, err
	}
	oldBody, hasOld, err := log.MarshalOldValues()
	if err != nil {
		return uuid.Nil, err
	}
	newBody, err := log.MarshalNewValues()
	if err != nil {
		return uuid.Nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	row := AuditLogRow{
		ID:         uuid.New(),
		RequestID:  log.RequestID,
		EntityType: log.EntityType,
		EntityID:   log.EntityID,
		Action:     log.Action,
		ActorID:    log.ActorID,
		OccurredAt: log.OccurredAt,
		NewValues:  []byte(newBody),
	}
	if hasOld {
		row.OldValues = []byte(oldBody)
	}
	s.audits = append(s.audits, row)
	return row.ID, nil
}

func (s *memStore) GetAuditLog(_ context.Context, _ uuid.UUID, id uuid.UUID) (AuditLogRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.audits {
		if row.ID == id {
			return row, nil
		}
	}
	return AuditLogRow{}, pgx.ErrNoRows
}

func (s *memStore) ListAuditLogs(_ context.Context, _ uuid.UUID, filter AuditFilter) ([]AuditLogRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AuditLogRow
	for _, row := range s.audits {
		if filter.EntityType != "" && row.EntityType != filter.EntityType {
			continue
		}
		if filter.EntityID != uuid.Nil && row.EntityID != filter.EntityID {
			continue
		}
		out = append(out, row)
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// EventSink

func (s *memStore) Enqueue(_ context.Context, ev events.TaskEventV1) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *memStore) eventsByType(changeType string) []events.TaskEventV1 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.TaskEventV1
	for _, ev := range s.events {
		if ev.ChangeType == changeType {
			out = append(out, ev)
		}
	}
	return out
}

func (s *memStore) auditCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audits)
}

func (s *memStore) taskByID(id uuid.UUID) TaskRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id]
}

func (s *memStore) allTasks() []TaskRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskRow, 0, len(s.tasks))
	for _, id := range s.taskOrder {
		out = append(out, s.tasks[id])
	}
	return out
}
