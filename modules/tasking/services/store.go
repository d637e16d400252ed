package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fieldline/taskflow/modules/tasking/domain/events"
	"github.com/fieldline/taskflow/pkg/serrors"
)

// Task assignment statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusExpired    = "expired"
	StatusRetired    = "retired"
)

// Delegation scopes.
const (
	ScopePosition       = "position"
	ScopeTaskAssignment = "task_assignment"
)

// ErrVersionConflict is returned by repositories when a version-guarded write
// matches no row. Callers retry with bounded backoff.
var ErrVersionConflict = serrors.NewError("TASK_VERSION_CONFLICT", "optimistic version conflict", "")

type DepartmentRow struct {
	ID         uuid.UUID
	Name       string
	ParentID   *uuid.UUID
	ArchivedAt *time.Time
	Version    int64
}

type PositionRow struct {
	ID                      uuid.UUID
	DepartmentID            uuid.UUID
	Title                   string
	AllowsMultipleOccupants bool
	ArchivedAt              *time.Time
	Version                 int64
}

type PositionAssignmentRow struct {
	ID         uuid.UUID
	PositionID uuid.UUID
	UserID     uuid.UUID
	ValidFrom  time.Time
	ValidTo    *time.Time
	Version    int64
}

// Covers reports whether the occupancy window contains asOf.
func (r PositionAssignmentRow) Covers(asOf time.Time) bool {
	if asOf.Before(r.ValidFrom) {
		return false
	}
	return r.ValidTo == nil || asOf.Before(*r.ValidTo)
}

type TemplateRow struct {
	ID                   uuid.UUID
	Name                 string
	AppliesToPositionID  *uuid.UUID
	RolePredicate        *string
	RecurrenceRule       *string
	RecurrenceAnchor     *time.Time
	RequiredFields       []string
	DependsOnTemplateIDs []uuid.UUID
	Active               bool
	Version              int64
}

type TaskRow struct {
	ID                         uuid.UUID
	TemplateID                 uuid.UUID
	PositionID                 uuid.UUID
	SourcePositionAssignmentID uuid.UUID
	AssigneeUserID             *uuid.UUID
	AssigneeUnresolved         bool
	Status                     string
	PeriodStart                *time.Time
	PeriodEnd                  *time.Time
	Version                    int64
}

func (r TaskRow) Open() bool {
	return r.Status == StatusPending || r.Status == StatusInProgress
}

type DelegationRow struct {
	ID             uuid.UUID
	Scope          string
	ScopeID        uuid.UUID
	DelegateUserID uuid.UUID
	ValidFrom      time.Time
	ValidTo        *time.Time
	RevokedAt      *time.Time
	CreatedAt      time.Time
	Version        int64
}

// Covers reports whether the delegation is in force at asOf: inside its
// validity window and not yet revoked.
func (r DelegationRow) Covers(asOf time.Time) bool {
	if asOf.Before(r.ValidFrom) {
		return false
	}
	if r.ValidTo != nil && !asOf.Before(*r.ValidTo) {
		return false
	}
	return r.RevokedAt == nil || asOf.Before(*r.RevokedAt)
}

type DepartmentInsert struct {
	Name     string
	ParentID *uuid.UUID
}

type PositionInsert struct {
	DepartmentID            uuid.UUID
	Title                   string
	AllowsMultipleOccupants bool
}

type PositionAssignmentInsert struct {
	PositionID uuid.UUID
	UserID     uuid.UUID
	ValidFrom  time.Time
	ValidTo    *time.Time
}

type TemplateInsert struct {
	Name                 string
	AppliesToPositionID  *uuid.UUID
	RolePredicate        *string
	RecurrenceRule       *string
	RecurrenceAnchor     *time.Time
	RequiredFields       []string
	DependsOnTemplateIDs []uuid.UUID
	Active               bool
}

type TaskInsert struct {
	TemplateID                 uuid.UUID
	PositionID                 uuid.UUID
	SourcePositionAssignmentID uuid.UUID
	AssigneeUserID             *uuid.UUID
	AssigneeUnresolved         bool
	Status                     string
	PeriodStart                *time.Time
	PeriodEnd                  *time.Time
}

type DelegationInsert struct {
	Scope          string
	ScopeID        uuid.UUID
	DelegateUserID uuid.UUID
	ValidFrom      time.Time
	ValidTo        *time.Time
}

// CompletedPair marks that some instance of a template reached completed for
// an occupancy; dependent templates key off it.
type CompletedPair struct {
	TemplateID                 uuid.UUID
	SourcePositionAssignmentID uuid.UUID
}

type OrgStructureRepository interface {
	InsertDepartment(ctx context.Context, companyID uuid.UUID, in DepartmentInsert) (uuid.UUID, error)
	GetDepartment(ctx context.Context, companyID, id uuid.UUID) (DepartmentRow, error)
	ListDepartments(ctx context.Context, companyID uuid.UUID) ([]DepartmentRow, error)
	ArchiveDepartment(ctx context.Context, companyID, id uuid.UUID, at time.Time, version int64) error

	InsertPosition(ctx context.Context, companyID uuid.UUID, in PositionInsert) (uuid.UUID, error)
	GetPosition(ctx context.Context, companyID, id uuid.UUID) (PositionRow, error)
	ListPositions(ctx context.Context, companyID uuid.UUID) ([]PositionRow, error)
	ArchivePosition(ctx context.Context, companyID, id uuid.UUID, at time.Time, version int64) error

	InsertPositionAssignment(ctx context.Context, companyID uuid.UUID, in PositionAssignmentInsert) (uuid.UUID, error)
	GetPositionAssignment(ctx context.Context, companyID, id uuid.UUID) (PositionAssignmentRow, error)
	ListActivePositionAssignments(ctx context.Context, companyID uuid.UUID, asOf time.Time) ([]PositionAssignmentRow, error)
	CountOpenOccupants(ctx context.Context, companyID, positionID uuid.UUID) (int, error)
	ClosePositionAssignment(ctx context.Context, companyID, id uuid.UUID, validTo time.Time, version int64) error
}

type TemplateRepository interface {
	InsertTemplate(ctx context.Context, companyID uuid.UUID, in TemplateInsert) (uuid.UUID, error)
	GetTemplate(ctx context.Context, companyID, id uuid.UUID) (TemplateRow, error)
	ListActiveTemplates(ctx context.Context, companyID uuid.UUID) ([]TemplateRow, error)
	UpdateTemplate(ctx context.Context, companyID, id uuid.UUID, in TemplateInsert, version int64) error
	SetTemplateActive(ctx context.Context, companyID, id uuid.UUID, active bool, version int64) error
}

type TaskRepository interface {
	InsertTask(ctx context.Context, companyID uuid.UUID, in TaskInsert) (uuid.UUID, error)
	GetTask(ctx context.Context, companyID, id uuid.UUID) (TaskRow, error)
	ListOpenTasks(ctx context.Context, companyID uuid.UUID) ([]TaskRow, error)
	ListOpenTasksForPosition(ctx context.Context, companyID, positionID uuid.UUID) ([]TaskRow, error)
	ListCompletedPairs(ctx context.Context, companyID uuid.UUID) ([]CompletedPair, error)
	SetTaskStatus(ctx context.Context, companyID, id uuid.UUID, status string, version int64) error
	SetTaskAssignee(ctx context.Context, companyID, id uuid.UUID, assignee *uuid.UUID, unresolved bool, version int64) error
	ListCompanyIDsWithOpenTasks(ctx context.Context) ([]uuid.UUID, error)
}

type DelegationRepository interface {
	// InsertDelegation returns the new id plus the store-assigned created_at,
	// which later breaks ties between delegations covering the same scope.
	InsertDelegation(ctx context.Context, companyID uuid.UUID, in DelegationInsert) (uuid.UUID, time.Time, error)
	GetDelegation(ctx context.Context, companyID, id uuid.UUID) (DelegationRow, error)
	// ListDelegations returns every delegation in force at asOf for the company.
	ListDelegations(ctx context.Context, companyID uuid.UUID, asOf time.Time) ([]DelegationRow, error)
	RevokeDelegation(ctx context.Context, companyID, id uuid.UUID, at time.Time, version int64) error
}

type AuditRepository interface {
	InsertAuditLog(ctx context.Context, companyID uuid.UUID, log AuditLogInsert) (uuid.UUID, error)
	GetAuditLog(ctx context.Context, companyID, id uuid.UUID) (AuditLogRow, error)
	ListAuditLogs(ctx context.Context, companyID uuid.UUID, filter AuditFilter) ([]AuditLogRow, error)
}

type PurgeRepository interface {
	// DeleteCompanyBatch removes up to limit rows of table for the company and
	// reports how many went away.
	DeleteCompanyBatch(ctx context.Context, companyID uuid.UUID, table string, limit int) (int64, error)
}

// EventSink enqueues a notification event. Implementations must write through
// the transaction bound to ctx so the event commits atomically with the
// mutation it describes.
type EventSink interface {
	Enqueue(ctx context.Context, ev events.TaskEventV1) error
}

// TxRunner runs fn inside a database transaction. Production wiring uses
// composables.InTx; tests substitute a passthrough.
type TxRunner func(ctx context.Context, fn func(context.Context) error) error

// CompanyLocker serializes reconciliation passes per company across processes.
type CompanyLocker interface {
	// TryLock returns ok=false without blocking when another pass holds the lock.
	TryLock(ctx context.Context, companyID uuid.UUID) (release func(), ok bool, err error)
}
