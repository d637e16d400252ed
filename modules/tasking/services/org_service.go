package services

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fieldline/taskflow/modules/tasking/domain/events"
	"github.com/fieldline/taskflow/pkg/eventbus"
)

type OrgDeps struct {
	Org   OrgStructureRepository
	Audit AuditRepository
	InTx  TxRunner
	Bus   eventbus.EventBus
	Log   *logrus.Logger
}

// OrgService maintains the org structure: departments, positions, and
// time-bounded position assignments. Every mutation commits with its audit
// entry and announces itself on the in-process bus so the scheduler can
// debounce a reconciliation pass.
type OrgService struct {
	deps OrgDeps
}

func NewOrgService(deps OrgDeps) *OrgService {
	if deps.Log == nil {
		deps.Log = logrus.New()
	}
	return &OrgService{deps: deps}
}

func (s *OrgService) announce(companyID uuid.UUID, entityType string, entityID uuid.UUID, at time.Time) {
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Publish(events.StructureChangedV1{
		CompanyID:  companyID,
		EntityType: entityType,
		EntityID:   entityID,
		OccurredAt: at,
	})
}

type ActorParams struct {
	ActorID   uuid.UUID
	RequestID string
}

func (s *OrgService) CreateDepartment(ctx context.Context, companyID uuid.UUID, in DepartmentInsert, actor ActorParams) (DepartmentRow, error) {
	if strings.TrimSpace(in.Name) == "" {
		return DepartmentRow{}, newServiceError(http.StatusBadRequest, "TASK_INVALID_BODY", "department name is required", nil)
	}
	now := time.Now().UTC()

	var row DepartmentRow
	err := s.deps.InTx(ctx, func(txCtx context.Context) error {
		if in.ParentID != nil {
			parent, err := s.deps.Org.GetDepartment(txCtx, companyID, *in.ParentID)
			if err != nil {
				return err
			}
			if parent.ArchivedAt != nil {
				return newServiceError(http.StatusUnprocessableEntity, "TASK_REFERENCE_NOT_FOUND", "parent department is archived", nil)
			}
		}

		id, err := s.deps.Org.InsertDepartment(txCtx, companyID, in)
		if err != nil {
			return err
		}
		row = DepartmentRow{ID: id, Name: in.Name, ParentID: in.ParentID, Version: 1}

		_, err = s.deps.Audit.InsertAuditLog(txCtx, companyID, AuditLogInsert{
			RequestID:  actor.RequestID,
			ActorID:    actor.ActorID,
			EntityType: "department",
			EntityID:   id,
			Action:     AuditActionCreate,
			OccurredAt: now,
			NewValues:  departmentAuditPayload(row),
		})
		return err
	})
	if err != nil {
		return DepartmentRow{}, mapPgError(err)
	}

	s.announce(companyID, "department", row.ID, now)
	return row, nil
}

// ArchiveDepartment marks a department archived. Departments with unarchived
// children are refused; archiving cascades nothing.
func (s *OrgService) ArchiveDepartment(ctx context.Context, companyID, id uuid.UUID, actor ActorParams) error {
	now := time.Now().UTC()

	err := s.deps.InTx(ctx, func(txCtx context.Context) error {
		fresh, err := s.deps.Org.GetDepartment(txCtx, companyID, id)
		if err != nil {
			return err
		}
		if fresh.ArchivedAt != nil {
			return nil
		}

		children, err := s.deps.Org.ListDepartments(txCtx, companyID)
		if err != nil {
			return err
		}
		for _, d := range children {
			if d.ParentID != nil && *d.ParentID == id && d.ArchivedAt == nil {
				return newServiceError(http.StatusConflict, "TASK_CONFLICT", "department has active children", nil)
			}
		}

		if err := s.deps.Org.ArchiveDepartment(txCtx, companyID, id, now, fresh.Version); err != nil {
			return err
		}

		after := fresh
		after.ArchivedAt = &now
		after.Version++

		_, err = s.deps.Audit.InsertAuditLog(txCtx, companyID, AuditLogInsert{
			RequestID:  actor.RequestID,
			ActorID:    actor.ActorID,
			EntityType: "department",
			EntityID:   id,
			Action:     AuditActionArchive,
			OccurredAt: now,
			OldValues:  departmentAuditPayload(fresh),
			NewValues:  departmentAuditPayload(after),
		})
		return err
	})
	if err != nil {
		return mapPgError(err)
	}

	s.announce(companyID, "department", id, now)
	return nil
}

func (s *OrgService) CreatePosition(ctx context.Context, companyID uuid.UUID, in PositionInsert, actor ActorParams) (PositionRow, error) {
	if strings.TrimSpace(in.Title) == "" {
		return PositionRow{}, newServiceError(http.StatusBadRequest, "TASK_INVALID_BODY", "position title is required", nil)
	}
	if in.DepartmentID == uuid.Nil {
		return PositionRow{}, newServiceError(http.StatusBadRequest, "TASK_INVALID_BODY", "department_id is required", nil)
	}
	now := time.Now().UTC()

	var row PositionRow
	err := s.deps.InTx(ctx, func(txCtx context.Context) error {
		dept, err := s.deps.Org.GetDepartment(txCtx, companyID, in.DepartmentID)
		if err != nil {
			return err
		}
		if dept.ArchivedAt != nil {
			return newServiceError(http.StatusUnprocessableEntity, "TASK_REFERENCE_NOT_FOUND", "department is archived", nil)
		}

		id, err := s.deps.Org.InsertPosition(txCtx, companyID, in)
		if err != nil {
			return err
		}
		row = PositionRow{
			ID:                      id,
			DepartmentID:            in.DepartmentID,
			Title:                   in.Title,
			AllowsMultipleOccupants: in.AllowsMultipleOccupants,
			Version:                 1,
		}

		_, err = s.deps.Audit.InsertAuditLog(txCtx, companyID, AuditLogInsert{
			RequestID:  actor.RequestID,
			ActorID:    actor.ActorID,
			EntityType: "position",
			EntityID:   id,
			Action:     AuditActionCreate,
			OccurredAt: now,
			NewValues:  positionAuditPayload(row),
		})
		return err
	})
	if err != nil {
		return PositionRow{}, mapPgError(err)
	}

	s.announce(companyID, "position", row.ID, now)
	return row, nil
}

// ArchivePosition archives a position. Open occupancies are closed as of now
// in the same transaction; the next reconciliation pass retires the orphaned
// task assignments.
func (s *OrgService) ArchivePosition(ctx context.Context, companyID, id uuid.UUID, actor ActorParams) error {
	now := time.Now().UTC()

	err := s.deps.InTx(ctx, func(txCtx context.Context) error {
		fresh, err := s.deps.Org.GetPosition(txCtx, companyID, id)
		if err != nil {
			return err
		}
		if fresh.ArchivedAt != nil {
			return nil
		}

		occupancies, err := s.deps.Org.ListActivePositionAssignments(txCtx, companyID, now)
		if err != nil {
			return err
		}
		for _, occ := range occupancies {
			if occ.PositionID != id {
				continue
			}
			if err := s.deps.Org.ClosePositionAssignment(txCtx, companyID, occ.ID, now, occ.Version); err != nil {
				return err
			}
			after := occ
			after.ValidTo = &now
			after.Version++
			if _, err := s.deps.Audit.InsertAuditLog(txCtx, companyID, AuditLogInsert{
				RequestID:  actor.RequestID,
				ActorID:    actor.ActorID,
				EntityType: "position_assignment",
				EntityID:   occ.ID,
				Action:     AuditActionClose,
				OccurredAt: now,
				OldValues:  occupancyAuditPayload(occ),
				NewValues:  occupancyAuditPayload(after),
			}); err != nil {
				return err
			}
		}

		if err := s.deps.Org.ArchivePosition(txCtx, companyID, id, now, fresh.Version); err != nil {
			return err
		}

		after := fresh
		after.ArchivedAt = &now
		after.Version++

		_, err = s.deps.Audit.InsertAuditLog(txCtx, companyID, AuditLogInsert{
			RequestID:  actor.RequestID,
			ActorID:    actor.ActorID,
			EntityType: "position",
			EntityID:   id,
			Action:     AuditActionArchive,
			OccurredAt: now,
			OldValues:  positionAuditPayload(fresh),
			NewValues:  positionAuditPayload(after),
		})
		return err
	})
	if err != nil {
		return mapPgError(err)
	}

	s.announce(companyID, "position", id, now)
	return nil
}

// CreatePositionAssignment places a user on a position from in.ValidFrom.
// Single-occupant positions refuse a second open occupancy.
func (s *OrgService) CreatePositionAssignment(ctx context.Context, companyID uuid.UUID, in PositionAssignmentInsert, actor ActorParams) (PositionAssignmentRow, error) {
	if in.PositionID == uuid.Nil || in.UserID == uuid.Nil {
		return PositionAssignmentRow{}, newServiceError(http.StatusBadRequest, "TASK_INVALID_BODY", "position_id and user_id are required", nil)
	}
	if in.ValidFrom.IsZero() {
		in.ValidFrom = time.Now().UTC()
	}
	in.ValidFrom = in.ValidFrom.UTC()
	if in.ValidTo != nil {
		if !in.ValidFrom.Before(*in.ValidTo) {
			return PositionAssignmentRow{}, newServiceError(http.StatusBadRequest, "TASK_INVALID_BODY", "valid_from must precede valid_to", nil)
		}
		t := in.ValidTo.UTC()
		in.ValidTo = &t
	}
	now := time.Now().UTC()

	var row PositionAssignmentRow
	err := s.deps.InTx(ctx, func(txCtx context.Context) error {
		pos, err := s.deps.Org.GetPosition(txCtx, companyID, in.PositionID)
		if err != nil {
			return err
		}
		if pos.ArchivedAt != nil {
			return newServiceError(http.StatusUnprocessableEntity, "TASK_REFERENCE_NOT_FOUND", "position is archived", nil)
		}

		if !pos.AllowsMultipleOccupants {
			open, err := s.deps.Org.CountOpenOccupants(txCtx, companyID, in.PositionID)
			if err != nil {
				return err
			}
			if open > 0 {
				return newServiceError(http.StatusConflict, "TASK_OVERLAP", "position already has an open occupancy", nil)
			}
		}

		id, err := s.deps.Org.InsertPositionAssignment(txCtx, companyID, in)
		if err != nil {
			return err
		}
		row = PositionAssignmentRow{
			ID:         id,
			PositionID: in.PositionID,
			UserID:     in.UserID,
			ValidFrom:  in.ValidFrom,
			ValidTo:    in.ValidTo,
			Version:    1,
		}

		_, err = s.deps.Audit.InsertAuditLog(txCtx, companyID, AuditLogInsert{
			RequestID:  actor.RequestID,
			ActorID:    actor.ActorID,
			EntityType: "position_assignment",
			EntityID:   id,
			Action:     AuditActionCreate,
			OccurredAt: now,
			NewValues:  occupancyAuditPayload(row),
		})
		return err
	})
	if err != nil {
		return PositionAssignmentRow{}, mapPgError(err)
	}

	s.announce(companyID, "position_assignment", row.ID, now)
	return row, nil
}

// ClosePositionAssignment ends an occupancy at validTo (now when zero). The
// assignments the occupancy sourced stay open until the next reconciliation
// pass retires them.
func (s *OrgService) ClosePositionAssignment(ctx context.Context, companyID, id uuid.UUID, validTo time.Time, actor ActorParams) error {
	if validTo.IsZero() {
		validTo = time.Now().UTC()
	}
	validTo = validTo.UTC()

	err := s.deps.InTx(ctx, func(txCtx context.Context) error {
		fresh, err := s.deps.Org.GetPositionAssignment(txCtx, companyID, id)
		if err != nil {
			return err
		}
		if fresh.ValidTo != nil {
			return newServiceError(http.StatusConflict, "TASK_CONFLICT", "position assignment already closed", nil)
		}
		if !fresh.ValidFrom.Before(validTo) {
			return newServiceError(http.StatusBadRequest, "TASK_INVALID_BODY", "valid_to must follow valid_from", nil)
		}

		if err := s.deps.Org.ClosePositionAssignment(txCtx, companyID, id, validTo, fresh.Version); err != nil {
			return err
		}

		after := fresh
		after.ValidTo = &validTo
		after.Version++

		_, err = s.deps.Audit.InsertAuditLog(txCtx, companyID, AuditLogInsert{
			RequestID:  actor.RequestID,
			ActorID:    actor.ActorID,
			EntityType: "position_assignment",
			EntityID:   id,
			Action:     AuditActionClose,
			OccurredAt: validTo,
			OldValues:  occupancyAuditPayload(fresh),
			NewValues:  occupancyAuditPayload(after),
		})
		return err
	})
	if err != nil {
		return mapPgError(err)
	}

	s.announce(companyID, "position_assignment", id, validTo)
	return nil
}

func (s *OrgService) ListDepartments(ctx context.Context, companyID uuid.UUID) ([]DepartmentRow, error) {
	var rows []DepartmentRow
	err := s.deps.InTx(ctx, func(txCtx context.Context) error {
		var err error
		rows, err = s.deps.Org.ListDepartments(txCtx, companyID)
		return err
	})
	if err != nil {
		return nil, mapPgError(err)
	}
	return rows, nil
}

func (s *OrgService) ListPositions(ctx context.Context, companyID uuid.UUID) ([]PositionRow, error) {
	var rows []PositionRow
	err := s.deps.InTx(ctx, func(txCtx context.Context) error {
		var err error
		rows, err = s.deps.Org.ListPositions(txCtx, companyID)
		return err
	})
	if err != nil {
		return nil, mapPgError(err)
	}
	return rows, nil
}

func departmentAuditPayload(d DepartmentRow) map[string]any {
	payload := map[string]any{"id": d.ID, "name": d.Name}
	if d.ParentID != nil {
		payload["parent_id"] = *d.ParentID
	}
	if d.ArchivedAt != nil {
		payload["archived_at"] = d.ArchivedAt.UTC()
	}
	return payload
}

func positionAuditPayload(p PositionRow) map[string]any {
	payload := map[string]any{
		"id":                        p.ID,
		"department_id":             p.DepartmentID,
		"title":                     p.Title,
		"allows_multiple_occupants": p.AllowsMultipleOccupants,
	}
	if p.ArchivedAt != nil {
		payload["archived_at"] = p.ArchivedAt.UTC()
	}
	return payload
}

func occupancyAuditPayload(a PositionAssignmentRow) map[string]any {
	payload := map[string]any{
		"id":          a.ID,
		"position_id": a.PositionID,
		"user_id":     a.UserID,
		"valid_from":  a.ValidFrom.UTC(),
	}
	if a.ValidTo != nil {
		payload["valid_to"] = a.ValidTo.UTC()
	}
	return payload
}
