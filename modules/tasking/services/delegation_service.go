package services

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fieldline/taskflow/modules/tasking/domain/events"
)

type DelegationDeps struct {
	Delegations DelegationRepository
	Org         OrgStructureRepository
	Tasks       TaskRepository
	Audit       AuditRepository
	Sink        EventSink
	InTx        TxRunner
	Log         *logrus.Logger
}

// DelegationService manages delegation windows and answers point-in-time
// assignee resolution queries.
type DelegationService struct {
	deps DelegationDeps
	cfg  EngineConfig
}

func NewDelegationService(deps DelegationDeps, cfg EngineConfig) *DelegationService {
	cfg.setDefaults()
	if deps.Log == nil {
		deps.Log = logrus.New()
	}
	return &DelegationService{deps: deps, cfg: cfg}
}

// ResolveAssignee answers who is responsible for the task at asOf. The whole
// input set is read in one transaction so the answer reflects a single
// consistent snapshot. Unresolved is a valid answer, not an error.
func (s *DelegationService) ResolveAssignee(ctx context.Context, companyID, taskID uuid.UUID, asOf time.Time) (Resolution, error) {
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	asOf = asOf.UTC()

	var res Resolution
	err := s.deps.InTx(ctx, func(txCtx context.Context) error {
		task, err := s.deps.Tasks.GetTask(txCtx, companyID, taskID)
		if err != nil {
			return err
		}
		delegations, err := s.deps.Delegations.ListDelegations(txCtx, companyID, asOf)
		if err != nil {
			return err
		}
		occupancies, err := s.deps.Org.ListActivePositionAssignments(txCtx, companyID, asOf)
		if err != nil {
			return err
		}
		res = resolveAssignee(taskRef{
			ID:                         task.ID,
			PositionID:                 task.PositionID,
			SourcePositionAssignmentID: task.SourcePositionAssignmentID,
		}, delegations, occupancies, asOf)
		return nil
	})
	if err != nil {
		return Resolution{}, mapPgError(err)
	}
	return res, nil
}

type CreateDelegationParams struct {
	Scope          string
	ScopeID        uuid.UUID
	DelegateUserID uuid.UUID
	ValidFrom      time.Time
	ValidTo        *time.Time
	ActorID        uuid.UUID
	RequestID      string
}

func (p *CreateDelegationParams) validate() error {
	switch p.Scope {
	case ScopePosition, ScopeTaskAssignment:
	default:
		return newServiceError(http.StatusBadRequest, "TASK_INVALID_BODY", "scope must be position or task_assignment", nil)
	}
	if p.ScopeID == uuid.Nil {
		return newServiceError(http.StatusBadRequest, "TASK_INVALID_BODY", "scope_id is required", nil)
	}
	if p.DelegateUserID == uuid.Nil {
		return newServiceError(http.StatusBadRequest, "TASK_INVALID_BODY", "delegate_user_id is required", nil)
	}
	if p.ValidFrom.IsZero() {
		return newServiceError(http.StatusBadRequest, "TASK_INVALID_BODY", "valid_from is required", nil)
	}
	if p.ValidTo != nil && !p.ValidFrom.Before(*p.ValidTo) {
		return newServiceError(http.StatusBadRequest, "TASK_INVALID_BODY", "valid_from must precede valid_to", nil)
	}
	return nil
}

// CreateDelegation records a delegation window after verifying its scope
// target exists, then re-resolves the open tasks it can affect.
func (s *DelegationService) CreateDelegation(ctx context.Context, companyID uuid.UUID, params CreateDelegationParams) (DelegationRow, error) {
	if err := params.validate(); err != nil {
		return DelegationRow{}, err
	}
	params.ValidFrom = params.ValidFrom.UTC()
	if params.ValidTo != nil {
		t := params.ValidTo.UTC()
		params.ValidTo = &t
	}
	now := time.Now().UTC()

	var row DelegationRow
	err := s.deps.InTx(ctx, func(txCtx context.Context) error {
		switch params.Scope {
		case ScopePosition:
			if _, err := s.deps.Org.GetPosition(txCtx, companyID, params.ScopeID); err != nil {
				return err
			}
		case ScopeTaskAssignment:
			if _, err := s.deps.Tasks.GetTask(txCtx, companyID, params.ScopeID); err != nil {
				return err
			}
		}

		id, createdAt, err := s.deps.Delegations.InsertDelegation(txCtx, companyID, DelegationInsert{
			Scope:          params.Scope,
			ScopeID:        params.ScopeID,
			DelegateUserID: params.DelegateUserID,
			ValidFrom:      params.ValidFrom,
			ValidTo:        params.ValidTo,
		})
		if err != nil {
			return err
		}

		row = DelegationRow{
			ID:             id,
			Scope:          params.Scope,
			ScopeID:        params.ScopeID,
			DelegateUserID: params.DelegateUserID,
			ValidFrom:      params.ValidFrom,
			ValidTo:        params.ValidTo,
			CreatedAt:      createdAt,
			Version:        1,
		}

		_, err = s.deps.Audit.InsertAuditLog(txCtx, companyID, AuditLogInsert{
			RequestID:  params.RequestID,
			ActorID:    params.ActorID,
			EntityType: "delegation",
			EntityID:   id,
			Action:     AuditActionCreate,
			OccurredAt: now,
			NewValues:  delegationAuditPayload(row),
		})
		return err
	})
	if err != nil {
		return DelegationRow{}, mapPgError(err)
	}

	s.refreshAffected(ctx, companyID, row, params.ActorID, params.RequestID, now)
	return row, nil
}

type RevokeDelegationParams struct {
	ActorID   uuid.UUID
	RequestID string
}

// RevokeDelegation ends a delegation immediately. Revoking an already revoked
// delegation is a no-op.
func (s *DelegationService) RevokeDelegation(ctx context.Context, companyID, id uuid.UUID, params RevokeDelegationParams) (DelegationRow, error) {
	now := time.Now().UTC()

	var row DelegationRow
	var changed bool
	err := s.deps.InTx(ctx, func(txCtx context.Context) error {
		changed = false
		fresh, err := s.deps.Delegations.GetDelegation(txCtx, companyID, id)
		if err != nil {
			return err
		}
		if fresh.RevokedAt != nil {
			row = fresh
			return nil
		}

		if err := s.deps.Delegations.RevokeDelegation(txCtx, companyID, id, now, fresh.Version); err != nil {
			return err
		}

		row = fresh
		row.RevokedAt = &now
		row.Version++
		changed = true

		_, err = s.deps.Audit.InsertAuditLog(txCtx, companyID, AuditLogInsert{
			RequestID:  params.RequestID,
			ActorID:    params.ActorID,
			EntityType: "delegation",
			EntityID:   id,
			Action:     AuditActionRevoke,
			OccurredAt: now,
			OldValues:  delegationAuditPayload(fresh),
			NewValues:  delegationAuditPayload(row),
		})
		return err
	})
	if err != nil {
		return DelegationRow{}, mapPgError(err)
	}

	if changed {
		s.refreshAffected(ctx, companyID, row, params.ActorID, params.RequestID, now)
	}
	return row, nil
}

// refreshAffected re-resolves the open tasks a delegation change can touch:
// a single task for task scope, every open task on the position for position
// scope. Refresh failures are logged, never surfaced; the next reconciliation
// pass converges the cache anyway.
func (s *DelegationService) refreshAffected(ctx context.Context, companyID uuid.UUID, d DelegationRow, actorID uuid.UUID, requestID string, at time.Time) {
	var tasks []TaskRow
	err := s.deps.InTx(ctx, func(txCtx context.Context) error {
		var err error
		switch d.Scope {
		case ScopeTaskAssignment:
			task, err := s.deps.Tasks.GetTask(txCtx, companyID, d.ScopeID)
			if err != nil {
				return err
			}
			tasks = []TaskRow{task}
			return nil
		default:
			tasks, err = s.deps.Tasks.ListOpenTasksForPosition(txCtx, companyID, d.ScopeID)
			return err
		}
	})
	if err != nil {
		s.deps.Log.WithError(err).WithField("delegation_id", d.ID).Warn("delegation: listing affected tasks failed")
		return
	}

	for _, task := range tasks {
		if !task.Open() {
			continue
		}
		err := withRetry(ctx, s.cfg.RetryAttempts, s.cfg.RetryBackoff, func(ctx context.Context) error {
			opCtx, cancel := context.WithTimeout(ctx, s.cfg.EntityTimeout)
			defer cancel()
			return mapPgError(s.refreshTask(opCtx, companyID, task.ID, actorID, requestID, at))
		})
		if err != nil {
			s.deps.Log.WithError(err).WithFields(logrus.Fields{
				"delegation_id": d.ID,
				"task_id":       task.ID,
			}).Warn("delegation: assignee refresh failed")
		}
	}
}

func (s *DelegationService) refreshTask(ctx context.Context, companyID, taskID uuid.UUID, actorID uuid.UUID, requestID string, at time.Time) error {
	return s.deps.InTx(ctx, func(txCtx context.Context) error {
		fresh, err := s.deps.Tasks.GetTask(txCtx, companyID, taskID)
		if err != nil {
			return err
		}
		if !fresh.Open() {
			return nil
		}

		delegations, err := s.deps.Delegations.ListDelegations(txCtx, companyID, at)
		if err != nil {
			return err
		}
		occupancies, err := s.deps.Org.ListActivePositionAssignments(txCtx, companyID, at)
		if err != nil {
			return err
		}

		res := resolveAssignee(taskRef{
			ID:                         fresh.ID,
			PositionID:                 fresh.PositionID,
			SourcePositionAssignmentID: fresh.SourcePositionAssignmentID,
		}, delegations, occupancies, at)
		if sameResolution(fresh, res) {
			return nil
		}

		var assignee *uuid.UUID
		if !res.Unresolved {
			u := res.UserID
			assignee = &u
		}
		if err := s.deps.Tasks.SetTaskAssignee(txCtx, companyID, taskID, assignee, res.Unresolved, fresh.Version); err != nil {
			return err
		}

		after := fresh
		after.AssigneeUserID = assignee
		after.AssigneeUnresolved = res.Unresolved
		after.Version++

		if _, err := s.deps.Audit.InsertAuditLog(txCtx, companyID, AuditLogInsert{
			RequestID:  requestID,
			ActorID:    actorID,
			EntityType: "task_assignment",
			EntityID:   taskID,
			Action:     AuditActionReassign,
			OccurredAt: at,
			OldValues:  taskAuditPayload(fresh),
			NewValues:  taskAuditPayload(after),
		}); err != nil {
			return err
		}

		changeType := events.ChangeTaskReassigned
		if res.Unresolved {
			changeType = events.ChangeUnresolved
		}
		ev := taskEvent(at, ReconcileParams{ActorID: actorID, RequestID: requestID}, companyID, changeType, after)
		return s.deps.Sink.Enqueue(txCtx, ev)
	})
}

func delegationAuditPayload(d DelegationRow) map[string]any {
	payload := map[string]any{
		"id":               d.ID,
		"scope":            d.Scope,
		"scope_id":         d.ScopeID,
		"delegate_user_id": d.DelegateUserID,
		"valid_from":       d.ValidFrom.UTC(),
	}
	if d.ValidTo != nil {
		payload["valid_to"] = d.ValidTo.UTC()
	}
	if d.RevokedAt != nil {
		payload["revoked_at"] = d.RevokedAt.UTC()
	}
	return payload
}
