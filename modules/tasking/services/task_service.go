package services

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fieldline/taskflow/modules/tasking/domain/events"
	"github.com/fieldline/taskflow/pkg/eventbus"
)

type TaskDeps struct {
	Tasks TaskRepository
	Audit AuditRepository
	InTx  TxRunner
	Bus   eventbus.EventBus
	Log   *logrus.Logger
}

// TaskService handles the externally driven part of a task's lifecycle:
// status progression. Everything else about a task assignment is the
// reconciliation engine's business.
type TaskService struct {
	deps TaskDeps
}

func NewTaskService(deps TaskDeps) *TaskService {
	if deps.Log == nil {
		deps.Log = logrus.New()
	}
	return &TaskService{deps: deps}
}

// legalTransition reports whether a task may move from one status to another.
// Completed, expired, and retired are terminal.
func legalTransition(from, to string) bool {
	switch from {
	case StatusPending:
		return to == StatusInProgress
	case StatusInProgress:
		return to == StatusCompleted
	default:
		return false
	}
}

// AdvanceStatus moves a task along pending -> in_progress -> completed.
// Completion announces a structure change so templates depending on this one
// get their instances on the next reconciliation pass.
func (s *TaskService) AdvanceStatus(ctx context.Context, companyID, taskID uuid.UUID, to string, actor ActorParams) (TaskRow, error) {
	switch to {
	case StatusInProgress, StatusCompleted:
	default:
		return TaskRow{}, newServiceError(http.StatusBadRequest, "TASK_INVALID_BODY", fmt.Sprintf("cannot advance to status %q", to), nil)
	}
	now := time.Now().UTC()

	var after TaskRow
	err := s.deps.InTx(ctx, func(txCtx context.Context) error {
		fresh, err := s.deps.Tasks.GetTask(txCtx, companyID, taskID)
		if err != nil {
			return err
		}
		if !legalTransition(fresh.Status, to) {
			return newServiceError(http.StatusConflict, "TASK_INVALID_TRANSITION",
				fmt.Sprintf("cannot move task from %s to %s", fresh.Status, to), nil)
		}

		if err := s.deps.Tasks.SetTaskStatus(txCtx, companyID, taskID, to, fresh.Version); err != nil {
			return err
		}

		after = fresh
		after.Status = to
		after.Version++

		_, err = s.deps.Audit.InsertAuditLog(txCtx, companyID, AuditLogInsert{
			RequestID:  actor.RequestID,
			ActorID:    actor.ActorID,
			EntityType: "task_assignment",
			EntityID:   taskID,
			Action:     AuditActionStatusChange,
			OccurredAt: now,
			OldValues:  taskAuditPayload(fresh),
			NewValues:  taskAuditPayload(after),
		})
		return err
	})
	if err != nil {
		return TaskRow{}, mapPgError(err)
	}

	if to == StatusCompleted && s.deps.Bus != nil {
		s.deps.Bus.Publish(events.StructureChangedV1{
			CompanyID:  companyID,
			EntityType: "task_assignment",
			EntityID:   taskID,
			OccurredAt: now,
		})
	}
	return after, nil
}

func (s *TaskService) GetTask(ctx context.Context, companyID, taskID uuid.UUID) (TaskRow, error) {
	var row TaskRow
	err := s.deps.InTx(ctx, func(txCtx context.Context) error {
		var err error
		row, err = s.deps.Tasks.GetTask(txCtx, companyID, taskID)
		return err
	})
	if err != nil {
		return TaskRow{}, mapPgError(err)
	}
	return row, nil
}

func (s *TaskService) ListOpenTasks(ctx context.Context, companyID uuid.UUID) ([]TaskRow, error) {
	var rows []TaskRow
	err := s.deps.InTx(ctx, func(txCtx context.Context) error {
		var err error
		rows, err = s.deps.Tasks.ListOpenTasks(txCtx, companyID)
		return err
	})
	if err != nil {
		return nil, mapPgError(err)
	}
	return rows, nil
}
