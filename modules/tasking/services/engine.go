package services

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/fieldline/taskflow/modules/tasking/domain/events"
)

type EngineConfig struct {
	RetryAttempts int
	RetryBackoff  time.Duration
	EntityTimeout time.Duration
	Parallelism   int
}

func (c *EngineConfig) setDefaults() {
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 4
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.EntityTimeout == 0 {
		c.EntityTimeout = 10 * time.Second
	}
	if c.Parallelism == 0 {
		c.Parallelism = 8
	}
}

type EngineDeps struct {
	Org         OrgStructureRepository
	Templates   TemplateRepository
	Tasks       TaskRepository
	Delegations DelegationRepository
	Audit       AuditRepository
	Sink        EventSink
	Locks       CompanyLocker
	InTx        TxRunner
	Log         *logrus.Logger
}

// EngineService reconciles the org structure and template registry into the
// set of task assignments that should exist.
type EngineService struct {
	deps EngineDeps
	cfg  EngineConfig
}

func NewEngineService(deps EngineDeps, cfg EngineConfig) *EngineService {
	cfg.setDefaults()
	if deps.Log == nil {
		deps.Log = logrus.New()
	}
	return &EngineService{deps: deps, cfg: cfg}
}

type ReconcileParams struct {
	AsOf      time.Time
	ActorID   uuid.UUID
	RequestID string
}

type ReconcileFailure struct {
	Key   string `json:"key"`
	Cause string `json:"cause"`
}

type ReconciliationResult struct {
	CompanyID  uuid.UUID          `json:"company_id"`
	AsOf       time.Time          `json:"as_of"`
	Created    int                `json:"created"`
	Retired    int                `json:"retired"`
	Expired    int                `json:"expired"`
	Reassigned int                `json:"reassigned"`
	Deferred   int                `json:"deferred"`
	Unresolved int                `json:"unresolved"`
	Failures   []ReconcileFailure `json:"failures,omitempty"`
}

// Writes is the number of mutations the pass committed; a repeat run with
// unchanged inputs must report zero.
func (r *ReconciliationResult) Writes() int {
	return r.Created + r.Retired + r.Expired + r.Reassigned
}

// Reconcile aligns task assignments with the org structure and template
// registry at params.AsOf. Entity transactions are isolated: one failure is
// reported in the result, never aborts the rest of the pass. Committed entity
// transactions stand even when the pass is cancelled mid-flight.
func (s *EngineService) Reconcile(ctx context.Context, companyID uuid.UUID, params ReconcileParams) (*ReconciliationResult, error) {
	if companyID == uuid.Nil {
		return nil, newServiceError(http.StatusBadRequest, "TASK_NO_COMPANY", "company_id is required", nil)
	}
	if params.AsOf.IsZero() {
		params.AsOf = time.Now().UTC()
	}
	params.AsOf = params.AsOf.UTC()

	release, ok, err := s.deps.Locks.TryLock(ctx, companyID)
	if err != nil {
		return nil, mapPgError(err)
	}
	if !ok {
		return nil, newServiceError(http.StatusConflict, "TASK_RECONCILE_BUSY", "reconciliation already running for company", nil)
	}
	defer release()

	snap, err := s.loadSnapshot(ctx, companyID, params.AsOf)
	if err != nil {
		return nil, mapPgError(err)
	}

	plan := buildPlan(snap, params.AsOf)

	result := &ReconciliationResult{CompanyID: companyID, AsOf: params.AsOf, Deferred: plan.Deferred}
	var mu sync.Mutex

	rolled := make(map[uuid.UUID]bool)
	for _, op := range plan.Rollovers {
		rolled[op.Old.ID] = true
	}
	retired := make(map[uuid.UUID]bool)
	for _, op := range plan.Retires {
		retired[op.Task.ID] = true
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)

	for _, op := range plan.Creates {
		op := op
		g.Go(func() error {
			s.runEntityOp(gctx, &mu, result, op.Key.String(), func(opCtx context.Context) error {
				return s.applyCreate(opCtx, companyID, params, op, snap, result, &mu)
			})
			return nil
		})
	}
	for _, op := range plan.Retires {
		op := op
		g.Go(func() error {
			s.runEntityOp(gctx, &mu, result, taskKey(op.Task).String(), func(opCtx context.Context) error {
				return s.applyRetire(opCtx, companyID, params, op, result, &mu)
			})
			return nil
		})
	}
	for _, op := range plan.Rollovers {
		op := op
		g.Go(func() error {
			s.runEntityOp(gctx, &mu, result, op.New.Key.String(), func(opCtx context.Context) error {
				return s.applyRollover(opCtx, companyID, params, op, snap, result, &mu)
			})
			return nil
		})
	}

	// Surviving open tasks get their assignee cache refreshed against a fresh
	// resolution; the cache must never diverge from what resolution produces.
	for _, task := range snap.OpenTasks {
		if rolled[task.ID] || retired[task.ID] {
			continue
		}
		task := task
		g.Go(func() error {
			s.runEntityOp(gctx, &mu, result, taskKey(task).String(), func(opCtx context.Context) error {
				return s.refreshAssignee(opCtx, companyID, params, task, snap, result, &mu)
			})
			return nil
		})
	}

	_ = g.Wait()

	if len(result.Failures) > 0 {
		s.deps.Log.WithFields(logrus.Fields{
			"company_id": companyID,
			"failures":   len(result.Failures),
		}).Warn("reconcile: entity transactions exhausted retries")
	}

	return result, nil
}

func (s *EngineService) loadSnapshot(ctx context.Context, companyID uuid.UUID, asOf time.Time) (snapshot, error) {
	var snap snapshot
	err := s.deps.InTx(ctx, func(txCtx context.Context) error {
		positions, err := s.deps.Org.ListPositions(txCtx, companyID)
		if err != nil {
			return err
		}
		snap.Positions = make(map[uuid.UUID]PositionRow, len(positions))
		for _, p := range positions {
			snap.Positions[p.ID] = p
		}

		if snap.Occupancies, err = s.deps.Org.ListActivePositionAssignments(txCtx, companyID, asOf); err != nil {
			return err
		}
		if snap.Templates, err = s.deps.Templates.ListActiveTemplates(txCtx, companyID); err != nil {
			return err
		}
		if snap.OpenTasks, err = s.deps.Tasks.ListOpenTasks(txCtx, companyID); err != nil {
			return err
		}

		pairs, err := s.deps.Tasks.ListCompletedPairs(txCtx, companyID)
		if err != nil {
			return err
		}
		snap.CompletedPairs = make(map[CompletedPair]bool, len(pairs))
		for _, p := range pairs {
			snap.CompletedPairs[p] = true
		}

		snap.Delegations, err = s.deps.Delegations.ListDelegations(txCtx, companyID, asOf)
		return err
	})
	return snap, err
}

// runEntityOp wraps one entity transaction with retry, timeout, and failure
// isolation.
func (s *EngineService) runEntityOp(ctx context.Context, mu *sync.Mutex, result *ReconciliationResult, key string, fn func(context.Context) error) {
	err := withRetry(ctx, s.cfg.RetryAttempts, s.cfg.RetryBackoff, func(ctx context.Context) error {
		opCtx, cancel := context.WithTimeout(ctx, s.cfg.EntityTimeout)
		defer cancel()
		return mapPgError(fn(opCtx))
	})
	if err == nil {
		return
	}
	mu.Lock()
	result.Failures = append(result.Failures, ReconcileFailure{Key: key, Cause: err.Error()})
	mu.Unlock()
}

func taskEvent(at time.Time, params ReconcileParams, companyID uuid.UUID, changeType string, task TaskRow) events.TaskEventV1 {
	ev := events.TaskEventV1{
		EventID:      uuid.New(),
		EventVersion: events.EventVersionV1,
		RequestID:    params.RequestID,
		CompanyID:    companyID,
		OccurredAt:   at,
		ActorID:      params.ActorID,
		ChangeType:   changeType,
		EntityType:   "task_assignment",
		EntityID:     task.ID,
		TemplateID:   task.TemplateID,
		PositionID:   task.PositionID,
		PeriodStart:  task.PeriodStart,
		PeriodEnd:    task.PeriodEnd,
	}
	if !task.AssigneeUnresolved {
		ev.AssigneeID = task.AssigneeUserID
	}
	return ev
}

func taskAuditPayload(task TaskRow) map[string]any {
	payload := map[string]any{
		"id":                            task.ID,
		"template_id":                   task.TemplateID,
		"position_id":                   task.PositionID,
		"source_position_assignment_id": task.SourcePositionAssignmentID,
		"status":                        task.Status,
		"assignee_unresolved":           task.AssigneeUnresolved,
	}
	if task.AssigneeUserID != nil {
		payload["assignee_user_id"] = *task.AssigneeUserID
	}
	if task.PeriodStart != nil {
		payload["period_start"] = task.PeriodStart.UTC()
		payload["period_end"] = task.PeriodEnd.UTC()
	}
	return payload
}

// insertInstance writes one new task assignment with its audit entry and
// events inside the transaction bound to txCtx.
func (s *EngineService) insertInstance(txCtx context.Context, companyID uuid.UUID, params ReconcileParams, inst requiredInstance, snap snapshot) (TaskRow, error) {
	res := resolveAssignee(taskRef{
		PositionID:                 inst.Occupancy.PositionID,
		SourcePositionAssignmentID: inst.Occupancy.ID,
	}, snap.Delegations, snap.Occupancies, params.AsOf)

	insert := TaskInsert{
		TemplateID:                 inst.Template.ID,
		PositionID:                 inst.Occupancy.PositionID,
		SourcePositionAssignmentID: inst.Occupancy.ID,
		Status:                     StatusPending,
		PeriodStart:                inst.PeriodStart,
		PeriodEnd:                  inst.PeriodEnd,
	}
	if res.Unresolved {
		insert.AssigneeUnresolved = true
	} else {
		insert.AssigneeUserID = &res.UserID
	}

	id, err := s.deps.Tasks.InsertTask(txCtx, companyID, insert)
	if err != nil {
		return TaskRow{}, err
	}

	task := TaskRow{
		ID:                         id,
		TemplateID:                 insert.TemplateID,
		PositionID:                 insert.PositionID,
		SourcePositionAssignmentID: insert.SourcePositionAssignmentID,
		AssigneeUserID:             insert.AssigneeUserID,
		AssigneeUnresolved:         insert.AssigneeUnresolved,
		Status:                     StatusPending,
		PeriodStart:                insert.PeriodStart,
		PeriodEnd:                  insert.PeriodEnd,
		Version:                    1,
	}

	if _, err := s.deps.Audit.InsertAuditLog(txCtx, companyID, AuditLogInsert{
		RequestID:  params.RequestID,
		ActorID:    params.ActorID,
		EntityType: "task_assignment",
		EntityID:   id,
		Action:     AuditActionCreate,
		OccurredAt: params.AsOf,
		NewValues:  taskAuditPayload(task),
	}); err != nil {
		return TaskRow{}, err
	}

	if err := s.deps.Sink.Enqueue(txCtx, taskEvent(params.AsOf, params, companyID, events.ChangeTaskCreated, task)); err != nil {
		return TaskRow{}, err
	}
	if task.AssigneeUnresolved {
		if err := s.deps.Sink.Enqueue(txCtx, taskEvent(params.AsOf, params, companyID, events.ChangeUnresolved, task)); err != nil {
			return TaskRow{}, err
		}
	}

	return task, nil
}

func (s *EngineService) applyCreate(ctx context.Context, companyID uuid.UUID, params ReconcileParams, inst requiredInstance, snap snapshot, result *ReconciliationResult, mu *sync.Mutex) error {
	var task TaskRow
	err := s.deps.InTx(ctx, func(txCtx context.Context) error {
		var err error
		task, err = s.insertInstance(txCtx, companyID, params, inst, snap)
		return err
	})
	if err != nil {
		if isDuplicateInstance(mapPgError(err)) {
			// Someone materialized the same key since the snapshot; treat as
			// the no-op it would have been.
			return nil
		}
		return err
	}

	mu.Lock()
	result.Created++
	if task.AssigneeUnresolved {
		result.Unresolved++
	}
	mu.Unlock()
	return nil
}

// retireInstance transitions one open task to status with audit and event,
// inside the transaction bound to txCtx. Returns false when the task is no
// longer open (someone else already settled it).
func (s *EngineService) retireInstance(txCtx context.Context, companyID uuid.UUID, params ReconcileParams, taskID uuid.UUID, status string) (bool, error) {
	fresh, err := s.deps.Tasks.GetTask(txCtx, companyID, taskID)
	if err != nil {
		return false, err
	}
	if !fresh.Open() {
		return false, nil
	}

	if err := s.deps.Tasks.SetTaskStatus(txCtx, companyID, taskID, status, fresh.Version); err != nil {
		return false, err
	}

	after := fresh
	after.Status = status
	after.Version++

	action := AuditActionRetire
	changeType := events.ChangeTaskRetired
	if status == StatusExpired {
		action = AuditActionExpire
		changeType = events.ChangeTaskExpired
	}

	if _, err := s.deps.Audit.InsertAuditLog(txCtx, companyID, AuditLogInsert{
		RequestID:  params.RequestID,
		ActorID:    params.ActorID,
		EntityType: "task_assignment",
		EntityID:   taskID,
		Action:     action,
		OccurredAt: params.AsOf,
		OldValues:  taskAuditPayload(fresh),
		NewValues:  taskAuditPayload(after),
	}); err != nil {
		return false, err
	}

	if err := s.deps.Sink.Enqueue(txCtx, taskEvent(params.AsOf, params, companyID, changeType, after)); err != nil {
		return false, err
	}
	return true, nil
}

func (s *EngineService) applyRetire(ctx context.Context, companyID uuid.UUID, params ReconcileParams, op retireOp, result *ReconciliationResult, mu *sync.Mutex) error {
	var changed bool
	err := s.deps.InTx(ctx, func(txCtx context.Context) error {
		var err error
		changed, err = s.retireInstance(txCtx, companyID, params, op.Task.ID, op.Status)
		return err
	})
	if err != nil || !changed {
		return err
	}

	mu.Lock()
	if op.Status == StatusExpired {
		result.Expired++
	} else {
		result.Retired++
	}
	mu.Unlock()
	return nil
}

// applyRollover expires the elapsed instance and creates its successor in one
// transaction, so no instant observes zero active instances for the pair.
func (s *EngineService) applyRollover(ctx context.Context, companyID uuid.UUID, params ReconcileParams, op rolloverOp, snap snapshot, result *ReconciliationResult, mu *sync.Mutex) error {
	var expired bool
	var task TaskRow
	err := s.deps.InTx(ctx, func(txCtx context.Context) error {
		var err error
		expired, err = s.retireInstance(txCtx, companyID, params, op.Old.ID, StatusExpired)
		if err != nil {
			return err
		}
		task, err = s.insertInstance(txCtx, companyID, params, op.New, snap)
		return err
	})
	if err != nil {
		if isDuplicateInstance(mapPgError(err)) {
			return nil
		}
		return err
	}

	mu.Lock()
	if expired {
		result.Expired++
	}
	result.Created++
	if task.AssigneeUnresolved {
		result.Unresolved++
	}
	mu.Unlock()
	return nil
}

func (s *EngineService) refreshAssignee(ctx context.Context, companyID uuid.UUID, params ReconcileParams, task TaskRow, snap snapshot, result *ReconciliationResult, mu *sync.Mutex) error {
	res := resolveAssignee(taskRef{
		ID:                         task.ID,
		PositionID:                 task.PositionID,
		SourcePositionAssignmentID: task.SourcePositionAssignmentID,
	}, snap.Delegations, snap.Occupancies, params.AsOf)

	if sameResolution(task, res) {
		return nil
	}

	var changed, becameUnresolved bool
	err := s.deps.InTx(ctx, func(txCtx context.Context) error {
		changed, becameUnresolved = false, false
		fresh, err := s.deps.Tasks.GetTask(txCtx, companyID, task.ID)
		if err != nil {
			return err
		}
		if !fresh.Open() || sameResolution(fresh, res) {
			return nil
		}
		changed = true

		var assignee *uuid.UUID
		if !res.Unresolved {
			u := res.UserID
			assignee = &u
		}
		if err := s.deps.Tasks.SetTaskAssignee(txCtx, companyID, task.ID, assignee, res.Unresolved, fresh.Version); err != nil {
			return err
		}

		after := fresh
		after.AssigneeUserID = assignee
		after.AssigneeUnresolved = res.Unresolved
		after.Version++

		if _, err := s.deps.Audit.InsertAuditLog(txCtx, companyID, AuditLogInsert{
			RequestID:  params.RequestID,
			ActorID:    params.ActorID,
			EntityType: "task_assignment",
			EntityID:   task.ID,
			Action:     AuditActionReassign,
			OccurredAt: params.AsOf,
			OldValues:  taskAuditPayload(fresh),
			NewValues:  taskAuditPayload(after),
		}); err != nil {
			return err
		}

		changeType := events.ChangeTaskReassigned
		if res.Unresolved {
			changeType = events.ChangeUnresolved
			becameUnresolved = true
		}
		return s.deps.Sink.Enqueue(txCtx, taskEvent(params.AsOf, params, companyID, changeType, after))
	})
	if err != nil || !changed {
		return err
	}

	mu.Lock()
	result.Reassigned++
	if becameUnresolved {
		result.Unresolved++
	}
	mu.Unlock()
	return nil
}

func isDuplicateInstance(err error) bool {
	var svcErr *ServiceError
	return errors.As(err, &svcErr) && svcErr.Code == "TASK_DUPLICATE_INSTANCE"
}
