package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Reconciler is the part of the engine the scheduler drives.
type Reconciler interface {
	Reconcile(ctx context.Context, companyID uuid.UUID, params ReconcileParams) (*ReconciliationResult, error)
}

type SchedulerConfig struct {
	DebounceWindow time.Duration
	TickInterval   time.Duration
}

func (c *SchedulerConfig) setDefaults() {
	if c.DebounceWindow == 0 {
		c.DebounceWindow = 2 * time.Second
	}
	if c.TickInterval == 0 {
		c.TickInterval = time.Minute
	}
}

// Scheduler decides when reconciliation passes run: change notifications are
// debounced per company so a burst of structure edits costs one pass, and a
// periodic tick sweeps companies with open tasks to roll recurring windows
// forward even when nothing changed.
type Scheduler struct {
	engine Reconciler
	tasks  TaskRepository
	inTx   TxRunner
	log    *logrus.Logger
	cfg    SchedulerConfig

	group singleflight.Group

	mu     sync.Mutex
	timers map[uuid.UUID]*time.Timer
	ctx    context.Context
}

func NewScheduler(engine Reconciler, tasks TaskRepository, inTx TxRunner, log *logrus.Logger, cfg SchedulerConfig) *Scheduler {
	cfg.setDefaults()
	if log == nil {
		log = logrus.New()
	}
	return &Scheduler{
		engine: engine,
		tasks:  tasks,
		inTx:   inTx,
		log:    log,
		cfg:    cfg,
		timers: make(map[uuid.UUID]*time.Timer),
	}
}

// Run blocks until ctx is done, sweeping companies with open tasks every tick
// interval.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			for id, t := range s.timers {
				t.Stop()
				delete(s.timers, id)
			}
			s.mu.Unlock()
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// Trigger schedules a reconciliation pass for the company after the debounce
// window. Repeat triggers within the window collapse into one pass.
func (s *Scheduler) Trigger(companyID uuid.UUID) {
	if companyID == uuid.Nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[companyID]; ok {
		t.Reset(s.cfg.DebounceWindow)
		return
	}
	s.timers[companyID] = time.AfterFunc(s.cfg.DebounceWindow, func() {
		s.mu.Lock()
		delete(s.timers, companyID)
		s.mu.Unlock()
		s.reconcile(companyID)
	})
}

func (s *Scheduler) runCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

// reconcile runs one pass, deduplicated per company so a tick and a debounce
// firing together cost one pass.
func (s *Scheduler) reconcile(companyID uuid.UUID) {
	ctx := s.runCtx()
	if ctx.Err() != nil {
		return
	}

	_, err, _ := s.group.Do(companyID.String(), func() (any, error) {
		return s.engine.Reconcile(ctx, companyID, ReconcileParams{
			AsOf:      time.Now().UTC(),
			RequestID: uuid.NewString(),
		})
	})
	if err != nil {
		var svcErr *ServiceError
		if errors.As(err, &svcErr) && svcErr.Code == "TASK_RECONCILE_BUSY" {
			// Another process holds the company lock; retrigger so the change
			// is not lost.
			s.Trigger(companyID)
			return
		}
		s.log.WithError(err).WithField("company_id", companyID).Error("scheduler: reconciliation pass failed")
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	var companies []uuid.UUID
	err := s.inTx(ctx, func(txCtx context.Context) error {
		var err error
		companies, err = s.tasks.ListCompanyIDsWithOpenTasks(txCtx)
		return err
	})
	if err != nil {
		s.log.WithError(err).Warn("scheduler: listing companies for sweep failed")
		return
	}

	for _, id := range companies {
		if ctx.Err() != nil {
			return
		}
		s.reconcile(id)
	}
}
