package services

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// countingReconciler records Reconcile calls per company.
type countingReconciler struct {
	mu    sync.Mutex
	calls map[uuid.UUID]int
	busy  int
}

func newCountingReconciler() *countingReconciler {
	return &countingReconciler{calls: make(map[uuid.UUID]int)}
}

func (r *countingReconciler) Reconcile(_ context.Context, companyID uuid.UUID, _ ReconcileParams) (*ReconciliationResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[companyID]++
	if r.busy > 0 {
		r.busy--
		return nil, newServiceError(http.StatusConflict, "TASK_RECONCILE_BUSY", "company is busy, retry later", nil)
	}
	return &ReconciliationResult{CompanyID: companyID}, nil
}

func (r *countingReconciler) count(companyID uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[companyID]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSchedulerDebouncesBurstsIntoOnePass(t *testing.T) {
	rec := newCountingReconciler()
	sched := NewScheduler(rec, nil, passthroughTx, testLogger(), SchedulerConfig{
		DebounceWindow: 20 * time.Millisecond,
		TickInterval:   time.Hour,
	})
	companyID := uuid.New()

	for i := 0; i < 5; i++ {
		sched.Trigger(companyID)
	}

	waitFor(t, func() bool { return rec.count(companyID) == 1 })

	// A quiet follow-up period runs nothing more.
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, 1, rec.count(companyID))
}

func TestSchedulerIgnoresNilCompany(t *testing.T) {
	rec := newCountingReconciler()
	sched := NewScheduler(rec, nil, passthroughTx, testLogger(), SchedulerConfig{
		DebounceWindow: 10 * time.Millisecond,
		TickInterval:   time.Hour,
	})

	sched.Trigger(uuid.Nil)
	time.Sleep(40 * time.Millisecond)
	require.Empty(t, rec.calls)
}

func TestSchedulerRetriggersWhenCompanyBusy(t *testing.T) {
	rec := newCountingReconciler()
	rec.busy = 1
	sched := NewScheduler(rec, nil, passthroughTx, testLogger(), SchedulerConfig{
		DebounceWindow: 10 * time.Millisecond,
		TickInterval:   time.Hour,
	})
	companyID := uuid.New()

	sched.Trigger(companyID)

	// First pass hits the busy lock and re-arms the debounce timer; the
	// second succeeds.
	waitFor(t, func() bool { return rec.count(companyID) == 2 })
}

func TestSchedulerSweepReconcilesCompaniesWithOpenTasks(t *testing.T) {
	f := newEngineFixture(t)
	posID, _ := f.seedPosition(t, "Dispatcher", uuid.New(), testAsOf.Add(-24*time.Hour))
	f.seedOneOffTemplate(t, posID)
	f.reconcile(t, testAsOf)

	rec := newCountingReconciler()
	sched := NewScheduler(rec, f.store, passthroughTx, testLogger(), SchedulerConfig{
		DebounceWindow: time.Hour,
		TickInterval:   10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	waitFor(t, func() bool { return rec.count(f.companyID) >= 1 })

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
