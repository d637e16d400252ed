package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// fakePurgeRepo tracks remaining rows per table and deletes up to the batch
// size per call, like the LIMIT-ed delete in the real repository.
type fakePurgeRepo struct {
	remaining map[string]int64
	calls     map[string]int
}

func newFakePurgeRepo(rows map[string]int64) *fakePurgeRepo {
	return &fakePurgeRepo{remaining: rows, calls: make(map[string]int)}
}

func (r *fakePurgeRepo) DeleteCompanyBatch(_ context.Context, _ uuid.UUID, table string, limit int) (int64, error) {
	r.calls[table]++
	n := r.remaining[table]
	if n > int64(limit) {
		n = int64(limit)
	}
	r.remaining[table] -= n
	return n, nil
}

func TestPurgeCompanyDrainsEveryTableInBatches(t *testing.T) {
	repo := newFakePurgeRepo(map[string]int64{
		"task_assignments": 25,
		"org_audit_logs":   10,
		"departments":      1,
	})
	svc := NewPurgeService(PurgeDeps{
		Purge: repo,
		Locks: memLocker{},
		InTx:  passthroughTx,
		Log:   testLogger(),
	}, 10)

	result, err := svc.PurgeCompany(context.Background(), uuid.New())
	require.NoError(t, err)

	require.Equal(t, int64(25), result.Deleted["task_assignments"])
	require.Equal(t, int64(10), result.Deleted["org_audit_logs"])
	require.Equal(t, int64(1), result.Deleted["departments"])
	for table, left := range repo.remaining {
		require.Zero(t, left, "table %s not drained", table)
	}

	// 25 rows at batch size 10 is three batches; the last one comes back
	// short and ends the loop without an extra round trip.
	require.Equal(t, 3, repo.calls["task_assignments"])
	// A full batch of exactly 10 needs one more call to observe emptiness.
	require.Equal(t, 2, repo.calls["org_audit_logs"])

	// Every table in the deletion order is visited even when empty.
	for _, table := range purgeTables {
		require.Contains(t, result.Deleted, table)
	}
}

func TestPurgeCompanyRefusesWithoutCompany(t *testing.T) {
	svc := NewPurgeService(PurgeDeps{
		Purge: newFakePurgeRepo(nil),
		Locks: memLocker{},
		InTx:  passthroughTx,
		Log:   testLogger(),
	}, 10)

	_, err := svc.PurgeCompany(context.Background(), uuid.Nil)
	var svcErr *ServiceError
	require.ErrorAs(t, err, &svcErr)
	require.Equal(t, "TASK_NO_COMPANY", svcErr.Code)
}

func TestPurgeCompanyRefusesWhenCompanyBusy(t *testing.T) {
	repo := newFakePurgeRepo(map[string]int64{"departments": 1})
	svc := NewPurgeService(PurgeDeps{
		Purge: repo,
		Locks: busyLocker{},
		InTx:  passthroughTx,
		Log:   testLogger(),
	}, 10)

	_, err := svc.PurgeCompany(context.Background(), uuid.New())
	var svcErr *ServiceError
	require.ErrorAs(t, err, &svcErr)
	require.Equal(t, "TASK_RECONCILE_BUSY", svcErr.Code)
	require.Empty(t, repo.calls)
	require.Equal(t, int64(1), repo.remaining["departments"])
}

func TestPurgeDeletionOrderIsChildrenFirst(t *testing.T) {
	order := map[string]int{}
	for i, table := range purgeTables {
		order[table] = i
	}
	require.Less(t, order["task_assignments"], order["task_templates"])
	require.Less(t, order["task_assignments"], order["position_assignments"])
	require.Less(t, order["position_assignments"], order["positions"])
	require.Less(t, order["positions"], order["departments"])
}
