package services

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type PurgeDeps struct {
	Purge PurgeRepository
	Locks CompanyLocker
	InTx  TxRunner
	Log   *logrus.Logger
}

// PurgeService removes every record a company owns. Deletion order follows
// foreign keys, children first, and each round trip deletes a bounded batch
// so the store never holds a company-sized transaction.
type PurgeService struct {
	deps      PurgeDeps
	batchSize int
}

// purgeTables is the deletion order. A crash mid-purge leaves a prefix of
// this list emptied; rerunning converges.
var purgeTables = []string{
	"task_outbox",
	"org_audit_logs",
	"delegations",
	"task_assignments",
	"task_templates",
	"position_assignments",
	"positions",
	"departments",
}

const maxPurgeBatchSize = 500

func NewPurgeService(deps PurgeDeps, batchSize int) *PurgeService {
	if deps.Log == nil {
		deps.Log = logrus.New()
	}
	if batchSize <= 0 || batchSize > maxPurgeBatchSize {
		batchSize = maxPurgeBatchSize
	}
	return &PurgeService{deps: deps, batchSize: batchSize}
}

type PurgeResult struct {
	Deleted map[string]int64 `json:"deleted"`
}

// PurgeCompany deletes all rows belonging to companyID. The company
// reconciliation lock is held for the duration so no pass recreates rows
// behind the sweep.
func (s *PurgeService) PurgeCompany(ctx context.Context, companyID uuid.UUID) (*PurgeResult, error) {
	if companyID == uuid.Nil {
		return nil, newServiceError(http.StatusBadRequest, "TASK_NO_COMPANY", "company_id is required", nil)
	}

	release, ok, err := s.deps.Locks.TryLock(ctx, companyID)
	if err != nil {
		return nil, mapPgError(err)
	}
	if !ok {
		return nil, newServiceError(http.StatusConflict, "TASK_RECONCILE_BUSY", "company is busy, retry later", nil)
	}
	defer release()

	result := &PurgeResult{Deleted: make(map[string]int64, len(purgeTables))}
	for _, table := range purgeTables {
		for {
			if err := ctx.Err(); err != nil {
				return result, mapPgError(err)
			}

			var n int64
			err := s.deps.InTx(ctx, func(txCtx context.Context) error {
				var err error
				n, err = s.deps.Purge.DeleteCompanyBatch(txCtx, companyID, table, s.batchSize)
				return err
			})
			if err != nil {
				return result, mapPgError(err)
			}
			result.Deleted[table] += n
			if n < int64(s.batchSize) {
				break
			}
		}
	}

	s.deps.Log.WithFields(logrus.Fields{
		"company_id": companyID,
		"deleted":    result.Deleted,
	}).Info("purge: company data removed")
	return result, nil
}
