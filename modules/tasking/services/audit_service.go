package services

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/wI2L/jsondiff"
)

type AuditDeps struct {
	Audit AuditRepository
	InTx  TxRunner
}

// AuditService reads the append-only audit trail. Nothing here mutates:
// audit entries are written by the services that own the mutations.
type AuditService struct {
	deps AuditDeps
}

func NewAuditService(deps AuditDeps) *AuditService {
	return &AuditService{deps: deps}
}

const maxAuditPageSize = 200

func (s *AuditService) List(ctx context.Context, companyID uuid.UUID, filter AuditFilter) ([]AuditLogRow, error) {
	if filter.Limit <= 0 || filter.Limit > maxAuditPageSize {
		filter.Limit = maxAuditPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var rows []AuditLogRow
	err := s.deps.InTx(ctx, func(txCtx context.Context) error {
		var err error
		rows, err = s.deps.Audit.ListAuditLogs(txCtx, companyID, filter)
		return err
	})
	if err != nil {
		return nil, mapPgError(err)
	}
	return rows, nil
}

func (s *AuditService) Get(ctx context.Context, companyID, entryID uuid.UUID) (AuditLogRow, error) {
	var row AuditLogRow
	err := s.deps.InTx(ctx, func(txCtx context.Context) error {
		var err error
		row, err = s.deps.Audit.GetAuditLog(txCtx, companyID, entryID)
		return err
	})
	if err != nil {
		return AuditLogRow{}, mapPgError(err)
	}
	return row, nil
}

// Diff returns the JSON patch between an entry's before and after images.
// Entries without a before image (creates) diff against an empty object.
func (s *AuditService) Diff(ctx context.Context, companyID, entryID uuid.UUID) (jsondiff.Patch, error) {
	entry, err := s.Get(ctx, companyID, entryID)
	if err != nil {
		return nil, err
	}

	before := entry.OldValues
	if len(before) == 0 {
		before = []byte("{}")
	}
	after := entry.NewValues
	if len(after) == 0 {
		after = []byte("{}")
	}

	patch, err := jsondiff.CompareJSON(before, after)
	if err != nil {
		return nil, newServiceError(http.StatusInternalServerError, "TASK_INTERNAL", "audit entry bodies are not valid JSON", err)
	}
	return patch, nil
}
