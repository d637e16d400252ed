package persistence

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/fieldline/taskflow/pkg/composables"
)

// PgPurgeRepository deletes company data in bounded batches. Table names are
// interpolated, so only the fixed allow-list below is accepted.
type PgPurgeRepository struct{}

func NewPgPurgeRepository() *PgPurgeRepository {
	return &PgPurgeRepository{}
}

var purgeableTables = map[string]bool{
	"task_outbox":          true,
	"org_audit_logs":       true,
	"delegations":          true,
	"task_assignments":     true,
	"task_templates":       true,
	"position_assignments": true,
	"positions":            true,
	"departments":          true,
}

func (r *PgPurgeRepository) DeleteCompanyBatch(ctx context.Context, companyID uuid.UUID, table string, limit int) (int64, error) {
	if !purgeableTables[table] {
		return 0, fmt.Errorf("purge: table %q is not purgeable", table)
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE id IN (SELECT id FROM %s WHERE company_id = $1 LIMIT $2)`,
		table, table)
	tag, err := tx.Exec(ctx, query, companyID, limit)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
