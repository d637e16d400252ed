package persistence

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/fieldline/taskflow/modules/tasking/services"
	"github.com/fieldline/taskflow/pkg/composables"
)

// PgAuditRepository appends to org_audit_logs. There is deliberately no
// update or delete; the trail only grows.
type PgAuditRepository struct{}

func NewPgAuditRepository() *PgAuditRepository {
	return &PgAuditRepository{}
}

const (
	insertAuditLogSQL = `
		INSERT INTO org_audit_logs (
			company_id, request_id, entity_type, entity_id, action,
			actor_id, occurred_at, old_values, new_values
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	auditColumns = `id, request_id, entity_type, entity_id, action, actor_id, occurred_at, old_values, new_values`

	selectAuditLogSQL = `
		SELECT ` + auditColumns + `
		FROM org_audit_logs
		WHERE company_id = $1 AND id = $2`
)

func (r *PgAuditRepository) InsertAuditLog(ctx context.Context, companyID uuid.UUID, log services.AuditLogInsert) (uuid.UUID, error) {
	if err := log.Validate(); err != nil {
		return uuid.Nil, err
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return uuid.Nil, err
	}

	oldBody, hasOld, err := log.MarshalOldValues()
	if err != nil {
		return uuid.Nil, err
	}
	newBody, err := log.MarshalNewValues()
	if err != nil {
		return uuid.Nil, err
	}

	var oldArg any
	if hasOld {
		oldArg = oldBody
	}

	var id uuid.UUID
	err = tx.QueryRow(ctx, insertAuditLogSQL,
		companyID, log.RequestID, log.EntityType, log.EntityID, log.Action,
		log.ActorID, log.OccurredAt, oldArg, newBody,
	).Scan(&id)
	return id, err
}

func (r *PgAuditRepository) GetAuditLog(ctx context.Context, companyID, id uuid.UUID) (services.AuditLogRow, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return services.AuditLogRow{}, err
	}
	var row services.AuditLogRow
	err = tx.QueryRow(ctx, selectAuditLogSQL, companyID, id).Scan(
		&row.ID, &row.RequestID, &row.EntityType, &row.EntityID, &row.Action,
		&row.ActorID, &row.OccurredAt, &row.OldValues, &row.NewValues,
	)
	return row, err
}

func (r *PgAuditRepository) ListAuditLogs(ctx context.Context, companyID uuid.UUID, filter services.AuditFilter) ([]services.AuditLogRow, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}

	where := []string{"company_id = $1"}
	args := []any{companyID}
	if filter.EntityType != "" {
		args = append(args, filter.EntityType)
		where = append(where, fmt.Sprintf("entity_type = $%d", len(args)))
	}
	if filter.EntityID != uuid.Nil {
		args = append(args, filter.EntityID)
		where = append(where, fmt.Sprintf("entity_id = $%d", len(args)))
	}
	args = append(args, filter.Limit, filter.Offset)

	query := fmt.Sprintf(`
		SELECT %s
		FROM org_audit_logs
		WHERE %s
		ORDER BY occurred_at, id
		LIMIT $%d OFFSET $%d`,
		auditColumns, strings.Join(where, " AND "), len(args)-1, len(args))

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []services.AuditLogRow
	for rows.Next() {
		var row services.AuditLogRow
		if err := rows.Scan(
			&row.ID, &row.RequestID, &row.EntityType, &row.EntityID, &row.Action,
			&row.ActorID, &row.OccurredAt, &row.OldValues, &row.NewValues,
		); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
