package persistence

import (
	"context"

	"github.com/google/uuid"

	"github.com/fieldline/taskflow/modules/tasking/services"
	"github.com/fieldline/taskflow/pkg/composables"
)

type PgTaskRepository struct{}

func NewPgTaskRepository() *PgTaskRepository {
	return &PgTaskRepository{}
}

const (
	insertTaskSQL = `
		INSERT INTO task_assignments (
			company_id, template_id, position_id, source_position_assignment_id,
			assignee_user_id, assignee_unresolved, status, period_start, period_end
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	taskColumns = `id, template_id, position_id, source_position_assignment_id,
	       assignee_user_id, assignee_unresolved, status, period_start, period_end, version`

	selectTaskSQL = `
		SELECT ` + taskColumns + `
		FROM task_assignments
		WHERE company_id = $1 AND id = $2`

	listOpenTasksSQL = `
		SELECT ` + taskColumns + `
		FROM task_assignments
		WHERE company_id = $1 AND status IN ('pending', 'in_progress')
		ORDER BY created_at, id`

	listOpenTasksForPositionSQL = `
		SELECT ` + taskColumns + `
		FROM task_assignments
		WHERE company_id = $1 AND position_id = $2 AND status IN ('pending', 'in_progress')
		ORDER BY created_at, id`

	listCompletedPairsSQL = `
		SELECT DISTINCT template_id, source_position_assignment_id
		FROM task_assignments
		WHERE company_id = $1 AND status = 'completed'`

	setTaskStatusSQL = `
		UPDATE task_assignments
		SET status = $3, version = version + 1, updated_at = now()
		WHERE company_id = $1 AND id = $2 AND version = $4`

	setTaskAssigneeSQL = `
		UPDATE task_assignments
		SET assignee_user_id = $3, assignee_unresolved = $4, version = version + 1, updated_at = now()
		WHERE company_id = $1 AND id = $2 AND version = $5`

	listCompaniesWithOpenTasksSQL = `
		SELECT DISTINCT company_id
		FROM task_assignments
		WHERE status IN ('pending', 'in_progress')`
)

func (r *PgTaskRepository) InsertTask(ctx context.Context, companyID uuid.UUID, in services.TaskInsert) (uuid.UUID, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	var id uuid.UUID
	err = tx.QueryRow(ctx, insertTaskSQL,
		companyID, in.TemplateID, in.PositionID, in.SourcePositionAssignmentID,
		in.AssigneeUserID, in.AssigneeUnresolved, in.Status, in.PeriodStart, in.PeriodEnd,
	).Scan(&id)
	return id, err
}

func scanTask(scan func(dest ...any) error) (services.TaskRow, error) {
	var row services.TaskRow
	err := scan(
		&row.ID, &row.TemplateID, &row.PositionID, &row.SourcePositionAssignmentID,
		&row.AssigneeUserID, &row.AssigneeUnresolved, &row.Status,
		&row.PeriodStart, &row.PeriodEnd, &row.Version,
	)
	return row, err
}

func (r *PgTaskRepository) GetTask(ctx context.Context, companyID, id uuid.UUID) (services.TaskRow, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return services.TaskRow{}, err
	}
	return scanTask(tx.QueryRow(ctx, selectTaskSQL, companyID, id).Scan)
}

func (r *PgTaskRepository) listTasks(ctx context.Context, sql string, args ...any) ([]services.TaskRow, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []services.TaskRow
	for rows.Next() {
		row, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *PgTaskRepository) ListOpenTasks(ctx context.Context, companyID uuid.UUID) ([]services.TaskRow, error) {
	return r.listTasks(ctx, listOpenTasksSQL, companyID)
}

func (r *PgTaskRepository) ListOpenTasksForPosition(ctx context.Context, companyID, positionID uuid.UUID) ([]services.TaskRow, error) {
	return r.listTasks(ctx, listOpenTasksForPositionSQL, companyID, positionID)
}

func (r *PgTaskRepository) ListCompletedPairs(ctx context.Context, companyID uuid.UUID) ([]services.CompletedPair, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, listCompletedPairsSQL, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []services.CompletedPair
	for rows.Next() {
		var pair services.CompletedPair
		if err := rows.Scan(&pair.TemplateID, &pair.SourcePositionAssignmentID); err != nil {
			return nil, err
		}
		out = append(out, pair)
	}
	return out, rows.Err()
}

func (r *PgTaskRepository) SetTaskStatus(ctx context.Context, companyID, id uuid.UUID, status string, version int64) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, setTaskStatusSQL, companyID, id, status, version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return services.ErrVersionConflict
	}
	return nil
}

func (r *PgTaskRepository) SetTaskAssignee(ctx context.Context, companyID, id uuid.UUID, assignee *uuid.UUID, unresolved bool, version int64) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, setTaskAssigneeSQL, companyID, id, assignee, unresolved, version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return services.ErrVersionConflict
	}
	return nil
}

func (r *PgTaskRepository) ListCompanyIDsWithOpenTasks(ctx context.Context) ([]uuid.UUID, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, listCompaniesWithOpenTasksSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
