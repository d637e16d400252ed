package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fieldline/taskflow/modules/tasking/services"
	"github.com/fieldline/taskflow/pkg/composables"
)

// PgOrgRepository stores the org structure in Postgres. Every method reads
// the querier from context so it joins whatever transaction the service
// opened.
type PgOrgRepository struct{}

func NewPgOrgRepository() *PgOrgRepository {
	return &PgOrgRepository{}
}

const (
	insertDepartmentSQL = `
		INSERT INTO departments (company_id, name, parent_department_id)
		VALUES ($1, $2, $3)
		RETURNING id`

	selectDepartmentSQL = `
		SELECT id, name, parent_department_id, archived_at, version
		FROM departments
		WHERE company_id = $1 AND id = $2`

	listDepartmentsSQL = `
		SELECT id, name, parent_department_id, archived_at, version
		FROM departments
		WHERE company_id = $1
		ORDER BY name, id`

	archiveDepartmentSQL = `
		UPDATE departments
		SET archived_at = $3, version = version + 1, updated_at = now()
		WHERE company_id = $1 AND id = $2 AND archived_at IS NULL AND version = $4`
)

func (r *PgOrgRepository) InsertDepartment(ctx context.Context, companyID uuid.UUID, in services.DepartmentInsert) (uuid.UUID, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	var id uuid.UUID
	err = tx.QueryRow(ctx, insertDepartmentSQL, companyID, in.Name, in.ParentID).Scan(&id)
	return id, err
}

func (r *PgOrgRepository) GetDepartment(ctx context.Context, companyID, id uuid.UUID) (services.DepartmentRow, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return services.DepartmentRow{}, err
	}
	var row services.DepartmentRow
	err = tx.QueryRow(ctx, selectDepartmentSQL, companyID, id).Scan(
		&row.ID, &row.Name, &row.ParentID, &row.ArchivedAt, &row.Version,
	)
	return row, err
}

func (r *PgOrgRepository) ListDepartments(ctx context.Context, companyID uuid.UUID) ([]services.DepartmentRow, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, listDepartmentsSQL, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []services.DepartmentRow
	for rows.Next() {
		var row services.DepartmentRow
		if err := rows.Scan(&row.ID, &row.Name, &row.ParentID, &row.ArchivedAt, &row.Version); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *PgOrgRepository) ArchiveDepartment(ctx context.Context, companyID, id uuid.UUID, at time.Time, version int64) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, archiveDepartmentSQL, companyID, id, at, version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return services.ErrVersionConflict
	}
	return nil
}

const (
	insertPositionSQL = `
		INSERT INTO positions (company_id, department_id, title, allows_multiple_occupants)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	selectPositionSQL = `
		SELECT id, department_id, title, allows_multiple_occupants, archived_at, version
		FROM positions
		WHERE company_id = $1 AND id = $2`

	listPositionsSQL = `
		SELECT id, department_id, title, allows_multiple_occupants, archived_at, version
		FROM positions
		WHERE company_id = $1
		ORDER BY title, id`

	archivePositionSQL = `
		UPDATE positions
		SET archived_at = $3, version = version + 1, updated_at = now()
		WHERE company_id = $1 AND id = $2 AND archived_at IS NULL AND version = $4`
)

func (r *PgOrgRepository) InsertPosition(ctx context.Context, companyID uuid.UUID, in services.PositionInsert) (uuid.UUID, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	var id uuid.UUID
	err = tx.QueryRow(ctx, insertPositionSQL, companyID, in.DepartmentID, in.Title, in.AllowsMultipleOccupants).Scan(&id)
	return id, err
}

func (r *PgOrgRepository) GetPosition(ctx context.Context, companyID, id uuid.UUID) (services.PositionRow, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return services.PositionRow{}, err
	}
	var row services.PositionRow
	err = tx.QueryRow(ctx, selectPositionSQL, companyID, id).Scan(
		&row.ID, &row.DepartmentID, &row.Title, &row.AllowsMultipleOccupants, &row.ArchivedAt, &row.Version,
	)
	return row, err
}

func (r *PgOrgRepository) ListPositions(ctx context.Context, companyID uuid.UUID) ([]services.PositionRow, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, listPositionsSQL, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []services.PositionRow
	for rows.Next() {
		var row services.PositionRow
		if err := rows.Scan(&row.ID, &row.DepartmentID, &row.Title, &row.AllowsMultipleOccupants, &row.ArchivedAt, &row.Version); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *PgOrgRepository) ArchivePosition(ctx context.Context, companyID, id uuid.UUID, at time.Time, version int64) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, archivePositionSQL, companyID, id, at, version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return services.ErrVersionConflict
	}
	return nil
}

const (
	// The exclusive flag is copied from the position so the
	// position_assignments_exclusive_open unique index rejects a second open
	// occupancy even when two inserts race past the service-level count.
	insertPositionAssignmentSQL = `
		INSERT INTO position_assignments (company_id, position_id, user_id, valid_from, valid_to, exclusive)
		SELECT $1, p.id, $3, $4, $5, NOT p.allows_multiple_occupants
		FROM positions p
		WHERE p.company_id = $1 AND p.id = $2
		RETURNING id`

	selectPositionAssignmentSQL = `
		SELECT id, position_id, user_id, valid_from, valid_to, version
		FROM position_assignments
		WHERE company_id = $1 AND id = $2`

	listActivePositionAssignmentsSQL = `
		SELECT id, position_id, user_id, valid_from, valid_to, version
		FROM position_assignments
		WHERE company_id = $1 AND valid_from <= $2 AND (valid_to IS NULL OR valid_to > $2)
		ORDER BY valid_from, id`

	countOpenOccupantsSQL = `
		SELECT COUNT(*)
		FROM position_assignments
		WHERE company_id = $1 AND position_id = $2 AND valid_to IS NULL`

	closePositionAssignmentSQL = `
		UPDATE position_assignments
		SET valid_to = $3, version = version + 1
		WHERE company_id = $1 AND id = $2 AND valid_to IS NULL AND version = $4`
)

func (r *PgOrgRepository) InsertPositionAssignment(ctx context.Context, companyID uuid.UUID, in services.PositionAssignmentInsert) (uuid.UUID, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	var id uuid.UUID
	err = tx.QueryRow(ctx, insertPositionAssignmentSQL, companyID, in.PositionID, in.UserID, in.ValidFrom, in.ValidTo).Scan(&id)
	return id, err
}

func (r *PgOrgRepository) GetPositionAssignment(ctx context.Context, companyID, id uuid.UUID) (services.PositionAssignmentRow, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return services.PositionAssignmentRow{}, err
	}
	var row services.PositionAssignmentRow
	err = tx.QueryRow(ctx, selectPositionAssignmentSQL, companyID, id).Scan(
		&row.ID, &row.PositionID, &row.UserID, &row.ValidFrom, &row.ValidTo, &row.Version,
	)
	return row, err
}

func (r *PgOrgRepository) ListActivePositionAssignments(ctx context.Context, companyID uuid.UUID, asOf time.Time) ([]services.PositionAssignmentRow, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, listActivePositionAssignmentsSQL, companyID, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []services.PositionAssignmentRow
	for rows.Next() {
		var row services.PositionAssignmentRow
		if err := rows.Scan(&row.ID, &row.PositionID, &row.UserID, &row.ValidFrom, &row.ValidTo, &row.Version); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *PgOrgRepository) CountOpenOccupants(ctx context.Context, companyID, positionID uuid.UUID) (int, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	err = tx.QueryRow(ctx, countOpenOccupantsSQL, companyID, positionID).Scan(&n)
	return n, err
}

func (r *PgOrgRepository) ClosePositionAssignment(ctx context.Context, companyID, id uuid.UUID, validTo time.Time, version int64) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, closePositionAssignmentSQL, companyID, id, validTo, version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return services.ErrVersionConflict
	}
	return nil
}
