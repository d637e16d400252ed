package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fieldline/taskflow/modules/tasking/services"
	"github.com/fieldline/taskflow/pkg/composables"
)

type PgDelegationRepository struct{}

func NewPgDelegationRepository() *PgDelegationRepository {
	return &PgDelegationRepository{}
}

const (
	// created_at is DB-assigned and doubles as the resolution tie-break, so
	// it comes back with the id instead of being approximated by the caller.
	insertDelegationSQL = `
		INSERT INTO delegations (company_id, scope, scope_id, delegate_user_id, valid_from, valid_to)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`

	delegationColumns = `id, scope, scope_id, delegate_user_id, valid_from, valid_to, revoked_at, created_at, version`

	selectDelegationSQL = `
		SELECT ` + delegationColumns + `
		FROM delegations
		WHERE company_id = $1 AND id = $2`

	listDelegationsSQL = `
		SELECT ` + delegationColumns + `
		FROM delegations
		WHERE company_id = $1
		  AND valid_from <= $2
		  AND (valid_to IS NULL OR valid_to > $2)
		  AND (revoked_at IS NULL OR revoked_at > $2)
		ORDER BY created_at, id`

	revokeDelegationSQL = `
		UPDATE delegations
		SET revoked_at = $3, version = version + 1
		WHERE company_id = $1 AND id = $2 AND revoked_at IS NULL AND version = $4`
)

func (r *PgDelegationRepository) InsertDelegation(ctx context.Context, companyID uuid.UUID, in services.DelegationInsert) (uuid.UUID, time.Time, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return uuid.Nil, time.Time{}, err
	}
	var id uuid.UUID
	var createdAt time.Time
	err = tx.QueryRow(ctx, insertDelegationSQL,
		companyID, in.Scope, in.ScopeID, in.DelegateUserID, in.ValidFrom, in.ValidTo,
	).Scan(&id, &createdAt)
	return id, createdAt, err
}

func scanDelegation(scan func(dest ...any) error) (services.DelegationRow, error) {
	var row services.DelegationRow
	err := scan(
		&row.ID, &row.Scope, &row.ScopeID, &row.DelegateUserID,
		&row.ValidFrom, &row.ValidTo, &row.RevokedAt, &row.CreatedAt, &row.Version,
	)
	return row, err
}

func (r *PgDelegationRepository) GetDelegation(ctx context.Context, companyID, id uuid.UUID) (services.DelegationRow, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return services.DelegationRow{}, err
	}
	return scanDelegation(tx.QueryRow(ctx, selectDelegationSQL, companyID, id).Scan)
}

func (r *PgDelegationRepository) ListDelegations(ctx context.Context, companyID uuid.UUID, asOf time.Time) ([]services.DelegationRow, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, listDelegationsSQL, companyID, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []services.DelegationRow
	for rows.Next() {
		row, err := scanDelegation(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *PgDelegationRepository) RevokeDelegation(ctx context.Context, companyID, id uuid.UUID, at time.Time, version int64) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, revokeDelegationSQL, companyID, id, at, version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return services.ErrVersionConflict
	}
	return nil
}
