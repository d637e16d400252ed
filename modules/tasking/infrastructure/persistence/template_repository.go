package persistence

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/fieldline/taskflow/modules/tasking/services"
	"github.com/fieldline/taskflow/pkg/composables"
)

type PgTemplateRepository struct{}

func NewPgTemplateRepository() *PgTemplateRepository {
	return &PgTemplateRepository{}
}

const (
	insertTemplateSQL = `
		INSERT INTO task_templates (
			company_id, name, applies_to_position_id, role_predicate,
			recurrence_rule, recurrence_anchor, required_fields,
			depends_on_template_ids, active
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	selectTemplateSQL = `
		SELECT id, name, applies_to_position_id, role_predicate,
		       recurrence_rule, recurrence_anchor, required_fields,
		       depends_on_template_ids, active, version
		FROM task_templates
		WHERE company_id = $1 AND id = $2`

	listActiveTemplatesSQL = `
		SELECT id, name, applies_to_position_id, role_predicate,
		       recurrence_rule, recurrence_anchor, required_fields,
		       depends_on_template_ids, active, version
		FROM task_templates
		WHERE company_id = $1 AND active
		ORDER BY name, id`

	updateTemplateSQL = `
		UPDATE task_templates
		SET name = $3, applies_to_position_id = $4, role_predicate = $5,
		    recurrence_rule = $6, recurrence_anchor = $7, required_fields = $8,
		    depends_on_template_ids = $9, active = $10,
		    version = version + 1, updated_at = now()
		WHERE company_id = $1 AND id = $2 AND version = $11`

	setTemplateActiveSQL = `
		UPDATE task_templates
		SET active = $3, version = version + 1, updated_at = now()
		WHERE company_id = $1 AND id = $2 AND version = $4`
)

func requiredFieldsJSON(fields []string) ([]byte, error) {
	if fields == nil {
		fields = []string{}
	}
	return json.Marshal(fields)
}

func dependencyIDs(ids []uuid.UUID) []uuid.UUID {
	if ids == nil {
		return []uuid.UUID{}
	}
	return ids
}

func (r *PgTemplateRepository) InsertTemplate(ctx context.Context, companyID uuid.UUID, in services.TemplateInsert) (uuid.UUID, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	fields, err := requiredFieldsJSON(in.RequiredFields)
	if err != nil {
		return uuid.Nil, err
	}
	var id uuid.UUID
	err = tx.QueryRow(ctx, insertTemplateSQL,
		companyID, in.Name, in.AppliesToPositionID, in.RolePredicate,
		in.RecurrenceRule, in.RecurrenceAnchor, fields,
		dependencyIDs(in.DependsOnTemplateIDs), in.Active,
	).Scan(&id)
	return id, err
}

func scanTemplate(scan func(dest ...any) error) (services.TemplateRow, error) {
	var row services.TemplateRow
	var fields []byte
	err := scan(
		&row.ID, &row.Name, &row.AppliesToPositionID, &row.RolePredicate,
		&row.RecurrenceRule, &row.RecurrenceAnchor, &fields,
		&row.DependsOnTemplateIDs, &row.Active, &row.Version,
	)
	if err != nil {
		return services.TemplateRow{}, err
	}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &row.RequiredFields); err != nil {
			return services.TemplateRow{}, err
		}
	}
	return row, nil
}

func (r *PgTemplateRepository) GetTemplate(ctx context.Context, companyID, id uuid.UUID) (services.TemplateRow, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return services.TemplateRow{}, err
	}
	return scanTemplate(tx.QueryRow(ctx, selectTemplateSQL, companyID, id).Scan)
}

func (r *PgTemplateRepository) ListActiveTemplates(ctx context.Context, companyID uuid.UUID) ([]services.TemplateRow, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, listActiveTemplatesSQL, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []services.TemplateRow
	for rows.Next() {
		row, err := scanTemplate(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *PgTemplateRepository) UpdateTemplate(ctx context.Context, companyID, id uuid.UUID, in services.TemplateInsert, version int64) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	fields, err := requiredFieldsJSON(in.RequiredFields)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, updateTemplateSQL,
		companyID, id, in.Name, in.AppliesToPositionID, in.RolePredicate,
		in.RecurrenceRule, in.RecurrenceAnchor, fields,
		dependencyIDs(in.DependsOnTemplateIDs), in.Active, version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return services.ErrVersionConflict
	}
	return nil
}

func (r *PgTemplateRepository) SetTemplateActive(ctx context.Context, companyID, id uuid.UUID, active bool, version int64) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, setTemplateActiveSQL, companyID, id, active, version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return services.ErrVersionConflict
	}
	return nil
}
