package services

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fieldline/taskflow/modules/tasking/domain/events"
	"github.com/fieldline/taskflow/modules/tasking/domain/recurrence"
	"github.com/fieldline/taskflow/pkg/eventbus"
)

type TemplateDeps struct {
	Templates TemplateRepository
	Org       OrgStructureRepository
	Audit     AuditRepository
	InTx      TxRunner
	Bus       eventbus.EventBus
	Log       *logrus.Logger
}

// TemplateService maintains the task template registry.
type TemplateService struct {
	deps TemplateDeps
}

func NewTemplateService(deps TemplateDeps) *TemplateService {
	if deps.Log == nil {
		deps.Log = logrus.New()
	}
	return &TemplateService{deps: deps}
}

func (s *TemplateService) announce(companyID, id uuid.UUID, at time.Time) {
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Publish(events.StructureChangedV1{
		CompanyID:  companyID,
		EntityType: "task_template",
		EntityID:   id,
		OccurredAt: at,
	})
}

func validateTemplateBody(in TemplateInsert, selfID uuid.UUID) error {
	if strings.TrimSpace(in.Name) == "" {
		return newServiceError(http.StatusBadRequest, "TASK_INVALID_BODY", "template name is required", nil)
	}

	hasPosition := in.AppliesToPositionID != nil && *in.AppliesToPositionID != uuid.Nil
	hasPredicate := in.RolePredicate != nil && strings.TrimSpace(*in.RolePredicate) != ""
	if hasPosition == hasPredicate {
		return newServiceError(http.StatusBadRequest, "TASK_INVALID_BODY", "exactly one of applies_to_position_id and role_predicate is required", nil)
	}

	if in.RecurrenceRule != nil {
		if _, err := recurrence.Parse(*in.RecurrenceRule); err != nil {
			return newServiceError(http.StatusBadRequest, "TASK_INVALID_BODY", fmt.Sprintf("invalid recurrence rule: %v", err), err)
		}
		if in.RecurrenceAnchor == nil {
			return newServiceError(http.StatusBadRequest, "TASK_INVALID_BODY", "recurrence_anchor is required with a recurrence rule", nil)
		}
	} else if in.RecurrenceAnchor != nil {
		return newServiceError(http.StatusBadRequest, "TASK_INVALID_BODY", "recurrence_anchor without a recurrence rule", nil)
	}

	seen := make(map[uuid.UUID]bool, len(in.DependsOnTemplateIDs))
	for _, dep := range in.DependsOnTemplateIDs {
		if dep == uuid.Nil {
			return newServiceError(http.StatusBadRequest, "TASK_INVALID_BODY", "dependency id must not be nil", nil)
		}
		if dep == selfID {
			return newServiceError(http.StatusBadRequest, "TASK_INVALID_BODY", "template cannot depend on itself", nil)
		}
		if seen[dep] {
			return newServiceError(http.StatusBadRequest, "TASK_INVALID_BODY", "duplicate dependency id", nil)
		}
		seen[dep] = true
	}
	return nil
}

// checkReferences verifies the position binding and every dependency exist.
// Runs inside the caller's transaction.
func (s *TemplateService) checkReferences(txCtx context.Context, companyID uuid.UUID, in TemplateInsert) error {
	if in.AppliesToPositionID != nil && *in.AppliesToPositionID != uuid.Nil {
		pos, err := s.deps.Org.GetPosition(txCtx, companyID, *in.AppliesToPositionID)
		if err != nil {
			return err
		}
		if pos.ArchivedAt != nil {
			return newServiceError(http.StatusUnprocessableEntity, "TASK_REFERENCE_NOT_FOUND", "position is archived", nil)
		}
	}
	for _, dep := range in.DependsOnTemplateIDs {
		if _, err := s.deps.Templates.GetTemplate(txCtx, companyID, dep); err != nil {
			return err
		}
	}
	return nil
}

func (s *TemplateService) CreateTemplate(ctx context.Context, companyID uuid.UUID, in TemplateInsert, actor ActorParams) (TemplateRow, error) {
	if err := validateTemplateBody(in, uuid.Nil); err != nil {
		return TemplateRow{}, err
	}
	if in.RecurrenceAnchor != nil {
		t := in.RecurrenceAnchor.UTC()
		in.RecurrenceAnchor = &t
	}
	now := time.Now().UTC()

	var row TemplateRow
	err := s.deps.InTx(ctx, func(txCtx context.Context) error {
		if err := s.checkReferences(txCtx, companyID, in); err != nil {
			return err
		}

		id, err := s.deps.Templates.InsertTemplate(txCtx, companyID, in)
		if err != nil {
			return err
		}
		row = TemplateRow{
			ID:                   id,
			Name:                 in.Name,
			AppliesToPositionID:  in.AppliesToPositionID,
			RolePredicate:        in.RolePredicate,
			RecurrenceRule:       in.RecurrenceRule,
			RecurrenceAnchor:     in.RecurrenceAnchor,
			RequiredFields:       in.RequiredFields,
			DependsOnTemplateIDs: in.DependsOnTemplateIDs,
			Active:               in.Active,
			Version:              1,
		}

		_, err = s.deps.Audit.InsertAuditLog(txCtx, companyID, AuditLogInsert{
			RequestID:  actor.RequestID,
			ActorID:    actor.ActorID,
			EntityType: "task_template",
			EntityID:   id,
			Action:     AuditActionCreate,
			OccurredAt: now,
			NewValues:  templateAuditPayload(row),
		})
		return err
	})
	if err != nil {
		return TemplateRow{}, mapPgError(err)
	}

	s.announce(companyID, row.ID, now)
	return row, nil
}

func (s *TemplateService) UpdateTemplate(ctx context.Context, companyID, id uuid.UUID, in TemplateInsert, actor ActorParams) (TemplateRow, error) {
	if err := validateTemplateBody(in, id); err != nil {
		return TemplateRow{}, err
	}
	if in.RecurrenceAnchor != nil {
		t := in.RecurrenceAnchor.UTC()
		in.RecurrenceAnchor = &t
	}
	now := time.Now().UTC()

	var row TemplateRow
	err := s.deps.InTx(ctx, func(txCtx context.Context) error {
		fresh, err := s.deps.Templates.GetTemplate(txCtx, companyID, id)
		if err != nil {
			return err
		}
		if err := s.checkReferences(txCtx, companyID, in); err != nil {
			return err
		}

		if err := s.deps.Templates.UpdateTemplate(txCtx, companyID, id, in, fresh.Version); err != nil {
			return err
		}

		row = TemplateRow{
			ID:                   id,
			Name:                 in.Name,
			AppliesToPositionID:  in.AppliesToPositionID,
			RolePredicate:        in.RolePredicate,
			RecurrenceRule:       in.RecurrenceRule,
			RecurrenceAnchor:     in.RecurrenceAnchor,
			RequiredFields:       in.RequiredFields,
			DependsOnTemplateIDs: in.DependsOnTemplateIDs,
			Active:               in.Active,
			Version:              fresh.Version + 1,
		}

		_, err = s.deps.Audit.InsertAuditLog(txCtx, companyID, AuditLogInsert{
			RequestID:  actor.RequestID,
			ActorID:    actor.ActorID,
			EntityType: "task_template",
			EntityID:   id,
			Action:     AuditActionUpdate,
			OccurredAt: now,
			OldValues:  templateAuditPayload(fresh),
			NewValues:  templateAuditPayload(row),
		})
		return err
	})
	if err != nil {
		return TemplateRow{}, mapPgError(err)
	}

	s.announce(companyID, id, now)
	return row, nil
}

// SetTemplateActive toggles a template. Deactivation retires nothing by
// itself; the next reconciliation pass retires the instances.
func (s *TemplateService) SetTemplateActive(ctx context.Context, companyID, id uuid.UUID, active bool, actor ActorParams) error {
	now := time.Now().UTC()

	var changed bool
	err := s.deps.InTx(ctx, func(txCtx context.Context) error {
		changed = false
		fresh, err := s.deps.Templates.GetTemplate(txCtx, companyID, id)
		if err != nil {
			return err
		}
		if fresh.Active == active {
			return nil
		}

		if err := s.deps.Templates.SetTemplateActive(txCtx, companyID, id, active, fresh.Version); err != nil {
			return err
		}
		changed = true

		after := fresh
		after.Active = active
		after.Version++

		_, err = s.deps.Audit.InsertAuditLog(txCtx, companyID, AuditLogInsert{
			RequestID:  actor.RequestID,
			ActorID:    actor.ActorID,
			EntityType: "task_template",
			EntityID:   id,
			Action:     AuditActionUpdate,
			OccurredAt: now,
			OldValues:  templateAuditPayload(fresh),
			NewValues:  templateAuditPayload(after),
		})
		return err
	})
	if err != nil {
		return mapPgError(err)
	}

	if changed {
		s.announce(companyID, id, now)
	}
	return nil
}

func (s *TemplateService) GetTemplate(ctx context.Context, companyID, id uuid.UUID) (TemplateRow, error) {
	var row TemplateRow
	err := s.deps.InTx(ctx, func(txCtx context.Context) error {
		var err error
		row, err = s.deps.Templates.GetTemplate(txCtx, companyID, id)
		return err
	})
	if err != nil {
		return TemplateRow{}, mapPgError(err)
	}
	return row, nil
}

func (s *TemplateService) ListActiveTemplates(ctx context.Context, companyID uuid.UUID) ([]TemplateRow, error) {
	var rows []TemplateRow
	err := s.deps.InTx(ctx, func(txCtx context.Context) error {
		var err error
		rows, err = s.deps.Templates.ListActiveTemplates(txCtx, companyID)
		return err
	})
	if err != nil {
		return nil, mapPgError(err)
	}
	return rows, nil
}

func templateAuditPayload(t TemplateRow) map[string]any {
	payload := map[string]any{
		"id":     t.ID,
		"name":   t.Name,
		"active": t.Active,
	}
	if t.AppliesToPositionID != nil {
		payload["applies_to_position_id"] = *t.AppliesToPositionID
	}
	if t.RolePredicate != nil {
		payload["role_predicate"] = *t.RolePredicate
	}
	if t.RecurrenceRule != nil {
		payload["recurrence_rule"] = *t.RecurrenceRule
	}
	if t.RecurrenceAnchor != nil {
		payload["recurrence_anchor"] = t.RecurrenceAnchor.UTC()
	}
	if len(t.RequiredFields) > 0 {
		payload["required_fields"] = t.RequiredFields
	}
	if len(t.DependsOnTemplateIDs) > 0 {
		payload["depends_on_template_ids"] = t.DependsOnTemplateIDs
	}
	return payload
}
