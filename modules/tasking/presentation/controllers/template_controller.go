package controllers

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/fieldline/taskflow/modules/tasking/services"
)

type TemplateController struct {
	templates *services.TemplateService
}

func NewTemplateController(templates *services.TemplateService) *TemplateController {
	return &TemplateController{templates: templates}
}

func (c *TemplateController) Key() string {
	return "/templates"
}

func (c *TemplateController) Register(r *mux.Router) {
	sub := r.PathPrefix("/templates").Subrouter()
	sub.HandleFunc("", c.create).Methods(http.MethodPost)
	sub.HandleFunc("", c.list).Methods(http.MethodGet)
	sub.HandleFunc("/{id}", c.get).Methods(http.MethodGet)
	sub.HandleFunc("/{id}", c.update).Methods(http.MethodPut)
	sub.HandleFunc("/{id}/active", c.setActive).Methods(http.MethodPost)
}

type templateRequest struct {
	Name                 string      `json:"name" validate:"required"`
	AppliesToPositionID  *uuid.UUID  `json:"applies_to_position_id"`
	RolePredicate        *string     `json:"role_predicate"`
	RecurrenceRule       *string     `json:"recurrence_rule"`
	RecurrenceAnchor     *time.Time  `json:"recurrence_anchor"`
	RequiredFields       []string    `json:"required_fields"`
	DependsOnTemplateIDs []uuid.UUID `json:"depends_on_template_ids"`
	Active               bool        `json:"active"`
}

func (req templateRequest) insert() services.TemplateInsert {
	return services.TemplateInsert{
		Name:                 req.Name,
		AppliesToPositionID:  req.AppliesToPositionID,
		RolePredicate:        req.RolePredicate,
		RecurrenceRule:       req.RecurrenceRule,
		RecurrenceAnchor:     req.RecurrenceAnchor,
		RequiredFields:       req.RequiredFields,
		DependsOnTemplateIDs: req.DependsOnTemplateIDs,
		Active:               req.Active,
	}
}

func (c *TemplateController) create(w http.ResponseWriter, r *http.Request) {
	companyID, err := useCompanyID(r)
	if err != nil {
		writeValidationError(w, err)
		return
	}
	var req templateRequest
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(w, err)
		return
	}

	row, err := c.templates.CreateTemplate(r.Context(), companyID, req.insert(), useActor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, row)
}

func (c *TemplateController) list(w http.ResponseWriter, r *http.Request) {
	companyID, err := useCompanyID(r)
	if err != nil {
		writeValidationError(w, err)
		return
	}
	rows, err := c.templates.ListActiveTemplates(r.Context(), companyID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (c *TemplateController) get(w http.ResponseWriter, r *http.Request) {
	companyID, err := useCompanyID(r)
	if err != nil {
		writeValidationError(w, err)
		return
	}
	id, err := pathUUID(r, "id")
	if err != nil {
		writeValidationError(w, err)
		return
	}
	row, err := c.templates.GetTemplate(r.Context(), companyID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (c *TemplateController) update(w http.ResponseWriter, r *http.Request) {
	companyID, err := useCompanyID(r)
	if err != nil {
		writeValidationError(w, err)
		return
	}
	id, err := pathUUID(r, "id")
	if err != nil {
		writeValidationError(w, err)
		return
	}
	var req templateRequest
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(w, err)
		return
	}

	row, err := c.templates.UpdateTemplate(r.Context(), companyID, id, req.insert(), useActor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

type setActiveRequest struct {
	Active bool `json:"active"`
}

func (c *TemplateController) setActive(w http.ResponseWriter, r *http.Request) {
	companyID, err := useCompanyID(r)
	if err != nil {
		writeValidationError(w, err)
		return
	}
	id, err := pathUUID(r, "id")
	if err != nil {
		writeValidationError(w, err)
		return
	}
	var req setActiveRequest
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(w, err)
		return
	}
	if err := c.templates.SetTemplateActive(r.Context(), companyID, id, req.Active, useActor(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
