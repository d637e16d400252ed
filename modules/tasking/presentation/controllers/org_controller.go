package controllers

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/fieldline/taskflow/modules/tasking/services"
)

type OrgController struct {
	org *services.OrgService
}

func NewOrgController(org *services.OrgService) *OrgController {
	return &OrgController{org: org}
}

func (c *OrgController) Key() string {
	return "/org"
}

func (c *OrgController) Register(r *mux.Router) {
	sub := r.PathPrefix("/org").Subrouter()
	sub.HandleFunc("/departments", c.createDepartment).Methods(http.MethodPost)
	sub.HandleFunc("/departments", c.listDepartments).Methods(http.MethodGet)
	sub.HandleFunc("/departments/{id}/archive", c.archiveDepartment).Methods(http.MethodPost)
	sub.HandleFunc("/positions", c.createPosition).Methods(http.MethodPost)
	sub.HandleFunc("/positions", c.listPositions).Methods(http.MethodGet)
	sub.HandleFunc("/positions/{id}/archive", c.archivePosition).Methods(http.MethodPost)
	sub.HandleFunc("/position-assignments", c.createPositionAssignment).Methods(http.MethodPost)
	sub.HandleFunc("/position-assignments/{id}/close", c.closePositionAssignment).Methods(http.MethodPost)
}

type createDepartmentRequest struct {
	Name     string     `json:"name" validate:"required"`
	ParentID *uuid.UUID `json:"parent_id"`
}

func (c *OrgController) createDepartment(w http.ResponseWriter, r *http.Request) {
	companyID, err := useCompanyID(r)
	if err != nil {
		writeValidationError(w, err)
		return
	}
	var req createDepartmentRequest
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(w, err)
		return
	}

	row, err := c.org.CreateDepartment(r.Context(), companyID, services.DepartmentInsert{
		Name:     req.Name,
		ParentID: req.ParentID,
	}, useActor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, row)
}

func (c *OrgController) listDepartments(w http.ResponseWriter, r *http.Request) {
	companyID, err := useCompanyID(r)
	if err != nil {
		writeValidationError(w, err)
		return
	}
	rows, err := c.org.ListDepartments(r.Context(), companyID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (c *OrgController) archiveDepartment(w http.ResponseWriter, r *http.Request) {
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
	if err := c.org.ArchiveDepartment(r.Context(), companyID, id, useActor(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createPositionRequest struct {
	DepartmentID            uuid.UUID `json:"department_id" validate:"required"`
	Title                   string    `json:"title" validate:"required"`
	AllowsMultipleOccupants bool      `json:"allows_multiple_occupants"`
}

func (c *OrgController) createPosition(w http.ResponseWriter, r *http.Request) {
	companyID, err := useCompanyID(r)
	if err != nil {
		writeValidationError(w, err)
		return
	}
	var req createPositionRequest
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(w, err)
		return
	}

	row, err := c.org.CreatePosition(r.Context(), companyID, services.PositionInsert{
		DepartmentID:            req.DepartmentID,
		Title:                   req.Title,
		AllowsMultipleOccupants: req.AllowsMultipleOccupants,
	}, useActor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, row)
}

func (c *OrgController) listPositions(w http.ResponseWriter, r *http.Request) {
	companyID, err := useCompanyID(r)
	if err != nil {
		writeValidationError(w, err)
		return
	}
	rows, err := c.org.ListPositions(r.Context(), companyID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (c *OrgController) archivePosition(w http.ResponseWriter, r *http.Request) {
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
	if err := c.org.ArchivePosition(r.Context(), companyID, id, useActor(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createPositionAssignmentRequest struct {
	PositionID uuid.UUID  `json:"position_id" validate:"required"`
	UserID     uuid.UUID  `json:"user_id" validate:"required"`
	ValidFrom  time.Time  `json:"valid_from"`
	ValidTo    *time.Time `json:"valid_to"`
}

func (c *OrgController) createPositionAssignment(w http.ResponseWriter, r *http.Request) {
	companyID, err := useCompanyID(r)
	if err != nil {
		writeValidationError(w, err)
		return
	}
	var req createPositionAssignmentRequest
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(w, err)
		return
	}

	row, err := c.org.CreatePositionAssignment(r.Context(), companyID, services.PositionAssignmentInsert{
		PositionID: req.PositionID,
		UserID:     req.UserID,
		ValidFrom:  req.ValidFrom,
		ValidTo:    req.ValidTo,
	}, useActor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, row)
}

type closePositionAssignmentRequest struct {
	ValidTo time.Time `json:"valid_to"`
}

func (c *OrgController) closePositionAssignment(w http.ResponseWriter, r *http.Request) {
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
	var req closePositionAssignmentRequest
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(w, err)
		return
	}
	if err := c.org.ClosePositionAssignment(r.Context(), companyID, id, req.ValidTo, useActor(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
