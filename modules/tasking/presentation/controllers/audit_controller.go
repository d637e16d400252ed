package controllers

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/fieldline/taskflow/modules/tasking/services"
)

type AuditController struct {
	audit *services.AuditService
}

func NewAuditController(audit *services.AuditService) *AuditController {
	return &AuditController{audit: audit}
}

func (c *AuditController) Key() string {
	return "/audit"
}

func (c *AuditController) Register(r *mux.Router) {
	sub := r.PathPrefix("/audit").Subrouter()
	sub.HandleFunc("", c.list).Methods(http.MethodGet)
	sub.HandleFunc("/{id}", c.get).Methods(http.MethodGet)
	sub.HandleFunc("/{id}/diff", c.diff).Methods(http.MethodGet)
}

func (c *AuditController) list(w http.ResponseWriter, r *http.Request) {
	companyID, err := useCompanyID(r)
	if err != nil {
		writeValidationError(w, err)
		return
	}

	filter := services.AuditFilter{EntityType: r.URL.Query().Get("entity_type")}
	if raw := r.URL.Query().Get("entity_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeValidationError(w, err)
			return
		}
		filter.EntityID = id
	}
	filter.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	filter.Offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))

	rows, err := c.audit.List(r.Context(), companyID, filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (c *AuditController) get(w http.ResponseWriter, r *http.Request) {
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
	row, err := c.audit.Get(r.Context(), companyID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (c *AuditController) diff(w http.ResponseWriter, r *http.Request) {
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
	patch, err := c.audit.Diff(r.Context(), companyID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, patch)
}
