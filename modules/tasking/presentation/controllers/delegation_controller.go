package controllers

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/fieldline/taskflow/modules/tasking/services"
)

type DelegationController struct {
	delegations *services.DelegationService
}

func NewDelegationController(delegations *services.DelegationService) *DelegationController {
	return &DelegationController{delegations: delegations}
}

func (c *DelegationController) Key() string {
	return "/delegations"
}

func (c *DelegationController) Register(r *mux.Router) {
	sub := r.PathPrefix("/delegations").Subrouter()
	sub.HandleFunc("", c.create).Methods(http.MethodPost)
	sub.HandleFunc("/{id}/revoke", c.revoke).Methods(http.MethodPost)

	r.HandleFunc("/tasks/{id}/assignee", c.resolveAssignee).Methods(http.MethodGet)
}

type createDelegationRequest struct {
	Scope          string     `json:"scope" validate:"required,oneof=position task_assignment"`
	ScopeID        uuid.UUID  `json:"scope_id" validate:"required"`
	DelegateUserID uuid.UUID  `json:"delegate_user_id" validate:"required"`
	ValidFrom      time.Time  `json:"valid_from" validate:"required"`
	ValidTo        *time.Time `json:"valid_to"`
}

func (c *DelegationController) create(w http.ResponseWriter, r *http.Request) {
	companyID, err := useCompanyID(r)
	if err != nil {
		writeValidationError(w, err)
		return
	}
	var req createDelegationRequest
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(w, err)
		return
	}

	actor := useActor(r)
	row, err := c.delegations.CreateDelegation(r.Context(), companyID, services.CreateDelegationParams{
		Scope:          req.Scope,
		ScopeID:        req.ScopeID,
		DelegateUserID: req.DelegateUserID,
		ValidFrom:      req.ValidFrom,
		ValidTo:        req.ValidTo,
		ActorID:        actor.ActorID,
		RequestID:      actor.RequestID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, row)
}

func (c *DelegationController) revoke(w http.ResponseWriter, r *http.Request) {
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

	actor := useActor(r)
	row, err := c.delegations.RevokeDelegation(r.Context(), companyID, id, services.RevokeDelegationParams{
		ActorID:   actor.ActorID,
		RequestID: actor.RequestID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

type resolutionResponse struct {
	TaskID       uuid.UUID  `json:"task_id"`
	AsOf         time.Time  `json:"as_of"`
	Unresolved   bool       `json:"unresolved"`
	UserID       *uuid.UUID `json:"user_id,omitempty"`
	Source       string     `json:"source,omitempty"`
	DelegationID *uuid.UUID `json:"delegation_id,omitempty"`
}

func (c *DelegationController) resolveAssignee(w http.ResponseWriter, r *http.Request) {
	companyID, err := useCompanyID(r)
	if err != nil {
		writeValidationError(w, err)
		return
	}
	taskID, err := pathUUID(r, "id")
	if err != nil {
		writeValidationError(w, err)
		return
	}
	asOf, err := queryTime(r, "as_of")
	if err != nil {
		writeValidationError(w, err)
		return
	}
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}

	res, err := c.delegations.ResolveAssignee(r.Context(), companyID, taskID, asOf)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := resolutionResponse{TaskID: taskID, AsOf: asOf, Unresolved: res.Unresolved}
	if !res.Unresolved {
		u := res.UserID
		resp.UserID = &u
		resp.Source = res.Source
		resp.DelegationID = res.DelegationID
	}
	writeJSON(w, http.StatusOK, resp)
}
