package controllers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fieldline/taskflow/modules/tasking/services"
)

type TaskController struct {
	tasks *services.TaskService
}

func NewTaskController(tasks *services.TaskService) *TaskController {
	return &TaskController{tasks: tasks}
}

func (c *TaskController) Key() string {
	return "/tasks"
}

func (c *TaskController) Register(r *mux.Router) {
	sub := r.PathPrefix("/tasks").Subrouter()
	sub.HandleFunc("", c.listOpen).Methods(http.MethodGet)
	sub.HandleFunc("/{id}", c.get).Methods(http.MethodGet)
	sub.HandleFunc("/{id}/status", c.advanceStatus).Methods(http.MethodPost)
}

func (c *TaskController) listOpen(w http.ResponseWriter, r *http.Request) {
	companyID, err := useCompanyID(r)
	if err != nil {
		writeValidationError(w, err)
		return
	}
	rows, err := c.tasks.ListOpenTasks(r.Context(), companyID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (c *TaskController) get(w http.ResponseWriter, r *http.Request) {
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
	row, err := c.tasks.GetTask(r.Context(), companyID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

type advanceStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=in_progress completed"`
}

func (c *TaskController) advanceStatus(w http.ResponseWriter, r *http.Request) {
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
	var req advanceStatusRequest
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(w, err)
		return
	}

	row, err := c.tasks.AdvanceStatus(r.Context(), companyID, id, req.Status, useActor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}
