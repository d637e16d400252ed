package controllers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fieldline/taskflow/modules/tasking/services"
)

// EngineController exposes on-demand reconciliation. The scheduler covers the
// steady state; this endpoint serves operators and tests.
type EngineController struct {
	engine services.Reconciler
}

func NewEngineController(engine services.Reconciler) *EngineController {
	return &EngineController{engine: engine}
}

func (c *EngineController) Key() string {
	return "/reconcile"
}

func (c *EngineController) Register(r *mux.Router) {
	r.HandleFunc("/reconcile", c.reconcile).Methods(http.MethodPost)
}

func (c *EngineController) reconcile(w http.ResponseWriter, r *http.Request) {
	companyID, err := useCompanyID(r)
	if err != nil {
		writeValidationError(w, err)
		return
	}
	asOf, err := queryTime(r, "as_of")
	if err != nil {
		writeValidationError(w, err)
		return
	}

	actor := useActor(r)
	result, err := c.engine.Reconcile(r.Context(), companyID, services.ReconcileParams{
		AsOf:      asOf,
		ActorID:   actor.ActorID,
		RequestID: actor.RequestID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
