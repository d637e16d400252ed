package controllers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/fieldline/taskflow/modules/tasking/services"
	"github.com/fieldline/taskflow/pkg/httpapi"
	"github.com/fieldline/taskflow/pkg/middleware"
)

// Controller is one mounted route group.
type Controller interface {
	Key() string
	Register(r *mux.Router)
}

const companyHeader = "X-Company-ID"
const actorHeader = "X-Actor-ID"

var validate = validator.New(validator.WithRequiredStructEnabled())

func writeJSON(w http.ResponseWriter, status int, body any) {
	_ = httpapi.WriteJSON(w, status, body)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var svcErr *services.ServiceError
	if errors.As(err, &svcErr) {
		middleware.UseLogger(r.Context()).WithError(err).Warn("request failed")
		_ = httpapi.WriteError(w, svcErr.Status, svcErr.Code, svcErr.Message, nil)
		return
	}
	middleware.UseLogger(r.Context()).WithError(err).Error("request failed")
	_ = httpapi.WriteError(w, http.StatusInternalServerError, "TASK_INTERNAL", "internal error", nil)
}

func writeValidationError(w http.ResponseWriter, err error) {
	_ = httpapi.WriteError(w, http.StatusBadRequest, "TASK_INVALID_BODY", err.Error(), nil)
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return validate.Struct(dst)
}

// useCompanyID reads the tenant from the X-Company-ID header.
func useCompanyID(r *http.Request) (uuid.UUID, error) {
	raw := r.Header.Get(companyHeader)
	if raw == "" {
		return uuid.Nil, errors.New("X-Company-ID header is required")
	}
	return uuid.Parse(raw)
}

func useActor(r *http.Request) services.ActorParams {
	actor := services.ActorParams{RequestID: middleware.UseRequestID(r.Context())}
	if raw := r.Header.Get(actorHeader); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			actor.ActorID = id
		}
	}
	return actor
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	return uuid.Parse(mux.Vars(r)[name])
}

// queryTime parses an optional RFC 3339 query parameter; zero when absent.
func queryTime(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
