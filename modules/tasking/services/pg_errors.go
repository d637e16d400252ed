package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func mapPgError(err error) error {
	if err == nil {
		return nil
	}

	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return err
	}

	if errors.Is(err, ErrVersionConflict) {
		return newServiceError(http.StatusConflict, "TASK_VERSION_CONFLICT", "optimistic version conflict", err)
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return newServiceError(http.StatusNotFound, "TASK_NOT_FOUND", "not found", err)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return newServiceError(http.StatusServiceUnavailable, "TASK_STORE_UNAVAILABLE", "store request cancelled", err)
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		if pgconn.SafeToRetry(err) {
			return newServiceError(http.StatusServiceUnavailable, "TASK_STORE_UNAVAILABLE", "store unavailable", err)
		}
		return err
	}

	switch pgErr.Code {
	case "23505": // unique_violation
		switch pgErr.ConstraintName {
		case "task_assignments_instance_key":
			return newServiceError(http.StatusConflict, "TASK_DUPLICATE_INSTANCE", "task instance already exists", err)
		case "position_assignments_exclusive_open":
			return newServiceError(http.StatusConflict, "TASK_OVERLAP", "position already has an open occupancy", err)
		default:
			return newServiceError(http.StatusConflict, "TASK_CONFLICT", "unique constraint violated", err)
		}
	case "23P01": // exclusion_violation
		return newServiceError(http.StatusConflict, "TASK_OVERLAP", "time window overlap", err)
	case "23503": // foreign_key_violation
		return newServiceError(http.StatusUnprocessableEntity, "TASK_REFERENCE_NOT_FOUND", "referenced entity not found", err)
	case "23514": // check_violation
		return newServiceError(http.StatusBadRequest, "TASK_INVALID_BODY", "constraint check failed", err)
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return newServiceError(http.StatusConflict, "TASK_VERSION_CONFLICT", "transaction serialization conflict", err)
	case "57P01", "57P02", "57P03", "08000", "08003", "08006": // shutdown / connection failures
		return newServiceError(http.StatusServiceUnavailable, "TASK_STORE_UNAVAILABLE", "store unavailable", err)
	default:
		return newServiceError(http.StatusInternalServerError, "TASK_INTERNAL", fmt.Sprintf("database error (%s)", pgErr.Code), err)
	}
}

// retryable reports whether err is worth another attempt under bounded
// backoff: optimistic conflicts and transient store failures only.
func retryable(err error) bool {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Code == "TASK_VERSION_CONFLICT" || svcErr.Code == "TASK_STORE_UNAVAILABLE"
	}
	return errors.Is(err, ErrVersionConflict)
}
