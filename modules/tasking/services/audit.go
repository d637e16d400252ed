package services

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Audit actions.
const (
	AuditActionCreate       = "create"
	AuditActionUpdate       = "update"
	AuditActionArchive      = "archive"
	AuditActionClose        = "close"
	AuditActionStatusChange = "status_change"
	AuditActionRetire       = "retire"
	AuditActionExpire       = "expire"
	AuditActionReassign     = "reassign"
	AuditActionRevoke       = "revoke"
)

// AuditLogInsert is written in the same transaction as the mutation it
// records. The mutation fails if the audit write cannot be included.
type AuditLogInsert struct {
	RequestID  string
	ActorID    uuid.UUID
	EntityType string
	EntityID   uuid.UUID
	Action     string
	OccurredAt time.Time
	OldValues  any
	NewValues  any
}

func (a AuditLogInsert) Validate() error {
	if a.EntityType == "" {
		return fmt.Errorf("audit log: entity_type is required")
	}
	if a.EntityID == uuid.Nil {
		return fmt.Errorf("audit log: entity_id is required")
	}
	if a.Action == "" {
		return fmt.Errorf("audit log: action is required")
	}
	if a.OccurredAt.IsZero() {
		return fmt.Errorf("audit log: occurred_at is required")
	}
	return nil
}

// MarshalOldValues returns the JSON body and whether one is present; creates
// have no prior state.
func (a AuditLogInsert) MarshalOldValues() (string, bool, error) {
	if a.OldValues == nil {
		return "", false, nil
	}
	b, err := json.Marshal(a.OldValues)
	if err != nil {
		return "", false, err
	}
	return string(b), true, nil
}

func (a AuditLogInsert) MarshalNewValues() (string, error) {
	if a.NewValues == nil {
		return "{}", nil
	}
	b, err := json.Marshal(a.NewValues)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type AuditLogRow struct {
	ID         uuid.UUID
	RequestID  string
	EntityType string
	EntityID   uuid.UUID
	Action     string
	ActorID    uuid.UUID
	OccurredAt time.Time
	OldValues  json.RawMessage
	NewValues  json.RawMessage
}

type AuditFilter struct {
	EntityType string
	EntityID   uuid.UUID
	Limit      int
	Offset     int
}
