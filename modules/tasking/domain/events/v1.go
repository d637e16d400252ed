package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// TopicTaskAssignmentChangedV1 carries created/retired/expired/reassigned
	// changes for the notification dispatcher.
	TopicTaskAssignmentChangedV1 = "task.assignment.changed.v1"
	// TopicAssigneeUnresolvedV1 surfaces organizational gaps: an open task
	// assignment with no occupant and no covering delegation.
	TopicAssigneeUnresolvedV1 = "task.assignee.unresolved.v1"

	EventVersionV1 = 1
)

const (
	ChangeTaskCreated    = "task_assignment.created"
	ChangeTaskRetired    = "task_assignment.retired"
	ChangeTaskExpired    = "task_assignment.expired"
	ChangeTaskReassigned = "task_assignment.reassigned"
	ChangeUnresolved     = "task_assignment.assignee_unresolved"
)

// TaskEventV1 is the outbox payload delivered to the notification dispatcher.
type TaskEventV1 struct {
	EventID      uuid.UUID  `json:"event_id"`
	EventVersion int        `json:"event_version"`
	RequestID    string     `json:"request_id"`
	CompanyID    uuid.UUID  `json:"company_id"`
	OccurredAt   time.Time  `json:"occurred_at"`
	ActorID      uuid.UUID  `json:"actor_id"`
	ChangeType   string     `json:"change_type"`
	EntityType   string     `json:"entity_type"`
	EntityID     uuid.UUID  `json:"entity_id"`
	TemplateID   uuid.UUID  `json:"template_id,omitempty"`
	PositionID   uuid.UUID  `json:"position_id,omitempty"`
	AssigneeID   *uuid.UUID `json:"assignee_id,omitempty"`
	PeriodStart  *time.Time `json:"period_start,omitempty"`
	PeriodEnd    *time.Time `json:"period_end,omitempty"`
}

// UnmarshalStrict decodes the payload and rejects versions this consumer
// does not understand.
func (e *TaskEventV1) UnmarshalStrict(data []byte) error {
	if err := json.Unmarshal(data, e); err != nil {
		return err
	}
	if e.EventVersion != EventVersionV1 {
		return fmt.Errorf("unsupported event version %d", e.EventVersion)
	}
	return nil
}

// Topic routes the event to the topic its change type belongs to.
func (e TaskEventV1) Topic() string {
	if e.ChangeType == ChangeUnresolved {
		return TopicAssigneeUnresolvedV1
	}
	return TopicTaskAssignmentChangedV1
}

// StructureChangedV1 is the in-process change notification emitted after any
// org-structure or template-registry mutation. Scheduler handlers subscribe to
// it to trigger reconciliation.
type StructureChangedV1 struct {
	CompanyID  uuid.UUID
	EntityType string
	EntityID   uuid.UUID
	OccurredAt time.Time
}
