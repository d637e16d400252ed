package services

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

// Resolution sources, highest precedence first.
const (
	SourceTaskDelegation     = "task_delegation"
	SourcePositionDelegation = "position_delegation"
	SourceOccupant           = "occupant"
)

// Resolution is the outcome of assignee resolution. Unresolved is a valid
// outcome, never an error: it marks an organizational gap to surface, not to
// default away.
type Resolution struct {
	UserID       uuid.UUID
	Source       string
	DelegationID *uuid.UUID
	Unresolved   bool
}

// taskRef identifies the task being resolved. ID is Nil while resolving for a
// task that is about to be created (task-scoped delegations cannot exist yet).
type taskRef struct {
	ID                         uuid.UUID
	PositionID                 uuid.UUID
	SourcePositionAssignmentID uuid.UUID
}

// pickDelegation applies the tie-break for overlapping delegations in the
// same scope: later created_at wins; the id orders exact ties so the choice
// stays deterministic.
func pickDelegation(candidates []DelegationRow) *DelegationRow {
	var best *DelegationRow
	for i := range candidates {
		d := &candidates[i]
		if best == nil {
			best = d
			continue
		}
		if d.CreatedAt.After(best.CreatedAt) {
			best = d
			continue
		}
		if d.CreatedAt.Equal(best.CreatedAt) && bytes.Compare(d.ID[:], best.ID[:]) > 0 {
			best = d
		}
	}
	return best
}

// resolveAssignee computes the effective assignee for a task at asOf from a
// consistent snapshot of delegations and occupancies. Precedence: task-scoped
// delegation, then position-scoped delegation, then the occupant.
func resolveAssignee(task taskRef, delegations []DelegationRow, occupancies []PositionAssignmentRow, asOf time.Time) Resolution {
	var taskScoped, positionScoped []DelegationRow
	for _, d := range delegations {
		if !d.Covers(asOf) {
			continue
		}
		switch {
		case d.Scope == ScopeTaskAssignment && task.ID != uuid.Nil && d.ScopeID == task.ID:
			taskScoped = append(taskScoped, d)
		case d.Scope == ScopePosition && d.ScopeID == task.PositionID:
			positionScoped = append(positionScoped, d)
		}
	}

	if d := pickDelegation(taskScoped); d != nil {
		return Resolution{UserID: d.DelegateUserID, Source: SourceTaskDelegation, DelegationID: &d.ID}
	}
	if d := pickDelegation(positionScoped); d != nil {
		return Resolution{UserID: d.DelegateUserID, Source: SourcePositionDelegation, DelegationID: &d.ID}
	}

	// Occupant tier: prefer the occupancy that sourced the task; otherwise any
	// occupancy of the position covering asOf, ordered for determinism.
	var fallback *PositionAssignmentRow
	for i := range occupancies {
		pa := &occupancies[i]
		if pa.PositionID != task.PositionID || !pa.Covers(asOf) {
			continue
		}
		if pa.ID == task.SourcePositionAssignmentID {
			return Resolution{UserID: pa.UserID, Source: SourceOccupant}
		}
		if fallback == nil || pa.ValidFrom.Before(fallback.ValidFrom) ||
			(pa.ValidFrom.Equal(fallback.ValidFrom) && bytes.Compare(pa.ID[:], fallback.ID[:]) < 0) {
			fallback = pa
		}
	}
	if fallback != nil {
		return Resolution{UserID: fallback.UserID, Source: SourceOccupant}
	}

	return Resolution{Unresolved: true}
}

// sameResolution reports whether the cached assignee matches a fresh
// resolution, so reconciliation can skip no-op refreshes.
func sameResolution(task TaskRow, res Resolution) bool {
	if res.Unresolved {
		return task.AssigneeUnresolved && task.AssigneeUserID == nil
	}
	return !task.AssigneeUnresolved && task.AssigneeUserID != nil && *task.AssigneeUserID == res.UserID
}
