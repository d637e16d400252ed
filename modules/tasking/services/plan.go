package services

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fieldline/taskflow/modules/tasking/domain/recurrence"
)

// snapshot is a single consistent read of everything a reconciliation pass
// diffs against. All of it is loaded in one transaction.
type snapshot struct {
	Positions      map[uuid.UUID]PositionRow
	Occupancies    []PositionAssignmentRow
	Templates      []TemplateRow
	OpenTasks      []TaskRow
	CompletedPairs map[CompletedPair]bool
	Delegations    []DelegationRow
}

// instanceKey identifies one expected task instance. PeriodStart is the zero
// time for one-off templates.
type instanceKey struct {
	TemplateID                 uuid.UUID
	SourcePositionAssignmentID uuid.UUID
	PeriodStart                time.Time
}

func (k instanceKey) String() string {
	s := k.TemplateID.String() + "/" + k.SourcePositionAssignmentID.String()
	if !k.PeriodStart.IsZero() {
		s += "/" + k.PeriodStart.UTC().Format(time.RFC3339)
	}
	return s
}

func taskKey(t TaskRow) instanceKey {
	k := instanceKey{TemplateID: t.TemplateID, SourcePositionAssignmentID: t.SourcePositionAssignmentID}
	if t.PeriodStart != nil {
		k.PeriodStart = t.PeriodStart.UTC()
	}
	return k
}

type requiredInstance struct {
	Key         instanceKey
	Template    TemplateRow
	Occupancy   PositionAssignmentRow
	PeriodStart *time.Time
	PeriodEnd   *time.Time
}

type retireOp struct {
	Task   TaskRow
	Status string // StatusRetired or StatusExpired
}

// rolloverOp pairs the expiry of an elapsed recurring instance with the
// creation of its successor; both commit in one transaction so there is no
// instant with zero active instances.
type rolloverOp struct {
	Old TaskRow
	New requiredInstance
}

type reconcilePlan struct {
	Creates   []requiredInstance
	Retires   []retireOp
	Rollovers []rolloverOp
	Deferred  int
}

// templateMatches reports whether a template applies to a position, either by
// direct position binding or by role predicate (case-insensitive substring of
// the position title).
func templateMatches(tpl TemplateRow, pos PositionRow) bool {
	if tpl.AppliesToPositionID != nil {
		return *tpl.AppliesToPositionID == pos.ID
	}
	if tpl.RolePredicate != nil && *tpl.RolePredicate != "" {
		return strings.Contains(strings.ToLower(pos.Title), strings.ToLower(*tpl.RolePredicate))
	}
	return false
}

// dependenciesMet reports whether every dependency template has a completed
// instance for the same occupancy.
func dependenciesMet(tpl TemplateRow, occupancy PositionAssignmentRow, completed map[CompletedPair]bool) bool {
	for _, dep := range tpl.DependsOnTemplateIDs {
		if !completed[CompletedPair{TemplateID: dep, SourcePositionAssignmentID: occupancy.ID}] {
			return false
		}
	}
	return true
}

// buildRequired computes the set of task instances that should exist at asOf.
// Deferred counts instances withheld by unmet dependencies.
func buildRequired(snap snapshot, asOf time.Time) (map[instanceKey]requiredInstance, int) {
	required := make(map[instanceKey]requiredInstance)
	deferred := 0

	for _, occ := range snap.Occupancies {
		if !occ.Covers(asOf) {
			continue
		}
		pos, ok := snap.Positions[occ.PositionID]
		if !ok || pos.ArchivedAt != nil {
			continue
		}

		for _, tpl := range snap.Templates {
			if !tpl.Active || !templateMatches(tpl, pos) {
				continue
			}
			if !dependenciesMet(tpl, occ, snap.CompletedPairs) {
				deferred++
				continue
			}

			inst := requiredInstance{
				Key:       instanceKey{TemplateID: tpl.ID, SourcePositionAssignmentID: occ.ID},
				Template:  tpl,
				Occupancy: occ,
			}
			if tpl.RecurrenceRule != nil {
				rule, err := recurrence.Parse(*tpl.RecurrenceRule)
				if err != nil {
					// Malformed rules are rejected at the boundary; an existing
					// bad row must not sink the whole pass.
					continue
				}
				anchor := asOf
				if tpl.RecurrenceAnchor != nil {
					anchor = *tpl.RecurrenceAnchor
				}
				start, end := rule.Window(anchor, asOf)
				inst.Key.PeriodStart = start
				inst.PeriodStart = &start
				inst.PeriodEnd = &end
			}
			required[inst.Key] = inst
		}
	}

	return required, deferred
}

// buildPlan diffs required against existing open tasks. Both sets keyed by
// (template, occupancy, period start): required-only keys become creates,
// existing-only keys become retires, and an existing instance whose successor
// window is required becomes a rollover pair. Matching keys are no-ops, which
// is the idempotence guarantee.
func buildPlan(snap snapshot, asOf time.Time) reconcilePlan {
	required, deferred := buildRequired(snap, asOf)
	plan := reconcilePlan{Deferred: deferred}

	// Successor lookup for rollover pairing: (template, occupancy) of every
	// required recurring instance.
	successor := make(map[CompletedPair]instanceKey)
	for key := range required {
		if !key.PeriodStart.IsZero() {
			successor[CompletedPair{TemplateID: key.TemplateID, SourcePositionAssignmentID: key.SourcePositionAssignmentID}] = key
		}
	}

	for _, task := range snap.OpenTasks {
		key := taskKey(task)
		if _, ok := required[key]; ok {
			delete(required, key)
			continue
		}

		if !key.PeriodStart.IsZero() {
			pair := CompletedPair{TemplateID: key.TemplateID, SourcePositionAssignmentID: key.SourcePositionAssignmentID}
			if succKey, ok := successor[pair]; ok {
				// The successor may already be spoken for when more than one
				// open instance shares the pair; only the first pairs up.
				if inst, found := required[succKey]; found {
					plan.Rollovers = append(plan.Rollovers, rolloverOp{Old: task, New: inst})
					delete(required, succKey)
					delete(successor, pair)
					continue
				}
			}
			// Window elapsed with no successor required (template deactivated
			// or occupancy gone): the instance ran out rather than being
			// withdrawn when the period already ended.
			if task.PeriodEnd != nil && !asOf.Before(*task.PeriodEnd) {
				plan.Retires = append(plan.Retires, retireOp{Task: task, Status: StatusExpired})
				continue
			}
		}

		plan.Retires = append(plan.Retires, retireOp{Task: task, Status: StatusRetired})
	}

	for _, inst := range required {
		plan.Creates = append(plan.Creates, inst)
	}

	return plan
}
