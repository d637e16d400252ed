package handlers

import (
	"github.com/sirupsen/logrus"

	"github.com/fieldline/taskflow/modules/tasking/domain/events"
	"github.com/fieldline/taskflow/modules/tasking/services"
	"github.com/fieldline/taskflow/pkg/eventbus"
)

// RegisterStructureHandler routes org-structure and template change
// announcements into the scheduler, which debounces them per company.
func RegisterStructureHandler(bus eventbus.EventBus, scheduler *services.Scheduler, log *logrus.Logger) {
	bus.Subscribe(func(ev events.StructureChangedV1) {
		log.WithFields(logrus.Fields{
			"company_id":  ev.CompanyID,
			"entity_type": ev.EntityType,
			"entity_id":   ev.EntityID,
		}).Debug("structure changed, scheduling reconciliation")
		scheduler.Trigger(ev.CompanyID)
	})
}
