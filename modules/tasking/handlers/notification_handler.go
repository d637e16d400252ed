package handlers

import (
	"github.com/sirupsen/logrus"

	"github.com/fieldline/taskflow/modules/tasking/domain/events"
	"github.com/fieldline/taskflow/pkg/eventbus"
)

// RegisterNotificationHandler consumes relay-dispatched task events. This is
// the hand-off point to an external notification system; until one is
// connected it records the delivery.
func RegisterNotificationHandler(bus eventbus.EventBus, log *logrus.Logger) {
	bus.Subscribe(func(ev events.TaskEventV1) error {
		log.WithFields(logrus.Fields{
			"event_id":    ev.EventID,
			"company_id":  ev.CompanyID,
			"change_type": ev.ChangeType,
			"entity_id":   ev.EntityID,
		}).Info("task event delivered")
		return nil
	})
}
