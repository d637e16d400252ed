package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/fieldline/taskflow/modules/tasking/domain/events"
	"github.com/fieldline/taskflow/pkg/eventbus"
	"github.com/fieldline/taskflow/pkg/outbox"
)

// BusDispatcher hands relayed outbox messages to in-process bus subscribers
// (notification senders, webhooks). A missing subscriber acks the message
// instead of poisoning the queue.
type BusDispatcher struct {
	bus eventbus.EventBusWithError
	log *logrus.Logger
}

func NewBusDispatcher(bus eventbus.EventBusWithError, log *logrus.Logger) *BusDispatcher {
	if log == nil {
		log = logrus.New()
	}
	return &BusDispatcher{bus: bus, log: log}
}

func (d *BusDispatcher) Dispatch(ctx context.Context, msg outbox.DispatchedMessage) error {
	switch msg.Meta.Topic {
	case events.TopicTaskAssignmentChangedV1, events.TopicAssigneeUnresolvedV1:
	default:
		return fmt.Errorf("dispatch: unknown topic %q", msg.Meta.Topic)
	}

	var ev events.TaskEventV1
	if err := ev.UnmarshalStrict(msg.Payload); err != nil {
		return fmt.Errorf("dispatch: decoding %s: %w", msg.Meta.EventID, err)
	}

	if err := d.bus.PublishE(ev); err != nil {
		if errors.Is(err, eventbus.ErrNoSubscribers) {
			d.log.WithFields(logrus.Fields{
				"topic":    msg.Meta.Topic,
				"event_id": msg.Meta.EventID,
			}).Debug("dispatch: no subscribers, dropping event")
			return nil
		}
		return err
	}
	return nil
}
