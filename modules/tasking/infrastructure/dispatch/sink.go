package dispatch

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/fieldline/taskflow/modules/tasking/domain/events"
	"github.com/fieldline/taskflow/pkg/composables"
	"github.com/fieldline/taskflow/pkg/outbox"
)

// OutboxTable is where task events wait for the relay.
var OutboxTable = pgx.Identifier{"task_outbox"}

// OutboxSink enqueues task events into the outbox through the transaction
// bound to ctx, so the event commits or rolls back with the mutation.
type OutboxSink struct {
	publisher outbox.Publisher
}

func NewOutboxSink(publisher outbox.Publisher) *OutboxSink {
	return &OutboxSink{publisher: publisher}
}

func (s *OutboxSink) Enqueue(ctx context.Context, ev events.TaskEventV1) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = s.publisher.Enqueue(ctx, tx, OutboxTable, outbox.Message{
		CompanyID: ev.CompanyID,
		Topic:     ev.Topic(),
		EventID:   ev.EventID,
		Payload:   payload,
	})
	return err
}
