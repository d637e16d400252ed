package outbox

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Message is the unit enqueued into an outbox table inside the same
// transaction as the mutation it describes.
type Message struct {
	CompanyID uuid.UUID
	Topic     string
	EventID   uuid.UUID
	Payload   json.RawMessage
}

// Meta is the stable dispatch metadata (idempotency + ops).
type Meta struct {
	Table     pgx.Identifier
	CompanyID uuid.UUID
	Topic     string
	EventID   uuid.UUID
	Sequence  int64
	Attempts  int
}

// DispatchedMessage is the unit the Relay hands to a Dispatcher.
type DispatchedMessage struct {
	Meta    Meta
	Payload json.RawMessage
}

type Dispatcher interface {
	Dispatch(ctx context.Context, msg DispatchedMessage) error
}

func TableLabel(table pgx.Identifier) string {
	if len(table) == 0 {
		return ""
	}
	return strings.Join(table, ".")
}
