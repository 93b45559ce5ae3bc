// Package outbox persists domain events in the same transaction as the state
// change they describe and relays them to an external sink afterwards.
// Delivery is at-least-once; consumers must dedupe on the event id.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Payload is the event body, serialized to JSON on insert.
type Payload map[string]any

// Event is the write-side shape of an outbox entry.
type Event struct {
	Type          string
	MarketID      string
	AggregateKind string
	AggregateID   string
	ActorID       string
	Payload       Payload
}

// Appender writes events inside the caller's transaction so the event commits
// or rolls back together with the state change.
type Appender interface {
	Append(ctx context.Context, tx *sql.Tx, evt Event) error
}

type Writer struct {
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evt Event) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if evt.Payload == nil {
		evt.Payload = Payload{}
	}
	data, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO outbox_events(id,market_id,type,aggregate_kind,aggregate_id,actor_id,payload_json,published,attempt_count,next_attempt_at,created_at)
		VALUES (?,?,?,?,?,?,?,0,0,?,?)`,
		uuid.NewString(), evt.MarketID, evt.Type, evt.AggregateKind, evt.AggregateID, nullable(evt.ActorID), string(data), ts, ts)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
