package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"tradeyard/internal/config"
	"tradeyard/internal/domain"
)

const defaultPublishTimeout = 5 * time.Second

// Publisher delivers one claimed event to a sink. A nil error marks the event
// published; anything else schedules a retry.
type Publisher interface {
	Publish(ctx context.Context, evt domain.OutboxEvent) error
}

// WebhookPublisher POSTs events as JSON to a single endpoint. Events outside
// the configured type filter are dropped silently, which still marks them
// published.
type WebhookPublisher struct {
	URL    string
	Secret string
	Market string
	Client *http.Client
	filter eventFilter
}

func NewWebhookPublisher(marketID string, cfg config.Outbox) *WebhookPublisher {
	return &WebhookPublisher{
		URL:    cfg.Webhook.URL,
		Secret: cfg.Webhook.Secret,
		Market: marketID,
		Client: &http.Client{Timeout: defaultPublishTimeout},
		filter: newEventFilter(cfg.Webhook.Events),
	}
}

type webhookBody struct {
	Seq           int64           `json:"seq"`
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	MarketID      string          `json:"market_id"`
	AggregateKind string          `json:"aggregate_kind"`
	AggregateID   string          `json:"aggregate_id"`
	ActorID       string          `json:"actor_id,omitempty"`
	TS            string          `json:"ts"`
	Payload       json.RawMessage `json:"payload"`
}

func (p *WebhookPublisher) Publish(ctx context.Context, evt domain.OutboxEvent) error {
	if !p.filter.match(evt.Type) {
		return nil
	}
	payload := json.RawMessage([]byte("{}"))
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage([]byte(evt.Payload))
	}
	data, err := json.Marshal(webhookBody{
		Seq:           evt.Seq,
		ID:            evt.ID,
		Type:          evt.Type,
		MarketID:      evt.MarketID,
		AggregateKind: evt.AggregateKind,
		AggregateID:   evt.AggregateID,
		ActorID:       evt.ActorID,
		TS:            evt.CreatedAt,
		Payload:       payload,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tradeyard-Event", evt.Type)
	req.Header.Set("X-Tradeyard-Delivery", evt.ID)
	req.Header.Set("X-Tradeyard-Market", p.Market)
	if strings.TrimSpace(p.Secret) != "" {
		req.Header.Set("X-Tradeyard-Secret", p.Secret)
	}
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: defaultPublishTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// LogPublisher writes events to the process log. It is the sink of last
// resort when no webhook is configured.
type LogPublisher struct {
	Logger *log.Logger
}

func (p LogPublisher) Publish(_ context.Context, evt domain.OutboxEvent) error {
	logger := p.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("event %s %s aggregate=%s/%s", evt.Type, evt.ID, evt.AggregateKind, evt.AggregateID)
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
