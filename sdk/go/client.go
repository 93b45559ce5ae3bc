package tradeyardsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Tradeyard HTTP API client.
type Client struct {
	BaseURL     string
	MarketID    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, marketID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		MarketID: marketID,
		Timeout:  10 * time.Second,
	}
}

// Intent represents the API trade intent model (partial).
type Intent struct {
	ID             string  `json:"id"`
	MarketID       string  `json:"market_id"`
	Side           string  `json:"side"`
	PartnerID      string  `json:"partner_id"`
	CounterpartyID *string `json:"counterparty_id,omitempty"`
	CommodityID    string  `json:"commodity_id"`
	Quantity       string  `json:"quantity"`
	Price          *string `json:"price,omitempty"`
	LocationID     string  `json:"location_id"`
	Status         string  `json:"status"`
	CreatedAt      string  `json:"created_at"`
	ExpiresAt      string  `json:"expires_at"`
}

// Assessment represents one risk gate verdict.
type Assessment struct {
	ID         string   `json:"id"`
	IntentID   string   `json:"intent_id"`
	Score      int      `json:"score"`
	Status     string   `json:"status"`
	Factors    []string `json:"factors"`
	Violation  *string  `json:"violation,omitempty"`
	Degraded   bool     `json:"degraded,omitempty"`
	ComputedAt string   `json:"computed_at"`
}

// Match represents a proposed or decided pairing.
type Match struct {
	ID                   string         `json:"id"`
	MarketID             string         `json:"market_id"`
	RequirementIntentID  string         `json:"requirement_intent_id"`
	AvailabilityIntentID string         `json:"availability_intent_id"`
	Score                float64        `json:"score"`
	Breakdown            map[string]any `json:"breakdown,omitempty"`
	Status               string         `json:"status"`
	Reason               *string        `json:"reason,omitempty"`
	CreatedAt            string         `json:"created_at"`
	DecidedAt            *string        `json:"decided_at,omitempty"`
}

// Relationship represents the pairwise history score of two partners.
type Relationship struct {
	PartnerLo      string  `json:"partner_lo"`
	PartnerHi      string  `json:"partner_hi"`
	Composite      float64 `json:"composite"`
	Payment        float64 `json:"payment"`
	Delivery       float64 `json:"delivery"`
	Quality        float64 `json:"quality"`
	Dispute        float64 `json:"dispute"`
	TradeCount     int     `json:"trade_count"`
	Classification string  `json:"classification"`
	ComputedAt     string  `json:"computed_at"`
}

// Event represents an outbox log entry.
type Event struct {
	Seq           int64          `json:"seq"`
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	AggregateKind string         `json:"aggregate_kind"`
	AggregateID   string         `json:"aggregate_id"`
	ActorID       string         `json:"actor_id,omitempty"`
	Payload       map[string]any `json:"payload"`
	Published     bool           `json:"published"`
	CreatedAt     string         `json:"created_at"`
}

// QualityParam is one quality attribute of a lot. Kind selects the meaningful
// fields: numeric_range, categorical or boolean.
type QualityParam struct {
	Name    string   `json:"name"`
	Kind    string   `json:"kind"`
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
	Num     *float64 `json:"num,omitempty"`
	Options []string `json:"options,omitempty"`
	Option  string   `json:"option,omitempty"`
	Flag    *bool    `json:"flag,omitempty"`
}

// CreateIntentRequest carries a new trade intent. Quantity and Price are
// decimal strings so nothing gets rounded on the wire.
type CreateIntentRequest struct {
	ID             string         `json:"id,omitempty"`
	Side           string         `json:"side"`
	PartnerID      string         `json:"partner_id"`
	CounterpartyID string         `json:"counterparty_id,omitempty"`
	CommodityID    string         `json:"commodity_id"`
	Quantity       string         `json:"quantity"`
	Price          string         `json:"price,omitempty"`
	LocationID     string         `json:"location_id"`
	DeliveryTerms  []string       `json:"delivery_terms,omitempty"`
	PaymentTerms   []string       `json:"payment_terms,omitempty"`
	Quality        []QualityParam `json:"quality,omitempty"`
	TTLHours       int            `json:"ttl_hours,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// CreateIntentResult is the full admission pipeline outcome: the stored
// intent, its risk verdict and the proposed match when one was found.
type CreateIntentResult struct {
	Intent     Intent     `json:"intent"`
	Assessment Assessment `json:"assessment"`
	Outcome    string     `json:"outcome"`
	Match      *Match     `json:"match,omitempty"`
}

// MarketStatus summarizes one market.
type MarketStatus struct {
	MarketID       string         `json:"market_id"`
	Status         string         `json:"status"`
	IntentCounts   map[string]int `json:"intent_counts"`
	LatestEventSeq int64          `json:"latest_event_seq"`
}

// SweepResult reports what a maintenance sweep did.
type SweepResult struct {
	Expired int `json:"expired"`
	Matched int `json:"matched"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedIntents wraps intent listings with cursors.
type PaginatedIntents struct {
	Items      []Intent `json:"items"`
	NextCursor string   `json:"next_cursor"`
}

// PaginatedMatches wraps match listings with cursors.
type PaginatedMatches struct {
	Items      []Match `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// PaginatedEvents wraps event listings with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// IntentFilter narrows intent listings. Zero values mean no filter.
type IntentFilter struct {
	Status      string
	Side        string
	PartnerID   string
	CommodityID string
	Limit       int
	Cursor      string
}

// MatchFilter narrows match listings. Zero values mean no filter.
type MatchFilter struct {
	Status   string
	IntentID string
	Limit    int
	Cursor   string
}

// CreateIntent posts an intent through the risk gate and matcher.
func (c *Client) CreateIntent(ctx context.Context, req CreateIntentRequest) (CreateIntentResult, error) {
	var resp CreateIntentResult
	err := c.do(ctx, http.MethodPost, c.marketPath("intents"), req, &resp)
	return resp, err
}

// GetIntent fetches an intent by id.
func (c *Client) GetIntent(ctx context.Context, id string) (Intent, error) {
	var resp Intent
	err := c.do(ctx, http.MethodGet, c.v1Path(fmt.Sprintf("intents/%s", url.PathEscape(id))), nil, &resp)
	return resp, err
}

// CancelIntent cancels an intent that has not reached a terminal state.
func (c *Client) CancelIntent(ctx context.Context, id string) (Intent, error) {
	var resp Intent
	err := c.do(ctx, http.MethodPost, c.v1Path(fmt.Sprintf("intents/%s/cancel", url.PathEscape(id))), nil, &resp)
	return resp, err
}

// IntentRisk returns the latest risk verdict for an intent.
func (c *Client) IntentRisk(ctx context.Context, id string) (Assessment, error) {
	var resp Assessment
	err := c.do(ctx, http.MethodGet, c.v1Path(fmt.Sprintf("intents/%s/risk", url.PathEscape(id))), nil, &resp)
	return resp, err
}

// IntentsPage returns a filtered page of intents.
func (c *Client) IntentsPage(ctx context.Context, f IntentFilter) (PaginatedIntents, error) {
	q := url.Values{}
	setQuery(q, "status", f.Status)
	setQuery(q, "side", f.Side)
	setQuery(q, "partner_id", f.PartnerID)
	setQuery(q, "commodity_id", f.CommodityID)
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprint(f.Limit))
	}
	setQuery(q, "cursor", f.Cursor)
	var resp PaginatedIntents
	err := c.do(ctx, http.MethodGet, withQuery(c.marketPath("intents"), q), nil, &resp)
	return resp, err
}

// MatchesPage returns a filtered page of matches.
func (c *Client) MatchesPage(ctx context.Context, f MatchFilter) (PaginatedMatches, error) {
	q := url.Values{}
	setQuery(q, "status", f.Status)
	setQuery(q, "intent_id", f.IntentID)
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprint(f.Limit))
	}
	setQuery(q, "cursor", f.Cursor)
	var resp PaginatedMatches
	err := c.do(ctx, http.MethodGet, withQuery(c.marketPath("matches"), q), nil, &resp)
	return resp, err
}

// GetMatch fetches a match by id.
func (c *Client) GetMatch(ctx context.Context, id string) (Match, error) {
	var resp Match
	err := c.do(ctx, http.MethodGet, c.v1Path(fmt.Sprintf("matches/%s", url.PathEscape(id))), nil, &resp)
	return resp, err
}

// ConfirmMatch confirms a proposed match.
func (c *Client) ConfirmMatch(ctx context.Context, id string) (Match, error) {
	var resp Match
	err := c.do(ctx, http.MethodPost, c.v1Path(fmt.Sprintf("matches/%s/confirm", url.PathEscape(id))), nil, &resp)
	return resp, err
}

// RejectMatch rejects a proposed match and releases both intents.
func (c *Client) RejectMatch(ctx context.Context, id, reason string) (Match, error) {
	body := map[string]any{"reason": reason}
	var resp Match
	err := c.do(ctx, http.MethodPost, c.v1Path(fmt.Sprintf("matches/%s/reject", url.PathEscape(id))), body, &resp)
	return resp, err
}

// Relationship scores the shared history of two partners.
func (c *Client) Relationship(ctx context.Context, partnerID, otherID string) (Relationship, error) {
	var resp Relationship
	endpoint := c.marketPath(fmt.Sprintf("relationships/%s/%s", url.PathEscape(partnerID), url.PathEscape(otherID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.marketPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Status summarizes the market and its intent counts.
func (c *Client) Status(ctx context.Context) (MarketStatus, error) {
	var resp MarketStatus
	err := c.do(ctx, http.MethodGet, c.marketPath("status"), nil, &resp)
	return resp, err
}

// Sweep expires overdue intents and retries matching for waiting ones.
func (c *Client) Sweep(ctx context.Context) (SweepResult, error) {
	var resp SweepResult
	err := c.do(ctx, http.MethodPost, c.marketPath("sweep"), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) marketPath(p string) string {
	market := url.PathEscape(c.MarketID)
	return fmt.Sprintf("v1/markets/%s/%s", market, strings.TrimLeft(p, "/"))
}

func (c *Client) v1Path(p string) string {
	return "v1/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func setQuery(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}
