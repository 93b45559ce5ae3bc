package server

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"tradeyard/internal/config"
	"tradeyard/internal/domain"
	"tradeyard/internal/engine"
)

// Request payloads

type CreateIntentRequest struct {
	ID             *string              `json:"id,omitempty"`
	Side           string               `json:"side" enum:"BUY,SELL"`
	PartnerID      string               `json:"partner_id"`
	CounterpartyID *string              `json:"counterparty_id,omitempty"`
	CommodityID    string               `json:"commodity_id"`
	Quantity       string               `json:"quantity"`
	Price          *string              `json:"price,omitempty"`
	LocationID     string               `json:"location_id"`
	DeliveryTerms  []string             `json:"delivery_terms,omitempty"`
	PaymentTerms   []string             `json:"payment_terms,omitempty"`
	Quality        []domain.QualityParam `json:"quality,omitempty"`
	TTLHours       *int                 `json:"ttl_hours,omitempty"`
	IdempotencyKey *string              `json:"idempotency_key,omitempty"`
}

type RejectMatchRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Response payloads

type IntentResponse struct {
	ID             string                `json:"id"`
	MarketID       string                `json:"market_id"`
	Side           string                `json:"side" enum:"BUY,SELL"`
	PartnerID      string                `json:"partner_id"`
	CounterpartyID *string               `json:"counterparty_id,omitempty"`
	CommodityID    string                `json:"commodity_id"`
	Quantity       string                `json:"quantity"`
	Price          *string               `json:"price,omitempty"`
	LocationID     string                `json:"location_id"`
	DeliveryTerms  []string              `json:"delivery_terms,omitempty"`
	PaymentTerms   []string              `json:"payment_terms,omitempty"`
	Quality        []domain.QualityParam `json:"quality,omitempty"`
	Status         string                `json:"status" enum:"CREATED,RISK_PENDING,RISK_BLOCKED,RISK_PASSED,MATCHING,MATCHED,EXPIRED,CANCELLED"`
	CreatedAt      string                `json:"created_at" format:"date-time"`
	UpdatedAt      string                `json:"updated_at" format:"date-time"`
	ExpiresAt      string                `json:"expires_at" format:"date-time"`
}

type AssessmentResponse struct {
	ID         string   `json:"id"`
	IntentID   string   `json:"intent_id"`
	Score      int      `json:"score"`
	Status     string   `json:"status" enum:"PASS,WARN,FAIL"`
	Factors    []string `json:"factors"`
	Violation  *string  `json:"violation,omitempty"`
	Degraded   bool     `json:"degraded"`
	ComputedAt string   `json:"computed_at" format:"date-time"`
}

type MatchResponse struct {
	ID                   string                 `json:"id"`
	MarketID             string                 `json:"market_id"`
	RequirementIntentID  string                 `json:"requirement_intent_id"`
	AvailabilityIntentID string                 `json:"availability_intent_id"`
	Score                float64                `json:"score"`
	Breakdown            domain.FactorBreakdown `json:"breakdown"`
	Status               string                 `json:"status" enum:"PROPOSED,CONFIRMED,REJECTED"`
	Reason               *string                `json:"reason,omitempty"`
	CreatedAt            string                 `json:"created_at" format:"date-time"`
	DecidedAt            *string                `json:"decided_at,omitempty" format:"date-time"`
}

// CreateIntentResponse reports the full admission pipeline result for one
// creation call: the persisted intent, its risk verdict, and the match when
// one was proposed synchronously.
type CreateIntentResponse struct {
	Intent     IntentResponse     `json:"intent"`
	Assessment AssessmentResponse `json:"assessment"`
	Outcome    string             `json:"outcome" enum:"blocked,matched,unmatched,pending"`
	Match      *MatchResponse     `json:"match,omitempty"`
}

type RelationshipResponse struct {
	PartnerLo      string  `json:"partner_lo"`
	PartnerHi      string  `json:"partner_hi"`
	Composite      float64 `json:"composite"`
	Payment        float64 `json:"payment"`
	Delivery       float64 `json:"delivery"`
	Quality        float64 `json:"quality"`
	Dispute        float64 `json:"dispute"`
	TradeCount     int     `json:"trade_count"`
	Classification string  `json:"classification" enum:"OK,WARN,BLOCKED_FOR_THIS_PARTNER"`
	ComputedAt     string  `json:"computed_at" format:"date-time"`
}

type OutboxEventResponse struct {
	Seq           int64          `json:"seq"`
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	AggregateKind string         `json:"aggregate_kind"`
	AggregateID   string         `json:"aggregate_id"`
	ActorID       string         `json:"actor_id,omitempty"`
	Payload       map[string]any `json:"payload"`
	Published     bool           `json:"published"`
	AttemptCount  int            `json:"attempt_count"`
	NextAttemptAt *string        `json:"next_attempt_at,omitempty" format:"date-time"`
	LastError     *string        `json:"last_error,omitempty"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	PublishedAt   *string        `json:"published_at,omitempty" format:"date-time"`
}

type DeadEventResponse struct {
	EventID      string         `json:"event_id"`
	Type         string         `json:"type"`
	AggregateID  string         `json:"aggregate_id"`
	Payload      map[string]any `json:"payload"`
	AttemptCount int            `json:"attempt_count"`
	LastError    string         `json:"last_error"`
	FailedAt     string         `json:"failed_at" format:"date-time"`
}

type MarketConfigResponse struct {
	Market struct {
		ID   string `json:"id"`
		Kind string `json:"kind"`
		Name string `json:"name,omitempty"`
	} `json:"market"`
	Risk struct {
		PassThreshold  int     `json:"pass_threshold"`
		WarnThreshold  int     `json:"warn_threshold"`
		ModelURL       string  `json:"model_url,omitempty"`
		ModelTimeoutMS int     `json:"model_timeout_ms"`
		ModelWeight    float64 `json:"model_weight"`
	} `json:"risk"`
	Relationship struct {
		Weights        map[string]float64 `json:"weights"`
		WarnThreshold  float64            `json:"warn_threshold"`
		BlockThreshold float64            `json:"block_threshold"`
		CacheMinutes   int                `json:"cache_minutes"`
	} `json:"relationship"`
	Match struct {
		Weights           map[string]float64 `json:"weights"`
		QuantityTolerance float64            `json:"quantity_tolerance"`
		PriceBand         float64            `json:"price_band"`
		MaxDistanceKM     float64            `json:"max_distance_km"`
		CandidateCap      int                `json:"candidate_cap"`
		AcceptCutoff      float64            `json:"accept_cutoff"`
		WarnPenaltyMode   string             `json:"warn_penalty_mode" enum:"stack,cap,min"`
		WarnPenalty       float64            `json:"warn_penalty_factor"`
	} `json:"match"`
	Outbox struct {
		MaxAttempts    int `json:"max_attempts"`
		BackoffBaseMS  int `json:"backoff_base_ms"`
		BackoffMaxMS   int `json:"backoff_max_ms"`
		BatchSize      int `json:"batch_size"`
		PollIntervalMS int `json:"poll_interval_ms"`
		ClaimTTLMS     int `json:"claim_ttl_ms"`
	} `json:"outbox"`
	Intents struct {
		DefaultTTLHours int `json:"default_ttl_hours"`
	} `json:"intents"`
}

type paginatedIntents struct {
	Items      []IntentResponse `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type paginatedMatches struct {
	Items      []MatchResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []OutboxEventResponse `json:"items"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

type deadEventList struct {
	Items []DeadEventResponse `json:"items"`
}

// Conversion helpers

func intentResponse(in domain.Intent) IntentResponse {
	return IntentResponse{
		ID:             in.ID,
		MarketID:       in.MarketID,
		Side:           string(in.Side),
		PartnerID:      in.PartnerID,
		CounterpartyID: in.CounterpartyID,
		CommodityID:    in.CommodityID,
		Quantity:       in.Quantity.String(),
		Price:          nullDecimalString(in.Price),
		LocationID:     in.LocationID,
		DeliveryTerms:  in.DeliveryTerms,
		PaymentTerms:   in.PaymentTerms,
		Quality:        in.Quality,
		Status:         string(in.Status),
		CreatedAt:      in.CreatedAt,
		UpdatedAt:      in.UpdatedAt,
		ExpiresAt:      in.ExpiresAt,
	}
}

func assessmentResponse(a domain.RiskAssessment) AssessmentResponse {
	return AssessmentResponse{
		ID:         a.ID,
		IntentID:   a.IntentID,
		Score:      a.Score,
		Status:     string(a.Status),
		Factors:    nonNilSlice(a.Factors),
		Violation:  a.Violation,
		Degraded:   a.Degraded,
		ComputedAt: a.ComputedAt,
	}
}

func matchResponse(m domain.Match) MatchResponse {
	return MatchResponse{
		ID:                   m.ID,
		MarketID:             m.MarketID,
		RequirementIntentID:  m.RequirementID,
		AvailabilityIntentID: m.AvailabilityID,
		Score:                m.Score,
		Breakdown:            m.Breakdown,
		Status:               string(m.Status),
		Reason:               m.Reason,
		CreatedAt:            m.CreatedAt,
		DecidedAt:            m.DecidedAt,
	}
}

func createResultResponse(res *engine.CreateResult) CreateIntentResponse {
	out := CreateIntentResponse{
		Intent:     intentResponse(res.Intent),
		Assessment: assessmentResponse(res.Assessment),
		Outcome:    res.Outcome,
	}
	if res.Match != nil {
		m := matchResponse(*res.Match)
		out.Match = &m
	}
	return out
}

func relationshipResponse(rel domain.PeerRelationship) RelationshipResponse {
	return RelationshipResponse{
		PartnerLo:      rel.PartnerLo,
		PartnerHi:      rel.PartnerHi,
		Composite:      rel.Composite,
		Payment:        rel.Payment,
		Delivery:       rel.Delivery,
		Quality:        rel.Quality,
		Dispute:        rel.Dispute,
		TradeCount:     rel.TradeCount,
		Classification: string(rel.Class),
		ComputedAt:     rel.ComputedAt,
	}
}

func outboxEventResponse(e domain.OutboxEvent) OutboxEventResponse {
	return OutboxEventResponse{
		Seq:           e.Seq,
		ID:            e.ID,
		Type:          e.Type,
		AggregateKind: e.AggregateKind,
		AggregateID:   e.AggregateID,
		ActorID:       e.ActorID,
		Payload:       decodeJSONMap(e.Payload),
		Published:     e.Published,
		AttemptCount:  e.AttemptCount,
		NextAttemptAt: e.NextAttemptAt,
		LastError:     e.LastError,
		CreatedAt:     e.CreatedAt,
		PublishedAt:   e.PublishedAt,
	}
}

func deadEventResponse(d domain.DeadEvent) DeadEventResponse {
	return DeadEventResponse{
		EventID:      d.EventID,
		Type:         d.Type,
		AggregateID:  d.AggregateID,
		Payload:      decodeJSONMap(d.Payload),
		AttemptCount: d.AttemptCount,
		LastError:    d.LastError,
		FailedAt:     d.FailedAt,
	}
}

func configResponse(cfg *config.Config) MarketConfigResponse {
	var res MarketConfigResponse
	res.Market.ID = cfg.Market.ID
	res.Market.Kind = cfg.Market.Kind
	res.Market.Name = cfg.Market.Name
	res.Risk.PassThreshold = cfg.Risk.PassThreshold
	res.Risk.WarnThreshold = cfg.Risk.WarnThreshold
	res.Risk.ModelURL = cfg.Risk.Model.URL
	res.Risk.ModelTimeoutMS = cfg.Risk.Model.TimeoutMS
	res.Risk.ModelWeight = cfg.Risk.Model.Weight
	res.Relationship.Weights = map[string]float64{
		"payment":  cfg.Relationship.Weights.Payment,
		"delivery": cfg.Relationship.Weights.Delivery,
		"quality":  cfg.Relationship.Weights.Quality,
		"dispute":  cfg.Relationship.Weights.Dispute,
	}
	res.Relationship.WarnThreshold = cfg.Relationship.WarnThreshold
	res.Relationship.BlockThreshold = cfg.Relationship.BlockThreshold
	res.Relationship.CacheMinutes = cfg.Relationship.CacheMinutes
	res.Match.Weights = map[string]float64{
		"price":    cfg.Match.Weights.Price,
		"quality":  cfg.Match.Weights.Quality,
		"location": cfg.Match.Weights.Location,
		"delivery": cfg.Match.Weights.Delivery,
		"payment":  cfg.Match.Weights.Payment,
		"urgency":  cfg.Match.Weights.Urgency,
	}
	res.Match.QuantityTolerance = cfg.Match.QuantityTolerance
	res.Match.PriceBand = cfg.Match.PriceBand
	res.Match.MaxDistanceKM = cfg.Match.MaxDistanceKM
	res.Match.CandidateCap = cfg.Match.CandidateCap
	res.Match.AcceptCutoff = cfg.Match.AcceptCutoff
	res.Match.WarnPenaltyMode = cfg.Match.WarnPenalty.Mode
	res.Match.WarnPenalty = cfg.Match.WarnPenalty.Factor
	res.Outbox.MaxAttempts = cfg.Outbox.MaxAttempts
	res.Outbox.BackoffBaseMS = cfg.Outbox.BackoffBaseMS
	res.Outbox.BackoffMaxMS = cfg.Outbox.BackoffMaxMS
	res.Outbox.BatchSize = cfg.Outbox.BatchSize
	res.Outbox.PollIntervalMS = cfg.Outbox.PollIntervalMS
	res.Outbox.ClaimTTLMS = cfg.Outbox.ClaimTTLMS
	res.Intents.DefaultTTLHours = cfg.Intents.DefaultTTLHours
	return res
}

func mapIntents(items []domain.Intent) []IntentResponse {
	res := make([]IntentResponse, 0, len(items))
	for _, in := range items {
		res = append(res, intentResponse(in))
	}
	return res
}

func mapMatches(items []domain.Match) []MatchResponse {
	res := make([]MatchResponse, 0, len(items))
	for _, m := range items {
		res = append(res, matchResponse(m))
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return map[string]any{}
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return map[string]any{}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func nullDecimalString(nd decimal.NullDecimal) *string {
	if !nd.Valid {
		return nil
	}
	s := nd.Decimal.String()
	return &s
}

func strPtrValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
