package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade intent. A SELL intent offers availability,
// a BUY intent expresses a requirement.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the counter side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// IntentStatus values an Intent moves through. Transitions are owned by the
// engine; RISK_BLOCKED, MATCHED, EXPIRED and CANCELLED are terminal.
type IntentStatus string

const (
	IntentCreated     IntentStatus = "CREATED"
	IntentRiskPending IntentStatus = "RISK_PENDING"
	IntentRiskBlocked IntentStatus = "RISK_BLOCKED"
	IntentRiskPassed  IntentStatus = "RISK_PASSED"
	IntentMatching    IntentStatus = "MATCHING"
	IntentMatched     IntentStatus = "MATCHED"
	IntentExpired     IntentStatus = "EXPIRED"
	IntentCancelled   IntentStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed from s.
func (s IntentStatus) Terminal() bool {
	switch s {
	case IntentRiskBlocked, IntentMatched, IntentExpired, IntentCancelled:
		return true
	}
	return false
}

// Intent is a unified BUY or SELL trade request.
type Intent struct {
	ID             string              `json:"id"`
	MarketID       string              `json:"market_id"`
	Side           Side                `json:"side" enum:"BUY,SELL"`
	PartnerID      string              `json:"partner_id"`
	CounterpartyID *string             `json:"counterparty_id,omitempty"`
	CommodityID    string              `json:"commodity_id"`
	Quantity       decimal.Decimal     `json:"quantity"`
	Price          decimal.NullDecimal `json:"price,omitempty"`
	LocationID     string              `json:"location_id"`
	DeliveryTerms  []string            `json:"delivery_terms,omitempty"`
	PaymentTerms   []string            `json:"payment_terms,omitempty"`
	Quality        []QualityParam      `json:"quality,omitempty"`
	Status         IntentStatus        `json:"status" enum:"CREATED,RISK_PENDING,RISK_BLOCKED,RISK_PASSED,MATCHING,MATCHED,EXPIRED,CANCELLED"`
	IdempotencyKey *string             `json:"idempotency_key,omitempty"`
	CreatedAt      string              `json:"created_at" format:"date-time"`
	UpdatedAt      string              `json:"updated_at" format:"date-time"`
	ExpiresAt      string              `json:"expires_at" format:"date-time"`
}

// RiskStatus is the outcome band of a risk assessment.
type RiskStatus string

const (
	RiskPass RiskStatus = "PASS"
	RiskWarn RiskStatus = "WARN"
	RiskFail RiskStatus = "FAIL"
)

// Admissible reports whether the status lets the intent into matching.
func (s RiskStatus) Admissible() bool { return s == RiskPass || s == RiskWarn }

// RiskAssessment is one immutable admission-gate verdict for an intent.
// Re-assessment inserts a new row; existing rows are never updated.
type RiskAssessment struct {
	ID         string     `json:"id"`
	IntentID   string     `json:"intent_id"`
	Score      int        `json:"score"`
	Status     RiskStatus `json:"status" enum:"PASS,WARN,FAIL"`
	Factors    []string   `json:"factors,omitempty"`
	Violation  *string    `json:"violation,omitempty"`
	Degraded   bool       `json:"degraded,omitempty"`
	ComputedAt string     `json:"computed_at" format:"date-time"`
}

// RelationshipClass buckets a pairwise relationship score.
type RelationshipClass string

const (
	RelationshipOK      RelationshipClass = "OK"
	RelationshipWarn    RelationshipClass = "WARN"
	RelationshipBlocked RelationshipClass = "BLOCKED_FOR_THIS_PARTNER"
)

// PeerRelationship is the cached pairwise score between exactly two partners,
// keyed by the lexicographically ordered pair.
type PeerRelationship struct {
	PartnerLo  string            `json:"partner_lo"`
	PartnerHi  string            `json:"partner_hi"`
	Composite  float64           `json:"composite"`
	Payment    float64           `json:"payment"`
	Delivery   float64           `json:"delivery"`
	Quality    float64           `json:"quality"`
	Dispute    float64           `json:"dispute"`
	TradeCount int               `json:"trade_count"`
	Class      RelationshipClass `json:"classification" enum:"OK,WARN,BLOCKED_FOR_THIS_PARTNER"`
	ComputedAt string            `json:"computed_at" format:"date-time"`
}

// PairKey returns the ordered key for two partner ids.
func PairKey(a, b string) (lo, hi string) {
	if a < b {
		return a, b
	}
	return b, a
}

// MatchStatus of a proposed pairing.
type MatchStatus string

const (
	MatchProposed  MatchStatus = "PROPOSED"
	MatchConfirmed MatchStatus = "CONFIRMED"
	MatchRejected  MatchStatus = "REJECTED"
)

// FactorBreakdown records the normalized per-factor scores that produced a
// match score. All factors are in [0,1] before weighting.
type FactorBreakdown struct {
	Price             float64           `json:"price"`
	Quality           float64           `json:"quality"`
	Location          float64           `json:"location"`
	Delivery          float64           `json:"delivery"`
	Payment           float64           `json:"payment"`
	Urgency           float64           `json:"urgency"`
	Relationship      float64           `json:"relationship"`
	RelationshipClass RelationshipClass `json:"relationship_class,omitempty"`
	PenaltyApplied    float64           `json:"penalty_applied,omitempty"`
}

// Match pairs a BUY requirement with a SELL availability.
type Match struct {
	ID             string          `json:"id"`
	MarketID       string          `json:"market_id"`
	RequirementID  string          `json:"requirement_intent_id"`
	AvailabilityID string          `json:"availability_intent_id"`
	Score          float64         `json:"score"`
	Breakdown      FactorBreakdown `json:"breakdown"`
	Status         MatchStatus     `json:"status" enum:"PROPOSED,CONFIRMED,REJECTED"`
	Reason         *string         `json:"reason,omitempty"`
	CreatedAt      string          `json:"created_at" format:"date-time"`
	DecidedAt      *string         `json:"decided_at,omitempty" format:"date-time"`
}

// OutboxEvent is one durable domain event, written in the same transaction as
// the state change it describes. The relay owns Published, AttemptCount,
// NextAttemptAt, the claim fields and LastError; everything else is immutable.
type OutboxEvent struct {
	Seq           int64   `json:"seq"`
	ID            string  `json:"id"`
	MarketID      string  `json:"market_id"`
	Type          string  `json:"type"`
	AggregateKind string  `json:"aggregate_kind"`
	AggregateID   string  `json:"aggregate_id"`
	ActorID       string  `json:"actor_id,omitempty"`
	Payload       string  `json:"payload"`
	Published     bool    `json:"published"`
	AttemptCount  int     `json:"attempt_count"`
	NextAttemptAt *string `json:"next_attempt_at,omitempty" format:"date-time"`
	ClaimedBy     *string `json:"claimed_by,omitempty"`
	ClaimedUntil  *string `json:"claimed_until,omitempty" format:"date-time"`
	LastError     *string `json:"last_error,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	PublishedAt   *string `json:"published_at,omitempty" format:"date-time"`
}

// DeadEvent is an outbox event that exhausted its delivery attempts and was
// parked for manual replay.
type DeadEvent struct {
	EventID      string `json:"event_id"`
	MarketID     string `json:"market_id"`
	Type         string `json:"type"`
	AggregateID  string `json:"aggregate_id"`
	Payload      string `json:"payload"`
	AttemptCount int    `json:"attempt_count"`
	LastError    string `json:"last_error"`
	FailedAt     string `json:"failed_at" format:"date-time"`
}

// APIKey authenticates a caller of the HTTP API. Only the SHA-256 hash of the
// key material is stored.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// QualityKind discriminates the quality parameter union.
type QualityKind string

const (
	QualityNumericRange QualityKind = "numeric_range"
	QualityCategorical  QualityKind = "categorical"
	QualityBoolean      QualityKind = "boolean"
)

// QualityParam is one quality attribute of a commodity lot. Kind selects the
// meaningful fields: numeric_range uses Min/Max as the acceptable band and Num
// as the declared value; categorical uses Options as the acceptable set and
// Option as the declared value; boolean uses Flag.
//
// A requirement carries constraints (Min/Max, Options, Flag) and an
// availability carries declared values (Num, Option, Flag). Both shapes share
// this one type so repositories and transports stay schema-free.
type QualityParam struct {
	Name    string      `json:"name"`
	Kind    QualityKind `json:"kind" enum:"numeric_range,categorical,boolean"`
	Min     *float64    `json:"min,omitempty"`
	Max     *float64    `json:"max,omitempty"`
	Num     *float64    `json:"num,omitempty"`
	Options []string    `json:"options,omitempty"`
	Option  string      `json:"option,omitempty"`
	Flag    *bool       `json:"flag,omitempty"`
}

// Validate checks the per-kind field rules.
func (q QualityParam) Validate() error {
	if q.Name == "" {
		return fmt.Errorf("quality parameter name required")
	}
	switch q.Kind {
	case QualityNumericRange:
		if q.Min == nil && q.Max == nil && q.Num == nil {
			return fmt.Errorf("quality %s: numeric_range needs min/max or num", q.Name)
		}
		if q.Min != nil && q.Max != nil && *q.Min > *q.Max {
			return fmt.Errorf("quality %s: min %v exceeds max %v", q.Name, *q.Min, *q.Max)
		}
	case QualityCategorical:
		if len(q.Options) == 0 && q.Option == "" {
			return fmt.Errorf("quality %s: categorical needs options or option", q.Name)
		}
	case QualityBoolean:
		if q.Flag == nil {
			return fmt.Errorf("quality %s: boolean needs flag", q.Name)
		}
	default:
		return fmt.Errorf("quality %s: unknown kind %q", q.Name, q.Kind)
	}
	return nil
}

// Market is the top-level namespace all intents belong to; a workspace DB
// normally holds exactly one.
type Market struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status" enum:"open,closed"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Partner is a read model of a marketplace participant. The core never
// mutates partners beyond seeding; onboarding lives elsewhere.
type Partner struct {
	ID           string          `json:"id"`
	MarketID     string          `json:"market_id"`
	Name         string          `json:"name"`
	Rating       float64         `json:"rating"`
	Exposure     decimal.Decimal `json:"exposure"`
	CreditLimit  decimal.Decimal `json:"credit_limit"`
	Status       string          `json:"status"`
	Capabilities []string        `json:"capabilities,omitempty"`
	CreatedAt    string          `json:"created_at" format:"date-time"`
}

type Commodity struct {
	ID        string `json:"id"`
	MarketID  string `json:"market_id"`
	Name      string `json:"name"`
	BaseUnit  string `json:"base_unit"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Location struct {
	ID        string  `json:"id"`
	MarketID  string  `json:"market_id"`
	Name      string  `json:"name"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Zone      string  `json:"zone,omitempty"`
	Timezone  string  `json:"timezone,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

// TradeRecord status values.
const (
	TradeOpen      = "open"
	TradeSettled   = "settled"
	TradeCancelled = "cancelled"
)

// TradeRecord is one historical trade between two partners. Open records are
// unsettled positions; settled ones carry the outcome flags the risk gate and
// the relationship analyzer count.
type TradeRecord struct {
	ID              string              `json:"id"`
	MarketID        string              `json:"market_id"`
	BuyerID         string              `json:"buyer_id"`
	SellerID        string              `json:"seller_id"`
	CommodityID     string              `json:"commodity_id"`
	Quantity        decimal.Decimal     `json:"quantity"`
	Price           decimal.NullDecimal `json:"price,omitempty"`
	Status          string              `json:"status" enum:"open,settled,cancelled"`
	OnTimePayment   *bool               `json:"on_time_payment,omitempty"`
	OnTimeDelivery  *bool               `json:"on_time_delivery,omitempty"`
	QualityOK       *bool               `json:"quality_ok,omitempty"`
	DisputeRaised   bool                `json:"dispute_raised,omitempty"`
	DisputeResolved *bool               `json:"dispute_resolved,omitempty"`
	TradedAt        string              `json:"traded_at" format:"date-time"`
	SettledAt       *string             `json:"settled_at,omitempty" format:"date-time"`
}

// PairHistory is the counted shared history of exactly one partner pair, the
// sole input of the relationship analyzer.
type PairHistory struct {
	TradeCount       int `json:"trade_count"`
	PaymentsOnTime   int `json:"payments_on_time"`
	PaymentsLate     int `json:"payments_late"`
	DeliveriesOnTime int `json:"deliveries_on_time"`
	DeliveriesLate   int `json:"deliveries_late"`
	QualityOK        int `json:"quality_ok"`
	QualityRejected  int `json:"quality_rejected"`
	DisputesRaised   int `json:"disputes_raised"`
	DisputesResolved int `json:"disputes_resolved"`
}
