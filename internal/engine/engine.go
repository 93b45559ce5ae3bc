// Package engine drives the intent lifecycle: admission through the risk
// gate, candidate matching and the decisions on proposed matches. Every state
// change commits in one transaction together with the outbox event that
// announces it, so event consumers never observe a state the database does
// not have.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradeyard/internal/config"
	"tradeyard/internal/domain"
	"tradeyard/internal/match"
	"tradeyard/internal/outbox"
	"tradeyard/internal/refdata"
	"tradeyard/internal/relationship"
	"tradeyard/internal/repo"
	"tradeyard/internal/risk"
)

// Engine executes market state transitions against the store.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events outbox.Appender
	Dir    refdata.Directory
	Rel    *relationship.Cache
	Model  risk.ModelScorer
	Config *config.Config
	Now    func() time.Time
}

// New wires an engine over an open database. The model scorer is only
// attached when the config names a scoring URL.
func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	dir := refdata.SQLDirectory{DB: db}
	e := Engine{
		DB:     db,
		Repo:   r,
		Events: outbox.Writer{},
		Dir:    dir,
		Config: cfg,
		Now:    time.Now,
	}
	if cfg != nil {
		e.Rel = &relationship.Cache{Repo: r, Dir: dir, Cfg: cfg.Relationship, Now: time.Now}
		if cfg.Risk.Model.URL != "" {
			e.Model = risk.NewHTTPModelScorer(cfg.Risk.Model.URL, modelTimeout(cfg.Risk))
		}
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) finder() match.Finder {
	return match.Finder{Repo: e.Repo, Dir: e.Dir, Rel: e.Rel, Cfg: e.Config.Match}
}

func modelTimeout(cfg config.Risk) time.Duration {
	d := time.Duration(cfg.Model.TimeoutMS) * time.Millisecond
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	return d
}

// Creation outcomes reported to callers.
const (
	OutcomeBlocked   = "blocked"
	OutcomeMatched   = "matched"
	OutcomeUnmatched = "unmatched"
	OutcomePending   = "pending"
)

// IntentCreateOptions carries a new trade intent. Quantity and Price arrive
// as strings so callers never round; CounterpartyID directs the intent at one
// partner and leaves it open to the whole market when empty.
type IntentCreateOptions struct {
	ID             string
	MarketID       string
	Side           domain.Side
	PartnerID      string
	CounterpartyID string
	CommodityID    string
	Quantity       string
	Price          string
	LocationID     string
	DeliveryTerms  []string
	PaymentTerms   []string
	Quality        []domain.QualityParam
	IdempotencyKey string
	TTLHours       int
	ActorID        string
}

// CreateResult reports where an intent landed after admission and matching
// ran. Match is set only when Outcome is OutcomeMatched.
type CreateResult struct {
	Intent     domain.Intent
	Assessment domain.RiskAssessment
	Match      *domain.Match
	Outcome    string
}

// CreateIntent accepts an intent, runs the risk gate and, when the gate
// admits it, immediately tries to pair it. Reusing an idempotency key replays
// the stored outcome instead of creating a duplicate.
func (e Engine) CreateIntent(ctx context.Context, opts IntentCreateOptions) (*CreateResult, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	in, err := e.validateIntent(ctx, opts)
	if err != nil {
		return nil, err
	}
	if opts.IdempotencyKey != "" {
		prior, err := e.Repo.GetIntentByIdemKey(ctx, in.MarketID, opts.IdempotencyKey)
		if err == nil {
			return e.replayCreate(ctx, prior, in)
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
	}
	if err := e.insertIntent(ctx, in, opts.ActorID); err != nil {
		return nil, err
	}
	assessment, err := e.assessIntent(ctx, in, opts.ActorID)
	if err != nil {
		return nil, err
	}
	res := &CreateResult{Assessment: assessment}
	if assessment.Status == domain.RiskFail || assessment.Violation != nil {
		res.Outcome = OutcomeBlocked
	} else {
		m, err := e.matchIntent(ctx, in.ID, opts.ActorID)
		if err != nil {
			return nil, err
		}
		if m != nil {
			res.Match = m
			res.Outcome = OutcomeMatched
		} else {
			res.Outcome = OutcomeUnmatched
		}
	}
	final, err := e.Repo.GetIntent(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	res.Intent = final
	return res, nil
}

func (e Engine) validateIntent(ctx context.Context, opts IntentCreateOptions) (domain.Intent, error) {
	var in domain.Intent
	if opts.MarketID == "" {
		return in, errors.New("market id required")
	}
	if opts.Side != domain.SideBuy && opts.Side != domain.SideSell {
		return in, fmt.Errorf("side must be BUY or SELL, got %q", opts.Side)
	}
	if opts.PartnerID == "" {
		return in, errors.New("partner id required")
	}
	if opts.CommodityID == "" {
		return in, errors.New("commodity id required")
	}
	if opts.LocationID == "" {
		return in, errors.New("location id required")
	}
	qty, err := decimal.NewFromString(opts.Quantity)
	if err != nil {
		return in, fmt.Errorf("quantity: %w", err)
	}
	if !qty.IsPositive() {
		return in, fmt.Errorf("quantity must be positive, got %s", qty)
	}
	var price decimal.NullDecimal
	if opts.Price != "" {
		p, err := decimal.NewFromString(opts.Price)
		if err != nil {
			return in, fmt.Errorf("price: %w", err)
		}
		if !p.IsPositive() {
			return in, fmt.Errorf("price must be positive, got %s", p)
		}
		price = decimal.NullDecimal{Decimal: p, Valid: true}
	}
	market, err := e.Repo.GetMarket(ctx, opts.MarketID)
	if err != nil {
		return in, fmt.Errorf("market %s: %w", opts.MarketID, err)
	}
	if market.Status != "open" {
		return in, fmt.Errorf("market %s is %s", market.ID, market.Status)
	}
	partner, err := e.Dir.PartnerProfile(ctx, opts.PartnerID)
	if err != nil {
		return in, fmt.Errorf("partner %s: %w", opts.PartnerID, err)
	}
	if partner.Status != "active" {
		return in, fmt.Errorf("partner %s is %s", partner.ID, partner.Status)
	}
	capability := refdata.CapabilityFor(opts.Side)
	ok, err := e.Dir.HasCapability(ctx, opts.PartnerID, capability)
	if err != nil {
		return in, err
	}
	if !ok {
		return in, fmt.Errorf("partner %s lacks the %s capability", opts.PartnerID, capability)
	}
	if opts.CounterpartyID != "" {
		if opts.CounterpartyID == opts.PartnerID {
			return in, errors.New("counterparty must differ from the posting partner")
		}
		if _, err := e.Dir.PartnerProfile(ctx, opts.CounterpartyID); err != nil {
			return in, fmt.Errorf("counterparty %s: %w", opts.CounterpartyID, err)
		}
	}
	if _, err := e.Dir.CommodityBaseUnit(ctx, opts.CommodityID); err != nil {
		return in, fmt.Errorf("commodity %s: %w", opts.CommodityID, err)
	}
	if _, err := e.Dir.LocationInfo(ctx, opts.LocationID); err != nil {
		return in, fmt.Errorf("location %s: %w", opts.LocationID, err)
	}
	for _, q := range opts.Quality {
		if err := q.Validate(); err != nil {
			return in, err
		}
	}
	ttl := opts.TTLHours
	if ttl <= 0 {
		ttl = e.Config.Intents.DefaultTTLHours
	}
	if ttl <= 0 {
		ttl = 72
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now().UTC()
	ts := now.Format(time.RFC3339)
	in = domain.Intent{
		ID:             id,
		MarketID:       opts.MarketID,
		Side:           opts.Side,
		PartnerID:      opts.PartnerID,
		CounterpartyID: optionalString(opts.CounterpartyID),
		CommodityID:    opts.CommodityID,
		Quantity:       qty,
		Price:          price,
		LocationID:     opts.LocationID,
		DeliveryTerms:  opts.DeliveryTerms,
		PaymentTerms:   opts.PaymentTerms,
		Quality:        opts.Quality,
		Status:         domain.IntentRiskPending,
		IdempotencyKey: optionalString(opts.IdempotencyKey),
		CreatedAt:      ts,
		UpdatedAt:      ts,
		ExpiresAt:      now.Add(time.Duration(ttl) * time.Hour).Format(time.RFC3339),
	}
	return in, nil
}

// replayCreate serves a repeated idempotency key from stored state. The
// replay fails when the request differs from the one that created the intent.
func (e Engine) replayCreate(ctx context.Context, prior, want domain.Intent) (*CreateResult, error) {
	if !sameIntentRequest(prior, want) {
		return nil, fmt.Errorf("%w: intent %s was created by a different request", ErrIdempotencyMismatch, prior.ID)
	}
	res := &CreateResult{Intent: prior}
	a, err := e.Repo.LatestAssessment(ctx, prior.ID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	if err == nil {
		res.Assessment = a
	}
	switch prior.Status {
	case domain.IntentRiskBlocked:
		res.Outcome = OutcomeBlocked
	case domain.IntentMatched:
		res.Outcome = OutcomeMatched
		matches, err := e.Repo.ListMatches(ctx, repo.MatchFilters{IntentID: prior.ID, Limit: 1})
		if err != nil {
			return nil, err
		}
		if len(matches) > 0 {
			res.Match = &matches[0]
		}
	case domain.IntentRiskPending:
		res.Outcome = OutcomePending
	default:
		res.Outcome = OutcomeUnmatched
	}
	return res, nil
}

// sameIntentRequest reports whether a stored intent and a replayed creation
// request agree on every business field.
func sameIntentRequest(a, b domain.Intent) bool {
	if a.Side != b.Side || a.PartnerID != b.PartnerID || a.CommodityID != b.CommodityID || a.LocationID != b.LocationID {
		return false
	}
	if !a.Quantity.Equal(b.Quantity) {
		return false
	}
	if a.Price.Valid != b.Price.Valid {
		return false
	}
	if a.Price.Valid && !a.Price.Decimal.Equal(b.Price.Decimal) {
		return false
	}
	return strPtrEq(a.CounterpartyID, b.CounterpartyID)
}

func (e Engine) insertIntent(ctx context.Context, in domain.Intent, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertIntent(ctx, tx, in); err != nil {
		return err
	}
	evt := outbox.Event{
		Type:          "intent.created",
		MarketID:      in.MarketID,
		AggregateKind: "intent",
		AggregateID:   in.ID,
		ActorID:       actorID,
		Payload: outbox.Payload{
			"side":         in.Side,
			"partner_id":   in.PartnerID,
			"commodity_id": in.CommodityID,
			"quantity":     in.Quantity.String(),
			"status":       in.Status,
		},
	}
	if err := e.Events.Append(ctx, tx, evt); err != nil {
		return err
	}
	return tx.Commit()
}

// assessIntent gathers the partner's exposure, history and open positions,
// runs the admission rules and persists the verdict together with the intent
// status change.
func (e Engine) assessIntent(ctx context.Context, in domain.Intent, actorID string) (domain.RiskAssessment, error) {
	var a domain.RiskAssessment
	partner, err := e.Dir.PartnerProfile(ctx, in.PartnerID)
	if err != nil {
		return a, err
	}
	success, total, err := e.Dir.SettledOutcomes(ctx, in.PartnerID)
	if err != nil {
		return a, err
	}
	openBuys, openSells, err := e.Dir.OpenPositions(ctx, in.PartnerID, in.CommodityID)
	if err != nil {
		return a, err
	}
	input := risk.Input{
		Side:           in.Side,
		Rating:         partner.Rating,
		Exposure:       partner.Exposure,
		CreditLimit:    partner.CreditLimit,
		SettledSuccess: success,
		SettledTotal:   total,
		OpenBuys:       openBuys,
		OpenSells:      openSells,
	}
	if in.CounterpartyID != nil {
		input.HasCounterparty = true
		reverse, err := e.Dir.SameDayReverseTrade(ctx, in.PartnerID, *in.CounterpartyID, in.CommodityID, in.Side, e.now().UTC().Format(time.RFC3339))
		if err != nil {
			return a, err
		}
		input.SameDayReverse = reverse
	}
	if e.Model != nil && e.Config.Risk.Model.Weight > 0 {
		score, err := e.modelScore(ctx, in)
		if err != nil {
			input.ModelDegraded = true
		} else {
			input.ModelScore = &score
		}
	}
	verdict := risk.Assess(input, e.Config.Risk)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()

	cur, err := e.Repo.GetIntentTx(ctx, tx, in.ID)
	if err != nil {
		return a, err
	}
	next := domain.IntentRiskPassed
	if verdict.Status == domain.RiskFail || verdict.Violation != "" {
		next = domain.IntentRiskBlocked
	}
	if err := ensureIntentTransition(cur.Status, next); err != nil {
		return a, fmt.Errorf("intent %s: %w", in.ID, err)
	}
	now := e.now().UTC().Format(time.RFC3339)
	a = domain.RiskAssessment{
		ID:         uuid.NewString(),
		IntentID:   in.ID,
		Score:      verdict.Score,
		Status:     verdict.Status,
		Factors:    verdict.Factors,
		Violation:  optionalString(verdict.Violation),
		Degraded:   verdict.Degraded,
		ComputedAt: now,
	}
	if err := e.Repo.InsertAssessment(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Repo.UpdateIntentStatus(ctx, tx, in.ID, next, now); err != nil {
		return a, err
	}
	payload := outbox.Payload{
		"score":    verdict.Score,
		"status":   verdict.Status,
		"degraded": verdict.Degraded,
	}
	if len(verdict.Factors) > 0 {
		payload["factors"] = verdict.Factors
	}
	evtType := "intent.risk.assessed"
	if next == domain.IntentRiskBlocked {
		evtType = "intent.blocked"
		if verdict.Violation != "" {
			payload["violation"] = verdict.Violation
		}
	}
	evt := outbox.Event{
		Type:          evtType,
		MarketID:      in.MarketID,
		AggregateKind: "intent",
		AggregateID:   in.ID,
		ActorID:       actorID,
		Payload:       payload,
	}
	if err := e.Events.Append(ctx, tx, evt); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

func (e Engine) modelScore(ctx context.Context, in domain.Intent) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, modelTimeout(e.Config.Risk))
	defer cancel()
	return e.Model.Score(ctx, risk.ModelInput{
		IntentID:    in.ID,
		Side:        in.Side,
		PartnerID:   in.PartnerID,
		CommodityID: in.CommodityID,
		Quantity:    in.Quantity,
		Price:       in.Price,
	})
}

// matchIntent tries to pair one admitted intent. It returns the proposed
// match, or nil when the intent stayed in the passive pool.
func (e Engine) matchIntent(ctx context.Context, intentID, actorID string) (*domain.Match, error) {
	assessment, err := e.Repo.LatestAssessment(ctx, intentID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	seeker, err := e.markMatching(ctx, intentID, actorID)
	if err != nil || seeker == nil {
		return nil, err
	}
	f := e.finder()
	cands, err := f.Best(ctx, *seeker, assessment.Status, e.now().UTC())
	if err != nil {
		return nil, err
	}
	for _, cand := range cands {
		m, err := e.proposeMatch(ctx, *seeker, cand, actorID)
		if err != nil {
			return nil, err
		}
		if m != nil {
			return m, nil
		}
	}
	if err := e.releaseUnmatched(ctx, intentID, actorID); err != nil {
		return nil, err
	}
	return nil, nil
}

// markMatching moves an admitted intent into MATCHING. Returns nil without
// error when the intent moved on concurrently.
func (e Engine) markMatching(ctx context.Context, intentID, actorID string) (*domain.Intent, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	in, err := e.Repo.GetIntentTx(ctx, tx, intentID)
	if err != nil {
		return nil, err
	}
	if in.Status != domain.IntentRiskPassed {
		return nil, nil
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateIntentStatus(ctx, tx, in.ID, domain.IntentMatching, now); err != nil {
		return nil, err
	}
	evt := outbox.Event{
		Type:          "intent.matching",
		MarketID:      in.MarketID,
		AggregateKind: "intent",
		AggregateID:   in.ID,
		ActorID:       actorID,
	}
	if err := e.Events.Append(ctx, tx, evt); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	in.Status = domain.IntentMatching
	in.UpdatedAt = now
	return &in, nil
}

// proposeMatch pairs the seeker with one candidate. Both sides are re-read
// inside the transaction; a candidate taken concurrently makes the proposal
// return nil so the caller can try the next one.
func (e Engine) proposeMatch(ctx context.Context, seeker domain.Intent, cand match.Candidate, actorID string) (*domain.Match, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	cur, err := e.Repo.GetIntentTx(ctx, tx, seeker.ID)
	if err != nil {
		return nil, err
	}
	if cur.Status != domain.IntentMatching {
		return nil, nil
	}
	other, err := e.Repo.GetIntentTx(ctx, tx, cand.Intent.ID)
	if err != nil {
		return nil, err
	}
	if other.Status != domain.IntentRiskPassed {
		return nil, nil
	}
	req, avail := cur, other
	if req.Side == domain.SideSell {
		req, avail = other, cur
	}
	now := e.now().UTC().Format(time.RFC3339)
	m := domain.Match{
		ID:             uuid.NewString(),
		MarketID:       cur.MarketID,
		RequirementID:  req.ID,
		AvailabilityID: avail.ID,
		Score:          cand.Score,
		Breakdown:      cand.Breakdown,
		Status:         domain.MatchProposed,
		CreatedAt:      now,
	}
	if err := e.Repo.InsertMatch(ctx, tx, m); err != nil {
		return nil, err
	}
	if err := e.Repo.UpdateIntentStatus(ctx, tx, cur.ID, domain.IntentMatched, now); err != nil {
		return nil, err
	}
	if err := e.Repo.UpdateIntentStatus(ctx, tx, other.ID, domain.IntentMatched, now); err != nil {
		return nil, err
	}
	evt := outbox.Event{
		Type:          "match.proposed",
		MarketID:      m.MarketID,
		AggregateKind: "match",
		AggregateID:   m.ID,
		ActorID:       actorID,
		Payload: outbox.Payload{
			"requirement_intent_id":  m.RequirementID,
			"availability_intent_id": m.AvailabilityID,
			"score":                  m.Score,
		},
	}
	if err := e.Events.Append(ctx, tx, evt); err != nil {
		return nil, err
	}
	pairs := []struct{ id, counterpart string }{{cur.ID, other.ID}, {other.ID, cur.ID}}
	for _, p := range pairs {
		evt := outbox.Event{
			Type:          "intent.matched",
			MarketID:      m.MarketID,
			AggregateKind: "intent",
			AggregateID:   p.id,
			ActorID:       actorID,
			Payload: outbox.Payload{
				"match_id":               m.ID,
				"counterparty_intent_id": p.counterpart,
				"score":                  m.Score,
			},
		}
		if err := e.Events.Append(ctx, tx, evt); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &m, nil
}

// releaseUnmatched returns a seeker with no viable partner to the passive
// pool, where later intents can find it.
func (e Engine) releaseUnmatched(ctx context.Context, intentID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	in, err := e.Repo.GetIntentTx(ctx, tx, intentID)
	if err != nil {
		return err
	}
	if in.Status != domain.IntentMatching {
		return nil
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateIntentStatus(ctx, tx, in.ID, domain.IntentRiskPassed, now); err != nil {
		return err
	}
	evt := outbox.Event{
		Type:          "intent.unmatched",
		MarketID:      in.MarketID,
		AggregateKind: "intent",
		AggregateID:   in.ID,
		ActorID:       actorID,
		Payload:       outbox.Payload{"reason": "no_candidates"},
	}
	if err := e.Events.Append(ctx, tx, evt); err != nil {
		return err
	}
	return tx.Commit()
}

// MatchPending retries matching for intents sitting in the passive pool.
// Limit bounds one run; zero means the default batch of 50.
func (e Engine) MatchPending(ctx context.Context, marketID string, limit int) (int, error) {
	if e.Config == nil {
		return 0, errors.New("config not loaded")
	}
	if limit <= 0 {
		limit = 50
	}
	open, err := e.Repo.ListOpenForMatching(ctx, marketID, e.now().UTC().Format(time.RFC3339), limit)
	if err != nil {
		return 0, err
	}
	matched := 0
	for _, in := range open {
		m, err := e.matchIntent(ctx, in.ID, "")
		if err != nil {
			return matched, err
		}
		if m != nil {
			matched++
		}
	}
	return matched, nil
}

// ConfirmMatch accepts a proposed match on behalf of a counterparty.
func (e Engine) ConfirmMatch(ctx context.Context, matchID, actorID string) (domain.Match, error) {
	var out domain.Match
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return out, err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMatchTx(ctx, tx, matchID)
	if err != nil {
		return out, err
	}
	if m.Status != domain.MatchProposed {
		return out, fmt.Errorf("%w: match %s is %s", ErrInvalidTransition, m.ID, m.Status)
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateMatchStatus(ctx, tx, m.ID, domain.MatchConfirmed, nil, now); err != nil {
		return out, err
	}
	evt := outbox.Event{
		Type:          "match.confirmed",
		MarketID:      m.MarketID,
		AggregateKind: "match",
		AggregateID:   m.ID,
		ActorID:       actorID,
		Payload: outbox.Payload{
			"requirement_intent_id":  m.RequirementID,
			"availability_intent_id": m.AvailabilityID,
		},
	}
	if err := e.Events.Append(ctx, tx, evt); err != nil {
		return out, err
	}
	if err := tx.Commit(); err != nil {
		return out, err
	}
	m.Status = domain.MatchConfirmed
	m.DecidedAt = &now
	return m, nil
}

// RejectMatch declines a proposed match and returns both intents to the
// passive pool so they can pair again.
func (e Engine) RejectMatch(ctx context.Context, matchID, reason, actorID string) (domain.Match, error) {
	var out domain.Match
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return out, err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMatchTx(ctx, tx, matchID)
	if err != nil {
		return out, err
	}
	if m.Status != domain.MatchProposed {
		return out, fmt.Errorf("%w: match %s is %s", ErrInvalidTransition, m.ID, m.Status)
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateMatchStatus(ctx, tx, m.ID, domain.MatchRejected, optionalString(reason), now); err != nil {
		return out, err
	}
	evt := outbox.Event{
		Type:          "match.rejected",
		MarketID:      m.MarketID,
		AggregateKind: "match",
		AggregateID:   m.ID,
		ActorID:       actorID,
		Payload:       outbox.Payload{"reason": reason},
	}
	if err := e.Events.Append(ctx, tx, evt); err != nil {
		return out, err
	}
	for _, intentID := range []string{m.RequirementID, m.AvailabilityID} {
		in, err := e.Repo.GetIntentTx(ctx, tx, intentID)
		if err != nil {
			return out, err
		}
		if in.Status != domain.IntentMatched {
			continue
		}
		if err := e.Repo.UpdateIntentStatus(ctx, tx, in.ID, domain.IntentRiskPassed, now); err != nil {
			return out, err
		}
		evt := outbox.Event{
			Type:          "intent.unmatched",
			MarketID:      in.MarketID,
			AggregateKind: "intent",
			AggregateID:   in.ID,
			ActorID:       actorID,
			Payload:       outbox.Payload{"reason": "match_rejected", "match_id": m.ID},
		}
		if err := e.Events.Append(ctx, tx, evt); err != nil {
			return out, err
		}
	}
	if err := tx.Commit(); err != nil {
		return out, err
	}
	m.Status = domain.MatchRejected
	m.Reason = optionalString(reason)
	m.DecidedAt = &now
	return m, nil
}

// CancelIntent withdraws an intent that has not matched. Matched intents
// must have their match rejected first.
func (e Engine) CancelIntent(ctx context.Context, intentID, actorID string) (domain.Intent, error) {
	var out domain.Intent
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return out, err
	}
	defer tx.Rollback()

	in, err := e.Repo.GetIntentTx(ctx, tx, intentID)
	if err != nil {
		return out, err
	}
	if in.Status == domain.IntentMatched {
		return out, fmt.Errorf("%w: intent %s is matched; reject the match instead", ErrInvalidTransition, in.ID)
	}
	if err := ensureIntentTransition(in.Status, domain.IntentCancelled); err != nil {
		return out, fmt.Errorf("intent %s: %w", in.ID, err)
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateIntentStatus(ctx, tx, in.ID, domain.IntentCancelled, now); err != nil {
		return out, err
	}
	evt := outbox.Event{
		Type:          "intent.cancelled",
		MarketID:      in.MarketID,
		AggregateKind: "intent",
		AggregateID:   in.ID,
		ActorID:       actorID,
	}
	if err := e.Events.Append(ctx, tx, evt); err != nil {
		return out, err
	}
	if err := tx.Commit(); err != nil {
		return out, err
	}
	in.Status = domain.IntentCancelled
	in.UpdatedAt = now
	return in, nil
}

// ExpireDue expires every intent whose lifetime elapsed. Intents that moved
// to a state expiry does not apply to are skipped, not failed.
func (e Engine) ExpireDue(ctx context.Context, marketID string) (int, error) {
	due, err := e.Repo.ListExpiredIntents(ctx, marketID, e.now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, in := range due {
		ok, err := e.expireOne(ctx, in.ID)
		if err != nil {
			return expired, err
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

func (e Engine) expireOne(ctx context.Context, intentID string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	in, err := e.Repo.GetIntentTx(ctx, tx, intentID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := ensureIntentTransition(in.Status, domain.IntentExpired); err != nil {
		return false, nil
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateIntentStatus(ctx, tx, in.ID, domain.IntentExpired, now); err != nil {
		return false, err
	}
	evt := outbox.Event{
		Type:          "intent.expired",
		MarketID:      in.MarketID,
		AggregateKind: "intent",
		AggregateID:   in.ID,
		Payload:       outbox.Payload{"expires_at": in.ExpiresAt},
	}
	if err := e.Events.Append(ctx, tx, evt); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// Sweep expires overdue intents, then retries matching for the passive pool.
func (e Engine) Sweep(ctx context.Context, marketID string) (expired, matched int, err error) {
	expired, err = e.ExpireDue(ctx, marketID)
	if err != nil {
		return expired, 0, err
	}
	matched, err = e.MatchPending(ctx, marketID, 0)
	return expired, matched, err
}

// --- helpers ---

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func strPtrEq(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
