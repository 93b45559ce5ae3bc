package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradeyard/internal/config"
	"tradeyard/internal/db"
	"tradeyard/internal/domain"
	"tradeyard/internal/engine"
	"tradeyard/internal/migrate"
	"tradeyard/internal/outbox"
	"tradeyard/internal/refdata"
	"tradeyard/internal/repo"
	"tradeyard/internal/risk"
)

type testEnv struct {
	DB     *sql.DB
	Repo   repo.Repo
	Engine engine.Engine
	Cfg    *config.Config
	Ctx    context.Context
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{
		DB:   conn,
		Repo: repo.Repo{DB: conn},
		Cfg:  config.Default("mkt-1"),
		Ctx:  context.Background(),
		now:  time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return env.now }
	eng := engine.New(conn, env.Cfg)
	eng.Now = clock
	eng.Events = outbox.Writer{Now: clock}
	eng.Rel.Now = clock
	env.Engine = eng

	seed := env.now.Format(time.RFC3339)
	if err := env.Repo.InsertMarket(env.Ctx, domain.Market{ID: "mkt-1", Name: "m", Status: "open", CreatedAt: seed}); err != nil {
		t.Fatalf("seed market: %v", err)
	}
	if err := env.Repo.InsertCommodity(env.Ctx, domain.Commodity{ID: "c-cotton", MarketID: "mkt-1", Name: "cotton", BaseUnit: "kg", CreatedAt: seed}); err != nil {
		t.Fatalf("seed commodity: %v", err)
	}
	locs := []domain.Location{
		{ID: "loc-a", MarketID: "mkt-1", Name: "a", Lat: 0, Lng: 0, CreatedAt: seed},
		// ~40km north of loc-a.
		{ID: "loc-b", MarketID: "mkt-1", Name: "b", Lat: 0.359728, Lng: 0, CreatedAt: seed},
	}
	for _, l := range locs {
		if err := env.Repo.InsertLocation(env.Ctx, l); err != nil {
			t.Fatalf("seed location %s: %v", l.ID, err)
		}
	}
	return env
}

func (env *testEnv) seedPartner(t *testing.T, id string, rating float64, exposure, limit string) {
	t.Helper()
	err := env.Repo.InsertPartner(env.Ctx, domain.Partner{
		ID:           id,
		MarketID:     "mkt-1",
		Name:         id,
		Rating:       rating,
		Exposure:     decimal.RequireFromString(exposure),
		CreditLimit:  decimal.RequireFromString(limit),
		Status:       "active",
		Capabilities: []string{refdata.CapabilityBuy, refdata.CapabilitySell},
		CreatedAt:    env.now.Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("seed partner %s: %v", id, err)
	}
}

func (env *testEnv) seedTrade(t *testing.T, tr domain.TradeRecord) {
	t.Helper()
	tr.MarketID = "mkt-1"
	tr.CommodityID = "c-cotton"
	if tr.Quantity.IsZero() {
		tr.Quantity = decimal.NewFromInt(100)
	}
	if err := env.Repo.InsertTradeRecord(env.Ctx, tr); err != nil {
		t.Fatalf("seed trade %s: %v", tr.ID, err)
	}
}

func (env *testEnv) create(t *testing.T, opts engine.IntentCreateOptions) *engine.CreateResult {
	t.Helper()
	res, err := env.Engine.CreateIntent(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	return res
}

func (env *testEnv) intent(t *testing.T, id string) domain.Intent {
	t.Helper()
	in, err := env.Repo.GetIntent(env.Ctx, id)
	if err != nil {
		t.Fatalf("get intent %s: %v", id, err)
	}
	return in
}

func (env *testEnv) countEvents(t *testing.T, evtType, aggregateID string) int {
	t.Helper()
	var n int
	err := env.DB.QueryRowContext(env.Ctx, `SELECT COUNT(*) FROM outbox_events WHERE type=? AND aggregate_id=?`, evtType, aggregateID).Scan(&n)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	return n
}

func tradeOpts(side domain.Side, partner, qty, price string) engine.IntentCreateOptions {
	return engine.IntentCreateOptions{
		MarketID:      "mkt-1",
		Side:          side,
		PartnerID:     partner,
		CommodityID:   "c-cotton",
		Quantity:      qty,
		Price:         price,
		LocationID:    "loc-a",
		DeliveryTerms: []string{"EXW"},
		PaymentTerms:  []string{"NET30"},
		ActorID:       "tester",
	}
}

func hasFactor(factors []string, want string) bool {
	for _, f := range factors {
		if f == want {
			return true
		}
	}
	return false
}

func boolPtr(b bool) *bool { return &b }

func TestCreateIntentDeterministicCottonMatch(t *testing.T) {
	env := newTestEnv(t)
	env.seedPartner(t, "p-buy", 4, "0", "100000")
	env.seedPartner(t, "p-sell", 4, "0", "100000")

	sell := tradeOpts(domain.SideSell, "p-sell", "95", "7100")
	sell.LocationID = "loc-b"
	sellRes := env.create(t, sell)
	if sellRes.Outcome != engine.OutcomeUnmatched {
		t.Fatalf("sell outcome = %s, want unmatched with an empty pool", sellRes.Outcome)
	}
	if sellRes.Assessment.Score != 100 || sellRes.Assessment.Status != domain.RiskPass {
		t.Fatalf("clean partner assessed %d/%s, want 100/PASS", sellRes.Assessment.Score, sellRes.Assessment.Status)
	}

	buyRes := env.create(t, tradeOpts(domain.SideBuy, "p-buy", "100", "7000"))
	if buyRes.Outcome != engine.OutcomeMatched || buyRes.Match == nil {
		t.Fatalf("buy outcome = %s, want matched", buyRes.Outcome)
	}
	m := buyRes.Match
	if m.RequirementID != buyRes.Intent.ID || m.AvailabilityID != sellRes.Intent.ID {
		t.Fatalf("match sides %s/%s, want buy requirement and sell availability", m.RequirementID, m.AvailabilityID)
	}
	// 0.30*(6/7) + 0.25*1 + 0.15*(~13/15) + 0.10*1 + 0.10*1 + 0.10*0
	if math.Abs(m.Score-0.8371428571) > 1e-5 {
		t.Fatalf("score = %.10f, want ~0.8371428571", m.Score)
	}
	if math.Abs(m.Breakdown.Price-6.0/7.0) > 1e-9 {
		t.Fatalf("price factor = %v, want 6/7", m.Breakdown.Price)
	}
	if m.Breakdown.PenaltyApplied != 1 {
		t.Fatalf("penalty = %v, want 1 with no warnings", m.Breakdown.PenaltyApplied)
	}
	if env.intent(t, sellRes.Intent.ID).Status != domain.IntentMatched {
		t.Fatalf("sell side not MATCHED")
	}
	for evtType, want := range map[string]int{
		"intent.created":       1,
		"intent.risk.assessed": 1,
		"intent.matching":      1,
		"intent.matched":       1,
	} {
		if got := env.countEvents(t, evtType, buyRes.Intent.ID); got != want {
			t.Fatalf("%s events = %d, want %d", evtType, got, want)
		}
	}
	if got := env.countEvents(t, "match.proposed", m.ID); got != 1 {
		t.Fatalf("match.proposed events = %d, want 1", got)
	}
}

func TestCreateIntentBlockedNeverMatches(t *testing.T) {
	env := newTestEnv(t)
	env.seedPartner(t, "p-sell", 4, "0", "100000")
	env.seedPartner(t, "p-risky", 2.0, "120000", "100000")

	sellRes := env.create(t, tradeOpts(domain.SideSell, "p-sell", "100", "7000"))

	res := env.create(t, tradeOpts(domain.SideBuy, "p-risky", "100", "7000"))
	if res.Outcome != engine.OutcomeBlocked {
		t.Fatalf("outcome = %s, want blocked", res.Outcome)
	}
	if res.Assessment.Score != 30 || res.Assessment.Status != domain.RiskFail {
		t.Fatalf("assessed %d/%s, want 30/FAIL", res.Assessment.Score, res.Assessment.Status)
	}
	if !hasFactor(res.Assessment.Factors, risk.FactorExposureLimit) || !hasFactor(res.Assessment.Factors, risk.FactorLowRating) {
		t.Fatalf("factors = %v, want exposure and rating penalties", res.Assessment.Factors)
	}
	if res.Intent.Status != domain.IntentRiskBlocked {
		t.Fatalf("intent status = %s, want RISK_BLOCKED", res.Intent.Status)
	}
	if got := env.countEvents(t, "intent.blocked", res.Intent.ID); got != 1 {
		t.Fatalf("intent.blocked events = %d, want 1", got)
	}

	// The blocked intent is invisible to later matching runs.
	matched, err := env.Engine.MatchPending(env.Ctx, "mkt-1", 0)
	if err != nil {
		t.Fatalf("match pending: %v", err)
	}
	if matched != 0 {
		t.Fatalf("matched = %d, want 0 against a blocked pool", matched)
	}
	if env.intent(t, sellRes.Intent.ID).Status != domain.IntentRiskPassed {
		t.Fatalf("seller should remain available")
	}
	matches, err := env.Repo.ListMatches(env.Ctx, repo.MatchFilters{MarketID: "mkt-1"})
	if err != nil {
		t.Fatalf("list matches: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("matches = %d, want none", len(matches))
	}
}

func TestSameDayReverseTradeBlocksDirectedOnly(t *testing.T) {
	env := newTestEnv(t)
	env.seedPartner(t, "p-flip", 4, "0", "100000")
	env.seedPartner(t, "p-q", 4, "0", "100000")
	env.seedPartner(t, "p-r", 4, "0", "100000")

	// p-flip bought from p-q earlier today.
	env.seedTrade(t, domain.TradeRecord{
		ID:             "tr-flip",
		BuyerID:        "p-flip",
		SellerID:       "p-q",
		Status:         domain.TradeSettled,
		OnTimePayment:  boolPtr(true),
		OnTimeDelivery: boolPtr(true),
		QualityOK:      boolPtr(true),
		TradedAt:       env.now.Add(-2 * time.Hour).Format(time.RFC3339),
	})

	atQ := tradeOpts(domain.SideSell, "p-flip", "100", "7000")
	atQ.CounterpartyID = "p-q"
	res := env.create(t, atQ)
	if res.Outcome != engine.OutcomeBlocked {
		t.Fatalf("outcome = %s, want blocked for a same-day flip", res.Outcome)
	}
	if res.Assessment.Violation == nil || *res.Assessment.Violation != risk.ViolationSameDayFlip {
		t.Fatalf("violation = %v, want %s", res.Assessment.Violation, risk.ViolationSameDayFlip)
	}

	// The same sale directed at an uninvolved partner is clean.
	atR := tradeOpts(domain.SideSell, "p-flip", "100", "7000")
	atR.CounterpartyID = "p-r"
	res = env.create(t, atR)
	if res.Outcome != engine.OutcomeUnmatched {
		t.Fatalf("directed at p-r: outcome = %s, want unmatched", res.Outcome)
	}
	if res.Assessment.Status != domain.RiskPass {
		t.Fatalf("directed at p-r assessed %s, want PASS", res.Assessment.Status)
	}

	// So is an undirected sale.
	res = env.create(t, tradeOpts(domain.SideSell, "p-flip", "100", "7000"))
	if res.Outcome == engine.OutcomeBlocked {
		t.Fatalf("undirected sale must not trip the directed-counterparty guard")
	}
}

func TestUnsettledPositionBlocksOppositeSide(t *testing.T) {
	env := newTestEnv(t)
	env.seedPartner(t, "p-hold", 4, "0", "100000")
	env.seedPartner(t, "p-extra", 4, "0", "100000")

	// p-hold has an open purchase of cotton awaiting settlement.
	env.seedTrade(t, domain.TradeRecord{
		ID:       "tr-open",
		BuyerID:  "p-hold",
		SellerID: "p-extra",
		Status:   domain.TradeOpen,
		TradedAt: env.now.Add(-48 * time.Hour).Format(time.RFC3339),
	})

	res := env.create(t, tradeOpts(domain.SideSell, "p-hold", "100", "7000"))
	if res.Outcome != engine.OutcomeBlocked {
		t.Fatalf("sell outcome = %s, want blocked on the open buy", res.Outcome)
	}
	if res.Assessment.Violation == nil || *res.Assessment.Violation != risk.ViolationUnsettled {
		t.Fatalf("violation = %v, want %s", res.Assessment.Violation, risk.ViolationUnsettled)
	}

	// Buying more while holding an open buy is allowed.
	res = env.create(t, tradeOpts(domain.SideBuy, "p-hold", "100", "7000"))
	if res.Outcome == engine.OutcomeBlocked {
		t.Fatalf("an open buy must not block another buy")
	}
}

func TestRelationshipBlockScopesToPair(t *testing.T) {
	env := newTestEnv(t)
	env.seedPartner(t, "p-bad", 4, "0", "100000")
	env.seedPartner(t, "p-buy2", 4, "0", "100000")
	env.seedPartner(t, "p-other", 4, "0", "100000")

	// Four sour trades between p-bad and p-buy2: late, rejected, disputed.
	for i, id := range []string{"tr-s1", "tr-s2", "tr-s3", "tr-s4"} {
		env.seedTrade(t, domain.TradeRecord{
			ID:              id,
			BuyerID:         "p-buy2",
			SellerID:        "p-bad",
			Status:          domain.TradeSettled,
			OnTimePayment:   boolPtr(false),
			OnTimeDelivery:  boolPtr(false),
			QualityOK:       boolPtr(false),
			DisputeRaised:   true,
			DisputeResolved: boolPtr(false),
			TradedAt:        env.now.Add(-time.Duration(30+i) * 24 * time.Hour).Format(time.RFC3339),
		})
	}

	first := env.create(t, tradeOpts(domain.SideBuy, "p-buy2", "100", "7000"))
	second := env.create(t, tradeOpts(domain.SideBuy, "p-other", "100", "7000"))

	res := env.create(t, tradeOpts(domain.SideSell, "p-bad", "100", "7000"))
	if res.Outcome != engine.OutcomeMatched || res.Match == nil {
		t.Fatalf("outcome = %s, want matched with the unblocked partner", res.Outcome)
	}
	if res.Match.RequirementID != second.Intent.ID {
		t.Fatalf("matched requirement %s, want p-other's intent %s", res.Match.RequirementID, second.Intent.ID)
	}
	if env.intent(t, first.Intent.ID).Status != domain.IntentRiskPassed {
		t.Fatalf("p-buy2's intent should stay available for other sellers")
	}

	// Seller history put it in the WARN band, costing one penalty step.
	if res.Assessment.Status != domain.RiskWarn {
		t.Fatalf("p-bad assessed %s, want WARN from its settlement history", res.Assessment.Status)
	}
	if math.Abs(res.Match.Score-0.81) > 1e-9 {
		t.Fatalf("score = %v, want 0.9 discounted once to 0.81", res.Match.Score)
	}

	rel, err := env.Repo.GetRelationship(env.Ctx, "p-bad", "p-buy2")
	if err != nil {
		t.Fatalf("get relationship: %v", err)
	}
	if rel.Class != domain.RelationshipBlocked {
		t.Fatalf("pair class = %s, want BLOCKED_FOR_THIS_PARTNER", rel.Class)
	}
}

func TestIdempotentCreateReplays(t *testing.T) {
	env := newTestEnv(t)
	env.seedPartner(t, "p-buy", 4, "0", "100000")

	opts := tradeOpts(domain.SideBuy, "p-buy", "100", "7000")
	opts.IdempotencyKey = "key-1"

	first := env.create(t, opts)
	replay := env.create(t, opts)
	if replay.Intent.ID != first.Intent.ID {
		t.Fatalf("replay returned intent %s, want %s", replay.Intent.ID, first.Intent.ID)
	}
	if replay.Outcome != first.Outcome {
		t.Fatalf("replay outcome = %s, want %s", replay.Outcome, first.Outcome)
	}

	var intents, assessments int
	if err := env.DB.QueryRowContext(env.Ctx, `SELECT COUNT(*) FROM intents`).Scan(&intents); err != nil {
		t.Fatalf("count intents: %v", err)
	}
	if err := env.DB.QueryRowContext(env.Ctx, `SELECT COUNT(*) FROM risk_assessments`).Scan(&assessments); err != nil {
		t.Fatalf("count assessments: %v", err)
	}
	if intents != 1 || assessments != 1 {
		t.Fatalf("replay duplicated state: %d intents, %d assessments", intents, assessments)
	}
	if got := env.countEvents(t, "intent.created", first.Intent.ID); got != 1 {
		t.Fatalf("intent.created events = %d, want 1 after replay", got)
	}

	altered := opts
	altered.Quantity = "120"
	_, err := env.Engine.CreateIntent(env.Ctx, altered)
	if !errors.Is(err, engine.ErrIdempotencyMismatch) {
		t.Fatalf("altered replay error = %v, want ErrIdempotencyMismatch", err)
	}
}

type failingAppender struct{}

func (failingAppender) Append(ctx context.Context, tx *sql.Tx, evt outbox.Event) error {
	return errors.New("append refused")
}

func TestCreateIntentOutboxAtomicity(t *testing.T) {
	env := newTestEnv(t)
	env.seedPartner(t, "p-buy", 4, "0", "100000")
	env.Engine.Events = failingAppender{}

	opts := tradeOpts(domain.SideBuy, "p-buy", "100", "7000")
	opts.ID = "i-atomic"
	if _, err := env.Engine.CreateIntent(env.Ctx, opts); err == nil {
		t.Fatalf("expected the event append failure to surface")
	}

	if _, err := env.Repo.GetIntent(env.Ctx, "i-atomic"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("intent persisted without its event: %v", err)
	}
	var events int
	if err := env.DB.QueryRowContext(env.Ctx, `SELECT COUNT(*) FROM outbox_events`).Scan(&events); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if events != 0 {
		t.Fatalf("outbox rows = %d, want 0 after rollback", events)
	}
}

func TestConfirmRejectLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.seedPartner(t, "p-buy", 4, "0", "100000")
	env.seedPartner(t, "p-sell", 4, "0", "100000")

	env.create(t, tradeOpts(domain.SideSell, "p-sell", "100", "7000"))
	buy1 := env.create(t, tradeOpts(domain.SideBuy, "p-buy", "100", "7000"))
	if buy1.Match == nil {
		t.Fatalf("expected first pair to match")
	}

	confirmed, err := env.Engine.ConfirmMatch(env.Ctx, buy1.Match.ID, "p-sell")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.Status != domain.MatchConfirmed || confirmed.DecidedAt == nil {
		t.Fatalf("confirm left match %s without decision time", confirmed.Status)
	}
	if _, err := env.Engine.ConfirmMatch(env.Ctx, buy1.Match.ID, "p-sell"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("double confirm error = %v, want ErrInvalidTransition", err)
	}
	if got := env.countEvents(t, "match.confirmed", buy1.Match.ID); got != 1 {
		t.Fatalf("match.confirmed events = %d, want 1", got)
	}

	sell2 := env.create(t, tradeOpts(domain.SideSell, "p-sell", "100", "7000"))
	buy2 := env.create(t, tradeOpts(domain.SideBuy, "p-buy", "100", "7000"))
	if buy2.Match == nil {
		t.Fatalf("expected second pair to match")
	}

	rejected, err := env.Engine.RejectMatch(env.Ctx, buy2.Match.ID, "failed inspection", "p-buy")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != domain.MatchRejected || rejected.Reason == nil || *rejected.Reason != "failed inspection" {
		t.Fatalf("reject left match %s/%v", rejected.Status, rejected.Reason)
	}
	for _, id := range []string{buy2.Intent.ID, sell2.Intent.ID} {
		if got := env.intent(t, id).Status; got != domain.IntentRiskPassed {
			t.Fatalf("intent %s = %s, want RISK_PASSED after reject", id, got)
		}
		if got := env.countEvents(t, "intent.unmatched", id); got != 1 {
			t.Fatalf("intent.unmatched events for %s = %d, want 1", id, got)
		}
	}
	if _, err := env.Engine.RejectMatch(env.Ctx, buy1.Match.ID, "late", "p-buy"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("rejecting a confirmed match error = %v, want ErrInvalidTransition", err)
	}

	// The released pair is visible to the next matching run.
	matched, err := env.Engine.MatchPending(env.Ctx, "mkt-1", 0)
	if err != nil {
		t.Fatalf("match pending: %v", err)
	}
	if matched != 1 {
		t.Fatalf("matched = %d, want the released pair re-paired", matched)
	}
	if env.intent(t, buy2.Intent.ID).Status != domain.IntentMatched {
		t.Fatalf("released intent did not re-match")
	}
}

func TestCancelIntent(t *testing.T) {
	env := newTestEnv(t)
	env.seedPartner(t, "p-buy", 4, "0", "100000")
	env.seedPartner(t, "p-sell", 4, "0", "100000")

	res := env.create(t, tradeOpts(domain.SideBuy, "p-buy", "100", "7000"))
	cancelled, err := env.Engine.CancelIntent(env.Ctx, res.Intent.ID, "p-buy")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.IntentCancelled {
		t.Fatalf("status = %s, want CANCELLED", cancelled.Status)
	}
	if got := env.countEvents(t, "intent.cancelled", res.Intent.ID); got != 1 {
		t.Fatalf("intent.cancelled events = %d, want 1", got)
	}
	if _, err := env.Engine.CancelIntent(env.Ctx, res.Intent.ID, "p-buy"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("double cancel error = %v, want ErrInvalidTransition", err)
	}

	env.create(t, tradeOpts(domain.SideSell, "p-sell", "100", "7000"))
	matchedBuy := env.create(t, tradeOpts(domain.SideBuy, "p-buy", "100", "7000"))
	if matchedBuy.Match == nil {
		t.Fatalf("expected pair to match")
	}
	_, err = env.Engine.CancelIntent(env.Ctx, matchedBuy.Intent.ID, "p-buy")
	if !errors.Is(err, engine.ErrInvalidTransition) || !strings.Contains(err.Error(), "reject the match") {
		t.Fatalf("cancelling a matched intent error = %v", err)
	}
}

func TestSweepExpiresAndSkipsMatched(t *testing.T) {
	env := newTestEnv(t)
	env.seedPartner(t, "p-buy", 4, "0", "100000")
	env.seedPartner(t, "p-sell", 4, "0", "100000")

	short := tradeOpts(domain.SideBuy, "p-buy", "100", "7000")
	short.TTLHours = 1
	res := env.create(t, short)

	env.now = env.now.Add(2 * time.Hour)
	expired, matched, err := env.Engine.Sweep(env.Ctx, "mkt-1")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if expired != 1 || matched != 0 {
		t.Fatalf("sweep = %d expired, %d matched; want 1, 0", expired, matched)
	}
	if env.intent(t, res.Intent.ID).Status != domain.IntentExpired {
		t.Fatalf("intent not EXPIRED after sweep")
	}
	if got := env.countEvents(t, "intent.expired", res.Intent.ID); got != 1 {
		t.Fatalf("intent.expired events = %d, want 1", got)
	}

	env.create(t, tradeOpts(domain.SideSell, "p-sell", "100", "7000"))
	pair := env.create(t, tradeOpts(domain.SideBuy, "p-buy", "100", "7000"))
	if pair.Match == nil {
		t.Fatalf("expected pair to match")
	}
	env.now = env.now.Add(100 * time.Hour)
	expired, _, err = env.Engine.Sweep(env.Ctx, "mkt-1")
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if expired != 0 {
		t.Fatalf("expired = %d, want 0; matched intents do not expire", expired)
	}
	if env.intent(t, pair.Intent.ID).Status != domain.IntentMatched {
		t.Fatalf("matched intent lost its state to the sweep")
	}
}

type fixedScorer struct{ score int }

func (s fixedScorer) Score(context.Context, risk.ModelInput) (int, error) { return s.score, nil }

type stallScorer struct{}

func (stallScorer) Score(ctx context.Context, _ risk.ModelInput) (int, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func TestModelScorerBlendsAndDegrades(t *testing.T) {
	env := newTestEnv(t)
	env.seedPartner(t, "p-buy", 4, "0", "100000")
	env.Engine.Model = fixedScorer{score: 90}

	res := env.create(t, tradeOpts(domain.SideBuy, "p-buy", "100", "7000"))
	if res.Assessment.Score != 97 {
		t.Fatalf("blended score = %d, want 0.7*100 + 0.3*90 = 97", res.Assessment.Score)
	}
	if !hasFactor(res.Assessment.Factors, risk.FactorModelScore) || res.Assessment.Degraded {
		t.Fatalf("healthy model call mis-recorded: %v degraded=%v", res.Assessment.Factors, res.Assessment.Degraded)
	}

	env.Engine.Model = stallScorer{}
	env.Cfg.Risk.Model.TimeoutMS = 20
	res = env.create(t, tradeOpts(domain.SideBuy, "p-buy", "100", "7000"))
	if !res.Assessment.Degraded || !hasFactor(res.Assessment.Factors, risk.FactorModelDegraded) {
		t.Fatalf("stalled model call did not degrade: %+v", res.Assessment)
	}
	if res.Assessment.Score != 100 || res.Assessment.Status != domain.RiskPass {
		t.Fatalf("degraded assessment = %d/%s, want the rule score 100/PASS", res.Assessment.Score, res.Assessment.Status)
	}
}
