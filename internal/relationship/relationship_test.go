package relationship_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradeyard/internal/config"
	"tradeyard/internal/db"
	"tradeyard/internal/domain"
	"tradeyard/internal/migrate"
	"tradeyard/internal/refdata"
	"tradeyard/internal/relationship"
	"tradeyard/internal/repo"
)

func relCfg() config.Relationship {
	return config.Default("mkt-1").Relationship
}

func TestComputeNoHistoryIsNeutral(t *testing.T) {
	s := relationship.Compute(domain.PairHistory{}, relCfg())
	if s.Composite != 50 || s.Class != domain.RelationshipOK {
		t.Fatalf("empty history: got composite=%v class=%s, want 50 OK", s.Composite, s.Class)
	}
	if s.Payment != 50 || s.Delivery != 50 || s.Quality != 50 || s.Dispute != 50 {
		t.Fatalf("all components should be neutral: %+v", s)
	}
}

func TestComputePerfectHistory(t *testing.T) {
	h := domain.PairHistory{
		TradeCount:       5,
		PaymentsOnTime:   5,
		DeliveriesOnTime: 5,
		QualityOK:        5,
	}
	s := relationship.Compute(h, relCfg())
	if s.Composite != 100 || s.Class != domain.RelationshipOK {
		t.Fatalf("perfect history: got composite=%v class=%s", s.Composite, s.Class)
	}
}

func TestComputeTroubledPairBlocked(t *testing.T) {
	h := domain.PairHistory{
		TradeCount:      4,
		PaymentsLate:    4,
		DeliveriesLate:  4,
		QualityRejected: 4,
		DisputesRaised:  4,
	}
	s := relationship.Compute(h, relCfg())
	if s.Composite != 0 || s.Class != domain.RelationshipBlocked {
		t.Fatalf("all-bad history: got composite=%v class=%s, want 0 BLOCKED", s.Composite, s.Class)
	}
}

func TestComputeWarnBand(t *testing.T) {
	// payment 50, delivery 50, quality 0, dispute 100:
	// 50*.35 + 50*.30 + 0*.25 + 100*.10 = 42.5 -> WARN
	h := domain.PairHistory{
		TradeCount:       4,
		PaymentsOnTime:   2,
		PaymentsLate:     2,
		DeliveriesOnTime: 2,
		DeliveriesLate:   2,
		QualityRejected:  4,
	}
	s := relationship.Compute(h, relCfg())
	if s.Composite != 42.5 || s.Class != domain.RelationshipWarn {
		t.Fatalf("got composite=%v class=%s, want 42.5 WARN", s.Composite, s.Class)
	}
}

func TestComputeMissingComponentStaysNeutral(t *testing.T) {
	// trades exist but carry no payment outcomes
	h := domain.PairHistory{TradeCount: 2, DeliveriesOnTime: 2, QualityOK: 2}
	s := relationship.Compute(h, relCfg())
	if s.Payment != 50 {
		t.Fatalf("payment without data should be neutral, got %v", s.Payment)
	}
	if s.Dispute != 100 {
		t.Fatalf("no disputes over real trades scores 100, got %v", s.Dispute)
	}
}

type cacheEnv struct {
	DB     *sql.DB
	Repo   repo.Repo
	Cache  *relationship.Cache
	Ctx    context.Context
	now    time.Time
	trades int
}

func newCacheEnv(t *testing.T) *cacheEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &cacheEnv{
		DB:   conn,
		Repo: repo.Repo{DB: conn},
		Ctx:  context.Background(),
		now:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	env.Cache = &relationship.Cache{
		Repo: env.Repo,
		Dir:  refdata.SQLDirectory{DB: conn},
		Cfg:  relCfg(),
		Now:  func() time.Time { return env.now },
	}
	seed := env.now.Format(time.RFC3339)
	if err := env.Repo.InsertMarket(env.Ctx, domain.Market{ID: "mkt-1", Name: "m", Status: "open", CreatedAt: seed}); err != nil {
		t.Fatalf("seed market: %v", err)
	}
	for _, id := range []string{"p-a", "p-b"} {
		err := env.Repo.InsertPartner(env.Ctx, domain.Partner{
			ID: id, MarketID: "mkt-1", Name: id, Rating: 4,
			Exposure: decimal.Zero, CreditLimit: decimal.NewFromInt(1000), Status: "active", CreatedAt: seed,
		})
		if err != nil {
			t.Fatalf("seed partner: %v", err)
		}
	}
	if err := env.Repo.InsertCommodity(env.Ctx, domain.Commodity{ID: "c-1", MarketID: "mkt-1", Name: "Cotton", BaseUnit: "kg", CreatedAt: seed}); err != nil {
		t.Fatalf("seed commodity: %v", err)
	}
	return env
}

func (e *cacheEnv) addSettledTrade(t *testing.T, onTimePayment bool) {
	t.Helper()
	e.trades++
	pay := onTimePayment
	tr := domain.TradeRecord{
		ID: fmt.Sprintf("tr-%d", e.trades), MarketID: "mkt-1",
		BuyerID: "p-a", SellerID: "p-b", CommodityID: "c-1",
		Quantity: decimal.NewFromInt(10), Status: domain.TradeSettled,
		OnTimePayment: &pay, TradedAt: e.now.Add(-24 * time.Hour).Format(time.RFC3339),
	}
	if err := e.Repo.InsertTradeRecord(e.Ctx, tr); err != nil {
		t.Fatalf("seed trade: %v", err)
	}
}

func TestCacheComputesAndReuses(t *testing.T) {
	env := newCacheEnv(t)
	env.addSettledTrade(t, true)

	rel, err := env.Cache.Get(env.Ctx, "p-b", "p-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rel.PartnerLo != "p-a" || rel.PartnerHi != "p-b" {
		t.Fatalf("pair key not ordered: %+v", rel)
	}
	if rel.TradeCount != 1 || rel.Payment != 100 {
		t.Fatalf("unexpected computed row: %+v", rel)
	}

	// new history inside the freshness window is not picked up
	env.addSettledTrade(t, false)
	again, err := env.Cache.Get(env.Ctx, "p-a", "p-b")
	if err != nil {
		t.Fatalf("get cached: %v", err)
	}
	if again.TradeCount != 1 {
		t.Fatalf("expected cached row, got recompute: %+v", again)
	}

	// past the window the row is recomputed
	env.now = env.now.Add(7 * time.Hour)
	refreshed, err := env.Cache.Get(env.Ctx, "p-a", "p-b")
	if err != nil {
		t.Fatalf("get refreshed: %v", err)
	}
	if refreshed.TradeCount != 2 || refreshed.Payment != 50 {
		t.Fatalf("expected recomputed row with both trades: %+v", refreshed)
	}
}
