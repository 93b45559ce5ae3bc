package repo

import (
	"context"
	"database/sql"

	"tradeyard/internal/domain"
)

// GetRelationship returns the cached pairwise score for two partners in either
// argument order.
func (r Repo) GetRelationship(ctx context.Context, a, b string) (domain.PeerRelationship, error) {
	lo, hi := domain.PairKey(a, b)
	var rel domain.PeerRelationship
	err := r.DB.QueryRowContext(ctx, `SELECT partner_lo,partner_hi,composite,payment,delivery,quality,dispute,trade_count,classification,computed_at
FROM peer_relationships WHERE partner_lo=? AND partner_hi=?`, lo, hi).
		Scan(&rel.PartnerLo, &rel.PartnerHi, &rel.Composite, &rel.Payment, &rel.Delivery, &rel.Quality, &rel.Dispute, &rel.TradeCount, &rel.Class, &rel.ComputedAt)
	if err == sql.ErrNoRows {
		return rel, ErrNotFound
	}
	return rel, err
}

// UpsertRelationship refreshes the cache row for a pair. The cache is not part
// of any business transaction; a stale row is recomputed, never trusted past
// its freshness window.
func (r Repo) UpsertRelationship(ctx context.Context, rel domain.PeerRelationship) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO peer_relationships(partner_lo,partner_hi,composite,payment,delivery,quality,dispute,trade_count,classification,computed_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(partner_lo,partner_hi) DO UPDATE SET composite=excluded.composite, payment=excluded.payment, delivery=excluded.delivery,
quality=excluded.quality, dispute=excluded.dispute, trade_count=excluded.trade_count, classification=excluded.classification, computed_at=excluded.computed_at`,
		rel.PartnerLo, rel.PartnerHi, rel.Composite, rel.Payment, rel.Delivery, rel.Quality, rel.Dispute, rel.TradeCount, rel.Class, rel.ComputedAt)
	return err
}
