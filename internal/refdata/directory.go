// Package refdata exposes the read-only master data and trade history the
// core consumes: partner profiles, capabilities, locations, commodities and
// counted pair outcomes. The matching core never writes through this package.
package refdata

import (
	"context"
	"database/sql"
	"errors"

	"tradeyard/internal/domain"
)

// Capability tokens the admission gate requires per side.
const (
	CapabilityBuy  = "trade.buy"
	CapabilitySell = "trade.sell"
)

// CapabilityFor returns the token an intent side requires.
func CapabilityFor(side domain.Side) string {
	if side == domain.SideBuy {
		return CapabilityBuy
	}
	return CapabilitySell
}

var ErrNotFound = errors.New("not found")

// Directory is the boundary to the partner/commodity/location collaborators.
type Directory interface {
	PartnerProfile(ctx context.Context, partnerID string) (domain.Partner, error)
	HasCapability(ctx context.Context, partnerID, token string) (bool, error)
	PairHistory(ctx context.Context, a, b string) (domain.PairHistory, error)
	LocationInfo(ctx context.Context, locationID string) (domain.Location, error)
	CommodityBaseUnit(ctx context.Context, commodityID string) (string, error)
	// OpenPositions counts the partner's unsettled buy and sell trades for a
	// commodity.
	OpenPositions(ctx context.Context, partnerID, commodityID string) (openBuys, openSells int, err error)
	// SameDayReverseTrade reports whether the partner already traded the
	// commodity in the opposite direction with this exact counterparty on the
	// given calendar day.
	SameDayReverseTrade(ctx context.Context, partnerID, counterpartyID, commodityID string, side domain.Side, day string) (bool, error)
	// SettledOutcomes counts successful and total settled trades the partner
	// participated in.
	SettledOutcomes(ctx context.Context, partnerID string) (success, total int, err error)
}

// SQLDirectory serves the Directory contract from the workspace database.
type SQLDirectory struct {
	DB *sql.DB
}

func (d SQLDirectory) PartnerProfile(ctx context.Context, partnerID string) (domain.Partner, error) {
	var p domain.Partner
	err := d.DB.QueryRowContext(ctx, `SELECT id,market_id,name,rating,exposure,credit_limit,status,created_at FROM partners WHERE id=?`, partnerID).
		Scan(&p.ID, &p.MarketID, &p.Name, &p.Rating, &p.Exposure, &p.CreditLimit, &p.Status, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (d SQLDirectory) HasCapability(ctx context.Context, partnerID, token string) (bool, error) {
	var n int
	err := d.DB.QueryRowContext(ctx, `SELECT 1 FROM partner_capabilities WHERE partner_id=? AND capability=? LIMIT 1`, partnerID, token).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (d SQLDirectory) PairHistory(ctx context.Context, a, b string) (domain.PairHistory, error) {
	var h domain.PairHistory
	err := d.DB.QueryRowContext(ctx, `SELECT
COUNT(*),
COALESCE(SUM(CASE WHEN on_time_payment=1 THEN 1 ELSE 0 END),0),
COALESCE(SUM(CASE WHEN on_time_payment=0 THEN 1 ELSE 0 END),0),
COALESCE(SUM(CASE WHEN on_time_delivery=1 THEN 1 ELSE 0 END),0),
COALESCE(SUM(CASE WHEN on_time_delivery=0 THEN 1 ELSE 0 END),0),
COALESCE(SUM(CASE WHEN quality_ok=1 THEN 1 ELSE 0 END),0),
COALESCE(SUM(CASE WHEN quality_ok=0 THEN 1 ELSE 0 END),0),
COALESCE(SUM(dispute_raised),0),
COALESCE(SUM(CASE WHEN dispute_resolved=1 THEN 1 ELSE 0 END),0)
FROM trade_records
WHERE ((buyer_id=? AND seller_id=?) OR (buyer_id=? AND seller_id=?)) AND status<>'cancelled'`, a, b, b, a).
		Scan(&h.TradeCount, &h.PaymentsOnTime, &h.PaymentsLate, &h.DeliveriesOnTime, &h.DeliveriesLate,
			&h.QualityOK, &h.QualityRejected, &h.DisputesRaised, &h.DisputesResolved)
	return h, err
}

func (d SQLDirectory) LocationInfo(ctx context.Context, locationID string) (domain.Location, error) {
	var l domain.Location
	var zone, tz sql.NullString
	err := d.DB.QueryRowContext(ctx, `SELECT id,market_id,name,lat,lng,zone,timezone,created_at FROM locations WHERE id=?`, locationID).
		Scan(&l.ID, &l.MarketID, &l.Name, &l.Lat, &l.Lng, &zone, &tz, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	if zone.Valid {
		l.Zone = zone.String
	}
	if tz.Valid {
		l.Timezone = tz.String
	}
	return l, nil
}

func (d SQLDirectory) CommodityBaseUnit(ctx context.Context, commodityID string) (string, error) {
	var unit string
	err := d.DB.QueryRowContext(ctx, `SELECT base_unit FROM commodities WHERE id=?`, commodityID).Scan(&unit)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return unit, err
}

func (d SQLDirectory) OpenPositions(ctx context.Context, partnerID, commodityID string) (int, int, error) {
	var openBuys, openSells int
	err := d.DB.QueryRowContext(ctx, `SELECT
COALESCE(SUM(CASE WHEN buyer_id=? THEN 1 ELSE 0 END),0),
COALESCE(SUM(CASE WHEN seller_id=? THEN 1 ELSE 0 END),0)
FROM trade_records WHERE commodity_id=? AND status='open' AND (buyer_id=? OR seller_id=?)`,
		partnerID, partnerID, commodityID, partnerID, partnerID).
		Scan(&openBuys, &openSells)
	return openBuys, openSells, err
}

func (d SQLDirectory) SameDayReverseTrade(ctx context.Context, partnerID, counterpartyID, commodityID string, side domain.Side, day string) (bool, error) {
	// A SELL reverses an earlier same-day purchase from the counterparty, a
	// BUY reverses an earlier same-day sale to it.
	query := `SELECT 1 FROM trade_records WHERE buyer_id=? AND seller_id=? AND commodity_id=? AND status<>'cancelled' AND date(traded_at)=date(?) LIMIT 1`
	args := []any{partnerID, counterpartyID, commodityID, day}
	if side == domain.SideBuy {
		args[0], args[1] = counterpartyID, partnerID
	}
	var n int
	err := d.DB.QueryRowContext(ctx, query, args...).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (d SQLDirectory) SettledOutcomes(ctx context.Context, partnerID string) (int, int, error) {
	var success, total int
	err := d.DB.QueryRowContext(ctx, `SELECT
COALESCE(SUM(CASE WHEN COALESCE(on_time_payment,1)=1 AND COALESCE(on_time_delivery,1)=1 AND dispute_raised=0 THEN 1 ELSE 0 END),0),
COUNT(*)
FROM trade_records WHERE status='settled' AND (buyer_id=? OR seller_id=?)`, partnerID, partnerID).
		Scan(&success, &total)
	return success, total, err
}
