package repo

import (
	"context"
	"database/sql"

	"tradeyard/internal/domain"
)

func (r Repo) InsertPartner(ctx context.Context, p domain.Partner) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `INSERT INTO partners(id,market_id,name,rating,exposure,credit_limit,status,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.MarketID, p.Name, p.Rating, p.Exposure, p.CreditLimit, p.Status, p.CreatedAt)
	if err != nil {
		return err
	}
	for _, cap := range p.Capabilities {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO partner_capabilities(partner_id,capability) VALUES (?,?)`, p.ID, cap); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r Repo) GetPartner(ctx context.Context, id string) (domain.Partner, error) {
	var p domain.Partner
	err := r.DB.QueryRowContext(ctx, `SELECT id,market_id,name,rating,exposure,credit_limit,status,created_at FROM partners WHERE id=?`, id).
		Scan(&p.ID, &p.MarketID, &p.Name, &p.Rating, &p.Exposure, &p.CreditLimit, &p.Status, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	caps, err := r.ListCapabilities(ctx, id)
	if err != nil {
		return p, err
	}
	p.Capabilities = caps
	return p, nil
}

func (r Repo) ListPartners(ctx context.Context, marketID string) ([]domain.Partner, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,market_id,name,rating,exposure,credit_limit,status,created_at FROM partners WHERE market_id=? ORDER BY created_at DESC, id DESC`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Partner
	for rows.Next() {
		var p domain.Partner
		if err := rows.Scan(&p.ID, &p.MarketID, &p.Name, &p.Rating, &p.Exposure, &p.CreditLimit, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) ListCapabilities(ctx context.Context, partnerID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT capability FROM partner_capabilities WHERE partner_id=? ORDER BY capability`, partnerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var caps []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		caps = append(caps, c)
	}
	return caps, rows.Err()
}

func (r Repo) InsertCommodity(ctx context.Context, c domain.Commodity) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO commodities(id,market_id,name,base_unit,created_at) VALUES (?,?,?,?,?)`,
		c.ID, c.MarketID, c.Name, c.BaseUnit, c.CreatedAt)
	return err
}

func (r Repo) GetCommodity(ctx context.Context, id string) (domain.Commodity, error) {
	var c domain.Commodity
	err := r.DB.QueryRowContext(ctx, `SELECT id,market_id,name,base_unit,created_at FROM commodities WHERE id=?`, id).
		Scan(&c.ID, &c.MarketID, &c.Name, &c.BaseUnit, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) ListCommodities(ctx context.Context, marketID string) ([]domain.Commodity, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,market_id,name,base_unit,created_at FROM commodities WHERE market_id=? ORDER BY name`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Commodity
	for rows.Next() {
		var c domain.Commodity
		if err := rows.Scan(&c.ID, &c.MarketID, &c.Name, &c.BaseUnit, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) InsertLocation(ctx context.Context, l domain.Location) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO locations(id,market_id,name,lat,lng,zone,timezone,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		l.ID, l.MarketID, l.Name, l.Lat, l.Lng, nullable(l.Zone), nullable(l.Timezone), l.CreatedAt)
	return err
}

func (r Repo) GetLocation(ctx context.Context, id string) (domain.Location, error) {
	var l domain.Location
	var zone, tz sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,market_id,name,lat,lng,zone,timezone,created_at FROM locations WHERE id=?`, id).
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

func (r Repo) ListLocations(ctx context.Context, marketID string) ([]domain.Location, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,market_id,name,lat,lng,COALESCE(zone,''),COALESCE(timezone,''),created_at FROM locations WHERE market_id=? ORDER BY name`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Location
	for rows.Next() {
		var l domain.Location
		if err := rows.Scan(&l.ID, &l.MarketID, &l.Name, &l.Lat, &l.Lng, &l.Zone, &l.Timezone, &l.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (r Repo) InsertTradeRecord(ctx context.Context, t domain.TradeRecord) error {
	disputeRaised := 0
	if t.DisputeRaised {
		disputeRaised = 1
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO trade_records(id,market_id,buyer_id,seller_id,commodity_id,quantity,price,status,on_time_payment,on_time_delivery,quality_ok,dispute_raised,dispute_resolved,traded_at,settled_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.MarketID, t.BuyerID, t.SellerID, t.CommodityID, t.Quantity, t.Price, t.Status,
		nullableBoolPtr(t.OnTimePayment), nullableBoolPtr(t.OnTimeDelivery), nullableBoolPtr(t.QualityOK),
		disputeRaised, nullableBoolPtr(t.DisputeResolved), t.TradedAt, nullableStringPtr(t.SettledAt))
	return err
}

// ListTradeRecords returns a partner's trade history, newest first. With an
// empty partnerID it lists the whole market.
func (r Repo) ListTradeRecords(ctx context.Context, marketID, partnerID string, limit int) ([]domain.TradeRecord, error) {
	q := `SELECT id,market_id,buyer_id,seller_id,commodity_id,quantity,price,status,on_time_payment,on_time_delivery,quality_ok,dispute_raised,dispute_resolved,traded_at,settled_at
FROM trade_records WHERE market_id=?`
	args := []any{marketID}
	if partnerID != "" {
		q += ` AND (buyer_id=? OR seller_id=?)`
		args = append(args, partnerID, partnerID)
	}
	q += ` ORDER BY traded_at DESC, id DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TradeRecord
	for rows.Next() {
		var t domain.TradeRecord
		var payment, delivery, quality, resolved sql.NullBool
		var disputeRaised int
		var settledAt sql.NullString
		if err := rows.Scan(&t.ID, &t.MarketID, &t.BuyerID, &t.SellerID, &t.CommodityID, &t.Quantity, &t.Price, &t.Status,
			&payment, &delivery, &quality, &disputeRaised, &resolved, &t.TradedAt, &settledAt); err != nil {
			return nil, err
		}
		t.OnTimePayment = boolFromNull(payment)
		t.OnTimeDelivery = boolFromNull(delivery)
		t.QualityOK = boolFromNull(quality)
		t.DisputeRaised = disputeRaised != 0
		t.DisputeResolved = boolFromNull(resolved)
		if settledAt.Valid {
			s := settledAt.String
			t.SettledAt = &s
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func nullableBoolPtr(v *bool) any {
	if v == nil {
		return nil
	}
	if *v {
		return 1
	}
	return 0
}

func boolFromNull(v sql.NullBool) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Bool
	return &b
}
