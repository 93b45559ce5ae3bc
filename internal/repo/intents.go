package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"tradeyard/internal/domain"
)

type rowScanner interface {
	Scan(dest ...any) error
}

const intentColumns = `id,market_id,side,partner_id,counterparty_id,commodity_id,quantity,price,location_id,delivery_terms_json,payment_terms_json,quality_json,status,idempotency_key,created_at,updated_at,expires_at`

func scanIntent(sc rowScanner) (domain.Intent, error) {
	var in domain.Intent
	var counterparty, idemKey, deliveryJSON, paymentJSON, qualityJSON sql.NullString
	err := sc.Scan(&in.ID, &in.MarketID, &in.Side, &in.PartnerID, &counterparty, &in.CommodityID,
		&in.Quantity, &in.Price, &in.LocationID, &deliveryJSON, &paymentJSON, &qualityJSON,
		&in.Status, &idemKey, &in.CreatedAt, &in.UpdatedAt, &in.ExpiresAt)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	if err != nil {
		return in, err
	}
	if counterparty.Valid {
		in.CounterpartyID = &counterparty.String
	}
	if idemKey.Valid {
		in.IdempotencyKey = &idemKey.String
	}
	if deliveryJSON.Valid && deliveryJSON.String != "" {
		if err := json.Unmarshal([]byte(deliveryJSON.String), &in.DeliveryTerms); err != nil {
			return in, err
		}
	}
	if paymentJSON.Valid && paymentJSON.String != "" {
		if err := json.Unmarshal([]byte(paymentJSON.String), &in.PaymentTerms); err != nil {
			return in, err
		}
	}
	if qualityJSON.Valid && qualityJSON.String != "" {
		if err := json.Unmarshal([]byte(qualityJSON.String), &in.Quality); err != nil {
			return in, err
		}
	}
	return in, nil
}

func (r Repo) InsertIntent(ctx context.Context, tx *sql.Tx, in domain.Intent) error {
	deliveryJSON, err := nullableJSON(in.DeliveryTerms, len(in.DeliveryTerms) == 0)
	if err != nil {
		return err
	}
	paymentJSON, err := nullableJSON(in.PaymentTerms, len(in.PaymentTerms) == 0)
	if err != nil {
		return err
	}
	qualityJSON, err := nullableJSON(in.Quality, len(in.Quality) == 0)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO intents(`+intentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		in.ID, in.MarketID, in.Side, in.PartnerID, nullableStringPtr(in.CounterpartyID), in.CommodityID,
		in.Quantity, in.Price, in.LocationID, deliveryJSON, paymentJSON, qualityJSON,
		in.Status, nullableStringPtr(in.IdempotencyKey), in.CreatedAt, in.UpdatedAt, in.ExpiresAt)
	return err
}

func (r Repo) GetIntent(ctx context.Context, id string) (domain.Intent, error) {
	return scanIntent(r.DB.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM intents WHERE id=?`, id))
}

func (r Repo) GetIntentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Intent, error) {
	return scanIntent(tx.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM intents WHERE id=?`, id))
}

func (r Repo) GetIntentByIdemKey(ctx context.Context, marketID, key string) (domain.Intent, error) {
	return scanIntent(r.DB.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM intents WHERE market_id=? AND idempotency_key=?`, marketID, key))
}

// UpdateIntentStatus moves an intent inside the caller's transaction. The
// engine re-reads the row in the same transaction before calling this, so a
// plain write is safe here.
func (r Repo) UpdateIntentStatus(ctx context.Context, tx *sql.Tx, id string, status domain.IntentStatus, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE intents SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type IntentFilters struct {
	MarketID        string
	Status          string
	Side            string
	PartnerID       string
	CommodityID     string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListIntents(ctx context.Context, f IntentFilters) ([]domain.Intent, error) {
	var clauses []string
	var args []any
	if f.MarketID != "" {
		clauses = append(clauses, "market_id=?")
		args = append(args, f.MarketID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Side != "" {
		clauses = append(clauses, "side=?")
		args = append(args, f.Side)
	}
	if f.PartnerID != "" {
		clauses = append(clauses, "partner_id=?")
		args = append(args, f.PartnerID)
	}
	if f.CommodityID != "" {
		clauses = append(clauses, "commodity_id=?")
		args = append(args, f.CommodityID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + intentColumns + ` FROM intents ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

// ListOpenForMatching returns RISK_PASSED intents oldest first for the sweep.
func (r Repo) ListOpenForMatching(ctx context.Context, marketID string, notExpiredAt string, limit int) ([]domain.Intent, error) {
	query := `SELECT ` + intentColumns + ` FROM intents WHERE market_id=? AND status=? AND expires_at>? ORDER BY created_at ASC, id ASC`
	args := []any{marketID, domain.IntentRiskPassed, notExpiredAt}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

// ListExpiredIntents returns non-terminal intents whose expiry fell on or
// before the cutoff.
func (r Repo) ListExpiredIntents(ctx context.Context, marketID, cutoff string) ([]domain.Intent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+intentColumns+` FROM intents
WHERE market_id=? AND expires_at<=? AND status NOT IN (?,?,?,?) ORDER BY created_at ASC, id ASC`,
		marketID, cutoff, domain.IntentRiskBlocked, domain.IntentMatched, domain.IntentExpired, domain.IntentCancelled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

// CandidateQuery narrows open counter-intents with the cheap hard filters that
// can run in SQL. Quantity and price band edges arrive as floats; exact
// arithmetic stays in the scorer.
type CandidateQuery struct {
	MarketID      string
	CommodityID   string
	Side          domain.Side
	SeekerPartner string
	TargetPartner string
	QtyLow        float64
	QtyHigh       float64
	PriceLow      float64
	PriceHigh     float64
	PriceBand     bool
	NotExpiredAt  string
	Cap           int
}

// FindCandidates returns at most Cap candidates, oldest first. Candidates
// directed at a different partner are excluded; undirected ones always pass.
// Unpriced candidates pass the price band (price discovery mode).
func (r Repo) FindCandidates(ctx context.Context, q CandidateQuery) ([]domain.Intent, error) {
	clauses := []string{
		"market_id=?", "commodity_id=?", "side=?", "status=?",
		"partner_id<>?", "(counterparty_id IS NULL OR counterparty_id=?)",
		"expires_at>?", "CAST(quantity AS REAL)>=?", "CAST(quantity AS REAL)<=?",
	}
	args := []any{
		q.MarketID, q.CommodityID, q.Side, domain.IntentRiskPassed,
		q.SeekerPartner, q.SeekerPartner,
		q.NotExpiredAt, q.QtyLow, q.QtyHigh,
	}
	if q.TargetPartner != "" {
		clauses = append(clauses, "partner_id=?")
		args = append(args, q.TargetPartner)
	}
	if q.PriceBand {
		clauses = append(clauses, "(price IS NULL OR (CAST(price AS REAL)>=? AND CAST(price AS REAL)<=?))")
		args = append(args, q.PriceLow, q.PriceHigh)
	}
	query := `SELECT ` + intentColumns + ` FROM intents WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, q.Cap)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

func (r Repo) CountIntentsByStatus(ctx context.Context, marketID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM intents WHERE market_id=? GROUP BY status`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, nil
}
