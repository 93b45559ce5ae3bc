package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tradeyard/internal/config"
	"tradeyard/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func scanMarket(row *sql.Row) (domain.Market, error) {
	var m domain.Market
	var desc sql.NullString
	err := row.Scan(&m.ID, &m.Name, &m.Status, &desc, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if desc.Valid {
		m.Description = desc.String
	}
	return m, err
}

func (r Repo) InsertMarket(ctx context.Context, m domain.Market) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO markets(id,name,status,description,created_at) VALUES (?,?,?,?,?)`,
		m.ID, m.Name, m.Status, nullable(m.Description), m.CreatedAt)
	return err
}

func (r Repo) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	return scanMarket(r.DB.QueryRowContext(ctx, `SELECT id,name,status,COALESCE(description,'') AS description,created_at FROM markets WHERE id=?`, id))
}

func (r Repo) SingleMarket(ctx context.Context) (domain.Market, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,COALESCE(description,'') AS description,created_at FROM markets`)
	if err != nil {
		return domain.Market{}, err
	}
	defer rows.Close()
	var markets []domain.Market
	for rows.Next() {
		var m domain.Market
		if err := rows.Scan(&m.ID, &m.Name, &m.Status, &m.Description, &m.CreatedAt); err != nil {
			return domain.Market{}, err
		}
		markets = append(markets, m)
	}
	if len(markets) == 0 {
		return domain.Market{}, ErrNotFound
	}
	if len(markets) > 1 {
		return domain.Market{}, fmt.Errorf("multiple markets exist; specify --market")
	}
	return markets[0], nil
}

func (r Repo) ListMarkets(ctx context.Context) ([]domain.Market, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,COALESCE(description,'') AS description,created_at FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Market
	for rows.Next() {
		var m domain.Market
		if err := rows.Scan(&m.ID, &m.Name, &m.Status, &m.Description, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, nil
}

func (r Repo) UpsertMarketConfig(ctx context.Context, marketID string, cfg *config.Config) error {
	return upsertMarketConfig(ctx, r.DB, nil, marketID, cfg)
}

func (r Repo) UpsertMarketConfigTx(ctx context.Context, tx *sql.Tx, marketID string, cfg *config.Config) error {
	return upsertMarketConfig(ctx, nil, tx, marketID, cfg)
}

func upsertMarketConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, marketID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Market.ID = marketID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO market_configs(market_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(market_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, marketID, string(payload), now, now)
	return err
}

func (r Repo) GetMarketConfig(ctx context.Context, marketID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM market_configs WHERE market_id=?`, marketID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Market.ID == "" {
		cfg.Market.ID = marketID
	}
	return &cfg, cfg.Validate()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

// nullableJSON marshals v for a nullable TEXT column; empty collections are
// stored as NULL.
func nullableJSON(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
