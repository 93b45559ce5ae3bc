package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tradeyard/internal/config"
	"tradeyard/internal/repo"
)

// ResolveMarketAndConfig picks the active market and ensures a market row and
// a config row exist in the DB, seeding defaults if missing. A tradeyard.yml
// in the workspace wins over the stored config; otherwise the explicit
// override is used, then the single market already in the DB.
// If the market does not exist yet, it is created on the fly.
func ResolveMarketAndConfig(ctx context.Context, workspace, marketOverride string, r repo.Repo) (string, *config.Config, error) {
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}

	marketID := marketOverride
	if marketID == "" && fileCfg != nil {
		marketID = fileCfg.Market.ID
	}
	if marketID == "" {
		m, err := r.SingleMarket(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("market not specified; use --market or create tradeyard.yml")
		}
		marketID = m.ID
	}

	seedCfg := fileCfg
	if seedCfg == nil || seedCfg.Market.ID != marketID {
		seedCfg = config.Default(marketID)
	}

	if _, err := r.GetMarket(ctx, marketID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createMarket(ctx, r, marketID, seedCfg); err != nil {
			return "", nil, err
		}
	}

	if fileCfg != nil && fileCfg.Market.ID == marketID {
		if err := r.UpsertMarketConfig(ctx, marketID, fileCfg); err != nil {
			return "", nil, fmt.Errorf("store market config: %w", err)
		}
		return marketID, fileCfg, nil
	}

	cfg, err := r.GetMarketConfig(ctx, marketID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertMarketConfig(ctx, marketID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed market config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Market.ID = marketID
	return marketID, cfg, nil
}

// createMarket inserts a minimal open market together with its config row.
func createMarket(ctx context.Context, r repo.Repo, marketID string, seedCfg *config.Config) error {
	if seedCfg == nil {
		seedCfg = config.Default(marketID)
	}
	name := seedCfg.Market.Name
	if name == "" {
		name = marketID
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO markets(id,name,status,description,created_at) VALUES (?,?,?,?,?)`,
		marketID, name, "open", "", now); err != nil {
		return fmt.Errorf("insert market: %w", err)
	}
	if err := r.UpsertMarketConfigTx(ctx, tx, marketID, seedCfg); err != nil {
		return fmt.Errorf("insert market config: %w", err)
	}
	return tx.Commit()
}
