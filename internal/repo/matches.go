package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"tradeyard/internal/domain"
)

const matchColumns = `id,market_id,requirement_intent_id,availability_intent_id,score,breakdown_json,status,reason,created_at,decided_at`

func scanMatch(sc rowScanner) (domain.Match, error) {
	var m domain.Match
	var breakdownJSON string
	var reason, decidedAt sql.NullString
	err := sc.Scan(&m.ID, &m.MarketID, &m.RequirementID, &m.AvailabilityID, &m.Score, &breakdownJSON, &m.Status, &reason, &m.CreatedAt, &decidedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if breakdownJSON != "" {
		if err := json.Unmarshal([]byte(breakdownJSON), &m.Breakdown); err != nil {
			return m, err
		}
	}
	if reason.Valid {
		m.Reason = &reason.String
	}
	if decidedAt.Valid {
		m.DecidedAt = &decidedAt.String
	}
	return m, nil
}

func (r Repo) InsertMatch(ctx context.Context, tx *sql.Tx, m domain.Match) error {
	breakdown, err := json.Marshal(m.Breakdown)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO matches(`+matchColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.MarketID, m.RequirementID, m.AvailabilityID, m.Score, string(breakdown), m.Status,
		nullableStringPtr(m.Reason), m.CreatedAt, nullableStringPtr(m.DecidedAt))
	return err
}

func (r Repo) GetMatch(ctx context.Context, id string) (domain.Match, error) {
	return scanMatch(r.DB.QueryRowContext(ctx, `SELECT `+matchColumns+` FROM matches WHERE id=?`, id))
}

func (r Repo) GetMatchTx(ctx context.Context, tx *sql.Tx, id string) (domain.Match, error) {
	return scanMatch(tx.QueryRowContext(ctx, `SELECT `+matchColumns+` FROM matches WHERE id=?`, id))
}

func (r Repo) UpdateMatchStatus(ctx context.Context, tx *sql.Tx, id string, status domain.MatchStatus, reason *string, decidedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE matches SET status=?, reason=?, decided_at=? WHERE id=?`,
		status, nullableStringPtr(reason), decidedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type MatchFilters struct {
	MarketID        string
	Status          string
	IntentID        string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListMatches(ctx context.Context, f MatchFilters) ([]domain.Match, error) {
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
	if f.IntentID != "" {
		clauses = append(clauses, "(requirement_intent_id=? OR availability_intent_id=?)")
		args = append(args, f.IntentID, f.IntentID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + matchColumns + ` FROM matches ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
