package repo

import (
	"context"
	"database/sql"
	"strings"

	"tradeyard/internal/domain"
)

const outboxColumns = `seq,id,market_id,type,aggregate_kind,aggregate_id,actor_id,payload_json,published,attempt_count,next_attempt_at,claimed_by,claimed_until,last_error,created_at,published_at`

func scanOutboxEvent(sc rowScanner) (domain.OutboxEvent, error) {
	var e domain.OutboxEvent
	var actorID, nextAttempt, claimedBy, claimedUntil, lastError, publishedAt sql.NullString
	var published int
	err := sc.Scan(&e.Seq, &e.ID, &e.MarketID, &e.Type, &e.AggregateKind, &e.AggregateID, &actorID, &e.Payload,
		&published, &e.AttemptCount, &nextAttempt, &claimedBy, &claimedUntil, &lastError, &e.CreatedAt, &publishedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.Published = published != 0
	if actorID.Valid {
		e.ActorID = actorID.String
	}
	if nextAttempt.Valid {
		e.NextAttemptAt = &nextAttempt.String
	}
	if claimedBy.Valid {
		e.ClaimedBy = &claimedBy.String
	}
	if claimedUntil.Valid {
		e.ClaimedUntil = &claimedUntil.String
	}
	if lastError.Valid {
		e.LastError = &lastError.String
	}
	if publishedAt.Valid {
		e.PublishedAt = &publishedAt.String
	}
	return e, nil
}

func (r Repo) GetOutboxEvent(ctx context.Context, id string) (domain.OutboxEvent, error) {
	return scanOutboxEvent(r.DB.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox_events WHERE id=?`, id))
}

type OutboxFilters struct {
	MarketID    string
	Type        string
	AggregateID string
	Published   *bool
	Limit       int
	AfterSeq    int64
}

// ListOutboxEvents returns events in append order for inspection surfaces.
func (r Repo) ListOutboxEvents(ctx context.Context, f OutboxFilters) ([]domain.OutboxEvent, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.MarketID != "" {
		clauses = append(clauses, "market_id=?")
		args = append(args, f.MarketID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.AggregateID != "" {
		clauses = append(clauses, "aggregate_id=?")
		args = append(args, f.AggregateID)
	}
	if f.Published != nil {
		clauses = append(clauses, "published=?")
		if *f.Published {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}
	if f.AfterSeq > 0 {
		clauses = append(clauses, "seq>?")
		args = append(args, f.AfterSeq)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT ` + outboxColumns + ` FROM outbox_events ` + where + ` ORDER BY seq ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutboxEvent
	for rows.Next() {
		e, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventSeq returns the newest sequence number for a market.
func (r Repo) LatestEventSeq(ctx context.Context, marketID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM outbox_events WHERE market_id=?`, marketID)
	var seq int64
	if err := row.Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

func (r Repo) ListDeadEvents(ctx context.Context, marketID string, limit int) ([]domain.DeadEvent, error) {
	query := `SELECT event_id,market_id,type,aggregate_id,payload_json,attempt_count,last_error,failed_at FROM outbox_dlq`
	var args []any
	if marketID != "" {
		query += ` WHERE market_id=?`
		args = append(args, marketID)
	}
	query += ` ORDER BY failed_at DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DeadEvent
	for rows.Next() {
		var d domain.DeadEvent
		if err := rows.Scan(&d.EventID, &d.MarketID, &d.Type, &d.AggregateID, &d.Payload, &d.AttemptCount, &d.LastError, &d.FailedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
