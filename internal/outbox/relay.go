package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"tradeyard/internal/config"
	"tradeyard/internal/domain"
)

// ErrNoWork reports an empty claim: nothing was due.
var ErrNoWork = errors.New("no due events")

// Relay drains the outbox. It claims due events under a worker lease, hands
// them to the Publisher and reschedules failures with capped exponential
// backoff; an event that exhausts its attempts is parked in the dead-letter
// table and marked published so its aggregate's stream can progress.
//
// Only the head event of each aggregate is ever claimed, which keeps delivery
// in insert order per aggregate. The lease replaces row locking: a claimed
// row stays invisible to other workers until claimed_until passes, so a
// crashed worker's claim expires on its own.
type Relay struct {
	DB        *sql.DB
	Publisher Publisher
	Cfg       config.Outbox
	WorkerID  string
	Now       func() time.Time
	RNG       *rand.Rand
	Logger    *log.Logger
}

func (r *Relay) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Relay) logf(format string, args ...any) {
	if r.Logger != nil {
		r.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (r *Relay) backoff() Backoff {
	b := DefaultBackoff()
	if r.Cfg.BackoffBaseMS > 0 {
		b.Base = time.Duration(r.Cfg.BackoffBaseMS) * time.Millisecond
	}
	if r.Cfg.BackoffMaxMS > 0 {
		b.Max = time.Duration(r.Cfg.BackoffMaxMS) * time.Millisecond
	}
	return b
}

const claimSQL = `UPDATE outbox_events SET claimed_by = ?, claimed_until = ?
WHERE seq IN (
	SELECT o.seq FROM outbox_events o
	WHERE o.published = 0
	  AND o.next_attempt_at <= ?
	  AND (o.claimed_until IS NULL OR o.claimed_until < ?)
	  AND NOT EXISTS (
		SELECT 1 FROM outbox_events prior
		WHERE prior.aggregate_id = o.aggregate_id
		  AND prior.published = 0
		  AND prior.seq < o.seq
	  )
	ORDER BY o.seq
	LIMIT ?
)`

// claim leases one batch of due head events for this worker.
func (r *Relay) claim(ctx context.Context) ([]domain.OutboxEvent, error) {
	batch := r.Cfg.BatchSize
	if batch <= 0 {
		batch = 20
	}
	ttl := time.Duration(r.Cfg.ClaimTTLMS) * time.Millisecond
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	now := r.now().UTC()
	until := now.Add(ttl).Format(time.RFC3339)
	nowStr := now.Format(time.RFC3339)

	res, err := r.DB.ExecContext(ctx, claimSQL, r.WorkerID, until, nowStr, nowStr, batch)
	if err != nil {
		return nil, fmt.Errorf("claim events: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return nil, err
	}

	rows, err := r.DB.QueryContext(ctx, `SELECT seq, id, market_id, type, aggregate_kind, aggregate_id, COALESCE(actor_id,''), payload_json, attempt_count, created_at
		FROM outbox_events WHERE claimed_by = ? AND claimed_until = ? AND published = 0 ORDER BY seq`, r.WorkerID, until)
	if err != nil {
		return nil, fmt.Errorf("load claimed events: %w", err)
	}
	defer rows.Close()

	var out []domain.OutboxEvent
	for rows.Next() {
		var ev domain.OutboxEvent
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.MarketID, &ev.Type, &ev.AggregateKind, &ev.AggregateID, &ev.ActorID, &ev.Payload, &ev.AttemptCount, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ProcessOnce claims a batch and attempts delivery. It returns the number of
// events published; ErrNoWork when nothing was due. Delivery failures are not
// errors here, they are recorded on the rows for retry.
func (r *Relay) ProcessOnce(ctx context.Context) (int, error) {
	events, err := r.claim(ctx)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, ErrNoWork
	}

	published := 0
	for _, ev := range events {
		if ctx.Err() != nil {
			return published, ctx.Err()
		}
		if err := r.Publisher.Publish(ctx, ev); err != nil {
			deliveryFailures.WithLabelValues(ev.Type).Inc()
			if ferr := r.markFailed(ctx, ev, err); ferr != nil {
				return published, ferr
			}
			continue
		}
		if err := r.markPublished(ctx, ev.ID); err != nil {
			return published, err
		}
		publishedTotal.WithLabelValues(ev.Type).Inc()
		published++
	}
	return published, nil
}

func (r *Relay) markPublished(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE outbox_events
		SET published = 1, published_at = ?, attempt_count = attempt_count + 1, last_error = NULL, claimed_by = NULL, claimed_until = NULL
		WHERE id = ?`, r.now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("mark published %s: %w", id, err)
	}
	return nil
}

// markFailed records one failed attempt: either a rescheduled retry or, once
// the attempt ceiling is reached, a dead-letter row. The dead-lettered event
// keeps published_at NULL; published = 1 only unblocks the aggregate.
func (r *Relay) markFailed(ctx context.Context, ev domain.OutboxEvent, cause error) error {
	attempt := ev.AttemptCount + 1
	maxAttempts := r.Cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	lastErr := cause.Error()
	now := r.now().UTC()

	if attempt >= maxAttempts {
		tx, err := r.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		_, err = tx.ExecContext(ctx, `INSERT INTO outbox_dlq(event_id,market_id,type,aggregate_id,payload_json,attempt_count,last_error,failed_at)
			VALUES (?,?,?,?,?,?,?,?)`,
			ev.ID, ev.MarketID, ev.Type, ev.AggregateID, ev.Payload, attempt, lastErr, now.Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("dead-letter %s: %w", ev.ID, err)
		}
		_, err = tx.ExecContext(ctx, `UPDATE outbox_events
			SET published = 1, attempt_count = ?, last_error = ?, claimed_by = NULL, claimed_until = NULL
			WHERE id = ?`, attempt, lastErr, ev.ID)
		if err != nil {
			return fmt.Errorf("dead-letter %s: %w", ev.ID, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		deadLetteredTotal.WithLabelValues(ev.Type).Inc()
		r.logf("outbox: dead-lettered %s (%s) after %d attempts: %v", ev.ID, ev.Type, attempt, cause)
		return nil
	}

	next := r.backoff().Next(now, attempt, r.RNG)
	_, err := r.DB.ExecContext(ctx, `UPDATE outbox_events
		SET attempt_count = ?, last_error = ?, next_attempt_at = ?, claimed_by = NULL, claimed_until = NULL
		WHERE id = ?`, attempt, lastErr, next.Format(time.RFC3339), ev.ID)
	if err != nil {
		return fmt.Errorf("reschedule %s: %w", ev.ID, err)
	}
	r.logf("outbox: delivery of %s (%s) failed on attempt %d, retrying at %s: %v", ev.ID, ev.Type, attempt, next.Format(time.RFC3339), cause)
	return nil
}

// Run polls until ctx is canceled, draining the outbox on every tick.
func (r *Relay) Run(ctx context.Context) {
	interval := time.Duration(r.Cfg.PollIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	r.logf("outbox: relay %s started: interval=%s batch=%d", r.WorkerID, interval, r.Cfg.BatchSize)

	for {
		select {
		case <-ctx.Done():
			r.logf("outbox: relay %s stopping: %v", r.WorkerID, ctx.Err())
			return
		case <-ticker.C:
			for {
				n, err := r.ProcessOnce(ctx)
				if errors.Is(err, ErrNoWork) {
					break
				}
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					r.logf("outbox: relay pass failed: %v", err)
					break
				}
				if n == 0 {
					break
				}
			}
		}
	}
}
