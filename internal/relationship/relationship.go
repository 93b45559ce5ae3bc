// Package relationship scores the shared history of one partner pair. The
// score is pairwise only: it can remove a single candidate pairing but never
// gates an intent globally.
package relationship

import (
	"context"
	"errors"
	"time"

	"tradeyard/internal/config"
	"tradeyard/internal/domain"
	"tradeyard/internal/refdata"
	"tradeyard/internal/repo"
)

// neutral is the component value used when a pair has no signal to count.
const neutral = 50.0

// Score is the computed pairwise verdict before caching.
type Score struct {
	Composite  float64
	Payment    float64
	Delivery   float64
	Quality    float64
	Dispute    float64
	TradeCount int
	Class      domain.RelationshipClass
}

// Compute derives the pairwise score from counted outcomes. Pure.
func Compute(h domain.PairHistory, cfg config.Relationship) Score {
	s := Score{TradeCount: h.TradeCount}
	if h.TradeCount == 0 {
		s.Payment, s.Delivery, s.Quality, s.Dispute = neutral, neutral, neutral, neutral
	} else {
		s.Payment = ratio(h.PaymentsOnTime, h.PaymentsLate)
		s.Delivery = ratio(h.DeliveriesOnTime, h.DeliveriesLate)
		s.Quality = ratio(h.QualityOK, h.QualityRejected)
		if h.DisputesRaised == 0 {
			s.Dispute = 100
		} else {
			s.Dispute = 100 * float64(h.DisputesResolved) / float64(h.DisputesRaised)
		}
	}
	w := cfg.Weights
	s.Composite = s.Payment*w.Payment + s.Delivery*w.Delivery + s.Quality*w.Quality + s.Dispute*w.Dispute
	switch {
	case s.Composite < cfg.BlockThreshold:
		s.Class = domain.RelationshipBlocked
	case s.Composite < cfg.WarnThreshold:
		s.Class = domain.RelationshipWarn
	default:
		s.Class = domain.RelationshipOK
	}
	return s
}

func ratio(good, bad int) float64 {
	if good+bad == 0 {
		return neutral
	}
	return 100 * float64(good) / float64(good+bad)
}

// Cache serves pairwise scores through the peer_relationships table,
// recomputing rows older than the freshness window from pair history.
type Cache struct {
	Repo repo.Repo
	Dir  refdata.Directory
	Cfg  config.Relationship
	Now  func() time.Time
}

// Get returns the cached relationship for a pair, refreshing it when stale or
// missing. The cache write sits outside any business transaction.
func (c *Cache) Get(ctx context.Context, a, b string) (domain.PeerRelationship, error) {
	rel, err := c.Repo.GetRelationship(ctx, a, b)
	if err == nil && c.fresh(rel.ComputedAt) {
		return rel, nil
	}
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.PeerRelationship{}, err
	}

	h, err := c.Dir.PairHistory(ctx, a, b)
	if err != nil {
		return domain.PeerRelationship{}, err
	}
	s := Compute(h, c.Cfg)
	lo, hi := domain.PairKey(a, b)
	rel = domain.PeerRelationship{
		PartnerLo:  lo,
		PartnerHi:  hi,
		Composite:  s.Composite,
		Payment:    s.Payment,
		Delivery:   s.Delivery,
		Quality:    s.Quality,
		Dispute:    s.Dispute,
		TradeCount: s.TradeCount,
		Class:      s.Class,
		ComputedAt: c.Now().UTC().Format(time.RFC3339),
	}
	if err := c.Repo.UpsertRelationship(ctx, rel); err != nil {
		return domain.PeerRelationship{}, err
	}
	return rel, nil
}

func (c *Cache) fresh(computedAt string) bool {
	ts, err := time.Parse(time.RFC3339, computedAt)
	if err != nil {
		return false
	}
	age := c.Now().UTC().Sub(ts)
	return age <= time.Duration(c.Cfg.CacheMinutes)*time.Minute
}
