package match

import (
	"context"
	"fmt"
	"sort"
	"time"

	"tradeyard/internal/config"
	"tradeyard/internal/domain"
	"tradeyard/internal/refdata"
	"tradeyard/internal/relationship"
	"tradeyard/internal/repo"
)

// Candidate is one counter-intent that survived the hard filters, with its
// final score and the breakdown behind it.
type Candidate struct {
	Intent    domain.Intent
	RiskScore int
	Score     float64
	Breakdown domain.FactorBreakdown
}

// Finder retrieves open counter-intents for a seeker and ranks them.
type Finder struct {
	Repo repo.Repo
	Dir  refdata.Directory
	Rel  *relationship.Cache
	Cfg  config.Match
}

// Best returns the acceptable candidates for seeker, best first. Hard filters
// run before any scoring: commodity, opposite side, admissible risk and the
// quantity band are pushed into the candidate query; distance and term
// compatibility are checked here. Pairings classified
// BLOCKED_FOR_THIS_PARTNER are dropped, as are scores under the accept
// cutoff.
func (f *Finder) Best(ctx context.Context, seeker domain.Intent, seekerRisk domain.RiskStatus, now time.Time) ([]Candidate, error) {
	qty := seeker.Quantity.InexactFloat64()
	q := repo.CandidateQuery{
		MarketID:      seeker.MarketID,
		CommodityID:   seeker.CommodityID,
		Side:          seeker.Side.Opposite(),
		SeekerPartner: seeker.PartnerID,
		QtyLow:        qty * (1 - f.Cfg.QuantityTolerance),
		QtyHigh:       qty * (1 + f.Cfg.QuantityTolerance),
		NotExpiredAt:  now.UTC().Format(time.RFC3339),
		Cap:           f.Cfg.CandidateCap,
	}
	if seeker.CounterpartyID != nil {
		q.TargetPartner = *seeker.CounterpartyID
	}
	if seeker.Price.Valid {
		price := seeker.Price.Decimal.InexactFloat64()
		q.PriceBand = true
		q.PriceLow = price * (1 - f.Cfg.PriceBand)
		q.PriceHigh = price * (1 + f.Cfg.PriceBand)
	}

	pool, err := f.Repo.FindCandidates(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("find candidates: %w", err)
	}
	if len(pool) == 0 {
		return nil, nil
	}

	seekerLoc, err := f.Dir.LocationInfo(ctx, seeker.LocationID)
	if err != nil {
		return nil, fmt.Errorf("seeker location %s: %w", seeker.LocationID, err)
	}

	var out []Candidate
	for _, cand := range pool {
		candLoc, err := f.Dir.LocationInfo(ctx, cand.LocationID)
		if err != nil {
			return nil, fmt.Errorf("candidate location %s: %w", cand.LocationID, err)
		}
		sameZone := seekerLoc.Zone != "" && seekerLoc.Zone == candLoc.Zone
		dist := HaversineKM(seekerLoc.Lat, seekerLoc.Lng, candLoc.Lat, candLoc.Lng)
		if !sameZone && dist > f.Cfg.MaxDistanceKM {
			continue
		}
		if !termsCompatible(seeker.DeliveryTerms, cand.DeliveryTerms) {
			continue
		}
		if !termsCompatible(seeker.PaymentTerms, cand.PaymentTerms) {
			continue
		}

		rel, err := f.Rel.Get(ctx, seeker.PartnerID, cand.PartnerID)
		if err != nil {
			return nil, fmt.Errorf("relationship %s/%s: %w", seeker.PartnerID, cand.PartnerID, err)
		}
		if rel.Class == domain.RelationshipBlocked {
			continue
		}

		assessment, err := f.Repo.LatestAssessment(ctx, cand.ID)
		if err != nil {
			return nil, fmt.Errorf("assessment for %s: %w", cand.ID, err)
		}

		score, breakdown := ScorePair(PairInput{
			Seeker:        seeker,
			Candidate:     cand,
			SeekerRisk:    seekerRisk,
			CandidateRisk: assessment.Status,
			Relationship:  rel,
			DistanceKM:    dist,
			SameZone:      sameZone,
			Now:           now,
		}, f.Cfg)
		if score < f.Cfg.AcceptCutoff {
			continue
		}
		out = append(out, Candidate{
			Intent:    cand,
			RiskScore: assessment.Score,
			Score:     score,
			Breakdown: breakdown,
		})
	}

	Rank(out)
	return out, nil
}

// Rank orders candidates best first: higher score, then earlier creation,
// then higher risk score, then id for a stable total order.
func Rank(cands []Candidate) {
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Intent.CreatedAt != b.Intent.CreatedAt {
			return a.Intent.CreatedAt < b.Intent.CreatedAt
		}
		if a.RiskScore != b.RiskScore {
			return a.RiskScore > b.RiskScore
		}
		return a.Intent.ID < b.Intent.ID
	})
}

// termsCompatible reports whether two term sets can trade: at least one
// shared term when both sides name any, unconditionally when either is open.
func termsCompatible(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return true
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	for _, t := range b {
		if set[t] {
			return true
		}
	}
	return false
}
