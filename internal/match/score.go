// Package match narrows open counter-intents to a candidate set and ranks it
// with a weighted multi-factor score. Scoring is pure: clock readings,
// relationship verdicts and risk statuses are inputs, never read internally.
package match

import (
	"math"
	"time"

	"tradeyard/internal/config"
	"tradeyard/internal/domain"
)

// PairInput carries everything needed to score one seeker/candidate pairing.
type PairInput struct {
	Seeker        domain.Intent
	Candidate     domain.Intent
	SeekerRisk    domain.RiskStatus
	CandidateRisk domain.RiskStatus
	Relationship  domain.PeerRelationship
	DistanceKM    float64
	SameZone      bool
	Now           time.Time
}

// ScorePair computes the weighted score and its factor breakdown for one
// pairing. Factors are normalized to [0,1] before weighting; the final score
// stays in [0,1].
func ScorePair(in PairInput, cfg config.Match) (float64, domain.FactorBreakdown) {
	req, avail := in.Seeker, in.Candidate
	if req.Side != domain.SideBuy {
		req, avail = avail, req
	}

	b := domain.FactorBreakdown{
		Price:             priceFactor(req, avail, cfg.PriceBand),
		Quality:           qualityFactor(req.Quality, avail.Quality),
		Location:          locationFactor(in.DistanceKM, in.SameZone, cfg.MaxDistanceKM),
		Delivery:          termsFactor(in.Seeker.DeliveryTerms, in.Candidate.DeliveryTerms),
		Payment:           termsFactor(in.Seeker.PaymentTerms, in.Candidate.PaymentTerms),
		Urgency:           urgencyFactor(in.Seeker, in.Candidate, in.Now),
		Relationship:      in.Relationship.Composite / 100,
		RelationshipClass: in.Relationship.Class,
	}

	w := cfg.Weights
	score := b.Price*w.Price + b.Quality*w.Quality + b.Location*w.Location +
		b.Delivery*w.Delivery + b.Payment*w.Payment + b.Urgency*w.Urgency

	warns := 0
	if in.SeekerRisk == domain.RiskWarn {
		warns++
	}
	if in.CandidateRisk == domain.RiskWarn {
		warns++
	}
	if in.Relationship.Class == domain.RelationshipWarn {
		warns++
	}
	b.PenaltyApplied = penaltyMultiplier(warns, cfg)
	score *= b.PenaltyApplied

	return clamp01(score), b
}

// penaltyMultiplier resolves the configured stacking policy for n triggered
// WARN signals: stack compounds every signal, cap bounds compounding at two
// factors, min applies a single factor however many signals fired.
func penaltyMultiplier(n int, cfg config.Match) float64 {
	if n == 0 {
		return 1
	}
	switch cfg.WarnPenalty.Mode {
	case "cap":
		if n > 2 {
			n = 2
		}
	case "min":
		n = 1
	}
	return math.Pow(cfg.WarnPenalty.Factor, float64(n))
}

// priceFactor measures how close the availability price sits to the
// requirement target, normalized by the configured band. With one side in
// price-discovery mode there is no signal and the factor is neutral.
func priceFactor(req, avail domain.Intent, band float64) float64 {
	if !req.Price.Valid || !avail.Price.Valid || req.Price.Decimal.IsZero() {
		return 0.5
	}
	target, _ := req.Price.Decimal.Float64()
	offered, _ := avail.Price.Decimal.Float64()
	diff := math.Abs(offered-target) / target
	return clamp01(1 - diff/band)
}

// qualityFactor evaluates the requirement's quality constraints against the
// availability's declared values: 1 satisfied, 0 violated, 0.5 when the
// availability declares nothing for a constrained parameter. No constraints
// means nothing to violate.
func qualityFactor(required, declared []domain.QualityParam) float64 {
	if len(required) == 0 {
		return 1
	}
	byName := make(map[string]domain.QualityParam, len(declared))
	for _, q := range declared {
		byName[q.Name] = q
	}
	var sum float64
	for _, req := range required {
		decl, ok := byName[req.Name]
		if !ok || decl.Kind != req.Kind {
			sum += 0.5
			continue
		}
		sum += paramScore(req, decl)
	}
	return sum / float64(len(required))
}

func paramScore(req, decl domain.QualityParam) float64 {
	switch req.Kind {
	case domain.QualityNumericRange:
		if decl.Num == nil {
			return 0.5
		}
		v := *decl.Num
		if req.Min != nil && v < *req.Min {
			return 0
		}
		if req.Max != nil && v > *req.Max {
			return 0
		}
		return 1
	case domain.QualityCategorical:
		if decl.Option == "" {
			return 0.5
		}
		for _, opt := range req.Options {
			if opt == decl.Option {
				return 1
			}
		}
		return 0
	case domain.QualityBoolean:
		if decl.Flag == nil {
			return 0.5
		}
		if req.Flag != nil && *req.Flag != *decl.Flag {
			return 0
		}
		return 1
	}
	return 0.5
}

func locationFactor(distanceKM float64, sameZone bool, maxKM float64) float64 {
	if sameZone {
		return 1
	}
	return clamp01(1 - distanceKM/maxKM)
}

// termsFactor is the overlap coefficient of two term sets. A side that names
// no terms accepts anything.
func termsFactor(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 1
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	shared := 0
	for _, t := range b {
		if set[t] {
			shared++
		}
	}
	min := len(a)
	if len(b) < min {
		min = len(b)
	}
	return float64(shared) / float64(min)
}

// urgencyFactor rises as either side approaches its expiry; the more
// pressured side drives the pair.
func urgencyFactor(a, b domain.Intent, now time.Time) float64 {
	ua := intentUrgency(a, now)
	ub := intentUrgency(b, now)
	if ub > ua {
		return ub
	}
	return ua
}

func intentUrgency(in domain.Intent, now time.Time) float64 {
	created, err1 := time.Parse(time.RFC3339, in.CreatedAt)
	expires, err2 := time.Parse(time.RFC3339, in.ExpiresAt)
	if err1 != nil || err2 != nil || !expires.After(created) {
		return 0
	}
	window := expires.Sub(created)
	remaining := expires.Sub(now)
	return clamp01(1 - remaining.Seconds()/window.Seconds())
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// HaversineKM returns the great-circle distance between two coordinates.
func HaversineKM(lat1, lng1, lat2, lng2 float64) float64 {
	const earthRadiusKM = 6371.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	rLat1 := lat1 * math.Pi / 180
	rLat2 := lat2 * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(a))
}
