// Package risk implements the admission gate every intent clears before it is
// eligible for matching. Scoring is pure: the engine gathers partner data and
// history counts, calls Assess, and persists the verdict.
package risk

import (
	"math"

	"github.com/shopspring/decimal"

	"tradeyard/internal/config"
	"tradeyard/internal/domain"
)

// Factor tags recorded on assessments.
const (
	FactorExposureLimit  = "EXPOSURE_LIMIT"
	FactorLowRating      = "LOW_RATING"
	FactorWeakHistory    = "WEAK_SETTLEMENT_HISTORY"
	FactorModelScore     = "MODEL_SCORE"
	FactorModelDegraded  = "MODEL_DEGRADED"
	ViolationUnsettled   = "UNSETTLED_POSITION"
	ViolationSameDayFlip = "SAME_DAY_REVERSE_TRADE"
)

// Rule penalties. Configurable thresholds live in config.Risk; the penalty
// magnitudes are business heuristics carried as defaults.
const (
	penaltyExposure = 40
	penaltyRating   = 30
	penaltyHistory  = 30

	ratingFloor      = 2.5
	historyMinTrades = 3
	historyMinRatio  = 0.6
)

// Input carries everything the rules need. All history counts refer to the
// intent's partner; SameDayReverse is only meaningful for directed intents.
type Input struct {
	Side            domain.Side
	Rating          float64
	Exposure        decimal.Decimal
	CreditLimit     decimal.Decimal
	SettledSuccess  int
	SettledTotal    int
	OpenBuys        int
	OpenSells       int
	HasCounterparty bool
	SameDayReverse  bool
	ModelScore      *int
	ModelDegraded   bool
}

// Result is the gate verdict before persistence.
type Result struct {
	Score     int
	Status    domain.RiskStatus
	Factors   []string
	Violation string
	Degraded  bool
}

// Assess computes the admission verdict for one intent. Pure and
// deterministic: no clock, no I/O.
func Assess(in Input, cfg config.Risk) Result {
	res := Result{Score: 100}

	if in.CreditLimit.IsPositive() && in.Exposure.GreaterThanOrEqual(in.CreditLimit) {
		res.Score -= penaltyExposure
		res.Factors = append(res.Factors, FactorExposureLimit)
	}
	if in.Rating < ratingFloor {
		res.Score -= penaltyRating
		res.Factors = append(res.Factors, FactorLowRating)
	}
	if in.SettledTotal >= historyMinTrades {
		ratio := float64(in.SettledSuccess) / float64(in.SettledTotal)
		if ratio < historyMinRatio {
			res.Score -= penaltyHistory
			res.Factors = append(res.Factors, FactorWeakHistory)
		}
	}

	if in.ModelScore != nil && cfg.Model.Weight > 0 {
		blended := float64(res.Score)*(1-cfg.Model.Weight) + float64(*in.ModelScore)*cfg.Model.Weight
		res.Score = int(math.Round(blended))
		res.Factors = append(res.Factors, FactorModelScore)
	}
	if in.ModelDegraded {
		res.Degraded = true
		res.Factors = append(res.Factors, FactorModelDegraded)
	}

	if res.Score < 0 {
		res.Score = 0
	}
	if res.Score > 100 {
		res.Score = 100
	}

	// Blocking rules override the score. A SELL with an open BUY position is
	// selling stock not yet owned; symmetric for BUY against an open SELL.
	switch {
	case in.Side == domain.SideSell && in.OpenBuys > 0:
		res.Violation = ViolationUnsettled
	case in.Side == domain.SideBuy && in.OpenSells > 0:
		res.Violation = ViolationUnsettled
	case in.HasCounterparty && in.SameDayReverse:
		res.Violation = ViolationSameDayFlip
	}
	if res.Violation != "" {
		res.Factors = append(res.Factors, res.Violation)
		res.Status = domain.RiskFail
		return res
	}

	switch {
	case res.Score >= cfg.PassThreshold:
		res.Status = domain.RiskPass
	case res.Score >= cfg.WarnThreshold:
		res.Status = domain.RiskWarn
	default:
		res.Status = domain.RiskFail
	}
	return res
}
