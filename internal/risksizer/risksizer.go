// Package risksizer implements Van Tharp R-multiple position sizing
// (spec §5.1): position size is driven by market-regime risk appetite,
// stop-loss distance, a grade-based capital cap, and a confidence
// multiplier.
package risksizer

import (
	"math"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"kats-core/pkg/types"
)

// RiskByRegime is the Van Tharp adaptive risk-per-trade percentage,
// keyed by prevailing market regime.
var RiskByRegime = map[types.MarketRegime]float64{
	types.RegimeStrongBull: 0.020,
	types.RegimeBull:       0.018,
	types.RegimeSideways:   0.012,
	types.RegimeBear:       0.008,
	types.RegimeStrongBear: 0.005,
}

// GradeLimit caps a single position's capital share by stock grade.
// Grade D is not present — it is a hard rejection, not a small cap.
var GradeLimit = map[types.StockGrade]float64{
	types.GradeA: 0.30,
	types.GradeB: 0.20,
	types.GradeC: 0.10,
}

// ConfidenceMultiplier scales position size by signal confidence (1-5).
// Confidence ≤2 is rejected outright before this table is consulted.
var ConfidenceMultiplier = map[int]float64{
	5: 1.00,
	4: 0.75,
	3: 0.50,
}

const (
	defaultConfidenceMultiplier = 0.50
	defaultGradeLimitPct        = 0.10

	// DefaultRTarget is the take-profit planning target in R-multiples.
	DefaultRTarget = 3.0
)

// Result is the outcome of a sizing calculation: either an accepted
// sizing with every intermediate figure, or a rejection with a reason.
type Result struct {
	Accepted             bool
	Reason               string
	PositionAmount       decimal.Decimal
	PositionPct          float64
	Quantity             int64
	RiskAmount1R         decimal.Decimal
	StopLossPct          float64
	RMultipleTarget      float64
	RegimeRiskPct        float64
	GradeLimitPct        float64
	ConfidenceMultiplier float64
}

func rejection(reason string) Result {
	return Result{Accepted: false, Reason: reason}
}

// Sizer computes position sizes from regime/grade/confidence inputs.
type Sizer struct {
	riskByRegime map[types.MarketRegime]float64
	gradeLimit   map[types.StockGrade]float64
	rTarget      float64
	logger       zerolog.Logger
}

// New creates a Sizer using the default regime/grade tables and R-target.
func New(logger zerolog.Logger) *Sizer {
	return &Sizer{
		riskByRegime: RiskByRegime,
		gradeLimit:   GradeLimit,
		rTarget:      DefaultRTarget,
		logger:       logger.With().Str("component", "risksizer").Logger(),
	}
}

// Calculate sizes a position for entryPrice/stopLoss given the account's
// total capital, the prevailing regime, the stock's grade, and the
// signal's confidence score.
func (s *Sizer) Calculate(totalCapital decimal.Decimal, regime types.MarketRegime, entryPrice, stopLoss decimal.Decimal, grade types.StockGrade, confidence int) Result {
	log := s.logger.With().Str("regime", string(regime)).Str("grade", string(grade)).
		Int("confidence", confidence).Str("entry_price", entryPrice.String()).
		Str("stop_loss", stopLoss.String()).Logger()

	if confidence <= 2 {
		log.Info().Str("reason", "confidence_too_low").Msg("position sizer rejected")
		return rejection("confidence_too_low")
	}
	if stopLoss.GreaterThanOrEqual(entryPrice) {
		log.Warn().Str("reason", "stop_loss_above_entry").Msg("position sizer rejected")
		return rejection("stop_loss_above_entry")
	}
	if grade == types.GradeD {
		log.Info().Str("reason", "grade_d_prohibited").Msg("position sizer rejected")
		return rejection("grade_d_prohibited")
	}

	regimeRiskPct := s.riskByRegime[regime]
	stopLossPct, _ := entryPrice.Sub(stopLoss).Div(entryPrice).Float64()

	confMult, ok := ConfidenceMultiplier[confidence]
	if !ok {
		confMult = defaultConfidenceMultiplier
	}
	gradeLimitPct, ok := s.gradeLimit[grade]
	if !ok {
		gradeLimitPct = defaultGradeLimitPct
	}

	// Van Tharp formula: position = (capital * risk%) / stop_loss%
	rawAmount := totalCapital.Mul(decimal.NewFromFloat(regimeRiskPct)).
		Mul(decimal.NewFromFloat(confMult)).
		Div(decimal.NewFromFloat(stopLossPct))

	gradeCapAmount := totalCapital.Mul(decimal.NewFromFloat(gradeLimitPct))

	positionAmount := rawAmount
	if gradeCapAmount.LessThan(rawAmount) {
		positionAmount = gradeCapAmount
	}
	if positionAmount.IsNegative() {
		positionAmount = decimal.Zero
	}

	var quantity int64
	if entryPrice.IsPositive() {
		quantity = positionAmount.Div(entryPrice).IntPart()
	}

	positionAmount = entryPrice.Mul(decimal.NewFromInt(quantity))

	var positionPct float64
	if totalCapital.IsPositive() {
		positionPct, _ = positionAmount.Div(totalCapital).Float64()
	}

	riskAmount1R := entryPrice.Sub(stopLoss).Mul(decimal.NewFromInt(quantity))

	result := Result{
		Accepted:             true,
		PositionAmount:       positionAmount,
		PositionPct:          round6(positionPct),
		Quantity:             quantity,
		RiskAmount1R:         riskAmount1R,
		StopLossPct:          round6(stopLossPct),
		RMultipleTarget:      s.rTarget,
		RegimeRiskPct:        round6(regimeRiskPct),
		GradeLimitPct:        round6(gradeLimitPct),
		ConfidenceMultiplier: confMult,
	}

	log.Info().Str("position_amount", result.PositionAmount.String()).Int64("quantity", result.Quantity).
		Float64("position_pct", result.PositionPct).Str("risk_amount_1r", result.RiskAmount1R.String()).
		Msg("position sizer calculated")

	return result
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
