package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Leraiman/trading-bot/internal/config"
)

var (
	bpsDenominator = decimal.NewFromInt(10000)
	decOne         = decimal.NewFromInt(1)
)

// Limits holds the immutable capital guardrails for the process lifetime.
// Construct through NewLimits; an invalid configuration keeps the session in
// Idle forever rather than trading with bad thresholds.
type Limits struct {
	CapitalBaseUSD  decimal.Decimal
	RiskPerTradeBps decimal.Decimal
	DailyLossCapBps decimal.Decimal
	MaxDrawdownBps  decimal.Decimal
	AllowLeverage   bool
	MaxLeverage     decimal.Decimal
}

// NewLimits validates the risk configuration and freezes it.
func NewLimits(cfg config.RiskConfig) (Limits, error) {
	lim := Limits{
		CapitalBaseUSD:  decimal.NewFromFloat(cfg.CapitalBaseUSD),
		RiskPerTradeBps: decimal.NewFromFloat(cfg.RiskPerTradeBps),
		DailyLossCapBps: decimal.NewFromFloat(cfg.DailyLossCapBps),
		MaxDrawdownBps:  decimal.NewFromFloat(cfg.MaxDrawdownBps),
		AllowLeverage:   cfg.AllowLeverage,
		MaxLeverage:     decimal.NewFromFloat(cfg.MaxLeverage),
	}
	if !lim.CapitalBaseUSD.IsPositive() {
		return Limits{}, fmt.Errorf("risk.capital_base_usd must be > 0, got %s", lim.CapitalBaseUSD)
	}
	for name, bps := range map[string]decimal.Decimal{
		"risk.risk_per_trade_bps": lim.RiskPerTradeBps,
		"risk.daily_loss_cap_bps": lim.DailyLossCapBps,
		"risk.max_drawdown_bps":   lim.MaxDrawdownBps,
	} {
		if bps.IsNegative() || bps.GreaterThan(bpsDenominator) {
			return Limits{}, fmt.Errorf("%s must be within [0, 10000], got %s", name, bps)
		}
	}
	if lim.MaxLeverage.LessThan(decOne) {
		return Limits{}, fmt.Errorf("risk.max_leverage must be >= 1, got %s", lim.MaxLeverage)
	}
	if !lim.AllowLeverage && !lim.MaxLeverage.Equal(decOne) {
		return Limits{}, fmt.Errorf("risk.max_leverage must be 1 when leverage is disallowed, got %s", lim.MaxLeverage)
	}
	return lim, nil
}

// PerTradeLimitUSD is the maximum notional a single order intent may risk.
func (l Limits) PerTradeLimitUSD() decimal.Decimal {
	return l.CapitalBaseUSD.Mul(l.RiskPerTradeBps).Div(bpsDenominator)
}

// ExposureLimitUSD is the cap on post-trade net exposure.
func (l Limits) ExposureLimitUSD() decimal.Decimal {
	if l.AllowLeverage {
		return l.CapitalBaseUSD.Mul(l.MaxLeverage)
	}
	return l.CapitalBaseUSD
}

// DailyLossLimitUSD derives the loss cap in dollars from a day-start equity.
func (l Limits) DailyLossLimitUSD(dayStartEquity decimal.Decimal) decimal.Decimal {
	return dayStartEquity.Mul(l.DailyLossCapBps).Div(bpsDenominator)
}

// DrawdownLimitUSD derives the drawdown cap in dollars from peak equity.
func (l Limits) DrawdownLimitUSD(peakEquity decimal.Decimal) decimal.Decimal {
	return peakEquity.Mul(l.MaxDrawdownBps).Div(bpsDenominator)
}
