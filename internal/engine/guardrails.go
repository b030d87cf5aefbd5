package engine

import "fmt"

// Outcome is the verdict of a guardrail evaluation.
type Outcome string

const (
	OutcomeAccept Outcome = "accept"
	OutcomeReject Outcome = "reject"
	OutcomeHalt   Outcome = "halt"
)

// Reject reasons. A rejection is a normal decision, trading continues.
const (
	RejectSessionNotActive     = "session_not_active"
	RejectPerTradeRiskExceeded = "per_trade_risk_exceeded"
	RejectLeverageExceeded     = "leverage_exceeded"
)

// Decision is the result of evaluating an order intent (or a periodic
// mark-to-market pass) against the limits.
type Decision struct {
	Outcome    Outcome    `json:"outcome"`
	Reason     string     `json:"reason,omitempty"`
	HaltReason HaltReason `json:"halt_reason,omitempty"`
	Detail     string     `json:"detail,omitempty"`
}

func accept() Decision { return Decision{Outcome: OutcomeAccept} }

func reject(reason, detail string) Decision {
	return Decision{Outcome: OutcomeReject, Reason: reason, Detail: detail}
}

func halt(reason HaltReason, detail string) Decision {
	return Decision{Outcome: OutcomeHalt, Reason: string(reason), HaltReason: reason, Detail: detail}
}

// evaluateIntent runs the pre-trade checks in a fixed order; the first
// failing check wins so decisions are reproducible. Checks 4 and 5 are
// session-ending: they produce Halt rather than Reject.
func evaluateIntent(state SessionState, intent OrderIntent, l *Ledger, lim Limits) Decision {
	if !state.Active() {
		return reject(RejectSessionNotActive, fmt.Sprintf("session is %s", state))
	}

	notional := intent.Quantity.Mul(intent.EstimatedPrice)
	if perTrade := lim.PerTradeLimitUSD(); notional.GreaterThan(perTrade) {
		return reject(RejectPerTradeRiskExceeded,
			fmt.Sprintf("notional %s exceeds per-trade limit %s", notional, perTrade))
	}

	projected := l.NetQuantity.Add(intent.SignedQuantity()).Abs().Mul(intent.EstimatedPrice)
	if expLimit := lim.ExposureLimitUSD(); projected.GreaterThan(expLimit) {
		return reject(RejectLeverageExceeded,
			fmt.Sprintf("projected exposure %s exceeds limit %s", projected, expLimit))
	}

	return evaluateMarks(l, lim)
}

// evaluateMarks runs the equity-based checks alone. It backs both the tail
// of the pre-trade evaluation and the periodic re-evaluation, so breaches
// caused purely by market movement are still caught.
func evaluateMarks(l *Ledger, lim Limits) Decision {
	equity := l.EquityUSD()

	if l.DayStartEquityUSD.IsPositive() {
		lossBps := l.DayStartEquityUSD.Sub(equity).
			Div(l.DayStartEquityUSD).
			Mul(bpsDenominator)
		if lossBps.GreaterThan(lim.DailyLossCapBps) {
			return halt(HaltDailyLossCap,
				fmt.Sprintf("daily loss %s bps exceeds cap %s bps", lossBps.Round(2), lim.DailyLossCapBps))
		}
	}

	if l.PeakEquityUSD.IsPositive() {
		ddBps := l.PeakEquityUSD.Sub(equity).
			Div(l.PeakEquityUSD).
			Mul(bpsDenominator)
		if ddBps.GreaterThan(lim.MaxDrawdownBps) {
			return halt(HaltDrawdown,
				fmt.Sprintf("drawdown %s bps exceeds limit %s bps", ddBps.Round(2), lim.MaxDrawdownBps))
		}
	}

	return accept()
}

// RiskSummary is the derived-metrics view served by the risk endpoint.
type RiskSummary struct {
	CapitalBaseUSD     float64 `json:"capital_base_usd"`
	RiskPerTradeBps    float64 `json:"risk_per_trade_bps"`
	DailyLossCapBps    float64 `json:"daily_loss_cap_bps"`
	MaxDrawdownBps     float64 `json:"max_drawdown_bps"`
	AllowLeverage      bool    `json:"allow_leverage"`
	MaxLeverage        float64 `json:"max_leverage"`
	PerTradeLimitUSD   float64 `json:"per_trade_limit_usd"`
	ExposureLimitUSD   float64 `json:"exposure_limit_usd"`
	DailyLossLimitUSD  float64 `json:"daily_loss_limit_usd"`
	DrawdownLimitUSD   float64 `json:"drawdown_limit_usd"`
	CurrentEquityUSD   float64 `json:"current_equity_usd"`
	CurrentExposureUSD float64 `json:"current_exposure_usd"`
}

func riskSummary(l *Ledger, lim Limits) RiskSummary {
	s := RiskSummary{
		CapitalBaseUSD:   lim.CapitalBaseUSD.InexactFloat64(),
		RiskPerTradeBps:  lim.RiskPerTradeBps.InexactFloat64(),
		DailyLossCapBps:  lim.DailyLossCapBps.InexactFloat64(),
		MaxDrawdownBps:   lim.MaxDrawdownBps.InexactFloat64(),
		AllowLeverage:    lim.AllowLeverage,
		MaxLeverage:      lim.MaxLeverage.InexactFloat64(),
		PerTradeLimitUSD: lim.PerTradeLimitUSD().InexactFloat64(),
		ExposureLimitUSD: lim.ExposureLimitUSD().InexactFloat64(),
	}
	dayStart := lim.CapitalBaseUSD
	peak := lim.CapitalBaseUSD
	if l != nil {
		dayStart = l.DayStartEquityUSD
		peak = l.PeakEquityUSD
		s.CurrentEquityUSD = l.EquityUSD().InexactFloat64()
		s.CurrentExposureUSD = l.ExposureUSD().InexactFloat64()
	} else {
		s.CurrentEquityUSD = lim.CapitalBaseUSD.InexactFloat64()
	}
	s.DailyLossLimitUSD = lim.DailyLossLimitUSD(dayStart).InexactFloat64()
	s.DrawdownLimitUSD = lim.DrawdownLimitUSD(peak).InexactFloat64()
	return s
}
