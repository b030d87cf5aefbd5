package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/Leraiman/trading-bot/internal/exchange"
)

const dayKeyLayout = "2006-01-02"

// Ledger tracks current exposure and PnL for a single symbol. It is owned
// exclusively by the engine's command loop; the methods below are the only
// write path.
type Ledger struct {
	Symbol            string
	NetQuantity       decimal.Decimal
	AvgEntryPrice     decimal.Decimal
	RealizedPnLUSD    decimal.Decimal
	UnrealizedPnLUSD  decimal.Decimal
	FeesPaidUSD       decimal.Decimal
	DayStartEquityUSD decimal.Decimal
	PeakEquityUSD     decimal.Decimal
	MarkPrice         decimal.Decimal

	capitalBaseUSD decimal.Decimal
	dayKey         string
}

// NewLedger seeds a ledger at session start. Day-start and peak equity begin
// at the capital base.
func NewLedger(symbol string, capitalBaseUSD decimal.Decimal, now time.Time) *Ledger {
	return &Ledger{
		Symbol:            symbol,
		capitalBaseUSD:    capitalBaseUSD,
		DayStartEquityUSD: capitalBaseUSD,
		PeakEquityUSD:     capitalBaseUSD,
		dayKey:            now.UTC().Format(dayKeyLayout),
	}
}

// Seed installs a pre-existing position, used when a live session starts
// with residual exposure reported by the venue.
func (l *Ledger) Seed(netQuantity, price decimal.Decimal) {
	l.NetQuantity = netQuantity
	if !netQuantity.IsZero() {
		l.AvgEntryPrice = price
	}
	if !price.IsZero() {
		l.MarkPrice = price
	}
	l.refreshUnrealized()
}

// EquityUSD is capital base plus realized and unrealized PnL net of fees.
func (l *Ledger) EquityUSD() decimal.Decimal {
	return l.capitalBaseUSD.
		Add(l.RealizedPnLUSD).
		Add(l.UnrealizedPnLUSD).
		Sub(l.FeesPaidUSD)
}

// ExposureUSD is the absolute notional of the open position at the latest
// mark (entry price before the first mark arrives).
func (l *Ledger) ExposureUSD() decimal.Decimal {
	px := l.MarkPrice
	if px.IsZero() {
		px = l.AvgEntryPrice
	}
	return l.NetQuantity.Abs().Mul(px)
}

// ApplyFill folds a confirmed fill into the position. Same-direction fills
// move the weighted-average entry; reducing fills realize PnL on the closed
// quantity; a reversing fill realizes the full old position and opens the
// remainder at the fill price.
func (l *Ledger) ApplyFill(f *exchange.Fill) {
	signed := f.SignedQuantity()
	if signed.IsZero() {
		l.FeesPaidUSD = l.FeesPaidUSD.Add(f.FeeUSD)
		return
	}

	switch {
	case l.NetQuantity.IsZero() || l.NetQuantity.Sign() == signed.Sign():
		oldAbs := l.NetQuantity.Abs()
		addAbs := signed.Abs()
		total := oldAbs.Add(addAbs)
		l.AvgEntryPrice = l.AvgEntryPrice.Mul(oldAbs).
			Add(f.Price.Mul(addAbs)).
			Div(total)
		l.NetQuantity = l.NetQuantity.Add(signed)

	default:
		closeQty := decimal.Min(signed.Abs(), l.NetQuantity.Abs())
		direction := decimal.NewFromInt(int64(l.NetQuantity.Sign()))
		l.RealizedPnLUSD = l.RealizedPnLUSD.
			Add(f.Price.Sub(l.AvgEntryPrice).Mul(closeQty).Mul(direction))
		l.NetQuantity = l.NetQuantity.Add(signed)
		if l.NetQuantity.IsZero() {
			l.AvgEntryPrice = decimal.Zero
		} else if l.NetQuantity.Sign() != direction.Sign() {
			// reversed through zero, remainder opened at the fill price
			l.AvgEntryPrice = f.Price
		}
	}

	l.FeesPaidUSD = l.FeesPaidUSD.Add(f.FeeUSD)
	if !f.Price.IsZero() {
		l.MarkPrice = f.Price
	}
	l.refreshUnrealized()
	l.updatePeak()
}

// MarkToMarket recomputes unrealized PnL from the latest price and advances
// peak equity when a new high is reached.
func (l *Ledger) MarkToMarket(price decimal.Decimal) {
	if price.IsZero() {
		return
	}
	l.MarkPrice = price
	l.refreshUnrealized()
	l.updatePeak()
}

// ResetDay pins day-start equity to current equity at a UTC day boundary.
// Calling it twice within the same day is a no-op.
func (l *Ledger) ResetDay(now time.Time) bool {
	key := now.UTC().Format(dayKeyLayout)
	if key == l.dayKey {
		return false
	}
	l.dayKey = key
	l.DayStartEquityUSD = l.EquityUSD()
	return true
}

func (l *Ledger) refreshUnrealized() {
	if l.NetQuantity.IsZero() || l.MarkPrice.IsZero() {
		l.UnrealizedPnLUSD = decimal.Zero
		return
	}
	l.UnrealizedPnLUSD = l.MarkPrice.Sub(l.AvgEntryPrice).Mul(l.NetQuantity)
}

func (l *Ledger) updatePeak() {
	if eq := l.EquityUSD(); eq.GreaterThan(l.PeakEquityUSD) {
		l.PeakEquityUSD = eq
	}
}

// LedgerSnapshot is the read-only JSON view handed to API consumers.
type LedgerSnapshot struct {
	Symbol            string  `json:"symbol"`
	NetQuantity       string  `json:"net_quantity"`
	AvgEntryPrice     string  `json:"avg_entry_price"`
	MarkPrice         string  `json:"mark_price"`
	RealizedPnLUSD    float64 `json:"realized_pnl_usd"`
	UnrealizedPnLUSD  float64 `json:"unrealized_pnl_usd"`
	FeesPaidUSD       float64 `json:"fees_paid_usd"`
	EquityUSD         float64 `json:"equity_usd"`
	ExposureUSD       float64 `json:"exposure_usd"`
	DayStartEquityUSD float64 `json:"day_start_equity_usd"`
	PeakEquityUSD     float64 `json:"peak_equity_usd"`
}

func (l *Ledger) snapshot() LedgerSnapshot {
	if l == nil {
		return LedgerSnapshot{}
	}
	return LedgerSnapshot{
		Symbol:            l.Symbol,
		NetQuantity:       l.NetQuantity.String(),
		AvgEntryPrice:     l.AvgEntryPrice.String(),
		MarkPrice:         l.MarkPrice.String(),
		RealizedPnLUSD:    l.RealizedPnLUSD.InexactFloat64(),
		UnrealizedPnLUSD:  l.UnrealizedPnLUSD.InexactFloat64(),
		FeesPaidUSD:       l.FeesPaidUSD.InexactFloat64(),
		EquityUSD:         l.EquityUSD().InexactFloat64(),
		ExposureUSD:       l.ExposureUSD().InexactFloat64(),
		DayStartEquityUSD: l.DayStartEquityUSD.InexactFloat64(),
		PeakEquityUSD:     l.PeakEquityUSD.InexactFloat64(),
	}
}
