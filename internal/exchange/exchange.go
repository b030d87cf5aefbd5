// Package exchange defines the execution-client contract consumed by the
// control engine. Implementations cover the live Binance spot client and the
// in-process paper executor; the engine itself never talks to the network
// directly.
package exchange

import (
	"context"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the offsetting side, used when flattening exposure.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// Client abstracts order execution and position reconciliation.
type Client interface {
	Name() string

	// SubmitOrder sends an order for execution. Failures are reported as
	// *ExecutionError so callers can distinguish transient conditions from
	// hard rejections.
	SubmitOrder(ctx context.Context, req OrderRequest) (*Fill, error)

	// GetPosition returns the current signed net quantity held at the venue
	// for the symbol. Used by the kill switch to reconcile residual exposure.
	GetPosition(ctx context.Context, symbol string) (decimal.Decimal, error)

	// LastPrice returns the most recent traded price for the symbol.
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}
