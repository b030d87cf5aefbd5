package exchange

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderRequest describes a single order submission.
type OrderRequest struct {
	ClientID string // caller-assigned id, echoed back on the fill
	Symbol   string
	Side     Side
	Type     OrderType
	Quantity decimal.Decimal
	Price    decimal.Decimal // limit orders only, zero for market
}

// Fill confirms an executed (or partially executed) order.
type Fill struct {
	OrderID  string
	ClientID string
	Symbol   string
	Side     Side
	Quantity decimal.Decimal
	Price    decimal.Decimal
	FeeUSD   decimal.Decimal
	FilledAt time.Time
}

// SignedQuantity returns the fill quantity with buy positive and sell
// negative, matching the ledger's net-quantity convention.
func (f *Fill) SignedQuantity() decimal.Decimal {
	if f.Side == SideSell {
		return f.Quantity.Neg()
	}
	return f.Quantity
}
