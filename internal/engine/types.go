package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Leraiman/trading-bot/internal/exchange"
)

// OrderIntent is an ephemeral trade proposal. It is evaluated by the
// guardrails and discarded after accept/reject; it is not an order.
type OrderIntent struct {
	Symbol         string
	Side           exchange.Side
	Quantity       decimal.Decimal
	EstimatedPrice decimal.Decimal
	Mode           Mode
}

// SignedQuantity mirrors the ledger sign convention, buy positive.
func (i OrderIntent) SignedQuantity() decimal.Decimal {
	if i.Side == exchange.SideSell {
		return i.Quantity.Neg()
	}
	return i.Quantity
}

func (i OrderIntent) validate() error {
	switch i.Side {
	case exchange.SideBuy, exchange.SideSell:
	default:
		return fmt.Errorf("%w: side must be buy or sell, got %q", ErrMalformedIntent, i.Side)
	}
	if !i.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be > 0, got %s", ErrMalformedIntent, i.Quantity)
	}
	if !i.EstimatedPrice.IsPositive() {
		return fmt.Errorf("%w: estimated price must be > 0, got %s", ErrMalformedIntent, i.EstimatedPrice)
	}
	switch i.Mode {
	case ModePaper, ModeLive:
	default:
		return fmt.Errorf("%w: mode must be paper or live, got %q", ErrMalformedIntent, i.Mode)
	}
	return nil
}

// HaltReason explains why trading stopped.
type HaltReason string

const (
	HaltManualKill    HaltReason = "manual_kill"
	HaltDailyLossCap  HaltReason = "daily_loss_cap_breached"
	HaltDrawdown      HaltReason = "drawdown_breached"
	HaltExternalError HaltReason = "external_error"
)

// HaltEvent is an immutable audit record appended once per halt episode.
type HaltEvent struct {
	ID                string
	Reason            HaltReason
	Detail            string
	TimestampUTC      time.Time
	EquityAtHaltUSD   decimal.Decimal
	IncompleteFlatten bool
}

// HaltSink persists halt events durably so a kill-switch halt survives a
// process restart. Implemented by the sqlite audit store.
type HaltSink interface {
	AppendHalt(ctx context.Context, evt HaltEvent) error
	HasOpenHalt(ctx context.Context) (bool, error)
	AcknowledgeHalts(ctx context.Context) (int64, error)
}

// FlattenPolicy bounds the kill-switch flatten sequence.
type FlattenPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
	OrderType      exchange.OrderType
}

// KillStatus reports the outcome of a kill-switch invocation.
type KillStatus struct {
	State          SessionState `json:"state"`
	AlreadyHalting bool         `json:"already_halting"`
}

// Snapshot is the consistent read-only view of engine state, refreshed by
// the command loop after every mutation and served lock-free to readers.
type Snapshot struct {
	Session           SessionState   `json:"session"`
	SessionInfo       string         `json:"session_info"`
	Mode              Mode           `json:"mode,omitempty"`
	Since             time.Time      `json:"since"`
	Halted            bool           `json:"halted"`
	HaltReason        HaltReason     `json:"halt_reason,omitempty"`
	IncompleteFlatten bool           `json:"incomplete_flatten,omitempty"`
	LimitsOK          bool           `json:"limits_ok"`
	LimitsError       string         `json:"limits_error,omitempty"`
	Ledger            LedgerSnapshot `json:"ledger"`
	FillCount         int            `json:"fill_count"`
	Risk              RiskSummary    `json:"risk"`
}

// FillView is the JSON projection of an executed fill for the order history
// endpoint.
type FillView struct {
	OrderID  string    `json:"order_id"`
	ClientID string    `json:"client_id,omitempty"`
	Symbol   string    `json:"symbol"`
	Side     string    `json:"side"`
	Quantity string    `json:"quantity"`
	Price    string    `json:"price"`
	FeeUSD   float64   `json:"fee_usd"`
	FilledAt time.Time `json:"filled_at"`
}

func fillView(f exchange.Fill) FillView {
	return FillView{
		OrderID:  f.OrderID,
		ClientID: f.ClientID,
		Symbol:   f.Symbol,
		Side:     string(f.Side),
		Quantity: f.Quantity.String(),
		Price:    f.Price.String(),
		FeeUSD:   f.FeeUSD.InexactFloat64(),
		FilledAt: f.FilledAt,
	}
}
