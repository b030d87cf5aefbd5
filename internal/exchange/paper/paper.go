// Package paper simulates order execution against real market prices. Fills
// are immediate at the latest quote, shifted by a configurable adverse
// slippage and charged a taker-style fee, so paper sessions exercise the
// exact guardrail path a live session would.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Leraiman/trading-bot/internal/config"
	"github.com/Leraiman/trading-bot/internal/exchange"
	"github.com/Leraiman/trading-bot/internal/logger"
)

// PriceSource supplies the reference price for simulated fills. The public
// Binance client satisfies it.
type PriceSource interface {
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

var bpsDenominator = decimal.NewFromInt(10000)

// Executor is the in-process paper venue.
type Executor struct {
	prices      PriceSource
	feeBps      decimal.Decimal
	slippageBps decimal.Decimal

	mu        sync.Mutex
	positions map[string]decimal.Decimal
}

func New(prices PriceSource, cfg config.PaperConfig) *Executor {
	return &Executor{
		prices:      prices,
		feeBps:      decimal.NewFromFloat(cfg.FeeBps),
		slippageBps: decimal.NewFromFloat(cfg.SlippageBps),
		positions:   make(map[string]decimal.Decimal),
	}
}

func (e *Executor) Name() string { return "paper" }

func (e *Executor) SubmitOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.Fill, error) {
	if !req.Quantity.IsPositive() {
		return nil, exchange.NewRejected("submit_order", fmt.Errorf("quantity must be > 0, got %s", req.Quantity))
	}

	ref := req.Price
	if req.Type != exchange.OrderTypeLimit || !ref.IsPositive() {
		px, err := e.prices.LastPrice(ctx, req.Symbol)
		if err != nil {
			return nil, err
		}
		ref = px
	}

	fillPrice := e.slip(ref, req.Side)
	notional := req.Quantity.Mul(fillPrice)
	fee := notional.Mul(e.feeBps).Div(bpsDenominator)

	e.mu.Lock()
	signed := req.Quantity
	if req.Side == exchange.SideSell {
		signed = signed.Neg()
	}
	e.positions[req.Symbol] = e.positions[req.Symbol].Add(signed)
	e.mu.Unlock()

	fill := &exchange.Fill{
		OrderID:  "paper-" + uuid.NewString(),
		ClientID: req.ClientID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Quantity: req.Quantity,
		Price:    fillPrice,
		FeeUSD:   fee,
		FilledAt: time.Now().UTC(),
	}
	logger.Debugf("paper fill side=%s qty=%s px=%s fee=%s", req.Side, req.Quantity, fillPrice, fee)
	return fill, nil
}

func (e *Executor) GetPosition(_ context.Context, symbol string) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positions[symbol], nil
}

func (e *Executor) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return e.prices.LastPrice(ctx, symbol)
}

// slip moves the reference price against the taker: buys fill higher, sells
// fill lower.
func (e *Executor) slip(ref decimal.Decimal, side exchange.Side) decimal.Decimal {
	adj := ref.Mul(e.slippageBps).Div(bpsDenominator)
	if side == exchange.SideBuy {
		return ref.Add(adj)
	}
	return ref.Sub(adj)
}

var _ exchange.Client = (*Executor)(nil)
