package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Leraiman/trading-bot/internal/exchange"
	"github.com/Leraiman/trading-bot/internal/logger"
)

// runFlatten drives the kill-switch flatten sequence in its own goroutine,
// one per halt episode. Every attempt re-reads residual quantity from the
// loop, so a partial fill shrinks the next order instead of over-closing.
// Execution errors of any kind are retried with exponential backoff until
// the attempt budget runs out; the episode then ends Halted with the
// incomplete_flatten flag raised.
func (e *Engine) runFlatten(client exchange.Client) {
	defer e.wg.Done()

	policy := e.flatten
	backoff := policy.InitialBackoff
	attempts := 0

	for attempts < policy.MaxAttempts {
		residual, ok := e.residualQuantity()
		if !ok {
			logger.Errorf("engine stopped mid-flatten, exposure state unknown")
			return
		}
		if residual.IsZero() {
			break
		}

		attempts++
		fill, err := e.submitFlattenOrder(client, residual)
		if err == nil {
			logger.Infof("flatten attempt %d filled qty=%s px=%s", attempts, fill.Quantity, fill.Price)
			if applyErr := e.applyFillSync(context.Background(), fill); applyErr != nil {
				logger.Errorf("flatten fill not applied: %v", applyErr)
				return
			}
			backoff = policy.InitialBackoff
			continue
		}

		logger.Warnf("flatten attempt %d/%d failed: %v", attempts, policy.MaxAttempts, err)
		if attempts >= policy.MaxAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-e.stopCh:
			logger.Errorf("engine stopped mid-flatten, exposure state unknown")
			return
		}
		backoff *= 2
		if backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
		}
	}

	residual, ok := e.residualQuantity()
	if !ok {
		return
	}
	incomplete := !residual.IsZero()

	// when the ledger says flat, double-check against the venue; a fill we
	// never saw confirmed could leave exposure behind
	if !incomplete && client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), policy.AttemptTimeout)
		venueQty, err := client.GetPosition(ctx, e.symbol)
		cancel()
		if err != nil {
			logger.Warnf("flatten venue reconciliation failed: %v", err)
		} else if !venueQty.IsZero() {
			logger.Errorf("venue reports residual %s after ledger shows flat", venueQty)
			incomplete = true
		}
	}

	done := make(chan struct{})
	if e.send(cmdFlattenDone{incomplete: incomplete, done: done}) {
		// the buffered send can win its race against shutdown; without the
		// stop case this wait would outlive the loop
		select {
		case <-done:
		case <-e.stopCh:
		}
	}
}

func (e *Engine) residualQuantity() (decimal.Decimal, bool) {
	reply := make(chan residualReply, 1)
	if !e.send(cmdResidual{reply: reply}) {
		return decimal.Zero, false
	}
	select {
	case r := <-reply:
		return r.qty, true
	case <-e.stopCh:
		return decimal.Zero, false
	}
}

func (e *Engine) submitFlattenOrder(client exchange.Client, residual decimal.Decimal) (*exchange.Fill, error) {
	held := exchange.SideBuy
	if residual.IsNegative() {
		held = exchange.SideSell
	}
	req := exchange.OrderRequest{
		ClientID: "flatten-" + uuid.NewString(),
		Symbol:   e.symbol,
		Side:     held.Opposite(),
		Type:     policyOrderType(e.flatten.OrderType),
		Quantity: residual.Abs(),
	}
	if req.Type == exchange.OrderTypeLimit {
		// aggressive limit at the latest mark; falls back to market when no
		// mark has been seen yet
		if mark := e.Snapshot().Ledger.MarkPrice; mark != "" && mark != "0" {
			if px, err := decimal.NewFromString(mark); err == nil && px.IsPositive() {
				req.Price = px
			}
		}
		if req.Price.IsZero() {
			req.Type = exchange.OrderTypeMarket
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.flatten.AttemptTimeout)
	defer cancel()
	return client.SubmitOrder(ctx, req)
}

func policyOrderType(t exchange.OrderType) exchange.OrderType {
	switch t {
	case exchange.OrderTypeMarket, exchange.OrderTypeLimit:
		return t
	default:
		return exchange.OrderTypeMarket
	}
}
