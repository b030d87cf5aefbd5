// Package feed polls the venue for the latest traded price and pushes marks
// into the control engine. Marks drive unrealized PnL and therefore the
// equity guardrails, so the poller keeps running for the whole process
// lifetime regardless of session state.
package feed

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Leraiman/trading-bot/internal/logger"
)

// PriceSource supplies the latest traded price.
type PriceSource interface {
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// MarkSink consumes price marks. Implemented by the engine.
type MarkSink interface {
	MarkPrice(price decimal.Decimal)
}

type Poller struct {
	source   PriceSource
	sink     MarkSink
	symbol   string
	interval time.Duration
}

func NewPoller(source PriceSource, sink MarkSink, symbol string, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{source: source, sink: sink, symbol: symbol, interval: interval}
}

// Run blocks until ctx is canceled. Transient price failures are logged and
// skipped; the previous mark simply stays in effect.
func (p *Poller) Run(ctx context.Context) error {
	logger.Infof("price feed started symbol=%s interval=%s", p.symbol, p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			logger.Infof("price feed stopped symbol=%s", p.symbol)
			return ctx.Err()
		case <-ticker.C:
		}

		cctx, cancel := context.WithTimeout(ctx, p.interval)
		px, err := p.source.LastPrice(cctx, p.symbol)
		cancel()
		if err != nil {
			failures++
			// log the first failure and then every tenth, the feed retries
			// on its own schedule anyway
			if failures == 1 || failures%10 == 0 {
				logger.Warnf("price feed: %d consecutive failures, last: %v", failures, err)
			}
			continue
		}
		if failures > 0 {
			logger.Infof("price feed recovered after %d failures", failures)
			failures = 0
		}
		if px.IsPositive() {
			p.sink.MarkPrice(px)
		}
	}
}
