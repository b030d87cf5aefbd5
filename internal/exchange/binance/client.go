// Package binance implements the live execution client on the Binance spot
// REST API.
package binance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"

	"github.com/Leraiman/trading-bot/internal/config"
	"github.com/Leraiman/trading-bot/internal/exchange"
	"github.com/Leraiman/trading-bot/internal/logger"
	"github.com/Leraiman/trading-bot/internal/pkg/circuit"
	"github.com/Leraiman/trading-bot/internal/pkg/symbol"
)

// quote assets recognized when deriving the base asset from a symbol
var quoteAssets = []string{"USDT", "USDC", "FDUSD", "BUSD", "TUSD", "USD"}

// Client executes orders on Binance spot. All calls go through a circuit
// breaker so a flapping venue trips open instead of hammering the API.
type Client struct {
	api     *gobinance.Client
	breaker *circuit.Breaker
}

func New(cfg config.ExchangeConfig) *Client {
	api := gobinance.NewClient(cfg.APIKey, cfg.APISecret)
	if cfg.RESTBaseURL != "" {
		api.BaseURL = cfg.RESTBaseURL
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	api.HTTPClient = &http.Client{Timeout: timeout}
	return &Client{
		api:     api,
		breaker: circuit.NewBreaker("binance", 5, 2*time.Minute),
	}
}

func (c *Client) Name() string { return "binance" }

func (c *Client) SubmitOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.Fill, error) {
	if !c.breaker.Allow() {
		return nil, exchange.NewTransient("submit_order", errors.New("circuit breaker open"))
	}

	svc := c.api.NewCreateOrderService().
		Symbol(symbol.Normalize(req.Symbol)).
		Side(sideType(req.Side)).
		NewClientOrderID(req.ClientID).
		Quantity(req.Quantity.String())
	if req.Type == exchange.OrderTypeLimit && req.Price.IsPositive() {
		svc = svc.Type(gobinance.OrderTypeLimit).
			TimeInForce(gobinance.TimeInForceTypeIOC).
			Price(req.Price.String())
	} else {
		svc = svc.Type(gobinance.OrderTypeMarket)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		c.breaker.RecordFailure()
		return nil, classify("submit_order", err)
	}
	c.breaker.RecordSuccess()

	fill, err := fillFromResponse(req, resp)
	if err != nil {
		return nil, exchange.NewUnknown("submit_order", err)
	}
	logger.Infof("binance order filled id=%d qty=%s avg_px=%s", resp.OrderID, fill.Quantity, fill.Price)
	return fill, nil
}

// GetPosition reports the base-asset balance (free + locked) as a signed
// quantity. Spot holdings are never negative.
func (c *Client) GetPosition(ctx context.Context, sym string) (decimal.Decimal, error) {
	if !c.breaker.Allow() {
		return decimal.Zero, exchange.NewTransient("get_position", errors.New("circuit breaker open"))
	}
	acct, err := c.api.NewGetAccountService().Do(ctx)
	if err != nil {
		c.breaker.RecordFailure()
		return decimal.Zero, classify("get_position", err)
	}
	c.breaker.RecordSuccess()

	base := baseAsset(symbol.Normalize(sym))
	for _, b := range acct.Balances {
		if !strings.EqualFold(b.Asset, base) {
			continue
		}
		free, err1 := decimal.NewFromString(b.Free)
		locked, err2 := decimal.NewFromString(b.Locked)
		if err1 != nil || err2 != nil {
			return decimal.Zero, exchange.NewUnknown("get_position",
				fmt.Errorf("unparseable balance for %s: free=%q locked=%q", b.Asset, b.Free, b.Locked))
		}
		return free.Add(locked), nil
	}
	return decimal.Zero, nil
}

func (c *Client) LastPrice(ctx context.Context, sym string) (decimal.Decimal, error) {
	prices, err := c.api.NewListPricesService().Symbol(symbol.Normalize(sym)).Do(ctx)
	if err != nil {
		return decimal.Zero, classify("last_price", err)
	}
	if len(prices) == 0 {
		return decimal.Zero, exchange.NewUnknown("last_price", fmt.Errorf("no price returned for %s", sym))
	}
	px, err := decimal.NewFromString(prices[0].Price)
	if err != nil {
		return decimal.Zero, exchange.NewUnknown("last_price", fmt.Errorf("unparseable price %q", prices[0].Price))
	}
	return px, nil
}

func sideType(s exchange.Side) gobinance.SideType {
	if s == exchange.SideSell {
		return gobinance.SideTypeSell
	}
	return gobinance.SideTypeBuy
}

func baseAsset(sym string) string {
	for _, q := range quoteAssets {
		if strings.HasSuffix(sym, q) && len(sym) > len(q) {
			return strings.TrimSuffix(sym, q)
		}
	}
	return sym
}

// fillFromResponse condenses the per-trade fills of a spot order into one
// volume-weighted fill. Fees charged in the quote asset count directly; fees
// charged in the base asset are converted at the average price.
func fillFromResponse(req exchange.OrderRequest, resp *gobinance.CreateOrderResponse) (*exchange.Fill, error) {
	executed, err := decimal.NewFromString(resp.ExecutedQuantity)
	if err != nil || !executed.IsPositive() {
		return nil, fmt.Errorf("order %d not executed, status=%s", resp.OrderID, resp.Status)
	}
	quote, err := decimal.NewFromString(resp.CummulativeQuoteQuantity)
	if err != nil {
		return nil, fmt.Errorf("order %d: unparseable quote quantity %q", resp.OrderID, resp.CummulativeQuoteQuantity)
	}
	avgPrice := quote.Div(executed)

	base := baseAsset(symbol.Normalize(req.Symbol))
	fee := decimal.Zero
	for _, f := range resp.Fills {
		commission, err := decimal.NewFromString(f.Commission)
		if err != nil {
			continue
		}
		if strings.EqualFold(f.CommissionAsset, base) {
			fee = fee.Add(commission.Mul(avgPrice))
		} else {
			fee = fee.Add(commission)
		}
	}

	return &exchange.Fill{
		OrderID:  fmt.Sprintf("%d", resp.OrderID),
		ClientID: req.ClientID,
		Symbol:   symbol.Normalize(req.Symbol),
		Side:     req.Side,
		Quantity: executed,
		Price:    avgPrice,
		FeeUSD:   fee,
		FilledAt: time.UnixMilli(resp.TransactTime),
	}, nil
}

// transient API error codes: internal errors, rate limits, timestamp drift
var transientAPICodes = map[int64]bool{
	-1000: true, // UNKNOWN
	-1001: true, // DISCONNECTED
	-1003: true, // TOO_MANY_REQUESTS
	-1006: true, // UNEXPECTED_RESP
	-1007: true, // TIMEOUT
	-1021: true, // INVALID_TIMESTAMP
}

func classify(op string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		if transientAPICodes[apiErr.Code] {
			return exchange.NewTransient(op, err)
		}
		return exchange.NewRejected(op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return exchange.NewTransient(op, err)
	}
	return exchange.NewUnknown(op, err)
}
