package paper

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Leraiman/trading-bot/internal/config"
	"github.com/Leraiman/trading-bot/internal/exchange"
)

type staticPrices struct {
	price decimal.Decimal
	err   error
}

func (s staticPrices) LastPrice(context.Context, string) (decimal.Decimal, error) {
	return s.price, s.err
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestPaperFillAppliesSlippageAndFee(t *testing.T) {
	e := New(staticPrices{price: d("10000")}, config.PaperConfig{FeeBps: 10, SlippageBps: 5})

	fill, err := e.SubmitOrder(context.Background(), exchange.OrderRequest{
		ClientID: "c1",
		Symbol:   "BTCUSDT",
		Side:     exchange.SideBuy,
		Type:     exchange.OrderTypeMarket,
		Quantity: d("1"),
	})
	require.NoError(t, err)

	// buy slips up: 10000 * (1 + 5/10000) = 10005
	assert.True(t, fill.Price.Equal(d("10005")), "fill price got %s", fill.Price)
	// fee: 10005 * 10bps = 10.005
	assert.True(t, fill.FeeUSD.Equal(d("10.005")), "fee got %s", fill.FeeUSD)
	assert.Equal(t, "c1", fill.ClientID)

	sell, err := e.SubmitOrder(context.Background(), exchange.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     exchange.SideSell,
		Type:     exchange.OrderTypeMarket,
		Quantity: d("1"),
	})
	require.NoError(t, err)
	// sell slips down: 9995
	assert.True(t, sell.Price.Equal(d("9995")), "fill price got %s", sell.Price)
}

func TestPaperTracksSimulatedPosition(t *testing.T) {
	e := New(staticPrices{price: d("100")}, config.PaperConfig{})
	ctx := context.Background()

	_, err := e.SubmitOrder(ctx, exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, Quantity: d("2"),
	})
	require.NoError(t, err)
	_, err = e.SubmitOrder(ctx, exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: exchange.SideSell, Quantity: d("0.5"),
	})
	require.NoError(t, err)

	pos, err := e.GetPosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, pos.Equal(d("1.5")), "position got %s", pos)
}

func TestPaperRejectsNonPositiveQuantity(t *testing.T) {
	e := New(staticPrices{price: d("100")}, config.PaperConfig{})
	_, err := e.SubmitOrder(context.Background(), exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, Quantity: d("0"),
	})
	require.Error(t, err)
	assert.Equal(t, exchange.KindRejected, exchange.KindOf(err))
}

func TestPaperPropagatesPriceFailure(t *testing.T) {
	e := New(staticPrices{err: errors.New("feed down")}, config.PaperConfig{})
	_, err := e.SubmitOrder(context.Background(), exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, Quantity: d("1"),
	})
	assert.Error(t, err)

	pos, posErr := e.GetPosition(context.Background(), "BTCUSDT")
	require.NoError(t, posErr)
	assert.True(t, pos.IsZero(), "failed order must not move the position")
}

func TestPaperLimitOrderUsesGivenPrice(t *testing.T) {
	e := New(staticPrices{err: errors.New("unused")}, config.PaperConfig{SlippageBps: 5})
	fill, err := e.SubmitOrder(context.Background(), exchange.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     exchange.SideSell,
		Type:     exchange.OrderTypeLimit,
		Quantity: d("1"),
		Price:    d("200"),
	})
	require.NoError(t, err)
	assert.True(t, fill.Price.Equal(d("199.9")), "fill price got %s", fill.Price)
}
