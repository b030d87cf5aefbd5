package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Leraiman/trading-bot/internal/config"
	"github.com/Leraiman/trading-bot/internal/exchange"
)

// fakeClient simulates a venue with immediate fills at a fixed price. When
// gate is set, orders stay in flight until the channel is closed.
type fakeClient struct {
	mu         sync.Mutex
	price      decimal.Decimal
	position   decimal.Decimal
	failAlways bool
	gate       chan struct{}
	entered    int
	submits    int
}

func newFakeClient(price string) *fakeClient {
	return &fakeClient{price: d(price)}
}

func (f *fakeClient) Name() string { return "fake" }

func (f *fakeClient) SubmitOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.Fill, error) {
	f.mu.Lock()
	f.entered++
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, exchange.NewTransient("submit_order", ctx.Err())
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.failAlways {
		return nil, exchange.NewTransient("submit_order", errors.New("venue down"))
	}
	signed := req.Quantity
	if req.Side == exchange.SideSell {
		signed = signed.Neg()
	}
	f.position = f.position.Add(signed)
	return &exchange.Fill{
		OrderID:  "fake-1",
		ClientID: req.ClientID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Quantity: req.Quantity,
		Price:    f.price,
		FilledAt: time.Now(),
	}, nil
}

func (f *fakeClient) GetPosition(_ context.Context, _ string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position, nil
}

func (f *fakeClient) LastPrice(_ context.Context, _ string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.price, nil
}

func (f *fakeClient) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

func (f *fakeClient) enteredCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entered
}

// fakeSink records halt events in memory.
type fakeSink struct {
	mu     sync.Mutex
	events []HaltEvent
	open   bool
}

func (s *fakeSink) AppendHalt(_ context.Context, evt HaltEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	s.open = true
	return nil
}

func (s *fakeSink) HasOpenHalt(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open, nil
}

func (s *fakeSink) AcknowledgeHalts(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.events))
	s.open = false
	return n, nil
}

func (s *fakeSink) recorded() []HaltEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HaltEvent, len(s.events))
	copy(out, s.events)
	return out
}

// slowSink blocks AppendHalt until its gate is closed.
type slowSink struct {
	fakeSink
	appendGate chan struct{}
}

func (s *slowSink) AppendHalt(ctx context.Context, evt HaltEvent) error {
	<-s.appendGate
	return s.fakeSink.AppendHalt(ctx, evt)
}

func testConfig() *config.Config {
	return &config.Config{
		Risk: config.RiskConfig{
			CapitalBaseUSD:  10000,
			RiskPerTradeBps: 50,
			DailyLossCapBps: 200,
			MaxDrawdownBps:  1000,
			MaxLeverage:     1,
		},
		Exchange: config.ExchangeConfig{Symbol: "BTCUSDT"},
		Flatten: config.FlattenConfig{
			MaxAttempts:           3,
			InitialBackoffSeconds: 0.005,
			MaxBackoffSeconds:     0.02,
			AttemptTimeoutSeconds: 1,
			OrderType:             "market",
		},
	}
}

func newTestEngine(t *testing.T, cfg *config.Config, live exchange.Client, paper exchange.Client, sink HaltSink) *Engine {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	e := New(Params{Config: cfg, LiveClient: live, Paper: paper, Halts: sink})
	e.Start()
	t.Cleanup(e.Stop)
	return e
}

func waitForState(t *testing.T, e *Engine, want SessionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.Snapshot().Session == want
	}, 2*time.Second, 2*time.Millisecond, "expected session %s, got %s", want, e.Snapshot().Session)
}

// halt records are persisted off the command loop, so assertions on the sink
// have to wait for the write to land
func waitForHaltRecords(t *testing.T, sink *fakeSink, n int) []HaltEvent {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(sink.recorded()) == n
	}, 2*time.Second, 2*time.Millisecond, "expected %d halt record(s), got %d", n, len(sink.recorded()))
	return sink.recorded()
}

func TestPaperSessionStartStop(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil, nil, newFakeClient("100"), &fakeSink{})

	require.NoError(t, e.StartSession(ctx, ModePaper))
	snap := e.Snapshot()
	assert.Equal(t, StatePaper, snap.Session)
	assert.Equal(t, ModePaper, snap.Mode)

	status, err := e.StopSession(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, status.State)
	assert.Equal(t, StateIdle, e.Snapshot().Session)
}

func TestStartSessionRejectedWhileActive(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil, nil, newFakeClient("100"), &fakeSink{})

	require.NoError(t, e.StartSession(ctx, ModePaper))
	err := e.StartSession(ctx, ModePaper)
	assert.ErrorIs(t, err, ErrInvalidSessionTransition)
}

func TestLiveSessionRequiresClient(t *testing.T) {
	e := newTestEngine(t, nil, nil, newFakeClient("100"), &fakeSink{})
	err := e.StartSession(context.Background(), ModeLive)
	assert.ErrorIs(t, err, ErrLiveClientMissing)
}

func TestLiveSessionBlockedByOpenHalt(t *testing.T) {
	sink := &fakeSink{open: true}
	e := newTestEngine(t, nil, newFakeClient("100"), newFakeClient("100"), sink)

	err := e.StartSession(context.Background(), ModeLive)
	assert.ErrorIs(t, err, ErrUnresolvedHalt)

	// paper sessions are not blocked by an open halt
	assert.NoError(t, e.StartSession(context.Background(), ModePaper))
}

func TestLiveSessionSeedsResidualExposure(t *testing.T) {
	live := newFakeClient("100")
	live.position = d("0.5")
	e := newTestEngine(t, nil, live, newFakeClient("100"), &fakeSink{})

	require.NoError(t, e.StartSession(context.Background(), ModeLive))
	snap := e.Snapshot()
	assert.Equal(t, "0.5", snap.Ledger.NetQuantity)
	assert.Equal(t, "100", snap.Ledger.AvgEntryPrice)
}

func TestSubmitIntentExecutesAndAppliesFill(t *testing.T) {
	ctx := context.Background()
	paper := newFakeClient("100")
	e := newTestEngine(t, nil, nil, paper, &fakeSink{})
	require.NoError(t, e.StartSession(ctx, ModePaper))

	dec, fillRes, err := e.SubmitIntent(ctx, OrderIntent{
		Side:           exchange.SideBuy,
		Quantity:       d("0.4"),
		EstimatedPrice: d("100"),
		Mode:           ModePaper,
	})
	require.NoError(t, err)
	require.NotNil(t, fillRes)
	assert.Equal(t, OutcomeAccept, dec.Outcome)
	assert.Equal(t, 1, paper.submitCount())

	snap := e.Snapshot()
	assert.Equal(t, "0.4", snap.Ledger.NetQuantity)
	assert.Equal(t, 1, snap.FillCount)
}

func TestSubmitIntentRejectionSkipsExecution(t *testing.T) {
	ctx := context.Background()
	paper := newFakeClient("100")
	e := newTestEngine(t, nil, nil, paper, &fakeSink{})
	require.NoError(t, e.StartSession(ctx, ModePaper))

	dec, fillRes, err := e.SubmitIntent(ctx, OrderIntent{
		Side:           exchange.SideBuy,
		Quantity:       d("1"), // $100 notional against a $50 per-trade limit
		EstimatedPrice: d("100"),
		Mode:           ModePaper,
	})
	require.NoError(t, err)
	assert.Nil(t, fillRes)
	assert.Equal(t, OutcomeReject, dec.Outcome)
	assert.Equal(t, RejectPerTradeRiskExceeded, dec.Reason)
	assert.Equal(t, 0, paper.submitCount(), "rejected intents must never reach the venue")
}

func TestSubmitIntentMalformed(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil, nil, newFakeClient("100"), &fakeSink{})
	require.NoError(t, e.StartSession(ctx, ModePaper))

	_, _, err := e.SubmitIntent(ctx, OrderIntent{
		Side:           exchange.Side("hold"),
		Quantity:       d("1"),
		EstimatedPrice: d("100"),
		Mode:           ModePaper,
	})
	assert.ErrorIs(t, err, ErrMalformedIntent)

	_, _, err = e.SubmitIntent(ctx, OrderIntent{
		Side:           exchange.SideBuy,
		Quantity:       d("-1"),
		EstimatedPrice: d("100"),
		Mode:           ModePaper,
	})
	assert.ErrorIs(t, err, ErrMalformedIntent)
}

func TestStopLiveWithExposureRequiresFlatten(t *testing.T) {
	ctx := context.Background()
	live := newFakeClient("100")
	live.position = d("0.3")
	sink := &fakeSink{}
	e := newTestEngine(t, nil, live, newFakeClient("100"), sink)
	require.NoError(t, e.StartSession(ctx, ModeLive))

	_, err := e.StopSession(ctx, false)
	assert.ErrorIs(t, err, ErrExposureNotFlat)
	assert.Equal(t, StateLive, e.Snapshot().Session, "failed stop must leave the session running")

	status, err := e.StopSession(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, StateFlattening, status.State)

	waitForState(t, e, StateHalted)
	snap := e.Snapshot()
	assert.Equal(t, "0", snap.Ledger.NetQuantity)
	assert.False(t, snap.IncompleteFlatten)
	assert.Equal(t, HaltManualKill, snap.HaltReason)

	events := waitForHaltRecords(t, sink, 1)
	assert.Equal(t, HaltManualKill, events[0].Reason)
	assert.False(t, events[0].IncompleteFlatten)

	venueQty, _ := live.GetPosition(ctx, "BTCUSDT")
	assert.True(t, venueQty.IsZero(), "flatten must close the venue position")
}

func TestKillSwitchFromIdleRejected(t *testing.T) {
	e := newTestEngine(t, nil, nil, newFakeClient("100"), &fakeSink{})
	_, err := e.KillSwitch(context.Background(), HaltManualKill, "test")
	assert.ErrorIs(t, err, ErrInvalidSessionTransition)
}

func TestKillSwitchIdempotentUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	paper := newFakeClient("100")
	e := newTestEngine(t, nil, nil, paper, &fakeSink{})
	require.NoError(t, e.StartSession(ctx, ModePaper))
	_, _, err := e.SubmitIntent(ctx, OrderIntent{
		Side: exchange.SideBuy, Quantity: d("0.4"), EstimatedPrice: d("100"), Mode: ModePaper,
	})
	require.NoError(t, err)

	const callers = 8
	statuses := make([]KillStatus, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st, err := e.KillSwitch(ctx, HaltManualKill, "concurrent")
			assert.NoError(t, err)
			statuses[i] = st
		}(i)
	}
	wg.Wait()

	engaged := 0
	for _, st := range statuses {
		if !st.AlreadyHalting {
			engaged++
		}
	}
	assert.Equal(t, 1, engaged, "exactly one caller may engage the flatten")

	waitForState(t, e, StateHalted)
	// one opening buy plus exactly one flatten sell
	assert.Equal(t, 2, paper.submitCount())
}

func TestKillSwitchExhaustedAttemptsMarksIncomplete(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	paper := newFakeClient("100")
	sink := &fakeSink{}
	e := newTestEngine(t, cfg, nil, paper, sink)
	require.NoError(t, e.StartSession(ctx, ModePaper))
	_, _, err := e.SubmitIntent(ctx, OrderIntent{
		Side: exchange.SideBuy, Quantity: d("0.4"), EstimatedPrice: d("100"), Mode: ModePaper,
	})
	require.NoError(t, err)

	paper.mu.Lock()
	paper.failAlways = true
	opening := paper.submits
	paper.mu.Unlock()

	_, err = e.KillSwitch(ctx, HaltDailyLossCap, "forced")
	require.NoError(t, err)

	waitForState(t, e, StateHalted)
	snap := e.Snapshot()
	assert.True(t, snap.IncompleteFlatten)
	assert.Equal(t, "0.4", snap.Ledger.NetQuantity, "residual stays on the books")
	assert.Equal(t, cfg.Flatten.MaxAttempts, paper.submitCount()-opening)

	events := waitForHaltRecords(t, sink, 1)
	assert.True(t, events[0].IncompleteFlatten)
	assert.Equal(t, HaltDailyLossCap, events[0].Reason)
}

func TestStopWhileFlattenInFlight(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Flatten.AttemptTimeoutSeconds = 5
	paper := newFakeClient("100")
	e := newTestEngine(t, cfg, nil, paper, &fakeSink{})
	require.NoError(t, e.StartSession(ctx, ModePaper))
	_, _, err := e.SubmitIntent(ctx, OrderIntent{
		Side: exchange.SideBuy, Quantity: d("0.4"), EstimatedPrice: d("100"), Mode: ModePaper,
	})
	require.NoError(t, err)

	gate := make(chan struct{})
	paper.mu.Lock()
	paper.gate = gate
	paper.mu.Unlock()

	_, err = e.KillSwitch(ctx, HaltManualKill, "test")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return paper.enteredCount() > 1
	}, 2*time.Second, 2*time.Millisecond, "flatten order never reached the venue")

	stopped := make(chan struct{})
	go func() {
		e.Stop()
		close(stopped)
	}()
	// let the loop exit first so the released fill lands on a stopped engine
	time.Sleep(20 * time.Millisecond)
	close(gate)

	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return with a flatten order in flight")
	}
}

func TestFillAfterHaltReengagesFlatten(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Flatten.AttemptTimeoutSeconds = 5
	paper := newFakeClient("100")
	sink := &fakeSink{}
	e := newTestEngine(t, cfg, nil, paper, sink)
	require.NoError(t, e.StartSession(ctx, ModePaper))

	gate := make(chan struct{})
	paper.mu.Lock()
	paper.gate = gate
	paper.mu.Unlock()

	// an accepted order stays in flight at the venue
	submitDone := make(chan error, 1)
	go func() {
		_, _, err := e.SubmitIntent(ctx, OrderIntent{
			Side: exchange.SideBuy, Quantity: d("0.4"), EstimatedPrice: d("100"), Mode: ModePaper,
		})
		submitDone <- err
	}()
	require.Eventually(t, func() bool {
		return paper.enteredCount() == 1
	}, 2*time.Second, 2*time.Millisecond)

	// the ledger is flat, so the kill switch halts with a clean flatten
	_, err := e.KillSwitch(ctx, HaltManualKill, "test")
	require.NoError(t, err)
	waitForState(t, e, StateHalted)
	require.Equal(t, "0", e.Snapshot().Ledger.NetQuantity)

	// the stuck order now fills while halted
	close(gate)
	require.NoError(t, <-submitDone)

	// exposure must be flattened again, not carried behind a halt that
	// claims a complete flatten
	require.Eventually(t, func() bool {
		snap := e.Snapshot()
		return snap.Session == StateHalted && snap.Ledger.NetQuantity == "0" && !snap.IncompleteFlatten
	}, 2*time.Second, 2*time.Millisecond, "late fill left exposure on the books")
	venueQty, _ := paper.GetPosition(ctx, "BTCUSDT")
	assert.True(t, venueQty.IsZero())
	waitForHaltRecords(t, sink, 2)
}

func TestSlowAuditStoreDoesNotStallLoop(t *testing.T) {
	ctx := context.Background()
	sink := &slowSink{appendGate: make(chan struct{})}
	e := newTestEngine(t, nil, nil, newFakeClient("100"), sink)
	require.NoError(t, e.StartSession(ctx, ModePaper))
	_, err := e.KillSwitch(ctx, HaltManualKill, "test")
	require.NoError(t, err)
	waitForState(t, e, StateHalted)

	// the loop keeps serving commands while the halt record is still being
	// written
	_, err = e.Fills(ctx)
	require.NoError(t, err)
	_, err = e.EvaluateNow(ctx)
	require.NoError(t, err)
	assert.Empty(t, sink.recorded())

	close(sink.appendGate)
	events := waitForHaltRecords(t, &sink.fakeSink, 1)
	assert.Equal(t, HaltManualKill, events[0].Reason)

	// acknowledge waits for the record to land before clearing it
	require.NoError(t, e.Acknowledge(ctx))
	open, _ := sink.HasOpenHalt(ctx)
	assert.False(t, open)
}

func TestAcknowledgeReturnsToIdle(t *testing.T) {
	ctx := context.Background()
	sink := &fakeSink{}
	e := newTestEngine(t, nil, nil, newFakeClient("100"), sink)
	require.NoError(t, e.StartSession(ctx, ModePaper))
	_, err := e.KillSwitch(ctx, HaltManualKill, "test")
	require.NoError(t, err)
	waitForState(t, e, StateHalted)

	require.NoError(t, e.Acknowledge(ctx))
	assert.Equal(t, StateIdle, e.Snapshot().Session)

	open, _ := sink.HasOpenHalt(ctx)
	assert.False(t, open)

	// a fresh session can start again
	assert.NoError(t, e.StartSession(ctx, ModePaper))
}

func TestAcknowledgeOnlyFromHalted(t *testing.T) {
	e := newTestEngine(t, nil, nil, newFakeClient("100"), &fakeSink{})
	err := e.Acknowledge(context.Background())
	assert.ErrorIs(t, err, ErrInvalidSessionTransition)
}

func TestMarkBreachEngagesKillSwitch(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Risk.RiskPerTradeBps = 10000 // allow a position big enough to breach
	paper := newFakeClient("10000")
	sink := &fakeSink{}
	e := newTestEngine(t, cfg, nil, paper, sink)
	require.NoError(t, e.StartSession(ctx, ModePaper))
	_, _, err := e.SubmitIntent(ctx, OrderIntent{
		Side: exchange.SideBuy, Quantity: d("1"), EstimatedPrice: d("10000"), Mode: ModePaper,
	})
	require.NoError(t, err)

	// a 3% drop is a 300 bps daily loss against a 200 bps cap
	paper.mu.Lock()
	paper.price = d("9700")
	paper.mu.Unlock()
	e.MarkPrice(d("9700"))

	waitForState(t, e, StateHalted)
	events := waitForHaltRecords(t, sink, 1)
	assert.Equal(t, HaltDailyLossCap, events[0].Reason)
	assert.False(t, events[0].IncompleteFlatten)
	assert.Equal(t, "0", e.Snapshot().Ledger.NetQuantity)
}

func TestRolloverDayResetsBaseline(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil, nil, newFakeClient("100"), &fakeSink{})
	require.NoError(t, e.StartSession(ctx, ModePaper))

	changed, err := e.RolloverDay(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, changed, "same-day rollover is a no-op")

	changed, err = e.RolloverDay(ctx, time.Now().UTC().Add(25*time.Hour))
	require.NoError(t, err)
	assert.True(t, changed)
}
