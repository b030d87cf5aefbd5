// Package engine implements the risk and session control core: the session
// state machine, the position ledger, the guardrail evaluator and the
// kill-switch controller.
//
// Architecture:
//   - A single command loop (runLoop) owns all mutable state, so session
//     transitions and ledger mutations are serialized without shared locks.
//   - Callers block on per-command reply channels; read-only consumers use
//     an atomic.Value snapshot refreshed after every mutation.
//   - Calls to the execution client and the audit store never run inside the
//     loop. Order submission happens in the caller's goroutine and the
//     kill-switch flatten sequence runs in its own goroutine; both feed
//     results back in as commands, so state is re-validated after every
//     network call.
package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Leraiman/trading-bot/internal/config"
	"github.com/Leraiman/trading-bot/internal/exchange"
	"github.com/Leraiman/trading-bot/internal/logger"
	"github.com/Leraiman/trading-bot/internal/notifier"
	"github.com/Leraiman/trading-bot/internal/pkg/symbol"
)

const fillHistoryLimit = 256

// Engine is the single owner of session and ledger state.
type Engine struct {
	limits     Limits
	limitsErr  error
	symbol     string
	liveClient exchange.Client
	paper      exchange.Client
	halts      HaltSink
	notify     notifier.TextNotifier
	flatten    FlattenPolicy

	cmdCh    chan any
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	persist  sync.WaitGroup

	// state below is touched by the command loop only
	session       SessionState
	mode          Mode
	since         time.Time
	ledger        *Ledger
	pendingHalt   *HaltEvent
	haltReason    HaltReason
	incomplete    bool
	fills         []exchange.Fill
	flattenClient exchange.Client

	snap             atomic.Value
	snapshotThrottle time.Duration
	lastSnapshot     time.Time
}

// Params wires the engine's collaborators. LiveClient may be nil, in which
// case live sessions are refused. Halts and Notify are optional.
type Params struct {
	Config     *config.Config
	LiveClient exchange.Client
	Paper      exchange.Client
	Halts      HaltSink
	Notify     notifier.TextNotifier
}

func New(p Params) *Engine {
	limits, limitsErr := NewLimits(p.Config.Risk)
	if limitsErr != nil {
		logger.Errorf("risk limits invalid, engine will stay idle: %v", limitsErr)
	}
	fl := p.Config.Flatten
	e := &Engine{
		limits:     limits,
		limitsErr:  limitsErr,
		symbol:     symbol.Normalize(p.Config.Exchange.Symbol),
		liveClient: p.LiveClient,
		paper:      p.Paper,
		halts:      p.Halts,
		notify:     p.Notify,
		flatten: FlattenPolicy{
			MaxAttempts:    fl.MaxAttempts,
			InitialBackoff: time.Duration(fl.InitialBackoffSeconds * float64(time.Second)),
			MaxBackoff:     time.Duration(fl.MaxBackoffSeconds * float64(time.Second)),
			AttemptTimeout: time.Duration(fl.AttemptTimeoutSeconds * float64(time.Second)),
			OrderType:      exchange.OrderType(fl.OrderType),
		},
		cmdCh:            make(chan any, 64),
		stopCh:           make(chan struct{}),
		session:          StateIdle,
		since:            time.Now().UTC(),
		snapshotThrottle: 50 * time.Millisecond,
	}
	e.refreshSnapshot(true)
	return e
}

func (e *Engine) Start() {
	e.wg.Add(1)
	go e.runLoop()
}

func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

// Symbol returns the single instrument this engine controls.
func (e *Engine) Symbol() string { return e.symbol }

// Snapshot returns the latest consistent view without blocking the loop.
func (e *Engine) Snapshot() Snapshot {
	if v := e.snap.Load(); v != nil {
		return v.(Snapshot)
	}
	return Snapshot{Session: StateIdle}
}

// ---------------------------------------------------------------------------
// commands
// ---------------------------------------------------------------------------

type cmdStartSession struct {
	mode      Mode
	seedQty   decimal.Decimal
	seedPrice decimal.Decimal
	reply     chan error
}

type cmdStopSession struct {
	flatten bool
	reply   chan stopReply
}

type stopReply struct {
	status KillStatus
	killed bool
	err    error
}

type cmdSubmit struct {
	intent OrderIntent
	reply  chan submitReply
}

type submitReply struct {
	decision Decision
	err      error
}

type cmdApplyFill struct {
	fill  *exchange.Fill
	reply chan error
}

type cmdMark struct {
	price decimal.Decimal
}

type cmdEvaluate struct {
	reply chan Decision
}

type cmdKill struct {
	reason HaltReason
	detail string
	reply  chan killReply
}

type killReply struct {
	status KillStatus
	err    error
}

type cmdResidual struct {
	reply chan residualReply
}

type residualReply struct {
	qty   decimal.Decimal
	state SessionState
}

type cmdFlattenDone struct {
	incomplete bool
	done       chan struct{}
}

type cmdResetDay struct {
	now   time.Time
	reply chan bool
}

type cmdAcknowledge struct {
	reply chan error
}

type cmdFills struct {
	reply chan []FillView
}

func (e *Engine) send(cmd any) bool {
	select {
	case e.cmdCh <- cmd:
		return true
	case <-e.stopCh:
		return false
	}
}

func (e *Engine) runLoop() {
	defer e.wg.Done()
	logger.Infof("control engine started symbol=%s", e.symbol)
	for {
		select {
		case cmd := <-e.cmdCh:
			e.handle(cmd)
		case <-e.stopCh:
			logger.Infof("control engine stopping")
			return
		}
	}
}

// handle dispatches one command. A panic in a handler is contained so a
// single bad request cannot take the loop down.
func (e *Engine) handle(cmd any) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("engine panic handling %T: %v", cmd, r)
			debug.PrintStack()
		}
	}()

	switch c := cmd.(type) {
	case cmdStartSession:
		c.reply <- e.handleStartSession(c)
	case cmdStopSession:
		c.reply <- e.handleStopSession(c)
	case cmdSubmit:
		c.reply <- e.handleSubmit(c)
	case cmdApplyFill:
		c.reply <- e.handleApplyFill(c.fill)
	case cmdMark:
		e.handleMark(c.price)
	case cmdEvaluate:
		c.reply <- e.handleEvaluate()
	case cmdKill:
		c.reply <- e.handleKill(c.reason, c.detail)
	case cmdResidual:
		c.reply <- e.handleResidual()
	case cmdFlattenDone:
		e.handleFlattenDone(c.incomplete)
		close(c.done)
	case cmdResetDay:
		c.reply <- e.handleResetDay(c.now)
	case cmdAcknowledge:
		c.reply <- e.handleAcknowledge()
	case cmdFills:
		c.reply <- e.handleFills()
	default:
		logger.Warnf("engine: unknown command %T", cmd)
	}
}

// ---------------------------------------------------------------------------
// public operations (each one round-trips through the command loop)
// ---------------------------------------------------------------------------

// StartSession transitions Idle -> Paper/Live. For live mode the venue
// position is reconciled first, outside the loop, so a session that begins
// with residual exposure starts from an accurate ledger.
func (e *Engine) StartSession(ctx context.Context, mode Mode) error {
	var seedQty, seedPrice decimal.Decimal
	if mode == ModeLive {
		if e.liveClient == nil {
			return ErrLiveClientMissing
		}
		// the audit store is checked in the caller's goroutine so the
		// command loop never waits on store I/O
		if e.halts != nil {
			open, err := e.halts.HasOpenHalt(ctx)
			if err != nil {
				return fmt.Errorf("audit store check failed: %w", err)
			}
			if open {
				return ErrUnresolvedHalt
			}
		}
		cctx, cancel := context.WithTimeout(ctx, e.flatten.AttemptTimeout)
		qty, err := e.liveClient.GetPosition(cctx, e.symbol)
		cancel()
		if err != nil {
			return fmt.Errorf("reconcile venue position: %w", err)
		}
		seedQty = qty
		if !qty.IsZero() {
			cctx, cancel := context.WithTimeout(ctx, e.flatten.AttemptTimeout)
			if px, err := e.liveClient.LastPrice(cctx, e.symbol); err == nil {
				seedPrice = px
			} else {
				logger.Warnf("seed price unavailable, ledger marks on first tick: %v", err)
			}
			cancel()
		}
	}

	reply := make(chan error, 1)
	if !e.send(cmdStartSession{mode: mode, seedQty: seedQty, seedPrice: seedPrice, reply: reply}) {
		return ErrEngineStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopSession transitions Paper/Live -> Idle. A live stop with open exposure
// fails with ErrExposureNotFlat unless flatten is set, in which case the
// kill switch runs and the session ends Halted once flat.
func (e *Engine) StopSession(ctx context.Context, flatten bool) (KillStatus, error) {
	reply := make(chan stopReply, 1)
	if !e.send(cmdStopSession{flatten: flatten, reply: reply}) {
		return KillStatus{}, ErrEngineStopped
	}
	select {
	case r := <-reply:
		return r.status, r.err
	case <-ctx.Done():
		return KillStatus{}, ctx.Err()
	}
}

// SubmitIntent runs an order intent through the guardrails and, when
// accepted, executes it on the session's client. The execution call happens
// in the caller's goroutine; the resulting fill is folded back into the
// ledger through the loop.
func (e *Engine) SubmitIntent(ctx context.Context, intent OrderIntent) (Decision, *exchange.Fill, error) {
	if intent.Symbol == "" {
		intent.Symbol = e.symbol
	} else {
		intent.Symbol = symbol.Normalize(intent.Symbol)
	}

	reply := make(chan submitReply, 1)
	if !e.send(cmdSubmit{intent: intent, reply: reply}) {
		return Decision{}, nil, ErrEngineStopped
	}
	var r submitReply
	select {
	case r = <-reply:
	case <-ctx.Done():
		return Decision{}, nil, ctx.Err()
	}
	if r.err != nil || r.decision.Outcome != OutcomeAccept {
		return r.decision, nil, r.err
	}

	client := e.clientFor(intent.Mode)
	if client == nil {
		return r.decision, nil, ErrLiveClientMissing
	}
	cctx, cancel := context.WithTimeout(ctx, e.flatten.AttemptTimeout)
	defer cancel()
	fill, err := client.SubmitOrder(cctx, exchange.OrderRequest{
		ClientID: uuid.NewString(),
		Symbol:   intent.Symbol,
		Side:     intent.Side,
		Type:     exchange.OrderTypeMarket,
		Quantity: intent.Quantity,
	})
	if err != nil {
		return r.decision, nil, err
	}
	if applyErr := e.applyFillSync(ctx, fill); applyErr != nil {
		logger.Errorf("fill executed but not applied: %v", applyErr)
		return r.decision, fill, applyErr
	}
	return r.decision, fill, nil
}

// KillSwitch engages the flatten-and-halt sequence. Safe to invoke
// concurrently: only the first call per halt episode starts a flatten, later
// calls observe Flattening/Halted and return immediately.
func (e *Engine) KillSwitch(ctx context.Context, reason HaltReason, detail string) (KillStatus, error) {
	reply := make(chan killReply, 1)
	if !e.send(cmdKill{reason: reason, detail: detail, reply: reply}) {
		return KillStatus{}, ErrEngineStopped
	}
	select {
	case r := <-reply:
		return r.status, r.err
	case <-ctx.Done():
		return KillStatus{}, ctx.Err()
	}
}

// Acknowledge is the operator reset Halted -> Idle. The audit log is kept.
// Store writes happen in the caller's goroutine; the loop only performs the
// transition.
func (e *Engine) Acknowledge(ctx context.Context) error {
	if s := e.Snapshot().Session; s != StateHalted {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidSessionTransition, s, StateIdle)
	}
	if e.halts != nil {
		// an in-flight halt record must land before it can be acknowledged
		e.persist.Wait()
		n, err := e.halts.AcknowledgeHalts(ctx)
		if err != nil {
			return fmt.Errorf("acknowledge audit records: %w", err)
		}
		logger.Infof("operator acknowledged %d halt event(s)", n)
	}
	reply := make(chan error, 1)
	if !e.send(cmdAcknowledge{reply: reply}) {
		return ErrEngineStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MarkPrice feeds a fresh mark into the ledger. Fire-and-forget, called by
// the price feed on every tick.
func (e *Engine) MarkPrice(price decimal.Decimal) {
	select {
	case e.cmdCh <- cmdMark{price: price}:
	case <-e.stopCh:
	}
}

// EvaluateNow re-runs the equity guardrails against current marks. The
// periodic scheduler drives this so breaches from pure market movement are
// caught without a new order intent.
func (e *Engine) EvaluateNow(ctx context.Context) (Decision, error) {
	reply := make(chan Decision, 1)
	if !e.send(cmdEvaluate{reply: reply}) {
		return Decision{}, ErrEngineStopped
	}
	select {
	case d := <-reply:
		return d, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// RolloverDay resets day-start equity at a UTC day boundary. Idempotent
// within the same day.
func (e *Engine) RolloverDay(ctx context.Context, now time.Time) (bool, error) {
	reply := make(chan bool, 1)
	if !e.send(cmdResetDay{now: now, reply: reply}) {
		return false, ErrEngineStopped
	}
	select {
	case changed := <-reply:
		return changed, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Fills returns the session's fill history, newest last.
func (e *Engine) Fills(ctx context.Context) ([]FillView, error) {
	reply := make(chan []FillView, 1)
	if !e.send(cmdFills{reply: reply}) {
		return nil, ErrEngineStopped
	}
	select {
	case fills := <-reply:
		return fills, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) applyFillSync(ctx context.Context, fill *exchange.Fill) error {
	reply := make(chan error, 1)
	if !e.send(cmdApplyFill{fill: fill, reply: reply}) {
		return ErrEngineStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopCh:
		// the loop may have exited after the buffered send won its race;
		// nothing will ever reply
		return ErrEngineStopped
	}
}

func (e *Engine) clientFor(mode Mode) exchange.Client {
	if mode == ModeLive {
		return e.liveClient
	}
	return e.paper
}

// ---------------------------------------------------------------------------
// loop-side handlers
// ---------------------------------------------------------------------------

func (e *Engine) handleStartSession(c cmdStartSession) error {
	if e.limitsErr != nil {
		return fmt.Errorf("%w: %v", ErrLimitsInvalid, e.limitsErr)
	}
	target := c.mode.State()
	if !canTransition(e.session, target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidSessionTransition, e.session, target)
	}

	now := time.Now().UTC()
	e.ledger = NewLedger(e.symbol, e.limits.CapitalBaseUSD, now)
	if !c.seedQty.IsZero() {
		e.ledger.Seed(c.seedQty, c.seedPrice)
		logger.Warnf("live session starts with residual exposure qty=%s", c.seedQty)
	}
	e.session = target
	e.mode = c.mode
	e.since = now
	e.fills = nil
	logger.Infof("session started mode=%s symbol=%s", c.mode, e.symbol)
	e.refreshSnapshot(true)
	return nil
}

func (e *Engine) handleStopSession(c cmdStopSession) stopReply {
	switch e.session {
	case StatePaper:
		e.session = StateIdle
		e.mode = ""
		e.since = time.Now().UTC()
		logger.Infof("paper session stopped")
		e.refreshSnapshot(true)
		return stopReply{status: KillStatus{State: StateIdle}}
	case StateLive:
		if e.ledger != nil && !e.ledger.NetQuantity.IsZero() {
			if !c.flatten {
				return stopReply{err: fmt.Errorf("%w: net quantity %s", ErrExposureNotFlat, e.ledger.NetQuantity)}
			}
			e.engageFlatten(HaltManualKill, "live stop with flatten")
			return stopReply{status: KillStatus{State: StateFlattening}, killed: true}
		}
		e.session = StateIdle
		e.mode = ""
		e.since = time.Now().UTC()
		logger.Infof("live session stopped flat")
		e.refreshSnapshot(true)
		return stopReply{status: KillStatus{State: StateIdle}}
	default:
		return stopReply{err: fmt.Errorf("%w: %s -> %s", ErrInvalidSessionTransition, e.session, StateIdle)}
	}
}

func (e *Engine) handleSubmit(c cmdSubmit) submitReply {
	if err := c.intent.validate(); err != nil {
		return submitReply{err: err}
	}
	if c.intent.Symbol != e.symbol {
		return submitReply{err: fmt.Errorf("%w: symbol %s not managed by this engine", ErrMalformedIntent, c.intent.Symbol)}
	}
	if e.session.Active() && c.intent.Mode != e.mode {
		return submitReply{err: fmt.Errorf("%w: intent mode %s does not match session mode %s", ErrMalformedIntent, c.intent.Mode, e.mode)}
	}

	d := evaluateIntent(e.session, c.intent, e.ledger, e.limits)
	if d.Outcome == OutcomeHalt {
		logger.Warnf("guardrail halt on intent: %s", d.Detail)
		e.engageFlatten(d.HaltReason, d.Detail)
	}
	return submitReply{decision: d}
}

func (e *Engine) handleApplyFill(fill *exchange.Fill) error {
	if e.ledger == nil {
		return fmt.Errorf("no active ledger for fill %s", fill.OrderID)
	}
	e.ledger.ApplyFill(fill)
	e.fills = append(e.fills, *fill)
	if len(e.fills) > fillHistoryLimit {
		e.fills = e.fills[len(e.fills)-fillHistoryLimit:]
	}
	logger.Debugf("fill applied side=%s qty=%s px=%s net=%s",
		fill.Side, fill.Quantity, fill.Price, e.ledger.NetQuantity)

	switch {
	case e.session.Active():
		if d := evaluateMarks(e.ledger, e.limits); d.Outcome == OutcomeHalt {
			logger.Warnf("guardrail halt after fill: %s", d.Detail)
			e.engageFlatten(d.HaltReason, d.Detail)
		}
	case e.session == StateHalted && !e.ledger.NetQuantity.IsZero():
		// an order accepted before the halt can fill after the flatten
		// completed; the halt must not claim a clean flatten while the
		// ledger carries exposure
		logger.Errorf("fill landed after halt, residual %s, re-engaging flatten", e.ledger.NetQuantity)
		e.incomplete = true
		reason := e.haltReason
		if reason == "" {
			reason = HaltExternalError
		}
		e.engageFlatten(reason, "late fill after flatten completed")
	}
	e.refreshSnapshot(true)
	return nil
}

func (e *Engine) handleMark(price decimal.Decimal) {
	if e.ledger == nil {
		return
	}
	e.ledger.MarkToMarket(price)
	if e.session.Active() {
		if d := evaluateMarks(e.ledger, e.limits); d.Outcome == OutcomeHalt {
			logger.Warnf("guardrail halt on mark %s: %s", price, d.Detail)
			e.engageFlatten(d.HaltReason, d.Detail)
		}
	}
	e.refreshSnapshot(false)
}

func (e *Engine) handleEvaluate() Decision {
	if !e.session.Active() {
		return reject(RejectSessionNotActive, fmt.Sprintf("session is %s", e.session))
	}
	d := evaluateMarks(e.ledger, e.limits)
	if d.Outcome == OutcomeHalt {
		logger.Warnf("guardrail halt on periodic evaluation: %s", d.Detail)
		e.engageFlatten(d.HaltReason, d.Detail)
	}
	return d
}

func (e *Engine) handleKill(reason HaltReason, detail string) killReply {
	switch e.session {
	case StateFlattening, StateHalted:
		return killReply{status: KillStatus{State: e.session, AlreadyHalting: true}}
	case StatePaper, StateLive:
		e.engageFlatten(reason, detail)
		return killReply{status: KillStatus{State: StateFlattening}}
	default:
		return killReply{err: fmt.Errorf("%w: %s -> %s", ErrInvalidSessionTransition, e.session, StateFlattening)}
	}
}

func (e *Engine) handleResidual() residualReply {
	r := residualReply{state: e.session}
	if e.ledger != nil {
		r.qty = e.ledger.NetQuantity
	}
	return r
}

func (e *Engine) handleFlattenDone(incomplete bool) {
	if e.session != StateFlattening {
		logger.Warnf("flatten done in unexpected state %s", e.session)
		return
	}
	e.session = StateHalted
	if !incomplete && e.ledger != nil && !e.ledger.NetQuantity.IsZero() {
		// a fill can slip in between the flatten's last residual read and
		// this transition
		logger.Errorf("ledger shows residual %s at halt, marking flatten incomplete", e.ledger.NetQuantity)
		incomplete = true
	}
	e.incomplete = incomplete

	evt := HaltEvent{
		ID:                uuid.NewString(),
		Reason:            HaltExternalError,
		TimestampUTC:      time.Now().UTC(),
		IncompleteFlatten: incomplete,
	}
	if e.pendingHalt != nil {
		evt.ID = e.pendingHalt.ID
		evt.Reason = e.pendingHalt.Reason
		evt.Detail = e.pendingHalt.Detail
	}
	if e.ledger != nil {
		evt.EquityAtHaltUSD = e.ledger.EquityUSD()
	}
	e.haltReason = evt.Reason
	e.pendingHalt = nil

	if incomplete {
		logger.Errorf("halted with INCOMPLETE flatten, reason=%s residual=%s", evt.Reason, e.ledger.NetQuantity)
	} else {
		logger.Warnf("halted flat, reason=%s equity=%s", evt.Reason, evt.EquityAtHaltUSD)
	}

	if e.halts != nil {
		// persisted off-loop so a slow store cannot stall commands; Stop and
		// Acknowledge both wait for the write to land
		e.wg.Add(1)
		e.persist.Add(1)
		go func(evt HaltEvent) {
			defer e.wg.Done()
			defer e.persist.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := e.halts.AppendHalt(ctx, evt); err != nil {
				// the engine is halted regardless; losing the durable record
				// is loud, not fatal
				logger.Errorf("halt event not persisted: %v", err)
			}
		}(evt)
	}
	if e.notify != nil {
		go func(evt HaltEvent) {
			msg := fmt.Sprintf("⛔ trading halted: %s (incomplete_flatten=%v, equity=%s USD)",
				evt.Reason, evt.IncompleteFlatten, evt.EquityAtHaltUSD.Round(2))
			if err := e.notify.SendText(msg); err != nil {
				logger.Warnf("halt notification failed: %v", err)
			}
		}(evt)
	}
	e.refreshSnapshot(true)
}

func (e *Engine) handleResetDay(now time.Time) bool {
	if e.ledger == nil {
		return false
	}
	changed := e.ledger.ResetDay(now)
	if changed {
		logger.Infof("UTC day rollover, day-start equity=%s", e.ledger.DayStartEquityUSD)
		e.refreshSnapshot(true)
	}
	return changed
}

func (e *Engine) handleAcknowledge() error {
	if e.session != StateHalted {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidSessionTransition, e.session, StateIdle)
	}
	e.session = StateIdle
	e.mode = ""
	e.since = time.Now().UTC()
	e.haltReason = ""
	e.incomplete = false
	e.refreshSnapshot(true)
	return nil
}

func (e *Engine) handleFills() []FillView {
	out := make([]FillView, 0, len(e.fills))
	for i := range e.fills {
		out = append(out, fillView(e.fills[i]))
	}
	return out
}

// engageFlatten is the single entry into a halt episode. Callers invoke it
// from Paper or Live, or from Halted when a late fill reopens exposure; the
// mode (and therefore the client) is still set in all three states.
func (e *Engine) engageFlatten(reason HaltReason, detail string) {
	e.flattenClient = e.clientFor(e.mode)
	e.pendingHalt = &HaltEvent{
		ID:           uuid.NewString(),
		Reason:       reason,
		Detail:       detail,
		TimestampUTC: time.Now().UTC(),
	}
	e.session = StateFlattening
	logger.Warnf("kill switch engaged reason=%s detail=%s", reason, detail)
	e.wg.Add(1)
	go e.runFlatten(e.flattenClient)
	e.refreshSnapshot(true)
}

func (e *Engine) refreshSnapshot(force bool) {
	if !force && e.snapshotThrottle > 0 && !e.lastSnapshot.IsZero() {
		if time.Since(e.lastSnapshot) < e.snapshotThrottle {
			return
		}
	}
	s := Snapshot{
		Session:           e.session,
		SessionInfo:       e.session.Info(),
		Mode:              e.mode,
		Since:             e.since,
		Halted:            e.session == StateHalted,
		HaltReason:        e.haltReason,
		IncompleteFlatten: e.incomplete,
		LimitsOK:          e.limitsErr == nil,
		Ledger:            e.ledger.snapshot(),
		FillCount:         len(e.fills),
		Risk:              riskSummary(e.ledger, e.limits),
	}
	if e.limitsErr != nil {
		s.LimitsError = e.limitsErr.Error()
	}
	e.snap.Store(s)
	e.lastSnapshot = time.Now()
}
