package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/Leraiman/trading-bot/internal/engine"
	"github.com/Leraiman/trading-bot/internal/exchange"
	"github.com/Leraiman/trading-bot/internal/store/sqlite"
)

// Quoter supplies a reference price for order intents that arrive without
// one.
type Quoter interface {
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Router maps the operator API onto the control engine.
type Router struct {
	Engine *engine.Engine
	Halts  *sqlite.Store
	Quoter Quoter
}

func NewRouter(eng *engine.Engine, halts *sqlite.Store, quoter Quoter) *Router {
	return &Router{Engine: eng, Halts: halts, Quoter: quoter}
}

func (r *Router) Register(group *gin.RouterGroup) {
	group.GET("/status", r.handleStatus)
	group.GET("/risk/summary", r.handleRiskSummary)
	group.GET("/live/position", r.handlePosition)
	group.GET("/orders", r.handleOrders)
	group.GET("/halts", r.handleHalts)

	group.POST("/paper/start", r.handleStart(engine.ModePaper))
	group.POST("/paper/stop", r.handleStop)
	group.POST("/live/start", r.handleStart(engine.ModeLive))
	group.POST("/live/stop", r.handleStop)
	group.POST("/live/flat", r.handleKill)
	group.POST("/orders/market", r.handleMarketOrder)
	group.POST("/halts/ack", r.handleAck)
}

func (r *Router) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, r.Engine.Snapshot())
}

func (r *Router) handleRiskSummary(c *gin.Context) {
	c.JSON(http.StatusOK, r.Engine.Snapshot().Risk)
}

func (r *Router) handlePosition(c *gin.Context) {
	snap := r.Engine.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"session": snap.Session,
		"mode":    snap.Mode,
		"ledger":  snap.Ledger,
	})
}

func (r *Router) handleOrders(c *gin.Context) {
	fills, err := r.Engine.Fills(c.Request.Context())
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": fills, "count": len(fills)})
}

func (r *Router) handleHalts(c *gin.Context) {
	if r.Halts == nil {
		c.JSON(http.StatusOK, gin.H{"halts": []any{}})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	records, err := r.Halts.ListHalts(c.Request.Context(), limit)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"halts": records, "count": len(records)})
}

func (r *Router) handleStart(mode engine.Mode) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := r.Engine.StartSession(c.Request.Context(), mode); err != nil {
			abortWith(c, err)
			return
		}
		c.JSON(http.StatusOK, r.Engine.Snapshot())
	}
}

type stopRequest struct {
	Flatten bool `json:"flatten"`
}

func (r *Router) handleStop(c *gin.Context) {
	var req stopRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	status, err := r.Engine.StopSession(c.Request.Context(), req.Flatten)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": status, "snapshot": r.Engine.Snapshot()})
}

type killRequest struct {
	Detail string `json:"detail"`
}

func (r *Router) handleKill(c *gin.Context) {
	var req killRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Detail == "" {
		req.Detail = "operator kill switch"
	}
	status, err := r.Engine.KillSwitch(c.Request.Context(), engine.HaltManualKill, req.Detail)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": status, "snapshot": r.Engine.Snapshot()})
}

type marketOrderRequest struct {
	Side           string `json:"side" binding:"required"`
	Quantity       string `json:"quantity" binding:"required"`
	EstimatedPrice string `json:"estimated_price"`
}

func (r *Router) handleMarketOrder(c *gin.Context) {
	var req marketOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	qty, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "quantity must be a decimal number"})
		return
	}

	price := decimal.Zero
	if req.EstimatedPrice != "" {
		price, err = decimal.NewFromString(req.EstimatedPrice)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "estimated_price must be a decimal number"})
			return
		}
	} else if r.Quoter != nil {
		price, err = r.Quoter.LastPrice(c.Request.Context(), r.Engine.Symbol())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no reference price available: " + err.Error()})
			return
		}
	}

	mode := r.Engine.Snapshot().Mode
	if mode == "" {
		// no session is running; a well-formed intent still goes through
		// the guardrails and comes back as a session_not_active rejection
		mode = engine.ModePaper
	}
	intent := engine.OrderIntent{
		Symbol:         r.Engine.Symbol(),
		Side:           exchange.Side(req.Side),
		Quantity:       qty,
		EstimatedPrice: price,
		Mode:           mode,
	}
	decision, fill, err := r.Engine.SubmitIntent(c.Request.Context(), intent)
	if err != nil {
		abortWith(c, err)
		return
	}
	resp := gin.H{"decision": decision}
	if fill != nil {
		resp["fill"] = gin.H{
			"order_id": fill.OrderID,
			"quantity": fill.Quantity.String(),
			"price":    fill.Price.String(),
			"fee_usd":  fill.FeeUSD.InexactFloat64(),
		}
	}
	status := http.StatusOK
	if decision.Outcome == engine.OutcomeReject {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, resp)
}

func (r *Router) handleAck(c *gin.Context) {
	if err := r.Engine.Acknowledge(c.Request.Context()); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, r.Engine.Snapshot())
}

// abortWith maps domain errors onto HTTP statuses. Conflicting state is 409,
// bad input 400, missing live wiring 503, everything else 500.
func abortWith(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrInvalidSessionTransition),
		errors.Is(err, engine.ErrExposureNotFlat),
		errors.Is(err, engine.ErrUnresolvedHalt):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrMalformedIntent):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrLiveClientMissing),
		errors.Is(err, engine.ErrLimitsInvalid):
		status = http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrEngineStopped):
		status = http.StatusServiceUnavailable
	case exchange.KindOf(err) == exchange.KindRejected:
		status = http.StatusUnprocessableEntity
	case exchange.IsTransient(err):
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
