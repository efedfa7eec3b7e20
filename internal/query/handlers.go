package query

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ksred/trading-core/internal/audit"
	"github.com/ksred/trading-core/internal/engine"
	"github.com/ksred/trading-core/internal/journal"
	"github.com/ksred/trading-core/internal/ledger"
	"github.com/ksred/trading-core/internal/orders"
	"github.com/ksred/trading-core/internal/sysstate"
	"github.com/ksred/trading-core/internal/taxlot"
	"github.com/ksred/trading-core/internal/types"
	"github.com/ksred/trading-core/pkg/response"
	"github.com/shopspring/decimal"
)

// GinHandlers contains HTTP handlers for the trading and query endpoints
type GinHandlers struct {
	engine  *engine.Engine
	journal *journal.Service
	orders  *orders.Service
	ledger  *ledger.Service
	taxlots *taxlot.Service
	state   *sysstate.Store
	audit   *audit.Recorder
}

// NewGinHandlers creates a new set of HTTP handlers over the core services
func NewGinHandlers(
	eng *engine.Engine,
	journalSvc *journal.Service,
	ordersSvc *orders.Service,
	ledgerSvc *ledger.Service,
	taxlotSvc *taxlot.Service,
	state *sysstate.Store,
	auditor *audit.Recorder,
) *GinHandlers {
	return &GinHandlers{
		engine:  eng,
		journal: journalSvc,
		orders:  ordersSvc,
		ledger:  ledgerSvc,
		taxlots: taxlotSvc,
		state:   state,
		audit:   auditor,
	}
}

// PlaceOrderHandler handles POST requests to place new orders
// The client_order_id in the body doubles as the idempotency key
func (h *GinHandlers) PlaceOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var intent types.OrderIntent
		if err := c.ShouldBindJSON(&intent); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.engine.PlaceOrder(c.Request.Context(), intent)
		response.Handle(c, order, err)
	}
}

// CancelOrderHandler handles POST requests to cancel a live order
// URL parameter: client_order_id
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientOrderID := c.Param("client_order_id")
		if clientOrderID == "" {
			response.BadRequest(c, "Client order ID is required")
			return
		}

		err := h.engine.CancelOrder(c.Request.Context(), clientOrderID)
		response.Handle(c, gin.H{"client_order_id": clientOrderID, "cancel_requested": err == nil}, err)
	}
}

// GetOrderHandler handles GET requests for one order and its fills
// URL parameter: client_order_id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientOrderID := c.Param("client_order_id")
		if clientOrderID == "" {
			response.BadRequest(c, "Client order ID is required")
			return
		}

		order, err := h.orders.GetOrder(clientOrderID)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		if order == nil {
			response.NotFound(c, "Order not found")
			return
		}

		trades, err := h.orders.TradesForOrder(clientOrderID)
		response.Handle(c, gin.H{"order": order, "trades": trades}, err)
	}
}

// OrderHistoryHandler handles GET requests for recent orders
// Query parameters: symbol (optional), limit (optional, default 50)
func (h *GinHandlers) OrderHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 50
		if raw := c.Query("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				response.BadRequest(c, "limit must be a positive integer")
				return
			}
			limit = parsed
		}

		history, err := h.journal.OrderHistory(c.Query("symbol"), limit)
		response.Handle(c, history, err)
	}
}

// positionView is a position row joined with its derived unrealized pnl
type positionView struct {
	types.Position
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// PositionsHandler handles GET requests for all cached positions
func (h *GinHandlers) PositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		positions, err := h.ledger.AllPositions()
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}

		views := make([]positionView, 0, len(positions))
		for i := range positions {
			unrealized, err := h.ledger.UnrealizedPnL(&positions[i])
			if err != nil {
				response.InternalError(c, err.Error())
				return
			}
			views = append(views, positionView{Position: positions[i], UnrealizedPnL: unrealized})
		}

		response.Success(c, views)
	}
}

// OpenLotsHandler handles GET requests for open tax lots
// Query parameters: symbol, exchange
func (h *GinHandlers) OpenLotsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		symbol, exchange := c.Query("symbol"), c.Query("exchange")
		if symbol == "" || exchange == "" {
			response.BadRequest(c, "symbol and exchange are required")
			return
		}

		lots, err := h.taxlots.OpenLots(symbol, exchange)
		response.Handle(c, lots, err)
	}
}

// ClosedLotsHandler handles GET requests for closed tax lots
// Query parameters: symbol, exchange
func (h *GinHandlers) ClosedLotsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		symbol, exchange := c.Query("symbol"), c.Query("exchange")
		if symbol == "" || exchange == "" {
			response.BadRequest(c, "symbol and exchange are required")
			return
		}

		lots, err := h.taxlots.ClosedLots(symbol, exchange)
		response.Handle(c, lots, err)
	}
}

// SystemStateHandler handles GET requests for the system state flags
func (h *GinHandlers) SystemStateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := h.state.All()
		response.Handle(c, rows, err)
	}
}

// AuditLogHandler handles GET requests for recent audit entries
// Query parameter: limit (optional, default 100)
func (h *GinHandlers) AuditLogHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 100
		if raw := c.Query("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				response.BadRequest(c, "limit must be a positive integer")
				return
			}
			limit = parsed
		}

		entries, err := h.audit.Recent(limit)
		response.Handle(c, entries, err)
	}
}

// ResetBreakerHandler handles POST requests to clear the circuit breaker
// This is the only path that resets a tripped breaker
func (h *GinHandlers) ResetBreakerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Reason string `json:"reason" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			response.BadRequest(c, "reason is required")
			return
		}

		operator := c.GetString("clientID")
		if err := h.state.ResetBreaker(body.Reason + " (operator: " + operator + ")"); err != nil {
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, gin.H{"breaker_tripped": false})
	}
}
