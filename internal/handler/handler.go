package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nathanyu/matching-engine/internal/book"
	"github.com/nathanyu/matching-engine/internal/domain"
	"github.com/nathanyu/matching-engine/internal/engine"
	"github.com/nathanyu/matching-engine/internal/marketdata"
	"github.com/nathanyu/matching-engine/internal/middleware"
)

const (
	defaultBookDepth   = 20
	defaultTradeLimit  = 100
	defaultCandleCount = 100
)

// Config wires a Handler.
type Config struct {
	Engine *engine.Engine
	Market *marketdata.Service
	Depth  *marketdata.DepthPublisher
	// Cache, when set, serves cached depth reads and joins the health check.
	Cache  *marketdata.RedisStore
	Logger *zap.Logger
}

// Handler holds the HTTP handler dependencies.
type Handler struct {
	engine   *engine.Engine
	market   *marketdata.Service
	depth    *marketdata.DepthPublisher
	cache    *marketdata.RedisStore
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// New creates a new Handler.
func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Handler{
		engine:   cfg.Engine,
		market:   cfg.Market,
		depth:    cfg.Depth,
		cache:    cfg.Cache,
		logger:   cfg.Logger,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// RegisterRoutes sets up the Gin routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)

	v1 := r.Group("/v1")
	{
		v1.POST("/order", h.SubmitOrder)
		v1.DELETE("/order/:id", h.CancelOrder)
		v1.PUT("/order/:id", h.ModifyOrder)
		v1.GET("/orderbook", h.GetOrderbook)
		v1.GET("/trades", h.GetTrades)
		v1.GET("/candles", h.GetCandles)
		v1.GET("/stats", h.GetStats)
	}

	r.GET("/ws/trades", h.StreamTrades)
	r.GET("/ws/depth", h.StreamDepth)
}

// Health returns a health check response.
func (h *Handler) Health(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{
		"status":      "ok",
		"service":     "matching-engine",
		"symbol":      h.engine.Symbol(),
		"sequence_id": h.engine.CurrentSequence(),
	}

	if h.cache != nil {
		if err := h.cache.Ping(c.Request.Context()); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["redis"] = "unreachable"
		} else {
			body["redis"] = "ok"
		}
	}

	c.JSON(status, body)
}

// SubmitOrderRequest is the request body for placing an order.
type SubmitOrderRequest struct {
	OrderID  uint64 `json:"order_id" binding:"required"`
	Side     string `json:"side" binding:"required"`
	Kind     string `json:"kind"`
	Price    int64  `json:"price"`
	Quantity uint64 `json:"quantity" binding:"required,gt=0"`
}

// SubmitOrder handles POST /v1/order.
func (h *Handler) SubmitOrder(c *gin.Context) {
	var req SubmitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	kind := book.OrderKind(req.Kind)
	if req.Kind == "" {
		kind = book.KindGoodTillCancel
	}

	result, err := h.engine.Submit(c.Request.Context(), engine.OrderRequest{
		OrderID:  book.OrderID(req.OrderID),
		Side:     book.Side(req.Side),
		Kind:     kind,
		Price:    book.Price(req.Price),
		Quantity: book.Quantity(req.Quantity),
	})
	if err != nil {
		h.operationFailed(c, "submit", err)
		return
	}

	outcome := middleware.OutcomeApplied
	switch {
	case result.Duplicate:
		outcome = middleware.OutcomeNoop
	case kind == book.KindFillAndKill && !result.Resting && len(result.Trades) == 0:
		outcome = middleware.OutcomeRejected
	}
	h.recordOperation("submit", outcome, result.SequenceID)

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

// CancelOrder handles DELETE /v1/order/:id.
func (h *Handler) CancelOrder(c *gin.Context) {
	id, ok := parseOrderID(c)
	if !ok {
		return
	}

	result, err := h.engine.Cancel(c.Request.Context(), id)
	if err != nil {
		h.operationFailed(c, "cancel", err)
		return
	}
	if !result.Canceled {
		h.recordOperation("cancel", middleware.OutcomeNoop, 0)
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}

	h.recordOperation("cancel", middleware.OutcomeApplied, result.SequenceID)
	c.JSON(http.StatusOK, result)
}

// ModifyOrderRequest is the request body for replacing an order's terms.
type ModifyOrderRequest struct {
	Side     string `json:"side" binding:"required"`
	Price    int64  `json:"price"`
	Quantity uint64 `json:"quantity" binding:"required,gt=0"`
}

// ModifyOrder handles PUT /v1/order/:id.
func (h *Handler) ModifyOrder(c *gin.Context) {
	id, ok := parseOrderID(c)
	if !ok {
		return
	}

	var req ModifyOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.engine.Modify(c.Request.Context(), engine.ModifyRequest{
		OrderID:  id,
		Side:     book.Side(req.Side),
		Price:    book.Price(req.Price),
		Quantity: book.Quantity(req.Quantity),
	})
	if err != nil {
		h.operationFailed(c, "modify", err)
		return
	}
	if !result.Found {
		h.recordOperation("modify", middleware.OutcomeNoop, 0)
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}

	h.recordOperation("modify", middleware.OutcomeApplied, result.SequenceID)
	c.JSON(http.StatusOK, result)
}

// GetOrderbook handles GET /v1/orderbook.
func (h *Handler) GetOrderbook(c *gin.Context) {
	depth, err := strconv.Atoi(c.DefaultQuery("depth", strconv.Itoa(defaultBookDepth)))
	if err != nil || depth <= 0 {
		depth = defaultBookDepth
	}

	// Cached reads skip the matching loop entirely.
	if h.cache != nil && c.Query("cached") == "true" {
		snapshot, found, err := h.cache.LoadDepth(c.Request.Context(), h.engine.Symbol())
		if err != nil {
			h.logger.Warn("cached depth read failed, falling back to live", zap.Error(err))
		} else if found {
			c.JSON(http.StatusOK, snapshot)
			return
		}
	}

	snapshot, err := h.engine.Snapshot(c.Request.Context(), depth)
	if err != nil {
		h.logger.Error("depth snapshot failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "snapshot unavailable"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// GetTrades handles GET /v1/trades.
func (h *Handler) GetTrades(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultTradeLimit)))
	if err != nil || limit <= 0 {
		limit = defaultTradeLimit
	}

	var orderID book.OrderID
	if raw := c.Query("order_id"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order_id"})
			return
		}
		orderID = book.OrderID(parsed)
	}

	var since time.Time
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since format, use RFC3339"})
			return
		}
		since = parsed
	}

	trades := h.market.Trades(limit, orderID, since)
	if trades == nil {
		trades = []domain.ExecutionReport{}
	}
	c.JSON(http.StatusOK, trades)
}

// GetCandles handles GET /v1/candles.
func (h *Handler) GetCandles(c *gin.Context) {
	count, err := strconv.Atoi(c.DefaultQuery("count", strconv.Itoa(defaultCandleCount)))
	if err != nil || count <= 0 {
		count = defaultCandleCount
	}

	candles := h.market.Candles(count)
	if candles == nil {
		candles = []domain.Candle{}
	}
	c.JSON(http.StatusOK, candles)
}

// GetStats handles GET /v1/stats.
func (h *Handler) GetStats(c *gin.Context) {
	size, err := h.engine.Size(c.Request.Context())
	if err != nil {
		h.logger.Error("book size failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats unavailable"})
		return
	}

	stats := h.market.Stats()
	c.JSON(http.StatusOK, gin.H{
		"symbol":          h.engine.Symbol(),
		"last_price":      stats.LastPrice,
		"last_quantity":   stats.LastQuantity,
		"trade_count":     stats.TradeCount,
		"volume":          stats.Volume,
		"resting_orders":  size,
		"sequence_id":     h.engine.CurrentSequence(),
		"dropped_reports": h.engine.DroppedReports(),
	})
}

type streamMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// StreamTrades handles GET /ws/trades.
func (h *Handler) StreamTrades(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := h.market.TradeFeed().Subscribe(32)
	defer h.market.TradeFeed().Unsubscribe(sub)

	for report := range sub.C() {
		if err := conn.WriteJSON(streamMessage{Type: "trade", Data: report}); err != nil {
			return
		}
	}
}

// StreamDepth handles GET /ws/depth.
func (h *Handler) StreamDepth(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// New subscribers get the current book state before the live stream.
	if snapshot, err := h.engine.Snapshot(c.Request.Context(), 0); err == nil {
		if err := conn.WriteJSON(streamMessage{Type: "depth", Data: snapshot}); err != nil {
			return
		}
	}

	sub := h.depth.Feed().Subscribe(8)
	defer h.depth.Feed().Unsubscribe(sub)

	for snapshot := range sub.C() {
		if err := conn.WriteJSON(streamMessage{Type: "depth", Data: snapshot}); err != nil {
			return
		}
	}
}

func (h *Handler) operationFailed(c *gin.Context, action string, err error) {
	if errors.Is(err, engine.ErrInvalidOrder) {
		middleware.OperationsTotal.WithLabelValues(action, middleware.OutcomeInvalid).Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	middleware.OperationsTotal.WithLabelValues(action, middleware.OutcomeError).Inc()
	h.logger.Error("operation failed", zap.String("action", action), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func (h *Handler) recordOperation(action, outcome string, seq uint64) {
	middleware.OperationsTotal.WithLabelValues(action, outcome).Inc()
	if seq > 0 {
		middleware.OperationSequence.Set(float64(seq))
	}
}

func parseOrderID(c *gin.Context) (book.OrderID, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return 0, false
	}
	return book.OrderID(id), true
}
