package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"catalog-orders/internal/models"
	"catalog-orders/internal/service"
	"catalog-orders/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReadinessCheck reports whether a dependency can serve traffic
type ReadinessCheck func(ctx context.Context) error

// Handler contains HTTP handlers
type Handler struct {
	orderService   *service.OrderService
	catalogService *service.CatalogService
	checks         map[string]ReadinessCheck
	logger         *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(orderService *service.OrderService, catalogService *service.CatalogService, checks map[string]ReadinessCheck) *Handler {
	return &Handler{
		orderService:   orderService,
		catalogService: catalogService,
		checks:         checks,
		logger:         util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(requestID())
	router.Use(prometheusMiddleware())
	router.Use(accessLog(h.logger))

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/products", h.listProducts)
		v1.GET("/products/:id", h.getProduct)

		admin := v1.Group("", requireUser(), requireAdmin())
		admin.POST("/products", h.createProduct)
		admin.PUT("/products/:id", h.updateProduct)
		admin.DELETE("/products/:id", h.deleteProduct)
		admin.POST("/products/:id/stock/reserve", h.reserveStock)
		admin.POST("/products/:id/stock/release", h.releaseStock)
		admin.PATCH("/orders/:id/status", h.updateOrderStatus)

		orders := v1.Group("/orders", requireUser())
		orders.POST("", h.placeOrder)
		orders.GET("/history", h.orderHistory)
		orders.GET("/:id", h.getOrder)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck runs every registered dependency check
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("Readiness check failed", zap.String("check", name), zap.Error(err))
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// placeOrder handles order placement for the calling user
func (h *Handler) placeOrder(c *gin.Context) {
	var req service.PlaceOrderRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	req.UserID = currentUserID(c)
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	order, err := h.orderService.PlaceOrder(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, order)
}

// orderHistory lists the calling user's orders
func (h *Handler) orderHistory(c *gin.Context) {
	orders, err := h.orderService.ListOrdersByUser(c.Request.Context(), currentUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// getOrder handles get order by ID. Only the owner and admins see an order.
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := pathID(c)
	if !ok {
		return
	}

	order, err := h.orderService.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		writeError(c, err)
		return
	}

	if order.UserID != currentUserID(c) && !isAdmin(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Order belongs to another user"})
		return
	}

	c.JSON(http.StatusOK, order)
}

type statusRequest struct {
	Status models.OrderStatus `json:"status" binding:"required"`
}

// updateOrderStatus moves an order through fulfillment
func (h *Handler) updateOrderStatus(c *gin.Context) {
	orderID, ok := pathID(c)
	if !ok {
		return
	}

	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	order, err := h.orderService.UpdateOrderStatus(c.Request.Context(), orderID, req.Status)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid id",
		})
		return 0, false
	}
	return id, true
}
