package router

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"checkout/internal/config"
	"checkout/internal/middleware"
	"checkout/internal/model"
	"checkout/internal/order"
	"checkout/internal/stock"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deps are the services the HTTP layer calls into.
type Deps struct {
	Coordinator *order.Coordinator
	Admin       *order.Admin
	Sweeper     *order.Sweeper
	Ledger      *stock.Ledger
	Redis       *rd.Client
	Log         *zap.Logger
	Config      config.AppConfig
}

// Setup registers every HTTP route.
func Setup(r *gin.Engine, d Deps) {
	r.Use(middleware.RequestLogger(d.Log), middleware.OptionalUser())

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})

	admin := middleware.AdminToken(d.Config.AdminToken)

	orders := r.Group("/api/orders")
	orders.POST("",
		middleware.RedisRateLimit(d.Redis, d.Log, "checkout", d.Config.BuyRateLimit, d.Config.BuyRateWindow),
		placeOrder(d.Coordinator, d.Log))
	orders.GET("", admin, listOrders(d.Admin))
	orders.GET("/user", listUserOrders(d.Admin))
	orders.POST("/cancel-expired", admin, cancelExpired(d.Sweeper))
	orders.GET("/:order_id", getOrder(d.Admin))
	orders.PATCH("/:order_id/status", admin, updateStatus(d.Admin))
	orders.POST("/:order_id/complete", admin, completeOrder(d.Admin))
	orders.DELETE("/:order_id", admin, deleteOrder(d.Admin))

	stocks := r.Group("/api/stocks")
	stocks.GET("", listStocks(d.Ledger))
	stocks.GET("/:product_id/:size_id/:color_id", getAvailable(d.Ledger))
	stocks.POST("/preload", admin, preloadStock(d.Ledger))
	stocks.PUT("", admin, setQuantity(d.Ledger))
}

// placeOrder is the checkout entry point. A timeout answers 202: the order may still be created.
func placeOrder(coord *order.Coordinator, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req order.PlaceOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code": 400,
				"msg":  err.Error(),
				"data": gin.H{"kind": order.KindValidation, "hold": order.HoldNone},
			})
			return
		}
		if uid, ok := middleware.UserID(c); ok {
			req.UserID = &uid
		}
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")

		p, err := coord.PlaceOrder(c.Request.Context(), req)
		if err != nil {
			var ce *order.CheckoutError
			if !errors.As(err, &ce) {
				log.Error("place order", zap.String("request_id", middleware.RequestID(c)), zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": "internal error"})
				return
			}
			if ce.Kind == order.KindInternal {
				_ = c.Error(err)
			}
			status := checkoutStatus(ce)
			c.JSON(status, gin.H{"code": status, "msg": ce.Message, "data": ce})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "order placed", "data": p})
	}
}

func checkoutStatus(ce *order.CheckoutError) int {
	if errors.Is(ce, order.ErrCheckoutInProgress) {
		return http.StatusConflict
	}
	switch ce.Kind {
	case order.KindValidation, order.KindDuplicateItems, order.KindOutOfStock:
		return http.StatusBadRequest
	case order.KindNotFound:
		return http.StatusNotFound
	case order.KindTimeout:
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}

func getOrder(a *order.Admin) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "order_id")
		if !ok {
			return
		}
		o, err := a.GetOrder(c.Request.Context(), id)
		if err != nil {
			orderError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": o})
	}
}

type listOrdersQuery struct {
	Page    int       `form:"page"`
	Size    int       `form:"size"`
	Status  string    `form:"status"`
	OrderID uint64    `form:"order_id"`
	From    time.Time `form:"from" time_format:"2006-01-02T15:04:05Z07:00"`
	To      time.Time `form:"to" time_format:"2006-01-02T15:04:05Z07:00"`
	Name    string    `form:"customer_name"`
	Email   string    `form:"customer_email"`
	Phone   string    `form:"customer_phone"`
}

func listOrders(a *order.Admin) gin.HandlerFunc {
	return func(c *gin.Context) {
		var q listOrdersQuery
		if err := c.ShouldBindQuery(&q); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		out, err := a.ListOrders(c.Request.Context(), order.OrderFilter{
			OrderID:       q.OrderID,
			Status:        model.OrderStatus(q.Status),
			From:          q.From,
			To:            q.To,
			CustomerName:  q.Name,
			CustomerEmail: q.Email,
			CustomerPhone: q.Phone,
		}, q.Page, q.Size)
		if err != nil {
			orderError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": out})
	}
}

// listUserOrders lists the caller's own orders.
func listUserOrders(a *order.Admin) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := middleware.UserID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "X-User-Id is required"})
			return
		}
		var q listOrdersQuery
		if err := c.ShouldBindQuery(&q); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		out, err := a.ListUserOrders(c.Request.Context(), uid, model.OrderStatus(q.Status), q.Page, q.Size)
		if err != nil {
			orderError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": out})
	}
}

func updateStatus(a *order.Admin) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "order_id")
		if !ok {
			return
		}
		var req struct {
			Status string `json:"status" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		o, err := a.UpdateOrderStatus(c.Request.Context(), id, model.OrderStatus(req.Status))
		if err != nil {
			orderError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "status updated", "data": o})
	}
}

func completeOrder(a *order.Admin) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "order_id")
		if !ok {
			return
		}
		done, err := a.CompleteOrder(c.Request.Context(), id)
		if err != nil {
			orderError(c, err)
			return
		}
		if !done {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "only a shipping order can be completed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "order completed"})
	}
}

func deleteOrder(a *order.Admin) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "order_id")
		if !ok {
			return
		}
		deleted, err := a.DeleteOrder(c.Request.Context(), id)
		if err != nil {
			orderError(c, err)
			return
		}
		if !deleted {
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "order not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "order deleted"})
	}
}

func cancelExpired(s *order.Sweeper) gin.HandlerFunc {
	return func(c *gin.Context) {
		rep, err := s.CancelExpiredOrders(c.Request.Context())
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": "sweep failed", "data": rep})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": rep})
	}
}

func orderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, order.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "order not found"})
	case errors.Is(err, order.ErrInvalidStatus), errors.Is(err, order.ErrInvalidTransition):
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": "internal error"})
	}
}

func listStocks(l *stock.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		size, _ := strconv.Atoi(c.DefaultQuery("size", "20"))
		out, err := l.ListStocks(c.Request.Context(), page, size)
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": out})
	}
}

func getAvailable(l *stock.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var v model.Variant
		var ok bool
		if v.ProductID, ok = pathID(c, "product_id"); !ok {
			return
		}
		if v.SizeID, ok = pathID(c, "size_id"); !ok {
			return
		}
		if v.ColorID, ok = pathID(c, "color_id"); !ok {
			return
		}
		n, err := l.GetAvailable(c.Request.Context(), v)
		if err != nil {
			if errors.Is(err, stock.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "stock entry not found"})
				return
			}
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"variant": v, "available": n}})
	}
}

// preloadStock copies the ledger into the cache counters.
func preloadStock(l *stock.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := l.Preload(c.Request.Context())
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": "preload failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "preloaded", "data": gin.H{"variants": n}})
	}
}

func setQuantity(l *stock.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			ProductID uint64 `json:"product_id" binding:"required,min=1"`
			SizeID    uint64 `json:"size_id" binding:"required,min=1"`
			ColorID   uint64 `json:"color_id" binding:"required,min=1"`
			Quantity  *int64 `json:"quantity" binding:"required,min=0"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		v := model.Variant{ProductID: req.ProductID, SizeID: req.SizeID, ColorID: req.ColorID}
		if err := l.SetQuantity(c.Request.Context(), v, *req.Quantity); err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "quantity set"})
	}
}

func pathID(c *gin.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "invalid " + name})
		return 0, false
	}
	return id, true
}
