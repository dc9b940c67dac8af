package router

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"digital_fulfillment/internal/asset"
	"digital_fulfillment/internal/fulfillment"
	"digital_fulfillment/internal/middleware"
	"digital_fulfillment/internal/model"
	"digital_fulfillment/internal/store"
	rediskey "digital_fulfillment/pkg/redis"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Catalog 目录侧能力：建商品、读展示库存。
type Catalog interface {
	CreateProduct(ctx context.Context, p *model.Product, assets []asset.Asset) error
	PoolStatus(ctx context.Context, productID uint) (int, string, error)
}

// Deps 路由依赖。Redis 为 nil 时关闭限流、库存缓存和幂等键。
type Deps struct {
	Service *fulfillment.Service
	Catalog Catalog
	Redis   *rd.Client

	AdminToken         string
	CheckoutRateLimit  int
	CheckoutRateWindow time.Duration
	StockCacheTTL      time.Duration
	IdempotencyTTL     time.Duration
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})

	var cache *rediskey.StockCache
	checkout := []gin.HandlerFunc{}
	if d.Redis != nil {
		cache = rediskey.NewStockCache(d.Redis, d.StockCacheTTL)
		checkout = append(checkout, middleware.RedisRateLimit(d.Redis, d.CheckoutRateLimit, d.CheckoutRateWindow))
	}
	checkout = append(checkout, placeOrder(d))

	// Products
	r.POST("/api/products", createProduct(d.Catalog, d.AdminToken))
	r.GET("/api/products/:product_id/stock", getStock(d.Catalog, cache))
	// Orders
	r.POST("/api/orders", checkout...)
	r.GET("/api/orders/:order_number", trackOrder(d.Service))
	r.GET("/api/customers/:email/orders", orderHistory(d.Service))
}

type assetView struct {
	Email    string `json:"email,omitempty"`
	Password string `json:"password,omitempty"`
	Code     string `json:"code,omitempty"`
}

type lineView struct {
	LineNo      int             `json:"line_no"`
	OrderNumber string          `json:"order_number"`
	ProductID   uint            `json:"product_id"`
	ProductName string          `json:"product_name"`
	Amount      decimal.Decimal `json:"amount"`
	Status      string          `json:"status"`
	Date        time.Time       `json:"date"`
	Asset       *assetView      `json:"asset,omitempty"`
}

func toLineViews(lines []model.OrderLine) []lineView {
	out := make([]lineView, 0, len(lines))
	for _, l := range lines {
		v := lineView{
			LineNo:      l.LineNo,
			OrderNumber: l.OrderNumber,
			ProductID:   l.ProductID,
			ProductName: l.ProductName,
			Amount:      l.Amount,
			Status:      string(l.Status),
			Date:        l.Date,
		}
		if a, ok := fulfillment.LineAsset(l); ok {
			v.Asset = &assetView{Email: a.Email, Password: a.Password, Code: a.Code}
		}
		out = append(out, v)
	}
	return out
}

// placeOrder 是下单入口。
// 关键流程：
// 1. 参数绑定
// 2. Idempotency-Key → 订单号（Redis SETNX），重试复用同一订单号
// 3. 分配事务（锁池 → 出库 → 写账本），整单成功或整单回滚
// 4. 成功返回每件商品的卡密，失败返回唯一原因与涉事商品
func placeOrder(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			OrderNumber string `json:"order_number" binding:"omitempty,max=64"`
			Customer    struct {
				Email string `json:"email" binding:"required"`
				Name  string `json:"name"`
			} `json:"customer"`
			Items []struct {
				ProductID uint            `json:"product_id" binding:"required,min=1"`
				Quantity  int             `json:"quantity" binding:"required,min=1"`
				UnitPrice decimal.Decimal `json:"unit_price"`
			} `json:"items" binding:"required,min=1,dive"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}

		orderNumber := req.OrderNumber
		if idem := strings.TrimSpace(c.GetHeader("Idempotency-Key")); idem != "" && orderNumber == "" && d.Redis != nil {
			n, err := rediskey.ResolveOrderNumber(c.Request.Context(), d.Redis, req.Customer.Email, idem,
				fulfillment.NewOrderNumber(), d.IdempotencyTTL)
			if err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"code": 503, "msg": "idempotency store unavailable: " + err.Error()})
				return
			}
			orderNumber = n
		}

		cart := make([]fulfillment.CartItem, 0, len(req.Items))
		for _, it := range req.Items {
			cart = append(cart, fulfillment.CartItem{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
		}

		res, err := d.Service.PlaceOrder(c.Request.Context(), fulfillment.Request{
			OrderNumber: orderNumber,
			Cart:        cart,
			Customer:    fulfillment.Customer{Email: req.Customer.Email, Name: req.Customer.Name},
		})
		if err != nil {
			f := fulfillment.AsFailure(err)
			status := failureStatus(f.Kind)
			data := gin.H{"kind": f.Kind, "retryable": f.Retryable()}
			if f.ProductID != 0 {
				data["product_id"] = f.ProductID
			}
			c.JSON(status, gin.H{"code": status, "msg": f.Error(), "data": data})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"code": 0,
			"data": gin.H{
				"order_number": res.OrderNumber,
				"replayed":     res.Replayed,
				"lines":        toLineViews(res.Lines),
			},
		})
	}
}

func failureStatus(kind fulfillment.FailureKind) int {
	switch kind {
	case fulfillment.KindInvalidRequest:
		return http.StatusBadRequest
	case fulfillment.KindProductNotFound:
		return http.StatusNotFound
	case fulfillment.KindOutOfStock, fulfillment.KindAssetConflict:
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

// trackOrder 按订单号查询订单行。
func trackOrder(svc *fulfillment.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		lines, err := svc.TrackOrder(c.Request.Context(), c.Param("order_number"))
		if err != nil {
			if errors.Is(err, store.ErrOrderNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "order not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": toLineViews(lines)})
	}
}

// orderHistory 客户订单历史，新订单在前。
func orderHistory(svc *fulfillment.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		lines, err := svc.OrderHistory(c.Request.Context(), c.Param("email"))
		if err != nil {
			var f *fulfillment.Failure
			if errors.As(err, &f) && f.Kind == fulfillment.KindInvalidRequest {
				c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": toLineViews(lines)})
	}
}

// createProduct 目录侧建商品并导入初始卡密池。
// 该接口要求简单管理员 token。
func createProduct(catalog Catalog, adminToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-Admin-Token") != adminToken {
			c.JSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "invalid admin token"})
			return
		}
		var req struct {
			Name   string          `json:"name" binding:"required"`
			Price  decimal.Decimal `json:"price"`
			Cost   decimal.Decimal `json:"cost"`
			Image  string          `json:"image"`
			Assets []asset.Asset   `json:"assets"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		if req.Price.IsNegative() || req.Cost.IsNegative() {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "price and cost must be >= 0"})
			return
		}
		p := &model.Product{Name: req.Name, Price: req.Price, Cost: req.Cost, Image: req.Image}
		if err := catalog.CreateProduct(c.Request.Context(), p, req.Assets); err != nil {
			if errors.Is(err, store.ErrDuplicateAsset) {
				c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": p})
	}
}

// getStock 查询展示库存：优先 Redis，未命中回源数据库并回填。
func getStock(catalog Catalog, cache *rediskey.StockCache) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("product_id"), 10, 32)
		if err != nil || id == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "invalid product id"})
			return
		}
		ctx := c.Request.Context()
		if cache != nil {
			if stock, found, err := cache.GetStock(ctx, uint(id)); err == nil && found {
				c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"stock": stock, "status_label": asset.StatusLabel(stock)}})
				return
			}
		}
		stock, label, err := catalog.PoolStatus(ctx, uint(id))
		if err != nil {
			if errors.Is(err, store.ErrProductNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "product not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		if cache != nil {
			_ = cache.SetStock(ctx, uint(id), stock)
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"stock": stock, "status_label": label}})
	}
}
