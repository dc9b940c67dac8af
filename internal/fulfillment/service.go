// Package fulfillment 实现下单时的数字资产分配：锁池、出库、写账本、整单提交或整单回滚。
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"digital_fulfillment/internal/model"
	"digital_fulfillment/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Policy 决定某件商品无资产可发时的处理方式。
type Policy string

const (
	// PolicyHardStop 任一件缺货则整单失败（默认）。
	PolicyHardStop Policy = "hard-stop"
	// PolicyAllowPending 缺货件生成 pending 行，订单照常成立。
	PolicyAllowPending Policy = "allow-pending"
)

// ParsePolicy 解析配置值，空串取默认。
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.TrimSpace(s)) {
	case "", PolicyHardStop:
		return PolicyHardStop, nil
	case PolicyAllowPending:
		return PolicyAllowPending, nil
	default:
		return "", fmt.Errorf("unknown out-of-stock policy %q", s)
	}
}

// CartItem 购物车中的一项；单价由调用方确定。
type CartItem struct {
	ProductID uint
	Quantity  int
	UnitPrice decimal.Decimal
}

// Customer 由上游鉴权解析，本模块完全信任。
type Customer struct {
	Email string
	Name  string
}

// Request 下单请求。OrderNumber 可选：复用同一订单号重试时结果幂等。
type Request struct {
	OrderNumber string
	Cart        []CartItem
	Customer    Customer
}

// Success 整单分配成功的结果，Lines 按购物车顺序每件一行。
type Success struct {
	OrderNumber string
	Lines       []model.OrderLine
	// Replayed 为 true 表示订单号已存在，直接返回历史结果，未再出库。
	Replayed bool
}

// StockCache 提交后刷新展示用库存缓存。
type StockCache interface {
	SetStock(ctx context.Context, productID uint, stock int) error
}

// Recorder 记录下单结果指标。
type Recorder interface {
	ObserveOrder(outcome string, elapsed time.Duration)
	AddIssued(n int)
}

// Service 是下单的唯一写入口。
type Service struct {
	store   store.Store
	log     *zap.Logger
	policy  Policy
	topic   string
	timeout time.Duration
	cache   StockCache
	metrics Recorder

	now            func() time.Time
	newOrderNumber func() string
}

type Option func(*Service)

func WithPolicy(p Policy) Option              { return func(s *Service) { s.policy = p } }
func WithTopic(topic string) Option           { return func(s *Service) { s.topic = topic } }
func WithStockCache(c StockCache) Option      { return func(s *Service) { s.cache = c } }
func WithRecorder(r Recorder) Option          { return func(s *Service) { s.metrics = r } }
func WithClock(now func() time.Time) Option   { return func(s *Service) { s.now = now } }
func WithTimeout(d time.Duration) Option      { return func(s *Service) { s.timeout = d } }
func WithOrderNumbers(f func() string) Option { return func(s *Service) { s.newOrderNumber = f } }

// DefaultTopic outbox 事件的 Kafka topic。
const DefaultTopic = "digital-orders-fulfilled"

func New(st store.Store, log *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:          st,
		log:            log,
		policy:         PolicyHardStop,
		topic:          DefaultTopic,
		now:            time.Now,
		newOrderNumber: NewOrderNumber,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewOrderNumber 生成 DG + 12 位十六进制大写订单号。
func NewOrderNumber() string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "DG" + strings.ToUpper(id[:12])
}

// PlaceOrder 校验购物车并执行分配事务。
// 失败时返回 *Failure，且数据库没有任何变更。
func (s *Service) PlaceOrder(ctx context.Context, req Request) (*Success, error) {
	start := time.Now()
	if err := validate(req); err != nil {
		f := &Failure{Kind: KindInvalidRequest, Err: err}
		s.observe(string(f.Kind), start)
		return nil, f
	}

	req.Customer.Email = model.NormalizeEmail(req.Customer.Email)

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	orderNumber := strings.TrimSpace(req.OrderNumber)
	if orderNumber == "" {
		orderNumber = s.newOrderNumber()
	}

	var res *Success
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		res, err = s.allocate(tx, orderNumber, req)
		return err
	})
	if err != nil {
		// 同一订单号并发重试：另一事务已提交，直接返回其结果。
		if req.OrderNumber != "" && errors.Is(err, store.ErrDuplicate) {
			if lines, qerr := s.store.LinesByOrderNumber(ctx, orderNumber); qerr == nil {
				if merr := sameOrder(lines, req); merr != nil {
					err = merr
				} else {
					s.observe("replayed", start)
					return &Success{OrderNumber: orderNumber, Lines: lines, Replayed: true}, nil
				}
			}
		}
		f := AsFailure(err)
		s.log.Warn("place order failed",
			zap.String("order_number", orderNumber),
			zap.String("kind", string(f.Kind)),
			zap.Uint("product_id", f.ProductID),
			zap.Error(f.Err),
		)
		s.observe(string(f.Kind), start)
		return nil, f
	}

	if res.Replayed {
		s.log.Info("order replayed", zap.String("order_number", orderNumber))
		s.observe("replayed", start)
		return res, nil
	}

	s.afterCommit(ctx, req, res)
	s.observe("success", start)
	return res, nil
}

// afterCommit 提交后的尽力而为动作，失败只记日志。
func (s *Service) afterCommit(ctx context.Context, req Request, res *Success) {
	issued := 0
	for _, l := range res.Lines {
		if l.Status == model.OrderLineCompleted {
			issued++
		}
	}
	if s.metrics != nil {
		s.metrics.AddIssued(issued)
	}
	s.log.Info("order fulfilled",
		zap.String("order_number", res.OrderNumber),
		zap.String("customer", req.Customer.Email),
		zap.Int("lines", len(res.Lines)),
		zap.Int("issued", issued),
	)

	if s.cache == nil {
		return
	}
	for _, id := range distinctProductIDs(req.Cart) {
		stock, _, err := s.store.PoolStatus(ctx, id)
		if err == nil {
			err = s.cache.SetStock(ctx, id, stock)
		}
		if err != nil {
			s.log.Warn("refresh stock cache", zap.Uint("product_id", id), zap.Error(err))
		}
	}
}

func (s *Service) observe(outcome string, start time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveOrder(outcome, time.Since(start))
	}
}

// OrderHistory 客户订单历史，新订单在前。
func (s *Service) OrderHistory(ctx context.Context, email string) ([]model.OrderLine, error) {
	email = model.NormalizeEmail(email)
	if email == "" {
		return nil, &Failure{Kind: KindInvalidRequest, Err: errors.New("email is required")}
	}
	return s.store.LinesByCustomer(ctx, email)
}

// TrackOrder 按订单号查询；不存在时错误链包含 store.ErrOrderNotFound。
func (s *Service) TrackOrder(ctx context.Context, orderNumber string) ([]model.OrderLine, error) {
	return s.store.LinesByOrderNumber(ctx, strings.TrimSpace(orderNumber))
}

func validate(req Request) error {
	if len(req.Cart) == 0 {
		return errors.New("cart is empty")
	}
	if strings.TrimSpace(req.Customer.Email) == "" {
		return errors.New("customer email is required")
	}
	if len(req.OrderNumber) > 64 {
		return errors.New("order number too long")
	}
	for i, item := range req.Cart {
		if item.ProductID == 0 {
			return fmt.Errorf("cart[%d]: product id is required", i)
		}
		if item.Quantity < 1 {
			return fmt.Errorf("cart[%d]: quantity must be >= 1", i)
		}
		if item.UnitPrice.IsNegative() {
			return fmt.Errorf("cart[%d]: unit price must be >= 0", i)
		}
	}
	return nil
}
