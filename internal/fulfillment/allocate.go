package fulfillment

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"digital_fulfillment/internal/asset"
	"digital_fulfillment/internal/model"
	"digital_fulfillment/internal/queue"
	"digital_fulfillment/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// allocate 在事务 tx 内完成整单分配。返回错误即整体回滚。
//
// 流程：按商品 ID 升序加锁（多商品购物车之间不会锁序反转）→ 已有同号订单则直接返回
// → 按购物车顺序逐件 FIFO 出库 → 写回资产池 → 追加订单行 → 追加 outbox 事件。
func (s *Service) allocate(tx store.Tx, orderNumber string, req Request) (*Success, error) {
	ids := distinctProductIDs(req.Cart)
	pools := make(map[uint]*store.LockedPool, len(ids))
	for _, id := range ids {
		lp, err := tx.LockPool(id)
		if err != nil {
			if errors.Is(err, store.ErrProductNotFound) {
				return nil, &Failure{Kind: KindProductNotFound, ProductID: id, Err: err}
			}
			return nil, fmt.Errorf("lock product %d: %w", id, err)
		}
		if lp.DecodeErr != nil {
			s.log.Error("asset pool malformed, treating as empty",
				zap.Uint("product_id", id), zap.Error(lp.DecodeErr))
		}
		pools[id] = lp
	}

	// 加锁之后再查重，保证看到并发同号请求已提交的结果。
	if req.OrderNumber != "" {
		existing, err := tx.LinesByOrderNumber(orderNumber)
		if err != nil {
			return nil, fmt.Errorf("lookup order %s: %w", orderNumber, err)
		}
		if len(existing) > 0 {
			if err := sameOrder(existing, req); err != nil {
				return nil, err
			}
			return &Success{OrderNumber: orderNumber, Lines: existing, Replayed: true}, nil
		}
	}

	now := s.now()
	taken := make(map[string]struct{}, totalUnits(req.Cart))
	lines := make([]model.OrderLine, 0, totalUnits(req.Cart))
	for _, item := range req.Cart {
		lp := pools[item.ProductID]
		for i := 0; i < item.Quantity; i++ {
			a, ok, err := s.nextAsset(tx, lp.Pool, taken)
			if err != nil {
				return nil, err
			}
			if !ok && s.policy == PolicyHardStop {
				cause := errNoAssets
				if lp.DecodeErr != nil {
					cause = lp.DecodeErr
				}
				return nil, &Failure{Kind: KindOutOfStock, ProductID: item.ProductID, Err: cause}
			}

			line := model.OrderLine{
				OrderNumber:   orderNumber,
				LineNo:        len(lines) + 1,
				CustomerEmail: req.Customer.Email,
				CustomerName:  req.Customer.Name,
				ProductID:     item.ProductID,
				ProductName:   lp.Product.Name,
				Amount:        item.UnitPrice,
				Cost:          lp.Product.Cost,
				Status:        model.OrderLinePending,
				Date:          now,
			}
			if ok {
				bindAsset(&line, a)
			}
			lines = append(lines, line)
		}
	}

	for _, id := range ids {
		if err := tx.SavePool(pools[id].Pool); err != nil {
			return nil, fmt.Errorf("save pool %d: %w", id, err)
		}
	}
	if err := tx.AppendLines(lines); err != nil {
		err = fmt.Errorf("append order lines: %w", err)
		if errors.Is(err, store.ErrDuplicate) {
			return nil, &Failure{Kind: KindAssetConflict, Err: err}
		}
		return nil, err
	}

	ev, err := s.fulfilledEvent(orderNumber, req.Customer, lines)
	if err != nil {
		return nil, err
	}
	if err := tx.AppendOutbox(ev); err != nil {
		return nil, fmt.Errorf("append outbox: %w", err)
	}

	return &Success{OrderNumber: orderNumber, Lines: lines}, nil
}

// nextAsset 取池头资产；已售出或本单已取过的重复资产直接丢弃，继续取下一个。
// 丢弃只在事务提交后生效。
func (s *Service) nextAsset(tx store.Tx, pool *asset.Pool, taken map[string]struct{}) (asset.Asset, bool, error) {
	for {
		a, ok := pool.WithdrawOne()
		if !ok {
			return asset.Asset{}, false, nil
		}
		fp := a.Fingerprint()
		if _, dup := taken[fp]; !dup {
			issued, err := tx.AssetIssued(fp)
			if err != nil {
				return asset.Asset{}, false, fmt.Errorf("check asset of product %d: %w", pool.ProductID, err)
			}
			if !issued {
				taken[fp] = struct{}{}
				return a, true, nil
			}
		}
		s.log.Error("duplicate asset dropped from pool",
			zap.Uint("product_id", pool.ProductID), zap.String("fingerprint", fp))
	}
}

// sameOrder 同号重放只对原客户、原购物车成立，否则订单号视为被占用。
func sameOrder(existing []model.OrderLine, req Request) error {
	taken := &Failure{Kind: KindInvalidRequest, Err: ErrOrderNumberTaken}
	for _, l := range existing {
		if model.NormalizeEmail(l.CustomerEmail) != model.NormalizeEmail(req.Customer.Email) {
			return taken
		}
	}
	want := make(map[uint]int, len(req.Cart))
	for _, item := range req.Cart {
		want[item.ProductID] += item.Quantity
	}
	for _, l := range existing {
		want[l.ProductID]--
	}
	for _, n := range want {
		if n != 0 {
			return taken
		}
	}
	return nil
}

// bindAsset 把出库资产写入订单行，按形态只填对应字段。
func bindAsset(line *model.OrderLine, a asset.Asset) {
	switch a.Kind {
	case asset.KindCredential:
		email, password := a.Email, a.Password
		line.DigitalEmail, line.DigitalPassword = &email, &password
	case asset.KindCode:
		code := a.Code
		line.DigitalCode = &code
	}
	fp := a.Fingerprint()
	line.AssetFingerprint = &fp
	line.Status = model.OrderLineCompleted
}

// LineAsset 从订单行还原资产；pending 行返回 false。
func LineAsset(line model.OrderLine) (asset.Asset, bool) {
	switch {
	case line.DigitalCode != nil:
		return asset.Code(*line.DigitalCode), true
	case line.DigitalEmail != nil && line.DigitalPassword != nil:
		return asset.Credential(*line.DigitalEmail, *line.DigitalPassword), true
	default:
		return asset.Asset{}, false
	}
}

func (s *Service) fulfilledEvent(orderNumber string, c Customer, lines []model.OrderLine) (*model.OutboxEvent, error) {
	msg := queue.FulfilledMessage{
		Type:          queue.EventOrderFulfilled,
		OrderNumber:   orderNumber,
		CustomerEmail: c.Email,
		CustomerName:  c.Name,
		Lines:         make([]queue.FulfilledLine, 0, len(lines)),
	}
	for _, l := range lines {
		fl := queue.FulfilledLine{
			LineNo:      l.LineNo,
			ProductID:   l.ProductID,
			ProductName: l.ProductName,
			Status:      string(l.Status),
		}
		if a, ok := LineAsset(l); ok {
			fl.Asset = &a
		}
		msg.Lines = append(msg.Lines, fl)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode fulfilled event: %w", err)
	}
	return &model.OutboxEvent{
		EventID: uuid.New().String(),
		Topic:   s.topic,
		Key:     orderNumber,
		Payload: payload,
	}, nil
}

// distinctProductIDs 去重并升序排列，作为全局统一的加锁顺序。
func distinctProductIDs(cart []CartItem) []uint {
	seen := make(map[uint]struct{}, len(cart))
	ids := make([]uint, 0, len(cart))
	for _, item := range cart {
		if _, ok := seen[item.ProductID]; ok {
			continue
		}
		seen[item.ProductID] = struct{}{}
		ids = append(ids, item.ProductID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func totalUnits(cart []CartItem) int {
	n := 0
	for _, item := range cart {
		n += item.Quantity
	}
	return n
}
