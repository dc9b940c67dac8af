package asset

import (
	"encoding/json"
	"errors"
	"fmt"
)

// LowStockThreshold 库存 ≤ 该值时标记为 low-stock。
const LowStockThreshold = 10

const (
	LabelInStock  = "in-stock"
	LabelLowStock = "low-stock"
)

// StatusLabel 由库存推导展示标签，不单独存储为权威值。
func StatusLabel(stock int) string {
	if stock > LowStockThreshold {
		return LabelInStock
	}
	return LabelLowStock
}

// Pool 是单个商品的待发放资产池快照，必须在行锁内读取和写回。
type Pool struct {
	ProductID   uint
	Stock       int
	Assets      []Asset // FIFO：下标 0 最早入库，最先发放
	StatusLabel string

	// Malformed 为 true 时表示原始 JSON 无法解析：不发放、不回写，保留原数据供人工处理。
	Malformed bool
}

// NewPool 用已解析的资产构造快照，Stock 与标签按资产数量重算。
func NewPool(productID uint, assets []Asset) *Pool {
	p := &Pool{ProductID: productID, Assets: assets}
	p.recompute()
	return p
}

// DecodePool 解析库中的 JSON 数组。任一元素非法时整池标记为 Malformed，并返回原因。
func DecodePool(productID uint, raw []byte) (*Pool, error) {
	if len(raw) == 0 {
		return NewPool(productID, nil), nil
	}
	var assets []Asset
	if err := json.Unmarshal(raw, &assets); err != nil {
		p := NewPool(productID, nil)
		p.Malformed = true
		if !errors.Is(err, ErrMalformedAsset) {
			err = fmt.Errorf("%w: %v", ErrMalformedAsset, err)
		}
		return p, fmt.Errorf("product %d: %w", productID, err)
	}
	return NewPool(productID, assets), nil
}

// Encode 序列化剩余资产，空池写成 []。
func (p *Pool) Encode() ([]byte, error) {
	if p.Assets == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(p.Assets)
}

// WithdrawOne 弹出队头资产。池为空或数据损坏时返回 false，库存保持不变。
func (p *Pool) WithdrawOne() (Asset, bool) {
	if p.Malformed || len(p.Assets) == 0 {
		p.recompute()
		return Asset{}, false
	}
	head := p.Assets[0]
	p.Assets = p.Assets[1:]
	p.recompute()
	return head, true
}

func (p *Pool) recompute() {
	p.Stock = len(p.Assets)
	p.StatusLabel = StatusLabel(p.Stock)
}
