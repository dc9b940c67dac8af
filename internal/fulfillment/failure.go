package fulfillment

import (
	"errors"
	"fmt"
)

// FailureKind 下单失败原因，调用方据此展示且只看到一种原因。
type FailureKind string

const (
	KindInvalidRequest  FailureKind = "invalid_request"
	KindProductNotFound FailureKind = "product_not_found"
	KindOutOfStock      FailureKind = "out_of_stock"
	// KindAssetConflict 账本拒绝写入重复资产；重试同样会失败。
	KindAssetConflict FailureKind = "asset_conflict"
	// KindTransientDB 锁超时、连接断开、死锁牺牲者、请求超时；整单重试是安全的。
	KindTransientDB FailureKind = "transient_db_error"
)

// errNoAssets 商品资产池已空。
var errNoAssets = errors.New("no assets left")

// ErrOrderNumberTaken 订单号已被内容不同的订单占用（其他客户或不同购物车）。
var ErrOrderNumberTaken = errors.New("order number already used")

// Failure 是 PlaceOrder 唯一的失败形态；返回 Failure 时库存与账本均未改变。
type Failure struct {
	Kind      FailureKind
	ProductID uint // 0 表示与具体商品无关
	Err       error
}

func (f *Failure) Error() string {
	if f.ProductID != 0 {
		return fmt.Sprintf("%s (product %d): %v", f.Kind, f.ProductID, f.Err)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Retryable 仅数据库瞬时错误值得整单重试。
func (f *Failure) Retryable() bool { return f.Kind == KindTransientDB }

// AsFailure 把任意错误归类为 Failure：非领域错误一律视为数据库瞬时错误。
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{Kind: KindTransientDB, Err: err}
}
