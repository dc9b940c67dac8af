// Package store 提供分配事务所需的持久化能力：资产池行锁读写、订单账本、outbox。
// 当前实现基于 GORM（SQLite/MySQL/Postgres），上层只依赖 Store/Tx 接口。
package store

import (
	"context"
	"errors"

	"digital_fulfillment/internal/asset"
	"digital_fulfillment/internal/model"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrOrderNotFound   = errors.New("order not found")
	// ErrDuplicate 唯一约束冲突：订单号+行号重复，或同一资产被二次写入订单行。
	ErrDuplicate = errors.New("duplicate record")
	// ErrDuplicateAsset 入库的资产与池内其他资产或已售出资产相同。
	ErrDuplicateAsset = errors.New("duplicate asset")
)

// Store 由进程启动时显式创建、退出时 Close，不使用全局连接。
type Store interface {
	// InTx 在一个数据库事务内执行 fn；fn 返回错误或 ctx 结束时整体回滚。
	InTx(ctx context.Context, fn func(tx Tx) error) error

	LinesByCustomer(ctx context.Context, email string) ([]model.OrderLine, error)
	LinesByOrderNumber(ctx context.Context, orderNumber string) ([]model.OrderLine, error)
	// PoolStatus 无锁读取库存，仅用于展示。
	PoolStatus(ctx context.Context, productID uint) (stock int, label string, err error)

	Close() error
}

// Tx 只在 InTx 回调内有效。
type Tx interface {
	// LockPool 对商品行加排他锁（SELECT ... FOR UPDATE），锁持有到事务结束。
	LockPool(productID uint) (*LockedPool, error)
	// SavePool 在同一把锁下写回 stock/available_assets/status_label。
	SavePool(pool *asset.Pool) error
	AppendLines(lines []model.OrderLine) error
	LinesByOrderNumber(orderNumber string) ([]model.OrderLine, error)
	// AssetIssued 指纹对应的资产是否已写入过订单行。
	AssetIssued(fingerprint string) (bool, error)
	AppendOutbox(ev *model.OutboxEvent) error
}

// LockedPool 是加锁后读到的商品与解析后的资产池。
type LockedPool struct {
	Product model.Product
	Pool    *asset.Pool
	// DecodeErr 非 nil 时 Pool.Malformed 为 true。
	DecodeErr error
}
