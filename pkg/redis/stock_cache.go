package redis

import (
	"context"
	"errors"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// StockCache 展示用库存缓存；权威库存始终在数据库，缓存只在事务提交后刷新。
type StockCache struct {
	rdb *rd.Client
	ttl time.Duration
}

func NewStockCache(rdb *rd.Client, ttl time.Duration) *StockCache {
	return &StockCache{rdb: rdb, ttl: ttl}
}

func (c *StockCache) SetStock(ctx context.Context, productID uint, stock int) error {
	return c.rdb.Set(ctx, StockKey(productID), stock, c.ttl).Err()
}

// GetStock found=false 表示缓存未命中，调用方应回源数据库。
func (c *StockCache) GetStock(ctx context.Context, productID uint) (int, bool, error) {
	v, err := c.rdb.Get(ctx, StockKey(productID)).Int()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return v, true, nil
}
