package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// ResolveOrderNumber 首次出现的幂等键绑定 candidate 订单号；之后同键重试拿到同一订单号，
// 分配事务据此直接返回已提交的结果。
func ResolveOrderNumber(ctx context.Context, rdb *rd.Client, customerEmail, idemKey, candidate string, ttl time.Duration) (string, error) {
	key := IdempotencyKey(customerEmail, idemKey)
	ok, err := rdb.SetNX(ctx, key, candidate, ttl).Result()
	if err != nil {
		return "", err
	}
	if ok {
		return candidate, nil
	}
	return rdb.Get(ctx, key).Result()
}
