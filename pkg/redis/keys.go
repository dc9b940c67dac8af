package redis

import (
	"fmt"

	"digital_fulfillment/internal/model"
)

// StockKey 统一约定商品库存缓存键名。
func StockKey(productID uint) string {
	return fmt.Sprintf("digital_fulfillment:stock:%d", productID)
}

// IdempotencyKey 将客户端幂等键映射到订单号；邮箱大小写不敏感，与限流键一致。
func IdempotencyKey(customerEmail, idemKey string) string {
	return fmt.Sprintf("digital_fulfillment:idem:%s:%s", model.NormalizeEmail(customerEmail), idemKey)
}

// RateLimitKey 结账接口按客户限流，解析不到客户时按 IP。
func RateLimitKey(kind, id string) string {
	return fmt.Sprintf("rate_limit:checkout:%s:%s", kind, id)
}
