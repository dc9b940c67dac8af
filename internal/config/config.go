package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AppConfig 聚合运行时配置，尽量通过环境变量注入，避免硬编码。
type AppConfig struct {
	HTTPAddr string
	LogLevel string

	// 数据库：sqlite（默认，本地开发）/ mysql / postgres
	DBDriver string
	DBDSN    string

	RedisAddr string
	RedisDB   int

	// Kafka 集群地址（逗号分隔）、订单完成事件 Topic、通知服务消费者组
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	// 结账接口限流、库存缓存、幂等键有效期
	CheckoutRateLimit  int
	CheckoutRateWindow time.Duration
	StockCacheTTL      time.Duration
	IdempotencyTTL     time.Duration

	// 缺货策略：hard-stop（整单失败）/ allow-pending（生成待补发行）
	OutOfStockPolicy string
	// 单次分配事务超时，超时即回滚
	CheckoutTimeout time.Duration

	// outbox relay 轮询间隔与批量
	RelayInterval  time.Duration
	RelayBatchSize int

	// 建商品接口的简单管理员令牌（demo 级别保护）
	AdminToken string
}

// Load 读取并校验配置，缺失时使用默认值。
func Load() (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddr:           getEnv("HTTP_ADDR", ":8080"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		DBDriver:           getEnv("DB_DRIVER", "sqlite"),
		DBDSN:              getEnv("DB_DSN", "digital_fulfillment.db"),
		RedisAddr:          getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:            0,
		KafkaBrokers:       splitCSV(getEnv("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:         getEnv("KAFKA_TOPIC", "digital-orders-fulfilled"),
		KafkaGroupID:       getEnv("KAFKA_GROUP_ID", "digital-order-notifier"),
		CheckoutRateLimit:  20,
		CheckoutRateWindow: time.Second,
		StockCacheTTL:      24 * time.Hour,
		IdempotencyTTL:     24 * time.Hour,
		OutOfStockPolicy:   getEnv("OUT_OF_STOCK_POLICY", "hard-stop"),
		CheckoutTimeout:    5 * time.Second,
		RelayInterval:      500 * time.Millisecond,
		RelayBatchSize:     16,
		AdminToken:         getEnv("ADMIN_TOKEN", "dev-admin-token"),
	}

	switch cfg.DBDriver {
	case "sqlite", "mysql", "postgres":
	default:
		return AppConfig{}, fmt.Errorf("DB_DRIVER must be sqlite, mysql or postgres")
	}

	switch cfg.OutOfStockPolicy {
	case "hard-stop", "allow-pending":
	default:
		return AppConfig{}, fmt.Errorf("OUT_OF_STOCK_POLICY must be hard-stop or allow-pending")
	}

	redisDB, err := getEnvInt("REDIS_DB", cfg.RedisDB)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	cfg.RedisDB = redisDB

	rateLimit, err := getEnvInt("CHECKOUT_RATE_LIMIT", cfg.CheckoutRateLimit)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid CHECKOUT_RATE_LIMIT: %w", err)
	}
	if rateLimit <= 0 {
		return AppConfig{}, fmt.Errorf("CHECKOUT_RATE_LIMIT must be > 0")
	}
	cfg.CheckoutRateLimit = rateLimit

	rateWindowSec, err := getEnvInt("CHECKOUT_RATE_WINDOW_SEC", int(cfg.CheckoutRateWindow.Seconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid CHECKOUT_RATE_WINDOW_SEC: %w", err)
	}
	if rateWindowSec <= 0 {
		return AppConfig{}, fmt.Errorf("CHECKOUT_RATE_WINDOW_SEC must be > 0")
	}
	cfg.CheckoutRateWindow = time.Duration(rateWindowSec) * time.Second

	stockTTLHour, err := getEnvInt("STOCK_CACHE_TTL_HOUR", int(cfg.StockCacheTTL.Hours()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid STOCK_CACHE_TTL_HOUR: %w", err)
	}
	if stockTTLHour <= 0 {
		return AppConfig{}, fmt.Errorf("STOCK_CACHE_TTL_HOUR must be > 0")
	}
	cfg.StockCacheTTL = time.Duration(stockTTLHour) * time.Hour

	timeoutMS, err := getEnvInt("CHECKOUT_TIMEOUT_MS", int(cfg.CheckoutTimeout.Milliseconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid CHECKOUT_TIMEOUT_MS: %w", err)
	}
	if timeoutMS <= 0 {
		return AppConfig{}, fmt.Errorf("CHECKOUT_TIMEOUT_MS must be > 0")
	}
	cfg.CheckoutTimeout = time.Duration(timeoutMS) * time.Millisecond

	relayMS, err := getEnvInt("RELAY_INTERVAL_MS", int(cfg.RelayInterval.Milliseconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid RELAY_INTERVAL_MS: %w", err)
	}
	if relayMS <= 0 {
		return AppConfig{}, fmt.Errorf("RELAY_INTERVAL_MS must be > 0")
	}
	cfg.RelayInterval = time.Duration(relayMS) * time.Millisecond

	relayBatch, err := getEnvInt("RELAY_BATCH_SIZE", cfg.RelayBatchSize)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid RELAY_BATCH_SIZE: %w", err)
	}
	if relayBatch <= 0 {
		return AppConfig{}, fmt.Errorf("RELAY_BATCH_SIZE must be > 0")
	}
	cfg.RelayBatchSize = relayBatch

	idemTTLHour, err := getEnvInt("IDEMPOTENCY_TTL_HOUR", int(cfg.IdempotencyTTL.Hours()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid IDEMPOTENCY_TTL_HOUR: %w", err)
	}
	if idemTTLHour <= 0 {
		return AppConfig{}, fmt.Errorf("IDEMPOTENCY_TTL_HOUR must be > 0")
	}
	cfg.IdempotencyTTL = time.Duration(idemTTLHour) * time.Hour

	if len(cfg.KafkaBrokers) == 0 {
		return AppConfig{}, fmt.Errorf("KAFKA_BROKERS must not be empty")
	}
	if cfg.KafkaTopic == "" {
		return AppConfig{}, fmt.Errorf("KAFKA_TOPIC must not be empty")
	}
	if cfg.KafkaGroupID == "" {
		return AppConfig{}, fmt.Errorf("KAFKA_GROUP_ID must not be empty")
	}

	return cfg, nil
}

// getEnv 读取字符串环境变量，若为空则返回默认值。
func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// getEnvInt 读取整数环境变量，若为空则返回默认值。
func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

// splitCSV 将逗号分隔字符串解析为字符串切片。
func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
