package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"digital_fulfillment/internal/config"
	"digital_fulfillment/internal/fulfillment"
	"digital_fulfillment/internal/queue"
	"digital_fulfillment/internal/router"
	"digital_fulfillment/internal/store"
	"digital_fulfillment/pkg/logging"
	"digital_fulfillment/pkg/metrics"
	rediskey "digital_fulfillment/pkg/redis"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New("fulfillment", cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. 连接数据库，自动建表
	st, err := store.Open(cfg.DBDriver, cfg.DBDSN, logger)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer st.Close()

	// 2. Redis：限流、库存缓存、幂等键
	rdb := rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable, rate limit fails open", zap.Error(err))
	}

	policy, err := fulfillment.ParsePolicy(cfg.OutOfStockPolicy)
	if err != nil {
		logger.Fatal("policy", zap.Error(err))
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewServerMetrics(reg, "server")

	svc := fulfillment.New(st, logger,
		fulfillment.WithPolicy(policy),
		fulfillment.WithTopic(cfg.KafkaTopic),
		fulfillment.WithTimeout(cfg.CheckoutTimeout),
		fulfillment.WithStockCache(rediskey.NewStockCache(rdb, cfg.StockCacheTTL)),
		fulfillment.WithRecorder(m),
	)

	// 3. outbox → Kafka
	producer := queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer producer.Close()
	relay := queue.NewRelay(st, producer, logger, cfg.RelayInterval, cfg.RelayBatchSize)
	go relay.Run(ctx)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), logging.GinLogger(logger), m.Middleware())
	r.GET("/metrics", gin.WrapH(metrics.Handler(reg)))
	router.Setup(r, router.Deps{
		Service:            svc,
		Catalog:            st,
		Redis:              rdb,
		AdminToken:         cfg.AdminToken,
		CheckoutRateLimit:  cfg.CheckoutRateLimit,
		CheckoutRateWindow: cfg.CheckoutRateWindow,
		StockCacheTTL:      cfg.StockCacheTTL,
		IdempotencyTTL:     cfg.IdempotencyTTL,
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr), zap.String("policy", string(policy)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http serve", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}
