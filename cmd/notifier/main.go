package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"digital_fulfillment/internal/config"
	"digital_fulfillment/internal/queue"
	"digital_fulfillment/pkg/logging"

	"go.uber.org/zap"
)

// notifier 消费订单完成事件并交给邮件出口；默认只记录日志。
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New("notifier", cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := queue.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, queue.LogNotifier{Log: logger}, logger)
	defer c.Close()

	logger.Info("notifier consuming", zap.String("topic", cfg.KafkaTopic), zap.String("group", cfg.KafkaGroupID))
	c.Run(ctx)
	logger.Info("notifier stopped")
}
