package queue

import (
	"context"
	"time"

	"digital_fulfillment/internal/model"

	"go.uber.org/zap"
)

// OutboxSource 是 relay 读取 outbox 的最小接口。
type OutboxSource interface {
	FetchPendingOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxSent(ctx context.Context, id uint) error
}

// Publisher 由 Producer 实现，测试中可替换。
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// Relay 将数据库 outbox 事件异步转发到 Kafka。
// 语义：发布成功后才标记 sent，失败则保留等待下一轮重试（至少一次投递）。
type Relay struct {
	src       OutboxSource
	pub       Publisher
	log       *zap.Logger
	interval  time.Duration
	batchSize int
}

func NewRelay(src OutboxSource, pub Publisher, log *zap.Logger, interval time.Duration, batchSize int) *Relay {
	if batchSize <= 0 {
		batchSize = 16
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Relay{src: src, pub: pub, log: log, interval: interval, batchSize: batchSize}
}

func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("relay flush", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Flush 投递一批未发送事件，返回成功条数。遇到发布失败立即停止，保证按序投递。
func (r *Relay) Flush(ctx context.Context) (int, error) {
	events, err := r.src.FetchPendingOutbox(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, ev := range events {
		pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := r.pub.Publish(pubCtx, ev.Key, ev.Payload)
		cancel()
		if err != nil {
			return sent, err
		}
		if err := r.src.MarkOutboxSent(ctx, ev.ID); err != nil {
			// 已发布但未标记：下一轮会重复投递，消费者按订单号幂等处理。
			return sent, err
		}
		sent++
	}
	if sent > 0 {
		r.log.Debug("relay flushed", zap.Int("sent", sent))
	}
	return sent, nil
}
