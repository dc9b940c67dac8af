package queue

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Notifier 外部通知（邮件等）的出口，本服务只负责把事件交给它。
type Notifier interface {
	NotifyFulfilled(ctx context.Context, msg FulfilledMessage) error
}

type Consumer struct {
	r        *kafka.Reader
	notifier Notifier
	log      *zap.Logger
}

func NewConsumer(brokers []string, topic, groupID string, notifier Notifier, log *zap.Logger) *Consumer {
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1e3,
			MaxBytes: 1e6,
		}),
		notifier: notifier,
		log:      log,
	}
}

func (c *Consumer) Close() error { return c.r.Close() }

// Run 拉取并处理消息，处理失败不提交 offset，重启后重新投递。
func (c *Consumer) Run(ctx context.Context) {
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			return // ctx cancel / 连接断开等
		}
		if err := c.Handle(ctx, m.Value); err != nil {
			c.log.Error("notify failed", zap.ByteString("key", m.Key), zap.Error(err))
			continue
		}
		if err := c.r.CommitMessages(ctx, m); err != nil {
			c.log.Warn("commit offset", zap.Error(err))
		}
	}
}

// Handle 解析并分发一条消息；脏消息记录后丢弃（返回 nil）。
func (c *Consumer) Handle(ctx context.Context, value []byte) error {
	var msg FulfilledMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		c.log.Warn("drop undecodable message", zap.Error(err))
		return nil
	}
	if err := msg.Validate(); err != nil {
		c.log.Warn("drop invalid message", zap.Error(err))
		return nil
	}
	return c.notifier.NotifyFulfilled(ctx, msg)
}

// LogNotifier 只记录将要发送的内容，不包含卡密明文。
type LogNotifier struct {
	Log *zap.Logger
}

func (n LogNotifier) NotifyFulfilled(_ context.Context, msg FulfilledMessage) error {
	issued := 0
	for _, l := range msg.Lines {
		if l.Asset != nil {
			issued++
		}
	}
	n.Log.Info("would email order",
		zap.String("order_number", msg.OrderNumber),
		zap.String("to", msg.CustomerEmail),
		zap.Int("lines", len(msg.Lines)),
		zap.Int("issued", issued),
	)
	return nil
}
