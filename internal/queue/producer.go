package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// HeaderEventType 随消息携带事件类型，消费端可按类型路由而无需解码 payload。
const HeaderEventType = "event-type"

// Producer 把 outbox 事件写入订单完成 topic。
type Producer struct {
	w     *kafka.Writer
	topic string
}

// NewProducer 按订单号分区（同一订单的重投落在同一分区，消费端去重更简单），
// 等待全部 ISR 副本确认；超时后由 relay 在下一轮重投。
func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		topic: topic,
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			Compression:            kafka.Snappy,
			AllowAutoTopicCreation: true,
			MaxAttempts:            3,
			WriteTimeout:           5 * time.Second,
			ReadTimeout:            5 * time.Second,
			BatchTimeout:           10 * time.Millisecond,
		},
	}
}

func (p *Producer) Close() error { return p.w.Close() }

// Publish 同步写入一条订单完成事件，返回后即视为 broker 已确认。
func (p *Producer) Publish(ctx context.Context, key string, value []byte) error {
	err := p.w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(key),
		Value:   value,
		Headers: []kafka.Header{{Key: HeaderEventType, Value: []byte(EventOrderFulfilled)}},
	})
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", key, p.topic, err)
	}
	return nil
}
