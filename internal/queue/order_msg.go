package queue

import (
	"fmt"

	"digital_fulfillment/internal/asset"
)

// EventOrderFulfilled 订单完成分配后写入 outbox 的事件类型。
const EventOrderFulfilled = "order.fulfilled"

// FulfilledMessage 是写入 Kafka 的订单完成事件，外部邮件服务据此发送卡密。
type FulfilledMessage struct {
	Type          string          `json:"type"`
	OrderNumber   string          `json:"order_number"`
	CustomerEmail string          `json:"customer_email"`
	CustomerName  string          `json:"customer_name"`
	Lines         []FulfilledLine `json:"lines"`
}

// FulfilledLine 对应一条订单行；pending 行 Asset 为空。
type FulfilledLine struct {
	LineNo      int          `json:"line_no"`
	ProductID   uint         `json:"product_id"`
	ProductName string       `json:"product_name"`
	Status      string       `json:"status"`
	Asset       *asset.Asset `json:"asset,omitempty"`
}

// Validate 做最小字段校验，防止消费者处理脏消息。
func (m FulfilledMessage) Validate() error {
	if m.Type != EventOrderFulfilled {
		return fmt.Errorf("unexpected event type %q", m.Type)
	}
	if m.OrderNumber == "" {
		return fmt.Errorf("order_number is required")
	}
	if m.CustomerEmail == "" {
		return fmt.Errorf("customer_email is required")
	}
	if len(m.Lines) == 0 {
		return fmt.Errorf("lines must not be empty")
	}
	return nil
}
