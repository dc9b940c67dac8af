package model

import (
	"time"

	"gorm.io/datatypes"
)

// OutboxEvent 与订单行同事务写入，由 relay 异步投递 Kafka。
type OutboxEvent struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `gorm:"index" json:"created_at"`
	EventID   string         `gorm:"size:64;uniqueIndex;not null" json:"event_id"`
	Topic     string         `gorm:"size:128;not null" json:"topic"`
	Key       string         `gorm:"size:64;not null" json:"key"`
	Payload   datatypes.JSON `gorm:"not null" json:"payload"`
	SentAt    *time.Time     `gorm:"index" json:"sent_at"`
}

func (OutboxEvent) TableName() string { return "outbox" }
