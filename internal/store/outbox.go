package store

import (
	"context"
	"time"

	"digital_fulfillment/internal/model"
)

func (t *gormTx) AppendOutbox(ev *model.OutboxEvent) error {
	return translate(t.db.Create(ev).Error)
}

// FetchPendingOutbox 按写入顺序取未投递事件。
func (s *GormStore) FetchPendingOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var out []model.OutboxEvent
	err := s.db.WithContext(ctx).
		Where("sent_at IS NULL").
		Order("id asc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (s *GormStore) MarkOutboxSent(ctx context.Context, id uint) error {
	now := time.Now()
	return s.db.WithContext(ctx).
		Model(&model.OutboxEvent{}).
		Where("id = ?", id).
		Update("sent_at", &now).Error
}
