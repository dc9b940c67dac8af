package store

import (
	"context"
	"fmt"

	"digital_fulfillment/internal/model"
)

// AppendLines 只在分配事务内调用；订单行此后只读。
func (t *gormTx) AppendLines(lines []model.OrderLine) error {
	if len(lines) == 0 {
		return nil
	}
	return translate(t.db.Create(&lines).Error)
}

func (t *gormTx) LinesByOrderNumber(orderNumber string) ([]model.OrderLine, error) {
	var lines []model.OrderLine
	err := t.db.Where("order_number = ?", orderNumber).Order("line_no asc").Find(&lines).Error
	return lines, err
}

func (t *gormTx) AssetIssued(fingerprint string) (bool, error) {
	var n int64
	err := t.db.Model(&model.OrderLine{}).Where("asset_fingerprint = ?", fingerprint).Count(&n).Error
	return n > 0, err
}

// LinesByCustomer 按下单时间倒序返回客户的全部订单行，同一订单内按行号正序。
func (s *GormStore) LinesByCustomer(ctx context.Context, email string) ([]model.OrderLine, error) {
	var lines []model.OrderLine
	err := s.db.WithContext(ctx).
		Where("customer_email = ?", email).
		Order("date desc").Order("order_number").Order("line_no asc").
		Find(&lines).Error
	return lines, err
}

func (s *GormStore) LinesByOrderNumber(ctx context.Context, orderNumber string) ([]model.OrderLine, error) {
	var lines []model.OrderLine
	err := s.db.WithContext(ctx).
		Where("order_number = ?", orderNumber).
		Order("line_no asc").
		Find(&lines).Error
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("order %s: %w", orderNumber, ErrOrderNotFound)
	}
	return lines, nil
}
