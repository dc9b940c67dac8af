package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderLineStatus 订单行生命周期。本模块只写入 completed/pending。
type OrderLineStatus string

const (
	OrderLineCompleted OrderLineStatus = "completed" // 已分配资产
	OrderLinePending   OrderLineStatus = "pending"   // 无可用资产，待补发
)

// OrderLine 每售出一件生成一行；同一次结账的所有行共享 OrderNumber。
// 行写入后不再被本模块修改。
type OrderLine struct {
	ID uint `gorm:"primarykey" json:"id"`

	OrderNumber string `gorm:"size:64;not null;uniqueIndex:idx_order_line" json:"order_number"`
	LineNo      int    `gorm:"not null;uniqueIndex:idx_order_line" json:"line_no"`

	CustomerEmail string `gorm:"size:255;not null;index" json:"customer_email"`
	CustomerName  string `gorm:"size:128" json:"customer_name"`

	ProductID   uint            `gorm:"not null;index" json:"product_id"`
	ProductName string          `gorm:"size:128;not null" json:"product_name"`
	Amount      decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"` // 单价
	Cost        decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"cost"`   // 单件成本

	// 三个字段按资产形态互斥，pending 行全部为空。
	DigitalEmail    *string `gorm:"size:255" json:"digital_email,omitempty"`
	DigitalPassword *string `gorm:"size:255" json:"digital_password,omitempty"`
	DigitalCode     *string `gorm:"size:255" json:"digital_code,omitempty"`
	// AssetFingerprint 唯一索引：同一资产不可能出现在两行里。NULL 不参与唯一约束。
	AssetFingerprint *string `gorm:"size:64;uniqueIndex" json:"-"`

	Status OrderLineStatus `gorm:"size:16;not null;index" json:"status"`
	Date   time.Time       `gorm:"not null;index" json:"date"`
}

func (OrderLine) TableName() string { return "orders" }

// NormalizeEmail 客户邮箱统一去空白转小写，账本、限流、幂等键都按它比较。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
