package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Product 数字商品：目录信息 + 待发放资产池。
// Stock 必须始终等于 AvailableAssets 的元素个数，只由分配事务修改。
type Product struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name  string          `gorm:"size:128;not null" json:"name"`
	Price decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"price"`
	Cost  decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"cost"`
	Image string          `gorm:"size:512" json:"image"`

	Stock           int            `gorm:"not null;default:0" json:"stock"`
	AvailableAssets datatypes.JSON `gorm:"not null" json:"-"` // JSON 数组，FIFO
	StatusLabel     string         `gorm:"size:16;not null" json:"status_label"`
}

func (Product) TableName() string { return "products" }
