package store

import (
	"context"
	"errors"
	"fmt"

	"digital_fulfillment/internal/asset"
	"digital_fulfillment/internal/model"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (t *gormTx) LockPool(productID uint) (*LockedPool, error) {
	var p model.Product
	err := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&p, productID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("product %d: %w", productID, ErrProductNotFound)
		}
		return nil, err
	}

	pool, decodeErr := asset.DecodePool(p.ID, p.AvailableAssets)
	return &LockedPool{Product: p, Pool: pool, DecodeErr: decodeErr}, nil
}

func (t *gormTx) SavePool(pool *asset.Pool) error {
	// 损坏的池不回写，保留原始数据。
	if pool.Malformed {
		return nil
	}
	raw, err := pool.Encode()
	if err != nil {
		return fmt.Errorf("encode pool %d: %w", pool.ProductID, err)
	}
	res := t.db.Model(&model.Product{}).
		Where("id = ?", pool.ProductID).
		Updates(map[string]any{
			"stock":            pool.Stock,
			"available_assets": datatypes.JSON(raw),
			"status_label":     pool.StatusLabel,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("product %d: %w", pool.ProductID, ErrProductNotFound)
	}
	return nil
}

// CreateProduct 目录侧建商品并写入初始资产池，Stock/StatusLabel 由资产数推导。
// 同一资产不能入池两次，也不能与已售出的资产重复，否则轮到它时账本唯一索引会拒绝写入。
func (s *GormStore) CreateProduct(ctx context.Context, p *model.Product, assets []asset.Asset) error {
	fps := make([]string, 0, len(assets))
	seen := make(map[string]int, len(assets))
	for i, a := range assets {
		fp := a.Fingerprint()
		if j, ok := seen[fp]; ok {
			return fmt.Errorf("assets[%d] repeats assets[%d]: %w", i, j, ErrDuplicateAsset)
		}
		seen[fp] = i
		fps = append(fps, fp)
	}
	if len(fps) > 0 {
		var issued int64
		err := s.db.WithContext(ctx).Model(&model.OrderLine{}).
			Where("asset_fingerprint IN ?", fps).Count(&issued).Error
		if err != nil {
			return err
		}
		if issued > 0 {
			return fmt.Errorf("%d asset(s) already issued: %w", issued, ErrDuplicateAsset)
		}
	}

	pool := asset.NewPool(0, assets)
	raw, err := pool.Encode()
	if err != nil {
		return err
	}
	p.AvailableAssets = datatypes.JSON(raw)
	p.Stock = pool.Stock
	p.StatusLabel = pool.StatusLabel
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return translate(err)
	}
	s.log.Info("product created", zap.Uint("product_id", p.ID), zap.Int("stock", p.Stock))
	return nil
}

// Product 无锁读取商品行，主要给测试和展示用。
func (s *GormStore) Product(ctx context.Context, productID uint) (model.Product, error) {
	var p model.Product
	err := s.db.WithContext(ctx).First(&p, productID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.Product{}, fmt.Errorf("product %d: %w", productID, ErrProductNotFound)
		}
		return model.Product{}, err
	}
	return p, nil
}

func (s *GormStore) PoolStatus(ctx context.Context, productID uint) (int, string, error) {
	p, err := s.Product(ctx, productID)
	if err != nil {
		return 0, "", err
	}
	return p.Stock, asset.StatusLabel(p.Stock), nil
}
