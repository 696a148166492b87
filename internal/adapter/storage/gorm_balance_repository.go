package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rl1809/inventory-engine/internal/core/domain"
)

// InventoryBalanceModel maps the inventory_balances table.
type InventoryBalanceModel struct {
	ProductID           string          `gorm:"primaryKey;size:64"`
	WarehouseID         string          `gorm:"primaryKey;size:64"`
	Quantity            int             `gorm:"not null"`
	WeightedAverageCost decimal.Decimal `gorm:"type:decimal(18,4);not null"`
	TotalValue          decimal.Decimal `gorm:"type:decimal(18,4);not null"`
	LastTransactionDate time.Time
	LastTransactionType string `gorm:"size:16"`
	Version             int64  `gorm:"not null;default:0"`
	UpdatedAt           time.Time
}

func (InventoryBalanceModel) TableName() string {
	return "inventory_balances"
}

func toBalanceModel(b domain.InventoryBalance) InventoryBalanceModel {
	return InventoryBalanceModel{
		ProductID:           b.ProductID,
		WarehouseID:         b.WarehouseID,
		Quantity:            b.Quantity,
		WeightedAverageCost: b.WeightedAverageCost,
		TotalValue:          b.TotalValue,
		LastTransactionDate: b.LastTransactionDate,
		LastTransactionType: string(b.LastTransactionType),
		Version:             b.Version,
	}
}

func toDomainBalance(m InventoryBalanceModel) *domain.InventoryBalance {
	return &domain.InventoryBalance{
		ProductID:           m.ProductID,
		WarehouseID:         m.WarehouseID,
		Quantity:            m.Quantity,
		WeightedAverageCost: m.WeightedAverageCost,
		TotalValue:          m.TotalValue,
		LastTransactionDate: m.LastTransactionDate,
		LastTransactionType: domain.TransactionType(m.LastTransactionType),
		Version:             m.Version,
	}
}

// GormBalanceRepository is the GORM implementation of port.BalanceRepository.
// Reserved and available quantities are derived on read and never stored.
type GormBalanceRepository struct {
	db *gorm.DB
}

func NewGormBalanceRepository(db *gorm.DB) *GormBalanceRepository {
	return &GormBalanceRepository{db: db}
}

func (r *GormBalanceRepository) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&InventoryBalanceModel{})
}

func (r *GormBalanceRepository) GetBalance(ctx context.Context, productID, warehouseID string) (*domain.InventoryBalance, error) {
	var model InventoryBalanceModel
	err := r.db.WithContext(ctx).
		Where("product_id = ? AND warehouse_id = ?", productID, warehouseID).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("balance %s/%s: %w", productID, warehouseID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query balance: %w", err)
	}
	return toDomainBalance(model), nil
}

func (r *GormBalanceRepository) SaveBalance(ctx context.Context, balance domain.InventoryBalance) error {
	model := toBalanceModel(balance)
	db := r.db.WithContext(ctx)

	if balance.Version == 0 {
		model.Version = 1
		result := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
		if result.Error != nil {
			return fmt.Errorf("insert balance: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrOptimisticLock
		}
		return nil
	}

	result := db.Model(&InventoryBalanceModel{}).
		Where("product_id = ? AND warehouse_id = ? AND version = ?", model.ProductID, model.WarehouseID, balance.Version).
		Updates(map[string]interface{}{
			"quantity":              model.Quantity,
			"weighted_average_cost": model.WeightedAverageCost,
			"total_value":           model.TotalValue,
			"last_transaction_date": model.LastTransactionDate,
			"last_transaction_type": model.LastTransactionType,
			"version":               gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return fmt.Errorf("update balance: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	return nil
}
