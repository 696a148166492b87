package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rl1809/inventory-engine/internal/core/domain"
	"github.com/rl1809/inventory-engine/internal/pkg/logger"
	"github.com/rl1809/inventory-engine/internal/pkg/metrics"
	"github.com/rl1809/inventory-engine/internal/port"
)

// BalanceProjector keeps the weighted-average-cost balance per product and
// warehouse, fed by committed transactions.
type BalanceProjector struct {
	repo       port.BalanceRepository
	txlog      *TransactionLog
	holds      *HoldManager
	maxRetries int
}

func NewBalanceProjector(repo port.BalanceRepository, txlog *TransactionLog, holds *HoldManager, maxRetries int) *BalanceProjector {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &BalanceProjector{repo: repo, txlog: txlog, holds: holds, maxRetries: maxRetries}
}

func (p *BalanceProjector) HandleEvent(ctx context.Context, event domain.StockTransactionCommitted) error {
	return p.Apply(ctx, event.Transaction)
}

// Apply folds one transaction into its balance. Backorder records are ignored.
func (p *BalanceProjector) Apply(ctx context.Context, txn domain.StockTransaction) error {
	if !txn.AffectsOnHand() || txn.QuantityDelta == 0 {
		return nil
	}

	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		balance, err := p.load(ctx, txn.ProductID, txn.WarehouseID)
		if err != nil {
			return err
		}
		balance.Apply(txn)

		err = p.repo.SaveBalance(ctx, *balance)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return fmt.Errorf("save balance %s/%s: %w", txn.ProductID, txn.WarehouseID, err)
		}
		metrics.VersionConflicts.WithLabelValues("balance").Inc()
	}
	return fmt.Errorf("balance %s/%s still conflicting after %d attempts: %w",
		txn.ProductID, txn.WarehouseID, p.maxRetries, domain.ErrReservationFailed)
}

func (p *BalanceProjector) load(ctx context.Context, productID, warehouseID string) (*domain.InventoryBalance, error) {
	balance, err := p.repo.GetBalance(ctx, productID, warehouseID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.NewInventoryBalance(productID, warehouseID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get balance %s/%s: %w", productID, warehouseID, err)
	}
	return balance, nil
}

// Balance returns the balance with reserved and available refreshed from live holds.
func (p *BalanceProjector) Balance(ctx context.Context, productID, warehouseID string) (*domain.InventoryBalance, error) {
	balance, err := p.repo.GetBalance(ctx, productID, warehouseID)
	if err != nil {
		return nil, fmt.Errorf("get balance %s/%s: %w", productID, warehouseID, err)
	}

	reserved, err := p.holds.Reserved(ctx, productID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	balance.WithReserved(reserved)
	return balance, nil
}

// Rebuild recomputes the product's balances from the full transaction log and
// overwrites the stored projections.
func (p *BalanceProjector) Rebuild(ctx context.Context, productID string) ([]domain.InventoryBalance, error) {
	txns, err := p.txlog.ListByProduct(ctx, productID)
	if err != nil {
		return nil, err
	}

	byWarehouse := make(map[string]*domain.InventoryBalance)
	var warehouses []string
	for _, txn := range txns {
		b, ok := byWarehouse[txn.WarehouseID]
		if !ok {
			b = domain.NewInventoryBalance(productID, txn.WarehouseID)
			byWarehouse[txn.WarehouseID] = b
			warehouses = append(warehouses, txn.WarehouseID)
		}
		b.Apply(txn)
	}

	rebuilt := make([]domain.InventoryBalance, 0, len(warehouses))
	for _, wh := range warehouses {
		b := byWarehouse[wh]
		existing, err := p.repo.GetBalance(ctx, productID, wh)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("get balance %s/%s: %w", productID, wh, err)
		}
		if existing != nil {
			b.Version = existing.Version
		}
		if err := p.repo.SaveBalance(ctx, *b); err != nil {
			return nil, fmt.Errorf("save balance %s/%s: %w", productID, wh, err)
		}
		b.Version++
		rebuilt = append(rebuilt, *b)
	}

	logger.Ctx(ctx).Info().Str("product_id", productID).Int("balances", len(rebuilt)).Msg("balances rebuilt from log")
	return rebuilt, nil
}
