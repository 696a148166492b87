package port

import (
	"context"
	"time"

	"github.com/rl1809/inventory-engine/internal/core/domain"
)

type LedgerRepository interface {
	// GetEntry returns the stored entry as-is, holds included; domain.ErrNotFound if missing
	GetEntry(ctx context.Context, productID string) (*domain.LedgerEntry, error)

	// CreateEntry stocks a new product; domain.ErrVersionConflict if it already exists
	CreateEntry(ctx context.Context, entry domain.LedgerEntry) error

	// UpdateEntry writes the entry only if the stored version equals entry.Version,
	// then bumps the stored version by one; domain.ErrVersionConflict otherwise
	UpdateEntry(ctx context.Context, entry domain.LedgerEntry) error

	// ListProductIDsWithExpiredHolds returns products carrying at least one hold expired at now
	ListProductIDsWithExpiredHolds(ctx context.Context, now time.Time) ([]string, error)

	// ListProductIDsByHolder returns products carrying a hold for holderID
	ListProductIDsByHolder(ctx context.Context, holderID string) ([]string, error)
}

type TransactionRepository interface {
	// AppendTransaction inserts an immutable transaction record
	AppendTransaction(ctx context.Context, txn domain.StockTransaction) error

	// ListTransactionsByProduct returns the product's transactions in commit order
	ListTransactionsByProduct(ctx context.Context, productID string) ([]domain.StockTransaction, error)

	// ListTransactionsByReference returns transactions caused by the referenced document
	ListTransactionsByReference(ctx context.Context, ref domain.Reference) ([]domain.StockTransaction, error)
}

type OrderRepository interface {
	// GetOrder retrieves an order by ID; domain.ErrNotFound if missing
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)

	// CreateOrder persists a new order at version 0
	CreateOrder(ctx context.Context, order domain.Order) error

	// UpdateOrder saves the order with version check for optimistic locking
	UpdateOrder(ctx context.Context, order domain.Order) error

	// ListOrdersByStatus returns orders in the given status, oldest first
	ListOrdersByStatus(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error)
}

type BalanceRepository interface {
	// GetBalance retrieves the balance for a product in a warehouse; domain.ErrNotFound if missing
	GetBalance(ctx context.Context, productID, warehouseID string) (*domain.InventoryBalance, error)

	// SaveBalance inserts when balance.Version is 0, otherwise updates with version check
	SaveBalance(ctx context.Context, balance domain.InventoryBalance) error
}

type ProductCatalog interface {
	// GetProduct looks up catalog data; domain.ErrNotFound if missing
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
}

// ProductStore is the write side of the catalog, used by admin surfaces and tooling.
type ProductStore interface {
	ProductCatalog
	SaveProduct(ctx context.Context, product domain.Product) error
}

type TxRunner interface {
	// WithinTransaction runs fn in one store transaction carried by the ctx passed to fn
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
