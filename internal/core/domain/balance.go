package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// InventoryBalance is the per-warehouse valuation of a product used by reporting.
type InventoryBalance struct {
	ProductID           string
	WarehouseID         string
	Quantity            int
	WeightedAverageCost decimal.Decimal
	TotalValue          decimal.Decimal
	ReservedQuantity    int
	AvailableQuantity   int
	LastTransactionDate time.Time
	LastTransactionType TransactionType
	Version             int64
}

func NewInventoryBalance(productID, warehouseID string) *InventoryBalance {
	return &InventoryBalance{
		ProductID:           productID,
		WarehouseID:         warehouseID,
		WeightedAverageCost: decimal.Zero,
		TotalValue:          decimal.Zero,
	}
}

// Apply folds a committed transaction into the balance.
// The average cost only moves on incoming stock that carries a unit cost;
// everything else is valued at the current average.
func (b *InventoryBalance) Apply(txn StockTransaction) {
	if !txn.AffectsOnHand() {
		return
	}

	if txn.Incoming() && txn.UnitCost.IsPositive() {
		oldQty := decimal.NewFromInt(int64(b.Quantity))
		inQty := decimal.NewFromInt(int64(txn.QuantityDelta))
		newQty := oldQty.Add(inQty)
		if newQty.IsPositive() && b.Quantity > 0 {
			b.WeightedAverageCost = oldQty.Mul(b.WeightedAverageCost).
				Add(inQty.Mul(txn.UnitCost)).
				Div(newQty).
				Round(4)
		} else {
			b.WeightedAverageCost = txn.UnitCost
		}
	}

	b.Quantity += txn.QuantityDelta
	b.TotalValue = decimal.NewFromInt(int64(b.Quantity)).Mul(b.WeightedAverageCost).Round(4)
	b.LastTransactionDate = txn.CreatedAt
	b.LastTransactionType = txn.Type
}

// WithReserved fills the derived reserved/available split.
func (b *InventoryBalance) WithReserved(reserved int) {
	b.ReservedQuantity = reserved
	b.AvailableQuantity = b.Quantity - reserved
}
