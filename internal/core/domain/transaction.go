package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TransactionSale       TransactionType = "sale"
	TransactionPurchase   TransactionType = "purchase"
	TransactionReturn     TransactionType = "return"
	TransactionAdjustment TransactionType = "adjustment"
	TransactionTransfer   TransactionType = "transfer"
	TransactionBackorder  TransactionType = "backorder"
)

type TransactionStatus string

const (
	TransactionPending     TransactionStatus = "pending"
	TransactionCompleted   TransactionStatus = "completed"
	TransactionCancelled   TransactionStatus = "cancelled"
	TransactionBackordered TransactionStatus = "backordered"
)

// Reference points at the document that caused a transaction.
type Reference struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

const (
	ReferenceOrder    = "order"
	ReferenceCheckout = "checkout"
	ReferenceReceipt  = "receipt"
	ReferenceManual   = "manual"
)

// StockTransaction is an immutable audit record of a committed quantity change.
// Backorder records carry the shortfall as QuantityDelta but never change the ledger.
type StockTransaction struct {
	ID               string            `json:"id"`
	Type             TransactionType   `json:"type"`
	ProductID        string            `json:"productId"`
	WarehouseID      string            `json:"warehouseId"`
	QuantityDelta    int               `json:"quantityDelta"`
	PreviousQuantity int               `json:"previousQuantity"`
	NewQuantity      int               `json:"newQuantity"`
	UnitCost         decimal.Decimal   `json:"unitCost"`
	Reference        Reference         `json:"reference"`
	Status           TransactionStatus `json:"status"`
	Note             string            `json:"note,omitempty"`
	CreatedBy        string            `json:"createdBy"`
	CreatedAt        time.Time         `json:"createdAt"`
}

// AffectsOnHand reports whether the transaction moved the ledger quantity.
func (t StockTransaction) AffectsOnHand() bool {
	return t.Status != TransactionBackordered
}

// Incoming reports whether the transaction added stock.
func (t StockTransaction) Incoming() bool {
	return t.AffectsOnHand() && t.QuantityDelta > 0
}

// ReplayOnHand sums the committed deltas of txns, ignoring backorder records.
func ReplayOnHand(txns []StockTransaction) int {
	total := 0
	for _, t := range txns {
		if t.AffectsOnHand() {
			total += t.QuantityDelta
		}
	}
	return total
}
