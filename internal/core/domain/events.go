package domain

import "time"

const StockTransactionCommittedEvent = "stock.transaction.committed"

// StockTransactionCommitted is emitted once per transaction after its write is durable.
type StockTransactionCommitted struct {
	Event       string           `json:"event"`
	Transaction StockTransaction `json:"transaction"`
	CommittedAt time.Time        `json:"committedAt"`
}

func NewStockTransactionCommitted(txn StockTransaction, at time.Time) StockTransactionCommitted {
	return StockTransactionCommitted{
		Event:       StockTransactionCommittedEvent,
		Transaction: txn,
		CommittedAt: at,
	}
}
